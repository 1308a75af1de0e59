package render

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTemplateSubstitution(t *testing.T) {
	out, err := Template{}.Render("restart {{ service }} on {{host}}", map[string]any{
		"service": "web",
		"host":    "node-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "restart web on node-1", out)
}

func TestTemplateMissingKeyRendersEmpty(t *testing.T) {
	out, err := Template{}.Render("restart {{ service }}", nil)
	require.NoError(t, err)
	assert.Equal(t, "restart ", out)
}

func TestTemplateNonStringValues(t *testing.T) {
	out, err := Template{}.Render("scale to {{ replicas }}", map[string]any{
		"replicas": float64(3),
	})
	require.NoError(t, err)
	assert.Equal(t, "scale to 3", out)
}

func TestTemplateLeavesPlainTextAlone(t *testing.T) {
	out, err := Template{}.Render("no placeholders here", map[string]any{"k": "v"})
	require.NoError(t, err)
	assert.Equal(t, "no placeholders here", out)
}
