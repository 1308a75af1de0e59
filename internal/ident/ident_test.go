package ident

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewShape(t *testing.T) {
	re := regexp.MustCompile(`^agt-[0-9A-Za-z]{22}$`)
	seen := map[string]struct{}{}
	for i := 0; i < 100; i++ {
		id := New(PrefixAgent)
		assert.Regexp(t, re, id)
		seen[id] = struct{}{}
	}
	assert.Len(t, seen, 100)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := [][16]byte{
		{},
		{0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f},
		{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
	}
	for _, raw := range cases {
		enc := Encode(raw)
		require.Len(t, enc, encodedLen)
		dec, err := Decode(enc)
		require.NoError(t, err)
		assert.Equal(t, raw, dec)
	}

	assert.Equal(t, "0000000000000000000000", Encode([16]byte{}))
}

func TestDecodeRejectsMalformed(t *testing.T) {
	_, err := Decode("short")
	assert.Error(t, err)

	_, err = Decode("00000000000000000000!!")
	assert.Error(t, err)

	// The largest 22-character base62 string exceeds 128 bits.
	_, err = Decode("zzzzzzzzzzzzzzzzzzzzzz")
	assert.Error(t, err)
}

func TestKind(t *testing.T) {
	id := New(PrefixResource)
	kind, ok := Kind(id)
	require.True(t, ok)
	assert.Equal(t, PrefixResource, kind)
	assert.True(t, IsKind(id, PrefixResource))
	assert.False(t, IsKind(id, PrefixAgent))

	for _, bad := range []string{
		"",
		"web-1",
		"res-short",
		"xxx-0000000000000000000000",
		"res_0000000000000000000000",
		"res-00000000000000000000!!",
	} {
		_, ok := Kind(bad)
		assert.False(t, ok, "Kind(%q)", bad)
	}
}

func TestEscapeKeyBijective(t *testing.T) {
	keys := []string{
		"plain",
		"$set",
		"dotted.path",
		"nul\x00byte",
		"esc\x1bbyte",
		"$a.b\x00c\x1bd",
	}
	for _, k := range keys {
		escaped := EscapeKey(k)
		assert.NotContains(t, escaped, "\x00")
		assert.NotContains(t, escaped, "$")
		assert.NotContains(t, escaped, ".")
		assert.Equal(t, k, UnescapeKey(escaped), "round trip of %q", k)
	}
}

func TestEscapeValueRecursive(t *testing.T) {
	v := map[string]any{
		"$top": map[string]any{
			"a.b": []any{
				map[string]any{"c\x00d": "scalar stays"},
				"plain",
				float64(3),
			},
		},
	}

	escaped := EscapeValue(v)
	m, ok := escaped.(map[string]any)
	require.True(t, ok)
	for k := range m {
		assert.NotContains(t, k, "$")
	}

	assert.Equal(t, v, UnescapeValue(escaped))
}
