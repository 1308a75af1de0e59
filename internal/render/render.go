// Package render turns procedure content templates into job content by
// substituting parameter values.
package render

import (
	"fmt"
	"regexp"
)

// Renderer renders a content template with the merged parameters of a job.
type Renderer interface {
	Render(content string, params map[string]any) (string, error)
}

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.-]+)\s*\}\}`)

// Template substitutes {{ key }} placeholders with the string form of the
// matching parameter. Unknown keys render as empty strings so a missing
// optional parameter never fails job submission.
type Template struct{}

// Render implements Renderer.
func (Template) Render(content string, params map[string]any) (string, error) {
	return placeholder.ReplaceAllStringFunc(content, func(m string) string {
		key := placeholder.FindStringSubmatch(m)[1]
		v, ok := params[key]
		if !ok {
			return ""
		}
		switch v := v.(type) {
		case string:
			return v
		case nil:
			return ""
		default:
			return fmt.Sprintf("%v", v)
		}
	}), nil
}
