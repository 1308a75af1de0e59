package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/perfectstorm-io/storm/internal/ident"
)

// JSONMap stores a free-form document in a text column. Keys are escaped on
// the way in and unescaped on the way out, so user-supplied keys may contain
// the characters the store otherwise reserves (NUL, '$', '.').
type JSONMap map[string]any

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		m = JSONMap{}
	}
	escaped := ident.EscapeValue(map[string]any(m))
	b, err := json.Marshal(escaped)
	if err != nil {
		return nil, fmt.Errorf("jsonmap: marshal: %w", err)
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(src any) error {
	b, err := sourceBytes(src)
	if err != nil {
		return fmt.Errorf("jsonmap: %w", err)
	}
	if len(b) == 0 {
		*m = JSONMap{}
		return nil
	}
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("jsonmap: unmarshal: %w", err)
	}
	*m = JSONMap(ident.UnescapeValue(raw).(map[string]any))
	return nil
}

// StringList stores an ordered list of strings as a JSON array.
type StringList []string

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		l = StringList{}
	}
	b, err := json.Marshal([]string(l))
	if err != nil {
		return nil, fmt.Errorf("stringlist: marshal: %w", err)
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(src any) error {
	return scanJSON(src, (*[]string)(l), "stringlist")
}

// Contains reports whether l holds s.
func (l StringList) Contains(s string) bool {
	for _, item := range l {
		if item == s {
			return true
		}
	}
	return false
}

// Remove returns l without any occurrence of s, plus whether anything was
// removed. Order of the remaining items is preserved.
func (l StringList) Remove(s string) (StringList, bool) {
	out := make(StringList, 0, len(l))
	removed := false
	for _, item := range l {
		if item == s {
			removed = true
			continue
		}
		out = append(out, item)
	}
	return out, removed
}

// ServiceList stores a group's embedded service definitions.
type ServiceList []GroupService

func (l ServiceList) Value() (driver.Value, error) {
	if l == nil {
		l = ServiceList{}
	}
	b, err := json.Marshal([]GroupService(l))
	if err != nil {
		return nil, fmt.Errorf("servicelist: marshal: %w", err)
	}
	return string(b), nil
}

func (l *ServiceList) Scan(src any) error {
	return scanJSON(src, (*[]GroupService)(l), "servicelist")
}

// LinkList stores an application's embedded links.
type LinkList []AppLink

func (l LinkList) Value() (driver.Value, error) {
	if l == nil {
		l = LinkList{}
	}
	b, err := json.Marshal([]AppLink(l))
	if err != nil {
		return nil, fmt.Errorf("linklist: marshal: %w", err)
	}
	return string(b), nil
}

func (l *LinkList) Scan(src any) error {
	return scanJSON(src, (*[]AppLink)(l), "linklist")
}

// ExposeList stores an application's embedded expose entries.
type ExposeList []AppExpose

func (l ExposeList) Value() (driver.Value, error) {
	if l == nil {
		l = ExposeList{}
	}
	b, err := json.Marshal([]AppExpose(l))
	if err != nil {
		return nil, fmt.Errorf("exposelist: marshal: %w", err)
	}
	return string(b), nil
}

func (l *ExposeList) Scan(src any) error {
	return scanJSON(src, (*[]AppExpose)(l), "exposelist")
}

func scanJSON[T any](src any, dst *T, kind string) error {
	b, err := sourceBytes(src)
	if err != nil {
		return fmt.Errorf("%s: %w", kind, err)
	}
	if len(b) == 0 {
		var zero T
		*dst = zero
		return nil
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return fmt.Errorf("%s: unmarshal: %w", kind, err)
	}
	return nil
}

func sourceBytes(src any) ([]byte, error) {
	switch v := src.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("unsupported column type %T", src)
	}
}
