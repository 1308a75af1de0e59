package store

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrNotFound is returned when no entity matches the given id or lookup
// value.
var ErrNotFound = errors.New("entity not found")

// ErrAmbiguousLookup is returned when a lookup value matches more than one
// entity and a single match is required.
var ErrAmbiguousLookup = errors.New("lookup value matches multiple entities")

// ValidationError collects field-keyed validation messages. The API layer
// serializes Fields directly as the 400 response body.
type ValidationError struct {
	Fields map[string][]string
}

func newValidationError() *ValidationError {
	return &ValidationError{Fields: map[string][]string{}}
}

// Addf appends a formatted message for field.
func (e *ValidationError) Addf(field, format string, args ...any) {
	e.Fields[field] = append(e.Fields[field], fmt.Sprintf(format, args...))
}

// Empty reports whether no messages were recorded.
func (e *ValidationError) Empty() bool { return len(e.Fields) == 0 }

// Error implements error.
func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+strings.Join(e.Fields[k], "; "))
	}
	return "validation failed: " + strings.Join(parts, ", ")
}

// errOrNil returns e as an error only when it holds messages, avoiding the
// classic non-nil interface around a nil pointer.
func (e *ValidationError) errOrNil() error {
	if e.Empty() {
		return nil
	}
	return e
}
