package query

import (
	"reflect"
	"strings"
)

// matchAll is what a stripped or reference-dropped clause evaluates to.
type matchAll struct{}

func (matchAll) match(map[string]any) bool { return true }

type notNode struct {
	kid node
}

func (n *notNode) match(doc map[string]any) bool { return !n.kid.match(doc) }

// logical is a conjunction when all is set, a disjunction otherwise. Clauses
// evaluate in their given order.
type logical struct {
	all  bool
	kids []node
}

func (l *logical) match(doc map[string]any) bool {
	for _, kid := range l.kids {
		if kid.match(doc) {
			if !l.all {
				return true
			}
		} else if l.all {
			return false
		}
	}
	return l.all
}

// fieldCond applies a test to the value at a dotted path.
type fieldCond struct {
	path []string
	test func(value any, present bool) bool
}

func (c *fieldCond) match(doc map[string]any) bool {
	v, ok := lookup(doc, c.path)
	return c.test(v, ok)
}

// lookup walks a dotted path through nested maps.
func lookup(doc map[string]any, path []string) (any, bool) {
	var cur any = doc
	for _, seg := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// equal compares two decoded-JSON scalars. Numbers compare by value so an
// integer literal matches a stored float.
func equal(a, b any) bool {
	if na, ok := toFloat(a); ok {
		nb, ok := toFloat(b)
		return ok && na == nb
	}
	return reflect.DeepEqual(a, b)
}

// equalOrElement applies document-store equality: a list-valued field
// matches when any element equals the literal.
func equalOrElement(value, literal any) bool {
	if equal(value, literal) {
		return true
	}
	if list, ok := value.([]any); ok {
		for _, item := range list {
			if equal(item, literal) {
				return true
			}
		}
	}
	return false
}

// compare orders two values when they are both numbers or both strings.
func compare(value, bound any) (int, bool) {
	if a, ok := toFloat(value); ok {
		b, ok := toFloat(bound)
		if !ok {
			return 0, false
		}
		switch {
		case a < b:
			return -1, true
		case a > b:
			return 1, true
		default:
			return 0, true
		}
	}
	if a, ok := value.(string); ok {
		b, ok := bound.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(a, b), true
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
