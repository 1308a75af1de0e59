// Package query parses and evaluates the document filter dialect shared by
// the ?q= list parameter and stored group queries. A filter is a JSON map
// whose leaves are field conditions and whose interior nodes are $and/$or
// combinators; parsing binds reference lookups once, so evaluation is a pure
// function of the document.
package query

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// maxDepth bounds operator nesting so pathological documents are rejected
// instead of recursed into.
const maxDepth = 32

// ParseError reports why a filter document was rejected.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string { return "query: " + e.Reason }

func errf(format string, args ...any) *ParseError {
	return &ParseError{Reason: fmt.Sprintf(format, args...)}
}

// Resolver resolves lookup values in reference-typed fields to entity ids.
// isRef is false when the field holds no reference; an empty id with isRef
// true means the lookup found nothing.
type Resolver interface {
	ResolveRef(field, value string) (id string, isRef bool)
}

type node interface {
	match(doc map[string]any) bool
}

// Query is a parsed, resolver-bound filter ready for evaluation.
type Query struct {
	root node
}

// Empty reports whether the query constrains nothing. A filter whose every
// key was stripped as unrecognized counts as empty too.
func (q *Query) Empty() bool {
	if q == nil || q.root == nil {
		return true
	}
	_, all := q.root.(matchAll)
	return all
}

// Match evaluates the query against a decoded-JSON document.
func (q *Query) Match(doc map[string]any) bool {
	if q.Empty() {
		return true
	}
	return q.root.match(doc)
}

// Parse builds an executable query from a decoded JSON document.
func Parse(doc map[string]any, resolver Resolver) (*Query, error) {
	if len(doc) == 0 {
		return &Query{}, nil
	}
	root, err := parseMap(doc, resolver, 0)
	if err != nil {
		return nil, err
	}
	return &Query{root: root}, nil
}

// parseMap parses one clause map. Multiple keys in the same map are an
// implicit conjunction.
func parseMap(doc map[string]any, resolver Resolver, depth int) (node, error) {
	if depth > maxDepth {
		return nil, errf("nesting exceeds %d levels", maxDepth)
	}
	kids := make([]node, 0, len(doc))
	for _, key := range sortedKeys(doc) {
		value := doc[key]
		switch key {
		case "$and", "$or":
			n, err := parseCombinator(key, value, resolver, depth+1)
			if err != nil {
				return nil, err
			}
			kids = append(kids, n)
		default:
			// Operator-shaped keys that are not recognized operators are
			// stripped rather than matched against documents.
			if strings.ContainsAny(key, "$\x00") {
				continue
			}
			n, err := parseCond(key, value, resolver, depth+1)
			if err != nil {
				return nil, err
			}
			kids = append(kids, n)
		}
	}
	return conjoin(kids), nil
}

func parseCombinator(op string, value any, resolver Resolver, depth int) (node, error) {
	list, ok := value.([]any)
	if !ok {
		return nil, errf("%s expects a list of clauses", op)
	}
	kids := make([]node, 0, len(list))
	for i, item := range list {
		clause, ok := item.(map[string]any)
		if !ok {
			return nil, errf("%s clause %d is not a map", op, i)
		}
		n, err := parseMap(clause, resolver, depth+1)
		if err != nil {
			return nil, err
		}
		kids = append(kids, n)
	}
	if len(kids) == 0 {
		return matchAll{}, nil
	}
	if op == "$or" {
		return &logical{kids: kids}, nil
	}
	return conjoin(kids), nil
}

// parseCond parses one field condition: either an operator map or a bare
// literal meaning equality.
func parseCond(field string, value any, resolver Resolver, depth int) (node, error) {
	path := strings.Split(field, ".")
	ops, ok := operatorMap(value)
	if !ok {
		return eqNode(field, path, value, resolver), nil
	}
	kids := make([]node, 0, len(ops))
	for _, op := range sortedKeys(ops) {
		n, err := parseOperator(field, path, op, ops[op], resolver, depth+1)
		if err != nil {
			return nil, err
		}
		kids = append(kids, n)
	}
	return conjoin(kids), nil
}

// operatorMap reports whether a condition value is an operator document,
// which is a non-empty map whose keys all start with '$'. Anything else is a
// literal, including nested plain maps, which compare by equality.
func operatorMap(value any) (map[string]any, bool) {
	m, ok := value.(map[string]any)
	if !ok || len(m) == 0 {
		return nil, false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return nil, false
		}
	}
	return m, true
}

func parseOperator(field string, path []string, op string, arg any, resolver Resolver, depth int) (node, error) {
	if depth > maxDepth {
		return nil, errf("nesting exceeds %d levels", maxDepth)
	}
	switch op {
	case "$eq":
		return eqNode(field, path, arg, resolver), nil

	case "$ne":
		n := eqNode(field, path, arg, resolver)
		if _, dropped := n.(matchAll); dropped {
			return matchAll{}, nil
		}
		return &notNode{kid: n}, nil

	case "$in", "$nin":
		list, ok := arg.([]any)
		if !ok {
			return nil, errf("%s expects a list", op)
		}
		lits := make([]any, 0, len(list))
		for _, item := range list {
			lit, ok := resolveLiteral(field, item, resolver)
			if !ok {
				return matchAll{}, nil
			}
			lits = append(lits, lit)
		}
		n := &fieldCond{path: path, test: func(v any, present bool) bool {
			if !present {
				return false
			}
			for _, lit := range lits {
				if equalOrElement(v, lit) {
					return true
				}
			}
			return false
		}}
		if op == "$nin" {
			return &notNode{kid: n}, nil
		}
		return n, nil

	case "$regex":
		pattern, ok := arg.(string)
		if !ok {
			return nil, errf("$regex expects a string pattern")
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, errf("invalid regex for %s: %v", field, err)
		}
		return &fieldCond{path: path, test: func(v any, present bool) bool {
			s, ok := v.(string)
			return present && ok && re.MatchString(s)
		}}, nil

	case "$startsWith", "$endsWith":
		affix, ok := arg.(string)
		if !ok {
			return nil, errf("%s expects a string", op)
		}
		starts := op == "$startsWith"
		return &fieldCond{path: path, test: func(v any, present bool) bool {
			s, ok := v.(string)
			if !present || !ok {
				return false
			}
			if starts {
				return strings.HasPrefix(s, affix)
			}
			return strings.HasSuffix(s, affix)
		}}, nil

	case "$contains":
		lit, ok := resolveLiteral(field, arg, resolver)
		if !ok {
			return matchAll{}, nil
		}
		return &fieldCond{path: path, test: func(v any, present bool) bool {
			if !present {
				return false
			}
			switch val := v.(type) {
			case string:
				sub, ok := lit.(string)
				return ok && strings.Contains(val, sub)
			case []any:
				for _, item := range val {
					if equal(item, lit) {
						return true
					}
				}
			}
			return false
		}}, nil

	case "$gt", "$gte", "$lt", "$lte":
		want := op
		return &fieldCond{path: path, test: func(v any, present bool) bool {
			if !present {
				return false
			}
			c, ok := compare(v, arg)
			if !ok {
				return false
			}
			switch want {
			case "$gt":
				return c > 0
			case "$gte":
				return c >= 0
			case "$lt":
				return c < 0
			default:
				return c <= 0
			}
		}}, nil

	case "$not":
		ops, ok := operatorMap(arg)
		if !ok {
			return nil, errf("$not expects an operator map")
		}
		kids := make([]node, 0, len(ops))
		for _, inner := range sortedKeys(ops) {
			n, err := parseOperator(field, path, inner, ops[inner], resolver, depth+1)
			if err != nil {
				return nil, err
			}
			kids = append(kids, n)
		}
		return &notNode{kid: conjoin(kids)}, nil

	default:
		return nil, errf("unknown operator %q", op)
	}
}

// eqNode builds an equality condition, resolving reference lookups first. An
// unresolvable reference drops the clause: queries never fail because a
// referenced entity is gone.
func eqNode(field string, path []string, value any, resolver Resolver) node {
	lit, ok := resolveLiteral(field, value, resolver)
	if !ok {
		return matchAll{}
	}
	return &fieldCond{path: path, test: func(v any, present bool) bool {
		return present && equalOrElement(v, lit)
	}}
}

// resolveLiteral maps a lookup value to an id when the field is
// reference-typed. The second result is false when the lookup failed and the
// clause should be dropped.
func resolveLiteral(field string, value any, resolver Resolver) (any, bool) {
	s, ok := value.(string)
	if !ok || resolver == nil {
		return value, true
	}
	id, isRef := resolver.ResolveRef(field, s)
	if !isRef {
		return value, true
	}
	if id == "" {
		return nil, false
	}
	return id, true
}

func conjoin(kids []node) node {
	switch len(kids) {
	case 0:
		return matchAll{}
	case 1:
		return kids[0]
	default:
		return &logical{all: true, kids: kids}
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
