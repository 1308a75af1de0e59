package query

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// parse decodes a JSON filter and parses it without a resolver.
func parse(t *testing.T, raw string) *Query {
	t.Helper()
	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &doc))
	q, err := Parse(doc, nil)
	require.NoError(t, err)
	return q
}

func doc(raw string) map[string]any {
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		panic(err)
	}
	return m
}

func TestBareEquality(t *testing.T) {
	q := parse(t, `{"type": "container"}`)
	assert.True(t, q.Match(doc(`{"type": "container"}`)))
	assert.False(t, q.Match(doc(`{"type": "host"}`)))
	assert.False(t, q.Match(doc(`{}`)))
}

func TestImplicitAndOfKeys(t *testing.T) {
	q := parse(t, `{"type": "container", "image": "nginx"}`)
	assert.True(t, q.Match(doc(`{"type": "container", "image": "nginx"}`)))
	assert.False(t, q.Match(doc(`{"type": "container", "image": "redis"}`)))
}

func TestListFieldEquality(t *testing.T) {
	q := parse(t, `{"names": "web"}`)
	assert.True(t, q.Match(doc(`{"names": ["web", "w1"]}`)))
	assert.False(t, q.Match(doc(`{"names": ["db"]}`)))
}

func TestNumericEqualityAcrossTypes(t *testing.T) {
	q := parse(t, `{"replicas": 3}`)
	assert.True(t, q.Match(map[string]any{"replicas": float64(3)}))
	assert.True(t, q.Match(map[string]any{"replicas": 3}))
	assert.False(t, q.Match(map[string]any{"replicas": 4}))
}

func TestDottedPath(t *testing.T) {
	q := parse(t, `{"snapshot.region": "eu"}`)
	assert.True(t, q.Match(doc(`{"snapshot": {"region": "eu"}}`)))
	assert.False(t, q.Match(doc(`{"snapshot": {"region": "us"}}`)))
	assert.False(t, q.Match(doc(`{"snapshot": "eu"}`)))
}

func TestComparisonOperators(t *testing.T) {
	q := parse(t, `{"cpu": {"$gt": 2, "$lte": 8}}`)
	assert.True(t, q.Match(doc(`{"cpu": 4}`)))
	assert.True(t, q.Match(doc(`{"cpu": 8}`)))
	assert.False(t, q.Match(doc(`{"cpu": 2}`)))
	assert.False(t, q.Match(doc(`{"cpu": 9}`)))
	assert.False(t, q.Match(doc(`{"cpu": "four"}`)))

	q = parse(t, `{"name": {"$gte": "m"}}`)
	assert.True(t, q.Match(doc(`{"name": "nginx"}`)))
	assert.False(t, q.Match(doc(`{"name": "apache"}`)))
}

func TestSetOperators(t *testing.T) {
	q := parse(t, `{"type": {"$in": ["container", "vm"]}}`)
	assert.True(t, q.Match(doc(`{"type": "vm"}`)))
	assert.False(t, q.Match(doc(`{"type": "host"}`)))

	q = parse(t, `{"type": {"$nin": ["container", "vm"]}}`)
	assert.False(t, q.Match(doc(`{"type": "vm"}`)))
	assert.True(t, q.Match(doc(`{"type": "host"}`)))
	// $nin matches documents where the field is absent.
	assert.True(t, q.Match(doc(`{}`)))
}

func TestNeMatchesAbsentField(t *testing.T) {
	q := parse(t, `{"type": {"$ne": "container"}}`)
	assert.False(t, q.Match(doc(`{"type": "container"}`)))
	assert.True(t, q.Match(doc(`{"type": "host"}`)))
	assert.True(t, q.Match(doc(`{}`)))
}

func TestStringOperators(t *testing.T) {
	q := parse(t, `{"image": {"$startsWith": "nginx"}}`)
	assert.True(t, q.Match(doc(`{"image": "nginx:1.25"}`)))
	assert.False(t, q.Match(doc(`{"image": "redis:7"}`)))

	q = parse(t, `{"image": {"$endsWith": ":7"}}`)
	assert.True(t, q.Match(doc(`{"image": "redis:7"}`)))

	q = parse(t, `{"image": {"$contains": "gin"}}`)
	assert.True(t, q.Match(doc(`{"image": "nginx"}`)))
	assert.False(t, q.Match(doc(`{"image": "redis"}`)))
}

func TestContainsOnLists(t *testing.T) {
	q := parse(t, `{"names": {"$contains": "web"}}`)
	assert.True(t, q.Match(doc(`{"names": ["web", "w1"]}`)))
	assert.False(t, q.Match(doc(`{"names": ["db"]}`)))
}

func TestRegex(t *testing.T) {
	q := parse(t, `{"name": {"$regex": "^web-[0-9]+$"}}`)
	assert.True(t, q.Match(doc(`{"name": "web-12"}`)))
	assert.False(t, q.Match(doc(`{"name": "db-1"}`)))

	var perr *ParseError
	_, err := Parse(doc(`{"name": {"$regex": "["}}`), nil)
	require.ErrorAs(t, err, &perr)
}

func TestNotOperator(t *testing.T) {
	q := parse(t, `{"type": {"$not": {"$eq": "container"}}}`)
	assert.False(t, q.Match(doc(`{"type": "container"}`)))
	assert.True(t, q.Match(doc(`{"type": "host"}`)))
}

func TestCombinators(t *testing.T) {
	q := parse(t, `{"$or": [{"type": "vm"}, {"cpu": {"$gt": 8}}]}`)
	assert.True(t, q.Match(doc(`{"type": "vm", "cpu": 1}`)))
	assert.True(t, q.Match(doc(`{"type": "container", "cpu": 16}`)))
	assert.False(t, q.Match(doc(`{"type": "container", "cpu": 1}`)))

	q = parse(t, `{"$and": [{"type": "vm"}, {"$or": [{"cpu": 2}, {"cpu": 4}]}]}`)
	assert.True(t, q.Match(doc(`{"type": "vm", "cpu": 4}`)))
	assert.False(t, q.Match(doc(`{"type": "vm", "cpu": 8}`)))
}

func TestUnknownOperatorRejected(t *testing.T) {
	var perr *ParseError
	_, err := Parse(doc(`{"type": {"$bogus": 1}}`), nil)
	require.ErrorAs(t, err, &perr)
	assert.Contains(t, perr.Reason, "$bogus")
}

func TestCombinatorArgumentValidation(t *testing.T) {
	var perr *ParseError
	_, err := Parse(doc(`{"$and": {"type": "vm"}}`), nil)
	require.ErrorAs(t, err, &perr)

	_, err = Parse(doc(`{"$or": ["not a map"]}`), nil)
	require.ErrorAs(t, err, &perr)

	_, err = Parse(doc(`{"type": {"$in": "vm"}}`), nil)
	require.ErrorAs(t, err, &perr)
}

func TestUnrecognizedDollarKeysStripped(t *testing.T) {
	q := parse(t, `{"$where": "x", "type": "vm"}`)
	assert.True(t, q.Match(doc(`{"type": "vm"}`)))
	assert.False(t, q.Match(doc(`{"type": "container"}`)))

	// A filter stripped down to nothing behaves as empty.
	q = parse(t, `{"$where": "x"}`)
	assert.True(t, q.Empty())
	assert.True(t, q.Match(doc(`{}`)))
}

func TestEmptyQuery(t *testing.T) {
	q := parse(t, `{}`)
	assert.True(t, q.Empty())
	assert.True(t, q.Match(doc(`{"anything": 1}`)))

	var nilQ *Query
	assert.True(t, nilQ.Empty())
	assert.True(t, nilQ.Match(doc(`{}`)))
}

func TestMaxDepth(t *testing.T) {
	inner := map[string]any{"$eq": "x"}
	for i := 0; i < maxDepth+4; i++ {
		inner = map[string]any{"$not": inner}
	}
	var perr *ParseError
	_, err := Parse(map[string]any{"type": inner}, nil)
	require.ErrorAs(t, err, &perr)
	assert.Contains(t, perr.Reason, "nesting")
}

type fakeResolver struct {
	refs map[string]string
}

func (f fakeResolver) ResolveRef(field, value string) (string, bool) {
	if field != "owner" {
		return "", false
	}
	return f.refs[value], true
}

func TestResolverRewritesReferences(t *testing.T) {
	r := fakeResolver{refs: map[string]string{"worker-1": "agt-0000000000000000000001"}}

	q, err := Parse(doc(`{"owner": "worker-1"}`), r)
	require.NoError(t, err)
	assert.True(t, q.Match(doc(`{"owner": "agt-0000000000000000000001"}`)))
	assert.False(t, q.Match(doc(`{"owner": "agt-0000000000000000000002"}`)))
}

func TestUnresolvedReferenceDropsClause(t *testing.T) {
	r := fakeResolver{refs: map[string]string{}}

	q, err := Parse(doc(`{"owner": "ghost", "type": "container"}`), r)
	require.NoError(t, err)
	// The owner clause is dropped; the rest of the filter still applies.
	assert.True(t, q.Match(doc(`{"type": "container", "owner": "agt-0000000000000000000001"}`)))
	assert.False(t, q.Match(doc(`{"type": "vm"}`)))
}
