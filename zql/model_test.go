package zql_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"zerosync.dev/core/zql"
)

func row(vals map[string]any) zql.Row {
	order := make([]string, 0, len(vals))
	for k := range vals {
		order = append(order, k)
	}
	return zql.NewRow("t", order, vals)
}

func TestOrderingCompareNullsLastAscending(t *testing.T) {
	o := zql.Ordering{{Column: "age"}}
	a := row(map[string]any{"age": nil})
	b := row(map[string]any{"age": 5})
	assert.True(t, o.Less(b, a))
	assert.False(t, o.Less(a, b))
}

func TestOrderingCompareNullsFirstDescending(t *testing.T) {
	o := zql.Ordering{{Column: "age", Desc: true}}
	a := row(map[string]any{"age": nil})
	b := row(map[string]any{"age": 5})
	assert.True(t, o.Less(a, b))
}

func TestOrderingNormalizeAppendsPrimaryKey(t *testing.T) {
	o := zql.Ordering{{Column: "name"}}
	norm := o.Normalize([]string{"id"})
	assert.Equal(t, []string{"name", "id"}, norm.Columns())
}

func TestOrderingNormalizeSkipsAlreadyCoveredKey(t *testing.T) {
	o := zql.Ordering{{Column: "id"}}
	norm := o.Normalize([]string{"id"})
	assert.Equal(t, []string{"id"}, norm.Columns())
}

func TestKeyTupleEqual(t *testing.T) {
	a := row(map[string]any{"id": 1}).KeyTuple([]string{"id"})
	b := row(map[string]any{"id": 1}).KeyTuple([]string{"id"})
	c := row(map[string]any{"id": 2}).KeyTuple([]string{"id"})
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
}

func TestSortRowsStable(t *testing.T) {
	rows := []zql.Row{
		row(map[string]any{"id": 3, "name": "c"}),
		row(map[string]any{"id": 1, "name": "a"}),
		row(map[string]any{"id": 2, "name": "b"}),
	}
	zql.SortRows(rows, zql.Ordering{{Column: "id"}})
	ids := []int{}
	for _, r := range rows {
		v, _ := r.Get("id")
		ids = append(ids, v.(int))
	}
	assert.Equal(t, []int{1, 2, 3}, ids)
}
