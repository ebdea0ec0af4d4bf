package ivm_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"zerosync.dev/core/zql"
	"zerosync.dev/core/zql/ivm"
	"zerosync.dev/core/zql/source"
)

var itemTable = zql.Table{
	Name:       "item",
	PrimaryKey: []string{"id"},
	Columns:    []zql.Column{{Name: "id", Type: zql.ColumnTypeNumber}},
}

func itemRow(id int) zql.Row {
	return zql.NewRow("item", []string{"id"}, map[string]any{"id": id})
}

type recording struct{ changes []zql.Change }

func (r *recording) Push(change zql.Change, pusher source.Pusher) error {
	r.changes = append(r.changes, change)
	return nil
}

func (r *recording) ids() []int {
	var out []int
	for _, c := range r.changes {
		if c.Kind == zql.ChangeAdd {
			v, _ := c.Node.Row.Get("id")
			out = append(out, v.(int))
		}
	}
	return out
}

func TestTakeBoundEqualsMinKUpstream(t *testing.T) {
	src := source.NewMemSource(itemTable)
	in, err := src.Connect(zql.Ordering{{Column: "id"}}, nil, nil)
	require.NoError(t, err)

	for _, id := range []int{1, 2} {
		require.NoError(t, src.Push(source.SourceChange{Kind: source.SourceAdd, Row: itemRow(id)}))
	}

	take, err := ivm.NewTake(in, zql.Ordering{{Column: "id"}}, 5)
	require.NoError(t, err)
	assert.Equal(t, 2, take.Len())
}

func TestTakeEvictsOnInsertWithinWindow(t *testing.T) {
	src := source.NewMemSource(itemTable)
	in, err := src.Connect(zql.Ordering{{Column: "id"}}, nil, nil)
	require.NoError(t, err)
	for _, id := range []int{2, 3} {
		require.NoError(t, src.Push(source.SourceChange{Kind: source.SourceAdd, Row: itemRow(id)}))
	}

	take, err := ivm.NewTake(in, zql.Ordering{{Column: "id"}}, 2)
	require.NoError(t, err)
	out := &recording{}
	take.SetOutput(out)

	require.NoError(t, src.Push(source.SourceChange{Kind: source.SourceAdd, Row: itemRow(1)}))

	assert.Equal(t, 2, take.Len())
	var added, removed []int
	for _, c := range out.changes {
		v, _ := c.Node.Row.Get("id")
		if c.Kind == zql.ChangeAdd {
			added = append(added, v.(int))
		} else if c.Kind == zql.ChangeRemove {
			removed = append(removed, v.(int))
		}
	}
	assert.Contains(t, added, 1)
	assert.Contains(t, removed, 3)
}

func TestTakeDropsAddOutsideWindow(t *testing.T) {
	src := source.NewMemSource(itemTable)
	in, err := src.Connect(zql.Ordering{{Column: "id"}}, nil, nil)
	require.NoError(t, err)
	for _, id := range []int{1, 2} {
		require.NoError(t, src.Push(source.SourceChange{Kind: source.SourceAdd, Row: itemRow(id)}))
	}

	take, err := ivm.NewTake(in, zql.Ordering{{Column: "id"}}, 2)
	require.NoError(t, err)
	out := &recording{}
	take.SetOutput(out)

	require.NoError(t, src.Push(source.SourceChange{Kind: source.SourceAdd, Row: itemRow(5)}))
	assert.Empty(t, out.changes, "add sorting after the window must be dropped silently")
	assert.Equal(t, 2, take.Len())
}

func TestTakeRefillsOnRemoveFromWindow(t *testing.T) {
	src := source.NewMemSource(itemTable)
	in, err := src.Connect(zql.Ordering{{Column: "id"}}, nil, nil)
	require.NoError(t, err)
	for _, id := range []int{1, 2, 3} {
		require.NoError(t, src.Push(source.SourceChange{Kind: source.SourceAdd, Row: itemRow(id)}))
	}

	take, err := ivm.NewTake(in, zql.Ordering{{Column: "id"}}, 2)
	require.NoError(t, err)
	out := &recording{}
	take.SetOutput(out)

	require.NoError(t, src.Push(source.SourceChange{Kind: source.SourceRemove, Row: itemRow(1)}))

	assert.Equal(t, 2, take.Len())
	assert.Contains(t, out.ids(), 3)
}
