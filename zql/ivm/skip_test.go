package ivm_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"zerosync.dev/core/zql"
	"zerosync.dev/core/zql/ivm"
	"zerosync.dev/core/zql/source"
)

func TestSkipSuppressesLeadingRows(t *testing.T) {
	src := source.NewMemSource(itemTable)
	in, err := src.Connect(zql.Ordering{{Column: "id"}}, nil, nil)
	require.NoError(t, err)

	for _, id := range []int{1, 2, 3} {
		require.NoError(t, src.Push(source.SourceChange{Kind: source.SourceAdd, Row: itemRow(id)}))
	}

	s, err := ivm.NewSkip(in, zql.Ordering{{Column: "id"}}, 2)
	require.NoError(t, err)
	out := &recording{}
	s.SetOutput(out)

	steps, err := s.Fetch(source.FetchRequest{})
	require.NoError(t, err)
	require.Len(t, steps, 1)
	id, _ := steps[0].Node.Row.Get("id")
	assert.Equal(t, 3, id)
}

func TestSkipAddWithinHeadEvictsTailIntoVisibility(t *testing.T) {
	src := source.NewMemSource(itemTable)
	in, err := src.Connect(zql.Ordering{{Column: "id"}}, nil, nil)
	require.NoError(t, err)

	require.NoError(t, src.Push(source.SourceChange{Kind: source.SourceAdd, Row: itemRow(2)}))
	require.NoError(t, src.Push(source.SourceChange{Kind: source.SourceAdd, Row: itemRow(5)}))

	s, err := ivm.NewSkip(in, zql.Ordering{{Column: "id"}}, 2)
	require.NoError(t, err)
	out := &recording{}
	s.SetOutput(out)

	require.NoError(t, src.Push(source.SourceChange{Kind: source.SourceAdd, Row: itemRow(1)}))
	require.Len(t, out.changes, 1, "inserting ahead of the suppressed head should evict its tail into view")
	assert.Equal(t, zql.ChangeAdd, out.changes[0].Kind)
	id, _ := out.changes[0].Node.Row.Get("id")
	assert.Equal(t, 5, id)
}

func TestSkipRemoveFromHeadEmitsNothing(t *testing.T) {
	src := source.NewMemSource(itemTable)
	in, err := src.Connect(zql.Ordering{{Column: "id"}}, nil, nil)
	require.NoError(t, err)

	require.NoError(t, src.Push(source.SourceChange{Kind: source.SourceAdd, Row: itemRow(1)}))
	require.NoError(t, src.Push(source.SourceChange{Kind: source.SourceAdd, Row: itemRow(2)}))
	require.NoError(t, src.Push(source.SourceChange{Kind: source.SourceAdd, Row: itemRow(3)}))

	s, err := ivm.NewSkip(in, zql.Ordering{{Column: "id"}}, 2)
	require.NoError(t, err)
	out := &recording{}
	s.SetOutput(out)

	require.NoError(t, src.Push(source.SourceChange{Kind: source.SourceRemove, Row: itemRow(1)}))
	assert.Empty(t, out.changes, "removing a suppressed row must not surface downstream")
}

func TestSkipRemoveFromVisibleRegionPropagates(t *testing.T) {
	src := source.NewMemSource(itemTable)
	in, err := src.Connect(zql.Ordering{{Column: "id"}}, nil, nil)
	require.NoError(t, err)

	require.NoError(t, src.Push(source.SourceChange{Kind: source.SourceAdd, Row: itemRow(1)}))
	require.NoError(t, src.Push(source.SourceChange{Kind: source.SourceAdd, Row: itemRow(2)}))
	require.NoError(t, src.Push(source.SourceChange{Kind: source.SourceAdd, Row: itemRow(3)}))

	s, err := ivm.NewSkip(in, zql.Ordering{{Column: "id"}}, 2)
	require.NoError(t, err)
	out := &recording{}
	s.SetOutput(out)

	require.NoError(t, src.Push(source.SourceChange{Kind: source.SourceRemove, Row: itemRow(3)}))
	require.Len(t, out.changes, 1)
	assert.Equal(t, zql.ChangeRemove, out.changes[0].Kind)
}

func TestSkipZeroBoundPassesEverythingThrough(t *testing.T) {
	src := source.NewMemSource(itemTable)
	in, err := src.Connect(zql.Ordering{{Column: "id"}}, nil, nil)
	require.NoError(t, err)

	s, err := ivm.NewSkip(in, zql.Ordering{{Column: "id"}}, 0)
	require.NoError(t, err)
	out := &recording{}
	s.SetOutput(out)

	require.NoError(t, src.Push(source.SourceChange{Kind: source.SourceAdd, Row: itemRow(1)}))
	require.Len(t, out.changes, 1)
}
