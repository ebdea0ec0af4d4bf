package ivm_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"zerosync.dev/core/zql"
	"zerosync.dev/core/zql/ivm"
	"zerosync.dev/core/zql/source"
)

func TestFanInRefCountsOverlappingBranches(t *testing.T) {
	src := source.NewMemSource(itemTable)

	branchAIn, err := src.Connect(zql.Ordering{{Column: "id"}}, zql.Simple{Column: "id", Op: zql.OpLte, Literal: 2, LiteralOk: true}, nil)
	require.NoError(t, err)
	branchBIn, err := src.Connect(zql.Ordering{{Column: "id"}}, zql.Simple{Column: "id", Op: zql.OpGte, Literal: 2, LiteralOk: true}, nil)
	require.NoError(t, err)

	fanIn := ivm.NewFanIn([]string{"id"}, []source.Input{branchAIn, branchBIn})
	out := &recording{}
	fanIn.SetOutput(out)

	require.NoError(t, src.Push(source.SourceChange{Kind: source.SourceAdd, Row: itemRow(2)}))
	// row 2 matches both branches: only one visible add should surface.
	require.Len(t, out.changes, 1)
	assert.Equal(t, zql.ChangeAdd, out.changes[0].Kind)

	require.NoError(t, src.Push(source.SourceChange{Kind: source.SourceRemove, Row: itemRow(2)}))
	// both branches deliver the remove within this one push; refCount
	// drops 2->1->0 and the row disappears once, at the second decrement.
	require.Len(t, out.changes, 2)
	assert.Equal(t, zql.ChangeRemove, out.changes[1].Kind)
}

func TestFanInDropsRemoveAtZeroRefCountSilently(t *testing.T) {
	src := source.NewMemSource(itemTable)
	branchIn, err := src.Connect(zql.Ordering{{Column: "id"}}, nil, nil)
	require.NoError(t, err)

	fanIn := ivm.NewFanIn([]string{"id"}, []source.Input{branchIn})
	out := &recording{}
	fanIn.SetOutput(out)

	require.NoError(t, src.Push(source.SourceChange{Kind: source.SourceRemove, Row: itemRow(99)}))
	assert.Empty(t, out.changes)
}
