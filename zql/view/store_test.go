package view_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"zerosync.dev/core/zql"
	"zerosync.dev/core/zql/source"
	"zerosync.dev/core/zql/view"
)

var itemTable = zql.Table{
	Name:       "item",
	PrimaryKey: []string{"id"},
	Columns:    []zql.Column{{Name: "id", Type: zql.ColumnTypeNumber}},
}

func TestStoreAcquireSharesViewAcrossRepeatedSubscriptions(t *testing.T) {
	s := view.NewStore(nil)
	s.Grace = time.Millisecond

	src := source.NewMemSource(itemTable)
	build := func() (source.Input, *view.View, error) {
		in, err := src.Connect(zql.Ordering{{Column: "id"}}, nil, nil)
		if err != nil {
			return nil, nil, err
		}
		v := view.New(zql.Ordering{{Column: "id"}}, []string{"id"})
		in.SetOutput(v)
		return in.Input, v, nil
	}

	v1, err := s.Acquire("q1", "client-a", build)
	require.NoError(t, err)
	v2, err := s.Acquire("q1", "client-a", build)
	require.NoError(t, err)
	assert.Same(t, v1, v2)
	assert.Equal(t, 1, s.Len())

	s.Release("q1", "client-a")
	s.Release("q1", "client-a")
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 0, s.Len())
}

func TestStoreReacquireDuringGraceReusesView(t *testing.T) {
	s := view.NewStore(nil)
	s.Grace = 50 * time.Millisecond

	src := source.NewMemSource(itemTable)
	build := func() (source.Input, *view.View, error) {
		in, err := src.Connect(zql.Ordering{{Column: "id"}}, nil, nil)
		if err != nil {
			return nil, nil, err
		}
		v := view.New(zql.Ordering{{Column: "id"}}, []string{"id"})
		in.SetOutput(v)
		return in.Input, v, nil
	}

	v1, err := s.Acquire("q1", "client-a", build)
	require.NoError(t, err)
	s.Release("q1", "client-a")

	v2, err := s.Acquire("q1", "client-a", build)
	require.NoError(t, err)
	assert.Same(t, v1, v2, "reacquiring within the grace period reuses the live view")

	s.Release("q1", "client-a")
}
