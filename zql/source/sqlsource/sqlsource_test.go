package sqlsource_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"zerosync.dev/core/zql"
	"zerosync.dev/core/zql/source"
	"zerosync.dev/core/zql/source/sqlsource"
)

var issueTable = zql.Table{
	Name:       "issue",
	PrimaryKey: []string{"id"},
	Columns: []zql.Column{
		{Name: "id", Type: zql.ColumnTypeNumber},
		{Name: "title", Type: zql.ColumnTypeText},
		{Name: "status", Type: zql.ColumnTypeText},
	},
}

func issueRow(id int, title, status string) zql.Row {
	return zql.NewRow("issue", []string{"id", "title", "status"}, map[string]any{
		"id": id, "title": title, "status": status,
	})
}

type recordingOutput struct {
	changes []zql.Change
}

func (r *recordingOutput) Push(change zql.Change, pusher source.Pusher) error {
	r.changes = append(r.changes, change)
	return nil
}

func newSource(t *testing.T) source.Source {
	t.Helper()
	src, err := sqlsource.New(":memory:", issueTable)
	require.NoError(t, err)
	return src
}

func TestSQLSourceConnectAndPush(t *testing.T) {
	src := newSource(t)

	in, err := src.Connect(zql.Ordering{{Column: "id"}}, nil, nil)
	require.NoError(t, err)
	assert.True(t, in.FullyAppliedFilters)

	out := &recordingOutput{}
	in.SetOutput(out)

	require.NoError(t, src.Push(source.SourceChange{Kind: source.SourceAdd, Row: issueRow(1, "first", "open")}))
	require.Len(t, out.changes, 1)
	assert.Equal(t, zql.ChangeAdd, out.changes[0].Kind)
}

func TestSQLSourceRejectsDuplicateAdd(t *testing.T) {
	src := newSource(t)
	in, err := src.Connect(zql.Ordering{{Column: "id"}}, nil, nil)
	require.NoError(t, err)
	in.SetOutput(&recordingOutput{})

	require.NoError(t, src.Push(source.SourceChange{Kind: source.SourceAdd, Row: issueRow(1, "a", "open")}))
	err = src.Push(source.SourceChange{Kind: source.SourceAdd, Row: issueRow(1, "dup", "open")})
	require.Error(t, err)
	var violation *source.ConstraintViolation
	assert.ErrorAs(t, err, &violation)
}

func TestSQLSourcePushDownFilterHidesInvisibleRows(t *testing.T) {
	src := newSource(t)
	filter := zql.Simple{Column: "status", Op: zql.OpEq, Literal: "open", LiteralOk: true}

	in, err := src.Connect(zql.Ordering{{Column: "id"}}, filter, nil)
	require.NoError(t, err)
	assert.True(t, in.FullyAppliedFilters)

	out := &recordingOutput{}
	in.SetOutput(out)

	require.NoError(t, src.Push(source.SourceChange{Kind: source.SourceAdd, Row: issueRow(1, "a", "closed")}))
	assert.Empty(t, out.changes, "closed row should never reach a status=open input")

	require.NoError(t, src.Push(source.SourceChange{Kind: source.SourceAdd, Row: issueRow(2, "b", "open")}))
	require.Len(t, out.changes, 1)
}

func TestSQLSourceEditTransitionsAcrossFilterBoundary(t *testing.T) {
	src := newSource(t)
	filter := zql.Simple{Column: "status", Op: zql.OpEq, Literal: "open", LiteralOk: true}
	in, err := src.Connect(zql.Ordering{{Column: "id"}}, filter, nil)
	require.NoError(t, err)

	out := &recordingOutput{}
	in.SetOutput(out)

	require.NoError(t, src.Push(source.SourceChange{Kind: source.SourceAdd, Row: issueRow(1, "a", "open")}))
	require.Len(t, out.changes, 1)

	require.NoError(t, src.Push(source.SourceChange{
		Kind:   source.SourceEdit,
		OldRow: issueRow(1, "a", "open"),
		Row:    issueRow(1, "a", "closed"),
	}))
	require.Len(t, out.changes, 2)
	assert.Equal(t, zql.ChangeRemove, out.changes[1].Kind)
}

func TestSQLSourceFetchReturnsRowsInOrder(t *testing.T) {
	src := newSource(t)
	in, err := src.Connect(zql.Ordering{{Column: "id"}}, nil, nil)
	require.NoError(t, err)
	in.SetOutput(&recordingOutput{})

	require.NoError(t, src.Push(source.SourceChange{Kind: source.SourceAdd, Row: issueRow(2, "b", "open")}))
	require.NoError(t, src.Push(source.SourceChange{Kind: source.SourceAdd, Row: issueRow(1, "a", "open")}))
	require.NoError(t, src.Push(source.SourceChange{Kind: source.SourceAdd, Row: issueRow(3, "c", "open")}))

	steps, err := in.Fetch(source.FetchRequest{})
	require.NoError(t, err)
	require.Len(t, steps, 3)

	var ids []any
	for _, s := range steps {
		id, _ := s.Node.Row.Get("id")
		ids = append(ids, id)
	}
	assert.Equal(t, []any{1.0, 2.0, 3.0}, ids)
}

func TestSQLSourceFetchAppliesFilterAsBackstop(t *testing.T) {
	src := newSource(t)
	filter := zql.Simple{Column: "status", Op: zql.OpEq, Literal: "open", LiteralOk: true}
	in, err := src.Connect(zql.Ordering{{Column: "id"}}, filter, nil)
	require.NoError(t, err)
	in.SetOutput(&recordingOutput{})

	require.NoError(t, src.Push(source.SourceChange{Kind: source.SourceAdd, Row: issueRow(1, "a", "open")}))
	require.NoError(t, src.Push(source.SourceChange{Kind: source.SourceAdd, Row: issueRow(2, "b", "closed")}))

	steps, err := in.Fetch(source.FetchRequest{})
	require.NoError(t, err)
	require.Len(t, steps, 1)
	id, _ := steps[0].Node.Row.Get("id")
	assert.Equal(t, 1.0, id)
}

func TestSQLSourceDestroyStopsFutureDelivery(t *testing.T) {
	src := newSource(t)
	in, err := src.Connect(zql.Ordering{{Column: "id"}}, nil, nil)
	require.NoError(t, err)
	out := &recordingOutput{}
	in.SetOutput(out)

	in.Destroy()

	require.NoError(t, src.Push(source.SourceChange{Kind: source.SourceAdd, Row: issueRow(1, "a", "open")}))
	assert.Empty(t, out.changes)
}
