package builder_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"zerosync.dev/core/zql"
	"zerosync.dev/core/zql/builder"
	"zerosync.dev/core/zql/source"
)

var taskTable = zql.Table{
	Name:       "task",
	PrimaryKey: []string{"id"},
	Columns: []zql.Column{
		{Name: "id", Type: zql.ColumnTypeNumber},
		{Name: "status", Type: zql.ColumnTypeText},
		{Name: "priority", Type: zql.ColumnTypeNumber},
	},
}

func taskRow(id int, status string, priority int) zql.Row {
	return zql.NewRow("task", []string{"id", "status", "priority"}, map[string]any{
		"id": id, "status": status, "priority": priority,
	})
}

type registry struct {
	sources map[string]source.Source
}

func newRegistry() *registry { return &registry{sources: map[string]source.Source{}} }

func (r *registry) Source(table string) (source.Source, bool) {
	s, ok := r.sources[table]
	return s, ok
}

func (r *registry) add(s source.Source) { r.sources[s.Table().Name] = s }

type drain struct{ changes []zql.Change }

func (d *drain) Push(change zql.Change, pusher source.Pusher) error {
	d.changes = append(d.changes, change)
	return nil
}

func TestCompilePushesDownSimpleWhere(t *testing.T) {
	reg := newRegistry()
	taskSrc := source.NewMemSource(taskTable)
	reg.add(taskSrc)

	c, err := builder.NewCompiler(reg, nil, false)
	require.NoError(t, err)

	ast := zql.AST{
		Table:   "task",
		OrderBy: zql.Ordering{{Column: "id"}},
		Where:   zql.Simple{Column: "status", Op: zql.OpEq, Literal: "open", LiteralOk: true},
	}

	in, diags, err := c.Compile(ast)
	require.NoError(t, err)
	assert.False(t, diags.IsErr())

	out := &drain{}
	in.SetOutput(out)

	require.NoError(t, taskSrc.Push(source.SourceChange{Kind: source.SourceAdd, Row: taskRow(1, "closed", 1)}))
	assert.Empty(t, out.changes)

	require.NoError(t, taskSrc.Push(source.SourceChange{Kind: source.SourceAdd, Row: taskRow(2, "open", 1)}))
	require.Len(t, out.changes, 1)
}

func TestCompileAppliesLimitAsTake(t *testing.T) {
	reg := newRegistry()
	taskSrc := source.NewMemSource(taskTable)
	reg.add(taskSrc)
	for _, id := range []int{1, 2, 3} {
		require.NoError(t, taskSrc.Push(source.SourceChange{Kind: source.SourceAdd, Row: taskRow(id, "open", 1)}))
	}

	c, err := builder.NewCompiler(reg, nil, false)
	require.NoError(t, err)

	ast := zql.AST{Table: "task", OrderBy: zql.Ordering{{Column: "id"}}, Limit: 2}
	in, _, err := c.Compile(ast)
	require.NoError(t, err)

	steps, err := in.Fetch(source.FetchRequest{})
	require.NoError(t, err)
	assert.Len(t, steps, 2)
}

func TestCompileFansOutOrCondition(t *testing.T) {
	reg := newRegistry()
	taskSrc := source.NewMemSource(taskTable)
	reg.add(taskSrc)

	c, err := builder.NewCompiler(reg, nil, false)
	require.NoError(t, err)

	ast := zql.AST{
		Table:   "task",
		OrderBy: zql.Ordering{{Column: "id"}},
		Where: zql.Or{
			zql.Simple{Column: "status", Op: zql.OpEq, Literal: "open", LiteralOk: true},
			zql.Simple{Column: "priority", Op: zql.OpGte, Literal: 5, LiteralOk: true},
		},
	}
	in, _, err := c.Compile(ast)
	require.NoError(t, err)
	out := &drain{}
	in.SetOutput(out)

	require.NoError(t, taskSrc.Push(source.SourceChange{Kind: source.SourceAdd, Row: taskRow(1, "closed", 9)}))
	require.Len(t, out.changes, 1, "matches via the priority branch")

	require.NoError(t, taskSrc.Push(source.SourceChange{Kind: source.SourceAdd, Row: taskRow(2, "closed", 1)}))
	assert.Len(t, out.changes, 1, "matches neither branch")
}
