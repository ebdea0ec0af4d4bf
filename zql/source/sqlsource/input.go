package sqlsource

import (
	"fmt"
	"strings"

	"zerosync.dev/core/zql"
	"zerosync.dev/core/zql/source"
)

// sqlInput is the Input returned to one connected pipeline.
type sqlInput struct {
	src      *sqlSource
	ordering zql.Ordering
	filters  zql.Condition
	splitSet map[string]bool
	out      source.Output
}

// Schema implements source.Input.
func (in *sqlInput) Schema() zql.Table { return in.src.table }

// SetOutput implements source.Input.
func (in *sqlInput) SetOutput(out source.Output) { in.out = out }

// Destroy implements source.Input: it detaches from the source so future
// pushes skip it. The backing table and any indexes are left in place,
// since they are process-wide and may still serve other inputs.
func (in *sqlInput) Destroy() {
	in.src.mu.Lock()
	defer in.src.mu.Unlock()
	for i, other := range in.src.inputs {
		if other == in {
			in.src.inputs = append(in.src.inputs[:i], in.src.inputs[i+1:]...)
			break
		}
	}
}

// Fetch implements source.Input with a real SQL query: the constraint
// and the push-down-safe part of filters are rendered to a WHERE clause
// and ordering to ORDER BY, so the database does the index scan; the
// result is still re-checked against filters in Go via zql.Eval as the
// correctness backstop for whatever didn't translate.
func (in *sqlInput) Fetch(req source.FetchRequest) ([]source.Step, error) {
	where, args := in.whereClause(req.Constraint)
	orderSQL := orderingToSQL(in.ordering)
	if req.Reverse {
		orderSQL = reverseOrderSQL(in.ordering)
	}

	cols := make([]string, len(in.src.table.Columns))
	for i, c := range in.src.table.Columns {
		cols[i] = fmt.Sprintf("%q", c.Name)
	}
	stmt := fmt.Sprintf("SELECT %s FROM %q WHERE %s ORDER BY %s",
		strings.Join(cols, ", "), in.src.table.Name, where, orderSQL)

	rows, err := in.src.db.Query(stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlsource: fetch %s: %w", in.src.table.Name, err)
	}
	defer rows.Close()

	order := make([]string, len(in.src.table.Columns))
	for i, c := range in.src.table.Columns {
		order[i] = c.Name
	}

	var filtered []zql.Row
	scanDest := make([]any, len(in.src.table.Columns))
	for rows.Next() {
		scanVals := make([]any, len(in.src.table.Columns))
		for i := range scanDest {
			scanDest[i] = &scanVals[i]
		}
		if err := rows.Scan(scanDest...); err != nil {
			return nil, fmt.Errorf("sqlsource: scan %s: %w", in.src.table.Name, err)
		}
		values := make(map[string]any, len(order))
		for i, col := range order {
			values[col] = scanVals[i]
		}
		row := zql.NewRow(in.src.table.Name, order, values)
		if in.filters != nil && !zql.Eval(in.filters, row) {
			continue
		}
		filtered = append(filtered, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlsource: iterate %s: %w", in.src.table.Name, err)
	}

	start := 0
	if req.Start != nil {
		start = findCursor(filtered, in.ordering, *req.Start, req.Reverse)
	}
	if start > len(filtered) {
		start = len(filtered)
	}
	filtered = filtered[start:]

	steps := make([]source.Step, len(filtered))
	for i, row := range filtered {
		steps[i] = source.Step{Node: zql.Node{Row: row, Relationships: map[string]func() zql.LazyStream{}}}
	}
	return steps, nil
}

func (in *sqlInput) whereClause(constraint map[string]any) (string, []any) {
	var parts []string
	var args []any
	for col, want := range constraint {
		parts = append(parts, fmt.Sprintf("%q = ?", col))
		args = append(args, want)
	}
	if frag, fragArgs, ok := conditionToSQL(in.filters); ok {
		parts = append(parts, "("+frag+")")
		args = append(args, fragArgs...)
	}
	if len(parts) == 0 {
		return "1", nil
	}
	return strings.Join(parts, " AND "), args
}

func reverseOrderSQL(o zql.Ordering) string {
	flipped := make(zql.Ordering, len(o))
	for i, p := range o {
		flipped[i] = zql.OrderPart{Column: p.Column, Desc: !p.Desc}
	}
	return orderingToSQL(flipped)
}

// findCursor returns the index of the first row in ordering order that is
// at/after cur.Row per cur.Basis, within an already-filtered/possibly
// reversed slice — identical in spirit to the in-memory Source's cursor
// search, duplicated here since it operates on the SQL-driver row values
// rather than memSource's internal slices.
func findCursor(rows []zql.Row, ordering zql.Ordering, cur source.Cursor, reversed bool) int {
	cmp := func(r zql.Row) int {
		c := ordering.Compare(r, cur.Row)
		if reversed {
			return -c
		}
		return c
	}
	for i, r := range rows {
		c := cmp(r)
		if cur.Basis == source.BasisAt && c >= 0 {
			return i
		}
		if cur.Basis == source.BasisAfter && c > 0 {
			return i
		}
	}
	return len(rows)
}
