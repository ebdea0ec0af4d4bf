package sqlsource

import (
	"fmt"
	"strings"

	"zerosync.dev/core/zql"
)

// columnSQLType maps a Column's lite type to its SQLite affinity, mirroring
// the "Postgres type name plus attribute suffixes" persisted-layout
// contract at the affinity level sqlite actually enforces.
func columnSQLType(c zql.Column) string {
	switch c.Type {
	case zql.ColumnTypeNumber:
		return "REAL"
	case zql.ColumnTypeBoolean:
		return "INTEGER"
	case zql.ColumnTypeJSON:
		return "TEXT"
	default:
		return "TEXT"
	}
}

// orderingToSQL renders an Ordering as an ORDER BY clause body (without
// the ORDER BY keyword), with nulls-last on ascending / nulls-first on
// descending to match Ordering.Compare's null policy.
func orderingToSQL(o zql.Ordering) string {
	if len(o) == 0 {
		return "1"
	}
	parts := make([]string, len(o))
	for i, p := range o {
		// Ordering.Compare sorts nulls last ascending, first descending.
		// "(col IS NULL)" is 0 for non-null, 1 for null; ASC puts
		// non-null first (nulls last), DESC puts null first.
		dir := "ASC"
		if p.Desc {
			dir = "DESC"
		}
		parts[i] = fmt.Sprintf("(%q IS NULL) %s, %q %s", p.Column, dir, p.Column, dir)
	}
	return strings.Join(parts, ", ")
}

// conditionToSQL best-effort translates a push-down-safe Condition into a
// parameterized SQL WHERE fragment. ok is false for anything it can't
// render (e.g. column-to-column comparisons, or IN whose literal is not a
// non-empty []any) — callers always re-check the condition
// in Go via zql.Eval, so an untranslatable fragment only costs an index
// push-down, never correctness.
func conditionToSQL(c zql.Condition) (sql string, args []any, ok bool) {
	switch v := c.(type) {
	case nil:
		return "1", nil, true
	case zql.Simple:
		return simpleToSQL(v)
	case zql.And:
		return conjunctionToSQL(v, "AND", "1")
	case zql.Or:
		return conjunctionToSQL(v, "OR", "0")
	case zql.Not:
		inner, innerArgs, innerOK := conditionToSQL(v.Cond)
		if !innerOK {
			return "", nil, false
		}
		return fmt.Sprintf("NOT (%s)", inner), innerArgs, true
	default:
		return "", nil, false
	}
}

func conjunctionToSQL(cs []zql.Condition, joiner, empty string) (string, []any, bool) {
	if len(cs) == 0 {
		return empty, nil, true
	}
	var parts []string
	var args []any
	for _, inner := range cs {
		frag, fragArgs, ok := conditionToSQL(inner)
		if !ok {
			return "", nil, false
		}
		parts = append(parts, "("+frag+")")
		args = append(args, fragArgs...)
	}
	return strings.Join(parts, " "+joiner+" "), args, true
}

func simpleToSQL(s zql.Simple) (string, []any, bool) {
	if !s.LiteralOk {
		// column-to-column comparisons aren't worth parameterizing;
		// left to the Go-side re-evaluation.
		return "", nil, false
	}
	op, ok := sqlOp(s.Op)
	if !ok {
		return "", nil, false
	}
	if s.Op == zql.OpIn {
		vals, ok := s.Literal.([]any)
		if !ok || len(vals) == 0 {
			return "", nil, false
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(vals)), ",")
		return fmt.Sprintf("%q IN (%s)", s.Column, placeholders), vals, true
	}
	return fmt.Sprintf("%q %s ?", s.Column, op), []any{s.Literal}, true
}

func sqlOp(op zql.Op) (string, bool) {
	switch op {
	case zql.OpEq:
		return "=", true
	case zql.OpNeq:
		return "!=", true
	case zql.OpLt:
		return "<", true
	case zql.OpLte:
		return "<=", true
	case zql.OpGt:
		return ">", true
	case zql.OpGte:
		return ">=", true
	case zql.OpLike:
		return "LIKE", true
	case zql.OpIn:
		return "IN", true
	default:
		return "", false
	}
}
