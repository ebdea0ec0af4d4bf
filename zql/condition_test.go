package zql_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"zerosync.dev/core/zql"
)

func TestEvalSimpleEq(t *testing.T) {
	r := row(map[string]any{"status": "open"})
	cond := zql.Simple{Column: "status", Op: zql.OpEq, Literal: "open", LiteralOk: true}
	assert.True(t, zql.Eval(cond, r))

	cond2 := zql.Simple{Column: "status", Op: zql.OpEq, Literal: "closed", LiteralOk: true}
	assert.False(t, zql.Eval(cond2, r))
}

func TestEvalAndOr(t *testing.T) {
	r := row(map[string]any{"status": "open", "priority": 2})
	and := zql.And{
		zql.Simple{Column: "status", Op: zql.OpEq, Literal: "open", LiteralOk: true},
		zql.Simple{Column: "priority", Op: zql.OpGte, Literal: 1, LiteralOk: true},
	}
	assert.True(t, zql.Eval(and, r))

	or := zql.Or{
		zql.Simple{Column: "status", Op: zql.OpEq, Literal: "closed", LiteralOk: true},
		zql.Simple{Column: "priority", Op: zql.OpEq, Literal: 2, LiteralOk: true},
	}
	assert.True(t, zql.Eval(or, r))
}

func TestEvalEmptyAndOrDefaults(t *testing.T) {
	r := row(map[string]any{})
	assert.True(t, zql.Eval(zql.And{}, r))
	assert.False(t, zql.Eval(zql.Or{}, r))
}

func TestEvalNot(t *testing.T) {
	r := row(map[string]any{"archived": true})
	cond := zql.Not{Cond: zql.Simple{Column: "archived", Op: zql.OpEq, Literal: true, LiteralOk: true}}
	assert.False(t, zql.Eval(cond, r))
}

func TestEvalCorrelatedSubqueryPanics(t *testing.T) {
	assert.Panics(t, func() {
		zql.Eval(zql.CorrelatedSubquery{Relationship: "comments", Op: zql.CorrelatedExists}, row(nil))
	})
}

func TestEvalLike(t *testing.T) {
	r := row(map[string]any{"name": "hello world"})
	cond := zql.Simple{Column: "name", Op: zql.OpLike, Literal: "hello%", LiteralOk: true}
	assert.True(t, zql.Eval(cond, r))

	cond2 := zql.Simple{Column: "name", Op: zql.OpLike, Literal: "h_llo%", LiteralOk: true}
	assert.True(t, zql.Eval(cond2, r))

	cond3 := zql.Simple{Column: "name", Op: zql.OpLike, Literal: "bye%", LiteralOk: true}
	assert.False(t, zql.Eval(cond3, r))
}

func TestEvalIn(t *testing.T) {
	r := row(map[string]any{"status": "open"})
	cond := zql.Simple{Column: "status", Op: zql.OpIn, Literal: []any{"open", "pending"}, LiteralOk: true}
	assert.True(t, zql.Eval(cond, r))
}

func TestConditionColumnsUnion(t *testing.T) {
	and := zql.And{
		zql.Simple{Column: "a", Op: zql.OpEq, Literal: 1, LiteralOk: true},
		zql.Simple{Column: "b", Op: zql.OpEq, Literal: 2, LiteralOk: true},
	}
	assert.ElementsMatch(t, []string{"a", "b"}, and.Columns())
}
