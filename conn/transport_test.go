package conn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"zerosync.dev/core/zql"
	"zerosync.dev/core/zql/source"
)

func TestDecodeSourceChangeAdd(t *testing.T) {
	table := testTable()
	sc, err := decodeSourceChange(table, wireChange{
		Kind: "add",
		Row:  map[string]any{"id": float64(1), "title": "hello"},
	})
	require.NoError(t, err)
	assert.Equal(t, source.SourceAdd, sc.Kind)
	v, _ := sc.Row.Get("title")
	assert.Equal(t, "hello", v)
}

func TestDecodeSourceChangeEditCarriesBothRows(t *testing.T) {
	table := testTable()
	sc, err := decodeSourceChange(table, wireChange{
		Kind:   "edit",
		Row:    map[string]any{"id": float64(1), "title": "new"},
		OldRow: map[string]any{"id": float64(1), "title": "old"},
	})
	require.NoError(t, err)
	assert.Equal(t, source.SourceEdit, sc.Kind)
	newTitle, _ := sc.Row.Get("title")
	oldTitle, _ := sc.OldRow.Get("title")
	assert.Equal(t, "new", newTitle)
	assert.Equal(t, "old", oldTitle)
}

func TestDecodeSourceChangeUnknownKindErrors(t *testing.T) {
	_, err := decodeSourceChange(testTable(), wireChange{Kind: "bogus"})
	assert.Error(t, err)
}

func testTable() zql.Table {
	return zql.Table{
		Name:       "item",
		PrimaryKey: []string{"id"},
		Columns: []zql.Column{
			{Name: "id", Type: zql.ColumnTypeNumber},
			{Name: "title", Type: zql.ColumnTypeText},
		},
	}
}
