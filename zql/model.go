// Package zql implements the data model of the incremental view
// maintenance dataflow engine: rows, nodes, changes, orderings and the
// filter-condition AST that pipelines are compiled from.
package zql

import (
	"fmt"
	"sort"
	"strings"
)

// ColumnType is the lite representation of a Postgres column type, as
// carried by the replicated table's metadata sidecar.
type ColumnType int

const (
	ColumnTypeText ColumnType = iota
	ColumnTypeNumber
	ColumnTypeBoolean
	ColumnTypeJSON
)

// ColumnAttr captures the inline attribute suffixes the replica appends to
// a column's lite type string (e.g. "text|NOT_NULL").
type ColumnAttr int

const (
	AttrNone ColumnAttr = 0
	AttrNotNull ColumnAttr = 1 << iota
	AttrTextEnum
	AttrTextArray
)

// Column describes one column of a Table for the purposes of literal
// validation inside Condition.Simple; it is not a general SQL schema.
type Column struct {
	Name string
	Type ColumnType
	Attr ColumnAttr
}

// Table is the declared shape of a replicated table: its name, primary
// key (non-empty, ordered) and any additional unique keys.
type Table struct {
	Name       string
	Columns    []Column
	PrimaryKey []string
	UniqueKeys [][]string
}

// Column looks up a column by name.
func (t Table) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// Row is an ordered mapping from column name to primitive value. Rows are
// immutable once emitted; callers must not mutate Values after construction.
type Row struct {
	Table  string
	Values map[string]any
	// order preserves declaration order for deterministic iteration/printing.
	order []string
}

// NewRow builds a Row from an explicit column order, so iteration and
// key-tuple extraction stay deterministic regardless of map ordering.
func NewRow(table string, order []string, values map[string]any) Row {
	return Row{Table: table, Values: values, order: append([]string(nil), order...)}
}

// Columns returns the row's column names in declaration order.
func (r Row) Columns() []string { return r.order }

// Get returns a column's value and whether it was present.
func (r Row) Get(col string) (any, bool) {
	v, ok := r.Values[col]
	return v, ok
}

// KeyTuple extracts the ordered values of the given key columns, used as a
// node's stable identity.
func (r Row) KeyTuple(key []string) KeyTuple {
	vals := make([]any, len(key))
	for i, k := range key {
		vals[i] = r.Values[k]
	}
	return KeyTuple{values: vals}
}

// KeyTuple is a comparable identity derived from a row's primary key. Two
// KeyTuples are equal iff every component compares equal.
type KeyTuple struct {
	values []any
}

// String renders a KeyTuple for use as a map key and for debugging.
func (k KeyTuple) String() string {
	var b strings.Builder
	for i, v := range k.values {
		if i > 0 {
			b.WriteByte('\x1f')
		}
		fmt.Fprintf(&b, "%v", v)
	}
	return b.String()
}

// Equal reports whether two key tuples have identical components.
func (k KeyTuple) Equal(o KeyTuple) bool {
	return k.String() == o.String()
}

// OrderPart is one column of an Ordering.
type OrderPart struct {
	Column string
	Desc   bool
}

// Ordering is an ordered list of (column, direction) pairs. Comparisons are
// column-wise; by this implementation's public contract, nulls sort last
// ascending and first descending, consistently in both Normalize and Less.
type Ordering []OrderPart

// Normalize returns an Ordering that is guaranteed total by silently
// appending any primary-key columns whose prefix is not already covered by
// an existing column in o.
func (o Ordering) Normalize(primaryKey []string) Ordering {
	seen := make(map[string]bool, len(o))
	for _, p := range o {
		seen[p.Column] = true
	}
	out := append(Ordering(nil), o...)
	for _, pk := range primaryKey {
		if !seen[pk] {
			out = append(out, OrderPart{Column: pk})
			seen[pk] = true
		}
	}
	return out
}

// Columns returns just the column names, in order.
func (o Ordering) Columns() []string {
	cols := make([]string, len(o))
	for i, p := range o {
		cols[i] = p.Column
	}
	return cols
}

// Compare orders two rows according to o. It returns -1, 0 or 1.
func (o Ordering) Compare(a, b Row) int {
	for _, part := range o {
		av, aok := a.Get(part.Column)
		bv, bok := b.Get(part.Column)
		c := compareValues(av, aok, bv, bok, part.Desc)
		if c != 0 {
			return c
		}
	}
	return 0
}

// Less reports whether a sorts strictly before b under o.
func (o Ordering) Less(a, b Row) bool { return o.Compare(a, b) < 0 }

func compareValues(a any, aok bool, b any, bok bool, desc bool) int {
	// nulls sort last ascending / first descending.
	if !aok || a == nil {
		if !bok || b == nil {
			return 0
		}
		if desc {
			return -1
		}
		return 1
	}
	if !bok || b == nil {
		if desc {
			return 1
		}
		return -1
	}

	c := compareScalar(a, b)
	if desc {
		return -c
	}
	return c
}

func compareScalar(a, b any) int {
	switch av := a.(type) {
	case string:
		bv, _ := b.(string)
		return strings.Compare(av, bv)
	case bool:
		bv, _ := b.(bool)
		if av == bv {
			return 0
		}
		if !av {
			return -1
		}
		return 1
	default:
		af, aok := toFloat(a)
		bf, bok := toFloat(b)
		if aok && bok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			default:
				return 0
			}
		}
		as := fmt.Sprintf("%v", a)
		bs := fmt.Sprintf("%v", b)
		return strings.Compare(as, bs)
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// SortRows sorts a slice of rows in place according to o.
func SortRows(rows []Row, o Ordering) {
	sort.SliceStable(rows, func(i, j int) bool { return o.Less(rows[i], rows[j]) })
}

// Format describes the shape of a materialized result: whether it is
// singular ("at most one row") and the formats of its named relationships.
type Format struct {
	Singular      bool
	Relationships map[string]Format
}

// LazyStream produces nodes on demand; draining it materializes a child
// relationship without eagerly fetching children that are never observed.
type LazyStream func(yield func(Node) bool)

// Node bundles a parent row with its named, lazily-produced child
// relationships.
type Node struct {
	Row           Row
	Relationships map[string]func() LazyStream
}

// ChangeKind tags the variant of a Change.
type ChangeKind int

const (
	ChangeAdd ChangeKind = iota
	ChangeRemove
	ChangeEdit
	ChangeChild
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeAdd:
		return "add"
	case ChangeRemove:
		return "remove"
	case ChangeEdit:
		return "edit"
	case ChangeChild:
		return "child"
	default:
		return "unknown"
	}
}

// ChildChange is the payload of a ChangeChild variant: the name of the
// relationship that changed and the nested change within it.
type ChildChange struct {
	RelationshipName string
	Change           *Change
}

// Change is the push payload flowing through the dataflow graph: a tagged
// variant over add/remove/edit/child. Payloads are single-use — operators
// must not retain a Change after their push returns.
type Change struct {
	Kind ChangeKind

	// Add, Remove, and the new side of Edit.
	Node Node
	// Old side of Edit.
	OldNode Node
	// Populated only for ChangeChild.
	Child *ChildChange
}

// AddChange constructs an add Change.
func AddChange(n Node) Change { return Change{Kind: ChangeAdd, Node: n} }

// RemoveChange constructs a remove Change. Its node's relationships must
// still be enumerable so downstream can reverse its effects.
func RemoveChange(n Node) Change { return Change{Kind: ChangeRemove, Node: n} }

// EditChange constructs an edit Change; relationships are unchanged.
func EditChange(oldNode, node Node) Change {
	return Change{Kind: ChangeEdit, Node: node, OldNode: oldNode}
}

// ChildChangeOf constructs a child Change nesting another change under a
// named relationship of node.
func ChildChangeOf(node Node, relationship string, inner Change) Change {
	return Change{
		Kind: ChangeChild,
		Node: node,
		Child: &ChildChange{
			RelationshipName: relationship,
			Change:           &inner,
		},
	}
}
