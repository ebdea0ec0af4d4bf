// Package source implements the ordered, indexed storage that sits at the
// root of every pipeline: Source, its push protocol, and the SourceInput
// handed to connected operators.
package source

import (
	"fmt"

	"zerosync.dev/core/zql"
)

// Basis selects whether a cursor starts at or strictly after a row.
type Basis int

const (
	BasisAt Basis = iota
	BasisAfter
)

// Cursor positions a fetch relative to a row in the input's ordering.
type Cursor struct {
	Basis Basis
	Row   zql.Row
}

// FetchRequest describes one fetch against an Input: an optional
// constraint (column equalities), an optional start cursor, and direction.
type FetchRequest struct {
	Constraint map[string]any
	Start      *Cursor
	Reverse    bool
}

// Step is one item of a fetch stream: either a materialized node or a
// cooperative yield point.
type Step struct {
	Yield bool
	Node  zql.Node
}

// Input is the upstream-facing capability every operator and Source
// implements.
type Input interface {
	Fetch(req FetchRequest) ([]Step, error)
	Schema() zql.Table
	SetOutput(out Output)
	Destroy()
}

// Output is the downstream-facing capability: push zero or more changes,
// yielding at heavy steps. An operator implementing Output holds its own
// downstream Output (set via SetOutput on the Input side of the same
// operator) and calls that output's Push for every change it produces,
// threading the same Pusher through so the whole chain shares one
// cooperative-yield source.
type Output interface {
	Push(change zql.Change, pusher Pusher) error
}

// Pusher is the cooperative-scheduling handle threaded through one
// Source.Push call. Operators call Yield between heavy steps so a host
// scheduler could interleave other work; the default Pusher used outside
// tests is a no-op, since this engine's scheduling model is single-threaded
// cooperative and synchronous by default.
type Pusher interface {
	Yield()
}

// NoopPusher is a Pusher that never suspends.
type NoopPusher struct{}

// Yield implements Pusher.
func (NoopPusher) Yield() {}

// CountingPusher is a Pusher that counts Yield calls, useful in tests that
// assert an operator suspends at the documented points.
type CountingPusher struct{ Yields int }

// Yield implements Pusher.
func (p *CountingPusher) Yield() { p.Yields++ }

// SourceInput is the Input returned by Source.Connect: it additionally
// reports whether the requested filters were fully applied at the source
// level, so the builder can skip redundant downstream Filter operators.
type SourceInput struct {
	Input
	FullyAppliedFilters bool
}

// ConstraintViolation is the source's fatal application error: a duplicate
// primary key on add, or a missing row on remove/the old side of an edit.
type ConstraintViolation struct {
	Table string
	Key   zql.KeyTuple
	Op    string
}

func (e *ConstraintViolation) Error() string {
	return fmt.Sprintf("zql/source: constraint violation on %s.%s: %s", e.Table, e.Key.String(), e.Op)
}

// SourceChangeKind tags the variant of a push into a Source.
type SourceChangeKind int

const (
	SourceAdd SourceChangeKind = iota
	SourceRemove
	SourceEdit
)

// SourceChange is the payload applied to a Source's storage: add/remove a
// row, or edit from an old row to a new one.
type SourceChange struct {
	Kind    SourceChangeKind
	Row     zql.Row
	OldRow  zql.Row
}

// Source is indexed, ordered storage for one table, shared across every
// pipeline connected to it.
type Source interface {
	// Connect returns an input yielding rows in sort order, with filters
	// and splitEditKeys applied per the algorithm in SPEC_FULL.md §4.2.
	Connect(sort zql.Ordering, filters zql.Condition, splitEditKeys []string) (SourceInput, error)
	// Push applies change to storage and streams it to every connected
	// input, in pipeline-declaration order.
	Push(change SourceChange) error
	Table() zql.Table
}
