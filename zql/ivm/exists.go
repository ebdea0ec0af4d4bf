package ivm

import (
	"errors"

	"zerosync.dev/core/zql"
	"zerosync.dev/core/zql/source"
)

// ErrNotExistsDisabled is returned by NewExists when asked to construct a
// NotExists operator while enableNotExists is false.
var ErrNotExistsDisabled = errors.New("zql/ivm: NotExists is disabled")

// existsEntry tracks one parent row's matching-child count.
type existsEntry struct {
	node    zql.Node
	count   int
	visible bool
}

// Exists (and its NotExists twin) maintains, per parent row, a
// non-negative count of matching children reached through Relationship. A
// parent becomes visible when the count crosses 0->1 (Exists) or 1->0
// (NotExists), and disappears on the inverse transition.
type Exists struct {
	base
	Relationship string
	Negate       bool
	PrimaryKey   []string

	entries map[string]*existsEntry
}

// NewExists wires an Exists/NotExists operator downstream of upstream.
// upstream is expected to deliver parent add/remove changes plus nested
// ChangeChild changes under Relationship (as produced by a Join or
// FlippedJoin). negate=true builds NotExists and requires
// enableNotExists.
func NewExists(upstream source.Input, relationship string, negate, enableNotExists bool) (*Exists, error) {
	if negate && !enableNotExists {
		return nil, ErrNotExistsDisabled
	}
	e := &Exists{
		base:         base{upstream: upstream},
		Relationship: relationship,
		Negate:       negate,
		PrimaryKey:   primaryKeyOf(upstream),
		entries:      make(map[string]*existsEntry),
	}
	upstream.SetOutput(e)
	return e, nil
}

func (e *Exists) visibleFor(count int) bool {
	if e.Negate {
		return count == 0
	}
	return count > 0
}

func (e *Exists) keyOf(row zql.Row) string { return row.KeyTuple(e.PrimaryKey).String() }

func (e *Exists) countChildren(node zql.Node) int {
	mk, ok := node.Relationships[e.Relationship]
	if !ok {
		return 0
	}
	count := 0
	mk()(func(zql.Node) bool {
		count++
		return true
	})
	return count
}

// Push implements source.Output.
func (e *Exists) Push(change zql.Change, pusher source.Pusher) error {
	switch change.Kind {
	case zql.ChangeAdd:
		key := e.keyOf(change.Node.Row)
		count := e.countChildren(change.Node)
		entry := &existsEntry{node: change.Node, count: count, visible: e.visibleFor(count)}
		e.entries[key] = entry
		if entry.visible {
			return e.downstream.Push(zql.AddChange(change.Node), pusher)
		}
		return nil

	case zql.ChangeRemove:
		key := e.keyOf(change.Node.Row)
		entry, ok := e.entries[key]
		delete(e.entries, key)
		if ok && entry.visible {
			return e.downstream.Push(zql.RemoveChange(change.Node), pusher)
		}
		return nil

	case zql.ChangeChild:
		return e.handleChild(change, pusher)
	}
	return nil
}

func (e *Exists) handleChild(change zql.Change, pusher source.Pusher) error {
	if change.Child == nil || change.Child.RelationshipName != e.Relationship {
		return nil
	}
	key := e.keyOf(change.Node.Row)
	entry, ok := e.entries[key]
	if !ok {
		// parent already gone from this operator's view: drop silently.
		return nil
	}
	inner := change.Child.Change
	switch inner.Kind {
	case zql.ChangeAdd:
		entry.count++
	case zql.ChangeRemove:
		if entry.count == 0 {
			// Take can pull new rows into scope whose removal is then
			// replayed through a FlippedJoin; asserting here is wrong.
			return nil
		}
		entry.count--
	case zql.ChangeEdit:
		// an edit within the relationship never changes presence.
	}

	newVisible := e.visibleFor(entry.count)
	if newVisible == entry.visible {
		return nil
	}
	entry.visible = newVisible
	if newVisible {
		return e.downstream.Push(zql.AddChange(entry.node), pusher)
	}
	return e.downstream.Push(zql.RemoveChange(entry.node), pusher)
}

// Fetch implements source.Input: it both produces the initial visible set
// and seeds e.entries so subsequent pushes are consistent with it.
func (e *Exists) Fetch(req source.FetchRequest) ([]source.Step, error) {
	steps, err := e.upstream.Fetch(req)
	if err != nil {
		return nil, err
	}
	out := make([]source.Step, 0, len(steps))
	for _, s := range steps {
		if s.Yield {
			out = append(out, s)
			continue
		}
		key := e.keyOf(s.Node.Row)
		count := e.countChildren(s.Node)
		visible := e.visibleFor(count)
		e.entries[key] = &existsEntry{node: s.Node, count: count, visible: visible}
		if visible {
			out = append(out, s)
		}
	}
	return out, nil
}
