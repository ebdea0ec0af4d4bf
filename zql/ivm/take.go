package ivm

import (
	"sort"

	"zerosync.dev/core/zql"
	"zerosync.dev/core/zql/source"
)

// Take maintains a sliding window of the first K rows of its input's
// ordering. Additions/removals/edits that land inside the window ripple
// an eviction or a refill from upstream; changes entirely outside the
// window are dropped silently, matching "edit above bound: drop".
type Take struct {
	base
	Ordering   zql.Ordering
	PrimaryKey []string
	K          int

	window []zql.Node
}

// NewTake wires a Take downstream of upstream, priming its window with
// upstream's first K rows.
func NewTake(upstream source.Input, ordering zql.Ordering, k int) (*Take, error) {
	t := &Take{base: base{upstream: upstream}, Ordering: ordering, PrimaryKey: primaryKeyOf(upstream), K: k}
	upstream.SetOutput(t)

	steps, err := upstream.Fetch(source.FetchRequest{})
	if err != nil {
		return nil, err
	}
	for _, st := range steps {
		if st.Yield {
			continue
		}
		if len(t.window) >= k {
			break
		}
		t.window = append(t.window, st.Node)
	}
	return t, nil
}

func (t *Take) keyOf(n zql.Node) string { return n.Row.KeyTuple(t.PrimaryKey).String() }

func (t *Take) indexInWindow(n zql.Node) int {
	k := t.keyOf(n)
	for i, w := range t.window {
		if t.keyOf(w) == k {
			return i
		}
	}
	return -1
}

// Push implements source.Output.
func (t *Take) Push(change zql.Change, pusher source.Pusher) error {
	switch change.Kind {
	case zql.ChangeAdd:
		return t.handleAdd(change.Node, pusher)
	case zql.ChangeRemove:
		return t.handleRemove(change.Node, pusher)
	case zql.ChangeEdit:
		return t.handleEdit(change.OldNode, change.Node, pusher)
	case zql.ChangeChild:
		if t.indexInWindow(change.Node) < 0 {
			return nil
		}
		return t.downstream.Push(change, pusher)
	}
	return nil
}

func (t *Take) handleAdd(node zql.Node, pusher source.Pusher) error {
	pos := sort.Search(len(t.window), func(i int) bool { return t.Ordering.Compare(t.window[i].Row, node.Row) >= 0 })
	if pos >= t.K {
		return nil
	}
	t.window = append(t.window, zql.Node{})
	copy(t.window[pos+1:], t.window[pos:])
	t.window[pos] = node

	var evicted *zql.Node
	if len(t.window) > t.K {
		e := t.window[t.K]
		evicted = &e
		t.window = t.window[:t.K]
	}
	if err := t.downstream.Push(zql.AddChange(node), pusher); err != nil {
		return err
	}
	if evicted != nil {
		return t.downstream.Push(zql.RemoveChange(*evicted), pusher)
	}
	return nil
}

func (t *Take) handleRemove(node zql.Node, pusher source.Pusher) error {
	idx := t.indexInWindow(node)
	if idx < 0 {
		return nil
	}
	t.window = append(t.window[:idx], t.window[idx+1:]...)
	if err := t.downstream.Push(zql.RemoveChange(node), pusher); err != nil {
		return err
	}
	return t.refill(pusher)
}

func (t *Take) refill(pusher source.Pusher) error {
	if len(t.window) >= t.K {
		return nil
	}
	var start *source.Cursor
	if len(t.window) > 0 {
		last := t.window[len(t.window)-1]
		start = &source.Cursor{Basis: source.BasisAfter, Row: last.Row}
	}
	steps, err := t.upstream.Fetch(source.FetchRequest{Start: start})
	if err != nil {
		return err
	}
	for _, st := range steps {
		if st.Yield {
			pusher.Yield()
			continue
		}
		if t.indexInWindow(st.Node) >= 0 {
			continue
		}
		t.window = append(t.window, st.Node)
		if err := t.downstream.Push(zql.AddChange(st.Node), pusher); err != nil {
			return err
		}
		if len(t.window) >= t.K {
			break
		}
	}
	return nil
}

func (t *Take) handleEdit(oldNode, newNode zql.Node, pusher source.Pusher) error {
	oldIdx := t.indexInWindow(oldNode)
	if oldIdx < 0 {
		// old row was out of bound; only the new position matters.
		return t.handleAdd(newNode, pusher)
	}

	wasFull := len(t.window) == t.K
	t.window = append(t.window[:oldIdx], t.window[oldIdx+1:]...)
	pos := sort.Search(len(t.window), func(i int) bool { return t.Ordering.Compare(t.window[i].Row, newNode.Row) >= 0 })
	if wasFull && pos == len(t.window) {
		// moved to the last slot or out of bound: the refill admits
		// whichever of the new row and the next upstream row sorts first.
		if err := t.downstream.Push(zql.RemoveChange(oldNode), pusher); err != nil {
			return err
		}
		return t.refill(pusher)
	}

	t.window = append(t.window, zql.Node{})
	copy(t.window[pos+1:], t.window[pos:])
	t.window[pos] = newNode

	if len(t.window) > t.K {
		evicted := t.window[t.K]
		t.window = t.window[:t.K]
		if err := t.downstream.Push(zql.EditChange(oldNode, newNode), pusher); err != nil {
			return err
		}
		return t.downstream.Push(zql.RemoveChange(evicted), pusher)
	}
	return t.downstream.Push(zql.EditChange(oldNode, newNode), pusher)
}

// Fetch implements source.Input: the window IS the materialized state, so
// Fetch simply returns it (ignoring constraint/reverse, which callers
// don't issue against an already-bounded Take in this engine).
func (t *Take) Fetch(req source.FetchRequest) ([]source.Step, error) {
	steps := make([]source.Step, len(t.window))
	for i, n := range t.window {
		steps[i] = source.Step{Node: n}
	}
	return steps, nil
}

// Len reports the current window size, used by tests asserting P3.
func (t *Take) Len() int { return len(t.window) }
