// Package view materializes a compiled pipeline's output into a
// ref-counted tree and batches changes at commit boundaries, plus a
// process-wide Store that lets repeated subscriptions to the same query
// from the same client share one live View.
package view

import (
	"fmt"
	"sort"
	"sync"

	"zerosync.dev/core/zql"
	"zerosync.dev/core/zql/source"
)

// ResultType reports a View's materialization state.
type ResultType int

const (
	ResultUnknown ResultType = iota
	ResultComplete
	ResultError
)

func (r ResultType) String() string {
	switch r {
	case ResultComplete:
		return "complete"
	case ResultError:
		return "error"
	default:
		return "unknown"
	}
}

// Node is one ref-counted materialized row: present in the visible set
// exactly while RefCount > 0, with its own named child sets for
// relationships projected into the query.
type Node struct {
	Row      zql.Row
	RefCount int
	Children map[string]*ChildSet
}

func newNode(row zql.Row) *Node { return &Node{Row: row, Children: map[string]*ChildSet{}} }

// ChildSet holds one relationship's materialized, ordered children.
type ChildSet struct {
	Order []string
	Nodes map[string]*Node
}

func newChildSet() *ChildSet { return &ChildSet{Nodes: map[string]*Node{}} }

// Listener receives one committed batch of changes, or a terminal error.
type Listener func(result ResultType, batch []zql.Change)

// View is the ref-counted destination of one compiled pipeline. Changes
// pushed via Apply are buffered until Commit, matching the dataflow's
// transaction-commit-scoped batching: one Source.Push call's worth of
// changes reaches listeners as a single batch.
type View struct {
	mu sync.Mutex

	Ordering   zql.Ordering
	PrimaryKey []string

	order []string
	nodes map[string]*Node

	resultType ResultType
	err        error
	pending    []zql.Change
	listeners  []Listener
}

// New constructs an empty View for a pipeline ordered by ordering and
// identified by primaryKey.
func New(ordering zql.Ordering, primaryKey []string) *View {
	return &View{Ordering: ordering, PrimaryKey: primaryKey, nodes: make(map[string]*Node)}
}

// Subscribe registers l and returns a function that unsubscribes it.
func (v *View) Subscribe(l Listener) func() {
	v.mu.Lock()
	defer v.mu.Unlock()
	idx := len(v.listeners)
	v.listeners = append(v.listeners, l)
	return func() {
		v.mu.Lock()
		defer v.mu.Unlock()
		if idx < len(v.listeners) {
			v.listeners[idx] = nil
		}
	}
}

// Push implements source.Output: the View is the terminal consumer of a
// compiled pipeline.
func (v *View) Push(change zql.Change, pusher source.Pusher) error {
	v.Apply(change)
	return nil
}

// Apply folds one change into the tree's ref counts and queues it for the
// next Commit.
func (v *View) Apply(change zql.Change) {
	v.mu.Lock()
	defer v.mu.Unlock()
	applyToSet(&v.order, v.nodes, v.Ordering, v.PrimaryKey, change)
	v.pending = append(v.pending, change)
}

// Commit flushes every change queued since the last Commit to all
// listeners as one batch and transitions ResultType to Complete. A View
// already in the Error state ignores further commits.
func (v *View) Commit() {
	v.mu.Lock()
	if v.resultType == ResultError {
		v.mu.Unlock()
		return
	}
	v.resultType = ResultComplete
	batch := v.pending
	v.pending = nil
	listeners := append([]Listener(nil), v.listeners...)
	v.mu.Unlock()

	for _, l := range listeners {
		if l != nil {
			l(ResultComplete, batch)
		}
	}
}

// Fail transitions the View to the terminal Error state. Per the
// propagation policy, operators never recover from an upstream error; the
// view boundary is where it surfaces to subscribers.
func (v *View) Fail(err error) {
	v.mu.Lock()
	v.resultType = ResultError
	v.err = err
	listeners := append([]Listener(nil), v.listeners...)
	v.mu.Unlock()

	for _, l := range listeners {
		if l != nil {
			l(ResultError, nil)
		}
	}
}

// Guard runs fn, which typically drives one Source.Push call through
// this View's pipeline, and converts any error or panic it raises into a
// terminal Fail. Operators themselves never recover from an error; this
// boundary is where the propagation policy says recovery happens.
func (v *View) Guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("view: pipeline panic: %v", r)
			v.Fail(err)
		}
	}()
	if err = fn(); err != nil {
		v.Fail(err)
	}
	return err
}

// ResultType reports the View's current materialization state.
func (v *View) ResultType() ResultType {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.resultType
}

// Err returns the error that caused ResultError, if any.
func (v *View) Err() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.err
}

// Rows returns a snapshot of the View's currently visible rows, in order.
func (v *View) Rows() []zql.Row {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]zql.Row, len(v.order))
	for i, k := range v.order {
		out[i] = v.nodes[k].Row
	}
	return out
}

// Len reports the number of currently visible root rows.
func (v *View) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.order)
}

// applyToSet applies one change to an ordered, ref-counted node set,
// shared by the View's root set and every nested ChildSet.
func applyToSet(order *[]string, nodes map[string]*Node, ordering zql.Ordering, primaryKey []string, change zql.Change) {
	switch change.Kind {
	case zql.ChangeAdd:
		key := change.Node.Row.KeyTuple(primaryKey).String()
		n, ok := nodes[key]
		if !ok {
			n = newNode(change.Node.Row)
			nodes[key] = n
			insertOrdered(order, nodes, ordering, key)
		}
		n.RefCount++

	case zql.ChangeRemove:
		key := change.Node.Row.KeyTuple(primaryKey).String()
		n, ok := nodes[key]
		if !ok {
			// ref-count underflow below zero must never happen; a remove
			// for an untracked node is dropped, matching the fan-in
			// silent-drop rule that protects the layer below us.
			return
		}
		n.RefCount--
		if n.RefCount <= 0 {
			delete(nodes, key)
			removeOrdered(order, key)
		}

	case zql.ChangeEdit:
		key := change.OldNode.Row.KeyTuple(primaryKey).String()
		if n, ok := nodes[key]; ok {
			n.Row = change.Node.Row
		}

	case zql.ChangeChild:
		key := change.Node.Row.KeyTuple(primaryKey).String()
		n, ok := nodes[key]
		if !ok {
			return
		}
		name := change.Child.RelationshipName
		cs, ok := n.Children[name]
		if !ok {
			cs = newChildSet()
			n.Children[name] = cs
		}
		applyToSet(&cs.Order, cs.Nodes, nil, primaryKey, *change.Child.Change)
	}
}

func insertOrdered(order *[]string, nodes map[string]*Node, ordering zql.Ordering, key string) {
	if ordering == nil {
		*order = append(*order, key)
		return
	}
	row := nodes[key].Row
	pos := sort.Search(len(*order), func(i int) bool {
		return ordering.Compare(nodes[(*order)[i]].Row, row) >= 0
	})
	*order = append(*order, "")
	copy((*order)[pos+1:], (*order)[pos:])
	(*order)[pos] = key
}

func removeOrdered(order *[]string, key string) {
	for i, k := range *order {
		if k == key {
			*order = append((*order)[:i], (*order)[i+1:]...)
			return
		}
	}
}
