package ivm

import (
	"zerosync.dev/core/zql"
	"zerosync.dev/core/zql/source"
)

// Join attaches a child relationship to every row of its (parent) input.
// On a parent add it attaches the child as a lazy stream, fetched from
// childIn only if something downstream actually drains it. On a parent
// remove it emits remove carrying the same lazy stream, so downstream can
// reverse whatever it materialized. On a child change it looks the
// matching parent(s) up by an indexed Fetch on ParentKey and emits a
// ChangeChild against them. Joins never reorder their parent stream.
type Join struct {
	parentIn   source.Input
	childIn    source.Input
	downstream source.Output

	ParentKey    []string
	ChildKey     []string
	Relationship string
	Hidden       bool
}

type joinParentSide struct{ j *Join }
type joinChildSide struct{ j *Join }

func (s *joinParentSide) Push(change zql.Change, pusher source.Pusher) error {
	return s.j.handleParent(change, pusher)
}
func (s *joinChildSide) Push(change zql.Change, pusher source.Pusher) error {
	return s.j.handleChildChange(change, pusher)
}

// NewJoin wires a Join between a parent input and a child input,
// returning the Join as the new combined Input for whatever sits
// downstream.
func NewJoin(parentIn, childIn source.Input, parentKey, childKey []string, relationship string, hidden bool) *Join {
	j := &Join{
		parentIn:     parentIn,
		childIn:      childIn,
		ParentKey:    parentKey,
		ChildKey:     childKey,
		Relationship: relationship,
		Hidden:       hidden,
	}
	parentIn.SetOutput(&joinParentSide{j})
	childIn.SetOutput(&joinChildSide{j})
	return j
}

// Schema implements source.Input.
func (j *Join) Schema() zql.Table { return j.parentIn.Schema() }

// SetOutput implements source.Input.
func (j *Join) SetOutput(out source.Output) { j.downstream = out }

// Destroy implements source.Input.
func (j *Join) Destroy() {
	j.parentIn.Destroy()
	j.childIn.Destroy()
}

// Fetch implements source.Input, attaching the lazy child relationship to
// every parent row in the snapshot.
func (j *Join) Fetch(req source.FetchRequest) ([]source.Step, error) {
	steps, err := j.parentIn.Fetch(req)
	if err != nil {
		return nil, err
	}
	out := make([]source.Step, len(steps))
	for i, s := range steps {
		if s.Yield {
			out[i] = s
			continue
		}
		out[i] = source.Step{Node: j.attachChild(s.Node)}
	}
	return out, nil
}

func (j *Join) attachChild(node zql.Node) zql.Node {
	rels := make(map[string]func() zql.LazyStream, len(node.Relationships)+1)
	for k, v := range node.Relationships {
		rels[k] = v
	}
	parentVal, _ := node.Row.Get(j.ParentKey[0])
	childIn := j.childIn
	childKeyCol := j.ChildKey[0]
	rels[j.Relationship] = func() zql.LazyStream {
		return func(yield func(zql.Node) bool) {
			steps, err := childIn.Fetch(source.FetchRequest{Constraint: map[string]any{childKeyCol: parentVal}})
			if err != nil {
				return
			}
			for _, s := range steps {
				if s.Yield {
					continue
				}
				if !yield(s.Node) {
					return
				}
			}
		}
	}
	out := node
	out.Relationships = rels
	return out
}

func (j *Join) handleParent(change zql.Change, pusher source.Pusher) error {
	switch change.Kind {
	case zql.ChangeAdd:
		return j.downstream.Push(zql.AddChange(j.attachChild(change.Node)), pusher)
	case zql.ChangeRemove:
		return j.downstream.Push(zql.RemoveChange(j.attachChild(change.Node)), pusher)
	case zql.ChangeEdit:
		oldVal, _ := change.OldNode.Row.Get(j.ParentKey[0])
		newVal, _ := change.Node.Row.Get(j.ParentKey[0])
		if oldVal != newVal {
			if err := j.downstream.Push(zql.RemoveChange(j.attachChild(change.OldNode)), pusher); err != nil {
				return err
			}
			return j.downstream.Push(zql.AddChange(j.attachChild(change.Node)), pusher)
		}
		return j.downstream.Push(zql.EditChange(j.attachChild(change.OldNode), j.attachChild(change.Node)), pusher)
	case zql.ChangeChild:
		return j.downstream.Push(change, pusher)
	}
	return nil
}

func (j *Join) handleChildChange(change zql.Change, pusher source.Pusher) error {
	var childRow zql.Row
	switch change.Kind {
	case zql.ChangeAdd, zql.ChangeRemove:
		childRow = change.Node.Row
	case zql.ChangeEdit:
		childRow = change.Node.Row
	default:
		return nil
	}
	childVal, _ := childRow.Get(j.ChildKey[0])
	steps, err := j.parentIn.Fetch(source.FetchRequest{Constraint: map[string]any{j.ParentKey[0]: childVal}})
	if err != nil {
		return err
	}
	for _, s := range steps {
		if s.Yield {
			pusher.Yield()
			continue
		}
		parent := j.attachChild(s.Node)
		if err := j.downstream.Push(zql.ChildChangeOf(parent, j.Relationship, change), pusher); err != nil {
			return err
		}
	}
	return nil
}

// FlippedJoin is a join driven from the child side: used when the
// push-down predicate targets the parent side of an EXISTS join, so the
// matching parent must be materialized eagerly (not as a lazy stream)
// instead of waiting for a downstream reader to drain it.
type FlippedJoin struct {
	childIn      source.Input
	parentLookup source.Input
	downstream   source.Output

	ParentKey    []string
	ChildKey     []string
	Relationship string
}

type flippedJoinParentSide struct{ fj *FlippedJoin }

func (s *flippedJoinParentSide) Push(change zql.Change, pusher source.Pusher) error {
	return s.fj.handleParent(change, pusher)
}

// NewFlippedJoin wires a FlippedJoin: childIn drives pushes, parentLookup
// is queried eagerly by ParentKey to materialize the matching parent row.
// parentLookup's own add/remove/edit changes are forwarded straight
// through, since FlippedJoin presents the parent relation unchanged to
// whatever sits downstream (typically Exists), with existence tracked
// separately via the child-driven ChangeChild events in Push.
func NewFlippedJoin(childIn, parentLookup source.Input, parentKey, childKey []string, relationship string) *FlippedJoin {
	fj := &FlippedJoin{
		childIn:      childIn,
		parentLookup: parentLookup,
		ParentKey:    parentKey,
		ChildKey:     childKey,
		Relationship: relationship,
	}
	childIn.SetOutput(fj)
	parentLookup.SetOutput(&flippedJoinParentSide{fj})
	return fj
}

// handleParent forwards a parent-side change to downstream untouched:
// FlippedJoin does no lazy relationship attachment of its own.
func (fj *FlippedJoin) handleParent(change zql.Change, pusher source.Pusher) error {
	switch change.Kind {
	case zql.ChangeAdd, zql.ChangeRemove, zql.ChangeEdit:
		return fj.downstream.Push(change, pusher)
	}
	return nil
}

// Schema implements source.Input: a FlippedJoin is read by Exists as if it
// were the parent stream.
func (fj *FlippedJoin) Schema() zql.Table { return fj.parentLookup.Schema() }

// SetOutput implements source.Input.
func (fj *FlippedJoin) SetOutput(out source.Output) { fj.downstream = out }

// Destroy implements source.Input.
func (fj *FlippedJoin) Destroy() {
	fj.childIn.Destroy()
	fj.parentLookup.Destroy()
}

// Fetch implements source.Input, delegating straight to the parent side:
// FlippedJoin's Input identity downstream is the parent relation.
func (fj *FlippedJoin) Fetch(req source.FetchRequest) ([]source.Step, error) {
	return fj.parentLookup.Fetch(req)
}

// Push implements source.Output: a child change triggers an eager parent
// lookup and emits a ChangeChild against every matching parent.
func (fj *FlippedJoin) Push(change zql.Change, pusher source.Pusher) error {
	var childRow zql.Row
	switch change.Kind {
	case zql.ChangeAdd, zql.ChangeRemove, zql.ChangeEdit:
		childRow = change.Node.Row
	default:
		return nil
	}
	childVal, _ := childRow.Get(fj.ChildKey[0])
	steps, err := fj.parentLookup.Fetch(source.FetchRequest{Constraint: map[string]any{fj.ParentKey[0]: childVal}})
	if err != nil {
		return err
	}
	for _, s := range steps {
		if s.Yield {
			pusher.Yield()
			continue
		}
		if err := fj.downstream.Push(zql.ChildChangeOf(s.Node, fj.Relationship, change), pusher); err != nil {
			return err
		}
	}
	return nil
}
