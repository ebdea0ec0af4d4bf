package ivm

import (
	"zerosync.dev/core/zql"
	"zerosync.dev/core/zql/source"
)

// Filter drops changes whose row fails Predicate. An edit change where
// only one side passes degrades to an add or a remove.
type Filter struct {
	base
	Predicate zql.Condition
}

// NewFilter wires a Filter downstream of upstream.
func NewFilter(upstream source.Input, predicate zql.Condition) *Filter {
	f := &Filter{base: base{upstream: upstream}, Predicate: predicate}
	upstream.SetOutput(f)
	return f
}

// Push implements source.Output.
func (f *Filter) Push(change zql.Change, pusher source.Pusher) error {
	switch change.Kind {
	case zql.ChangeAdd:
		if !zql.Eval(f.Predicate, change.Node.Row) {
			return nil
		}
		return f.downstream.Push(change, pusher)
	case zql.ChangeRemove:
		if !zql.Eval(f.Predicate, change.Node.Row) {
			return nil
		}
		return f.downstream.Push(change, pusher)
	case zql.ChangeEdit:
		oldPass := zql.Eval(f.Predicate, change.OldNode.Row)
		newPass := zql.Eval(f.Predicate, change.Node.Row)
		switch {
		case !oldPass && !newPass:
			return nil
		case oldPass && newPass:
			return f.downstream.Push(change, pusher)
		case oldPass && !newPass:
			return f.downstream.Push(zql.RemoveChange(change.OldNode), pusher)
		default:
			return f.downstream.Push(zql.AddChange(change.Node), pusher)
		}
	case zql.ChangeChild:
		if !zql.Eval(f.Predicate, change.Node.Row) {
			return nil
		}
		return f.downstream.Push(change, pusher)
	}
	return nil
}

// Fetch implements source.Input, applying Predicate to the upstream snapshot.
func (f *Filter) Fetch(req source.FetchRequest) ([]source.Step, error) {
	steps, err := f.upstream.Fetch(req)
	if err != nil {
		return nil, err
	}
	out := make([]source.Step, 0, len(steps))
	for _, s := range steps {
		if s.Yield || zql.Eval(f.Predicate, s.Node.Row) {
			out = append(out, s)
		}
	}
	return out, nil
}

// FilterBracket evaluates a set of predicates against a node in one pass,
// the bracketed beginFilter/endFilter optimization: rather than chaining N
// Filter operators (each re-walking the row), it factors shared ANDs and
// evaluates every predicate once per change. Semantically it is
// equivalent to a Filter over the conjunction of Predicates.
type FilterBracket struct {
	base
	Predicates []zql.Condition
}

// NewFilterBracket wires a FilterBracket downstream of upstream.
func NewFilterBracket(upstream source.Input, predicates []zql.Condition) *FilterBracket {
	fb := &FilterBracket{base: base{upstream: upstream}, Predicates: predicates}
	upstream.SetOutput(fb)
	return fb
}

func (fb *FilterBracket) evalAll(row zql.Row) bool {
	for _, p := range fb.Predicates {
		if !zql.Eval(p, row) {
			return false
		}
	}
	return true
}

// Push implements source.Output.
func (fb *FilterBracket) Push(change zql.Change, pusher source.Pusher) error {
	switch change.Kind {
	case zql.ChangeAdd, zql.ChangeRemove, zql.ChangeChild:
		row := change.Node.Row
		if !fb.evalAll(row) {
			return nil
		}
		return fb.downstream.Push(change, pusher)
	case zql.ChangeEdit:
		oldPass := fb.evalAll(change.OldNode.Row)
		newPass := fb.evalAll(change.Node.Row)
		switch {
		case !oldPass && !newPass:
			return nil
		case oldPass && newPass:
			return fb.downstream.Push(change, pusher)
		case oldPass && !newPass:
			return fb.downstream.Push(zql.RemoveChange(change.OldNode), pusher)
		default:
			return fb.downstream.Push(zql.AddChange(change.Node), pusher)
		}
	}
	return nil
}

// Fetch implements source.Input.
func (fb *FilterBracket) Fetch(req source.FetchRequest) ([]source.Step, error) {
	steps, err := fb.upstream.Fetch(req)
	if err != nil {
		return nil, err
	}
	out := make([]source.Step, 0, len(steps))
	for _, s := range steps {
		if s.Yield || fb.evalAll(s.Node.Row) {
			out = append(out, s)
		}
	}
	return out, nil
}
