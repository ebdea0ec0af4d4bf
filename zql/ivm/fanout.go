package ivm

import (
	"zerosync.dev/core/zql"
	"zerosync.dev/core/zql/source"
)

// FanOut broadcasts every upstream change to each of its branches (an OR
// expression's parallel filter pipelines). It yields between branches so
// a host scheduler can interleave other work during a wide fan-out.
type FanOut struct {
	upstream source.Input
	branches []source.Output
}

// NewFanOut wires a FanOut downstream of upstream; branches are attached
// afterward with AddBranch once each branch pipeline is built.
func NewFanOut(upstream source.Input) *FanOut {
	f := &FanOut{upstream: upstream}
	upstream.SetOutput(f)
	return f
}

// AddBranch registers one OR-branch as a broadcast target.
func (f *FanOut) AddBranch(out source.Output) { f.branches = append(f.branches, out) }

// Push implements source.Output.
func (f *FanOut) Push(change zql.Change, pusher source.Pusher) error {
	for i, b := range f.branches {
		if err := b.Push(change, pusher); err != nil {
			return err
		}
		if i < len(f.branches)-1 {
			pusher.Yield()
		}
	}
	return nil
}

// Schema implements source.Input.
func (f *FanOut) Schema() zql.Table { return f.upstream.Schema() }

// Fetch implements source.Input: branches read through the shared
// upstream directly, so FanOut's own Fetch is only used if something
// reads FanOut itself (it normally isn't — FanIn reads each branch).
func (f *FanOut) Fetch(req source.FetchRequest) ([]source.Step, error) {
	return f.upstream.Fetch(req)
}

// SetOutput implements source.Input; unused, FanOut's consumers are its
// branches, wired via AddBranch, not a single downstream Output.
func (f *FanOut) SetOutput(source.Output) {}

// Destroy implements source.Input.
func (f *FanOut) Destroy() { f.upstream.Destroy() }

// refEntry tracks one row's fan-in reference count.
type refEntry struct {
	node  zql.Node
	count int
}

// FanIn combines its branches' outputs by row identity (primary key),
// incrementing refCount when more than one branch admits the same row and
// decrementing on removal; a row is visible at refCount >= 1. A
// child.remove reaching refCount 0 is dropped silently rather than
// treated as a bug, since Take can pull a row into a branch's scope whose
// removal is then replayed here.
type FanIn struct {
	downstream   source.Output
	PrimaryKey   []string
	branchInputs []source.Input
	refs         map[string]*refEntry
}

type fanInBranchSide struct {
	fi  *FanIn
	idx int
}

func (s *fanInBranchSide) Push(change zql.Change, pusher source.Pusher) error {
	return s.fi.handleBranch(change, pusher)
}

// NewFanIn wires a FanIn across the given branch inputs (the Output side
// of each OR-branch's filter pipeline).
func NewFanIn(primaryKey []string, branches []source.Input) *FanIn {
	fi := &FanIn{PrimaryKey: primaryKey, branchInputs: branches, refs: make(map[string]*refEntry)}
	for i, b := range branches {
		b.SetOutput(&fanInBranchSide{fi: fi, idx: i})
	}
	return fi
}

func (fi *FanIn) keyOf(n zql.Node) string { return n.Row.KeyTuple(fi.PrimaryKey).String() }

func (fi *FanIn) handleBranch(change zql.Change, pusher source.Pusher) error {
	switch change.Kind {
	case zql.ChangeAdd:
		return fi.incr(change.Node, pusher)
	case zql.ChangeRemove:
		return fi.decr(change.Node, pusher)
	case zql.ChangeEdit:
		key := fi.keyOf(change.Node)
		if _, ok := fi.refs[key]; !ok {
			return nil
		}
		fi.refs[key].node = change.Node
		return fi.downstream.Push(change, pusher)
	case zql.ChangeChild:
		key := fi.keyOf(change.Node)
		if _, ok := fi.refs[key]; !ok {
			return nil
		}
		return fi.downstream.Push(change, pusher)
	}
	return nil
}

func (fi *FanIn) incr(node zql.Node, pusher source.Pusher) error {
	key := fi.keyOf(node)
	entry, ok := fi.refs[key]
	if !ok {
		entry = &refEntry{node: node}
		fi.refs[key] = entry
	}
	entry.count++
	if entry.count == 1 {
		return fi.downstream.Push(zql.AddChange(node), pusher)
	}
	return nil
}

func (fi *FanIn) decr(node zql.Node, pusher source.Pusher) error {
	key := fi.keyOf(node)
	entry, ok := fi.refs[key]
	if !ok || entry.count <= 0 {
		return nil
	}
	entry.count--
	if entry.count == 0 {
		delete(fi.refs, key)
		return fi.downstream.Push(zql.RemoveChange(node), pusher)
	}
	return nil
}

// Schema implements source.Input.
func (fi *FanIn) Schema() zql.Table { return fi.branchInputs[0].Schema() }

// SetOutput implements source.Input.
func (fi *FanIn) SetOutput(out source.Output) { fi.downstream = out }

// Destroy implements source.Input.
func (fi *FanIn) Destroy() {
	for _, b := range fi.branchInputs {
		b.Destroy()
	}
}

// Fetch implements source.Input, merging every branch's snapshot by row
// identity and seeding refs so later pushes stay consistent.
func (fi *FanIn) Fetch(req source.FetchRequest) ([]source.Step, error) {
	var out []source.Step
	for _, b := range fi.branchInputs {
		steps, err := b.Fetch(req)
		if err != nil {
			return nil, err
		}
		for _, s := range steps {
			if s.Yield {
				out = append(out, s)
				continue
			}
			key := fi.keyOf(s.Node)
			entry, ok := fi.refs[key]
			if !ok {
				entry = &refEntry{node: s.Node}
				fi.refs[key] = entry
			}
			entry.count++
			if entry.count == 1 {
				out = append(out, s)
			}
		}
	}
	return out, nil
}

// UnionFanOut is FanOut specialized to unions across independent
// sub-pipelines; its runtime semantics are identical to FanOut, it exists
// as a distinct type so the builder's compiled graph records which
// planner rule produced it.
type UnionFanOut struct{ *FanOut }

// NewUnionFanOut wires a UnionFanOut downstream of upstream.
func NewUnionFanOut(upstream source.Input) *UnionFanOut {
	return &UnionFanOut{FanOut: NewFanOut(upstream)}
}

// UnionFanIn is FanIn specialized to unions; semantics are identical to
// FanIn from the downstream's perspective.
type UnionFanIn struct{ *FanIn }

// NewUnionFanIn wires a UnionFanIn across the given union branches.
func NewUnionFanIn(primaryKey []string, branches []source.Input) *UnionFanIn {
	return &UnionFanIn{FanIn: NewFanIn(primaryKey, branches)}
}
