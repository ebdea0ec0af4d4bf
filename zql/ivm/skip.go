package ivm

import (
	"sort"

	"zerosync.dev/core/zql"
	"zerosync.dev/core/zql/source"
)

// Skip drops the first Bound rows of its input's ordering, used for
// offset-style pagination ahead of a Take. It tracks the identity of
// every row currently in the dropped head so it can tell, on an edit
// crossing the boundary, which half to emit.
type Skip struct {
	base
	Ordering   zql.Ordering
	PrimaryKey []string
	Bound      int

	// head holds the Bound lowest-ordered rows currently suppressed.
	head []zql.Node
}

// NewSkip wires a Skip downstream of upstream, priming its suppressed
// head from upstream's current state.
func NewSkip(upstream source.Input, ordering zql.Ordering, bound int) (*Skip, error) {
	s := &Skip{base: base{upstream: upstream}, Ordering: ordering, PrimaryKey: primaryKeyOf(upstream), Bound: bound}
	upstream.SetOutput(s)

	if bound <= 0 {
		return s, nil
	}
	steps, err := upstream.Fetch(source.FetchRequest{})
	if err != nil {
		return nil, err
	}
	for _, st := range steps {
		if st.Yield {
			continue
		}
		if len(s.head) >= bound {
			break
		}
		s.head = append(s.head, st.Node)
	}
	return s, nil
}

func (s *Skip) keyOf(n zql.Node) string { return n.Row.KeyTuple(s.PrimaryKey).String() }

func (s *Skip) indexInHead(n zql.Node) int {
	k := s.keyOf(n)
	for i, h := range s.head {
		if s.keyOf(h) == k {
			return i
		}
	}
	return -1
}

// Push implements source.Output.
func (s *Skip) Push(change zql.Change, pusher source.Pusher) error {
	switch change.Kind {
	case zql.ChangeAdd:
		return s.handleAdd(change.Node, pusher)
	case zql.ChangeRemove:
		return s.handleRemove(change.Node, pusher)
	case zql.ChangeEdit:
		return s.handleEdit(change.OldNode, change.Node, pusher)
	case zql.ChangeChild:
		if s.indexInHead(change.Node) >= 0 {
			return nil
		}
		return s.downstream.Push(change, pusher)
	}
	return nil
}

func (s *Skip) handleAdd(node zql.Node, pusher source.Pusher) error {
	if s.Bound == 0 {
		return s.downstream.Push(zql.AddChange(node), pusher)
	}
	pos := sort.Search(len(s.head), func(i int) bool { return s.Ordering.Compare(s.head[i].Row, node.Row) >= 0 })
	if pos >= len(s.head) {
		// sorts at/after the suppressed head: visible.
		if len(s.head) < s.Bound {
			s.head = append(s.head, node)
			return nil
		}
		return s.downstream.Push(zql.AddChange(node), pusher)
	}
	// sorts within the suppressed head: insert, evict the new tail of the
	// head into visibility.
	s.head = append(s.head, zql.Node{})
	copy(s.head[pos+1:], s.head[pos:])
	s.head[pos] = node
	if len(s.head) > s.Bound {
		evicted := s.head[len(s.head)-1]
		s.head = s.head[:s.Bound]
		return s.downstream.Push(zql.AddChange(evicted), pusher)
	}
	return nil
}

func (s *Skip) handleRemove(node zql.Node, pusher source.Pusher) error {
	if idx := s.indexInHead(node); idx >= 0 {
		s.head = append(s.head[:idx], s.head[idx+1:]...)
		return nil
	}
	return s.downstream.Push(zql.RemoveChange(node), pusher)
}

func (s *Skip) handleEdit(oldNode, node zql.Node, pusher source.Pusher) error {
	oldIdx := s.indexInHead(oldNode)
	if oldIdx < 0 {
		// old row was visible.
		pos := sort.Search(len(s.head), func(i int) bool { return s.Ordering.Compare(s.head[i].Row, node.Row) >= 0 })
		if pos >= len(s.head) {
			return s.downstream.Push(zql.EditChange(oldNode, node), pusher)
		}
		// moved into the suppressed head: emit remove, insert into head.
		if err := s.downstream.Push(zql.RemoveChange(oldNode), pusher); err != nil {
			return err
		}
		s.head = append(s.head, zql.Node{})
		copy(s.head[pos+1:], s.head[pos:])
		s.head[pos] = node
		if len(s.head) > s.Bound {
			evicted := s.head[len(s.head)-1]
			s.head = s.head[:s.Bound]
			return s.downstream.Push(zql.AddChange(evicted), pusher)
		}
		return nil
	}
	// old row was suppressed.
	s.head = append(s.head[:oldIdx], s.head[oldIdx+1:]...)
	pos := sort.Search(len(s.head), func(i int) bool { return s.Ordering.Compare(s.head[i].Row, node.Row) >= 0 })
	if pos < s.Bound-1 || len(s.head) < s.Bound {
		s.head = append(s.head, zql.Node{})
		copy(s.head[pos+1:], s.head[pos:])
		s.head[pos] = node
		if len(s.head) > s.Bound {
			evicted := s.head[len(s.head)-1]
			s.head = s.head[:s.Bound]
			return s.downstream.Push(zql.AddChange(evicted), pusher)
		}
		return nil
	}
	// moved past the suppressed region: now visible.
	return s.downstream.Push(zql.AddChange(node), pusher)
}

// Fetch implements source.Input.
func (s *Skip) Fetch(req source.FetchRequest) ([]source.Step, error) {
	steps, err := s.upstream.Fetch(req)
	if err != nil {
		return nil, err
	}
	if s.Bound == 0 {
		return steps, nil
	}
	out := make([]source.Step, 0, len(steps))
	skipped := 0
	for _, st := range steps {
		if st.Yield {
			out = append(out, st)
			continue
		}
		if skipped < s.Bound {
			skipped++
			continue
		}
		out = append(out, st)
	}
	return out, nil
}
