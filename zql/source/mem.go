package source

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"zerosync.dev/core/zql"
)

// memSource is the in-memory reference implementation of Source: rows
// live in one canonical primary-key-ascending slice, with secondary
// indexes built lazily on first request and kept coherent thereafter.
type memSource struct {
	mu sync.Mutex

	table zql.Table

	// primary holds every row keyed by its primary-key KeyTuple string,
	// and primaryOrder holds the same rows sorted ascending by primary key.
	primary      map[string]zql.Row
	primaryOrder []zql.Row

	// secondary indexes, keyed by a canonical signature of their Ordering
	// (after normalization with the primary key appended for uniqueness).
	indexes map[string][]zql.Row

	inputs []*memInput
}

// NewMemSource constructs an empty in-memory Source for table.
func NewMemSource(table zql.Table) Source {
	return &memSource{
		table:   table,
		primary: make(map[string]zql.Row),
		indexes: make(map[string][]zql.Row),
	}
}

// Table implements Source.
func (s *memSource) Table() zql.Table { return s.table }

func orderingSignature(o zql.Ordering) string {
	var b strings.Builder
	for _, p := range o {
		if p.Desc {
			b.WriteString("-")
		} else {
			b.WriteString("+")
		}
		b.WriteString(p.Column)
		b.WriteByte(',')
	}
	return b.String()
}

// Connect implements Source.
func (s *memSource) Connect(sort zql.Ordering, filters zql.Condition, splitEditKeys []string) (SourceInput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	norm := sort.Normalize(s.table.PrimaryKey)
	splitSet := make(map[string]bool, len(splitEditKeys))
	for _, c := range splitEditKeys {
		splitSet[c] = true
	}

	in := &memInput{
		src:      s,
		ordering: norm,
		filters:  filters,
		splitSet: splitSet,
	}
	s.inputs = append(s.inputs, in)

	// fullyAppliedFilters: true whenever the source has a condition to
	// apply at all (a simple AND-of-simple-conditions tree over this
	// table's own columns, which is the only shape the builder ever
	// pushes down — correlated subqueries are never pushed to Connect).
	fully := filters == nil || isPushableCondition(filters)

	s.ensureIndex(norm)

	return SourceInput{Input: in, FullyAppliedFilters: fully}, nil
}

func isPushableCondition(c zql.Condition) bool {
	switch v := c.(type) {
	case zql.Simple:
		return true
	case zql.And:
		for _, inner := range v {
			if !isPushableCondition(inner) {
				return false
			}
		}
		return true
	case zql.Or:
		for _, inner := range v {
			if !isPushableCondition(inner) {
				return false
			}
		}
		return true
	case zql.Not:
		return isPushableCondition(v.Cond)
	default:
		return false
	}
}

// ensureIndex builds (if absent) the sorted row slice for ordering o.
// Callers must hold s.mu.
func (s *memSource) ensureIndex(o zql.Ordering) []zql.Row {
	sig := orderingSignature(o)
	if idx, ok := s.indexes[sig]; ok {
		return idx
	}
	if sig == orderingSignature(zql.Ordering{}.Normalize(s.table.PrimaryKey)) {
		s.indexes[sig] = s.primaryOrder
		return s.primaryOrder
	}
	idx := append([]zql.Row(nil), s.primaryOrder...)
	zql.SortRows(idx, o)
	s.indexes[sig] = idx
	return idx
}

func (s *memSource) rebuildIndexes() {
	primSig := orderingSignature(zql.Ordering{}.Normalize(s.table.PrimaryKey))
	s.indexes[primSig] = s.primaryOrder
	for sig := range s.indexes {
		if sig == primSig {
			continue
		}
		o := s.orderingForSig(sig)
		if o == nil {
			// no connected input uses this ordering any more; ensureIndex
			// rebuilds it if one connects again.
			delete(s.indexes, sig)
			continue
		}
		rebuilt := append([]zql.Row(nil), s.primaryOrder...)
		zql.SortRows(rebuilt, o)
		s.indexes[sig] = rebuilt
	}
}

// orderingForSig recovers the Ordering used to build an index, by scanning
// connected inputs (they are the only source of Orderings we ever index
// on).
func (s *memSource) orderingForSig(sig string) zql.Ordering {
	for _, in := range s.inputs {
		if orderingSignature(in.ordering) == sig {
			return in.ordering
		}
	}
	return nil
}

func (s *memSource) insertPrimary(row zql.Row) {
	key := row.KeyTuple(s.table.PrimaryKey)
	s.primary[key.String()] = row
	i := sort.Search(len(s.primaryOrder), func(i int) bool {
		return zql.Ordering(nil).Normalize(s.table.PrimaryKey).Compare(s.primaryOrder[i], row) >= 0
	})
	s.primaryOrder = append(s.primaryOrder, zql.Row{})
	copy(s.primaryOrder[i+1:], s.primaryOrder[i:])
	s.primaryOrder[i] = row
}

func (s *memSource) removePrimary(key zql.KeyTuple) (zql.Row, bool) {
	row, ok := s.primary[key.String()]
	if !ok {
		return zql.Row{}, false
	}
	delete(s.primary, key.String())
	pkOrder := zql.Ordering(nil).Normalize(s.table.PrimaryKey)
	for i, r := range s.primaryOrder {
		if r.KeyTuple(s.table.PrimaryKey).Equal(key) {
			s.primaryOrder = append(s.primaryOrder[:i], s.primaryOrder[i+1:]...)
			break
		}
	}
	_ = pkOrder
	return row, true
}

// Push implements Source.
func (s *memSource) Push(change SourceChange) error {
	s.mu.Lock()

	key := change.Row.KeyTuple(s.table.PrimaryKey)

	switch change.Kind {
	case SourceAdd:
		if _, exists := s.primary[key.String()]; exists {
			s.mu.Unlock()
			return &ConstraintViolation{Table: s.table.Name, Key: key, Op: "add: primary key already exists"}
		}
		s.insertPrimary(change.Row)
	case SourceRemove:
		if _, ok := s.removePrimary(key); !ok {
			s.mu.Unlock()
			return &ConstraintViolation{Table: s.table.Name, Key: key, Op: "remove: no such row"}
		}
	case SourceEdit:
		oldKey := change.OldRow.KeyTuple(s.table.PrimaryKey)
		if _, ok := s.removePrimary(oldKey); !ok {
			s.mu.Unlock()
			return &ConstraintViolation{Table: s.table.Name, Key: oldKey, Op: "edit: no such old row"}
		}
		s.insertPrimary(change.Row)
	}
	s.rebuildIndexes()

	inputs := append([]*memInput(nil), s.inputs...)
	s.mu.Unlock()

	pusher := NoopPusher{}
	for _, in := range inputs {
		if in.out == nil {
			continue
		}
		if err := s.deliver(in, change, pusher); err != nil {
			return err
		}
	}
	return nil
}

// deliver applies filter visibility and splitEditKeys semantics for one
// connected input and forwards the resulting change(s) to its output.
func (s *memSource) deliver(in *memInput, change SourceChange, pusher Pusher) error {
	switch change.Kind {
	case SourceAdd:
		if !s.visible(in, change.Row) {
			return nil
		}
		return in.out.Push(zql.AddChange(s.makeNode(in, change.Row)), pusher)

	case SourceRemove:
		if !s.visible(in, change.Row) {
			return nil
		}
		return in.out.Push(zql.RemoveChange(s.makeNode(in, change.Row)), pusher)

	case SourceEdit:
		oldVisible := s.visible(in, change.OldRow)
		newVisible := s.visible(in, change.Row)
		splits := s.splitKeysDiffer(in, change.OldRow, change.Row)

		switch {
		case !oldVisible && !newVisible:
			return nil
		case !oldVisible && newVisible:
			return in.out.Push(zql.AddChange(s.makeNode(in, change.Row)), pusher)
		case oldVisible && !newVisible:
			return in.out.Push(zql.RemoveChange(s.makeNode(in, change.OldRow)), pusher)
		default:
			if splits {
				if err := in.out.Push(zql.RemoveChange(s.makeNode(in, change.OldRow)), pusher); err != nil {
					return err
				}
				return in.out.Push(zql.AddChange(s.makeNode(in, change.Row)), pusher)
			}
			return in.out.Push(zql.EditChange(s.makeNode(in, change.OldRow), s.makeNode(in, change.Row)), pusher)
		}
	}
	return nil
}

func (s *memSource) visible(in *memInput, row zql.Row) bool {
	if in.filters == nil {
		return true
	}
	return evalPushable(in.filters, row)
}

// evalPushable evaluates only the push-down-safe subset of Condition
// (no correlated subqueries); builder guarantees filters passed to Connect
// never contain one.
func evalPushable(c zql.Condition, row zql.Row) bool {
	return zql.Eval(c, row)
}

func (s *memSource) splitKeysDiffer(in *memInput, oldRow, row zql.Row) bool {
	if len(in.splitSet) == 0 {
		return false
	}
	for col := range in.splitSet {
		ov, _ := oldRow.Get(col)
		nv, _ := row.Get(col)
		if fmt.Sprintf("%v", ov) != fmt.Sprintf("%v", nv) {
			return true
		}
	}
	return false
}

func (s *memSource) makeNode(in *memInput, row zql.Row) zql.Node {
	return zql.Node{Row: row, Relationships: map[string]func() zql.LazyStream{}}
}

// memInput is the Input returned to one connected pipeline.
type memInput struct {
	src      *memSource
	ordering zql.Ordering
	filters  zql.Condition
	splitSet map[string]bool
	out      Output
}

// Schema implements Input.
func (in *memInput) Schema() zql.Table { return in.src.table }

// SetOutput implements Input.
func (in *memInput) SetOutput(out Output) { in.out = out }

// Destroy implements Input: it detaches from the source so future pushes
// skip it. memSource keeps its indexes for any other consumer still
// referencing them (they are process-wide, keyed by ordering signature).
func (in *memInput) Destroy() {
	in.src.mu.Lock()
	defer in.src.mu.Unlock()
	for i, other := range in.src.inputs {
		if other == in {
			in.src.inputs = append(in.src.inputs[:i], in.src.inputs[i+1:]...)
			break
		}
	}
}

// Fetch implements Input.
func (in *memInput) Fetch(req FetchRequest) ([]Step, error) {
	in.src.mu.Lock()
	idx := in.src.ensureIndex(in.ordering)
	snapshot := append([]zql.Row(nil), idx...)
	in.src.mu.Unlock()

	var filtered []zql.Row
	for _, row := range snapshot {
		if !matchesConstraint(row, req.Constraint) {
			continue
		}
		if in.filters != nil && !evalPushable(in.filters, row) {
			continue
		}
		filtered = append(filtered, row)
	}

	if req.Reverse {
		reverse(filtered)
	}

	start := 0
	if req.Start != nil {
		start = findCursor(filtered, in.ordering, *req.Start, req.Reverse)
	}
	if start > len(filtered) {
		start = len(filtered)
	}
	filtered = filtered[start:]

	steps := make([]Step, len(filtered))
	for i, row := range filtered {
		steps[i] = Step{Node: in.src.makeNode(in, row)}
	}
	return steps, nil
}

func matchesConstraint(row zql.Row, constraint map[string]any) bool {
	for col, want := range constraint {
		got, ok := row.Get(col)
		if !ok || fmt.Sprintf("%v", got) != fmt.Sprintf("%v", want) {
			return false
		}
	}
	return true
}

func reverse(rows []zql.Row) {
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
}

// findCursor returns the index of the first row in ordering order that is
// at/after cur.Row per cur.Basis, within an already-filtered/possibly
// reversed slice.
func findCursor(rows []zql.Row, ordering zql.Ordering, cur Cursor, reversed bool) int {
	cmp := func(r zql.Row) int {
		c := ordering.Compare(r, cur.Row)
		if reversed {
			return -c
		}
		return c
	}
	idx := sort.Search(len(rows), func(i int) bool {
		c := cmp(rows[i])
		if cur.Basis == BasisAt {
			return c >= 0
		}
		return c > 0
	})
	return idx
}
