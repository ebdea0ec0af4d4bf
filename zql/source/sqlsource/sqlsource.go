// Package sqlsource is a SQLite-backed Source: the in-scope reference
// implementation of the otherwise-external "replica storage" that
// spec.md treats as a contract the engine depends on rather than
// something it owns. It exercises real indexed range scans for
// Connect(ordering, ...) the same way memSource exercises the push-down
// visibility algorithm in memory.
package sqlsource

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"zerosync.dev/core/zql"
	"zerosync.dev/core/zql/source"
)

// sqlSource is one table's worth of SQLite-backed storage, shared across
// every pipeline connected to it via Connect.
type sqlSource struct {
	mu sync.Mutex

	db    *sql.DB
	table zql.Table

	indexed map[string]bool // ordering signatures already CREATE INDEXed
	inputs  []*sqlInput
}

// New opens (or reuses) a SQLite database at dbPath and returns a Source
// for table, creating its backing table and primary-key index if they
// don't already exist.
func New(dbPath string, table zql.Table) (source.Source, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlsource: open %s: %w", dbPath, err)
	}
	return NewFromDB(db, table)
}

// NewFromDB builds a Source over an already-open *sql.DB, useful for
// sharing one database handle across several tables.
func NewFromDB(db *sql.DB, table zql.Table) (source.Source, error) {
	s := &sqlSource{db: db, table: table, indexed: make(map[string]bool)}
	if err := s.createTable(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *sqlSource) createTable() error {
	var cols []string
	for _, c := range s.table.Columns {
		cols = append(cols, fmt.Sprintf("%q %s", c.Name, columnSQLType(c)))
	}
	pk := make([]string, len(s.table.PrimaryKey))
	for i, k := range s.table.PrimaryKey {
		pk[i] = fmt.Sprintf("%q", k)
	}
	stmt := fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %q (%s, PRIMARY KEY (%s))",
		s.table.Name, strings.Join(cols, ", "), strings.Join(pk, ", "),
	)
	_, err := s.db.Exec(stmt)
	if err != nil {
		return fmt.Errorf("sqlsource: create table %s: %w", s.table.Name, err)
	}
	return nil
}

// Table implements source.Source.
func (s *sqlSource) Table() zql.Table { return s.table }

// Connect implements source.Source: it registers a new sqlInput and
// ensures a SQLite index exists over ordering, so Fetch's ORDER BY is an
// indexed scan rather than a full-table sort.
func (s *sqlSource) Connect(sortOrder zql.Ordering, filters zql.Condition, splitEditKeys []string) (source.SourceInput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	norm := sortOrder.Normalize(s.table.PrimaryKey)
	splitSet := make(map[string]bool, len(splitEditKeys))
	for _, c := range splitEditKeys {
		splitSet[c] = true
	}

	in := &sqlInput{src: s, ordering: norm, filters: filters, splitSet: splitSet}
	s.inputs = append(s.inputs, in)

	if err := s.ensureIndex(norm); err != nil {
		return source.SourceInput{}, err
	}

	fully := filters == nil || isPushableCondition(filters)
	return source.SourceInput{Input: in, FullyAppliedFilters: fully}, nil
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

func (s *sqlSource) ensureIndex(o zql.Ordering) error {
	sig := orderingSignature(o)
	if s.indexed[sig] {
		return nil
	}
	cols := make([]string, len(o))
	for i, p := range o {
		dir := "ASC"
		if p.Desc {
			dir = "DESC"
		}
		cols[i] = fmt.Sprintf("%q %s", p.Column, dir)
	}
	idxName := fmt.Sprintf("idx_%s_%x", s.table.Name, sig)
	stmt := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %q ON %q (%s)", idxName, s.table.Name, strings.Join(cols, ", "))
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("sqlsource: create index on %s: %w", s.table.Name, err)
	}
	s.indexed[sig] = true
	return nil
}

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

// Push implements source.Source: it applies change as a real SQL
// mutation, then replays the same push-down visibility algorithm as
// memSource against every connected input.
func (s *sqlSource) Push(change source.SourceChange) error {
	if err := s.mutate(change); err != nil {
		return err
	}

	s.mu.Lock()
	inputs := append([]*sqlInput(nil), s.inputs...)
	s.mu.Unlock()

	pusher := source.NoopPusher{}
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

func (s *sqlSource) mutate(change source.SourceChange) error {
	key := change.Row.KeyTuple(s.table.PrimaryKey)

	switch change.Kind {
	case source.SourceAdd:
		if s.exists(change.Row) {
			return &source.ConstraintViolation{Table: s.table.Name, Key: key, Op: "add: primary key already exists"}
		}
		return s.insert(change.Row)

	case source.SourceRemove:
		if !s.exists(change.Row) {
			return &source.ConstraintViolation{Table: s.table.Name, Key: key, Op: "remove: no such row"}
		}
		return s.delete(change.Row)

	case source.SourceEdit:
		oldKey := change.OldRow.KeyTuple(s.table.PrimaryKey)
		if !s.exists(change.OldRow) {
			return &source.ConstraintViolation{Table: s.table.Name, Key: oldKey, Op: "edit: no such old row"}
		}
		if oldKey.Equal(key) {
			return s.update(change.Row)
		}
		if err := s.delete(change.OldRow); err != nil {
			return err
		}
		return s.insert(change.Row)
	}
	return nil
}

func (s *sqlSource) exists(row zql.Row) bool {
	where, args := s.keyPredicate(row)
	q := s.db.QueryRow(fmt.Sprintf("SELECT 1 FROM %q WHERE %s", s.table.Name, where), args...)
	var one int
	return q.Scan(&one) == nil
}

func (s *sqlSource) keyPredicate(row zql.Row) (string, []any) {
	parts := make([]string, len(s.table.PrimaryKey))
	args := make([]any, len(s.table.PrimaryKey))
	for i, col := range s.table.PrimaryKey {
		v, _ := row.Get(col)
		parts[i] = fmt.Sprintf("%q = ?", col)
		args[i] = v
	}
	return strings.Join(parts, " AND "), args
}

func (s *sqlSource) insert(row zql.Row) error {
	cols := row.Columns()
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(cols)), ",")
	quoted := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		quoted[i] = fmt.Sprintf("%q", c)
		v, _ := row.Get(c)
		args[i] = v
	}
	stmt := fmt.Sprintf("INSERT INTO %q (%s) VALUES (%s)", s.table.Name, strings.Join(quoted, ", "), placeholders)
	_, err := s.db.Exec(stmt, args...)
	if err != nil {
		return fmt.Errorf("sqlsource: insert into %s: %w", s.table.Name, err)
	}
	return nil
}

func (s *sqlSource) update(row zql.Row) error {
	var sets []string
	var args []any
	for _, c := range row.Columns() {
		sets = append(sets, fmt.Sprintf("%q = ?", c))
		v, _ := row.Get(c)
		args = append(args, v)
	}
	where, whereArgs := s.keyPredicate(row)
	args = append(args, whereArgs...)
	stmt := fmt.Sprintf("UPDATE %q SET %s WHERE %s", s.table.Name, strings.Join(sets, ", "), where)
	_, err := s.db.Exec(stmt, args...)
	if err != nil {
		return fmt.Errorf("sqlsource: update %s: %w", s.table.Name, err)
	}
	return nil
}

func (s *sqlSource) delete(row zql.Row) error {
	where, args := s.keyPredicate(row)
	stmt := fmt.Sprintf("DELETE FROM %q WHERE %s", s.table.Name, where)
	_, err := s.db.Exec(stmt, args...)
	if err != nil {
		return fmt.Errorf("sqlsource: delete from %s: %w", s.table.Name, err)
	}
	return nil
}

// deliver applies filter visibility and splitEditKeys semantics for one
// connected input, identically to memSource's push-down algorithm.
func (s *sqlSource) deliver(in *sqlInput, change source.SourceChange, pusher source.Pusher) error {
	switch change.Kind {
	case source.SourceAdd:
		if !s.visible(in, change.Row) {
			return nil
		}
		return in.out.Push(zql.AddChange(s.makeNode(change.Row)), pusher)

	case source.SourceRemove:
		if !s.visible(in, change.Row) {
			return nil
		}
		return in.out.Push(zql.RemoveChange(s.makeNode(change.Row)), pusher)

	case source.SourceEdit:
		oldVisible := s.visible(in, change.OldRow)
		newVisible := s.visible(in, change.Row)
		splits := s.splitKeysDiffer(in, change.OldRow, change.Row)

		switch {
		case !oldVisible && !newVisible:
			return nil
		case !oldVisible && newVisible:
			return in.out.Push(zql.AddChange(s.makeNode(change.Row)), pusher)
		case oldVisible && !newVisible:
			return in.out.Push(zql.RemoveChange(s.makeNode(change.OldRow)), pusher)
		default:
			if splits {
				if err := in.out.Push(zql.RemoveChange(s.makeNode(change.OldRow)), pusher); err != nil {
					return err
				}
				return in.out.Push(zql.AddChange(s.makeNode(change.Row)), pusher)
			}
			return in.out.Push(zql.EditChange(s.makeNode(change.OldRow), s.makeNode(change.Row)), pusher)
		}
	}
	return nil
}

func (s *sqlSource) visible(in *sqlInput, row zql.Row) bool {
	if in.filters == nil {
		return true
	}
	return zql.Eval(in.filters, row)
}

func (s *sqlSource) splitKeysDiffer(in *sqlInput, oldRow, row zql.Row) bool {
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

func (s *sqlSource) makeNode(row zql.Row) zql.Node {
	return zql.Node{Row: row, Relationships: map[string]func() zql.LazyStream{}}
}
