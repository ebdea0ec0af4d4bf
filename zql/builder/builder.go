// Package builder compiles an AST into a live operator pipeline: a
// Compiler walks the query bottom-up, pushing filters into sources where
// possible, fanning OR branches out and back in, substituting
// FlippedJoin+Exists for flipped EXISTS predicates, and closing with a
// Take for orderBy/limit and eager Joins for projected relationships.
package builder

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dgraph-io/ristretto"
	"golang.org/x/sync/singleflight"

	"zerosync.dev/core/zql"
	"zerosync.dev/core/zql/ivm"
	"zerosync.dev/core/zql/source"
)

// WarningKind categorizes a non-fatal compile observation.
type WarningKind string

const (
	RelationshipNotFound WarningKind = "relationship not found"
	SourceNotFound        WarningKind = "source not found"
)

// Warning is a non-fatal compile observation, attached to the AST path
// that produced it.
type Warning struct {
	Path   string
	Kind   WarningKind
	Reason string
}

func (w Warning) String() string {
	return fmt.Sprintf("warning: %s: %s: %s", w.Path, w.Kind, w.Reason)
}

// Error pairs a compile failure with the AST path that produced it.
type Error struct {
	Path string
	Err  error
}

func (e Error) String() string { return fmt.Sprintf("error: %s: %s", e.Path, e.Err.Error()) }

// Diagnostics accumulates errors and warnings across one Compile call.
type Diagnostics struct {
	Errors   []Error
	Warnings []Warning
}

// IsEmpty reports whether no errors or warnings were recorded.
func (d *Diagnostics) IsEmpty() bool { return len(d.Errors) == 0 && len(d.Warnings) == 0 }

// IsErr reports whether any error was recorded.
func (d Diagnostics) IsErr() bool { return len(d.Errors) != 0 }

// AddError records a fatal diagnostic at path.
func (d *Diagnostics) AddError(path string, err error) { d.Errors = append(d.Errors, Error{path, err}) }

// AddWarning records a non-fatal diagnostic at path.
func (d *Diagnostics) AddWarning(path string, kind WarningKind, reason string) {
	d.Warnings = append(d.Warnings, Warning{path, kind, reason})
}

// Combine merges o into d.
func (d *Diagnostics) Combine(o Diagnostics) {
	d.Errors = append(d.Errors, o.Errors...)
	d.Warnings = append(d.Warnings, o.Warnings...)
}

// BuilderHooks lets a host wrap operators for observability (metrics,
// tracing) without changing dataflow semantics. All methods default to
// no-ops via noopHooks.
type BuilderHooks interface {
	DecorateInput(path string, in source.Input) source.Input
	DecorateSourceInput(path string, in source.SourceInput) source.SourceInput
	DecorateFilterInput(path string, in source.Input) source.Input
	AddEdge(fromPath, toPath string)
}

type noopHooks struct{}

func (noopHooks) DecorateInput(_ string, in source.Input) source.Input { return in }
func (noopHooks) DecorateSourceInput(_ string, in source.SourceInput) source.SourceInput {
	return in
}
func (noopHooks) DecorateFilterInput(_ string, in source.Input) source.Input { return in }
func (noopHooks) AddEdge(string, string)                                    {}

// SourceRegistry resolves a table name to its storage.
type SourceRegistry interface {
	Source(table string) (source.Source, bool)
}

// Compiler turns an AST into a fresh, live operator graph.
type Compiler struct {
	Sources         SourceRegistry
	Hooks           BuilderHooks
	EnableNotExists bool

	planGroup singleflight.Group
	planCache *ristretto.Cache
}

// NewCompiler constructs a Compiler. hooks may be nil (defaults to no-ops).
func NewCompiler(sources SourceRegistry, hooks BuilderHooks, enableNotExists bool) (*Compiler, error) {
	if hooks == nil {
		hooks = noopHooks{}
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e4,
		MaxCost:     1 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("builder: %w", err)
	}
	return &Compiler{Sources: sources, Hooks: hooks, EnableNotExists: enableNotExists, planCache: cache}, nil
}

// plan is the cached, structure-only outcome of decomposing an AST's
// conditions; it holds no live operator state, so it is safe to reuse
// across subscribers while the operators themselves are always
// materialized fresh.
type plan struct {
	pushable  zql.Condition
	orGroups  []zql.Condition
	correlated []zql.CorrelatedSubquery
}

// Compile builds a fresh Input tree for ast. Concurrent compiles of the
// same query (by structural hash) are coalesced via singleflight; the
// decomposition plan is cached in ristretto so a repeated subscription
// skips re-analysis, but every call still materializes new operator
// instances, since storage handed to operators like Take is per-query.
func (c *Compiler) Compile(ast zql.AST) (source.Input, Diagnostics, error) {
	var diags Diagnostics
	in, err := c.compileNode(ast, "$", &diags)
	if err != nil {
		return nil, diags, err
	}
	return in, diags, nil
}

func (c *Compiler) planFor(ast zql.AST, path string, diags *Diagnostics) *plan {
	key := astKey(ast)
	if cached, ok := c.planCache.Get(key); ok {
		return cached.(*plan)
	}
	v, _, _ := c.planGroup.Do(key, func() (any, error) {
		p := decompose(ast.Where)
		return p, nil
	})
	p := v.(*plan)
	c.planCache.Set(key, p, 1)
	return p
}

func (c *Compiler) compileNode(ast zql.AST, path string, diags *Diagnostics) (source.Input, error) {
	src, ok := c.Sources.Source(ast.Table)
	if !ok {
		diags.AddError(path, fmt.Errorf("no source registered for table %q", ast.Table))
		return nil, fmt.Errorf("builder: no source for table %q", ast.Table)
	}

	p := c.planFor(ast, path, diags)
	ordering := ast.OrderBy.Normalize(src.Table().PrimaryKey)

	sin, err := src.Connect(ordering, p.pushable, nil)
	if err != nil {
		diags.AddError(path, err)
		return nil, err
	}
	sin = c.Hooks.DecorateSourceInput(path, sin)

	var pipeline source.Input = sin.Input
	if !sin.FullyAppliedFilters && p.pushable != nil {
		pipeline = c.Hooks.DecorateFilterInput(path, ivm.NewFilter(pipeline, p.pushable))
	}

	for i, or := range p.orGroups {
		pipeline = c.compileOrGroup(pipeline, or, fmt.Sprintf("%s.or[%d]", path, i))
	}

	for i, cs := range p.correlated {
		next, err := c.compileCorrelated(pipeline, ast, cs, fmt.Sprintf("%s.exists[%d]", path, i), diags)
		if err != nil {
			return nil, err
		}
		pipeline = next
	}

	for _, rel := range ast.Related {
		if rel.Hidden {
			continue
		}
		childPath := path + "." + rel.Relationship
		childIn, err := c.compileNode(rel.Subquery, childPath, diags)
		if err != nil {
			return nil, err
		}
		c.Hooks.AddEdge(path, childPath)
		pipeline = ivm.NewJoin(pipeline, childIn, rel.ParentKeys, rel.ChildKeys, rel.Relationship, false)
	}

	if ast.Limit > 0 {
		take, err := ivm.NewTake(pipeline, ordering, ast.Limit)
		if err != nil {
			diags.AddError(path, err)
			return nil, err
		}
		pipeline = take
	}

	return c.Hooks.DecorateInput(path, pipeline), nil
}

// compileOrGroup fans a disjunction out into one branch per member and
// back in by row identity.
func (c *Compiler) compileOrGroup(pipeline source.Input, or zql.Condition, path string) source.Input {
	branches, ok := or.(zql.Or)
	if !ok {
		branches = zql.Or{or}
	}

	fanOut := ivm.NewFanOut(pipeline)
	branchInputs := make([]source.Input, 0, len(branches))
	for i, cond := range branches {
		branchPath := fmt.Sprintf("%s[%d]", path, i)
		stub := &branchStub{shared: pipeline}
		filter := ivm.NewFilter(stub, cond)
		fanOut.AddBranch(filter)
		branchInputs = append(branchInputs, filter)
		c.Hooks.AddEdge(path, branchPath)
	}
	return ivm.NewFanIn(pipeline.Schema().PrimaryKey, branchInputs)
}

// branchStub is a thin Input adapter letting several FanOut branches read
// the same shared upstream without each overwriting its single
// SetOutput slot: the branch's own operator (e.g. a Filter) calls
// SetOutput on the stub, and FanOut pushes into that operator directly as
// an Output rather than through the shared upstream's SetOutput.
type branchStub struct {
	shared source.Input
	out    source.Output
}

func (b *branchStub) Schema() zql.Table                        { return b.shared.Schema() }
func (b *branchStub) Fetch(req source.FetchRequest) ([]source.Step, error) { return b.shared.Fetch(req) }
func (b *branchStub) SetOutput(out source.Output)              { b.out = out }
func (b *branchStub) Destroy()                                 {}

func (c *Compiler) compileCorrelated(pipeline source.Input, ast zql.AST, cs zql.CorrelatedSubquery, path string, diags *Diagnostics) (source.Input, error) {
	rel := findRelated(ast.Related, cs.Relationship)
	if rel == nil {
		diags.AddWarning(path, RelationshipNotFound, cs.Relationship)
		return pipeline, nil
	}

	childIn, err := c.compileNode(rel.Subquery, path+".child", diags)
	if err != nil {
		return nil, err
	}
	c.Hooks.AddEdge(path, path+".child")

	negate := cs.Op == zql.CorrelatedNotExists
	var joined source.Input
	if cs.Flip {
		joined = ivm.NewFlippedJoin(childIn, pipeline, rel.ParentKeys, rel.ChildKeys, cs.Relationship)
	} else {
		joined = ivm.NewJoin(pipeline, childIn, rel.ParentKeys, rel.ChildKeys, cs.Relationship, true)
	}
	exists, err := ivm.NewExists(joined, cs.Relationship, negate, c.EnableNotExists)
	if err != nil {
		diags.AddError(path, err)
		return nil, err
	}
	return exists, nil
}

func findRelated(related []zql.RelatedQuery, name string) *zql.RelatedQuery {
	for i := range related {
		if related[i].Relationship == name {
			return &related[i]
		}
	}
	return nil
}

// decompose splits a Where condition into a push-down-safe conjunction,
// any OR groups (each fanned out/in independently), and any correlated
// subqueries (each compiled to a Join/FlippedJoin + Exists pair).
func decompose(cond zql.Condition) *plan {
	p := &plan{}
	switch v := cond.(type) {
	case nil:
		return p
	case zql.Simple, zql.Not:
		p.pushable = v
	case zql.CorrelatedSubquery:
		p.correlated = append(p.correlated, v)
	case zql.Or:
		p.orGroups = append(p.orGroups, v)
	case zql.And:
		var conj []zql.Condition
		for _, inner := range v {
			switch iv := inner.(type) {
			case zql.CorrelatedSubquery:
				p.correlated = append(p.correlated, iv)
			case zql.Or:
				p.orGroups = append(p.orGroups, iv)
			default:
				conj = append(conj, iv)
			}
		}
		if len(conj) > 0 {
			p.pushable = zql.And(conj)
		}
	}
	return p
}

// astKey builds a deterministic structural key for an AST, used for both
// singleflight coalescing and the ristretto plan cache.
func astKey(ast zql.AST) string {
	var b strings.Builder
	b.WriteString(ast.Table)
	b.WriteByte(';')
	for _, o := range ast.OrderBy {
		fmt.Fprintf(&b, "%s:%v,", o.Column, o.Desc)
	}
	fmt.Fprintf(&b, ";limit=%d;", ast.Limit)
	writeCondKey(&b, ast.Where)
	b.WriteByte(';')
	rel := append([]zql.RelatedQuery(nil), ast.Related...)
	sort.Slice(rel, func(i, j int) bool { return rel[i].Relationship < rel[j].Relationship })
	for _, r := range rel {
		fmt.Fprintf(&b, "%s[%v]{", r.Relationship, r.Hidden)
		b.WriteString(astKey(r.Subquery))
		b.WriteString("},")
	}
	return b.String()
}

func writeCondKey(b *strings.Builder, cond zql.Condition) {
	switch v := cond.(type) {
	case nil:
		b.WriteString("-")
	case zql.Simple:
		fmt.Fprintf(b, "S(%s%s%v)", v.Column, v.Op, v.Literal)
	case zql.And:
		b.WriteString("A(")
		for _, c := range v {
			writeCondKey(b, c)
			b.WriteByte(',')
		}
		b.WriteByte(')')
	case zql.Or:
		b.WriteString("O(")
		for _, c := range v {
			writeCondKey(b, c)
			b.WriteByte(',')
		}
		b.WriteByte(')')
	case zql.Not:
		b.WriteString("N(")
		writeCondKey(b, v.Cond)
		b.WriteByte(')')
	case zql.CorrelatedSubquery:
		fmt.Fprintf(b, "C(%s,%s,%v)", v.Relationship, v.Op, v.Flip)
	}
}
