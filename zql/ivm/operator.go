// Package ivm implements the incremental operators that sit between a
// Source and a View: the filter family, the join family, and the Take
// windowing operator. Every operator is both a source.Input (what its
// downstream neighbor sees) and a source.Output (what its upstream
// neighbor pushes into), wired together at construction time the way the
// builder's compile pass lays out a pipeline.
package ivm

import (
	"zerosync.dev/core/zql"
	"zerosync.dev/core/zql/source"
)

// base is embedded by every single-upstream operator; it implements the
// Input methods that simply delegate to the upstream, leaving each
// concrete operator to implement only Push and, where its semantics
// require filtering or reshaping, Fetch.
type base struct {
	upstream   source.Input
	downstream source.Output
}

// Schema implements source.Input.
func (b *base) Schema() zql.Table { return b.upstream.Schema() }

// SetOutput implements source.Input.
func (b *base) SetOutput(out source.Output) { b.downstream = out }

// Destroy implements source.Input.
func (b *base) Destroy() { b.upstream.Destroy() }

// primaryKeyOf is a small helper every operator that must track row
// identity (Take, Skip, Exists) uses to pull the primary key off the
// upstream schema once at construction time.
func primaryKeyOf(in source.Input) []string {
	return in.Schema().PrimaryKey
}
