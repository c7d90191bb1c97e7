// Copyright 2025 go-highway Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package loopnest is the search state of the scheduler: a tree of loops,
// each one a tile of some stage, with the funcs computed, stored and
// inlined at every level.
//
// Loop nests are persistent. Every mutator returns new nodes and shares the
// untouched subtrees with its input, so many search states can alias the
// same prefix of decisions. A LoopNest must not be modified once another
// state can reach it.
package loopnest

import (
	"fmt"
	"sync"

	"github.com/ajroetker/go-autoschedule/sched"
	"github.com/ajroetker/go-autoschedule/sched/dag"
	"github.com/ajroetker/go-autoschedule/sched/features"
)

// Config carries the machine parameters the loop nest needs.
type Config struct {
	// Parallelism is the number of cores being scheduled for.
	Parallelism int

	// MaySubtile allows tiling below the root level. Without it the
	// search space is restricted to compute_root/inline plus one level of
	// tiling.
	MaySubtile bool

	// Options restricts which placements are generated. Zero allows all.
	Options sched.SearchSpaceOptions

	Resources ResourceModel
}

// NewConfig builds a Config from run parameters.
func NewConfig(p sched.Params, t sched.Target) Config {
	return Config{
		Parallelism: p.Parallelism,
		MaySubtile:  !p.DisableSubtiling,
		Options:     p.Options(),
		Resources:   NewResourceModel(t, p.MemoryLimit),
	}
}

func (c Config) unrollLimit() int64 {
	if c.Resources == nil {
		return 12
	}
	return int64(c.Resources.UnrollLimit())
}

// LoopNest is one loop of the tree, or the root when Node is nil.
type LoopNest struct {
	// Size holds the extent of each loop of Stage, innermost first.
	Size []int64

	Children []*LoopNest

	// Inlined maps funcs inlined at this level to the number of call
	// sites.
	Inlined dag.NodeMap[int64]

	// StoreAt holds the funcs whose storage is allocated at this level.
	StoreAt dag.NodeSet

	Node  *dag.Node
	Stage *dag.Stage

	// Innermost marks the innermost loop of its stage.
	Innermost bool

	// Tileable reports whether this loop may be split further.
	Tileable bool

	Parallel bool

	// VectorDim is the storage dimension of Node that is vectorized, or -1.
	VectorDim int

	// VectorizedLoopIndex is the loop of Stage that maps to VectorDim, or -1.
	VectorizedLoopIndex int

	mu     sync.Mutex
	bounds dag.NodeMap[*dag.Bound]
}

// NewRoot returns an empty root.
func NewRoot() *LoopNest {
	return &LoopNest{VectorDim: -1, VectorizedLoopIndex: -1}
}

// IsRoot reports whether n is the root of its tree.
func (n *LoopNest) IsRoot() bool {
	return n.Node == nil
}

// clone returns a shallow copy of n that may be modified until it is
// published. Children and Bounds are shared.
func (n *LoopNest) clone() *LoopNest {
	n.mu.Lock()
	bounds := n.bounds.Clone()
	n.mu.Unlock()
	return &LoopNest{
		Size:                append([]int64(nil), n.Size...),
		Children:            append([]*LoopNest(nil), n.Children...),
		Inlined:             n.Inlined.Clone(),
		StoreAt:             n.StoreAt.Clone(),
		Node:                n.Node,
		Stage:               n.Stage,
		Innermost:           n.Innermost,
		Tileable:            n.Tileable,
		Parallel:            n.Parallel,
		VectorDim:           n.VectorDim,
		VectorizedLoopIndex: n.VectorizedLoopIndex,
		bounds:              bounds,
	}
}

// UnboundedError is raised when the region of a func cannot be determined
// at some loop. Candidates that hit it are not legal.
type UnboundedError struct {
	Func string
	At   string
}

func (e *UnboundedError) Error() string {
	return fmt.Sprintf("cannot determine the region of %s required at %s", e.Func, e.At)
}

// recoverUnbounded turns an UnboundedError panic into an error.
func recoverUnbounded(errp *error) {
	r := recover()
	if r == nil {
		return
	}
	if ue, ok := r.(*UnboundedError); ok {
		*errp = ue
		return
	}
	panic(r)
}

func (n *LoopNest) name() string {
	if n.IsRoot() {
		return "root"
	}
	return n.Stage.Name
}

func (n *LoopNest) setBounds(f *dag.Node, b *dag.Bound) *dag.Bound {
	n.mu.Lock()
	defer n.mu.Unlock()
	if old, ok := n.bounds.Get(f); ok {
		return old
	}
	n.bounds.Set(f, b)
	return b
}

// Bounds is GetBounds reporting undeterminable regions as an error.
func (n *LoopNest) Bounds(f *dag.Node) (b *dag.Bound, err error) {
	defer recoverUnbounded(&err)
	return n.GetBounds(f), nil
}

// GetBounds returns the region of f required and computed at this loop
// and the loops that compute it. Results are memoized; the returned Bound
// must not be modified. It panics with *UnboundedError if a footprint
// cannot be determined.
func (n *LoopNest) GetBounds(f *dag.Node) *dag.Bound {
	n.mu.Lock()
	b, ok := n.bounds.Get(f)
	n.mu.Unlock()
	if ok {
		return b
	}

	b = f.MakeBound()
	if f.IsOutput && n.IsRoot() {
		sched.Assertf(len(f.OutgoingEdges) == 0, "output %s is consumed by another func", f.Name)
		sched.Assertf(len(f.Estimate) == f.Dimensions(), "output %s has no estimate", f.Name)
		copy(b.RegionRequired, f.Estimate)
	} else {
		sched.Assertf(len(f.OutgoingEdges) > 0, "no consumers of %s at loop over %s", f.Name, n.name())
		for i := range b.RegionRequired {
			b.RegionRequired[i] = dag.EmptySpan()
		}
		for _, e := range f.OutgoingEdges {
			// Consumers outside this loop do not contribute.
			if !n.IsRoot() && n.Stage != e.Consumer && !n.Stage.DownstreamOf(e.Consumer.Node) {
				continue
			}
			cb := n.GetBounds(e.Consumer.Node)
			if !e.ExpandFootprint(cb.Loops[e.Consumer.Index], b.RegionRequired) {
				panic(&UnboundedError{Func: f.Name, At: n.name()})
			}
		}
	}

	if !f.RequiredToComputed(b.RegionRequired, b.RegionComputed) {
		panic(&UnboundedError{Func: f.Name, At: n.name()})
	}
	for i := range f.Stages {
		if !f.LoopNestForRegion(i, b.RegionComputed, b.Loops[i]) {
			panic(&UnboundedError{Func: f.Name, At: n.name()})
		}
	}
	return n.setBounds(f, b)
}

// Calls reports whether anything in this loop nest loads from f.
func (n *LoopNest) Calls(f *dag.Node) bool {
	for _, c := range n.Children {
		if c.Calls(f) {
			return true
		}
	}
	for _, e := range f.OutgoingEdges {
		if e.Consumer == n.Stage {
			return true
		}
		if n.Inlined.Contains(e.Consumer.Node) {
			return true
		}
	}
	return false
}

// Computes reports whether f is computed or inlined in this loop nest.
func (n *LoopNest) Computes(f *dag.Node) bool {
	if f == n.Node || n.Inlined.Contains(f) {
		return true
	}
	for _, c := range n.Children {
		if c.Computes(f) {
			return true
		}
	}
	return false
}

// MaxInlinedCalls is the largest number of call sites of any func inlined
// anywhere in the loop nest.
func (n *LoopNest) MaxInlinedCalls() int64 {
	var result int64
	n.Inlined.Range(func(_ *dag.Node, calls int64) bool {
		result = max(result, calls)
		return true
	})
	for _, c := range n.Children {
		result = max(result, c.MaxInlinedCalls())
	}
	return result
}

// AccessesInputBuffer reports whether the loop nest reads an input. Splits
// of such loops must not round up past the input's bounds.
func (n *LoopNest) AccessesInputBuffer() bool {
	for _, c := range n.Children {
		if c.AccessesInputBuffer() {
			return true
		}
	}
	if n.IsRoot() {
		return false
	}
	check := func(s *dag.Stage) bool {
		for _, e := range s.IncomingEdges {
			if e.Producer.IsInput {
				return true
			}
		}
		for _, v := range s.Features.OpHistogram[features.OpImageCall] {
			if v > 0 {
				return true
			}
		}
		return false
	}
	if check(n.Stage) {
		return true
	}
	found := false
	n.Inlined.Range(func(f *dag.Node, _ int64) bool {
		found = check(f.Stages[0])
		return !found
	})
	return found
}

func hashCombine(h *uint64, next uint64) {
	*h ^= next + 0x9e3779b9 + (*h << 6) + (*h >> 2)
}

// StructuralHash folds the shape of the loop nest, to the given depth,
// into h. At depth 1 loop sizes are reduced to whether they reach
// parallelism. Structurally identical trees hash equal no matter how they
// were built.
func (n *LoopNest) StructuralHash(h uint64, depth, parallelism int) uint64 {
	n.structuralHash(&h, depth, int64(parallelism))
	return h
}

func (n *LoopNest) structuralHash(h *uint64, depth int, parallelism int64) {
	if depth < 0 {
		return
	}
	const barrier = ^uint64(0)

	n.StoreAt.Range(func(f *dag.Node, _ struct{}) bool {
		hashCombine(h, uint64(f.ID))
		return true
	})
	hashCombine(h, barrier)

	for _, c := range n.Children {
		hashCombine(h, uint64(c.Stage.ID))
	}
	// Moving the last child into the inlined set must change the hash.
	hashCombine(h, barrier)

	n.Inlined.Range(func(f *dag.Node, _ int64) bool {
		hashCombine(h, uint64(f.ID))
		return true
	})
	hashCombine(h, barrier)

	if depth > 0 {
		for _, c := range n.Children {
			for _, s := range c.Size {
				if depth == 1 {
					if s >= parallelism {
						s = 1
					} else {
						s = 0
					}
				}
				hashCombine(h, uint64(s))
			}
		}
		hashCombine(h, uint64(int64(n.VectorizedLoopIndex)))
	}

	if depth > 1 {
		for _, c := range n.Children {
			c.structuralHash(h, depth-2, parallelism)
		}
	}
}

// Walk calls fn for n and every node below it, parents first.
func (n *LoopNest) Walk(fn func(l, parent *LoopNest)) {
	n.walk(nil, fn)
}

func (n *LoopNest) walk(parent *LoopNest, fn func(l, parent *LoopNest)) {
	fn(n, parent)
	for _, c := range n.Children {
		c.walk(n, fn)
	}
}
