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

package loopnest

import (
	"math"

	"k8s.io/klog/v2"

	"github.com/ajroetker/go-autoschedule/sched"
	"github.com/ajroetker/go-autoschedule/sched/dag"
)

func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}

func ones(n int) []int64 {
	s := make([]int64, n)
	for i := range s {
		s[i] = 1
	}
	return s
}

func (n *LoopNest) boundsSnapshot() dag.NodeMap[*dag.Bound] {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.bounds.Clone()
}

// InlineFunc returns a copy of n with f inlined into every loop that calls
// it.
func (n *LoopNest) InlineFunc(f *dag.Node) *LoopNest {
	r := n.clone()
	r.inlineFunc(f)
	return r
}

func (n *LoopNest) inlineFunc(f *dag.Node) {
	for i, c := range n.Children {
		if c.Calls(f) {
			nc := c.clone()
			nc.inlineFunc(f)
			n.Children[i] = nc
		}
	}
	if !n.Innermost {
		return
	}
	var calls int64
	for _, e := range f.OutgoingEdges {
		if k, ok := n.Inlined.Get(e.Consumer.Node); ok {
			calls += k * e.Calls
		}
		if e.Consumer == n.Stage {
			calls += e.Calls
		}
	}
	if calls > 0 {
		n.Inlined.Set(f, calls)
	}
}

// computeHere adds loop nests for every stage of f as children of n,
// vectorized over storage dimension v.
func (n *LoopNest) computeHere(f *dag.Node, tileable bool, v int, cfg Config) {
	b := n.GetBounds(f)
	if !cfg.MaySubtile {
		n.Tileable = false
	}

	for s := len(f.Stages) - 1; s >= 0; s-- {
		st := f.Stages[s]
		node := &LoopNest{
			Node:                f,
			Stage:               st,
			Innermost:           true,
			VectorizedLoopIndex: -1,
			Tileable:            tileable && (n.IsRoot() || cfg.MaySubtile),
		}
		// The region is still the whole thing, but the loops inside are a
		// single representative point.
		single := b.Clone(f)
		node.Size = make([]int64, len(st.Loop))
		vectorSize := int64(1)
		for i := range st.Loop {
			l := b.Loops[s][i]
			sched.Assertf(l.Max >= l.Min, "empty loop %s of %s: %v", st.Loop[i].Var, st.Name, l)
			node.Size[i] = l.Extent()
			single.Loops[s][i] = dag.Span{Min: l.Min, Max: l.Min, ConstantExtent: true}

			if f.Dimensions() > 0 && node.Size[i] >= 1 && st.Loop[i].Var == f.Args[v] {
				node.VectorizedLoopIndex = i
				vectorSize = int64(st.VectorSize)
				single.Loops[s][i].SetExtent(vectorSize)
				node.Size[i] = ceilDiv(node.Size[i], vectorSize)
				// Use the middle vector as the representative one.
				single.Loops[s][i].Translate(vectorSize * (node.Size[i] / 2))
			} else {
				single.Loops[s][i].Translate(node.Size[i] / 2)
			}
		}
		node.setBounds(f, single)
		node.VectorDim = v

		if node.VectorizedLoopIndex >= 0 {
			// Split off a single vector as the innermost loop.
			node.Innermost = false
			one := &LoopNest{
				Node:                f,
				Stage:               st,
				Innermost:           true,
				VectorDim:           v,
				VectorizedLoopIndex: node.VectorizedLoopIndex,
				Size:                ones(len(st.Loop)),
			}
			ob := single.Clone(f)
			ob.Loops[s][node.VectorizedLoopIndex].SetExtent(1)
			one.setBounds(f, ob)
			one.Size[node.VectorizedLoopIndex] = vectorSize
			node.Children = append(node.Children, one)
		}
		n.Children = append(n.Children, node)
	}
}

// splitInTiles makes an outer loop with the given extents wrapping an
// inner loop that inherits everything n contained.
func (n *LoopNest) splitInTiles(outerExtents []int64, parent *LoopNest, cfg Config,
	constant func(i int, p dag.Span, outer, inner int64) bool) (outer, inner *LoopNest) {
	inner = &LoopNest{
		Node:                n.Node,
		Stage:               n.Stage,
		Tileable:            n.Tileable && cfg.MaySubtile,
		VectorDim:           n.VectorDim,
		VectorizedLoopIndex: n.VectorizedLoopIndex,
		Size:                ones(len(n.Size)),
		Innermost:           n.Innermost,
		Children:            append([]*LoopNest(nil), n.Children...),
		Inlined:             n.Inlined.Clone(),
		StoreAt:             n.StoreAt.Clone(),
		bounds:              n.boundsSnapshot(),
	}
	outer = &LoopNest{
		Node:                n.Node,
		Stage:               n.Stage,
		Tileable:            n.Tileable && cfg.MaySubtile,
		VectorDim:           n.VectorDim,
		VectorizedLoopIndex: n.VectorizedLoopIndex,
		Size:                append([]int64(nil), n.Size...),
	}

	b := inner.GetBounds(n.Node).Clone(n.Node)
	pb := parent.GetBounds(n.Node)
	idx := n.Stage.Index
	for i := range outerExtents {
		inner.Size[i] = ceilDiv(outer.Size[i], outerExtents[i])
		// Recompute the outer extent for the inner size actually used.
		o := ceilDiv(outer.Size[i], inner.Size[i])
		outer.Size[i] = o
		p := pb.Loops[idx][i]
		extent := ceilDiv(p.Extent(), o)
		// Pick a more representative iteration for the inner loop.
		lo := p.Min + (o/2)*extent
		b.Loops[idx][i] = dag.Span{Min: lo, Max: lo + extent - 1, ConstantExtent: constant(i, p, o, extent)}
	}
	outer.setBounds(n.Node, b)
	outer.Children = append(outer.Children, inner)
	return outer, inner
}

// ParallelizeInTiles splits n into a parallel outer loop with the given
// extents per pure dimension of the func, and a serial inner loop. Reduction
// loops stay entirely inside.
func (n *LoopNest) ParallelizeInTiles(cfg Config, tiling []int64, parent *LoopNest) *LoopNest {
	outerExtents := make([]int64, len(n.Stage.Loop))
	for i, l := range n.Stage.Loop {
		outerExtents[i] = 1
		if l.PureDim >= 0 {
			sched.Assertf(l.PureDim < len(tiling), "tiling of %s has %d dims, need %d", n.Stage.Name, len(tiling), l.PureDim+1)
			outerExtents[i] = tiling[l.PureDim]
		}
	}
	outer, _ := n.splitInTiles(outerExtents, parent, cfg, func(i int, p dag.Span, o, _ int64) bool {
		return p.ConstantExtent || (o > 1 && n.Stage.Loop[i].Pure)
	})
	outer.Innermost = false
	outer.Parallel = true
	outer.Tileable = cfg.MaySubtile
	return outer
}

// ParallelizeFunc returns a copy of the root n with every root-level loop
// nest of f parallelized by tiling.
func (n *LoopNest) ParallelizeFunc(cfg Config, f *dag.Node, tiling []int64) *LoopNest {
	return n.ParallelizeFuncEach(cfg, f, func(*LoopNest) []int64 { return tiling })
}

// ParallelizeFuncEach is ParallelizeFunc with a tiling chosen per stage.
func (n *LoopNest) ParallelizeFuncEach(cfg Config, f *dag.Node, tiling func(stage *LoopNest) []int64) *LoopNest {
	r := n.clone()
	for i, c := range r.Children {
		if c.Node == f {
			r.Children[i] = c.ParallelizeInTiles(cfg, tiling(c), r)
		}
	}
	return r
}

// ComputeInTiles returns every way to compute f in tiles somewhere within
// n, vectorized over storage dimension v. parent is nil when n is the root.
// Candidates whose regions cannot be determined are dropped.
func (n *LoopNest) ComputeInTiles(f *dag.Node, parent *LoopNest, cfg Config, v int, inRealization bool) (result []*LoopNest, err error) {
	defer recoverUnbounded(&err)
	return n.computeInTiles(f, parent, cfg, v, inRealization), nil
}

func (n *LoopNest) computeInTiles(f *dag.Node, parent *LoopNest, cfg Config, v int, inRealization bool) []*LoopNest {
	sched.Assertf(f != nil, "computeInTiles of nil func")
	var result []*LoopNest

	if parent != nil {
		here := n.GetBounds(f)
		atParent := parent.GetBounds(f)

		// Don't descend into loops that break vectorization if we could
		// have vectorized one level up.
		e := here.RegionComputed[v].Extent()
		ep := atParent.RegionComputed[v].Extent()
		vs := int64(f.VectorSize)
		if ep >= vs && e < vs {
			return nil
		}

		// Don't descend into loops if the region doesn't shrink.
		totalHere, totalAtParent := int64(1), int64(1)
		for i := range f.Dimensions() {
			totalHere = sched.MulInt64(totalHere, here.RegionComputed[i].Extent())
			totalAtParent = sched.MulInt64(totalAtParent, atParent.RegionComputed[i].Extent())
		}
		if totalHere >= totalAtParent {
			return nil
		}
	}

	child := -1
	calledByMultiple := false
	for i, c := range n.Children {
		if c.Calls(f) {
			if child != -1 {
				calledByMultiple = true
			}
			child = i
		}
	}

	// Compute directly inside this loop, unless it is a vector loop.
	allowed := f.IsOutput || (n.IsRoot() && cfg.Allows(sched.OptionComputeRoot)) ||
		(!n.IsRoot() && cfg.Allows(sched.OptionComputeAt))
	if inRealization {
		allowed = cfg.Allows(sched.OptionSlide)
	}
	if allowed && !n.Innermost &&
		(!inRealization || len(n.Size) == 0 || n.VectorDim == -1 || n.Size[n.VectorDim] == 1) {
		r := n.clone()
		r.computeHere(f, true, v, cfg)
		if !inRealization {
			r.StoreAt.Set(f, struct{}{})
		} else {
			r.Tileable = false
		}
		result = append(result, r)
	}

	if f.IsOutput {
		// Outputs are always computed at the root.
		return result
	}

	if n.Tileable && cfg.Allows(sched.OptionComputeAt) {
		sched.Assertf(parent != nil, "tileable loop %s has no parent", n.name())
		tilings := GenerateTilings(n.Size, len(n.Size)-1, 2, !inRealization)
		if len(tilings) > 10000 {
			klog.Warningf("lots of tilings for %s: %d", n.name(), len(tilings))
		}
		for _, t := range tilings {
			if n.Parallel {
				// Skip tilings that would leave too many cores idle.
				total := int64(1)
				for i, s := range t {
					if n.Stage.Loop[i].Pure {
						total *= s
					}
				}
				tasksPerCore := float64(total) / float64(cfg.Parallelism)
				if math.Ceil(tasksPerCore)/tasksPerCore > 1.1 {
					continue
				}
			}

			outer, inner := n.splitInTiles(t, parent, cfg, func(_ int, p dag.Span, o, innerExtent int64) bool {
				return (p.ConstantExtent || o > 1) && (innerExtent == 1 || o == 1 || n.Stage.Index == 0)
			})
			outer.Innermost = false
			outer.Parallel = n.Parallel

			if !inRealization {
				outer.StoreAt.Set(f, struct{}{})
			}

			if !inRealization && len(f.Stages) == 1 && cfg.Allows(sched.OptionSlide) {
				// Store here, but compute further in.
				for _, o := range inner.computeInTiles(f, outer, cfg, v, true) {
					r := outer.clone()
					r.Children[len(r.Children)-1] = o
					result = append(result, r)
				}
			}

			outer.computeHere(f, true, v, cfg)
			outer.Tileable = outer.Tileable && !inRealization
			result = append(result, outer)
		}
	}

	if child >= 0 && !calledByMultiple && !inRealization &&
		(cfg.MaySubtile || n.IsRoot()) && cfg.Allows(sched.OptionComputeAt) {
		// Push the computation further inwards. We can't slide at the
		// root if we intend to parallelize it.
		maySlide := cfg.Parallelism == 1 || !n.IsRoot()
		c := n.Children[child]
		numOnes := 0
		for _, s := range c.Size {
			if s == 1 {
				numOnes++
			}
		}
		// Only slide over single-dimensional loops, never over the vector
		// dimension, and never funcs with updates.
		maySlide = maySlide && numOnes == len(c.Size)-1
		maySlide = maySlide && len(f.Stages) == 1
		maySlide = maySlide && (c.VectorizedLoopIndex == -1 || c.Size[c.VectorizedLoopIndex] == 1)
		maySlide = maySlide && cfg.Allows(sched.OptionSlide)

		for _, storeHere := range []bool{false, true} {
			if storeHere && !maySlide {
				continue
			}
			if n.IsRoot() && numOnes == len(c.Size) && cfg.Parallelism > 1 {
				// Fusing into a serial loop would prevent parallelizing f.
				continue
			}
			for _, o := range c.computeInTiles(f, n, cfg, v, storeHere) {
				r := n.clone()
				if storeHere {
					r.StoreAt.Set(f, struct{}{})
				}
				r.Children[child] = o
				result = append(result, r)
			}
		}
	}
	return result
}

func (c Config) Allows(o sched.SearchSpaceOptions) bool {
	return c.Options == 0 || c.Options.Has(o)
}

// WithComputeRoot returns a copy of the root n with loops appended as
// root-level loop nests of f and f stored at the root.
func (n *LoopNest) WithComputeRoot(f *dag.Node, loops []*LoopNest) *LoopNest {
	r := n.clone()
	for _, l := range loops {
		r.Children = append(r.Children, l.DeepCopy(nil))
	}
	r.StoreAt.Set(f, struct{}{})
	return r
}

// DeepCopy copies the whole tree, calling mutate on every new node before
// it is returned.
func (n *LoopNest) DeepCopy(mutate func(*LoopNest)) *LoopNest {
	r := n.clone()
	for i, c := range r.Children {
		r.Children[i] = c.DeepCopy(mutate)
	}
	if mutate != nil {
		mutate(r)
	}
	return r
}

// CollectInlined adds to out every func of want inlined anywhere in n.
func (n *LoopNest) CollectInlined(want dag.NodeSet, out *dag.NodeSet) {
	n.Inlined.Range(func(f *dag.Node, _ int64) bool {
		if want.Contains(f) {
			out.Set(f, struct{}{})
		}
		return true
	})
	for _, c := range n.Children {
		c.CollectInlined(want, out)
	}
}
