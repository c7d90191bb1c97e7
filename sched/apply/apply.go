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

package apply

import (
	"cmp"
	"slices"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/ajroetker/go-autoschedule/sched"
	"github.com/ajroetker/go-autoschedule/sched/dag"
	"github.com/ajroetker/go-autoschedule/sched/loopnest"
)

// stackLimit is the largest allocation, in bytes, placed on the stack
// when it is made more than once.
const stackLimit = 64000

// FuncVar is one loop variable of a stage after splitting.
type FuncVar struct {
	// Orig is the stage loop this var was split off from.
	Orig string
	Name string

	// Extent is exact when ConstantExtent is set, an estimate otherwise.
	Extent int64

	// Index is the loop of the stage the var belongs to.
	Index int

	RVar             bool
	Pure             bool
	InnermostPureDim bool
	Outermost        bool
	Parallel         bool
	Exists           bool
	ConstantExtent   bool
}

// StageSchedule holds the directives of one stage.
type StageSchedule struct {
	Stage *dag.Stage

	// Vars lists the loops innermost first. Each group of one var per
	// stage loop is one tiling level.
	Vars []FuncVar

	Directives []Directive

	vectorDim           int
	vectorizedLoopIndex int
}

func (s *StageSchedule) add(d Directive) {
	s.Directives = append(s.Directives, d)
}

// existingVars returns the names of the loops that survive splitting,
// innermost first.
func (s *StageSchedule) existingVars() []string {
	return lo.FilterMap(s.Vars, func(v FuncVar, _ int) (string, bool) {
		return v.Name, v.Exists
	})
}

// Schedule is the applied form of a loop nest.
type Schedule struct {
	dag *dag.FunctionDAG

	// Stages is in realization order: producers before consumers, and
	// the pure stage of a func before its updates. Inlined funcs have no
	// entry.
	Stages []*StageSchedule

	byStage dag.StageMap[*StageSchedule]
}

// For returns the schedule of st, or nil if st is inlined.
func (s *Schedule) For(st *dag.Stage) *StageSchedule {
	ss, _ := s.byStage.Get(st)
	return ss
}

type applier struct {
	cfg         loopnest.Config
	unrollLimit int64
	states      dag.StageMap[*StageSchedule]
}

// Apply walks root and derives the directives of every realized stage.
// The tree must be a complete schedule of d.
func Apply(d *dag.FunctionDAG, root *loopnest.LoopNest, cfg loopnest.Config) (result *Schedule, err error) {
	defer sched.Recover(&err)
	defer func() {
		if r := recover(); r != nil {
			ue, ok := r.(*loopnest.UnboundedError)
			if !ok {
				panic(r)
			}
			err = errors.Wrap(ue, "applying schedule")
		}
	}()

	if !root.IsRoot() {
		return nil, errors.New("apply: loop nest is not a root")
	}
	a := &applier{cfg: cfg, unrollLimit: 12}
	if cfg.Resources != nil {
		a.unrollLimit = int64(cfg.Resources.UnrollLimit())
	}
	a.apply(root, Root, 0, nil, nil)

	result = &Schedule{dag: d}
	for i := len(d.Nodes) - 1; i >= 0; i-- {
		n := d.Nodes[i]
		if n.IsInput {
			continue
		}
		for _, st := range n.Stages {
			ss, ok := a.states.Get(st)
			if !ok {
				continue
			}
			a.finish(ss)
			result.Stages = append(result.Stages, ss)
			result.byStage.Set(st, ss)
		}
	}
	return result, nil
}

func (a *applier) state(st *dag.Stage) *StageSchedule {
	ss, ok := a.states.Get(st)
	sched.Assertf(ok, "no schedule state for %s", st)
	return ss
}

func (a *applier) newState(n, parent *loopnest.LoopNest) *StageSchedule {
	st := n.Stage
	loops := parent.GetBounds(n.Node).Loops[st.Index]
	ss := &StageSchedule{
		Stage:               st,
		vectorDim:           n.VectorDim,
		vectorizedLoopIndex: n.VectorizedLoopIndex,
	}
	for i, l := range st.Loop {
		ss.Vars = append(ss.Vars, FuncVar{
			Orig:             l.Var,
			Name:             l.Var,
			Extent:           loops[i].Extent(),
			ConstantExtent:   loops[i].ConstantExtent,
			Index:            i,
			RVar:             !l.Pure,
			Pure:             l.Pure,
			InnermostPureDim: i == n.VectorizedLoopIndex,
			Outermost:        true,
			Parallel:         l.Pure && n.Parallel,
			Exists:           true,
		})
	}
	// Move the vectorized dimension in front of the other pure dimensions.
	for i := n.VectorizedLoopIndex - 1; i >= 0 && ss.Vars[i].Pure; i-- {
		ss.Vars[i], ss.Vars[i+1] = ss.Vars[i+1], ss.Vars[i]
	}
	return ss
}

// tailFor picks the tail strategy for splits of pure vars of n.
func tailFor(n, computeSite *loopnest.LoopNest) TailStrategy {
	switch {
	case !computeSite.AccessesInputBuffer() && !n.Node.IsOutput:
		return TailRoundUp
	case n.Stage.Index == 0:
		return TailShiftInwards
	default:
		return TailGuardWithIf
	}
}

func (a *applier) apply(n *loopnest.LoopNest, here LoopLevel, depth int, parent, computeSite *loopnest.LoopNest) {
	if n.IsRoot() {
		for _, c := range n.Children {
			a.apply(c, Root, 1, n, c)
			if c.Stage.Index == 0 {
				a.state(c.Stage).add(Directive{Kind: ComputeRoot})
			}
		}
		return
	}

	if parent.Node != n.Node {
		computeSite = n
	}
	st := n.Stage
	ss, ok := a.states.Get(st)
	if !ok {
		ss = a.newState(n, parent)
		a.states.Set(st, ss)
	}

	if st.Index == 0 && parent.Node != n.Node {
		bytes := n.Node.BytesPerPoint
		for _, s := range parent.GetBounds(n.Node).RegionComputed {
			bytes *= float64(s.Extent())
		}
		// Small allocations made more than once go on the stack.
		if bytes < stackLimit && depth > 2 {
			ss.add(Directive{Kind: StoreInStack})
		}
	}

	tail := tailFor(n, computeSite)

	if len(n.Size) > 0 {
		if n.Innermost {
			if n.VectorizedLoopIndex >= 0 {
				i := 0
				for !ss.Vars[i].InnermostPureDim {
					i++
				}
				v := ss.Vars[i]
				sched.Assertf(v.Exists, "vectorized var %s of %s was split away", v.Name, st)
				ss.add(Directive{Kind: Vectorize, Vars: []string{v.Name}})
			}
		} else {
			here = a.split(n, ss, tail)
		}
	}

	if n.Innermost {
		sched.Assertf(n.StoreAt.Empty() && len(n.Children) == 0, "innermost loop of %s has children", st)
		return
	}

	for _, c := range n.Children {
		a.apply(c, here, depth+1, n, computeSite)
		if c.Node != n.Node && c.Stage.Index == 0 {
			a.state(c.Stage).add(Directive{Kind: ComputeAt, At: here})
		}
	}
	n.StoreAt.Range(func(f *dag.Node, _ struct{}) bool {
		computedHere := lo.ContainsBy(n.Children, func(c *loopnest.LoopNest) bool { return c.Node == f })
		if !computedHere {
			a.state(f.Stages[0]).add(Directive{Kind: StoreAt, At: here})
		}
		return true
	})
}

// split performs the splits implied by the loop sizes of n and returns
// the level its children are computed at.
func (a *applier) split(n *loopnest.LoopNest, ss *StageSchedule, tail TailStrategy) LoopLevel {
	st := n.Stage

	// Find the innermost loop of this stage below n.
	innermost := n
	var child *loopnest.LoopNest
	for !innermost.Innermost {
		next, ok := lo.Find(innermost.Children, func(c *loopnest.LoopNest) bool { return c.Node == n.Node })
		sched.Assertf(ok, "loop over %s has no inner loop of the same func", st)
		if child == nil {
			child = next
		}
		innermost = next
	}

	newInner := make([]FuncVar, 0, len(st.Loop))
	for i := range st.Loop {
		p := &ss.Vars[i]
		size := n.Size[p.Index]
		factor := ceilDiv(p.Extent, size)
		innermostSize := innermost.Size[p.Index]
		if child != nil && p.InnermostPureDim {
			// Keep the split a multiple of the vector size.
			factor = ceilDiv(factor, innermostSize) * innermostSize
		}
		if child != nil && innermostSize > factor {
			factor = innermostSize
		}

		var v FuncVar
		switch {
		case !p.Exists || factor == 1:
			v.Extent = 1
		case size == 1 && !(child != nil && child.Innermost && p.InnermostPureDim && p.Name == p.Orig):
			// Not split in this dimension.
			v = *p
			v.Parallel = false
			p.Exists = false
			p.Extent = 1
		default:
			inner := p.Name + "i"
			t := tail
			if p.RVar || (st.Index != 0 && !p.Outermost) {
				t = TailGuardWithIf
			}
			if factor > p.Extent && t == TailShiftInwards {
				// Do not shift the tile off the start of the region.
				t = TailGuardWithIf
			}
			ss.add(Directive{Kind: Split, Vars: []string{p.Name, p.Name, inner}, Factor: factor, Tail: t})
			v = *p
			p.Extent = size
			v.ConstantExtent = t != TailGuardWithIf
			v.Name = inner
			v.Extent = factor
			v.Parallel = false
			v.Outermost = false
		}
		newInner = append(newInner, v)
	}

	if child.Innermost {
		a.unroll(ss, len(st.Loop))
	}

	here := LoopLevel{Func: n.Node.Name, Var: outermostVar}
	if v, ok := lo.Find(ss.Vars, func(v FuncVar) bool { return v.Exists }); ok {
		here.Var = v.Name
	}
	ss.Vars = append(newInner, ss.Vars...)
	return here
}

// unroll fully unrolls the first tiling level of ss when its pure loops
// are constant and small enough to live in registers.
func (a *applier) unroll(ss *StageSchedule, d int) {
	level := ss.Vars[:d]
	product := int64(1)
	constant := true
	for _, v := range level {
		if v.Pure {
			product *= v.Extent
			constant = constant && v.ConstantExtent
		}
	}
	if product > a.unrollLimit || !constant {
		return
	}
	slices.SortStableFunc(level, func(x, y FuncVar) int {
		return cmp.Compare(b2i(!x.Pure), b2i(!y.Pure))
	})
	for _, v := range level {
		if v.Pure && v.Exists && v.Extent > 1 {
			ss.add(Directive{Kind: Unroll, Vars: []string{v.Name}})
		}
	}
}

// finish adds the directives that depend on the whole loop structure of
// a stage: parallel loops, the loop order and the storage order.
func (a *applier) finish(ss *StageSchedule) {
	p := int64(max(1, a.cfg.Parallelism))
	tasks := int64(1)
	for i := len(ss.Vars) - 1; i >= 0; i-- {
		v := ss.Vars[i]
		if !v.Exists {
			continue
		}
		if !v.Parallel {
			break
		}
		if tasks > p && tasks*v.Extent > p*128 {
			break
		}
		tasks *= v.Extent
		ss.add(Directive{Kind: Parallel, Vars: []string{v.Name}})
		if tasks > p*8 {
			break
		}
	}

	if len(ss.Vars) > 1 {
		ss.add(Directive{Kind: Reorder, Vars: ss.existingVars()})
	}

	if ss.Stage.Index == 0 && ss.vectorDim > 0 {
		storage := slices.Clone(ss.Stage.Node.Args)
		for i := ss.vectorDim; i > 0; i-- {
			storage[i], storage[i-1] = storage[i-1], storage[i]
		}
		ss.add(Directive{Kind: ReorderStorage, Vars: storage})
	}
}

func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}
