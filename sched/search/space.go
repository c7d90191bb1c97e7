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

package search

import (
	"cmp"
	"math"
	"slices"
	"strings"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"k8s.io/klog/v2"

	"github.com/ajroetker/go-autoschedule/sched"
	"github.com/ajroetker/go-autoschedule/sched/costmodel"
	"github.com/ajroetker/go-autoschedule/sched/dag"
	"github.com/ajroetker/go-autoschedule/sched/features"
	"github.com/ajroetker/go-autoschedule/sched/loopnest"
)

const (
	// minVectorExtent is the smallest extent of a dimension worth
	// vectorizing over.
	minVectorExtent = 16

	// maxRecompute rejects candidates computing more than this many times
	// the points a stage needs.
	maxRecompute = 8

	// maxInlinedCalls rejects candidates that inline a func at this many
	// call sites or more.
	maxInlinedCalls = 256
)

// SearchSpace enumerates the children of a state.
type SearchSpace struct {
	dag   *dag.FunctionDAG
	cfg   loopnest.Config
	model costmodel.Model

	// RandomizeTilings keeps every parallel tiling instead of only the
	// ones that keep the cores busy.
	RandomizeTilings bool

	// Frozen decisions from a pre-pass.
	inlined     dag.NodeSet
	computeRoot dag.NodeMap[[]*loopnest.LoopNest]

	// CostCalculations counts the candidates sent to the cost model.
	CostCalculations int
}

// NewSearchSpace returns the search space of d. The model must already be
// configured for d.
func NewSearchSpace(d *dag.FunctionDAG, cfg loopnest.Config, model costmodel.Model) *SearchSpace {
	return &SearchSpace{dag: d, cfg: cfg, model: model}
}

// NumDecisions is the number of decisions in a complete schedule.
func (sp *SearchSpace) NumDecisions() int {
	return 2 * len(sp.dag.Nodes)
}

// GenerateChildren emits every legal successor of s that the cost model
// accepts. Emitted children carry a pending cost that is valid after the
// model's next EvaluateCosts. It returns the number of children emitted.
func (sp *SearchSpace) GenerateChildren(s *State, emit func(*State)) (numChildren int, err error) {
	sched.Assertf(s.Root != nil && s.Root.IsRoot(), "GenerateChildren needs a state with a root")
	nodes := sp.dag.Nodes
	if s.NumDecisions == sp.NumDecisions() {
		return 0, nil
	}

	next, phase := s.NumDecisions/2, s.NumDecisions%2
	if !sp.cfg.MaySubtile {
		// Parallelize everything last, independently of the tiling.
		next, phase = s.NumDecisions%len(nodes), s.NumDecisions/len(nodes)
	}
	node := nodes[next]
	for _, e := range node.OutgoingEdges {
		sched.Assertf(s.Root.Computes(e.Consumer.Node),
			"partially scheduled code doesn't compute %s, which consumes %s", e.Consumer.Name, node.Name)
	}

	mustInline := sp.inlined.Contains(node)
	frozen, mustComputeRoot := sp.computeRoot.Get(node)

	if node.IsInput || (phase == 1 && mustComputeRoot) {
		emit(s.child())
		return 1, nil
	}
	sched.Assertf(len(node.OutgoingEdges) == 0 || s.Root.Calls(node),
		"pipeline so far doesn't use next func %s", node.Name)

	add := func(root *loopnest.LoopNest) error {
		c := s.child()
		c.Root = root
		ok, err := sp.calculateCost(c)
		if err != nil {
			return errors.WithMessagef(err, "scheduling %s", node.Name)
		}
		if ok {
			numChildren++
			emit(c)
		}
		return nil
	}

	if phase == 0 {
		err = sp.realize(s, node, mustInline, mustComputeRoot, frozen, add, &numChildren)
	} else {
		err = sp.parallelize(s, node, emit, add, &numChildren)
	}
	if err != nil {
		return numChildren, err
	}

	if numChildren == 0 {
		klog.Warningf("found no legal way to schedule %s after %d decisions", node.Name, s.NumDecisions)
		s.LogDump(1)
	}
	return numChildren, nil
}

// realize is the first decision for a func: inline it or realize it
// somewhere.
func (sp *SearchSpace) realize(s *State, node *dag.Node, mustInline, mustComputeRoot bool,
	frozen []*loopnest.LoopNest, add func(*loopnest.LoopNest) error, numChildren *int) error {
	if len(node.Stages) == 1 && !node.IsOutput && !mustComputeRoot && sp.cfg.Allows(sched.OptionInline) {
		if err := add(s.Root.InlineFunc(node)); err != nil {
			return err
		}
	}

	if mustInline {
		if *numChildren > 0 {
			klog.V(2).Infof("inlined frozen func %s", node.Name)
			return nil
		}
		klog.V(1).Infof("unable to inline frozen func %s", node.Name)
	}

	// Inline long chains of pointwise funcs without considering anything
	// else.
	if node.IsPointwise && *numChildren > 0 && len(node.OutgoingEdges) == 1 {
		pointwise := true
		for _, e := range node.Stages[0].IncomingEdges {
			pointwise = pointwise && e.Producer.IsPointwise
		}
		for _, e := range node.OutgoingEdges {
			pointwise = pointwise && (e.Consumer.Node.IsPointwise || e.Consumer.Node.IsBoundaryCondition)
		}
		if pointwise {
			return nil
		}
	}

	if mustComputeRoot {
		return add(s.Root.WithComputeRoot(node, frozen))
	}

	var vectorDims []int
	if !node.IsInput && !node.IsOutput {
		b, err := s.Root.Bounds(node)
		if err != nil {
			klog.V(2).Infof("no region for %s at the root: %v", node.Name, err)
			return nil
		}
		for v := range node.Dimensions() {
			if b.RegionComputed[v].Extent() >= minVectorExtent {
				vectorDims = append(vectorDims, v)
			}
		}
	}
	// Outputs are vectorized over their innermost storage dimension.
	if len(vectorDims) == 0 {
		vectorDims = []int{0}
	}

	for _, v := range vectorDims {
		options, err := s.Root.ComputeInTiles(node, nil, sp.cfg, v, false)
		if err != nil {
			klog.V(2).Infof("cannot tile %s vectorized over dimension %d: %v", node.Name, v, err)
			continue
		}
		for _, o := range options {
			if err := add(o); err != nil {
				return err
			}
		}
	}
	return nil
}

type parallelOption struct {
	tiling          []int64
	idleCoreWastage float64
	entire          bool
}

// parallelize is the second decision for a func: how to split the root
// loops of the func into parallel tasks.
func (sp *SearchSpace) parallelize(s *State, node *dag.Node, emit func(*State),
	add func(*loopnest.LoopNest) error, numChildren *int) error {
	parallelism := int64(sp.cfg.Parallelism)

	var pureSize []int64
	shouldParallelize := false
	if parallelism > 1 && node.Dimensions() > 0 {
		for _, c := range s.Root.Children {
			if c.Node == node {
				if c.Stage.Index == 0 {
					pureSize = c.Size
				}
				shouldParallelize = true
			}
		}
	}

	keep := func() {
		*numChildren++
		emit(s.child())
	}

	// Nothing to decide for scalars or funcs below the root, or on one
	// core.
	if !shouldParallelize {
		keep()
		return nil
	}
	sched.Assertf(pureSize != nil, "%s is compute_root without its pure stage", node.Name)

	tilings := loopnest.GenerateTilings(pureSize, node.Dimensions()-1, 2, true)
	// Parallelizing the outer loops entirely is always an option.
	tilings = append(tilings, lo.Times(len(pureSize), func(int) int64 { return 1 }))

	var options []parallelOption
	for i, t := range tilings {
		o := parallelOption{
			entire:          i == len(tilings)-1,
			idleCoreWastage: 1,
			tiling:          make([]int64, len(pureSize)),
		}
		for j := range pureSize {
			o.tiling[j] = (pureSize[j] + t[j] - 1) / t[j]
		}

		var minTotal, maxTotal int64
		for _, c := range s.Root.Children {
			if c.Node != node {
				continue
			}
			total := int64(1)
			for _, l := range c.Stage.Loop {
				if !l.RVar && l.PureDim >= 0 {
					total *= o.tiling[l.PureDim]
				}
			}
			if minTotal == 0 {
				minTotal = total
			}
			minTotal = min(minTotal, total)
			maxTotal = max(maxTotal, total)
			tasksPerCore := float64(total) / float64(parallelism)
			o.idleCoreWastage = max(o.idleCoreWastage, math.Ceil(tasksPerCore)/tasksPerCore)
		}

		ok := (o.entire || minTotal >= parallelism) && maxTotal <= parallelism*16
		if ok || sp.RandomizeTilings {
			options = append(options, o)
		}
	}
	slices.SortStableFunc(options, func(a, b parallelOption) int {
		return cmp.Compare(a.idleCoreWastage, b.idleCoreWastage)
	})

	// Small funcs such as compute_root lookup tables stay serial.
	if len(options) == 0 {
		keep()
		return nil
	}

	for _, o := range options {
		if !sp.RandomizeTilings && *numChildren >= 1 && (o.idleCoreWastage > 1.2 || !sp.cfg.MaySubtile) {
			// The remaining options leave lots of cores idle.
			break
		}
		var root *loopnest.LoopNest
		if sp.cfg.MaySubtile {
			root = s.Root.ParallelizeFunc(sp.cfg, node, o.tiling)
		} else {
			root = s.Root.ParallelizeFuncEach(sp.cfg, node, func(c *loopnest.LoopNest) []int64 {
				return outerLoopTiling(c, node, parallelism)
			})
		}
		if err := add(root); err != nil {
			return err
		}
	}
	return nil
}

// outerLoopTiling parallelizes outer pure loops of c until there is
// enough parallelism. It is the only tiling considered when subtiling is
// disabled.
func outerLoopTiling(c *loopnest.LoopNest, node *dag.Node, parallelism int64) []int64 {
	tiling := lo.Times(node.Dimensions(), func(int) int64 { return 1 })
	total := int64(1)
	for i := len(c.Size) - 1; i >= 0; i-- {
		l := c.Stage.Loop[i]
		if !l.Pure || l.PureDim < 0 || total >= parallelism {
			continue
		}
		extent := c.Size[i]
		for extent > 1 && total*extent > parallelism*8 {
			extent /= 2
		}
		total *= extent
		tiling[l.PureDim] = extent
	}
	return tiling
}

// calculateCost featurizes s and enqueues it on the cost model, unless it
// is rejected outright. Rejections are not errors.
func (sp *SearchSpace) calculateCost(s *State) (bool, error) {
	feats, err := loopnest.ComputeFeatures(sp.dag, s.Root, sp.cfg)
	if err != nil {
		var ue *loopnest.UnboundedError
		if errors.As(err, &ue) {
			klog.V(3).Infof("rejected: %v", err)
			return false, nil
		}
		return false, err
	}

	if klog.V(3).Enabled() {
		feats.Range(func(st *dag.Stage, f features.Schedule) bool {
			var sb strings.Builder
			f.Dump(&sb, "  ")
			klog.V(3).Infof("schedule features for %s:\n%s", st.Name, sb.String())
			return true
		})
	}

	// Prune silly states before they reach the cost model.
	recompute := false
	feats.Range(func(st *dag.Stage, f features.Schedule) bool {
		// Wrappers may stage data repeatedly.
		if st.Node.IsWrapper {
			return true
		}
		recompute = f.PointsComputedTotal+f.InlinedCalls > maxRecompute*f.PointsComputedMinimum
		return !recompute
	})
	if recompute {
		return false, nil
	}
	if s.Root.MaxInlinedCalls() >= maxInlinedCalls {
		return false, nil
	}
	if sp.cfg.Resources != nil {
		if err := sp.cfg.Resources.Admit(s.Root, feats); err != nil {
			klog.V(3).Infof("rejected: %v", err)
			return false, nil
		}
	}

	slot := sp.model.Enqueue()
	for i, st := range sp.model.Stages() {
		if f, ok := feats.Get(st); ok {
			slot.Features[i] = f
		}
	}
	s.slot = slot
	sp.CostCalculations++
	return true, nil
}

// FreezeLowestCostStages fixes the cheapest funcs of best for later
// passes: funcs it inlines stay inlined, and funcs it computes at the root
// keep their loop nests, minus anything inlined into them. All but about
// log2 of the funcs are frozen.
func (sp *SearchSpace) FreezeLowestCostStages(best *State) {
	costs := dag.NodeMap[float64]{}
	for i, st := range sp.model.Stages() {
		c := costs.Ref(st.Node)
		if i < len(best.CostPerStage) {
			*c += best.CostPerStage[i]
		}
	}
	type nodeCost struct {
		node *dag.Node
		cost float64
	}
	var order []nodeCost
	costs.Range(func(n *dag.Node, c float64) bool {
		order = append(order, nodeCost{n, c})
		return true
	})
	slices.SortStableFunc(order, func(a, b nodeCost) int { return cmp.Compare(a.cost, b.cost) })

	numNodes := len(order)
	if numNodes == 0 {
		return
	}
	numToFreeze := numNodes - int(math.Log2(float64(numNodes)))
	var freeze dag.NodeSet
	for _, nc := range order[:numToFreeze] {
		klog.V(1).Infof("freezing %s with cost %g", nc.node.Name, nc.cost)
		freeze.Set(nc.node, struct{}{})
	}

	best.Root.CollectInlined(freeze, &sp.inlined)
	for _, c := range best.Root.Children {
		if !freeze.Contains(c.Node) {
			continue
		}
		loops := c.DeepCopy(func(l *loopnest.LoopNest) { l.Inlined = dag.NodeMap[int64]{} })
		*sp.computeRoot.Ref(c.Node) = append(*sp.computeRoot.Ref(c.Node), loops)
		klog.V(1).Infof("freezing %s as compute_root", c.Node.Name)
	}
}
