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
	"github.com/ajroetker/go-autoschedule/sched"
	"github.com/ajroetker/go-autoschedule/sched/dag"
	"github.com/ajroetker/go-autoschedule/sched/features"
)

// ComputeFeatures featurizes every scheduled stage of d under the loop
// nest rooted at root. Stages of inputs have no features.
func ComputeFeatures(d *dag.FunctionDAG, root *LoopNest, cfg Config) (feats *dag.StageMap[features.Schedule], err error) {
	defer recoverUnbounded(&err)
	defer sched.Recover(&err)

	sites := ComputeSites(d, root)
	feats = &dag.StageMap[features.Schedule]{}
	feats.Reserve(d.NumStages())
	fc := &featureContext{cfg: cfg, sites: sites, feats: feats, root: root}
	var ws int64
	root.computeFeatures(fc, 1, 1, nil, nil, &ws)
	return feats, nil
}

type featureContext struct {
	cfg   Config
	sites *dag.StageMap[Sites]
	feats *dag.StageMap[features.Schedule]
	root  *LoopNest
}

func bytesPerPoint(f *dag.Node) int64 {
	return max(1, int64(f.BytesPerPoint))
}

func (n *LoopNest) setWorkingSetAtTask(ws int64, feats *dag.StageMap[features.Schedule]) {
	for _, c := range n.Children {
		c.setWorkingSetAtTask(ws, feats)
		feats.Ref(c.Stage).WorkingSetAtTask = float64(ws)
	}
}

// accumulateWorkingSet folds the allocations made at n into ws and records
// the working set features of the funcs stored and produced here.
func (n *LoopNest) accumulateWorkingSet(feats *dag.StageMap[features.Schedule], ws *int64) {
	n.StoreAt.Range(func(f *dag.Node, _ struct{}) bool {
		*ws += int64(feats.Ref(f.Stages[0]).BytesAtProduction)
		return true
	})
	n.StoreAt.Range(func(f *dag.Node, _ struct{}) bool {
		for _, s := range f.Stages {
			feats.Ref(s).WorkingSetAtRealization = float64(*ws)
		}
		return true
	})
	for _, c := range n.Children {
		if c.Node != n.Node {
			feats.Ref(c.Stage).WorkingSetAtProduction = float64(*ws)
		}
	}
}

func (n *LoopNest) computeFeatures(fc *featureContext, instances, parallelism int64,
	parent, grandparent *LoopNest, workingSet *int64) {
	cfg := fc.cfg
	P := int64(cfg.Parallelism)
	var workingSetHere int64

	loopInstances, parallelTasks := int64(1), int64(1)
	inImpure := false
	for idx := len(n.Size) - 1; idx >= 0; idx-- {
		i := n.Size[idx]
		loopInstances = sched.MulInt64(loopInstances, i)
		if n.Stage.Loop[idx].Pure && !inImpure {
			if P > 1 && (n.Parallel || (parent.IsRoot() && parallelTasks < P)) {
				// Until the parallel tiling is picked, assume the outer
				// loops are not split and roughly 8 tasks per core.
				parallelTasks = sched.MulInt64(parallelTasks, i)
				if !n.Parallel && parallelTasks > P*8 {
					parallelTasks = P * 8
				}
			}
		} else if i != 1 {
			inImpure = true
		}
	}

	subinstances := sched.MulInt64(instances, loopInstances)

	n.StoreAt.Range(func(f *dag.Node, _ struct{}) bool {
		sched.Assertf(!f.IsInput, "input %s stored at %s", f.Name, n.name())
		b := n.GetBounds(f)
		for s, st := range f.Stages {
			feat := fc.feats.Ref(st)
			feat.NumRealizations = float64(subinstances)

			pointsPerRealization := int64(1)
			numScalars, numVectors := subinstances, subinstances
			vectorized := false
			site, _ := fc.sites.Get(st)
			vli := -1
			if site.Produce != nil {
				vli = site.Produce.VectorizedLoopIndex
			}
			for i := range st.Loop {
				extent := b.Loops[s][i].Extent()
				pointsPerRealization = sched.MulInt64(pointsPerRealization, extent)
				if i == vli {
					// Only the tail is assumed to run as scalars.
					vs := int64(st.VectorSize)
					numVectors = sched.MulInt64(numVectors, extent / vs)
					numScalars = sched.MulInt64(numScalars, extent % vs)
					vectorized = true
				} else {
					numVectors = sched.MulInt64(numVectors, extent)
					numScalars = sched.MulInt64(numScalars, extent)
				}
			}
			if !vectorized {
				numVectors = 0
			}
			feat.PointsComputedPerRealization = float64(pointsPerRealization)
			feat.NumScalars = float64(numScalars)
			feat.NumVectors = float64(numVectors)
			feat.PointsComputedTotal = feat.PointsComputedPerRealization * feat.NumRealizations

			bytes := bytesPerPoint(f)
			for i := range f.Dimensions() {
				bytes = sched.MulInt64(bytes, b.RegionComputed[i].Extent())
			}
			feat.BytesAtRealization = float64(bytes)
			innermostExtent := int64(1)
			if site.Produce != nil {
				if v := site.Produce.VectorDim; v >= 0 && f.Dimensions() > 0 {
					innermostExtent = b.RegionComputed[v].Extent()
				}
			}
			feat.InnermostBytesAtRealization = float64(sched.MulInt64(bytesPerPoint(f), innermostExtent))

			if !n.IsRoot() {
				feat.BytesAtTask = feat.BytesAtRealization
				feat.InnermostBytesAtTask = feat.InnermostBytesAtRealization
			}
		}
		return true
	})

	if n.IsRoot() {
		for _, c := range n.Children {
			c.computeFeatures(fc, subinstances, parallelism, n, parent, &workingSetHere)
		}
		n.accumulateWorkingSet(fc.feats, &workingSetHere)
		n.rootFeatures(fc, workingSetHere)
		return
	}

	subparallelism := sched.MulInt64(parallelTasks, parallelism)

	sched.Assertf(!n.Node.IsInput, "input %s has a loop nest", n.Node.Name)
	feat := fc.feats.Ref(n.Stage)

	if n.Innermost {
		if n.VectorizedLoopIndex >= 0 && n.VectorizedLoopIndex < len(n.Size) {
			feat.VectorSize = float64(n.Size[n.VectorizedLoopIndex])
		} else {
			feat.VectorSize = 1
		}
		if feat.VectorSize == 1 {
			feat.NumScalars += feat.NumVectors
			feat.NumVectors = 0
		}
	} else {
		// Overwritten at every level, so the innermost non-vector loop
		// wins.
		feat.InnermostLoopExtent = 1
		feat.InnermostPureLoopExtent = 1
		for i, l := range n.Stage.Loop {
			feat.InnermostLoopExtent *= float64(n.Size[i])
			if !l.RVar {
				feat.InnermostPureLoopExtent *= float64(n.Size[i])
			}
		}
	}

	atTask := parent.IsRoot()
	atProduction := parent.Node != n.Node
	atPureProduction := atProduction && n.Stage.Index == 0

	if atTask {
		n.taskFeatures(fc, feat)
	}

	if atProduction {
		feat.NumProductions = float64(instances)
		feat.InnerParallelism = float64(parallelTasks)
		feat.OuterParallelism = float64(parallelism)
		feat.NativeVectorSize = float64(n.Stage.VectorSize)

		b := parent.GetBounds(n.Node)
		bytes := bytesPerPoint(n.Node)
		for i := range n.Node.Dimensions() {
			bytes = sched.MulInt64(bytes, b.RegionComputed[i].Extent())
		}
		feat.BytesAtProduction = float64(bytes)
		innermostExtent := int64(1)
		if n.VectorDim >= 0 && n.Node.Dimensions() > 0 {
			innermostExtent = b.RegionComputed[n.VectorDim].Extent()
		}
		feat.InnermostBytesAtProduction = float64(sched.MulInt64(bytesPerPoint(n.Node), innermostExtent))
	}

	for _, c := range n.Children {
		c.computeFeatures(fc, subinstances, subparallelism, n, parent, &workingSetHere)
	}
	n.accumulateWorkingSet(fc.feats, &workingSetHere)

	if atTask {
		n.setWorkingSetAtTask(workingSetHere, fc.feats)
	}
	if atProduction {
		feat.WorkingSet = float64(workingSetHere)
	}

	if n.Innermost {
		unrolled := feat.InnermostPureLoopExtent <= float64(cfg.unrollLimit()) && parent.Node == n.Node
		if unrolled {
			gb := grandparent.GetBounds(n.Node)
			for i := range parent.Size {
				if !n.Stage.Loop[i].RVar {
					unrolled = unrolled && gb.Loops[parent.Stage.Index][i].ConstantExtent
				}
			}
		}
		if unrolled {
			feat.UnrolledLoopExtent = feat.InnermostPureLoopExtent
		} else {
			feat.UnrolledLoopExtent = 1
		}
	}

	*workingSet += workingSetHere

	var ld loadStats
	if n.Innermost || atProduction {
		ld = n.loadFeatures(fc, feat, parent, instances)
	}

	if atProduction {
		// Properties of the realization, known here because this is where
		// the consumers are.
		sched.Assertf(ld.bytes >= 0, "negative bytes loaded: %d", ld.bytes)
		feat.AllocationBytesReadPerRealization = float64(ld.allocationBytes)
		feat.UniqueBytesReadPerRealization = float64(ld.bytes)
		feat.UniqueLinesReadPerRealization = float64(ld.lines)

		if !atPureProduction {
			// Updates are assumed to read everything produced so far.
			feat.UniqueBytesReadPerRealization += feat.BytesAtProduction
			feat.UniqueLinesReadPerRealization += float64(int64(feat.BytesAtProduction) / max(1, int64(feat.InnermostBytesAtProduction)))
			feat.AllocationBytesReadPerRealization += feat.BytesAtProduction
		}
	}

	if n.Innermost {
		feat.PointsComputedPerProduction = float64(subinstances / max(1, int64(feat.NumProductions)))
		// Small strides become a dense load plus a shuffle.
		feat.VectorLoadsPerVector = ld.dense + 2*ld.stride2 + 3*ld.stride3 + 4*ld.stride4
		feat.ScalarLoadsPerVector = ld.broadcasts + feat.VectorSize*ld.gathers
		feat.ScalarLoadsPerScalar = ld.loads
		if n.Stage.Index > 0 {
			// Self-load of the update.
			feat.VectorLoadsPerVector++
			feat.ScalarLoadsPerScalar++
		}
		feat.UniqueBytesReadPerVector = float64(ld.bytes)
		feat.UniqueLinesReadPerVector = float64(ld.lines)
	}

	numVectors, numScalars, vectorSize, innermostPure := feat.NumVectors, feat.NumScalars, feat.VectorSize, feat.InnermostPureLoopExtent
	n.Inlined.Range(func(f *dag.Node, calls int64) bool {
		in := fc.feats.Ref(f.Stages[0])
		in.InlinedCalls += float64(sched.MulInt64(calls, subinstances))
		in.NumVectors += float64(calls) * numVectors
		in.NumScalars += float64(calls) * numScalars
		in.NativeVectorSize = float64(n.Stage.VectorSize)
		if in.VectorSize > 0 {
			in.VectorSize = min(in.VectorSize, float64(n.Stage.VectorSize))
		} else {
			in.VectorSize = vectorSize
		}
		if in.InnermostPureLoopExtent > 0 {
			in.InnermostPureLoopExtent = min(in.InnermostPureLoopExtent, innermostPure)
		} else {
			in.InnermostPureLoopExtent = innermostPure
		}
		in.InnerParallelism = 1
		in.OuterParallelism = float64(parallelism)
		return true
	})
}

// rootFeatures fills the features measured against the whole pipeline.
func (n *LoopNest) rootFeatures(fc *featureContext, workingSetHere int64) {
	for _, st := range fc.feats.Keys() {
		f := st.Node
		feat := fc.feats.Ref(st)
		rb := fc.root.GetBounds(f)

		bytes := bytesPerPoint(f)
		for i := range f.Dimensions() {
			bytes = sched.MulInt64(bytes, rb.RegionComputed[i].Extent())
		}
		feat.BytesAtRoot = float64(bytes)
		feat.WorkingSetAtRoot = float64(workingSetHere)

		site, _ := fc.sites.Get(st)
		if p := site.Produce; p != nil {
			innermostExtent := int64(1)
			if v := p.VectorDim; v >= 0 && v < f.Dimensions() {
				innermostExtent = rb.RegionComputed[v].Extent()
			}
			feat.InnermostBytesAtRoot = float64(sched.MulInt64(bytesPerPoint(f), innermostExtent))
		} else {
			feat.InnermostBytesAtRoot = 0
		}

		minimum := int64(1)
		for i := range st.Loop {
			minimum = sched.MulInt64(minimum, rb.Loops[st.Index][i].Extent())
		}
		feat.PointsComputedMinimum = float64(minimum)

		if len(f.Stages) == 1 && !f.IsOutput {
			// Consumers have lower ids, so theirs are already final.
			var ifInlined float64
			for _, e := range f.OutgoingEdges {
				c, _ := fc.feats.Get(e.Consumer)
				ifInlined += c.PointsComputedMinimum * float64(e.Calls)
			}
			feat.PointsComputedMinimum = min(feat.PointsComputedMinimum, ifInlined)
		}
	}
}

// taskFeatures fills the features of a loop directly under the root, which
// becomes a parallel task.
func (n *LoopNest) taskFeatures(fc *featureContext, feat *features.Schedule) {
	f := n.Node
	P := int64(fc.cfg.Parallelism)
	if n.Parallel {
		b := n.GetBounds(f)
		bytes := bytesPerPoint(f)
		innermostExtent := int64(1)
		for i := range f.Dimensions() {
			outer := int64(1)
			for l := range n.Stage.Loop {
				if n.Stage.Loop[l].Var == f.Args[i] {
					outer = n.Size[l]
					break
				}
			}
			extent := b.RegionComputed[i].Extent() / outer
			bytes = sched.MulInt64(bytes, extent)
			if i == n.VectorDim {
				innermostExtent = extent
			}
		}
		feat.BytesAtTask = float64(bytes)
		feat.InnermostBytesAtTask = float64(sched.MulInt64(bytesPerPoint(f), innermostExtent))
	} else {
		// The parallel split is not chosen yet, so be optimistic.
		feat.BytesAtTask = float64((int64(feat.BytesAtRealization) + P - 1) / P)
		feat.InnermostBytesAtTask = min(feat.BytesAtTask, feat.InnermostBytesAtRealization)
	}

	feat.UniqueBytesReadPerTask = 0
	feat.UniqueLinesReadPerTask = 0

	// Stream in everything funcs inside this task read from outside it.
	var pending []*dag.Edge
	pending = append(pending, n.Stage.IncomingEdges...)
	var done dag.NodeSet
	for len(pending) > 0 {
		e := pending[len(pending)-1]
		pending = pending[:len(pending)-1]
		if done.Contains(e.Producer) {
			continue
		}
		done.Set(e.Producer, struct{}{})
		site, _ := fc.sites.Get(e.Producer.Stages[0])
		switch {
		case site.Store != nil && site.Store.IsRoot():
			b := n.GetBounds(e.Producer)
			bytes, lines, maxExtent := bytesPerPoint(e.Producer), int64(1), int64(1)
			vectorDim := -1
			if e.Producer.IsInput {
				vectorDim = 0
			} else if site.Produce != nil {
				vectorDim = site.Produce.VectorDim
			}
			for i := range e.Producer.Dimensions() {
				extent := b.RegionRequired[i].Extent()
				maxExtent = max(maxExtent, extent)
				bytes = sched.MulInt64(bytes, extent)
				if i != vectorDim {
					lines = sched.MulInt64(lines, extent)
				}
			}
			if !e.Producer.IsInput && site.Produce == nil {
				// Unscheduled, so assume the best layout.
				lines /= maxExtent
			}
			feat.UniqueBytesReadPerTask += float64(bytes)
			feat.UniqueLinesReadPerTask += float64(lines)
		case site.Produce != nil:
			// Computed inside this task or inlined into it.
			for _, s := range e.Producer.Stages {
				pending = append(pending, s.IncomingEdges...)
			}
		}
	}
}

type loadStats struct {
	bytes, lines, allocationBytes int64

	dense, broadcasts, gathers, stride2, stride3, stride4, loads float64
}

type jacobianOf struct {
	j        dag.LoadJacobian
	producer *dag.Node
}

func strideIs(r dag.Rational, k int64) bool {
	return r.EqualsInt(k)
}

// loadFeatures analyzes every load of this stage, looking through inlined
// funcs, and classifies the vector accesses.
func (n *LoopNest) loadFeatures(fc *featureContext, feat *features.Schedule, parent *LoopNest, instances int64) loadStats {
	var ld loadStats
	consumerSite, _ := fc.sites.Get(n.Stage)
	consumerStore := consumerSite.Store
	if n.Innermost {
		consumerStore = parent
	}
	consumerTask := consumerSite.Task
	consumerInstances := int64(feat.NumRealizations)
	if n.Innermost {
		consumerInstances = instances
	}
	sched.Assertf(consumerInstances != 0, "%s has no instances", n.Stage.Name)
	sched.Assertf(consumerStore != nil && consumerTask != nil, "%s has no store or task site", n.Stage.Name)

	pending := []*dag.Stage{n.Stage}
	var jacobians []jacobianOf
	var done dag.NodeSet
	for len(pending) > 0 {
		p := pending[len(pending)-1]
		pending = pending[:len(pending)-1]
		for _, e := range p.IncomingEdges {
			sched.Assertf(fc.sites.Contains(e.Producer.Stages[0]), "no site found for %s", e.Producer.Name)
			site, _ := fc.sites.Get(e.Producer.Stages[0])
			scheduled := e.Producer.IsInput || site.Produce != nil

			if n.Innermost {
				if e.Consumer == n.Stage {
					for _, j := range e.LoadJacobians {
						jacobians = append(jacobians, jacobianOf{j, e.Producer})
					}
				} else {
					// Look through the inlined consumer.
					var next []jacobianOf
					for _, j1 := range jacobians {
						if e.Consumer.Node == j1.producer {
							for _, j2 := range e.LoadJacobians {
								next = append(next, jacobianOf{j2.Compose(j1.j), e.Producer})
							}
						} else {
							next = append(next, j1)
						}
					}
					jacobians = next
				}
			}

			if site.Inlined {
				pending = append(pending, e.Producer.Stages[0])
				continue
			}

			if e.Producer.IsInput {
				sched.Assertf(site.Store.IsRoot() && site.Compute.IsRoot(), "input %s not at root", e.Producer.Name)
			}

			if n.Innermost {
				n.classifyLoads(&ld, feat, parent, e.Producer, site, scheduled, jacobians)
			}

			if done.Contains(e.Producer) {
				continue
			}
			done.Set(e.Producer, struct{}{})

			bounds := consumerStore.GetBounds(e.Producer)
			taskBounds := consumerTask.GetBounds(e.Producer)
			computeBounds := site.Compute.GetBounds(e.Producer)
			storeBounds := site.Store.GetBounds(e.Producer)

			footprint := bytesPerPoint(e.Producer)
			computeFootprint, storeFootprint := footprint, footprint
			lineFootprint, storeLineFootprint := int64(1), int64(1)
			maxExtent, maxStoreExtent := int64(1), int64(1)
			for i := range e.Producer.Dimensions() {
				pr := bounds.RegionRequired[i]
				cp := computeBounds.RegionComputed[i]
				sp := storeBounds.RegionRequired[i]
				tp := taskBounds.RegionRequired[i]
				sched.Assertf(sp.Min <= sp.Max && cp.Min <= cp.Max && tp.Min <= tp.Max,
					"empty footprint of %s in %s", e.Producer.Name, n.Stage.Name)

				extent := pr.Extent()
				storeExtent := sp.Extent()
				maxExtent = max(maxExtent, extent)
				maxStoreExtent = max(maxStoreExtent, storeExtent)

				footprint = sched.MulInt64(footprint, extent)
				computeFootprint = sched.MulInt64(computeFootprint, cp.Extent())
				storeFootprint = sched.MulInt64(storeFootprint, storeExtent)

				dense := (e.Producer.IsInput && i == 0) ||
					(site.Produce != nil && i == site.Produce.VectorDim)
				if !dense {
					lineFootprint = sched.MulInt64(lineFootprint, extent)
					storeLineFootprint = sched.MulInt64(storeLineFootprint, storeExtent)
				}
			}

			if !scheduled {
				// Assume it gets vectorized along whichever dimension makes
				// these smallest.
				lineFootprint /= maxExtent
				storeLineFootprint /= maxStoreExtent
			}

			storeInstancesPerConsumption := int64(1)
			if scheduled && !e.Producer.IsInput {
				pf := fc.feats.Ref(e.Producer.Stages[0])
				if psi := int64(pf.NumRealizations); psi > consumerInstances {
					storeInstancesPerConsumption = psi / consumerInstances
				}
			}

			ld.allocationBytes += computeFootprint
			if storeInstancesPerConsumption > 1 {
				// The producer is nested inside the consumer; folding
				// shrinks its buffer to the store-level region.
				ld.bytes += storeFootprint
				ld.lines += storeLineFootprint
			} else {
				ld.bytes += footprint
				ld.lines += lineFootprint
			}
		}
	}
	return ld
}

func (n *LoopNest) classifyLoads(ld *loadStats, feat *features.Schedule, parent *LoopNest,
	producer *dag.Node, site Sites, scheduled bool, jacobians []jacobianOf) {
	dims := producer.Dimensions()
	for _, jac := range jacobians {
		if jac.producer != producer {
			continue
		}
		count := float64(jac.j.Count())

		broadcast, dense, s2, s3, s4 := true, true, true, true, true
		innermostDim := -1
		if producer.IsInput {
			// Inputs use the default storage layout.
			innermostDim = 0
		} else if scheduled {
			innermostDim = site.Produce.VectorDim
		}
		if v := n.VectorizedLoopIndex; v >= 0 {
			if !scheduled {
				// See if any dimension of the producer would make a good
				// vector load.
				var cnt [5]int
				for i := range dims {
					stride := jac.j.At(i, v)
					for k := range cnt {
						if strideIs(stride, int64(k)) {
							cnt[k]++
							break
						}
					}
				}
				broadcast = cnt[0] == dims
				dense = cnt[0] == dims-1 && cnt[1] == 1
				s2 = cnt[0] == dims-1 && cnt[2] == 1
				s3 = cnt[0] == dims-1 && cnt[3] == 1
				s4 = cnt[0] == dims-1 && cnt[4] == 1
			} else {
				for i := range dims {
					stride := jac.j.At(i, v)
					broadcast = broadcast && strideIs(stride, 0)
					if i == innermostDim {
						dense = dense && strideIs(stride, 1)
						s2 = s2 && strideIs(stride, 2)
						s3 = s3 && strideIs(stride, 3)
						s4 = s4 && strideIs(stride, 4)
					} else {
						dense = dense && strideIs(stride, 0)
						s2 = s2 && strideIs(stride, 0)
						s3 = s3 && strideIs(stride, 0)
						s4 = s4 && strideIs(stride, 0)
					}
				}
			}
		}

		// Loads invariant over an unrolled block are hoisted, so amortize
		// them across it.
		amortization := int64(1)
		if feat.UnrolledLoopExtent > 1 {
			for idx, l := range n.Stage.Loop {
				if l.RVar {
					continue
				}
				invariant := true
				for i := range dims {
					if !strideIs(jac.j.At(i, idx), 0) {
						invariant = false
						break
					}
				}
				if invariant {
					amortization = sched.MulInt64(amortization, parent.Size[idx])
				}
			}
		}
		count /= float64(amortization)

		ld.loads += count
		switch {
		case broadcast:
			ld.broadcasts += count
		case dense:
			ld.dense += count
		case s2:
			ld.stride2 += count
		case s3:
			ld.stride3 += count
		case s4:
			ld.stride4 += count
		default:
			ld.gathers += count
		}
	}
}
