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

package costmodel

import (
	"github.com/ajroetker/go-autoschedule/sched"
	"github.com/ajroetker/go-autoschedule/sched/contrib/workerpool"
	"github.com/ajroetker/go-autoschedule/sched/dag"
	"github.com/ajroetker/go-autoschedule/sched/features"
)

// Heuristic scores schedules with hand-tuned coefficients. Compute terms
// scale with the number of arithmetic ops of each stage; memory terms
// with the target's cache line and last level cache.
type Heuristic struct {
	batch
	target sched.Target
	coeffs []Coefficients
}

var _ Model = (*Heuristic)(nil)

// NewHeuristic returns a heuristic model for t. pool may be nil, in which
// case batches are scored on the calling goroutine.
func NewHeuristic(t sched.Target, pool *workerpool.Pool) *Heuristic {
	h := &Heuristic{target: t}
	h.pool = pool
	h.score = h.scoreSlot
	return h
}

// baseCoefficients are the stage-independent coefficients.
func baseCoefficients(t sched.Target) Coefficients {
	var c Coefficients
	line := float64(max(1, t.CacheLineSize))
	llc := float64(max(1, t.LastLevelCacheSize))

	c[CoeffLinesPerRealization] = 2
	c[CoeffBytesPerRealization] = 2 / line
	c[CoeffVectorLoads] = 1
	c[CoeffScalarLoadsPerScalar] = 1
	c[CoeffScalarLoadsPerVector] = 1
	c[CoeffScalarBytesPerVector] = 0.01 / line
	c[CoeffVectorBytesPerVector] = 0.01 / line
	c[CoeffScalarLinesPerVector] = 0.01
	c[CoeffVectorLinesPerVector] = 0.01
	c[CoeffBytesPerTask] = 0.5 / line
	c[CoeffLinesPerTask] = 0.5

	c[CoeffLinesWrittenParallel] = 4
	c[CoeffLinesWrittenOutput] = 1
	c[CoeffLinesWrittenOther] = 2
	c[CoeffBytesWrittenParallel] = 1 / line
	c[CoeffBytesWrittenOutput] = 0.25 / line
	c[CoeffBytesWrittenOther] = 0.5 / line

	c[CoeffFalseSharing] = 0.5
	c[CoeffPageFaults] = 1.0 / 4096
	c[CoeffMalloc] = 500
	c[CoeffParallelLaunch] = 5000
	c[CoeffParallelTask] = 500
	c[CoeffWorkingSet] = line / llc
	return c
}

// opsPerPoint counts the arithmetic of one point of a stage, ignoring the
// type breakdown.
func opsPerPoint(p *features.Pipeline) float64 {
	var ops int32
	for _, row := range p.OpHistogram {
		for _, n := range row {
			ops += n
		}
	}
	return float64(max(1, ops))
}

func (h *Heuristic) SetPipelineFeatures(d *dag.FunctionDAG, parallelism int) {
	h.setPipeline(d, parallelism)
	base := baseCoefficients(h.target)
	h.coeffs = make([]Coefficients, len(h.stages))
	for i, st := range h.stages {
		c := base
		ops := opsPerPoint(&st.Features)
		vs := float64(max(1, st.VectorSize))
		c[CoeffComputeVector] = ops / vs
		c[CoeffComputeScalar] = ops
		c[CoeffInlinedVector] = ops / vs
		c[CoeffInlinedScalar] = ops
		h.coeffs[i] = c
	}
}

func (h *Heuristic) scoreSlot(s *Slot) {
	for i := range s.Features {
		s.PerStage[i] = StageCost(&s.Features[i], &h.coeffs[i], i, h.cores)
	}
	finish(s)
}
