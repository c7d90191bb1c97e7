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

// Package costmodel predicts the runtime of candidate schedules from their
// features.
//
// Candidates are batched: the search enqueues one Slot per candidate,
// fills in its schedule features, and later calls EvaluateCosts, which
// scores every pending slot at once on a worker pool. A slot's cost is
// valid once EvaluateCosts has returned.
//
// Both models share one cost formula. They differ in where the per-stage
// coefficients of that formula come from: Heuristic derives them from the
// target and the op histogram, Learned from a small network over the
// pipeline and schedule features.
package costmodel

import (
	"math"

	"github.com/ajroetker/go-autoschedule/sched"
	"github.com/ajroetker/go-autoschedule/sched/contrib/workerpool"
	"github.com/ajroetker/go-autoschedule/sched/dag"
	"github.com/ajroetker/go-autoschedule/sched/features"
)

// BatchSize is the number of slots buffered before Enqueue evaluates them.
const BatchSize = 1024

// Model predicts schedule runtimes.
type Model interface {
	// SetPipelineFeatures prepares the model for candidates of d on a
	// machine with the given number of cores. It discards pending slots.
	SetPipelineFeatures(d *dag.FunctionDAG, parallelism int)

	// Stages lists the stages a slot holds features for, in slot order:
	// the non-input funcs in graph order, each with its stages reversed.
	Stages() []*dag.Stage

	// Enqueue reserves a slot for one candidate. The caller fills in
	// Slot.Features before the next call to Enqueue or EvaluateCosts,
	// since a full batch is evaluated on Enqueue.
	Enqueue() *Slot

	// EvaluateCosts scores every pending slot and blocks until done.
	EvaluateCosts()

	// Reset drops pending slots.
	Reset()
}

// Slot is one candidate in a batch.
type Slot struct {
	// Features has one row per stage of Model.Stages.
	Features []features.Schedule

	// Cost and PerStage hold the prediction after EvaluateCosts, in
	// seconds.
	Cost     float64
	PerStage []float64

	evaluated bool
}

// Evaluated reports whether Cost is valid.
func (s *Slot) Evaluated() bool {
	return s.evaluated
}

// stageOrder lists the stages that carry features, in slot order.
func stageOrder(d *dag.FunctionDAG) []*dag.Stage {
	var out []*dag.Stage
	for _, n := range d.Nodes {
		if n.IsInput {
			continue
		}
		for i := len(n.Stages) - 1; i >= 0; i-- {
			out = append(out, n.Stages[i])
		}
	}
	return out
}

// batch is the queueing shared by the models. score fills in one slot.
type batch struct {
	pool    *workerpool.Pool
	stages  []*dag.Stage
	cores   int
	pending []*Slot
	score   func(s *Slot)
}

func (b *batch) setPipeline(d *dag.FunctionDAG, parallelism int) {
	b.stages = stageOrder(d)
	b.cores = max(1, parallelism)
	b.pending = b.pending[:0]
}

func (b *batch) Stages() []*dag.Stage {
	return b.stages
}

func (b *batch) Enqueue() *Slot {
	sched.Assertf(b.stages != nil, "Enqueue before SetPipelineFeatures")
	if len(b.pending) == BatchSize {
		b.EvaluateCosts()
	}
	s := &Slot{
		Features: make([]features.Schedule, len(b.stages)),
		PerStage: make([]float64, len(b.stages)),
	}
	b.pending = append(b.pending, s)
	return s
}

func (b *batch) EvaluateCosts() {
	if len(b.pending) == 0 {
		return
	}
	pending := b.pending
	run := func(start, end int) {
		for _, s := range pending[start:end] {
			b.score(s)
			s.evaluated = true
		}
	}
	if b.pool == nil {
		run(0, len(pending))
	} else {
		b.pool.ParallelForAtomicBatched(len(pending), 8, run)
	}
	b.pending = b.pending[:0]
}

func (b *batch) Reset() {
	b.pending = b.pending[:0]
}

// finish sums the per-stage costs of s. Non-finite costs become +Inf.
func finish(s *Slot) {
	s.Cost = 0
	for _, c := range s.PerStage {
		s.Cost += c
	}
	if math.IsNaN(s.Cost) {
		s.Cost = math.Inf(1)
	}
}
