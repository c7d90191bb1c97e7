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

// Package search finds a schedule by beam search over loop nests.
//
// Scheduling makes two decisions per func, in the fixed order of the
// graph (outputs first): where to realize it, then how to parallelize it.
// A SearchSpace enumerates the legal outcomes of the next decision for a
// State, and a Driver runs coarse-to-fine passes of beam search over
// those decisions, scoring candidates in batches with a cost model.
package search

import (
	"fmt"
	"io"
	"strings"

	"k8s.io/klog/v2"

	"github.com/ajroetker/go-autoschedule/sched/costmodel"
	"github.com/ajroetker/go-autoschedule/sched/loopnest"
)

// State is a partial schedule: a loop nest plus the number of decisions
// that produced it. States are immutable once they are enqueued, except
// for their cost.
type State struct {
	Root   *loopnest.LoopNest
	Parent *State

	// Cost is the predicted runtime in seconds. It is inherited from the
	// parent until the state's own prediction is evaluated, and may be
	// inflated by the structural uniqueness penalty.
	Cost float64

	// CostPerStage is indexed like costmodel.Model.Stages.
	CostPerStage []float64

	NumDecisions int

	penalized bool
	slot      *costmodel.Slot
}

// NewState returns the state with no decisions made.
func NewState() *State {
	return &State{Root: loopnest.NewRoot()}
}

func (s *State) child() *State {
	return &State{
		Root:         s.Root,
		Parent:       s,
		Cost:         s.Cost,
		CostPerStage: s.CostPerStage,
		NumDecisions: s.NumDecisions + 1,
	}
}

// StructuralHash hashes the loop nest to the given depth, seeded with the
// number of decisions so states at different depths of the search never
// collide.
func (s *State) StructuralHash(depth, parallelism int) uint64 {
	return s.Root.StructuralHash(uint64(s.NumDecisions), depth, parallelism)
}

// syncCost picks up the evaluated prediction, if any.
func (s *State) syncCost() {
	if s.slot == nil || !s.slot.Evaluated() {
		return
	}
	s.Cost = s.slot.Cost
	s.CostPerStage = s.slot.PerStage
	s.slot = nil
}

// Dump writes the cost and loop nest of s.
func (s *State) Dump(w io.Writer) {
	fmt.Fprintf(w, "State with cost %g:\n", s.Cost)
	s.Root.Dump(w)
}

func (s *State) String() string {
	var sb strings.Builder
	s.Dump(&sb)
	return sb.String()
}

// LogDump logs s at the given verbosity.
func (s *State) LogDump(level klog.Level) {
	if v := klog.V(level); v.Enabled() {
		v.Info(s.String())
	}
}
