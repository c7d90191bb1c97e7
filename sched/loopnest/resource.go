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
	"fmt"

	"github.com/ajroetker/go-autoschedule/sched"
	"github.com/ajroetker/go-autoschedule/sched/dag"
	"github.com/ajroetker/go-autoschedule/sched/features"
)

// ResourceModel holds the per-target limits that make a candidate illegal
// regardless of its predicted cost.
type ResourceModel interface {
	// UnrollLimit is the largest innermost pure extent that counts as
	// unrolled.
	UnrollLimit() int

	// Admit returns a *LimitError if the featurized candidate exceeds a
	// hard limit of the target.
	Admit(root *LoopNest, feats *dag.StageMap[features.Schedule]) error
}

// LimitError reports a candidate rejected by the resource model.
type LimitError struct {
	Resource string
	Used     int64
	Limit    int64
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s exceeded: %d > %d bytes", e.Resource, e.Used, e.Limit)
}

// NewResourceModel returns the model for t. memoryLimit bounds the bytes
// allocated at once; negative means unlimited.
func NewResourceModel(t sched.Target, memoryLimit int64) ResourceModel {
	cpu := &CPUResources{Target: t, MemoryLimit: memoryLimit}
	if t.Arch == sched.ArchGPU {
		return &GPUResources{CPUResources: *cpu}
	}
	return cpu
}

// CPUResources limits total memory.
type CPUResources struct {
	Target      sched.Target
	MemoryLimit int64
}

func (r *CPUResources) UnrollLimit() int {
	return r.Target.UnrollLimit()
}

// Admit sums the realized bytes of every pure stage. The peak allocation
// of a schedule cannot exceed that sum.
func (r *CPUResources) Admit(_ *LoopNest, feats *dag.StageMap[features.Schedule]) error {
	if r.MemoryLimit < 0 {
		return nil
	}
	var total int64
	feats.Range(func(st *dag.Stage, f features.Schedule) bool {
		if st.Index == 0 {
			total += int64(f.BytesAtRealization)
		}
		return true
	})
	if total > r.MemoryLimit {
		return &LimitError{Resource: "memory", Used: total, Limit: r.MemoryLimit}
	}
	return nil
}

// GPUResources adds the per-block shared memory limit. Every loop nest
// directly under the root becomes one kernel launch, and the funcs stored
// inside it live in shared memory.
type GPUResources struct {
	CPUResources
}

func (r *GPUResources) Admit(root *LoopNest, feats *dag.StageMap[features.Schedule]) error {
	if err := r.CPUResources.Admit(root, feats); err != nil {
		return err
	}
	limit := r.Target.SharedMemoryLimit
	if limit <= 0 {
		return nil
	}
	for _, c := range root.Children {
		var shared int64
		c.Walk(func(l, _ *LoopNest) {
			l.StoreAt.Range(func(f *dag.Node, _ struct{}) bool {
				fs, _ := feats.Get(f.Stages[0])
				shared += int64(fs.BytesAtRealization)
				return true
			})
		})
		if shared > limit {
			return &LimitError{Resource: "shared memory of " + c.Stage.Name, Used: shared, Limit: limit}
		}
	}
	return nil
}
