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

// Package dagtest provides small pipelines for tests.
package dagtest

import (
	"github.com/ajroetker/go-autoschedule/sched"
	"github.com/ajroetker/go-autoschedule/sched/dag"
	"github.com/ajroetker/go-autoschedule/sched/features"
)

// Target is a CPU with 16-byte vectors and a 1 MiB last level cache.
var Target = sched.Target{
	Name: "test", Arch: sched.ArchCPU, VectorBytes: 16, Registers: 16,
	CacheLineSize: 64, LastLevelCacheSize: 1 << 20,
}

// GPUTarget is a small GPU.
var GPUTarget = sched.Target{
	Name: "test-gpu", Arch: sched.ArchGPU, WarpSize: 32, Registers: 64,
	CacheLineSize: 128, LastLevelCacheSize: 1 << 20, SharedMemoryLimit: 48 << 10,
}

func est(extents ...int64) []dag.Span {
	out := make([]dag.Span, len(extents))
	for i, e := range extents {
		out[i] = dag.Span{Min: 0, Max: e - 1, ConstantExtent: true}
	}
	return out
}

// Single is one 1-D output with no producers.
func Single(t sched.Target, extent int64) *dag.FunctionDAG {
	b := dag.NewBuilder(t)
	b.Add(&dag.FuncDef{
		Name: "f", Type: dag.Float32, Args: []string{"x"}, Output: true,
		Estimate: est(extent),
		Stages:   []*dag.StageDef{{Ops: map[features.OpType]int32{features.OpAdd: 1}}},
	})
	return b.MustBuild()
}

// Chain is B(x) = A(x) + 1, A(x) = x * 2, both over [0, extent).
func Chain(t sched.Target, extent int64) *dag.FunctionDAG {
	b := dag.NewBuilder(t)
	b.Add(&dag.FuncDef{
		Name: "A", Type: dag.Float32, Args: []string{"x"},
		Stages: []*dag.StageDef{{Ops: map[features.OpType]int32{features.OpMul: 1}}},
	})
	b.Add(&dag.FuncDef{
		Name: "B", Type: dag.Float32, Args: []string{"x"}, Output: true,
		Estimate: est(extent),
		Stages: []*dag.StageDef{{
			Calls: []dag.Call{{Func: "A", Args: []dag.Access{dag.At("x", 0)}}},
			Ops:   map[features.OpType]int32{features.OpAdd: 1},
		}},
	})
	return b.MustBuild()
}

// Blur is a separable 3x3 box blur of a uint16 input.
func Blur(t sched.Target, w, h int64) *dag.FunctionDAG {
	b := dag.NewBuilder(t)
	b.Add(&dag.FuncDef{Name: "in", Type: dag.UInt16, Args: []string{"x", "y"}, Input: true})
	b.Add(&dag.FuncDef{
		Name: "blur_x", Type: dag.Float32, Args: []string{"x", "y"},
		Stages: []*dag.StageDef{{
			Calls: []dag.Call{
				{Func: "in", Args: []dag.Access{dag.At("x", -1), dag.At("y", 0)}},
				{Func: "in", Args: []dag.Access{dag.At("x", 0), dag.At("y", 0)}},
				{Func: "in", Args: []dag.Access{dag.At("x", 1), dag.At("y", 0)}},
			},
			Ops: map[features.OpType]int32{features.OpAdd: 2, features.OpCast: 3},
		}},
	})
	b.Add(&dag.FuncDef{
		Name: "blur_y", Type: dag.Float32, Args: []string{"x", "y"}, Output: true,
		Estimate: est(w, h),
		Stages: []*dag.StageDef{{
			Calls: []dag.Call{
				{Func: "blur_x", Args: []dag.Access{dag.At("x", 0), dag.At("y", -1)}},
				{Func: "blur_x", Args: []dag.Access{dag.At("x", 0), dag.At("y", 0)}},
				{Func: "blur_x", Args: []dag.Access{dag.At("x", 0), dag.At("y", 1)}},
			},
			Ops: map[features.OpType]int32{features.OpAdd: 2, features.OpDiv: 1},
		}},
	})
	return b.MustBuild()
}

// Reduction is sum(x) = 0; sum(x) += in(r) for r in [0, rextent), over a
// pure domain of the given extent.
func Reduction(t sched.Target, extent, rextent int64) *dag.FunctionDAG {
	b := dag.NewBuilder(t)
	b.Add(&dag.FuncDef{Name: "in", Type: dag.Float32, Args: []string{"i"}, Input: true})
	b.Add(&dag.FuncDef{
		Name: "sum", Type: dag.Float32, Args: []string{"x"}, Output: true,
		Estimate: est(extent),
		Stages: []*dag.StageDef{
			{Ops: map[features.OpType]int32{features.OpConst: 1}},
			{
				RVars:     []dag.RVar{{Name: "r", Min: 0, Extent: rextent}},
				Calls:     []dag.Call{{Func: "in", Args: []dag.Access{dag.At("r", 0)}}},
				SelfCalls: 1,
				Ops:       map[features.OpType]int32{features.OpAdd: 1},
			},
		},
	})
	return b.MustBuild()
}
