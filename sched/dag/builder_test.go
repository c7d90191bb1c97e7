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

package dag_test

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ajroetker/go-autoschedule/sched"
	"github.com/ajroetker/go-autoschedule/sched/dag"
	"github.com/ajroetker/go-autoschedule/sched/dag/dagtest"
	"github.com/ajroetker/go-autoschedule/sched/features"
)

func TestBuildBlur(t *testing.T) {
	d := dagtest.Blur(dagtest.Target, 256, 128)

	var names []string
	for _, n := range d.Nodes {
		names = append(names, n.Name)
	}
	if diff := cmp.Diff([]string{"blur_y", "blur_x", "in"}, names); diff != "" {
		t.Errorf("node order mismatch (-want +got):\n%s", diff)
	}
	for i, s := range d.Stages {
		if s.ID != i {
			t.Errorf("Stages[%d].ID = %d", i, s.ID)
		}
	}

	in, bx, by := d.Node("in"), d.Node("blur_x"), d.Node("blur_y")
	if !in.IsInput || !by.IsOutput || bx.IsInput || bx.IsOutput {
		t.Errorf("input/output flags wrong")
	}
	if bx.IsPointwise || by.IsPointwise || !in.IsPointwise {
		t.Errorf("IsPointwise = %v, %v, %v, want false, false, true", bx.IsPointwise, by.IsPointwise, in.IsPointwise)
	}

	if len(d.Edges) != 2 {
		t.Fatalf("got %d edges, want 2", len(d.Edges))
	}
	e := bx.Stages[0].IncomingEdges[0]
	if e.Producer != in || e.Consumer != bx.Stages[0] {
		t.Fatalf("edge %s -> %s, want in -> blur_x", e.Producer, e.Consumer)
	}
	if e.Calls != 3 {
		t.Errorf("Calls = %d, want 3", e.Calls)
	}
	if len(e.LoadJacobians) != 1 || e.LoadJacobians[0].Count() != 3 {
		t.Errorf("identical loads were not merged: %d jacobians", len(e.LoadJacobians))
	}
	if !e.AllBoundsAffine {
		t.Errorf("AllBoundsAffine = false, want true")
	}
	if len(in.OutgoingEdges) != 1 || in.OutgoingEdges[0] != e {
		t.Errorf("in.OutgoingEdges = %v", in.OutgoingEdges)
	}

	loop := []dag.Span{{Min: 0, Max: 99, ConstantExtent: true}, {Min: 10, Max: 19, ConstantExtent: true}}
	req := []dag.Span{dag.EmptySpan(), dag.EmptySpan()}
	if !e.ExpandFootprint(loop, req) {
		t.Fatalf("ExpandFootprint failed")
	}
	want := []dag.Span{{Min: -1, Max: 100, ConstantExtent: true}, {Min: 10, Max: 19, ConstantExtent: true}}
	if diff := cmp.Diff(want, req); diff != "" {
		t.Errorf("footprint mismatch (-want +got):\n%s", diff)
	}

	if !by.Stages[0].DownstreamOf(in) || !by.Stages[0].DownstreamOf(bx) {
		t.Errorf("blur_y is not downstream of its producers")
	}
	if bx.Stages[0].DownstreamOf(by) {
		t.Errorf("blur_x is downstream of blur_y")
	}

	// uint16 loads narrow the vector: 16 bytes / 2.
	if got := bx.Stages[0].VectorSize; got != 8 {
		t.Errorf("blur_x vector size = %d, want 8", got)
	}
	if got := by.Stages[0].VectorSize; got != 4 {
		t.Errorf("blur_y vector size = %d, want 4", got)
	}

	f := bx.Stages[0].Features
	if got := f.OpHistogram[features.OpImageCall][features.ScalarUInt16]; got != 3 {
		t.Errorf("image calls = %d, want 3", got)
	}
	if got := f.PointwiseAccesses[features.AccessLoadImage][features.ScalarUInt16]; got != 3 {
		t.Errorf("pointwise image loads = %d, want 3", got)
	}
	if got := f.PointwiseAccesses[features.AccessStore][features.ScalarFloat]; got != 1 {
		t.Errorf("pointwise stores = %d, want 1", got)
	}
	if f.TypesInUse[features.ScalarFloat] != 1 || f.TypesInUse[features.ScalarUInt16] != 1 {
		t.Errorf("TypesInUse = %v", f.TypesInUse)
	}
}

func TestBuildReduction(t *testing.T) {
	d := dagtest.Reduction(dagtest.Target, 4, 16)
	sum := d.Node("sum")
	if len(sum.Stages) != 2 {
		t.Fatalf("sum has %d stages, want 2", len(sum.Stages))
	}
	u := sum.Stages[1]
	if u.Name != "sum.update(0)" || !u.IsUpdate() {
		t.Errorf("update stage = %q, IsUpdate = %v", u.Name, u.IsUpdate())
	}
	if len(u.Loop) != 2 || u.Loop[0].Var != "r" || !u.Loop[0].RVar || u.Loop[1].Var != "x" {
		t.Fatalf("update loops = %+v, want [r x]", u.Loop)
	}
	if sum.IsPointwise {
		t.Errorf("a func with an update is pointwise")
	}
	if !u.DownstreamOf(d.Node("in")) {
		t.Errorf("update is not downstream of in")
	}
	if got := u.Features.OpHistogram[features.OpSelfCall][features.ScalarFloat]; got != 1 {
		t.Errorf("self calls = %d, want 1", got)
	}

	b := sum.MakeBound()
	computed := []dag.Span{{Min: 0, Max: 3, ConstantExtent: true}}
	if !sum.LoopNestForRegion(1, computed, b.Loops[1]) {
		t.Fatalf("LoopNestForRegion failed")
	}
	want := []dag.Span{{Min: 0, Max: 15, ConstantExtent: true}, {Min: 0, Max: 3, ConstantExtent: true}}
	if diff := cmp.Diff(want, b.Loops[1]); diff != "" {
		t.Errorf("update loop bounds mismatch (-want +got):\n%s", diff)
	}
	c := b.Clone(sum)
	c.Loops[1][0].Max = 100
	if b.Loops[1][0].Max != 15 {
		t.Errorf("Clone shares storage with the original")
	}
}

func TestBuildScaledAccess(t *testing.T) {
	b := dag.NewBuilder(dagtest.Target)
	b.Add(&dag.FuncDef{Name: "in", Type: dag.Float32, Args: []string{"x"}, Input: true})
	b.Add(&dag.FuncDef{
		Name: "down", Type: dag.Float32, Args: []string{"x"},
		Stages: []*dag.StageDef{{Calls: []dag.Call{
			{Func: "in", Args: []dag.Access{dag.Scaled("x", 2, 1, 0)}},
			{Func: "in", Args: []dag.Access{dag.Scaled("x", 2, 1, 1)}},
		}}},
	})
	b.Add(&dag.FuncDef{
		Name: "up", Type: dag.Float32, Args: []string{"x"}, Output: true,
		Estimate: []dag.Span{{Min: 0, Max: 9}},
		Stages: []*dag.StageDef{{Calls: []dag.Call{
			{Func: "down", Args: []dag.Access{dag.Scaled("x", 1, 2, 0)}},
			{Func: "in", Args: []dag.Access{dag.Range(0, 255)}},
		}}},
	})
	d, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	loop := []dag.Span{{Min: 0, Max: 9, ConstantExtent: true}}

	down := d.Node("down").Stages[0]
	req := []dag.Span{dag.EmptySpan()}
	down.IncomingEdges[0].ExpandFootprint(loop, req)
	if req[0].Min != 0 || req[0].Max != 19 {
		t.Errorf("downsample footprint = %v, want [0, 19]", req[0])
	}

	up := d.Node("up").Stages[0]
	for _, e := range up.IncomingEdges {
		req := []dag.Span{dag.EmptySpan()}
		if !e.ExpandFootprint(loop, req) {
			t.Fatalf("ExpandFootprint(%s) failed", e.Producer)
		}
		switch e.Producer.Name {
		case "down":
			if req[0].Min != 0 || req[0].Max != 4 || req[0].ConstantExtent {
				t.Errorf("upsample footprint = %v, want varying [0, 4]", req[0])
			}
			if e.AllBoundsAffine {
				t.Errorf("upsample bounds reported affine")
			}
		case "in":
			if req[0].Min != 0 || req[0].Max != 255 || !req[0].ConstantExtent {
				t.Errorf("range footprint = %v, want [0, 255]", req[0])
			}
		}
	}
}

func TestBuildErrors(t *testing.T) {
	f32 := dag.Float32
	est := []dag.Span{{Min: 0, Max: 9}}
	out := func(calls ...dag.Call) *dag.FuncDef {
		return &dag.FuncDef{Name: "out", Type: f32, Args: []string{"x"}, Output: true, Estimate: est,
			Stages: []*dag.StageDef{{Calls: calls}}}
	}
	tests := []struct {
		name  string
		funcs []*dag.FuncDef
		want  string
	}{
		{"no outputs", []*dag.FuncDef{{Name: "f", Type: f32, Args: []string{"x"}, Stages: []*dag.StageDef{{}}}}, "no outputs"},
		{"missing estimate", []*dag.FuncDef{{Name: "out", Type: f32, Args: []string{"x"}, Output: true, Stages: []*dag.StageDef{{}}}}, "estimate"},
		{"empty estimate", []*dag.FuncDef{{Name: "out", Type: f32, Args: []string{"x"}, Output: true,
			Estimate: []dag.Span{{Min: 5, Max: 4}}, Stages: []*dag.StageDef{{}}}}, "empty"},
		{"unknown producer", []*dag.FuncDef{out(dag.Call{Func: "nope", Args: []dag.Access{dag.At("x", 0)}})}, "unknown func"},
		{"arity", []*dag.FuncDef{
			{Name: "in", Type: f32, Args: []string{"x", "y"}, Input: true},
			out(dag.Call{Func: "in", Args: []dag.Access{dag.At("x", 0)}}),
		}, "has 1 args"},
		{"bad loop var", []*dag.FuncDef{
			{Name: "in", Type: f32, Args: []string{"x"}, Input: true},
			out(dag.Call{Func: "in", Args: []dag.Access{dag.At("q", 0)}}),
		}, "not a loop"},
		{"cycle", []*dag.FuncDef{
			{Name: "a", Type: f32, Args: []string{"x"}, Stages: []*dag.StageDef{{Calls: []dag.Call{{Func: "b", Args: []dag.Access{dag.At("x", 0)}}}}}},
			{Name: "b", Type: f32, Args: []string{"x"}, Stages: []*dag.StageDef{{Calls: []dag.Call{{Func: "a", Args: []dag.Access{dag.At("x", 0)}}}}}},
			out(dag.Call{Func: "a", Args: []dag.Access{dag.At("x", 0)}}),
		}, "cycle"},
		{"unused", []*dag.FuncDef{{Name: "in", Type: f32, Args: []string{"x"}, Input: true}, out()}, "not used"},
		{"rvar in pure", []*dag.FuncDef{{Name: "out", Type: f32, Args: []string{"x"}, Output: true, Estimate: est,
			Stages: []*dag.StageDef{{RVars: []dag.RVar{{Name: "r", Extent: 2}}}}}}, "pure definition"},
		{"duplicate", []*dag.FuncDef{out(), out()}, "twice"},
		{"consumed output", []*dag.FuncDef{
			{Name: "a", Type: f32, Args: []string{"x"}, Output: true, Estimate: est, Stages: []*dag.StageDef{{}}},
			out(dag.Call{Func: "a", Args: []dag.Access{dag.At("x", 0)}}),
		}, "outputs cannot be consumed"},
	}
	for _, tt := range tests {
		b := dag.NewBuilder(dagtest.Target)
		for _, f := range tt.funcs {
			b.Add(f)
		}
		_, err := b.Build()
		if err == nil {
			t.Errorf("%s: Build succeeded, want error", tt.name)
			continue
		}
		if !sched.IsConfigError(err) {
			t.Errorf("%s: error %v is not a ConfigError", tt.name, err)
		}
		if !strings.Contains(err.Error(), tt.want) {
			t.Errorf("%s: error %q does not mention %q", tt.name, err, tt.want)
		}
	}
}

func TestParseType(t *testing.T) {
	tests := []struct {
		in   string
		want dag.Type
	}{
		{"float32", dag.Float32},
		{"Float", dag.Float32},
		{"double", dag.Float64},
		{"uint8", dag.UInt8},
		{"int16", dag.UInt16},
		{"i32", dag.Int32},
		{"bool", dag.Bool},
	}
	for _, tt := range tests {
		got, err := dag.ParseType(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("ParseType(%q) = %v, %v, want %v", tt.in, got, err, tt.want)
		}
	}
	for _, bad := range []string{"", "int7", "complex64"} {
		if _, err := dag.ParseType(bad); err == nil {
			t.Errorf("ParseType(%q) succeeded, want error", bad)
		}
	}
}

func TestDump(t *testing.T) {
	var sb strings.Builder
	dagtest.Blur(dagtest.Target, 64, 64).Dump(&sb)
	for _, want := range []string{"Node: blur_y", "Edge: in -> blur_x (3 calls)", "ImageCall"} {
		if !strings.Contains(sb.String(), want) {
			t.Errorf("Dump output lacks %q", want)
		}
	}
}
