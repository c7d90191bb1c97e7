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

package features

import (
	"bytes"
	"strings"
	"testing"
)

func TestScheduleLayout(t *testing.T) {
	if NumSchedule != 39 {
		t.Fatalf("NumSchedule = %d, want 39", NumSchedule)
	}
	seen := map[string]bool{}
	for _, n := range ScheduleNames {
		if n == "" || seen[n] {
			t.Errorf("bad or duplicate feature name %q", n)
		}
		seen[n] = true
	}

	var s Schedule
	s.PointsComputedTotal = 100
	s.WorkingSetAtRoot = 7
	v := s.Slice()
	if v[4] != 100 || v[NumSchedule-1] != 7 {
		t.Errorf("Slice() = %v, want points_computed_total at 4 and working_set_at_root last", v)
	}
	v[0] = 3
	if s.NumRealizations != 3 {
		t.Errorf("Slice() does not alias the struct")
	}

	var buf bytes.Buffer
	s.Dump(&buf, "  ")
	if got := strings.Count(buf.String(), "\n"); got != NumSchedule {
		t.Errorf("Dump wrote %d lines, want %d", got, NumSchedule)
	}
}

func TestPipelineLayout(t *testing.T) {
	want := int(NumScalarTypes) + int(NumOpTypes)*int(NumScalarTypes) + 4*int(NumAccessTypes)*int(NumScalarTypes)
	if NumPipeline != want {
		t.Errorf("NumPipeline = %d, want %d", NumPipeline, want)
	}
	var p Pipeline
	p.AddOp(OpMul, ScalarFloat, 2)
	p.PointwiseAccesses[AccessLoadFunc][ScalarFloat] = 1
	in := p.ModelInputs()
	if len(in) != NumPipelineModelInputs {
		t.Fatalf("len(ModelInputs()) = %d, want %d", len(in), NumPipelineModelInputs)
	}
	if got := in[int(OpMul)*int(NumScalarTypes)+int(ScalarFloat)]; got != 2 {
		t.Errorf("ModelInputs()[mul,float] = %d, want 2", got)
	}
	var buf bytes.Buffer
	p.Dump(&buf, "")
	if !strings.Contains(buf.String(), "Mul:") || !strings.Contains(buf.String(), "type Float") {
		t.Errorf("Dump() = %q", buf.String())
	}
	if strings.Contains(buf.String(), "Double") {
		t.Errorf("Dump() printed an unused type: %q", buf.String())
	}
}

func TestOpTypeNames(t *testing.T) {
	for op := OpType(0); op < NumOpTypes; op++ {
		got, ok := ParseOpType(strings.ToLower(op.String()))
		if !ok || got != op {
			t.Errorf("ParseOpType(%q) = %v, %v, want %v", op.String(), got, ok, op)
		}
	}
	if _, ok := ParseOpType("Frobnicate"); ok {
		t.Errorf("ParseOpType(Frobnicate) succeeded")
	}
}

func TestScalarTypeFor(t *testing.T) {
	tests := []struct {
		bits    int
		isFloat bool
		want    ScalarType
	}{
		{1, false, ScalarBool},
		{8, false, ScalarUInt8},
		{16, false, ScalarUInt16},
		{16, true, ScalarFloat},
		{32, false, ScalarUInt32},
		{32, true, ScalarFloat},
		{64, false, ScalarUInt64},
		{64, true, ScalarDouble},
	}
	for _, tt := range tests {
		if got := ScalarTypeFor(tt.bits, tt.isFloat); got != tt.want {
			t.Errorf("ScalarTypeFor(%d, %v) = %v, want %v", tt.bits, tt.isFloat, got, tt.want)
		}
	}
}
