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

package sched

import (
	"math"
	"testing"
)

func TestNaturalVectorSize(t *testing.T) {
	avx2, err := LookupTarget("x86-64-avx2")
	if err != nil {
		t.Fatal(err)
	}
	cuda, err := LookupTarget("CUDA")
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		target Target
		bytes  int
		want   int
	}{
		{avx2, 4, 8},
		{avx2, 8, 4},
		{avx2, 1, 32},
		{avx2, 0, 1},
		{cuda, 4, 32},
		{cuda, 1, 32},
	}
	for _, tt := range tests {
		if got := tt.target.NaturalVectorSize(tt.bytes); got != tt.want {
			t.Errorf("%s.NaturalVectorSize(%d) = %d, want %d", tt.target.Name, tt.bytes, got, tt.want)
		}
	}
	if got := avx2.UnrollLimit(); got != 12 {
		t.Errorf("avx2.UnrollLimit() = %d, want 12", got)
	}
}

func TestHostTarget(t *testing.T) {
	h := HostTarget()
	if h.Arch != ArchCPU {
		t.Errorf("HostTarget().Arch = %v, want cpu", h.Arch)
	}
	if h.VectorBytes < 8 || h.CacheLineSize <= 0 {
		t.Errorf("HostTarget() = %+v, want a positive vector width and cache line", h)
	}
	if names := AvailableTargets(); names[0] != "host" || len(names) != len(targetTable)+1 {
		t.Errorf("AvailableTargets() = %v", names)
	}
}

func TestCheckedArithmetic(t *testing.T) {
	if got := MulInt64(-3, 7); got != -21 {
		t.Errorf("MulInt64(-3, 7) = %d, want -21", got)
	}
	if got := AddInt64(math.MaxInt64-1, 1); got != math.MaxInt64 {
		t.Errorf("AddInt64 = %d", got)
	}

	var err error
	func() {
		defer Recover(&err)
		MulInt64(math.MaxInt64/2, 3)
	}()
	if err == nil {
		t.Fatal("MulInt64 overflow did not panic")
	}
	func() {
		err = nil
		defer Recover(&err)
		AddInt64(math.MinInt64, -1)
	}()
	if err == nil {
		t.Fatal("AddInt64 overflow did not panic")
	}
}
