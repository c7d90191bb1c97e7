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
	"runtime"
	"sort"
	"strings"
)

// Arch selects the resource model a Target is scheduled with.
type Arch int

const (
	// ArchCPU schedules for SIMD cores sharing a cache hierarchy.
	ArchCPU Arch = iota

	// ArchGPU schedules for thread blocks with a shared-memory budget.
	ArchGPU
)

// String returns a human-readable name for the architecture.
func (a Arch) String() string {
	switch a {
	case ArchCPU:
		return "cpu"
	case ArchGPU:
		return "gpu"
	default:
		return "unknown"
	}
}

// Target describes the machine a schedule is searched for.
type Target struct {
	Name string
	Arch Arch

	// VectorBytes is the SIMD register width in bytes (CPU only).
	VectorBytes int

	// WarpSize is the number of lanes that execute in lockstep (GPU only).
	WarpSize int

	// Registers is the number of vector registers (CPU) or the per-thread
	// register budget (GPU) available to unrolled innermost loops.
	Registers int

	CacheLineSize      int
	LastLevelCacheSize int64

	// SharedMemoryLimit is the per-block shared memory in bytes (GPU only).
	SharedMemoryLimit int64
}

// NaturalVectorSize returns the number of lanes of an element of the given
// width that fit in one vector. For GPUs it is the warp size.
func (t Target) NaturalVectorSize(bytesPerElement int) int {
	if t.Arch == ArchGPU {
		return max(1, t.WarpSize)
	}
	if bytesPerElement <= 0 {
		return 1
	}
	return max(1, t.VectorBytes/bytesPerElement)
}

// UnrollLimit is the largest innermost pure loop extent that is treated as
// fully unrolled.
func (t Target) UnrollLimit() int {
	if t.Arch == ArchGPU {
		return 16
	}
	if t.Registers <= 0 {
		return 12
	}
	return t.Registers * 3 / 4
}

// targetTable maps target names to their descriptions. "host" is filled in
// by the per-architecture detection code.
var targetTable = map[string]Target{
	"x86-64-sse2": {
		Name: "x86-64-sse2", Arch: ArchCPU, VectorBytes: 16, Registers: 16,
		CacheLineSize: 64, LastLevelCacheSize: 16 << 20,
	},
	"x86-64-avx2": {
		Name: "x86-64-avx2", Arch: ArchCPU, VectorBytes: 32, Registers: 16,
		CacheLineSize: 64, LastLevelCacheSize: 16 << 20,
	},
	"x86-64-avx512": {
		Name: "x86-64-avx512", Arch: ArchCPU, VectorBytes: 64, Registers: 32,
		CacheLineSize: 64, LastLevelCacheSize: 32 << 20,
	},
	"arm64-neon": {
		Name: "arm64-neon", Arch: ArchCPU, VectorBytes: 16, Registers: 32,
		CacheLineSize: 64, LastLevelCacheSize: 8 << 20,
	},
	"cuda": {
		Name: "cuda", Arch: ArchGPU, WarpSize: 32, Registers: 64,
		CacheLineSize: 128, LastLevelCacheSize: 4 << 20, SharedMemoryLimit: 48 << 10,
	},
}

// AvailableTargets returns the names accepted by LookupTarget.
func AvailableTargets() []string {
	names := []string{"host"}
	for name := range targetTable {
		names = append(names, name)
	}
	sort.Strings(names[1:])
	return names
}

// LookupTarget returns the named target. "host" (or "") detects the
// running machine.
func LookupTarget(name string) (Target, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" || name == "host" {
		return HostTarget(), nil
	}
	t, ok := targetTable[name]
	if !ok {
		return Target{}, ConfigErrorf("target", "unknown target %q (available: %s)",
			name, strings.Join(AvailableTargets(), ", "))
	}
	return t, nil
}

// HostTarget describes the machine this process runs on.
func HostTarget() Target {
	return detectHost()
}

// HostCores returns the parallelism used when none is configured.
func HostCores() int {
	return runtime.GOMAXPROCS(0)
}
