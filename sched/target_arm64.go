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

//go:build arm64

package sched

import (
	"unsafe"

	"golang.org/x/sys/cpu"
)

func detectHost() Target {
	t := targetTable["arm64-neon"]
	t.Name = "host:" + t.Name
	// ARMv8 always has ASIMD. SVE widths are implementation defined, so we
	// keep scheduling for 128-bit vectors.
	if !cpu.ARM64.HasASIMD {
		t.VectorBytes = 8
	}
	t.CacheLineSize = int(unsafe.Sizeof(cpu.CacheLinePad{}))
	return t
}
