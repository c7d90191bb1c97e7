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

//go:build amd64

package sched

import (
	"unsafe"

	"golang.org/x/sys/cpu"
)

func detectHost() Target {
	var t Target
	switch {
	case cpu.X86.HasAVX512F && cpu.X86.HasAVX512BW:
		t = targetTable["x86-64-avx512"]
	case cpu.X86.HasAVX2 && cpu.X86.HasFMA:
		t = targetTable["x86-64-avx2"]
	default:
		t = targetTable["x86-64-sse2"]
	}
	t.Name = "host:" + t.Name
	t.CacheLineSize = int(unsafe.Sizeof(cpu.CacheLinePad{}))
	return t
}
