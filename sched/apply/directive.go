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

// Package apply turns a finished loop nest into scheduling directives for
// each stage, and renders them as schedule source.
//
// The directives are the ones a Halide-style scheduling API understands:
// split with a tail strategy, reorder, vectorize, unroll, parallel, the
// compute and store placements, and storage reordering.
package apply

import (
	"fmt"
	"strings"
)

// TailStrategy says what a split does when the factor does not divide
// the extent.
type TailStrategy int

const (
	TailAuto TailStrategy = iota

	// TailRoundUp rounds the extent up to a multiple of the factor.
	// It may compute points outside the region, so it is only legal for
	// pure stages that read no input and are not outputs.
	TailRoundUp

	// TailShiftInwards shifts the last tile back so it ends at the
	// extent, recomputing some points.
	TailShiftInwards

	// TailGuardWithIf skips the points past the extent.
	TailGuardWithIf
)

var tailNames = [...]string{"Auto", "RoundUp", "ShiftInwards", "GuardWithIf"}

func (t TailStrategy) String() string {
	if t < 0 || int(t) >= len(tailNames) {
		return fmt.Sprintf("TailStrategy(%d)", int(t))
	}
	return tailNames[t]
}

// Kind is the type of a Directive.
type Kind int

const (
	Split Kind = iota
	Reorder
	Vectorize
	Unroll
	Parallel
	ComputeRoot
	ComputeAt
	StoreAt
	StoreInStack
	ReorderStorage
)

var kindNames = [...]string{
	"split", "reorder", "vectorize", "unroll", "parallel",
	"compute_root", "compute_at", "store_at", "store_in", "reorder_storage",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// LoopLevel names a loop of a func. The zero value is the root.
type LoopLevel struct {
	Func string
	Var  string
}

// Root is the level outside every loop.
var Root = LoopLevel{}

// outermostVar is the name of the implicit loop around all of a func's
// loops.
const outermostVar = "__outermost"

func (l LoopLevel) IsRoot() bool {
	return l.Func == ""
}

func (l LoopLevel) String() string {
	if l.IsRoot() {
		return "root"
	}
	return l.Func + "." + l.Var
}

// Directive is one scheduling call on a stage.
type Directive struct {
	Kind Kind

	// Vars are the loop variables the directive names. For Split they are
	// the old var, the outer and the inner var. For Reorder they are
	// innermost first, for ReorderStorage they are the storage dimensions
	// innermost first.
	Vars []string

	Factor int64
	Tail   TailStrategy

	// At is the placement of ComputeAt and StoreAt.
	At LoopLevel
}

// String renders d in the syntax of the schedule source, including the
// leading dot.
func (d Directive) String() string {
	switch d.Kind {
	case Split:
		return fmt.Sprintf(".split(%s, %s, %s, %d, TailStrategy::%s)", d.Vars[0], d.Vars[1], d.Vars[2], d.Factor, d.Tail)
	case ComputeRoot:
		return ".compute_root()"
	case ComputeAt, StoreAt:
		verb := "compute"
		if d.Kind == StoreAt {
			verb = "store"
		}
		if d.At.IsRoot() {
			return "." + verb + "_root()"
		}
		return fmt.Sprintf(".%s_at(%s, %s)", verb, d.At.Func, d.At.Var)
	case StoreInStack:
		return ".store_in(MemoryType::Stack)"
	default:
		return fmt.Sprintf(".%s(%s)", d.Kind, strings.Join(d.Vars, ", "))
	}
}
