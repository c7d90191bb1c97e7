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

package apply

import (
	"fmt"
	"slices"
	"strings"

	"github.com/samber/lo"

	"github.com/ajroetker/go-autoschedule/sched/dag"
)

// Source renders the schedule as source code: handles for every func,
// declarations of the loop variables, then one chain of directives per
// stage. The output is deterministic.
func (s *Schedule) Source() string {
	var sb strings.Builder

	// Handles are numbered in realization order.
	i := len(s.dag.Nodes) - 1
	for _, n := range s.dag.Nodes {
		if !n.IsInput {
			fmt.Fprintf(&sb, "Func %s = get_pipeline().get_func(%d);\n", n.Name, i)
		}
		i--
	}

	vars, rvars := map[string]struct{}{}, map[string]struct{}{}
	for _, ss := range s.Stages {
		for _, v := range ss.Vars {
			if !v.Exists {
				continue
			}
			if v.RVar {
				rvars[v.Name] = struct{}{}
			} else {
				vars[v.Name] = struct{}{}
			}
		}
	}
	declare(&sb, "Var", vars)
	declare(&sb, "RVar", rvars)

	for _, ss := range s.Stages {
		sb.WriteString(ss.Stage.Name)
		for _, d := range ss.Directives {
			sb.WriteString("\n    ")
			sb.WriteString(d.String())
		}
		sb.WriteString(";\n")
	}
	return sb.String()
}

func declare(sb *strings.Builder, kind string, names map[string]struct{}) {
	if len(names) == 0 {
		return
	}
	sorted := lo.Keys(names)
	slices.Sort(sorted)
	decls := lo.Map(sorted, func(v string, _ int) string { return fmt.Sprintf("%s(%q)", v, v) })
	fmt.Fprintf(sb, "%s %s;\n", kind, strings.Join(decls, ", "))
}

// SplitCoverage returns the range of the inner loop, inclusive, for each
// iteration of the outer loop when a loop over [0, extent) is split by
// factor with the given tail strategy.
//
// GuardWithIf covers every point exactly once. RoundUp covers every point
// once and may run past extent. ShiftInwards covers every point and
// recomputes fewer than factor points in the last tile; it behaves like
// GuardWithIf when factor exceeds extent.
func SplitCoverage(extent, factor int64, tail TailStrategy) []dag.Span {
	if extent <= 0 || factor <= 0 {
		return nil
	}
	if tail == TailShiftInwards && factor > extent {
		tail = TailGuardWithIf
	}
	outer := ceilDiv(extent, factor)
	spans := make([]dag.Span, 0, outer)
	for o := range outer {
		start := o * factor
		end := start + factor - 1
		switch tail {
		case TailShiftInwards:
			if end >= extent {
				start, end = extent-factor, extent-1
			}
		case TailGuardWithIf, TailAuto:
			end = min(end, extent-1)
		}
		spans = append(spans, dag.Span{Min: start, Max: end, ConstantExtent: tail == TailRoundUp || tail == TailShiftInwards})
	}
	return spans
}
