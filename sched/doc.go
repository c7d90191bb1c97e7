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

// Package sched holds the configuration shared by every stage of the
// autoscheduler: the flat set of named tunables (Params), the machine
// description the search is tuned for (Target), and the error taxonomy.
//
// The scheduler itself is split across subpackages:
//
//	sched/dag          stage graph: funcs, stages, edges, footprints
//	sched/loopnest     immutable loop nest trees and feature extraction
//	sched/features     fixed-size feature records
//	sched/costmodel    pluggable cost models
//	sched/search       search space generation and the beam search driver
//	sched/apply        schedule directives and schedule source
//	sched/autoschedule one call that runs all of the above
//
// Typical use:
//
//	p := sched.DefaultParams()
//	if err := p.Set("beam_size=32,num_passes=5"); err != nil { ... }
//	res, err := autoschedule.Generate(ctx, graph, p)
package sched
