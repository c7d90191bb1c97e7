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

// Package features defines the fixed-size numeric records that describe a
// stage to a cost model: Schedule features, which depend on the loop nest a
// stage is placed in, and Pipeline features, which depend only on the
// algorithm.
package features

import (
	"fmt"
	"io"
	"unsafe"
)

// NumSchedule is the number of schedule features.
const NumSchedule = int(unsafe.Sizeof(Schedule{}) / unsafe.Sizeof(float64(0)))

// Schedule holds the features of one stage under one candidate loop nest.
// All fields are float64 and the field order is the record order: Slice and
// the featurization dump depend on it.
type Schedule struct {
	// Number of times storage for this stage is allocated.
	NumRealizations float64
	// Number of times a tile of this stage is computed.
	NumProductions float64

	PointsComputedPerRealization float64
	PointsComputedPerProduction  float64
	PointsComputedTotal          float64
	// Points computed if every consumer inlined this stage or it was
	// computed once at root, whichever is smaller.
	PointsComputedMinimum float64

	InnermostLoopExtent     float64
	InnermostPureLoopExtent float64
	// Extent of the innermost pure loop if it is small and constant enough
	// to be unrolled, else 1.
	UnrolledLoopExtent float64

	InnerParallelism float64
	OuterParallelism float64

	BytesAtRealization float64
	BytesAtProduction  float64
	BytesAtRoot        float64

	InnermostBytesAtRealization float64
	InnermostBytesAtProduction  float64
	InnermostBytesAtRoot        float64

	// Number of calls made to this stage if it is inlined.
	InlinedCalls float64

	UniqueBytesReadPerRealization     float64
	UniqueLinesReadPerRealization     float64
	AllocationBytesReadPerRealization float64

	WorkingSet float64

	VectorSize       float64
	NativeVectorSize float64
	NumVectors       float64
	NumScalars       float64

	ScalarLoadsPerVector float64
	VectorLoadsPerVector float64
	ScalarLoadsPerScalar float64

	BytesAtTask          float64
	InnermostBytesAtTask float64

	UniqueBytesReadPerVector float64
	UniqueLinesReadPerVector float64
	UniqueBytesReadPerTask   float64
	UniqueLinesReadPerTask   float64

	WorkingSetAtTask        float64
	WorkingSetAtProduction  float64
	WorkingSetAtRealization float64
	WorkingSetAtRoot        float64
}

// ScheduleNames lists the features in record order.
var ScheduleNames = [NumSchedule]string{
	"num_realizations",
	"num_productions",
	"points_computed_per_realization",
	"points_computed_per_production",
	"points_computed_total",
	"points_computed_minimum",
	"innermost_loop_extent",
	"innermost_pure_loop_extent",
	"unrolled_loop_extent",
	"inner_parallelism",
	"outer_parallelism",
	"bytes_at_realization",
	"bytes_at_production",
	"bytes_at_root",
	"innermost_bytes_at_realization",
	"innermost_bytes_at_production",
	"innermost_bytes_at_root",
	"inlined_calls",
	"unique_bytes_read_per_realization",
	"unique_lines_read_per_realization",
	"allocation_bytes_read_per_realization",
	"working_set",
	"vector_size",
	"native_vector_size",
	"num_vectors",
	"num_scalars",
	"scalar_loads_per_vector",
	"vector_loads_per_vector",
	"scalar_loads_per_scalar",
	"bytes_at_task",
	"innermost_bytes_at_task",
	"unique_bytes_read_per_vector",
	"unique_lines_read_per_vector",
	"unique_bytes_read_per_task",
	"unique_lines_read_per_task",
	"working_set_at_task",
	"working_set_at_production",
	"working_set_at_realization",
	"working_set_at_root",
}

// Slice views the features as an array in record order. The returned
// slice aliases s.
func (s *Schedule) Slice() []float64 {
	return unsafe.Slice((*float64)(unsafe.Pointer(s)), NumSchedule)
}

// Dump writes one "name: value" line per feature.
func (s *Schedule) Dump(w io.Writer, indent string) {
	for i, v := range s.Slice() {
		fmt.Fprintf(w, "%s%-38s %.6g\n", indent, ScheduleNames[i]+":", v)
	}
}
