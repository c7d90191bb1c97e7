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

package costmodel

import (
	"math"

	"github.com/ajroetker/go-autoschedule/sched/features"
)

// NumCoefficients is the length of the per-stage coefficient vector.
const NumCoefficients = 28

// Coefficients weight the terms of the cost formula for one stage. Index 4
// is unused.
type Coefficients [NumCoefficients]float64

// Indices into Coefficients.
const (
	CoeffComputeVector = iota
	CoeffComputeScalar
	CoeffInlinedVector
	CoeffInlinedScalar
	_
	CoeffLinesPerRealization
	CoeffBytesPerRealization
	CoeffVectorLoads
	CoeffScalarLoadsPerScalar
	CoeffScalarLoadsPerVector
	CoeffScalarBytesPerVector
	CoeffVectorBytesPerVector
	CoeffScalarLinesPerVector
	CoeffVectorLinesPerVector
	CoeffBytesPerTask
	CoeffLinesPerTask
	CoeffLinesWrittenParallel
	CoeffLinesWrittenOutput
	CoeffLinesWrittenOther
	CoeffBytesWrittenParallel
	CoeffBytesWrittenOutput
	CoeffBytesWrittenOther
	CoeffFalseSharing
	CoeffPageFaults
	CoeffMalloc
	CoeffParallelLaunch
	CoeffParallelTask
	CoeffWorkingSet
)

// secondsPerUnit scales the formula's abstract units to seconds.
const secondsPerUnit = 1e-9

// StageCost evaluates the cost formula for one stage in seconds. index is
// the stage's position in slot order; index 0 is the last stage of the
// first output. cores is the machine's parallelism.
func StageCost(f *features.Schedule, c *Coefficients, index, cores int) float64 {
	var compute float64
	if f.InlinedCalls == 0 {
		compute = f.VectorSize*f.NumVectors*c[CoeffComputeVector] + f.NumScalars*c[CoeffComputeScalar]
	} else {
		compute = f.VectorSize*f.NumVectors*c[CoeffInlinedVector] + f.NumScalars*c[CoeffInlinedScalar]
	}

	numTasks := max(1, f.InnerParallelism*f.OuterParallelism)
	tasksPerCore := numTasks / float64(max(1, cores))
	idleCoreWastage := math.Ceil(tasksPerCore) / max(1, tasksPerCore)
	compute *= idleCoreWastage

	load := f.NumRealizations*f.UniqueLinesReadPerRealization*c[CoeffLinesPerRealization] +
		f.NumRealizations*f.UniqueBytesReadPerRealization*c[CoeffBytesPerRealization] +
		f.NumVectors*f.VectorLoadsPerVector*c[CoeffVectorLoads] +
		f.NumScalars*f.ScalarLoadsPerScalar*c[CoeffScalarLoadsPerScalar] +
		f.NumVectors*f.ScalarLoadsPerVector*c[CoeffScalarLoadsPerVector] +
		f.NumScalars*f.UniqueBytesReadPerVector*c[CoeffScalarBytesPerVector] +
		f.NumVectors*f.UniqueBytesReadPerVector*c[CoeffVectorBytesPerVector] +
		f.NumScalars*f.UniqueLinesReadPerVector*c[CoeffScalarLinesPerVector] +
		f.NumVectors*f.UniqueLinesReadPerVector*c[CoeffVectorLinesPerVector] +
		numTasks*f.UniqueBytesReadPerTask*c[CoeffBytesPerTask] +
		numTasks*f.UniqueLinesReadPerTask*c[CoeffLinesPerTask]

	// Cache misses on the lines this stage writes. Values produced inside
	// a parallel loop are mostly consumed on another core.
	linesWritten := f.InnerParallelism * (f.BytesAtTask / max(1, f.InnermostBytesAtTask))
	var alpha, beta float64
	switch {
	case f.InnerParallelism > 1:
		alpha, beta = c[CoeffLinesWrittenParallel], c[CoeffBytesWrittenParallel]
	case index == 0:
		alpha, beta = c[CoeffLinesWrittenOutput], c[CoeffBytesWrittenOutput]
	default:
		alpha, beta = c[CoeffLinesWrittenOther], c[CoeffBytesWrittenOther]
	}
	store := f.NumRealizations * (linesWritten*alpha + f.BytesAtRealization*beta)

	// False sharing of cache lines is inversely proportional to the
	// innermost extent written per task.
	if f.InnerParallelism > 1 {
		store += c[CoeffFalseSharing] * (f.NumVectors + f.NumScalars) / max(1, f.InnermostBytesAtTask)
	}

	// Page faults are serviced serially, once per thread that can hit the
	// same page.
	maxThreadsPerPage := min(f.InnerParallelism, 4096/max(1, f.InnermostBytesAtTask))
	store += f.BytesAtProduction * maxThreadsPerPage * f.InnerParallelism * f.OuterParallelism * c[CoeffPageFaults]

	malloc := c[CoeffMalloc] * f.NumRealizations

	var launches float64
	if f.InnerParallelism > 1 {
		launches = f.NumProductions * c[CoeffParallelLaunch]
	}
	tasks := f.NumProductions * (f.InnerParallelism - 1) * c[CoeffParallelTask]

	workingSet := f.WorkingSet * c[CoeffWorkingSet]

	// Stores are weighted twice.
	cost := compute + store + load + store + malloc + launches + tasks + workingSet
	return cost * secondsPerUnit
}
