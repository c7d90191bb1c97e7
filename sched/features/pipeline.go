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
	"fmt"
	"io"
	"strings"
	"unsafe"
)

// PipelineVersion is bumped whenever the Pipeline layout changes.
const PipelineVersion = 3

// OpType categorizes the operations counted in a stage's definition.
type OpType int

const (
	OpConst OpType = iota
	OpCast
	OpVariable
	OpParam
	OpAdd
	OpSub
	OpMod
	OpMul
	OpDiv
	OpMin
	OpMax
	OpEQ
	OpNE
	OpLT
	OpLE
	OpAnd
	OpOr
	OpNot
	OpSelect
	// OpImageCall is a load from an input buffer.
	OpImageCall
	// OpFuncCall is a load from another stage.
	OpFuncCall
	// OpSelfCall is a load a func makes from itself in an update.
	OpSelfCall
	// OpExternCall is a math intrinsic or other opaque call.
	OpExternCall
	OpLet
	NumOpTypes
)

var opTypeNames = [NumOpTypes]string{
	"Constant", "Cast", "Variable", "Param", "Add", "Sub", "Mod", "Mul", "Div",
	"Min", "Max", "EQ", "NE", "LT", "LE", "And", "Or", "Not", "Select",
	"ImageCall", "FuncCall", "SelfCall", "ExternCall", "Let",
}

// String returns a human-readable name for the op type.
func (o OpType) String() string {
	if o < 0 || o >= NumOpTypes {
		return "Unknown"
	}
	return opTypeNames[o]
}

// ParseOpType is the inverse of OpType.String, case-insensitive.
func ParseOpType(s string) (OpType, bool) {
	for i, n := range opTypeNames {
		if strings.EqualFold(n, s) {
			return OpType(i), true
		}
	}
	return 0, false
}

// ScalarType buckets element types by width. Signed and unsigned integers
// share a bucket.
type ScalarType int

const (
	ScalarBool ScalarType = iota
	ScalarUInt8
	ScalarUInt16
	ScalarUInt32
	ScalarUInt64
	ScalarFloat
	ScalarDouble
	NumScalarTypes
)

var scalarTypeNames = [NumScalarTypes]string{"Bool", "UInt8", "UInt16", "UInt32", "UInt64", "Float", "Double"}

func (s ScalarType) String() string {
	if s < 0 || s >= NumScalarTypes {
		return "Unknown"
	}
	return scalarTypeNames[s]
}

// ScalarTypeFor returns the bucket for an element of the given width.
func ScalarTypeFor(bits int, isFloat bool) ScalarType {
	switch {
	case bits == 1:
		return ScalarBool
	case isFloat && bits > 32:
		return ScalarDouble
	case isFloat:
		return ScalarFloat
	case bits <= 8:
		return ScalarUInt8
	case bits <= 16:
		return ScalarUInt16
	case bits <= 32:
		return ScalarUInt32
	default:
		return ScalarUInt64
	}
}

// AccessType distinguishes the memory access columns.
type AccessType int

const (
	AccessLoadFunc AccessType = iota
	AccessLoadSelf
	AccessLoadImage
	AccessStore
	NumAccessTypes
)

// Pipeline holds the algorithm-specific features of one stage. They do not
// depend on the schedule.
type Pipeline struct {
	// TypesInUse is not fed to cost models; it only trims dumps.
	TypesInUse [NumScalarTypes]int32

	OpHistogram [NumOpTypes][NumScalarTypes]int32

	// Classification of each call's Jacobian with respect to the stage's
	// loop variables, e.g. for a func over x, y:
	//	pointwise  f(x-2, y+8)
	//	transpose  f(y, x)
	//	broadcast  f(x) read from a 2-D stage
	//	slice      f(y, x, 4)
	PointwiseAccesses [NumAccessTypes][NumScalarTypes]int32
	TransposeAccesses [NumAccessTypes][NumScalarTypes]int32
	BroadcastAccesses [NumAccessTypes][NumScalarTypes]int32
	SliceAccesses     [NumAccessTypes][NumScalarTypes]int32
}

// NumPipeline is the number of int32 values in a Pipeline.
const NumPipeline = int(unsafe.Sizeof(Pipeline{}) / unsafe.Sizeof(int32(0)))

// NumPipelineModelInputs is the number of values fed to cost models: every
// field except TypesInUse.
const NumPipelineModelInputs = NumPipeline - int(NumScalarTypes)

// Slice views the features as an array in record order. The returned
// slice aliases p.
func (p *Pipeline) Slice() []int32 {
	return unsafe.Slice((*int32)(unsafe.Pointer(p)), NumPipeline)
}

// ModelInputs returns the values fed to cost models, laid out as
// [row][scalar type] where rows are the op histogram followed by the four
// access matrices.
func (p *Pipeline) ModelInputs() []int32 {
	return p.Slice()[NumScalarTypes:]
}

// AddOp counts one operation of type op on elements of type t.
func (p *Pipeline) AddOp(op OpType, t ScalarType, n int32) {
	p.OpHistogram[op][t] += n
	p.TypesInUse[t] = 1
}

// Dump writes the non-empty parts of the histogram.
func (p *Pipeline) Dump(w io.Writer, indent string) {
	for t := ScalarType(0); t < NumScalarTypes; t++ {
		if p.TypesInUse[t] == 0 {
			continue
		}
		fmt.Fprintf(w, "%sFeaturization for type %s\n", indent, t)
		fmt.Fprintf(w, "%s Op histogram:\n", indent)
		for op := OpType(0); op < NumOpTypes; op++ {
			if n := p.OpHistogram[op][t]; n != 0 {
				fmt.Fprintf(w, "%s  %-11s %d\n", indent, op.String()+":", n)
			}
		}
		fmt.Fprintf(w, "%s Memory access patterns (func, self, image, store):\n", indent)
		rows := []struct {
			name string
			m    *[NumAccessTypes][NumScalarTypes]int32
		}{
			{"Pointwise", &p.PointwiseAccesses},
			{"Transpose", &p.TransposeAccesses},
			{"Broadcast", &p.BroadcastAccesses},
			{"Slice", &p.SliceAccesses},
		}
		for _, r := range rows {
			fmt.Fprintf(w, "%s  %-11s %d %d %d %d\n", indent, r.name+":",
				r.m[AccessLoadFunc][t], r.m[AccessLoadSelf][t], r.m[AccessLoadImage][t], r.m[AccessStore][t])
		}
	}
}
