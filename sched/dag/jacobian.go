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

package dag

import (
	"fmt"
	"io"

	"github.com/ajroetker/go-autoschedule/sched"
)

// Rational is a fraction that may be unknown. Unknown values arise from
// non-affine accesses and poison every sum they take part in.
type Rational struct {
	Exists      bool
	Numerator   int64
	Denominator int64
}

// Known returns the rational n/d.
func Known(n, d int64) Rational {
	return Rational{Exists: true, Numerator: n, Denominator: d}
}

// Unknown returns a rational that does not exist.
func Unknown() Rational {
	return Rational{}
}

func gcd(a, b int64) int64 {
	if a < 0 {
		a = -a
	}
	if b < 0 {
		b = -b
	}
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// Add returns r+o.
func (r Rational) Add(o Rational) Rational {
	if !r.Exists || !o.Exists {
		return Unknown()
	}
	if r.Denominator == o.Denominator {
		r.Numerator += o.Numerator
		return r
	}
	l := r.Denominator / gcd(r.Denominator, o.Denominator) * o.Denominator
	n := r.Numerator*(l/r.Denominator) + o.Numerator*(l/o.Denominator)
	g := gcd(n, l)
	if g == 0 {
		g = 1
	}
	return Known(n/g, l/g)
}

// Mul returns r*o. Multiplying by a known zero gives zero even when the
// other operand is unknown.
func (r Rational) Mul(o Rational) Rational {
	if r.EqualsInt(0) {
		return r
	}
	if o.EqualsInt(0) {
		return o
	}
	return Rational{
		Exists:      r.Exists && o.Exists,
		Numerator:   r.Numerator * o.Numerator,
		Denominator: r.Denominator * o.Denominator,
	}
}

// EqualsInt reports whether r is known and equal to x.
func (r Rational) EqualsInt(x int64) bool {
	return r.Exists && r.Numerator == x*r.Denominator
}

// Less reports whether r is known and less than x.
func (r Rational) Less(x int64) bool {
	if !r.Exists {
		return false
	}
	if r.Denominator > 0 {
		return r.Numerator < x*r.Denominator
	}
	return r.Numerator > x*r.Denominator
}

// Equal compares two rationals by value.
func (r Rational) Equal(o Rational) bool {
	return r.Exists == o.Exists && r.Numerator*o.Denominator == r.Denominator*o.Numerator
}

func (r Rational) String() string {
	switch {
	case !r.Exists:
		return "_"
	case r.Denominator == 1:
		return fmt.Sprint(r.Numerator)
	default:
		return fmt.Sprintf("%d/%d", r.Numerator, r.Denominator)
	}
}

// LoadJacobian is the derivative of the coordinates a consumer loads from
// a producer with respect to the consumer's loop variables, one row per
// producer storage dimension. Count records how many identical loads it
// stands for.
type LoadJacobian struct {
	coeffs [][]Rational
	count  int64
}

// NewLoadJacobian wraps a [producer dim][consumer loop] matrix.
func NewLoadJacobian(matrix [][]Rational, count int64) LoadJacobian {
	return LoadJacobian{coeffs: matrix, count: count}
}

// ProducerStorageDims is the number of rows.
func (j LoadJacobian) ProducerStorageDims() int {
	return len(j.coeffs)
}

// ConsumerLoopDims is the number of columns. A scalar producer has no rows,
// so the column count is unknown and reported as zero.
func (j LoadJacobian) ConsumerLoopDims() int {
	if len(j.coeffs) == 0 {
		return 0
	}
	return len(j.coeffs[0])
}

// At returns d(producer coordinate)/d(consumer loop). Scalar producers have
// zero stride everywhere.
func (j LoadJacobian) At(producerDim, consumerLoop int) Rational {
	if len(j.coeffs) == 0 {
		return Known(0, 1)
	}
	return j.coeffs[producerDim][consumerLoop]
}

// Count is the number of loads this Jacobian stands for.
func (j LoadJacobian) Count() int64 {
	return j.count
}

// Merge folds o into j if their coefficients match.
func (j *LoadJacobian) Merge(o LoadJacobian) bool {
	if len(o.coeffs) != len(j.coeffs) {
		return false
	}
	for i := range j.coeffs {
		if len(o.coeffs[i]) != len(j.coeffs[i]) {
			return false
		}
		for k := range j.coeffs[i] {
			if !o.coeffs[i][k].Equal(j.coeffs[i][k]) {
				return false
			}
		}
	}
	j.count += o.count
	return true
}

// Compose returns the Jacobian of a load through an inlined func: j maps
// the inlined func's loops to the producer, o maps the consumer's loops to
// the inlined func.
func (j LoadJacobian) Compose(o LoadJacobian) LoadJacobian {
	sched.Assertf(j.ConsumerLoopDims() == 0 || j.ConsumerLoopDims() == o.ProducerStorageDims(),
		"jacobian shape mismatch: %d loops vs %d storage dims", j.ConsumerLoopDims(), o.ProducerStorageDims())
	matrix := make([][]Rational, j.ProducerStorageDims())
	for i := range matrix {
		matrix[i] = make([]Rational, o.ConsumerLoopDims())
		for k := range matrix[i] {
			acc := Known(0, 1)
			for m := 0; m < j.ConsumerLoopDims(); m++ {
				acc = acc.Add(j.At(i, m).Mul(o.At(m, k)))
			}
			matrix[i][k] = acc
		}
	}
	return LoadJacobian{coeffs: matrix, count: j.count * o.count}
}

// Dump writes the matrix, one row per line.
func (j LoadJacobian) Dump(w io.Writer, prefix string) {
	if j.count > 1 {
		fmt.Fprintf(w, "%s%d x\n", prefix, j.count)
	}
	for i := range j.coeffs {
		fmt.Fprintf(w, "%s  [", prefix)
		for _, c := range j.coeffs[i] {
			fmt.Fprintf(w, " %-4s", c)
		}
		fmt.Fprintln(w, "]")
	}
}
