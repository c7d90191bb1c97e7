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
	"math"
)

// Span is a closed integer interval [Min, Max]. ConstantExtent records
// whether the extent is known not to vary across iterations of the
// enclosing loops.
type Span struct {
	Min, Max       int64
	ConstantExtent bool
}

// EmptySpan returns the identity element for UnionWith.
func EmptySpan() Span {
	return Span{Min: math.MaxInt64, Max: math.MinInt64, ConstantExtent: true}
}

// Extent is the number of points in the span.
func (s Span) Extent() int64 {
	return s.Max - s.Min + 1
}

// IsEmpty reports whether the span contains no points.
func (s Span) IsEmpty() bool {
	return s.Max < s.Min
}

// Contains reports whether o lies entirely within s.
func (s Span) Contains(o Span) bool {
	return o.Min >= s.Min && o.Max <= s.Max
}

// UnionWith grows s to cover o.
func (s *Span) UnionWith(o Span) {
	s.Min = min(s.Min, o.Min)
	s.Max = max(s.Max, o.Max)
	s.ConstantExtent = s.ConstantExtent && o.ConstantExtent
}

// SetExtent keeps Min and moves Max so the span has extent e.
func (s *Span) SetExtent(e int64) {
	s.Max = s.Min + e - 1
}

// Translate shifts the span by x.
func (s *Span) Translate(x int64) {
	s.Min += x
	s.Max += x
}

func (s Span) String() string {
	c := ""
	if !s.ConstantExtent {
		c = "~"
	}
	return fmt.Sprintf("[%d, %d]%s", s.Min, s.Max, c)
}
