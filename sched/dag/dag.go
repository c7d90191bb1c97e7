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

// Package dag describes the pipeline being scheduled: funcs (Nodes), their
// pure and update definitions (Stages), and the producer-consumer Edges
// between them, annotated with footprint functions and load Jacobians.
//
// A FunctionDAG is built once per scheduling run by a Builder and is
// read-only afterwards. Every search state references it without copying.
package dag

import (
	"fmt"
	"io"
	"strings"

	"github.com/ajroetker/go-autoschedule/sched"
	"github.com/ajroetker/go-autoschedule/sched/features"
)

// BoundExpr evaluates one end of the interval of a producer dimension that
// a consumer needs, given the consumer's loop spans.
type BoundExpr struct {
	// Affine bounds are Coeff*loop[ConsumerDim].{Min or Max} + Constant.
	// A zero Coeff makes the bound constant.
	Affine      bool
	Coeff       int64
	Constant    int64
	ConsumerDim int
	UsesMax     bool

	// Eval is used for non-affine bounds. It reports false when the bound
	// cannot be determined.
	Eval func(consumerLoop []Span) (int64, bool)
}

// ConstantBound returns an affine bound that is always c.
func ConstantBound(c int64) BoundExpr {
	return BoundExpr{Affine: true, Constant: c}
}

func (b *BoundExpr) eval(consumerLoop []Span, constant *bool) (int64, bool) {
	if b.Affine {
		if b.Coeff == 0 {
			return b.Constant, true
		}
		src := consumerLoop[b.ConsumerDim]
		*constant = *constant && src.ConstantExtent
		v := src.Min
		if b.UsesMax {
			v = src.Max
		}
		return sched.AddInt64(sched.MulInt64(v, b.Coeff), b.Constant), true
	}
	*constant = false
	if b.Eval == nil {
		return 0, false
	}
	return b.Eval(consumerLoop)
}

// BoundPair is the [min, max] footprint of one producer dimension.
type BoundPair struct {
	Min, Max BoundExpr
}

// ComputedRule derives the region computed of one dimension from the
// region required.
type ComputedRule struct {
	// EqualsRequired computes exactly what is required.
	EqualsRequired bool

	// UnionWithConstants computes the union of what is required and the
	// constant interval [CMin, CMax].
	UnionWithConstants bool
	CMin, CMax         int64

	// Eval handles anything else.
	Eval func(required []Span) (Span, bool)
}

// Loop is one loop of a stage, innermost first.
type Loop struct {
	Var  string
	Pure bool
	RVar bool

	// PureDim is the func dimension a pure loop iterates over, or -1.
	PureDim int

	// Loop bounds either equal one dimension of the region computed, are
	// constant, or come from Eval.
	EqualsRegionComputed bool
	RegionComputedDim    int
	BoundsAreConstant    bool
	CMin, CMax           int64
	Eval                 func(computed []Span) (Span, bool)
}

// Node is a func: one logical array realized by one or more stages.
type Node struct {
	ID   int
	Name string
	Args []string

	ElemBits int
	IsFloat  bool

	// BytesPerPoint is the storage size of one element.
	BytesPerPoint float64

	// VectorSize is the natural vector width for the element type.
	VectorSize int

	// Estimate is the declared region of outputs and inputs.
	Estimate []Span

	RegionComputed []ComputedRule
	Stages         []*Stage
	OutgoingEdges  []*Edge

	IsInput             bool
	IsOutput            bool
	IsPointwise         bool
	IsBoundaryCondition bool
	IsWrapper           bool

	// boundSize is the number of spans in a Bound for this node.
	boundSize int
}

// Dimensions is the number of storage dimensions.
func (n *Node) Dimensions() int {
	return len(n.Args)
}

// ScalarType is the element type bucket used by pipeline features.
func (n *Node) ScalarType() features.ScalarType {
	return features.ScalarTypeFor(n.ElemBits, n.IsFloat)
}

func (n *Node) String() string {
	return n.Name
}

// Stage is a single definition of a func: the pure definition (Index 0) or
// an update.
type Stage struct {
	ID    int
	Index int
	Name  string
	Node  *Node
	Loop  []Loop

	// VectorSize is the natural vector width of the narrowest type the
	// stage touches.
	VectorSize int

	Features      features.Pipeline
	IncomingEdges []*Edge

	// dependencies[n] is set if this stage transitively reads node n.
	dependencies []bool
}

// DownstreamOf reports whether s transitively reads n.
func (s *Stage) DownstreamOf(n *Node) bool {
	return n.ID < len(s.dependencies) && s.dependencies[n.ID]
}

// IsUpdate reports whether s is an update definition.
func (s *Stage) IsUpdate() bool {
	return s.Index > 0
}

func (s *Stage) String() string {
	return s.Name
}

// Edge is a producer-consumer relationship.
type Edge struct {
	Producer *Node
	Consumer *Stage

	// Bounds holds one footprint pair per producer dimension.
	Bounds []BoundPair

	// Calls is the number of distinct call sites.
	Calls int64

	LoadJacobians []LoadJacobian

	AllBoundsAffine bool
}

// AddLoadJacobian records a load, merging it with an identical one.
func (e *Edge) AddLoadJacobian(j LoadJacobian) {
	for i := range e.LoadJacobians {
		if e.LoadJacobians[i].Merge(j) {
			return
		}
	}
	e.LoadJacobians = append(e.LoadJacobians, j)
}

// ExpandFootprint grows producerRequired to cover what the consumer needs
// when it iterates over consumerLoop. It reports false if any bound
// cannot be determined.
func (e *Edge) ExpandFootprint(consumerLoop []Span, producerRequired []Span) bool {
	for i := range e.Bounds {
		constant := true
		lo, ok := e.Bounds[i].Min.eval(consumerLoop, &constant)
		if !ok {
			return false
		}
		hi, ok := e.Bounds[i].Max.eval(consumerLoop, &constant)
		if !ok {
			return false
		}
		producerRequired[i].UnionWith(Span{Min: lo, Max: hi, ConstantExtent: constant})
	}
	return true
}

// Bound holds the concrete regions of a func at one site of a loop nest.
// Bounds are immutable once published to a loop nest.
type Bound struct {
	RegionRequired []Span
	RegionComputed []Span
	// Loops has one slice per stage.
	Loops [][]Span
}

// MakeBound allocates a Bound shaped for n.
func (n *Node) MakeBound() *Bound {
	spans := make([]Span, n.boundSize)
	d := n.Dimensions()
	b := &Bound{
		RegionRequired: spans[:d:d],
		RegionComputed: spans[d : 2*d : 2*d],
		Loops:          make([][]Span, len(n.Stages)),
	}
	off := 2 * d
	for i, s := range n.Stages {
		b.Loops[i] = spans[off : off+len(s.Loop) : off+len(s.Loop)]
		off += len(s.Loop)
	}
	return b
}

// Clone returns a deep copy of b.
func (b *Bound) Clone(n *Node) *Bound {
	c := n.MakeBound()
	copy(c.RegionRequired, b.RegionRequired)
	copy(c.RegionComputed, b.RegionComputed)
	for i := range b.Loops {
		copy(c.Loops[i], b.Loops[i])
	}
	return c
}

// RequiredToComputed fills computed from required. It reports false if a
// dimension cannot be determined.
func (n *Node) RequiredToComputed(required, computed []Span) bool {
	for i, rule := range n.RegionComputed {
		switch {
		case rule.EqualsRequired:
			computed[i] = required[i]
		case rule.UnionWithConstants:
			computed[i] = Span{
				Min: min(required[i].Min, rule.CMin),
				Max: max(required[i].Max, rule.CMax),
			}
		case rule.Eval != nil:
			s, ok := rule.Eval(required)
			if !ok {
				return false
			}
			s.ConstantExtent = false
			computed[i] = s
		default:
			return false
		}
	}
	return true
}

// LoopNestForRegion fills loop with the loop bounds stage stageIdx uses to
// compute the region computed.
func (n *Node) LoopNestForRegion(stageIdx int, computed, loop []Span) bool {
	for i, l := range n.Stages[stageIdx].Loop {
		switch {
		case l.EqualsRegionComputed:
			loop[i] = computed[l.RegionComputedDim]
		case l.BoundsAreConstant:
			loop[i] = Span{Min: l.CMin, Max: l.CMax, ConstantExtent: true}
		case l.Eval != nil:
			s, ok := l.Eval(computed)
			if !ok {
				return false
			}
			s.ConstantExtent = false
			loop[i] = s
		default:
			return false
		}
	}
	return true
}

// FunctionDAG is the whole pipeline.
type FunctionDAG struct {
	// Nodes is in reverse realization order: every consumer precedes its
	// producers, so outputs come first.
	Nodes []*Node

	// Stages is indexed by Stage.ID.
	Stages []*Stage

	Edges []*Edge

	Target sched.Target
}

// NumStages is the total number of stages across all funcs.
func (d *FunctionDAG) NumStages() int {
	return len(d.Stages)
}

// Node looks a func up by name.
func (d *FunctionDAG) Node(name string) *Node {
	for _, n := range d.Nodes {
		if n.Name == name {
			return n
		}
	}
	return nil
}

// Dump writes a human-readable description of the graph.
func (d *FunctionDAG) Dump(w io.Writer) {
	for _, n := range d.Nodes {
		fmt.Fprintf(w, "Node: %s\n", n.Name)
		fmt.Fprintf(w, "  Symbolic region required: %s\n", strings.Join(n.Args, ", "))
		if n.Estimate != nil {
			fmt.Fprintf(w, "  Estimate: %v\n", n.Estimate)
		}
		fmt.Fprintf(w, "  Input: %v Output: %v Pointwise: %v Boundary condition: %v Wrapper: %v\n",
			n.IsInput, n.IsOutput, n.IsPointwise, n.IsBoundaryCondition, n.IsWrapper)
		for _, s := range n.Stages {
			fmt.Fprintf(w, "  Stage %d (%s):\n", s.Index, s.Name)
			for _, l := range s.Loop {
				kind := "pure"
				if l.RVar {
					kind = "rvar"
				}
				fmt.Fprintf(w, "    %s %s\n", l.Var, kind)
			}
			s.Features.Dump(w, "    ")
		}
	}
	for _, e := range d.Edges {
		fmt.Fprintf(w, "Edge: %s -> %s (%d calls)\n", e.Producer.Name, e.Consumer.Name, e.Calls)
		for _, j := range e.LoadJacobians {
			j.Dump(w, "  ")
		}
	}
}
