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
	"slices"
	"strings"

	"github.com/pkg/errors"

	"github.com/ajroetker/go-autoschedule/sched"
	"github.com/ajroetker/go-autoschedule/sched/features"
)

// Type is an element type.
type Type struct {
	Bits  int
	Float bool
}

// Common element types.
var (
	Bool    = Type{Bits: 1}
	UInt8   = Type{Bits: 8}
	UInt16  = Type{Bits: 16}
	Int32   = Type{Bits: 32}
	Int64   = Type{Bits: 64}
	Float32 = Type{Bits: 32, Float: true}
	Float64 = Type{Bits: 64, Float: true}
)

// Bytes is the storage size of one element.
func (t Type) Bytes() int {
	return max(1, t.Bits/8)
}

// ParseType accepts names like "float32", "uint8", "int16", "bool".
func ParseType(s string) (Type, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "bool":
		return Bool, nil
	case "float", "float32", "f32":
		return Float32, nil
	case "double", "float64", "f64":
		return Float64, nil
	case "float16", "f16", "bfloat16":
		return Type{Bits: 16, Float: true}, nil
	}
	var bits int
	for _, p := range []string{"uint", "int", "u", "i"} {
		if rest, ok := strings.CutPrefix(s, p); ok {
			if _, err := fmt.Sscanf(rest, "%d", &bits); err == nil {
				break
			}
		}
	}
	switch bits {
	case 8, 16, 32, 64:
		return Type{Bits: bits}, nil
	}
	return Type{}, sched.ConfigErrorf("type", "unknown element type %q", s)
}

// Access is one argument of a call: the producer coordinate as a function
// of one consumer loop variable, or a constant range.
type Access struct {
	// Var is the consumer loop variable. Empty means a constant range.
	Var string
	// The coordinate is Coeff*Var/Denom + Offset, rounding down.
	Coeff, Denom, Offset int64

	// Min and Max bound a constant or data-dependent coordinate.
	Min, Max int64
}

// At accesses Var+offset.
func At(v string, offset int64) Access {
	return Access{Var: v, Coeff: 1, Denom: 1, Offset: offset}
}

// Scaled accesses coeff*Var/denom+offset.
func Scaled(v string, coeff, denom, offset int64) Access {
	return Access{Var: v, Coeff: coeff, Denom: denom, Offset: offset}
}

// Range accesses some coordinate in [lo, hi] that is not known statically.
func Range(lo, hi int64) Access {
	return Access{Min: lo, Max: hi}
}

// Const accesses the single coordinate c.
func Const(c int64) Access {
	return Range(c, c)
}

func (a Access) String() string {
	if a.Var == "" {
		if a.Min == a.Max {
			return fmt.Sprint(a.Min)
		}
		return fmt.Sprintf("[%d, %d]", a.Min, a.Max)
	}
	var sb strings.Builder
	if a.Coeff != 1 {
		fmt.Fprintf(&sb, "%d*", a.Coeff)
	}
	sb.WriteString(a.Var)
	if a.Denom > 1 {
		fmt.Fprintf(&sb, "/%d", a.Denom)
	}
	if a.Offset > 0 {
		fmt.Fprintf(&sb, "+%d", a.Offset)
	} else if a.Offset < 0 {
		fmt.Fprintf(&sb, "%d", a.Offset)
	}
	return sb.String()
}

// Call is a load from another func.
type Call struct {
	Func string
	Args []Access

	// Count is the number of identical call sites, at least 1.
	Count int64

	// Footprint overrides the footprint derived from Args.
	Footprint []BoundPair
}

// RVar is a reduction variable of an update stage.
type RVar struct {
	Name        string
	Min, Extent int64
}

// StageDef is the definition of one stage.
type StageDef struct {
	// PureVars are the func args an update iterates over. Nil means all of
	// them. The pure definition always iterates over all args.
	PureVars []string
	RVars    []RVar

	Calls []Call

	// SelfCalls counts loads an update makes from the func it updates.
	SelfCalls int32

	// Ops counts arithmetic in the definition, by op type.
	Ops map[features.OpType]int32
}

// FuncDef is the definition of one func.
type FuncDef struct {
	Name string
	Type Type
	Args []string

	Input  bool
	Output bool

	BoundaryCondition bool
	Wrapper           bool

	// Estimate is required for outputs, optional for inputs.
	Estimate []Span

	// Computed overrides the region-computed rule per dimension.
	Computed []ComputedRule

	Stages []*StageDef
}

// Builder accumulates FuncDefs and validates them into a FunctionDAG.
type Builder struct {
	target sched.Target
	funcs  []*FuncDef
}

// NewBuilder returns a builder for the given target.
func NewBuilder(t sched.Target) *Builder {
	return &Builder{target: t}
}

// Add appends a func definition and returns it.
func (b *Builder) Add(f *FuncDef) *FuncDef {
	b.funcs = append(b.funcs, f)
	return f
}

// Build validates the definitions and returns the graph. All failures are
// *sched.ConfigError.
func (b *Builder) Build() (*FunctionDAG, error) {
	byName := make(map[string]*FuncDef, len(b.funcs))
	for _, f := range b.funcs {
		if err := validateFunc(f); err != nil {
			return nil, err
		}
		if _, dup := byName[f.Name]; dup {
			return nil, sched.ConfigErrorf(f.Name, "func defined twice")
		}
		byName[f.Name] = f
	}
	for _, f := range b.funcs {
		for si, s := range f.Stages {
			for _, c := range s.Calls {
				p, ok := byName[c.Func]
				if !ok {
					return nil, sched.ConfigErrorf(f.Name, "stage %d calls unknown func %q", si, c.Func)
				}
				if c.Func == f.Name {
					return nil, sched.ConfigErrorf(f.Name, "self loads must be counted in SelfCalls")
				}
				if p.Output {
					return nil, sched.ConfigErrorf(f.Name, "stage %d calls %s, but outputs cannot be consumed by another func", si, p.Name)
				}
				if c.Footprint == nil && len(c.Args) != len(p.Args) {
					return nil, sched.ConfigErrorf(f.Name, "call to %s has %d args, want %d", p.Name, len(c.Args), len(p.Args))
				}
				if c.Footprint != nil && len(c.Footprint) != len(p.Args) {
					return nil, sched.ConfigErrorf(f.Name, "footprint of call to %s has %d dims, want %d", p.Name, len(c.Footprint), len(p.Args))
				}
			}
		}
	}

	order, err := realizationOrder(b.funcs, byName)
	if err != nil {
		return nil, err
	}

	d := &FunctionDAG{Target: b.target}
	nodes := make(map[string]*Node, len(order))
	for i, f := range order {
		n := newNode(f, i, b.target)
		nodes[f.Name] = n
		d.Nodes = append(d.Nodes, n)
		for si := range n.Stages {
			s := n.Stages[si]
			s.ID = len(d.Stages)
			d.Stages = append(d.Stages, s)
		}
	}

	for _, f := range order {
		n := nodes[f.Name]
		n.IsPointwise = len(n.Stages) == 1 && !n.IsInput
		for si, sd := range f.Stages {
			s := n.Stages[si]
			edges, err := buildEdges(s, sd, nodes)
			if err != nil {
				return nil, err
			}
			for _, e := range edges {
				d.Edges = append(d.Edges, e)
				e.Producer.OutgoingEdges = append(e.Producer.OutgoingEdges, e)
				s.IncomingEdges = append(s.IncomingEdges, e)
			}
			s.VectorSize = b.target.NaturalVectorSize(featurize(s, sd, nodes))
			for _, c := range sd.Calls {
				n.IsPointwise = n.IsPointwise && isPointwiseCall(c, n.Args)
			}
		}
		if n.IsInput {
			n.IsPointwise = true
			featurize(n.Stages[0], &StageDef{}, nodes)
		}
		n.IsBoundaryCondition = n.IsBoundaryCondition || (n.IsPointwise && strings.HasPrefix(n.Name, "repeat_edge"))
	}

	// Producers come after consumers, so walk backwards.
	for i := len(d.Nodes) - 1; i >= 0; i-- {
		for _, s := range d.Nodes[i].Stages {
			s.dependencies = make([]bool, len(d.Nodes))
			for _, e := range s.IncomingEdges {
				s.dependencies[e.Producer.ID] = true
				for _, ps := range e.Producer.Stages {
					for j, dep := range ps.dependencies {
						s.dependencies[j] = s.dependencies[j] || dep
					}
				}
			}
			if s.Index > 0 {
				for j, dep := range d.Nodes[i].Stages[s.Index-1].dependencies {
					s.dependencies[j] = s.dependencies[j] || dep
				}
			}
		}
	}
	return d, nil
}

func validateFunc(f *FuncDef) error {
	if f.Name == "" {
		return sched.ConfigErrorf("", "func with no name")
	}
	if f.Type.Bits == 0 {
		return sched.ConfigErrorf(f.Name, "no element type")
	}
	if f.Input && f.Output {
		return sched.ConfigErrorf(f.Name, "a func cannot be both an input and an output")
	}
	if f.Input && len(f.Stages) > 0 {
		return sched.ConfigErrorf(f.Name, "inputs have no definitions")
	}
	if !f.Input && len(f.Stages) == 0 {
		return sched.ConfigErrorf(f.Name, "no definition")
	}
	if f.Output && len(f.Estimate) != len(f.Args) {
		return sched.ConfigErrorf(f.Name, "outputs need an estimate for each of %d dimensions, got %d", len(f.Args), len(f.Estimate))
	}
	if f.Estimate != nil && len(f.Estimate) != len(f.Args) {
		return sched.ConfigErrorf(f.Name, "estimate has %d dimensions, want %d", len(f.Estimate), len(f.Args))
	}
	for i, e := range f.Estimate {
		if e.Extent() < 1 {
			return sched.ConfigErrorf(f.Name, "estimate for dimension %s is empty: %v", f.Args[i], e)
		}
	}
	if f.Computed != nil && len(f.Computed) != len(f.Args) {
		return sched.ConfigErrorf(f.Name, "computed rules have %d dimensions, want %d", len(f.Computed), len(f.Args))
	}
	for si, s := range f.Stages {
		if si == 0 && (len(s.RVars) > 0 || s.PureVars != nil || s.SelfCalls > 0) {
			return sched.ConfigErrorf(f.Name, "the pure definition cannot have reduction variables, restricted vars or self loads")
		}
		for _, v := range s.PureVars {
			if !slices.Contains(f.Args, v) {
				return sched.ConfigErrorf(f.Name, "update %d iterates over %q, which is not an arg", si-1, v)
			}
		}
		for _, r := range s.RVars {
			if r.Extent < 1 {
				return sched.ConfigErrorf(f.Name, "reduction variable %s has extent %d", r.Name, r.Extent)
			}
		}
	}
	return nil
}

// realizationOrder returns the funcs reachable from the outputs, consumers
// first.
func realizationOrder(funcs []*FuncDef, byName map[string]*FuncDef) ([]*FuncDef, error) {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(funcs))
	var post []*FuncDef
	var visit func(f *FuncDef) error
	visit = func(f *FuncDef) error {
		switch state[f.Name] {
		case visiting:
			return sched.ConfigErrorf(f.Name, "pipeline has a cycle through this func")
		case done:
			return nil
		}
		state[f.Name] = visiting
		for _, s := range f.Stages {
			for _, c := range s.Calls {
				if err := visit(byName[c.Func]); err != nil {
					return err
				}
			}
		}
		state[f.Name] = done
		post = append(post, f)
		return nil
	}
	hasOutput := false
	for _, f := range funcs {
		if f.Output {
			hasOutput = true
			if err := visit(f); err != nil {
				return nil, err
			}
		}
	}
	if !hasOutput {
		return nil, sched.ConfigErrorf("", "pipeline has no outputs")
	}
	for _, f := range funcs {
		if state[f.Name] != done {
			return nil, sched.ConfigErrorf(f.Name, "func is not used by any output")
		}
	}
	slices.Reverse(post)
	return post, nil
}

func newNode(f *FuncDef, id int, t sched.Target) *Node {
	n := &Node{
		ID:                  id,
		Name:                f.Name,
		Args:                slices.Clone(f.Args),
		ElemBits:            f.Type.Bits,
		IsFloat:             f.Type.Float,
		BytesPerPoint:       float64(f.Type.Bytes()),
		VectorSize:          t.NaturalVectorSize(f.Type.Bytes()),
		IsInput:             f.Input,
		IsOutput:            f.Output,
		IsBoundaryCondition: f.BoundaryCondition,
		IsWrapper:           f.Wrapper,
	}
	for _, e := range f.Estimate {
		e.ConstantExtent = true
		n.Estimate = append(n.Estimate, e)
	}
	n.RegionComputed = f.Computed
	if n.RegionComputed == nil {
		n.RegionComputed = make([]ComputedRule, len(f.Args))
		for i := range n.RegionComputed {
			n.RegionComputed[i].EqualsRequired = true
		}
	}

	defs := f.Stages
	if f.Input {
		defs = []*StageDef{{}}
	}
	for si, sd := range defs {
		s := &Stage{Index: si, Node: n, Name: f.Name, VectorSize: n.VectorSize}
		if si > 0 {
			s.Name = fmt.Sprintf("%s.update(%d)", f.Name, si-1)
		}
		for _, r := range sd.RVars {
			s.Loop = append(s.Loop, Loop{
				Var: r.Name, RVar: true, PureDim: -1,
				BoundsAreConstant: true, CMin: r.Min, CMax: r.Min + r.Extent - 1,
			})
		}
		for i, a := range f.Args {
			if si > 0 && sd.PureVars != nil && !slices.Contains(sd.PureVars, a) {
				continue
			}
			s.Loop = append(s.Loop, Loop{
				Var: a, Pure: true, PureDim: i,
				EqualsRegionComputed: true, RegionComputedDim: i,
			})
		}
		n.Stages = append(n.Stages, s)
	}

	n.boundSize = 2 * len(f.Args)
	for _, s := range n.Stages {
		n.boundSize += len(s.Loop)
	}
	return n
}

func loopIndex(s *Stage, v string) int {
	return slices.IndexFunc(s.Loop, func(l Loop) bool { return l.Var == v })
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// accessBounds returns the footprint of one call argument.
func accessBounds(s *Stage, a Access) (BoundPair, error) {
	if a.Var == "" {
		if a.Max < a.Min {
			return BoundPair{}, sched.ConfigErrorf(s.Name, "empty access range %v", a)
		}
		return BoundPair{Min: ConstantBound(a.Min), Max: ConstantBound(a.Max)}, nil
	}
	li := loopIndex(s, a.Var)
	if li < 0 {
		return BoundPair{}, sched.ConfigErrorf(s.Name, "access %v uses %q, which is not a loop of this stage", a, a.Var)
	}
	if a.Coeff == 0 {
		return BoundPair{Min: ConstantBound(a.Offset), Max: ConstantBound(a.Offset)}, nil
	}
	denom := max(a.Denom, 1)
	if denom == 1 {
		lo := BoundExpr{Affine: true, Coeff: a.Coeff, Constant: a.Offset, ConsumerDim: li}
		hi := lo
		hi.UsesMax = true
		if a.Coeff < 0 {
			lo.UsesMax, hi.UsesMax = true, false
		}
		return BoundPair{Min: lo, Max: hi}, nil
	}
	coeff, off := a.Coeff, a.Offset
	eval := func(useMax bool) func([]Span) (int64, bool) {
		return func(loop []Span) (int64, bool) {
			v := loop[li].Min
			if useMax != (coeff < 0) {
				v = loop[li].Max
			}
			return floorDiv(v*coeff, denom) + off, true
		}
	}
	return BoundPair{Min: BoundExpr{Eval: eval(false)}, Max: BoundExpr{Eval: eval(true)}}, nil
}

// unionBounds merges the footprints of several calls to the same producer.
func unionBounds(pairs []BoundPair) BoundPair {
	if len(pairs) == 1 {
		return pairs[0]
	}
	sameAffine := func(get func(BoundPair) BoundExpr) bool {
		first := get(pairs[0])
		for _, p := range pairs {
			b := get(p)
			if !b.Affine || !first.Affine {
				return false
			}
			if b.Coeff != first.Coeff || (b.Coeff != 0 && (b.ConsumerDim != first.ConsumerDim || b.UsesMax != first.UsesMax)) {
				return false
			}
		}
		return true
	}
	merge := func(get func(BoundPair) BoundExpr, pick func(a, b int64) int64) BoundExpr {
		if sameAffine(get) {
			out := get(pairs[0])
			for _, p := range pairs[1:] {
				out.Constant = pick(out.Constant, get(p).Constant)
			}
			return out
		}
		exprs := make([]BoundExpr, len(pairs))
		for i, p := range pairs {
			exprs[i] = get(p)
		}
		return BoundExpr{Eval: func(loop []Span) (int64, bool) {
			var v int64
			for i := range exprs {
				c := true
				x, ok := exprs[i].eval(loop, &c)
				if !ok {
					return 0, false
				}
				if i == 0 {
					v = x
				} else {
					v = pick(v, x)
				}
			}
			return v, true
		}}
	}
	return BoundPair{
		Min: merge(func(p BoundPair) BoundExpr { return p.Min }, func(a, b int64) int64 { return min(a, b) }),
		Max: merge(func(p BoundPair) BoundExpr { return p.Max }, func(a, b int64) int64 { return max(a, b) }),
	}
}

func callJacobian(s *Stage, c Call) LoadJacobian {
	m := make([][]Rational, len(c.Args))
	for i, a := range c.Args {
		m[i] = make([]Rational, len(s.Loop))
		for j := range m[i] {
			switch {
			case a.Var == "" && a.Min == a.Max:
				m[i][j] = Known(0, 1)
			case a.Var == "":
				m[i][j] = Unknown()
			case s.Loop[j].Var == a.Var:
				m[i][j] = Known(a.Coeff, max(a.Denom, 1))
			default:
				m[i][j] = Known(0, 1)
			}
		}
	}
	return NewLoadJacobian(m, max(c.Count, 1))
}

func buildEdges(s *Stage, sd *StageDef, nodes map[string]*Node) ([]*Edge, error) {
	var out []*Edge
	byProducer := map[string]*Edge{}
	perDim := map[*Edge][][]BoundPair{}
	for _, c := range sd.Calls {
		e, ok := byProducer[c.Func]
		if !ok {
			e = &Edge{Producer: nodes[c.Func], Consumer: s}
			byProducer[c.Func] = e
			perDim[e] = make([][]BoundPair, e.Producer.Dimensions())
			out = append(out, e)
		}
		e.Calls += max(c.Count, 1)
		if c.Footprint != nil {
			for i, bp := range c.Footprint {
				perDim[e][i] = append(perDim[e][i], bp)
			}
			continue
		}
		for i, a := range c.Args {
			bp, err := accessBounds(s, a)
			if err != nil {
				return nil, err
			}
			perDim[e][i] = append(perDim[e][i], bp)
		}
		e.AddLoadJacobian(callJacobian(s, c))
	}
	for _, e := range out {
		e.AllBoundsAffine = true
		for _, pairs := range perDim[e] {
			bp := unionBounds(pairs)
			e.Bounds = append(e.Bounds, bp)
			e.AllBoundsAffine = e.AllBoundsAffine && bp.Min.Affine && bp.Max.Affine
		}
	}
	return out, nil
}

func isPointwiseCall(c Call, args []string) bool {
	if c.Footprint != nil || len(c.Args) != len(args) {
		return false
	}
	for i, a := range c.Args {
		if a.Var != args[i] || a.Coeff != 1 || max(a.Denom, 1) != 1 || a.Offset != 0 {
			return false
		}
	}
	return true
}

// classifyAccess buckets a load by the shape of its Jacobian.
func classifyAccess(j LoadJacobian, loops int) (pointwise, transpose, broadcast, slice bool) {
	rows := j.ProducerStorageDims()
	onesRow := make([]int, rows)
	zerosRow := make([]int, rows)
	onesCol := make([]int, loops)
	zerosCol := make([]int, loops)
	pointwise = rows == loops
	for i := 0; i < rows; i++ {
		for k := 0; k < loops; k++ {
			d := j.At(i, k)
			if d.EqualsInt(0) {
				zerosRow[i]++
				zerosCol[k]++
			}
			if d.EqualsInt(1) {
				onesRow[i]++
				onesCol[k]++
			}
			if i == k {
				pointwise = pointwise && d.EqualsInt(1)
			} else {
				pointwise = pointwise && d.EqualsInt(0)
			}
		}
	}
	transpose = rows == loops
	broadcast, slice = true, true
	for i := 0; i < rows; i++ {
		single := onesRow[i] == 1 && zerosRow[i] == loops-1
		zero := zerosRow[i] == loops
		transpose = transpose && single
		broadcast = broadcast && single
		slice = slice && (single || zero)
	}
	for k := 0; k < loops; k++ {
		single := onesCol[k] == 1 && zerosCol[k] == rows-1
		zero := zerosCol[k] == rows
		transpose = transpose && (single || zero)
		broadcast = broadcast && single
		slice = slice && single
	}
	return
}

func b2i(b bool) int32 {
	if b {
		return 1
	}
	return 0
}

// featurize fills the pipeline features of s and returns the width in
// bytes of the narrowest type it touches.
func featurize(s *Stage, sd *StageDef, nodes map[string]*Node) int {
	f := &s.Features
	t := s.Node.ScalarType()
	for op, n := range sd.Ops {
		f.AddOp(op, t, n)
	}
	narrowest := s.Node.BytesPerPoint
	record := func(at features.AccessType, ty features.ScalarType, j LoadJacobian) {
		pw, tr, br, sl := classifyAccess(j, len(s.Loop))
		f.PointwiseAccesses[at][ty] += b2i(pw)
		f.TransposeAccesses[at][ty] += b2i(tr)
		f.BroadcastAccesses[at][ty] += b2i(br)
		f.SliceAccesses[at][ty] += b2i(sl)
	}
	for _, c := range sd.Calls {
		p := nodes[c.Func]
		pt := p.ScalarType()
		narrowest = min(narrowest, p.BytesPerPoint)
		at, op := features.AccessLoadFunc, features.OpFuncCall
		if p.IsInput {
			at, op = features.AccessLoadImage, features.OpImageCall
		}
		f.AddOp(op, pt, int32(max(c.Count, 1)))
		if c.Footprint == nil {
			record(at, pt, callJacobian(s, c))
		}
	}
	if sd.SelfCalls > 0 {
		f.AddOp(features.OpSelfCall, t, sd.SelfCalls)
	}

	store := make([]Access, 0, len(s.Loop))
	for _, l := range s.Loop {
		if l.Pure {
			store = append(store, At(l.Var, 0))
		}
	}
	if s.Index == 0 {
		record(features.AccessStore, t, callJacobian(s, Call{Args: store}))
	}
	f.TypesInUse[t] = 1
	return int(narrowest)
}

// MustBuild is Build for tests and examples with known-good definitions.
func (b *Builder) MustBuild() *FunctionDAG {
	d, err := b.Build()
	if err != nil {
		panic(errors.Wrap(err, "building pipeline"))
	}
	return d
}
