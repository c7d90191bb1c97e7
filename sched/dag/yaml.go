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
	"bytes"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/ajroetker/go-autoschedule/sched"
	"github.com/ajroetker/go-autoschedule/sched/features"
)

// The YAML pipeline description mirrors FuncDef:
//
//	funcs:
//	  - name: in
//	    type: uint16
//	    args: [x, y]
//	    input: true
//	  - name: blur_x
//	    type: float32
//	    args: [x, y]
//	    stages:
//	      - calls:
//	          - {func: in, args: [x-1, y]}
//	          - {func: in, args: [x, y]}
//	          - {func: in, args: [x+1, y]}
//	        ops: {add: 2, div: 1}
//	  - name: out
//	    type: float32
//	    args: [x, y]
//	    output: true
//	    estimates: [[0, 1536], [0, 2560]]   # min, extent
//	    stages:
//	      - calls:
//	          - {func: blur_x, args: [x, y-1], count: 1}
//
// Call arguments are "v", "v+c", "v-c", "k*v", "k*v+c", "v/k", "c" or a
// range "[lo, hi]".
type yamlPipeline struct {
	Funcs []yamlFunc `yaml:"funcs"`
}

type yamlFunc struct {
	Name              string      `yaml:"name"`
	Type              string      `yaml:"type"`
	Args              []string    `yaml:"args"`
	Input             bool        `yaml:"input"`
	Output            bool        `yaml:"output"`
	BoundaryCondition bool        `yaml:"boundary_condition"`
	Wrapper           bool        `yaml:"wrapper"`
	Estimates         [][2]int64  `yaml:"estimates"`
	Stages            []yamlStage `yaml:"stages"`
}

type yamlStage struct {
	Vars      []string         `yaml:"vars"`
	RVars     []yamlRVar       `yaml:"rvars"`
	Calls     []yamlCall       `yaml:"calls"`
	SelfCalls int32            `yaml:"self_calls"`
	Ops       map[string]int32 `yaml:"ops"`
}

type yamlRVar struct {
	Name   string `yaml:"name"`
	Min    int64  `yaml:"min"`
	Extent int64  `yaml:"extent"`
}

type yamlCall struct {
	Func  string   `yaml:"func"`
	Args  []string `yaml:"args"`
	Count int64    `yaml:"count"`
}

// LoadYAML reads a pipeline description file.
func LoadYAML(path string, t sched.Target) (*FunctionDAG, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading pipeline %s", path)
	}
	d, err := ParseYAML(data, t)
	if err != nil {
		return nil, errors.WithMessagef(err, "pipeline %s", path)
	}
	return d, nil
}

// ParseYAML builds a graph from a YAML pipeline description.
func ParseYAML(data []byte, t sched.Target) (*FunctionDAG, error) {
	var p yamlPipeline
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return nil, &sched.ConfigError{Msg: err.Error()}
	}
	b := NewBuilder(t)
	for _, yf := range p.Funcs {
		f, err := yf.toFuncDef()
		if err != nil {
			return nil, err
		}
		b.Add(f)
	}
	return b.Build()
}

func (yf *yamlFunc) toFuncDef() (*FuncDef, error) {
	ty, err := ParseType(yf.Type)
	if err != nil {
		return nil, &sched.ConfigError{Key: yf.Name, Msg: err.Error()}
	}
	f := &FuncDef{
		Name:              yf.Name,
		Type:              ty,
		Args:              yf.Args,
		Input:             yf.Input,
		Output:            yf.Output,
		BoundaryCondition: yf.BoundaryCondition,
		Wrapper:           yf.Wrapper,
	}
	for _, e := range yf.Estimates {
		f.Estimate = append(f.Estimate, Span{Min: e[0], Max: e[0] + e[1] - 1, ConstantExtent: true})
	}
	for _, ys := range yf.Stages {
		sd := &StageDef{PureVars: ys.Vars, SelfCalls: ys.SelfCalls}
		for _, r := range ys.RVars {
			sd.RVars = append(sd.RVars, RVar(r))
		}
		for name, n := range ys.Ops {
			op, ok := features.ParseOpType(name)
			if !ok {
				return nil, sched.ConfigErrorf(yf.Name, "unknown op %q", name)
			}
			if sd.Ops == nil {
				sd.Ops = map[features.OpType]int32{}
			}
			sd.Ops[op] += n
		}
		for _, yc := range ys.Calls {
			c := Call{Func: yc.Func, Count: yc.Count}
			for _, a := range yc.Args {
				acc, err := ParseAccess(a)
				if err != nil {
					return nil, errors.WithMessagef(err, "func %s, call to %s", yf.Name, yc.Func)
				}
				c.Args = append(c.Args, acc)
			}
			sd.Calls = append(sd.Calls, c)
		}
		f.Stages = append(f.Stages, sd)
	}
	return f, nil
}

// ParseAccess parses one call argument.
func ParseAccess(s string) (Access, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), " ", "")
	bad := func() (Access, error) {
		return Access{}, sched.ConfigErrorf("access", "cannot parse %q", s)
	}
	if s == "" {
		return bad()
	}
	if strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]") {
		lo, hi, ok := strings.Cut(s[1:len(s)-1], ",")
		if !ok {
			return bad()
		}
		l, err1 := strconv.ParseInt(lo, 10, 64)
		h, err2 := strconv.ParseInt(hi, 10, 64)
		if err1 != nil || err2 != nil || h < l {
			return bad()
		}
		return Range(l, h), nil
	}
	if c, err := strconv.ParseInt(s, 10, 64); err == nil {
		return Const(c), nil
	}

	a := Access{Coeff: 1, Denom: 1}
	// Split off a trailing +c or -c.
	if i := strings.LastIndexAny(s, "+-"); i > 0 {
		off, err := strconv.ParseInt(s[i:], 10, 64)
		if err != nil {
			return bad()
		}
		a.Offset = off
		s = s[:i]
	}
	if k, rest, ok := strings.Cut(s, "*"); ok {
		c, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			return bad()
		}
		a.Coeff = c
		s = rest
	}
	if v, k, ok := strings.Cut(s, "/"); ok {
		d, err := strconv.ParseInt(k, 10, 64)
		if err != nil || d <= 0 {
			return bad()
		}
		a.Denom = d
		s = v
	}
	if !isIdent(s) {
		return bad()
	}
	a.Var = s
	return a, nil
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_' || r == '.' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
		case i > 0 && r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}
