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

package dag_test

import (
	"path/filepath"
	"testing"

	"github.com/ajroetker/go-autoschedule/sched"
	"github.com/ajroetker/go-autoschedule/sched/dag"
	"github.com/ajroetker/go-autoschedule/sched/dag/dagtest"
	"github.com/ajroetker/go-autoschedule/sched/features"
)

func TestParseAccess(t *testing.T) {
	tests := []struct {
		in   string
		want dag.Access
	}{
		{"x", dag.At("x", 0)},
		{"x+1", dag.At("x", 1)},
		{" y - 2 ", dag.At("y", -2)},
		{"2*x", dag.Scaled("x", 2, 1, 0)},
		{"2*x-1", dag.Scaled("x", 2, 1, -1)},
		{"x/2+1", dag.Scaled("x", 1, 2, 1)},
		{"5", dag.Const(5)},
		{"-3", dag.Const(-3)},
		{"[0, 255]", dag.Range(0, 255)},
	}
	for _, tt := range tests {
		got, err := dag.ParseAccess(tt.in)
		if err != nil {
			t.Errorf("ParseAccess(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseAccess(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
	for _, bad := range []string{"", "x+", "*x", "1x", "x/0", "[3,1]", "[1]", "-x"} {
		if _, err := dag.ParseAccess(bad); err == nil {
			t.Errorf("ParseAccess(%q) succeeded, want error", bad)
		}
	}
}

func TestAccessString(t *testing.T) {
	for _, s := range []string{"x", "x+1", "x-2", "2*x", "x/2+1", "5", "[0, 255]"} {
		a, err := dag.ParseAccess(s)
		if err != nil {
			t.Fatalf("ParseAccess(%q): %v", s, err)
		}
		if got := a.String(); got != s {
			t.Errorf("ParseAccess(%q).String() = %q", s, got)
		}
	}
}

func TestLoadYAML(t *testing.T) {
	d, err := dag.LoadYAML(filepath.Join("testdata", "blur.yaml"), dagtest.Target)
	if err != nil {
		t.Fatalf("LoadYAML: %v", err)
	}
	by := d.Node("blur_y")
	if by == nil || !by.IsOutput {
		t.Fatalf("blur_y missing or not an output")
	}
	if by.Estimate[0].Extent() != 256 || by.Estimate[1].Extent() != 128 {
		t.Errorf("Estimate = %v, want extents 256x128", by.Estimate)
	}
	bx := d.Node("blur_x").Stages[0]
	if got := bx.Features.OpHistogram[features.OpCast][features.ScalarFloat]; got != 3 {
		t.Errorf("cast ops = %d, want 3", got)
	}
	if len(bx.IncomingEdges) != 1 || bx.IncomingEdges[0].Calls != 3 {
		t.Errorf("blur_x incoming edges = %v", bx.IncomingEdges)
	}

	h, err := dag.LoadYAML(filepath.Join("testdata", "histogram.yaml"), dagtest.Target)
	if err != nil {
		t.Fatalf("LoadYAML: %v", err)
	}
	u := h.Node("hist").Stages[1]
	if u.Loop[0].Var != "r" || u.Loop[0].CMax != 4095 {
		t.Errorf("rvar loop = %+v, want r in [0, 4095]", u.Loop[0])
	}
}

func TestParseYAMLErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown field", "funcs:\n  - name: f\n    colour: red\n"},
		{"bad type", "funcs:\n  - name: f\n    type: quaternion\n    args: [x]\n    output: true\n    estimates: [[0, 4]]\n    stages: [{}]\n"},
		{"bad op", "funcs:\n  - name: f\n    type: float32\n    args: [x]\n    output: true\n    estimates: [[0, 4]]\n    stages: [{ops: {teleport: 1}}]\n"},
		{"bad access", "funcs:\n  - name: in\n    type: float32\n    args: [x]\n    input: true\n  - name: f\n    type: float32\n    args: [x]\n    output: true\n    estimates: [[0, 4]]\n    stages: [{calls: [{func: in, args: ['x**2']}]}]\n"},
		{"zero extent", "funcs:\n  - name: f\n    type: float32\n    args: [x]\n    output: true\n    estimates: [[0, 0]]\n    stages: [{}]\n"},
	}
	for _, tt := range tests {
		_, err := dag.ParseYAML([]byte(tt.yaml), dagtest.Target)
		if err == nil {
			t.Errorf("%s: ParseYAML succeeded, want error", tt.name)
			continue
		}
		if !sched.IsConfigError(err) {
			t.Errorf("%s: %v is not a ConfigError", tt.name, err)
		}
	}
	if _, err := dag.LoadYAML(filepath.Join("testdata", "missing.yaml"), dagtest.Target); err == nil {
		t.Errorf("LoadYAML of a missing file succeeded")
	}
}
