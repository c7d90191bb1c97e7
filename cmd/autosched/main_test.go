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

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ajroetker/go-autoschedule/sched"
	"github.com/ajroetker/go-autoschedule/sched/autoschedule"
)

const blurYAML = "../../sched/dag/testdata/blur.yaml"

var fastFlags = []string{"--no-env", "--target", "arm64-neon", "--parallelism", "2", "--beam-size", "2", "--num-passes", "1"}

// run executes the command line and returns its standard output.
func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(strings.NewReader(stdin), &out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestTargetCmd(t *testing.T) {
	out, err := run(t, "", "target")
	if err != nil {
		t.Fatalf("target: %v", err)
	}
	for _, name := range []string{"host", "cuda", "x86-64-avx2"} {
		if !strings.Contains(out, name+"\n") {
			t.Errorf("target list is missing %s:\n%s", name, out)
		}
	}

	out, err = run(t, "", "target", "cuda")
	if err != nil {
		t.Fatalf("target cuda: %v", err)
	}
	if !strings.Contains(out, "warp size:") || !strings.Contains(out, "32") {
		t.Errorf("target cuda =\n%s", out)
	}

	if _, err := run(t, "", "target", "vax"); !sched.IsConfigError(err) {
		t.Errorf("target vax: got %v, want a configuration error", err)
	}
}

func TestParamsLayering(t *testing.T) {
	file := filepath.Join(t.TempDir(), "params.yaml")
	if err := os.WriteFile(file, []byte("beam_size: 2\nnum_passes: 3\nseed: 9\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	out, err := run(t, "", "params", "--no-env", "--params-file", file,
		"--params", "num_passes=4,random_dropout=10", "--random-dropout", "20")
	if err != nil {
		t.Fatalf("params: %v", err)
	}
	for _, want := range []string{"beam_size: 2", "num_passes: 4", "seed: 9", "random_dropout: 20"} {
		if !strings.Contains(out, want+"\n") {
			t.Errorf("params output is missing %q:\n%s", want, out)
		}
	}
}

func TestParamsErrors(t *testing.T) {
	tests := [][]string{
		{"params", "--no-env", "--params", "beam_size=zero"},
		{"params", "--no-env", "--params", "no_such_key=1"},
		{"params", "--no-env", "--beam-size", "0"},
		{"params", "--no-env", "--search-space-options", "0000"},
	}
	for _, args := range tests {
		if _, err := run(t, "", args...); !sched.IsConfigError(err) {
			t.Errorf("%v: got %v, want a configuration error", args, err)
		}
	}
}

func TestScheduleToStdout(t *testing.T) {
	args := append([]string{"schedule"}, fastFlags...)
	out, err := run(t, "", append(args, blurYAML)...)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	for _, want := range []string{"predicted cost", "Func blur_y = get_pipeline().get_func(", ".compute_root()"} {
		if !strings.Contains(out, want) {
			t.Errorf("schedule output is missing %q:\n%s", want, out)
		}
	}
}

func TestScheduleManyFiles(t *testing.T) {
	dir := t.TempDir()
	outDir := filepath.Join(dir, "schedules")
	featDir := filepath.Join(dir, "features")
	args := append([]string{"schedule", "-o", outDir, "--features-dir", featDir, "-j", "2"}, fastFlags...)
	if _, err := run(t, "", append(args, blurYAML, "testdata/chain.yaml")...); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	for _, name := range []string{"blur", "chain"} {
		src, err := os.ReadFile(filepath.Join(outDir, name+".schedule.txt"))
		if err != nil {
			t.Fatalf("reading schedule: %v", err)
		}
		if !strings.Contains(string(src), ".compute_root()") {
			t.Errorf("%s schedule has no compute_root:\n%s", name, src)
		}
		f, err := os.Open(filepath.Join(featDir, name+".featurization"))
		if err != nil {
			t.Fatalf("opening featurization: %v", err)
		}
		records, err := autoschedule.ReadFeatures(f)
		f.Close()
		if err != nil || len(records) == 0 {
			t.Errorf("ReadFeatures(%s) = %d records, %v", name, len(records), err)
		}
	}
}

func TestScheduleMissingFile(t *testing.T) {
	args := append([]string{"schedule"}, fastFlags...)
	if _, err := run(t, "", append(args, "testdata/missing.yaml")...); err == nil {
		t.Errorf("schedule of a missing file succeeded")
	}
}

func TestFeaturesCmd(t *testing.T) {
	args := append([]string{"features", "--format", "text"}, fastFlags...)
	out, err := run(t, "", append(args, "testdata/chain.yaml")...)
	if err != nil {
		t.Fatalf("features: %v", err)
	}
	if !strings.Contains(out, "Schedule features for out\n") {
		t.Errorf("features output:\n%s", out)
	}

	args = append([]string{"features", "--format", "json"}, fastFlags...)
	if _, err := run(t, "", append(args, "testdata/chain.yaml")...); !sched.IsConfigError(err) {
		t.Errorf("features --format json: got %v, want a configuration error", err)
	}
}

func TestInteractive(t *testing.T) {
	// One bad answer, then always the first choice.
	stdin := "x\n" + strings.Repeat("0\n", 16)
	args := append([]string{"schedule", "--cyos"}, fastFlags...)
	out, err := run(t, stdin, append(args, "testdata/chain.yaml")...)
	if err != nil {
		t.Fatalf("schedule --cyos: %v", err)
	}
	for _, want := range []string{"Enter selection: ", `"x" is not a choice`, "State with cost", ".compute_root()"} {
		if !strings.Contains(out, want) {
			t.Errorf("interactive output is missing %q", want)
		}
	}

	args = append([]string{"schedule", "--cyos"}, fastFlags...)
	if _, err := run(t, "", append(args, blurYAML, "testdata/chain.yaml")...); !sched.IsConfigError(err) {
		t.Errorf("--cyos with two pipelines: got %v, want a configuration error", err)
	}
}

func TestChooseHookNoCandidates(t *testing.T) {
	var out bytes.Buffer
	hook := chooseHook(strings.NewReader("0\n"), &out)
	if got := hook(0, 3, nil); len(got) != 0 {
		t.Errorf("hook(no candidates) = %d states, want none", len(got))
	}
	if out.Len() != 0 {
		t.Errorf("hook prompted with no candidates:\n%s", out.String())
	}
}
