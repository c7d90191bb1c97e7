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
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajroetker/go-autoschedule/sched/contrib/workerpool"
	"github.com/ajroetker/go-autoschedule/sched/dag"
	"github.com/ajroetker/go-autoschedule/sched/dag/dagtest"
	"github.com/ajroetker/go-autoschedule/sched/features"
	"github.com/ajroetker/go-autoschedule/sched/loopnest"
)

// featurize schedules every func of d at the root and returns the features
// in slot order.
func featurize(t *testing.T, d *dag.FunctionDAG, m Model) []features.Schedule {
	t.Helper()
	cfg := loopnest.Config{Parallelism: 4, MaySubtile: true}
	root := loopnest.NewRoot()
	for _, n := range d.Nodes {
		if n.IsInput {
			continue
		}
		opts, err := root.ComputeInTiles(n, nil, cfg, 0, false)
		require.NoError(t, err)
		require.NotEmpty(t, opts)
		root = opts[0]
	}
	feats, err := loopnest.ComputeFeatures(d, root, cfg)
	require.NoError(t, err)
	var out []features.Schedule
	for _, st := range m.Stages() {
		f, ok := feats.Get(st)
		require.True(t, ok, "no features for %s", st.Name)
		out = append(out, f)
	}
	return out
}

func TestStageCostTerms(t *testing.T) {
	f := features.Schedule{
		NumVectors:       10,
		NumScalars:       3,
		VectorSize:       4,
		InnerParallelism: 1,
		OuterParallelism: 1,
		NumRealizations:  1,
		NumProductions:   1,
	}
	var c Coefficients
	c[CoeffComputeVector] = 1
	c[CoeffComputeScalar] = 2
	got := StageCost(&f, &c, 0, 1)
	if want := (4*10 + 3*2) * secondsPerUnit; math.Abs(got-want) > 1e-18 {
		t.Errorf("StageCost(compute only) = %g, want %g", got, want)
	}

	// Inlined stages use the second pair of compute coefficients.
	f.InlinedCalls = 5
	if got := StageCost(&f, &c, 0, 1); got != 0 {
		t.Errorf("StageCost(inlined, zero inlined coefficients) = %g, want 0", got)
	}

	// Six tasks on four cores take two rounds, the second half idle.
	f.InlinedCalls = 0
	f.InnerParallelism = 6
	if got, want := StageCost(&f, &c, 1, 4), (4*10+3*2)*secondsPerUnit*4/3; math.Abs(got-want) > 1e-15 {
		t.Errorf("StageCost(idle cores) = %g, want %g", got, want)
	}

	var s Coefficients
	s[CoeffBytesWrittenOutput] = 1
	s[CoeffBytesWrittenOther] = 10
	f = features.Schedule{NumRealizations: 1, BytesAtRealization: 100, InnerParallelism: 1}
	out, other := StageCost(&f, &s, 0, 1), StageCost(&f, &s, 3, 1)
	assert.InDelta(t, 200*secondsPerUnit, out, 1e-18, "stores count twice")
	assert.InDelta(t, 2000*secondsPerUnit, other, 1e-18)
}

func TestHeuristic(t *testing.T) {
	pool := workerpool.New(2)
	defer pool.Close()
	d := dagtest.Blur(dagtest.Target, 128, 128)
	h := NewHeuristic(dagtest.Target, pool)
	h.SetPipelineFeatures(d, 4)
	require.Len(t, h.Stages(), 2, "input has no stage features")
	assert.Equal(t, "blur_y", h.Stages()[0].Name)

	feats := featurize(t, d, h)
	a, b := h.Enqueue(), h.Enqueue()
	copy(a.Features, feats)
	copy(b.Features, feats)
	b.Features[1].PointsComputedTotal *= 4
	b.Features[1].NumVectors *= 4

	assert.False(t, a.Evaluated())
	h.EvaluateCosts()
	require.True(t, a.Evaluated())
	assert.Greater(t, a.Cost, 0.0)
	assert.False(t, math.IsInf(a.Cost, 0))
	assert.InDelta(t, a.PerStage[0]+a.PerStage[1], a.Cost, 1e-15)
	assert.Greater(t, b.Cost, a.Cost, "more compute must cost more")
}

func TestBatchFlush(t *testing.T) {
	d := dagtest.Single(dagtest.Target, 100)
	h := NewHeuristic(dagtest.Target, nil)
	h.SetPipelineFeatures(d, 1)
	feats := featurize(t, d, h)

	var slots []*Slot
	for range BatchSize + 1 {
		s := h.Enqueue()
		copy(s.Features, feats)
		slots = append(slots, s)
	}
	assert.True(t, slots[0].Evaluated(), "a full batch is evaluated on the next Enqueue")
	assert.False(t, slots[BatchSize].Evaluated())
	h.EvaluateCosts()
	assert.True(t, slots[BatchSize].Evaluated())
	assert.Equal(t, slots[0].Cost, slots[BatchSize].Cost)

	h.Reset()
	s := h.Enqueue()
	h.Reset()
	h.EvaluateCosts()
	assert.False(t, s.Evaluated(), "Reset drops pending slots")
}

func TestLearnedDeterministic(t *testing.T) {
	d := dagtest.Chain(dagtest.Target, 256)
	score := func(seed uint64) float64 {
		l := NewLearned(RandomWeights(seed), nil)
		l.SetPipelineFeatures(d, 8)
		s := l.Enqueue()
		copy(s.Features, featurize(t, d, l))
		l.EvaluateCosts()
		return s.Cost
	}
	c1 := score(7)
	assert.GreaterOrEqual(t, c1, 0.0, "relu coefficients and features are non-negative")
	assert.Equal(t, c1, score(7))

	// Normalizing the pipeline features on a pool gives the same costs.
	pool := workerpool.New(2)
	defer pool.Close()
	blur := dagtest.Blur(dagtest.Target, 64, 64)
	serial, parallel := NewLearned(RandomWeights(7), nil), NewLearned(RandomWeights(7), pool)
	serial.SetPipelineFeatures(blur, 8)
	parallel.SetPipelineFeatures(blur, 8)
	feats := featurize(t, blur, serial)
	assert.Equal(t, serial.Coefficients(feats), parallel.Coefficients(feats))

	l := NewLearned(RandomWeights(7), nil)
	l.SetPipelineFeatures(d, 8)
	coeffs := l.Coefficients(featurize(t, d, l))
	require.Len(t, coeffs, 2)
	for i, c := range coeffs {
		for j, v := range c {
			if v < 0 {
				t.Errorf("coefficient %d of stage %d = %g, want >= 0", j, i, v)
			}
		}
	}
}

func TestWeightsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w := RandomWeights(3)
	require.NoError(t, w.SaveDir(dir))
	got, err := LoadWeights(dir, 99)
	require.NoError(t, err)
	if diff := cmp.Diff(w, got); diff != "" {
		t.Errorf("LoadWeights(SaveDir(w)) mismatch (-want +got):\n%s", diff)
	}

	// A missing tensor falls back to random values; statistics to identity.
	require.NoError(t, os.Remove(filepath.Join(dir, "head2_conv1_bias.data")))
	require.NoError(t, os.Remove(filepath.Join(dir, "schedule_std.data")))
	got, err = LoadWeights(dir, 99)
	require.NoError(t, err)
	assert.Len(t, got.Head2Bias, Head2Channels)
	assert.NotEqual(t, w.Head2Bias, got.Head2Bias)
	for _, v := range got.ScheduleStd {
		assert.Equal(t, float32(1), v)
	}
	assert.Equal(t, w.TrunkFilter, got.TrunkFilter)
}

func TestWeightsYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weights.yaml")
	require.NoError(t, os.WriteFile(path, []byte("head1_bias: [1, 2, 3]\ntrunk_bias: [0.5]\n"), 0o644))
	w, err := LoadWeights(path, 1)
	require.NoError(t, err)
	assert.Len(t, w.Head1Bias, Head1Channels, "misshapen tensors are replaced")
	assert.Len(t, w.TrunkBias, TrunkChannels)

	require.NoError(t, os.WriteFile(path, []byte("head3: [1]\n"), 0o644))
	_, err = LoadWeights(path, 1)
	assert.Error(t, err)

	_, err = LoadWeights(filepath.Join(t.TempDir(), "missing"), 1)
	assert.Error(t, err)
}
