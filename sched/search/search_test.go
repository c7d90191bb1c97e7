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

package search

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajroetker/go-autoschedule/sched"
	"github.com/ajroetker/go-autoschedule/sched/costmodel"
	"github.com/ajroetker/go-autoschedule/sched/dag"
	"github.com/ajroetker/go-autoschedule/sched/dag/dagtest"
	"github.com/ajroetker/go-autoschedule/sched/loopnest"
)

func testConfig(parallelism int) loopnest.Config {
	return loopnest.Config{
		Parallelism: parallelism,
		MaySubtile:  true,
		Options:     sched.AllSearchSpaceOptions,
		Resources:   loopnest.NewResourceModel(dagtest.Target, -1),
	}
}

func newDriver(d *dag.FunctionDAG, cfg loopnest.Config, opts Options) *Driver {
	return NewDriver(d, cfg, costmodel.NewHeuristic(dagtest.Target, nil), opts)
}

// checkCoverage asserts every func is either inlined or realized, not
// both, and that realized funcs produce each stage exactly once.
func checkCoverage(t *testing.T, d *dag.FunctionDAG, root *loopnest.LoopNest) {
	t.Helper()
	for _, n := range d.Nodes {
		if n.IsInput {
			continue
		}
		productions := make([]int, len(n.Stages))
		inlined, realized := 0, 0
		root.Walk(func(l, parent *loopnest.LoopNest) {
			if l.Inlined.Contains(n) {
				inlined++
			}
			if l.Node == n && parent != nil && parent.Node != n {
				productions[l.Stage.Index]++
				realized++
			}
		})
		if (inlined > 0) == (realized > 0) {
			t.Errorf("%s: inlined at %d sites and produced at %d, want exactly one of them", n.Name, inlined, realized)
			continue
		}
		if realized > 0 {
			for i, p := range productions {
				if p != 1 {
					t.Errorf("stage %d of %s produced %d times, want 1", i, n.Name, p)
				}
			}
		}
	}
}

func TestSingleStageSchedule(t *testing.T) {
	d := dagtest.Single(dagtest.Target, 100)
	cfg := testConfig(4)
	res, err := newDriver(d, cfg, Options{BeamSize: 4, NumPasses: 2}).Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, res.Best)
	assert.Equal(t, 2, res.Best.NumDecisions)

	f := d.Node("f")
	for _, c := range res.Best.Root.Children {
		assert.Equal(t, f, c.Node)
	}
	checkCoverage(t, d, res.Best.Root)

	feats, err := loopnest.ComputeFeatures(d, res.Best.Root, cfg)
	require.NoError(t, err)
	feat, ok := feats.Get(f.Stages[0])
	require.True(t, ok)
	assert.Equal(t, 100.0, feat.PointsComputedTotal)
}

func TestBlurSchedules(t *testing.T) {
	for _, subtile := range []bool{true, false} {
		d := dagtest.Blur(dagtest.Target, 64, 64)
		cfg := testConfig(4)
		cfg.MaySubtile = subtile
		res, err := newDriver(d, cfg, Options{BeamSize: 8, NumPasses: 2}).Run(context.Background())
		require.NoError(t, err, "subtiling %v", subtile)
		checkCoverage(t, d, res.Best.Root)
		assert.Equal(t, 2*len(d.Nodes), res.Best.NumDecisions)
		assert.Greater(t, res.Best.Cost, 0.0)
	}
}

// A reduction too small to parallelize falls back to a serial schedule.
func TestSmallReductionHasCandidates(t *testing.T) {
	d := dagtest.Reduction(dagtest.Target, 2, 1000)
	cfg := testConfig(16)
	model := costmodel.NewHeuristic(dagtest.Target, nil)
	model.SetPipelineFeatures(d, cfg.Parallelism)
	sp := NewSearchSpace(d, cfg, model)

	s := NewState()
	for s.NumDecisions < sp.NumDecisions() {
		var children []*State
		n, err := sp.GenerateChildren(s, func(c *State) { children = append(children, c) })
		require.NoError(t, err)
		require.NotZero(t, n, "no children after %d decisions", s.NumDecisions)
		require.Len(t, children, n)
		model.EvaluateCosts()
		for _, c := range children {
			c.syncCost()
		}
		s = children[0]
	}
	checkCoverage(t, d, s.Root)
}

func TestDropout(t *testing.T) {
	d := dagtest.Single(dagtest.Target, 100)
	count := func(percent int) int {
		dr := newDriver(d, testConfig(1), Options{BeamSize: 2, RandomDropout: percent, Seed: 3})
		drops := 0
		for range 10000 {
			if dr.dropout(10) {
				drops++
			}
		}
		return drops
	}
	assert.Equal(t, 0, count(0))
	assert.Equal(t, 10000, count(100))
	// Keeping everything in all ten decisions has probability one half,
	// so each decision drops about 7% of the time.
	assert.InDelta(t, 700, count(50), 200)
}

// Without dropout every child generated in a round is expanded in the
// next one when the beam is wide enough.
func TestNoDropoutExpandsEveryChild(t *testing.T) {
	d := dagtest.Chain(dagtest.Target, 64)
	cfg := testConfig(4)
	dr := newDriver(d, cfg, Options{BeamSize: 100000, NumPasses: 1})
	byLevel := map[int][]*State{}
	dr.onExpand = func(s *State) { byLevel[s.NumDecisions] = append(byLevel[s.NumDecisions], s) }
	_, err := dr.Run(context.Background())
	require.NoError(t, err)

	model := costmodel.NewHeuristic(dagtest.Target, nil)
	model.SetPipelineFeatures(d, cfg.Parallelism)
	sp := NewSearchSpace(d, cfg, model)
	last := sp.NumDecisions() - 1
	for level := 0; level < last; level++ {
		generated := 0
		for _, s := range byLevel[level] {
			n, err := sp.GenerateChildren(s, func(*State) {})
			require.NoError(t, err)
			generated += n
		}
		assert.Len(t, byLevel[level+1], generated, "states expanded after %d decisions", level+1)
	}
}

func TestBeamSizeOne(t *testing.T) {
	d := dagtest.Blur(dagtest.Target, 64, 64)
	dr := newDriver(d, testConfig(4), Options{BeamSize: 1, NumPasses: 5})
	expanded := map[int]int{}
	dr.onExpand = func(s *State) { expanded[s.NumDecisions]++ }
	res, err := dr.Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, res.Passes, 1, "a beam of one runs a single pass")
	for level := range 2 * len(d.Nodes) {
		assert.Equal(t, 1, expanded[level], "states expanded after %d decisions", level)
	}
}

func TestPenaltyKeepsCollidingStates(t *testing.T) {
	d := dagtest.Single(dagtest.Target, 100)
	dr := newDriver(d, testConfig(4), Options{BeamSize: 3, NumPasses: 2})
	dr.hash = func(*State, int) uint64 { return 0 }

	var pending StateQueue
	for _, c := range []float64{2, 1, 1.5} {
		pending.Push(&State{Root: loopnest.NewRoot(), Cost: c})
	}
	var order []float64
	terminal, expanded, err := dr.round(&pending, 3, 0, 2, func(s *State) error {
		order = append(order, s.Cost)
		return nil
	})
	require.NoError(t, err)
	assert.Nil(t, terminal)
	assert.Equal(t, 3, expanded)
	// The second and third states are penalized by their rank among the
	// colliding ones, then deferred, but all are expanded.
	assert.Equal(t, []float64{1, 3, 6}, order)

	// Distinct structures are not penalized.
	pending.Clear()
	for _, c := range []float64{2, 1, 1.5} {
		pending.Push(&State{Root: loopnest.NewRoot(), Cost: c})
	}
	var next uint64
	dr.hash = func(*State, int) uint64 { next++; return next }
	order = nil
	_, _, err = dr.round(&pending, 3, 0, 2, func(s *State) error {
		order = append(order, s.Cost)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 1.5, 2}, order)
}

func TestDeterminism(t *testing.T) {
	d := dagtest.Blur(dagtest.Target, 64, 64)
	run := func() *State {
		opts := Options{BeamSize: 4, NumPasses: 3, RandomDropout: 30, Seed: 5}
		res, err := newDriver(d, testConfig(4), opts).Run(context.Background())
		require.NoError(t, err)
		return res.Best
	}
	a, b := run(), run()
	assert.Equal(t, a.Cost, b.Cost)
	assert.Equal(t, a.Root.String(), b.Root.String())
}

func TestPassesNeverRegress(t *testing.T) {
	d := dagtest.Blur(dagtest.Target, 64, 64)
	res, err := newDriver(d, testConfig(4), Options{BeamSize: 4, NumPasses: 3}).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Passes, 3)
	for i := 1; i < len(res.Passes); i++ {
		assert.LessOrEqual(t, res.Passes[i].Incumbent, res.Passes[i-1].Incumbent)
	}
	assert.Equal(t, res.Best.Cost, res.Passes[len(res.Passes)-1].Incumbent)
}

func TestFreezePrePass(t *testing.T) {
	d := dagtest.Blur(dagtest.Target, 64, 64)
	opts := Options{BeamSize: 4, NumPasses: 3, FreezeInlineComputeRoot: true}
	dr := newDriver(d, testConfig(4), opts)
	res, err := dr.Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, res.Passes, 2, "the pre-pass takes one of the passes")
	checkCoverage(t, d, res.Best.Root)
}

func TestStarvedSearch(t *testing.T) {
	d := dagtest.Single(dagtest.Target, 100)
	cfg := testConfig(4)
	// Nothing fits in zero bytes.
	cfg.Resources = loopnest.NewResourceModel(dagtest.Target, 0)
	_, err := newDriver(d, cfg, Options{BeamSize: 2, NumPasses: 1, MaxBeamRetries: 2}).Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, sched.ErrSearchExhausted), "got %v", err)
}

func TestCanceledContext(t *testing.T) {
	d := dagtest.Single(dagtest.Target, 100)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newDriver(d, testConfig(4), Options{BeamSize: 2, NumPasses: 2}).Run(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestRoundHook(t *testing.T) {
	d := dagtest.Chain(dagtest.Target, 64)
	calls := 0
	opts := Options{BeamSize: 8, NumPasses: 4, Hook: func(_, _ int, candidates []*State) []*State {
		calls++
		require.NotEmpty(t, candidates)
		for i := 1; i < len(candidates); i++ {
			require.LessOrEqual(t, candidates[i-1].Cost, candidates[i].Cost)
		}
		return candidates[len(candidates)-1:]
	}}
	res, err := newDriver(d, testConfig(4), opts).Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, res.Passes, 1)
	assert.Equal(t, 2*len(d.Nodes), calls)
}

func TestOptionsFromParams(t *testing.T) {
	p := sched.DefaultParams()
	p.BeamSize = 1
	p.NumPasses = 7
	assert.Equal(t, 1, OptionsFromParams(p).NumPasses)
	p.BeamSize = 16
	assert.Equal(t, 7, OptionsFromParams(p).NumPasses)
}
