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

// Package autoschedule runs the whole scheduler on one pipeline: it picks
// the cost model, searches for the best loop nest and turns it into
// directives.
package autoschedule

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/ajroetker/go-autoschedule/sched"
	"github.com/ajroetker/go-autoschedule/sched/apply"
	"github.com/ajroetker/go-autoschedule/sched/contrib/workerpool"
	"github.com/ajroetker/go-autoschedule/sched/costmodel"
	"github.com/ajroetker/go-autoschedule/sched/dag"
	"github.com/ajroetker/go-autoschedule/sched/features"
	"github.com/ajroetker/go-autoschedule/sched/loopnest"
	"github.com/ajroetker/go-autoschedule/sched/search"
)

// Options are the parts of a run that are not plain parameters.
type Options struct {
	// Model replaces the cost model selected by the parameters.
	Model costmodel.Model

	// Pool evaluates cost batches. If nil, a pool is created for the run.
	Pool *workerpool.Pool

	// Hook is called after every round of the search. Setting it forces a
	// single pass.
	Hook search.RoundHook
}

// Result is a scheduled pipeline.
type Result struct {
	Target sched.Target

	// Best is the winning search state and Cost its predicted runtime in
	// seconds.
	Best *search.State
	Cost float64

	Schedule *apply.Schedule

	// Features are the schedule features of Best, one entry per realized
	// or inlined stage.
	Features *dag.StageMap[features.Schedule]

	Passes           []search.PassResult
	CostCalculations int
	Elapsed          time.Duration
}

// NewModel returns the cost model selected by p: the learned model when a
// weights path is set, the heuristic one otherwise.
func NewModel(p sched.Params, t sched.Target, pool *workerpool.Pool) (costmodel.Model, error) {
	if p.WeightsPath == "" {
		return costmodel.NewHeuristic(t, pool), nil
	}
	w, err := costmodel.LoadWeights(p.WeightsPath, p.Seed)
	if err != nil {
		return nil, err
	}
	return costmodel.NewLearned(w, pool), nil
}

// Generate schedules d. Configuration errors are returned before the
// search starts. Internal invariant violations are returned as errors
// wrapping *sched.InvariantError.
//
// If p.TimeBudget is set, no pass starts after it has elapsed; the best
// schedule of the completed passes is returned.
func Generate(ctx context.Context, d *dag.FunctionDAG, p sched.Params, opts Options) (res *Result, err error) {
	defer sched.Recover(&err)
	start := time.Now()

	if err := p.Validate(); err != nil {
		return nil, err
	}
	t, err := p.ResolveTarget()
	if err != nil {
		return nil, err
	}
	if d.Target.Name != "" && d.Target.Name != t.Name {
		klog.V(1).Infof("pipeline was built for %s, scheduling for %s", d.Target.Name, t.Name)
	}
	cfg := loopnest.NewConfig(p, t)

	model := opts.Model
	if model == nil {
		pool := opts.Pool
		if pool == nil {
			pool = workerpool.New(0)
			defer pool.Close()
		}
		if model, err = NewModel(p, t, pool); err != nil {
			return nil, err
		}
	}

	if p.TimeBudget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.TimeBudget)
		defer cancel()
	}

	so := search.OptionsFromParams(p)
	so.Hook = opts.Hook
	dr := search.NewDriver(d, cfg, model, so)
	found, err := dr.Run(ctx)
	if err != nil {
		return nil, errors.WithMessagef(err, "scheduling pipeline of %d funcs for %s", len(d.Nodes), t.Name)
	}

	feats, err := loopnest.ComputeFeatures(d, found.Best.Root, cfg)
	if err != nil {
		return nil, errors.WithMessage(err, "featurizing the best schedule")
	}
	s, err := apply.Apply(d, found.Best.Root, cfg)
	if err != nil {
		return nil, err
	}

	res = &Result{
		Target:           t,
		Best:             found.Best,
		Cost:             found.Best.Cost,
		Schedule:         s,
		Features:         feats,
		Passes:           found.Passes,
		CostCalculations: dr.Space().CostCalculations,
		Elapsed:          time.Since(start),
	}
	klog.V(1).Infof("cost evaluated %d times in %s", res.CostCalculations, res.Elapsed)
	if klog.V(2).Enabled() {
		klog.Infof("schedule:\n%s", s.Source())
	}
	return res, nil
}
