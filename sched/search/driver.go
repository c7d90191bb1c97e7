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
	"math"
	"math/rand/v2"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/ajroetker/go-autoschedule/sched"
	"github.com/ajroetker/go-autoschedule/sched/costmodel"
	"github.com/ajroetker/go-autoschedule/sched/dag"
	"github.com/ajroetker/go-autoschedule/sched/loopnest"
)

// Tunables of the coarse-to-fine search.
const (
	// impermissiblePenalty is added to the penalty of states whose coarser
	// structure was not blessed by the previous pass.
	impermissiblePenalty = 10

	// blessThreshold blesses the states within this factor of the best
	// cost at the end of a pass.
	blessThreshold = 1.2
)

// errStarved is returned by a pass that ran out of states.
var errStarved = errors.New("ran out of legal states")

// RoundHook is called after the children of a round have been scored,
// with the states that compete for the next round, cheapest first. It
// returns the states to keep. The interactive driver uses it to let a
// person pick the next state.
type RoundHook func(pass, decision int, candidates []*State) []*State

// Options configure a Driver.
type Options struct {
	BeamSize int

	// NumPasses is the number of coarse-to-fine passes. A beam of one or
	// a RoundHook forces a single pass.
	NumPasses int

	// RandomDropout is the percent chance that a pass drops at least one
	// state.
	RandomDropout int
	Seed          uint64

	// MaxBeamRetries is how many times a starved pass is retried with a
	// doubled beam.
	MaxBeamRetries int

	// FreezeInlineComputeRoot spends the first pass picking the cheap
	// inline and compute_root decisions that later passes keep.
	FreezeInlineComputeRoot bool

	RandomizeTilings bool

	Hook RoundHook
}

// OptionsFromParams extracts the search options from run parameters.
func OptionsFromParams(p sched.Params) Options {
	return Options{
		BeamSize:                p.BeamSize,
		NumPasses:               p.Passes(),
		RandomDropout:           p.RandomDropout,
		Seed:                    p.Seed,
		MaxBeamRetries:          p.MaxBeamRetries,
		FreezeInlineComputeRoot: p.FreezeInlineComputeRoot,
		RandomizeTilings:        p.RandomizeTilings,
	}
}

// PassResult summarizes one pass.
type PassResult struct {
	Index    int
	BeamSize int

	// Cost is the best cost found by the pass; Incumbent the best over
	// all passes so far.
	Cost      float64
	Incumbent float64

	Expanded int
}

// Result is the outcome of a search.
type Result struct {
	Best   *State
	Passes []PassResult
}

// Driver runs beam search over the search space of one pipeline.
type Driver struct {
	dag   *dag.FunctionDAG
	cfg   loopnest.Config
	model costmodel.Model
	space *SearchSpace
	opts  Options
	rng   *rand.Rand

	// permitted holds the structural hashes blessed by earlier passes.
	permitted map[uint64]struct{}

	// Test hooks.
	hash     func(s *State, depth int) uint64
	onExpand func(s *State)
}

// NewDriver returns a driver for d. The model is configured by the driver.
func NewDriver(d *dag.FunctionDAG, cfg loopnest.Config, model costmodel.Model, opts Options) *Driver {
	dr := &Driver{
		dag:       d,
		cfg:       cfg,
		model:     model,
		opts:      opts,
		rng:       rand.New(rand.NewPCG(opts.Seed, opts.Seed)),
		permitted: map[uint64]struct{}{},
	}
	dr.space = NewSearchSpace(d, cfg, model)
	dr.space.RandomizeTilings = opts.RandomizeTilings
	dr.hash = func(s *State, depth int) uint64 {
		return s.StructuralHash(depth, cfg.Parallelism)
	}
	return dr
}

// Space returns the search space the driver explores.
func (dr *Driver) Space() *SearchSpace {
	return dr.space
}

func (dr *Driver) numPasses() int {
	if dr.opts.BeamSize == 1 || dr.opts.Hook != nil {
		return 1
	}
	return max(1, dr.opts.NumPasses)
}

// Run performs coarse-to-fine beam search and returns the best complete
// schedule over all passes. Once ctx is done no new pass is started; if
// no pass has completed by then, Run fails.
func (dr *Driver) Run(ctx context.Context) (result *Result, err error) {
	defer sched.Recover(&err)

	numPasses := dr.numPasses()
	passIdx := 0
	if dr.opts.FreezeInlineComputeRoot && numPasses > 1 {
		passIdx = -1
		numPasses--
	}

	result = &Result{}
	for ; passIdx < numPasses; passIdx++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if result.Best == nil {
				return nil, errors.Wrap(ctxErr, "search stopped before a pass completed")
			}
			klog.V(1).Infof("stopping after %d passes: %v", len(result.Passes), ctxErr)
			break
		}

		best, pr, err := dr.passWithRetries(passIdx, numPasses)
		if err != nil {
			return nil, err
		}
		klog.V(1).Infof("pass %d of %d, cost: %g", passIdx+1, numPasses, best.Cost)
		best.LogDump(2)

		if passIdx == -1 {
			dr.space.FreezeLowestCostStages(best)
			continue
		}
		if result.Best == nil || best.Cost < result.Best.Cost {
			result.Best = best
		}
		pr.Incumbent = result.Best.Cost
		result.Passes = append(result.Passes, pr)
	}
	klog.V(1).Infof("best cost: %g", result.Best.Cost)
	return result, nil
}

func (dr *Driver) passWithRetries(passIdx, numPasses int) (*State, PassResult, error) {
	beam := dr.opts.BeamSize
	for retry := 0; ; retry++ {
		best, pr, err := dr.pass(beam, passIdx, numPasses)
		if !errors.Is(err, errStarved) {
			return best, pr, err
		}
		if retry >= dr.opts.MaxBeamRetries {
			return nil, pr, errors.Wrapf(sched.ErrSearchExhausted, "pass %d with beam size %d", passIdx, beam)
		}
		klog.Warningf("pass %d ran out of legal states with beam size %d, retrying with %d", passIdx, beam, 2*beam)
		beam *= 2
	}
}

// pass is one pass of beam search.
func (dr *Driver) pass(beam, passIdx, numPasses int) (*State, PassResult, error) {
	pr := PassResult{Index: passIdx, BeamSize: beam}
	dr.model.Reset()
	dr.model.SetPipelineFeatures(dr.dag, dr.cfg.Parallelism)

	var q, pending StateQueue
	q.Push(NewState())

	enqueue := func(s *State) {
		s.penalized = false
		q.Push(s)
	}

	for decision := 0; ; decision++ {
		q, pending = pending, q
		if pending.Len() == 0 {
			return nil, pr, errStarved
		}
		if pending.Len() > beam*10000 {
			klog.Warningf("huge number of states generated: %d", pending.Len())
		}

		terminal, expanded, err := dr.round(&pending, beam, passIdx, numPasses, func(s *State) error {
			_, err := dr.space.GenerateChildren(s, enqueue)
			return err
		})
		pr.Expanded += expanded
		if err != nil {
			return nil, pr, err
		}
		if terminal != nil {
			pr.Cost = terminal.Cost
			return terminal, pr, nil
		}
		klog.V(2).Infof("pass %d decision %d: expanded %d states, %d children, %d dropped unconsidered",
			passIdx, decision, expanded, q.Len(), pending.Len())

		pending.Clear()
		dr.model.EvaluateCosts()
		q.syncCosts()

		if dr.opts.Hook != nil {
			keep := dr.opts.Hook(passIdx, decision, q.Sorted())
			q.Clear()
			for _, s := range keep {
				q.Push(s)
			}
		}
	}
}

// round pops up to beam states off pending and expands them. It returns
// the first complete state it pops, which is the best of the pass.
func (dr *Driver) round(pending *StateQueue, beam, passIdx, numPasses int,
	expand func(*State) error) (terminal *State, expanded int, err error) {
	hashes := map[uint64]int{}
	for expanded < beam && pending.Len() > 0 {
		s := pending.Pop()
		if dr.penalize(s, pending, hashes, beam, passIdx, numPasses) {
			continue
		}

		if pending.Len() > 1 && dr.dropout(dr.space.NumDecisions()) {
			continue
		}

		if s.NumDecisions == dr.space.NumDecisions() {
			if passIdx+1 < numPasses {
				dr.bless(s, pending, beam, passIdx)
			}
			return s, expanded, nil
		}

		if dr.onExpand != nil {
			dr.onExpand(s)
		}
		if err := expand(s); err != nil {
			return nil, expanded, err
		}
		expanded++
	}
	return nil, expanded, nil
}

// penalize lazily inflates the cost of s by how many states already
// expanded this round share its structure. It reports whether s was
// deferred back into pending because it is no longer the cheapest.
func (dr *Driver) penalize(s *State, pending *StateQueue, hashes map[uint64]int, beam, passIdx, numPasses int) bool {
	if beam <= 1 || numPasses <= 1 || s.penalized {
		return false
	}
	h1 := dr.hash(s, passIdx+1)
	h0 := dr.hash(s, passIdx-1)
	hashes[h1]++
	penalty := hashes[h1]
	if passIdx > 0 {
		if _, ok := dr.permitted[h0]; !ok {
			// Stay in the beam, but far behind anything permitted.
			penalty += impermissiblePenalty
		}
	}
	if penalty <= 1 {
		return false
	}
	s.penalized = true
	s.Cost *= float64(penalty)
	if pending.Len() > 0 && s.Cost > pending.Top().Cost {
		pending.Push(s)
		return true
	}
	return false
}

// bless permits the coarse structure of best and of every state within
// blessThreshold of it, and of all their ancestors, in the next pass.
func (dr *Driver) bless(best *State, pending *StateQueue, beam, passIdx int) {
	s := best
	for blessed := 0; s.Cost <= blessThreshold*best.Cost && blessed < beam; blessed++ {
		for p := s; p != nil; p = p.Parent {
			dr.permitted[dr.hash(p, passIdx)] = struct{}{}
		}
		if pending.Len() == 0 {
			return
		}
		s = pending.Pop()
	}
}

// dropout decides whether to discard a state. The per-decision chance is
// set so that a whole pass of numDecisions decisions keeps everything
// with probability 1 - RandomDropout%.
func (dr *Driver) dropout(numDecisions int) bool {
	if dr.opts.RandomDropout <= 0 {
		return false
	}
	keep := float64(100-dr.opts.RandomDropout) / 100
	t := 100 * math.Pow(keep, 1/float64(numDecisions))
	return float64(dr.rng.IntN(100)) >= t
}
