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

	"gonum.org/v1/gonum/mat"

	"github.com/ajroetker/go-autoschedule/sched/contrib/workerpool"
	"github.com/ajroetker/go-autoschedule/sched/dag"
	"github.com/ajroetker/go-autoschedule/sched/features"
)

// Learned predicts the coefficients of the cost formula with a small
// network. The first head embeds each stage's pipeline features, the
// second its schedule features, and a trunk layer mixes the two into one
// coefficient vector per stage.
type Learned struct {
	batch

	scheduleMean, scheduleStd []float64
	head2Filter               *mat.Dense // Head2Channels x NumSchedule
	head2Bias                 []float64
	trunkHead2                mat.Matrix // TrunkChannels x Head2Channels

	// trunkPipeline is the pipeline half of the trunk layer plus its
	// bias, one row per stage. It does not depend on the schedule.
	trunkPipeline *mat.Dense

	weights *Weights
}

var _ Model = (*Learned)(nil)

// NewLearned returns a learned model with the given weights. pool may be
// nil.
func NewLearned(w *Weights, pool *workerpool.Pool) *Learned {
	l := &Learned{weights: w}
	l.pool = pool
	l.score = l.scoreSlot

	l.scheduleMean = toFloat64(w.ScheduleMean)
	l.scheduleStd = toFloat64(w.ScheduleStd)
	l.head2Filter = mat.NewDense(Head2Channels, features.NumSchedule, toFloat64(w.Head2Filter))
	l.head2Bias = toFloat64(w.Head2Bias)
	trunk := mat.NewDense(TrunkChannels, Head1Channels+Head2Channels, toFloat64(w.TrunkFilter))
	l.trunkHead2 = trunk.Slice(0, TrunkChannels, Head1Channels, Head1Channels+Head2Channels)
	return l
}

func toFloat64(s []float32) []float64 {
	out := make([]float64, len(s))
	for i, v := range s {
		out[i] = float64(v)
	}
	return out
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

func relu(_, _ int, v float64) float64 {
	return max(v, 0)
}

// addBias adds bias to every row of m.
func addBias(m *mat.Dense, bias []float64) {
	r, c := m.Dims()
	for i := range r {
		for j := range c {
			m.Set(i, j, m.At(i, j)+bias[j])
		}
	}
}

func (l *Learned) SetPipelineFeatures(d *dag.FunctionDAG, parallelism int) {
	l.setPipeline(d, parallelism)
	w := l.weights
	ns := len(l.stages)
	if ns == 0 {
		l.trunkPipeline = nil
		return
	}

	pipe := mat.NewDense(ns, features.NumPipelineModelInputs, nil)
	normalize := func(start, end int) {
		for i := start; i < end; i++ {
			for j, v := range l.stages[i].Features.ModelInputs() {
				pipe.Set(i, j, (float64(v)-float64(w.PipelineMean[j]))/nonZero(float64(w.PipelineStd[j])))
			}
		}
	}
	if l.pool == nil {
		normalize(0, ns)
	} else {
		l.pool.ParallelFor(ns, normalize)
	}

	squashed := mat.NewDense(Head1Channels, features.NumPipelineModelInputs, toFloat64(w.Head1Filter))
	squashed.Apply(func(_, _ int, v float64) float64 { return sigmoid(v) }, squashed)

	// Inputs and squashed weights are positive, so head1 needs no relu.
	var head1 mat.Dense
	head1.Mul(pipe, squashed.T())
	addBias(&head1, toFloat64(w.Head1Bias))

	trunk := mat.NewDense(TrunkChannels, Head1Channels+Head2Channels, toFloat64(w.TrunkFilter))
	var tp mat.Dense
	tp.Mul(&head1, trunk.Slice(0, TrunkChannels, 0, Head1Channels).T())
	addBias(&tp, toFloat64(w.TrunkBias))
	l.trunkPipeline = &tp
}

func nonZero(x float64) float64 {
	if x == 0 {
		return 1
	}
	return x
}

// Coefficients returns the per-stage coefficients the network predicts for
// one candidate.
func (l *Learned) Coefficients(feats []features.Schedule) []Coefficients {
	ns := len(feats)
	out := make([]Coefficients, ns)
	if ns == 0 {
		return out
	}

	sf := mat.NewDense(ns, features.NumSchedule, nil)
	for i := range feats {
		for j, v := range feats[i].Slice() {
			x := math.Log(max(v, 0) + 1)
			sf.Set(i, j, (x-l.scheduleMean[j])/nonZero(l.scheduleStd[j]))
		}
	}

	var head2 mat.Dense
	head2.Mul(sf, l.head2Filter.T())
	addBias(&head2, l.head2Bias)
	head2.Apply(relu, &head2)

	var z mat.Dense
	z.Mul(&head2, l.trunkHead2.T())
	z.Add(&z, l.trunkPipeline)
	z.Apply(relu, &z)

	for i := range out {
		for j := range NumCoefficients {
			out[i][j] = z.At(i, j)
		}
	}
	return out
}

func (l *Learned) scoreSlot(s *Slot) {
	coeffs := l.Coefficients(s.Features)
	for i := range s.Features {
		s.PerStage[i] = StageCost(&s.Features[i], &coeffs[i], i, l.cores)
	}
	finish(s)
}
