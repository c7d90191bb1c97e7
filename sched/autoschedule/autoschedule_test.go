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

package autoschedule

import (
	"bytes"
	"context"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajroetker/go-autoschedule/sched"
	"github.com/ajroetker/go-autoschedule/sched/contrib/workerpool"
	"github.com/ajroetker/go-autoschedule/sched/costmodel"
	"github.com/ajroetker/go-autoschedule/sched/dag"
	"github.com/ajroetker/go-autoschedule/sched/dag/dagtest"
	"github.com/ajroetker/go-autoschedule/sched/features"
	"github.com/ajroetker/go-autoschedule/sched/search"
)

func testParams() sched.Params {
	p := sched.DefaultParams()
	p.Target = "arm64-neon"
	p.Parallelism = 4
	p.BeamSize = 4
	p.NumPasses = 2
	return p
}

func TestGenerate(t *testing.T) {
	d := dagtest.Blur(dagtest.Target, 128, 128)
	res, err := Generate(context.Background(), d, testParams(), Options{})
	require.NoError(t, err)

	assert.Equal(t, "arm64-neon", res.Target.Name)
	assert.Greater(t, res.Cost, 0.0)
	assert.Len(t, res.Passes, 2)
	assert.Positive(t, res.CostCalculations)
	assert.True(t, res.Features.Contains(d.Node("blur_y").Stages[0]))
	src := res.Schedule.Source()
	assert.Contains(t, src, "Func blur_y = get_pipeline().get_func(")
	assert.Contains(t, src, ".compute_root()")
}

func TestGenerateFromYAML(t *testing.T) {
	p := testParams()
	target, err := p.ResolveTarget()
	require.NoError(t, err)
	d, err := dag.LoadYAML("../dag/testdata/blur.yaml", target)
	require.NoError(t, err)

	pool := workerpool.New(2)
	defer pool.Close()
	res, err := Generate(context.Background(), d, p, Options{Pool: pool})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Schedule.Stages)
}

func TestGenerateDeterministic(t *testing.T) {
	p := testParams()
	p.NumPasses = 3
	p.RandomDropout = 20
	p.Seed = 11
	run := func() string {
		res, err := Generate(context.Background(), dagtest.Blur(dagtest.Target, 96, 64), p, Options{})
		require.NoError(t, err)
		return res.Schedule.Source()
	}
	assert.Equal(t, run(), run())
}

func TestGenerateConfigErrors(t *testing.T) {
	d := dagtest.Single(dagtest.Target, 100)
	for name, mutate := range map[string]func(p *sched.Params){
		"beam":          func(p *sched.Params) { p.BeamSize = 0 },
		"dropout":       func(p *sched.Params) { p.RandomDropout = 101 },
		"search space":  func(p *sched.Params) { p.SearchSpace = "0011x" },
		"target":        func(p *sched.Params) { p.Target = "vax" },
		"no placements": func(p *sched.Params) { p.SearchSpace = "0100" },
	} {
		p := testParams()
		mutate(&p)
		_, err := Generate(context.Background(), d, p, Options{})
		assert.True(t, sched.IsConfigError(err), "%s: got %v", name, err)
	}
}

func TestGenerateLearnedModel(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, costmodel.RandomWeights(3).SaveDir(dir))
	p := testParams()
	p.WeightsPath = dir

	model, err := NewModel(p, dagtest.Target, nil)
	require.NoError(t, err)
	assert.IsType(t, &costmodel.Learned{}, model)

	res, err := Generate(context.Background(), dagtest.Chain(dagtest.Target, 256), p, Options{})
	require.NoError(t, err)
	assert.NotNil(t, res.Best)
}

func TestGenerateCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Generate(ctx, dagtest.Single(dagtest.Target, 100), testParams(), Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
}

func TestGenerateHook(t *testing.T) {
	d := dagtest.Chain(dagtest.Target, 64)
	rounds := 0
	hook := func(_, _ int, candidates []*search.State) []*search.State {
		rounds++
		return candidates[:1]
	}
	res, err := Generate(context.Background(), d, testParams(), Options{Hook: hook})
	require.NoError(t, err)
	assert.Len(t, res.Passes, 1)
	assert.Equal(t, 2*len(d.Nodes), rounds)
}

func TestFeatureDump(t *testing.T) {
	d := dagtest.Reduction(dagtest.Target, 256, 64)
	res, err := Generate(context.Background(), d, testParams(), Options{})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteFeatures(&buf, d, res.Features))
	assert.Equal(t, DumpMagic, buf.String()[:4])

	records, err := ReadFeatures(&buf)
	require.NoError(t, err)
	sum := d.Node("sum")
	require.Len(t, records, 2)
	// Update stage first.
	for i, st := range []*dag.Stage{sum.Stages[1], sum.Stages[0]} {
		rec := records[i]
		assert.Equal(t, int32(st.ID), rec.StageID)
		f, _ := res.Features.Get(st)
		for j, v := range f.Slice() {
			assert.Equal(t, float32(v), rec.Schedule[j], "schedule feature %d of %s", j, st)
		}
		for j, v := range st.Features.Slice() {
			assert.Equal(t, float32(v), rec.Pipeline[j], "pipeline feature %d of %s", j, st)
		}
	}

	var text strings.Builder
	require.NoError(t, WriteFeaturesText(&text, d, res.Features))
	assert.Contains(t, text.String(), "Schedule features for sum.update(0)")
	assert.Contains(t, text.String(), "Pipeline features for sum\n")
}

func TestReadFeaturesRejectsGarbage(t *testing.T) {
	_, err := ReadFeatures(strings.NewReader("NOPE and some more bytes to fill a header"))
	assert.ErrorContains(t, err, "not a featurization dump")

	_, err = ReadFeatures(strings.NewReader("AS"))
	assert.Error(t, err)
}

func TestReadFeaturesHeaderCounts(t *testing.T) {
	header := func(stages, schedule, pipeline uint32) *bytes.Buffer {
		var buf bytes.Buffer
		h := dumpHeader{Version: DumpVersion, NumStages: stages, NumSchedule: schedule, NumPipeline: pipeline}
		copy(h.Magic[:], DumpMagic)
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, &h))
		return &buf
	}

	numSchedule, numPipeline := uint32(features.NumSchedule), uint32(features.NumPipeline)
	_, err := ReadFeatures(header(1, numSchedule, 1))
	assert.ErrorContains(t, err, "pipeline features")
	_, err = ReadFeatures(header(1, 1<<30, numPipeline))
	assert.ErrorContains(t, err, "schedule features")

	// A huge stage count with no data fails on the first record.
	_, err = ReadFeatures(header(1<<30, numSchedule, numPipeline))
	assert.ErrorContains(t, err, "reading stage 0 of 1073741824")

	buf := header(2, numSchedule, numPipeline)
	require.NoError(t, binary.Write(buf, binary.LittleEndian, int32(7)))
	require.NoError(t, binary.Write(buf, binary.LittleEndian, make([]float32, features.NumSchedule+features.NumPipeline)))
	_, err = ReadFeatures(buf)
	assert.ErrorContains(t, err, "reading stage 1 of 2")
}
