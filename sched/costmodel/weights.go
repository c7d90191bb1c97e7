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
	"bytes"
	"encoding/binary"
	"io/fs"
	"math/rand/v2"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"

	"github.com/ajroetker/go-autoschedule/sched"
	"github.com/ajroetker/go-autoschedule/sched/features"
)

// Network shape.
const (
	Head1Channels = 24
	Head2Channels = 24
	TrunkChannels = 32
)

// Weights are the parameters of the learned model. Matrices are row-major
// with one row per output channel.
type Weights struct {
	PipelineMean []float32 `yaml:"pipeline_mean"`
	PipelineStd  []float32 `yaml:"pipeline_std"`
	ScheduleMean []float32 `yaml:"schedule_mean"`
	ScheduleStd  []float32 `yaml:"schedule_std"`

	// Head1Filter is squashed through a sigmoid before use, so the
	// pipeline embedding is a positive mix of op counts.
	Head1Filter []float32 `yaml:"head1_filter"`
	Head1Bias   []float32 `yaml:"head1_bias"`
	Head2Filter []float32 `yaml:"head2_filter"`
	Head2Bias   []float32 `yaml:"head2_bias"`
	TrunkFilter []float32 `yaml:"trunk_filter"`
	TrunkBias   []float32 `yaml:"trunk_bias"`
}

// tensor names one weight: its file name in a weights directory and its
// expected length.
type tensor struct {
	file string
	dst  func(w *Weights) *[]float32
	size int
	// fill is the value used when a statistics tensor is missing.
	fill    float32
	isStats bool
}

var tensors = []tensor{
	{file: "pipeline_mean.data", dst: func(w *Weights) *[]float32 { return &w.PipelineMean }, size: features.NumPipelineModelInputs, isStats: true},
	{file: "pipeline_std.data", dst: func(w *Weights) *[]float32 { return &w.PipelineStd }, size: features.NumPipelineModelInputs, fill: 1, isStats: true},
	{file: "schedule_mean.data", dst: func(w *Weights) *[]float32 { return &w.ScheduleMean }, size: features.NumSchedule, isStats: true},
	{file: "schedule_std.data", dst: func(w *Weights) *[]float32 { return &w.ScheduleStd }, size: features.NumSchedule, fill: 1, isStats: true},
	{file: "head1_conv1_weight.data", dst: func(w *Weights) *[]float32 { return &w.Head1Filter }, size: Head1Channels * features.NumPipelineModelInputs},
	{file: "head1_conv1_bias.data", dst: func(w *Weights) *[]float32 { return &w.Head1Bias }, size: Head1Channels},
	{file: "head2_conv1_weight.data", dst: func(w *Weights) *[]float32 { return &w.Head2Filter }, size: Head2Channels * features.NumSchedule},
	{file: "head2_conv1_bias.data", dst: func(w *Weights) *[]float32 { return &w.Head2Bias }, size: Head2Channels},
	{file: "trunk_conv1_weight.data", dst: func(w *Weights) *[]float32 { return &w.TrunkFilter }, size: TrunkChannels * (Head1Channels + Head2Channels)},
	{file: "trunk_conv1_bias.data", dst: func(w *Weights) *[]float32 { return &w.TrunkBias }, size: TrunkChannels},
}

// LoadWeights reads weights from path, which is either a YAML file or a
// directory of raw little-endian float32 tensors. Missing tensors are
// replaced: statistics by the identity normalization and network weights
// by random values in [-0.5, 0.5) drawn from seed, with a warning.
func LoadWeights(path string, seed uint64) (*Weights, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrapf(err, "weights %s", path)
	}
	w := &Weights{}
	if st.IsDir() {
		if err := w.readDir(path); err != nil {
			return nil, err
		}
	} else {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "reading weights %s", path)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(w); err != nil {
			return nil, &sched.ConfigError{Key: "weights_path", Msg: errors.Wrapf(err, "parsing %s", path).Error()}
		}
	}
	w.fillMissing(path, seed)
	return w, nil
}

// RandomWeights returns a network with random weights and identity
// normalization.
func RandomWeights(seed uint64) *Weights {
	w := &Weights{}
	w.fillMissing("", seed)
	return w
}

func (w *Weights) readDir(dir string) error {
	var g errgroup.Group
	bufs := make([][]float32, len(tensors))
	for i, t := range tensors {
		g.Go(func() error {
			data, err := os.ReadFile(filepath.Join(dir, t.file))
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			if err != nil {
				return errors.Wrapf(err, "reading weights %s", t.file)
			}
			if len(data) != 4*t.size {
				klog.Warningf("weights %s has %d bytes, want %d; ignoring it", t.file, len(data), 4*t.size)
				return nil
			}
			buf := make([]float32, t.size)
			if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, buf); err != nil {
				return errors.Wrapf(err, "decoding weights %s", t.file)
			}
			bufs[i] = buf
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for i, t := range tensors {
		*t.dst(w) = bufs[i]
	}
	return nil
}

// fillMissing replaces absent or misshapen tensors, in a fixed order so a
// seed always yields the same network.
func (w *Weights) fillMissing(path string, seed uint64) {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	for _, t := range tensors {
		dst := t.dst(w)
		if len(*dst) == t.size {
			continue
		}
		if len(*dst) != 0 {
			klog.Warningf("weights %s has %d values, want %d; ignoring it", t.file, len(*dst), t.size)
		}
		buf := make([]float32, t.size)
		if t.isStats {
			for i := range buf {
				buf[i] = t.fill
			}
		} else {
			if path != "" {
				klog.Warningf("could not load %s from %s, using random values instead", t.file, path)
			}
			for i := range buf {
				buf[i] = rng.Float32() - 0.5
			}
		}
		*dst = buf
	}
}

// SaveDir writes w as a directory of raw tensors readable by LoadWeights.
func (w *Weights) SaveDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "creating %s", dir)
	}
	var g errgroup.Group
	for _, t := range tensors {
		g.Go(func() error {
			var buf bytes.Buffer
			if err := binary.Write(&buf, binary.LittleEndian, *t.dst(w)); err != nil {
				return errors.Wrapf(err, "encoding %s", t.file)
			}
			return errors.Wrapf(os.WriteFile(filepath.Join(dir, t.file), buf.Bytes(), 0o644), "writing %s", t.file)
		})
	}
	return g.Wait()
}
