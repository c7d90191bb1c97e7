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
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pkg/errors"

	"github.com/ajroetker/go-autoschedule/sched/dag"
	"github.com/ajroetker/go-autoschedule/sched/features"
)

// Featurization dumps start with this magic and version.
const (
	DumpMagic   = "ASFT"
	DumpVersion = 1
)

type dumpHeader struct {
	Magic       [4]byte
	Version     uint32
	NumStages   uint32
	NumSchedule uint32
	NumPipeline uint32
}

// StageRecord is the featurization of one stage.
type StageRecord struct {
	StageID  int32
	Schedule []float32
	Pipeline []float32
}

// dumpStages lists the stages that have schedule features, in dump order:
// funcs consumers first, stages of a func last update first.
func dumpStages(d *dag.FunctionDAG, feats *dag.StageMap[features.Schedule]) []*dag.Stage {
	var out []*dag.Stage
	for _, n := range d.Nodes {
		if n.IsInput {
			continue
		}
		for i := len(n.Stages) - 1; i >= 0; i-- {
			if feats.Contains(n.Stages[i]) {
				out = append(out, n.Stages[i])
			}
		}
	}
	return out
}

// WriteFeatures writes the binary featurization of a schedule: a header,
// then per stage its id, its schedule features and its pipeline features,
// all little endian with features as float32.
func WriteFeatures(w io.Writer, d *dag.FunctionDAG, feats *dag.StageMap[features.Schedule]) error {
	stages := dumpStages(d, feats)
	bw := bufio.NewWriter(w)
	h := dumpHeader{
		Version:     DumpVersion,
		NumStages:   uint32(len(stages)),
		NumSchedule: uint32(features.NumSchedule),
		NumPipeline: uint32(features.NumPipeline),
	}
	copy(h.Magic[:], DumpMagic)
	if err := binary.Write(bw, binary.LittleEndian, &h); err != nil {
		return errors.Wrap(err, "writing featurization header")
	}

	buf := make([]float32, features.NumSchedule+features.NumPipeline)
	for _, st := range stages {
		f, _ := feats.Get(st)
		for i, v := range f.Slice() {
			buf[i] = float32(v)
		}
		for i, v := range st.Features.Slice() {
			buf[features.NumSchedule+i] = float32(v)
		}
		if err := binary.Write(bw, binary.LittleEndian, int32(st.ID)); err != nil {
			return errors.Wrapf(err, "writing features of %s", st)
		}
		if err := binary.Write(bw, binary.LittleEndian, buf); err != nil {
			return errors.Wrapf(err, "writing features of %s", st)
		}
	}
	return errors.Wrap(bw.Flush(), "writing featurization")
}

// ReadFeatures parses a dump written by WriteFeatures.
func ReadFeatures(r io.Reader) ([]StageRecord, error) {
	br := bufio.NewReader(r)
	var h dumpHeader
	if err := binary.Read(br, binary.LittleEndian, &h); err != nil {
		return nil, errors.Wrap(err, "reading featurization header")
	}
	if string(h.Magic[:]) != DumpMagic {
		return nil, errors.Errorf("not a featurization dump: magic %q", h.Magic[:])
	}
	if h.Version != DumpVersion {
		return nil, errors.Errorf("featurization dump version %d, want %d", h.Version, DumpVersion)
	}

	if h.NumSchedule != uint32(features.NumSchedule) || h.NumPipeline != uint32(features.NumPipeline) {
		return nil, errors.Errorf("featurization dump has %d schedule and %d pipeline features, want %d and %d",
			h.NumSchedule, h.NumPipeline, features.NumSchedule, features.NumPipeline)
	}

	// The stage count is only trusted as far as the data goes.
	var records []StageRecord
	for i := range h.NumStages {
		rec := StageRecord{
			Schedule: make([]float32, features.NumSchedule),
			Pipeline: make([]float32, features.NumPipeline),
		}
		for _, dst := range []any{&rec.StageID, rec.Schedule, rec.Pipeline} {
			if err := binary.Read(br, binary.LittleEndian, dst); err != nil {
				return nil, errors.Wrapf(err, "reading stage %d of %d", i, h.NumStages)
			}
		}
		records = append(records, rec)
	}
	return records, nil
}

// WriteFeaturesText writes the featurization with feature names.
func WriteFeaturesText(w io.Writer, d *dag.FunctionDAG, feats *dag.StageMap[features.Schedule]) error {
	bw := bufio.NewWriter(w)
	for _, st := range dumpStages(d, feats) {
		f, _ := feats.Get(st)
		fmt.Fprintf(bw, "Schedule features for %s\n", st.Name)
		f.Dump(bw, "    ")
		fmt.Fprintf(bw, "Pipeline features for %s\n", st.Name)
		st.Features.Dump(bw, "    ")
	}
	return errors.Wrap(bw.Flush(), "writing featurization")
}
