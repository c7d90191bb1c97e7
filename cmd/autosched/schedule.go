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
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/ajroetker/go-autoschedule/sched"
	"github.com/ajroetker/go-autoschedule/sched/autoschedule"
	"github.com/ajroetker/go-autoschedule/sched/contrib/workerpool"
	"github.com/ajroetker/go-autoschedule/sched/dag"
	"github.com/ajroetker/go-autoschedule/sched/features"
)

// Scheduler schedules a set of pipeline files.
type Scheduler struct {
	Params sched.Params

	// OutputDir receives <name>.schedule.txt per pipeline. Empty writes
	// the schedules to Out.
	OutputDir string

	// FeaturesDir receives <name>.featurization per pipeline when set.
	FeaturesDir string

	// Jobs is the number of pipelines scheduled at once.
	Jobs int

	Out io.Writer
	In  io.Reader

	mu sync.Mutex
}

func baseName(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

// Run schedules every file. The first failure cancels the rest.
func (s *Scheduler) Run(ctx context.Context, files []string) error {
	if s.Params.Interactive && len(files) > 1 {
		return sched.ConfigErrorf("interactive", "choosing schedules interactively needs exactly one pipeline, got %d", len(files))
	}
	for _, dir := range lo.Compact([]string{s.OutputDir, s.FeaturesDir}) {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "creating %s", dir)
		}
	}

	pool := workerpool.New(0)
	defer pool.Close()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, s.Jobs))
	for _, f := range files {
		g.Go(func() error {
			return s.scheduleFile(ctx, f, pool)
		})
	}
	return g.Wait()
}

// generate loads one pipeline and schedules it.
func (s *Scheduler) generate(ctx context.Context, path string, pool *workerpool.Pool) (*dag.FunctionDAG, *autoschedule.Result, error) {
	t, err := s.Params.ResolveTarget()
	if err != nil {
		return nil, nil, err
	}
	d, err := dag.LoadYAML(path, t)
	if err != nil {
		return nil, nil, err
	}
	opts := autoschedule.Options{Pool: pool}
	if s.Params.Interactive {
		opts.Hook = chooseHook(s.In, s.Out)
	}
	res, err := autoschedule.Generate(ctx, d, s.Params, opts)
	if err != nil {
		return nil, nil, errors.WithMessage(err, path)
	}
	klog.V(1).Infof("%s: cost %g after %d evaluations in %s", path, res.Cost, res.CostCalculations, res.Elapsed)
	return d, res, nil
}

func (s *Scheduler) scheduleFile(ctx context.Context, path string, pool *workerpool.Pool) error {
	d, res, err := s.generate(ctx, path, pool)
	if err != nil {
		return err
	}
	name := baseName(path)

	if s.FeaturesDir != "" {
		err := writeFile(filepath.Join(s.FeaturesDir, name+".featurization"), func(w io.Writer) error {
			return autoschedule.WriteFeatures(w, d, res.Features)
		})
		if err != nil {
			return err
		}
	}

	src := res.Schedule.Source()
	if s.OutputDir != "" {
		return writeFile(filepath.Join(s.OutputDir, name+".schedule.txt"), func(w io.Writer) error {
			_, err := io.WriteString(w, src)
			return err
		})
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = fmt.Fprintf(s.Out, "// %s: predicted cost %g\n%s", path, res.Cost, src)
	return err
}

// writeFile creates path and fills it with write.
func writeFile(path string, write func(w io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating %s", path)
	}
	if err := write(f); err != nil {
		f.Close()
		return errors.WithMessage(err, path)
	}
	return errors.Wrapf(f.Close(), "closing %s", path)
}

func newScheduleCmd() *cobra.Command {
	var pf paramFlags
	s := &Scheduler{}
	cmd := &cobra.Command{
		Use:   "schedule PIPELINE.yaml...",
		Short: "Schedule pipelines and print or write the schedule source",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := pf.resolve(cmd)
			if err != nil {
				return err
			}
			s.Params = p
			s.In = cmd.InOrStdin()
			s.Out = cmd.OutOrStdout()
			return s.Run(cmd.Context(), args)
		},
	}
	fs := cmd.Flags()
	fs.StringVarP(&s.OutputDir, "output-dir", "o", "", "write <pipeline>.schedule.txt files here instead of printing")
	fs.StringVar(&s.FeaturesDir, "features-dir", "", "also write <pipeline>.featurization files here")
	fs.IntVarP(&s.Jobs, "jobs", "j", 1, "pipelines scheduled concurrently")
	pf.register(fs)
	return cmd
}

type featureWriter func(w io.Writer, d *dag.FunctionDAG, feats *dag.StageMap[features.Schedule]) error

func newFeaturesCmd() *cobra.Command {
	var (
		pf     paramFlags
		format string
		output string
	)
	cmd := &cobra.Command{
		Use:   "features PIPELINE.yaml",
		Short: "Write the featurization of the best schedule of a pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			write, ok := map[string]featureWriter{
				"binary": autoschedule.WriteFeatures,
				"text":   autoschedule.WriteFeaturesText,
			}[format]
			if !ok {
				return sched.ConfigErrorf("format", "want binary or text, got %q", format)
			}
			p, err := pf.resolve(cmd)
			if err != nil {
				return err
			}
			pool := workerpool.New(0)
			defer pool.Close()
			s := &Scheduler{Params: p, In: cmd.InOrStdin(), Out: cmd.OutOrStdout()}
			d, res, err := s.generate(cmd.Context(), args[0], pool)
			if err != nil {
				return err
			}
			if output == "" {
				return write(cmd.OutOrStdout(), d, res.Features)
			}
			return writeFile(output, func(w io.Writer) error { return write(w, d, res.Features) })
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&format, "format", "binary", "binary or text")
	fs.StringVarP(&output, "output", "o", "", "output file (default stdout)")
	pf.register(fs)
	return cmd
}
