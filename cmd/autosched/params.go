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
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/ajroetker/go-autoschedule/sched"
)

// paramFlags are the flags shared by every command that schedules.
type paramFlags struct {
	file   string
	flat   string
	noEnv  bool
	params sched.Params
}

func (pf *paramFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&pf.file, "params-file", "", "YAML file of parameters")
	fs.StringVar(&pf.flat, "params", "", `flat parameter string, e.g. "beam_size=8,num_passes=3"`)
	fs.BoolVar(&pf.noEnv, "no-env", false, "ignore HL_* environment variables")
	pf.params = sched.DefaultParams()
	pf.params.RegisterFlags(fs)
}

// resolve layers the parameter sources. Flags set on the command line win
// over everything else.
func (pf *paramFlags) resolve(cmd *cobra.Command) (sched.Params, error) {
	p := sched.DefaultParams()
	if pf.file != "" {
		if err := p.LoadParamsFile(pf.file); err != nil {
			return p, err
		}
	}
	if !pf.noEnv {
		if err := p.ApplyEnv(); err != nil {
			return p, err
		}
	}
	if err := p.Set(pf.flat); err != nil {
		return p, errors.WithMessage(err, "--params")
	}

	layer := pflag.NewFlagSet("params", pflag.ContinueOnError)
	p.RegisterFlags(layer)
	var err error
	cmd.Flags().Visit(func(f *pflag.Flag) {
		if err == nil && layer.Lookup(f.Name) != nil {
			err = layer.Set(f.Name, f.Value.String())
		}
	})
	if err != nil {
		return p, errors.Wrap(err, "applying flags")
	}
	return p, p.Validate()
}

func newParamsCmd() *cobra.Command {
	var pf paramFlags
	cmd := &cobra.Command{
		Use:   "params",
		Short: "Print the resolved parameters as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := pf.resolve(cmd)
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(p); err != nil {
				return errors.Wrap(err, "encoding parameters")
			}
			return enc.Close()
		},
	}
	pf.register(cmd.Flags())
	return cmd
}
