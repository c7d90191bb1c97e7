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

// Command autosched searches for loop nest schedules of pipelines described
// in YAML.
//
// Usage:
//
//	autosched schedule blur.yaml                       # print the schedule source
//	autosched schedule -o out/ --jobs 4 a.yaml b.yaml  # one .schedule.txt per pipeline
//	autosched features --format text blur.yaml         # featurization of the best schedule
//	autosched params --params "beam_size=8,seed=3"     # show the resolved parameters
//	autosched target                                   # list the known targets
//
// Parameters are resolved in order from the defaults, a YAML file given by
// --params-file, the HL_* environment variables, the flat --params string
// and finally the individual flags.
package main

import (
	goflag "flag"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

func main() {
	defer klog.Flush()
	if err := newRootCmd(os.Stdin, os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(in io.Reader, out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "autosched",
		Short:         "Search for loop nest schedules of image processing pipelines",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetIn(in)
	root.SetOut(out)

	klogFlags := goflag.NewFlagSet("klog", goflag.ContinueOnError)
	klog.InitFlags(klogFlags)
	root.PersistentFlags().AddGoFlagSet(klogFlags)

	root.AddCommand(
		newScheduleCmd(),
		newFeaturesCmd(),
		newParamsCmd(),
		newTargetCmd(),
	)
	return root
}
