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
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ajroetker/go-autoschedule/sched"
)

func printTarget(w io.Writer, t sched.Target) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "name:\t%s\n", t.Name)
	fmt.Fprintf(tw, "arch:\t%s\n", t.Arch)
	if t.Arch == sched.ArchGPU {
		fmt.Fprintf(tw, "warp size:\t%d\n", t.WarpSize)
		fmt.Fprintf(tw, "shared memory:\t%d bytes\n", t.SharedMemoryLimit)
	} else {
		fmt.Fprintf(tw, "vector bytes:\t%d\n", t.VectorBytes)
	}
	fmt.Fprintf(tw, "registers:\t%d\n", t.Registers)
	fmt.Fprintf(tw, "unroll limit:\t%d\n", t.UnrollLimit())
	fmt.Fprintf(tw, "cache line:\t%d bytes\n", t.CacheLineSize)
	fmt.Fprintf(tw, "last level cache:\t%d bytes\n", t.LastLevelCacheSize)
	tw.Flush()
}

func newTargetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "target [NAME]",
		Short: "List the known targets, or describe one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if len(args) == 0 {
				for _, name := range sched.AvailableTargets() {
					fmt.Fprintln(out, name)
				}
				return nil
			}
			t, err := sched.LookupTarget(args[0])
			if err != nil {
				return err
			}
			printTarget(out, t)
			return nil
		},
	}
}
