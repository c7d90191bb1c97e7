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
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"k8s.io/klog/v2"

	"github.com/ajroetker/go-autoschedule/sched/search"
)

// chooseHook lets a person pick the state expanded in each round. The
// choices are listed most expensive first so the cheapest is closest to
// the prompt. If in runs out, the cheapest state is kept.
func chooseHook(in io.Reader, out io.Writer) search.RoundHook {
	sc := bufio.NewScanner(in)
	return func(_, decision int, candidates []*search.State) []*search.State {
		if len(candidates) == 0 {
			return candidates
		}
		fmt.Fprintf(out, "\n--------------------\nSelect a schedule (decision %d):\n", decision)
		for i := len(candidates) - 1; i >= 0; i-- {
			fmt.Fprintf(out, "\n[%d]:\n", i)
			candidates[i].Dump(out)
		}
		for {
			fmt.Fprint(out, "\nEnter selection: ")
			if !sc.Scan() {
				klog.Warningf("no selection for decision %d, keeping the cheapest state", decision)
				return candidates[:1]
			}
			text := strings.TrimSpace(sc.Text())
			n, err := strconv.Atoi(text)
			if err == nil && n >= 0 && n < len(candidates) {
				return candidates[n : n+1]
			}
			fmt.Fprintf(out, "%q is not a choice between 0 and %d\n", text, len(candidates)-1)
		}
	}
}
