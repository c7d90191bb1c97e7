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

package loopnest

import (
	"fmt"
	"io"
	"strings"

	"k8s.io/klog/v2"

	"github.com/ajroetker/go-autoschedule/sched/dag"
)

// Dump writes the tree, one loop per line. Each loop lists its extents,
// with "v" marking the vector loop and "c" a constant extent, then
// (vectorized loop index, vector dim). A trailing "t" marks tileable
// loops, "*" innermost ones and "p" parallel ones.
func (n *LoopNest) Dump(w io.Writer) {
	n.dump(w, "", nil)
}

func (n *LoopNest) dump(w io.Writer, prefix string, parent *LoopNest) {
	if !n.IsRoot() {
		fmt.Fprintf(w, "%s%s", prefix, n.Node.Name)
		prefix += " "
		var pb *dag.Bound
		if parent != nil {
			pb, _ = parent.Bounds(n.Node)
		}
		for i, s := range n.Size {
			fmt.Fprintf(w, " %d", s)
			if n.Innermost && i == n.VectorizedLoopIndex {
				io.WriteString(w, "v")
			}
			if pb != nil && pb.Loops[n.Stage.Index][i].ConstantExtent {
				io.WriteString(w, "c")
			}
		}
		fmt.Fprintf(w, " (%d, %d)", n.VectorizedLoopIndex, n.VectorDim)
	}
	if n.Tileable {
		io.WriteString(w, " t")
	}
	switch {
	case n.Innermost:
		io.WriteString(w, " *\n")
	case n.Parallel:
		io.WriteString(w, " p\n")
	default:
		io.WriteString(w, "\n")
	}
	n.StoreAt.Range(func(f *dag.Node, _ struct{}) bool {
		fmt.Fprintf(w, "%srealize: %s\n", prefix, f.Name)
		return true
	})
	for i := len(n.Children) - 1; i >= 0; i-- {
		n.Children[i].dump(w, prefix, n)
	}
	n.Inlined.Range(func(f *dag.Node, calls int64) bool {
		fmt.Fprintf(w, "%sinlined: %s %d\n", prefix, f.Name, calls)
		return true
	})
}

// String is the Dump output.
func (n *LoopNest) String() string {
	var sb strings.Builder
	n.Dump(&sb)
	return sb.String()
}

// LogDump logs the tree at the given verbosity.
func (n *LoopNest) LogDump(level klog.Level, header string) {
	if v := klog.V(level); v.Enabled() {
		v.Infof("%s\n%s", header, n)
	}
}
