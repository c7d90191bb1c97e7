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
	"github.com/ajroetker/go-autoschedule/sched"
	"github.com/ajroetker/go-autoschedule/sched/dag"
)

// Sites are the loops of interest for one stage.
type Sites struct {
	// Compute is the loop containing the stage's outermost loop.
	Compute *LoopNest
	// Store is the loop at which the stage's func is allocated.
	Store *LoopNest
	// Produce is the stage's own outermost loop.
	Produce *LoopNest
	// Innermost is the stage's innermost loop, usually a single vector.
	Innermost *LoopNest
	// Task is the parallel loop the stage runs in.
	Task *LoopNest

	Inlined bool
}

// GetSites records the sites of every stage scheduled in the tree.
func (n *LoopNest) GetSites(sites *dag.StageMap[Sites]) {
	n.getSites(sites, nil, nil)
}

func (n *LoopNest) getSites(sites *dag.StageMap[Sites], task, parent *LoopNest) {
	if task == nil && !n.IsRoot() {
		task = n
	}
	for _, c := range n.Children {
		c.getSites(sites, task, n)
	}
	if parent != nil && n.Node != parent.Node {
		s := sites.Ref(n.Stage)
		s.Compute = parent
		s.Produce = n
		s.Task = task
	}
	n.StoreAt.Range(func(f *dag.Node, _ struct{}) bool {
		for _, st := range f.Stages {
			sites.Ref(st).Store = n
		}
		return true
	})
	n.Inlined.Range(func(f *dag.Node, _ int64) bool {
		s := sites.Ref(f.Stages[0])
		s.Inlined = true
		s.Compute, s.Store, s.Produce, s.Innermost = n, n, n, n
		s.Task = task
		return true
	})
	if n.Innermost {
		sites.Ref(n.Stage).Innermost = n
	}
}

type parentLink struct {
	parent *LoopNest
	depth  int
}

func (n *LoopNest) parents(links map[*LoopNest]parentLink, depth int) {
	for _, c := range n.Children {
		links[c] = parentLink{parent: n, depth: depth}
		c.parents(links, depth+1)
	}
}

func deepestCommonAncestor(links map[*LoopNest]parentLink, a, b *LoopNest) *LoopNest {
	if a.IsRoot() {
		return a
	}
	if b.IsRoot() {
		return b
	}
	if a == b {
		return a
	}
	la, lb := links[a], links[b]
	for la.depth > lb.depth {
		a = la.parent
		la = links[a]
	}
	for lb.depth > la.depth {
		b = lb.parent
		lb = links[b]
	}
	for a != b {
		if a.IsRoot() || b.IsRoot() {
			return a
		}
		a, b = links[a].parent, links[b].parent
	}
	return a
}

// ComputeSites returns the sites of every stage of d. Inputs and
// unscheduled outputs are placed at the root. Other unscheduled funcs are
// given the deepest site they could occupy: the common ancestor of their
// consumers' innermost loops.
func ComputeSites(d *dag.FunctionDAG, root *LoopNest) *dag.StageMap[Sites] {
	sites := &dag.StageMap[Sites]{}
	sites.Reserve(d.NumStages())
	root.GetSites(sites)

	for _, n := range d.Nodes {
		if !n.IsInput && !n.IsOutput {
			continue
		}
		for _, st := range n.Stages {
			s := sites.Ref(st)
			if s.Compute == nil {
				s.Compute = root
				s.Store = root
			}
		}
	}

	var links map[*LoopNest]parentLink
	for _, n := range d.Nodes {
		if sites.Contains(n.Stages[0]) {
			continue
		}
		if links == nil {
			links = map[*LoopNest]parentLink{}
			root.parents(links, 1)
		}
		var loop *LoopNest
		for _, e := range n.OutgoingEdges {
			cs, _ := sites.Get(e.Consumer)
			l := cs.Innermost
			if l == nil {
				l = cs.Compute
			}
			sched.Assertf(l != nil, "no site for %s, consumer of %s", e.Consumer.Name, n.Name)
			if loop == nil {
				loop = l
			} else {
				loop = deepestCommonAncestor(links, l, loop)
			}
		}
		sched.Assertf(loop != nil, "could not find a plausible site for unscheduled func %s", n.Name)
		for _, st := range n.Stages {
			s := sites.Ref(st)
			s.Compute = loop
			s.Store = loop
		}
	}
	return sites
}
