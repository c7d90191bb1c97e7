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

package search

import (
	"cmp"
	"container/heap"
	"slices"
)

type stateHeap []*State

func (h stateHeap) Len() int           { return len(h) }
func (h stateHeap) Less(i, j int) bool { return h[i].Cost < h[j].Cost }
func (h stateHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *stateHeap) Push(x any) { *h = append(*h, x.(*State)) }

func (h *stateHeap) Pop() any {
	old := *h
	n := len(old)
	s := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return s
}

// StateQueue is a min-heap of states by cost.
type StateQueue struct {
	h stateHeap
}

func (q *StateQueue) Push(s *State) {
	heap.Push(&q.h, s)
}

// Pop removes and returns the cheapest state.
func (q *StateQueue) Pop() *State {
	return heap.Pop(&q.h).(*State)
}

// Top returns the cheapest state without removing it.
func (q *StateQueue) Top() *State {
	return q.h[0]
}

func (q *StateQueue) Len() int {
	return len(q.h)
}

// Resort restores heap order after costs changed.
func (q *StateQueue) Resort() {
	heap.Init(&q.h)
}

func (q *StateQueue) Clear() {
	clear(q.h)
	q.h = q.h[:0]
}

// Sorted returns the states cheapest first, leaving q unchanged.
func (q *StateQueue) Sorted() []*State {
	out := slices.Clone(q.h)
	slices.SortStableFunc(out, func(a, b *State) int { return cmp.Compare(a.Cost, b.Cost) })
	return out
}

// syncCosts picks up evaluated predictions and resorts.
func (q *StateQueue) syncCosts() {
	for _, s := range q.h {
		s.syncCost()
	}
	q.Resort()
}
