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

package dag

// keyed is implemented by graph objects with a dense, stable id.
type keyed interface {
	comparable
	key() int
}

func (n *Node) key() int  { return n.ID }
func (s *Stage) key() int { return s.ID }

// IDMap is a map keyed by graph objects, stored densely by id. Iteration
// is in ascending id order, so it is deterministic.
type IDMap[K keyed, V any] struct {
	keys []K
	vals []V
	n    int
}

// NodeMap maps funcs to values.
type NodeMap[V any] = IDMap[*Node, V]

// StageMap maps stages to values.
type StageMap[V any] = IDMap[*Stage, V]

func (m *IDMap[K, V]) grow(id int) {
	if id < len(m.keys) {
		return
	}
	n := max(id+1, 2*len(m.keys))
	keys := make([]K, n)
	vals := make([]V, n)
	copy(keys, m.keys)
	copy(vals, m.vals)
	m.keys, m.vals = keys, vals
}

// Reserve makes room for ids below n, so pointers returned by Ref stay
// valid while inserting such ids.
func (m *IDMap[K, V]) Reserve(n int) {
	if n > 0 {
		m.grow(n - 1)
	}
}

// Contains reports whether k has a value.
func (m *IDMap[K, V]) Contains(k K) bool {
	var zero K
	id := k.key()
	return id < len(m.keys) && m.keys[id] != zero
}

// Get returns the value for k.
func (m *IDMap[K, V]) Get(k K) (V, bool) {
	if !m.Contains(k) {
		var zero V
		return zero, false
	}
	return m.vals[k.key()], true
}

// Set stores v for k.
func (m *IDMap[K, V]) Set(k K, v V) {
	*m.Ref(k) = v
}

// Ref returns a pointer to the value for k, inserting a zero value first if
// needed. The pointer is valid until the next insertion.
func (m *IDMap[K, V]) Ref(k K) *V {
	id := k.key()
	m.grow(id)
	if !m.Contains(k) {
		m.keys[id] = k
		m.n++
	}
	return &m.vals[id]
}

// Delete removes k.
func (m *IDMap[K, V]) Delete(k K) {
	if !m.Contains(k) {
		return
	}
	var zk K
	var zv V
	id := k.key()
	m.keys[id] = zk
	m.vals[id] = zv
	m.n--
}

// Len is the number of keys present.
func (m *IDMap[K, V]) Len() int {
	return m.n
}

// Empty reports whether no keys are present.
func (m *IDMap[K, V]) Empty() bool {
	return m.n == 0
}

// Range calls fn in ascending id order until it returns false.
func (m *IDMap[K, V]) Range(fn func(k K, v V) bool) {
	var zero K
	for i, k := range m.keys {
		if k == zero {
			continue
		}
		if !fn(k, m.vals[i]) {
			return
		}
	}
}

// Keys returns the keys in ascending id order.
func (m *IDMap[K, V]) Keys() []K {
	out := make([]K, 0, m.n)
	m.Range(func(k K, _ V) bool {
		out = append(out, k)
		return true
	})
	return out
}

// Clone returns a shallow copy.
func (m *IDMap[K, V]) Clone() IDMap[K, V] {
	return IDMap[K, V]{
		keys: append([]K(nil), m.keys...),
		vals: append([]V(nil), m.vals...),
		n:    m.n,
	}
}

// NodeSet is a set of funcs.
type NodeSet = NodeMap[struct{}]
