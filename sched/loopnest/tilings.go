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

// GenerateTilings lists candidate outer extents for the first d+1 loops of
// a box of sizes s. Tile sizes are spaced logarithmically by factor. When
// allowSplits is false every loop is either left whole or fully split.
// The trivial tilings (all ones, or the whole box) are skipped.
func GenerateTilings(s []int64, d int, factor int64, allowSplits bool) [][]int64 {
	if d == -1 {
		return [][]int64{{}}
	}
	var result [][]int64
	v := GenerateTilings(s, d-1, factor, allowSplits)
	// Search the outer loops more coarsely if the inner ones already
	// produced many options.
	for int64(len(v)) > factor*100 {
		factor *= 2
	}

	emit := func(t []int64, outer int64) {
		next := make([]int64, len(t)+1)
		copy(next, t)
		next[len(t)] = outer
		result = append(result, next)
	}

	for _, t := range v {
		isOne, isFull := false, false
		if d == len(s)-1 {
			isOne, isFull = true, true
			for i := range d {
				isOne = isOne && t[i] == 1
				isFull = isFull && t[i] == s[i]
			}
		}
		extent := s[d]
		if !allowSplits {
			if !isOne {
				emit(t, 1)
			}
			if extent != 1 && !isFull {
				emit(t, extent)
			}
			continue
		}

		var maxInner int64
		for inner := int64(1); inner < extent; inner *= factor {
			outer := (extent + inner - 1) / inner
			if (isOne && outer == 1) || (isFull && outer == extent) {
				continue
			}
			// Too much redundant compute.
			if inner > 1 && inner*outer*7 > extent*8 {
				break
			}
			maxInner = inner
			emit(t, outer)
		}
		for outer := int64(1); outer <= extent; outer *= factor {
			inner := (extent + outer - 1) / outer
			if (isOne && outer == 1) || (isFull && outer == extent) {
				continue
			}
			// The loop above covered this regime.
			if outer > 1 && inner < maxInner*2 {
				break
			}
			if inner*outer*7 > extent*8 {
				break
			}
			emit(t, outer)
		}

		// Inner tiles of three fill twelve registers in gemm-like loops.
		const inner3 = 3
		outer3 := (extent + inner3 - 1) / inner3
		if factor == 2 && inner3 < extent && outer3 < extent && outer3 > 1 {
			if inner3*outer3*7 <= extent*8 {
				emit(t, outer3)
			}
		}
	}
	return result
}
