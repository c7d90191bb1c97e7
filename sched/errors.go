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

package sched

import (
	"fmt"
	"math"
	"math/bits"

	"github.com/pkg/errors"
)

// ErrSearchExhausted is returned when a beam search pass runs out of legal
// states and the retry ceiling has been reached.
var ErrSearchExhausted = errors.New("beam search exhausted: no legal states remain")

// ConfigError reports a bad parameter or a missing/invalid bound estimate.
// It is always returned before any search begins.
type ConfigError struct {
	// Key names the offending parameter, func or dimension.
	Key string
	Msg string
}

func (e *ConfigError) Error() string {
	if e.Key == "" {
		return "configuration error: " + e.Msg
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Key, e.Msg)
}

// ConfigErrorf builds a *ConfigError for key.
func ConfigErrorf(key, format string, args ...any) error {
	return &ConfigError{Key: key, Msg: fmt.Sprintf(format, args...)}
}

// IsConfigError reports whether err (or anything it wraps) is a *ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// InvariantError is the panic value used for internal inconsistencies in
// the scheduler state: a footprint overflowing int64, a bounds query for a
// stage that is not scheduled, a realized func with no consumers. These
// are bugs, not bad schedule choices.
type InvariantError struct {
	Msg string
}

func (e *InvariantError) Error() string {
	return "internal invariant violated: " + e.Msg
}

// Assertf panics with an *InvariantError when cond is false.
func Assertf(cond bool, format string, args ...any) {
	if !cond {
		panic(&InvariantError{Msg: fmt.Sprintf(format, args...)})
	}
}

// Recover converts an *InvariantError panic into an error stored in *errp.
// Any other panic is re-raised. Use it deferred at API boundaries:
//
//	defer sched.Recover(&err)
func Recover(errp *error) {
	r := recover()
	if r == nil {
		return
	}
	ie, ok := r.(*InvariantError)
	if !ok {
		panic(r)
	}
	*errp = errors.WithStack(ie)
}

// MulInt64 returns a*b, asserting the product fits in an int64.
func MulInt64(a, b int64) int64 {
	if a == 0 || b == 0 {
		return 0
	}
	neg := (a < 0) != (b < 0)
	hi, lo := bits.Mul64(absU64(a), absU64(b))
	Assertf(hi == 0 && lo <= math.MaxInt64, "int64 overflow computing %d * %d", a, b)
	if neg {
		return -int64(lo)
	}
	return int64(lo)
}

// AddInt64 returns a+b, asserting the sum fits in an int64.
func AddInt64(a, b int64) int64 {
	s := a + b
	Assertf(!((a > 0 && b > 0 && s < 0) || (a < 0 && b < 0 && s >= 0)),
		"int64 overflow computing %d + %d", a, b)
	return s
}

func absU64(a int64) uint64 {
	if a < 0 {
		return uint64(-a)
	}
	return uint64(a)
}
