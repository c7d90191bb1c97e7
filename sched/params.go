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
	"bytes"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Params is the flat set of named tunables recognized by the scheduler.
// Keys in parameter strings, environment variables and YAML files use the
// yaml tag names.
type Params struct {
	// Target is the machine name passed to LookupTarget.
	Target string `yaml:"target"`

	// Parallelism is the number of cores to schedule for.
	Parallelism int `yaml:"parallelism"`

	BeamSize int `yaml:"beam_size"`

	// NumPasses is the number of coarse-to-fine passes. Zero picks 1 for a
	// beam of size 1 and 5 otherwise.
	NumPasses int `yaml:"num_passes"`

	// RandomDropout is the percent chance that a pass drops at least one
	// candidate. Zero disables dropout.
	RandomDropout int    `yaml:"random_dropout"`
	Seed          uint64 `yaml:"seed"`

	DisableSubtiling bool `yaml:"disable_subtiling"`
	RandomizeTilings bool `yaml:"randomize_tilings"`

	// SearchSpace is a bitmask string, see ParseSearchSpaceOptions.
	SearchSpace string `yaml:"search_space_options"`

	// MemoryLimit rejects schedules whose peak allocation exceeds it, in
	// bytes. Negative means unlimited.
	MemoryLimit int64 `yaml:"memory_limit"`

	// SharedMemoryLimit overrides the target's per-block limit when > 0.
	SharedMemoryLimit int64 `yaml:"shared_memory_limit"`

	// RegisterLimit overrides the target's register count when > 0.
	RegisterLimit int `yaml:"register_limit"`

	// LastLevelCacheSize overrides the target's cache size when > 0.
	LastLevelCacheSize int64 `yaml:"last_level_cache_size"`

	FreezeInlineComputeRoot bool `yaml:"freeze_inline_compute_root"`

	// WeightsPath selects the learned cost model when non-empty.
	WeightsPath string `yaml:"weights_path"`

	// MaxBeamRetries is how many times a starved pass is retried with a
	// doubled beam before giving up.
	MaxBeamRetries int `yaml:"max_beam_retries"`

	// TimeBudget stops new passes from starting once exceeded. Zero means
	// no budget.
	TimeBudget time.Duration `yaml:"time_budget"`

	// Interactive enables the choose-your-own-schedule round hook.
	Interactive bool `yaml:"interactive"`
}

// DefaultParams returns the parameters used when nothing is configured.
func DefaultParams() Params {
	return Params{
		Target:         "host",
		Parallelism:    HostCores(),
		BeamSize:       32,
		SearchSpace:    "1111",
		MemoryLimit:    -1,
		MaxBeamRetries: 0,
	}
}

// Validate checks ranges and formats. Failures are *ConfigError.
func (p *Params) Validate() error {
	if p.Parallelism <= 0 {
		return ConfigErrorf("parallelism", "must be positive, got %d", p.Parallelism)
	}
	if p.BeamSize <= 0 {
		return ConfigErrorf("beam_size", "must be positive, got %d", p.BeamSize)
	}
	if p.NumPasses < 0 {
		return ConfigErrorf("num_passes", "must not be negative, got %d", p.NumPasses)
	}
	if p.RandomDropout < 0 || p.RandomDropout > 100 {
		return ConfigErrorf("random_dropout", "must be a percentage in [0, 100], got %d", p.RandomDropout)
	}
	if p.MaxBeamRetries < 0 {
		return ConfigErrorf("max_beam_retries", "must not be negative, got %d", p.MaxBeamRetries)
	}
	if _, err := ParseSearchSpaceOptions(p.SearchSpace); err != nil {
		return err
	}
	if _, err := LookupTarget(p.Target); err != nil {
		return err
	}
	return nil
}

// Passes returns the effective number of passes.
func (p *Params) Passes() int {
	if p.BeamSize == 1 {
		return 1
	}
	if p.NumPasses > 0 {
		return p.NumPasses
	}
	return 5
}

// Options returns the parsed search space bitmask. Call Validate first.
func (p *Params) Options() SearchSpaceOptions {
	o, err := ParseSearchSpaceOptions(p.SearchSpace)
	if err != nil {
		return AllSearchSpaceOptions
	}
	return o
}

// ResolveTarget returns the target with the parameter overrides applied.
func (p *Params) ResolveTarget() (Target, error) {
	t, err := LookupTarget(p.Target)
	if err != nil {
		return Target{}, err
	}
	if p.SharedMemoryLimit > 0 {
		t.SharedMemoryLimit = p.SharedMemoryLimit
	}
	if p.RegisterLimit > 0 {
		t.Registers = p.RegisterLimit
	}
	if p.LastLevelCacheSize > 0 {
		t.LastLevelCacheSize = p.LastLevelCacheSize
	}
	return t, nil
}

type paramSetter func(p *Params, v string) error

func intSetter(key string, dst func(*Params) *int) paramSetter {
	return func(p *Params, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return ConfigErrorf(key, "expected an integer, got %q", v)
		}
		*dst(p) = n
		return nil
	}
}

func int64Setter(key string, dst func(*Params) *int64) paramSetter {
	return func(p *Params, v string) error {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return ConfigErrorf(key, "expected an integer, got %q", v)
		}
		*dst(p) = n
		return nil
	}
}

func boolSetter(key string, dst func(*Params) *bool) paramSetter {
	return func(p *Params, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return ConfigErrorf(key, "expected a boolean, got %q", v)
		}
		*dst(p) = b
		return nil
	}
}

var paramSetters = map[string]paramSetter{
	"target": func(p *Params, v string) error { p.Target = v; return nil },
	"parallelism": intSetter("parallelism", func(p *Params) *int { return &p.Parallelism }),
	"beam_size":   intSetter("beam_size", func(p *Params) *int { return &p.BeamSize }),
	"num_passes":  intSetter("num_passes", func(p *Params) *int { return &p.NumPasses }),
	"random_dropout": intSetter("random_dropout", func(p *Params) *int {
		return &p.RandomDropout
	}),
	"seed": func(p *Params, v string) error {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return ConfigErrorf("seed", "expected an unsigned integer, got %q", v)
		}
		p.Seed = n
		return nil
	},
	"disable_subtiling": boolSetter("disable_subtiling", func(p *Params) *bool { return &p.DisableSubtiling }),
	"randomize_tilings": boolSetter("randomize_tilings", func(p *Params) *bool { return &p.RandomizeTilings }),
	"search_space_options": func(p *Params, v string) error {
		if _, err := ParseSearchSpaceOptions(v); err != nil {
			return err
		}
		p.SearchSpace = v
		return nil
	},
	"memory_limit":        int64Setter("memory_limit", func(p *Params) *int64 { return &p.MemoryLimit }),
	"shared_memory_limit": int64Setter("shared_memory_limit", func(p *Params) *int64 { return &p.SharedMemoryLimit }),
	"register_limit":      intSetter("register_limit", func(p *Params) *int { return &p.RegisterLimit }),
	"last_level_cache_size": int64Setter("last_level_cache_size", func(p *Params) *int64 {
		return &p.LastLevelCacheSize
	}),
	"freeze_inline_compute_root": boolSetter("freeze_inline_compute_root", func(p *Params) *bool {
		return &p.FreezeInlineComputeRoot
	}),
	"weights_path":     func(p *Params, v string) error { p.WeightsPath = v; return nil },
	"max_beam_retries": intSetter("max_beam_retries", func(p *Params) *int { return &p.MaxBeamRetries }),
	"time_budget": func(p *Params, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return ConfigErrorf("time_budget", "expected a duration, got %q", v)
		}
		p.TimeBudget = d
		return nil
	},
	"interactive": boolSetter("interactive", func(p *Params) *bool { return &p.Interactive }),
}

// SetKey sets one parameter by name. The "autoscheduler." prefix used by
// compiler parameter strings is accepted.
func (p *Params) SetKey(key, value string) error {
	key = strings.TrimPrefix(strings.TrimSpace(key), "autoscheduler.")
	set, ok := paramSetters[key]
	if !ok {
		return ConfigErrorf(key, "unknown parameter")
	}
	return set(p, strings.TrimSpace(value))
}

// Set parses a flat "key=value,key=value" string. Separators may be commas,
// semicolons or whitespace.
func (p *Params) Set(s string) error {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ';' || r == ' ' || r == '\t' || r == '\n'
	})
	for _, f := range fields {
		k, v, ok := strings.Cut(f, "=")
		if !ok {
			return ConfigErrorf(f, "expected key=value")
		}
		if err := p.SetKey(k, v); err != nil {
			return err
		}
	}
	return nil
}

// ParseParams returns DefaultParams overridden by the flat string s.
func ParseParams(s string) (Params, error) {
	p := DefaultParams()
	if err := p.Set(s); err != nil {
		return Params{}, err
	}
	return p, p.Validate()
}

// envKeys maps the environment variables understood by the original
// compiler autoscheduler to parameter keys.
var envKeys = []struct{ env, key string }{
	{"HL_TARGET", "target"},
	{"HL_PARALLELISM", "parallelism"},
	{"HL_BEAM_SIZE", "beam_size"},
	{"HL_NUM_PASSES", "num_passes"},
	{"HL_RANDOM_DROPOUT", "random_dropout"},
	{"HL_SEED", "seed"},
	{"HL_NO_SUBTILING", "disable_subtiling"},
	{"HL_RANDOMIZE_TILINGS", "randomize_tilings"},
	{"HL_SEARCH_SPACE_OPTIONS", "search_space_options"},
	{"HL_FREEZE_INLINE_COMPUTE_ROOT", "freeze_inline_compute_root"},
	{"HL_AUTOSCHEDULE_MEMORY_LIMIT", "memory_limit"},
	{"HL_SHARED_MEMORY_LIMIT", "shared_memory_limit"},
	{"HL_WEIGHTS_DIR", "weights_path"},
	{"HL_MAX_BEAM_RETRIES", "max_beam_retries"},
	{"HL_CYOS", "interactive"},
}

// ApplyEnv overrides parameters from HL_* environment variables.
func (p *Params) ApplyEnv() error {
	return p.applyLookup(os.LookupEnv)
}

func (p *Params) applyLookup(lookup func(string) (string, bool)) error {
	for _, e := range envKeys {
		v, ok := lookup(e.env)
		if !ok || v == "" {
			continue
		}
		if err := p.SetKey(e.key, v); err != nil {
			return errors.WithMessagef(err, "from $%s", e.env)
		}
	}
	return nil
}

// LoadParamsFile overrides p with the keys present in a YAML file.
func (p *Params) LoadParamsFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "reading params file %s", path)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(p); err != nil {
		return &ConfigError{Key: path, Msg: err.Error()}
	}
	return nil
}

// RegisterFlags exposes every parameter on fs, using p's current values as
// defaults. Flag names use dashes instead of underscores.
func (p *Params) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringVar(&p.Target, "target", p.Target, "target machine ("+strings.Join(AvailableTargets(), ", ")+")")
	fs.IntVar(&p.Parallelism, "parallelism", p.Parallelism, "number of cores to schedule for")
	fs.IntVar(&p.BeamSize, "beam-size", p.BeamSize, "beam size")
	fs.IntVar(&p.NumPasses, "num-passes", p.NumPasses, "number of coarse-to-fine passes (0: automatic)")
	fs.IntVar(&p.RandomDropout, "random-dropout", p.RandomDropout, "percent chance of dropping candidates in a pass")
	fs.Uint64Var(&p.Seed, "seed", p.Seed, "random seed")
	fs.BoolVar(&p.DisableSubtiling, "disable-subtiling", p.DisableSubtiling, "only tile at the root level")
	fs.BoolVar(&p.RandomizeTilings, "randomize-tilings", p.RandomizeTilings, "keep every parallel tiling option")
	fs.StringVar(&p.SearchSpace, "search-space-options", p.SearchSpace, "bitmask: compute_root, inline, compute_at, sliding")
	fs.Int64Var(&p.MemoryLimit, "memory-limit", p.MemoryLimit, "peak allocation limit in bytes (negative: unlimited)")
	fs.Int64Var(&p.SharedMemoryLimit, "shared-memory-limit", p.SharedMemoryLimit, "per-block shared memory limit in bytes")
	fs.IntVar(&p.RegisterLimit, "register-limit", p.RegisterLimit, "register count override")
	fs.Int64Var(&p.LastLevelCacheSize, "last-level-cache-size", p.LastLevelCacheSize, "cache size override in bytes")
	fs.BoolVar(&p.FreezeInlineComputeRoot, "freeze-inline-compute-root", p.FreezeInlineComputeRoot, "run a pre-pass that freezes cheap inline/compute_root decisions")
	fs.StringVar(&p.WeightsPath, "weights", p.WeightsPath, "learned cost model weights (YAML file or directory)")
	fs.IntVar(&p.MaxBeamRetries, "max-beam-retries", p.MaxBeamRetries, "retries with a doubled beam when a pass starves")
	fs.DurationVar(&p.TimeBudget, "time-budget", p.TimeBudget, "stop starting new passes after this long")
	fs.BoolVar(&p.Interactive, "cyos", p.Interactive, "choose your own schedule interactively")
}

// SearchSpaceOptions restricts which placements the generator explores.
type SearchSpaceOptions uint8

const (
	// OptionComputeRoot allows realizing funcs at the root.
	OptionComputeRoot SearchSpaceOptions = 1 << iota

	// OptionInline allows inlining single-stage funcs.
	OptionInline

	// OptionComputeAt allows realizing funcs inside other loop nests.
	OptionComputeAt

	// OptionSlide allows storing a func above where it is computed.
	OptionSlide
)

// AllSearchSpaceOptions enables every placement.
const AllSearchSpaceOptions = OptionComputeRoot | OptionInline | OptionComputeAt | OptionSlide

var searchSpaceOrder = []SearchSpaceOptions{OptionComputeRoot, OptionInline, OptionComputeAt, OptionSlide}

// ParseSearchSpaceOptions parses a string of up to four '0'/'1' characters
// in the order compute_root, inline, compute_at, sliding. Missing trailing
// characters are '1'. At least one of compute_root and compute_at must be
// enabled.
func ParseSearchSpaceOptions(s string) (SearchSpaceOptions, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return AllSearchSpaceOptions, nil
	}
	if len(s) > len(searchSpaceOrder) {
		return 0, ConfigErrorf("search_space_options", "at most %d flags, got %q", len(searchSpaceOrder), s)
	}
	o := AllSearchSpaceOptions
	for i, c := range s {
		switch c {
		case '1':
		case '0':
			o &^= searchSpaceOrder[i]
		default:
			return 0, ConfigErrorf("search_space_options", "flags must be 0 or 1, got %q", s)
		}
	}
	if o&(OptionComputeRoot|OptionComputeAt) == 0 {
		return 0, ConfigErrorf("search_space_options", "%q leaves no way to realize a func", s)
	}
	return o, nil
}

// Has reports whether every option in x is enabled.
func (o SearchSpaceOptions) Has(x SearchSpaceOptions) bool {
	return o&x == x
}

func (o SearchSpaceOptions) String() string {
	var sb strings.Builder
	for _, x := range searchSpaceOrder {
		if o.Has(x) {
			sb.WriteByte('1')
		} else {
			sb.WriteByte('0')
		}
	}
	return sb.String()
}
