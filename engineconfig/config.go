// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package engineconfig holds the configuration surface of the engine:
// the knobs that control sampling, stack capture depth and cache sizing.
package engineconfig // import "github.com/qutrack/qutrack/engineconfig"

import (
	"fmt"
	"regexp"
)

// Config is the structure used to configure one running instance of the
// engine. It corresponds field-for-field to the configuration options
// specified for the engine's external interface.
type Config struct {
	// StacktraceEnabled gates whether the engine ever unwinds at all. When
	// false, allocations are still tracked by pointer/size/caller but never
	// carry a stack hash.
	StacktraceEnabled bool

	// CallerSamplingEnabled switches the sampling decision to the (currently
	// unimplemented, see SamplingPolicy.shouldSampleCallerBased) caller-based
	// mode.
	CallerSamplingEnabled bool

	// SampleSizeMin and SampleSizeMax bound which allocation sizes are
	// sampled. A value of 0 for either means unbounded in that direction.
	SampleSizeMin uint64
	SampleSizeMax uint64

	// SamplingProbability is the probability, in [0,1], that a
	// size-eligible allocation is sampled (stack captured).
	SamplingProbability float64

	// StackLogThreshold is an accumulated-size threshold in bytes. It is
	// carried in the configuration, but no component reads it: reports list
	// every stack regardless of its accumulated size.
	StackLogThreshold uint64

	// QuickenUnwindEnabled toggles the native stepping unwinder. When
	// false, every unwind request fails fast with no frames.
	QuickenUnwindEnabled bool

	// MaxFramesShort bounds unwind depth for allocation stacks;
	// MaxFramesLong bounds the thread-creation stack captured for thread
	// provenance.
	MaxFramesShort int
	MaxFramesLong  int

	// ThreadNameFilters lists the regular expressions used to decide which
	// threads are enrolled for provenance capture.
	ThreadNameFilters []string

	// TableCacheMaxBytes bounds the on-disk size of the unwind table cache.
	TableCacheMaxBytes uint64

	// TableCacheDir is the directory the table cache persists to.
	TableCacheDir string

	// ShardCount is the number of independent locked shards the allocation
	// tracker's pointer map is split into.
	ShardCount int
}

// DefaultConfig returns a Config with conservative, production-reasonable
// defaults, mirroring the shape (if not the exact values) of the host
// agent's built-in defaults.
func DefaultConfig() Config {
	return Config{
		StacktraceEnabled:    true,
		SampleSizeMin:        0,
		SampleSizeMax:        0,
		SamplingProbability:  1.0,
		StackLogThreshold:    64 * 1024,
		QuickenUnwindEnabled: true,
		MaxFramesShort:       16,
		MaxFramesLong:        64,
		ThreadNameFilters:    nil,
		TableCacheMaxBytes:   64 * 1024 * 1024,
		TableCacheDir:        "/data/local/tmp/qutrack-cache",
		ShardCount:           32,
	}
}

// Validate checks the configuration for internally inconsistent values
// and compiles ThreadNameFilters, returning the compiled filters so callers
// do not need to recompile them on every thread rename.
func (c *Config) Validate() ([]*regexp.Regexp, error) {
	if c.SamplingProbability < 0 || c.SamplingProbability > 1 {
		return nil, fmt.Errorf("invalid sampling probability %v: must be in [0,1]",
			c.SamplingProbability)
	}
	if c.SampleSizeMax != 0 && c.SampleSizeMin > c.SampleSizeMax {
		return nil, fmt.Errorf("invalid sample size bounds: min %d > max %d",
			c.SampleSizeMin, c.SampleSizeMax)
	}
	if c.ShardCount <= 0 {
		return nil, fmt.Errorf("invalid shard count %d: must be positive", c.ShardCount)
	}
	if c.MaxFramesShort <= 0 || c.MaxFramesLong <= 0 {
		return nil, fmt.Errorf("invalid max frame bounds: short=%d long=%d",
			c.MaxFramesShort, c.MaxFramesLong)
	}

	filters := make([]*regexp.Regexp, 0, len(c.ThreadNameFilters))
	for _, pattern := range c.ThreadNameFilters {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid thread name filter %q: %w", pattern, err)
		}
		filters = append(filters, re)
	}
	return filters, nil
}
