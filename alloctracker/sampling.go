// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package alloctracker

// SamplingPolicy decides, for each allocation event, whether the tracker
// bothers to unwind at all. Unsampled allocations are still recorded by
// pointer/size/caller; they simply carry a null stack hash.
type SamplingPolicy struct {
	minSize, maxSize uint64
	probability      float64
	callerBased      bool
	rand             func() float64
}

// NewSamplingPolicy builds a policy from the four parameters spec.md's
// sampling section names. rand must return a uniform draw in [0,1); pass
// math/rand.Float64 in production and a deterministic stub in tests.
func NewSamplingPolicy(minSize, maxSize uint64, probability float64, callerBased bool, rand func() float64) *SamplingPolicy {
	return &SamplingPolicy{
		minSize:     minSize,
		maxSize:     maxSize,
		probability: probability,
		callerBased: callerBased,
		rand:        rand,
	}
}

// ShouldSample reports whether an allocation of size should be unwound.
func (p *SamplingPolicy) ShouldSample(size uint64) bool {
	if p.callerBased {
		return p.shouldSampleCallerBased()
	}
	if p.minSize != 0 && size < p.minSize {
		return false
	}
	if p.maxSize != 0 && size > p.maxSize {
		return false
	}
	if p.probability <= 0 {
		return false
	}
	return p.rand() <= p.probability
}

// shouldSampleCallerBased is the caller-based sampling mode. No concrete
// policy for it exists; until one is supplied, it rejects every
// allocation, the specified default behavior for a declared-but-unimplemented
// mode.
func (p *SamplingPolicy) shouldSampleCallerBased() bool {
	return false
}
