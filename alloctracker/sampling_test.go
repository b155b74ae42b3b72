// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package alloctracker_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/qutrack/qutrack/alloctracker"
)

func constRand(v float64) func() float64 { return func() float64 { return v } }

func TestSamplingPolicyZeroProbabilityRejectsAll(t *testing.T) {
	p := alloctracker.NewSamplingPolicy(0, 0, 0, false, constRand(0))
	for _, size := range []uint64{1, 128, 1 << 20} {
		assert.False(t, p.ShouldSample(size))
	}
}

func TestSamplingPolicySizeBounds(t *testing.T) {
	p := alloctracker.NewSamplingPolicy(16, 256, 1, false, constRand(0))
	assert.False(t, p.ShouldSample(8))
	assert.True(t, p.ShouldSample(16))
	assert.True(t, p.ShouldSample(256))
	assert.False(t, p.ShouldSample(257))
}

func TestSamplingPolicyProbabilityDraw(t *testing.T) {
	p := alloctracker.NewSamplingPolicy(0, 0, 0.5, false, constRand(0.4))
	assert.True(t, p.ShouldSample(10))

	p = alloctracker.NewSamplingPolicy(0, 0, 0.5, false, constRand(0.6))
	assert.False(t, p.ShouldSample(10))
}

func TestSamplingPolicyCallerBasedRejectsAll(t *testing.T) {
	p := alloctracker.NewSamplingPolicy(0, 0, 1, true, constRand(0))
	assert.False(t, p.ShouldSample(10), "caller-based sampling has no implementation, spec'd to reject all")
}
