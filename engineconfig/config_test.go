// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package engineconfig_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qutrack/qutrack/engineconfig"
)

func TestValidateDefaults(t *testing.T) {
	cfg := engineconfig.DefaultConfig()
	_, err := cfg.Validate()
	require.NoError(t, err)
}

func TestValidateRejectsBadProbability(t *testing.T) {
	cfg := engineconfig.DefaultConfig()
	cfg.SamplingProbability = 1.5
	_, err := cfg.Validate()
	assert.Error(t, err)
}

func TestValidateRejectsInvertedSizeBounds(t *testing.T) {
	cfg := engineconfig.DefaultConfig()
	cfg.SampleSizeMin = 100
	cfg.SampleSizeMax = 10
	_, err := cfg.Validate()
	assert.Error(t, err)
}

func TestValidateCompilesFilters(t *testing.T) {
	cfg := engineconfig.DefaultConfig()
	cfg.ThreadNameFilters = []string{"worker-.*", "gc-[0-9]+"}
	filters, err := cfg.Validate()
	require.NoError(t, err)
	require.Len(t, filters, 2)
	assert.True(t, filters[0].MatchString("worker-1"))
	assert.False(t, filters[0].MatchString("idle"))
}

func TestValidateRejectsBadFilter(t *testing.T) {
	cfg := engineconfig.DefaultConfig()
	cfg.ThreadNameFilters = []string{"("}
	_, err := cfg.Validate()
	assert.Error(t, err)
}
