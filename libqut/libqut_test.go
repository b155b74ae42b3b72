// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package libqut_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/qutrack/qutrack/libqut"
)

func TestNewFileIDIsStableAndSensitiveToIdentity(t *testing.T) {
	a := libqut.NewFileID("/bin/app", 4096, 0)
	b := libqut.NewFileID("/bin/app", 4096, 0)
	assert.Equal(t, a, b)

	c := libqut.NewFileID("/bin/app", 4097, 0)
	assert.NotEqual(t, a, c)
}

func TestFileIDIsZero(t *testing.T) {
	assert.True(t, libqut.FileID{}.IsZero())
	assert.False(t, libqut.NewFileID("/bin/app", 4096, 0).IsZero())
}

func TestFileIDUUIDStringIsCanonicalAndStable(t *testing.T) {
	id := libqut.NewFileID("/bin/app", 4096, 0)
	s := id.UUIDString()
	assert.Len(t, s, 36, "canonical UUID form is 36 characters including hyphens")
	assert.Equal(t, s, id.UUIDString())
}

func TestBuildIDIsEmpty(t *testing.T) {
	assert.True(t, libqut.BuildID("").IsEmpty())
	assert.False(t, libqut.BuildID("abc123").IsEmpty())
}

func TestStackHashIsNull(t *testing.T) {
	assert.True(t, libqut.StackHash(0).IsNull())
	assert.False(t, libqut.StackHash(1).IsNull())
}
