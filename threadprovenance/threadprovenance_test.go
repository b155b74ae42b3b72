// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package threadprovenance_test

import (
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qutrack/qutrack/libqut"
	"github.com/qutrack/qutrack/threadprovenance"
)

func TestCapturePublishThenWait(t *testing.T) {
	reg := threadprovenance.New(nil)
	reg.OnThreadCreate(42)

	reg.CapturePublish(42, 7, false, func() []libqut.Address {
		return []libqut.Address{0x1000, 0x2000}
	})

	origin, ok := reg.WaitForOrigin(42)
	require.True(t, ok)
	assert.Equal(t, libqut.TID(7), origin.Creator)
	assert.Equal(t, []libqut.Address{0x1000, 0x2000}, origin.CreationStack)
}

func TestWaitBlocksUntilPublish(t *testing.T) {
	reg := threadprovenance.New(nil)
	reg.OnThreadCreate(1)

	done := make(chan struct{})
	var origin threadprovenance.Origin
	go func() {
		var ok bool
		origin, ok = reg.WaitForOrigin(1)
		require.True(t, ok)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("WaitForOrigin returned before CapturePublish ran")
	case <-time.After(20 * time.Millisecond):
	}

	reg.CapturePublish(1, 0, false, func() []libqut.Address { return []libqut.Address{0xabc} })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitForOrigin did not wake up after CapturePublish")
	}
	assert.Equal(t, []libqut.Address{0xabc}, origin.CreationStack)
}

func TestReentrantCaptureSkipsCaptureFn(t *testing.T) {
	reg := threadprovenance.New(nil)
	reg.OnThreadCreate(5)

	called := false
	reg.CapturePublish(5, 0, true, func() []libqut.Address {
		called = true
		return []libqut.Address{0x1}
	})

	origin, ok := reg.WaitForOrigin(5)
	require.True(t, ok)
	assert.False(t, called, "reentrant capture must not invoke captureFn")
	assert.Empty(t, origin.CreationStack)
}

func TestNameFilterReclassification(t *testing.T) {
	filters := []*regexp.Regexp{regexp.MustCompile(`^worker-\d+$`)}
	reg := threadprovenance.New(filters)
	reg.OnThreadCreate(9)
	reg.CapturePublish(9, 0, false, nil)

	reg.OnThreadSetName(9, "main")
	origin, _ := reg.Origin(9)
	assert.False(t, origin.Enrolled)

	reg.OnThreadSetName(9, "worker-3")
	origin, _ = reg.Origin(9)
	assert.True(t, origin.Enrolled)
	assert.Contains(t, reg.EnrolledThreads(), libqut.TID(9))
}

func TestOnThreadDestroyRemovesEntry(t *testing.T) {
	reg := threadprovenance.New(nil)
	reg.OnThreadCreate(3)
	reg.OnThreadDestroy(3)

	_, ok := reg.Origin(3)
	assert.False(t, ok)
}

func TestConcurrentCreateAndPublish(t *testing.T) {
	reg := threadprovenance.New(nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		tid := libqut.TID(100 + i)
		reg.OnThreadCreate(tid)
		wg.Add(1)
		go func(tid libqut.TID) {
			defer wg.Done()
			_, ok := reg.WaitForOrigin(tid)
			assert.True(t, ok)
		}(tid)
		reg.CapturePublish(tid, 1, false, func() []libqut.Address { return nil })
	}
	wg.Wait()
}
