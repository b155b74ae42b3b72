// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package xsync_test

import (
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/qutrack/qutrack/libqut/xsync"
)

func TestOnceLock(t *testing.T) {
	attempt := 0 // intentionally not atomic
	once := xsync.Once[string]{}
	errFail := errors.New("oh no")
	numOk := atomic.Uint32{}
	var wg sync.WaitGroup

	assert.Nil(t, once.Get())

	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			val, err := once.GetOrInit(func() (string, error) {
				if attempt == 3 {
					time.Sleep(10 * time.Millisecond)
					return strconv.Itoa(attempt), nil
				}
				attempt++
				return "", errFail
			})

			switch err {
			case errFail:
				assert.Nil(t, val)
			case nil:
				numOk.Add(1)
				assert.Equal(t, "3", *val)
			default:
				assert.Fail(t, "unreachable")
			}
		}()
	}

	wg.Wait()
	assert.Equal(t, "3", *once.Get())
	assert.Equal(t, uint32(32-3), numOk.Load())
}

func TestOnceResetAllowsReInit(t *testing.T) {
	once := xsync.Once[int]{}

	n := 0
	val, err := once.GetOrInit(func() (int, error) {
		n++
		return n, nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 1, *val)

	once.Reset()
	assert.Nil(t, once.Get())

	val, err = once.GetOrInit(func() (int, error) {
		n++
		return n, nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 2, *val)
}
