// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package xsync provides small generic synchronization helpers used to
// deduplicate concurrent work, such as two threads racing to build the same
// unwind table.
package xsync // import "github.com/qutrack/qutrack/libqut/xsync"

import (
	"sync"
	"sync/atomic"
)

// Once is a lock that ensures some data is initialized exactly once.
//
// Does not need explicit construction: simply use Once[MyType]{}.
type Once[T any] struct {
	done atomic.Bool
	mu   sync.Mutex
	data T
}

// GetOrInit returns the data protected by this lock, running init exactly
// once no matter how many goroutines call GetOrInit concurrently.
//
// If init fails, the error is returned and the data is still considered
// uninitialized: the next GetOrInit call runs init again.
func (l *Once[T]) GetOrInit(init func() (T, error)) (*T, error) {
	if !l.done.Load() {
		return l.initSlow(init)
	}
	return &l.data, nil
}

func (l *Once[T]) initSlow(init func() (T, error)) (*T, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.done.Load() {
		return &l.data, nil
	}

	var err error
	l.data, err = init()
	if err != nil {
		return nil, err
	}

	l.done.Store(true)
	return &l.data, nil
}

// Get returns the previously initialized value, or nil if not yet set.
func (l *Once[T]) Get() *T {
	if !l.done.Load() {
		return nil
	}
	return &l.data
}

// Reset clears a completed or failed initialization so the next GetOrInit
// call runs init again from scratch. A *T obtained before the reset points
// at the same storage Reset clears: it sees the zero value, and later
// whatever the next successful init stores.
func (l *Once[T]) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	var zero T
	l.data = zero
	l.done.Store(false)
}
