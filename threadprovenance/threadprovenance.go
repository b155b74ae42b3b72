// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package threadprovenance implements the Thread Provenance Tracker
// (spec.md component F): for every thread the interposition layer
// reports, it records which call site spawned it and, once the thread is
// named, whether that name matches one of the engine's enrollment
// filters. Capturing the creator's stack happens on the creator thread
// (the only thread that can walk its own stack at the instant of
// creation) and is handed to the new thread's entry through a
// condition-variable handshake, the same publish/wait shape the teacher
// uses wherever one goroutine must block until another finishes
// populating shared state (see tracehandler's WaitGroup-gated startup).
// Go has no goroutine-local storage, so the reentrancy guard that would
// be a thread-local flag in the original C++ is instead an explicit
// parameter threaded through by the caller (the interposition layer,
// which already knows whether it is already inside a capture for this
// OS thread).
package threadprovenance // import "github.com/qutrack/qutrack/threadprovenance"

import (
	"regexp"
	"sync"

	"github.com/qutrack/qutrack/libqut"
)

// Origin is the recorded provenance of one thread.
type Origin struct {
	Creator       libqut.TID
	CreationStack []libqut.Address
	Name          string
	Enrolled      bool
}

// entry holds one thread's provenance plus the handshake state used to
// publish its creation stack from the creator to any later reader.
type entry struct {
	mu     sync.Mutex
	cond   *sync.Cond
	ready  bool
	origin Origin
}

// Registry tracks provenance for every live thread the interposition
// layer has reported.
type Registry struct {
	mu      sync.RWMutex
	threads map[libqut.TID]*entry
	filters []*regexp.Regexp
}

// New creates a Registry that reclassifies a thread as enrolled once its
// name matches any of filters.
func New(filters []*regexp.Regexp) *Registry {
	return &Registry{threads: make(map[libqut.TID]*entry), filters: filters}
}

func newEntry() *entry {
	e := &entry{}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// OnThreadCreate registers handle as a live thread with no provenance
// captured yet. It must be called before CapturePublish/WaitForOrigin
// can be used for handle.
func (r *Registry) OnThreadCreate(handle libqut.TID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.threads[handle]; ok {
		return
	}
	r.threads[handle] = newEntry()
}

// CapturePublish runs on the creator thread immediately after spawning
// handle: it walks the creator's own stack via captureFn and publishes
// the result to handle's entry, waking any goroutine blocked in
// WaitForOrigin. reentrant must be true if the creator is itself already
// inside a capture for a different thread creation (e.g. thread creation
// triggered recursively from within an allocation hook); in that case
// the capture is skipped to bound recursion depth, and handle is
// published with an empty creation stack.
func (r *Registry) CapturePublish(handle, creator libqut.TID, reentrant bool, captureFn func() []libqut.Address) {
	r.mu.RLock()
	e, ok := r.threads[handle]
	r.mu.RUnlock()
	if !ok {
		return
	}

	var frames []libqut.Address
	if !reentrant && captureFn != nil {
		frames = captureFn()
	}

	e.mu.Lock()
	e.origin.Creator = creator
	e.origin.CreationStack = frames
	e.ready = true
	e.cond.Broadcast()
	e.mu.Unlock()
}

// WaitForOrigin blocks until handle's creation stack has been published
// by CapturePublish (or returns immediately if it already has been), and
// returns the origin recorded so far. It returns false if handle was
// never registered via OnThreadCreate.
func (r *Registry) WaitForOrigin(handle libqut.TID) (Origin, bool) {
	r.mu.RLock()
	e, ok := r.threads[handle]
	r.mu.RUnlock()
	if !ok {
		return Origin{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for !e.ready {
		e.cond.Wait()
	}
	return e.origin, true
}

// OnThreadSetName updates handle's recorded name and reclassifies its
// enrollment against the configured filters. Threads are reclassified on
// every rename since many runtimes set a generic name first and a
// descriptive one shortly after.
func (r *Registry) OnThreadSetName(handle libqut.TID, name string) {
	r.mu.RLock()
	e, ok := r.threads[handle]
	r.mu.RUnlock()
	if !ok {
		return
	}

	enrolled := false
	for _, re := range r.filters {
		if re.MatchString(name) {
			enrolled = true
			break
		}
	}

	e.mu.Lock()
	e.origin.Name = name
	e.origin.Enrolled = enrolled
	e.mu.Unlock()
}

// Origin returns the currently recorded provenance for handle without
// blocking, or false if handle is unknown.
func (r *Registry) Origin(handle libqut.TID) (Origin, bool) {
	r.mu.RLock()
	e, ok := r.threads[handle]
	r.mu.RUnlock()
	if !ok {
		return Origin{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.origin, true
}

// OnThreadDestroy drops handle's entry. Any goroutine still blocked in
// WaitForOrigin for handle at this point would hang forever; callers are
// expected to have synchronized thread creation with provenance capture
// before a thread can possibly be destroyed.
func (r *Registry) OnThreadDestroy(handle libqut.TID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.threads, handle)
}

// EnrolledThreads returns the handles of every currently live thread
// whose name matched an enrollment filter.
func (r *Registry) EnrolledThreads() []libqut.TID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []libqut.TID
	for tid, e := range r.threads {
		e.mu.Lock()
		enrolled := e.origin.Enrolled
		e.mu.Unlock()
		if enrolled {
			out = append(out, tid)
		}
	}
	return out
}
