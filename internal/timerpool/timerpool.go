// Package timerpool recycles time.Timer values through a sync.Pool.
//
// The stack arms a fresh timeout for every acknowledged send (the T_ack
// wait); pooling the timers keeps that per-message path allocation-free.
package timerpool

import (
	"sync"
	"time"
)

var timers sync.Pool

// Acquire returns a timer armed for d. Hand it back with Release once the
// wait is resolved.
func Acquire(d time.Duration) *time.Timer {
	v := timers.Get()
	if v == nil {
		return time.NewTimer(d)
	}

	t := v.(*time.Timer) //nolint:forcetypeassert // only *time.Timer is ever pooled
	if t.Reset(d) {
		// The timer was still armed when pooled; an old expiry may be
		// sitting in the channel and must not satisfy the new wait.
		select {
		case <-t.C:
		default:
		}
	}

	return t
}

// Release disarms t and returns it to the pool. The caller must not touch t
// or receive from its channel afterwards.
func Release(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}

	timers.Put(t)
}
