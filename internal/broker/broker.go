// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package broker implements the per-bucket, lock-free in-memory
// accumulator that sits between producer goroutines and a bucket's disk
// writer. Producers append via compare-and-swap; the writer drains by
// atomically swapping in a fresh, empty buffer.
package broker

import (
	"sync/atomic"

	"github.com/eavarez/drum/internal/entry"
)

// Broker accumulates operations for a single bucket. Append never blocks on
// I/O and never blocks on other producers; Drain never blocks on producers
// either, since the swap is atomic. Once Close is called, Append returns
// false instead of enqueuing the entry.
type Broker struct {
	current atomic.Pointer[entry.BucketBuffer]
	closed  atomic.Bool
	signal  chan struct{}
}

// New returns a broker with an empty current buffer.
func New() *Broker {
	b := &Broker{signal: make(chan struct{}, 1)}
	b.current.Store(entry.Empty())
	return b
}

// Signal returns the channel the writer waits on between drains. Append
// wakes it (non-blocking, coalescing) whenever it publishes a new buffer;
// Close also wakes it once so a blocked writer notices shutdown promptly.
func (b *Broker) Signal() <-chan struct{} {
	return b.signal
}

func (b *Broker) wake() {
	select {
	case b.signal <- struct{}{}:
	default:
	}
}

// Append constructs a candidate buffer holding the old entries plus e and
// retries the compare-and-swap until it wins. e.Position is set to the
// entry's index within the buffer that ultimately contains it.
//
// Append returns false if the broker has been closed; callers should treat
// that as SHUTTING_DOWN and refuse the request synchronously.
func (b *Broker) Append(e *entry.InMemoryEntry) bool {
	if b.closed.Load() {
		return false
	}
	for {
		old := b.current.Load()
		next := old.WithAppended(e)
		if b.current.CompareAndSwap(old, next) {
			b.wake()
			return true
		}
		// Lost the race: another producer published first. Retry with the
		// freshest snapshot; e.Position will be recomputed by WithAppended.
	}
}

// Drain atomically swaps the current buffer for a fresh empty one and
// returns the displaced buffer. An empty drain (no entries accumulated
// since the last drain) returns an empty buffer immediately; it never
// blocks.
func (b *Broker) Drain() *entry.BucketBuffer {
	empty := entry.Empty()
	return b.current.Swap(empty)
}

// Close marks the broker as shutting down. Any buffer already accumulated
// remains available via a final Drain; subsequent Append calls fail.
func (b *Broker) Close() {
	b.closed.Store(true)
	b.wake()
}

// Closed reports whether Close has been called.
func (b *Broker) Closed() bool {
	return b.closed.Load()
}
