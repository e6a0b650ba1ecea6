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

// Package dispatch implements the single in-process event bus that
// decouples result delivery and state-change notification from the writer
// and merger goroutines that produce them. It is modeled on the teacher's
// SService: a single consumer goroutine draining a buffered channel, here
// split into a result lane (never dropped) and a state lane (bounded,
// coalescing, drop-oldest on overflow).
package dispatch

import (
	"strconv"

	"github.com/eavarez/drum/internal/entry"
	"github.com/eavarez/drum/internal/metrics"
)

// WriterState mirrors the per-bucket writer state machine of spec.md §4.2.
type WriterState uint8

const (
	Empty WriterState = iota
	DataReceived
	WaitingOnLock
	Writing
	WaitingOnMerge
	WaitingOnData
	Finished
	FinishedWithError
)

func (s WriterState) String() string {
	switch s {
	case Empty:
		return "EMPTY"
	case DataReceived:
		return "DATA_RECEIVED"
	case WaitingOnLock:
		return "WAITING_ON_LOCK"
	case Writing:
		return "WRITING"
	case WaitingOnMerge:
		return "WAITING_ON_MERGE"
	case WaitingOnData:
		return "WAITING_ON_DATA"
	case Finished:
		return "FINISHED"
	case FinishedWithError:
		return "FINISHED_WITH_ERROR"
	default:
		return "UNKNOWN"
	}
}

// MergerState reports the singleton merger's high-level status.
type MergerState uint8

const (
	MergerIdle MergerState = iota
	MergerRunning
	MergerFailed
)

func (s MergerState) String() string {
	switch s {
	case MergerIdle:
		return "IDLE"
	case MergerRunning:
		return "MERGING"
	case MergerFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// StateEvent is published for writer-state transitions, merger-state
// transitions, and byte-counter updates. Source identifies the origin
// ("writer" or "merger") and Bucket the bucket index (-1 for merger-wide
// events).
type StateEvent struct {
	Source          string
	Bucket          int
	WriterState     WriterState
	MergerState     MergerState
	KVBytesWritten  uint64
	AuxBytesWritten uint64
}

// equalForCoalescing reports whether two consecutive events from the same
// source carry no new information, per spec.md §4.4's coalescing rule.
func (e StateEvent) equalForCoalescing(o StateEvent) bool {
	return e.Source == o.Source && e.Bucket == o.Bucket &&
		e.WriterState == o.WriterState && e.MergerState == o.MergerState &&
		e.KVBytesWritten == o.KVBytesWritten && e.AuxBytesWritten == o.AuxBytesWritten
}

// Result is delivered once per operation that reaches a merge pass:
// classification for CHECK/CHECK_UPDATE, and the stored/merged value for
// UPDATE/CHECK_UPDATE/APPEND_UPDATE.
type Result struct {
	Op             entry.Op
	Key            uint64
	Classification entry.Classification
	Value          []byte
	Aux            []byte
}

// Listener is the pluggable sink for state-change events (spec.md §6
// "listener" construction option). The default is a no-op.
type Listener interface {
	OnStateEvent(StateEvent)
}

// ResultSink is the pluggable sink for operation results (spec.md §6
// "dispatcher" construction option). The default is a no-op.
type ResultSink interface {
	OnResult(Result)
}

type noopListener struct{}

func (noopListener) OnStateEvent(StateEvent) {}

type noopResultSink struct{}

func (noopResultSink) OnResult(Result) {}

// NoopListener and NoopResultSink are the defaults used when a caller
// leaves the corresponding construction option unset.
var (
	NoopListener   Listener   = noopListener{}
	NoopResultSink ResultSink = noopResultSink{}
)

// stateQueueCapacity bounds the state-event lane. Overflow drops the oldest
// queued state event, never a result callback.
const stateQueueCapacity = 1024

// Bus is the singleton event dispatcher: a dedicated goroutine drains both
// lanes and forwards to the configured Listener/ResultSink, so neither the
// writer nor the merger ever blocks on listener code.
type Bus struct {
	listener Listener
	sink     ResultSink

	results chan Result
	states  chan StateEvent
	stopCh  chan struct{}
	doneCh  chan struct{}

	lastByKey map[string]StateEvent
}

// NewBus wires a Bus. A nil listener/sink is replaced with the no-op
// default.
func NewBus(listener Listener, sink ResultSink) *Bus {
	if listener == nil {
		listener = NoopListener
	}
	if sink == nil {
		sink = NoopResultSink
	}
	return &Bus{
		listener:  listener,
		sink:      sink,
		results:   make(chan Result, 4096),
		states:    make(chan StateEvent, stateQueueCapacity),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		lastByKey: make(map[string]StateEvent),
	}
}

// Start launches the consumer goroutine.
func (b *Bus) Start() {
	go b.run()
}

// Stop asks the consumer to drain remaining queued events and exit, then
// waits for it to do so.
func (b *Bus) Stop() {
	close(b.stopCh)
	<-b.doneCh
}

// PublishResult enqueues a result callback. Results are never dropped: if
// the bounded channel is full, this call blocks (spec.md §5: "rare").
func (b *Bus) PublishResult(r Result) {
	b.results <- r
}

// PublishState enqueues a state-change event without blocking the
// producer. If the state lane is full, the oldest queued state event is
// dropped to make room, per spec.md §4.4.
func (b *Bus) PublishState(e StateEvent) {
	for {
		select {
		case b.states <- e:
			return
		default:
			select {
			case <-b.states:
				metrics.RecordStateEventDropped()
			default:
			}
		}
	}
}

func (b *Bus) run() {
	defer close(b.doneCh)
	for {
		select {
		case r := <-b.results:
			b.sink.OnResult(r)
		case e := <-b.states:
			b.deliverState(e)
		case <-b.stopCh:
			b.drain()
			return
		}
	}
}

// drain flushes whatever is still queued, results first so no operation's
// result callback is lost on shutdown, then any remaining state events.
func (b *Bus) drain() {
	for {
		select {
		case r := <-b.results:
			b.sink.OnResult(r)
			continue
		default:
		}
		select {
		case e := <-b.states:
			b.deliverState(e)
			continue
		default:
		}
		return
	}
}

func (b *Bus) deliverState(e StateEvent) {
	key := e.Source + ":" + strconv.Itoa(e.Bucket)
	if last, ok := b.lastByKey[key]; ok && last.equalForCoalescing(e) {
		return
	}
	b.lastByKey[key] = e
	b.listener.OnStateEvent(e)
}
