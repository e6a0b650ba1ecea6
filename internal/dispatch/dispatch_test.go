package dispatch

import (
	"sync"
	"testing"
	"time"

	"github.com/eavarez/drum/internal/entry"
)

type recordingListener struct {
	mu     sync.Mutex
	events []StateEvent
}

func (l *recordingListener) OnStateEvent(e StateEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *recordingListener) snapshot() []StateEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]StateEvent, len(l.events))
	copy(out, l.events)
	return out
}

type recordingSink struct {
	mu      sync.Mutex
	results []Result
}

func (s *recordingSink) OnResult(r Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, r)
}

func (s *recordingSink) snapshot() []Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Result, len(s.results))
	copy(out, s.results)
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestBus_ResultsDeliveredInOrder(t *testing.T) {
	sink := &recordingSink{}
	b := NewBus(nil, sink)
	b.Start()
	defer b.Stop()

	for i := 0; i < 5; i++ {
		b.PublishResult(Result{Key: uint64(i)})
	}

	waitFor(t, func() bool { return len(sink.snapshot()) == 5 })
	results := sink.snapshot()
	for i, r := range results {
		if r.Key != uint64(i) {
			t.Errorf("results[%d].Key = %d, want %d", i, r.Key, i)
		}
	}
}

func TestBus_CoalescesIdenticalStateEvents(t *testing.T) {
	listener := &recordingListener{}
	b := NewBus(listener, nil)
	b.Start()
	defer b.Stop()

	e := StateEvent{Source: "writer", Bucket: 0, WriterState: Empty}
	b.PublishState(e)
	b.PublishState(e)
	b.PublishState(e)
	b.PublishState(StateEvent{Source: "writer", Bucket: 0, WriterState: DataReceived})

	waitFor(t, func() bool { return len(listener.snapshot()) == 2 })
	events := listener.snapshot()
	if events[0].WriterState != Empty || events[1].WriterState != DataReceived {
		t.Errorf("events = %+v, want [EMPTY DATA_RECEIVED]", events)
	}
}

func TestBus_StopDrainsQueuedResults(t *testing.T) {
	sink := &recordingSink{}
	b := NewBus(nil, sink)
	b.Start()
	// Stop must not return before every result queued ahead of it has been
	// delivered, by the consumer loop or by Stop's drain.
	b.PublishResult(Result{Key: 1})
	b.PublishResult(Result{Key: 2})
	b.Stop()

	if got := sink.snapshot(); len(got) != 2 {
		t.Fatalf("drained %d results, want 2: %+v", len(got), got)
	}
}

func TestWriterStateString(t *testing.T) {
	if Empty.String() != "EMPTY" || FinishedWithError.String() != "FINISHED_WITH_ERROR" {
		t.Errorf("unexpected WriterState strings: %q %q", Empty.String(), FinishedWithError.String())
	}
}

func TestMergerStateString(t *testing.T) {
	if MergerIdle.String() != "IDLE" || MergerFailed.String() != "FAILED" {
		t.Errorf("unexpected MergerState strings: %q %q", MergerIdle.String(), MergerFailed.String())
	}
}

func TestResult_CarriesClassification(t *testing.T) {
	r := Result{Op: entry.Check, Classification: entry.Unique}
	if r.Classification != entry.Unique {
		t.Errorf("Classification = %v, want Unique", r.Classification)
	}
}
