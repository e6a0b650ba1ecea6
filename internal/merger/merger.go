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

// Package merger implements the singleton file merger: the component that,
// once triggered by any bucket crossing its byte threshold, reconciles
// every bucket's accumulated kv/aux files against the backing SortedStore
// in one pass, classifies every operation, and hands the result of each
// back to the dispatcher. Only one merge pass runs at a time across the
// whole engine, serialized by a single mutex, mirroring the teacher's
// single flusher goroutine per shard taken one step further to a single
// flusher for the whole store.
package merger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/eavarez/drum/internal/dispatch"
	"github.com/eavarez/drum/internal/entry"
	"github.com/eavarez/drum/internal/metrics"
	"github.com/eavarez/drum/internal/writer"
	"github.com/eavarez/drum/store"
)

// AppendMerge combines an existing stored value with an incoming
// APPEND_UPDATE value. The merger only calls it when a prior value exists
// (in the store, or produced earlier in the same pass); when no prior value
// exists, APPEND_UPDATE degrades to a plain UPDATE without calling this at
// all, so existing is never nil here.
type AppendMerge func(existing, incoming []byte) ([]byte, error)

// IdentityAppendMerge discards existing and keeps incoming, the same
// default behavior as an unconfigured codec.ValueCodec.
func IdentityAppendMerge(_, incoming []byte) ([]byte, error) { return incoming, nil }

// Merger is the singleton reconciler. One Merger serves every bucket; the
// mutex ensures merge passes never overlap, matching spec.md §4.3's
// description of the merger as a single serialized component.
type Merger struct {
	mu      sync.Mutex
	buckets []*writer.Writer
	st      store.SortedStore
	bus     *dispatch.Bus
	append  AppendMerge

	state atomic.Uint32 // dispatch.MergerState
}

// New wires a Merger over the given per-bucket writers (indexed by bucket
// id), a backing store, the shared event bus, and the byte-level merge
// function used to resolve APPEND_UPDATE operations. appendMerge may be
// nil if the engine never issues APPEND_UPDATE, in which case
// IdentityAppendMerge is used.
func New(buckets []*writer.Writer, st store.SortedStore, bus *dispatch.Bus, appendMerge AppendMerge) *Merger {
	if appendMerge == nil {
		appendMerge = IdentityAppendMerge
	}
	return &Merger{buckets: buckets, st: st, bus: bus, append: appendMerge}
}

// trigger adapts the Merger into the writer.MergeTrigger interface, letting
// every Writer hold the same trigger without either package importing the
// other's concrete type in both directions. Every bucket's trigger requests
// the same thing: one full cross-bucket pass (spec.md §4.3), not a merge of
// that bucket alone.
type trigger struct{ m *Merger }

func (t trigger) TriggerMerge() error { return t.m.DoMerge() }

// Trigger returns the MergeTrigger every bucket's Writer should hold.
func (m *Merger) Trigger() writer.MergeTrigger {
	return trigger{m: m}
}

// State reports the merger's current high-level status.
func (m *Merger) State() dispatch.MergerState {
	return dispatch.MergerState(m.state.Load())
}

func (m *Merger) emitState(bucket int, s dispatch.MergerState) {
	m.state.Store(uint32(s))
	m.bus.PublishState(dispatch.StateEvent{Source: "merger", Bucket: bucket, MergerState: s})
}

// mergeRecord is one bucket-file entry read back off disk, reunited with
// its aux payload by read order (disk position is never written
// explicitly; the Nth kv record always corresponds to the Nth aux
// record).
type mergeRecord struct {
	op       entry.Op
	key      uint64
	value    []byte
	aux      []byte
	position int
}

// DoMerge runs one full cross-bucket merge pass, per spec.md §4.3: it walks
// every bucket in ascending index order, reconciling each against the
// backing store and dispatching its results, before the pass completes.
// Only one pass runs at a time engine-wide; concurrent callers (multiple
// writers crossing their threshold at once) simply queue on mu and, once
// woken, each run a full pass of their own — harmless, since a bucket
// already drained and reset by an earlier pass contributes nothing to a
// later one.
//
// A bucket whose read/reconcile/reset step fails does not abort the rest
// of the pass: its error is recorded and its files are left in place for
// the next trigger (spec.md §4.3's failure semantics), but every other
// bucket in 0..N still gets reconciled in the same pass.
func (m *Merger) DoMerge() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.emitState(-1, dispatch.MergerRunning)

	var errs []error
	for bucket := range m.buckets {
		if err := m.mergeOneBucket(bucket); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		m.emitState(-1, dispatch.MergerFailed)
		return errors.Join(errs...)
	}
	m.emitState(-1, dispatch.MergerIdle)
	return nil
}

// mergeOneBucket reconciles a single bucket's files against the store and
// dispatches its results: read, sort, coalesce, reconcile, dispatch, reset.
// Caller must hold mu; this only acquires the bucket's own disk-file
// semaphore, per spec.md §4.3 step 1.a.
func (m *Merger) mergeOneBucket(bucket int) error {
	w := m.buckets[bucket]
	w.Lock()

	records, err := readRecords(w)
	if err != nil {
		w.Unlock()
		m.emitState(bucket, dispatch.MergerFailed)
		metrics.RecordMergeError(strconv.Itoa(bucket))
		return fmt.Errorf("bucket %d: read records: %w", bucket, err)
	}
	if len(records) == 0 {
		w.Unlock()
		return nil
	}

	m.emitState(bucket, dispatch.MergerRunning)

	sort.SliceStable(records, func(i, j int) bool { return records[i].key < records[j].key })

	keys, groups := groupByKey(records)

	var results []dispatch.Result
	ctx := context.Background()
	resolve := func(key uint64, old []byte, present bool) ([]byte, bool, error) {
		curValue := old
		curPresent := present
		for _, rec := range groups[key] {
			// Classification reflects the store's state as of this entry's
			// logical position, so a plain UPDATE on a previously-absent
			// key is UNIQUE and a later operation on the same key within
			// the same pass sees it as DUPLICATE — not only CHECK and
			// CHECK_UPDATE carry a classification.
			var class entry.Classification
			if curPresent {
				class = entry.Duplicate
			} else {
				class = entry.Unique
			}
			switch rec.op {
			case entry.Update, entry.CheckUpdate:
				curValue = rec.value
				curPresent = true
			case entry.AppendUpdate:
				if curPresent {
					merged, err := m.append(curValue, rec.value)
					if err != nil {
						return nil, false, fmt.Errorf("append merge key %d: %w", key, err)
					}
					curValue = merged
				} else {
					// No prior value in the store or earlier in this pass:
					// append_update degrades to a plain update, per spec.
					curValue = rec.value
				}
				curPresent = true
			}
			results = append(results, dispatch.Result{
				Op:             rec.op,
				Key:            key,
				Classification: class,
				Value:          curValue,
				Aux:            rec.aux,
			})
		}
		return curValue, curPresent, nil
	}

	if err := m.st.Merge(ctx, keys, resolve); err != nil {
		w.Unlock()
		m.emitState(bucket, dispatch.MergerFailed)
		metrics.RecordMergeError(strconv.Itoa(bucket))
		return fmt.Errorf("bucket %d: store merge: %w", bucket, err)
	}
	if flusher, ok := m.st.(interface{ Flush() error }); ok {
		if err := flusher.Flush(); err != nil {
			w.Unlock()
			m.emitState(bucket, dispatch.MergerFailed)
			metrics.RecordMergeError(strconv.Itoa(bucket))
			return fmt.Errorf("bucket %d: flush store: %w", bucket, err)
		}
	}

	if err := w.ResetFiles(); err != nil {
		w.Unlock()
		m.emitState(bucket, dispatch.MergerFailed)
		metrics.RecordMergeError(strconv.Itoa(bucket))
		return fmt.Errorf("bucket %d: reset files: %w", bucket, err)
	}
	w.Unlock()

	for _, r := range results {
		m.bus.PublishResult(r)
		metrics.RecordOperation(r.Op.String(), r.Classification.String())
	}
	metrics.RecordMergePass()
	metrics.SetBucketBytes(strconv.Itoa(bucket), 0, 0)
	m.emitState(bucket, dispatch.MergerIdle)
	return nil
}

// readRecords reads every kv/aux record pair currently on disk for w's
// bucket. Caller must hold w's semaphore.
func readRecords(w *writer.Writer) ([]mergeRecord, error) {
	if _, err := w.KVFile().Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	if _, err := w.AuxFile().Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	compressor := w.Compressor()

	var records []mergeRecord
	pos := 0
	for {
		op, key, value, err := writer.ReadKVRecord(w.KVFile())
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read kv record at position %d: %w", pos, err)
		}
		aux, err := writer.ReadAuxRecord(w.AuxFile())
		if err != nil {
			return nil, fmt.Errorf("read aux record at position %d: %w", pos, err)
		}
		if compressor != nil {
			if value, err = compressor.Decompress(value); err != nil {
				return nil, fmt.Errorf("decompress value at position %d: %w", pos, err)
			}
			if aux, err = compressor.Decompress(aux); err != nil {
				return nil, fmt.Errorf("decompress aux at position %d: %w", pos, err)
			}
		}
		records = append(records, mergeRecord{op: op, key: key, value: value, aux: aux, position: pos})
		pos++
	}
	return records, nil
}

// groupByKey returns the distinct keys in ascending order and, for each,
// its records in original (position) order. Records must already be
// sorted by key (stably, so position order survives within a key).
func groupByKey(records []mergeRecord) ([]uint64, map[uint64][]mergeRecord) {
	groups := make(map[uint64][]mergeRecord)
	var keys []uint64
	for _, rec := range records {
		if _, ok := groups[rec.key]; !ok {
			keys = append(keys, rec.key)
		}
		groups[rec.key] = append(groups[rec.key], rec)
	}
	return keys, groups
}
