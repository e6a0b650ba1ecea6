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

// Package drum implements a disk-backed repository with update management:
// a bucketed write pipeline that absorbs high-volume check/update traffic
// in memory, spills each bucket to a flat file pair once it crosses a byte
// threshold, and periodically reconciles every bucket against a backing
// sorted store in one pass per bucket, classifying each key as the first
// sighting of its kind (unique) or a repeat (duplicate) along the way.
//
// It generalizes the "aggregate in memory, flush in batches, reconcile
// against durable storage" shape the teacher's VSA/persistence stack uses
// for rate-limit counters, applied instead to arbitrary user value types
// behind a pluggable codec.
package drum

import (
	"fmt"
	"math/bits"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/eavarez/drum/codec"
	"github.com/eavarez/drum/internal/broker"
	"github.com/eavarez/drum/internal/dispatch"
	"github.com/eavarez/drum/internal/entry"
	"github.com/eavarez/drum/internal/merger"
	"github.com/eavarez/drum/internal/metrics"
	"github.com/eavarez/drum/internal/writer"
	"github.com/eavarez/drum/store"
)

// Options configures Construct. ValueCodec is required; every other field
// defaults as noted.
type Options[V any] struct {
	// Name identifies this engine's on-disk directory: <Dir>/<Name>/.
	Name string

	// N is the bucket fan-out. Must be a power of two. Default 512.
	N int

	// T is the per-bucket kv/aux byte threshold that triggers a merge.
	// Must be a power of two. Default 65536.
	T uint64

	// ValueCodec serializes/deserializes and (optionally) merges values.
	// Required.
	ValueCodec codec.ValueCodec[V]

	// StoreFactory builds the backing SortedStore given this engine's
	// data directory. Default: a FlatFile at <dir>/store.bin.
	StoreFactory func(dir string) (store.SortedStore, error)

	// ResultSink receives operation result callbacks. Default: no-op.
	ResultSink dispatch.ResultSink

	// Listener receives state-change events. Default: no-op.
	Listener dispatch.Listener

	// Dir is the base directory under which <Name>/ is created. Default
	// "cache", matching spec's "<cwd>/cache/<name>/" layout.
	Dir string

	// MetricsAddr, if non-empty, starts a Prometheus /metrics endpoint on
	// this address. Default: disabled.
	MetricsAddr string

	// Compress, if true, compresses value/aux payloads with zstd before
	// they hit a bucket file, trading merge-time CPU for less disk and
	// fewer bytes crossing the per-bucket threshold T. Default: false,
	// which stores payloads verbatim per spec.md §3's literal record
	// format.
	Compress bool
}

func isPowerOfTwo(n uint64) bool { return n > 0 && bits.OnesCount64(n) == 1 }

func (o *Options[V]) setDefaults() error {
	if o.Name == "" {
		return newErr(ConfigInvalid, "construct", fmt.Errorf("name is required"))
	}
	if o.N == 0 {
		o.N = 512
	}
	if !isPowerOfTwo(uint64(o.N)) {
		return newErr(ConfigInvalid, "construct", fmt.Errorf("num_buckets %d is not a power of two", o.N))
	}
	if o.T == 0 {
		o.T = 65536
	}
	if !isPowerOfTwo(o.T) {
		return newErr(ConfigInvalid, "construct", fmt.Errorf("buffer_size %d is not a power of two", o.T))
	}
	if o.ValueCodec.ByteCodec == nil {
		return newErr(ConfigInvalid, "construct", fmt.Errorf("value_codec is required"))
	}
	if o.Dir == "" {
		o.Dir = "cache"
	}
	if o.StoreFactory == nil {
		o.StoreFactory = func(dir string) (store.SortedStore, error) {
			return store.OpenFlatFile(filepath.Join(dir, "store.bin"))
		}
	}
	return nil
}

// Engine is a constructed DRUM instance: one broker, one disk writer, and
// a shared singleton merger wired across N buckets, fronting a single
// backing SortedStore.
type Engine[V any] struct {
	name string
	n    int
	// bucketShift is 64-log2(N): the number of low-order bits to discard so
	// that bucketFor selects the top log2(N) bits of the key, per spec.md
	// §3. Precomputed once at construction since N never changes.
	bucketShift uint
	valueCodec  codec.ValueCodec[V]

	brokers []*broker.Broker
	writers []*writer.Writer
	merger  *merger.Merger
	bus     *dispatch.Bus
	store   store.SortedStore

	metricsSrv *http.Server
	closed     atomic.Bool
}

// Construct builds and starts an Engine: creates the data directory,
// opens every bucket's kv/aux file pair, and starts the writer, merger,
// and dispatcher goroutines, per spec.md §6.
func Construct[V any](opts Options[V]) (*Engine[V], error) {
	if err := opts.setDefaults(); err != nil {
		return nil, err
	}

	dir := filepath.Join(opts.Dir, opts.Name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, newErr(IOFailure, "construct", err)
	}

	st, err := opts.StoreFactory(dir)
	if err != nil {
		return nil, newErr(StoreFailure, "construct", err)
	}

	bus := dispatch.NewBus(opts.Listener, opts.ResultSink)
	bus.Start()

	e := &Engine[V]{
		name:        opts.Name,
		n:           opts.N,
		bucketShift: 64 - uint(bits.TrailingZeros64(uint64(opts.N))),
		valueCodec:  opts.ValueCodec,
		brokers:     make([]*broker.Broker, opts.N),
		writers:     make([]*writer.Writer, opts.N),
		bus:         bus,
		store:       st,
	}

	var compressor writer.Compressor
	if opts.Compress {
		compressor, err = writer.NewZstdCompressor()
		if err != nil {
			return nil, newErr(ConfigInvalid, "construct", fmt.Errorf("build zstd compressor: %w", err))
		}
	}

	for i := 0; i < opts.N; i++ {
		e.brokers[i] = broker.New()
		kvPath := filepath.Join(dir, fmt.Sprintf("bucket%d.kv", i))
		auxPath := filepath.Join(dir, fmt.Sprintf("bucket%d.aux", i))
		w, err := writer.New(i, kvPath, auxPath, opts.T, e.brokers[i], bus, nil)
		if err != nil {
			return nil, newBucketErr(IOFailure, i, "construct", err)
		}
		if compressor != nil {
			w.SetCompressor(compressor)
		}
		e.writers[i] = w
	}

	e.merger = merger.New(e.writers, st, bus, e.appendMerge)
	trig := e.merger.Trigger()
	for _, w := range e.writers {
		w.SetMergeTrigger(trig)
		w.Start()
	}

	if opts.MetricsAddr != "" {
		srv, err := metrics.Enable(opts.MetricsAddr)
		if err != nil {
			return nil, newErr(IOFailure, "construct", err)
		}
		e.metricsSrv = srv
	}

	return e, nil
}

// appendMerge bridges the merger's byte-level AppendMerge contract to the
// engine's typed value codec: decode both sides, delegate to the codec's
// Merge, re-encode. The merger only calls this when a prior value exists,
// so existing is always non-nil here.
func (e *Engine[V]) appendMerge(existing, incoming []byte) ([]byte, error) {
	existingV, err := e.valueCodec.Decode(existing)
	if err != nil {
		return nil, fmt.Errorf("decode existing value: %w", err)
	}
	incomingV, err := e.valueCodec.Decode(incoming)
	if err != nil {
		return nil, fmt.Errorf("decode incoming value: %w", err)
	}
	mergedV, err := e.valueCodec.Merge(existingV, incomingV)
	if err != nil {
		return nil, fmt.Errorf("merge values: %w", err)
	}
	return e.valueCodec.Encode(mergedV)
}

// bucketFor selects the top log2(N) bits of key, per spec.md §3, so that
// buckets partition the key space into contiguous, ascending ranges: bucket
// i holds every key in [i<<bucketShift, (i+1)<<bucketShift), which is what
// lets a merge pass that walks buckets 0..N-1 in order see one
// monotonically increasing key stream overall, not just within a bucket.
func (e *Engine[V]) bucketFor(key uint64) int {
	return int(key >> e.bucketShift)
}

func (e *Engine[V]) submit(op entry.Op, key uint64, value, aux []byte) error {
	if e.closed.Load() {
		return newErr(ShuttingDown, op.String(), fmt.Errorf("engine %q is disposed", e.name))
	}
	b := e.brokers[e.bucketFor(key)]
	if !b.Append(&entry.InMemoryEntry{Op: op, Key: key, Value: value, Aux: aux}) {
		return newErr(ShuttingDown, op.String(), fmt.Errorf("engine %q is disposed", e.name))
	}
	metrics.RecordOperation(op.String(), "submitted")
	return nil
}

// Check enqueues a presence check for key. The result (UNIQUE or
// DUPLICATE) arrives asynchronously via the configured ResultSink.
func (e *Engine[V]) Check(key uint64, aux []byte) error {
	return e.submit(entry.Check, key, nil, aux)
}

// Update enqueues an unconditional overwrite of key's value.
func (e *Engine[V]) Update(key uint64, value V, aux []byte) error {
	vb, err := e.valueCodec.Encode(value)
	if err != nil {
		return newErr(CodecFailure, "update", err)
	}
	return e.submit(entry.Update, key, vb, aux)
}

// CheckUpdate enqueues both a classification and an overwrite, delivered
// as a single result.
func (e *Engine[V]) CheckUpdate(key uint64, value V, aux []byte) error {
	vb, err := e.valueCodec.Encode(value)
	if err != nil {
		return newErr(CodecFailure, "check_update", err)
	}
	return e.submit(entry.CheckUpdate, key, vb, aux)
}

// AppendUpdate enqueues a value to be merged with whatever is already
// stored for key via the value codec's Merge function (identity if the
// key is absent).
func (e *Engine[V]) AppendUpdate(key uint64, value V, aux []byte) error {
	vb, err := e.valueCodec.Encode(value)
	if err != nil {
		return newErr(CodecFailure, "append_update", err)
	}
	return e.submit(entry.AppendUpdate, key, vb, aux)
}

// Synchronize forces every bucket to drain and merge immediately,
// regardless of the byte threshold, and blocks until every bucket's drain
// and merge has returned. If any failed, the error of the lowest-numbered
// failing bucket is returned.
func (e *Engine[V]) Synchronize() error {
	var wg sync.WaitGroup
	errs := make([]error, len(e.writers))
	for i, w := range e.writers {
		wg.Add(1)
		go func(i int, w *writer.Writer) {
			defer wg.Done()
			errs[i] = w.ForceSync()
		}(i, w)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			return newBucketErr(Other, i, "synchronize", err)
		}
	}
	return nil
}

// Dispose performs an ordered shutdown per spec.md §5: closes every
// broker (refusing further Appends), lets each writer finish its final
// drain and merge, stops the dispatcher, and releases the backing store
// and any metrics server. Idempotent.
func (e *Engine[V]) Dispose() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	for _, b := range e.brokers {
		b.Close()
	}
	for _, w := range e.writers {
		w.Stop()
	}
	for _, w := range e.writers {
		_ = w.Close()
	}
	e.bus.Stop()
	if e.metricsSrv != nil {
		_ = e.metricsSrv.Close()
	}
	if err := e.store.Close(); err != nil {
		return newErr(IOFailure, "dispose", err)
	}
	return nil
}
