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

// Package writer implements the per-bucket disk writer: one goroutine per
// bucket drains its broker, serializes entries into the bucket's kv/aux
// file pair using the fixed binary record format of spec.md §3, and
// triggers a merge when either file crosses the configured byte threshold.
package writer

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/eavarez/drum/internal/broker"
	"github.com/eavarez/drum/internal/dispatch"
	"github.com/eavarez/drum/internal/entry"
	"github.com/eavarez/drum/internal/metrics"
)

// MergeTrigger is the narrow surface the writer needs from the merger: a
// synchronous request that blocks until one full merge pass has completed
// (or failed). Kept as an interface so writer has no import-time
// dependency on the merger package.
type MergeTrigger interface {
	TriggerMerge() error
}

// Writer owns one bucket's file pair and broker. It is not safe for
// concurrent use by more than the single goroutine Start launches; the
// semaphore it exposes is what lets the merger safely read/reset its files
// from a different goroutine.
type Writer struct {
	bucket int
	b      *broker.Broker
	bus    *dispatch.Bus
	merger MergeTrigger

	threshold uint64

	kvPath, auxPath string
	kvFile, auxFile *os.File
	kvWriter        *bufio.Writer
	auxWriter       *bufio.Writer

	// compressor, when non-nil, transforms value/aux payloads before they
	// are written and after they are read back by the merger. Nil means
	// payloads are stored verbatim (the spec.md §3 default).
	compressor Compressor

	// sem is the single-slot "disk file lock" of spec.md §4.2: the writer
	// holds it for the duration of a batch write, and the merger acquires
	// it before reading/resetting this bucket's files.
	sem chan struct{}

	kvBytesWritten  atomic.Uint64
	auxBytesWritten atomic.Uint64

	state atomic.Uint32 // dispatch.WriterState

	stopCh chan struct{}
	doneCh chan struct{}

	errMu   sync.Mutex
	lastErr error
}

// New constructs a writer for the given bucket, opening (or creating) its
// kv/aux files at kvPath/auxPath. The byte counters reflect any data
// already on disk from a prior process run. merger may be nil if the
// caller will supply it later via SetMergeTrigger, which is necessary
// since the merger itself is constructed from the full set of writers and
// so cannot exist before they do.
func New(bucket int, kvPath, auxPath string, threshold uint64, b *broker.Broker, bus *dispatch.Bus, merger MergeTrigger) (*Writer, error) {
	kvFile, err := os.OpenFile(kvPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open kv file %s: %w", kvPath, err)
	}
	auxFile, err := os.OpenFile(auxPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		_ = kvFile.Close()
		return nil, fmt.Errorf("open aux file %s: %w", auxPath, err)
	}
	kvInfo, err := kvFile.Stat()
	if err != nil {
		return nil, err
	}
	auxInfo, err := auxFile.Stat()
	if err != nil {
		return nil, err
	}
	if _, err := kvFile.Seek(0, io.SeekEnd); err != nil {
		return nil, err
	}
	if _, err := auxFile.Seek(0, io.SeekEnd); err != nil {
		return nil, err
	}

	w := &Writer{
		bucket:    bucket,
		b:         b,
		bus:       bus,
		merger:    merger,
		threshold: threshold,
		kvPath:    kvPath,
		auxPath:   auxPath,
		kvFile:    kvFile,
		auxFile:   auxFile,
		kvWriter:  bufio.NewWriterSize(kvFile, 1<<16),
		auxWriter: bufio.NewWriterSize(auxFile, 1<<16),
		sem:       make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	w.sem <- struct{}{} // start unlocked
	w.kvBytesWritten.Store(uint64(kvInfo.Size()))
	w.auxBytesWritten.Store(uint64(auxInfo.Size()))
	w.setState(dispatch.Empty)
	return w, nil
}

// Bucket returns this writer's bucket index.
func (w *Writer) Bucket() int { return w.bucket }

// SetMergeTrigger wires the merger this writer calls into when its
// threshold is crossed. Must be called before Start if merger was left
// nil in New.
func (w *Writer) SetMergeTrigger(merger MergeTrigger) { w.merger = merger }

// SetCompressor wires an optional payload Compressor. Must be called
// before Start (or before any ForceSync) and is read by both this writer
// and, via Compressor, the merger reading this bucket's files back.
func (w *Writer) SetCompressor(c Compressor) { w.compressor = c }

// Compressor returns the writer's configured payload Compressor, or nil
// if payloads are stored verbatim.
func (w *Writer) Compressor() Compressor { return w.compressor }

// KVBytesWritten and AuxBytesWritten report the current size of each file,
// satisfying the invariant of spec.md §8.1.
func (w *Writer) KVBytesWritten() uint64  { return w.kvBytesWritten.Load() }
func (w *Writer) AuxBytesWritten() uint64 { return w.auxBytesWritten.Load() }

// Lock acquires this bucket's disk-file semaphore, blocking until
// available. Used by both the writer's own batch-write critical section
// and the merger's per-bucket read/reset.
func (w *Writer) Lock() { <-w.sem }

// Unlock releases the semaphore acquired by Lock.
func (w *Writer) Unlock() { w.sem <- struct{}{} }

// KVFile and AuxFile expose the underlying files for the merger's read
// pass. Callers must hold the semaphore (via Lock) while using them.
func (w *Writer) KVFile() *os.File  { return w.kvFile }
func (w *Writer) AuxFile() *os.File { return w.auxFile }

// ResetFiles truncates both files to zero length and rewinds them, and
// zeroes the byte counters. Callers must hold the semaphore.
func (w *Writer) ResetFiles() error {
	if err := w.kvWriter.Flush(); err != nil {
		return err
	}
	if err := w.auxWriter.Flush(); err != nil {
		return err
	}
	if err := w.kvFile.Truncate(0); err != nil {
		return err
	}
	if _, err := w.kvFile.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if err := w.auxFile.Truncate(0); err != nil {
		return err
	}
	if _, err := w.auxFile.Seek(0, io.SeekStart); err != nil {
		return err
	}
	w.kvWriter.Reset(w.kvFile)
	w.auxWriter.Reset(w.auxFile)
	w.kvBytesWritten.Store(0)
	w.auxBytesWritten.Store(0)
	w.emitState(dispatch.Empty)
	return nil
}

func (w *Writer) setState(s dispatch.WriterState) {
	w.state.Store(uint32(s))
}

func (w *Writer) emitState(s dispatch.WriterState) {
	w.setState(s)
	w.bus.PublishState(dispatch.StateEvent{
		Source:          "writer",
		Bucket:          w.bucket,
		WriterState:     s,
		KVBytesWritten:  w.kvBytesWritten.Load(),
		AuxBytesWritten: w.auxBytesWritten.Load(),
	})
}

// State returns the writer's current state-machine position.
func (w *Writer) State() dispatch.WriterState {
	return dispatch.WriterState(w.state.Load())
}

// LastError returns the error that caused FINISHED_WITH_ERROR, if any.
func (w *Writer) LastError() error {
	w.errMu.Lock()
	defer w.errMu.Unlock()
	return w.lastErr
}

func (w *Writer) fail(err error) {
	w.errMu.Lock()
	w.lastErr = err
	w.errMu.Unlock()
	w.emitState(dispatch.FinishedWithError)
}

// Start launches the writer's goroutine, implementing the state machine of
// spec.md §4.2.
func (w *Writer) Start() {
	go w.run()
}

// ForceSync drains whatever is currently buffered, writes it, and triggers
// a merge regardless of the byte threshold. Used by Engine.Synchronize.
// Safe to call concurrently with the writer's own goroutine: Drain is a
// single atomic swap and writeBatch/triggerMerge serialize through the
// same semaphore and merger mutex the background loop uses.
func (w *Writer) ForceSync() error {
	buf := w.b.Drain()
	if len(buf.Queue) > 0 {
		w.emitState(dispatch.DataReceived)
		if err := w.writeBatch(buf); err != nil {
			w.fail(err)
			return err
		}
	}
	if err := w.triggerMerge(); err != nil {
		w.fail(err)
		return err
	}
	w.emitState(dispatch.Empty)
	return nil
}

// Stop signals the writer to perform its final drain (if any data remains)
// and exit, then waits for it to do so.
func (w *Writer) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

func (w *Writer) run() {
	defer close(w.doneCh)
	for {
		select {
		case <-w.b.Signal():
		case <-w.stopCh:
			w.finalDrain()
			return
		}
		w.emitState(dispatch.DataReceived)
		if err := w.drainAndWrite(); err != nil {
			w.fail(err)
			return
		}
	}
}

func (w *Writer) finalDrain() {
	buf := w.b.Drain()
	if len(buf.Queue) > 0 {
		if err := w.writeBatch(buf); err != nil {
			w.fail(err)
			return
		}
	}
	if w.kvBytesWritten.Load() > 0 {
		if err := w.triggerMerge(); err != nil {
			w.fail(err)
			return
		}
	}
	w.emitState(dispatch.Finished)
}

// drainAndWrite performs one EMPTY->...->EMPTY (or ->WAITING_ON_MERGE->EMPTY)
// cycle of the state machine.
func (w *Writer) drainAndWrite() error {
	buf := w.b.Drain()
	if len(buf.Queue) == 0 {
		w.emitState(dispatch.WaitingOnData)
		w.emitState(dispatch.Empty)
		return nil
	}
	if err := w.writeBatch(buf); err != nil {
		return err
	}
	if w.kvBytesWritten.Load() > w.threshold || w.auxBytesWritten.Load() > w.threshold {
		w.emitState(dispatch.WaitingOnMerge)
		if err := w.triggerMerge(); err != nil {
			return err
		}
	} else {
		w.emitState(dispatch.WaitingOnData)
	}
	w.emitState(dispatch.Empty)
	return nil
}

// writeBatch serializes every entry in buf to kv_i/aux_i in position order,
// per the per-record write protocol of spec.md §4.2.
func (w *Writer) writeBatch(buf *entry.BucketBuffer) error {
	w.emitState(dispatch.WaitingOnLock)
	w.Lock()
	defer w.Unlock()
	w.emitState(dispatch.Writing)

	kvCounter := &countingWriter{w: w.kvWriter}
	auxCounter := &countingWriter{w: w.auxWriter}

	for _, e := range buf.Queue {
		value, aux := e.Value, e.Aux
		if w.compressor != nil {
			value = w.compressor.Compress(value)
			aux = w.compressor.Compress(aux)
		}
		if err := writeKVRecord(kvCounter, e.Op, e.Key, value); err != nil {
			return fmt.Errorf("bucket %d: write kv record: %w", w.bucket, err)
		}
		if err := writeAuxRecord(auxCounter, aux); err != nil {
			return fmt.Errorf("bucket %d: write aux record: %w", w.bucket, err)
		}
	}
	if err := w.kvWriter.Flush(); err != nil {
		return fmt.Errorf("bucket %d: flush kv: %w", w.bucket, err)
	}
	if err := w.auxWriter.Flush(); err != nil {
		return fmt.Errorf("bucket %d: flush aux: %w", w.bucket, err)
	}
	w.kvBytesWritten.Add(uint64(kvCounter.n))
	w.auxBytesWritten.Add(uint64(auxCounter.n))
	metrics.SetBucketBytes(strconv.Itoa(w.bucket), float64(w.kvBytesWritten.Load()), float64(w.auxBytesWritten.Load()))
	return nil
}

func (w *Writer) triggerMerge() error {
	return w.merger.TriggerMerge()
}

// writeKVRecord writes [op:1][key:8 BE][vlen:4 BE][value:vlen]. vlen is the
// length of value as given, which is the compressed length when a
// Compressor is configured.
func writeKVRecord(w io.Writer, op entry.Op, key uint64, value []byte) error {
	var hdr [13]byte
	hdr[0] = byte(op)
	binary.BigEndian.PutUint64(hdr[1:9], key)
	binary.BigEndian.PutUint32(hdr[9:13], uint32(len(value)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(value) > 0 {
		if _, err := w.Write(value); err != nil {
			return err
		}
	}
	return nil
}

// writeAuxRecord writes [alen:4 BE][aux:alen].
func writeAuxRecord(w io.Writer, aux []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(aux)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(aux) > 0 {
		if _, err := w.Write(aux); err != nil {
			return err
		}
	}
	return nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// ReadKVRecord reads a single [op][key][vlen][value] record, used by the
// merger. io.EOF signals a clean end of file.
func ReadKVRecord(r io.Reader) (op entry.Op, key uint64, value []byte, err error) {
	var hdr [13]byte
	if _, err = io.ReadFull(r, hdr[:]); err != nil {
		return 0, 0, nil, err
	}
	op = entry.Op(hdr[0])
	key = binary.BigEndian.Uint64(hdr[1:9])
	vlen := binary.BigEndian.Uint32(hdr[9:13])
	if vlen > 0 {
		value = make([]byte, vlen)
		if _, err = io.ReadFull(r, value); err != nil {
			return 0, 0, nil, err
		}
	}
	return op, key, value, nil
}

// ReadAuxRecord reads a single [alen][aux] record.
func ReadAuxRecord(r io.Reader) (aux []byte, err error) {
	var hdr [4]byte
	if _, err = io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	alen := binary.BigEndian.Uint32(hdr[:])
	if alen > 0 {
		aux = make([]byte, alen)
		if _, err = io.ReadFull(r, aux); err != nil {
			return nil, err
		}
	}
	return aux, nil
}

// Close releases the writer's file handles. Safe to call after Stop.
func (w *Writer) Close() error {
	kvErr := w.kvFile.Close()
	auxErr := w.auxFile.Close()
	if kvErr != nil {
		return kvErr
	}
	return auxErr
}
