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

package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"os"
	"sort"
	"sync"

	atomicfile "github.com/natefinch/atomic"
)

// FlatFile is the default SortedStore: the whole key/value map lives
// in memory, sorted by key, and is rewritten to disk as a single file in
// one atomic replace per Flush call. This is the "simple sorted flat file"
// default store_factory mentioned in spec.md §6: reads are an in-memory map
// lookup, and each bucket a merge pass reconciles costs one sequential
// rewrite instead of one random seek per key, which is the whole reason the
// bucketing/merge pipeline in front of it exists.
//
// Record format on disk: repeated [key:8 BE][vlen:4 BE][value:vlen], sorted
// ascending by key. No header, no checksum: these are the durable contents,
// not scratch, but a torn write is recovered by simply not switching the
// file pointer (see Flush).
type FlatFile struct {
	mu   sync.RWMutex
	path string

	keys   []uint64 // sorted ascending, parallel to values
	values [][]byte
	index  map[uint64]int // key -> position in keys/values
	dirty  bool
}

// OpenFlatFile loads path if it exists, or starts empty if it does not.
func OpenFlatFile(path string) (*FlatFile, error) {
	f := &FlatFile{path: path, index: make(map[uint64]int)}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return f, nil
		}
		return nil, err
	}
	if err := f.load(b); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *FlatFile) load(b []byte) error {
	r := bytes.NewReader(b)
	for r.Len() > 0 {
		var key uint64
		if err := binary.Read(r, binary.BigEndian, &key); err != nil {
			if err == io.EOF {
				break
			}
			return err
		}
		var vlen uint32
		if err := binary.Read(r, binary.BigEndian, &vlen); err != nil {
			return err
		}
		value := make([]byte, vlen)
		if _, err := io.ReadFull(r, value); err != nil {
			return err
		}
		f.keys = append(f.keys, key)
		f.values = append(f.values, value)
		f.index[key] = len(f.keys) - 1
	}
	return nil
}

func (f *FlatFile) Get(_ context.Context, key uint64) ([]byte, bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	i, ok := f.index[key]
	if !ok {
		return nil, false, nil
	}
	v := f.values[i]
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, true, nil
}

func (f *FlatFile) Put(_ context.Context, key uint64, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putLocked(key, value)
	return nil
}

func (f *FlatFile) putLocked(key uint64, value []byte) {
	cp := make([]byte, len(value))
	copy(cp, value)
	f.dirty = true
	if i, ok := f.index[key]; ok {
		f.values[i] = cp
		return
	}
	// Insert keeping keys/values sorted ascending by key.
	i := sort.Search(len(f.keys), func(i int) bool { return f.keys[i] >= key })
	f.keys = append(f.keys, 0)
	f.values = append(f.values, nil)
	copy(f.keys[i+1:], f.keys[i:])
	copy(f.values[i+1:], f.values[i:])
	f.keys[i] = key
	f.values[i] = cp
	for j := i; j < len(f.keys); j++ {
		f.index[f.keys[j]] = j
	}
}

// Merge performs the resolve callback per key directly against the
// in-memory sorted structure, then relies on the caller (the merger) to
// call Flush after each bucket's Merge to persist the whole rewrite
// atomically.
func (f *FlatFile) Merge(ctx context.Context, keys []uint64, resolve Resolver) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		var old []byte
		present := false
		if i, ok := f.index[k]; ok {
			old = f.values[i]
			present = true
		}
		newValue, write, err := resolve(k, old, present)
		if err != nil {
			return err
		}
		if write {
			f.putLocked(k, newValue)
		}
	}
	return nil
}

// Flush rewrites the backing file in one shot via an atomic
// write-to-temp-then-rename, so a crash mid-write never corrupts the
// previous durable contents. Safe to call after a batch of Put/Merge calls;
// cheap to skip when nothing changed since the last Flush.
func (f *FlatFile) Flush() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.dirty {
		return nil
	}
	var buf bytes.Buffer
	for i, key := range f.keys {
		if err := binary.Write(&buf, binary.BigEndian, key); err != nil {
			return err
		}
		v := f.values[i]
		if err := binary.Write(&buf, binary.BigEndian, uint32(len(v))); err != nil {
			return err
		}
		buf.Write(v)
	}
	if err := atomicfile.WriteFile(f.path, bytes.NewReader(buf.Bytes())); err != nil {
		return err
	}
	f.dirty = false
	return nil
}

func (f *FlatFile) Close() error {
	return f.Flush()
}
