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

// Package entry defines the record types that flow through the DRUM
// pipeline: the operation tag a caller submits, the in-memory entry the
// router creates for it, and the append-only bucket buffer that holds a
// bucket's entries between flips.
package entry

// Op tags the kind of request a caller submitted.
type Op uint8

const (
	Check Op = iota
	Update
	CheckUpdate
	AppendUpdate
)

func (o Op) String() string {
	switch o {
	case Check:
		return "CHECK"
	case Update:
		return "UPDATE"
	case CheckUpdate:
		return "CHECK_UPDATE"
	case AppendUpdate:
		return "APPEND_UPDATE"
	default:
		return "UNKNOWN_OP"
	}
}

// Classification is the result of reconciling a key against the backing
// store during a merge pass.
type Classification uint8

const (
	Unknown Classification = iota
	Unique
	Duplicate
)

func (c Classification) String() string {
	switch c {
	case Unique:
		return "UNIQUE"
	case Duplicate:
		return "DUPLICATE"
	default:
		return "UNKNOWN"
	}
}

// InMemoryEntry is created by the router when a caller's request hits a
// bucket and is destroyed once the merger has dispatched its result.
// Value and Aux are nil when absent; the writer never mutates either.
type InMemoryEntry struct {
	Op             Op
	Key            uint64
	Value          []byte
	Aux            []byte
	Position       uint32
	Classification Classification
}

// ValueLen and AuxLen return the on-disk length of the entry's payloads,
// matching the `vlen`/`alen` fields of the bucket file record formats.
func (e *InMemoryEntry) ValueLen() uint32 { return uint32(len(e.Value)) }
func (e *InMemoryEntry) AuxLen() uint32   { return uint32(len(e.Aux)) }

// BucketBuffer is an atomically-swappable, immutable snapshot of a bucket's
// accumulated entries. Replaced wholesale on flip; never mutated in place
// once published, so a reference to one is safe to read without locking.
type BucketBuffer struct {
	Queue    []*InMemoryEntry
	KeyBytes uint64
	ValBytes uint64
	AuxBytes uint64
}

// Empty returns a fresh, zero-entry buffer, used both as the broker's
// initial state and as the value swapped in on drain.
func Empty() *BucketBuffer {
	return &BucketBuffer{}
}

// WithAppended returns a new BucketBuffer containing every entry of b plus
// e, with byte sums updated and e.Position set to b's current length. The
// receiver is never mutated: callers CAS the result in as the new current
// buffer, so concurrent readers of the old buffer are unaffected.
func (b *BucketBuffer) WithAppended(e *InMemoryEntry) *BucketBuffer {
	e.Position = uint32(len(b.Queue))
	queue := make([]*InMemoryEntry, len(b.Queue)+1)
	copy(queue, b.Queue)
	queue[len(b.Queue)] = e
	return &BucketBuffer{
		Queue:    queue,
		KeyBytes: b.KeyBytes + 8,
		ValBytes: b.ValBytes + uint64(e.ValueLen()),
		AuxBytes: b.AuxBytes + uint64(e.AuxLen()),
	}
}
