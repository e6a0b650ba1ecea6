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

// Package store defines the backing "sorted store" contract the merger
// reconciles against, plus several concrete implementations: an in-memory
// store for tests, a default on-disk flat file, and adapters over Redis and
// Postgres for callers who already run one of those as their system of
// record.
package store

import "context"

// SortedStore is a map key:u64 -> value bytes that additionally supports a
// bulk, ascending-order merge. The merger is the store's only owner: no
// other DRUM component reads or writes it directly.
type SortedStore interface {
	// Get returns the current value for key, or ok=false if absent.
	Get(ctx context.Context, key uint64) (value []byte, ok bool, err error)

	// Put overwrites (or inserts) the value for key.
	Put(ctx context.Context, key uint64, value []byte) error

	// Merge walks keys in the order given (the merger always supplies them
	// ascending within a bucket) and invokes resolve once per key with the
	// store's current value, if any. If resolve returns write=true, newValue
	// replaces the stored value; otherwise the key is left untouched.
	//
	// A backing store whose native structure supports a genuine sequential
	// walk (a B-tree, an LSM level, a sorted flat file) can implement Merge
	// as one pass instead of one random-access Get/Put per key; Get/Put
	// remain the contract's minimum so simpler backends need not implement
	// a real cursor.
	Merge(ctx context.Context, keys []uint64, resolve Resolver) error

	// Close releases any resources (file handles, connections) held by the
	// store. Safe to call once during engine Dispose.
	Close() error
}

// Resolver is invoked once per key during SortedStore.Merge, in ascending
// key order. present reports whether old is meaningful.
type Resolver func(key uint64, old []byte, present bool) (newValue []byte, write bool, err error)

// defaultMerge is the naive Get/Put-based implementation of Merge shared by
// backends that have no cheaper batch path (MemStore, RedisStore). FlatFile
// uses its own because it rewrites the whole sorted index once per Flush
// instead of per key, and PGStore uses its own to apply the batch in one
// transaction.
func defaultMerge(ctx context.Context, s SortedStore, keys []uint64, resolve Resolver) error {
	for _, k := range keys {
		old, ok, err := s.Get(ctx, k)
		if err != nil {
			return err
		}
		newValue, write, err := resolve(k, old, ok)
		if err != nil {
			return err
		}
		if write {
			if err := s.Put(ctx, k, newValue); err != nil {
				return err
			}
		}
	}
	return nil
}
