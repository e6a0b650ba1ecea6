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

// Package codec defines the plugin contracts DRUM uses to turn user value
// and auxiliary types into byte sequences, and to merge values for
// append_update. Callers provide a concrete ValueCodec at construction;
// there is no aux codec, and auxiliary data is passed to the engine as raw
// bytes. The engine itself never interprets value or aux bytes.
package codec

import "encoding/json"

// ByteCodec converts a user type T to and from bytes. from_bytes(to_bytes(v))
// must reproduce v for any v the caller submits.
type ByteCodec[T any] interface {
	Encode(v T) ([]byte, error)
	Decode(b []byte) (T, error)
}

// AppendCodec merges an existing value with an incoming one for
// append_update. Required only by callers that use AppendUpdate.
type AppendCodec[T any] interface {
	Merge(existing, incoming T) (T, error)
}

// ValueCodec composes ByteCodec with an optional AppendCodec. MergeFunc may
// be nil if the caller never issues AppendUpdate for this value type.
type ValueCodec[T any] struct {
	ByteCodec[T]
	MergeFunc func(existing, incoming T) (T, error)
}

// Merge applies MergeFunc if set, otherwise returns incoming unchanged,
// which matches spec's "absent -> treat as UPDATE" rule once lifted one
// level up (the merger only calls Merge when a prior value exists).
func (c ValueCodec[T]) Merge(existing, incoming T) (T, error) {
	if c.MergeFunc == nil {
		return incoming, nil
	}
	return c.MergeFunc(existing, incoming)
}

// JSON returns a ValueCodec backed by encoding/json, the serialization the
// teacher repo's file sinks use for envelope/state persistence.
func JSON[T any]() ValueCodec[T] {
	return ValueCodec[T]{ByteCodec: jsonCodec[T]{}}
}

type jsonCodec[T any] struct{}

func (jsonCodec[T]) Encode(v T) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec[T]) Decode(b []byte) (T, error) {
	var v T
	err := json.Unmarshal(b, &v)
	return v, err
}

// Raw is the identity codec for callers whose value type is already []byte.
type Raw struct{}

func (Raw) Encode(v []byte) ([]byte, error) { return v, nil }
func (Raw) Decode(b []byte) ([]byte, error) { return b, nil }

// RawCodec returns a ValueCodec for []byte values with no transformation.
func RawCodec() ValueCodec[[]byte] {
	return ValueCodec[[]byte]{ByteCodec: Raw{}}
}
