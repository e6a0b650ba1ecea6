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

package writer

import "github.com/klauspost/compress/zstd"

// Compressor transforms a value or aux payload before it is written to a
// bucket file, and reverses the transform when the merger reads it back.
// Left nil, a Writer stores payloads verbatim, matching the literal record
// format of spec.md §3. Grounded on grailbio-base's use of the
// klauspost/compress zstd family for its storage utilities; wired here as
// an opt-in for callers whose aux payloads (e.g. crawl metadata) are large
// enough that the CPU cost of compression beats the disk/merge I/O it
// saves.
type Compressor interface {
	Compress(data []byte) []byte
	Decompress(data []byte) ([]byte, error)
}

// zstdCompressor adapts a reusable zstd encoder/decoder pair to the
// Compressor interface. Both are safe for concurrent use, which matters
// here since the merger (reading) and this bucket's writer (writing) run
// on different goroutines.
type zstdCompressor struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewZstdCompressor builds a Compressor backed by klauspost/compress/zstd
// at the default compression level, suitable for passing to
// Writer.SetCompressor.
func NewZstdCompressor() (Compressor, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	return &zstdCompressor{enc: enc, dec: dec}, nil
}

func (c *zstdCompressor) Compress(data []byte) []byte {
	if len(data) == 0 {
		return data
	}
	return c.enc.EncodeAll(data, make([]byte, 0, len(data)))
}

func (c *zstdCompressor) Decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}
	return c.dec.DecodeAll(data, nil)
}
