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

// drumd is a runnable demo of the drum engine: it seeds synthetic
// check/update/append_update traffic across a configurable number of
// buckets, prints classification callbacks and writer/merger state
// transitions as they arrive, and exposes Prometheus metrics, in the same
// shape as the teacher's cmd/tfd-sim and cmd/ratelimiter-api demos.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/eavarez/drum"
	"github.com/eavarez/drum/codec"
	"github.com/eavarez/drum/internal/dispatch"
	"github.com/eavarez/drum/internal/entry"
)

// logSink prints every result callback and state transition to stdout,
// exactly as tfd-sim's demo sinks do for its own S/V lanes.
type logSink struct {
	uniques, duplicates atomic.Int64
}

func (s *logSink) OnResult(r dispatch.Result) {
	switch r.Classification {
	case entry.Unique:
		s.uniques.Add(1)
	case entry.Duplicate:
		s.duplicates.Add(1)
	}
	log.Printf("result: op=%s key=%d classification=%s value_len=%d", r.Op, r.Key, r.Classification, len(r.Value))
}

type logListener struct{}

func (logListener) OnStateEvent(e dispatch.StateEvent) {
	if e.Source == "writer" {
		log.Printf("writer[%d]: %s (kv=%d aux=%d)", e.Bucket, e.WriterState, e.KVBytesWritten, e.AuxBytesWritten)
		return
	}
	log.Printf("merger[%d]: %s", e.Bucket, e.MergerState)
}

func main() {
	var (
		name        = flag.String("name", "drumd-demo", "engine name, used as the cache subdirectory")
		dir         = flag.String("dir", "cache", "base cache directory")
		buckets     = flag.Int("buckets", 16, "number of buckets (power of two)")
		threshold   = flag.Uint64("threshold", 4096, "per-bucket byte threshold (power of two)")
		ops         = flag.Int("ops", 10000, "number of synthetic operations to submit")
		keyspace    = flag.Uint64("keyspace", 100000, "number of distinct keys to draw from")
		metricsAddr = flag.String("metrics-addr", ":9090", "address to serve /metrics on (empty to disable)")
		compress    = flag.Bool("compress", false, "compress bucket file payloads with zstd")
	)
	flag.Parse()

	sink := &logSink{}
	engine, err := drum.Construct(drum.Options[[]byte]{
		Name:        *name,
		Dir:         *dir,
		N:           *buckets,
		T:           *threshold,
		ValueCodec:  codec.RawCodec(),
		ResultSink:  sink,
		Listener:    logListener{},
		MetricsAddr: *metricsAddr,
		Compress:    *compress,
	})
	if err != nil {
		log.Fatalf("construct: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go driveTraffic(ctx, engine, *ops, *keyspace)

	<-ctx.Done()
	log.Printf("shutting down: uniques=%d duplicates=%d", sink.uniques.Load(), sink.duplicates.Load())
	if err := engine.Dispose(); err != nil {
		log.Fatalf("dispose: %v", err)
	}
}

func driveTraffic(ctx context.Context, engine *drum.Engine[[]byte], ops int, keyspace uint64) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for i := 0; i < ops; i++ {
		select {
		case <-ctx.Done():
			return
		default:
		}
		key := rng.Uint64() % keyspace
		switch rng.Intn(4) {
		case 0:
			_ = engine.Check(key, nil)
		case 1:
			_ = engine.Update(key, []byte(fmt.Sprintf("v%d", i)), nil)
		case 2:
			_ = engine.CheckUpdate(key, []byte(fmt.Sprintf("v%d", i)), nil)
		case 3:
			_ = engine.AppendUpdate(key, []byte(fmt.Sprintf("a%d", i)), nil)
		}
	}
	_ = engine.Synchronize()
}
