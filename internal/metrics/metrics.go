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

// Package metrics provides opt-in Prometheus instrumentation for the
// engine. When disabled, every exported function is a no-op, so the hot
// broker.Append path never pays for a disabled counter.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var enabled bool

var (
	operationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "drum_operations_total",
		Help: "Total operations submitted, by op tag and classification",
	}, []string{"op", "classification"})

	mergePassesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "drum_merge_passes_total",
		Help: "Total completed merge passes across all buckets",
	})

	mergeErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "drum_merge_errors_total",
		Help: "Total merge pass failures, by bucket",
	}, []string{"bucket"})

	bucketKVBytes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "drum_bucket_kv_bytes",
		Help: "Current kv file size for a bucket",
	}, []string{"bucket"})

	bucketAuxBytes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "drum_bucket_aux_bytes",
		Help: "Current aux file size for a bucket",
	}, []string{"bucket"})

	stateEventsDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "drum_state_events_dropped_total",
		Help: "Total state events dropped from the bounded state lane under backpressure",
	})
)

func init() {
	prometheus.MustRegister(operationsTotal, mergePassesTotal, mergeErrorsTotal,
		bucketKVBytes, bucketAuxBytes, stateEventsDroppedTotal)
}

// Enable turns on metric recording and, if addr is non-empty, starts a
// dedicated HTTP server exposing /metrics on addr. Safe to call once
// during engine construction. An error from the server's ListenAndServe is
// discarded, neither returned nor logged, since a dead metrics endpoint
// should never take down the engine.
func Enable(addr string) (*http.Server, error) {
	enabled = true
	if addr == "" {
		return nil, nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv, nil
}

// RecordOperation increments the per-op, per-classification counter.
func RecordOperation(op, classification string) {
	if !enabled {
		return
	}
	operationsTotal.WithLabelValues(op, classification).Inc()
}

// RecordMergePass increments the completed-pass counter.
func RecordMergePass() {
	if !enabled {
		return
	}
	mergePassesTotal.Inc()
}

// RecordMergeError increments the per-bucket failure counter.
func RecordMergeError(bucket string) {
	if !enabled {
		return
	}
	mergeErrorsTotal.WithLabelValues(bucket).Inc()
}

// SetBucketBytes records a bucket's current file sizes.
func SetBucketBytes(bucket string, kv, aux float64) {
	if !enabled {
		return
	}
	bucketKVBytes.WithLabelValues(bucket).Set(kv)
	bucketAuxBytes.WithLabelValues(bucket).Set(aux)
}

// RecordStateEventDropped increments the dropped-state-event counter.
func RecordStateEventDropped() {
	if !enabled {
		return
	}
	stateEventsDroppedTotal.Inc()
}
