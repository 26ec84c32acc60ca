// Copyright 2022-2026 CSC - IT Center for Science Ltd.
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

// Package metrics exposes the Prometheus collectors of the service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTPRequests counts handled requests by method, route and status class.
var HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "pifs",
	Subsystem: "http",
	Name:      "requests_total",
	Help:      "Handled HTTP requests.",
}, []string{"method", "route", "code"})

// HTTPDuration observes request latencies by route.
var HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "pifs",
	Subsystem: "http",
	Name:      "request_duration_seconds",
	Help:      "HTTP request latency.",
	Buckets:   prometheus.DefBuckets,
}, []string{"method", "route"})

// UploadBytes counts bytes accepted into staging.
var UploadBytes = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "pifs",
	Subsystem: "upload",
	Name:      "received_bytes_total",
	Help:      "Bytes received into upload staging.",
})

// UploadsPublished counts published uploads by type.
var UploadsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "pifs",
	Subsystem: "upload",
	Name:      "published_total",
	Help:      "Successfully published uploads.",
}, []string{"type"})

// TasksProcessed counts background jobs by type and outcome.
var TasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "pifs",
	Subsystem: "worker",
	Name:      "tasks_total",
	Help:      "Processed background jobs.",
}, []string{"type", "status"})
