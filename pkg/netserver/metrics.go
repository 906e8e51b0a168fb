// Copyright (C) 2021 Toitware ApS.
//
// This library is free software; you can redistribute it and/or
// modify it under the terms of the GNU Lesser General Public
// License as published by the Free Software Foundation; version
// 2.1 only.
//
// This library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Lesser General Public License for more details.
//
// The license can be found in the file `LICENSE` in the top level
// directory of this repository.

package netserver

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	proxied  *prometheus.CounterVec
	cacheHit prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		requests: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "trove_server_rpc_requests_total",
			Help: "RPC calls by method and outcome.",
		}, []string{"method", "outcome"}),
		duration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "trove_server_rpc_duration_seconds",
			Help:    "Time spent answering RPC calls.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		proxied: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "trove_proxy_requests_total",
			Help: "Requests forwarded by the proxy, by status code.",
		}, []string{"code"}),
		cacheHit: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "trove_proxy_contents_cache_hits_total",
			Help: "File contents served from the proxy cache.",
		}),
	}
}
