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

package transport

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	requests    *prometheus.CounterVec
	duration    prometheus.Histogram
	retries     prometheus.Counter
	blacklisted prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		requests: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "trove_transport_requests_total",
			Help: "Number of requests sent, by outcome.",
		}, []string{"outcome"}), // outcome: ok/http_<code>/error/aborted
		duration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "trove_transport_request_duration_seconds",
			Help:    "Time until the response headers arrived.",
			Buckets: prometheus.DefBuckets,
		}),
		retries: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "trove_transport_retries_total",
			Help: "Number of retried requests.",
		}),
		blacklisted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "trove_transport_proxies_blacklisted_total",
			Help: "Number of times a failing proxy was blacklisted.",
		}),
	}
}
