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

package repository

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	commits          *prometheus.CounterVec
	commitDuration   prometheus.Histogram
	trovesCommitted  prometheus.Counter
	contentsRestored *prometheus.CounterVec
}

// newMetrics registers with reg; a nil reg keeps the metrics private.
func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		commits: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "trove_commits_total",
			Help: "Number of change set commits by result.",
		}, []string{"result"}), // result: ok/rejected/failed
		commitDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "trove_commit_duration_seconds",
			Help:    "Duration of change set commits.",
			Buckets: prometheus.DefBuckets,
		}),
		trovesCommitted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "trove_troves_committed_total",
			Help: "Number of troves made live by commits.",
		}),
		contentsRestored: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "trove_contents_restored_total",
			Help: "Number of file contents handled by commits.",
		}, []string{"kind"}), // kind: file/diff/ptr/reference
	}
}
