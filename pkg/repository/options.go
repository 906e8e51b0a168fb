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
	"github.com/sirupsen/logrus"
	"github.com/toitlang/trove/pkg/datastore"
	"github.com/toitlang/trove/pkg/files"
	"github.com/toitlang/trove/pkg/trove"
)

type options struct {
	authoritativeHosts []string
	requireSigs        bool
	trustThreshold     int
	keys               trove.KeyCache
	layout             datastore.Layout
	database           bool
	root               string
	journal            files.Journal
	serialize          bool
	log                logrus.FieldLogger
	registerer         prometheus.Registerer
}

func (o *options) apply(opts ...Option) {
	for _, option := range opts {
		option.applyOption(o)
	}
}

// Option defines the optional parameters for Open.
type Option interface {
	applyOption(*options)
}

// WithAuthoritativeHosts limits change sets to troves on the given
// hosts; everything else is returned as a remainder.
func WithAuthoritativeHosts(hosts ...string) Option {
	return authoritativeHosts(hosts)
}

type authoritativeHosts []string

func (h authoritativeHosts) applyOption(o *options) {
	o.authoritativeHosts = append(o.authoritativeHosts, h...)
}

// WithRequireSignatures rejects commits of troves without a signature
// that meets the trust threshold.
func WithRequireSignatures() Option {
	return requireSigs(true)
}

type requireSigs bool

func (r requireSigs) applyOption(o *options) { o.requireSigs = bool(r) }

// WithTrustThreshold sets the trust a signing key needs. Required
// signatures default to trove.TrustMarginal.
func WithTrustThreshold(trust int) Option {
	return trustThreshold(trust)
}

type trustThreshold int

func (t trustThreshold) applyOption(o *options) { o.trustThreshold = int(t) }

// WithKeyCache sets where signing keys are looked up.
func WithKeyCache(keys trove.KeyCache) Option {
	return keyCache{keys}
}

type keyCache struct{ keys trove.KeyCache }

func (k keyCache) applyOption(o *options) { o.keys = k.keys }

// WithLayout sets the layout of the content store of a repository.
func WithLayout(l datastore.Layout) Option {
	return layout(l)
}

type layout datastore.Layout

func (l layout) applyOption(o *options) { o.layout = datastore.Layout(l) }

// AsDatabase opens an installed-system database. Contents are reference
// counted, and when root isn't empty committed files are placed below
// it.
func AsDatabase(root string) Option {
	return databaseRoot(root)
}

type databaseRoot string

func (r databaseRoot) applyOption(o *options) {
	o.database = true
	o.root = string(r)
}

// WithJournal records the privileged operations of an unprivileged
// install.
func WithJournal(j files.Journal) Option {
	return journal{j}
}

type journal struct{ j files.Journal }

func (j journal) applyOption(o *options) { o.journal = j.j }

// WithSerializedCommits makes commits take a file lock, so that only one
// process commits at a time.
func WithSerializedCommits() Option {
	return serialize(true)
}

type serialize bool

func (s serialize) applyOption(o *options) { o.serialize = bool(s) }

func WithLogger(log logrus.FieldLogger) Option {
	return logger{log}
}

type logger struct{ log logrus.FieldLogger }

func (l logger) applyOption(o *options) { o.log = l.log }

// WithMetrics registers the commit metrics with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return registerer{reg}
}

type registerer struct{ reg prometheus.Registerer }

func (r registerer) applyOption(o *options) { o.registerer = r.reg }
