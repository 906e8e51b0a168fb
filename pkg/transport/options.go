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
	"crypto/x509"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const (
	defaultRetries        = 3
	defaultConnectTimeout = 30 * time.Second
	defaultPollInterval   = 5 * time.Second
	defaultInitialBackoff = 500 * time.Millisecond
	defaultMaxBackoff     = 10 * time.Second
)

type options struct {
	proxies        *ProxyMap
	noProxy        *NoProxy
	noProxySet     bool
	caPool         *x509.CertPool
	caFile         string
	retries        int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	connectTimeout time.Duration
	pollInterval   time.Duration
	abort          func() bool
	entitlements   map[string][]Entitlement
	credentials    map[string]Credentials
	userAgent      string
	log            logrus.FieldLogger
	registerer     prometheus.Registerer
}

// Option configures a Client.
type Option interface {
	applyOption(o *options)
}

func (o *options) apply(opts ...Option) {
	for _, opt := range opts {
		opt.applyOption(o)
	}
}

type proxyMapOption struct{ m *ProxyMap }

func (p proxyMapOption) applyOption(o *options) { o.proxies = p.m }

// WithProxyMap routes requests through the strategies of m.
func WithProxyMap(m *ProxyMap) Option { return proxyMapOption{m} }

type noProxyOption struct{ n *NoProxy }

func (p noProxyOption) applyOption(o *options) { o.noProxy, o.noProxySet = p.n, true }

// WithNoProxy replaces the no_proxy rules from the environment. A nil
// list bypasses nothing.
func WithNoProxy(n *NoProxy) Option { return noProxyOption{n} }

type caPoolOption struct{ pool *x509.CertPool }

func (c caPoolOption) applyOption(o *options) { o.caPool = c.pool }

// WithCAPool verifies servers against pool.
func WithCAPool(pool *x509.CertPool) Option { return caPoolOption{pool} }

type caFileOption string

func (c caFileOption) applyOption(o *options) { o.caFile = string(c) }

// WithCAFile verifies servers against the PEM certificates in path.
func WithCAFile(path string) Option { return caFileOption(path) }

type retriesOption int

func (r retriesOption) applyOption(o *options) { o.retries = int(r) }

// WithRetries sets how often a failed request is retried.
func WithRetries(n int) Option { return retriesOption(n) }

type backoffOption struct{ initial, max time.Duration }

func (b backoffOption) applyOption(o *options) { o.initialBackoff, o.maxBackoff = b.initial, b.max }

// WithBackoff sets the first and the longest wait between retries.
func WithBackoff(initial, max time.Duration) Option { return backoffOption{initial, max} }

type connectTimeoutOption time.Duration

func (c connectTimeoutOption) applyOption(o *options) { o.connectTimeout = time.Duration(c) }

func WithConnectTimeout(d time.Duration) Option { return connectTimeoutOption(d) }

type abortOption struct {
	check    func() bool
	interval time.Duration
}

func (a abortOption) applyOption(o *options) {
	o.abort = a.check
	if a.interval > 0 {
		o.pollInterval = a.interval
	}
}

// WithAbortCheck polls check every interval while waiting for a
// response, and fails the request with *errs.AbortError once it returns
// true. A zero interval polls every five seconds.
func WithAbortCheck(check func() bool, interval time.Duration) Option {
	return abortOption{check, interval}
}

type entitlementOption struct {
	host string
	ent  Entitlement
}

func (e entitlementOption) applyOption(o *options) {
	if o.entitlements == nil {
		o.entitlements = map[string][]Entitlement{}
	}
	o.entitlements[e.host] = append(o.entitlements[e.host], e.ent)
}

// WithEntitlement sends an entitlement with every request to host. Host
// is a host name, optionally with a port.
func WithEntitlement(host, class, key string) Option {
	return entitlementOption{host, Entitlement{Class: class, Key: key}}
}

type credentialsOption struct {
	host  string
	creds Credentials
}

func (c credentialsOption) applyOption(o *options) {
	if o.credentials == nil {
		o.credentials = map[string]Credentials{}
	}
	o.credentials[c.host] = c.creds
}

// WithCredentials authenticates requests to host. They replace
// credentials that are part of the request URL.
func WithCredentials(host, user, password string) Option {
	return credentialsOption{host, Credentials{User: user, Password: password}}
}

type userAgentOption string

func (u userAgentOption) applyOption(o *options) { o.userAgent = string(u) }

func WithUserAgent(ua string) Option { return userAgentOption(ua) }

type loggerOption struct{ log logrus.FieldLogger }

func (l loggerOption) applyOption(o *options) { o.log = l.log }

func WithLogger(log logrus.FieldLogger) Option { return loggerOption{log} }

type metricsOption struct{ reg prometheus.Registerer }

func (m metricsOption) applyOption(o *options) { o.registerer = m.reg }

// WithMetrics registers the client metrics with reg.
func WithMetrics(reg prometheus.Registerer) Option { return metricsOption{reg} }
