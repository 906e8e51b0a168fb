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
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/toitlang/trove/pkg/errs"
)

// Headers used between clients, proxies and servers.
const (
	HeaderVersion     = "X-Conary-Version"
	HeaderServerName  = "X-Conary-Servername"
	HeaderEntitlement = "X-Conary-Entitlement"
	HeaderProxyHost   = "X-Conary-Proxy-Host"
	HeaderProxyTarget = "X-Conary-Proxy-Target"
	HeaderVia         = "Via"
)

// Entitlement grants access to a repository without a user account.
type Entitlement struct {
	Class string
	Key   string
}

// FormatEntitlements renders entitlements as the value of the
// entitlement header: space separated pairs of class and base64 key.
func FormatEntitlements(ents []Entitlement) string {
	parts := make([]string, 0, 2*len(ents))
	for _, e := range ents {
		parts = append(parts, e.Class, base64.StdEncoding.EncodeToString([]byte(e.Key)))
	}
	return strings.Join(parts, " ")
}

// ParseEntitlements parses the value of the entitlement header.
func ParseEntitlements(value string) ([]Entitlement, error) {
	fields := strings.Fields(value)
	if len(fields)%2 != 0 {
		return nil, errors.Errorf("malformed entitlement header '%s'", value)
	}
	var result []Entitlement
	for i := 0; i < len(fields); i += 2 {
		key, err := base64.StdEncoding.DecodeString(fields[i+1])
		if err != nil {
			return nil, errors.Wrapf(err, "malformed entitlement key for class '%s'", fields[i])
		}
		result = append(result, Entitlement{Class: fields[i], Key: string(key)})
	}
	return result, nil
}

type Credentials struct {
	User     string
	Password string
}

// Request is a buffered request, so that it can be resent.
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   []byte
}

func NewRequest(method, rawURL string, body []byte) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid url '%s'", rawURL)
	}
	return &Request{Method: method, URL: u, Header: http.Header{}, Body: body}, nil
}

// Response is a successful response.
type Response struct {
	*http.Response
	// Proxy is the strategy that delivered the response.
	Proxy ProxyTarget
}

// Client sends requests through proxies, with failover and retries.
type Client struct {
	opts    options
	log     logrus.FieldLogger
	metrics *metrics
	tls     *tls.Config

	insecureOnce sync.Once

	mu         sync.Mutex
	transports map[string]*http.Transport
}

// New creates a client. Without a CA, server certificates are not
// verified.
func New(opts ...Option) (*Client, error) {
	o := options{
		retries:        defaultRetries,
		connectTimeout: defaultConnectTimeout,
		pollInterval:   defaultPollInterval,
		initialBackoff: defaultInitialBackoff,
		maxBackoff:     defaultMaxBackoff,
	}
	o.apply(opts...)
	if !o.noProxySet {
		o.noProxy = NoProxyFromEnv()
	}
	if o.proxies == nil {
		o.proxies = NewProxyMap()
	}
	if o.log == nil {
		o.log = logrus.StandardLogger()
	}
	tlsConfig, err := newTLSConfig(o.caPool, o.caFile)
	if err != nil {
		return nil, err
	}
	return &Client{
		opts:       o,
		log:        o.log.WithField("component", "transport"),
		metrics:    newMetrics(o.registerer),
		tls:        tlsConfig,
		transports: map[string]*http.Transport{},
	}, nil
}

// ProxyMap returns the proxy map the client routes with.
func (c *Client) ProxyMap() *ProxyMap { return c.opts.proxies }

// Do sends req. Failing proxies are blacklisted and the next strategy is
// tried; connection errors and 502/503 responses are retried with
// backoff. Any other non 2xx response is a *errs.ResponseError.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	var resp *Response
	attempt := 0
	op := func() error {
		attempt++
		if attempt > 1 {
			c.metrics.retries.Inc()
		}
		r, err := c.try(ctx, req)
		if err != nil {
			if errs.IsAbort(err) || !errs.Retriable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		resp = r
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(c.newBackoff(), uint64(c.opts.retries)), ctx)
	notify := func(err error, wait time.Duration) {
		c.log.WithError(err).WithField("url", redacted(req.URL)).Debugf("retrying in %s", wait)
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, err
	}
	return resp, nil
}

// strategies applies no_proxy to the proxy map result.
func (c *Client) strategies(u *url.URL) []ProxyTarget {
	targets := c.opts.proxies.Targets(u, false)
	if !c.opts.noProxy.Bypass(u) {
		return targets
	}
	direct := false
	var result []ProxyTarget
	for _, t := range targets {
		if t.Kind == HTTPProxy || t.Kind == Direct {
			if !direct {
				result = append(result, DirectTarget)
				direct = true
			}
			continue
		}
		result = append(result, t)
	}
	return result
}

func (c *Client) try(ctx context.Context, req *Request) (*Response, error) {
	targets := c.strategies(req.URL)
	if len(targets) == 0 {
		return nil, &errs.OpenError{
			URL: redacted(req.URL),
			Err: errors.New("all proxies for this host failed recently"),
		}
	}
	var lastErr error
	for _, target := range targets {
		resp, err := c.send(ctx, req, target)
		if err == nil {
			return resp, nil
		}
		var reqErr *errs.RequestError
		if target.Kind != Direct && errors.As(err, &reqErr) {
			c.log.WithError(err).WithField("proxy", target.String()).Warn("proxy failed, blacklisting it")
			c.opts.proxies.Blacklist(target)
			c.metrics.blacklisted.Inc()
			lastErr = err
			continue
		}
		return nil, err
	}
	return nil, lastErr
}

func (c *Client) send(ctx context.Context, req *Request, target ProxyTarget) (*Response, error) {
	if c.opts.abort != nil && c.opts.abort() {
		c.metrics.requests.WithLabelValues("aborted").Inc()
		return nil, &errs.AbortError{}
	}
	dest := req.URL
	hreq, err := http.NewRequestWithContext(ctx, req.Method, dest.String(), bytes.NewReader(req.Body))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	for k, v := range req.Header {
		hreq.Header[k] = append([]string(nil), v...)
	}
	if c.opts.userAgent != "" {
		hreq.Header.Set("User-Agent", c.opts.userAgent)
	}
	c.authorize(hreq, dest)

	var httpProxy *url.URL
	switch target.Kind {
	case HTTPProxy:
		httpProxy = target.URL
	case ConaryProxy:
		u := *target.URL
		u.User = nil
		u.Path = dest.Path
		u.RawPath = dest.RawPath
		u.RawQuery = dest.RawQuery
		hreq.URL = &u
		hreq.Host = u.Host
		hreq.Header.Set(HeaderProxyTarget, redacted(dest))
		// The conary proxy itself may only be reachable through an HTTP
		// proxy.
		if !c.opts.noProxy.Bypass(&u) {
			for _, t := range c.opts.proxies.Targets(&u, true) {
				if t.Kind == HTTPProxy {
					httpProxy = t.URL
				}
				break
			}
		}
	}
	if hreq.URL.Scheme == "https" && c.tls.InsecureSkipVerify {
		c.insecureOnce.Do(func() {
			c.log.Warn("no CA certificates configured, server certificates are not verified")
		})
	}

	proxyName := ""
	if target.Kind != Direct {
		proxyName = target.String()
	}
	start := time.Now()
	hresp, err := c.roundTrip(c.httpClient(httpProxy), hreq)
	c.metrics.duration.Observe(time.Since(start).Seconds())
	if err != nil {
		if errs.IsAbort(err) {
			c.metrics.requests.WithLabelValues("aborted").Inc()
			return nil, err
		}
		c.metrics.requests.WithLabelValues("error").Inc()
		return nil, classify(redacted(dest), err)
	}
	if hresp.StatusCode < 200 || hresp.StatusCode > 299 {
		c.metrics.requests.WithLabelValues("http_" + strconv.Itoa(hresp.StatusCode)).Inc()
		io.Copy(io.Discard, io.LimitReader(hresp.Body, 64*1024))
		hresp.Body.Close()
		reason := strings.TrimSpace(strings.TrimPrefix(hresp.Status, strconv.Itoa(hresp.StatusCode)))
		if reason == "" {
			reason = http.StatusText(hresp.StatusCode)
		}
		return nil, &errs.ResponseError{
			URL:    redacted(dest),
			Proxy:  proxyName,
			Status: hresp.StatusCode,
			Reason: reason,
		}
	}
	c.metrics.requests.WithLabelValues("ok").Inc()
	return &Response{Response: hresp, Proxy: target}, nil
}

// authorize adds the configured credentials and entitlements for the
// destination host. Configured credentials win over those in the URL.
func (c *Client) authorize(hreq *http.Request, dest *url.URL) {
	if creds, ok := lookupHost(c.opts.credentials, dest); ok {
		hreq.SetBasicAuth(creds.User, creds.Password)
	} else if dest.User != nil {
		pw, _ := dest.User.Password()
		hreq.SetBasicAuth(dest.User.Username(), pw)
	}
	hreq.URL.User = nil
	if ents, ok := lookupHost(c.opts.entitlements, dest); ok && len(ents) > 0 {
		hreq.Header.Set(HeaderEntitlement, FormatEntitlements(ents))
	}
}

func lookupHost[T any](m map[string]T, u *url.URL) (T, bool) {
	if v, ok := m[u.Host]; ok {
		return v, true
	}
	v, ok := m[strings.ToLower(u.Hostname())]
	return v, ok
}

// roundTrip sends hreq and polls the abort check while it waits.
func (c *Client) roundTrip(client *http.Client, hreq *http.Request) (*http.Response, error) {
	if c.opts.abort == nil {
		return client.Do(hreq)
	}
	ctx, cancel := context.WithCancel(hreq.Context())
	hreq = hreq.WithContext(ctx)
	type result struct {
		resp *http.Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := client.Do(hreq)
		done <- result{resp, err}
	}()
	ticker := time.NewTicker(c.opts.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case r := <-done:
			if r.err != nil {
				cancel()
				return nil, r.err
			}
			r.resp.Body = &cancelOnClose{ReadCloser: r.resp.Body, cancel: cancel}
			return r.resp, nil
		case <-ticker.C:
			if !c.opts.abort() {
				continue
			}
			cancel()
			if r := <-done; r.resp != nil {
				r.resp.Body.Close()
			}
			return nil, &errs.AbortError{}
		}
	}
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// httpClient returns a client with one connection cache per proxy.
func (c *Client) httpClient(proxy *url.URL) *http.Client {
	key := ""
	if proxy != nil {
		key = proxy.String()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	tr, ok := c.transports[key]
	if !ok {
		dialer := &net.Dialer{Timeout: c.opts.connectTimeout, KeepAlive: 30 * time.Second}
		tr = &http.Transport{
			DialContext:         dialer.DialContext,
			TLSClientConfig:     c.tls.Clone(),
			TLSHandshakeTimeout: c.opts.connectTimeout,
			MaxIdleConnsPerHost: 1,
			IdleConnTimeout:     90 * time.Second,
			DisableCompression:  true,
		}
		if proxy != nil {
			tr.Proxy = http.ProxyURL(proxy)
		}
		c.transports[key] = tr
	}
	return &http.Client{Transport: tr}
}

// CloseIdleConnections drops all cached connections.
func (c *Client) CloseIdleConnections() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tr := range c.transports {
		tr.CloseIdleConnections()
	}
}

// redacted strips the password from u.
func redacted(u *url.URL) string {
	if u.User == nil {
		return u.String()
	}
	v := *u
	v.User = url.User(u.User.Username())
	return v.String()
}
