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
	"context"
	"crypto/x509"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/toitlang/trove/pkg/errs"
)

func mustURL(t *testing.T, s string) *url.URL {
	u, err := url.Parse(s)
	require.NoError(t, err)
	return u
}

func newClient(t *testing.T, opts ...Option) *Client {
	log, _ := test.NewNullLogger()
	all := append([]Option{
		WithNoProxy(nil),
		WithBackoff(time.Millisecond, 5*time.Millisecond),
		WithLogger(log),
	}, opts...)
	c, err := New(all...)
	require.NoError(t, err)
	return c
}

func get(t *testing.T, c *Client, u string) (*Response, error) {
	req, err := NewRequest(http.MethodGet, u, nil)
	require.NoError(t, err)
	return c.Do(context.Background(), req)
}

// closedAddr returns an address nothing listens on.
func closedAddr(t *testing.T) string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestParseProxyTarget(t *testing.T) {
	tests := []struct {
		in     string
		kind   ProxyKind
		scheme string
		str    string
	}{
		{"DIRECT", Direct, "", "DIRECT"},
		{"http://proxy:3128", HTTPProxy, "http", "http://proxy:3128"},
		{"https://proxy", HTTPProxy, "https", "https://proxy"},
		{"conary://cproxy:8000", ConaryProxy, "http", "conary://cproxy:8000"},
		{"conarys://cproxy", ConaryProxy, "https", "conarys://cproxy"},
	}
	for _, test := range tests {
		t.Run(test.in, func(t *testing.T) {
			target, err := ParseProxyTarget(test.in)
			require.NoError(t, err)
			assert.Equal(t, test.kind, target.Kind)
			if test.scheme != "" {
				assert.Equal(t, test.scheme, target.URL.Scheme)
			}
			assert.Equal(t, test.str, target.String())
		})
	}

	for _, bad := range []string{"ftp://proxy", "http://", "proxy"} {
		_, err := ParseProxyTarget(bad)
		assert.Error(t, err, bad)
	}
}

func TestProxyMapTargets(t *testing.T) {
	m := NewProxyMap()
	require.NoError(t, m.AddStrategy("*.example.com", []string{"http://p1:3128", "conary://c1"}))
	require.NoError(t, m.AddStrategy("https:*", []string{"http://p2:3128"}))
	require.NoError(t, m.AddStrategy("local:8080", []string{"DIRECT"}))

	targets := m.Targets(mustURL(t, "http://repo.example.com/conary"), false)
	require.Len(t, targets, 2)
	assert.ElementsMatch(t, []string{"http://p1:3128", "conary://c1"},
		[]string{targets[0].String(), targets[1].String()})

	targets = m.Targets(mustURL(t, "http://repo.example.com/conary"), true)
	require.Len(t, targets, 1)
	assert.Equal(t, "http://p1:3128", targets[0].String())

	// Both filters match; the first one's targets come first.
	targets = m.Targets(mustURL(t, "https://repo.example.com/"), true)
	require.Len(t, targets, 2)
	assert.Equal(t, "http://p2:3128", targets[1].String())

	targets = m.Targets(mustURL(t, "http://other.org/"), false)
	assert.Equal(t, []ProxyTarget{DirectTarget}, targets)

	targets = m.Targets(mustURL(t, "http://local:8080/"), false)
	assert.Equal(t, []ProxyTarget{DirectTarget}, targets)
	targets = m.Targets(mustURL(t, "http://local:9090/"), false)
	assert.Equal(t, []ProxyTarget{DirectTarget}, targets)
}

func TestProxyMapBlacklist(t *testing.T) {
	m := NewProxyMap()
	now := time.Unix(1000, 0)
	m.now = func() time.Time { return now }
	require.NoError(t, m.AddStrategy("*", []string{"http://p1:3128"}))

	u := mustURL(t, "http://repo/")
	p1, err := ParseProxyTarget("http://p1:3128")
	require.NoError(t, err)
	m.Blacklist(p1)
	assert.Empty(t, m.Targets(u, false))

	now = now.Add(BlacklistTTL + time.Second)
	assert.Len(t, m.Targets(u, false), 1)

	m.Blacklist(p1)
	m.ClearBlacklist()
	assert.Len(t, m.Targets(u, false), 1)

	// DIRECT is never blacklisted.
	m.Blacklist(DirectTarget)
	assert.Empty(t, m.blacklist)
}

func TestProxyMapFromURLs(t *testing.T) {
	m, err := ProxyMapFromURLs(map[string]string{"http": "http://p:3128"})
	require.NoError(t, err)
	assert.False(t, m.IsEmpty())
	assert.Equal(t, HTTPProxy, m.Targets(mustURL(t, "http://repo/"), false)[0].Kind)
	assert.Equal(t, Direct, m.Targets(mustURL(t, "https://repo/"), false)[0].Kind)

	m, err = ProxyMapFromURLs(nil)
	require.NoError(t, err)
	assert.True(t, m.IsEmpty())
}

func TestNoProxy(t *testing.T) {
	n := ParseNoProxy("localhost, .example.com,10.0.0.0/8 192.168.1.1 build.org:8080 *.test")
	tests := []struct {
		url    string
		bypass bool
	}{
		{"http://localhost/", true},
		{"http://example.com/", true},
		{"http://repo.example.com/", true},
		{"http://example.community/", false},
		{"http://10.1.2.3/", true},
		{"http://11.1.2.3/", false},
		{"http://192.168.1.1:8000/", true},
		{"http://build.org:8080/", true},
		{"http://build.org/", false},
		{"http://a.test/", true},
		{"http://REPO.EXAMPLE.COM/", true},
	}
	for _, test := range tests {
		t.Run(test.url, func(t *testing.T) {
			assert.Equal(t, test.bypass, n.Bypass(mustURL(t, test.url)))
		})
	}
	assert.True(t, ParseNoProxy("*").Bypass(mustURL(t, "http://anything/")))
	var none *NoProxy
	assert.False(t, none.Bypass(mustURL(t, "http://localhost/")))

	t.Setenv("no_proxy", "")
	t.Setenv("NO_PROXY", "localhost")
	assert.False(t, NoProxyFromEnv().Bypass(mustURL(t, "http://localhost/")))
}

func TestEntitlements(t *testing.T) {
	ents := []Entitlement{{Class: "cls", Key: "secret key"}, {Class: "other", Key: "k"}}
	value := FormatEntitlements(ents)
	assert.Equal(t, "cls c2VjcmV0IGtleQ== other aw==", value)
	parsed, err := ParseEntitlements(value)
	require.NoError(t, err)
	assert.Equal(t, ents, parsed)

	_, err = ParseEntitlements("cls")
	assert.Error(t, err)
	_, err = ParseEntitlements("cls !!!")
	assert.Error(t, err)
}

func TestDirectRequestWithAuth(t *testing.T) {
	var gotEnt, gotUser, gotPw string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotEnt = r.Header.Get(HeaderEntitlement)
		gotUser, gotPw, _ = r.BasicAuth()
		io.WriteString(w, "hello")
	}))
	defer srv.Close()
	u := mustURL(t, srv.URL)

	c := newClient(t,
		WithEntitlement(u.Hostname(), "cls", "key"),
		WithCredentials(u.Host, "alice", "pw"))
	req, err := NewRequest(http.MethodGet, "http://bob:default@"+u.Host+"/x", nil)
	require.NoError(t, err)
	resp, err := c.Do(context.Background(), req)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "hello", string(body))
	assert.Equal(t, Direct, resp.Proxy.Kind)
	assert.Equal(t, "cls a2V5", gotEnt)
	assert.Equal(t, "alice", gotUser)
	assert.Equal(t, "pw", gotPw)

	// Without configured credentials, the ones from the URL are used.
	c = newClient(t)
	resp, err = c.Do(context.Background(), req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "bob", gotUser)
	assert.Equal(t, "default", gotPw)
	assert.Empty(t, gotEnt)
}

func TestRetryOnUnavailable(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		io.WriteString(w, "ok")
	}))
	defer srv.Close()

	reg := prometheus.NewRegistry()
	c := newClient(t, WithRetries(3), WithMetrics(reg))
	resp, err := get(t, c, srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.metrics.retries))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.metrics.requests.WithLabelValues("http_503")))

	// Out of retries.
	atomic.StoreInt32(&calls, -10)
	_, err = get(t, c, srv.URL)
	var respErr *errs.ResponseError
	require.ErrorAs(t, err, &respErr)
	assert.Equal(t, http.StatusServiceUnavailable, respErr.Status)
	assert.Equal(t, int32(-6), atomic.LoadInt32(&calls))
}

func TestNoRetryOnClientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := get(t, newClient(t), srv.URL+"/rpc")
	var respErr *errs.ResponseError
	require.ErrorAs(t, err, &respErr)
	assert.Equal(t, http.StatusForbidden, respErr.Status)
	assert.Equal(t, "Forbidden", respErr.Reason)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestConnectionRefused(t *testing.T) {
	_, err := get(t, newClient(t, WithRetries(1)), "http://"+closedAddr(t)+"/")
	var reqErr *errs.RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.True(t, errs.Retriable(err))
}

func TestHTTPProxyFailover(t *testing.T) {
	var proxied int32
	var gotHost string
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&proxied, 1)
		gotHost = r.URL.Host
		io.WriteString(w, "via proxy")
	}))
	defer proxy.Close()

	dead := "http://" + closedAddr(t)
	m := NewProxyMap()
	require.NoError(t, m.AddStrategy("repo.example.com", []string{dead}))
	require.NoError(t, m.AddStrategy("*", []string{proxy.URL}))

	reg := prometheus.NewRegistry()
	c := newClient(t, WithProxyMap(m), WithMetrics(reg))
	resp, err := get(t, c, "http://repo.example.com/conary/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, proxy.URL, resp.Proxy.String())
	assert.Equal(t, "repo.example.com", gotHost)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.metrics.blacklisted))

	deadTarget, err := ParseProxyTarget(dead)
	require.NoError(t, err)
	for _, target := range m.Targets(mustURL(t, "http://repo.example.com/"), false) {
		assert.NotEqual(t, deadTarget.String(), target.String())
	}
}

func TestAllProxiesBlacklisted(t *testing.T) {
	m := NewProxyMap()
	require.NoError(t, m.AddStrategy("*", []string{"http://" + closedAddr(t)}))
	c := newClient(t, WithProxyMap(m), WithRetries(1))
	_, err := get(t, c, "http://repo.example.com/")
	var openErr *errs.OpenError
	require.ErrorAs(t, err, &openErr)
	assert.False(t, errs.Retriable(err))
}

func TestNoProxyBypassesHTTPProxy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "direct")
	}))
	defer srv.Close()

	m := NewProxyMap()
	require.NoError(t, m.AddStrategy("*", []string{"http://" + closedAddr(t)}))
	c := newClient(t, WithProxyMap(m), WithNoProxy(ParseNoProxy("127.0.0.1")))
	resp, err := get(t, c, srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, Direct, resp.Proxy.Kind)
}

func TestConaryProxy(t *testing.T) {
	var target, path string
	cproxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		target = r.Header.Get(HeaderProxyTarget)
		path = r.URL.Path
		w.Header().Set(HeaderVia, "1.1 cproxy")
		io.WriteString(w, "ok")
	}))
	defer cproxy.Close()
	cu := mustURL(t, cproxy.URL)

	m := NewProxyMap()
	require.NoError(t, m.AddStrategy("*.example.com", []string{"conary://" + cu.Host}))
	c := newClient(t, WithProxyMap(m))
	resp, err := get(t, c, "https://user:pw@repo.example.com/conary/rpc/checkVersion?x=1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, ConaryProxy, resp.Proxy.Kind)
	assert.Equal(t, "https://user@repo.example.com/conary/rpc/checkVersion?x=1", target)
	assert.Equal(t, "/conary/rpc/checkVersion", path)
	assert.Equal(t, "1.1 cproxy", resp.Header.Get(HeaderVia))
}

func TestAbort(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	var abort int32
	c := newClient(t, WithAbortCheck(func() bool { return atomic.LoadInt32(&abort) == 1 }, 10*time.Millisecond))
	go func() {
		time.Sleep(50 * time.Millisecond)
		atomic.StoreInt32(&abort, 1)
	}()
	_, err := get(t, c, srv.URL)
	assert.True(t, errs.IsAbort(err))

	// Already aborted before sending.
	_, err = get(t, c, srv.URL)
	assert.True(t, errs.IsAbort(err))
}

func TestTLSVerification(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "secure")
	}))
	defer srv.Close()

	// Without CA certificates, any server is accepted.
	log, hook := test.NewNullLogger()
	c := newClient(t, WithLogger(log))
	resp, err := get(t, c, srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	require.NotNil(t, hook.LastEntry())
	assert.Contains(t, hook.LastEntry().Message, "not verified")

	// With the server's own certificate, verification succeeds.
	pool := srv.Client().Transport.(*http.Transport).TLSClientConfig.RootCAs
	c = newClient(t, WithCAPool(pool))
	resp, err = get(t, c, srv.URL)
	require.NoError(t, err)
	resp.Body.Close()

	// An unrelated CA makes the connection fail without retries.
	c = newClient(t, WithCAPool(x509.NewCertPool()))
	_, err = get(t, c, srv.URL)
	var openErr *errs.OpenError
	require.ErrorAs(t, err, &openErr)

	_, err = New(WithCAFile("/nonexistent/ca.pem"))
	assert.Error(t, err)
}
