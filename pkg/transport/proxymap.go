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
	"math/rand"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/pkg/errors"
)

// BlacklistTTL is how long a failed proxy is skipped.
const BlacklistTTL = time.Hour

// ProxyKind says how a proxy is talked to.
type ProxyKind int

const (
	// Direct connects to the destination itself.
	Direct ProxyKind = iota
	// HTTPProxy is a plain HTTP proxy. HTTPS destinations are tunneled
	// with CONNECT.
	HTTPProxy
	// ConaryProxy is an application level proxy. Requests are sent to it
	// with the destination in the X-Conary-Proxy-Target header.
	ConaryProxy
)

// ProxyTarget is one entry of a proxy strategy.
type ProxyTarget struct {
	Kind ProxyKind
	// URL is nil for Direct. Conary proxies use http or https.
	URL *url.URL
}

// DirectTarget connects without a proxy.
var DirectTarget = ProxyTarget{Kind: Direct}

func (t ProxyTarget) String() string {
	switch t.Kind {
	case Direct:
		return "DIRECT"
	case ConaryProxy:
		scheme := "conary"
		if t.URL.Scheme == "https" {
			scheme = "conarys"
		}
		u := *t.URL
		u.Scheme = scheme
		return u.String()
	}
	return t.URL.String()
}

// ParseProxyTarget parses "DIRECT" or a proxy URL with the scheme http,
// https, conary or conarys.
func ParseProxyTarget(str string) (ProxyTarget, error) {
	if str == "DIRECT" {
		return DirectTarget, nil
	}
	u, err := url.Parse(str)
	if err != nil {
		return ProxyTarget{}, errors.Wrapf(err, "invalid proxy '%s'", str)
	}
	if u.Host == "" {
		return ProxyTarget{}, errors.Errorf("proxy '%s' has no host", str)
	}
	switch u.Scheme {
	case "http", "https":
		return ProxyTarget{Kind: HTTPProxy, URL: u}, nil
	case "conary":
		u.Scheme = "http"
		return ProxyTarget{Kind: ConaryProxy, URL: u}, nil
	case "conarys":
		u.Scheme = "https"
		return ProxyTarget{Kind: ConaryProxy, URL: u}, nil
	}
	return ProxyTarget{}, errors.Errorf("unsupported proxy scheme '%s' in '%s'", u.Scheme, str)
}

// hostFilter matches request hosts. The pattern is an optional
// "http:" or "https:" scheme, a host glob and an optional port.
type hostFilter struct {
	spec    string
	scheme  string
	host    glob.Glob
	port    string
	anyPort bool
}

func parseHostFilter(spec string) (*hostFilter, error) {
	f := &hostFilter{spec: spec, anyPort: true}
	rest := spec
	for _, scheme := range []string{"http:", "https:"} {
		if strings.HasPrefix(rest, scheme) {
			f.scheme = strings.TrimSuffix(scheme, ":")
			rest = rest[len(scheme):]
			break
		}
	}
	if i := strings.LastIndex(rest, ":"); i >= 0 {
		f.port = rest[i+1:]
		f.anyPort = f.port == "*"
		rest = rest[:i]
	}
	if rest == "" {
		rest = "*"
	}
	g, err := glob.Compile(strings.ToLower(rest))
	if err != nil {
		return nil, errors.Wrapf(err, "invalid host filter '%s'", spec)
	}
	f.host = g
	return f, nil
}

func (f *hostFilter) match(u *url.URL) bool {
	if f.scheme != "" && f.scheme != u.Scheme {
		return false
	}
	if !f.anyPort && f.port != portOf(u) {
		return false
	}
	return f.host.Match(strings.ToLower(u.Hostname()))
}

func portOf(u *url.URL) string {
	if p := u.Port(); p != "" {
		return p
	}
	if u.Scheme == "https" {
		return "443"
	}
	return "80"
}

func hostPort(u *url.URL) string {
	return net.JoinHostPort(u.Hostname(), portOf(u))
}

type strategy struct {
	filter  *hostFilter
	targets []ProxyTarget
}

// ProxyMap maps destination hosts to ordered proxy strategies.
type ProxyMap struct {
	mu         sync.Mutex
	strategies []strategy
	blacklist  map[string]time.Time
	ttl        time.Duration
	now        func() time.Time
	rand       *rand.Rand
}

func NewProxyMap() *ProxyMap {
	return &ProxyMap{
		blacklist: map[string]time.Time{},
		ttl:       BlacklistTTL,
		now:       time.Now,
		rand:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// AddStrategy appends a strategy. Filters are tried in the order they
// were added.
func (m *ProxyMap) AddStrategy(filter string, targets []string) error {
	f, err := parseHostFilter(filter)
	if err != nil {
		return err
	}
	s := strategy{filter: f}
	for _, t := range targets {
		target, err := ParseProxyTarget(t)
		if err != nil {
			return err
		}
		s.targets = append(s.targets, target)
	}
	m.mu.Lock()
	m.strategies = append(m.strategies, s)
	m.mu.Unlock()
	return nil
}

// ProxyMapFromURLs builds a map from scheme to proxy URL entries, the
// way the http_proxy style settings are given.
func ProxyMapFromURLs(proxies map[string]string) (*ProxyMap, error) {
	m := NewProxyMap()
	for _, scheme := range []string{"http", "https"} {
		if p, ok := proxies[scheme]; ok && p != "" {
			if err := m.AddStrategy(scheme+":*", []string{p}); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *ProxyMap) IsEmpty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.strategies) == 0
}

// Blacklist skips target for the blacklist TTL.
func (m *ProxyMap) Blacklist(target ProxyTarget) {
	if target.Kind == Direct {
		return
	}
	m.mu.Lock()
	m.blacklist[target.String()] = m.now().Add(m.ttl)
	m.mu.Unlock()
}

// isBlacklisted expects mu to be held.
func (m *ProxyMap) isBlacklisted(target ProxyTarget) bool {
	until, ok := m.blacklist[target.String()]
	if !ok {
		return false
	}
	if m.now().After(until) {
		delete(m.blacklist, target.String())
		return false
	}
	return true
}

func (m *ProxyMap) ClearBlacklist() {
	m.mu.Lock()
	m.blacklist = map[string]time.Time{}
	m.mu.Unlock()
}

// Targets returns the connection strategies to try for u, in order. The
// targets of every matching filter are shuffled and blacklisted targets
// are left out. Without a matching filter the connection is direct; the
// result is empty when every matching target is blacklisted. With
// httpOnly set, conary proxies are ignored.
func (m *ProxyMap) Targets(u *url.URL, httpOnly bool) []ProxyTarget {
	m.mu.Lock()
	defer m.mu.Unlock()
	matched := false
	var result []ProxyTarget
	for _, s := range m.strategies {
		if !s.filter.match(u) {
			continue
		}
		targets := append([]ProxyTarget(nil), s.targets...)
		m.rand.Shuffle(len(targets), func(i, j int) { targets[i], targets[j] = targets[j], targets[i] })
		for _, t := range targets {
			if httpOnly && t.Kind == ConaryProxy {
				continue
			}
			matched = true
			if m.isBlacklisted(t) {
				continue
			}
			result = append(result, t)
		}
	}
	if !matched {
		return []ProxyTarget{DirectTarget}
	}
	return result
}
