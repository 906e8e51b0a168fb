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
	"net"
	"net/url"
	"os"
	"strings"

	"github.com/gobwas/glob"
)

type noProxyRule struct {
	host  glob.Glob
	ipNet *net.IPNet
	port  string
}

// NoProxy is the list of destinations that bypass HTTP proxies. Conary
// proxies are never bypassed.
type NoProxy struct {
	all   bool
	rules []noProxyRule
}

// NoProxyFromEnv reads no_proxy, or NO_PROXY when that isn't set.
func NoProxyFromEnv() *NoProxy {
	value, ok := os.LookupEnv("no_proxy")
	if !ok {
		value = os.Getenv("NO_PROXY")
	}
	return ParseNoProxy(value)
}

// ParseNoProxy parses a comma or space separated list of hosts, domain
// suffixes (".example.com" also matches example.com), host globs, IP
// addresses and CIDR ranges. Entries may carry a port. "*" matches every
// host.
func ParseNoProxy(value string) *NoProxy {
	n := &NoProxy{}
	fields := strings.FieldsFunc(value, func(r rune) bool { return r == ',' || r == ' ' })
	for _, entry := range fields {
		entry = strings.ToLower(strings.TrimSpace(entry))
		if entry == "*" {
			n.all = true
			continue
		}
		if _, ipNet, err := net.ParseCIDR(entry); err == nil {
			n.rules = append(n.rules, noProxyRule{ipNet: ipNet})
			continue
		}
		var rule noProxyRule
		if host, port, err := net.SplitHostPort(entry); err == nil {
			entry, rule.port = host, port
		}
		if ip := net.ParseIP(entry); ip != nil {
			rule.ipNet = &net.IPNet{IP: ip, Mask: net.CIDRMask(len(ip)*8, len(ip)*8)}
			n.rules = append(n.rules, rule)
			continue
		}
		domain := strings.TrimPrefix(strings.TrimPrefix(entry, "*"), ".")
		pattern := entry
		if !strings.ContainsAny(domain, "*?[{") {
			pattern = "{" + domain + ",*." + domain + "}"
		}
		g, err := glob.Compile(pattern)
		if err != nil {
			continue
		}
		rule.host = g
		n.rules = append(n.rules, rule)
	}
	return n
}

// Bypass returns whether u is reached without an HTTP proxy.
func (n *NoProxy) Bypass(u *url.URL) bool {
	if n == nil {
		return false
	}
	if n.all {
		return true
	}
	host := strings.ToLower(u.Hostname())
	ip := net.ParseIP(host)
	for _, r := range n.rules {
		if r.port != "" && r.port != portOf(u) {
			continue
		}
		if r.ipNet != nil {
			if ip != nil && r.ipNet.Contains(ip) {
				return true
			}
			continue
		}
		if r.host.Match(host) {
			return true
		}
	}
	return false
}
