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
	"context"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/toitlang/trove/pkg/datastore"
	"github.com/toitlang/trove/pkg/digest"
	"github.com/toitlang/trove/pkg/errs"
	"github.com/toitlang/trove/pkg/netclient"
	"github.com/toitlang/trove/pkg/transport"
)

// Headers that only concern a single connection.
var hopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
	"Content-Length":      true,
	"Host":                true,
}

// Proxy forwards requests carrying an X-Conary-Proxy-Target header to
// that target, through its own transport, which may hand them on to the
// next proxy.
type Proxy struct {
	name    string
	client  *transport.Client
	cache   datastore.Store
	log     logrus.FieldLogger
	metrics *metrics
}

// NewProxy creates a proxy named name. Downloaded file contents are kept
// in cache, which may be nil.
func NewProxy(name string, client *transport.Client, cache datastore.Store, log logrus.FieldLogger) *Proxy {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Proxy{
		name:    name,
		client:  client,
		cache:   cache,
		log:     log.WithField("proxy", name),
		metrics: newMetrics(nil),
	}
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	target, err := url.Parse(r.Header.Get(transport.HeaderProxyTarget))
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") {
		http.Error(w, "invalid proxy target", http.StatusBadRequest)
		return
	}
	log := p.log.WithField("target", target.Redacted())

	sha1, cacheable := p.cacheKey(r, target)
	if cacheable && p.serveCached(w, sha1) {
		p.metrics.cacheHit.Inc()
		log.Debug("served from cache")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req := &transport.Request{Method: r.Method, URL: target, Header: http.Header{}, Body: body}
	for k, v := range r.Header {
		if hopHeaders[k] || k == transport.HeaderProxyTarget || k == transport.HeaderVia {
			continue
		}
		req.Header[k] = append([]string(nil), v...)
	}
	via := append(r.Header.Values(transport.HeaderVia), "1.1 "+p.name)
	req.Header.Set(transport.HeaderVia, strings.Join(via, ", "))
	req.Header.Set(transport.HeaderProxyHost, r.Host)

	resp, err := p.client.Do(r.Context(), req)
	if err != nil {
		code := http.StatusBadGateway
		var re *errs.ResponseError
		if errors.As(err, &re) {
			code = re.Status
		}
		p.metrics.proxied.WithLabelValues(strconv.Itoa(code)).Inc()
		log.WithError(err).Warn("forwarding failed")
		http.Error(w, err.Error(), code)
		return
	}
	defer resp.Body.Close()
	p.metrics.proxied.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()

	for k, v := range resp.Header {
		if hopHeaders[k] {
			continue
		}
		w.Header()[k] = append([]string(nil), v...)
	}
	if resp.ContentLength >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(resp.ContentLength, 10))
	}
	w.WriteHeader(resp.StatusCode)
	if !cacheable {
		if _, err := io.Copy(w, resp.Body); err != nil {
			log.WithError(err).Debug("client went away")
		}
		return
	}
	p.forwardAndCache(r.Context(), w, resp.Body, sha1, log)
}

// cacheKey reports whether r fetches file contents, which are immutable
// and can be cached by their digest.
func (p *Proxy) cacheKey(r *http.Request, target *url.URL) (digest.Sha1, bool) {
	if p.cache == nil || r.Method != http.MethodGet {
		return digest.Sha1{}, false
	}
	i := strings.LastIndex(target.Path, netclient.ContentsPath)
	if i < 0 {
		return digest.Sha1{}, false
	}
	sha1, err := digest.ParseHex(target.Path[i+len(netclient.ContentsPath):])
	if err != nil {
		return digest.Sha1{}, false
	}
	return sha1, true
}

func (p *Proxy) serveCached(w http.ResponseWriter, sha1 digest.Sha1) bool {
	ok, err := p.cache.HasFile(sha1)
	if err != nil || !ok {
		return false
	}
	f, err := p.cache.OpenFile(sha1)
	if err != nil {
		p.log.WithError(err).Warn("cached contents unreadable")
		return false
	}
	defer f.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	io.Copy(w, f)
	return true
}

func (p *Proxy) forwardAndCache(ctx context.Context, w io.Writer, body io.Reader, sha1 digest.Sha1, log logrus.FieldLogger) {
	tmp, err := os.CreateTemp("", "trove-proxy-*")
	if err != nil {
		log.WithError(err).Warn("can't cache contents")
		io.Copy(w, body)
		return
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()
	if _, err := io.Copy(io.MultiWriter(w, tmp), body); err != nil {
		log.WithError(err).Debug("transfer interrupted")
		return
	}
	if ctx.Err() != nil {
		return
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return
	}
	if err := p.cache.AddFile(tmp, sha1, false); err != nil {
		log.WithError(err).Warn("can't cache contents")
	}
}
