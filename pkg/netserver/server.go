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
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/go-version"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/toitlang/trove/pkg/digest"
	"github.com/toitlang/trove/pkg/errs"
	"github.com/toitlang/trove/pkg/netclient"
	"github.com/toitlang/trove/pkg/repository"
	"github.com/toitlang/trove/pkg/transport"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	maxRPCBody = 64 << 20
	// Uploaded or prepared change sets nobody fetched are dropped after
	// spoolTTL.
	spoolTTL = time.Hour
)

type spooled struct {
	path    string
	created time.Time
}

// Server serves a repository over HTTP and, when configured with a
// Proxy, forwards requests meant for other repositories.
type Server struct {
	repo  *repository.Repository
	opts  serverOptions
	log   logrus.FieldLogger
	spool string

	metrics *metrics
	methods map[string]method

	mu         sync.Mutex
	changesets map[string]spooled
	uploads    map[string]spooled

	// Resources opened by FromConfig.
	closers []io.Closer
}

type serverOptions struct {
	name           string
	spoolDir       string
	auth           *Auth
	proxy          *Proxy
	clientVersions version.Constraints
	log            logrus.FieldLogger
	registerer     prometheus.Registerer
}

type Option interface {
	applyOption(o *serverOptions)
}

type nameOption string

func (n nameOption) applyOption(o *serverOptions) { o.name = string(n) }

func WithName(name string) Option { return nameOption(name) }

type spoolDirOption string

func (s spoolDirOption) applyOption(o *serverOptions) { o.spoolDir = string(s) }

// WithSpoolDir sets where change sets wait for download or commit.
func WithSpoolDir(dir string) Option { return spoolDirOption(dir) }

type authOption struct{ auth *Auth }

func (a authOption) applyOption(o *serverOptions) { o.auth = a.auth }

// WithAuth enables access control. Without it, everyone may do
// everything.
func WithAuth(auth *Auth) Option { return authOption{auth} }

type proxyOption struct{ proxy *Proxy }

func (p proxyOption) applyOption(o *serverOptions) { o.proxy = p.proxy }

func WithProxy(p *Proxy) Option { return proxyOption{p} }

type clientVersionsOption struct{ c version.Constraints }

func (c clientVersionsOption) applyOption(o *serverOptions) { o.clientVersions = c.c }

// WithClientVersions limits the protocol versions clients may use.
func WithClientVersions(c version.Constraints) Option { return clientVersionsOption{c} }

type loggerOption struct{ log logrus.FieldLogger }

func (l loggerOption) applyOption(o *serverOptions) { o.log = l.log }

func WithLogger(log logrus.FieldLogger) Option { return loggerOption{log} }

type metricsOption struct{ reg prometheus.Registerer }

func (m metricsOption) applyOption(o *serverOptions) { o.registerer = m.reg }

func WithMetrics(reg prometheus.Registerer) Option { return metricsOption{reg} }

// New creates a server for repo. Repo may be nil for a server that only
// proxies.
func New(repo *repository.Repository, opts ...Option) (*Server, error) {
	var o serverOptions
	for _, opt := range opts {
		opt.applyOption(&o)
	}
	if o.log == nil {
		o.log = logrus.StandardLogger()
	}
	if repo == nil && o.proxy == nil {
		return nil, errors.New("a server needs a repository or a proxy")
	}
	s := &Server{
		repo:       repo,
		opts:       o,
		log:        o.log.WithField("server", o.name),
		metrics:    newMetrics(o.registerer),
		changesets: map[string]spooled{},
		uploads:    map[string]spooled{},
	}
	if repo != nil {
		s.spool = o.spoolDir
		if s.spool == "" {
			s.spool = filepath.Join(repo.Dir(), "spool")
		}
		if err := os.MkdirAll(s.spool, 0700); err != nil {
			return nil, err
		}
	}
	if o.proxy != nil {
		o.proxy.metrics = s.metrics
	}
	s.methods = s.rpcMethods()
	return s, nil
}

// ServerVersions returns the protocol versions the server accepts.
func (s *Server) ServerVersions() []int {
	var result []int
	for v := netclient.ProtocolMin; v <= netclient.ProtocolMax; v++ {
		if s.opts.clientVersions != nil && !s.opts.clientVersions.Check(version.Must(version.NewVersion(strconv.Itoa(v)))) {
			continue
		}
		result = append(result, v)
	}
	return result
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get(transport.HeaderProxyTarget) != "" {
		if s.opts.proxy == nil {
			http.Error(w, "this server doesn't proxy", http.StatusForbidden)
			return
		}
		s.opts.proxy.ServeHTTP(w, r)
		return
	}
	if s.repo == nil {
		http.NotFound(w, r)
		return
	}
	// The chain of proxies a request passed is echoed back to the client.
	for _, via := range r.Header.Values(transport.HeaderVia) {
		w.Header().Add(transport.HeaderVia, via)
	}

	path := r.URL.Path
	switch {
	case strings.Contains(path, netclient.RPCPath):
		s.serveRPC(w, r, path[strings.LastIndex(path, netclient.RPCPath)+len(netclient.RPCPath):])
	case strings.Contains(path, netclient.ChangeSetPath) && r.Method == http.MethodGet:
		s.serveChangeSet(w, r, path[strings.LastIndex(path, netclient.ChangeSetPath)+len(netclient.ChangeSetPath):])
	case strings.Contains(path, netclient.UploadPath) && r.Method == http.MethodPut:
		s.serveUpload(w, r, path[strings.LastIndex(path, netclient.UploadPath)+len(netclient.UploadPath):])
	case strings.Contains(path, netclient.ContentsPath) && r.Method == http.MethodGet:
		s.serveContents(w, r, path[strings.LastIndex(path, netclient.ContentsPath)+len(netclient.ContentsPath):])
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) identify(r *http.Request) (*Identity, error) {
	if s.opts.auth == nil {
		return nil, nil
	}
	user, password, hasUser := r.BasicAuth()
	ents, err := transport.ParseEntitlements(r.Header.Get(transport.HeaderEntitlement))
	if err != nil {
		return nil, &errs.InsufficientPermission{Msg: err.Error()}
	}
	return s.opts.auth.Identify(user, password, hasUser, ents)
}

func (s *Server) clientVersion(r *http.Request) (int, error) {
	str := r.Header.Get(transport.HeaderVersion)
	v, err := strconv.Atoi(str)
	if err != nil {
		return 0, &errs.InvalidClientVersion{Msg: "missing or malformed " + transport.HeaderVersion + " header"}
	}
	for _, sv := range s.ServerVersions() {
		if sv == v {
			return v, nil
		}
	}
	return 0, &errs.InvalidClientVersion{Msg: "protocol " + str + " is not supported"}
}

func (s *Server) serveRPC(w http.ResponseWriter, r *http.Request, name string) {
	if r.Method != http.MethodPost {
		http.Error(w, "", http.StatusMethodNotAllowed)
		return
	}
	start := time.Now()
	reply := s.dispatch(r, name)
	outcome := "ok"
	if reply.Error != nil {
		outcome = reply.Error.Class
	}
	s.metrics.requests.WithLabelValues(name, outcome).Inc()
	s.metrics.duration.WithLabelValues(name).Observe(time.Since(start).Seconds())

	w.Header().Set("Content-Type", netclient.ContentType)
	if err := msgpack.NewEncoder(w).Encode(&reply); err != nil {
		s.log.WithError(err).WithField("method", name).Warn("writing reply")
	}
}

func (s *Server) dispatch(r *http.Request, name string) netclient.Reply {
	log := s.log.WithField("method", name)
	m, ok := s.methods[name]
	if !ok {
		return errorReply(log, &errs.NotImplemented{What: "method " + name})
	}
	protocol := netclient.ProtocolMax
	if name != netclient.MethodCheckVersion {
		var err error
		if protocol, err = s.clientVersion(r); err != nil {
			return errorReply(log, err)
		}
	}
	id, err := s.identify(r)
	if err != nil {
		return errorReply(log, err)
	}
	if m.admin && !id.IsAdmin() {
		return errorReply(log, &errs.InsufficientPermission{Msg: name + " needs an administrator"})
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRPCBody))
	if err != nil {
		return errorReply(log, errors.Wrap(err, "reading request"))
	}
	c := &call{id: id, protocol: protocol, body: body}
	result, err := m.fn(r.Context(), c)
	if err != nil {
		return errorReply(log, err)
	}
	raw, err := msgpack.Marshal(result)
	if err != nil {
		return errorReply(log, errors.Wrap(err, "encoding result"))
	}
	return netclient.Reply{Result: raw}
}

// errorReply turns err into its wire form. Errors without a class are
// internal errors; their details stay in the log.
func errorReply(log logrus.FieldLogger, err error) netclient.Reply {
	var classed errs.Classed
	if errors.As(err, &classed) {
		log.WithError(err).Debug("request failed")
		return netclient.Reply{Error: &netclient.ReplyError{Class: classed.Class(), Message: errs.WireMessage(classed)}}
	}
	log.Errorf("%+v", err)
	return netclient.Reply{Error: &netclient.ReplyError{Class: "InternalServerError", Message: err.Error()}}
}

func (s *Server) serveChangeSet(w http.ResponseWriter, r *http.Request, id string) {
	s.mu.Lock()
	cs, ok := s.changesets[id]
	delete(s.changesets, id)
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	defer os.Remove(cs.path)
	f, err := os.Open(cs.path)
	if err != nil {
		s.log.WithError(err).Error("opening spooled change set")
		http.Error(w, "", http.StatusInternalServerError)
		return
	}
	defer f.Close()
	w.Header().Set("Content-Type", "application/x-conary-change-set")
	if fi, err := f.Stat(); err == nil {
		w.Header().Set("Content-Length", strconv.FormatInt(fi.Size(), 10))
	}
	if _, err := io.Copy(w, f); err != nil {
		s.log.WithError(err).Warn("sending change set")
	}
}

func (s *Server) serveUpload(w http.ResponseWriter, r *http.Request, id string) {
	s.mu.Lock()
	up, ok := s.uploads[id]
	s.mu.Unlock()
	if !ok || up.path != "" {
		http.NotFound(w, r)
		return
	}
	f, err := os.CreateTemp(s.spool, "upload-*.ccs")
	if err != nil {
		s.log.WithError(err).Error("creating upload file")
		http.Error(w, "", http.StatusInternalServerError)
		return
	}
	_, err = io.Copy(f, r.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(f.Name())
		s.log.WithError(err).Warn("receiving upload")
		http.Error(w, "", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.uploads[id] = spooled{path: f.Name(), created: up.created}
	s.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (s *Server) serveContents(w http.ResponseWriter, r *http.Request, hex string) {
	if _, err := s.identify(r); err != nil {
		http.Error(w, "", http.StatusForbidden)
		return
	}
	sha1, err := digest.ParseHex(hex)
	if err != nil {
		http.Error(w, "", http.StatusBadRequest)
		return
	}
	contents, err := s.repo.GetContents(r.Context(), sha1)
	if err != nil {
		if errs.IsFileContentsMissing(err) {
			http.NotFound(w, r)
			return
		}
		s.log.WithError(err).Error("looking up contents")
		http.Error(w, "", http.StatusInternalServerError)
		return
	}
	rc, err := contents.Open()
	if err != nil {
		s.log.WithError(err).Error("opening contents")
		http.Error(w, "", http.StatusInternalServerError)
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	io.Copy(w, rc)
}

// spoolChangeSet registers a written change set for download.
func (s *Server) spoolChangeSet(path string) string {
	id := uuid.New().String()
	s.mu.Lock()
	s.purgeLocked()
	s.changesets[id] = spooled{path: path, created: time.Now()}
	s.mu.Unlock()
	return id
}

func (s *Server) prepareUpload() string {
	id := uuid.New().String()
	s.mu.Lock()
	s.purgeLocked()
	s.uploads[id] = spooled{created: time.Now()}
	s.mu.Unlock()
	return id
}

// takeUpload returns the file uploaded for id.
func (s *Server) takeUpload(id string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	up, ok := s.uploads[id]
	if !ok || up.path == "" {
		return "", &errs.CommitError{Msg: "nothing was uploaded for " + id}
	}
	delete(s.uploads, id)
	return up.path, nil
}

func (s *Server) purgeLocked() {
	cutoff := time.Now().Add(-spoolTTL)
	for _, m := range []map[string]spooled{s.changesets, s.uploads} {
		for id, sp := range m {
			if sp.created.Before(cutoff) {
				if sp.path != "" {
					os.Remove(sp.path)
				}
				delete(m, id)
			}
		}
	}
}

// Close removes spooled files and closes what FromConfig opened.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range []map[string]spooled{s.changesets, s.uploads} {
		for id, sp := range m {
			if sp.path != "" {
				os.Remove(sp.path)
			}
			delete(m, id)
		}
	}
	var result *multierror.Error
	for i := len(s.closers) - 1; i >= 0; i-- {
		result = multierror.Append(result, s.closers[i].Close())
	}
	s.closers = nil
	return result.ErrorOrNil()
}

// ListenAndServe serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s}
	errC := make(chan error, 1)
	go func() { errC <- srv.ListenAndServe() }()
	s.log.WithField("addr", addr).Info("serving")
	select {
	case err := <-errC:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
