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
	"io"
	"path/filepath"

	"github.com/hashicorp/go-version"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/toitlang/trove/pkg/datastore"
	"github.com/toitlang/trove/pkg/repository"
	"github.com/toitlang/trove/pkg/transport"
)

// FromConfig opens everything cfg names and returns a server for it.
// Closing the server closes the repository and auth database.
func FromConfig(cfg *Config, log logrus.FieldLogger, reg prometheus.Registerer) (s *Server, err error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	var opened []io.Closer
	defer func() {
		if err != nil {
			for i := len(opened) - 1; i >= 0; i-- {
				opened[i].Close()
			}
		}
	}()

	opts := []Option{WithName(cfg.Name), WithLogger(log), WithMetrics(reg)}
	if cfg.SpoolDir != "" {
		opts = append(opts, WithSpoolDir(cfg.SpoolDir))
	}
	if cfg.ClientVersions != "" {
		c, err := version.NewConstraint(cfg.ClientVersions)
		if err != nil {
			return nil, errors.Wrap(err, "client_versions")
		}
		opts = append(opts, WithClientVersions(c))
	}

	var repo *repository.Repository
	if cfg.Repository != "" {
		ropts := []repository.Option{
			repository.WithSerializedCommits(),
			repository.WithLogger(log),
			repository.WithMetrics(reg),
		}
		if len(cfg.AuthoritativeHosts) > 0 {
			ropts = append(ropts, repository.WithAuthoritativeHosts(cfg.AuthoritativeHosts...))
		}
		if cfg.RequireSignatures {
			ropts = append(ropts, repository.WithRequireSignatures())
		}
		if cfg.TrustThreshold > 0 {
			ropts = append(ropts, repository.WithTrustThreshold(cfg.TrustThreshold))
		}
		repo, err = repository.Open(cfg.Repository, ropts...)
		if err != nil {
			return nil, err
		}
		opened = append(opened, repo)
	}

	if cfg.Auth != nil {
		path := cfg.Auth.DB
		if path == "" {
			if repo == nil {
				return nil, errors.New("auth needs a db path when there is no repository")
			}
			path = filepath.Join(repo.Dir(), "auth.db")
		}
		auth, err := OpenAuth(path, cfg.Auth.Anonymous)
		if err != nil {
			return nil, err
		}
		opened = append(opened, auth)
		if cfg.Auth.Admin != nil {
			if err := auth.Bootstrap(cfg.Auth.Admin); err != nil {
				return nil, err
			}
		}
		opts = append(opts, WithAuth(auth))
	}

	if cfg.Proxy != nil {
		p, err := proxyFromConfig(cfg.Name, cfg.Proxy, log)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithProxy(p))
	}

	s, err = New(repo, opts...)
	if err != nil {
		return nil, err
	}
	s.closers = opened
	return s, nil
}

func proxyFromConfig(name string, cfg *ProxyConfig, log logrus.FieldLogger) (*Proxy, error) {
	pm := transport.NewProxyMap()
	for _, st := range cfg.Strategies {
		if err := pm.AddStrategy(st.Filter, st.Targets); err != nil {
			return nil, err
		}
	}
	topts := []transport.Option{transport.WithProxyMap(pm), transport.WithLogger(log)}
	if cfg.CAFile != "" {
		topts = append(topts, transport.WithCAFile(cfg.CAFile))
	}
	var cache datastore.Store
	if cfg.ContentsCache != "" {
		fs, err := datastore.NewFileStore(cfg.ContentsCache, datastore.WithLogger(log))
		if err != nil {
			return nil, err
		}
		cache = fs
	}
	client, err := transport.New(topts...)
	if err != nil {
		return nil, err
	}
	return NewProxy(name, client, cache, log), nil
}
