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

package commands

import (
	"net/url"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/toitlang/trove/config"
	"github.com/toitlang/trove/pkg/changeset"
	"github.com/toitlang/trove/pkg/deps"
	"github.com/toitlang/trove/pkg/netclient"
	"github.com/toitlang/trove/pkg/repository"
	"github.com/toitlang/trove/pkg/transport"
	"github.com/toitlang/trove/pkg/trovesource"
	"github.com/toitlang/trove/pkg/versions"
)

const defaultDBPath = "var/lib/trove"

func (h *troveHandler) root() string {
	if h.cfg.Root != "" {
		return h.cfg.Root
	}
	return config.Root()
}

func (h *troveHandler) dbPath() string {
	p := h.cfg.DBPath
	if p == "" {
		p = defaultDBPath
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(h.root(), p)
}

// openDB opens the database of installed troves.
func (h *troveHandler) openDB(opts ...repository.Option) (*repository.Repository, error) {
	opts = append([]repository.Option{
		repository.AsDatabase(h.root()),
		repository.WithSerializedCommits(),
		repository.WithLogger(h.log),
	}, opts...)
	if h.cfg.TrustThreshold > 0 {
		opts = append(opts, repository.WithTrustThreshold(h.cfg.TrustThreshold))
	}
	db, err := repository.Open(h.dbPath(), opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "opening database in '%s'", h.dbPath())
	}
	return db, nil
}

func (h *troveHandler) transport() (*transport.Client, error) {
	opts := []transport.Option{transport.WithLogger(h.log)}
	if len(h.cfg.Proxies) > 0 {
		m := transport.NewProxyMap()
		for _, p := range h.cfg.Proxies {
			if err := m.AddStrategy(p.Filter, p.Targets); err != nil {
				return nil, err
			}
		}
		opts = append(opts, transport.WithProxyMap(m))
	}
	if h.cfg.CAFile != "" {
		opts = append(opts, transport.WithCAFile(h.cfg.CAFile))
	}
	if h.cfg.Retries > 0 {
		opts = append(opts, transport.WithRetries(h.cfg.Retries))
	}
	for _, e := range h.cfg.Entitlements {
		opts = append(opts, transport.WithEntitlement(e.Host, e.Class, e.Key))
	}
	for _, u := range h.cfg.Users {
		opts = append(opts, transport.WithCredentials(u.Host, u.User, u.Password))
	}
	return transport.New(opts...)
}

func (h *troveHandler) labelPath() ([]versions.Label, error) {
	if len(h.cfg.InstallLabelPath) == 0 {
		return nil, errors.New("no install label path configured")
	}
	return netclient.ParseLabels(h.cfg.InstallLabelPath)
}

// repositoryURL returns the URL serving the repository of host.
func (h *troveHandler) repositoryURL(host string) string {
	if u, ok := h.cfg.RepositoryMap[host]; ok {
		return u
	}
	return (&url.URL{Scheme: "https", Host: host, Path: "/conary"}).String()
}

// remoteSource stacks a client for every repository host of the label
// path, in label path order.
func (h *troveHandler) remoteSource(tr *transport.Client, labels []versions.Label) (*trovesource.Stack, map[string]*netclient.Client, error) {
	clients := map[string]*netclient.Client{}
	var sources []trovesource.Source
	var result *multierror.Error
	for _, l := range labels {
		if _, ok := clients[l.Host]; ok {
			continue
		}
		c, err := netclient.New(h.repositoryURL(l.Host), tr,
			netclient.WithServerName(l.Host), netclient.WithLogger(h.log))
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		clients[l.Host] = c
		sources = append(sources, c)
	}
	if err := result.ErrorOrNil(); err != nil {
		return nil, nil, err
	}
	return trovesource.NewStack(sources...), clients, nil
}

// clientFor returns a client for the repository of a version's host.
func (h *troveHandler) clientFor(clients map[string]*netclient.Client, tr *transport.Client, host string) (*netclient.Client, error) {
	if c, ok := clients[host]; ok {
		return c, nil
	}
	c, err := netclient.New(h.repositoryURL(host), tr,
		netclient.WithServerName(host), netclient.WithLogger(h.log))
	if err != nil {
		return nil, err
	}
	clients[host] = c
	return c, nil
}

func (h *troveHandler) flavors() (system *deps.Set, prefs []*deps.Set, err error) {
	arch := deps.CurrentArch()
	if h.cfg.Flavor != "" {
		system, err = deps.ParseFlavor(h.cfg.Flavor)
	} else {
		system, err = deps.SystemFlavor(arch)
	}
	if err != nil {
		return nil, nil, err
	}
	if len(h.cfg.FlavorPreferences) > 0 {
		for _, str := range h.cfg.FlavorPreferences {
			p, err := deps.ParseFlavor(str)
			if err != nil {
				return nil, nil, err
			}
			prefs = append(prefs, p)
		}
		return system, prefs, nil
	}
	prefs, err = deps.FlavorPreferences(arch)
	if err != nil {
		// Unknown platforms have no preferences.
		return system, nil, nil
	}
	return system, prefs, nil
}

func (h *troveHandler) findOptions(affinity trovesource.Source) (trovesource.FindOptions, error) {
	labels, err := h.labelPath()
	if err != nil {
		return trovesource.FindOptions{}, err
	}
	system, prefs, err := h.flavors()
	if err != nil {
		return trovesource.FindOptions{}, err
	}
	return trovesource.FindOptions{
		LabelPath:         labels,
		DefaultFlavors:    []*deps.Set{system},
		FlavorPreferences: prefs,
		Affinity:          affinity,
		Log:               h.log,
	}, nil
}

func parseSpecs(args []string) ([]trovesource.Spec, error) {
	specs := make([]trovesource.Spec, 0, len(args))
	for _, a := range args {
		s, err := trovesource.ParseSpec(a)
		if err != nil {
			return nil, err
		}
		specs = append(specs, s)
	}
	return specs, nil
}

// readOptions spills large change sets into the cache.
func (h *troveHandler) readOptions() changeset.ReadOptions {
	dir, err := config.EnsureDirectory(config.ChangeSetsPath(h.cfg.CachePath))
	if err != nil {
		h.log.WithError(err).Debug("no change set spill directory")
		return changeset.ReadOptions{}
	}
	return changeset.ReadOptions{TempDir: dir}
}
