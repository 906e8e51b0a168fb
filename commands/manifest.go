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
	"context"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/toitlang/trove/pkg/changeset"
	"github.com/toitlang/trove/pkg/deps"
	"github.com/toitlang/trove/pkg/digest"
	"github.com/toitlang/trove/pkg/errs"
	"github.com/toitlang/trove/pkg/files"
	"github.com/toitlang/trove/pkg/repository"
	"github.com/toitlang/trove/pkg/trove"
	"github.com/toitlang/trove/pkg/versions"
	"gopkg.in/yaml.v2"
)

// Manifest describes a trove built from local files.
type Manifest struct {
	Name       string `yaml:"name"`
	Version    string `yaml:"version"`
	Flavor     string `yaml:"flavor"`
	SourceName string `yaml:"source_name"`
	Provides   string `yaml:"provides"`
	Requires   string `yaml:"requires"`

	Files  []ManifestFile  `yaml:"files"`
	Troves []ManifestTrove `yaml:"troves"`
}

type ManifestFile struct {
	// Path is where the file is installed.
	Path string `yaml:"path"`
	// Source is the local file, relative to the manifest.
	Source string `yaml:"source"`
	Config bool   `yaml:"config"`
	// Perms is octal, for example "0755". Empty keeps the local mode.
	Perms string `yaml:"perms"`
	Owner string `yaml:"owner"`
	Group string `yaml:"group"`
}

type ManifestTrove struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	Flavor  string `yaml:"flavor"`
	// ByDefault is true when unset.
	ByDefault *bool `yaml:"by_default"`
}

func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := yaml.UnmarshalStrict(data, &m); err != nil {
		return nil, errors.Wrapf(err, "parsing manifest '%s'", path)
	}
	return &m, nil
}

func parseFlavor(str string) (*deps.Set, error) {
	if str == "" {
		return deps.New(), nil
	}
	return deps.ParseFlavor(str)
}

// localSource serves a trove built from the filesystem to
// changeset.Build.
type localSource struct {
	troves   map[string]*trove.Trove
	files    map[files.FileID]*files.File
	contents map[digest.Sha1]string
}

var _ changeset.Source = (*localSource)(nil)

func newLocalSource() *localSource {
	return &localSource{
		troves:   map[string]*trove.Trove{},
		files:    map[files.FileID]*files.File{},
		contents: map[digest.Sha1]string{},
	}
}

func (s *localSource) GetTrove(ctx context.Context, tup trove.Tuple) (*trove.Trove, error) {
	trv, ok := s.troves[tup.Key()]
	if !ok {
		return nil, &errs.TroveMissing{Name: tup.Name, Version: tup.Version.String()}
	}
	return trv.Copy(), nil
}

func (s *localSource) GetFile(ctx context.Context, pathID files.PathID, fileID files.FileID) (*files.File, error) {
	f, ok := s.files[fileID]
	if !ok {
		return nil, &errs.FileStreamMissing{FileID: fileID.String()}
	}
	f = f.Copy()
	f.PathID = pathID
	return f, nil
}

func (s *localSource) GetContents(ctx context.Context, sha1 digest.Sha1) (changeset.Contents, error) {
	path, ok := s.contents[sha1]
	if !ok {
		return nil, &errs.FileContentsMissing{Sha1: sha1.String()}
	}
	return changeset.FromFile(path), nil
}

// Build creates the trove. Sources are relative to dir.
func (m *Manifest) Build(dir string, now time.Time) (*trove.Trove, *localSource, error) {
	if !repository.ValidTroveName(m.Name) {
		return nil, nil, &errs.InvalidTroveName{Name: m.Name}
	}
	v, err := versions.Parse(m.Version)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "version of %s", m.Name)
	}
	if v.IsBranch() {
		return nil, nil, errs.Parsef("version %s of %s has no revision", m.Version, m.Name)
	}
	flavor, err := parseFlavor(m.Flavor)
	if err != nil {
		return nil, nil, err
	}
	v = v.WithTimestamp(float64(now.Unix()))
	trv := trove.New(m.Name, v, flavor)
	if m.SourceName != "" {
		trv.Info.SourceName.Set(m.SourceName)
	}
	trv.Info.BuildTime.Set(uint64(now.Unix()))
	if m.Provides != "" {
		p, err := deps.ParseDep(m.Provides)
		if err != nil {
			return nil, nil, err
		}
		trv.SetProvides(p)
	}
	if m.Requires != "" {
		r, err := deps.ParseDep(m.Requires)
		if err != nil {
			return nil, nil, err
		}
		trv.SetRequires(r)
	}

	src := newLocalSource()
	for _, mf := range m.Files {
		f, local, err := mf.file(dir)
		if err != nil {
			return nil, nil, err
		}
		src.files[f.FileID()] = f
		if f.HasContents() {
			src.contents[f.Sha1()] = local
		}
		if err := trv.AddFile(f.PathID, mf.Path, v, f.FileID()); err != nil {
			return nil, nil, err
		}
	}
	for _, mt := range m.Troves {
		tv, err := versions.Parse(mt.Version)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "version of %s", mt.Name)
		}
		tf, err := parseFlavor(mt.Flavor)
		if err != nil {
			return nil, nil, err
		}
		byDefault := mt.ByDefault == nil || *mt.ByDefault
		if err := trv.AddTrove(trove.NewTuple(mt.Name, tv, tf), byDefault, false); err != nil {
			return nil, nil, err
		}
	}
	trv.ComputePathHashes()
	trv.ComputeDigests()
	src.troves[trv.Tuple().Key()] = trv
	return trv, src, nil
}

func (mf ManifestFile) file(dir string) (*files.File, string, error) {
	if !filepath.IsAbs(mf.Path) {
		return nil, "", errs.Parsef("file path %s must be absolute", mf.Path)
	}
	local := mf.Source
	if local == "" {
		local = mf.Path
	}
	if !filepath.IsAbs(local) {
		local = filepath.Join(dir, local)
	}
	f, err := files.FromFilesystem(local, files.PathIDFor(mf.Path))
	if err != nil {
		return nil, "", err
	}
	if mf.Perms != "" {
		perms, err := strconv.ParseUint(mf.Perms, 8, 16)
		if err != nil {
			return nil, "", errs.Parsef("bad permissions %s for %s", mf.Perms, mf.Path)
		}
		f.Inode.Perms.Set(uint16(perms))
	}
	if mf.Owner != "" {
		f.Inode.Owner.Set(mf.Owner)
	}
	if mf.Group != "" {
		f.Inode.Group.Set(mf.Group)
	}
	if mf.Config {
		f.Flags.SetFlag(files.FlagConfig, true)
	}
	return f, local, nil
}

// changeSet builds an absolute change set for trv.
func (s *localSource) changeSet(ctx context.Context, trv *trove.Trove) (*changeset.ChangeSet, error) {
	cs, _, err := changeset.Build(ctx, s, []trove.Job{trove.InstallJob(trv.Tuple(), true)}, changeset.BuildOptions{
		WithFiles:        true,
		WithFileContents: true,
	})
	return cs, err
}
