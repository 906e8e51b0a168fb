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

// Package repository stores troves, file streams and file contents, and
// commits change sets to them.
//
// A Repository is either a repository, which keeps every version ever
// committed in a content-addressed file store, or an installed-system
// database (see AsDatabase), which reference counts its contents and can
// place committed files below a root directory.
package repository

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/toitlang/trove/pkg/changeset"
	"github.com/toitlang/trove/pkg/datastore"
	"github.com/toitlang/trove/pkg/deps"
	"github.com/toitlang/trove/pkg/digest"
	"github.com/toitlang/trove/pkg/errs"
	"github.com/toitlang/trove/pkg/files"
	"github.com/toitlang/trove/pkg/trove"
	"github.com/toitlang/trove/pkg/trovesource"
	"github.com/toitlang/trove/pkg/versions"
	"go.etcd.io/bbolt"
)

const (
	indexFile    = "index.db"
	contentsDir  = "contents"
	lockFile     = ".commit.lock"
	openTimeout  = 10 * time.Second
	lockDeadline = 3 * time.Minute
)

// Repository is a trove index with a content store.
type Repository struct {
	*trovesource.Searchable

	dir     string
	opts    options
	log     logrus.FieldLogger
	db      *bbolt.DB
	idx     *index
	store   datastore.Store
	id      string
	metrics *metrics

	commitMu sync.Mutex
}

var (
	_ trovesource.Source     = (*Repository)(nil)
	_ changeset.Source       = (*Repository)(nil)
	_ changeset.TroveChecker = (*Repository)(nil)
)

// Open opens the repository in dir, creating it if needed.
func Open(dir string, opts ...Option) (*Repository, error) {
	o := options{
		layout: datastore.TwoLevel,
		log:    logrus.StandardLogger(),
	}
	o.apply(opts...)
	if o.requireSigs && o.trustThreshold == 0 {
		o.trustThreshold = trove.TrustMarginal
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	db, err := bbolt.Open(filepath.Join(dir, indexFile), 0644, &bbolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, &errs.OpenError{URL: dir, Err: err}
	}
	r := &Repository{
		dir:     dir,
		opts:    o,
		log:     o.log.WithField("repository", dir),
		db:      db,
		metrics: newMetrics(o.registerer),
	}
	mode := trovesource.AsRepository
	if o.database {
		mode = trovesource.AsDatabase
	}
	r.Searchable = trovesource.NewSearchable(mode, r)

	if err := r.init(); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Repository) init() error {
	var err error
	if r.idx, err = newIndex(r.db); err != nil {
		return err
	}
	if r.opts.database {
		r.store, err = datastore.NewBoltStore(r.db)
	} else {
		top := filepath.Join(r.dir, contentsDir)
		if err := os.MkdirAll(top, 0755); err != nil {
			return err
		}
		r.store, err = datastore.NewFileStore(top,
			datastore.WithLayout(r.opts.layout), datastore.WithLogger(r.log))
	}
	if err != nil {
		return err
	}
	return r.idx.update(func(tx *indexTx) error {
		if id := tx.meta(idKey); id != nil {
			r.id = string(id)
			return nil
		}
		r.id = uuid.New().String()
		return tx.setMeta(idKey, []byte(r.id))
	})
}

// ID returns the identifier the repository was created with.
func (r *Repository) ID() string { return r.id }

// Dir returns the directory of the repository.
func (r *Repository) Dir() string { return r.dir }

// Root returns where a database installs files; empty for repositories.
func (r *Repository) Root() string { return r.opts.root }

// Store returns the content store.
func (r *Repository) Store() datastore.Store { return r.store }

func (r *Repository) Close() error {
	return r.db.Close()
}

// TrovesByName lists the troves of a name. Removed troves are left out.
func (r *Repository) TrovesByName(ctx context.Context, name string) ([]trove.Tuple, error) {
	var result []trove.Tuple
	err := r.idx.view(func(tx *indexTx) error {
		return tx.forEach(namePrefix(name), func(rec *troveRecord) error {
			if trove.Type(rec.Type) == trove.TypeRemoved {
				return nil
			}
			tup, err := rec.tuple()
			if err != nil {
				return err
			}
			result = append(result, tup)
			return nil
		})
	})
	return result, err
}

// AllTroves lists every trove that isn't removed, ordered by name.
func (r *Repository) AllTroves(ctx context.Context) ([]trove.Tuple, error) {
	var result []trove.Tuple
	err := r.idx.view(func(tx *indexTx) error {
		return tx.forEach(nil, func(rec *troveRecord) error {
			if trove.Type(rec.Type) == trove.TypeRemoved {
				return nil
			}
			tup, err := rec.tuple()
			if err != nil {
				return err
			}
			result = append(result, tup)
			return nil
		})
	})
	return result, err
}

// HasTroves reports removed troves as present.
func (r *Repository) HasTroves(ctx context.Context, tups []trove.Tuple) ([]bool, error) {
	result := make([]bool, len(tups))
	err := r.idx.view(func(tx *indexTx) error {
		for i, tup := range tups {
			result[i] = tx.hasTrove(tup)
		}
		return nil
	})
	return result, err
}

// GetTrove returns a trove or *errs.TroveMissing.
func (r *Repository) GetTrove(ctx context.Context, tup trove.Tuple) (*trove.Trove, error) {
	var t *trove.Trove
	err := r.idx.view(func(tx *indexTx) error {
		var err error
		t, err = tx.getTrove(tup)
		return err
	})
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, &errs.TroveMissing{Name: tup.Name, Version: tup.Version.String(), Flavor: tup.Flavor.String()}
	}
	return t, nil
}

func (r *Repository) GetTroves(ctx context.Context, tups []trove.Tuple, withFiles bool) ([]*trove.Trove, error) {
	result := make([]*trove.Trove, len(tups))
	err := r.idx.view(func(tx *indexTx) error {
		for i, tup := range tups {
			t, err := tx.getTrove(tup)
			if err != nil {
				return err
			}
			result[i] = t
		}
		return nil
	})
	return result, err
}

// GetFile returns a file stream or *errs.FileStreamMissing.
func (r *Repository) GetFile(ctx context.Context, pathID files.PathID, fileID files.FileID) (*files.File, error) {
	var f *files.File
	err := r.idx.view(func(tx *indexTx) error {
		var err error
		f, err = tx.getFile(pathID, fileID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, &errs.FileStreamMissing{FileID: fileID.String()}
	}
	return f, nil
}

func (r *Repository) FileVersions(ctx context.Context, reqs []trovesource.FileRequest) ([]*files.File, error) {
	result := make([]*files.File, len(reqs))
	err := r.idx.view(func(tx *indexTx) error {
		for i, req := range reqs {
			f, err := tx.getFile(req.PathID, req.FileID)
			if err != nil {
				return err
			}
			result[i] = f
		}
		return nil
	})
	return result, err
}

// GetContents returns the contents with the given sha1 or
// *errs.FileContentsMissing.
func (r *Repository) GetContents(ctx context.Context, sha1 digest.Sha1) (changeset.Contents, error) {
	ok, err := r.store.HasFile(sha1)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &errs.FileContentsMissing{Sha1: sha1.String()}
	}
	return changeset.ContentsFunc(func() (io.ReadCloser, error) {
		return r.store.OpenFile(sha1)
	}), nil
}

// GetFileContents returns the contents of the requested files, which
// must be regular files.
func (r *Repository) GetFileContents(ctx context.Context, reqs []trovesource.FileRequest) ([]changeset.Contents, error) {
	fs, err := r.FileVersions(ctx, reqs)
	if err != nil {
		return nil, err
	}
	result := make([]changeset.Contents, len(reqs))
	for i, f := range fs {
		if f == nil {
			return nil, &errs.FileStreamMissing{FileID: reqs[i].FileID.String()}
		}
		if !f.HasContents() {
			return nil, errors.Errorf("%s file %s has no contents", f.Kind, reqs[i].PathID)
		}
		if result[i], err = r.GetContents(ctx, f.Sha1()); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func onLabelPath(v versions.Version, labelPath []versions.Label) bool {
	if len(labelPath) == 0 {
		return true
	}
	for _, l := range labelPath {
		if v.TrailingLabel() == l {
			return true
		}
	}
	return false
}

// TrovesByPath returns the newest troves on each branch that contain
// one of paths.
func (r *Repository) TrovesByPath(ctx context.Context, paths []string, labelPath []versions.Label) (map[string][]trove.Tuple, error) {
	result := map[string][]trove.Tuple{}
	err := r.idx.view(func(tx *indexTx) error {
		for _, path := range paths {
			tups, err := tx.trovesByPath(path)
			if err != nil {
				return err
			}
			var found []trove.Tuple
			for _, tup := range tups {
				if onLabelPath(tup.Version, labelPath) {
					found = append(found, tup)
				}
			}
			found = trovesource.NewestOnBranch(found)
			sort.Slice(found, func(i, j int) bool { return found[i].Less(found[j]) })
			result[path] = found
		}
		return nil
	})
	return result, err
}

func (r *Repository) ResolveDependencies(ctx context.Context, label versions.Label, depSets []*deps.Set, leavesOnly bool) ([][][]trove.Tuple, error) {
	type provider struct {
		tup      trove.Tuple
		provides *deps.Set
	}
	var providers []provider
	err := r.idx.view(func(tx *indexTx) error {
		return tx.forEach(nil, func(rec *troveRecord) error {
			if rec.Provides == "" || trove.Type(rec.Type) == trove.TypeRemoved {
				return nil
			}
			tup, err := rec.tuple()
			if err != nil {
				return err
			}
			if !label.IsZero() && tup.Version.TrailingLabel() != label {
				return nil
			}
			p, err := deps.Thaw(rec.Provides)
			if err != nil {
				return err
			}
			providers = append(providers, provider{tup, p})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	result := make([][][]trove.Tuple, len(depSets))
	for i, set := range depSets {
		result[i] = trovesource.ResolveSet(set, leavesOnly, func(single *deps.Set) []trove.Tuple {
			var found []trove.Tuple
			for _, p := range providers {
				if p.provides.Satisfies(single) {
					found = append(found, p.tup)
				}
			}
			return found
		})
	}
	return result, nil
}

// CreateChangeSet builds the change set of the jobs this repository has
// every trove for. The other jobs, and jobs for troves on hosts the
// repository isn't authoritative for, are returned.
func (r *Repository) CreateChangeSet(ctx context.Context, jobs []trove.Job, opts changeset.BuildOptions) (*changeset.ChangeSet, []trove.Job, error) {
	buildable, remainder, err := trovesource.SplitJobs(ctx, r, jobs)
	if err != nil {
		return nil, nil, err
	}
	if len(opts.AuthoritativeHosts) == 0 {
		opts.AuthoritativeHosts = r.opts.authoritativeHosts
	}
	if opts.Log == nil {
		opts.Log = r.log
	}
	cs, ext, err := changeset.Build(ctx, r, buildable, opts)
	if err != nil {
		return nil, nil, err
	}
	if len(ext.Files) > 0 {
		r.log.WithField("files", len(ext.Files)).Debug("change set references files on other hosts")
	}
	return cs, append(remainder, ext.Jobs...), nil
}
