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

package trovesource

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/toitlang/trove/pkg/changeset"
	"github.com/toitlang/trove/pkg/deps"
	"github.com/toitlang/trove/pkg/digest"
	"github.com/toitlang/trove/pkg/errs"
	"github.com/toitlang/trove/pkg/files"
	"github.com/toitlang/trove/pkg/trove"
	"github.com/toitlang/trove/pkg/versions"
)

// buildSource lets changeset.Build fetch troves from a Source.
type buildSource struct {
	src Source
}

func (b buildSource) GetTrove(ctx context.Context, tup trove.Tuple) (*trove.Trove, error) {
	trvs, err := b.src.GetTroves(ctx, []trove.Tuple{tup}, true)
	if err != nil {
		return nil, err
	}
	if trvs[0] == nil {
		return nil, &errs.TroveMissing{Name: tup.Name, Version: tup.Version.String(), Flavor: flavorString(tup.Flavor)}
	}
	return trvs[0], nil
}

func (b buildSource) GetFile(ctx context.Context, pathID files.PathID, fileID files.FileID) (*files.File, error) {
	found, err := b.src.FileVersions(ctx, []FileRequest{{PathID: pathID, FileID: fileID}})
	if err != nil {
		return nil, err
	}
	if found[0] == nil {
		return nil, &errs.FileStreamMissing{FileID: fileID.String()}
	}
	return found[0], nil
}

func (b buildSource) GetContents(ctx context.Context, sha1 digest.Sha1) (changeset.Contents, error) {
	return nil, &errs.FileContentsMissing{Sha1: sha1.String()}
}

// SplitJobs separates the jobs src has every trove for from the rest.
// Erasures are always buildable.
func SplitJobs(ctx context.Context, src changeset.TroveChecker, jobs []trove.Job) (buildable, remainder []trove.Job, err error) {
	var needed []trove.Tuple
	for _, job := range jobs {
		if job.IsErase() {
			continue
		}
		needed = append(needed, job.NewTuple())
		if !job.IsNew() {
			needed = append(needed, job.OldTuple())
		}
	}
	have := map[string]bool{}
	if len(needed) > 0 {
		present, err := src.HasTroves(ctx, needed)
		if err != nil {
			return nil, nil, err
		}
		for i, tup := range needed {
			have[tup.Key()] = present[i]
		}
	}
	for _, job := range jobs {
		switch {
		case job.IsErase():
			buildable = append(buildable, job)
		case !have[job.NewTuple().Key()], !job.IsNew() && !have[job.OldTuple().Key()]:
			remainder = append(remainder, job)
		default:
			buildable = append(buildable, job)
		}
	}
	return buildable, remainder, nil
}

// troveDiffs builds the trove change sets of jobs from the troves of
// src, without files. Jobs whose troves src doesn't have are returned.
func troveDiffs(ctx context.Context, src Source, jobs []trove.Job, opts changeset.BuildOptions) (*changeset.ChangeSet, []trove.Job, error) {
	buildable, remainder, err := SplitJobs(ctx, src, jobs)
	if err != nil {
		return nil, nil, err
	}
	opts.WithFiles = false
	opts.WithFileContents = false
	cs, _, err := changeset.Build(ctx, buildSource{src}, buildable, opts)
	if err != nil {
		return nil, nil, err
	}
	return cs, remainder, nil
}

type csEntry struct {
	cs           *changeset.ChangeSet
	tcs          *trove.ChangeSet
	withContents bool
}

// ChangesetFiles answers trove queries from change sets, typically read
// from change set files, without a network. Relative change sets are
// applied to troves of db.
type ChangesetFiles struct {
	*Searchable

	db        Source
	storeDeps bool
	log       logrus.FieldLogger

	mu      sync.RWMutex
	entries map[string]csEntry
	byName  map[string][]trove.Tuple
	sets    []*changeset.ChangeSet
}

var _ Source = (*ChangesetFiles)(nil)

// CSFilesOption configures NewChangesetFiles.
type CSFilesOption interface {
	applyCSFiles(*ChangesetFiles)
}

type storeDepsOption bool

func (o storeDepsOption) applyCSFiles(c *ChangesetFiles) { c.storeDeps = bool(o) }

// StoreDeps keeps the provides of every trove so dependencies can be
// resolved against the change sets.
func StoreDeps() CSFilesOption { return storeDepsOption(true) }

type csLoggerOption struct{ log logrus.FieldLogger }

func (o csLoggerOption) applyCSFiles(c *ChangesetFiles) { c.log = o.log }

// WithCSFilesLogger sets the logger.
func WithCSFilesLogger(log logrus.FieldLogger) CSFilesOption { return csLoggerOption{log} }

// NewChangesetFiles creates an empty source. db may be nil when only
// absolute change sets are added.
func NewChangesetFiles(db Source, options ...CSFilesOption) *ChangesetFiles {
	c := &ChangesetFiles{
		db:      db,
		log:     logrus.StandardLogger(),
		entries: map[string]csEntry{},
		byName:  map[string][]trove.Tuple{},
	}
	c.Searchable = NewSearchable(AsRepository, c)
	for _, o := range options {
		o.applyCSFiles(c)
	}
	return c
}

// AddChangeSet indexes every new trove of cs. withContents says whether
// cs carries file contents. The change set must stay open while the
// source is used.
func (c *ChangesetFiles) AddChangeSet(ctx context.Context, cs *changeset.ChangeSet, withContents bool) error {
	var relative []trove.Tuple
	for _, tcs := range cs.NewTroves() {
		if !tcs.IsAbsolute() && !tcs.OldVersion().IsZero() {
			relative = append(relative, tcs.OldTuple())
		}
	}
	if len(relative) > 0 {
		if c.db == nil {
			return &errs.TroveMissing{Name: relative[0].Name, Version: relative[0].Version.String(), Flavor: flavorString(relative[0].Flavor)}
		}
		present, err := c.db.HasTroves(ctx, relative)
		if err != nil {
			return err
		}
		for i, ok := range present {
			if !ok {
				tup := relative[i]
				return &errs.TroveMissing{Name: tup.Name, Version: tup.Version.String(), Flavor: flavorString(tup.Flavor)}
			}
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tcs := range cs.NewTroves() {
		tup := tcs.NewTuple()
		if _, ok := c.entries[tup.Key()]; ok {
			return errors.Errorf("trove %s is in more than one change set", tup)
		}
	}
	for _, tcs := range cs.NewTroves() {
		tup := tcs.NewTuple()
		c.entries[tup.Key()] = csEntry{cs: cs, tcs: tcs, withContents: withContents}
		c.byName[tup.Name] = append(c.byName[tup.Name], tup)
	}
	c.sets = append(c.sets, cs)
	c.log.WithField("troves", len(cs.NewTroves())).Debug("indexed change set")
	return nil
}

// AddChangeSetFile reads the change set at path and indexes it.
func (c *ChangesetFiles) AddChangeSetFile(ctx context.Context, path string, opts changeset.ReadOptions) (*changeset.ChangeSet, error) {
	cs, err := changeset.ReadFile(path, opts)
	if err != nil {
		return nil, err
	}
	if err := c.AddChangeSet(ctx, cs, true); err != nil {
		cs.Close()
		return nil, err
	}
	return cs, nil
}

// Close closes every indexed change set.
func (c *ChangesetFiles) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var first error
	for _, cs := range c.sets {
		if err := cs.Close(); err != nil && first == nil {
			first = err
		}
	}
	c.sets = nil
	return first
}

func (c *ChangesetFiles) TrovesByName(ctx context.Context, name string) ([]trove.Tuple, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]trove.Tuple(nil), c.byName[name]...), nil
}

func (c *ChangesetFiles) HasTroves(ctx context.Context, tups []trove.Tuple) ([]bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([]bool, len(tups))
	for i, tup := range tups {
		_, result[i] = c.entries[tup.Key()]
	}
	return result, nil
}

func (c *ChangesetFiles) GetTroves(ctx context.Context, tups []trove.Tuple, withFiles bool) ([]*trove.Trove, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([]*trove.Trove, len(tups))
	for i, tup := range tups {
		e, ok := c.entries[tup.Key()]
		if !ok {
			continue
		}
		t, err := c.trove(ctx, e.tcs)
		if err != nil {
			return nil, err
		}
		result[i] = t
	}
	return result, nil
}

func (c *ChangesetFiles) trove(ctx context.Context, tcs *trove.ChangeSet) (*trove.Trove, error) {
	if tcs.IsAbsolute() || tcs.OldVersion().IsZero() {
		return trove.FromChangeSet(tcs, false)
	}
	olds, err := c.db.GetTroves(ctx, []trove.Tuple{tcs.OldTuple()}, true)
	if err != nil {
		return nil, err
	}
	if olds[0] == nil {
		old := tcs.OldTuple()
		return nil, &errs.TroveMissing{Name: old.Name, Version: old.Version.String(), Flavor: flavorString(old.Flavor)}
	}
	t := olds[0].Copy()
	if err := t.ApplyChangeSet(tcs, false); err != nil {
		return nil, err
	}
	return t, nil
}

// FileVersions finds absolute file streams in the indexed change sets.
func (c *ChangesetFiles) FileVersions(ctx context.Context, reqs []FileRequest) ([]*files.File, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([]*files.File, len(reqs))
	for i, req := range reqs {
		for _, cs := range c.sets {
			stream, ok := cs.FileStream(files.FileID{}, req.FileID)
			if !ok {
				continue
			}
			f, err := files.Thaw(stream, req.PathID)
			if err != nil {
				return nil, err
			}
			result[i] = f
			break
		}
	}
	return result, nil
}

// ResolveDependencies needs StoreDeps.
func (c *ChangesetFiles) ResolveDependencies(ctx context.Context, label versions.Label, depSets []*deps.Set, leavesOnly bool) ([][][]trove.Tuple, error) {
	if !c.storeDeps {
		return c.Searchable.ResolveDependencies(ctx, label, depSets, leavesOnly)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([][][]trove.Tuple, len(depSets))
	for i, set := range depSets {
		result[i] = ResolveSet(set, leavesOnly, func(single *deps.Set) []trove.Tuple {
			var found []trove.Tuple
			for _, e := range c.entries {
				if !label.IsZero() && e.tcs.NewVersion().TrailingLabel() != label {
					continue
				}
				if e.tcs.Provides().Satisfies(single) {
					found = append(found, e.tcs.NewTuple())
				}
			}
			return found
		})
	}
	return result, nil
}

// usable reports whether the indexed change set of job can be handed
// out as is.
func (e csEntry) usable(job trove.Job, opts changeset.BuildOptions) bool {
	if opts.WithFileContents && !e.withContents {
		return false
	}
	if job.IsNew() || job.Absolute {
		return e.tcs.IsAbsolute() || e.tcs.OldVersion().IsZero()
	}
	return !e.tcs.OldVersion().IsZero() && e.tcs.OldTuple().Equal(job.OldTuple())
}

// CreateChangeSet hands out the indexed trove change sets matching jobs,
// together with their file streams and contents. Without files, change
// sets for other jobs are computed from the troves. With opts.Recurse,
// the jobs of referenced troves are queued after the job referencing
// them; the ones no indexed change set matches are returned.
func (c *ChangesetFiles) CreateChangeSet(ctx context.Context, jobs []trove.Job, opts changeset.BuildOptions) (*changeset.ChangeSet, []trove.Job, error) {
	result := changeset.New()
	var rest []trove.Job
	seen := map[string]bool{}
	top := map[string]bool{}
	for _, job := range jobs {
		top[job.Key()] = true
	}
	queue := append([]trove.Job(nil), jobs...)
	c.mu.RLock()
	for len(queue) > 0 {
		job := queue[0]
		queue = queue[1:]
		if seen[job.Key()] {
			continue
		}
		seen[job.Key()] = true

		if job.IsErase() {
			result.AddOldTrove(job.OldTuple())
			if top[job.Key()] {
				result.AddPrimary(job.OldTuple())
			}
			if !opts.Recurse {
				continue
			}
			children, err := c.erasedChildren(ctx, job)
			if err != nil {
				c.mu.RUnlock()
				result.Close()
				return nil, nil, err
			}
			queue = append(queue, children...)
			continue
		}
		e, ok := c.entries[job.NewTuple().Key()]
		if !ok || !e.usable(job, opts) {
			rest = append(rest, job)
			continue
		}
		if err := copyTroveChangeSet(result, e, opts); err != nil {
			c.mu.RUnlock()
			result.Close()
			return nil, nil, err
		}
		if top[job.Key()] {
			result.AddPrimary(job.NewTuple())
		}
		if !opts.Recurse {
			continue
		}
		children, err := c.childJobs(ctx, job, e)
		if err != nil {
			c.mu.RUnlock()
			result.Close()
			return nil, nil, err
		}
		queue = append(queue, children...)
	}
	c.mu.RUnlock()

	if len(rest) == 0 || opts.WithFiles || opts.WithFileContents {
		return result, rest, nil
	}
	diffs, remainder, err := troveDiffs(ctx, c, rest, opts)
	if err != nil {
		result.Close()
		return nil, nil, err
	}
	if err := result.Merge(diffs, changeset.MergeOptions{}); err != nil {
		result.Close()
		return nil, nil, err
	}
	return result, remainder, nil
}

// childJobs diffs the strong references of the trove e carries against
// the old trove of job.
func (c *ChangesetFiles) childJobs(ctx context.Context, job trove.Job, e csEntry) ([]trove.Job, error) {
	newTrv, err := c.trove(ctx, e.tcs)
	if err != nil {
		return nil, err
	}
	var oldTrv *trove.Trove
	if !job.IsNew() {
		old := job.OldTuple()
		if c.db == nil {
			return nil, &errs.TroveMissing{Name: old.Name, Version: old.Version.String(), Flavor: flavorString(old.Flavor)}
		}
		olds, err := c.db.GetTroves(ctx, []trove.Tuple{old}, false)
		if err != nil {
			return nil, err
		}
		if olds[0] == nil {
			return nil, &errs.TroveMissing{Name: old.Name, Version: old.Version.String(), Flavor: flavorString(old.Flavor)}
		}
		oldTrv = olds[0]
	}
	_, _, children := newTrv.Diff(oldTrv, job.Absolute)
	for i := range children {
		children[i].Absolute = children[i].Absolute || job.Absolute
	}
	return children, nil
}

// erasedChildren returns erase jobs for the strong references of the
// erased trove, when db has it.
func (c *ChangesetFiles) erasedChildren(ctx context.Context, job trove.Job) ([]trove.Job, error) {
	if c.db == nil {
		return nil, nil
	}
	olds, err := c.db.GetTroves(ctx, []trove.Tuple{job.OldTuple()}, false)
	if err != nil {
		return nil, err
	}
	if olds[0] == nil {
		return nil, nil
	}
	var children []trove.Job
	for _, ref := range olds[0].Troves() {
		children = append(children, trove.EraseJob(ref.Tuple))
	}
	return children, nil
}

func copyTroveChangeSet(dst *changeset.ChangeSet, e csEntry, opts changeset.BuildOptions) error {
	dst.AddNewTrove(e.tcs)
	if !opts.WithFiles && !opts.WithFileContents {
		return nil
	}
	refs := append(append([]trove.FileRef(nil), e.tcs.NewFiles()...), e.tcs.ChangedFiles()...)
	for _, ref := range refs {
		if key, stream, ok := e.cs.FindFileStream(ref.FileID); ok {
			dst.AddFileStream(key.Old, key.New, stream)
		}
		if !opts.WithFileContents {
			continue
		}
		key := changeset.Key{PathID: ref.PathID, FileID: ref.FileID}
		content, err := e.cs.FileContents(key)
		if errs.IsFileContentsMissing(err) {
			continue
		}
		if err != nil {
			return err
		}
		if content.Type == changeset.TypePtr {
			target, err := e.cs.ResolveContents(key)
			if err != nil {
				return err
			}
			resolved := *target
			resolved.Config = content.Config
			content = &resolved
		}
		dst.AddFileContents(key, content)
	}
	return nil
}
