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

package repository

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/toitlang/trove/pkg/changeset"
	"github.com/toitlang/trove/pkg/digest"
	"github.com/toitlang/trove/pkg/errs"
	"github.com/toitlang/trove/pkg/files"
	"github.com/toitlang/trove/pkg/patch"
	"github.com/toitlang/trove/pkg/trove"
)

// CommitOptions configures Commit.
type CommitOptions struct {
	// Mirror commits troves the way another repository already accepted
	// them. Source names are not checked.
	Mirror bool
	// AllowIncomplete accepts troves with a schema newer than
	// trove.SchemaVersion. They are stored as incomplete.
	AllowIncomplete bool
	Callback        *CommitCallback
}

// CommitCallback observes a commit. Nil fields are skipped.
type CommitCallback struct {
	// CheckTrove is called for every new trove once the signature policy
	// of the repository accepted it. An error rejects the commit.
	CheckTrove func(t *trove.Trove) error
	// Restoring reports progress while contents are stored.
	Restoring func(done, total int)
}

func (c *CommitCallback) checkTrove(t *trove.Trove) error {
	if c == nil || c.CheckTrove == nil {
		return nil
	}
	return c.CheckTrove(t)
}

func (c *CommitCallback) restoring(done, total int) {
	if c != nil && c.Restoring != nil {
		c.Restoring(done, total)
	}
}

// CommitResult describes a successful commit.
type CommitResult struct {
	ID     string
	Troves []trove.Tuple
	Erased []trove.Tuple
	// Contents counts the contents stored by the commit; references to
	// contents that were already present are not counted.
	Contents int
}

type pendingTrove struct {
	trv *trove.Trove
	// old is the trove a relative change set was applied to.
	old *trove.Trove
}

type contentsItem struct {
	key     changeset.Key
	sha1    digest.Sha1
	oldSha1 digest.Sha1
}

func (c contentsItem) less(o contentsItem) bool {
	switch {
	case c.key.PathID != o.key.PathID:
		return c.key.PathID.Less(o.key.PathID)
	case c.key.FileID != o.key.FileID:
		return c.key.FileID.Less(o.key.FileID)
	case c.sha1 != o.sha1:
		return c.sha1.Less(o.sha1)
	}
	return c.oldSha1.Less(o.oldSha1)
}

type installItem struct {
	path string
	file *files.File
}

type removeItem struct {
	// path is empty when the file stays on disk.
	path string
	file *files.File
}

// commitPlan is everything a commit writes, computed before anything is
// written.
type commitPlan struct {
	troves  []pendingTrove
	removed []*trove.Trove
	erased  []*trove.Trove
	files   []*files.File
	config  []contentsItem
	normal  []contentsItem
	install []installItem
	remove  []removeItem

	// added lists the references a database commit took so far.
	added []digest.Sha1
}

func aborted(ctx context.Context) error {
	if ctx.Err() != nil {
		return &errs.AbortError{}
	}
	return nil
}

// Commit stores the troves, file streams and contents of cs, and erases
// its old troves. Either all troves of cs are committed or none are.
//
// In a database, files of committed troves are also installed below the
// root (see AsDatabase) and the files of replaced or erased troves are
// removed from it.
func (r *Repository) Commit(ctx context.Context, cs *changeset.ChangeSet, opts CommitOptions) (*CommitResult, error) {
	start := time.Now()
	id := uuid.New().String()
	log := r.log.WithField("commit", id)

	var result *CommitResult
	err := r.withCommitLock(ctx, func() error {
		var err error
		result, err = r.commit(ctx, cs, opts, id, log)
		return err
	})
	r.metrics.commitDuration.Observe(time.Since(start).Seconds())
	switch {
	case err == nil:
		r.metrics.commits.WithLabelValues("ok").Inc()
		r.metrics.trovesCommitted.Add(float64(len(result.Troves)))
		log.WithFields(logrus.Fields{
			"troves":   len(result.Troves),
			"erased":   len(result.Erased),
			"contents": result.Contents,
		}).Info("committed")
	case errs.IsExpectedCommitFailure(err):
		r.metrics.commits.WithLabelValues("rejected").Inc()
		log.Warnf("commit rejected: %v", err)
	default:
		r.metrics.commits.WithLabelValues("failed").Inc()
		log.Errorf("commit failed: %+v", err)
	}
	return result, err
}

func (r *Repository) commit(ctx context.Context, cs *changeset.ChangeSet, opts CommitOptions, id string, log logrus.FieldLogger) (*CommitResult, error) {
	var p *commitPlan
	err := r.idx.view(func(tx *indexTx) error {
		var err error
		p, err = r.plan(ctx, tx, cs, opts, log)
		return err
	})
	if err != nil {
		return nil, err
	}

	stored, err := r.storeContents(ctx, cs, p, opts)
	if err == nil {
		err = aborted(ctx)
	}
	if err == nil {
		err = r.idx.update(func(tx *indexTx) error { return r.writeIndex(tx, p, id) })
	}
	if err != nil {
		r.dropReferences(p.added, log)
		return nil, err
	}

	result := &CommitResult{ID: id, Contents: stored}
	for _, pt := range p.troves {
		result.Troves = append(result.Troves, pt.trv.Tuple())
	}
	for _, t := range p.removed {
		result.Troves = append(result.Troves, t.Tuple())
	}
	for _, t := range p.erased {
		result.Erased = append(result.Erased, t.Tuple())
	}

	if r.opts.database {
		if err := r.install(p, log); err != nil {
			return result, errors.Wrap(err, "installing files")
		}
	}
	return result, nil
}

// plan validates cs against the index and works out what to write.
func (r *Repository) plan(ctx context.Context, tx *indexTx, cs *changeset.ChangeSet, opts CommitOptions, log logrus.FieldLogger) (*commitPlan, error) {
	p := &commitPlan{}
	seen := map[files.FileID]*files.File{}
	names := sourceNames{}

	var removed []*trove.ChangeSet
	for _, tcs := range cs.NewTroves() {
		if err := aborted(ctx); err != nil {
			return nil, err
		}
		if tcs.IsRemoved() {
			removed = append(removed, tcs)
			continue
		}
		tup := tcs.NewTuple()
		if err := r.validateTuple(tx, tup); err != nil {
			return nil, err
		}
		pt, err := r.newTrove(tx, tcs, opts, log)
		if err != nil {
			return nil, err
		}
		if !opts.Mirror && !r.opts.database {
			if err := r.checkSourceName(tx, pt.trv, names); err != nil {
				return nil, err
			}
		}
		if err := r.checkSignatures(pt.trv, log); err != nil {
			return nil, err
		}
		if err := opts.Callback.checkTrove(pt.trv); err != nil {
			return nil, err
		}
		if err := r.planFiles(tx, cs, p, tcs, pt, seen); err != nil {
			return nil, err
		}
		p.troves = append(p.troves, pt)
	}

	// Removed troves are committed last. They have no files; an existing
	// trove of the same version is replaced.
	for _, tcs := range removed {
		tup := tcs.NewTuple()
		if !ValidTroveName(tup.Name) {
			return nil, &errs.InvalidTroveName{Name: tup.Name}
		}
		pt, err := r.newTrove(tx, tcs, opts, log)
		if err != nil {
			return nil, err
		}
		p.removed = append(p.removed, pt.trv)
	}

	for _, tup := range cs.OldTroves() {
		t, err := tx.getTrove(tup)
		if err != nil {
			return nil, err
		}
		if t == nil {
			return nil, &errs.TroveMissing{Name: tup.Name, Version: tup.Version.String(), Flavor: tup.Flavor.String()}
		}
		p.erased = append(p.erased, t)
		if !r.opts.database {
			continue
		}
		for _, ref := range t.Files() {
			f, err := tx.getFile(ref.PathID, ref.FileID)
			if err != nil {
				return nil, err
			}
			if f == nil {
				return nil, &errs.FileStreamMissing{FileID: ref.FileID.String()}
			}
			p.remove = append(p.remove, removeItem{path: ref.Path, file: f})
		}
	}
	return p, nil
}

// newTrove builds the trove a trove change set describes.
func (r *Repository) newTrove(tx *indexTx, tcs *trove.ChangeSet, opts CommitOptions, log logrus.FieldLogger) (pendingTrove, error) {
	var pt pendingTrove
	var err error
	if tcs.OldVersion().IsZero() {
		pt.trv, err = trove.FromChangeSet(tcs, false)
	} else {
		oldTup := tcs.OldTuple()
		pt.old, err = tx.getTrove(oldTup)
		if err == nil && pt.old == nil {
			err = &errs.TroveMissing{Name: oldTup.Name, Version: oldTup.Version.String(), Flavor: oldTup.Flavor.String()}
		}
		if err == nil {
			pt.trv = pt.old.Copy()
			err = pt.trv.ApplyChangeSet(tcs, false)
		}
	}
	if err != nil {
		return pt, err
	}

	t := pt.trv
	if t.IsIncomplete() {
		schema := int(t.Info.TroveVersion.Get())
		if schema > trove.SchemaVersion && !opts.AllowIncomplete {
			return pt, &errs.TroveSchemaError{Name: t.Name(), Version: schema, Max: trove.SchemaVersion}
		}
		log.WithField("trove", t.String()).Warn("storing trove with unknown trove info as incomplete")
	}
	if t.Digest().IsZero() {
		t.ComputeDigests()
	}
	return pt, nil
}

// fileObject returns the file object for fileID, from the streams of cs
// or the index.
func (r *Repository) fileObject(tx *indexTx, cs *changeset.ChangeSet, pathID files.PathID, fileID files.FileID, seen map[files.FileID]*files.File) (f *files.File, fromStream bool, err error) {
	if f, ok := seen[fileID]; ok {
		return f, false, nil
	}
	key, _, ok := cs.FindFileStream(fileID)
	if !ok {
		f, err := tx.getFile(pathID, fileID)
		if err != nil {
			return nil, false, err
		}
		if f == nil {
			return nil, false, &errs.FileStreamMissing{FileID: fileID.String()}
		}
		return f, false, nil
	}
	var base *files.File
	if !key.Old.IsZero() {
		if base, ok = seen[key.Old]; !ok {
			if base, err = tx.getFile(pathID, key.Old); err != nil {
				return nil, false, err
			}
		}
		if base == nil {
			return nil, false, &errs.FileStreamMissing{FileID: key.Old.String()}
		}
	}
	f, err = cs.NewFile(pathID, key.Old, fileID, base)
	if err != nil {
		return nil, false, err
	}
	seen[fileID] = f
	return f, true, nil
}

// planFiles collects the file streams and contents a new trove needs.
func (r *Repository) planFiles(tx *indexTx, cs *changeset.ChangeSet, p *commitPlan, tcs *trove.ChangeSet, pt pendingTrove, seen map[files.FileID]*files.File) error {
	refs := make([]trove.FileRef, 0, len(tcs.NewFiles())+len(tcs.ChangedFiles()))
	refs = append(refs, tcs.NewFiles()...)
	refs = append(refs, tcs.ChangedFiles()...)

	for _, changed := range refs {
		ref, ok := pt.trv.File(changed.PathID)
		if !ok {
			return &errs.TroveIntegrityError{Name: pt.trv.Name(), Version: pt.trv.Version().String(),
				Flavor: pt.trv.Flavor().String(), Msg: "changed file " + changed.PathID.String() + " is not part of the trove"}
		}
		f, fromStream, err := r.fileObject(tx, cs, ref.PathID, ref.FileID, seen)
		if err != nil {
			return err
		}
		if fromStream {
			p.files = append(p.files, f)
		}

		var oldFile *files.File
		oldPath := ""
		if pt.old != nil {
			if oldRef, ok := pt.old.File(ref.PathID); ok {
				if oldFile, _, err = r.fileObject(tx, cs, oldRef.PathID, oldRef.FileID, seen); err != nil {
					return err
				}
				oldPath = oldRef.Path
			}
		}

		if r.opts.database {
			p.install = append(p.install, installItem{path: ref.Path, file: f})
			if oldFile != nil {
				rm := removeItem{file: oldFile}
				if oldPath != ref.Path {
					rm.path = oldPath
				}
				p.remove = append(p.remove, rm)
			}
		}

		if !f.HasContents() || (f.Flags.IsEncapsulated() && !f.Flags.IsCapsuleOverride()) {
			continue
		}
		item := contentsItem{key: changeset.Key{PathID: ref.PathID, FileID: ref.FileID}, sha1: f.Sha1()}
		if oldFile != nil && oldFile.HasContents() {
			item.oldSha1 = oldFile.Sha1()
			// A file that turns into a config file is restored even with
			// unchanged contents, since config contents travel separately.
			sameConfig := f.Flags.IsConfig() == oldFile.Flags.IsConfig()
			if !r.opts.database && item.sha1 == item.oldSha1 && sameConfig {
				continue
			}
		}
		if f.Flags.IsConfig() {
			p.config = append(p.config, item)
		} else {
			p.normal = append(p.normal, item)
		}
	}

	if r.opts.database && pt.old != nil {
		for _, pathID := range tcs.OldFiles() {
			oldRef, ok := pt.old.File(pathID)
			if !ok {
				continue
			}
			oldFile, _, err := r.fileObject(tx, cs, oldRef.PathID, oldRef.FileID, seen)
			if err != nil {
				return err
			}
			p.remove = append(p.remove, removeItem{path: oldRef.Path, file: oldFile})
		}
	}
	return nil
}

// storeContents adds the contents of p to the store: whole files first,
// then ptr records, then config files.
func (r *Repository) storeContents(ctx context.Context, cs *changeset.ChangeSet, p *commitPlan, opts CommitOptions) (int, error) {
	sort.Slice(p.normal, func(i, j int) bool { return p.normal[i].less(p.normal[j]) })
	sort.Slice(p.config, func(i, j int) bool { return p.config[i].less(p.config[j]) })

	total := len(p.normal) + len(p.config)
	done, stored := 0, 0
	have := map[digest.Sha1]bool{}

	// present adds a reference in a database when the contents are
	// already stored.
	present := func(sha1 digest.Sha1) (bool, error) {
		ok := have[sha1]
		if !ok {
			var err error
			if ok, err = r.store.HasFile(sha1); err != nil {
				return false, err
			}
		}
		if !ok {
			return false, nil
		}
		if r.opts.database {
			if err := r.store.AddFileReference(sha1); err != nil {
				return false, err
			}
			p.added = append(p.added, sha1)
			r.metrics.contentsRestored.WithLabelValues("reference").Inc()
		}
		return true, nil
	}
	add := func(item contentsItem, c *changeset.Content, kind changeset.ContentType) error {
		var err error
		if c.Type == changeset.TypeDiff {
			err = r.addPatched(item, c)
		} else {
			err = r.addContents(c, item.sha1)
		}
		if err != nil {
			return err
		}
		if r.opts.database {
			p.added = append(p.added, item.sha1)
		}
		have[item.sha1] = true
		stored++
		r.metrics.contentsRestored.WithLabelValues(string(kind)).Inc()
		return nil
	}
	step := func() {
		done++
		opts.Callback.restoring(done, total)
	}

	var ptrs []contentsItem
	for _, item := range p.normal {
		if err := aborted(ctx); err != nil {
			return stored, err
		}
		ok, err := present(item.sha1)
		if err != nil {
			return stored, err
		}
		if ok {
			step()
			continue
		}
		c, err := cs.FileContents(item.key)
		if err != nil {
			return stored, r.contentsMissing(err, item)
		}
		switch c.Type {
		case changeset.TypePtr:
			ptrs = append(ptrs, item)
			continue
		case changeset.TypeDiff:
			return stored, &errs.CommitError{Msg: fmt.Sprintf("contents of %s were sent as a diff but it isn't a config file", item.key.PathID)}
		}
		if err := add(item, c, changeset.TypeFile); err != nil {
			return stored, err
		}
		step()
	}

	for _, item := range ptrs {
		ok, err := present(item.sha1)
		if err != nil {
			return stored, err
		}
		if !ok {
			c, err := cs.ResolveContents(item.key)
			if err != nil {
				return stored, r.contentsMissing(err, item)
			}
			if err := add(item, c, changeset.TypePtr); err != nil {
				return stored, err
			}
		}
		step()
	}

	for _, item := range p.config {
		if err := aborted(ctx); err != nil {
			return stored, err
		}
		ok, err := present(item.sha1)
		if err != nil {
			return stored, err
		}
		if !ok {
			c, err := cs.FileContents(item.key)
			if err != nil {
				return stored, r.contentsMissing(err, item)
			}
			kind := c.Type
			if c.Type == changeset.TypePtr {
				if c, err = cs.ResolveContents(item.key); err != nil {
					return stored, r.contentsMissing(err, item)
				}
			}
			if err := add(item, c, kind); err != nil {
				return stored, err
			}
		}
		step()
	}
	return stored, nil
}

func (r *Repository) contentsMissing(err error, item contentsItem) error {
	if errs.IsFileContentsMissing(err) {
		return &errs.FileContentsMissing{Sha1: item.sha1.String(), PathID: item.key.PathID.String()}
	}
	return err
}

func (r *Repository) addContents(c *changeset.Content, sha1 digest.Sha1) error {
	rc, err := c.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	return r.store.AddFile(rc, sha1, false)
}

// addPatched applies a config file diff to the stored old contents.
func (r *Repository) addPatched(item contentsItem, c *changeset.Content) error {
	if item.oldSha1.IsZero() {
		return &errs.CommitError{Msg: fmt.Sprintf("diff for %s has nothing to apply to", item.key.PathID)}
	}
	old, err := r.store.OpenFile(item.oldSha1)
	if err != nil {
		return err
	}
	oldData, err := io.ReadAll(old)
	old.Close()
	if err != nil {
		return err
	}
	diff, err := c.Bytes()
	if err != nil {
		return err
	}
	newData, err := patch.ApplyBytes(oldData, diff)
	if err != nil {
		var rejected *patch.RejectedError
		if errors.As(err, &rejected) {
			return &errs.CommitError{Msg: fmt.Sprintf("diff for %s does not apply to %s", item.key.PathID, item.oldSha1)}
		}
		return err
	}
	return r.store.AddFile(bytes.NewReader(newData), item.sha1, false)
}

// dropReferences gives back the references of a failed database commit.
func (r *Repository) dropReferences(added []digest.Sha1, log logrus.FieldLogger) {
	for _, sha1 := range added {
		if err := r.store.RemoveFile(sha1); err != nil {
			log.WithError(err).Warnf("dropping reference to %s", sha1)
		}
	}
}

func (r *Repository) writeIndex(tx *indexTx, p *commitPlan, id string) error {
	for _, f := range p.files {
		if tx.hasFile(f.FileID()) {
			continue
		}
		if err := tx.putFile(f); err != nil {
			return err
		}
	}
	for _, pt := range p.troves {
		tup := pt.trv.Tuple()
		if tx.hasTrove(tup) {
			return &errs.CommitError{Msg: fmt.Sprintf("version %s of %s is already present", tup.Version, tup.Name)}
		}
		if r.opts.database && pt.old != nil {
			if err := tx.delTrove(pt.old); err != nil {
				return err
			}
		}
		if err := tx.putTrove(pt.trv, id); err != nil {
			return err
		}
	}
	for _, t := range p.removed {
		if old, err := tx.getTrove(t.Tuple()); err != nil {
			return err
		} else if old != nil {
			if err := tx.delTrove(old); err != nil {
				return err
			}
		}
		if err := tx.putTrove(t, id); err != nil {
			return err
		}
	}
	for _, t := range p.erased {
		if err := tx.delTrove(t); err != nil {
			return err
		}
		if r.opts.database {
			continue
		}
		if err := tx.putTrove(tombstone(t), id); err != nil {
			return err
		}
	}

	// Read back what was written; a mismatch rolls the transaction back.
	for _, pt := range p.troves {
		tup := pt.trv.Tuple()
		got, err := tx.getTrove(tup)
		if err != nil {
			return err
		}
		if got == nil || !got.VerifyDigests() {
			return &errs.TroveIntegrityError{Name: tup.Name, Version: tup.Version.String(), Flavor: tup.Flavor.String(),
				Msg: "trove does not match its digest after commit"}
		}
	}
	return nil
}

// tombstone is what a repository keeps of an erased trove.
func tombstone(t *trove.Trove) *trove.Trove {
	ts := trove.New(t.Name(), t.Version(), t.Flavor())
	ts.SetType(trove.TypeRemoved)
	ts.ComputeDigests()
	return ts
}

// install updates the files below the root of a database after a commit
// and drops the references of removed files.
func (r *Repository) install(p *commitPlan, log logrus.FieldLogger) error {
	root := r.opts.root
	for _, rm := range p.remove {
		if rm.file.HasContents() {
			if err := r.store.RemoveFile(rm.file.Sha1()); err != nil {
				log.WithError(err).Warnf("dropping reference to %s", rm.file.Sha1())
			}
		}
		if root == "" || rm.path == "" {
			continue
		}
		target := filepath.Join(root, rm.path)
		if err := rm.file.Remove(target); err != nil && !errs.IsNotImplemented(err) {
			return err
		}
	}
	if root == "" {
		return nil
	}
	for _, in := range p.install {
		if err := r.installFile(root, in); err != nil {
			return err
		}
	}
	return nil
}

func (r *Repository) installFile(root string, in installItem) error {
	var contents io.Reader
	if in.file.HasContents() {
		rc, err := r.store.OpenFile(in.file.Sha1())
		if err != nil {
			return err
		}
		defer rc.Close()
		contents = rc
	}
	target := filepath.Join(root, in.path)
	return in.file.Restore(contents, root, target, files.RestoreOptions{Journal: r.opts.journal, Verify: true})
}

// EraseTrove erases a trove. A repository keeps a removed trove in its
// place; a database drops it with its files.
func (r *Repository) EraseTrove(ctx context.Context, tup trove.Tuple) error {
	cs := changeset.New()
	cs.AddOldTrove(tup)
	_, err := r.Commit(ctx, cs, CommitOptions{})
	return err
}
