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

package changeset

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/toitlang/trove/pkg/digest"
	"github.com/toitlang/trove/pkg/errs"
	"github.com/toitlang/trove/pkg/files"
	"github.com/toitlang/trove/pkg/trove"
	"github.com/toitlang/trove/pkg/versions"
)

// Source provides the troves, file objects and contents change sets are
// built from.
type Source interface {
	GetTrove(ctx context.Context, tup trove.Tuple) (*trove.Trove, error)
	GetFile(ctx context.Context, pathID files.PathID, fileID files.FileID) (*files.File, error)
	// GetContents returns the uncompressed contents with the given sha1.
	GetContents(ctx context.Context, sha1 digest.Sha1) (Contents, error)
}

// BuildOptions configures Build.
type BuildOptions struct {
	// Recurse includes the change sets of referenced troves.
	Recurse bool
	// WithFiles includes file streams.
	WithFiles bool
	// WithFileContents includes file contents.
	WithFileContents bool
	// ExcludeCapsuleContents leaves out the contents of troves with a
	// capsule, except for files added to or overriding the capsule.
	ExcludeCapsuleContents bool
	// Mirror sends absolute file streams for every changed file.
	Mirror bool
	// AuthoritativeHosts limits the troves and files that are built;
	// everything on another host is returned as external. Empty means
	// every host.
	AuthoritativeHosts []string

	Log logrus.FieldLogger
}

func (o *BuildOptions) isExternal(v versions.Version) bool {
	if len(o.AuthoritativeHosts) == 0 || v.IsZero() {
		return false
	}
	host := v.TrailingLabel().Host
	for _, h := range o.AuthoritativeHosts {
		if h == host {
			return false
		}
	}
	return true
}

// External lists what Build didn't include because it lives on a host
// that isn't authoritative.
type External struct {
	Jobs  []trove.Job
	Files []trove.FileNeeded
}

// Build assembles the change set for jobs from src.
func Build(ctx context.Context, src Source, jobs []trove.Job, opts BuildOptions) (*ChangeSet, *External, error) {
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	cs := New()
	ext := &External{}
	seen := map[string]bool{}
	queue := append([]trove.Job(nil), jobs...)
	for _, job := range jobs {
		if job.IsErase() {
			cs.AddPrimary(job.OldTuple())
		} else {
			cs.AddPrimary(job.NewTuple())
		}
	}

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		job := queue[0]
		queue = queue[1:]
		if seen[job.Key()] {
			continue
		}
		seen[job.Key()] = true

		if job.IsErase() {
			cs.AddOldTrove(job.OldTuple())
			if !opts.Recurse {
				continue
			}
			old, err := src.GetTrove(ctx, job.OldTuple())
			if errs.IsTroveMissing(err) {
				continue
			}
			if err != nil {
				return nil, nil, err
			}
			for _, ref := range old.Troves() {
				queue = append(queue, trove.EraseJob(ref.Tuple))
			}
			continue
		}
		if opts.isExternal(job.NewVersion) {
			ext.Jobs = append(ext.Jobs, job)
			continue
		}

		newTrv, err := src.GetTrove(ctx, job.NewTuple())
		if err != nil {
			return nil, nil, err
		}
		var oldTrv *trove.Trove
		if !job.IsNew() {
			if oldTrv, err = src.GetTrove(ctx, job.OldTuple()); err != nil {
				return nil, nil, errors.Wrapf(err, "old trove of %s", job)
			}
		}
		tcs, needed, subJobs := newTrv.Diff(oldTrv, job.Absolute)
		cs.AddNewTrove(tcs)
		log.WithField("job", job.String()).Debug("built trove change set")

		if opts.Recurse {
			for _, sub := range subJobs {
				sub.Absolute = sub.Absolute || job.Absolute
				queue = append(queue, sub)
			}
		}
		if !opts.WithFiles {
			continue
		}
		capsule := newTrv.Info.Capsule.Get() != ""
		for _, fn := range needed {
			if err := buildFile(ctx, src, cs, ext, fn, capsule, &opts); err != nil {
				return nil, nil, err
			}
		}
	}
	return cs, ext, nil
}

func buildFile(ctx context.Context, src Source, cs *ChangeSet, ext *External, fn trove.FileNeeded, capsule bool, opts *BuildOptions) error {
	if opts.isExternal(fn.NewVersion) {
		ext.Files = append(ext.Files, fn)
		return nil
	}
	oldID := fn.OldFileID
	if oldID == fn.NewFileID && fn.OldVersion.Equal(fn.NewVersion) && !opts.Mirror {
		return nil
	}
	if opts.Mirror {
		oldID = files.FileID{}
	}
	newFile, err := src.GetFile(ctx, fn.PathID, fn.NewFileID)
	if err != nil {
		return err
	}
	var oldFile *files.File
	if !fn.OldFileID.IsZero() {
		if oldFile, err = src.GetFile(ctx, fn.PathID, fn.OldFileID); err != nil {
			return err
		}
	}
	streamBase := oldFile
	if oldID.IsZero() {
		streamBase = nil
	}
	stream, _ := FileChangeSet(streamBase, newFile)
	if _, ok := cs.FileStream(oldID, fn.NewFileID); !ok {
		cs.AddFileStream(oldID, fn.NewFileID, stream)
	}
	if !opts.WithFileContents {
		return nil
	}
	// Contents follow the real transition even for absolute streams.
	if _, needContents := FileChangeSet(oldFile, newFile); !needContents {
		return nil
	}
	if newFile.Flags.IsEncapsulated() && !newFile.Flags.IsCapsuleOverride() {
		return nil
	}
	if capsule && opts.ExcludeCapsuleContents &&
		!newFile.Flags.IsCapsuleAddition() && !newFile.Flags.IsCapsuleOverride() {
		return nil
	}

	newCont, err := src.GetContents(ctx, newFile.Sha1())
	if err != nil {
		return err
	}
	var oldCont Contents
	if ContentsUseDiff(oldFile, newFile) && !opts.Mirror {
		oldCont, err = src.GetContents(ctx, oldFile.Sha1())
		if err != nil && !errs.IsFileContentsMissing(err) {
			return err
		}
	}
	c, err := FileContentsDiff(oldFile, oldCont, newFile, newCont)
	if err != nil {
		return err
	}
	cs.AddFileContents(Key{PathID: fn.PathID, FileID: fn.NewFileID}, c)
	return nil
}
