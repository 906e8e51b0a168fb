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
	"github.com/toitlang/trove/pkg/files"
	"github.com/toitlang/trove/pkg/trove"
)

// MergeOptions configures Merge.
type MergeOptions struct {
	// LastWins lets an absolute file stream replace a relative one for
	// the same fileId, and the other way around.
	LastWins bool
}

// Merge adds the contents of other to cs. Trove change sets for the same
// transition coalesce, keeping the one with more file contents; file
// streams and contents of other replace those of cs. Two change sets for
// the same new trove from different old versions are an error, and cs
// is left unchanged. other must not be used afterwards, except to Close
// it.
func (cs *ChangeSet) Merge(other *ChangeSet, opts MergeOptions) error {
	for _, tcs := range other.newTroves {
		if existing, ok := cs.NewTrove(tcs.NewTuple()); ok && !existing.OldVersion().Equal(tcs.OldVersion()) {
			return errors.Errorf("merge has change sets of %s from %s and from %s",
				tcs.NewTuple(), oldName(existing), oldName(tcs))
		}
	}
	if err := cs.drain(); err != nil {
		return err
	}
	if err := other.drain(); err != nil {
		return err
	}
	if !opts.LastWins {
		for k := range other.fileStreams {
			for mine := range cs.fileStreams {
				if mine.New == k.New && mine.Old.IsZero() != k.Old.IsZero() {
					return errors.Errorf("merge has absolute and relative streams for fileId %s", k.New)
				}
			}
		}
	}

	for _, tcs := range other.newTroves {
		existing, ok := cs.NewTrove(tcs.NewTuple())
		if ok && cs.contentCount(existing) > other.contentCount(tcs) {
			continue
		}
		cs.AddNewTrove(tcs)
	}
	for _, p := range other.primary {
		dup := false
		for _, mine := range cs.primary {
			if mine.Equal(p) {
				dup = true
				break
			}
		}
		if !dup {
			cs.primary = append(cs.primary, p)
		}
	}
	for _, tup := range other.oldTroves {
		cs.AddOldTrove(tup)
	}
	for k, s := range other.fileStreams {
		cs.fileStreams[k] = s
	}
	for k, c := range other.contents {
		cs.contents[k] = c
	}
	cs.spool.adopt(other.spool)
	return nil
}

func oldName(tcs *trove.ChangeSet) string {
	if tcs.OldVersion().IsZero() {
		return "nothing"
	}
	return tcs.OldVersion().String()
}

// contentCount returns how many files of tcs have contents in cs.
func (cs *ChangeSet) contentCount(tcs *trove.ChangeSet) int {
	n := 0
	for _, refs := range [][]trove.FileRef{tcs.NewFiles(), tcs.ChangedFiles()} {
		for _, ref := range refs {
			if _, ok := cs.contents[Key{PathID: ref.PathID, FileID: ref.FileID}]; ok {
				n++
			}
		}
	}
	return n
}

// TroveChecker reports which troves are present.
type TroveChecker interface {
	HasTroves(ctx context.Context, tups []trove.Tuple) ([]bool, error)
}

// RemoveCommitted drops the troves repos already has, together with the
// file streams and contents only they needed. It returns whether any
// trove is left to commit.
func (cs *ChangeSet) RemoveCommitted(ctx context.Context, repos TroveChecker) (bool, error) {
	tups := make([]trove.Tuple, len(cs.newTroves))
	for i, tcs := range cs.newTroves {
		tups[i] = tcs.NewTuple()
	}
	present, err := repos.HasTroves(ctx, tups)
	if err != nil {
		return false, err
	}
	removed := false
	for i, tup := range tups {
		if present[i] {
			cs.DelNewTrove(tup)
			removed = true
		}
	}
	if removed {
		if err := cs.prune(); err != nil {
			return false, err
		}
	}
	return len(cs.newTroves) > 0, nil
}

// prune removes file streams and contents no trove change set refers to.
func (cs *ChangeSet) prune() error {
	if err := cs.drain(); err != nil {
		return err
	}
	wantedFiles := map[files.FileID]bool{}
	wantedKeys := map[Key]bool{}
	for _, tcs := range cs.newTroves {
		for _, refs := range [][]trove.FileRef{tcs.NewFiles(), tcs.ChangedFiles()} {
			for _, ref := range refs {
				wantedFiles[ref.FileID] = true
				wantedKeys[Key{PathID: ref.PathID, FileID: ref.FileID}] = true
			}
		}
	}
	for k := range cs.fileStreams {
		if !wantedFiles[k.New] {
			delete(cs.fileStreams, k)
		}
	}
	// Targets of kept ptrs stay.
	for k, c := range cs.contents {
		if wantedKeys[k] && c.Type == TypePtr {
			wantedKeys[c.Target] = true
		}
	}
	for k := range cs.contents {
		if !wantedKeys[k] {
			delete(cs.contents, k)
		}
	}
	return nil
}
