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
	"sort"

	"github.com/toitlang/trove/pkg/errs"
	"github.com/toitlang/trove/pkg/files"
	"github.com/toitlang/trove/pkg/trove"
)

// WalkOptions configures WalkTroveSet.
type WalkOptions struct {
	WithFiles bool
	// IgnoreMissing skips referenced troves the source doesn't have.
	IgnoreMissing bool
	// ByDefaultOnly skips troves that are included but not installed by
	// default. Such a punchout hides the trove even where a nested
	// collection includes it by default.
	ByDefaultOnly bool
}

// WalkTroveSet calls fn for top and, depth first, for every trove it
// includes through strong references. Each trove is visited once.
func WalkTroveSet(ctx context.Context, src Source, top *trove.Trove, opts WalkOptions, fn func(*trove.Trove) error) error {
	seen := map[string]bool{}
	excluded := map[string]bool{}
	var walk func(t *trove.Trove) error
	walk = func(t *trove.Trove) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		seen[t.Tuple().Key()] = true
		if err := fn(t); err != nil {
			return err
		}
		refs := t.Troves()
		var next []trove.Tuple
		for _, ref := range refs {
			if opts.ByDefaultOnly && !ref.ByDefault {
				excluded[ref.Key()] = true
			}
		}
		for _, ref := range refs {
			key := ref.Key()
			if seen[key] || excluded[key] {
				continue
			}
			seen[key] = true
			next = append(next, ref.Tuple)
		}
		if len(next) == 0 {
			return nil
		}
		trvs, err := src.GetTroves(ctx, next, opts.WithFiles)
		if err != nil {
			return err
		}
		for i, sub := range trvs {
			if sub == nil {
				if opts.IgnoreMissing {
					continue
				}
				tup := next[i]
				return &errs.TroveMissing{Name: tup.Name, Version: tup.Version.String(), Flavor: flavorString(tup.Flavor)}
			}
			if err := walk(sub); err != nil {
				return err
			}
		}
		return nil
	}
	return walk(top)
}

// IterFilesOptions configures IterFilesInTrove.
type IterFilesOptions struct {
	SortByPath bool
	// WithFiles fetches the file objects; otherwise fn gets nil.
	WithFiles bool
}

// IterFilesInTrove calls fn for every file of the trove tup.
func IterFilesInTrove(ctx context.Context, src Source, tup trove.Tuple, opts IterFilesOptions, fn func(trove.FileRef, *files.File) error) error {
	trvs, err := src.GetTroves(ctx, []trove.Tuple{tup}, true)
	if err != nil {
		return err
	}
	if trvs[0] == nil {
		return &errs.TroveMissing{Name: tup.Name, Version: tup.Version.String(), Flavor: flavorString(tup.Flavor)}
	}
	refs := trvs[0].Files()
	if opts.SortByPath {
		sort.SliceStable(refs, func(i, j int) bool { return refs[i].Path < refs[j].Path })
	}
	objs := make([]*files.File, len(refs))
	if opts.WithFiles && len(refs) > 0 {
		reqs := make([]FileRequest, len(refs))
		for i, ref := range refs {
			reqs[i] = FileRequest{PathID: ref.PathID, FileID: ref.FileID, Version: ref.Version}
		}
		if objs, err = src.FileVersions(ctx, reqs); err != nil {
			return err
		}
	}
	for i, ref := range refs {
		if opts.WithFiles && objs[i] == nil {
			return &errs.FileStreamMissing{FileID: ref.FileID.String()}
		}
		if err := fn(ref, objs[i]); err != nil {
			return err
		}
	}
	return nil
}
