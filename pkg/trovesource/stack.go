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

	multierror "github.com/hashicorp/go-multierror"
	"github.com/toitlang/trove/pkg/changeset"
	"github.com/toitlang/trove/pkg/deps"
	"github.com/toitlang/trove/pkg/files"
	"github.com/toitlang/trove/pkg/trove"
	"github.com/toitlang/trove/pkg/versions"
)

// Stack consults its sources in order. Sources that can't be reached or
// don't implement a query are skipped; any other error is returned.
type Stack struct {
	sources []Source
}

var _ Source = (*Stack)(nil)

// NewStack creates a stack. Nested stacks are flattened and duplicate
// sources dropped.
func NewStack(sources ...Source) *Stack {
	s := &Stack{}
	for _, src := range sources {
		s.add(src)
	}
	return s
}

func (s *Stack) add(src Source) {
	if src == nil {
		return
	}
	if nested, ok := src.(*Stack); ok {
		for _, sub := range nested.sources {
			s.add(sub)
		}
		return
	}
	for _, have := range s.sources {
		if have == src {
			return
		}
	}
	s.sources = append(s.sources, src)
}

// Sources returns the stacked sources in order.
func (s *Stack) Sources() []Source { return append([]Source(nil), s.sources...) }

// Mode is the mode of the first source.
func (s *Stack) Mode() Mode {
	if len(s.sources) == 0 {
		return AsDatabase
	}
	return s.sources[0].Mode()
}

// each runs fn for every source. Capability errors are collected and
// returned only when no source succeeded.
func (s *Stack) each(fn func(Source) (done bool, err error)) error {
	var skipped error
	succeeded := false
	for _, src := range s.sources {
		done, err := fn(src)
		if err != nil {
			if isCapabilityError(err) {
				skipped = multierror.Append(skipped, err)
				continue
			}
			return err
		}
		succeeded = true
		if done {
			return nil
		}
	}
	if !succeeded && skipped != nil {
		return skipped
	}
	return nil
}

func (s *Stack) HasTroves(ctx context.Context, tups []trove.Tuple) ([]bool, error) {
	result := make([]bool, len(tups))
	err := s.each(func(src Source) (bool, error) {
		var idx []int
		var ask []trove.Tuple
		for i, tup := range tups {
			if !result[i] {
				idx = append(idx, i)
				ask = append(ask, tup)
			}
		}
		if len(ask) == 0 {
			return true, nil
		}
		present, err := src.HasTroves(ctx, ask)
		if err != nil {
			return false, err
		}
		for j, ok := range present {
			result[idx[j]] = ok
		}
		return false, nil
	})
	return result, err
}

func (s *Stack) GetTroves(ctx context.Context, tups []trove.Tuple, withFiles bool) ([]*trove.Trove, error) {
	result := make([]*trove.Trove, len(tups))
	err := s.each(func(src Source) (bool, error) {
		var idx []int
		var ask []trove.Tuple
		for i, tup := range tups {
			if result[i] == nil {
				idx = append(idx, i)
				ask = append(ask, tup)
			}
		}
		if len(ask) == 0 {
			return true, nil
		}
		found, err := src.GetTroves(ctx, ask, withFiles)
		if err != nil {
			return false, err
		}
		for j, t := range found {
			result[idx[j]] = t
		}
		return false, nil
	})
	return result, err
}

func (s *Stack) TroveVersionList(ctx context.Context, name string) ([]trove.Tuple, error) {
	all := Matches{}
	err := s.each(func(src Source) (bool, error) {
		tups, err := src.TroveVersionList(ctx, name)
		if err != nil {
			return false, err
		}
		all.add(tups...)
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	tups := all[name]
	sortNewestFirst(tups)
	return tups, nil
}

// Search answers each name from the first source that matches it.
func (s *Stack) Search(ctx context.Context, q Query, f Filter) (Matches, error) {
	result := Matches{}
	remaining := Query{}
	for name, reqs := range q {
		remaining[name] = reqs
	}
	err := s.each(func(src Source) (bool, error) {
		if len(remaining) == 0 {
			return true, nil
		}
		found, err := src.Search(ctx, remaining, f)
		if err != nil {
			return false, err
		}
		for name, tups := range found {
			if len(tups) > 0 {
				result.add(tups...)
				delete(remaining, name)
			}
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	result.sort()
	return result, nil
}

func (s *Stack) FileVersions(ctx context.Context, reqs []FileRequest) ([]*files.File, error) {
	result := make([]*files.File, len(reqs))
	err := s.each(func(src Source) (bool, error) {
		var idx []int
		var ask []FileRequest
		for i, req := range reqs {
			if result[i] == nil {
				idx = append(idx, i)
				ask = append(ask, req)
			}
		}
		if len(ask) == 0 {
			return true, nil
		}
		found, err := src.FileVersions(ctx, ask)
		if err != nil {
			return false, err
		}
		for j, f := range found {
			result[idx[j]] = f
		}
		return false, nil
	})
	return result, err
}

// ResolveDependencies takes, for every dependency, the providers of the
// first source that has any.
func (s *Stack) ResolveDependencies(ctx context.Context, label versions.Label, depSets []*deps.Set, leavesOnly bool) ([][][]trove.Tuple, error) {
	result := make([][][]trove.Tuple, len(depSets))
	err := s.each(func(src Source) (bool, error) {
		found, err := src.ResolveDependencies(ctx, label, depSets, leavesOnly)
		if err != nil {
			return false, err
		}
		for i := range found {
			if result[i] == nil {
				result[i] = found[i]
				continue
			}
			for j := range found[i] {
				if len(result[i][j]) == 0 {
					result[i][j] = found[i][j]
				}
			}
		}
		return false, nil
	})
	return result, err
}

func (s *Stack) TrovesByPath(ctx context.Context, paths []string, labelPath []versions.Label) (map[string][]trove.Tuple, error) {
	result := map[string][]trove.Tuple{}
	err := s.each(func(src Source) (bool, error) {
		found, err := src.TrovesByPath(ctx, paths, labelPath)
		if err != nil {
			return false, err
		}
		for path, tups := range found {
			if len(result[path]) == 0 {
				result[path] = tups
			}
		}
		return false, nil
	})
	return result, err
}

// CreateChangeSet lets every source build what it can of the jobs the
// sources before it left over, and merges the results.
func (s *Stack) CreateChangeSet(ctx context.Context, jobs []trove.Job, opts changeset.BuildOptions) (*changeset.ChangeSet, []trove.Job, error) {
	result := changeset.New()
	remaining := jobs
	err := s.each(func(src Source) (bool, error) {
		if len(remaining) == 0 {
			return true, nil
		}
		cs, rest, err := src.CreateChangeSet(ctx, remaining, opts)
		if err != nil {
			return false, err
		}
		if err := result.Merge(cs, changeset.MergeOptions{}); err != nil {
			return false, err
		}
		remaining = rest
		return false, nil
	})
	if err != nil {
		result.Close()
		return nil, nil, err
	}
	return result, remaining, nil
}
