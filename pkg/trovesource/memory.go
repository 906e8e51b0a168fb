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
	"sync"

	"github.com/toitlang/trove/pkg/changeset"
	"github.com/toitlang/trove/pkg/deps"
	"github.com/toitlang/trove/pkg/trove"
	"github.com/toitlang/trove/pkg/versions"
)

// Memory is a trove source over troves held in memory.
type Memory struct {
	*Searchable

	mu     sync.RWMutex
	troves map[string]*trove.Trove
	byName map[string][]trove.Tuple
}

var _ Source = (*Memory)(nil)

// NewMemory creates a source holding troves.
func NewMemory(mode Mode, troves ...*trove.Trove) *Memory {
	m := &Memory{
		troves: map[string]*trove.Trove{},
		byName: map[string][]trove.Tuple{},
	}
	m.Searchable = NewSearchable(mode, m)
	for _, t := range troves {
		m.Add(t)
	}
	return m
}

// Add stores a copy of t, replacing an earlier trove with the same tuple.
func (m *Memory) Add(t *trove.Trove) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tup := t.Tuple()
	if _, ok := m.troves[tup.Key()]; !ok {
		m.byName[tup.Name] = append(m.byName[tup.Name], tup)
	}
	m.troves[tup.Key()] = t.Copy()
}

func (m *Memory) TrovesByName(ctx context.Context, name string) ([]trove.Tuple, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]trove.Tuple(nil), m.byName[name]...), nil
}

func (m *Memory) HasTroves(ctx context.Context, tups []trove.Tuple) ([]bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]bool, len(tups))
	for i, tup := range tups {
		_, result[i] = m.troves[tup.Key()]
	}
	return result, nil
}

func (m *Memory) GetTroves(ctx context.Context, tups []trove.Tuple, withFiles bool) ([]*trove.Trove, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*trove.Trove, len(tups))
	for i, tup := range tups {
		if t, ok := m.troves[tup.Key()]; ok {
			result[i] = t.Copy()
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

// NewestOnBranch keeps the newest tuple of each name and branch, in
// first-seen order.
func NewestOnBranch(tups []trove.Tuple) []trove.Tuple {
	newest := map[string]trove.Tuple{}
	var order []string
	for _, tup := range tups {
		key := tup.Name + "=" + tup.Version.Branch().String()
		have, ok := newest[key]
		if !ok {
			order = append(order, key)
		}
		if !ok || tup.Version.Compare(have.Version) > 0 {
			newest[key] = tup
		}
	}
	result := make([]trove.Tuple, len(order))
	for i, key := range order {
		result[i] = newest[key]
	}
	return result
}

func (m *Memory) TrovesByPath(ctx context.Context, paths []string, labelPath []versions.Label) (map[string][]trove.Tuple, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := map[string][]trove.Tuple{}
	for _, path := range paths {
		var found []trove.Tuple
		for _, t := range m.troves {
			if !onLabelPath(t.Version(), labelPath) {
				continue
			}
			for _, ref := range t.Files() {
				if ref.Path == path {
					found = append(found, t.Tuple())
					break
				}
			}
		}
		sort.Slice(found, func(i, j int) bool { return found[i].Less(found[j]) })
		result[path] = found
	}
	return result, nil
}

func (m *Memory) ResolveDependencies(ctx context.Context, label versions.Label, depSets []*deps.Set, leavesOnly bool) ([][][]trove.Tuple, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([][][]trove.Tuple, len(depSets))
	for i, set := range depSets {
		result[i] = ResolveSet(set, leavesOnly, func(single *deps.Set) []trove.Tuple {
			var found []trove.Tuple
			for _, t := range m.troves {
				if !label.IsZero() && t.Version().TrailingLabel() != label {
					continue
				}
				if t.Provides().Satisfies(single) {
					found = append(found, t.Tuple())
				}
			}
			return found
		})
	}
	return result, nil
}

// ResolveSet calls providers once per dependency of set, in class order,
// and returns the providers of each dependency newest first. With
// leavesOnly set, only the newest provider on each branch is kept.
func ResolveSet(set *deps.Set, leavesOnly bool, providers func(single *deps.Set) []trove.Tuple) [][]trove.Tuple {
	var result [][]trove.Tuple
	for _, class := range set.Classes() {
		for _, dep := range set.Deps(class) {
			single := deps.New()
			single.MustAddDep(class, dep)
			found := providers(single)
			if leavesOnly {
				found = NewestOnBranch(found)
			}
			sortNewestFirst(found)
			result = append(result, found)
		}
	}
	return result
}

// CreateChangeSet builds trove change sets without files; jobs that need
// files are handed back.
func (m *Memory) CreateChangeSet(ctx context.Context, jobs []trove.Job, opts changeset.BuildOptions) (*changeset.ChangeSet, []trove.Job, error) {
	if opts.WithFiles || opts.WithFileContents {
		return changeset.New(), jobs, nil
	}
	return troveDiffs(ctx, m, jobs, opts)
}
