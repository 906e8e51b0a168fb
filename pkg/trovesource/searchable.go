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

	"github.com/toitlang/trove/pkg/changeset"
	"github.com/toitlang/trove/pkg/deps"
	"github.com/toitlang/trove/pkg/errs"
	"github.com/toitlang/trove/pkg/files"
	"github.com/toitlang/trove/pkg/trove"
	"github.com/toitlang/trove/pkg/versions"
)

// Lister lists every tuple with a given name.
type Lister interface {
	TrovesByName(ctx context.Context, name string) ([]trove.Tuple, error)
}

// ListerFunc adapts a function to Lister.
type ListerFunc func(ctx context.Context, name string) ([]trove.Tuple, error)

func (f ListerFunc) TrovesByName(ctx context.Context, name string) ([]trove.Tuple, error) {
	return f(ctx, name)
}

// Searchable implements the queries of a Source on top of a Lister.
// The remaining capabilities return *errs.NotImplemented; sources embed
// it and override what they support.
type Searchable struct {
	mode   Mode
	lister Lister
}

// NewSearchable creates a Searchable in the given mode.
func NewSearchable(mode Mode, lister Lister) *Searchable {
	return &Searchable{mode: mode, lister: lister}
}

func (s *Searchable) Mode() Mode { return s.mode }

// SetMode switches between repository and database semantics.
func (s *Searchable) SetMode(m Mode) { s.mode = m }

func (s *Searchable) TroveVersionList(ctx context.Context, name string) ([]trove.Tuple, error) {
	tups, err := s.lister.TrovesByName(ctx, name)
	if err != nil {
		return nil, err
	}
	tups = append([]trove.Tuple(nil), tups...)
	sortNewestFirst(tups)
	return tups, nil
}

func (s *Searchable) Search(ctx context.Context, q Query, f Filter) (Matches, error) {
	result := Matches{}
	for name, reqs := range q {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		tups, err := s.lister.TrovesByName(ctx, name)
		if err != nil {
			return nil, err
		}
		if len(reqs) == 0 {
			result.add(tups...)
			continue
		}
		for _, req := range reqs {
			result.add(filterTuples(s.mode, tups, req, f)...)
		}
	}
	result.sort()
	return result, nil
}

func (s *Searchable) FileVersions(ctx context.Context, reqs []FileRequest) ([]*files.File, error) {
	return nil, &errs.NotImplemented{What: "file versions"}
}

func (s *Searchable) ResolveDependencies(ctx context.Context, label versions.Label, depSets []*deps.Set, leavesOnly bool) ([][][]trove.Tuple, error) {
	return nil, &errs.NotImplemented{What: "dependency resolution"}
}

func (s *Searchable) TrovesByPath(ctx context.Context, paths []string, labelPath []versions.Label) (map[string][]trove.Tuple, error) {
	return nil, &errs.NotImplemented{What: "path queries"}
}

// CreateChangeSet builds nothing and hands every job back.
func (s *Searchable) CreateChangeSet(ctx context.Context, jobs []trove.Job, opts changeset.BuildOptions) (*changeset.ChangeSet, []trove.Job, error) {
	return changeset.New(), jobs, nil
}

// matchFlavor scores a trove flavor against a query flavor in the
// given mode.
func matchFlavor(mode Mode, query, flavor *deps.Set) (int, bool) {
	flavor = flavorOrEmpty(flavor)
	if mode == AsDatabase {
		return flavor.ToStrong().Score(query)
	}
	return query.Score(flavor)
}

func flavorOrEmpty(f *deps.Set) *deps.Set {
	if f == nil {
		return deps.New()
	}
	return f
}

// preferenceIndex returns the position of the first preference whose
// instruction sets cover those of flavor. A flavor without instruction
// sets matches the first preference; len(prefs) means none matches.
func preferenceIndex(prefs []*deps.Set, flavor *deps.Set) int {
	if len(prefs) == 0 || flavor == nil {
		return 0
	}
	is := flavor.Deps(deps.ClassIs)
	if len(is) == 0 {
		return 0
	}
	for i, pref := range prefs {
		covered := true
		for _, d := range is {
			if !pref.HasDep(deps.ClassIs, d.Name) {
				covered = false
				break
			}
		}
		if covered {
			return i
		}
	}
	return len(prefs)
}

type candidate struct {
	tup   trove.Tuple
	score int
	pref  int
}

func requestMatches(kind SearchKind, req Request, tup trove.Tuple) bool {
	switch kind {
	case ByLabel:
		return req.Label.IsZero() || tup.Version.TrailingLabel() == req.Label
	case ByBranch:
		return tup.Version.OnBranch(req.Version)
	default:
		return tup.Version.Equal(req.Version)
	}
}

// groupKey names the bucket within which the version filter picks.
func groupKey(kind SearchKind, vf VersionFilter, tup trove.Tuple) string {
	switch {
	case vf == AllVersions || kind == ByVersion:
		return tup.Version.String()
	case vf == Leaves || kind == ByBranch:
		return tup.Version.Branch().String()
	}
	return tup.Version.TrailingLabel().String()
}

// filterTuples applies one request and the filter to every tuple of a
// name.
func filterTuples(mode Mode, tups []trove.Tuple, req Request, f Filter) []trove.Tuple {
	var selected []trove.Tuple
	for _, tup := range tups {
		if requestMatches(f.Kind, req, tup) {
			selected = append(selected, tup)
		}
	}
	if len(selected) == 0 {
		return nil
	}

	flavors := req.Flavors
	if len(flavors) == 0 || f.Flavors == AllFlavors {
		flavors = []*deps.Set{nil}
	}
	var result []trove.Tuple
	for _, query := range flavors {
		var order []string
		groups := map[string][]candidate{}
		for _, tup := range selected {
			c := candidate{tup: tup}
			switch {
			case query == nil:
			case f.Flavors == ExactFlavor:
				if !flavorOrEmpty(tup.Flavor).Equal(query) {
					continue
				}
			default:
				score, ok := matchFlavor(mode, query, tup.Flavor)
				if !ok {
					continue
				}
				c.score = score
			}
			if f.Flavors == BestFlavor {
				c.pref = preferenceIndex(f.Preferences, tup.Flavor)
			}
			key := groupKey(f.Kind, f.Versions, tup)
			if _, ok := groups[key]; !ok {
				order = append(order, key)
			}
			groups[key] = append(groups[key], c)
		}
		for _, key := range order {
			result = append(result, pick(groups[key], f.Flavors == BestFlavor && query != nil)...)
		}
	}
	return result
}

// pick chooses within one bucket: the candidates of the best preference,
// at the newest version they have, and of those the best scoring flavor
// if best is set.
func pick(cands []candidate, best bool) []trove.Tuple {
	minPref := cands[0].pref
	for _, c := range cands[1:] {
		if c.pref < minPref {
			minPref = c.pref
		}
	}
	var newest *candidate
	for i := range cands {
		c := &cands[i]
		if c.pref != minPref {
			continue
		}
		if newest == nil || c.tup.Version.Compare(newest.tup.Version) > 0 {
			newest = c
		}
	}

	var atNewest []candidate
	for _, c := range cands {
		if c.pref == minPref && c.tup.Version.Equal(newest.tup.Version) {
			atNewest = append(atNewest, c)
		}
	}
	if !best {
		result := make([]trove.Tuple, len(atNewest))
		for i, c := range atNewest {
			result[i] = c.tup
		}
		return result
	}
	winner := atNewest[0]
	for _, c := range atNewest[1:] {
		if c.score > winner.score ||
			(c.score == winner.score && flavorString(c.tup.Flavor) < flavorString(winner.tup.Flavor)) {
			winner = c
		}
	}
	return []trove.Tuple{winner.tup}
}

func flavorFilter(best bool) FlavorFilter {
	if best {
		return BestFlavor
	}
	return AvailFlavors
}

// LeavesByLabel returns the newest node of each branch on the requested
// labels.
func LeavesByLabel(ctx context.Context, src Source, q Query, best bool) (Matches, error) {
	return src.Search(ctx, q, Filter{Kind: ByLabel, Versions: Leaves, Flavors: flavorFilter(best)})
}

// LatestByLabel returns the newest node of each requested label.
func LatestByLabel(ctx context.Context, src Source, q Query, best bool) (Matches, error) {
	return src.Search(ctx, q, Filter{Kind: ByLabel, Versions: Latest, Flavors: flavorFilter(best)})
}

// VersionsByLabel returns every node on the requested labels.
func VersionsByLabel(ctx context.Context, src Source, q Query, best bool) (Matches, error) {
	return src.Search(ctx, q, Filter{Kind: ByLabel, Versions: AllVersions, Flavors: flavorFilter(best)})
}

// LeavesByBranch returns the newest node of each requested branch.
func LeavesByBranch(ctx context.Context, src Source, q Query, best bool) (Matches, error) {
	return src.Search(ctx, q, Filter{Kind: ByBranch, Versions: Leaves, Flavors: flavorFilter(best)})
}

// VersionsByBranch returns every node on the requested branches.
func VersionsByBranch(ctx context.Context, src Source, q Query, best bool) (Matches, error) {
	return src.Search(ctx, q, Filter{Kind: ByBranch, Versions: AllVersions, Flavors: flavorFilter(best)})
}

// VersionFlavors returns the flavors of the requested versions.
func VersionFlavors(ctx context.Context, src Source, q Query, best bool) (Matches, error) {
	return src.Search(ctx, q, Filter{Kind: ByVersion, Versions: AllVersions, Flavors: flavorFilter(best)})
}
