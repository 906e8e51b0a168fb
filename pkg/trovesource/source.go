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

// Package trovesource answers trove queries against repositories,
// installed databases and change set files through one interface, and
// implements findTroves on top of it.
package trovesource

import (
	"context"
	"sort"
	"strings"

	"github.com/toitlang/trove/pkg/changeset"
	"github.com/toitlang/trove/pkg/deps"
	"github.com/toitlang/trove/pkg/errs"
	"github.com/toitlang/trove/pkg/files"
	"github.com/toitlang/trove/pkg/trove"
	"github.com/toitlang/trove/pkg/versions"
)

// Mode decides how flavors match and which defaults findTroves uses.
type Mode int

const (
	// AsRepository requires a label, matches flavors strictly, and by
	// default returns leaves with the best flavor.
	AsRepository Mode = iota
	// AsDatabase doesn't need a label, compares the strong variants of
	// flavors, and returns every match.
	AsDatabase
)

func (m Mode) String() string {
	if m == AsDatabase {
		return "database"
	}
	return "repository"
}

// Source is the capability set shared by every trove source. Sources
// that can't answer a query return *errs.NotImplemented.
type Source interface {
	Mode() Mode
	HasTroves(ctx context.Context, tups []trove.Tuple) ([]bool, error)
	// GetTroves returns nil for troves that are missing.
	GetTroves(ctx context.Context, tups []trove.Tuple, withFiles bool) ([]*trove.Trove, error)
	// TroveVersionList lists every version and flavor of name.
	TroveVersionList(ctx context.Context, name string) ([]trove.Tuple, error)
	Search(ctx context.Context, q Query, f Filter) (Matches, error)
	FileVersions(ctx context.Context, reqs []FileRequest) ([]*files.File, error)
	// ResolveDependencies returns, for every dependency set, the troves
	// providing each of its dependencies.
	ResolveDependencies(ctx context.Context, label versions.Label, depSets []*deps.Set, leavesOnly bool) ([][][]trove.Tuple, error)
	TrovesByPath(ctx context.Context, paths []string, labelPath []versions.Label) (map[string][]trove.Tuple, error)
	// CreateChangeSet builds what it can of jobs and returns the jobs
	// it couldn't build.
	CreateChangeSet(ctx context.Context, jobs []trove.Job, opts changeset.BuildOptions) (*changeset.ChangeSet, []trove.Job, error)
}

// FileRequest names one version of a file.
type FileRequest struct {
	PathID  files.PathID
	FileID  files.FileID
	Version versions.Version
}

// SearchKind says which part of a Request selects versions.
type SearchKind int

const (
	ByLabel SearchKind = iota
	ByBranch
	ByVersion
)

// VersionFilter is the version axis of a Filter.
type VersionFilter int

const (
	// AllVersions keeps every version.
	AllVersions VersionFilter = iota
	// Latest keeps the newest node per label.
	Latest
	// Leaves keeps the newest node per branch.
	Leaves
)

// FlavorFilter is the flavor axis of a Filter.
type FlavorFilter int

const (
	// AllFlavors keeps every flavor.
	AllFlavors FlavorFilter = iota
	// AvailFlavors keeps the flavors the query flavor is satisfied by.
	AvailFlavors
	// BestFlavor keeps the highest scoring available flavor.
	BestFlavor
	// ExactFlavor keeps flavors equal to the query flavor.
	ExactFlavor
)

// Filter is the policy a Search applies.
type Filter struct {
	Kind     SearchKind
	Versions VersionFilter
	Flavors  FlavorFilter
	// Preferences is an ordered list of instruction set flavors. With
	// BestFlavor, a trove matching an earlier preference wins over newer
	// troves that only match a later one.
	Preferences []*deps.Set
}

// Request selects versions of a trove. Label is used by ByLabel
// searches (the zero label matches every label), Version by ByBranch
// and ByVersion searches. Nil Flavors matches any flavor.
type Request struct {
	Label   versions.Label
	Version versions.Version
	Flavors []*deps.Set
}

// Query maps trove names to requests. A name without requests matches
// every version of the trove.
type Query map[string][]Request

// Add appends a request for name.
func (q Query) Add(name string, req Request) {
	q[name] = append(q[name], req)
}

// Matches maps trove names to the tuples found.
type Matches map[string][]trove.Tuple

func (m Matches) add(tups ...trove.Tuple) {
	for _, tup := range tups {
		dup := false
		for _, have := range m[tup.Name] {
			if have.Key() == tup.Key() {
				dup = true
				break
			}
		}
		if !dup {
			m[tup.Name] = append(m[tup.Name], tup)
		}
	}
}

func (m Matches) merge(o Matches) {
	for _, tups := range o {
		m.add(tups...)
	}
}

// sort orders every entry newest first, then by flavor.
func (m Matches) sort() {
	for _, tups := range m {
		sortNewestFirst(tups)
	}
}

// Tuples returns every match, sorted by name and then newest first.
func (m Matches) Tuples() []trove.Tuple {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	var result []trove.Tuple
	for _, name := range names {
		tups := append([]trove.Tuple(nil), m[name]...)
		sortNewestFirst(tups)
		result = append(result, tups...)
	}
	return result
}

func flavorString(f *deps.Set) string {
	if f == nil {
		return ""
	}
	return f.String()
}

// sortNewestFirst is the total order used whenever troves tie: the newer
// version wins, then the lexicographically smaller flavor.
func sortNewestFirst(tups []trove.Tuple) {
	sort.SliceStable(tups, func(i, j int) bool {
		if c := tups[i].Version.Compare(tups[j].Version); c != 0 {
			return c > 0
		}
		return flavorString(tups[i].Flavor) < flavorString(tups[j].Flavor)
	})
}

// isCapabilityError reports errors after which the next source of a
// stack is consulted.
func isCapabilityError(err error) bool {
	return errs.IsOpenError(err) || errs.IsNotImplemented(err)
}

func joinLabels(labels []versions.Label) string {
	strs := make([]string, len(labels))
	for i, l := range labels {
		strs[i] = l.String()
	}
	return strings.Join(strs, ", ")
}
