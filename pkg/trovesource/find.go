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
	"fmt"
	"strings"

	multierror "github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"github.com/toitlang/trove/pkg/deps"
	"github.com/toitlang/trove/pkg/errs"
	"github.com/toitlang/trove/pkg/trove"
	"github.com/toitlang/trove/pkg/versions"
)

// Spec is a user supplied trove specification: name[=version][[flavor]].
// Version may be empty, a full version or branch, a label or a part of
// one (@ns:tag, :tag, host@), optionally followed by /revision, a
// revision, or an upstream version. A name starting with '/' is a path.
type Spec struct {
	Name    string
	Version string
	Flavor  *deps.Set
}

// ParseSpec parses name[=version][[flavor]].
func ParseSpec(str string) (Spec, error) {
	var spec Spec
	if i := strings.Index(str, "["); i > 0 && strings.HasSuffix(str, "]") {
		flavor, err := deps.ParseFlavor(str[i+1 : len(str)-1])
		if err != nil {
			return spec, err
		}
		if strings.Contains(str[i+1:len(str)-1], "[") {
			return spec, errs.Parsef("bad trove spec %s", str)
		}
		spec.Flavor = flavor
		str = str[:i]
	}
	parts := strings.Split(str, "=")
	switch len(parts) {
	case 1:
	case 2:
		spec.Version = parts[1]
	default:
		return spec, errs.Parsef("too many ='s in %s", str)
	}
	spec.Name = parts[0]
	if spec.Name == "" {
		return spec, errs.Parsef("missing trove name in %s", str)
	}
	return spec, nil
}

// MustParseSpec is like ParseSpec but panics on error.
func MustParseSpec(str string) Spec {
	spec, err := ParseSpec(str)
	if err != nil {
		panic(err)
	}
	return spec
}

func (s Spec) String() string {
	str := s.Name
	if s.Version != "" {
		str += "=" + s.Version
	}
	if s.Flavor != nil {
		str += "[" + s.Flavor.String() + "]"
	}
	return str
}

// FindOptions configures FindTroves.
type FindOptions struct {
	LabelPath []versions.Label
	// DefaultFlavors is the flavor path. A spec's flavor overrides each
	// of them.
	DefaultFlavors    []*deps.Set
	FlavorPreferences []*deps.Set
	// Affinity is typically the installed database. The troves it has
	// of a name steer which branches and flavors are searched.
	Affinity Source
	// AcrossLabels returns a match for every label of the path instead
	// of the first label that matches. Databases always search across
	// labels.
	AcrossLabels bool
	// AcrossFlavors searches every flavor of the flavor path at once
	// instead of stopping at the first that matches.
	AcrossFlavors bool
	// AllowMissing drops unmatched specs instead of failing.
	AllowMissing bool
	// AllVersions returns every version on a repository instead of
	// leaves. Databases always return every version.
	AllVersions bool
	// AllFlavors returns every matching flavor on a repository instead
	// of the best one.
	AllFlavors bool

	Log logrus.FieldLogger
}

// Results maps the specs passed to FindTroves to their matches.
type Results map[Spec][]trove.Tuple

// FindTroves resolves specs against src. On a stack, every source
// gets the specs the sources before it didn't match.
func FindTroves(ctx context.Context, src Source, specs []Spec, opts FindOptions) (Results, error) {
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	if st, ok := src.(*Stack); ok && len(st.sources) > 0 {
		return st.findTroves(ctx, specs, opts)
	}
	return newFinder(src, opts).findAll(ctx, specs)
}

// FindTrove resolves a single spec.
func FindTrove(ctx context.Context, src Source, spec Spec, opts FindOptions) ([]trove.Tuple, error) {
	res, err := FindTroves(ctx, src, []Spec{spec}, opts)
	if err != nil {
		return nil, err
	}
	return res[spec], nil
}

func (s *Stack) findTroves(ctx context.Context, specs []Spec, opts FindOptions) (Results, error) {
	results := Results{}
	remaining := specs
	var skipped error
	for i, src := range s.sources {
		if len(remaining) == 0 {
			break
		}
		o := opts
		if i < len(s.sources)-1 {
			o.AllowMissing = true
		}
		res, err := newFinder(src, o).findAll(ctx, remaining)
		if isCapabilityError(err) {
			opts.Log.WithError(err).Debug("skipping trove source")
			skipped = multierror.Append(skipped, err)
			continue
		}
		if err != nil {
			return nil, err
		}
		var rest []Spec
		for _, spec := range remaining {
			if tups, ok := res[spec]; ok {
				results[spec] = tups
			} else {
				rest = append(rest, spec)
			}
		}
		remaining = rest
	}
	if len(remaining) > 0 && !opts.AllowMissing {
		msgs := make([]string, len(remaining))
		for i, spec := range remaining {
			msgs[i] = fmt.Sprintf("%s was not found", spec)
		}
		if skipped != nil {
			return nil, multierror.Append(skipped, notFound(msgs))
		}
		return nil, notFound(msgs)
	}
	return results, nil
}

func notFound(msgs []string) error {
	if len(msgs) == 1 {
		return &errs.TroveNotFound{Msg: msgs[0]}
	}
	return &errs.TroveNotFound{Msg: fmt.Sprintf("%d troves not found:\n%s", len(msgs), strings.Join(msgs, "\n"))}
}

type finder struct {
	src  Source
	opts FindOptions

	leaves       bool
	best         bool
	allowNoLabel bool
	acrossLabels bool
}

func newFinder(src Source, opts FindOptions) *finder {
	f := &finder{src: src, opts: opts, acrossLabels: opts.AcrossLabels}
	if src.Mode() == AsDatabase {
		f.allowNoLabel = true
		f.acrossLabels = true
	} else {
		f.leaves = !opts.AllVersions
		f.best = !opts.AllFlavors
	}
	return f
}

func (f *finder) findAll(ctx context.Context, specs []Spec) (Results, error) {
	results := Results{}
	var missing []string
	for _, spec := range specs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if _, done := results[spec]; done {
			continue
		}
		tups, found, msg, err := f.find(ctx, spec)
		if err != nil {
			return nil, err
		}
		if !found {
			missing = append(missing, msg)
			continue
		}
		f.opts.Log.WithField("spec", spec.String()).WithField("matches", len(tups)).Debug("found troves")
		results[spec] = tups
	}
	if len(missing) > 0 && !f.opts.AllowMissing {
		return nil, notFound(missing)
	}
	return results, nil
}

type versionStrType int

const (
	versionNone versionStrType = iota
	versionFull
	versionBranch
	versionLabel
	versionBranchName
	versionTag
	versionHost
	versionRevision
	versionUpstream
)

func classifyVersion(spec Spec) (versionStrType, error) {
	vs := spec.Version
	switch {
	case vs == "":
		return versionNone, nil
	case vs[0] == '/':
		v, err := versions.Parse(vs)
		if err != nil {
			return 0, &errs.TroveNotFound{Msg: err.Error()}
		}
		if v.IsBranch() {
			return versionBranch, nil
		}
		return versionFull, nil
	}
	slashes := strings.Count(vs, "/")
	prefix := strings.SplitN(vs, "/", 2)[0]
	switch {
	case slashes > 1:
		return 0, &errs.TroveNotFound{Msg: fmt.Sprintf("incomplete version string %s not allowed", vs)}
	case vs[0] == '@':
		return versionBranchName, nil
	case vs[0] == ':':
		return versionTag, nil
	case strings.HasSuffix(prefix, "@"):
		return versionHost, nil
	case strings.Contains(vs, "@"):
		return versionLabel, nil
	case slashes > 0:
		return 0, &errs.TroveNotFound{Msg: fmt.Sprintf("Illegal version prefix %s for %s", vs, spec.Name)}
	case strings.ContainsAny(vs, " ,"):
		return 0, errs.Parsef("%s requests illegal version/revision %s", spec.Name, vs)
	case strings.Contains(vs, "-"):
		if _, err := versions.ParseRevision(vs); err != nil {
			return 0, &errs.TroveNotFound{Msg: err.Error()}
		}
		return versionRevision, nil
	}
	return versionUpstream, nil
}

// revisionMatches compares the leading parts of the trailing revision
// of v with query.
func revisionMatches(query string, v versions.Version) bool {
	have := strings.Split(v.TrailingRevision().String(), "-")
	want := strings.Split(query, "-")
	if len(want) > len(have) {
		return false
	}
	for i := range want {
		if want[i] != have[i] {
			return false
		}
	}
	return true
}

// find returns found=false with a message when spec matched nothing.
func (f *finder) find(ctx context.Context, spec Spec) ([]trove.Tuple, bool, string, error) {
	if strings.HasPrefix(spec.Name, "/") {
		tups, err := f.byPath(ctx, spec)
		if err != nil {
			return nil, false, "", err
		}
		return tups, len(tups) > 0, fmt.Sprintf("no trove contains %s", spec.Name), nil
	}

	typ, err := classifyVersion(spec)
	if err != nil {
		return nil, false, "", err
	}
	affinity, err := f.affinityTroves(ctx, spec.Name)
	if err != nil {
		return nil, false, "", err
	}
	useAffinity := spec.Flavor == nil && len(affinity) > 0

	switch typ {
	case versionNone:
		if len(affinity) > 0 && !f.acrossLabels {
			return f.byAffinityBranches(ctx, spec, affinity, f.branchFilter(), nil)
		}
		labels, err := f.labelPath(ctx, spec.Name)
		if err != nil {
			return nil, false, "", err
		}
		return f.byLabelPath(ctx, spec, labels, affinity, nil)

	case versionFull, versionBranch:
		v, _ := versions.Parse(spec.Version)
		flavors, err := f.flavorList(spec.Flavor)
		if err != nil {
			return nil, false, "", err
		}
		if useAffinity {
			if flavors, err = f.affinityFlavors(sharedFlavor(affinity)); err != nil {
				return nil, false, "", err
			}
		}
		filter := Filter{Kind: ByVersion, Versions: AllVersions}
		msg := fmt.Sprintf("version %s of %s was not found", spec.Version, spec.Name)
		if typ == versionBranch {
			filter = Filter{Kind: ByBranch, Versions: f.branchFilter()}
			msg = fmt.Sprintf("%s was not found on branch %s", spec.Name, spec.Version)
		}
		tups, err := f.withFlavors(ctx, spec.Name, filter, Request{Version: v}, flavors, nil)
		if err != nil {
			return nil, false, "", err
		}
		return tups, len(tups) > 0, msg, nil

	case versionLabel, versionBranchName, versionTag, versionHost:
		labelStr := strings.SplitN(spec.Version, "/", 2)[0]
		var labels []versions.Label
		if typ == versionLabel {
			l, err := versions.ParseLabel(labelStr)
			if err != nil {
				return nil, false, "", &errs.TroveNotFound{Msg: fmt.Sprintf("invalid version %s", spec.Version)}
			}
			labels = []versions.Label{l}
		} else {
			path, err := f.labelPath(ctx, spec.Name)
			if err != nil {
				return nil, false, "", err
			}
			if labels, err = rewriteLabels(typ, labelStr, path); err != nil {
				return nil, false, "", err
			}
		}
		var match func(trove.Tuple) bool
		if i := strings.Index(spec.Version, "/"); i >= 0 {
			rev := spec.Version[i+1:]
			match = func(tup trove.Tuple) bool { return revisionMatches(rev, tup.Version) }
		}
		return f.byLabelPath(ctx, spec, labels, affinity, match)
	}

	// A revision or upstream version.
	match := func(tup trove.Tuple) bool { return revisionMatches(spec.Version, tup.Version) }
	if useAffinity {
		return f.byAffinityBranches(ctx, spec, affinity, AllVersions, match)
	}
	labels, err := f.labelPath(ctx, spec.Name)
	if err != nil {
		return nil, false, "", err
	}
	return f.byLabelPath(ctx, spec, labels, nil, match)
}

func (f *finder) branchFilter() VersionFilter {
	if f.leaves {
		return Leaves
	}
	return AllVersions
}

func rewriteLabels(typ versionStrType, str string, path []versions.Label) ([]versions.Label, error) {
	var labels []versions.Label
	seen := map[versions.Label]bool{}
	for _, l := range path {
		var full string
		switch typ {
		case versionBranchName:
			full = l.Host + str
		case versionTag:
			full = l.Host + "@" + l.Namespace + str
		default:
			full = str + l.Namespace + ":" + l.Tag
		}
		nl, err := versions.ParseLabel(full)
		if err != nil {
			return nil, &errs.TroveNotFound{Msg: fmt.Sprintf("invalid version %s", str)}
		}
		if !seen[nl] {
			seen[nl] = true
			labels = append(labels, nl)
		}
	}
	return labels, nil
}

// labelPath returns the configured label path. Without one, databases
// search the labels the trove has been seen on.
func (f *finder) labelPath(ctx context.Context, name string) ([]versions.Label, error) {
	if len(f.opts.LabelPath) > 0 {
		return f.opts.LabelPath, nil
	}
	if !f.allowNoLabel {
		return nil, &errs.TroveNotFound{Msg: fmt.Sprintf(
			"No search label path given and no label specified for trove %s - set the installLabelPath", name)}
	}
	tups, err := f.src.TroveVersionList(ctx, name)
	if err != nil {
		return nil, err
	}
	var labels []versions.Label
	seen := map[versions.Label]bool{}
	for _, tup := range tups {
		l := tup.Version.TrailingLabel()
		if !seen[l] {
			seen[l] = true
			labels = append(labels, l)
		}
	}
	return labels, nil
}

func (f *finder) affinityTroves(ctx context.Context, name string) ([]trove.Tuple, error) {
	if f.opts.Affinity == nil {
		return nil, nil
	}
	tups, err := f.opts.Affinity.TroveVersionList(ctx, name)
	if isCapabilityError(err) {
		return nil, nil
	}
	return tups, err
}

// sharedFlavor returns the flavor every tuple has, or nil.
func sharedFlavor(tups []trove.Tuple) *deps.Set {
	if len(tups) == 0 {
		return nil
	}
	shared := flavorOrEmpty(tups[0].Flavor)
	for _, tup := range tups[1:] {
		if !flavorOrEmpty(tup.Flavor).Equal(shared) {
			return nil
		}
	}
	return shared
}

// flavorList overrides every default flavor with flavor. Nil means any
// flavor.
func (f *finder) flavorList(flavor *deps.Set) ([]*deps.Set, error) {
	if flavor == nil {
		return f.opts.DefaultFlavors, nil
	}
	return overrideAll(f.opts.DefaultFlavors, flavor, deps.MergeOverride)
}

// affinityFlavors is flavorList for an installed flavor, which only
// fills in preferences.
func (f *finder) affinityFlavors(flavor *deps.Set) ([]*deps.Set, error) {
	if flavor == nil {
		return f.opts.DefaultFlavors, nil
	}
	return overrideAll(f.opts.DefaultFlavors, flavor, deps.MergePrefs)
}

func overrideAll(defaults []*deps.Set, flavor *deps.Set, mergeType deps.MergeType) ([]*deps.Set, error) {
	if len(defaults) == 0 {
		return []*deps.Set{flavor}, nil
	}
	result := make([]*deps.Set, 0, len(defaults))
	for _, d := range defaults {
		o, err := deps.OverrideFlavor(d, flavor, mergeType)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, nil
}

func (f *finder) filter(kind SearchKind, vf VersionFilter) Filter {
	filter := Filter{Kind: kind, Versions: vf, Flavors: AvailFlavors}
	if f.best {
		filter.Flavors = BestFlavor
		filter.Preferences = f.opts.FlavorPreferences
	}
	return filter
}

func (f *finder) search(ctx context.Context, name string, filter Filter, req Request, match func(trove.Tuple) bool) ([]trove.Tuple, error) {
	full := f.filter(filter.Kind, filter.Versions)
	res, err := f.src.Search(ctx, Query{name: {req}}, full)
	if err != nil {
		return nil, err
	}
	tups := res[name]
	if match == nil {
		return tups, nil
	}
	var kept []trove.Tuple
	for _, tup := range tups {
		if match(tup) {
			kept = append(kept, tup)
		}
	}
	if f.leaves && len(kept) > 0 {
		kept = newestVersion(kept)
	}
	return kept, nil
}

// newestVersion keeps the tuples sharing the newest version.
func newestVersion(tups []trove.Tuple) []trove.Tuple {
	newest := tups[0].Version
	for _, tup := range tups[1:] {
		if tup.Version.Compare(newest) > 0 {
			newest = tup.Version
		}
	}
	var result []trove.Tuple
	for _, tup := range tups {
		if tup.Version.Equal(newest) {
			result = append(result, tup)
		}
	}
	return result
}

// withFlavors searches with every flavor at once, or one flavor after
// the other until one matches.
func (f *finder) withFlavors(ctx context.Context, name string, filter Filter, req Request, flavors []*deps.Set, match func(trove.Tuple) bool) ([]trove.Tuple, error) {
	if f.opts.AcrossFlavors || len(flavors) <= 1 {
		req.Flavors = flavors
		return f.search(ctx, name, filter, req, match)
	}
	for _, flavor := range flavors {
		req.Flavors = []*deps.Set{flavor}
		tups, err := f.search(ctx, name, filter, req, match)
		if err != nil || len(tups) > 0 {
			return tups, err
		}
	}
	return nil, nil
}

type labelQuery struct {
	label   versions.Label
	flavors []*deps.Set
}

// byLabelPath searches the labels in order. Without AcrossLabels the
// first label with a match wins; with it, every label may contribute
// one match.
func (f *finder) byLabelPath(ctx context.Context, spec Spec, labels []versions.Label, affinity []trove.Tuple, match func(trove.Tuple) bool) ([]trove.Tuple, bool, string, error) {
	msg := fmt.Sprintf("%s was not found", spec.Name)
	if len(labels) > 0 {
		msg = fmt.Sprintf("%s was not found on path %s", spec.Name, joinLabels(labels))
	}
	vf := f.branchFilter()
	if match != nil {
		vf = AllVersions
	}

	flavorsFor := func(l versions.Label) ([]*deps.Set, error) {
		if spec.Flavor != nil || len(affinity) == 0 {
			return f.flavorList(spec.Flavor)
		}
		var onLabel []trove.Tuple
		for _, tup := range affinity {
			if tup.Version.TrailingLabel() == l {
				onLabel = append(onLabel, tup)
			}
		}
		return f.affinityFlavors(sharedFlavor(onLabel))
	}

	var queries [][]labelQuery
	if f.acrossLabels && !f.opts.AcrossFlavors {
		// One round per flavor, each over every label.
		maxFlavors := 1
		perLabel := make([][]*deps.Set, len(labels))
		for i, l := range labels {
			fl, err := flavorsFor(l)
			if err != nil {
				return nil, false, "", err
			}
			perLabel[i] = fl
			if len(fl) > maxFlavors {
				maxFlavors = len(fl)
			}
		}
		for round := 0; round < maxFlavors; round++ {
			var q []labelQuery
			for i, l := range labels {
				switch {
				case len(perLabel[i]) == 0:
					if round == 0 {
						q = append(q, labelQuery{label: l})
					}
				case round < len(perLabel[i]):
					q = append(q, labelQuery{label: l, flavors: perLabel[i][round : round+1]})
				}
			}
			queries = append(queries, q)
		}
	} else {
		for _, l := range labels {
			fl, err := flavorsFor(l)
			if err != nil {
				return nil, false, "", err
			}
			if len(fl) == 0 || f.opts.AcrossFlavors {
				queries = append(queries, []labelQuery{{label: l, flavors: fl}})
				continue
			}
			for _, flavor := range fl {
				queries = append(queries, []labelQuery{{label: l, flavors: []*deps.Set{flavor}}})
			}
		}
	}

	var result []trove.Tuple
	foundLabels := map[versions.Label]bool{}
	for _, round := range queries {
		if !f.acrossLabels && len(result) > 0 {
			break
		}
		for _, q := range round {
			if foundLabels[q.label] {
				continue
			}
			tups, err := f.search(ctx, spec.Name, Filter{Kind: ByLabel, Versions: vf},
				Request{Label: q.label, Flavors: q.flavors}, match)
			if err != nil {
				return nil, false, "", err
			}
			if len(tups) > 0 {
				result = append(result, tups...)
				foundLabels[q.label] = true
			}
		}
	}
	return result, len(result) > 0, msg, nil
}

// byAffinityBranches searches the branches of the installed troves.
// Troves installed from local branches can't be updated; they count as
// found with no matches.
func (f *finder) byAffinityBranches(ctx context.Context, spec Spec, affinity []trove.Tuple, vf VersionFilter, match func(trove.Tuple) bool) ([]trove.Tuple, bool, string, error) {
	result := []trove.Tuple{}
	local := false
	var branches []string
	for _, aff := range affinity {
		if aff.Version.IsOnLocalHost() {
			local = true
			continue
		}
		flavor := spec.Flavor
		if flavor == nil {
			flavor = flavorOrEmpty(aff.Flavor)
		}
		flavors, err := f.affinityFlavors(flavor)
		if err != nil {
			return nil, false, "", err
		}
		branch := aff.Version.Branch()
		branches = append(branches, branch.String())
		tups, err := f.withFlavors(ctx, spec.Name, Filter{Kind: ByBranch, Versions: vf}, Request{Version: branch}, flavors, match)
		if err != nil {
			return nil, false, "", err
		}
		result = append(result, tups...)
	}
	m := Matches{}
	m.add(result...)
	result = append([]trove.Tuple{}, m[spec.Name]...)
	sortNewestFirst(result)
	msg := fmt.Sprintf("%s was not found on branches %s", spec.Name, strings.Join(branches, ", "))
	return result, len(result) > 0 || local, msg, nil
}

// byPath asks the source which troves contain the path. Sources without
// path queries find nothing.
func (f *finder) byPath(ctx context.Context, spec Spec) ([]trove.Tuple, error) {
	found, err := f.src.TrovesByPath(ctx, []string{spec.Name}, f.opts.LabelPath)
	if errs.IsNotImplemented(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var result []trove.Tuple
	for _, tup := range found[spec.Name] {
		if spec.Flavor != nil {
			if _, ok := matchFlavor(f.src.Mode(), spec.Flavor, tup.Flavor); !ok {
				continue
			}
		}
		result = append(result, tup)
	}
	return result, nil
}
