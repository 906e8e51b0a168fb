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
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/toitlang/trove/pkg/changeset"
	"github.com/toitlang/trove/pkg/deps"
	"github.com/toitlang/trove/pkg/digest"
	"github.com/toitlang/trove/pkg/errs"
	"github.com/toitlang/trove/pkg/files"
	"github.com/toitlang/trove/pkg/trove"
	"github.com/toitlang/trove/pkg/versions"
)

const (
	linux = "/localhost@rpl:linux/"
	devel = "/localhost@rpl:devel/"
)

var (
	linuxLabel = versions.MustParseLabel("localhost@rpl:linux")
	develLabel = versions.MustParseLabel("localhost@rpl:devel")
)

func ver(str string, ts float64) versions.Version {
	return versions.MustParse(str).WithTimestamp(ts)
}

func flavor(str string) *deps.Set {
	return deps.MustParseFlavor(str)
}

func component(name, version string, ts float64, flv string, paths ...string) *trove.Trove {
	trv := trove.New(name, ver(version, ts), flavor(flv))
	for _, p := range paths {
		id := files.PathIDFor(p)
		if err := trv.AddFile(id, p, trv.Version(), digest.Sum([]byte(p+version))); err != nil {
			panic(err)
		}
	}
	trv.SetProvides(deps.MustParseDep("trove: " + name))
	return trv
}

// fooSource holds:
//
//	foo:runtime=linux/1.0-1-1[ssl is: x86]   ts 1
//	foo:runtime=linux/1.0-1-1[!ssl is: x86]  ts 1
//	foo:runtime=linux/1.1-1-1[ssl is: x86]   ts 2
//	foo:runtime=devel/2.0-1-1[is: x86]       ts 3
func fooSource(mode Mode) *Memory {
	return NewMemory(mode,
		component("foo:runtime", linux+"1.0-1-1", 1, "ssl is: x86", "/usr/bin/foo"),
		component("foo:runtime", linux+"1.0-1-1", 1, "!ssl is: x86", "/usr/bin/foo"),
		component("foo:runtime", linux+"1.1-1-1", 2, "ssl is: x86", "/usr/bin/foo"),
		component("foo:runtime", devel+"2.0-1-1", 3, "is: x86", "/usr/bin/foo", "/etc/foo"),
	)
}

func tupleStrings(tups []trove.Tuple) []string {
	result := make([]string, len(tups))
	for i, tup := range tups {
		result[i] = tup.String()
	}
	return result
}

func TestParseSpec(t *testing.T) {
	tests := []struct {
		in      string
		name    string
		version string
		flavor  string
	}{
		{"foo", "foo", "", ""},
		{"foo:runtime=1.0", "foo:runtime", "1.0", ""},
		{"foo=localhost@rpl:linux/1.0-1-1", "foo", "localhost@rpl:linux/1.0-1-1", ""},
		{"foo[ssl is: x86]", "foo", "", "ssl is: x86"},
		{"foo=:devel[!ssl]", "foo", ":devel", "!ssl"},
		{"/usr/bin/foo", "/usr/bin/foo", "", ""},
	}
	for _, test := range tests {
		t.Run(test.in, func(t *testing.T) {
			spec, err := ParseSpec(test.in)
			require.NoError(t, err)
			assert.Equal(t, test.name, spec.Name)
			assert.Equal(t, test.version, spec.Version)
			if test.flavor == "" {
				assert.Nil(t, spec.Flavor)
			} else {
				assert.Equal(t, test.flavor, spec.Flavor.String())
			}
			assert.Equal(t, test.in, spec.String())
		})
	}

	for _, bad := range []string{"foo=1=2", "=1.0", "foo[is: x86(]"} {
		_, err := ParseSpec(bad)
		assert.Error(t, err, bad)
	}
}

func TestFilters(t *testing.T) {
	ctx := context.Background()
	src := fooSource(AsRepository)
	ssl := flavor("ssl is: x86")
	nossl := flavor("!ssl is: x86")

	tests := []struct {
		name     string
		query    Request
		filter   Filter
		expected []string
	}{
		{
			name:   "all versions on a label",
			query:  Request{Label: linuxLabel},
			filter: Filter{Kind: ByLabel, Versions: AllVersions},
			expected: []string{
				"foo:runtime=" + linux + "1.1-1-1[ssl is: x86]",
				"foo:runtime=" + linux + "1.0-1-1[!ssl is: x86]",
				"foo:runtime=" + linux + "1.0-1-1[ssl is: x86]",
			},
		},
		{
			name:     "latest best",
			query:    Request{Label: linuxLabel, Flavors: []*deps.Set{ssl}},
			filter:   Filter{Kind: ByLabel, Versions: Latest, Flavors: BestFlavor},
			expected: []string{"foo:runtime=" + linux + "1.1-1-1[ssl is: x86]"},
		},
		{
			name:     "latest skips versions without a matching flavor",
			query:    Request{Label: linuxLabel, Flavors: []*deps.Set{nossl}},
			filter:   Filter{Kind: ByLabel, Versions: Latest, Flavors: AvailFlavors},
			expected: []string{"foo:runtime=" + linux + "1.0-1-1[!ssl is: x86]"},
		},
		{
			name:   "latest on every label",
			query:  Request{},
			filter: Filter{Kind: ByLabel, Versions: Latest},
			expected: []string{
				"foo:runtime=" + devel + "2.0-1-1[is: x86]",
				"foo:runtime=" + linux + "1.1-1-1[ssl is: x86]",
			},
		},
		{
			name:   "exact flavor",
			query:  Request{Label: linuxLabel, Flavors: []*deps.Set{ssl}},
			filter: Filter{Kind: ByLabel, Versions: AllVersions, Flavors: ExactFlavor},
			expected: []string{
				"foo:runtime=" + linux + "1.1-1-1[ssl is: x86]",
				"foo:runtime=" + linux + "1.0-1-1[ssl is: x86]",
			},
		},
		{
			name:   "flavors of a version",
			query:  Request{Version: ver(linux+"1.0-1-1", 1)},
			filter: Filter{Kind: ByVersion, Versions: AllVersions},
			expected: []string{
				"foo:runtime=" + linux + "1.0-1-1[!ssl is: x86]",
				"foo:runtime=" + linux + "1.0-1-1[ssl is: x86]",
			},
		},
		{
			name:     "leaves of a branch",
			query:    Request{Version: versions.MustParse("/localhost@rpl:linux")},
			filter:   Filter{Kind: ByBranch, Versions: Leaves},
			expected: []string{"foo:runtime=" + linux + "1.1-1-1[ssl is: x86]"},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			res, err := src.Search(ctx, Query{"foo:runtime": {test.query}}, test.filter)
			require.NoError(t, err)
			assert.Equal(t, test.expected, tupleStrings(res["foo:runtime"]))
		})
	}
}

func TestBestFlavorPrefersHigherScore(t *testing.T) {
	ctx := context.Background()
	src := NewMemory(AsRepository,
		component("bar:runtime", linux+"1.0-1-1", 1, "is: x86"),
		component("bar:runtime", linux+"1.0-1-1", 1, "ssl is: x86"),
	)
	res, err := LatestByLabel(ctx, src, Query{"bar:runtime": {{Label: linuxLabel, Flavors: []*deps.Set{flavor("ssl is: x86")}}}}, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"bar:runtime=" + linux + "1.0-1-1[ssl is: x86]"}, tupleStrings(res["bar:runtime"]))

	res, err = LatestByLabel(ctx, src, Query{"bar:runtime": {{Label: linuxLabel, Flavors: []*deps.Set{flavor("ssl is: x86")}}}}, false)
	require.NoError(t, err)
	assert.Len(t, res["bar:runtime"], 2)
}

func TestLeavesAreNewestOnTheirBranch(t *testing.T) {
	ctx := context.Background()
	src := fooSource(AsRepository)
	all, err := src.TroveVersionList(ctx, "foo:runtime")
	require.NoError(t, err)
	leaves, err := LeavesByLabel(ctx, src, Query{"foo:runtime": {{}}}, false)
	require.NoError(t, err)
	require.NotEmpty(t, leaves["foo:runtime"])
	for _, leaf := range leaves["foo:runtime"] {
		for _, other := range all {
			if other.Version.OnBranch(leaf.Version.Branch()) {
				assert.False(t, other.Version.IsAfter(leaf.Version), "%s is newer than leaf %s", other, leaf)
			}
		}
	}
}

func TestDatabaseModeUsesStrongFlavors(t *testing.T) {
	ctx := context.Background()
	installed := component("baz:runtime", linux+"1.0-1-1", 1, "~ssl is: x86")
	db := NewMemory(AsDatabase, installed)
	res, err := VersionsByLabel(ctx, db, Query{"baz:runtime": {{Flavors: []*deps.Set{flavor("ssl")}}}}, false)
	require.NoError(t, err)
	assert.Len(t, res["baz:runtime"], 1)

	res, err = VersionsByLabel(ctx, db, Query{"baz:runtime": {{Flavors: []*deps.Set{flavor("!ssl")}}}}, false)
	require.NoError(t, err)
	assert.Empty(t, res["baz:runtime"])
}

func TestFlavorPreferences(t *testing.T) {
	ctx := context.Background()
	src := NewMemory(AsRepository,
		component("foo:runtime", linux+"1.0-1-1", 1, "is: x86"),
		component("foo:runtime", linux+"1.1-1-1", 2, "is: x86_64"),
	)
	opts := FindOptions{
		LabelPath:      []versions.Label{linuxLabel},
		DefaultFlavors: []*deps.Set{flavor("is: x86 x86_64")},
	}
	spec := MustParseSpec("foo:runtime")

	tups, err := FindTrove(ctx, src, spec, opts)
	require.NoError(t, err)
	assert.Equal(t, []string{"foo:runtime=" + linux + "1.1-1-1[is: x86_64]"}, tupleStrings(tups))

	opts.FlavorPreferences = []*deps.Set{flavor("is: x86")}
	tups, err = FindTrove(ctx, src, spec, opts)
	require.NoError(t, err)
	assert.Equal(t, []string{"foo:runtime=" + linux + "1.0-1-1[is: x86]"}, tupleStrings(tups))

	opts.FlavorPreferences = []*deps.Set{flavor("is: x86_64"), flavor("is: x86")}
	tups, err = FindTrove(ctx, src, spec, opts)
	require.NoError(t, err)
	assert.Equal(t, []string{"foo:runtime=" + linux + "1.1-1-1[is: x86_64]"}, tupleStrings(tups))
}

func TestFindTroves(t *testing.T) {
	ctx := context.Background()
	src := fooSource(AsRepository)
	opts := FindOptions{
		LabelPath:      []versions.Label{linuxLabel, develLabel},
		DefaultFlavors: []*deps.Set{flavor("ssl is: x86")},
	}

	tests := []struct {
		spec     string
		opts     func(o *FindOptions)
		expected []string
	}{
		{"foo:runtime", nil, []string{"foo:runtime=" + linux + "1.1-1-1[ssl is: x86]"}},
		{"foo:runtime", func(o *FindOptions) { o.AcrossLabels = true }, []string{
			"foo:runtime=" + linux + "1.1-1-1[ssl is: x86]",
			"foo:runtime=" + devel + "2.0-1-1[is: x86]",
		}},
		{"foo:runtime=localhost@rpl:devel", nil, []string{"foo:runtime=" + devel + "2.0-1-1[is: x86]"}},
		{"foo:runtime=:devel", nil, []string{"foo:runtime=" + devel + "2.0-1-1[is: x86]"}},
		{"foo:runtime=@rpl:devel", nil, []string{"foo:runtime=" + devel + "2.0-1-1[is: x86]"}},
		{"foo:runtime=localhost@", nil, []string{"foo:runtime=" + linux + "1.1-1-1[ssl is: x86]"}},
		{"foo:runtime=1.0-1-1", nil, []string{"foo:runtime=" + linux + "1.0-1-1[ssl is: x86]"}},
		{"foo:runtime=1.0", nil, []string{"foo:runtime=" + linux + "1.0-1-1[ssl is: x86]"}},
		{"foo:runtime=localhost@rpl:linux/1.0-1-1", nil, []string{"foo:runtime=" + linux + "1.0-1-1[ssl is: x86]"}},
		{"foo:runtime=1.0[!ssl]", nil, []string{"foo:runtime=" + linux + "1.0-1-1[!ssl is: x86]"}},
		{"foo:runtime=" + linux + "1.0-1-1", func(o *FindOptions) {
			o.AllFlavors = true
			o.DefaultFlavors = nil
		}, []string{
			"foo:runtime=" + linux + "1.0-1-1[!ssl is: x86]",
			"foo:runtime=" + linux + "1.0-1-1[ssl is: x86]",
		}},
		{"foo:runtime=/localhost@rpl:linux", nil, []string{"foo:runtime=" + linux + "1.1-1-1[ssl is: x86]"}},
		{"/etc/foo", nil, []string{"foo:runtime=" + devel + "2.0-1-1[is: x86]"}},
	}
	for _, test := range tests {
		t.Run(test.spec, func(t *testing.T) {
			o := opts
			if test.opts != nil {
				test.opts(&o)
			}
			tups, err := FindTrove(ctx, src, MustParseSpec(test.spec), o)
			require.NoError(t, err)
			assert.Equal(t, test.expected, tupleStrings(tups))
		})
	}
}

func TestFindTrovesMissing(t *testing.T) {
	ctx := context.Background()
	src := fooSource(AsRepository)
	opts := FindOptions{LabelPath: []versions.Label{linuxLabel}}

	_, err := FindTroves(ctx, src, []Spec{MustParseSpec("bar:runtime")}, opts)
	require.Error(t, err)
	assert.True(t, errs.IsTroveNotFound(err))
	assert.Equal(t, "bar:runtime was not found on path localhost@rpl:linux", err.Error())

	_, err = FindTroves(ctx, src, []Spec{MustParseSpec("bar:runtime"), MustParseSpec("baz:runtime")}, opts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 troves not found")

	opts.AllowMissing = true
	foo := MustParseSpec("foo:runtime")
	res, err := FindTroves(ctx, src, []Spec{MustParseSpec("bar:runtime"), foo}, opts)
	require.NoError(t, err)
	assert.Len(t, res, 1)
	assert.Len(t, res[foo], 1)

	_, err = FindTrove(ctx, src, foo, FindOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "No search label path given")

	_, err = FindTrove(ctx, src, MustParseSpec("foo:runtime=a/b/c"), opts)
	assert.True(t, errs.IsTroveNotFound(err))
}

func TestFindTrovesInDatabase(t *testing.T) {
	ctx := context.Background()
	db := fooSource(AsDatabase)
	tups, err := FindTrove(ctx, db, MustParseSpec("foo:runtime"), FindOptions{})
	require.NoError(t, err)
	assert.Len(t, tups, 4)

	tups, err = FindTrove(ctx, db, MustParseSpec("foo:runtime=:devel"), FindOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"foo:runtime=" + devel + "2.0-1-1[is: x86]"}, tupleStrings(tups))
}

func TestAffinity(t *testing.T) {
	ctx := context.Background()
	src := fooSource(AsRepository)
	opts := FindOptions{LabelPath: []versions.Label{develLabel}}
	spec := MustParseSpec("foo:runtime")

	opts.Affinity = NewMemory(AsDatabase, component("foo:runtime", linux+"1.0-1-1", 1, "!ssl is: x86"))
	tups, err := FindTrove(ctx, src, spec, opts)
	require.NoError(t, err)
	assert.Equal(t, []string{"foo:runtime=" + linux + "1.0-1-1[!ssl is: x86]"}, tupleStrings(tups))

	opts.AcrossLabels = true
	tups, err = FindTrove(ctx, src, spec, opts)
	require.NoError(t, err)
	assert.Equal(t, []string{"foo:runtime=" + devel + "2.0-1-1[is: x86]"}, tupleStrings(tups))

	opts.AcrossLabels = false
	opts.Affinity = NewMemory(AsDatabase, component("foo:runtime", "/local@local:LOCAL/1.0-1-1", 1, "is: x86"))
	res, err := FindTroves(ctx, src, []Spec{spec}, opts)
	require.NoError(t, err)
	tups, ok := res[spec]
	assert.True(t, ok)
	assert.Empty(t, tups)
}

type brokenSource struct {
	*Searchable
	err error
}

func newBrokenSource(err error) *brokenSource {
	b := &brokenSource{err: err}
	b.Searchable = NewSearchable(AsRepository, ListerFunc(func(ctx context.Context, name string) ([]trove.Tuple, error) {
		return nil, err
	}))
	return b
}

func (b *brokenSource) HasTroves(ctx context.Context, tups []trove.Tuple) ([]bool, error) {
	return nil, b.err
}

func (b *brokenSource) GetTroves(ctx context.Context, tups []trove.Tuple, withFiles bool) ([]*trove.Trove, error) {
	return nil, b.err
}

func TestStack(t *testing.T) {
	ctx := context.Background()
	unreachable := newBrokenSource(&errs.OpenError{URL: "http://localhost:1/", Err: errors.New("connection refused")})
	empty := NewMemory(AsRepository)
	src := fooSource(AsRepository)
	stack := NewStack(unreachable, NewStack(empty, src), src)
	assert.Len(t, stack.Sources(), 3)

	opts := FindOptions{LabelPath: []versions.Label{linuxLabel}}
	tups, err := FindTrove(ctx, stack, MustParseSpec("foo:runtime"), opts)
	require.NoError(t, err)
	assert.Len(t, tups, 1)

	_, err = FindTrove(ctx, stack, MustParseSpec("bar:runtime"), opts)
	assert.True(t, errs.IsTroveNotFound(err))

	present, err := stack.HasTroves(ctx, []trove.Tuple{tups[0], trove.NewTuple("bar:runtime", ver(linux+"1-1-1", 1), nil)})
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false}, present)

	broken := NewStack(newBrokenSource(errors.New("500 internal server error")), src)
	_, err = FindTrove(ctx, broken, MustParseSpec("foo:runtime"), opts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
	_, err = broken.HasTroves(ctx, tups)
	assert.Error(t, err)

	onlyUnreachable := NewStack(unreachable)
	_, err = onlyUnreachable.HasTroves(ctx, tups)
	assert.True(t, errs.IsOpenError(err))
}

func TestStackCreateChangeSet(t *testing.T) {
	ctx := context.Background()
	first := NewMemory(AsRepository, component("a:runtime", linux+"1.0-1-1", 1, ""))
	second := NewMemory(AsRepository, component("b:runtime", linux+"1.0-1-1", 1, ""))
	stack := NewStack(first, second)

	jobs := []trove.Job{
		trove.InstallJob(trove.NewTuple("a:runtime", ver(linux+"1.0-1-1", 1), nil), true),
		trove.InstallJob(trove.NewTuple("b:runtime", ver(linux+"1.0-1-1", 1), nil), true),
		trove.InstallJob(trove.NewTuple("c:runtime", ver(linux+"1.0-1-1", 1), nil), true),
	}
	cs, rest, err := stack.CreateChangeSet(ctx, jobs, changeset.BuildOptions{})
	require.NoError(t, err)
	defer cs.Close()
	assert.Len(t, cs.NewTroves(), 2)
	require.Len(t, rest, 1)
	assert.Equal(t, "c:runtime", rest[0].Name)
}

func TestChangesetFiles(t *testing.T) {
	ctx := context.Background()
	repo := fooSource(AsRepository)
	tup := trove.NewTuple("foo:runtime", ver(devel+"2.0-1-1", 3), flavor("is: x86"))
	cs, rest, err := repo.CreateChangeSet(ctx, []trove.Job{trove.InstallJob(tup, true)}, changeset.BuildOptions{})
	require.NoError(t, err)
	require.Empty(t, rest)

	src := NewChangesetFiles(nil, StoreDeps())
	require.NoError(t, src.AddChangeSet(ctx, cs, false))
	defer src.Close()
	assert.Error(t, src.AddChangeSet(ctx, cs, false))

	present, err := src.HasTroves(ctx, []trove.Tuple{tup, trove.NewTuple("foo:runtime", ver(linux+"1.1-1-1", 2), flavor("ssl is: x86"))})
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false}, present)

	trvs, err := src.GetTroves(ctx, []trove.Tuple{tup}, true)
	require.NoError(t, err)
	require.NotNil(t, trvs[0])
	assert.Len(t, trvs[0].Files(), 2)

	tups, err := FindTrove(ctx, src, MustParseSpec("foo:runtime"), FindOptions{LabelPath: []versions.Label{develLabel}})
	require.NoError(t, err)
	assert.Equal(t, []string{tup.String()}, tupleStrings(tups))

	resolved, err := src.ResolveDependencies(ctx, versions.Label{}, []*deps.Set{deps.MustParseDep("trove: foo:runtime file: /usr/bin/bar")}, true)
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	require.Len(t, resolved[0], 2)
	var found int
	for _, providers := range resolved[0] {
		found += len(providers)
	}
	assert.Equal(t, 1, found)

	out, rest, err := src.CreateChangeSet(ctx, []trove.Job{trove.InstallJob(tup, true)}, changeset.BuildOptions{WithFiles: true})
	require.NoError(t, err)
	assert.Empty(t, rest)
	assert.True(t, out.HasNewTrove(tup))

	_, rest, err = src.CreateChangeSet(ctx, []trove.Job{trove.InstallJob(tup, true)}, changeset.BuildOptions{WithFileContents: true})
	require.NoError(t, err)
	assert.Len(t, rest, 1)

	withoutDeps := NewChangesetFiles(nil)
	_, err = withoutDeps.ResolveDependencies(ctx, versions.Label{}, nil, false)
	assert.True(t, errs.IsNotImplemented(err))
}

func TestChangesetFilesRecurse(t *testing.T) {
	ctx := context.Background()
	foo := component("foo:runtime", linux+"1.0-1-1", 1, "", "/usr/bin/foo")
	bar := component("bar:runtime", linux+"1.0-1-1", 1, "")
	group := trove.New("group-dist", ver(linux+"1.0-1-1", 1), deps.New())
	require.NoError(t, group.AddTrove(foo.Tuple(), true, false))
	require.NoError(t, group.AddTrove(bar.Tuple(), false, false))
	repo := NewMemory(AsRepository, group, foo, bar)
	install := []trove.Job{trove.InstallJob(group.Tuple(), true)}

	full, _, err := repo.CreateChangeSet(ctx, install, changeset.BuildOptions{Recurse: true})
	require.NoError(t, err)
	require.Len(t, full.NewTroves(), 3)
	groupOnly, _, err := repo.CreateChangeSet(ctx, install, changeset.BuildOptions{})
	require.NoError(t, err)
	require.Len(t, groupOnly.NewTroves(), 1)

	tests := []struct {
		name    string
		indexed *changeset.ChangeSet
		opts    changeset.BuildOptions
		troves  int
		rest    []string
	}{
		{"recurse", full, changeset.BuildOptions{Recurse: true, WithFiles: true}, 3, nil},
		{"flat", full, changeset.BuildOptions{WithFiles: true}, 1, nil},
		{"children elsewhere", groupOnly, changeset.BuildOptions{Recurse: true, WithFiles: true}, 1,
			[]string{"+" + bar.Tuple().String(), "+" + foo.Tuple().String()}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			src := NewChangesetFiles(nil)
			require.NoError(t, src.AddChangeSet(ctx, test.indexed, false))
			out, rest, err := src.CreateChangeSet(ctx, install, test.opts)
			require.NoError(t, err)
			defer out.Close()
			assert.Len(t, out.NewTroves(), test.troves)
			assert.Equal(t, []trove.Tuple{group.Tuple()}, out.Primary())
			var restStrings []string
			for _, job := range rest {
				restStrings = append(restStrings, job.String())
			}
			assert.ElementsMatch(t, test.rest, restStrings)
		})
	}

	db := NewMemory(AsDatabase, group, foo, bar)
	src := NewChangesetFiles(db)
	out, rest, err := src.CreateChangeSet(ctx, []trove.Job{trove.EraseJob(group.Tuple())}, changeset.BuildOptions{Recurse: true})
	require.NoError(t, err)
	assert.Empty(t, rest)
	assert.Len(t, out.OldTroves(), 3)
	assert.Equal(t, []trove.Tuple{group.Tuple()}, out.Primary())
}

func TestChangesetFilesRelative(t *testing.T) {
	ctx := context.Background()
	repo := fooSource(AsRepository)
	old := trove.NewTuple("foo:runtime", ver(linux+"1.0-1-1", 1), flavor("ssl is: x86"))
	new := trove.NewTuple("foo:runtime", ver(linux+"1.1-1-1", 2), flavor("ssl is: x86"))
	cs, _, err := repo.CreateChangeSet(ctx, []trove.Job{trove.UpdateJob(old, new)}, changeset.BuildOptions{})
	require.NoError(t, err)

	err = NewChangesetFiles(NewMemory(AsDatabase)).AddChangeSet(ctx, cs, false)
	assert.True(t, errs.IsTroveMissing(err))

	src := NewChangesetFiles(repo)
	require.NoError(t, src.AddChangeSet(ctx, cs, false))
	trvs, err := src.GetTroves(ctx, []trove.Tuple{new}, false)
	require.NoError(t, err)
	require.NotNil(t, trvs[0])
	assert.Equal(t, new.Key(), trvs[0].Tuple().Key())

	out, rest, err := src.CreateChangeSet(ctx, []trove.Job{trove.UpdateJob(old, new)}, changeset.BuildOptions{})
	require.NoError(t, err)
	assert.Empty(t, rest)
	assert.True(t, out.HasNewTrove(new))
}

func TestWalkTroveSet(t *testing.T) {
	ctx := context.Background()
	foo := component("foo:runtime", linux+"1.0-1-1", 1, "", "/usr/bin/foo", "/etc/foo")
	bar := component("bar:runtime", linux+"1.0-1-1", 1, "")
	group := trove.New("group-dist", ver(linux+"1.0-1-1", 1), deps.New())
	require.NoError(t, group.AddTrove(foo.Tuple(), true, false))
	require.NoError(t, group.AddTrove(bar.Tuple(), false, false))
	src := NewMemory(AsRepository, group, foo, bar)

	walked := func(opts WalkOptions) []string {
		var names []string
		require.NoError(t, WalkTroveSet(ctx, src, group, opts, func(t *trove.Trove) error {
			names = append(names, t.Name())
			return nil
		}))
		return names
	}
	assert.Equal(t, []string{"group-dist", "bar:runtime", "foo:runtime"}, walked(WalkOptions{}))
	assert.Equal(t, []string{"group-dist", "foo:runtime"}, walked(WalkOptions{ByDefaultOnly: true}))

	sparse := NewMemory(AsRepository, group, foo)
	err := WalkTroveSet(ctx, sparse, group, WalkOptions{}, func(*trove.Trove) error { return nil })
	assert.True(t, errs.IsTroveMissing(err))
	assert.NoError(t, WalkTroveSet(ctx, sparse, group, WalkOptions{IgnoreMissing: true}, func(*trove.Trove) error { return nil }))

	var paths []string
	require.NoError(t, IterFilesInTrove(ctx, src, foo.Tuple(), IterFilesOptions{SortByPath: true}, func(ref trove.FileRef, f *files.File) error {
		assert.Nil(t, f)
		paths = append(paths, ref.Path)
		return nil
	}))
	assert.Equal(t, []string{"/etc/foo", "/usr/bin/foo"}, paths)

	err = IterFilesInTrove(ctx, src, foo.Tuple(), IterFilesOptions{WithFiles: true}, func(trove.FileRef, *files.File) error { return nil })
	assert.True(t, errs.IsNotImplemented(err))
}
