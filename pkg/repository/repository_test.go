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
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/toitlang/trove/pkg/changeset"
	"github.com/toitlang/trove/pkg/datastore"
	"github.com/toitlang/trove/pkg/deps"
	"github.com/toitlang/trove/pkg/digest"
	"github.com/toitlang/trove/pkg/errs"
	"github.com/toitlang/trove/pkg/files"
	"github.com/toitlang/trove/pkg/trove"
	"github.com/toitlang/trove/pkg/versions"
)

type fileSpec struct {
	path     string
	contents string
	config   bool
}

// memSource serves troves built by the tests.
type memSource struct {
	troves   map[string]*trove.Trove
	files    map[files.FileID]*files.File
	contents map[digest.Sha1][]byte
}

func newMemSource() *memSource {
	return &memSource{
		troves:   map[string]*trove.Trove{},
		files:    map[files.FileID]*files.File{},
		contents: map[digest.Sha1][]byte{},
	}
}

func (s *memSource) GetTrove(ctx context.Context, tup trove.Tuple) (*trove.Trove, error) {
	trv, ok := s.troves[tup.Key()]
	if !ok {
		return nil, &errs.TroveMissing{Name: tup.Name, Version: tup.Version.String()}
	}
	return trv.Copy(), nil
}

func (s *memSource) GetFile(ctx context.Context, pathID files.PathID, fileID files.FileID) (*files.File, error) {
	f, ok := s.files[fileID]
	if !ok {
		return nil, &errs.FileStreamMissing{FileID: fileID.String()}
	}
	f = f.Copy()
	f.PathID = pathID
	return f, nil
}

func (s *memSource) GetContents(ctx context.Context, sha1 digest.Sha1) (changeset.Contents, error) {
	data, ok := s.contents[sha1]
	if !ok {
		return nil, &errs.FileContentsMissing{Sha1: sha1.String()}
	}
	return changeset.FromBytes(data), nil
}

func ver(str string) versions.Version {
	return versions.MustParse(str).WithTimestamp(1000)
}

func regular(spec fileSpec) *files.File {
	f := files.New(files.KindRegular, files.PathIDFor(spec.path))
	f.Inode.Set(0644, 1000, "root", "root")
	f.Flags.SetFlag(files.FlagConfig, spec.config)
	f.Contents.Size.Set(uint64(len(spec.contents)))
	f.Contents.Sha1.SetSha1(digest.Sum([]byte(spec.contents)))
	return f
}

func (s *memSource) newTrove(t *testing.T, name, version string, specs ...fileSpec) *trove.Trove {
	trv := trove.New(name, ver(version), deps.MustParseFlavor("is: x86"))
	for _, spec := range specs {
		f := regular(spec)
		id := f.FileID()
		s.files[id] = f
		s.contents[f.Sha1()] = []byte(spec.contents)
		require.NoError(t, trv.AddFile(f.PathID, spec.path, trv.Version(), id))
	}
	return trv
}

func (s *memSource) store(trv *trove.Trove) *trove.Trove {
	if trv.Digest().IsZero() {
		trv.ComputeDigests()
	}
	s.troves[trv.Tuple().Key()] = trv
	return trv
}

func (s *memSource) add(t *testing.T, name, version string, specs ...fileSpec) *trove.Trove {
	return s.store(s.newTrove(t, name, version, specs...))
}

// build creates a change set and sends it through a container, the way
// it reaches a repository.
func build(t *testing.T, src changeset.Source, jobs ...trove.Job) *changeset.ChangeSet {
	cs, ext, err := changeset.Build(context.Background(), src, jobs, changeset.BuildOptions{
		Recurse:          true,
		WithFiles:        true,
		WithFileContents: true,
	})
	require.NoError(t, err)
	require.Empty(t, ext.Jobs)

	var buf bytes.Buffer
	require.NoError(t, cs.Write(&buf, changeset.VersionLatest))
	read, err := changeset.Read(&buf, changeset.ReadOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { read.Close() })
	return read
}

func quietLogger() (logrus.FieldLogger, *test.Hook) {
	return test.NewNullLogger()
}

func open(t *testing.T, opts ...Option) *Repository {
	log, _ := quietLogger()
	r, err := Open(t.TempDir(), append([]Option{WithLogger(log)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func contentsOf(t *testing.T, r *Repository, sha1 digest.Sha1) string {
	c, err := r.GetContents(context.Background(), sha1)
	require.NoError(t, err)
	rc, err := c.Open()
	require.NoError(t, err)
	defer rc.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(rc)
	require.NoError(t, err)
	return buf.String()
}

var (
	fooBin  = fileSpec{path: "/usr/bin/foo", contents: "#!/bin/sh\necho foo\n"}
	fooConf = fileSpec{path: "/etc/foo.conf", contents: "a\nb\nc\n", config: true}
)

func TestCommitAndRecreate(t *testing.T) {
	ctx := context.Background()
	src := newMemSource()
	foo := src.add(t, "foo:runtime", "/example.com@rpl:linux/1.0-1-1", fooBin, fooConf)

	first := open(t)
	res, err := first.Commit(ctx, build(t, src, trove.InstallJob(foo.Tuple(), true)), CommitOptions{})
	require.NoError(t, err)
	assert.Equal(t, []trove.Tuple{foo.Tuple()}, res.Troves)
	assert.Equal(t, 2, res.Contents)

	// A change set created by the first repository commits unchanged to
	// a second one.
	cs, remainder, err := first.CreateChangeSet(ctx, []trove.Job{trove.InstallJob(foo.Tuple(), true)}, changeset.BuildOptions{
		Recurse: true, WithFiles: true, WithFileContents: true,
	})
	require.NoError(t, err)
	assert.Empty(t, remainder)
	second := open(t)
	_, err = second.Commit(ctx, cs, CommitOptions{})
	require.NoError(t, err)

	got, err := second.GetTrove(ctx, foo.Tuple())
	require.NoError(t, err)
	assert.Equal(t, foo.Digest(), got.Digest())
	assert.True(t, got.VerifyDigests())

	for _, spec := range []fileSpec{fooBin, fooConf} {
		want := regular(spec)
		f, err := second.GetFile(ctx, want.PathID, want.FileID())
		require.NoError(t, err)
		assert.Equal(t, want.FileID(), f.FileID())
		assert.Equal(t, spec.config, f.Flags.IsConfig())
		assert.Equal(t, spec.contents, contentsOf(t, second, f.Sha1()))
	}

	_, err = second.Commit(ctx, build(t, src, trove.InstallJob(foo.Tuple(), true)), CommitOptions{})
	var commitErr *errs.CommitError
	require.True(t, errors.As(err, &commitErr), "got %v", err)
	assert.Contains(t, commitErr.Msg, "already present")
}

func TestOpenFreshDirectory(t *testing.T) {
	ctx := context.Background()
	src := newMemSource()
	foo := src.add(t, "foo:runtime", "/example.com@rpl:linux/1.0-1-1", fooBin)

	dir := filepath.Join(t.TempDir(), "new", "repo")
	log, _ := quietLogger()
	r, err := Open(dir, WithLogger(log))
	require.NoError(t, err)
	_, err = r.Commit(ctx, build(t, src, trove.InstallJob(foo.Tuple(), true)), CommitOptions{})
	require.NoError(t, err)
	require.NoError(t, r.Close())

	r, err = Open(dir, WithLogger(log))
	require.NoError(t, err)
	defer r.Close()
	got, err := r.GetTrove(ctx, foo.Tuple())
	require.NoError(t, err)
	assert.Equal(t, foo.Digest(), got.Digest())
	assert.Equal(t, fooBin.contents, contentsOf(t, r, digest.Sum([]byte(fooBin.contents))))
}

func TestCommitRelativeConfigDiff(t *testing.T) {
	ctx := context.Background()
	src := newMemSource()
	newConf := fileSpec{path: fooConf.path, contents: "a\nB\nc\n", config: true}
	old := src.add(t, "foo:runtime", "/example.com@rpl:linux/1.0-1-1", fooBin, fooConf)
	updated := src.add(t, "foo:runtime", "/example.com@rpl:linux/1.1-1-1", fooBin, newConf)

	r := open(t)
	_, err := r.Commit(ctx, build(t, src, trove.InstallJob(old.Tuple(), true)), CommitOptions{})
	require.NoError(t, err)

	cs := build(t, src, trove.UpdateJob(old.Tuple(), updated.Tuple()))
	c, err := cs.FileContents(changeset.Key{PathID: files.PathIDFor(newConf.path), FileID: regular(newConf).FileID()})
	require.NoError(t, err)
	require.Equal(t, changeset.TypeDiff, c.Type)

	res, err := r.Commit(ctx, cs, CommitOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Contents)
	assert.Equal(t, newConf.contents, contentsOf(t, r, digest.Sum([]byte(newConf.contents))))

	// Repositories keep every version.
	tups, err := r.TrovesByName(ctx, "foo:runtime")
	require.NoError(t, err)
	assert.Len(t, tups, 2)
}

func TestDatabaseInstallsPtrContents(t *testing.T) {
	ctx := context.Background()
	src := newMemSource()
	shared := "shared\n"
	a := fileSpec{path: "/usr/share/foo/a", contents: shared}
	b := fileSpec{path: "/usr/share/foo/b", contents: shared}
	foo := src.add(t, "foo:data", "/example.com@rpl:linux/1.0-1-1", a, b)

	root := t.TempDir()
	db := open(t, AsDatabase(root))
	cs := build(t, src, trove.InstallJob(foo.Tuple(), true))
	keys, err := cs.ContentKeys()
	require.NoError(t, err)
	var ptrs int
	for _, k := range keys {
		c, err := cs.FileContents(k)
		require.NoError(t, err)
		if c.Type == changeset.TypePtr {
			ptrs++
		}
	}
	assert.Equal(t, 1, ptrs)

	_, err = db.Commit(ctx, cs, CommitOptions{})
	require.NoError(t, err)
	for _, spec := range []fileSpec{a, b} {
		data, err := os.ReadFile(filepath.Join(root, spec.path))
		require.NoError(t, err)
		assert.Equal(t, shared, string(data))
	}

	store, ok := db.Store().(*datastore.BoltStore)
	require.True(t, ok)
	sha1 := digest.Sum([]byte(shared))
	count, err := store.RefCount(sha1)
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)

	require.NoError(t, db.EraseTrove(ctx, foo.Tuple()))
	for _, spec := range []fileSpec{a, b} {
		_, err := os.Stat(filepath.Join(root, spec.path))
		assert.True(t, os.IsNotExist(err), spec.path)
	}
	present, err := store.HasFile(sha1)
	require.NoError(t, err)
	assert.False(t, present)
	present2, err := db.HasTroves(ctx, []trove.Tuple{foo.Tuple()})
	require.NoError(t, err)
	assert.False(t, present2[0])
}

func TestDatabaseUpdateReplacesFiles(t *testing.T) {
	ctx := context.Background()
	src := newMemSource()
	oldFile := fileSpec{path: "/usr/bin/foo", contents: "old\n"}
	newFile := fileSpec{path: "/usr/bin/foo", contents: "new\n"}
	gone := fileSpec{path: "/usr/bin/foo-old", contents: "gone\n"}
	old := src.add(t, "foo:runtime", "/example.com@rpl:linux/1.0-1-1", oldFile, gone)
	updated := src.add(t, "foo:runtime", "/example.com@rpl:linux/1.1-1-1", newFile)

	root := t.TempDir()
	db := open(t, AsDatabase(root))
	_, err := db.Commit(ctx, build(t, src, trove.InstallJob(old.Tuple(), true)), CommitOptions{})
	require.NoError(t, err)
	_, err = db.Commit(ctx, build(t, src, trove.UpdateJob(old.Tuple(), updated.Tuple())), CommitOptions{})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(root, newFile.path))
	require.NoError(t, err)
	assert.Equal(t, newFile.contents, string(data))
	_, err = os.Stat(filepath.Join(root, gone.path))
	assert.True(t, os.IsNotExist(err))

	present, err := db.HasTroves(ctx, []trove.Tuple{old.Tuple(), updated.Tuple()})
	require.NoError(t, err)
	assert.Equal(t, []bool{false, true}, present)
	for _, spec := range []fileSpec{oldFile, gone} {
		ok, err := db.Store().HasFile(digest.Sum([]byte(spec.contents)))
		require.NoError(t, err)
		assert.False(t, ok, spec.path)
	}
}

func TestRequireSignatures(t *testing.T) {
	ctx := context.Background()
	src := newMemSource()
	foo := src.add(t, "foo:runtime", "/example.com@rpl:linux/1.0-1-1", fooBin)

	keys := trove.NewMemoryKeyCache()
	reg := prometheus.NewRegistry()
	r := open(t, WithRequireSignatures(), WithKeyCache(keys), WithMetrics(reg))

	_, err := r.Commit(ctx, build(t, src, trove.InstallJob(foo.Tuple(), true)), CommitOptions{})
	var missing *errs.TroveChecksumMissing
	require.True(t, errors.As(err, &missing), "got %v", err)
	assert.Equal(t, "foo:runtime", missing.Name)
	assert.Equal(t, 1.0, testutil.ToFloat64(r.metrics.commits.WithLabelValues("rejected")))

	found, err := r.TrovesByName(ctx, "foo:runtime")
	require.NoError(t, err)
	assert.Empty(t, found)
	ok, err := r.Store().HasFile(digest.Sum([]byte(fooBin.contents)))
	require.NoError(t, err)
	assert.False(t, ok, "rejected before contents are stored")

	key, err := trove.GenerateKey(rand.Reader, trove.TrustFull)
	require.NoError(t, err)
	keys.AddPrivateKey(key)
	signed := src.newTrove(t, "foo:runtime", "/example.com@rpl:linux/1.0-1-2", fooBin)
	require.NoError(t, signed.AddDigitalSignature(key))
	src.store(signed)

	_, err = r.Commit(ctx, build(t, src, trove.InstallJob(signed.Tuple(), true)), CommitOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(r.metrics.commits.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.metrics.trovesCommitted))
}

func TestCommitIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	src := newMemSource()
	good := src.add(t, "foo:runtime", "/example.com@rpl:linux/1.0-1-1", fooBin)
	bad := src.add(t, "foo bar:runtime", "/example.com@rpl:linux/1.0-1-1")

	r := open(t)
	_, err := r.Commit(ctx, build(t, src, trove.InstallJob(good.Tuple(), true), trove.InstallJob(bad.Tuple(), true)), CommitOptions{})
	var invalid *errs.InvalidTroveName
	require.True(t, errors.As(err, &invalid), "got %v", err)

	present, err := r.HasTroves(ctx, []trove.Tuple{good.Tuple()})
	require.NoError(t, err)
	assert.False(t, present[0])
}

func TestCommitRejectsLocalVersions(t *testing.T) {
	src := newMemSource()
	foo := src.add(t, "foo:runtime", "/local@local:COOK/1.0-1-1", fooBin)
	r := open(t)
	_, err := r.Commit(context.Background(), build(t, src, trove.InstallJob(foo.Tuple(), true)), CommitOptions{})
	var commitErr *errs.CommitError
	require.True(t, errors.As(err, &commitErr), "got %v", err)

	db := open(t, AsDatabase(""))
	_, err = db.Commit(context.Background(), build(t, src, trove.InstallJob(foo.Tuple(), true)), CommitOptions{})
	require.NoError(t, err)
}

func TestSourceNames(t *testing.T) {
	ctx := context.Background()
	src := newMemSource()
	runtime := src.newTrove(t, "foo:runtime", "/example.com@rpl:linux/1.0-1-1", fooBin)
	runtime.Info.SourceName.Set("foo:source")
	src.store(runtime)
	lib := src.newTrove(t, "foo:lib", "/example.com@rpl:linux/1.0-1-1")
	lib.Info.SourceName.Set("bar:source")
	src.store(lib)
	odd := src.newTrove(t, "baz:runtime", "/example.com@rpl:linux/1.0-1-1")
	odd.Info.SourceName.Set("baz")
	src.store(odd)

	r := open(t)
	_, err := r.Commit(ctx, build(t, src, trove.InstallJob(runtime.Tuple(), true)), CommitOptions{})
	require.NoError(t, err)

	tests := []struct {
		name string
		trv  *trove.Trove
	}{
		{"other source of the same version", lib},
		{"not a source trove", odd},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := r.Commit(ctx, build(t, src, trove.InstallJob(test.trv.Tuple(), true)), CommitOptions{})
			var invalid *errs.InvalidSourceNameError
			require.True(t, errors.As(err, &invalid), "got %v", err)
		})
	}

	_, err = r.Commit(ctx, build(t, src, trove.InstallJob(lib.Tuple(), true)), CommitOptions{Mirror: true})
	assert.NoError(t, err)
}

func TestEraseKeepsRemovedTrove(t *testing.T) {
	ctx := context.Background()
	src := newMemSource()
	foo := src.add(t, "foo:runtime", "/example.com@rpl:linux/1.0-1-1", fooBin)
	r := open(t)
	_, err := r.Commit(ctx, build(t, src, trove.InstallJob(foo.Tuple(), true)), CommitOptions{})
	require.NoError(t, err)

	require.NoError(t, r.EraseTrove(ctx, foo.Tuple()))
	found, err := r.TrovesByName(ctx, "foo:runtime")
	require.NoError(t, err)
	assert.Empty(t, found)
	present, err := r.HasTroves(ctx, []trove.Tuple{foo.Tuple()})
	require.NoError(t, err)
	assert.True(t, present[0])
	removed, err := r.GetTrove(ctx, foo.Tuple())
	require.NoError(t, err)
	assert.True(t, removed.IsRemoved())
	assert.False(t, removed.HasFiles())

	err = r.EraseTrove(ctx, trove.NewTuple("bar:runtime", foo.Version(), foo.Flavor()))
	assert.True(t, errs.IsTroveMissing(err), "got %v", err)
}

func TestRemoveCommittedAgainstRepository(t *testing.T) {
	ctx := context.Background()
	src := newMemSource()
	foo := src.add(t, "foo:runtime", "/example.com@rpl:linux/1.0-1-1", fooBin)
	bar := src.add(t, "bar:runtime", "/example.com@rpl:linux/1.0-1-1", fileSpec{path: "/usr/bin/bar", contents: "bar\n"})

	r := open(t)
	_, err := r.Commit(ctx, build(t, src, trove.InstallJob(foo.Tuple(), true)), CommitOptions{})
	require.NoError(t, err)

	cs := build(t, src, trove.InstallJob(foo.Tuple(), true), trove.InstallJob(bar.Tuple(), true))
	left, err := cs.RemoveCommitted(ctx, r)
	require.NoError(t, err)
	assert.True(t, left)
	require.Len(t, cs.NewTroves(), 1)
	assert.Equal(t, "bar:runtime", cs.NewTroves()[0].Name())
}

func TestQueries(t *testing.T) {
	ctx := context.Background()
	src := newMemSource()
	foo := src.newTrove(t, "foo:runtime", "/example.com@rpl:linux/1.0-1-1", fooBin)
	foo.SetProvides(deps.MustParseDep("trove: foo:runtime file: /usr/bin/foo"))
	src.store(foo)
	foo2 := src.newTrove(t, "foo:runtime", "/example.com@rpl:linux/1.1-1-1", fooBin)
	foo2.SetProvides(deps.MustParseDep("trove: foo:runtime file: /usr/bin/foo"))
	src.store(foo2)

	r := open(t)
	_, err := r.Commit(ctx, build(t, src, trove.InstallJob(foo.Tuple(), true), trove.InstallJob(foo2.Tuple(), true)), CommitOptions{})
	require.NoError(t, err)

	byPath, err := r.TrovesByPath(ctx, []string{"/usr/bin/foo", "/usr/bin/none"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []trove.Tuple{foo2.Tuple()}, byPath["/usr/bin/foo"])
	assert.Empty(t, byPath["/usr/bin/none"])

	label := versions.MustParseLabel("example.com@rpl:linux")
	resolved, err := r.ResolveDependencies(ctx, label, []*deps.Set{deps.MustParseDep("file: /usr/bin/foo")}, true)
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	require.Len(t, resolved[0], 1)
	assert.Equal(t, []trove.Tuple{foo2.Tuple()}, resolved[0][0])

	resolved, err = r.ResolveDependencies(ctx, label, []*deps.Set{deps.MustParseDep("file: /usr/bin/foo")}, false)
	require.NoError(t, err)
	assert.Equal(t, []trove.Tuple{foo2.Tuple(), foo.Tuple()}, resolved[0][0])

	all, err := r.AllTroves(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []trove.Tuple{foo.Tuple(), foo2.Tuple()}, all)

	_, err = r.GetTrove(ctx, trove.NewTuple("foo:runtime", ver("/example.com@rpl:linux/9-1-1"), foo.Flavor()))
	assert.True(t, errs.IsTroveMissing(err))
	_, err = r.GetContents(ctx, digest.Sum([]byte("nothing")))
	assert.True(t, errs.IsFileContentsMissing(err))
}

func TestSerializedCommitsAndIdentity(t *testing.T) {
	dir := t.TempDir()
	log, hook := quietLogger()
	r, err := Open(dir, WithSerializedCommits(), WithLogger(log))
	require.NoError(t, err)
	id := r.ID()
	require.NotEmpty(t, id)

	src := newMemSource()
	foo := src.add(t, "foo:runtime", "/example.com@rpl:linux/1.0-1-1", fooBin)
	_, err = r.Commit(context.Background(), build(t, src, trove.InstallJob(foo.Tuple(), true)), CommitOptions{})
	require.NoError(t, err)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "committed", hook.LastEntry().Message)
	require.NoError(t, r.Close())

	r, err = Open(dir, WithLogger(log))
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, id, r.ID())
}

func TestValidTroveName(t *testing.T) {
	tests := []struct {
		name  string
		valid bool
	}{
		{"foo", true},
		{"foo:runtime", true},
		{"group-dist+extra_1.0@x", true},
		{"", false},
		{"foo:", false},
		{":runtime", false},
		{"foo:bar:baz", false},
		{"foo bar", false},
		{"foo/bar", false},
	}
	for _, test := range tests {
		assert.Equal(t, test.valid, ValidTroveName(test.name), test.name)
	}
}
