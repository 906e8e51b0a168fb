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
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
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

func (s *memSource) GetContents(ctx context.Context, sha1 digest.Sha1) (Contents, error) {
	data, ok := s.contents[sha1]
	if !ok {
		return nil, &errs.FileContentsMissing{Sha1: sha1.String()}
	}
	return FromBytes(data), nil
}

func (s *memSource) HasTroves(ctx context.Context, tups []trove.Tuple) ([]bool, error) {
	present := make([]bool, len(tups))
	for i, tup := range tups {
		_, present[i] = s.troves[tup.Key()]
	}
	return present, nil
}

func v(str string) versions.Version {
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

func (s *memSource) add(t *testing.T, name, version string, specs ...fileSpec) *trove.Trove {
	trv := trove.New(name, v(version), deps.MustParseFlavor("is: x86"))
	for _, spec := range specs {
		f := regular(spec)
		id := f.FileID()
		s.files[id] = f
		s.contents[f.Sha1()] = []byte(spec.contents)
		require.NoError(t, trv.AddFile(f.PathID, spec.path, trv.Version(), id))
	}
	trv.ComputeDigests()
	s.troves[trv.Tuple().Key()] = trv
	return trv
}

func build(t *testing.T, src Source, jobs ...trove.Job) *ChangeSet {
	cs, ext, err := Build(context.Background(), src, jobs, BuildOptions{
		Recurse:          true,
		WithFiles:        true,
		WithFileContents: true,
	})
	require.NoError(t, err)
	assert.Empty(t, ext.Jobs)
	return cs
}

func contentsOf(t *testing.T, cs *ChangeSet, path string, spec fileSpec) string {
	key := Key{PathID: files.PathIDFor(path), FileID: regular(spec).FileID()}
	c, err := cs.ResolveContents(key)
	require.NoError(t, err)
	data, err := c.Bytes()
	require.NoError(t, err)
	return string(data)
}

func TestWriteRead(t *testing.T) {
	src := newMemSource()
	a := fileSpec{path: "/usr/bin/a", contents: "same contents\n"}
	b := fileSpec{path: "/usr/bin/b", contents: "same contents\n"}
	cfg := fileSpec{path: "/etc/foo.conf", contents: "key=value\n", config: true}
	trv := src.add(t, "foo:runtime", "/localhost@rpl:linux/1.0-1-1", a, b, cfg)

	cs := build(t, src, trove.InstallJob(trv.Tuple(), true))
	defer cs.Close()
	keys, err := cs.ContentKeys()
	require.NoError(t, err)
	require.Len(t, keys, 3)
	assert.True(t, cs.contents[keys[0]].Config, "config records come first")

	for _, version := range []Version{VersionWithRemoves, VersionFileIDIdx} {
		t.Run(version.String(), func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, cs.Write(&buf, version))

			read, err := Read(bytes.NewReader(buf.Bytes()), ReadOptions{})
			require.NoError(t, err)
			defer read.Close()

			require.Len(t, read.NewTroves(), 1)
			assert.Equal(t, trv.Tuple().Key(), read.NewTroves()[0].NewTuple().Key())
			require.Len(t, read.Primary(), 1)
			assert.Equal(t, trv.Tuple().Key(), read.Primary()[0].Key())
			assert.Len(t, read.FileStreamKeys(), len(cs.FileStreamKeys()))
			// The config record was read with the metadata.
			assert.True(t, read.HasFileContents(Key{PathID: files.PathIDFor(cfg.path), FileID: regular(cfg).FileID()}))

			assert.Equal(t, a.contents, contentsOf(t, read, a.path, a))
			assert.Equal(t, b.contents, contentsOf(t, read, b.path, b))
			assert.Equal(t, cfg.contents, contentsOf(t, read, cfg.path, cfg))

			f, err := read.NewFile(files.PathIDFor(a.path), files.FileID{}, regular(a).FileID(), nil)
			require.NoError(t, err)
			assert.Equal(t, regular(a).Sha1(), f.Sha1())
		})
	}
}

func TestIdenticalContentsBecomePtrs(t *testing.T) {
	cs := New()
	data := []byte("shared\n")
	sum := digest.Sum(data)
	var keys []Key
	for _, p := range []string{"/a", "/b", "/c"} {
		k := Key{PathID: files.PathIDFor(p), FileID: digest.Sum([]byte(p))}
		keys = append(keys, k)
		cs.AddFileContents(k, &Content{Type: TypeFile, Sha1: sum, Contents: FromBytes(data)})
	}
	sorted, planned := cs.plan()
	carrier := sorted[len(sorted)-1]
	assert.Equal(t, TypeFile, planned[carrier].Type)
	for _, k := range sorted[:len(sorted)-1] {
		assert.Equal(t, TypePtr, planned[k].Type)
		assert.Equal(t, carrier, planned[k].Target)
	}

	var buf bytes.Buffer
	require.NoError(t, cs.Write(&buf, VersionFileIDIdx))
	assert.Equal(t, 1, bytes.Count(buf.Bytes(), []byte("file")))

	read, err := Read(&buf, ReadOptions{})
	require.NoError(t, err)
	defer read.Close()
	for _, k := range keys {
		c, err := read.ResolveContents(k)
		require.NoError(t, err)
		got, err := c.Bytes()
		require.NoError(t, err)
		assert.Equal(t, data, got)
	}
}

func TestPathIdsConflict(t *testing.T) {
	cs := New()
	pathID := files.PathIDFor("/etc/foo")
	for _, contents := range []string{"one\n", "two\n"} {
		data := []byte(contents)
		k := Key{PathID: pathID, FileID: digest.Sum(data)}
		cs.AddFileContents(k, &Content{Type: TypeFile, Sha1: digest.Sum(data), Contents: FromBytes(data)})
	}

	err := cs.Write(io.Discard, VersionWithRemoves)
	var conflict *errs.PathIdsConflictError
	require.True(t, errors.As(err, &conflict), "got %v", err)
	assert.Equal(t, pathID.String(), conflict.PathID)

	require.NoError(t, cs.Write(io.Discard, VersionFileIDIdx))
}

func TestVersionOneCantErase(t *testing.T) {
	cs := New()
	cs.AddOldTrove(trove.NewTuple("foo:runtime", v("/localhost@rpl:linux/1.0-1-1"), nil))
	assert.Error(t, cs.Write(io.Discard, VersionNoRemoves))
	assert.NoError(t, cs.Write(io.Discard, VersionWithRemoves))
}

func TestNativeVersion(t *testing.T) {
	assert.Equal(t, VersionNoRemoves, NativeVersion(37))
	assert.Equal(t, VersionWithRemoves, NativeVersion(38))
	assert.Equal(t, VersionWithRemoves, NativeVersion(60))
	assert.Equal(t, VersionFileIDIdx, NativeVersion(61))
	last := NativeVersion(0)
	for p := 1; p < 100; p++ {
		assert.GreaterOrEqual(t, int(NativeVersion(p)), int(last))
		last = NativeVersion(p)
	}
}

func TestConfigDiff(t *testing.T) {
	src := newMemSource()
	oldCfg := fileSpec{path: "/etc/foo.conf", contents: "a\nb\nc\n", config: true}
	newCfg := fileSpec{path: "/etc/foo.conf", contents: "a\nB\nc\n", config: true}
	old := src.add(t, "foo:runtime", "/localhost@rpl:linux/1.0-1-1", oldCfg)
	new := src.add(t, "foo:runtime", "/localhost@rpl:linux/1.1-1-1", newCfg)

	cs := build(t, src, trove.UpdateJob(old.Tuple(), new.Tuple()))
	defer cs.Close()
	key := Key{PathID: files.PathIDFor(newCfg.path), FileID: regular(newCfg).FileID()}
	c, err := cs.FileContents(key)
	require.NoError(t, err)
	assert.Equal(t, TypeDiff, c.Type)
	assert.True(t, c.Config)
	diff, err := c.Bytes()
	require.NoError(t, err)
	assert.Contains(t, string(diff), "-b\n+B\n")

	_, ok := cs.FileStream(regular(oldCfg).FileID(), regular(newCfg).FileID())
	assert.True(t, ok, "relative stream")
}

func TestLazyReadSpills(t *testing.T) {
	src := newMemSource()
	var specs []fileSpec
	for _, name := range []string{"a", "b", "c", "d"} {
		// Hex digests don't compress well, so every record exceeds the
		// threshold.
		var sb strings.Builder
		for i := 0; i < 30; i++ {
			sb.WriteString(digest.Sum([]byte(fmt.Sprintf("%s%d", name, i))).String())
		}
		specs = append(specs, fileSpec{path: "/usr/share/" + name, contents: sb.String()})
	}
	trv := src.add(t, "foo:data", "/localhost@rpl:linux/1.0-1-1", specs...)
	cs := build(t, src, trove.InstallJob(trv.Tuple(), true))
	path := filepath.Join(t.TempDir(), "foo.ccs")
	require.NoError(t, cs.WriteFile(path, VersionFileIDIdx))
	require.NoError(t, cs.Close())

	dir := t.TempDir()
	read, err := ReadFile(path, ReadOptions{SpillThreshold: 100, TempDir: dir})
	require.NoError(t, err)

	// Read in reverse, so the earlier records have to be kept.
	for i := len(specs) - 1; i >= 0; i-- {
		assert.Equal(t, specs[i].contents, contentsOf(t, read, specs[i].path, specs[i]))
	}
	spilled, err := filepath.Glob(filepath.Join(dir, "changeset-*"))
	require.NoError(t, err)
	assert.NotEmpty(t, spilled)

	require.NoError(t, read.Close())
	spilled, err = filepath.Glob(filepath.Join(dir, "changeset-*"))
	require.NoError(t, err)
	assert.Empty(t, spilled)
}

func TestTruncatedContainer(t *testing.T) {
	src := newMemSource()
	trv := src.add(t, "foo:runtime", "/localhost@rpl:linux/1.0-1-1",
		fileSpec{path: "/usr/bin/foo", contents: strings.Repeat("x", 5000)})
	cs := build(t, src, trove.InstallJob(trv.Tuple(), true))
	var buf bytes.Buffer
	require.NoError(t, cs.Write(&buf, VersionFileIDIdx))

	truncated := buf.Bytes()[:buf.Len()-10]
	read, err := Read(bytes.NewReader(truncated), ReadOptions{})
	if err == nil {
		err = read.Walk(func(k Key, c *Content) error {
			_, err := c.Bytes()
			return err
		})
	}
	assert.Error(t, err)

	_, err = Read(bytes.NewReader([]byte("NOTACHANGESET")), ReadOptions{})
	assert.Error(t, err)
}

func TestMerge(t *testing.T) {
	src := newMemSource()
	foo := src.add(t, "foo:runtime", "/localhost@rpl:linux/1.0-1-1", fileSpec{path: "/usr/bin/foo", contents: "foo"})
	bar := src.add(t, "bar:runtime", "/localhost@rpl:linux/1.0-1-1", fileSpec{path: "/usr/bin/bar", contents: "bar"})

	cs := build(t, src, trove.InstallJob(foo.Tuple(), true))
	defer cs.Close()
	other := build(t, src, trove.InstallJob(bar.Tuple(), true), trove.InstallJob(foo.Tuple(), true))
	require.NoError(t, cs.Merge(other, MergeOptions{}))

	assert.Len(t, cs.NewTroves(), 2)
	assert.Len(t, cs.Primary(), 2)
	keys, err := cs.ContentKeys()
	require.NoError(t, err)
	assert.Len(t, keys, 2)

	// An absolute and a relative stream for one file don't merge.
	a := New()
	b := New()
	id := digest.Sum([]byte("file"))
	a.AddFileStream(files.FileID{}, id, []byte{'-'})
	b.AddFileStream(digest.Sum([]byte("old")), id, []byte{1})
	assert.Error(t, a.Merge(b, MergeOptions{}))
	assert.NoError(t, a.Merge(b, MergeOptions{LastWins: true}))

	// Change sets of one trove from different old versions don't merge.
	foo11 := src.add(t, "foo:runtime", "/localhost@rpl:linux/1.1-1-1", fileSpec{path: "/usr/bin/foo", contents: "foo 1.1"})
	relative := build(t, src, trove.UpdateJob(foo.Tuple(), foo11.Tuple()))
	defer relative.Close()
	absolute := build(t, src, trove.InstallJob(foo11.Tuple(), true))
	defer absolute.Close()
	err = relative.Merge(absolute, MergeOptions{LastWins: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "from nothing")
	tcs, ok := relative.NewTrove(foo11.Tuple())
	require.True(t, ok)
	assert.True(t, tcs.OldVersion().Equal(foo.Version()))
}

func TestRemoveCommitted(t *testing.T) {
	src := newMemSource()
	foo := src.add(t, "foo:runtime", "/localhost@rpl:linux/1.0-1-1", fileSpec{path: "/usr/bin/foo", contents: "foo"})
	bar := src.add(t, "bar:runtime", "/localhost@rpl:linux/1.0-1-1", fileSpec{path: "/usr/bin/bar", contents: "bar"})
	cs := build(t, src, trove.InstallJob(foo.Tuple(), true), trove.InstallJob(bar.Tuple(), true))
	defer cs.Close()

	repos := newMemSource()
	repos.troves[foo.Tuple().Key()] = foo
	left, err := cs.RemoveCommitted(context.Background(), repos)
	require.NoError(t, err)
	assert.True(t, left)
	require.Len(t, cs.NewTroves(), 1)
	assert.Equal(t, "bar:runtime", cs.NewTroves()[0].Name())
	keys, err := cs.ContentKeys()
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, files.PathIDFor("/usr/bin/bar"), keys[0].PathID)
	assert.Len(t, cs.FileStreamKeys(), 1)

	left, err = cs.RemoveCommitted(context.Background(), src)
	require.NoError(t, err)
	assert.False(t, left)
}

func TestBuildExternal(t *testing.T) {
	src := newMemSource()
	trv := src.add(t, "foo:runtime", "/other.host@rpl:linux/1.0-1-1", fileSpec{path: "/usr/bin/foo", contents: "foo"})
	cs, ext, err := Build(context.Background(), src, []trove.Job{trove.InstallJob(trv.Tuple(), true)}, BuildOptions{
		WithFiles:          true,
		AuthoritativeHosts: []string{"localhost"},
	})
	require.NoError(t, err)
	defer cs.Close()
	assert.Empty(t, cs.NewTroves())
	assert.Len(t, ext.Jobs, 1)

	_, _, err = Build(context.Background(), src, []trove.Job{
		trove.InstallJob(trove.NewTuple("missing:runtime", v("/localhost@rpl:linux/1.0-1-1"), nil), true),
	}, BuildOptions{})
	assert.True(t, errs.IsTroveMissing(err))
}

func TestGitDiff(t *testing.T) {
	src := newMemSource()
	text := fileSpec{path: "/etc/foo", contents: "hello\n"}
	binary := fileSpec{path: "/usr/lib/foo.so", contents: "\x7fELF\x00\x01"}
	trv := src.add(t, "foo:runtime", "/localhost@rpl:linux/1.0-1-1", text, binary)
	cs := build(t, src, trove.InstallJob(trv.Tuple(), true))
	defer cs.Close()

	var out bytes.Buffer
	require.NoError(t, GitDiff(context.Background(), &out, cs, src))
	str := out.String()
	assert.Contains(t, str, "diff --git a/etc/foo b/etc/foo\nnew user root\nnew group root\nnew mode 100644\n")
	assert.Contains(t, str, "--- a/dev/null\n+++ b/etc/foo\n")
	assert.Contains(t, str, "+hello\n")
	assert.Contains(t, str, "GIT binary patch\nliteral 6\n")

	erase := build(t, src, trove.EraseJob(trv.Tuple()))
	out.Reset()
	require.NoError(t, GitDiff(context.Background(), &out, erase, src))
	assert.Contains(t, out.String(), "deleted file mode 100644\nBinary files /etc/foo and /dev/null differ\n")
}

func TestEncodeBase85(t *testing.T) {
	assert.Equal(t, "00000", encodeBase85([]byte{0, 0, 0, 0}))
	assert.Equal(t, "|NsC0", encodeBase85([]byte{0xff, 0xff, 0xff, 0xff}))
	assert.Equal(t, byte('A'), base85LengthChar(1))
	assert.Equal(t, byte('Z'), base85LengthChar(26))
	assert.Equal(t, byte('z'), base85LengthChar(52))
}
