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

package files

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/toitlang/trove/pkg/deps"
	"github.com/toitlang/trove/pkg/digest"
	"github.com/toitlang/trove/pkg/errs"
)

func regularFile(contents string, perms uint16, mtime uint32) *File {
	f := New(KindRegular, PathIDFor("/etc/foo"))
	f.Inode.Set(perms, mtime, "root", "root")
	f.Flags.Set(0)
	f.Contents.Size.Set(uint64(len(contents)))
	f.Contents.Sha1.SetSha1(digest.Sum([]byte(contents)))
	return f
}

func TestPathID(t *testing.T) {
	p := PathIDFor("/usr/bin/foo")
	parsed, err := ParsePathID(p.String())
	require.NoError(t, err)
	assert.Equal(t, p, parsed)
	assert.Len(t, p.String(), 32)

	_, err = ParsePathID("abcd")
	assert.Error(t, err)
	_, err = PathIDFromBytes([]byte{1, 2})
	assert.Error(t, err)
}

func TestFreezeThaw(t *testing.T) {
	t.Run("regular", func(t *testing.T) {
		f := regularFile("hello\n", 0644, 1000)
		f.Flags.SetFlag(FlagConfig, true)
		f.Tags.Add("initscript")
		f.Requires.Set(deps.MustParseDep("file: /bin/sh"))
		frz := f.Freeze(nil)
		assert.Equal(t, byte('-'), frz[0])

		thawed, err := Thaw(frz, f.PathID)
		require.NoError(t, err)
		assert.True(t, f.Equal(thawed))
		assert.True(t, thawed.Flags.IsConfig())
		assert.Equal(t, []string{"initscript"}, thawed.Tags.Get())
		assert.Equal(t, f.FileID(), thawed.FileID())
		assert.Equal(t, frz, thawed.Freeze(nil))
	})

	t.Run("symlink", func(t *testing.T) {
		f := New(KindSymlink, PathIDFor("/lib/libfoo.so"))
		f.Inode.Set(0777, 1, "root", "root")
		f.Target.Set("libfoo.so.1")
		thawed, err := Thaw(f.Freeze(nil), f.PathID)
		require.NoError(t, err)
		assert.Equal(t, "libfoo.so.1", thawed.Target.Get())
		assert.Equal(t, "lrwxrwxrwx", thawed.ModeString())
	})

	t.Run("device", func(t *testing.T) {
		f := New(KindChar, PathIDFor("/dev/null"))
		f.Inode.Set(0666, 1, "root", "root")
		f.Device.Major.Set(1)
		f.Device.Minor.Set(3)
		thawed, err := Thaw(f.Freeze(nil), f.PathID)
		require.NoError(t, err)
		assert.Equal(t, uint32(3), thawed.Device.Minor.Get())
		assert.Equal(t, "  1,   3", thawed.SizeString())
	})

	_, err := Thaw(nil, PathID{})
	assert.Error(t, err)
	_, err = Thaw([]byte("x"), PathID{})
	assert.Error(t, err)
}

func TestFileIDIgnoresMtime(t *testing.T) {
	a := regularFile("contents", 0644, 100)
	b := regularFile("contents", 0644, 200)
	assert.Equal(t, a.FileID(), b.FileID())
	assert.True(t, a.Equal(b))

	c := regularFile("contents", 0600, 100)
	assert.NotEqual(t, a.FileID(), c.FileID())
	assert.True(t, a.CompatibleWith(b))
	assert.False(t, a.CompatibleWith(c))
}

func TestDiffAndApply(t *testing.T) {
	old := regularFile("one", 0644, 100)
	changed := regularFile("two", 0755, 100)

	diff := changed.Diff(old)
	require.True(t, IsRelativeDiff(diff))
	assert.True(t, ContentsChanged(diff))

	applied, err := ApplyDiff(old, diff, old.PathID)
	require.NoError(t, err)
	assert.True(t, changed.Equal(applied))
	assert.Equal(t, changed.FileID(), applied.FileID())

	names, err := FieldsChanged(diff)
	require.NoError(t, err)
	assert.Equal(t, []string{"contents(sha1)", "inode(perms)"}, names)

	// A change of kind is an absolute diff.
	dir := New(KindDirectory, old.PathID)
	dir.Inode.Set(0755, 100, "root", "root")
	diff = dir.Diff(old)
	assert.False(t, IsRelativeDiff(diff))
	names, err = FieldsChanged(diff)
	require.NoError(t, err)
	assert.Equal(t, []string{"type"}, names)
	applied, err = ApplyDiff(old, diff, old.PathID)
	require.NoError(t, err)
	assert.Equal(t, KindDirectory, applied.Kind)

	_, err = ApplyDiff(nil, changed.Diff(old), old.PathID)
	assert.Error(t, err)
}

func TestTwm(t *testing.T) {
	base := regularFile("base", 0644, 1)
	theirs := regularFile("base", 0600, 1)
	diff := theirs.Diff(base)

	// Local file unchanged: the diff applies.
	local := base.Copy()
	conflict, err := local.Twm(diff, base, nil)
	require.NoError(t, err)
	assert.False(t, conflict)
	assert.Equal(t, uint16(0600), local.Inode.Perms.Get())

	// Local change to the same value is fine.
	local = theirs.Copy()
	conflict, err = local.Twm(diff, base, nil)
	require.NoError(t, err)
	assert.False(t, conflict)

	// Local change to a different value conflicts.
	local = regularFile("base", 0640, 1)
	conflict, err = local.Twm(diff, base, nil)
	require.NoError(t, err)
	assert.True(t, conflict)

	_, err = local.Twm(theirs.Freeze(nil), base, nil)
	assert.Error(t, err)
}

func TestLinkGroup(t *testing.T) {
	old := regularFile("x", 0644, 1)
	old.LinkGroup.SetBytes(bytes.Repeat([]byte{7}, 20))
	cleared := regularFile("x", 0644, 1)

	diff := cleared.Diff(old)
	applied, err := ApplyDiff(old, diff, old.PathID)
	require.NoError(t, err)
	assert.Equal(t, "", applied.LinkGroup.Get())
}

func TestPermsString(t *testing.T) {
	tests := []struct {
		perms    uint16
		expected string
	}{
		{0644, "rw-r--r--"},
		{0755, "rwxr-xr-x"},
		{04755, "rwsr-xr-x"},
		{02644, "rw-r-Sr--"},
		{01777, "rwxrwxrwt"},
	}
	for _, test := range tests {
		var i Inode
		i.Perms.Set(test.perms)
		assert.Equal(t, test.expected, i.PermsString())
	}
}

type recordingJournal struct {
	chowns []string
	nodes  []string
}

func (j *recordingJournal) Lchown(root, target, owner, group string) error {
	j.chowns = append(j.chowns, target+" "+owner+":"+group)
	return nil
}

func (j *recordingJournal) Mknod(root, target string, kind Kind, major, minor uint32, perms uint16, owner, group string) error {
	j.nodes = append(j.nodes, target)
	return nil
}

func TestRestore(t *testing.T) {
	root := t.TempDir()
	journal := &recordingJournal{}
	opts := RestoreOptions{Journal: journal, Verify: true}

	t.Run("regular", func(t *testing.T) {
		f := regularFile("hello world\n", 0640, 1234567)
		target := filepath.Join(root, "etc", "foo")
		require.NoError(t, f.Restore(bytes.NewReader([]byte("hello world\n")), root, target, opts))

		data, err := os.ReadFile(target)
		require.NoError(t, err)
		assert.Equal(t, "hello world\n", string(data))
		fi, err := os.Stat(target)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0640), fi.Mode().Perm())
		assert.Equal(t, int64(1234567), fi.ModTime().Unix())
		assert.Contains(t, journal.chowns, target+" root:root")
	})

	t.Run("bad contents", func(t *testing.T) {
		f := regularFile("expected", 0644, 1)
		target := filepath.Join(root, "bad")
		err := f.Restore(bytes.NewReader([]byte("something else")), root, target, opts)
		require.Error(t, err)
		assert.True(t, errs.IsIntegrity(err))
		_, err = os.Stat(target)
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("symlink", func(t *testing.T) {
		f := New(KindSymlink, PathIDFor("/link"))
		f.Inode.Set(0777, 1, "root", "root")
		f.Target.Set("etc/foo")
		target := filepath.Join(root, "link")
		require.NoError(t, f.Restore(nil, root, target, opts))
		dest, err := os.Readlink(target)
		require.NoError(t, err)
		assert.Equal(t, "etc/foo", dest)
	})

	t.Run("directory", func(t *testing.T) {
		f := New(KindDirectory, PathIDFor("/var/lib/foo"))
		f.Inode.Set(0700, 1, "root", "root")
		target := filepath.Join(root, "var", "lib", "foo")
		require.NoError(t, f.Restore(nil, root, target, opts))
		fi, err := os.Stat(target)
		require.NoError(t, err)
		assert.True(t, fi.IsDir())
		assert.Equal(t, os.FileMode(0700), fi.Mode().Perm())

		assert.True(t, errs.IsNotImplemented(f.Remove(target)))
	})

	t.Run("device", func(t *testing.T) {
		f := New(KindChar, PathIDFor("/dev/null"))
		f.Inode.Set(0666, 1, "root", "root")
		f.Device.Major.Set(1)
		f.Device.Minor.Set(3)
		target := filepath.Join(root, "dev", "null")
		require.NoError(t, f.Restore(nil, root, target, opts))
		assert.Equal(t, []string{target}, journal.nodes)
	})
}

func TestFromFilesystem(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data")
	require.NoError(t, os.WriteFile(path, []byte("some data"), 0600))

	f, err := FromFilesystem(path, PathIDFor("/data"))
	require.NoError(t, err)
	assert.Equal(t, KindRegular, f.Kind)
	assert.Equal(t, uint64(9), f.Contents.Size.Get())
	assert.Equal(t, digest.Sum([]byte("some data")), f.Sha1())
	assert.Equal(t, uint16(0600), f.Inode.Perms.Get())

	link := filepath.Join(dir, "link")
	require.NoError(t, os.Symlink("data", link))
	f, err = FromFilesystem(link, PathIDFor("/link"))
	require.NoError(t, err)
	assert.Equal(t, KindSymlink, f.Kind)
	assert.Equal(t, "data", f.Target.Get())
}
