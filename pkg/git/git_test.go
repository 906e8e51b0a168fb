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

package git

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func commitFile(t *testing.T, repo *gogit.Repository, dir string, name string, content string) string {
	require.NoError(t, os.MkdirAll(filepath.Dir(filepath.Join(dir, name)), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add(name)
	require.NoError(t, err)
	hash, err := wt.Commit("add "+name, &gogit.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.com", When: time.Now()},
	})
	require.NoError(t, err)
	return hash.String()
}

func TestNormalizeURL(t *testing.T) {
	assert.Equal(t, "https://github.com/foo/bar", normalizeURL("github.com/foo/bar"))
	assert.Equal(t, "http://example.com/x", normalizeURL("http://example.com/x"))
	abs, err := filepath.Abs("x")
	require.NoError(t, err)
	assert.Equal(t, abs, normalizeURL(abs))
}

func TestSSHURL(t *testing.T) {
	u, err := sshURL("https://github.com/foo/bar")
	require.NoError(t, err)
	assert.Equal(t, "ssh://git@github.com:/foo/bar.git", u)
}

func TestSyncLocalChannel(t *testing.T) {
	ctx := context.Background()
	origin := t.TempDir()
	repo, err := gogit.PlainInit(origin, false)
	require.NoError(t, err)
	first := commitFile(t, repo, origin, "a.ccs", "one")

	dir := filepath.Join(t.TempDir(), "channels", "test")
	hash, err := Sync(ctx, dir, Options{URL: origin})
	require.NoError(t, err)
	assert.Equal(t, first, hash)

	files, err := ChangeSetFiles(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "a.ccs")}, files)

	second := commitFile(t, repo, origin, "sub/b.ccs", "two")
	commitFile(t, repo, origin, "README", "not a changeset")
	hash, err = Sync(ctx, dir, Options{URL: origin})
	require.NoError(t, err)
	assert.NotEqual(t, first, hash)

	files, err = ChangeSetFiles(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "a.ccs"), filepath.Join(dir, "sub", "b.ccs")}, files)

	hash, err = Sync(ctx, dir, Options{URL: origin, Hash: second})
	require.NoError(t, err)
	assert.Equal(t, second, hash)
}

func TestCloneMissing(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "x")
	_, err := Clone(context.Background(), dir, Options{URL: filepath.Join(t.TempDir(), "nope")})
	require.Error(t, err)
	_, statErr := os.Stat(dir)
	assert.True(t, os.IsNotExist(statErr))
}
