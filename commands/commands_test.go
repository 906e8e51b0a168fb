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

package commands

import (
	"bytes"
	"context"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/toitlang/trove/pkg/files"
	"github.com/toitlang/trove/pkg/netserver"
	"github.com/toitlang/trove/pkg/repository"
)

type memoryStore struct {
	cfg    Config
	stores int
}

func (s *memoryStore) Load(ctx context.Context) (*Config, error) {
	cfg := s.cfg
	return &cfg, nil
}

func (s *memoryStore) Store(ctx context.Context, cfg *Config) error {
	s.cfg = *cfg
	s.stores++
	return nil
}

func newStore(t *testing.T) *memoryStore {
	return &memoryStore{cfg: Config{CachePath: t.TempDir()}}
}

func quietLogger() logrus.FieldLogger {
	log, _ := test.NewNullLogger()
	return log
}

type result struct {
	out    string
	errOut string
	err    error
}

func runTrove(t *testing.T, store ConfigStore, args ...string) result {
	t.Helper()
	var runErr error
	run := func(f CobraErrorCommand) CobraCommand {
		return func(cmd *cobra.Command, args []string) {
			runErr = f(cmd, args)
		}
	}
	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
	cmd, err := Trove(run, store, NewWriterUI(out, errOut), quietLogger())
	require.NoError(t, err)
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	cmd.SetArgs(args)
	require.NoError(t, cmd.ExecuteContext(context.Background()))
	return result{out: out.String(), errOut: errOut.String(), err: runErr}
}

func mustRun(t *testing.T, store ConfigStore, args ...string) result {
	t.Helper()
	res := runTrove(t, store, args...)
	require.NoError(t, res.err, res.errOut)
	return res
}

func writeFile(t *testing.T, path string, contents string, perm os.FileMode) {
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(contents), perm))
	require.NoError(t, os.Chmod(path, perm))
}

const manifestTemplate = `name: foo:runtime
version: /example.com@rpl:linux/%s
source_name: foo:source
files:
  - path: /usr/bin/foo
    source: build/foo
    perms: "0755"
  - path: /etc/foo.conf
    source: foo.conf
    config: true
`

// buildFoo writes the sources of foo:runtime to dir and creates its
// change set.
func buildFoo(t *testing.T, store ConfigStore, dir string, version string, binary string) string {
	writeFile(t, filepath.Join(dir, "build", "foo"), binary, 0755)
	writeFile(t, filepath.Join(dir, "foo.conf"), "verbose = false\n", 0644)
	manifest := filepath.Join(dir, "foo.yaml")
	writeFile(t, manifest, fmt.Sprintf(manifestTemplate, version), 0644)
	ccs := filepath.Join(dir, "foo-"+version+".ccs")
	res := mustRun(t, store, "cs", "create", manifest, ccs)
	assert.Contains(t, res.out, "trove commit")
	return ccs
}

func TestInstallLocalChangeSet(t *testing.T) {
	store := newStore(t)
	root := t.TempDir()
	ccs := buildFoo(t, store, t.TempDir(), "1.0-1-1", "#!/bin/sh\necho foo\n")

	res := mustRun(t, store, "showcs", ccs)
	assert.Contains(t, res.out, "foo:runtime=/example.com@rpl:linux/1.0-1-1")

	res = mustRun(t, store, "--root", root, "update", "--test", ccs)
	assert.Contains(t, res.out, "+foo:runtime=/example.com@rpl:linux/1.0-1-1")
	_, err := os.Stat(filepath.Join(root, "usr", "bin", "foo"))
	assert.True(t, os.IsNotExist(err))

	journal := filepath.Join(t.TempDir(), "journal.sh")
	mustRun(t, store, "--root", root, "update", "--journal", journal, ccs)
	data, err := os.ReadFile(filepath.Join(root, "usr", "bin", "foo"))
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\necho foo\n", string(data))
	script, err := os.ReadFile(journal)
	require.NoError(t, err)
	assert.Contains(t, string(script), "#!/bin/sh\nset -e\n")
	assert.Contains(t, string(script), "chown -h")

	res = mustRun(t, store, "--root", root, "query")
	assert.Equal(t, "foo:runtime=/example.com@rpl:linux/1.0-1-1\n", res.out)
	res = mustRun(t, store, "--root", root, "query", "-i", "-l", "foo:runtime")
	assert.Contains(t, res.out, "Source    : foo:source")
	assert.Contains(t, res.out, "/usr/bin/foo")
	assert.Contains(t, res.out, "/etc/foo.conf")

	// Installing the same change set again has nothing to do.
	res = mustRun(t, store, "--root", root, "update", ccs)
	assert.Contains(t, res.out, "Nothing to do")

	res = mustRun(t, store, "--root", root, "verify")
	assert.Empty(t, res.out)

	conf := filepath.Join(root, "etc", "foo.conf")
	writeFile(t, conf, "verbose = true\n", 0644)
	res = runTrove(t, store, "--root", root, "verify", "foo:runtime")
	require.Error(t, res.err)
	assert.Contains(t, res.errOut, "1 file(s) differ")
	assert.Contains(t, res.out, "foo.conf")
	assert.Contains(t, res.out, "+verbose = true")
	writeFile(t, conf, "verbose = false\n", 0644)

	updated := buildFoo(t, store, t.TempDir(), "1.1-1-1", "#!/bin/sh\necho foo 1.1\n")
	res = mustRun(t, store, "--root", root, "update", updated)
	assert.Contains(t, res.out, "foo:runtime=/example.com@rpl:linux/1.0-1-1--foo:runtime=/example.com@rpl:linux/1.1-1-1")
	data, err = os.ReadFile(filepath.Join(root, "usr", "bin", "foo"))
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\necho foo 1.1\n", string(data))

	res = mustRun(t, store, "--root", root, "erase", "foo:runtime")
	assert.Contains(t, res.out, "-foo:runtime=/example.com@rpl:linux/1.1-1-1")
	_, err = os.Stat(filepath.Join(root, "usr", "bin", "foo"))
	assert.True(t, os.IsNotExist(err))
	res = mustRun(t, store, "--root", root, "query")
	assert.Empty(t, res.out)
}

const groupManifest = `name: group-dist
version: /example.com@rpl:linux/1.0-1-1
troves:
  - name: foo:runtime
    version: /example.com@rpl:linux/1.0-1-1
`

func TestInstallCollection(t *testing.T) {
	store := newStore(t)
	root := t.TempDir()
	dir := t.TempDir()
	foo := buildFoo(t, store, dir, "1.0-1-1", "#!/bin/sh\necho foo\n")
	manifest := filepath.Join(dir, "group.yaml")
	writeFile(t, manifest, groupManifest, 0644)
	group := filepath.Join(dir, "group-dist.ccs")
	mustRun(t, store, "cs", "create", manifest, group)

	// The components of the collection must come from somewhere.
	res := runTrove(t, store, "--root", root, "update", group)
	require.Error(t, res.err)
	assert.Contains(t, res.errOut, "no source can build +foo:runtime=/example.com@rpl:linux/1.0-1-1")

	res = mustRun(t, store, "--root", root, "update", group, foo)
	assert.Contains(t, res.out, "+group-dist=/example.com@rpl:linux/1.0-1-1")
	assert.Contains(t, res.out, "+foo:runtime=/example.com@rpl:linux/1.0-1-1")
	data, err := os.ReadFile(filepath.Join(root, "usr", "bin", "foo"))
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\necho foo\n", string(data))

	res = mustRun(t, store, "--root", root, "query")
	assert.Contains(t, res.out, "group-dist=/example.com@rpl:linux/1.0-1-1\n")
	assert.Contains(t, res.out, "foo:runtime=/example.com@rpl:linux/1.0-1-1\n")
}

func TestShowDiff(t *testing.T) {
	store := newStore(t)
	ccs := buildFoo(t, store, t.TempDir(), "1.0-1-1", "#!/bin/sh\necho foo\n")
	res := mustRun(t, store, "--root", t.TempDir(), "showcs", "--diff", ccs)
	assert.Contains(t, res.out, "usr/bin/foo")
	assert.Contains(t, res.out, "+echo foo")
}

func TestRepository(t *testing.T) {
	t.Setenv("no_proxy", "*")
	repo, err := repository.Open(t.TempDir(), repository.WithLogger(quietLogger()), repository.WithSerializedCommits())
	require.NoError(t, err)
	defer repo.Close()
	s, err := netserver.New(repo, netserver.WithLogger(quietLogger()))
	require.NoError(t, err)
	defer s.Close()
	srv := httptest.NewServer(s)
	defer srv.Close()

	store := newStore(t)
	store.cfg.RepositoryMap = map[string]string{"example.com": srv.URL}
	store.cfg.InstallLabelPath = []string{"example.com@rpl:linux"}
	store.cfg.Flavor = "is: x86_64"
	store.cfg.Retries = 1
	ccs := buildFoo(t, store, t.TempDir(), "1.0-1-1", "#!/bin/sh\necho foo\n")

	res := mustRun(t, store, "commit", ccs)
	assert.Equal(t, "foo:runtime=/example.com@rpl:linux/1.0-1-1\n", res.out)

	res = mustRun(t, store, "query", "--remote", "foo:runtime")
	assert.Equal(t, "foo:runtime=/example.com@rpl:linux/1.0-1-1\n", res.out)

	res = runTrove(t, store, "query", "--remote", "bar:runtime")
	require.Error(t, res.err)
	assert.Contains(t, res.errOut, "bar:runtime")

	out := filepath.Join(t.TempDir(), "fetched.ccs")
	mustRun(t, store, "changeset", "foo:runtime", out)
	res = mustRun(t, store, "showcs", out)
	assert.Contains(t, res.out, "foo:runtime=/example.com@rpl:linux/1.0-1-1")

	root := t.TempDir()
	res = mustRun(t, store, "--root", root, "update", "foo:runtime")
	assert.Contains(t, res.out, "+foo:runtime=/example.com@rpl:linux/1.0-1-1")
	data, err := os.ReadFile(filepath.Join(root, "usr", "bin", "foo"))
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\necho foo\n", string(data))

	// Committing the same trove twice fails.
	res = runTrove(t, store, "commit", ccs)
	require.Error(t, res.err)
	assert.NotEmpty(t, res.errOut)
}

func commitAll(t *testing.T, dir string) {
	repo, err := gogit.PlainInit(dir, false)
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)
	require.NoError(t, wt.AddGlob("*.ccs"))
	_, err = wt.Commit("add change sets", &gogit.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.com", When: time.Now()},
	})
	require.NoError(t, err)
}

func TestChannels(t *testing.T) {
	store := newStore(t)
	channelRepo := t.TempDir()
	buildFoo(t, store, channelRepo, "1.0-1-1", "#!/bin/sh\necho foo\n")
	commitAll(t, channelRepo)

	mustRun(t, store, "channel", "add", "stable", channelRepo)
	assert.Equal(t, 1, store.stores)
	require.Len(t, store.cfg.Channels, 1)
	assert.Equal(t, ChannelConfig{Name: "stable", URL: channelRepo}, store.cfg.Channels[0])

	res := runTrove(t, store, "channel", "add", "stable", channelRepo)
	require.Error(t, res.err)
	assert.Contains(t, res.errOut, "channel 'stable' already exists")
	assert.Contains(t, res.out, "trove channel sync stable")
	assert.Equal(t, 1, store.stores)

	res = mustRun(t, store, "channel", "list")
	assert.Equal(t, "stable: "+channelRepo+"\n", res.out)

	mustRun(t, store, "channel", "sync")
	res = runTrove(t, store, "channel", "sync", "unknown")
	require.Error(t, res.err)
	assert.Contains(t, res.errOut, "Channel 'unknown' not found")

	cfg := store.cfg
	h := &troveHandler{cfg: &cfg, ui: NullUI, log: quietLogger()}
	dir, err := h.channelDir(cfg.Channels[0])
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, ".git"))
	require.NoError(t, err)

	db, err := repository.Open(t.TempDir(), repository.AsDatabase(t.TempDir()), repository.WithLogger(quietLogger()))
	require.NoError(t, err)
	defer db.Close()
	src, err := h.channelSource(context.Background(), db)
	require.NoError(t, err)
	require.NotNil(t, src)
	defer src.Close()
	found, err := src.TrovesByName(context.Background(), "foo:runtime")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "foo:runtime=/example.com@rpl:linux/1.0-1-1", found[0].String())

	mustRun(t, store, "channel", "remove", "stable")
	assert.Empty(t, store.cfg.Channels)
	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
}

func TestServerConfig(t *testing.T) {
	dir := t.TempDir()
	proxyOnly := filepath.Join(dir, "proxy.yaml")
	writeFile(t, proxyOnly, "name: p\nproxy:\n  strategies:\n  - filter: '*'\n    targets: [DIRECT]\n", 0644)
	repoOnly := filepath.Join(dir, "repo.yaml")
	writeFile(t, repoOnly, "name: r\nrepository: "+filepath.Join(dir, "repo")+"\n", 0644)

	tests := []struct {
		name    string
		args    []string
		wantErr string
		wantOut string
	}{
		{
			name:    "serve without repository",
			args:    []string{"serve", "--config", proxyOnly},
			wantErr: "names no repository",
			wantOut: "trove proxy --config " + proxyOnly,
		},
		{
			name:    "proxy without proxy section",
			args:    []string{"proxy", "--config", repoOnly},
			wantErr: "has no proxy section",
		},
		{
			name:    "missing configuration",
			args:    []string{"serve", "--config", filepath.Join(dir, "missing.yaml")},
			wantErr: "reading server configuration",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res := runTrove(t, newStore(t), tc.args...)
			require.Error(t, res.err)
			assert.Contains(t, res.errOut, tc.wantErr)
			assert.Contains(t, res.out, tc.wantOut)
		})
	}
}

func TestManifest(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "foo"), "foo\n", 0644)

	yes, no := true, false
	base := func() *Manifest {
		return &Manifest{
			Name:       "foo:runtime",
			Version:    "/example.com@rpl:linux/1.0-1-1",
			SourceName: "foo:source",
			Files:      []ManifestFile{{Path: "/usr/bin/foo", Source: "foo", Perms: "0755", Config: true}},
			Troves: []ManifestTrove{
				{Name: "foo:lib", Version: "/example.com@rpl:linux/1.0-1-1"},
				{Name: "foo:doc", Version: "/example.com@rpl:linux/1.0-1-1", ByDefault: &no},
				{Name: "foo:data", Version: "/example.com@rpl:linux/1.0-1-1", ByDefault: &yes},
			},
		}
	}

	t.Run("build", func(t *testing.T) {
		trv, src, err := base().Build(dir, time.Unix(1000, 0))
		require.NoError(t, err)
		assert.Equal(t, "foo:source", trv.SourceName())
		refs := trv.Files()
		require.Len(t, refs, 1)
		assert.Equal(t, "/usr/bin/foo", refs[0].Path)
		f := src.files[refs[0].FileID]
		require.NotNil(t, f)
		assert.EqualValues(t, 0755, f.Inode.Perms.Get())
		assert.True(t, f.Flags.Has(files.FlagConfig))

		byDefault := map[string]bool{}
		for _, ref := range trv.Troves() {
			byDefault[ref.Tuple.Name] = ref.ByDefault
		}
		assert.Equal(t, map[string]bool{"foo:lib": true, "foo:doc": false, "foo:data": true}, byDefault)

		cs, err := src.changeSet(context.Background(), trv)
		require.NoError(t, err)
		defer cs.Close()
		assert.False(t, cs.IsEmpty())
	})

	tests := []struct {
		name    string
		modify  func(m *Manifest)
		wantErr string
	}{
		{"bad name", func(m *Manifest) { m.Name = "foo bar" }, "invalid trove name"},
		{"branch version", func(m *Manifest) { m.Version = "/example.com@rpl:linux" }, "no revision"},
		{"relative path", func(m *Manifest) { m.Files[0].Path = "usr/bin/foo" }, "must be absolute"},
		{"bad perms", func(m *Manifest) { m.Files[0].Perms = "0999" }, "bad permissions"},
		{"missing source", func(m *Manifest) { m.Files[0].Source = "nope" }, "nope"},
		{"bad include", func(m *Manifest) { m.Troves[0].Version = "garbage" }, "foo:lib"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m := base()
			tc.modify(m)
			_, _, err := m.Build(dir, time.Unix(1000, 0))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}

	t.Run("unknown field", func(t *testing.T) {
		path := filepath.Join(dir, "bad.yaml")
		writeFile(t, path, "name: foo:runtime\nbogus: 1\n", 0644)
		_, err := LoadManifest(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "bogus")
	})
}

func TestScriptJournal(t *testing.T) {
	var buf bytes.Buffer
	j := newScriptJournal(&buf)
	require.NoError(t, j.Lchown("/r", "/r/usr/bin/foo", "root", "wheel"))
	require.NoError(t, j.Lchown("/r", "/r/my file", "bin", "bin"))
	require.NoError(t, j.Mknod("/r", "/r/dev/null", files.KindChar, 1, 3, 0666, "root", "root"))
	assert.Equal(t, `#!/bin/sh
set -e
chown -h root:wheel /r/usr/bin/foo
chown -h bin:bin '/r/my file'
mknod -m 0666 /r/dev/null c 1 3
chown root:root /r/dev/null
`, buf.String())
}

func TestSuggest(t *testing.T) {
	var out, errOut bytes.Buffer
	ui := NewWriterUI(&out, &errOut)
	ui.Suggest("trove", "commit", "my file.ccs")
	assert.Equal(t, "Run 'trove commit 'my file.ccs'' to continue.\n", out.String())
	err := ui.ReportError("no %s", "luck")
	assert.True(t, IsErrAlreadyReported(err))
	assert.Equal(t, "Error: no luck\n", errOut.String())
}
