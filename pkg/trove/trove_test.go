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

package trove

import (
	"bytes"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/toitlang/trove/pkg/deps"
	"github.com/toitlang/trove/pkg/digest"
	"github.com/toitlang/trove/pkg/errs"
	"github.com/toitlang/trove/pkg/files"
	"github.com/toitlang/trove/pkg/streams"
	"github.com/toitlang/trove/pkg/versions"
)

func v(str string) versions.Version {
	return versions.MustParse(str).WithTimestamp(1000)
}

func component(t *testing.T, version string, paths ...string) *Trove {
	trv := New("foo:runtime", v(version), deps.MustParseFlavor("is: x86"))
	for _, p := range paths {
		id := files.PathIDFor(p)
		require.NoError(t, trv.AddFile(id, p, trv.Version(), digest.Sum([]byte(p+version))))
	}
	trv.Info.SourceName.Set("foo:source")
	trv.SetRequires(deps.MustParseDep("file: /bin/sh"))
	trv.ComputePathHashes()
	trv.ComputeDigests()
	return trv
}

func TestFreezeThaw(t *testing.T) {
	trv := component(t, "/localhost@rpl:linux/1.0-1-1", "/etc/foo", "/usr/bin/foo")
	trv.ChangeLog.Name.Set("someone")
	trv.ChangeLog.Message.Set("initial commit\n")
	// The change log is part of the digests.
	assert.False(t, trv.VerifyDigests())
	trv.ComputeDigests()

	thawed, err := Thaw(trv.Freeze())
	require.NoError(t, err)
	assert.True(t, trv.Equal(thawed))
	assert.Equal(t, trv.Freeze(), thawed.Freeze())
	assert.True(t, thawed.VerifyDigests())
	assert.Equal(t, trv.Digest(), thawed.Digest())
	assert.False(t, thawed.IsIncomplete())
	assert.Equal(t, "foo:source", thawed.SourceName())
	assert.Len(t, thawed.Files(), 2)
	assert.Equal(t, 1000.0, thawed.Version().Timestamp())
	assert.False(t, thawed.IsCollection())
}

func TestUnknownInfoMarksIncomplete(t *testing.T) {
	trv := component(t, "/localhost@rpl:linux/1.0-1-1", "/etc/foo")
	trv.Info.Unknown = []streams.RawField{{Tag: 42, Data: []byte("future")}}
	trv.ComputeDigests()

	thawed, err := Thaw(trv.Freeze())
	require.NoError(t, err)
	assert.True(t, thawed.IsIncomplete())
	// Unknown info is part of the digest, so it survives the round trip.
	assert.True(t, thawed.VerifyDigests())
	assert.True(t, bytes.Contains(thawed.Freeze(), []byte("future")))
}

func TestDigestIgnoresTimestamps(t *testing.T) {
	a := component(t, "/localhost@rpl:linux/1.0-1-1", "/etc/foo")
	b := a.Copy()
	b.SetVersion(a.Version().WithTimestamp(2000))
	assert.Equal(t, a.ComputeDigests(), b.ComputeDigests())

	b.SetRequires(deps.MustParseDep("file: /bin/bash"))
	assert.NotEqual(t, a.ComputeDigests(), b.ComputeDigests())
}

func TestDiffApply(t *testing.T) {
	old := component(t, "/localhost@rpl:linux/1.0-1-1", "/etc/foo", "/usr/bin/foo", "/usr/share/old")
	new := component(t, "/localhost@rpl:linux/1.1-1-1", "/etc/foo", "/usr/bin/foo", "/usr/share/new")

	cs, needed, jobs := new.Diff(old, false)
	assert.False(t, cs.IsAbsolute())
	assert.Empty(t, jobs)
	assert.Len(t, cs.NewFiles(), 1)
	assert.Len(t, cs.ChangedFiles(), 2)
	assert.Equal(t, []files.PathID{files.PathIDFor("/usr/share/old")}, cs.OldFiles())
	assert.Len(t, needed, 3)

	thawed, err := ThawChangeSet(cs.Freeze())
	require.NoError(t, err)
	assert.True(t, thawed.Job().NewVersion.Equal(new.Version()))

	applied := old.Copy()
	require.NoError(t, applied.ApplyChangeSet(thawed, false))
	assert.True(t, new.Equal(applied))
	assert.Equal(t, new.Digest(), applied.Digest())

	abs, needed, _ := new.Diff(nil, true)
	assert.True(t, abs.IsAbsolute())
	assert.Len(t, needed, 3)
	fresh, err := FromChangeSet(abs, false)
	require.NoError(t, err)
	assert.True(t, new.Equal(fresh))

	sigs, err := abs.Digest()
	require.NoError(t, err)
	assert.Equal(t, new.Digest(), sigs.Digest())

	// A sigs field that claims more bytes than it has.
	abs.infoDiff.SetBytes([]byte{InfoSigs, 0x00, 0x05, 0x01})
	_, err = abs.Digest()
	require.Error(t, err)
}

func TestApplyDetectsTampering(t *testing.T) {
	trv := component(t, "/localhost@rpl:linux/1.0-1-1", "/etc/foo")
	cs, _, _ := trv.Diff(nil, true)
	cs.requires.Set(deps.MustParseDep("file: /bin/bash"))
	_, err := FromChangeSet(cs, false)
	require.Error(t, err)
	assert.True(t, errs.IsIntegrity(err) || errs.ClassOf(err) == "TroveIntegrityError")

	_, err = FromChangeSet(cs, true)
	assert.NoError(t, err)
}

func TestCollectionDiff(t *testing.T) {
	runtime1 := NewTuple("foo:runtime", v("/localhost@rpl:linux/1.0-1-1"), nil)
	runtime2 := NewTuple("foo:runtime", v("/localhost@rpl:linux/1.1-1-1"), nil)
	lib := NewTuple("foo:lib", v("/localhost@rpl:linux/1.0-1-1"), nil)
	doc := NewTuple("foo:doc", v("/localhost@rpl:linux/1.1-1-1"), nil)

	old := New("foo", v("/localhost@rpl:linux/1.0-1-1"), nil)
	require.NoError(t, old.AddTrove(runtime1, true, false))
	require.NoError(t, old.AddTrove(lib, true, false))
	old.ComputeDigests()

	new := New("foo", v("/localhost@rpl:linux/1.1-1-1"), nil)
	require.NoError(t, new.AddTrove(runtime2, true, false))
	require.NoError(t, new.AddTrove(doc, false, false))
	new.ComputeDigests()
	assert.True(t, new.IsCollection())
	assert.Error(t, new.AddTrove(doc, false, false))

	cs, _, jobs := new.Diff(old, false)
	require.Len(t, jobs, 3)
	// Jobs are ordered by name.
	assert.Equal(t, InstallJob(doc, false).Key(), jobs[0].Key())
	assert.Equal(t, EraseJob(lib).Key(), jobs[1].Key())
	assert.Equal(t, UpdateJob(runtime1, runtime2).Key(), jobs[2].Key())

	applied := old.Copy()
	require.NoError(t, applied.ApplyChangeSet(cs, false))
	assert.True(t, new.Equal(applied))
	assert.False(t, applied.IncludeTroveByDefault(doc))

	_, _, jobs = new.Diff(nil, true)
	require.Len(t, jobs, 2)
	for _, j := range jobs {
		assert.True(t, j.IsNew())
		assert.True(t, j.Absolute)
	}
}

func TestRedirect(t *testing.T) {
	trv := component(t, "/localhost@rpl:linux/1.0-1-1", "/etc/foo")
	trv.AddRedirect("bar:runtime", versions.MustParse("/localhost@rpl:devel"), nil)
	assert.True(t, trv.IsRedirect())
	assert.False(t, trv.HasFiles())
	assert.Error(t, trv.AddFile(files.PathIDFor("/x"), "/x", trv.Version(), digest.Sum(nil)))

	cs, needed, _ := trv.Diff(nil, true)
	assert.Empty(t, needed)
	assert.True(t, cs.IsRedirect())
	thawed, err := FromChangeSet(cs, true)
	require.NoError(t, err)
	require.Len(t, thawed.Redirects(), 1)
	assert.Equal(t, "bar:runtime", thawed.Redirects()[0].Name)
}

func TestPathHashes(t *testing.T) {
	a := component(t, "/localhost@rpl:linux/1.0-1-1", "/etc/foo", "/usr/bin/foo")
	b := component(t, "/localhost@rpl:linux/1.0-1-1", "/usr/bin/foo")
	c := component(t, "/localhost@rpl:linux/1.0-1-1", "/usr/bin/bar")
	assert.False(t, a.CompatibleWith(b))
	assert.True(t, a.CompatibleWith(c))
	assert.Equal(t, 2, a.Info.PathHashes.Len())
	assert.True(t, a.Info.PathHashes.Contains(HashPath("/etc/foo")))
}

func TestSignatures(t *testing.T) {
	keys := NewMemoryKeyCache()
	trusted, err := GenerateKey(rand.Reader, TrustFull)
	require.NoError(t, err)
	keys.AddPrivateKey(trusted)

	trv := component(t, "/localhost@rpl:linux/1.0-1-1", "/etc/foo")
	require.NoError(t, trv.AddDigitalSignature(trusted))
	assert.Equal(t, []string{trusted.Fingerprint}, trv.Info.Sigs.Fingerprints())

	thawed, err := Thaw(trv.Freeze())
	require.NoError(t, err)
	trust, missing, err := thawed.VerifyDigitalSignatures(TrustMarginal, keys)
	require.NoError(t, err)
	assert.Equal(t, TrustFull, trust)
	assert.Empty(t, missing)

	t.Run("unknown key", func(t *testing.T) {
		stranger, err := GenerateKey(rand.Reader, TrustFull)
		require.NoError(t, err)
		other := component(t, "/localhost@rpl:linux/1.0-1-1", "/etc/foo")
		require.NoError(t, other.AddDigitalSignature(stranger))
		trust, missing, err := other.VerifyDigitalSignatures(0, keys)
		require.NoError(t, err)
		assert.Equal(t, TrustUntrusted, trust)
		assert.Equal(t, []string{stranger.Fingerprint}, missing)

		_, _, err = other.VerifyDigitalSignatures(TrustMarginal, keys)
		assert.Error(t, err)
	})

	t.Run("tampered", func(t *testing.T) {
		tampered := thawed.Copy()
		tampered.SetRequires(deps.MustParseDep("file: /bin/bash"))
		_, _, err := tampered.VerifyDigitalSignatures(0, keys)
		assert.Error(t, err)
	})

	t.Run("expired", func(t *testing.T) {
		expiredKey, err := GenerateKey(rand.Reader, TrustFull)
		require.NoError(t, err)
		expiredKey.Expires = time.Now().Add(-time.Hour)
		keys.AddPrivateKey(expiredKey)
		trv := component(t, "/localhost@rpl:linux/1.0-1-1", "/etc/foo")
		require.NoError(t, trv.AddDigitalSignature(expiredKey))
		_, _, err = trv.VerifyDigitalSignatures(0, keys)
		require.Error(t, err)
		assert.Equal(t, "DigitalSignatureVerificationError", errs.ClassOf(err))
	})
}

func TestMatchVersions(t *testing.T) {
	old := []Tuple{
		NewTuple("foo", v("/localhost@rpl:linux/1.0-1-1"), nil),
		NewTuple("foo", v("/localhost@rpl:devel/2.0-1-1"), nil),
	}
	new := []Tuple{
		NewTuple("foo", v("/localhost@rpl:devel/2.1-1-1"), nil),
	}
	matches := matchVersions(old, new)
	require.Len(t, matches, 2)
	assert.Equal(t, "2.0-1-1", matches[0].old.Version.TrailingRevision().String())
	assert.Nil(t, matches[1].new)
}
