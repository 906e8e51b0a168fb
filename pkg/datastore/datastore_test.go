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

package datastore

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/toitlang/trove/pkg/digest"
	"github.com/toitlang/trove/pkg/errs"
	"go.etcd.io/bbolt"
)

func readAll(t *testing.T, rc io.ReadCloser, err error) []byte {
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return data
}

func gzipped(t *testing.T, data []byte) []byte {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write(data)
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func newFileStore(t *testing.T, options ...Option) *FileStore {
	s, err := NewFileStore(t.TempDir(), options...)
	require.NoError(t, err)
	return s
}

func newBoltStore(t *testing.T) *BoltStore {
	db, err := bbolt.Open(filepath.Join(t.TempDir(), "db"), 0600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	s, err := NewBoltStore(db)
	require.NoError(t, err)
	return s
}

func TestLayouts(t *testing.T) {
	sha1 := digest.Sum([]byte("hello\n"))
	hex := sha1.String()
	tests := []struct {
		layout   Layout
		expected string
	}{
		{TwoLevel, filepath.Join(hex[:2], hex[2:4], hex[4:])},
		{OneLevel, filepath.Join(hex[:2], hex[2:])},
		{Flat, sha1.Base64()},
	}
	for _, test := range tests {
		t.Run(test.layout.String(), func(t *testing.T) {
			s := newFileStore(t, WithLayout(test.layout))
			p, err := s.HashToPath(sha1)
			require.NoError(t, err)
			assert.Equal(t, filepath.Join(s.Top(), test.expected), p)

			require.NoError(t, s.AddFile(strings.NewReader("hello\n"), sha1, false))
			_, err = os.Stat(p)
			assert.NoError(t, err)

			parsed, err := ParseLayout(test.layout.String())
			require.NoError(t, err)
			assert.Equal(t, test.layout, parsed)
		})
	}
	_, err := ParseLayout("deep")
	assert.Error(t, err)
}

func TestStores(t *testing.T) {
	stores := map[string]func(t *testing.T) Store{
		"file": func(t *testing.T) Store { return newFileStore(t) },
		"bolt": func(t *testing.T) Store { return newBoltStore(t) },
		"overlay": func(t *testing.T) Store {
			o, err := NewOverlay(newFileStore(t), newFileStore(t))
			require.NoError(t, err)
			return o
		},
		"duplicating": func(t *testing.T) Store {
			d, err := NewDuplicating(newFileStore(t), newBoltStore(t))
			require.NoError(t, err)
			return d
		},
	}
	data := []byte("some contents\n")
	sha1 := digest.Sum(data)
	for name, create := range stores {
		t.Run(name, func(t *testing.T) {
			s := create(t)
			ok, err := s.HasFile(sha1)
			require.NoError(t, err)
			assert.False(t, ok)
			_, err = s.OpenFile(sha1)
			assert.True(t, errs.IsFileContentsMissing(err), "%v", err)

			require.NoError(t, s.AddFile(bytes.NewReader(data), sha1, false))
			ok, err = s.HasFile(sha1)
			require.NoError(t, err)
			assert.True(t, ok)
			rc, err := s.OpenFile(sha1)
			assert.Equal(t, data, readAll(t, rc, err))

			// Raw contents are gzipped.
			rc, err = s.OpenRawFile(sha1)
			raw := readAll(t, rc, err)
			gz, err := gzip.NewReader(bytes.NewReader(raw))
			require.NoError(t, err)
			unpacked, err := io.ReadAll(gz)
			require.NoError(t, err)
			assert.Equal(t, data, unpacked)

			other := []byte("other contents\n")
			otherSha1 := digest.Sum(other)
			require.NoError(t, s.AddFile(bytes.NewReader(gzipped(t, other)), otherSha1, true))
			rc, err = s.OpenFile(otherSha1)
			assert.Equal(t, other, readAll(t, rc, err))

			err = s.AddFile(bytes.NewReader([]byte("wrong")), digest.Sum([]byte("right")), false)
			assert.True(t, errs.IsIntegrity(err), "%v", err)
			err = s.AddFile(bytes.NewReader(gzipped(t, []byte("wrong"))), digest.Sum([]byte("right")), true)
			assert.True(t, errs.IsIntegrity(err), "%v", err)
			ok, err = s.HasFile(digest.Sum([]byte("right")))
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, s.RemoveFile(otherSha1))
			ok, err = s.HasFile(otherSha1)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestFileStoreIdempotentAndLogged(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "added")
	s := newFileStore(t, WithAddLog(logPath))
	data := []byte("abc")
	sha1 := digest.Sum(data)
	require.NoError(t, s.AddFile(bytes.NewReader(data), sha1, false))
	require.NoError(t, s.AddFile(bytes.NewReader(data), sha1, false))

	logged, err := os.ReadFile(logPath)
	require.NoError(t, err)
	p, _ := s.HashToPath(sha1)
	assert.Equal(t, p+"\n", string(logged))

	info, err := os.Stat(p)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0666&^currentUmask()), info.Mode().Perm())

	require.NoError(t, s.AddFileReference(sha1))
	assert.True(t, errs.IsFileContentsMissing(s.AddFileReference(digest.Sum([]byte("nope")))))

	require.NoError(t, s.RemoveFile(sha1))
	_, err = os.Stat(filepath.Dir(p))
	assert.True(t, os.IsNotExist(err), "empty directories are removed")
}

func TestBoltRefCounts(t *testing.T) {
	s := newBoltStore(t)
	data := []byte("shared")
	sha1 := digest.Sum(data)
	require.NoError(t, s.AddFile(bytes.NewReader(data), sha1, false))
	require.NoError(t, s.AddFileReference(sha1))
	require.NoError(t, s.AddFile(bytes.NewReader(data), sha1, false))
	n, err := s.RefCount(sha1)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), n)

	for i := 0; i < 2; i++ {
		require.NoError(t, s.RemoveFile(sha1))
		ok, err := s.HasFile(sha1)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	require.NoError(t, s.RemoveFile(sha1))
	ok, err := s.HasFile(sha1)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.HashToPath(sha1)
	assert.True(t, errs.IsNotImplemented(err))
}

func TestOverlayReadsAllLayers(t *testing.T) {
	lower := newFileStore(t, WithLayout(OneLevel))
	upper := newFileStore(t)
	data := []byte("lower")
	sha1 := digest.Sum(data)
	require.NoError(t, lower.AddFile(bytes.NewReader(data), sha1, false))

	o, err := NewOverlay(upper, lower)
	require.NoError(t, err)
	p, err := o.HashToPath(sha1)
	require.NoError(t, err)
	lowerPath, _ := lower.HashToPath(sha1)
	assert.Equal(t, lowerPath, p)
	rc, err := o.OpenFile(sha1)
	assert.Equal(t, data, readAll(t, rc, err))

	newData := []byte("upper")
	require.NoError(t, o.AddFile(bytes.NewReader(newData), digest.Sum(newData), false))
	ok, err := upper.HasFile(digest.Sum(newData))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = lower.HasFile(digest.Sum(newData))
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = NewOverlay()
	assert.Error(t, err)
}

func TestDuplicatingWritesEverywhere(t *testing.T) {
	a, b := newFileStore(t), newFileStore(t, WithLayout(Flat))
	d, err := NewDuplicating(a, b)
	require.NoError(t, err)
	data := []byte("twice")
	require.NoError(t, d.AddFile(bytes.NewReader(data), digest.Sum(data), false))
	for _, s := range []Store{a, b} {
		ok, err := s.HasFile(digest.Sum(data))
		require.NoError(t, err)
		assert.True(t, ok)
	}
}
