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

// Package datastore stores file contents keyed by their sha1.
package datastore

import (
	"hash"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
	"github.com/toitlang/trove/pkg/digest"
	"github.com/toitlang/trove/pkg/errs"
)

// Store is a content-addressed store of gzipped file contents.
type Store interface {
	HasFile(sha1 digest.Sha1) (bool, error)
	// AddFile stores the contents readable from r, which must hash to
	// sha1. With precompressed set, r is a gzip stream. Adding contents
	// that are already present is a no-op for plain stores.
	AddFile(r io.Reader, sha1 digest.Sha1, precompressed bool) error
	// AddFileReference records another user of contents that are
	// already present.
	AddFileReference(sha1 digest.Sha1) error
	// OpenFile returns the uncompressed contents.
	OpenFile(sha1 digest.Sha1) (io.ReadCloser, error)
	// OpenRawFile returns the gzipped contents.
	OpenRawFile(sha1 digest.Sha1) (io.ReadCloser, error)
	RemoveFile(sha1 digest.Sha1) error
	// HashToPath returns where the contents live (or would live) on disk.
	HashToPath(sha1 digest.Sha1) (string, error)
}

// Layout decides how a hash maps to a path below the store directory.
type Layout int

const (
	// TwoLevel uses "ab/cd/ef01...".
	TwoLevel Layout = iota
	// OneLevel uses "ab/cdef01...".
	OneLevel
	// Flat uses the url-safe base64 form of the hash.
	Flat
)

func (l Layout) String() string {
	switch l {
	case TwoLevel:
		return "two-level"
	case OneLevel:
		return "one-level"
	case Flat:
		return "flat"
	}
	return "unknown"
}

// ParseLayout is the inverse of Layout.String.
func ParseLayout(str string) (Layout, error) {
	for _, l := range []Layout{TwoLevel, OneLevel, Flat} {
		if l.String() == str {
			return l, nil
		}
	}
	return 0, errors.Errorf("unknown content store layout '%s'", str)
}

// relPath returns the slash separated path of sha1 for the layout.
func (l Layout) relPath(sha1 digest.Sha1) []string {
	switch l {
	case OneLevel:
		h := sha1.String()
		return []string{h[:2], h[2:]}
	case Flat:
		return []string{sha1.Base64()}
	}
	h := sha1.String()
	return []string{h[:2], h[2:4], h[4:]}
}

// hashingReader hashes everything read through it.
type hashingReader struct {
	r io.Reader
	h hash.Hash
}

func newHashingReader(r io.Reader) *hashingReader {
	return &hashingReader{r: r, h: digest.New()}
}

func (h *hashingReader) Read(p []byte) (int, error) {
	n, err := h.r.Read(p)
	h.h.Write(p[:n])
	return n, err
}

func (h *hashingReader) sum() digest.Sha1 { return digest.FromHash(h.h) }

// compressVerified copies the contents of r to w in gzipped form and
// checks that the uncompressed contents hash to sha1. A precompressed r
// is copied as is.
func compressVerified(w io.Writer, r io.Reader, sha1 digest.Sha1, precompressed bool) error {
	var actual digest.Sha1
	if precompressed {
		// Hash the uncompressed side while the raw stream is copied.
		pr, pw := io.Pipe()
		done := make(chan error, 1)
		var sum digest.Sha1
		go func() {
			gz, err := gzip.NewReader(pr)
			if err == nil {
				hr := newHashingReader(gz)
				_, err = io.Copy(io.Discard, hr)
				sum = hr.sum()
			}
			if err != nil {
				// Unblocks the writer.
				pr.CloseWithError(err)
			}
			done <- err
		}()
		_, err := io.Copy(io.MultiWriter(w, pw), r)
		pw.CloseWithError(err)
		if gzErr := <-done; err == nil {
			err = gzErr
		}
		if err != nil {
			return errors.Wrap(err, "copying compressed contents")
		}
		actual = sum
	} else {
		gz := gzip.NewWriter(w)
		hr := newHashingReader(r)
		if _, err := io.Copy(gz, hr); err != nil {
			return err
		}
		if err := gz.Close(); err != nil {
			return err
		}
		actual = hr.sum()
	}
	if actual != sha1 {
		return &errs.IntegrityError{Expected: sha1.String(), Actual: actual.String()}
	}
	return nil
}

// gzipReadCloser closes the gzip reader and the file below it.
type gzipReadCloser struct {
	*gzip.Reader
	under io.Closer
}

func (g *gzipReadCloser) Close() error {
	err := g.Reader.Close()
	if cerr := g.under.Close(); err == nil {
		err = cerr
	}
	return err
}

func gunzip(rc io.ReadCloser) (io.ReadCloser, error) {
	gz, err := gzip.NewReader(rc)
	if err != nil {
		rc.Close()
		return nil, errors.Wrap(err, "corrupt contents")
	}
	return &gzipReadCloser{Reader: gz, under: rc}, nil
}

func contentsMissing(sha1 digest.Sha1) error {
	return &errs.FileContentsMissing{Sha1: sha1.String()}
}
