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
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
	"github.com/toitlang/trove/pkg/digest"
	"github.com/toitlang/trove/pkg/files"
)

// ContentType says how a content record is encoded.
type ContentType string

const (
	// TypeFile records carry the whole file.
	TypeFile ContentType = "file"
	// TypeDiff records carry a unified diff against the old contents.
	TypeDiff ContentType = "diff"
	// TypePtr records point at another record of the same change set.
	TypePtr ContentType = "ptr"
)

const cfgSuffix = " cfg"

func formatTag(typ ContentType, config bool) string {
	if config {
		return string(typ) + cfgSuffix
	}
	return string(typ)
}

func parseTag(tag string) (ContentType, bool, error) {
	config := strings.HasSuffix(tag, cfgSuffix)
	typ := ContentType(strings.TrimSuffix(tag, cfgSuffix))
	switch typ {
	case TypeFile, TypeDiff, TypePtr:
		return typ, config, nil
	}
	return "", false, errors.Errorf("unknown contents tag '%s'", tag)
}

// Key identifies a content record.
type Key struct {
	PathID files.PathID
	FileID files.FileID
}

// Bytes returns pathId||fileId.
func (k Key) Bytes() []byte {
	return append(k.PathID.Bytes(), k.FileID.Bytes()...)
}

func (k Key) String() string { return k.PathID.String() + k.FileID.String() }

// Less orders keys by pathId, then fileId.
func (k Key) Less(o Key) bool {
	if k.PathID != o.PathID {
		return k.PathID.Less(o.PathID)
	}
	return k.FileID.Less(o.FileID)
}

func keyFromBytes(b []byte) (Key, error) {
	if len(b) != 16+digest.Size {
		return Key{}, errors.Errorf("bad contents key length %d", len(b))
	}
	pathID, _ := files.PathIDFromBytes(b[:16])
	fileID, _ := digest.FromBytes(b[16:])
	return Key{PathID: pathID, FileID: fileID}, nil
}

// Contents is a source of file contents.
type Contents interface {
	Open() (io.ReadCloser, error)
}

// FromBytes wraps contents that are in memory.
type FromBytes []byte

func (b FromBytes) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(b)), nil
}

// FromFile reads contents from a path.
type FromFile string

func (f FromFile) Open() (io.ReadCloser, error) { return os.Open(string(f)) }

// ContentsFunc adapts a function to Contents.
type ContentsFunc func() (io.ReadCloser, error)

func (f ContentsFunc) Open() (io.ReadCloser, error) { return f() }

// Content is a file contents record.
type Content struct {
	Type   ContentType
	Config bool
	// Sha1 of the uncompressed file; zero for diffs.
	Sha1 digest.Sha1
	// Target is the record a ptr refers to.
	Target   Key
	Contents Contents
	// Compressed is set when Contents yields gzip data.
	Compressed bool
}

type gzipReadCloser struct {
	*gzip.Reader
	under io.Closer
}

func (g *gzipReadCloser) Close() error {
	g.Reader.Close()
	return g.under.Close()
}

// Open returns the uncompressed contents.
func (c *Content) Open() (io.ReadCloser, error) {
	if c.Contents == nil {
		return nil, errors.Errorf("%s record has no contents", c.Type)
	}
	r, err := c.Contents.Open()
	if err != nil {
		return nil, err
	}
	if !c.Compressed {
		return r, nil
	}
	gz, err := gzip.NewReader(r)
	if err != nil {
		r.Close()
		return nil, errors.Wrap(err, "decompressing contents")
	}
	return &gzipReadCloser{Reader: gz, under: r}, nil
}

// OpenCompressed returns the contents as a gzip stream.
func (c *Content) OpenCompressed() (io.ReadCloser, error) {
	if c.Contents == nil {
		return nil, errors.Errorf("%s record has no contents", c.Type)
	}
	r, err := c.Contents.Open()
	if err != nil || c.Compressed {
		return r, err
	}
	pr, pw := io.Pipe()
	go func() {
		defer r.Close()
		gz := gzip.NewWriter(pw)
		if _, err := io.Copy(gz, r); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(gz.Close())
	}()
	return pr, nil
}

// Bytes reads all uncompressed contents.
func (c *Content) Bytes() ([]byte, error) {
	r, err := c.Open()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
