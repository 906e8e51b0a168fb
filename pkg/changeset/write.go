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

	"github.com/google/renameio"
	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
	"github.com/toitlang/trove/pkg/digest"
	"github.com/toitlang/trove/pkg/errs"
	"github.com/toitlang/trove/pkg/files"
)

const metaName = "CONARYCHANGESET"
const metaTag = "meta"

// plan decides what is written for every content record. Regular records
// sharing a sha1 are collapsed: the greatest key carries the contents and
// the others become ptrs to it, so a ptr always precedes its target.
func (cs *ChangeSet) plan() ([]Key, map[Key]*Content) {
	keys := cs.sortedKeys()
	carrier := map[digest.Sha1]Key{}
	for _, k := range keys {
		c := cs.contents[k]
		if c.Config || c.Type != TypeFile || c.Sha1.IsZero() {
			continue
		}
		// Keys are ascending, so the last one wins.
		carrier[c.Sha1] = k
	}
	planned := map[Key]*Content{}
	for _, k := range keys {
		c := cs.contents[k]
		if !c.Config && c.Type == TypeFile && !c.Sha1.IsZero() {
			if target := carrier[c.Sha1]; target != k {
				planned[k] = &Content{Type: TypePtr, Sha1: c.Sha1, Target: target}
				continue
			}
		}
		planned[k] = c
	}
	// Existing ptrs follow their target if it became a ptr itself.
	for k, c := range planned {
		if c.Type != TypePtr {
			continue
		}
		if t, ok := planned[c.Target]; ok && t.Type == TypePtr && t.Target != c.Target {
			planned[k] = &Content{Type: TypePtr, Sha1: c.Sha1, Target: t.Target}
		}
	}
	return keys, planned
}

// entryName returns the container name of a record for the version.
func entryName(k Key, version Version) []byte {
	if version < VersionFileIDIdx {
		return k.PathID.Bytes()
	}
	return k.Bytes()
}

// Write serializes the change set as a container of the given version.
// Versions before VersionFileIDIdx address contents by pathId only;
// distinct records sharing a pathId then fail with PathIdsConflictError.
func (cs *ChangeSet) Write(w io.Writer, version Version) error {
	if err := cs.drain(); err != nil {
		return err
	}
	if version == VersionNoRemoves && len(cs.oldTroves) > 0 {
		return errors.New("change set version 1 can't erase troves")
	}
	keys, planned := cs.plan()
	if version < VersionFileIDIdx {
		seen := map[files.PathID]files.FileID{}
		for _, k := range keys {
			if other, ok := seen[k.PathID]; ok && other != k.FileID {
				return &errs.PathIdsConflictError{PathID: k.PathID.String()}
			}
			seen[k.PathID] = k.FileID
		}
	}

	cw, err := newContainerWriter(w, version)
	if err != nil {
		return err
	}
	var meta bytes.Buffer
	gz := gzip.NewWriter(&meta)
	if _, err := gz.Write(cs.freezeMeta()); err != nil {
		return err
	}
	if err := gz.Close(); err != nil {
		return err
	}
	if err := cw.add([]byte(metaName), metaTag, int64(meta.Len()), &meta); err != nil {
		return err
	}

	for _, k := range keys {
		c := planned[k]
		tag := formatTag(c.Type, c.Config)
		if c.Type == TypePtr {
			payload := entryName(c.Target, version)
			if err := cw.add(entryName(k, version), tag, int64(len(payload)), bytes.NewReader(payload)); err != nil {
				return err
			}
			continue
		}
		if err := cs.writeCompressed(cw, entryName(k, version), tag, c); err != nil {
			return errors.Wrapf(err, "writing contents of %s", k.PathID)
		}
	}
	return cw.flush()
}

func (cs *ChangeSet) writeCompressed(cw *containerWriter, name []byte, tag string, c *Content) error {
	if c.Compressed {
		switch src := c.Contents.(type) {
		case FromBytes:
			return cw.add(name, tag, int64(len(src)), bytes.NewReader(src))
		case FromFile:
			f, err := os.Open(string(src))
			if err != nil {
				return err
			}
			defer f.Close()
			fi, err := f.Stat()
			if err != nil {
				return err
			}
			return cw.add(name, tag, fi.Size(), f)
		}
	}
	// The size goes before the payload, so compress first.
	r, err := c.OpenCompressed()
	if err != nil {
		return err
	}
	staging := newSpool(cs.spool.threshold, cs.spool.dir)
	defer staging.close()
	staged, size, err := staging.keep(r)
	r.Close()
	if err != nil {
		return err
	}
	sr, err := staged.Open()
	if err != nil {
		return err
	}
	defer sr.Close()
	return cw.add(name, tag, size, sr)
}

// WriteFile writes the change set to path atomically.
func (cs *ChangeSet) WriteFile(path string, version Version) error {
	t, err := renameio.TempFile("", path)
	if err != nil {
		return err
	}
	defer t.Cleanup()
	if err := cs.Write(t, version); err != nil {
		return err
	}
	return t.CloseAtomicallyReplace()
}
