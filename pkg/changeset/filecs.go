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
	"io"

	"github.com/toitlang/trove/pkg/files"
	"github.com/toitlang/trove/pkg/patch"
)

// FileChangeSet returns the stream record that turns old into new (old
// may be nil) and whether the contents of new have to be sent as well.
func FileChangeSet(old, new *files.File) (stream []byte, needContents bool) {
	stream = new.Diff(old)
	if !new.HasContents() {
		return stream, false
	}
	if old == nil || old.Kind != new.Kind {
		return stream, true
	}
	// A file that becomes a config file is sent whole, so the applier
	// has it for later diffs.
	return stream, new.Sha1() != old.Sha1() ||
		(!old.Flags.IsConfig() && new.Flags.IsConfig())
}

// ContentsUseDiff returns whether the contents of new may be sent as a
// diff against old.
func ContentsUseDiff(old, new *files.File) bool {
	return old != nil && old.Flags.IsConfig() && new.Flags.IsConfig()
}

func readAll(c Contents) ([]byte, error) {
	r, err := c.Open()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// FileContentsDiff builds the content record for new. Config files are
// sent as a diff against the old contents when both are line oriented.
func FileContentsDiff(oldFile *files.File, oldCont Contents, newFile *files.File, newCont Contents) (*Content, error) {
	config := newFile.Flags.IsConfig()
	if !ContentsUseDiff(oldFile, newFile) || oldCont == nil {
		return &Content{Type: TypeFile, Config: config, Sha1: newFile.Sha1(), Contents: newCont}, nil
	}
	first, err := readAll(oldCont)
	if err != nil {
		return nil, err
	}
	second, err := readAll(newCont)
	if err != nil {
		return nil, err
	}
	if !patch.UseDiff(first, second) {
		return &Content{Type: TypeFile, Config: config, Sha1: newFile.Sha1(), Contents: FromBytes(second)}, nil
	}
	diff, err := patch.DiffBytes(first, second)
	if err != nil {
		return nil, err
	}
	return &Content{Type: TypeDiff, Config: config, Contents: FromBytes(diff)}, nil
}
