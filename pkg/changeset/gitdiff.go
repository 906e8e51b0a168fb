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
	"unicode/utf8"

	"github.com/klauspost/compress/zlib"
	"github.com/toitlang/trove/pkg/files"
	"github.com/toitlang/trove/pkg/patch"
	"github.com/toitlang/trove/pkg/trove"
	"golang.org/x/sys/unix"
)

const devNull = "/dev/null"

// gitMode renders the file type and permissions the way git does.
func gitMode(f *files.File) string {
	var typ uint32
	switch f.Kind {
	case files.KindRegular:
		typ = unix.S_IFREG
	case files.KindDirectory:
		typ = unix.S_IFDIR
	case files.KindSymlink:
		typ = unix.S_IFLNK
	case files.KindFifo:
		typ = unix.S_IFIFO
	case files.KindSocket:
		typ = unix.S_IFSOCK
	case files.KindBlock:
		typ = unix.S_IFBLK
	case files.KindChar:
		typ = unix.S_IFCHR
	}
	return fmt.Sprintf("%o", typ|uint32(f.Inode.Perms.Get()))
}

func isText(b []byte) bool {
	return utf8.Valid(b) && !bytes.ContainsRune(b, 0)
}

// GitDiff writes the change set in the format of "git diff". Old file
// objects and contents come from src. Missing data is reported inline
// and doesn't stop the report.
func GitDiff(ctx context.Context, w io.Writer, cs *ChangeSet, src Source) error {
	g := &gitDiffer{ctx: ctx, w: w, cs: cs, src: src}
	for _, tcs := range cs.NewTroves() {
		g.trove(tcs)
	}
	for _, tup := range cs.OldTroves() {
		old, err := src.GetTrove(ctx, tup)
		if err != nil {
			g.printf("# %s: %v\n", tup, err)
			continue
		}
		for _, ref := range old.Files() {
			g.removed(ref)
		}
	}
	return g.err
}

type gitDiffer struct {
	ctx context.Context
	w   io.Writer
	cs  *ChangeSet
	src Source
	err error
}

func (g *gitDiffer) printf(format string, a ...interface{}) {
	if g.err == nil {
		_, g.err = fmt.Fprintf(g.w, format, a...)
	}
}

func (g *gitDiffer) trove(tcs *trove.ChangeSet) {
	oldRefs := map[files.PathID]trove.FileRef{}
	if !tcs.OldVersion().IsZero() {
		old, err := g.src.GetTrove(g.ctx, tcs.OldTuple())
		if err != nil {
			g.printf("# %s: %v\n", tcs.OldTuple(), err)
		} else {
			for _, ref := range old.Files() {
				oldRefs[ref.PathID] = ref
			}
		}
	}
	for _, ref := range tcs.NewFiles() {
		g.added(ref)
	}
	for _, ref := range tcs.ChangedFiles() {
		old, ok := oldRefs[ref.PathID]
		if !ok {
			g.printf("diff --git a%s b%s\n(old file %s missing)\n", ref.Path, ref.Path, ref.PathID)
			continue
		}
		g.changed(old, ref)
	}
	for _, pathID := range tcs.OldFiles() {
		if old, ok := oldRefs[pathID]; ok {
			g.removed(old)
		}
	}
}

func (g *gitDiffer) header(path string) {
	g.printf("diff --git a%s b%s\n", path, path)
}

// contents finds the new contents of a file in the change set, or in the
// source.
func (g *gitDiffer) contents(pathID files.PathID, f *files.File) (*Content, error) {
	c, err := g.cs.ResolveContents(Key{PathID: pathID, FileID: f.FileID()})
	if err == nil {
		return c, nil
	}
	cont, srcErr := g.src.GetContents(g.ctx, f.Sha1())
	if srcErr != nil {
		return nil, err
	}
	return &Content{Type: TypeFile, Sha1: f.Sha1(), Contents: cont}, nil
}

func (g *gitDiffer) added(ref trove.FileRef) {
	g.header(ref.Path)
	f, err := g.cs.NewFile(ref.PathID, files.FileID{}, ref.FileID, nil)
	if err != nil {
		g.printf("(file stream missing: %v)\n", err)
		return
	}
	g.printf("new user %s\nnew group %s\nnew mode %s\n", f.Inode.Owner.Get(), f.Inode.Group.Get(), gitMode(f))
	if !f.HasContents() {
		return
	}
	c, err := g.contents(ref.PathID, f)
	if err != nil {
		g.printf("(contents missing)\n")
		return
	}
	data, err := c.Bytes()
	if err != nil {
		g.printf("(contents unreadable: %v)\n", err)
		return
	}
	g.contentDiff(devNull, ref.Path, nil, data)
}

func (g *gitDiffer) changed(old trove.FileRef, ref trove.FileRef) {
	path := old.Path
	if ref.Path != "" {
		path = ref.Path
	}
	g.header(path)
	if path != old.Path {
		g.printf("rename from %s\nrename to %s\n", old.Path, path)
	}
	oldFile, err := g.src.GetFile(g.ctx, old.PathID, old.FileID)
	if err != nil {
		g.printf("(old file object missing: %v)\n", err)
		return
	}
	newFile, err := g.cs.NewFile(ref.PathID, old.FileID, ref.FileID, oldFile)
	if err != nil {
		g.printf("(file stream missing: %v)\n", err)
		return
	}
	if oldFile.Kind != newFile.Kind || oldFile.Inode.Perms.Get() != newFile.Inode.Perms.Get() {
		g.printf("old mode %s\nnew mode %s\n", gitMode(oldFile), gitMode(newFile))
	}
	if o, n := oldFile.Inode.Owner.Get(), newFile.Inode.Owner.Get(); o != n {
		g.printf("old user %s\nnew user %s\n", o, n)
	}
	if o, n := oldFile.Inode.Group.Get(), newFile.Inode.Group.Get(); o != n {
		g.printf("old group %s\nnew group %s\n", o, n)
	}
	if !newFile.HasContents() || (oldFile.HasContents() && oldFile.Sha1() == newFile.Sha1()) {
		return
	}
	c, err := g.contents(ref.PathID, newFile)
	if err != nil {
		g.printf("(contents missing)\n")
		return
	}
	if c.Type == TypeDiff {
		diff, err := c.Bytes()
		if err != nil {
			g.printf("(contents unreadable: %v)\n", err)
			return
		}
		g.printf("--- a%s\n+++ b%s\n%s", path, path, diff)
		return
	}
	data, err := c.Bytes()
	if err != nil {
		g.printf("(contents unreadable: %v)\n", err)
		return
	}
	var oldData []byte
	if oldFile.HasContents() {
		oldCont, err := g.src.GetContents(g.ctx, oldFile.Sha1())
		if err == nil {
			oldData, err = readAll(oldCont)
		}
		if err != nil {
			g.printf("(old contents missing)\n")
			return
		}
	}
	g.contentDiff(path, path, oldData, data)
}

func (g *gitDiffer) removed(ref trove.FileRef) {
	g.header(ref.Path)
	f, err := g.src.GetFile(g.ctx, ref.PathID, ref.FileID)
	if err != nil {
		g.printf("deleted file\n")
		return
	}
	g.printf("deleted file mode %s\n", gitMode(f))
	g.printf("Binary files %s and %s differ\n", ref.Path, devNull)
}

func (g *gitDiffer) contentDiff(oldPath, newPath string, old, new []byte) {
	if !isText(old) || !isText(new) || !patch.UseDiff(old, new) {
		g.binaryPatch(new)
		return
	}
	diff, err := patch.DiffBytes(old, new)
	if err != nil {
		g.printf("(diff failed: %v)\n", err)
		return
	}
	from := "a" + oldPath
	if oldPath == devNull {
		from = "a" + devNull
	}
	g.printf("--- %s\n+++ b%s\n%s", from, newPath, diff)
}

func (g *gitDiffer) binaryPatch(data []byte) {
	var z bytes.Buffer
	zw := zlib.NewWriter(&z)
	zw.Write(data)
	zw.Close()
	g.printf("GIT binary patch\nliteral %d\n", len(data))
	compressed := z.Bytes()
	for len(compressed) > 0 {
		n := len(compressed)
		if n > 52 {
			n = 52
		}
		g.printf("%c%s\n", base85LengthChar(n), encodeBase85(compressed[:n]))
		compressed = compressed[n:]
	}
	g.printf("\n")
}

const base85Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz!#$%&()*+-;<=>?@^_`{|}~"

func base85LengthChar(n int) byte {
	if n <= 26 {
		return byte('A' + n - 1)
	}
	return byte('a' + n - 27)
}

// encodeBase85 uses git's alphabet; a short last group is zero padded.
func encodeBase85(data []byte) string {
	var out []byte
	for i := 0; i < len(data); i += 4 {
		var acc uint32
		for j := 0; j < 4; j++ {
			acc <<= 8
			if i+j < len(data) {
				acc |= uint32(data[i+j])
			}
		}
		var group [5]byte
		for j := 4; j >= 0; j-- {
			group[j] = base85Alphabet[acc%85]
			acc /= 85
		}
		out = append(out, group[:]...)
	}
	return string(out)
}
