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
	"crypto/md5"
	"encoding/binary"
	"sort"

	"github.com/pkg/errors"
	"github.com/toitlang/trove/pkg/deps"
	"github.com/toitlang/trove/pkg/files"
	"github.com/toitlang/trove/pkg/streams"
	"github.com/toitlang/trove/pkg/versions"
)

// Streams that are always transferred whole use these helpers.

func absoluteDiff(s, them streams.Stream) []byte {
	frz := s.Freeze(nil)
	if bytes.Equal(frz, them.Freeze(nil)) {
		return nil
	}
	if frz == nil {
		return []byte{}
	}
	return frz
}

func absoluteTwm(s streams.Stream, diff []byte, base streams.Stream) (bool, error) {
	frz := s.Freeze(nil)
	if bytes.Equal(frz, base.Freeze(nil)) {
		return false, s.Thaw(diff)
	}
	return !bytes.Equal(frz, diff), nil
}

func frozenEqual(s, them streams.Stream) bool {
	return bytes.Equal(s.Freeze(nil), them.Freeze(nil))
}

func appendU16(buf []byte, b []byte) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(b)))
	return append(buf, b...)
}

func readU16(data []byte) ([]byte, []byte, error) {
	if len(data) < 2 {
		return nil, nil, errors.New("truncated trove reference")
	}
	n := int(binary.BigEndian.Uint16(data))
	if len(data) < 2+n {
		return nil, nil, errors.New("truncated trove reference")
	}
	return data[2 : 2+n], data[2+n:], nil
}

// sortedEntries frames every entry with its length and concatenates them
// in byte order.
func sortedEntries(entries [][]byte) []byte {
	sort.Slice(entries, func(i, j int) bool { return bytes.Compare(entries[i], entries[j]) < 0 })
	var buf []byte
	for _, e := range entries {
		buf = appendU16(buf, e)
	}
	return buf
}

// TroveRef is a reference to a child trove.
type TroveRef struct {
	Tuple
	ByDefault bool
}

// troveRefs is the set of troves a trove includes.
type troveRefs struct {
	refs map[string]TroveRef
}

func (r *troveRefs) add(t Tuple, byDefault bool) {
	if r.refs == nil {
		r.refs = map[string]TroveRef{}
	}
	r.refs[t.Key()] = TroveRef{Tuple: t, ByDefault: byDefault}
}

func (r *troveRefs) get(t Tuple) (TroveRef, bool) {
	ref, ok := r.refs[t.Key()]
	return ref, ok
}

func (r *troveRefs) remove(t Tuple) bool {
	if _, ok := r.refs[t.Key()]; !ok {
		return false
	}
	delete(r.refs, t.Key())
	return true
}

// sorted returns the references ordered by tuple.
func (r *troveRefs) sorted() []TroveRef {
	result := make([]TroveRef, 0, len(r.refs))
	for _, ref := range r.refs {
		result = append(result, ref)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Tuple.Less(result[j].Tuple) })
	return result
}

func (r *troveRefs) Freeze(skip streams.SkipSet) []byte {
	entries := make([][]byte, 0, len(r.refs))
	for _, ref := range r.refs {
		vs := &versions.Stream{V: ref.Version}
		var e []byte
		e = appendU16(e, []byte(ref.Name))
		e = appendU16(e, vs.Freeze(skip))
		e = appendU16(e, []byte(ref.flavor().Freeze()))
		b := byte(0)
		if ref.ByDefault {
			b = 1
		}
		entries = append(entries, append(e, b))
	}
	return sortedEntries(entries)
}

func (r *troveRefs) Thaw(frz []byte) error {
	r.refs = nil
	for len(frz) > 0 {
		entry, rest, err := readU16(frz)
		if err != nil {
			return err
		}
		frz = rest
		name, entry, err := readU16(entry)
		if err != nil {
			return err
		}
		ver, entry, err := readU16(entry)
		if err != nil {
			return err
		}
		flv, entry, err := readU16(entry)
		if err != nil {
			return err
		}
		if len(entry) != 1 {
			return errors.New("invalid trove reference")
		}
		var vs versions.Stream
		if err := vs.Thaw(ver); err != nil {
			return err
		}
		f, err := deps.Thaw(string(flv))
		if err != nil {
			return err
		}
		r.add(Tuple{Name: string(name), Version: vs.V, Flavor: f}, entry[0] == 1)
	}
	return nil
}

func (r *troveRefs) Diff(them streams.Stream) []byte { return absoluteDiff(r, them) }
func (r *troveRefs) Twm(diff []byte, base streams.Stream) (bool, error) {
	return absoluteTwm(r, diff, base)
}
func (r *troveRefs) Equal(them streams.Stream) bool { return frozenEqual(r, them) }

func (r *troveRefs) copy() troveRefs {
	c := troveRefs{}
	for _, ref := range r.refs {
		c.add(ref.Tuple, ref.ByDefault)
	}
	return c
}

// FileRef is the entry of a file in a trove.
type FileRef struct {
	PathID  files.PathID
	Path    string
	FileID  files.FileID
	Version versions.Version
}

// fileRefs maps path ids to file references.
type fileRefs struct {
	refs map[files.PathID]FileRef
}

func (r *fileRefs) add(ref FileRef) {
	if r.refs == nil {
		r.refs = map[files.PathID]FileRef{}
	}
	r.refs[ref.PathID] = ref
}

func (r *fileRefs) sorted() []FileRef {
	result := make([]FileRef, 0, len(r.refs))
	for _, ref := range r.refs {
		result = append(result, ref)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].PathID.Less(result[j].PathID) })
	return result
}

func (r *fileRefs) Freeze(skip streams.SkipSet) []byte {
	entries := make([][]byte, 0, len(r.refs))
	for _, ref := range r.refs {
		vs := &versions.Stream{V: ref.Version}
		e := append(ref.PathID.Bytes(), ref.FileID.Bytes()...)
		e = appendU16(e, []byte(ref.Path))
		e = appendU16(e, vs.Freeze(skip))
		entries = append(entries, e)
	}
	return sortedEntries(entries)
}

func (r *fileRefs) Thaw(frz []byte) error {
	r.refs = nil
	for len(frz) > 0 {
		entry, rest, err := readU16(frz)
		if err != nil {
			return err
		}
		frz = rest
		if len(entry) < 36 {
			return errors.New("truncated file reference")
		}
		var ref FileRef
		copy(ref.PathID[:], entry[:16])
		copy(ref.FileID[:], entry[16:36])
		path, entry, err := readU16(entry[36:])
		if err != nil {
			return err
		}
		ver, _, err := readU16(entry)
		if err != nil {
			return err
		}
		var vs versions.Stream
		if err := vs.Thaw(ver); err != nil {
			return err
		}
		ref.Path = string(path)
		ref.Version = vs.V
		r.add(ref)
	}
	return nil
}

func (r *fileRefs) Diff(them streams.Stream) []byte { return absoluteDiff(r, them) }
func (r *fileRefs) Twm(diff []byte, base streams.Stream) (bool, error) {
	return absoluteTwm(r, diff, base)
}
func (r *fileRefs) Equal(them streams.Stream) bool { return frozenEqual(r, them) }

func (r *fileRefs) copy() fileRefs {
	c := fileRefs{}
	for _, ref := range r.refs {
		c.add(ref)
	}
	return c
}

// PathHash is the first 8 bytes of the md5 of a path.
type PathHash [8]byte

// HashPath computes the path hash of path.
func HashPath(path string) PathHash {
	var h PathHash
	sum := md5.Sum([]byte(path))
	copy(h[:], sum[:])
	return h
}

// PathHashes is the set of path hashes of the files in a trove. Two
// troves whose path hashes intersect may not be installed together.
type PathHashes struct {
	hashes map[PathHash]bool
}

func (p *PathHashes) Add(h PathHash) {
	if p.hashes == nil {
		p.hashes = map[PathHash]bool{}
	}
	p.hashes[h] = true
}

func (p *PathHashes) AddPath(path string) { p.Add(HashPath(path)) }

func (p *PathHashes) Contains(h PathHash) bool { return p.hashes[h] }

func (p *PathHashes) Len() int { return len(p.hashes) }

// CompatibleWith returns whether no path is shared.
func (p *PathHashes) CompatibleWith(o *PathHashes) bool {
	for h := range p.hashes {
		if o.hashes[h] {
			return false
		}
	}
	return true
}

func (p *PathHashes) Freeze(skip streams.SkipSet) []byte {
	list := make([]PathHash, 0, len(p.hashes))
	for h := range p.hashes {
		list = append(list, h)
	}
	sort.Slice(list, func(i, j int) bool { return bytes.Compare(list[i][:], list[j][:]) < 0 })
	var buf []byte
	for _, h := range list {
		buf = append(buf, h[:]...)
	}
	return buf
}

func (p *PathHashes) Thaw(frz []byte) error {
	p.hashes = nil
	if len(frz)%8 != 0 {
		return errors.Errorf("path hashes of invalid length %d", len(frz))
	}
	for i := 0; i < len(frz); i += 8 {
		var h PathHash
		copy(h[:], frz[i:i+8])
		p.Add(h)
	}
	return nil
}

func (p *PathHashes) Diff(them streams.Stream) []byte { return absoluteDiff(p, them) }
func (p *PathHashes) Twm(diff []byte, base streams.Stream) (bool, error) {
	return absoluteTwm(p, diff, base)
}
func (p *PathHashes) Equal(them streams.Stream) bool { return frozenEqual(p, them) }
