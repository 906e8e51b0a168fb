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

// Package changeset implements change sets: a self-contained description
// of the transition from one set of troves to another, together with the
// file streams and contents that transition needs.
package changeset

import (
	"fmt"
	"io"
	"sort"

	"github.com/pkg/errors"
	"github.com/toitlang/trove/pkg/errs"
	"github.com/toitlang/trove/pkg/files"
	"github.com/toitlang/trove/pkg/trove"
)

// FileKey identifies a file stream record. Old is zero for absolute
// streams.
type FileKey struct {
	Old files.FileID
	New files.FileID
}

// ChangeSet is an ordered collection of trove change sets, erasures,
// file streams and file contents.
type ChangeSet struct {
	primary   []trove.Tuple
	newTroves []*trove.ChangeSet
	troveIdx  map[string]int
	oldTroves []trove.Tuple

	fileStreams map[FileKey][]byte
	contents    map[Key]*Content

	// lazy holds the contents of a container that haven't been read yet.
	lazy  *lazyContents
	spool *spool
}

// New returns an empty change set.
func New() *ChangeSet {
	return &ChangeSet{
		troveIdx:    map[string]int{},
		fileStreams: map[FileKey][]byte{},
		contents:    map[Key]*Content{},
		spool:       newSpool(0, ""),
	}
}

// Close releases temporary files and the underlying container.
func (cs *ChangeSet) Close() error {
	var err error
	if cs.lazy != nil {
		err = cs.lazy.close()
		cs.lazy = nil
	}
	if serr := cs.spool.close(); err == nil {
		err = serr
	}
	return err
}

// AddPrimary marks a trove as one of the troves the change set was
// requested for.
func (cs *ChangeSet) AddPrimary(tup trove.Tuple) { cs.primary = append(cs.primary, tup) }

// Primary returns the primary troves.
func (cs *ChangeSet) Primary() []trove.Tuple { return append([]trove.Tuple(nil), cs.primary...) }

// SetPrimary replaces the primary troves.
func (cs *ChangeSet) SetPrimary(tups []trove.Tuple) { cs.primary = append([]trove.Tuple(nil), tups...) }

// AddNewTrove adds a trove change set. A change set for the same new
// trove is replaced in place.
func (cs *ChangeSet) AddNewTrove(tcs *trove.ChangeSet) {
	key := tcs.NewTuple().Key()
	if i, ok := cs.troveIdx[key]; ok {
		cs.newTroves[i] = tcs
		return
	}
	cs.troveIdx[key] = len(cs.newTroves)
	cs.newTroves = append(cs.newTroves, tcs)
}

// NewTroves returns the trove change sets in insertion order.
func (cs *ChangeSet) NewTroves() []*trove.ChangeSet {
	return append([]*trove.ChangeSet(nil), cs.newTroves...)
}

// NewTrove returns the change set that creates tup.
func (cs *ChangeSet) NewTrove(tup trove.Tuple) (*trove.ChangeSet, bool) {
	i, ok := cs.troveIdx[tup.Key()]
	if !ok {
		return nil, false
	}
	return cs.newTroves[i], true
}

// HasNewTrove returns whether the change set creates tup.
func (cs *ChangeSet) HasNewTrove(tup trove.Tuple) bool {
	_, ok := cs.troveIdx[tup.Key()]
	return ok
}

// DelNewTrove removes the change set that creates tup, also from the
// primary list.
func (cs *ChangeSet) DelNewTrove(tup trove.Tuple) {
	key := tup.Key()
	i, ok := cs.troveIdx[key]
	if !ok {
		return
	}
	cs.newTroves = append(cs.newTroves[:i], cs.newTroves[i+1:]...)
	cs.reindex()
	for j, p := range cs.primary {
		if p.Key() == key {
			cs.primary = append(cs.primary[:j], cs.primary[j+1:]...)
			break
		}
	}
}

func (cs *ChangeSet) reindex() {
	cs.troveIdx = map[string]int{}
	for i, tcs := range cs.newTroves {
		cs.troveIdx[tcs.NewTuple().Key()] = i
	}
}

// AddOldTrove records the erasure of tup.
func (cs *ChangeSet) AddOldTrove(tup trove.Tuple) {
	if !cs.HasOldTrove(tup) {
		cs.oldTroves = append(cs.oldTroves, tup)
	}
}

// OldTroves returns the erased troves.
func (cs *ChangeSet) OldTroves() []trove.Tuple { return append([]trove.Tuple(nil), cs.oldTroves...) }

func (cs *ChangeSet) HasOldTrove(tup trove.Tuple) bool {
	for _, t := range cs.oldTroves {
		if t.Equal(tup) {
			return true
		}
	}
	return false
}

func (cs *ChangeSet) DelOldTrove(tup trove.Tuple) {
	for i, t := range cs.oldTroves {
		if t.Equal(tup) {
			cs.oldTroves = append(cs.oldTroves[:i], cs.oldTroves[i+1:]...)
			return
		}
	}
}

// IsEmpty returns whether the change set neither creates nor erases
// anything.
func (cs *ChangeSet) IsEmpty() bool { return len(cs.newTroves) == 0 && len(cs.oldTroves) == 0 }

// IsAbsolute returns whether every trove change set is absolute.
func (cs *ChangeSet) IsAbsolute() bool {
	if len(cs.newTroves) == 0 {
		return false
	}
	for _, tcs := range cs.newTroves {
		if !tcs.IsAbsolute() {
			return false
		}
	}
	return true
}

// IsLocal returns whether any trove is on the local label.
func (cs *ChangeSet) IsLocal() bool {
	for _, tcs := range cs.newTroves {
		if tcs.NewVersion().IsOnLocalHost() ||
			(!tcs.OldVersion().IsZero() && tcs.OldVersion().IsOnLocalHost()) {
			return true
		}
	}
	return false
}

// AddFileStream records the stream of newID, as a diff against oldID
// when oldID is set.
func (cs *ChangeSet) AddFileStream(oldID, newID files.FileID, stream []byte) {
	cs.fileStreams[FileKey{Old: oldID, New: newID}] = stream
}

// FileStream returns the stream record for the transition from oldID to
// newID. An absolute record of newID is returned if there is no diff.
func (cs *ChangeSet) FileStream(oldID, newID files.FileID) ([]byte, bool) {
	if s, ok := cs.fileStreams[FileKey{Old: oldID, New: newID}]; ok {
		return s, true
	}
	s, ok := cs.fileStreams[FileKey{New: newID}]
	return s, ok
}

// FindFileStream finds any stream record that produces newID.
func (cs *ChangeSet) FindFileStream(newID files.FileID) (FileKey, []byte, bool) {
	if s, ok := cs.fileStreams[FileKey{New: newID}]; ok {
		return FileKey{New: newID}, s, true
	}
	for k, s := range cs.fileStreams {
		if k.New == newID {
			return k, s, true
		}
	}
	return FileKey{}, nil, false
}

// FileStreamKeys returns the keys of all stream records, sorted.
func (cs *ChangeSet) FileStreamKeys() []FileKey {
	keys := make([]FileKey, 0, len(cs.fileStreams))
	for k := range cs.fileStreams {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].New != keys[j].New {
			return keys[i].New.Less(keys[j].New)
		}
		return keys[i].Old.Less(keys[j].Old)
	})
	return keys
}

// NewFile returns the file object the change set creates for a file
// reference, applying a stream diff to old when needed.
func (cs *ChangeSet) NewFile(pathID files.PathID, oldID, newID files.FileID, old *files.File) (*files.File, error) {
	stream, ok := cs.FileStream(oldID, newID)
	if !ok {
		return nil, &errs.FileStreamMissing{FileID: newID.String()}
	}
	f, err := files.ApplyDiff(old, stream, pathID)
	if err != nil {
		return nil, errors.Wrapf(err, "file %s", pathID)
	}
	if id := f.FileID(); id != newID {
		return nil, &errs.TroveIntegrityError{Msg: fmt.Sprintf("fileId %s does not match its stream (%s)", newID, id)}
	}
	return f, nil
}

// AddFileContents adds a content record.
func (cs *ChangeSet) AddFileContents(key Key, c *Content) {
	cs.contents[key] = c
}

// FileContents returns the content record for key. Records of a
// container are read on demand; records passed on the way are kept.
func (cs *ChangeSet) FileContents(key Key) (*Content, error) {
	if c, ok := cs.contents[key]; ok {
		return c, nil
	}
	for cs.lazy != nil {
		k, c, err := cs.lazy.next()
		if err == io.EOF {
			cs.lazy.close()
			cs.lazy = nil
			break
		}
		if err != nil {
			return nil, err
		}
		if err := cs.keep(k, c); err != nil {
			return nil, err
		}
		if k == key {
			return cs.contents[k], nil
		}
	}
	return nil, &errs.FileContentsMissing{PathID: key.PathID.String()}
}

// ResolveContents is FileContents that follows ptr records.
func (cs *ChangeSet) ResolveContents(key Key) (*Content, error) {
	for i := 0; i < 2; i++ {
		c, err := cs.FileContents(key)
		if err != nil {
			return nil, err
		}
		if c.Type != TypePtr {
			return c, nil
		}
		key = c.Target
	}
	return nil, errors.Errorf("ptr record %s points at another ptr", key)
}

// HasFileContents checks the records that have been read so far.
func (cs *ChangeSet) HasFileContents(key Key) bool {
	_, ok := cs.contents[key]
	return ok
}

// keep moves a streamed record into the change set.
func (cs *ChangeSet) keep(k Key, c *Content) error {
	if c.Type != TypePtr {
		r, err := c.Contents.Open()
		if err != nil {
			return err
		}
		kept, _, err := cs.spool.keep(r)
		r.Close()
		if err != nil {
			return err
		}
		c.Contents = kept
	}
	cs.contents[k] = c
	return nil
}

// drain reads every remaining record of the container.
func (cs *ChangeSet) drain() error {
	for cs.lazy != nil {
		k, c, err := cs.lazy.next()
		if err == io.EOF {
			cs.lazy.close()
			cs.lazy = nil
			return nil
		}
		if err != nil {
			return err
		}
		if err := cs.keep(k, c); err != nil {
			return err
		}
	}
	return nil
}

// ContentKeys returns the keys of all content records in write order:
// config records first, then the rest, each sorted.
func (cs *ChangeSet) ContentKeys() ([]Key, error) {
	if err := cs.drain(); err != nil {
		return nil, err
	}
	return cs.sortedKeys(), nil
}

func (cs *ChangeSet) sortedKeys() []Key {
	keys := make([]Key, 0, len(cs.contents))
	for k := range cs.contents {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		ci, cj := cs.contents[keys[i]].Config, cs.contents[keys[j]].Config
		if ci != cj {
			return ci
		}
		return keys[i].Less(keys[j])
	})
	return keys
}

// Walk calls fn for every content record in container order. Records
// that haven't been read yet are streamed: their contents can only be
// opened once, inside fn. Streamed records are not kept.
func (cs *ChangeSet) Walk(fn func(Key, *Content) error) error {
	for _, k := range cs.sortedKeys() {
		if err := fn(k, cs.contents[k]); err != nil {
			return err
		}
	}
	for cs.lazy != nil {
		k, c, err := cs.lazy.next()
		if err == io.EOF {
			cs.lazy.close()
			cs.lazy = nil
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(k, c); err != nil {
			return err
		}
	}
	return nil
}

// JobSet returns the jobs the change set implements. With primaries set,
// only the jobs of primary troves are returned.
func (cs *ChangeSet) JobSet(primaries bool) []trove.Job {
	var primary map[string]bool
	if primaries {
		primary = map[string]bool{}
		for _, p := range cs.primary {
			primary[p.Key()] = true
		}
	}
	var jobs []trove.Job
	for _, tcs := range cs.newTroves {
		if primaries && !primary[tcs.NewTuple().Key()] {
			continue
		}
		jobs = append(jobs, tcs.Job())
	}
	for _, tup := range cs.oldTroves {
		if primaries && !primary[tup.Key()] {
			continue
		}
		jobs = append(jobs, trove.EraseJob(tup))
	}
	return jobs
}

// Format writes a human readable description of the change set.
func (cs *ChangeSet) Format(w io.Writer) error {
	if _, err := fmt.Fprintln(w, "primary troves:"); err != nil {
		return err
	}
	for _, p := range cs.primary {
		if _, err := fmt.Fprintf(w, "\t%s\n", p); err != nil {
			return err
		}
	}
	fmt.Fprintln(w)
	for _, tcs := range cs.newTroves {
		err := tcs.Format(w, func(pathID files.PathID, fileID files.FileID) []byte {
			_, s, _ := cs.FindFileStream(fileID)
			return s
		})
		if err != nil {
			return err
		}
	}
	for _, tup := range cs.oldTroves {
		if _, err := fmt.Fprintf(w, "remove %s\n", tup); err != nil {
			return err
		}
	}
	return nil
}
