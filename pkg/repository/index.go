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

package repository

import (
	"bytes"

	"github.com/pkg/errors"
	"github.com/toitlang/trove/pkg/deps"
	"github.com/toitlang/trove/pkg/files"
	"github.com/toitlang/trove/pkg/trove"
	"github.com/toitlang/trove/pkg/versions"
	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"
)

var (
	trovesBucket = []byte("troves")
	filesBucket  = []byte("files")
	pathsBucket  = []byte("paths")
	metaBucket   = []byte("meta")

	idKey = []byte("id")
)

// troveRecord is the index entry of a trove. The tuple and the provides
// are kept next to the frozen trove so listing and dependency queries
// don't have to thaw it.
type troveRecord struct {
	Name     string `msgpack:"name"`
	Version  string `msgpack:"version"`
	Flavor   string `msgpack:"flavor"`
	Provides string `msgpack:"provides,omitempty"`
	Type     uint8  `msgpack:"type"`
	Trove    []byte `msgpack:"trove"`
	Commit   string `msgpack:"commit,omitempty"`
}

func (r *troveRecord) tuple() (trove.Tuple, error) {
	v, err := versions.Thaw(r.Version)
	if err != nil {
		return trove.Tuple{}, err
	}
	f, err := deps.Thaw(r.Flavor)
	if err != nil {
		return trove.Tuple{}, err
	}
	return trove.NewTuple(r.Name, v, f), nil
}

func (r *troveRecord) trove() (*trove.Trove, error) {
	t, err := trove.Thaw(r.Trove)
	if err != nil {
		return nil, errors.Wrapf(err, "trove %s=%s", r.Name, r.Version)
	}
	return t, nil
}

func newTroveRecord(t *trove.Trove, commit string) *troveRecord {
	return &troveRecord{
		Name:     t.Name(),
		Version:  t.Version().Freeze(),
		Flavor:   t.Flavor().Freeze(),
		Provides: t.Provides().Freeze(),
		Type:     uint8(t.Type()),
		Trove:    t.Freeze(),
		Commit:   commit,
	}
}

// pathRecord maps a path to a trove that contains it.
type pathRecord struct {
	Name    string `msgpack:"name"`
	Version string `msgpack:"version"`
	Flavor  string `msgpack:"flavor"`
}

// troveKey sorts the troves of a name together.
func troveKey(tup trove.Tuple) []byte {
	return append(namePrefix(tup.Name), tup.Key()...)
}

func namePrefix(name string) []byte {
	return append([]byte(name), 0)
}

func pathKey(path string, tup trove.Tuple) []byte {
	return append(namePrefix(path), tup.Key()...)
}

// index is the trove and file stream index kept in a bolt database.
type index struct {
	db *bbolt.DB
}

func newIndex(db *bbolt.DB) (*index, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{trovesBucket, filesBucket, pathsBucket, metaBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "creating index buckets")
	}
	return &index{db: db}, nil
}

func (i *index) view(fn func(tx *indexTx) error) error {
	return i.db.View(func(tx *bbolt.Tx) error { return fn(&indexTx{tx}) })
}

// update runs fn in a write transaction; an error rolls everything back.
func (i *index) update(fn func(tx *indexTx) error) error {
	return i.db.Update(func(tx *bbolt.Tx) error { return fn(&indexTx{tx}) })
}

type indexTx struct {
	tx *bbolt.Tx
}

func (t *indexTx) meta(key []byte) []byte {
	v := t.tx.Bucket(metaBucket).Get(key)
	if v == nil {
		return nil
	}
	return append([]byte(nil), v...)
}

func (t *indexTx) setMeta(key, value []byte) error {
	return t.tx.Bucket(metaBucket).Put(key, value)
}

func (t *indexTx) record(tup trove.Tuple) (*troveRecord, error) {
	v := t.tx.Bucket(trovesBucket).Get(troveKey(tup))
	if v == nil {
		return nil, nil
	}
	rec := &troveRecord{}
	if err := msgpack.Unmarshal(v, rec); err != nil {
		return nil, errors.Wrapf(err, "decoding index entry of %s", tup)
	}
	return rec, nil
}

func (t *indexTx) hasTrove(tup trove.Tuple) bool {
	return t.tx.Bucket(trovesBucket).Get(troveKey(tup)) != nil
}

// getTrove returns nil for troves that aren't present.
func (t *indexTx) getTrove(tup trove.Tuple) (*trove.Trove, error) {
	rec, err := t.record(tup)
	if err != nil || rec == nil {
		return nil, err
	}
	return rec.trove()
}

// forEach calls fn for every record whose key starts with prefix. A nil
// prefix visits every trove.
func (t *indexTx) forEach(prefix []byte, fn func(rec *troveRecord) error) error {
	c := t.tx.Bucket(trovesBucket).Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		rec := &troveRecord{}
		if err := msgpack.Unmarshal(v, rec); err != nil {
			return errors.Wrapf(err, "decoding index entry %q", k)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

func (t *indexTx) putTrove(tr *trove.Trove, commit string) error {
	v, err := msgpack.Marshal(newTroveRecord(tr, commit))
	if err != nil {
		return err
	}
	tup := tr.Tuple()
	if err := t.tx.Bucket(trovesBucket).Put(troveKey(tup), v); err != nil {
		return err
	}
	paths := t.tx.Bucket(pathsBucket)
	pv, err := msgpack.Marshal(&pathRecord{Name: tup.Name, Version: tr.Version().Freeze(), Flavor: tr.Flavor().Freeze()})
	if err != nil {
		return err
	}
	for _, ref := range tr.Files() {
		if err := paths.Put(pathKey(ref.Path, tup), pv); err != nil {
			return err
		}
	}
	return nil
}

// delTrove removes the trove and its path entries.
func (t *indexTx) delTrove(tr *trove.Trove) error {
	tup := tr.Tuple()
	paths := t.tx.Bucket(pathsBucket)
	for _, ref := range tr.Files() {
		if err := paths.Delete(pathKey(ref.Path, tup)); err != nil {
			return err
		}
	}
	return t.tx.Bucket(trovesBucket).Delete(troveKey(tup))
}

// trovesByPath lists the troves containing path.
func (t *indexTx) trovesByPath(path string) ([]trove.Tuple, error) {
	var result []trove.Tuple
	prefix := namePrefix(path)
	c := t.tx.Bucket(pathsBucket).Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		rec := &pathRecord{}
		if err := msgpack.Unmarshal(v, rec); err != nil {
			return nil, errors.Wrapf(err, "decoding path entry %q", k)
		}
		tup, err := (&troveRecord{Name: rec.Name, Version: rec.Version, Flavor: rec.Flavor}).tuple()
		if err != nil {
			return nil, err
		}
		result = append(result, tup)
	}
	return result, nil
}

// File streams are shared by every trove that uses them; they are keyed by
// fileId alone.
func (t *indexTx) getFile(pathID files.PathID, fileID files.FileID) (*files.File, error) {
	v := t.tx.Bucket(filesBucket).Get(fileID[:])
	if v == nil {
		return nil, nil
	}
	return files.Thaw(v, pathID)
}

func (t *indexTx) hasFile(fileID files.FileID) bool {
	return t.tx.Bucket(filesBucket).Get(fileID[:]) != nil
}

func (t *indexTx) putFile(f *files.File) error {
	id := f.FileID()
	return t.tx.Bucket(filesBucket).Put(id[:], f.Freeze(nil))
}
