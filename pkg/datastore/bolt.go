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
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
	"github.com/toitlang/trove/pkg/digest"
	"github.com/toitlang/trove/pkg/errs"
	"go.etcd.io/bbolt"
)

var (
	blobsBucket     = []byte("contents")
	refcountsBucket = []byte("refcounts")
)

// BoltStore keeps contents and their reference counts in a bolt
// database. It is used for installed systems, where contents are shared
// between troves and removed when the last one is erased.
type BoltStore struct {
	db *bbolt.DB
}

var _ Store = (*BoltStore)(nil)

// NewBoltStore uses the given database, which may hold other buckets.
func NewBoltStore(db *bbolt.DB) (*BoltStore, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{blobsBucket, refcountsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "creating content buckets")
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) HashToPath(sha1 digest.Sha1) (string, error) {
	return "", &errs.NotImplemented{What: "paths of database contents"}
}

func (s *BoltStore) HasFile(sha1 digest.Sha1) (bool, error) {
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		found = tx.Bucket(blobsBucket).Get(sha1[:]) != nil
		return nil
	})
	return found, err
}

// RefCount returns how many references the contents have.
func (s *BoltStore) RefCount(sha1 digest.Sha1) (uint64, error) {
	var n uint64
	err := s.db.View(func(tx *bbolt.Tx) error {
		n = count(tx, sha1)
		return nil
	})
	return n, err
}

func count(tx *bbolt.Tx, sha1 digest.Sha1) uint64 {
	v := tx.Bucket(refcountsBucket).Get(sha1[:])
	if len(v) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(v)
}

func setCount(tx *bbolt.Tx, sha1 digest.Sha1, n uint64) error {
	b := tx.Bucket(refcountsBucket)
	if n == 0 {
		return b.Delete(sha1[:])
	}
	var v [8]byte
	binary.BigEndian.PutUint64(v[:], n)
	return b.Put(sha1[:], v[:])
}

// AddFile stores the contents with a reference count of one, or adds a
// reference if they are already present.
func (s *BoltStore) AddFile(r io.Reader, sha1 digest.Sha1, precompressed bool) error {
	var buf bytes.Buffer
	if err := compressVerified(&buf, r, sha1, precompressed); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		blobs := tx.Bucket(blobsBucket)
		if blobs.Get(sha1[:]) == nil {
			if err := blobs.Put(sha1[:], buf.Bytes()); err != nil {
				return err
			}
		}
		return setCount(tx, sha1, count(tx, sha1)+1)
	})
}

func (s *BoltStore) AddFileReference(sha1 digest.Sha1) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(blobsBucket).Get(sha1[:]) == nil {
			return contentsMissing(sha1)
		}
		return setCount(tx, sha1, count(tx, sha1)+1)
	})
}

func (s *BoltStore) OpenRawFile(sha1 digest.Sha1) (io.ReadCloser, error) {
	var data []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(blobsBucket).Get(sha1[:])
		if v == nil {
			return contentsMissing(sha1)
		}
		// Values are only valid inside the transaction.
		data = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *BoltStore) OpenFile(sha1 digest.Sha1) (io.ReadCloser, error) {
	raw, err := s.OpenRawFile(sha1)
	if err != nil {
		return nil, err
	}
	return gunzip(raw)
}

// RemoveFile drops one reference; the contents go away with the last.
func (s *BoltStore) RemoveFile(sha1 digest.Sha1) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		n := count(tx, sha1)
		if n > 1 {
			return setCount(tx, sha1, n-1)
		}
		if err := setCount(tx, sha1, 0); err != nil {
			return err
		}
		return tx.Bucket(blobsBucket).Delete(sha1[:])
	})
}
