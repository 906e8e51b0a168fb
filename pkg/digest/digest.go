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

// Package digest contains the sha1 keys used to address file contents and
// file streams.
package digest

import (
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"hash"
	"io"

	"github.com/pkg/errors"
)

// Size is the length of a sha1 digest.
const Size = sha1.Size

// Sha1 is a sha1 digest. The zero value means "no digest".
type Sha1 [Size]byte

// Sum computes the sha1 of the given data.
func Sum(data []byte) Sha1 {
	return Sha1(sha1.Sum(data))
}

// SumReader computes the sha1 of everything readable from r.
func SumReader(r io.Reader) (Sha1, int64, error) {
	h := sha1.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return Sha1{}, n, err
	}
	return FromHash(h), n, nil
}

// New returns a hash that computes a sha1.
func New() hash.Hash {
	return sha1.New()
}

// FromHash extracts the digest of a hash created with New.
func FromHash(h hash.Hash) Sha1 {
	var s Sha1
	copy(s[:], h.Sum(nil))
	return s
}

// FromBytes converts a 20 byte slice into a digest.
func FromBytes(b []byte) (Sha1, error) {
	var s Sha1
	if len(b) != Size {
		return s, errors.Errorf("invalid sha1 length %d", len(b))
	}
	copy(s[:], b)
	return s, nil
}

// ParseHex parses the hex representation of a digest.
func ParseHex(str string) (Sha1, error) {
	b, err := hex.DecodeString(str)
	if err != nil {
		return Sha1{}, errors.Wrapf(err, "invalid sha1 '%s'", str)
	}
	return FromBytes(b)
}

// MustParseHex is like ParseHex but panics on error.
func MustParseHex(str string) Sha1 {
	s, err := ParseHex(str)
	if err != nil {
		panic(err)
	}
	return s
}

func (s Sha1) IsZero() bool {
	return s == Sha1{}
}

func (s Sha1) Bytes() []byte {
	return append([]byte(nil), s[:]...)
}

func (s Sha1) String() string {
	return hex.EncodeToString(s[:])
}

// Base64 returns the url-safe, unpadded base64 form of the digest.
// It is used by the flat content store layout.
func (s Sha1) Base64() string {
	return base64.RawURLEncoding.EncodeToString(s[:])
}

// Short returns the first 8 hex digits.
func (s Sha1) Short() string {
	return s.String()[:8]
}

// Less orders digests bytewise.
func (s Sha1) Less(o Sha1) bool {
	for i := range s {
		if s[i] != o[i] {
			return s[i] < o[i]
		}
	}
	return false
}
