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

package streams

import (
	"bytes"
	"encoding/binary"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/toitlang/trove/pkg/digest"
)

// SkipSet contains field names that are left out of a freeze or a
// comparison. The names apply at every nesting level.
type SkipSet map[string]bool

// Stream is a value that can be frozen, diffed and merged.
type Stream interface {
	// Freeze returns the canonical encoding of the stream.
	// An empty result means the stream is unset.
	Freeze(skip SkipSet) []byte
	// Thaw replaces the value with the decoded frz.
	Thaw(frz []byte) error
	// Diff returns the change that turns them into the receiver.
	// A nil result means "no change"; an empty, non-nil result means the
	// receiver is unset.
	Diff(them Stream) []byte
	// Twm applies diff (computed against base) to the receiver. It
	// reports a conflict when the receiver was changed independently of
	// base.
	Twm(diff []byte, base Stream) (conflict bool, err error)
	// Equal compares two streams of the same type.
	Equal(them Stream) bool
}

type unsigned interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64
}

// Numeric is a fixed width, big-endian unsigned number that may be unset.
type Numeric[T unsigned] struct {
	val T
	ok  bool
}

type (
	Byte     = Numeric[uint8]
	Short    = Numeric[uint16]
	Int      = Numeric[uint32]
	LongLong = Numeric[uint64]
)

func (n *Numeric[T]) width() int {
	var z T
	switch any(z).(type) {
	case uint8:
		return 1
	case uint16:
		return 2
	case uint32:
		return 4
	default:
		return 8
	}
}

func (n *Numeric[T]) Get() T      { return n.val }
func (n *Numeric[T]) IsSet() bool { return n.ok }

func (n *Numeric[T]) Set(v T) {
	n.val = v
	n.ok = true
}

func (n *Numeric[T]) Unset() {
	var z T
	n.val = z
	n.ok = false
}

func (n *Numeric[T]) Freeze(skip SkipSet) []byte {
	if !n.ok {
		return nil
	}
	buf := make([]byte, n.width())
	switch len(buf) {
	case 1:
		buf[0] = byte(n.val)
	case 2:
		binary.BigEndian.PutUint16(buf, uint16(n.val))
	case 4:
		binary.BigEndian.PutUint32(buf, uint32(n.val))
	default:
		binary.BigEndian.PutUint64(buf, uint64(n.val))
	}
	return buf
}

func (n *Numeric[T]) Thaw(frz []byte) error {
	if len(frz) == 0 {
		n.Unset()
		return nil
	}
	if len(frz) != n.width() {
		return errors.Errorf("numeric stream of width %d thawed from %d bytes", n.width(), len(frz))
	}
	switch len(frz) {
	case 1:
		n.val = T(frz[0])
	case 2:
		n.val = T(binary.BigEndian.Uint16(frz))
	case 4:
		n.val = T(binary.BigEndian.Uint32(frz))
	default:
		n.val = T(binary.BigEndian.Uint64(frz))
	}
	n.ok = true
	return nil
}

func (n *Numeric[T]) same(o *Numeric[T]) bool {
	return n.ok == o.ok && n.val == o.val
}

func (n *Numeric[T]) Diff(them Stream) []byte {
	o := them.(*Numeric[T])
	if n.same(o) {
		return nil
	}
	if !n.ok {
		return []byte{}
	}
	return n.Freeze(nil)
}

func (n *Numeric[T]) Twm(diff []byte, base Stream) (bool, error) {
	var next Numeric[T]
	if err := next.Thaw(diff); err != nil {
		return false, err
	}
	if n.same(base.(*Numeric[T])) {
		*n = next
		return false, nil
	}
	return !n.same(&next), nil
}

func (n *Numeric[T]) Equal(them Stream) bool {
	o, ok := them.(*Numeric[T])
	return ok && n.same(o)
}

// Mtime is a 4 byte timestamp. It never takes part in equality checks and
// merging it never conflicts.
type Mtime struct {
	Int
}

func (m *Mtime) Diff(them Stream) []byte {
	return m.Int.Diff(&them.(*Mtime).Int)
}

func (m *Mtime) Twm(diff []byte, base Stream) (bool, error) {
	return false, m.Int.Thaw(diff)
}

func (m *Mtime) Equal(them Stream) bool {
	_, ok := them.(*Mtime)
	return ok
}

// String is a byte string. The empty string is the unset value.
type String struct {
	val []byte
}

func (s *String) Get() string      { return string(s.val) }
func (s *String) GetBytes() []byte { return s.val }
func (s *String) Set(v string)     { s.val = []byte(v) }
func (s *String) SetBytes(v []byte) {
	s.val = append([]byte(nil), v...)
}

func (s *String) Freeze(skip SkipSet) []byte {
	return s.val
}

func (s *String) Thaw(frz []byte) error {
	if len(frz) == 0 {
		s.val = nil
		return nil
	}
	s.val = append([]byte(nil), frz...)
	return nil
}

func (s *String) Diff(them Stream) []byte {
	o := them.(*String)
	if bytes.Equal(s.val, o.val) {
		return nil
	}
	if s.val == nil {
		return []byte{}
	}
	return s.val
}

func (s *String) Twm(diff []byte, base Stream) (bool, error) {
	if bytes.Equal(s.val, base.(*String).val) {
		return false, s.Thaw(diff)
	}
	return !bytes.Equal(s.val, diff), nil
}

func (s *String) Equal(them Stream) bool {
	o, ok := them.(*String)
	return ok && bytes.Equal(s.val, o.val)
}

// Sha1 is a 20 byte digest stream.
type Sha1 struct {
	String
}

func (s *Sha1) GetSha1() digest.Sha1 {
	var d digest.Sha1
	copy(d[:], s.val)
	return d
}

func (s *Sha1) SetSha1(d digest.Sha1) {
	if d.IsZero() {
		s.val = nil
		return
	}
	s.val = d.Bytes()
}

func (s *Sha1) Thaw(frz []byte) error {
	if len(frz) != 0 && len(frz) != digest.Size {
		return errors.Errorf("sha1 stream thawed from %d bytes", len(frz))
	}
	return s.String.Thaw(frz)
}

func (s *Sha1) Diff(them Stream) []byte {
	return s.String.Diff(&them.(*Sha1).String)
}

func (s *Sha1) Twm(diff []byte, base Stream) (bool, error) {
	return s.String.Twm(diff, &base.(*Sha1).String)
}

func (s *Sha1) Equal(them Stream) bool {
	o, ok := them.(*Sha1)
	return ok && s.String.Equal(&o.String)
}

// AbsoluteSha1 is a sha1 stream whose diff always carries the full value.
type AbsoluteSha1 struct {
	Sha1
}

func (s *AbsoluteSha1) Diff(them Stream) []byte {
	return append([]byte{}, s.val...)
}

func (s *AbsoluteSha1) Twm(diff []byte, base Stream) (bool, error) {
	return s.Sha1.Twm(diff, &base.(*AbsoluteSha1).Sha1)
}

func (s *AbsoluteSha1) Equal(them Stream) bool {
	o, ok := them.(*AbsoluteSha1)
	return ok && s.Sha1.Equal(&o.Sha1)
}

// Strings is an unordered set of strings, frozen sorted and joined by
// NUL bytes.
type Strings struct {
	vals []string
}

func (s *Strings) Get() []string { return append([]string(nil), s.vals...) }

func (s *Strings) Set(vals []string) {
	s.vals = nil
	for _, v := range vals {
		s.Add(v)
	}
}

func (s *Strings) Add(v string) {
	i := sort.SearchStrings(s.vals, v)
	if i < len(s.vals) && s.vals[i] == v {
		return
	}
	s.vals = append(s.vals, "")
	copy(s.vals[i+1:], s.vals[i:])
	s.vals[i] = v
}

func (s *Strings) Contains(v string) bool {
	i := sort.SearchStrings(s.vals, v)
	return i < len(s.vals) && s.vals[i] == v
}

func (s *Strings) Freeze(skip SkipSet) []byte {
	return []byte(strings.Join(s.vals, "\x00"))
}

func (s *Strings) Thaw(frz []byte) error {
	s.vals = nil
	if len(frz) == 0 {
		return nil
	}
	s.Set(strings.Split(string(frz), "\x00"))
	return nil
}

func (s *Strings) Diff(them Stream) []byte {
	if s.Equal(them) {
		return nil
	}
	return append([]byte{}, s.Freeze(nil)...)
}

func (s *Strings) Twm(diff []byte, base Stream) (bool, error) {
	if s.Equal(base) {
		return false, s.Thaw(diff)
	}
	var next Strings
	if err := next.Thaw(diff); err != nil {
		return false, err
	}
	return !s.Equal(&next), nil
}

func (s *Strings) Equal(them Stream) bool {
	o, ok := them.(*Strings)
	if !ok || len(o.vals) != len(s.vals) {
		return false
	}
	for i := range s.vals {
		if s.vals[i] != o.vals[i] {
			return false
		}
	}
	return true
}

// OrderedStrings is a list of strings that keeps its insertion order.
type OrderedStrings struct {
	Strings
}

func (s *OrderedStrings) Set(vals []string) {
	s.vals = append([]string(nil), vals...)
}

func (s *OrderedStrings) Add(v string) {
	s.vals = append(s.vals, v)
}

func (s *OrderedStrings) Thaw(frz []byte) error {
	s.vals = nil
	if len(frz) == 0 {
		return nil
	}
	s.vals = strings.Split(string(frz), "\x00")
	return nil
}

func (s *OrderedStrings) Diff(them Stream) []byte {
	if s.Equal(them) {
		return nil
	}
	return append([]byte{}, s.Freeze(nil)...)
}

func (s *OrderedStrings) Twm(diff []byte, base Stream) (bool, error) {
	if s.Equal(base) {
		return false, s.Thaw(diff)
	}
	var next OrderedStrings
	if err := next.Thaw(diff); err != nil {
		return false, err
	}
	return !s.Equal(&next), nil
}

func (s *OrderedStrings) Equal(them Stream) bool {
	o, ok := them.(*OrderedStrings)
	return ok && s.Strings.Equal(&o.Strings)
}
