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
	"sort"

	"github.com/pkg/errors"
)

// Field describes one member of a stream set.
type Field struct {
	Tag    byte
	Size   SizeClass
	Name   string
	Stream Stream
}

// UnknownPolicy decides what happens to tags a set doesn't declare.
type UnknownPolicy int

const (
	// Preserve keeps the field and writes it back on freeze.
	Preserve UnknownPolicy = iota
	// Drop silently skips the field.
	Drop
	// Reject fails the thaw.
	Reject
)

// RawField is a field of a set that the set didn't declare.
type RawField struct {
	Tag   byte
	Large bool
	Data  []byte
}

// Extra holds the bookkeeping every stream set needs. Sets embed it and
// implement Fields.
type Extra struct {
	Policy  UnknownPolicy
	Unknown []RawField
}

func (e *Extra) extra() *Extra { return e }

// HasUnknown returns whether fields were preserved during the last thaw.
func (e *Extra) HasUnknown() bool { return len(e.Unknown) > 0 }

// Fielded is a stream set.
// The fields must be returned in ascending tag order.
type Fielded interface {
	Fields() []Field
	extra() *Extra
}

// FreezeSet encodes all set fields in tag order. Empty fields and fields
// named in skip are omitted.
func FreezeSet(s Fielded, skip SkipSet) []byte {
	var buf []byte
	unknown := s.extra().Unknown
	ui := 0
	for _, f := range s.Fields() {
		for ui < len(unknown) && unknown[ui].Tag < f.Tag {
			buf = appendRaw(buf, unknown[ui])
			ui++
		}
		if skip[f.Name] {
			continue
		}
		frz := f.Stream.Freeze(skip)
		if len(frz) == 0 {
			continue
		}
		buf = AppendField(buf, f.Tag, f.Size, frz)
	}
	for ; ui < len(unknown); ui++ {
		buf = appendRaw(buf, unknown[ui])
	}
	return buf
}

func appendRaw(buf []byte, r RawField) []byte {
	size := Small
	if r.Large {
		size = Large
	}
	return AppendField(buf, r.Tag, size, r.Data)
}

func fieldByTag(fields []Field, tag byte) *Field {
	i := sort.Search(len(fields), func(i int) bool { return fields[i].Tag >= tag })
	if i < len(fields) && fields[i].Tag == tag {
		return &fields[i]
	}
	return nil
}

// ThawSet resets every field of s and decodes frz into it.
func ThawSet(s Fielded, frz []byte) error {
	fields := s.Fields()
	for _, f := range fields {
		if err := f.Stream.Thaw(nil); err != nil {
			return err
		}
	}
	e := s.extra()
	e.Unknown = nil
	return SplitFields(frz, func(tag byte, large bool, payload []byte) error {
		f := fieldByTag(fields, tag)
		if f == nil {
			switch e.Policy {
			case Reject:
				return errors.Errorf("unknown stream tag %d", tag)
			case Preserve:
				e.Unknown = append(e.Unknown, RawField{
					Tag:   tag,
					Large: large,
					Data:  append([]byte(nil), payload...),
				})
			}
			return nil
		}
		return errors.Wrapf(f.Stream.Thaw(payload), "stream %s", f.Name)
	})
}

// DiffSet encodes the changed fields of s relative to them. Fields whose
// diff is empty (now unset) are kept. Returns nil if nothing changed.
func DiffSet(s, them Fielded) []byte {
	var buf []byte
	changed := false
	theirs := them.Fields()
	for i, f := range s.Fields() {
		d := f.Stream.Diff(theirs[i].Stream)
		if d == nil {
			continue
		}
		changed = true
		buf = AppendField(buf, f.Tag, f.Size, d)
	}
	if !changed {
		return nil
	}
	if buf == nil {
		buf = []byte{}
	}
	return buf
}

// TwmSet applies a set diff. Fields named in skip are left alone.
func TwmSet(s Fielded, diff []byte, base Fielded, skip SkipSet) (bool, error) {
	fields := s.Fields()
	baseFields := base.Fields()
	conflict := false
	err := SplitFields(diff, func(tag byte, large bool, payload []byte) error {
		f := fieldByTag(fields, tag)
		if f == nil {
			if s.extra().Policy == Reject {
				return errors.Errorf("unknown stream tag %d in diff", tag)
			}
			return nil
		}
		if skip[f.Name] {
			return nil
		}
		b := fieldByTag(baseFields, tag)
		c, err := f.Stream.Twm(payload, b.Stream)
		if err != nil {
			return errors.Wrapf(err, "stream %s", f.Name)
		}
		conflict = conflict || c
		return nil
	})
	return conflict, err
}

// SkipEqualer is implemented by nested sets so that skip names reach
// them during comparisons.
type SkipEqualer interface {
	EqualSkip(them Stream, skip SkipSet) bool
}

// EqualSet compares two sets of the same type, ignoring skipped names.
func EqualSet(s, them Fielded, skip SkipSet) bool {
	theirs := them.Fields()
	for i, f := range s.Fields() {
		if skip[f.Name] {
			continue
		}
		if eq, ok := f.Stream.(SkipEqualer); ok {
			if !eq.EqualSkip(theirs[i].Stream, skip) {
				return false
			}
			continue
		}
		if !f.Stream.Equal(theirs[i].Stream) {
			return false
		}
	}
	return true
}

// FieldsChanged lists the names of the top level fields that differ.
func FieldsChanged(s, them Fielded) []string {
	var result []string
	theirs := them.Fields()
	for i, f := range s.Fields() {
		if !f.Stream.Equal(theirs[i].Stream) {
			result = append(result, f.Name)
		}
	}
	return result
}

// Set is a stream set that is assembled at runtime. Nested sets of the
// file and trove models are declared as structs instead.
type Set struct {
	Extra
	fields []Field
}

// NewSet creates a set from fields; they are sorted by tag.
func NewSet(policy UnknownPolicy, fields ...Field) *Set {
	fs := append([]Field(nil), fields...)
	sort.Slice(fs, func(i, j int) bool { return fs[i].Tag < fs[j].Tag })
	return &Set{Extra: Extra{Policy: policy}, fields: fs}
}

func (s *Set) Fields() []Field { return s.fields }

func (s *Set) Freeze(skip SkipSet) []byte { return FreezeSet(s, skip) }
func (s *Set) Thaw(frz []byte) error      { return ThawSet(s, frz) }
func (s *Set) Diff(them Stream) []byte    { return DiffSet(s, them.(*Set)) }

func (s *Set) Twm(diff []byte, base Stream) (bool, error) {
	return TwmSet(s, diff, base.(*Set), nil)
}

func (s *Set) Equal(them Stream) bool {
	o, ok := them.(*Set)
	return ok && EqualSet(s, o, nil)
}

func (s *Set) EqualSkip(them Stream, skip SkipSet) bool {
	o, ok := them.(*Set)
	return ok && EqualSet(s, o, skip)
}
