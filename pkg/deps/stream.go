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

package deps

import (
	"github.com/toitlang/trove/pkg/streams"
)

// Stream stores a dependency set (or a flavor) inside a stream set.
type Stream struct {
	S *Set
}

// Get never returns nil.
func (s *Stream) Get() *Set {
	if s.S == nil {
		return New()
	}
	return s.S
}

func (s *Stream) Set(set *Set) { s.S = set }

func (s *Stream) Freeze(skip streams.SkipSet) []byte {
	if s.S.IsEmpty() {
		return nil
	}
	return []byte(s.S.Freeze())
}

func (s *Stream) Thaw(frz []byte) error {
	if len(frz) == 0 {
		s.S = nil
		return nil
	}
	set, err := Thaw(string(frz))
	if err != nil {
		return err
	}
	s.S = set
	return nil
}

func (s *Stream) frozen() string {
	if s.S.IsEmpty() {
		return ""
	}
	return s.S.Freeze()
}

func (s *Stream) Diff(them streams.Stream) []byte {
	o := them.(*Stream)
	if s.frozen() == o.frozen() {
		return nil
	}
	return []byte(s.frozen())
}

func (s *Stream) Twm(diff []byte, base streams.Stream) (bool, error) {
	if s.frozen() == base.(*Stream).frozen() {
		return false, s.Thaw(diff)
	}
	return s.frozen() != string(diff), nil
}

func (s *Stream) Equal(them streams.Stream) bool {
	o, ok := them.(*Stream)
	return ok && s.frozen() == o.frozen()
}
