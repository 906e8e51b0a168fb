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

package versions

import (
	"github.com/toitlang/trove/pkg/streams"
)

// SkipTimestamps is the skip name that freezes versions without their
// timestamps.
const SkipTimestamps = "timestamps"

// Stream stores a version inside a stream set.
type Stream struct {
	V Version
}

func (s *Stream) Get() Version  { return s.V }
func (s *Stream) Set(v Version) { s.V = v }

func (s *Stream) Freeze(skip streams.SkipSet) []byte {
	if s.V.IsZero() {
		return nil
	}
	if skip[SkipTimestamps] {
		return []byte(s.V.String())
	}
	return []byte(s.V.Freeze())
}

func (s *Stream) Thaw(frz []byte) error {
	if len(frz) == 0 {
		s.V = Version{}
		return nil
	}
	v, err := Thaw(string(frz))
	if err != nil {
		return err
	}
	s.V = v
	return nil
}

func (s *Stream) Diff(them streams.Stream) []byte {
	o := them.(*Stream)
	if s.V.Freeze() == o.V.Freeze() {
		return nil
	}
	if s.V.IsZero() {
		return []byte{}
	}
	return s.Freeze(nil)
}

func (s *Stream) Twm(diff []byte, base streams.Stream) (bool, error) {
	var next Stream
	if err := next.Thaw(diff); err != nil {
		return false, err
	}
	if s.V.Freeze() == base.(*Stream).V.Freeze() {
		s.V = next.V
		return false, nil
	}
	return s.V.Freeze() != next.V.Freeze(), nil
}

func (s *Stream) Equal(them streams.Stream) bool {
	o, ok := them.(*Stream)
	return ok && s.V.Equal(o.V)
}
