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
	"io"
	"os"

	"github.com/hashicorp/go-multierror"
)

// SpillThreshold is the default number of bytes a change set keeps in
// memory before it moves contents to temporary files.
const SpillThreshold = 4 << 20

// spool stores contents that can't be streamed. Data stays in memory
// until threshold bytes are used; later data goes to temp files.
type spool struct {
	threshold int64
	dir       string
	used      int64
	paths     []string
}

func newSpool(threshold int64, dir string) *spool {
	if threshold <= 0 {
		threshold = SpillThreshold
	}
	return &spool{threshold: threshold, dir: dir}
}

// keep copies r and returns a reopenable source together with its size.
func (s *spool) keep(r io.Reader) (Contents, int64, error) {
	var buf bytes.Buffer
	budget := s.threshold - s.used
	if budget > 0 {
		n, err := io.CopyN(&buf, r, budget+1)
		if err != nil && err != io.EOF {
			return nil, 0, err
		}
		if n <= budget {
			s.used += n
			return FromBytes(buf.Bytes()), n, nil
		}
	}
	f, err := os.CreateTemp(s.dir, "changeset-*.spill")
	if err != nil {
		return nil, 0, err
	}
	s.paths = append(s.paths, f.Name())
	n, err := io.Copy(f, io.MultiReader(&buf, r))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, 0, err
	}
	return FromFile(f.Name()), n, nil
}

// adopt takes over the temp files of other.
func (s *spool) adopt(other *spool) {
	s.paths = append(s.paths, other.paths...)
	s.used += other.used
	other.paths = nil
}

func (s *spool) close() error {
	var result error
	for _, p := range s.paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			result = multierror.Append(result, err)
		}
	}
	s.paths = nil
	return result
}
