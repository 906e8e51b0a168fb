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
	"io"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/toitlang/trove/pkg/digest"
	"github.com/toitlang/trove/pkg/errs"
)

// Overlay reads from a list of stores in order and writes to the first.
type Overlay struct {
	stores []Store
}

var _ Store = (*Overlay)(nil)

// NewOverlay requires at least one store.
func NewOverlay(stores ...Store) (*Overlay, error) {
	if len(stores) == 0 {
		return nil, errors.New("overlay needs at least one store")
	}
	return &Overlay{stores: stores}, nil
}

// find returns the first store that has sha1.
func (o *Overlay) find(sha1 digest.Sha1) (Store, error) {
	for _, s := range o.stores {
		ok, err := s.HasFile(sha1)
		if err != nil {
			return nil, err
		}
		if ok {
			return s, nil
		}
	}
	return nil, nil
}

func (o *Overlay) HasFile(sha1 digest.Sha1) (bool, error) {
	s, err := o.find(sha1)
	return s != nil, err
}

// HashToPath returns the path in the first store that has the contents,
// or the path in the first store if none has.
func (o *Overlay) HashToPath(sha1 digest.Sha1) (string, error) {
	s, err := o.find(sha1)
	if err != nil {
		return "", err
	}
	if s == nil {
		s = o.stores[0]
	}
	return s.HashToPath(sha1)
}

func (o *Overlay) AddFile(r io.Reader, sha1 digest.Sha1, precompressed bool) error {
	return o.stores[0].AddFile(r, sha1, precompressed)
}

func (o *Overlay) AddFileReference(sha1 digest.Sha1) error {
	return o.stores[0].AddFileReference(sha1)
}

func (o *Overlay) OpenFile(sha1 digest.Sha1) (io.ReadCloser, error) {
	s, err := o.find(sha1)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, contentsMissing(sha1)
	}
	return s.OpenFile(sha1)
}

func (o *Overlay) OpenRawFile(sha1 digest.Sha1) (io.ReadCloser, error) {
	s, err := o.find(sha1)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, contentsMissing(sha1)
	}
	return s.OpenRawFile(sha1)
}

func (o *Overlay) RemoveFile(sha1 digest.Sha1) error {
	return o.stores[0].RemoveFile(sha1)
}

// Duplicating writes every blob to all of its stores and reads from the
// first one that has it.
type Duplicating struct {
	Overlay
}

var _ Store = (*Duplicating)(nil)

func NewDuplicating(stores ...Store) (*Duplicating, error) {
	o, err := NewOverlay(stores...)
	if err != nil {
		return nil, err
	}
	return &Duplicating{Overlay: *o}, nil
}

// AddFile buffers the input so every store sees the same bytes. The
// operation fails if any store fails, in particular on an integrity
// error.
func (d *Duplicating) AddFile(r io.Reader, sha1 digest.Sha1, precompressed bool) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	var result error
	for _, s := range d.stores {
		if err := s.AddFile(bytes.NewReader(data), sha1, precompressed); err != nil {
			var integrity *errs.IntegrityError
			if errors.As(err, &integrity) {
				return err
			}
			result = multierror.Append(result, err)
		}
	}
	return result
}

func (d *Duplicating) AddFileReference(sha1 digest.Sha1) error {
	var result error
	for _, s := range d.stores {
		if err := s.AddFileReference(sha1); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result
}

func (d *Duplicating) RemoveFile(sha1 digest.Sha1) error {
	var result error
	for _, s := range d.stores {
		if err := s.RemoveFile(sha1); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result
}
