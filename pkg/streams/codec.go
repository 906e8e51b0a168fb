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

// Package streams implements the tagged, length-prefixed frame codec that
// is used to serialize files, troves and change sets.
//
// Every field of a frame is encoded as
//
//	tag (1 byte) | size (2 or 4 bytes, big-endian) | payload
//
// A small size uses 15 bits. A large size uses 31 bits and has the high
// bit of its first byte set, so readers can always tell the two apart.
package streams

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// SizeClass selects how the length of a field is written.
type SizeClass int

const (
	// Small fields have a 2 byte length.
	Small SizeClass = iota
	// Large fields have a 4 byte length with the high bit set.
	Large
	// Dynamic fields are written small when they fit, large otherwise.
	Dynamic
)

const (
	maxSmall = 0x7fff
	maxLarge = 0x7fffffff
)

// AppendField appends a single tagged field to buf.
//
// Small fields that outgrow 15 bits are written large; readers decide by
// the high bit.
func AppendField(buf []byte, tag byte, size SizeClass, payload []byte) []byte {
	n := len(payload)
	if n > maxLarge {
		panic("stream field too large")
	}
	buf = append(buf, tag)
	if size == Large || n > maxSmall {
		buf = binary.BigEndian.AppendUint32(buf, uint32(n)|0x80000000)
	} else {
		buf = binary.BigEndian.AppendUint16(buf, uint16(n))
	}
	return append(buf, payload...)
}

// ReadField splits the first field off data.
func ReadField(data []byte) (tag byte, large bool, payload []byte, rest []byte, err error) {
	if len(data) < 3 {
		return 0, false, nil, nil, errors.New("truncated stream header")
	}
	tag = data[0]
	var n int
	if data[1]&0x80 != 0 {
		if len(data) < 5 {
			return 0, false, nil, nil, errors.New("truncated stream header")
		}
		n = int(binary.BigEndian.Uint32(data[1:5]) & maxLarge)
		data = data[5:]
		large = true
	} else {
		n = int(binary.BigEndian.Uint16(data[1:3]))
		data = data[3:]
	}
	if n > len(data) {
		return 0, false, nil, nil, errors.Errorf("stream field %d truncated: want %d bytes, have %d", tag, n, len(data))
	}
	return tag, large, data[:n], data[n:], nil
}

// SplitFields walks every field of a frame.
func SplitFields(data []byte, fn func(tag byte, large bool, payload []byte) error) error {
	for len(data) > 0 {
		tag, large, payload, rest, err := ReadField(data)
		if err != nil {
			return err
		}
		if err := fn(tag, large, payload); err != nil {
			return err
		}
		data = rest
	}
	return nil
}

// AppendLV appends a length-prefixed (4 bytes, big-endian) value. It is
// used where a list of values is packed into a single field.
func AppendLV(buf []byte, payload []byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(payload)))
	return append(buf, payload...)
}

// ReadLV is the inverse of AppendLV.
func ReadLV(data []byte) (payload []byte, rest []byte, err error) {
	if len(data) < 4 {
		return nil, nil, errors.New("truncated length prefix")
	}
	n := int(binary.BigEndian.Uint32(data))
	data = data[4:]
	if n > len(data) {
		return nil, nil, errors.Errorf("truncated value: want %d bytes, have %d", n, len(data))
	}
	return data[:n], data[n:], nil
}
