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
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

const magic = "CONARYFC"

// Version is the container format version.
type Version uint16

const (
	// VersionNoRemoves keys contents by pathId and can't carry erasures.
	VersionNoRemoves Version = 1
	// VersionWithRemoves keys contents by pathId.
	VersionWithRemoves Version = 2
	// VersionFileIDIdx keys contents by pathId and fileId.
	VersionFileIDIdx Version = 3

	// VersionLatest is what Write uses by default.
	VersionLatest = VersionFileIDIdx
)

func (v Version) valid() bool { return v >= VersionNoRemoves && v <= VersionFileIDIdx }

func (v Version) String() string {
	switch v {
	case VersionNoRemoves:
		return "no-removes"
	case VersionWithRemoves:
		return "with-removes"
	case VersionFileIDIdx:
		return "fileid-idx"
	}
	return fmt.Sprintf("version-%d", uint16(v))
}

// NativeVersion returns the newest container version a client speaking
// the given protocol version understands.
func NativeVersion(protocol int) Version {
	switch {
	case protocol < 38:
		return VersionNoRemoves
	case protocol < 61:
		return VersionWithRemoves
	}
	return VersionFileIDIdx
}

// containerWriter writes the framed entries of a container.
type containerWriter struct {
	w       *bufio.Writer
	version Version
}

func newContainerWriter(w io.Writer, version Version) (*containerWriter, error) {
	if !version.valid() {
		return nil, errors.Errorf("unknown change set version %d", version)
	}
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(magic); err != nil {
		return nil, err
	}
	if err := binary.Write(bw, binary.BigEndian, uint16(version)); err != nil {
		return nil, err
	}
	return &containerWriter{w: bw, version: version}, nil
}

func (c *containerWriter) add(name []byte, tag string, size int64, payload io.Reader) error {
	if len(name) > 0xffff || len(tag) > 0xffff {
		return errors.New("container entry name too long")
	}
	var hdr []byte
	hdr = binary.BigEndian.AppendUint16(hdr, uint16(len(name)))
	hdr = append(hdr, name...)
	hdr = binary.BigEndian.AppendUint16(hdr, uint16(len(tag)))
	hdr = append(hdr, tag...)
	hdr = binary.BigEndian.AppendUint64(hdr, uint64(size))
	if _, err := c.w.Write(hdr); err != nil {
		return err
	}
	n, err := io.Copy(c.w, payload)
	if err != nil {
		return err
	}
	if n != size {
		return errors.Errorf("container entry %x: wrote %d bytes, expected %d", name, n, size)
	}
	return nil
}

func (c *containerWriter) flush() error { return c.w.Flush() }

// entry is one framed record of a container. The payload must be
// consumed before the next entry is requested.
type entry struct {
	name    []byte
	tag     string
	size    int64
	payload io.Reader
}

// containerReader iterates over the entries of a container without
// loading more than one header at a time.
type containerReader struct {
	r       *bufio.Reader
	version Version
	current *io.LimitedReader
}

func newContainerReader(r io.Reader) (*containerReader, error) {
	br := bufio.NewReader(r)
	hdr := make([]byte, len(magic)+2)
	if _, err := io.ReadFull(br, hdr); err != nil {
		return nil, errors.Wrap(err, "reading change set header")
	}
	if string(hdr[:len(magic)]) != magic {
		return nil, errors.New("not a change set: bad magic")
	}
	v := Version(binary.BigEndian.Uint16(hdr[len(magic):]))
	if !v.valid() {
		return nil, errors.Errorf("unsupported change set version %d", v)
	}
	return &containerReader{r: br, version: v}, nil
}

func (c *containerReader) readU16Bytes() ([]byte, error) {
	var n uint16
	if err := binary.Read(c.r, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(c.r, b); err != nil {
		return nil, err
	}
	return b, nil
}

// next returns the next entry, or io.EOF after the last one. Unread
// bytes of the previous entry are skipped.
func (c *containerReader) next() (*entry, error) {
	if c.current != nil {
		if _, err := io.Copy(io.Discard, c.current); err != nil {
			return nil, err
		}
		if c.current.N > 0 {
			return nil, errors.New("change set entry truncated")
		}
		c.current = nil
	}
	name, err := c.readU16Bytes()
	if err == io.EOF {
		return nil, io.EOF
	}
	if err != nil {
		return nil, errors.Wrap(err, "change set entry header truncated")
	}
	tag, err := c.readU16Bytes()
	if err != nil {
		return nil, errors.Wrap(err, "change set entry header truncated")
	}
	var size uint64
	if err := binary.Read(c.r, binary.BigEndian, &size); err != nil {
		return nil, errors.Wrap(err, "change set entry header truncated")
	}
	c.current = &io.LimitedReader{R: c.r, N: int64(size)}
	return &entry{name: name, tag: string(tag), size: int64(size), payload: &truncationReader{c.current}}, nil
}

// truncationReader turns an early EOF into an error.
type truncationReader struct {
	lr *io.LimitedReader
}

func (t *truncationReader) Read(p []byte) (int, error) {
	n, err := t.lr.Read(p)
	if err == io.EOF && t.lr.N > 0 {
		return n, io.ErrUnexpectedEOF
	}
	return n, err
}
