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
	"io"
	"os"

	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
	"github.com/toitlang/trove/pkg/errs"
	"github.com/toitlang/trove/pkg/files"
	"github.com/toitlang/trove/pkg/trove"
)

// ReadOptions configures reading a container.
type ReadOptions struct {
	// SpillThreshold bounds the memory used for records that are read
	// out of order. Zero means SpillThreshold.
	SpillThreshold int64
	// TempDir receives spilled records. Empty means os.TempDir.
	TempDir string
}

// onceContents hands out a streamed payload a single time.
type onceContents struct {
	r    io.Reader
	used bool
}

func (o *onceContents) Open() (io.ReadCloser, error) {
	if o.used {
		return nil, errors.New("streamed contents can only be read once")
	}
	o.used = true
	return io.NopCloser(o.r), nil
}

type lazyContents struct {
	cr      *containerReader
	closer  io.Closer
	pending *entry
	// byPathID maps the names of old containers to keys.
	byPathID map[files.PathID]files.FileID
}

func (l *lazyContents) key(name []byte) (Key, error) {
	if l.cr.version >= VersionFileIDIdx {
		return keyFromBytes(name)
	}
	pathID, err := files.PathIDFromBytes(name)
	if err != nil {
		return Key{}, err
	}
	fileID, ok := l.byPathID[pathID]
	if !ok {
		return Key{}, errors.Errorf("contents for unknown pathId %s", pathID)
	}
	return Key{PathID: pathID, FileID: fileID}, nil
}

func (l *lazyContents) nextEntry() (*entry, error) {
	if l.pending != nil {
		e := l.pending
		l.pending = nil
		return e, nil
	}
	return l.cr.next()
}

// next returns the next record. The contents of non-ptr records stream
// from the container.
func (l *lazyContents) next() (Key, *Content, error) {
	e, err := l.nextEntry()
	if err != nil {
		return Key{}, nil, err
	}
	k, err := l.key(e.name)
	if err != nil {
		return Key{}, nil, err
	}
	typ, config, err := parseTag(e.tag)
	if err != nil {
		return Key{}, nil, err
	}
	c := &Content{Type: typ, Config: config}
	if typ == TypePtr {
		payload, err := io.ReadAll(e.payload)
		if err != nil {
			return Key{}, nil, err
		}
		if c.Target, err = l.key(payload); err != nil {
			return Key{}, nil, errors.Wrap(err, "ptr record")
		}
		return k, c, nil
	}
	c.Compressed = true
	c.Contents = &onceContents{r: e.payload}
	return k, c, nil
}

func (l *lazyContents) close() error {
	if l.closer == nil {
		return nil
	}
	err := l.closer.Close()
	l.closer = nil
	return err
}

// Read parses a container from r. Config records are read right away;
// the remaining contents are read on demand. If r is an io.Closer, it is
// closed with the change set.
func Read(r io.Reader, opts ReadOptions) (*ChangeSet, error) {
	cr, err := newContainerReader(r)
	if err != nil {
		return nil, err
	}
	first, err := cr.next()
	if err != nil {
		return nil, errors.Wrap(err, "reading change set metadata")
	}
	if string(first.name) != metaName {
		return nil, errors.Errorf("change set starts with '%s' instead of its metadata", first.name)
	}
	gz, err := gzip.NewReader(first.payload)
	if err != nil {
		return nil, errors.Wrap(err, "change set metadata")
	}
	frz, err := io.ReadAll(gz)
	if err != nil {
		return nil, errors.Wrap(err, "change set metadata")
	}

	cs := New()
	cs.spool = newSpool(opts.SpillThreshold, opts.TempDir)
	if err := cs.thawMeta(frz); err != nil {
		return nil, errors.Wrap(err, "change set metadata")
	}
	lazy := &lazyContents{cr: cr}
	if c, ok := r.(io.Closer); ok {
		lazy.closer = c
	}
	if cr.version < VersionFileIDIdx {
		if lazy.byPathID, err = cs.pathIDMap(); err != nil {
			return nil, err
		}
	}
	cs.lazy = lazy

	// Config records come first; keep them so diffs can be applied in
	// any order.
	for {
		e, err := cr.next()
		if err == io.EOF {
			lazy.close()
			cs.lazy = nil
			break
		}
		if err != nil {
			cs.Close()
			return nil, err
		}
		if _, config, _ := parseTag(e.tag); !config {
			lazy.pending = e
			break
		}
		lazy.pending = e
		k, c, err := lazy.next()
		if err != nil {
			cs.Close()
			return nil, err
		}
		if err := cs.keep(k, c); err != nil {
			cs.Close()
			return nil, err
		}
	}
	return cs, nil
}

// ReadFile opens the change set at path.
func ReadFile(path string, opts ReadOptions) (*ChangeSet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	cs, err := Read(f, opts)
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "reading change set %s", path)
	}
	return cs, nil
}

// pathIDMap resolves the pathId names of old containers.
func (cs *ChangeSet) pathIDMap() (map[files.PathID]files.FileID, error) {
	m := map[files.PathID]files.FileID{}
	for _, tcs := range cs.newTroves {
		refs := append(append([]trove.FileRef(nil), tcs.NewFiles()...), tcs.ChangedFiles()...)
		for _, ref := range refs {
			if ref.FileID.IsZero() {
				continue
			}
			if other, ok := m[ref.PathID]; ok && other != ref.FileID {
				return nil, &errs.PathIdsConflictError{PathID: ref.PathID.String()}
			}
			m[ref.PathID] = ref.FileID
		}
	}
	return m, nil
}
