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
	"github.com/pkg/errors"
	"github.com/toitlang/trove/pkg/digest"
	"github.com/toitlang/trove/pkg/streams"
	"github.com/toitlang/trove/pkg/trove"
)

// Tags of the metadata entry.
const (
	metaPrimary   = 1
	metaTroves    = 2
	metaOldTroves = 3
	metaFiles     = 4
)

// Tags of a file stream record.
const (
	fileInfoOld    = 1
	fileInfoNew    = 2
	fileInfoStream = 3
)

func (cs *ChangeSet) freezeMeta() []byte {
	var buf []byte
	primary := &trove.TupleList{}
	primary.Set(cs.primary)
	buf = streams.AppendField(buf, metaPrimary, streams.Large, primary.Freeze(nil))

	var troves []byte
	for _, tcs := range cs.newTroves {
		troves = streams.AppendLV(troves, tcs.Freeze())
	}
	buf = streams.AppendField(buf, metaTroves, streams.Large, troves)

	old := &trove.TupleList{}
	old.Set(cs.oldTroves)
	buf = streams.AppendField(buf, metaOldTroves, streams.Large, old.Freeze(nil))

	var fileList []byte
	for _, k := range cs.FileStreamKeys() {
		var info []byte
		if !k.Old.IsZero() {
			info = streams.AppendField(info, fileInfoOld, streams.Small, k.Old.Bytes())
		}
		info = streams.AppendField(info, fileInfoNew, streams.Small, k.New.Bytes())
		info = streams.AppendField(info, fileInfoStream, streams.Large, cs.fileStreams[k])
		fileList = streams.AppendLV(fileList, info)
	}
	return streams.AppendField(buf, metaFiles, streams.Large, fileList)
}

func (cs *ChangeSet) thawMeta(frz []byte) error {
	return streams.SplitFields(frz, func(tag byte, _ bool, payload []byte) error {
		switch tag {
		case metaPrimary:
			l := &trove.TupleList{}
			if err := l.Thaw(payload); err != nil {
				return errors.Wrap(err, "primary troves")
			}
			cs.primary = l.Get()
		case metaTroves:
			for len(payload) > 0 {
				frz, rest, err := streams.ReadLV(payload)
				if err != nil {
					return err
				}
				tcs, err := trove.ThawChangeSet(frz)
				if err != nil {
					return err
				}
				cs.AddNewTrove(tcs)
				payload = rest
			}
		case metaOldTroves:
			l := &trove.TupleList{}
			if err := l.Thaw(payload); err != nil {
				return errors.Wrap(err, "old troves")
			}
			cs.oldTroves = l.Get()
		case metaFiles:
			for len(payload) > 0 {
				info, rest, err := streams.ReadLV(payload)
				if err != nil {
					return err
				}
				if err := cs.thawFileInfo(info); err != nil {
					return err
				}
				payload = rest
			}
		}
		// Unknown tags are ignored.
		return nil
	})
}

func (cs *ChangeSet) thawFileInfo(info []byte) error {
	var key FileKey
	var stream []byte
	hasNew := false
	err := streams.SplitFields(info, func(tag byte, _ bool, payload []byte) error {
		var err error
		switch tag {
		case fileInfoOld:
			key.Old, err = digest.FromBytes(payload)
		case fileInfoNew:
			key.New, err = digest.FromBytes(payload)
			hasNew = true
		case fileInfoStream:
			stream = append([]byte(nil), payload...)
		}
		return err
	})
	if err != nil {
		return errors.Wrap(err, "file stream record")
	}
	if !hasNew {
		return errors.New("file stream record without a fileId")
	}
	cs.fileStreams[key] = stream
	return nil
}
