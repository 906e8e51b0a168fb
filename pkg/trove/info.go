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

package trove

import (
	"github.com/toitlang/trove/pkg/deps"
	"github.com/toitlang/trove/pkg/streams"
	"github.com/toitlang/trove/pkg/versions"
)

// Trove info tags.
const (
	InfoSize          = 0
	InfoSourceName    = 1
	InfoBuildTime     = 2
	InfoConaryVersion = 3
	InfoBuildDeps     = 4
	InfoLoadedTroves  = 5
	InfoFlags         = 7
	InfoClonedFrom    = 8
	InfoSigs          = 9
	InfoPathHashes    = 10
	InfoBuildFlavor   = 11
	InfoCompatClass   = 12
	InfoIncomplete    = 13
	InfoTroveVersion  = 14
	InfoType          = 15
	InfoFactory       = 16
	InfoCapsule       = 17
)

// SchemaVersion is the trove schema this code writes. Troves with a
// newer schema are stored as incomplete.
const SchemaVersion = 10

// Type of a trove.
type Type uint8

const (
	TypeNormal   Type = 0
	TypeRedirect Type = 1
	TypeRemoved  Type = 2
)

func (t Type) String() string {
	switch t {
	case TypeRedirect:
		return "redirect"
	case TypeRemoved:
		return "removed"
	}
	return "normal"
}

const flagCollection = 1 << 0

// Info holds the trove info stream.
type Info struct {
	streams.Extra
	Size          streams.LongLong
	SourceName    streams.String
	BuildTime     streams.LongLong
	ConaryVersion streams.String
	BuildReqs     TupleList
	LoadedTroves  TupleList
	Flags         streams.Byte
	ClonedFrom    versions.Stream
	Sigs          Signatures
	PathHashes    PathHashes
	BuildFlavor   deps.Stream
	CompatClass   streams.Short
	Incomplete    streams.Byte
	TroveVersion  streams.Int
	Type          streams.Byte
	Factory       streams.String
	Capsule       streams.String
}

func (i *Info) Fields() []streams.Field {
	return []streams.Field{
		{Tag: InfoSize, Size: streams.Small, Name: "size", Stream: &i.Size},
		{Tag: InfoSourceName, Size: streams.Small, Name: "sourceName", Stream: &i.SourceName},
		{Tag: InfoBuildTime, Size: streams.Small, Name: "buildTime", Stream: &i.BuildTime},
		{Tag: InfoConaryVersion, Size: streams.Small, Name: "conaryVersion", Stream: &i.ConaryVersion},
		{Tag: InfoBuildDeps, Size: streams.Large, Name: "buildReqs", Stream: &i.BuildReqs},
		{Tag: InfoLoadedTroves, Size: streams.Large, Name: "loadedTroves", Stream: &i.LoadedTroves},
		{Tag: InfoFlags, Size: streams.Small, Name: "flags", Stream: &i.Flags},
		{Tag: InfoClonedFrom, Size: streams.Small, Name: "clonedFrom", Stream: &i.ClonedFrom},
		{Tag: InfoSigs, Size: streams.Large, Name: "sigs", Stream: &i.Sigs},
		{Tag: InfoPathHashes, Size: streams.Large, Name: "pathHashes", Stream: &i.PathHashes},
		{Tag: InfoBuildFlavor, Size: streams.Large, Name: "buildFlavor", Stream: &i.BuildFlavor},
		{Tag: InfoCompatClass, Size: streams.Small, Name: "compatibilityClass", Stream: &i.CompatClass},
		{Tag: InfoIncomplete, Size: streams.Small, Name: "incomplete", Stream: &i.Incomplete},
		{Tag: InfoTroveVersion, Size: streams.Small, Name: "troveVersion", Stream: &i.TroveVersion},
		{Tag: InfoType, Size: streams.Small, Name: "type", Stream: &i.Type},
		{Tag: InfoFactory, Size: streams.Small, Name: "factory", Stream: &i.Factory},
		{Tag: InfoCapsule, Size: streams.Small, Name: "capsule", Stream: &i.Capsule},
	}
}

func (i *Info) Freeze(skip streams.SkipSet) []byte { return streams.FreezeSet(i, skip) }
func (i *Info) Thaw(frz []byte) error              { return streams.ThawSet(i, frz) }
func (i *Info) Diff(them streams.Stream) []byte    { return streams.DiffSet(i, them.(*Info)) }
func (i *Info) Twm(diff []byte, base streams.Stream) (bool, error) {
	return streams.TwmSet(i, diff, base.(*Info), nil)
}
func (i *Info) Equal(them streams.Stream) bool { return i.EqualSkip(them, nil) }
func (i *Info) EqualSkip(them streams.Stream, skip streams.SkipSet) bool {
	o, ok := them.(*Info)
	return ok && streams.EqualSet(i, o, skip)
}

func (i *Info) copy() *Info {
	c := &Info{}
	if err := c.Thaw(i.Freeze(nil)); err != nil {
		panic(err)
	}
	return c
}

// ChangeLog is the commit message of a trove.
type ChangeLog struct {
	streams.Extra
	Name    streams.String
	Contact streams.String
	Message streams.String
}

func (c *ChangeLog) Fields() []streams.Field {
	return []streams.Field{
		{Tag: 1, Size: streams.Small, Name: "name", Stream: &c.Name},
		{Tag: 2, Size: streams.Small, Name: "contact", Stream: &c.Contact},
		{Tag: 3, Size: streams.Dynamic, Name: "message", Stream: &c.Message},
	}
}

func (c *ChangeLog) Freeze(skip streams.SkipSet) []byte { return streams.FreezeSet(c, skip) }
func (c *ChangeLog) Thaw(frz []byte) error              { return streams.ThawSet(c, frz) }
func (c *ChangeLog) Diff(them streams.Stream) []byte    { return absoluteDiff(c, them) }
func (c *ChangeLog) Twm(diff []byte, base streams.Stream) (bool, error) {
	return absoluteTwm(c, diff, base)
}
func (c *ChangeLog) Equal(them streams.Stream) bool { return frozenEqual(c, them) }
