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

// Package files implements the file stream model.
//
// A file is frozen as a single kind byte (the first character of its
// `ls -l` mode) followed by the stream set of that kind. The fileId of a
// file is the sha1 of its frozen form with the mtime left out.
package files

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/toitlang/trove/pkg/deps"
	"github.com/toitlang/trove/pkg/digest"
	"github.com/toitlang/trove/pkg/streams"
)

// PathID identifies a file within a trove independently of its path.
type PathID [16]byte

// ParsePathID parses the hex form of a path id.
func ParsePathID(str string) (PathID, error) {
	var p PathID
	b, err := hex.DecodeString(str)
	if err != nil || len(b) != len(p) {
		return p, errors.Errorf("invalid path id '%s'", str)
	}
	copy(p[:], b)
	return p, nil
}

// PathIDFromBytes converts a 16 byte slice.
func PathIDFromBytes(b []byte) (PathID, error) {
	var p PathID
	if len(b) != len(p) {
		return p, errors.Errorf("invalid path id length %d", len(b))
	}
	copy(p[:], b)
	return p, nil
}

// PathIDFor derives a stable path id from a path, the way a build would
// assign one for a new file.
func PathIDFor(path string) PathID {
	var p PathID
	sum := digest.Sum([]byte(path))
	copy(p[:], sum[:])
	return p
}

func (p PathID) String() string { return hex.EncodeToString(p[:]) }
func (p PathID) Bytes() []byte  { return append([]byte(nil), p[:]...) }
func (p PathID) IsZero() bool   { return p == PathID{} }
func (p PathID) Less(o PathID) bool {
	return bytes.Compare(p[:], o[:]) < 0
}

// FileID is the sha1 of a frozen file without its mtime.
type FileID = digest.Sha1

// Kind is the type of a file, written as its ls mode character.
type Kind byte

const (
	KindRegular   Kind = '-'
	KindDirectory Kind = 'd'
	KindSymlink   Kind = 'l'
	KindSocket    Kind = 's'
	KindFifo      Kind = 'p'
	KindBlock     Kind = 'b'
	KindChar      Kind = 'c'
	KindMissing   Kind = 'm'
)

func (k Kind) valid() bool {
	switch k {
	case KindRegular, KindDirectory, KindSymlink, KindSocket, KindFifo, KindBlock, KindChar, KindMissing:
		return true
	}
	return false
}

func (k Kind) String() string {
	switch k {
	case KindRegular:
		return "regular file"
	case KindDirectory:
		return "directory"
	case KindSymlink:
		return "symbolic link"
	case KindSocket:
		return "socket"
	case KindFifo:
		return "named pipe"
	case KindBlock:
		return "block device"
	case KindChar:
		return "character device"
	case KindMissing:
		return "missing file"
	}
	return fmt.Sprintf("unknown kind %q", byte(k))
}

// Stream tags of a file.
const (
	TagContents  = 1
	TagDevice    = 2
	TagFlags     = 3
	TagFlavor    = 4
	TagInode     = 5
	TagProvides  = 6
	TagRequires  = 7
	TagTags      = 8
	TagTarget    = 9
	TagLinkGroup = 10
)

// diffMarker starts a relative file diff. Absolute diffs start with the
// kind byte.
const diffMarker = 0x01

// Inode holds the permission bits, mtime, owner and group.
type Inode struct {
	streams.Extra
	Perms streams.Short
	Mtime streams.Mtime
	Owner streams.String
	Group streams.String
}

func (i *Inode) Fields() []streams.Field {
	return []streams.Field{
		{Tag: 1, Size: streams.Small, Name: "perms", Stream: &i.Perms},
		{Tag: 2, Size: streams.Small, Name: "mtime", Stream: &i.Mtime},
		{Tag: 3, Size: streams.Dynamic, Name: "owner", Stream: &i.Owner},
		{Tag: 4, Size: streams.Dynamic, Name: "group", Stream: &i.Group},
	}
}

func (i *Inode) Freeze(skip streams.SkipSet) []byte { return streams.FreezeSet(i, skip) }
func (i *Inode) Thaw(frz []byte) error              { return streams.ThawSet(i, frz) }
func (i *Inode) Diff(them streams.Stream) []byte    { return streams.DiffSet(i, them.(*Inode)) }
func (i *Inode) Twm(diff []byte, base streams.Stream) (bool, error) {
	return streams.TwmSet(i, diff, base.(*Inode), nil)
}
func (i *Inode) Equal(them streams.Stream) bool { return i.EqualSkip(them, nil) }
func (i *Inode) EqualSkip(them streams.Stream, skip streams.SkipSet) bool {
	o, ok := them.(*Inode)
	return ok && streams.EqualSet(i, o, skip)
}

// Set assigns all inode values at once.
func (i *Inode) Set(perms uint16, mtime uint32, owner, group string) {
	i.Perms.Set(perms)
	i.Mtime.Set(mtime)
	i.Owner.Set(owner)
	i.Group.Set(group)
}

// PermsString renders the permissions like ls does (without the kind).
func (i *Inode) PermsString() string {
	perms := i.Perms.Get()
	var sb strings.Builder
	const rwx = "rwxrwxrwx"
	for bit := 0; bit < 9; bit++ {
		if perms&(1<<(8-bit)) != 0 {
			sb.WriteByte(rwx[bit])
		} else {
			sb.WriteByte('-')
		}
	}
	b := []byte(sb.String())
	special := func(mask uint16, pos int, set, unset byte) {
		if perms&mask == 0 {
			return
		}
		if b[pos] == 'x' {
			b[pos] = set
		} else {
			b[pos] = unset
		}
	}
	special(04000, 2, 's', 'S')
	special(02000, 5, 's', 'S')
	special(01000, 8, 't', 'T')
	return string(b)
}

// Device holds the major and minor numbers of a device node.
type Device struct {
	streams.Extra
	Major streams.Int
	Minor streams.Int
}

func (d *Device) Fields() []streams.Field {
	return []streams.Field{
		{Tag: 1, Size: streams.Small, Name: "major", Stream: &d.Major},
		{Tag: 2, Size: streams.Small, Name: "minor", Stream: &d.Minor},
	}
}

func (d *Device) Freeze(skip streams.SkipSet) []byte { return streams.FreezeSet(d, skip) }
func (d *Device) Thaw(frz []byte) error              { return streams.ThawSet(d, frz) }
func (d *Device) Diff(them streams.Stream) []byte    { return streams.DiffSet(d, them.(*Device)) }
func (d *Device) Twm(diff []byte, base streams.Stream) (bool, error) {
	return streams.TwmSet(d, diff, base.(*Device), nil)
}
func (d *Device) Equal(them streams.Stream) bool { return d.EqualSkip(them, nil) }
func (d *Device) EqualSkip(them streams.Stream, skip streams.SkipSet) bool {
	o, ok := them.(*Device)
	return ok && streams.EqualSet(d, o, skip)
}

// Contents describes the contents of a regular file.
type Contents struct {
	streams.Extra
	Size streams.LongLong
	Sha1 streams.Sha1
}

func (c *Contents) Fields() []streams.Field {
	return []streams.Field{
		{Tag: 1, Size: streams.Small, Name: "size", Stream: &c.Size},
		{Tag: 2, Size: streams.Small, Name: "sha1", Stream: &c.Sha1},
	}
}

func (c *Contents) Freeze(skip streams.SkipSet) []byte { return streams.FreezeSet(c, skip) }
func (c *Contents) Thaw(frz []byte) error              { return streams.ThawSet(c, frz) }
func (c *Contents) Diff(them streams.Stream) []byte    { return streams.DiffSet(c, them.(*Contents)) }
func (c *Contents) Twm(diff []byte, base streams.Stream) (bool, error) {
	return streams.TwmSet(c, diff, base.(*Contents), nil)
}
func (c *Contents) Equal(them streams.Stream) bool { return c.EqualSkip(them, nil) }
func (c *Contents) EqualSkip(them streams.Stream, skip streams.SkipSet) bool {
	o, ok := them.(*Contents)
	return ok && streams.EqualSet(c, o, skip)
}

// Flag bits of a file.
const (
	FlagConfig               uint32 = 1 << 0
	FlagPathDependencyTarget uint32 = 1 << 1
	FlagInitialContents      uint32 = 1 << 2
	FlagTransient            uint32 = 1 << 4
	FlagSource               uint32 = 1 << 5
	FlagAutoSource           uint32 = 1 << 6
	FlagEncapsulated         uint32 = 1 << 7
	FlagCapsuleAddition      uint32 = 1 << 8
	FlagCapsuleOverride      uint32 = 1 << 9
	FlagMissingOk            uint32 = 1 << 10
)

// Flags is the flag word of a file.
type Flags struct {
	streams.Int
}

func (f *Flags) Has(flag uint32) bool { return f.Get()&flag != 0 }

// SetFlag sets or clears a flag bit.
func (f *Flags) SetFlag(flag uint32, on bool) {
	v := f.Get()
	if on {
		v |= flag
	} else {
		v &^= flag
	}
	f.Set(v)
}

func (f *Flags) IsConfig() bool               { return f.Has(FlagConfig) }
func (f *Flags) IsInitialContents() bool      { return f.Has(FlagInitialContents) }
func (f *Flags) IsTransient() bool            { return f.Has(FlagTransient) }
func (f *Flags) IsSource() bool               { return f.Has(FlagSource) }
func (f *Flags) IsAutoSource() bool           { return f.Has(FlagAutoSource) }
func (f *Flags) IsEncapsulated() bool         { return f.Has(FlagEncapsulated) }
func (f *Flags) IsCapsuleAddition() bool      { return f.Has(FlagCapsuleAddition) }
func (f *Flags) IsCapsuleOverride() bool      { return f.Has(FlagCapsuleOverride) }
func (f *Flags) IsMissingOk() bool            { return f.Has(FlagMissingOk) }
func (f *Flags) IsPathDependencyTarget() bool { return f.Has(FlagPathDependencyTarget) }

func (f *Flags) Diff(them streams.Stream) []byte {
	return f.Int.Diff(&them.(*Flags).Int)
}

func (f *Flags) Twm(diff []byte, base streams.Stream) (bool, error) {
	return f.Int.Twm(diff, &base.(*Flags).Int)
}

func (f *Flags) Equal(them streams.Stream) bool {
	o, ok := them.(*Flags)
	return ok && f.Int.Equal(&o.Int)
}

// LinkGroup is the hard link group of a regular file. A diff of "\x00"
// clears the group.
type LinkGroup struct {
	streams.String
}

func (l *LinkGroup) Diff(them streams.Stream) []byte {
	o := them.(*LinkGroup)
	if l.String.Equal(&o.String) {
		return nil
	}
	if l.Get() == "" {
		return []byte{0}
	}
	return l.GetBytes()
}

func (l *LinkGroup) Twm(diff []byte, base streams.Stream) (bool, error) {
	if len(diff) == 1 && diff[0] == 0 {
		diff = nil
	}
	return l.String.Twm(diff, &base.(*LinkGroup).String)
}

func (l *LinkGroup) Equal(them streams.Stream) bool {
	o, ok := them.(*LinkGroup)
	return ok && l.String.Equal(&o.String)
}

// File is a file of any kind. Only the streams of its kind are part of
// its frozen form.
type File struct {
	streams.Extra
	Kind   Kind
	PathID PathID

	Inode    Inode
	Flags    Flags
	Provides deps.Stream
	Requires deps.Stream
	Flavor   deps.Stream
	Tags     streams.Strings

	// Regular files.
	Contents  Contents
	LinkGroup LinkGroup
	// Block and character devices.
	Device Device
	// Symbolic links.
	Target streams.String
}

// New creates an empty file of the given kind.
func New(kind Kind, pathID PathID) *File {
	return &File{Kind: kind, PathID: pathID}
}

func (f *File) Fields() []streams.Field {
	fields := make([]streams.Field, 0, 8)
	if f.Kind == KindRegular {
		fields = append(fields, streams.Field{Tag: TagContents, Size: streams.Small, Name: "contents", Stream: &f.Contents})
	}
	if f.Kind == KindBlock || f.Kind == KindChar {
		fields = append(fields, streams.Field{Tag: TagDevice, Size: streams.Small, Name: "devt", Stream: &f.Device})
	}
	fields = append(fields,
		streams.Field{Tag: TagFlags, Size: streams.Small, Name: "flags", Stream: &f.Flags},
		streams.Field{Tag: TagFlavor, Size: streams.Small, Name: "flavor", Stream: &f.Flavor},
		streams.Field{Tag: TagInode, Size: streams.Small, Name: "inode", Stream: &f.Inode},
		streams.Field{Tag: TagProvides, Size: streams.Dynamic, Name: "provides", Stream: &f.Provides},
		streams.Field{Tag: TagRequires, Size: streams.Dynamic, Name: "requires", Stream: &f.Requires},
		streams.Field{Tag: TagTags, Size: streams.Small, Name: "tags", Stream: &f.Tags},
	)
	if f.Kind == KindSymlink {
		fields = append(fields, streams.Field{Tag: TagTarget, Size: streams.Small, Name: "target", Stream: &f.Target})
	}
	if f.Kind == KindRegular {
		fields = append(fields, streams.Field{Tag: TagLinkGroup, Size: streams.Small, Name: "linkGroup", Stream: &f.LinkGroup})
	}
	return fields
}

// HasContents returns whether the file carries contents.
func (f *File) HasContents() bool { return f.Kind == KindRegular }

// Freeze returns the kind byte followed by the stream set.
func (f *File) Freeze(skip streams.SkipSet) []byte {
	return append([]byte{byte(f.Kind)}, streams.FreezeSet(f, skip)...)
}

// Thaw decodes a frozen file.
func Thaw(frz []byte, pathID PathID) (*File, error) {
	if len(frz) == 0 {
		return nil, errors.New("empty file stream")
	}
	k := Kind(frz[0])
	if !k.valid() {
		return nil, errors.Errorf("unknown file kind %q", frz[0])
	}
	f := New(k, pathID)
	if err := streams.ThawSet(f, frz[1:]); err != nil {
		return nil, errors.Wrapf(err, "thawing %s", k)
	}
	return f, nil
}

// Copy returns a deep copy.
func (f *File) Copy() *File {
	c, err := Thaw(f.Freeze(nil), f.PathID)
	if err != nil {
		panic(err)
	}
	return c
}

var fileIDSkip = streams.SkipSet{"mtime": true}

// FileID is the sha1 of the frozen file without its mtime.
func (f *File) FileID() FileID {
	return digest.Sum(f.Freeze(fileIDSkip))
}

// Diff returns the stream diff that turns other into f. A nil other, or a
// file of another kind, results in the absolute frozen file.
func (f *File) Diff(other *File) []byte {
	if other == nil || other.Kind != f.Kind {
		return f.Freeze(nil)
	}
	return append([]byte{diffMarker, byte(f.Kind)}, streams.DiffSet(f, other)...)
}

// IsRelativeDiff returns whether diff was computed against an old file.
func IsRelativeDiff(diff []byte) bool {
	return len(diff) > 0 && diff[0] == diffMarker
}

// Twm merges a relative diff computed against base into f.
func (f *File) Twm(diff []byte, base *File, skip streams.SkipSet) (bool, error) {
	if !IsRelativeDiff(diff) {
		return false, errors.New("file type changed in merge")
	}
	if len(diff) < 2 || Kind(diff[1]) != f.Kind || base.Kind != f.Kind {
		return false, errors.Errorf("can't merge a %s diff into a %s", Kind(diff[1]), f.Kind)
	}
	return streams.TwmSet(f, diff[2:], base, skip)
}

// ApplyDiff returns the file described by diff, relative to old if the
// diff is relative.
func ApplyDiff(old *File, diff []byte, pathID PathID) (*File, error) {
	if !IsRelativeDiff(diff) {
		return Thaw(diff, pathID)
	}
	if old == nil {
		return nil, errors.New("relative file diff without an old file")
	}
	f := old.Copy()
	f.PathID = pathID
	if _, err := f.Twm(diff, old, nil); err != nil {
		return nil, err
	}
	return f, nil
}

// Equal compares two files, including their kind.
func (f *File) Equal(o *File) bool {
	return f.Kind == o.Kind && streams.EqualSet(f, o, nil)
}

// EqualIgnoringOwner compares files without mtime, owner and group.
func (f *File) EqualIgnoringOwner(o *File) bool {
	return f.Kind == o.Kind && streams.EqualSet(f, o, streams.SkipSet{"mtime": true, "owner": true, "group": true})
}

// CompatibleWith returns whether two files can be treated as the same
// file at commit time: same kind and same metadata apart from mtime, with
// matching contents for regular files.
func (f *File) CompatibleWith(o *File) bool {
	if o == nil || f.Kind != o.Kind {
		return false
	}
	if !streams.EqualSet(f, o, streams.SkipSet{"mtime": true, "flags": true, "tags": true}) {
		return false
	}
	if f.HasContents() {
		return f.Contents.Sha1.GetSha1() == o.Contents.Sha1.GetSha1()
	}
	return true
}

// ModeString renders the kind and permissions like ls does.
func (f *File) ModeString() string {
	return string(f.Kind) + f.Inode.PermsString()
}

// SizeString renders the size column of a file listing.
func (f *File) SizeString() string {
	switch f.Kind {
	case KindRegular:
		return fmt.Sprintf("%8d", f.Contents.Size.Get())
	case KindSymlink:
		return fmt.Sprintf("%8d", len(f.Target.Get()))
	case KindBlock, KindChar:
		return fmt.Sprintf("%3d, %3d", f.Device.Major.Get(), f.Device.Minor.Get())
	}
	return "       0"
}

// Sha1 of the contents; zero for files without contents.
func (f *File) Sha1() digest.Sha1 {
	if !f.HasContents() {
		return digest.Sha1{}
	}
	return f.Contents.Sha1.GetSha1()
}

// FieldsChanged lists the fields a diff touches. Nested inode and
// contents changes are reported as "inode(perms mtime)".
func FieldsChanged(diff []byte) ([]string, error) {
	if !IsRelativeDiff(diff) {
		return []string{"type"}, nil
	}
	if len(diff) < 2 {
		return nil, errors.New("truncated file diff")
	}
	proto := New(Kind(diff[1]), PathID{})
	names := map[byte]streams.Field{}
	for _, field := range proto.Fields() {
		names[field.Tag] = field
	}
	var result []string
	err := streams.SplitFields(diff[2:], func(tag byte, large bool, payload []byte) error {
		field, ok := names[tag]
		if !ok {
			result = append(result, fmt.Sprintf("tag%d", tag))
			return nil
		}
		if tag == TagInode || tag == TagContents {
			nested := field.Stream.(streams.Fielded)
			nestedNames := map[byte]string{}
			for _, nf := range nested.Fields() {
				nestedNames[nf.Tag] = nf.Name
			}
			var sub []string
			if err := streams.SplitFields(payload, func(tag byte, _ bool, _ []byte) error {
				sub = append(sub, nestedNames[tag])
				return nil
			}); err != nil {
				return err
			}
			if len(sub) > 0 {
				result = append(result, field.Name+"("+strings.Join(sub, " ")+")")
			}
			return nil
		}
		result = append(result, field.Name)
		return nil
	})
	return result, err
}

// ContentsChanged returns whether a diff changes the contents of a
// regular file.
func ContentsChanged(diff []byte) bool {
	if !IsRelativeDiff(diff) || len(diff) < 2 || Kind(diff[1]) != KindRegular {
		return false
	}
	changed := false
	_ = streams.SplitFields(diff[2:], func(tag byte, _ bool, payload []byte) error {
		if tag == TagContents && len(payload) > 0 {
			changed = true
		}
		return nil
	})
	return changed
}
