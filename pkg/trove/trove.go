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

// Package trove implements troves, the named, versioned and flavored
// collections of files and other troves, and the change sets between two
// versions of a trove.
package trove

import (
	"github.com/pkg/errors"
	"github.com/toitlang/trove/pkg/deps"
	"github.com/toitlang/trove/pkg/digest"
	"github.com/toitlang/trove/pkg/errs"
	"github.com/toitlang/trove/pkg/files"
	"github.com/toitlang/trove/pkg/streams"
	"github.com/toitlang/trove/pkg/versions"
)

// Trove stream tags.
const (
	TagName       = 0
	TagVersion    = 1
	TagFlavor     = 2
	TagChangeLog  = 3
	TagInfo       = 4
	TagProvides   = 5
	TagRequires   = 6
	TagTroves     = 7
	TagFiles      = 8
	TagRedirects  = 9
	TagWeakTroves = 11
)

// Trove is a named collection of file references and child trove
// references.
type Trove struct {
	streams.Extra
	name       streams.String
	version    versions.Stream
	flavor     deps.Stream
	ChangeLog  ChangeLog
	Info       Info
	provides   deps.Stream
	requires   deps.Stream
	troves     troveRefs
	files      fileRefs
	redirects  TupleList
	weakTroves troveRefs
}

func (t *Trove) Fields() []streams.Field {
	return []streams.Field{
		{Tag: TagName, Size: streams.Small, Name: "name", Stream: &t.name},
		{Tag: TagVersion, Size: streams.Small, Name: "version", Stream: &t.version},
		{Tag: TagFlavor, Size: streams.Large, Name: "flavor", Stream: &t.flavor},
		{Tag: TagChangeLog, Size: streams.Large, Name: "changeLog", Stream: &t.ChangeLog},
		{Tag: TagInfo, Size: streams.Large, Name: "troveInfo", Stream: &t.Info},
		{Tag: TagProvides, Size: streams.Large, Name: "provides", Stream: &t.provides},
		{Tag: TagRequires, Size: streams.Large, Name: "requires", Stream: &t.requires},
		{Tag: TagTroves, Size: streams.Large, Name: "troves", Stream: &t.troves},
		{Tag: TagFiles, Size: streams.Large, Name: "idMap", Stream: &t.files},
		{Tag: TagRedirects, Size: streams.Large, Name: "redirects", Stream: &t.redirects},
		{Tag: TagWeakTroves, Size: streams.Large, Name: "weakTroves", Stream: &t.weakTroves},
	}
}

// New creates an empty trove of the current schema.
func New(name string, version versions.Version, flavor *deps.Set) *Trove {
	t := &Trove{}
	t.Extra.Policy = streams.Reject
	t.name.Set(name)
	t.version.Set(version)
	t.flavor.Set(flavor)
	t.Info.TroveVersion.Set(SchemaVersion)
	if !IsComponent(name) {
		t.Info.Flags.Set(flagCollection)
	}
	return t
}

func (t *Trove) Name() string                  { return t.name.Get() }
func (t *Trove) Version() versions.Version     { return t.version.Get() }
func (t *Trove) Flavor() *deps.Set             { return t.flavor.Get() }
func (t *Trove) Provides() *deps.Set           { return t.provides.Get() }
func (t *Trove) Requires() *deps.Set           { return t.requires.Get() }
func (t *Trove) SetVersion(v versions.Version) { t.version.Set(v) }
func (t *Trove) SetFlavor(f *deps.Set)         { t.flavor.Set(f) }
func (t *Trove) SetProvides(p *deps.Set)       { t.provides.Set(p) }
func (t *Trove) SetRequires(r *deps.Set)       { t.requires.Set(r) }

// Tuple returns the (name, version, flavor) of the trove.
func (t *Trove) Tuple() Tuple {
	return Tuple{Name: t.Name(), Version: t.Version(), Flavor: t.Flavor()}
}

func (t *Trove) String() string { return t.Tuple().String() }

func (t *Trove) Type() Type         { return Type(t.Info.Type.Get()) }
func (t *Trove) SetType(typ Type)   { t.Info.Type.Set(uint8(typ)) }
func (t *Trove) IsRedirect() bool   { return t.Type() == TypeRedirect }
func (t *Trove) IsRemoved() bool    { return t.Type() == TypeRemoved }
func (t *Trove) IsIncomplete() bool { return t.Info.Incomplete.Get() != 0 }

// IsCollection returns whether the trove is a package, group or fileset
// rather than a component.
func (t *Trove) IsCollection() bool { return !IsComponent(t.Name()) }

// SourceName returns the name of the source trove this trove was built
// from.
func (t *Trove) SourceName() string { return t.Info.SourceName.Get() }

// AddFile adds or replaces a file reference.
func (t *Trove) AddFile(pathID files.PathID, path string, version versions.Version, fileID files.FileID) error {
	if t.IsRedirect() {
		return errors.Errorf("can't add files to redirect %s", t.Name())
	}
	t.files.add(FileRef{PathID: pathID, Path: path, FileID: fileID, Version: version})
	return nil
}

// UpdateFile changes a file reference; zero arguments keep the old value.
func (t *Trove) UpdateFile(pathID files.PathID, path string, version versions.Version, fileID files.FileID) error {
	ref, ok := t.files.refs[pathID]
	if !ok {
		return &errs.FileStreamMissing{FileID: pathID.String()}
	}
	if path != "" {
		ref.Path = path
	}
	if !version.IsZero() {
		ref.Version = version
	}
	if !fileID.IsZero() {
		ref.FileID = fileID
	}
	t.files.refs[pathID] = ref
	return nil
}

func (t *Trove) RemoveFile(pathID files.PathID) {
	delete(t.files.refs, pathID)
}

func (t *Trove) File(pathID files.PathID) (FileRef, bool) {
	ref, ok := t.files.refs[pathID]
	return ref, ok
}

// Files returns the file references ordered by path id.
func (t *Trove) Files() []FileRef { return t.files.sorted() }

func (t *Trove) HasFiles() bool { return len(t.files.refs) > 0 }

// AddTrove adds a strong reference. Adding a reference twice is an error
// unless presentOK is set.
func (t *Trove) AddTrove(tup Tuple, byDefault, presentOK bool) error {
	return addRef(&t.troves, t.Name(), tup, byDefault, presentOK)
}

// AddWeakTrove adds a weak reference.
func (t *Trove) AddWeakTrove(tup Tuple, byDefault, presentOK bool) error {
	return addRef(&t.weakTroves, t.Name(), tup, byDefault, presentOK)
}

func addRef(refs *troveRefs, name string, tup Tuple, byDefault, presentOK bool) error {
	if _, ok := refs.get(tup); ok && !presentOK {
		return errors.Errorf("duplicate trove %s included in %s", tup, name)
	}
	refs.add(tup, byDefault)
	return nil
}

// DelTrove removes a strong or weak reference.
func (t *Trove) DelTrove(tup Tuple, weak, missingOK bool) error {
	refs := &t.troves
	if weak {
		refs = &t.weakTroves
	}
	if !refs.remove(tup) && !missingOK {
		return errors.Errorf("trove %s is not included in %s", tup, t.Name())
	}
	return nil
}

// Troves returns the strong references ordered by tuple.
func (t *Trove) Troves() []TroveRef { return t.troves.sorted() }

// WeakTroves returns the weak references ordered by tuple.
func (t *Trove) WeakTroves() []TroveRef { return t.weakTroves.sorted() }

func (t *Trove) HasTrove(tup Tuple) bool {
	_, ok := t.troves.get(tup)
	return ok
}

// IncludeTroveByDefault returns the byDefault flag of a reference.
func (t *Trove) IncludeTroveByDefault(tup Tuple) bool {
	if ref, ok := t.troves.get(tup); ok {
		return ref.ByDefault
	}
	ref, _ := t.weakTroves.get(tup)
	return ref.ByDefault
}

// AddRedirect adds a redirect target: a name, a branch and a flavor.
// A target with an empty name is a redirect to nothing.
func (t *Trove) AddRedirect(name string, branch versions.Version, flavor *deps.Set) {
	t.SetType(TypeRedirect)
	t.files.refs = nil
	t.redirects.Add(NewTuple(name, branch, flavor))
}

func (t *Trove) Redirects() []Tuple { return t.redirects.Get() }

// ComputePathHashes fills the path hashes from the file list.
func (t *Trove) ComputePathHashes() {
	t.Info.PathHashes = PathHashes{}
	for _, ref := range t.files.refs {
		t.Info.PathHashes.AddPath(ref.Path)
	}
}

// CompatibleWith returns whether both troves can be installed together.
func (t *Trove) CompatibleWith(o *Trove) bool {
	return t.Info.PathHashes.CompatibleWith(&o.Info.PathHashes)
}

// digestSkip lists what the digest leaves out: the signatures themselves,
// data derived from the file list, local state and version timestamps.
var digestSkip = streams.SkipSet{
	"sigs":                  true,
	"pathHashes":            true,
	"incomplete":            true,
	versions.SkipTimestamps: true,
}

func (t *Trove) digest() digest.Sha1 {
	return digest.Sum(streams.FreezeSet(t, digestSkip))
}

// ComputeDigests recomputes and stores the trove digest.
func (t *Trove) ComputeDigests() digest.Sha1 {
	d := t.digest()
	t.Info.Sigs.sha1 = d
	return d
}

// Digest returns the stored digest.
func (t *Trove) Digest() digest.Sha1 { return t.Info.Sigs.sha1 }

// VerifyDigests returns whether the stored digest matches the trove.
func (t *Trove) VerifyDigests() bool {
	return !t.Info.Sigs.sha1.IsZero() && t.Info.Sigs.sha1 == t.digest()
}

// Freeze returns the frozen trove.
func (t *Trove) Freeze() []byte { return streams.FreezeSet(t, nil) }

// Thaw decodes a frozen trove. Unknown trove info is preserved and marks
// the trove incomplete.
func Thaw(frz []byte) (*Trove, error) {
	t := &Trove{}
	t.Extra.Policy = streams.Reject
	if err := streams.ThawSet(t, frz); err != nil {
		return nil, errors.Wrap(err, "thawing trove")
	}
	t.checkComplete()
	return t, nil
}

func (t *Trove) checkComplete() {
	if t.Info.HasUnknown() || t.Info.TroveVersion.Get() > SchemaVersion {
		t.Info.Incomplete.Set(1)
	}
}

// Copy returns a deep copy.
func (t *Trove) Copy() *Trove {
	c, err := Thaw(t.Freeze())
	if err != nil {
		panic(err)
	}
	return c
}

// Equal compares two troves, ignoring version timestamps and local
// state.
func (t *Trove) Equal(o *Trove) bool {
	if o == nil {
		return false
	}
	skip := streams.SkipSet{"incomplete": true, versions.SkipTimestamps: true}
	return string(streams.FreezeSet(t, skip)) == string(streams.FreezeSet(o, skip))
}
