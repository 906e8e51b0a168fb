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
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/toitlang/trove/pkg/deps"
	"github.com/toitlang/trove/pkg/errs"
	"github.com/toitlang/trove/pkg/files"
	"github.com/toitlang/trove/pkg/streams"
	"github.com/toitlang/trove/pkg/versions"
)

// Trove change set tags.
const (
	csName             = 0
	csOldVersion       = 1
	csNewVersion       = 2
	csRequires         = 3
	csProvides         = 4
	csChangeLog        = 5
	csOldFiles         = 6
	csType             = 7
	csTroveChanges     = 8
	csNewFiles         = 9
	csChangedFiles     = 10
	csOldFlavor        = 11
	csNewFlavor        = 12
	csRedirects        = 13
	csInfoDiff         = 14
	csWeakTroveChanges = 15
)

const (
	typeAbsolute = 1
	typeRelative = 2
)

// Operations on a referenced trove.
const (
	OpAdd     = '+'
	OpRemove  = '-'
	OpChanged = '~'
)

// TroveChange is a change to the set of referenced troves.
type TroveChange struct {
	Op        byte
	Tuple     Tuple
	ByDefault bool
}

type troveChanges struct {
	changes []TroveChange
}

func (c *troveChanges) Freeze(skip streams.SkipSet) []byte {
	var buf []byte
	for _, ch := range c.changes {
		b := byte(0)
		if ch.ByDefault {
			b = 1
		}
		entry := appendTuple([]byte{ch.Op, b}, ch.Tuple, skip)
		buf = streams.AppendField(buf, 1, streams.Large, entry)
	}
	return buf
}

func (c *troveChanges) Thaw(frz []byte) error {
	c.changes = nil
	return streams.SplitFields(frz, func(_ byte, _ bool, payload []byte) error {
		if len(payload) < 2 {
			return errors.New("truncated trove change")
		}
		tup, _, err := readTuple(payload[2:])
		if err != nil {
			return err
		}
		c.changes = append(c.changes, TroveChange{Op: payload[0], Tuple: tup, ByDefault: payload[1] == 1})
		return nil
	})
}

func (c *troveChanges) Diff(them streams.Stream) []byte { return absoluteDiff(c, them) }
func (c *troveChanges) Twm(diff []byte, base streams.Stream) (bool, error) {
	return absoluteTwm(c, diff, base)
}
func (c *troveChanges) Equal(them streams.Stream) bool { return frozenEqual(c, them) }

// pathIDList is a list of path ids frozen back to back.
type pathIDList struct {
	ids []files.PathID
}

func (l *pathIDList) Freeze(skip streams.SkipSet) []byte {
	var buf []byte
	for _, id := range l.ids {
		buf = append(buf, id[:]...)
	}
	return buf
}

func (l *pathIDList) Thaw(frz []byte) error {
	l.ids = nil
	if len(frz)%16 != 0 {
		return errors.Errorf("path id list of invalid length %d", len(frz))
	}
	for i := 0; i < len(frz); i += 16 {
		var id files.PathID
		copy(id[:], frz[i:i+16])
		l.ids = append(l.ids, id)
	}
	return nil
}

func (l *pathIDList) Diff(them streams.Stream) []byte { return absoluteDiff(l, them) }
func (l *pathIDList) Twm(diff []byte, base streams.Stream) (bool, error) {
	return absoluteTwm(l, diff, base)
}
func (l *pathIDList) Equal(them streams.Stream) bool { return frozenEqual(l, them) }

// fileRefList is an ordered list of file references. Empty paths, file ids
// and versions mean "unchanged".
type fileRefList struct {
	refs []FileRef
}

func (l *fileRefList) Freeze(skip streams.SkipSet) []byte {
	var buf []byte
	for _, ref := range l.refs {
		buf = append(buf, ref.PathID[:]...)
		buf = appendU16(buf, []byte(ref.Path))
		var id []byte
		if !ref.FileID.IsZero() {
			id = ref.FileID.Bytes()
		}
		buf = appendU16(buf, id)
		vs := &versions.Stream{V: ref.Version}
		buf = appendU16(buf, vs.Freeze(skip))
	}
	return buf
}

func (l *fileRefList) Thaw(frz []byte) error {
	l.refs = nil
	for len(frz) > 0 {
		if len(frz) < 16 {
			return errors.New("truncated file list")
		}
		var ref FileRef
		copy(ref.PathID[:], frz[:16])
		path, rest, err := readU16(frz[16:])
		if err != nil {
			return err
		}
		id, rest, err := readU16(rest)
		if err != nil {
			return err
		}
		if len(id) != 0 && len(id) != len(ref.FileID) {
			return errors.Errorf("file id of invalid length %d", len(id))
		}
		copy(ref.FileID[:], id)
		ver, rest, err := readU16(rest)
		if err != nil {
			return err
		}
		var vs versions.Stream
		if err := vs.Thaw(ver); err != nil {
			return err
		}
		ref.Path = string(path)
		ref.Version = vs.V
		l.refs = append(l.refs, ref)
		frz = rest
	}
	return nil
}

func (l *fileRefList) Diff(them streams.Stream) []byte { return absoluteDiff(l, them) }
func (l *fileRefList) Twm(diff []byte, base streams.Stream) (bool, error) {
	return absoluteTwm(l, diff, base)
}
func (l *fileRefList) Equal(them streams.Stream) bool { return frozenEqual(l, them) }

// ChangeSet is the change between two versions of a trove. An absolute
// change set carries the complete new trove.
type ChangeSet struct {
	streams.Extra
	name             streams.String
	oldVersion       versions.Stream
	newVersion       versions.Stream
	requires         deps.Stream
	provides         deps.Stream
	changeLog        ChangeLog
	oldFiles         pathIDList
	csType           streams.Int
	troveChanges     troveChanges
	newFiles         fileRefList
	changedFiles     fileRefList
	oldFlavor        deps.Stream
	newFlavor        deps.Stream
	redirects        TupleList
	infoDiff         streams.String
	weakTroveChanges troveChanges
}

func (c *ChangeSet) Fields() []streams.Field {
	return []streams.Field{
		{Tag: csName, Size: streams.Small, Name: "name", Stream: &c.name},
		{Tag: csOldVersion, Size: streams.Small, Name: "oldVersion", Stream: &c.oldVersion},
		{Tag: csNewVersion, Size: streams.Small, Name: "newVersion", Stream: &c.newVersion},
		{Tag: csRequires, Size: streams.Large, Name: "requires", Stream: &c.requires},
		{Tag: csProvides, Size: streams.Large, Name: "provides", Stream: &c.provides},
		{Tag: csChangeLog, Size: streams.Large, Name: "changeLog", Stream: &c.changeLog},
		{Tag: csOldFiles, Size: streams.Large, Name: "oldFiles", Stream: &c.oldFiles},
		{Tag: csType, Size: streams.Small, Name: "tcsType", Stream: &c.csType},
		{Tag: csTroveChanges, Size: streams.Large, Name: "troves", Stream: &c.troveChanges},
		{Tag: csNewFiles, Size: streams.Large, Name: "newFiles", Stream: &c.newFiles},
		{Tag: csChangedFiles, Size: streams.Large, Name: "changedFiles", Stream: &c.changedFiles},
		{Tag: csOldFlavor, Size: streams.Large, Name: "oldFlavor", Stream: &c.oldFlavor},
		{Tag: csNewFlavor, Size: streams.Large, Name: "newFlavor", Stream: &c.newFlavor},
		{Tag: csRedirects, Size: streams.Large, Name: "redirects", Stream: &c.redirects},
		{Tag: csInfoDiff, Size: streams.Large, Name: "troveInfoDiff", Stream: &c.infoDiff},
		{Tag: csWeakTroveChanges, Size: streams.Large, Name: "weakTroves", Stream: &c.weakTroveChanges},
	}
}

func newChangeSet(name string, oldV, newV versions.Version, oldF, newF *deps.Set, absolute bool) *ChangeSet {
	c := &ChangeSet{}
	c.name.Set(name)
	c.oldVersion.Set(oldV)
	c.newVersion.Set(newV)
	if !oldV.IsZero() {
		c.oldFlavor.Set(oldF)
	}
	c.newFlavor.Set(newF)
	if absolute {
		c.csType.Set(typeAbsolute)
	} else {
		c.csType.Set(typeRelative)
	}
	return c
}

// ThawChangeSet decodes a frozen trove change set.
func ThawChangeSet(frz []byte) (*ChangeSet, error) {
	c := &ChangeSet{}
	if err := streams.ThawSet(c, frz); err != nil {
		return nil, errors.Wrap(err, "thawing trove change set")
	}
	return c, nil
}

func (c *ChangeSet) Freeze() []byte { return streams.FreezeSet(c, nil) }

func (c *ChangeSet) Name() string                 { return c.name.Get() }
func (c *ChangeSet) OldVersion() versions.Version { return c.oldVersion.Get() }
func (c *ChangeSet) NewVersion() versions.Version { return c.newVersion.Get() }
func (c *ChangeSet) OldFlavor() *deps.Set         { return c.oldFlavor.Get() }
func (c *ChangeSet) NewFlavor() *deps.Set         { return c.newFlavor.Get() }
func (c *ChangeSet) Requires() *deps.Set          { return c.requires.Get() }
func (c *ChangeSet) Provides() *deps.Set          { return c.provides.Get() }
func (c *ChangeSet) IsAbsolute() bool             { return c.csType.Get() == typeAbsolute }
func (c *ChangeSet) NewFiles() []FileRef          { return c.newFiles.refs }
func (c *ChangeSet) ChangedFiles() []FileRef      { return c.changedFiles.refs }
func (c *ChangeSet) OldFiles() []files.PathID     { return c.oldFiles.ids }
func (c *ChangeSet) TroveChanges() []TroveChange  { return c.troveChanges.changes }
func (c *ChangeSet) WeakTroveChanges() []TroveChange {
	return c.weakTroveChanges.changes
}
func (c *ChangeSet) InfoDiff() []byte { return c.infoDiff.GetBytes() }

// NewTuple returns the tuple of the trove the change set produces.
func (c *ChangeSet) NewTuple() Tuple { return NewTuple(c.Name(), c.NewVersion(), c.NewFlavor()) }

// OldTuple returns the tuple the change set applies to; its version is
// zero for new troves.
func (c *ChangeSet) OldTuple() Tuple { return NewTuple(c.Name(), c.OldVersion(), c.OldFlavor()) }

// Job returns the job the change set implements.
func (c *ChangeSet) Job() Job {
	j := Job{Name: c.Name(), NewVersion: c.NewVersion(), NewFlavor: c.NewFlavor(), Absolute: c.IsAbsolute()}
	if !c.OldVersion().IsZero() {
		j.OldVersion = c.OldVersion()
		j.OldFlavor = c.OldFlavor()
	}
	return j
}

// Info returns the trove info of a change set without an old version.
func (c *ChangeSet) Info() (*Info, error) {
	if !c.OldVersion().IsZero() {
		return nil, errors.New("trove info of a relative change set is a diff")
	}
	info := &Info{}
	if err := info.Thaw(c.InfoDiff()); err != nil {
		return nil, err
	}
	return info, nil
}

// Type of the trove the change set creates; relative change sets report
// the type only if the trove info diff changes it.
func (c *ChangeSet) Type() Type {
	info := &Info{}
	if err := streams.SplitFields(c.InfoDiff(), func(tag byte, _ bool, payload []byte) error {
		if tag == InfoType {
			return info.Type.Thaw(payload)
		}
		return nil
	}); err != nil {
		return TypeNormal
	}
	return Type(info.Type.Get())
}

func (c *ChangeSet) IsRedirect() bool { return c.Type() == TypeRedirect }
func (c *ChangeSet) IsRemoved() bool  { return c.Type() == TypeRemoved }

// Digest returns the signatures carried in the trove info. They are zero
// when the info has none.
func (c *ChangeSet) Digest() (Signatures, error) {
	var sigs Signatures
	err := streams.SplitFields(c.InfoDiff(), func(tag byte, _ bool, payload []byte) error {
		if tag == InfoSigs {
			return sigs.Thaw(payload)
		}
		return nil
	})
	if err != nil {
		return Signatures{}, errors.Wrapf(err, "trove info of %s", c.Name())
	}
	return sigs, nil
}

// ChangeNewVersion rewrites the version the change set produces.
func (c *ChangeSet) ChangeNewVersion(v versions.Version) { c.newVersion.Set(v) }

// ChangeOldVersion rewrites the version the change set applies to.
func (c *ChangeSet) ChangeOldVersion(v versions.Version) { c.oldVersion.Set(v) }

// ResetNewFiles drops the list of new files.
func (c *ChangeSet) ResetNewFiles() { c.newFiles.refs = nil }

// HasChangedFiles returns whether any file is added, changed or removed.
func (c *ChangeSet) HasChangedFiles() bool {
	return len(c.newFiles.refs)+len(c.changedFiles.refs)+len(c.oldFiles.ids) > 0
}

// Format writes a human readable description. fileStream returns the
// frozen stream or diff of a file id; it may be nil.
func (c *ChangeSet) Format(w io.Writer, fileStream func(pathID files.PathID, fileID files.FileID) []byte) error {
	var sb strings.Builder
	sb.WriteString(c.Name() + " ")
	switch {
	case c.IsAbsolute():
		sb.WriteString("absolute ")
	case !c.OldVersion().IsZero():
		fmt.Fprintf(&sb, "from %s to ", c.OldVersion())
	default:
		sb.WriteString("new ")
	}
	sb.WriteString(c.NewVersion().String() + "\n")
	depFormat := func(name string, s *deps.Set) {
		if !s.IsEmpty() {
			fmt.Fprintf(&sb, "\t%s: %s\n", name, s)
		}
	}
	depFormat("Requires", c.Requires())
	depFormat("Provides", c.Provides())
	depFormat("Old Flavor", c.OldFlavor())
	depFormat("New Flavor", c.NewFlavor())

	for _, ref := range c.NewFiles() {
		var frz []byte
		if fileStream != nil {
			frz = fileStream(ref.PathID, ref.FileID)
		}
		f, err := files.Thaw(frz, ref.PathID)
		if err != nil {
			fmt.Fprintf(&sb, "\tadded %s\n", ref.Path)
			continue
		}
		name := ref.Path
		if f.Kind == files.KindSymlink {
			name += " -> " + f.Target.Get()
		}
		fmt.Fprintf(&sb, "\t%s    1 %-8s %-8s %s %s\n", f.ModeString(), f.Inode.Owner.Get(),
			f.Inode.Group.Get(), f.SizeString(), name)
	}
	for _, ref := range c.ChangedFiles() {
		id := ref.PathID.String()
		if ref.Path != "" {
			fmt.Fprintf(&sb, "\tchanged %s (%s(.*)%s)\n", ref.Path, id[:6], id[len(id)-6:])
		} else {
			fmt.Fprintf(&sb, "\tchanged %s\n", id)
		}
		if fileStream != nil {
			if names, err := files.FieldsChanged(fileStream(ref.PathID, ref.FileID)); err == nil {
				fmt.Fprintf(&sb, "\t\t%s\n", strings.Join(names, " "))
			}
		}
	}
	for _, id := range c.OldFiles() {
		s := id.String()
		fmt.Fprintf(&sb, "\tremoved %s(.*)%s\n", s[:6], s[len(s)-6:])
	}
	for _, ch := range c.TroveChanges() {
		fmt.Fprintf(&sb, "\t%s %c%s (%t)\n", ch.Tuple.Name, ch.Op, ch.Tuple.Version, ch.ByDefault)
	}
	_, err := io.WriteString(w, sb.String())
	return err
}

// Diff computes the change set that turns old into t. A nil old produces a
// change set for a new trove, absolute if requested. It also returns the
// files whose streams the change set needs and the jobs for the
// referenced troves.
func (t *Trove) Diff(old *Trove, absolute bool) (*ChangeSet, []FileNeeded, []Job) {
	var cs *ChangeSet
	oldFiles := map[files.PathID]FileRef{}
	if old != nil {
		cs = newChangeSet(t.Name(), old.Version(), t.Version(), old.Flavor(), t.Flavor(), false)
		cs.infoDiff.SetBytes(t.Info.Diff(&old.Info))
		oldFiles = old.files.refs
	} else {
		cs = newChangeSet(t.Name(), versions.Version{}, t.Version(), nil, t.Flavor(), absolute)
		cs.infoDiff.SetBytes(t.Info.Freeze(nil))
	}
	// Dependencies are always sent whole so clients can resolve without
	// fetching troves.
	cs.requires.Set(t.Requires())
	cs.provides.Set(t.Provides())
	cs.changeLog = t.ChangeLog
	cs.redirects.Set(t.redirects.Get())

	var needed []FileNeeded
	if !t.IsRedirect() {
		for _, ref := range t.files.sorted() {
			oldRef, ok := oldFiles[ref.PathID]
			if !ok {
				needed = append(needed, FileNeeded{PathID: ref.PathID, NewFileID: ref.FileID, NewVersion: ref.Version})
				cs.newFiles.refs = append(cs.newFiles.refs, ref)
				continue
			}
			changed := FileRef{PathID: ref.PathID}
			if ref.Path != oldRef.Path {
				changed.Path = ref.Path
			}
			if !ref.Version.Equal(oldRef.Version) || ref.FileID != oldRef.FileID {
				changed.Version = ref.Version
				changed.FileID = ref.FileID
				needed = append(needed, FileNeeded{PathID: ref.PathID, OldFileID: oldRef.FileID,
					OldVersion: oldRef.Version, NewFileID: ref.FileID, NewVersion: ref.Version})
			}
			if changed.Path != "" || !changed.Version.IsZero() {
				if changed.FileID.IsZero() {
					changed.FileID = ref.FileID
				}
				cs.changedFiles.refs = append(cs.changedFiles.refs, changed)
			}
		}
		var removed []files.PathID
		for id := range oldFiles {
			if _, ok := t.files.refs[id]; !ok {
				removed = append(removed, id)
			}
		}
		sort.Slice(removed, func(i, j int) bool { return removed[i].Less(removed[j]) })
		cs.oldFiles.ids = removed
	}

	var oldStrong, oldWeak troveRefs
	if old != nil {
		oldStrong, oldWeak = old.troves, old.weakTroves
	}
	var jobs []Job
	cs.troveChanges.changes, jobs = diffRefs(&t.troves, &oldStrong, absolute)
	cs.weakTroveChanges.changes, _ = diffRefs(&t.weakTroves, &oldWeak, absolute)
	return cs, needed, jobs
}

// diffRefs records the reference changes and pairs removed and added
// versions of the same name into update jobs.
func diffRefs(refs, old *troveRefs, absolute bool) ([]TroveChange, []Job) {
	var changes []TroveChange
	added := map[string][]Tuple{}
	removed := map[string][]Tuple{}
	for _, ref := range refs.sorted() {
		if oldRef, ok := old.get(ref.Tuple); ok {
			if oldRef.ByDefault != ref.ByDefault {
				changes = append(changes, TroveChange{Op: OpChanged, Tuple: ref.Tuple, ByDefault: ref.ByDefault})
			}
			continue
		}
		changes = append(changes, TroveChange{Op: OpAdd, Tuple: ref.Tuple, ByDefault: ref.ByDefault})
		added[ref.Name] = append(added[ref.Name], ref.Tuple)
	}
	for _, ref := range old.sorted() {
		if _, ok := refs.get(ref.Tuple); !ok {
			changes = append(changes, TroveChange{Op: OpRemove, Tuple: ref.Tuple})
			removed[ref.Name] = append(removed[ref.Name], ref.Tuple)
		}
	}

	names := map[string]bool{}
	for n := range added {
		names[n] = true
	}
	for n := range removed {
		names[n] = true
	}
	sorted := make([]string, 0, len(names))
	for n := range names {
		sorted = append(sorted, n)
	}
	sort.Strings(sorted)

	var jobs []Job
	for _, name := range sorted {
		for _, m := range matchVersions(removed[name], added[name]) {
			switch {
			case m.old == nil:
				jobs = append(jobs, InstallJob(*m.new, absolute))
			case m.new == nil:
				jobs = append(jobs, EraseJob(*m.old))
			case absolute:
				jobs = append(jobs, InstallJob(*m.new, true))
			default:
				jobs = append(jobs, UpdateJob(*m.old, *m.new))
			}
		}
	}
	return changes, jobs
}

type match struct {
	old, new *Tuple
}

// matchVersions pairs old and new versions of one name. Versions on the
// same branch pair first, newest old version first; the rest pair newest
// with newest.
func matchVersions(olds, news []Tuple) []match {
	newest := func(ts []Tuple) {
		sort.SliceStable(ts, func(i, j int) bool { return ts[i].Version.Compare(ts[j].Version) > 0 })
	}
	olds = append([]Tuple(nil), olds...)
	news = append([]Tuple(nil), news...)
	newest(olds)
	newest(news)
	usedOld := make([]bool, len(olds))
	usedNew := make([]bool, len(news))

	var result []match
	for ni := range news {
		for oi := range olds {
			if usedOld[oi] || !olds[oi].Version.Branch().Equal(news[ni].Version.Branch()) {
				continue
			}
			usedOld[oi], usedNew[ni] = true, true
			result = append(result, match{old: &olds[oi], new: &news[ni]})
			break
		}
	}
	oi := 0
	for ni := range news {
		if usedNew[ni] {
			continue
		}
		for oi < len(olds) && usedOld[oi] {
			oi++
		}
		if oi < len(olds) {
			usedOld[oi] = true
			result = append(result, match{old: &olds[oi], new: &news[ni]})
			continue
		}
		result = append(result, match{new: &news[ni]})
	}
	for i := range olds {
		if !usedOld[i] {
			result = append(result, match{old: &olds[i]})
		}
	}
	return result
}

// ApplyChangeSet updates t with a change set computed against it. With
// skipIntegrity unset, a stored digest is verified after the update.
func (t *Trove) ApplyChangeSet(cs *ChangeSet, skipIntegrity bool) error {
	for _, ref := range cs.NewFiles() {
		t.files.add(ref)
	}
	for _, ref := range cs.ChangedFiles() {
		if err := t.UpdateFile(ref.PathID, ref.Path, ref.Version, ref.FileID); err != nil {
			return err
		}
	}
	for _, id := range cs.OldFiles() {
		t.RemoveFile(id)
	}
	if err := applyRefChanges(&t.troves, cs.TroveChanges()); err != nil {
		return errors.Wrapf(err, "applying change set to %s", t.Name())
	}
	if err := applyRefChanges(&t.weakTroves, cs.WeakTroveChanges()); err != nil {
		return errors.Wrapf(err, "applying change set to %s", t.Name())
	}
	t.name.Set(cs.Name())
	t.version.Set(cs.NewVersion())
	t.flavor.Set(cs.NewFlavor())
	t.ChangeLog = cs.changeLog
	t.provides.Set(cs.Provides())
	t.requires.Set(cs.Requires())
	t.redirects.Set(cs.redirects.Get())

	if cs.OldVersion().IsZero() {
		t.Info = Info{}
		if err := t.Info.Thaw(cs.InfoDiff()); err != nil {
			return err
		}
	} else {
		base := t.Info.copy()
		if _, err := t.Info.Twm(cs.InfoDiff(), base); err != nil {
			return err
		}
	}
	if t.IsRedirect() {
		t.files.refs = nil
	}
	t.checkComplete()

	if !skipIntegrity && !t.Info.Sigs.sha1.IsZero() && !t.VerifyDigests() {
		return &errs.TroveIntegrityError{Name: t.Name(), Version: t.Version().String(),
			Flavor: t.Flavor().String(), Msg: "digest mismatch after applying change set"}
	}
	if len(t.files.refs) > 0 && len(t.troves.refs) > 0 {
		return &errs.TroveIntegrityError{Name: t.Name(), Version: t.Version().String(),
			Flavor: t.Flavor().String(), Msg: "trove has both files and troves"}
	}
	return nil
}

func applyRefChanges(refs *troveRefs, changes []TroveChange) error {
	for _, ch := range changes {
		switch ch.Op {
		case OpAdd:
			if _, ok := refs.get(ch.Tuple); ok {
				return errors.Errorf("duplicate trove %s", ch.Tuple)
			}
			refs.add(ch.Tuple, ch.ByDefault)
		case OpRemove:
			if !refs.remove(ch.Tuple) {
				return errors.Errorf("trove %s is not included", ch.Tuple)
			}
		case OpChanged:
			refs.add(ch.Tuple, ch.ByDefault)
		default:
			return errors.Errorf("unknown trove change '%c'", ch.Op)
		}
	}
	return nil
}

// FromChangeSet builds the trove a change set without an old version
// describes.
func FromChangeSet(cs *ChangeSet, skipIntegrity bool) (*Trove, error) {
	if !cs.OldVersion().IsZero() {
		return nil, errors.Errorf("change set for %s is relative to %s", cs.Name(), cs.OldVersion())
	}
	t := New(cs.Name(), cs.NewVersion(), cs.NewFlavor())
	if err := t.ApplyChangeSet(cs, skipIntegrity); err != nil {
		return nil, err
	}
	return t, nil
}
