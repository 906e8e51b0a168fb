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

// Package versions implements labels, revisions and versions.
//
// A version is a path through labels and revisions:
//
//	/conary.example.com@rpl:devel/1.0-1-1
//	/conary.example.com@rpl:devel//shadow/1.0-1.1-1
//
// Versions are immutable; every operation returns a new value.
package versions

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/toitlang/trove/pkg/errs"
)

// LocalHost is the host of labels that mark uncommitted local work.
const LocalHost = "local"

// Label names a branch: host@namespace:tag.
type Label struct {
	Host      string
	Namespace string
	Tag       string
}

// LocalLabel is the label used for local changes.
var LocalLabel = Label{Host: LocalHost, Namespace: "local", Tag: "LOCAL"}

const labelChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789.-_+"

// ParseLabel parses a host@namespace:tag string.
func ParseLabel(str string) (Label, error) {
	at := strings.Index(str, "@")
	colon := strings.LastIndex(str, ":")
	if at <= 0 || colon < at+2 || colon == len(str)-1 {
		return Label{}, errs.Parsef("invalid label '%s'", str)
	}
	l := Label{Host: str[:at], Namespace: str[at+1 : colon], Tag: str[colon+1:]}
	for _, part := range []string{l.Host, l.Namespace, l.Tag} {
		if strings.Trim(part, labelChars) != "" {
			return Label{}, errs.Parsef("invalid label '%s'", str)
		}
	}
	return l, nil
}

// MustParseLabel is like ParseLabel but panics on error.
func MustParseLabel(str string) Label {
	l, err := ParseLabel(str)
	if err != nil {
		panic(err)
	}
	return l
}

func (l Label) String() string {
	return l.Host + "@" + l.Namespace + ":" + l.Tag
}

func (l Label) IsZero() bool  { return l == Label{} }
func (l Label) IsLocal() bool { return l.Host == LocalHost }

// Revision is upstream-source-build. Source revisions have no build
// count. Counts of shadowed revisions have more than one component.
type Revision struct {
	Upstream  string
	Source    []int
	Build     []int
	Timestamp float64
}

func parseCount(str string) ([]int, error) {
	var result []int
	for _, part := range strings.Split(str, ".") {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return nil, errs.Parsef("invalid count '%s'", str)
		}
		result = append(result, n)
	}
	return result, nil
}

func formatCount(c []int) string {
	parts := make([]string, len(c))
	for i, n := range c {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ".")
}

// ParseRevision parses "upstream-source[-build]". A frozen revision is
// prefixed by "timestamp:".
func ParseRevision(str string) (Revision, error) {
	var r Revision
	if i := strings.Index(str, ":"); i >= 0 {
		ts, err := strconv.ParseFloat(str[:i], 64)
		if err != nil {
			return r, errs.Parsef("invalid timestamp in revision '%s'", str)
		}
		r.Timestamp = ts
		str = str[i+1:]
	}
	parts := strings.Split(str, "-")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" {
		return r, errs.Parsef("invalid revision '%s'", str)
	}
	r.Upstream = parts[0]
	var err error
	if r.Source, err = parseCount(parts[1]); err != nil {
		return r, err
	}
	if len(parts) == 3 {
		if r.Build, err = parseCount(parts[2]); err != nil {
			return r, err
		}
	}
	return r, nil
}

func (r Revision) String() string {
	s := r.Upstream + "-" + formatCount(r.Source)
	if r.Build != nil {
		s += "-" + formatCount(r.Build)
	}
	return s
}

func (r Revision) freeze() string {
	return fmt.Sprintf("%.3f:%s", r.Timestamp, r.String())
}

// IsSource returns whether the revision belongs to a source trove.
func (r Revision) IsSource() bool { return r.Build == nil }

// Equal compares revisions without timestamps.
func (r Revision) Equal(o Revision) bool {
	return r.String() == o.String()
}

func (r Revision) clone() Revision {
	r.Source = append([]int(nil), r.Source...)
	if r.Build != nil {
		r.Build = append([]int(nil), r.Build...)
	}
	return r
}

type element struct {
	label  Label
	rev    Revision
	hasRev bool
	// shadow is set when the label was reached through "//".
	shadow bool
}

// Version is a path of labels and revisions. A version without a trailing
// revision is a branch.
type Version struct {
	elems []element
}

// New creates a version with a single label and revision.
func New(label Label, rev Revision) Version {
	return Version{elems: []element{{label: label, rev: rev.clone(), hasRev: true}}}
}

// NewBranch creates a branch from a single label.
func NewBranch(label Label) Version {
	return Version{elems: []element{{label: label}}}
}

// Parse parses the string or frozen form of a version.
func Parse(str string) (Version, error) {
	if !strings.HasPrefix(str, "/") {
		return Version{}, errs.Parsef("version '%s' must start with '/'", str)
	}
	var v Version
	shadow := false
	for _, part := range strings.Split(str[1:], "/") {
		if part == "" {
			if shadow || len(v.elems) == 0 || v.elems[len(v.elems)-1].hasRev {
				return Version{}, errs.Parsef("invalid shadow in version '%s'", str)
			}
			shadow = true
			continue
		}
		if strings.Contains(part, "@") {
			l, err := ParseLabel(part)
			if err != nil {
				return Version{}, err
			}
			if !shadow && len(v.elems) > 0 && !v.elems[len(v.elems)-1].hasRev {
				return Version{}, errs.Parsef("label without revision in version '%s'", str)
			}
			v.elems = append(v.elems, element{label: l, shadow: shadow})
			shadow = false
			continue
		}
		if shadow || len(v.elems) == 0 || v.elems[len(v.elems)-1].hasRev {
			return Version{}, errs.Parsef("unexpected revision '%s' in version '%s'", part, str)
		}
		r, err := ParseRevision(part)
		if err != nil {
			return Version{}, err
		}
		last := &v.elems[len(v.elems)-1]
		last.rev = r
		last.hasRev = true
	}
	if shadow || len(v.elems) == 0 {
		return Version{}, errs.Parsef("invalid version '%s'", str)
	}
	return v, nil
}

// MustParse is like Parse but panics on error.
func MustParse(str string) Version {
	v, err := Parse(str)
	if err != nil {
		panic(err)
	}
	return v
}

// Thaw is Parse for frozen versions.
func Thaw(frz string) (Version, error) {
	return Parse(frz)
}

func (v Version) format(frozen bool) string {
	var sb strings.Builder
	for i, e := range v.elems {
		if i > 0 && e.shadow {
			sb.WriteString("//")
		} else {
			sb.WriteString("/")
		}
		sb.WriteString(e.label.String())
		if e.hasRev {
			sb.WriteString("/")
			if frozen {
				sb.WriteString(e.rev.freeze())
			} else {
				sb.WriteString(e.rev.String())
			}
		}
	}
	return sb.String()
}

// String returns the version without timestamps.
func (v Version) String() string { return v.format(false) }

// Freeze returns the version including timestamps.
func (v Version) Freeze() string { return v.format(true) }

// AsString is a short human form: the trailing revision for versions on
// the given label, the full string otherwise.
func (v Version) AsString(defaultLabel Label) string {
	if !v.IsBranch() && len(v.elems) == 1 && v.elems[0].label == defaultLabel {
		return v.TrailingRevision().String()
	}
	return v.String()
}

func (v Version) IsZero() bool   { return len(v.elems) == 0 }
func (v Version) IsBranch() bool { return len(v.elems) > 0 && !v.elems[len(v.elems)-1].hasRev }

func (v Version) last() element { return v.elems[len(v.elems)-1] }

func (v Version) clone() Version {
	elems := make([]element, len(v.elems))
	for i, e := range v.elems {
		e.rev = e.rev.clone()
		elems[i] = e
	}
	return Version{elems: elems}
}

// TrailingRevision returns the last revision. Branches return the zero
// revision.
func (v Version) TrailingRevision() Revision {
	if v.IsZero() {
		return Revision{}
	}
	return v.last().rev.clone()
}

// TrailingLabel returns the label of the trailing branch.
func (v Version) TrailingLabel() Label {
	if v.IsZero() {
		return Label{}
	}
	return v.last().label
}

// Labels returns every label of the version path.
func (v Version) Labels() []Label {
	result := make([]Label, len(v.elems))
	for i, e := range v.elems {
		result[i] = e.label
	}
	return result
}

// Branch returns the branch the version is on.
func (v Version) Branch() Version {
	b := v.clone()
	if len(b.elems) > 0 {
		last := &b.elems[len(b.elems)-1]
		last.hasRev = false
		last.rev = Revision{}
	}
	return b
}

// CreateShadow shadows the version onto label. The trailing revision is
// kept.
func (v Version) CreateShadow(label Label) Version {
	s := v.clone()
	last := &s.elems[len(s.elems)-1]
	rev, hasRev := last.rev, last.hasRev
	last.rev = Revision{}
	last.hasRev = false
	s.elems = append(s.elems, element{label: label, rev: rev, hasRev: hasRev, shadow: true})
	return s
}

// IsShadow returns whether the trailing label is a shadow.
func (v Version) IsShadow() bool {
	return !v.IsZero() && v.last().shadow
}

// ShadowLength counts the shadow boundaries at the end of the path.
func (v Version) ShadowLength() int {
	n := 0
	for i := len(v.elems) - 1; i > 0 && v.elems[i].shadow; i-- {
		n++
	}
	return n
}

// HasParentVersion returns whether the version is a shadow whose revision
// was not modified on the shadow.
func (v Version) HasParentVersion() bool {
	if !v.IsShadow() || v.IsBranch() {
		return false
	}
	depth := v.ShadowLength()
	rev := v.last().rev
	return len(rev.Source) <= depth && len(rev.Build) <= depth
}

// ParentVersion returns the version that was shadowed. Only valid if
// HasParentVersion is true.
func (v Version) ParentVersion() Version {
	p := v.clone()
	rev := p.last().rev
	p.elems = p.elems[:len(p.elems)-1]
	last := &p.elems[len(p.elems)-1]
	last.rev = rev
	last.hasRev = true
	return p
}

// IsOnLocalHost returns whether the trailing label is a local label.
func (v Version) IsOnLocalHost() bool {
	return v.TrailingLabel().IsLocal()
}

// WithTimestamp returns a copy with every revision stamped with ts.
func (v Version) WithTimestamp(ts float64) Version {
	c := v.clone()
	for i := range c.elems {
		if c.elems[i].hasRev {
			c.elems[i].rev.Timestamp = ts
		}
	}
	return c
}

// Timestamp of the trailing revision.
func (v Version) Timestamp() float64 {
	if v.IsZero() {
		return 0
	}
	return v.last().rev.Timestamp
}

// Equal compares versions without timestamps.
func (v Version) Equal(o Version) bool {
	return v.String() == o.String()
}

// IsAfter returns whether v was created after o.
func (v Version) IsAfter(o Version) bool {
	return v.Compare(o) > 0
}

// Compare orders versions by timestamp, then by string.
func (v Version) Compare(o Version) int {
	ta, tb := v.Timestamp(), o.Timestamp()
	switch {
	case ta < tb:
		return -1
	case ta > tb:
		return 1
	}
	return strings.Compare(v.String(), o.String())
}

// OnBranch returns whether the version is directly on branch b.
func (v Version) OnBranch(b Version) bool {
	return v.Branch().Equal(b)
}
