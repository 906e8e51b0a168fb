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

// Package deps implements dependency sets and flavors.
//
// A dependency set groups dependencies by class (trove, soname, file, ...).
// A flavor is a dependency set that only uses the instruction set ("is")
// and use flag ("use") classes. Each dependency carries flags with a sense:
//
//	foo      required
//	~foo     preferred
//	~!foo    prefer not
//	!foo     disallowed
package deps

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/toitlang/trove/pkg/errs"
)

// Sense is the strength and direction of a flag.
type Sense int

const (
	SenseUnspecified Sense = iota
	SenseRequired
	SensePreferred
	SensePreferNot
	SenseDisallowed
)

func (s Sense) prefix() string {
	switch s {
	case SensePreferred:
		return "~"
	case SensePreferNot:
		return "~!"
	case SenseDisallowed:
		return "!"
	}
	return ""
}

func (s Sense) strong() Sense {
	switch s {
	case SensePreferred:
		return SenseRequired
	case SensePreferNot:
		return SenseDisallowed
	}
	return s
}

func (s Sense) weak() Sense {
	switch s {
	case SenseRequired:
		return SensePreferred
	case SenseDisallowed:
		return SensePreferNot
	}
	return s
}

func (s Sense) isStrong() bool {
	return s == SenseRequired || s == SenseDisallowed
}

func splitSense(flag string) (string, Sense) {
	flag = strings.TrimSpace(flag)
	switch {
	case strings.HasPrefix(flag, "~!"):
		return flag[2:], SensePreferNot
	case strings.HasPrefix(flag, "~"):
		return flag[1:], SensePreferred
	case strings.HasPrefix(flag, "!"):
		return flag[1:], SenseDisallowed
	}
	return flag, SenseRequired
}

type scoreKey struct {
	system   Sense
	required Sense
}

// flavorScores maps (system sense, required sense) to a score. Missing
// entries are incompatible.
var flavorScores = map[scoreKey]int{
	{SenseUnspecified, SenseDisallowed}: 0,
	{SenseUnspecified, SensePreferred}:  -1,
	{SenseUnspecified, SensePreferNot}:  1,

	{SenseRequired, SenseRequired}:  2,
	{SenseRequired, SensePreferred}: 1,

	{SenseDisallowed, SenseDisallowed}: 2,
	{SenseDisallowed, SensePreferNot}:  1,

	{SensePreferred, SenseRequired}:  1,
	{SensePreferred, SensePreferred}: 2,
	{SensePreferred, SensePreferNot}: -1,

	{SensePreferNot, SenseRequired}:   -2,
	{SensePreferNot, SenseDisallowed}: 1,
	{SensePreferNot, SensePreferred}:  -1,
	{SensePreferNot, SensePreferNot}:  1,
}

// MergeType decides how conflicting flags are combined.
type MergeType int

const (
	// MergeNormal fails on conflicting strong or weak senses.
	MergeNormal MergeType = iota
	// MergeOverride lets the new sense win.
	MergeOverride
	// MergePrefs turns the new sense into a preference.
	MergePrefs
	// MergeDropConflicts removes conflicting flags.
	MergeDropConflicts
)

// Flag is a named flag with a sense.
type Flag struct {
	Name  string
	Sense Sense
}

func (f Flag) String() string { return f.Sense.prefix() + f.Name }

// Dependency is a single named dependency with flags.
type Dependency struct {
	Name  string
	Flags map[string]Sense
}

// NewDependency creates a dependency.
func NewDependency(name string, flags ...Flag) Dependency {
	d := Dependency{Name: name, Flags: map[string]Sense{}}
	for _, f := range flags {
		d.Flags[f.Name] = f.Sense
	}
	return d
}

// SortedFlags returns the flags ordered by name.
func (d Dependency) SortedFlags() []Flag {
	result := make([]Flag, 0, len(d.Flags))
	for name, sense := range d.Flags {
		result = append(result, Flag{Name: name, Sense: sense})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

func (d Dependency) copy() Dependency {
	flags := make(map[string]Sense, len(d.Flags))
	for k, v := range d.Flags {
		flags[k] = v
	}
	return Dependency{Name: d.Name, Flags: flags}
}

func (d Dependency) Equal(o Dependency) bool {
	if d.Name != o.Name || len(d.Flags) != len(o.Flags) {
		return false
	}
	for k, v := range d.Flags {
		if ov, ok := o.Flags[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

func (d Dependency) String() string {
	if len(d.Flags) == 0 {
		return d.Name
	}
	var parts []string
	for _, f := range d.SortedFlags() {
		parts = append(parts, f.String())
	}
	return d.Name + "(" + strings.Join(parts, " ") + ")"
}

func escapeColon(s string) string { return strings.ReplaceAll(s, ":", "::") }

func (d Dependency) freeze() string {
	var sb strings.Builder
	sb.WriteString(escapeColon(d.Name))
	for _, f := range d.SortedFlags() {
		sb.WriteString(":")
		sb.WriteString(f.Sense.prefix())
		sb.WriteString(escapeColon(f.Name))
	}
	return sb.String()
}

// splitFrozen splits on single colons; "::" is an escaped colon.
func splitFrozen(frz string) []string {
	var parts []string
	var cur strings.Builder
	for i := 0; i < len(frz); i++ {
		if frz[i] == ':' {
			if i+1 < len(frz) && frz[i+1] == ':' {
				cur.WriteByte(':')
				i++
				continue
			}
			parts = append(parts, cur.String())
			cur.Reset()
			continue
		}
		cur.WriteByte(frz[i])
	}
	return append(parts, cur.String())
}

func thawDependency(frz string) Dependency {
	parts := splitFrozen(frz)
	d := Dependency{Name: parts[0], Flags: map[string]Sense{}}
	for _, p := range parts[1:] {
		name, sense := splitSense(p)
		d.Flags[name] = sense
	}
	return d
}

// Score computes how well the receiver (the system) provides required.
// The boolean is false if the two are incompatible.
func (d Dependency) Score(required Dependency) (int, bool) {
	if d.Name != required.Name {
		return 0, false
	}
	score := 0
	for flag, sense := range required.Flags {
		mine, ok := d.Flags[flag]
		if !ok {
			mine = SenseUnspecified
		}
		s, ok := flavorScores[scoreKey{mine, sense}]
		if !ok {
			return 0, false
		}
		score += s
	}
	return score, true
}

// emptyDepsScore scores the dependency against a system that provides
// nothing.
func (d Dependency) emptyDepsScore() (int, bool) {
	if len(d.Flags) == 0 {
		return 0, false
	}
	score := 0
	for _, sense := range d.Flags {
		s, ok := flavorScores[scoreKey{SenseUnspecified, sense}]
		if !ok {
			return 0, false
		}
		score += s
	}
	return score, true
}

func (d Dependency) Satisfies(required Dependency) bool {
	_, ok := d.Score(required)
	return ok
}

func (d Dependency) toStrong() Dependency {
	c := d.copy()
	for k, v := range c.Flags {
		c.Flags[k] = v.strong()
	}
	return c
}

func (d Dependency) intersection(o Dependency, strict bool) (Dependency, bool) {
	result := Dependency{Name: d.Name, Flags: map[string]Sense{}}
	for flag, sense := range o.Flags {
		mine, ok := d.Flags[flag]
		if !ok {
			continue
		}
		if strict {
			if mine == sense {
				result.Flags[flag] = sense
			}
		} else if mine.strong() == sense.strong() {
			result.Flags[flag] = sense.strong()
		}
	}
	if len(result.Flags) == 0 && !d.Equal(Dependency{Name: d.Name, Flags: o.Flags}) {
		return result, false
	}
	return result, true
}

func (d Dependency) difference(o Dependency, strict bool) (Dependency, bool) {
	result := d.copy()
	for flag, sense := range o.Flags {
		mine, ok := result.Flags[flag]
		if !ok {
			continue
		}
		if strict {
			if sense == mine {
				delete(result.Flags, flag)
			}
		} else if sense.strong() == mine.strong() {
			delete(result.Flags, flag)
		}
	}
	return result, len(result.Flags) > 0
}

func (d Dependency) mergeFlags(o Dependency, mergeType MergeType) (Dependency, error) {
	all := d.copy()
	for flag, other := range o.Flags {
		this, ok := all.Flags[flag]
		if mergeType == MergeOverride || !ok {
			all.Flags[flag] = other
			continue
		}
		if this == other {
			continue
		}
		thisStrong, otherStrong := this.isStrong(), other.isStrong()
		if thisStrong == otherStrong {
			switch mergeType {
			case MergeDropConflicts:
				delete(all.Flags, flag)
				continue
			case MergePrefs:
				all.Flags[flag] = other
				continue
			}
			return Dependency{}, errors.Errorf("invalid flag combination in merge: %s%s and %s%s",
				this.prefix(), flag, other.prefix(), flag)
		}
		if mergeType == MergePrefs {
			if thisStrong && other.strong() == this {
				continue
			}
			all.Flags[flag] = other.weak()
			continue
		}
		if otherStrong {
			all.Flags[flag] = other
		}
	}
	return all, nil
}

// ClassTag identifies a dependency class.
type ClassTag int

const (
	ClassAbi       ClassTag = 0
	ClassIs        ClassTag = 1
	ClassOldSoname ClassTag = 2
	ClassFile      ClassTag = 3
	ClassTrove     ClassTag = 4
	ClassUse       ClassTag = 5
	ClassSoname    ClassTag = 6
	ClassUserInfo  ClassTag = 7
	ClassGroupInfo ClassTag = 8
	ClassCIL       ClassTag = 9
	ClassJava      ClassTag = 10
	ClassPython    ClassTag = 11
	ClassPerl      ClassTag = 12
	ClassRuby      ClassTag = 13
	ClassPhp       ClassTag = 14
)

type flagMode int

const (
	noFlags flagMode = iota
	optFlags
	hasFlags
)

type classInfo struct {
	name  string
	flags flagMode
	// justOne classes hold a single dependency.
	justOne bool
	// nameSignificant is false for classes only defined by their flags.
	nameSignificant bool
	// format is nil for classes that can't be parsed from a dep string.
	format *regexp.Regexp
}

const (
	word  = `[.0-9A-Za-z_+-]+`
	ident = `[0-9A-Za-z_-]+`
)

func depFormat(dep string, flag string) *regexp.Regexp {
	dep = strings.ReplaceAll(strings.ReplaceAll(dep, "WORD", word), "IDENT", ident)
	flag = strings.ReplaceAll(flag, "WORD", word)
	return regexp.MustCompile(`^ *(` + dep + `) *(?:\( *((?:` + flag + `)?(?: +(?:` + flag + `))*) *\))? *$`)
}

var classes = map[ClassTag]classInfo{
	ClassAbi:       {name: "abi", flags: hasFlags, nameSignificant: true, format: depFormat("WORD", "WORD")},
	ClassIs:        {name: "is", flags: hasFlags, nameSignificant: true},
	ClassOldSoname: {name: "oldsoname", flags: noFlags, nameSignificant: true},
	ClassFile:      {name: "file", flags: noFlags, nameSignificant: true, format: depFormat("(?:/WORD)+", "WORD")},
	ClassTrove:     {name: "trove", flags: optFlags, nameSignificant: true, format: depFormat("IDENT(?::IDENT)?", "WORD")},
	ClassUse:       {name: "use", flags: optFlags, justOne: true},
	ClassSoname:    {name: "soname", flags: hasFlags, nameSignificant: true, format: depFormat("IDENT(?:/WORD)*/WORD", "WORD")},
	ClassUserInfo:  {name: "userinfo", flags: noFlags, nameSignificant: true, format: depFormat("WORD", "WORD")},
	ClassGroupInfo: {name: "groupinfo", flags: noFlags, nameSignificant: true, format: depFormat("WORD", "WORD")},
	ClassCIL:       {name: "CIL", flags: hasFlags, nameSignificant: true, format: depFormat(`IDENT(?:\.IDENT)*`, `[0-9.]+`)},
	ClassJava:      {name: "java", flags: hasFlags, nameSignificant: true, format: depFormat("WORD", "WORD")},
	ClassPython:    {name: "python", flags: optFlags, nameSignificant: true, format: depFormat("WORD", "WORD")},
	ClassPerl:      {name: "perl", flags: optFlags, nameSignificant: true, format: depFormat("WORD", "WORD")},
	ClassRuby:      {name: "ruby", flags: optFlags, nameSignificant: true, format: depFormat("WORD", "WORD")},
	ClassPhp:       {name: "php", flags: optFlags, nameSignificant: true, format: depFormat("WORD", "WORD")},
}

func (t ClassTag) String() string {
	if info, ok := classes[t]; ok {
		return info.name
	}
	return "class" + strconv.Itoa(int(t))
}

// ClassByName returns the class with the given name. Names are case
// insensitive.
func ClassByName(name string) (ClassTag, bool) {
	for tag, info := range classes {
		if strings.EqualFold(info.name, name) {
			return tag, true
		}
	}
	return 0, false
}

func classScore(tag ClassTag, system, required map[string]Dependency) (int, bool) {
	info := classes[tag]
	score := 0
	for name, req := range required {
		var s int
		var ok bool
		if have, found := system[name]; found {
			s, ok = have.Score(req)
		} else if info.nameSignificant {
			return 0, false
		} else {
			s, ok = req.emptyDepsScore()
		}
		if !ok {
			return 0, false
		}
		score += s
	}
	return score, true
}

func classEmptyScore(tag ClassTag, required map[string]Dependency) (int, bool) {
	if classes[tag].nameSignificant {
		return 0, false
	}
	score := 0
	for _, req := range required {
		s, ok := req.emptyDepsScore()
		if !ok {
			return 0, false
		}
		score += s
	}
	return score, true
}

// Set is a set of dependencies grouped by class. The zero value is an
// empty set.
type Set struct {
	classes map[ClassTag]map[string]Dependency
}

// New returns an empty set.
func New() *Set {
	return &Set{}
}

func (s *Set) ensure(tag ClassTag) map[string]Dependency {
	if s.classes == nil {
		s.classes = map[ClassTag]map[string]Dependency{}
	}
	c, ok := s.classes[tag]
	if !ok {
		c = map[string]Dependency{}
		s.classes[tag] = c
	}
	return c
}

// AddDep adds dep to the class tag, merging the flags of an existing
// dependency with the same name.
func (s *Set) AddDep(tag ClassTag, dep Dependency) error {
	return s.addDep(tag, dep, MergeNormal)
}

// MustAddDep is AddDep for dependencies that can't conflict.
func (s *Set) MustAddDep(tag ClassTag, dep Dependency) {
	if err := s.AddDep(tag, dep); err != nil {
		panic(err)
	}
}

func (s *Set) addDep(tag ClassTag, dep Dependency, mergeType MergeType) error {
	c := s.ensure(tag)
	if existing, ok := c[dep.Name]; ok {
		if existing.Equal(dep) {
			return nil
		}
		merged, err := existing.mergeFlags(dep, mergeType)
		if err != nil {
			return err
		}
		dep = merged
	} else {
		dep = dep.copy()
	}
	c[dep.Name] = dep
	if classes[tag].justOne && len(c) > 1 {
		return errors.Errorf("dependency class %s holds a single dependency", tag)
	}
	return nil
}

// AddEmptyClass marks a class as present without dependencies. For
// flavors this means "is:" or "use:" was given explicitly.
func (s *Set) AddEmptyClass(tag ClassTag) {
	s.ensure(tag)
}

// RemoveDeps removes the named dependencies from a class.
func (s *Set) RemoveDeps(tag ClassTag, names ...string) {
	c := s.classes[tag]
	for _, n := range names {
		delete(c, n)
	}
}

func (s *Set) HasClass(tag ClassTag) bool {
	if s == nil {
		return false
	}
	_, ok := s.classes[tag]
	return ok
}

// Classes returns the present classes in tag order.
func (s *Set) Classes() []ClassTag {
	if s == nil {
		return nil
	}
	result := make([]ClassTag, 0, len(s.classes))
	for tag := range s.classes {
		result = append(result, tag)
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}

// Deps returns the dependencies of a class sorted by name.
func (s *Set) Deps(tag ClassTag) []Dependency {
	if s == nil {
		return nil
	}
	c := s.classes[tag]
	result := make([]Dependency, 0, len(c))
	for _, d := range c {
		result = append(result, d)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

func (s *Set) HasDep(tag ClassTag, name string) bool {
	if s == nil {
		return false
	}
	_, ok := s.classes[tag][name]
	return ok
}

// IsEmpty returns true if the set has no classes at all.
func (s *Set) IsEmpty() bool {
	return s == nil || len(s.classes) == 0
}

// Copy returns a deep copy.
func (s *Set) Copy() *Set {
	c := New()
	if s == nil {
		return c
	}
	for tag, members := range s.classes {
		m := c.ensure(tag)
		for name, d := range members {
			m[name] = d.copy()
		}
	}
	return c
}

// Only returns a copy with just the given classes.
func (s *Set) Only(tags ...ClassTag) *Set {
	c := New()
	for _, tag := range tags {
		if !s.HasClass(tag) {
			continue
		}
		m := c.ensure(tag)
		for name, d := range s.classes[tag] {
			m[name] = d.copy()
		}
	}
	return c
}

// Score rates how well s (the system) provides other (the requirements).
// Empty classes in other are ignored. The boolean is false if s can't
// satisfy other.
func (s *Set) Score(other *Set) (int, bool) {
	score := 0
	if other == nil {
		return 0, true
	}
	for tag, required := range other.classes {
		if len(required) == 0 {
			continue
		}
		var v int
		var ok bool
		if s.HasClass(tag) {
			v, ok = classScore(tag, s.classes[tag], required)
		} else {
			v, ok = classEmptyScore(tag, required)
		}
		if !ok {
			return 0, false
		}
		score += v
	}
	return score, true
}

func (s *Set) Satisfies(other *Set) bool {
	_, ok := s.Score(other)
	return ok
}

// StronglySatisfies compares the strong variants of both sets, so that
// ~foo satisfies foo.
func (s *Set) StronglySatisfies(other *Set) bool {
	return s.ToStrong().Satisfies(other.ToStrong())
}

// ToStrong turns preferences into requirements.
func (s *Set) ToStrong() *Set {
	c := New()
	if s == nil {
		return c
	}
	for tag, members := range s.classes {
		m := c.ensure(tag)
		for name, d := range members {
			m[name] = d.toStrong()
		}
	}
	return c
}

// Union adds all dependencies of other.
func (s *Set) Union(other *Set, mergeType MergeType) error {
	if other == nil {
		return nil
	}
	for _, tag := range other.Classes() {
		s.ensure(tag)
		for _, d := range other.Deps(tag) {
			if err := s.addDep(tag, d, mergeType); err != nil {
				return err
			}
		}
		if mergeType == MergeDropConflicts && classes[tag].justOne {
			for _, d := range s.classes[tag] {
				if len(d.Flags) == 0 {
					delete(s.classes, tag)
				}
			}
		}
	}
	return nil
}

// Intersection keeps the dependencies present in both sets.
func (s *Set) Intersection(other *Set, strict bool) *Set {
	result := New()
	for _, tag := range s.Classes() {
		if !other.HasClass(tag) {
			continue
		}
		found := false
		m := map[string]Dependency{}
		for name, d := range s.classes[tag] {
			o, ok := other.classes[tag][name]
			if !ok {
				continue
			}
			found = true
			if i, ok := d.intersection(o, strict); ok {
				m[name] = i
			} else {
				m[name] = Dependency{Name: name, Flags: map[string]Sense{}}
			}
		}
		if found {
			if result.classes == nil {
				result.classes = map[ClassTag]map[string]Dependency{}
			}
			result.classes[tag] = m
		}
	}
	return result
}

// Difference keeps what is in s but not in other.
func (s *Set) Difference(other *Set, strict bool) *Set {
	result := New()
	for _, tag := range s.Classes() {
		if !other.HasClass(tag) {
			m := result.ensure(tag)
			for name, d := range s.classes[tag] {
				m[name] = d.copy()
			}
			continue
		}
		m := map[string]Dependency{}
		for name, d := range s.classes[tag] {
			o, ok := other.classes[tag][name]
			if !ok {
				m[name] = d.copy()
				continue
			}
			if diff, ok := d.difference(o, strict); ok {
				m[name] = diff
			}
		}
		if len(m) > 0 {
			if result.classes == nil {
				result.classes = map[ClassTag]map[string]Dependency{}
			}
			result.classes[tag] = m
		}
	}
	return result
}

func (s *Set) Equal(other *Set) bool {
	if len(s.Classes()) != len(other.Classes()) {
		return false
	}
	for _, tag := range s.Classes() {
		if !other.HasClass(tag) {
			return false
		}
		mine, theirs := s.classes[tag], other.classes[tag]
		if len(mine) != len(theirs) {
			return false
		}
		for name, d := range mine {
			o, ok := theirs[name]
			if !ok || !d.Equal(o) {
				return false
			}
		}
	}
	return true
}

// IsFlavor returns whether only flavor classes are present.
func (s *Set) IsFlavor() bool {
	for _, tag := range s.Classes() {
		if tag != ClassIs && tag != ClassUse {
			return false
		}
	}
	return true
}

// Freeze returns the canonical serialization: tag#dep|tag#dep.
func (s *Set) Freeze() string {
	var parts []string
	for _, tag := range s.Classes() {
		for _, d := range s.Deps(tag) {
			parts = append(parts, fmt.Sprintf("%d#%s", tag, d.freeze()))
		}
	}
	return strings.Join(parts, "|")
}

// Thaw parses the output of Freeze.
func Thaw(frz string) (*Set, error) {
	s := New()
	if frz == "" {
		return s, nil
	}
	for _, part := range strings.Split(frz, "|") {
		hash := strings.Index(part, "#")
		if hash <= 0 {
			return nil, errs.Parsef("invalid frozen dependency '%s'", part)
		}
		tag, err := strconv.Atoi(part[:hash])
		if err != nil {
			return nil, errs.Parsef("invalid dependency class in '%s'", part)
		}
		if err := s.AddDep(ClassTag(tag), thawDependency(part[hash+1:])); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// MustThaw is like Thaw but panics on error.
func MustThaw(frz string) *Set {
	s, err := Thaw(frz)
	if err != nil {
		panic(err)
	}
	return s
}

func (s *Set) String() string {
	if s.IsFlavor() {
		return FormatFlavor(s)
	}
	var lines []string
	for _, tag := range s.Classes() {
		for _, d := range s.Deps(tag) {
			lines = append(lines, tag.String()+": "+d.String())
		}
	}
	return strings.Join(lines, "\n")
}

var depClauseRegexp = regexp.MustCompile(`^\s*([A-Za-z]+):\s+([^\s(]+(?:\([^)]*\))?)\s*`)

// ParseDep parses dependency strings of the form
// "class: dep[(flags)] class: dep ...".
func ParseDep(str string) (*Set, error) {
	s := New()
	for strings.TrimSpace(str) != "" {
		m := depClauseRegexp.FindStringSubmatch(str)
		if m == nil {
			return nil, errs.Parsef("dependency string starting at '%s' is not valid", str)
		}
		str = str[len(m[0]):]
		tag, ok := ClassByName(m[1])
		if !ok {
			return nil, errs.Parsef("no such dependency class %s", m[1])
		}
		dep, err := parseClassDep(tag, m[2])
		if err != nil {
			return nil, err
		}
		if err := s.AddDep(tag, dep); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// MustParseDep is like ParseDep but panics on error.
func MustParseDep(str string) *Set {
	s, err := ParseDep(str)
	if err != nil {
		panic(err)
	}
	return s
}

func parseClassDep(tag ClassTag, str string) (Dependency, error) {
	info := classes[tag]
	if info.format == nil {
		return Dependency{}, errs.Parsef("invalid dependency class %s", info.name)
	}
	m := info.format.FindStringSubmatch(str)
	if m == nil {
		return Dependency{}, errs.Parsef("invalid %s dependency: '%s'", info.name, str)
	}
	hasParens := strings.Contains(str, "(")
	d := NewDependency(m[1])
	switch {
	case info.flags == noFlags && hasParens:
		return Dependency{}, errs.Parsef("bad %s dependency '%s': flags not allowed", info.name, str)
	case m[2] != "":
		for _, f := range strings.Fields(m[2]) {
			d.Flags[f] = SenseRequired
		}
	case info.flags == hasFlags:
		return Dependency{}, errs.Parsef("bad %s dependency '%s': flags required", info.name, str)
	}
	return d, nil
}
