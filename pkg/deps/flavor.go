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

package deps

import (
	"sort"
	"strings"

	"github.com/toitlang/trove/pkg/errs"
)

// UseName is the name of the single dependency of the use class.
const UseName = "use"

func parseFlags(str string) ([]Flag, error) {
	var result []Flag
	for _, f := range strings.Split(str, ",") {
		name, sense := splitSense(f)
		if name == "" {
			return nil, errs.Parsef("empty flag in '%s'", str)
		}
		result = append(result, Flag{Name: name, Sense: sense})
	}
	return result, nil
}

// ParseFlavor parses "[use:][flag,...] [is: arch[(flag,...)] ...]".
func ParseFlavor(str string) (*Set, error) {
	s := New()
	str = strings.TrimSpace(str)
	usePart, isPart, hasIs := str, "", false
	if i := indexIs(str); i >= 0 {
		usePart = strings.TrimSpace(str[:i])
		isPart = strings.TrimSpace(str[i+len("is:"):])
		hasIs = true
	}

	explicitUse := false
	if strings.HasPrefix(usePart, "use:") {
		usePart = strings.TrimSpace(usePart[len("use:"):])
		explicitUse = true
	}
	if usePart != "" {
		if strings.ContainsAny(usePart, " ()") {
			return nil, errs.Parsef("invalid flavor '%s'", str)
		}
		flags, err := parseFlags(usePart)
		if err != nil {
			return nil, err
		}
		if err := s.AddDep(ClassUse, NewDependency(UseName, flags...)); err != nil {
			return nil, err
		}
	} else if explicitUse {
		s.AddEmptyClass(ClassUse)
	}

	if hasIs {
		if isPart == "" {
			s.AddEmptyClass(ClassIs)
			return s, nil
		}
		for isPart != "" {
			end := strings.IndexAny(isPart, " (")
			if end < 0 {
				end = len(isPart)
			}
			name := isPart[:end]
			rest := isPart[end:]
			var flags []Flag
			if strings.HasPrefix(rest, "(") {
				closing := strings.Index(rest, ")")
				if closing < 0 {
					return nil, errs.Parsef("unterminated flags in flavor '%s'", str)
				}
				var err error
				if flags, err = parseFlags(rest[1:closing]); err != nil {
					return nil, err
				}
				rest = rest[closing+1:]
			}
			if name == "" || strings.ContainsAny(name, ",)~!") {
				return nil, errs.Parsef("invalid instruction set in flavor '%s'", str)
			}
			if err := s.AddDep(ClassIs, NewDependency(name, flags...)); err != nil {
				return nil, err
			}
			isPart = strings.TrimSpace(rest)
		}
	}
	return s, nil
}

// indexIs finds the "is:" keyword at a word boundary.
func indexIs(str string) int {
	for i := 0; i+3 <= len(str); i++ {
		if str[i:i+3] == "is:" && (i == 0 || str[i-1] == ' ') {
			return i
		}
	}
	return -1
}

// MustParseFlavor is like ParseFlavor but panics on error.
func MustParseFlavor(str string) *Set {
	s, err := ParseFlavor(str)
	if err != nil {
		panic(err)
	}
	return s
}

func formatClass(deps []Dependency) string {
	var parts []string
	for _, d := range deps {
		if len(d.Flags) == 0 {
			parts = append(parts, d.Name)
			continue
		}
		var flags []string
		for _, f := range d.SortedFlags() {
			flags = append(flags, f.String())
		}
		parts = append(parts, d.Name+"("+strings.Join(flags, ",")+")")
	}
	sort.Strings(parts)
	return strings.Join(parts, " ")
}

// FormatFlavor returns a string ParseFlavor accepts.
func FormatFlavor(s *Set) string {
	var use string
	if deps := s.Deps(ClassUse); len(deps) > 0 {
		var flags []string
		for _, f := range deps[0].SortedFlags() {
			flags = append(flags, f.String())
		}
		use = strings.Join(flags, ",")
	}
	is := formatClass(s.Deps(ClassIs))
	switch {
	case is != "" && use != "":
		return use + " is: " + is
	case is != "":
		return "is: " + is
	}
	return use
}

// OverrideFlavor applies a user supplied flavor on top of old. Use flags
// of the new flavor win; if it names instruction sets, only those remain.
func OverrideFlavor(old, override *Set, mergeType MergeType) (*Set, error) {
	flavor := old.Copy()
	if flavor.HasClass(ClassIs) && override.HasClass(ClassIs) {
		var drop []string
		for _, d := range old.Deps(ClassIs) {
			if !override.HasDep(ClassIs, d.Name) {
				drop = append(drop, d.Name)
			}
		}
		flavor.RemoveDeps(ClassIs, drop...)
	}
	if err := flavor.Union(override, mergeType); err != nil {
		return nil, err
	}
	return flavor, nil
}

// MergeFlavor fills the instruction set or use flags that flavor doesn't
// specify from base.
func MergeFlavor(flavor, base *Set) *Set {
	if flavor == nil {
		return base
	}
	if base.IsEmpty() {
		return flavor
	}
	needsIs := !flavor.HasClass(ClassIs)
	needsUse := !flavor.HasClass(ClassUse)
	if !needsIs && !needsUse {
		return flavor
	}
	merged := flavor.Copy()
	if needsIs {
		for _, d := range base.Deps(ClassIs) {
			merged.MustAddDep(ClassIs, d)
		}
	}
	if needsUse {
		for _, d := range base.Deps(ClassUse) {
			merged.MustAddDep(ClassUse, d)
		}
	}
	return merged
}

// FlavorDifferences returns, for each flavor, the part that is not common
// to all of them.
func FlavorDifferences(flavors []*Set, strict bool) []*Set {
	if len(flavors) == 0 {
		return nil
	}
	common := flavors[0].Copy()
	for _, f := range flavors[1:] {
		common = common.Intersection(f, strict)
	}
	result := make([]*Set, len(flavors))
	for i, f := range flavors {
		result[i] = f.Difference(common, strict)
	}
	return result
}

// InstructionSets returns just the "is" part of a flavor.
func (s *Set) InstructionSets() *Set {
	return s.Only(ClassIs)
}
