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
	"runtime"

	"github.com/pkg/errors"
)

// Arch describes a major architecture and its sub-architecture flags.
type Arch struct {
	Name string
	// SubArches are flags of the instruction set dependency, ordered from
	// the most basic to the most capable.
	SubArches []string
	// Compatible lists the major architectures this one can also run.
	Compatible []string
}

var arches = []Arch{
	{Name: "x86", SubArches: []string{"i486", "i586", "i686", "cmov", "mmx", "sse", "sse2"}},
	{Name: "x86_64", SubArches: []string{"sse2", "nx"}, Compatible: []string{"x86"}},
	{Name: "ppc", SubArches: []string{"altivec"}},
	{Name: "ppc64", SubArches: []string{"altivec"}, Compatible: []string{"ppc"}},
	{Name: "s390"},
	{Name: "s390x", Compatible: []string{"s390"}},
	{Name: "ia64"},
	{Name: "sparc", SubArches: []string{"sparcv8", "sparcv9"}},
	{Name: "sparc64", SubArches: []string{"sparcv9"}, Compatible: []string{"sparc"}},
}

// LookupArch returns the architecture with the given name.
func LookupArch(name string) (Arch, bool) {
	for _, a := range arches {
		if a.Name == name {
			return a, true
		}
	}
	return Arch{}, false
}

// Arches returns all known architectures.
func Arches() []Arch {
	return append([]Arch(nil), arches...)
}

// CurrentArch maps the running platform to an architecture name.
func CurrentArch() string {
	switch runtime.GOARCH {
	case "386":
		return "x86"
	case "amd64":
		return "x86_64"
	case "ppc64", "ppc64le":
		return "ppc64"
	case "s390x":
		return "s390x"
	}
	return runtime.GOARCH
}

func (a Arch) dependency() Dependency {
	d := NewDependency(a.Name)
	for _, sub := range a.SubArches {
		d.Flags[sub] = SenseRequired
	}
	return d
}

// SystemFlavor returns the flavor a machine of the given architecture
// provides: the architecture with all its sub-architectures, plus every
// compatible architecture.
func SystemFlavor(name string) (*Set, error) {
	a, ok := LookupArch(name)
	if !ok {
		return nil, errors.Errorf("unknown architecture '%s'", name)
	}
	s := New()
	s.MustAddDep(ClassIs, a.dependency())
	for _, c := range a.Compatible {
		compat, _ := LookupArch(c)
		s.MustAddDep(ClassIs, compat.dependency())
	}
	return s, nil
}

// FlavorPreferences returns the preferred instruction sets for name, the
// native one first.
func FlavorPreferences(name string) ([]*Set, error) {
	a, ok := LookupArch(name)
	if !ok {
		return nil, errors.Errorf("unknown architecture '%s'", name)
	}
	result := []*Set{archFlavor(a.Name)}
	for _, c := range a.Compatible {
		result = append(result, archFlavor(c))
	}
	return result, nil
}

func archFlavor(name string) *Set {
	s := New()
	s.MustAddDep(ClassIs, NewDependency(name))
	return s
}
