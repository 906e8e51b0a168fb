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
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/toitlang/trove/pkg/deps"
	"github.com/toitlang/trove/pkg/streams"
	"github.com/toitlang/trove/pkg/versions"
)

// Tuple names a trove.
type Tuple struct {
	Name    string
	Version versions.Version
	Flavor  *deps.Set
}

// NewTuple is a shorthand constructor; a nil flavor is the empty flavor.
func NewTuple(name string, version versions.Version, flavor *deps.Set) Tuple {
	if flavor == nil {
		flavor = deps.New()
	}
	return Tuple{Name: name, Version: version, Flavor: flavor}
}

func (t Tuple) flavor() *deps.Set {
	if t.Flavor == nil {
		return deps.New()
	}
	return t.Flavor
}

// Key identifies the tuple in maps. Timestamps are not part of the key.
func (t Tuple) Key() string {
	return t.Name + "=" + t.Version.String() + "[" + t.flavor().Freeze() + "]"
}

func (t Tuple) String() string {
	s := t.Name + "=" + t.Version.String()
	if f := t.flavor(); !f.IsEmpty() {
		s += "[" + f.String() + "]"
	}
	return s
}

func (t Tuple) Equal(o Tuple) bool {
	return t.Name == o.Name && t.Version.Equal(o.Version) && t.flavor().Equal(o.flavor())
}

// Less orders tuples by name, then version string, then frozen flavor.
func (t Tuple) Less(o Tuple) bool {
	if t.Name != o.Name {
		return t.Name < o.Name
	}
	if vs, os := t.Version.String(), o.Version.String(); vs != os {
		return vs < os
	}
	return t.flavor().Freeze() < o.flavor().Freeze()
}

// IsComponent returns whether the name has the form pkg:component.
func IsComponent(name string) bool {
	return strings.Contains(name, ":")
}

// PackageName strips the component suffix.
func PackageName(name string) string {
	if i := strings.Index(name, ":"); i >= 0 {
		return name[:i]
	}
	return name
}

// SortTuples sorts in place with Tuple.Less.
func SortTuples(tuples []Tuple) {
	sort.Slice(tuples, func(i, j int) bool { return tuples[i].Less(tuples[j]) })
}

func appendTuple(buf []byte, t Tuple, skip streams.SkipSet) []byte {
	vs := &versions.Stream{V: t.Version}
	buf = streams.AppendLV(buf, []byte(t.Name))
	buf = streams.AppendLV(buf, vs.Freeze(skip))
	return streams.AppendLV(buf, []byte(t.flavor().Freeze()))
}

func readTuple(data []byte) (Tuple, []byte, error) {
	name, rest, err := streams.ReadLV(data)
	if err != nil {
		return Tuple{}, nil, err
	}
	ver, rest, err := streams.ReadLV(rest)
	if err != nil {
		return Tuple{}, nil, err
	}
	flv, rest, err := streams.ReadLV(rest)
	if err != nil {
		return Tuple{}, nil, err
	}
	var vs versions.Stream
	if err := vs.Thaw(ver); err != nil {
		return Tuple{}, nil, err
	}
	f, err := deps.Thaw(string(flv))
	if err != nil {
		return Tuple{}, nil, err
	}
	return Tuple{Name: string(name), Version: vs.V, Flavor: f}, rest, nil
}

// TupleList is an ordered list of trove tuples.
type TupleList struct {
	tuples []Tuple
}

func (l *TupleList) Get() []Tuple   { return append([]Tuple(nil), l.tuples...) }
func (l *TupleList) Set(ts []Tuple) { l.tuples = append([]Tuple(nil), ts...) }
func (l *TupleList) Add(t Tuple)    { l.tuples = append(l.tuples, t) }
func (l *TupleList) Len() int       { return len(l.tuples) }

func (l *TupleList) Freeze(skip streams.SkipSet) []byte {
	var buf []byte
	for _, t := range l.tuples {
		buf = streams.AppendField(buf, 1, streams.Large, appendTuple(nil, t, skip))
	}
	return buf
}

func (l *TupleList) Thaw(frz []byte) error {
	l.tuples = nil
	return streams.SplitFields(frz, func(tag byte, _ bool, payload []byte) error {
		if tag != 1 {
			return nil
		}
		t, rest, err := readTuple(payload)
		if err != nil {
			return err
		}
		if len(rest) != 0 {
			return errors.New("trailing data in trove tuple")
		}
		l.tuples = append(l.tuples, t)
		return nil
	})
}

func (l *TupleList) Diff(them streams.Stream) []byte { return absoluteDiff(l, them) }
func (l *TupleList) Twm(diff []byte, base streams.Stream) (bool, error) {
	return absoluteTwm(l, diff, base)
}
func (l *TupleList) Equal(them streams.Stream) bool { return frozenEqual(l, them) }
