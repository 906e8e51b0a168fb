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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlavor(t *testing.T) {
	tests := [][]string{
		// input, formatted.
		{"ssl", "ssl"},
		{"~!readline,ssl", "~!readline,ssl"},
		{"is: x86", "is: x86"},
		{"is: x86_64 x86(~sse2,i686)", "is: x86(i686,~sse2) x86_64"},
		{"ssl,!krb is: x86(i686)", "!krb,ssl is: x86(i686)"},
		{"use: ssl", "ssl"},
		{"", ""},
	}
	for _, test := range tests {
		t.Run(test[0], func(t *testing.T) {
			f, err := ParseFlavor(test[0])
			require.NoError(t, err)
			assert.Equal(t, test[1], FormatFlavor(f))
			assert.Equal(t, test[1], f.String())
		})
	}

	f := MustParseFlavor("is:")
	assert.True(t, f.HasClass(ClassIs))
	assert.Empty(t, f.Deps(ClassIs))

	invalid := []string{
		"is: x86(i686",
		"ssl,,krb",
		"foo bar",
	}
	for _, str := range invalid {
		_, err := ParseFlavor(str)
		assert.Error(t, err, str)
	}
}

func TestFreezeThaw(t *testing.T) {
	s := MustParseDep("trove: foo:runtime soname: ELF32/libc.so.6(SysV x86) file: /bin/sh")
	frz := s.Freeze()
	assert.Equal(t, "3#/bin/sh|4#foo::runtime|6#ELF32/libc.so.6:SysV:x86", frz)

	thawed, err := Thaw(frz)
	require.NoError(t, err)
	assert.True(t, s.Equal(thawed))
	assert.Equal(t, "foo:runtime", thawed.Deps(ClassTrove)[0].Name)

	f := MustParseFlavor("~!readline,ssl is: x86(~sse2)")
	thawed, err = Thaw(f.Freeze())
	require.NoError(t, err)
	assert.True(t, f.Equal(thawed))
}

func TestParseDepErrors(t *testing.T) {
	invalid := []string{
		"soname: ELF32/libc.so.6",
		"file: /bin/sh(flag)",
		"unknown: foo",
		"is: x86",
		"trove foo",
	}
	for _, str := range invalid {
		_, err := ParseDep(str)
		assert.Error(t, err, str)
	}
}

func TestScore(t *testing.T) {
	tests := []struct {
		system   string
		required string
		ok       bool
		score    int
	}{
		{"ssl", "ssl", true, 2},
		{"ssl", "~ssl", true, 1},
		{"ssl", "!ssl", false, 0},
		{"~ssl", "ssl", true, 1},
		{"~!ssl", "ssl", true, -2},
		{"!ssl", "ssl", false, 0},
		{"", "~!ssl", true, 1},
		{"", "ssl", false, 0},
		{"", "!ssl", true, 0},
		{"ssl,krb", "ssl,krb", true, 4},
		{"is: x86 x86_64", "is: x86", true, 0},
		{"is: x86", "is: x86_64", false, 0},
		{"is: x86(i686)", "is: x86(i686)", true, 2},
		{"is: x86", "is: x86(i686)", false, 0},
		{"is: x86", "", true, 0},
		{"ssl", "is:", true, 0},
	}
	for _, test := range tests {
		system := MustParseFlavor(test.system)
		required := MustParseFlavor(test.required)
		score, ok := system.Score(required)
		assert.Equal(t, test.ok, ok, "%s vs %s", test.system, test.required)
		if test.ok {
			assert.Equal(t, test.score, score, "%s vs %s", test.system, test.required)
		}
		assert.Equal(t, test.ok, system.Satisfies(required))
	}
}

func TestStronglySatisfies(t *testing.T) {
	installed := MustParseFlavor("~ssl")
	assert.True(t, installed.StronglySatisfies(MustParseFlavor("ssl")))
	assert.False(t, MustParseFlavor("~!ssl").StronglySatisfies(MustParseFlavor("ssl")))
	assert.Equal(t, "ssl", MustParseFlavor("~ssl").ToStrong().String())
	assert.Equal(t, "!ssl", MustParseFlavor("~!ssl").ToStrong().String())
}

func TestSetOperations(t *testing.T) {
	a := MustParseFlavor("ssl,krb,~readline is: x86")
	b := MustParseFlavor("ssl,!krb is: x86 x86_64")

	assert.Equal(t, "ssl is: x86", a.Intersection(b, true).String())
	assert.Equal(t, "krb,~readline", a.Difference(b, true).String())

	u := a.Copy()
	assert.Error(t, u.Union(b, MergeNormal))

	u = a.Copy()
	require.NoError(t, u.Union(b, MergeOverride))
	assert.Equal(t, "!krb,~readline,ssl is: x86 x86_64", u.String())

	u = a.Copy()
	require.NoError(t, u.Union(b, MergeDropConflicts))
	assert.Equal(t, "~readline,ssl is: x86 x86_64", u.String())

	u = a.Copy()
	require.NoError(t, u.Union(MustParseFlavor("~!readline"), MergePrefs))
	assert.Equal(t, "krb,~!readline,ssl is: x86", u.String())

	u = MustParseFlavor("~ssl")
	require.NoError(t, u.Union(MustParseFlavor("ssl"), MergeNormal))
	assert.Equal(t, "ssl", u.String())
}

func TestOverrideAndMerge(t *testing.T) {
	old := MustParseFlavor("ssl is: x86 x86_64")
	o, err := OverrideFlavor(old, MustParseFlavor("!ssl is: x86_64"), MergeOverride)
	require.NoError(t, err)
	assert.Equal(t, "!ssl is: x86_64", o.String())

	merged := MergeFlavor(MustParseFlavor("krb"), MustParseFlavor("ssl is: x86"))
	assert.Equal(t, "krb is: x86", merged.String())
	merged = MergeFlavor(MustParseFlavor("is: x86_64"), MustParseFlavor("ssl is: x86"))
	assert.Equal(t, "ssl is: x86_64", merged.String())
}

func TestFlavorDifferences(t *testing.T) {
	diffs := FlavorDifferences([]*Set{
		MustParseFlavor("ssl,krb is: x86"),
		MustParseFlavor("ssl,!krb is: x86"),
	}, true)
	assert.Equal(t, "krb", diffs[0].String())
	assert.Equal(t, "!krb", diffs[1].String())
}

func TestArch(t *testing.T) {
	s, err := SystemFlavor("x86_64")
	require.NoError(t, err)
	assert.True(t, s.Satisfies(MustParseFlavor("is: x86(i686)")))
	assert.True(t, s.Satisfies(MustParseFlavor("is: x86_64")))
	assert.False(t, s.Satisfies(MustParseFlavor("is: ppc")))

	prefs, err := FlavorPreferences("x86_64")
	require.NoError(t, err)
	require.Len(t, prefs, 2)
	assert.Equal(t, "is: x86_64", prefs[0].String())
	assert.Equal(t, "is: x86", prefs[1].String())

	_, err = SystemFlavor("vax")
	assert.Error(t, err)
}

func TestStream(t *testing.T) {
	s := &Stream{S: MustParseFlavor("ssl")}
	var o Stream
	require.NoError(t, o.Thaw(s.Freeze(nil)))
	assert.True(t, s.Equal(&o))
	assert.Nil(t, s.Diff(&o))

	empty := &Stream{}
	d := empty.Diff(s)
	assert.NotNil(t, d)
	assert.Empty(t, d)
	conflict, err := o.Twm(d, s)
	require.NoError(t, err)
	assert.False(t, conflict)
	assert.True(t, o.Get().IsEmpty())
}
