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

package versions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/toitlang/trove/pkg/streams"
)

func TestParseLabel(t *testing.T) {
	l, err := ParseLabel("lhost@rpl:linux")
	require.NoError(t, err)
	assert.Equal(t, Label{Host: "lhost", Namespace: "rpl", Tag: "linux"}, l)
	assert.Equal(t, "lhost@rpl:linux", l.String())

	invalid := []string{
		"",
		"lhost",
		"lhost@rpl",
		"@rpl:linux",
		"lhost@rpl:",
		"lh ost@rpl:linux",
	}
	for _, str := range invalid {
		_, err := ParseLabel(str)
		assert.Error(t, err, str)
	}
}

func TestParseVersion(t *testing.T) {
	tests := []string{
		"/lhost@rpl:linux/1.0-1-1",
		"/lhost@rpl:linux/1.0-1",
		"/lhost@rpl:linux",
		"/lhost@rpl:linux//shadow@rpl:1/1.0-1.1-1",
		"/lhost@rpl:linux/1.0-1-1/branch@rpl:1/2.0-1-1",
	}
	for _, str := range tests {
		t.Run(str, func(t *testing.T) {
			v, err := Parse(str)
			require.NoError(t, err)
			assert.Equal(t, str, v.String())
		})
	}

	invalid := []string{
		"lhost@rpl:linux/1.0-1-1",
		"/1.0-1-1",
		"/lhost@rpl:linux/1.0",
		"/lhost@rpl:linux/1.0-1-1/2.0-1-1",
		"/lhost@rpl:linux//",
		"/lhost@rpl:linux/1.0-a-1",
	}
	for _, str := range invalid {
		_, err := Parse(str)
		assert.Error(t, err, str)
	}
}

func TestFrozen(t *testing.T) {
	v := MustParse("/lhost@rpl:linux/1.0-1-1").WithTimestamp(1234.5)
	assert.Equal(t, "/lhost@rpl:linux/1234.500:1.0-1-1", v.Freeze())

	thawed, err := Thaw(v.Freeze())
	require.NoError(t, err)
	assert.Equal(t, 1234.5, thawed.Timestamp())
	assert.True(t, v.Equal(thawed))
}

func TestVersionOperations(t *testing.T) {
	v := MustParse("/lhost@rpl:linux/1.0-1-1")
	assert.Equal(t, "1.0-1-1", v.TrailingRevision().String())
	assert.Equal(t, "lhost@rpl:linux", v.TrailingLabel().String())
	assert.Equal(t, "/lhost@rpl:linux", v.Branch().String())
	assert.True(t, v.Branch().IsBranch())
	assert.False(t, v.IsShadow())
	assert.False(t, v.HasParentVersion())
	assert.True(t, v.OnBranch(MustParse("/lhost@rpl:linux")))

	shadow := v.CreateShadow(MustParseLabel("lhost@rpl:shadow"))
	assert.Equal(t, "/lhost@rpl:linux//lhost@rpl:shadow/1.0-1-1", shadow.String())
	assert.True(t, shadow.IsShadow())
	assert.Equal(t, 1, shadow.ShadowLength())
	assert.True(t, shadow.HasParentVersion())
	assert.Equal(t, v.String(), shadow.ParentVersion().String())

	modified := MustParse("/lhost@rpl:linux//lhost@rpl:shadow/1.0-1.1-1")
	assert.False(t, modified.HasParentVersion())

	local := v.CreateShadow(LocalLabel)
	assert.True(t, local.IsOnLocalHost())
	assert.False(t, v.IsOnLocalHost())
}

func TestCompare(t *testing.T) {
	older := MustParse("/lhost@rpl:linux/1.0-1-1").WithTimestamp(1)
	newer := MustParse("/lhost@rpl:linux/0.9-1-1").WithTimestamp(2)
	assert.True(t, newer.IsAfter(older))
	assert.Equal(t, -1, older.Compare(newer))
	assert.Equal(t, 0, older.Compare(older))
}

func TestStream(t *testing.T) {
	v := MustParse("/lhost@rpl:linux/1.0-1-1").WithTimestamp(10)
	s := &Stream{V: v}
	assert.Equal(t, []byte("/lhost@rpl:linux/1.0-1-1"), s.Freeze(streams.SkipSet{SkipTimestamps: true}))

	var o Stream
	require.NoError(t, o.Thaw(s.Freeze(nil)))
	assert.True(t, s.Equal(&o))
	assert.Nil(t, s.Diff(&o))

	n := &Stream{V: MustParse("/lhost@rpl:linux/1.1-1-1").WithTimestamp(11)}
	conflict, err := o.Twm(n.Diff(s), s)
	require.NoError(t, err)
	assert.False(t, conflict)
	assert.True(t, o.Equal(n))
}
