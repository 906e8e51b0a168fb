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

package uripath

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEscape(t *testing.T) {
	tests := [][]string{
		{"github.com/foo/bar", "github.com/foo/bar"},
		{"github.com/foo/bar+gee", "github.com/foo/bar%2Bgee"},
		{"github.com/foo/bar_gee", "github.com/foo/bar_gee"},
		{"github.com/foo%/xx", "github.com/foo%25/xx"},
		{"c:\\github\\foo", "c%3A/github/foo"},
		{"", "%"},
		{"con/prn", "con%/prn%"},
		{"CON/nul.txt", "CON%/nul.txt%"},
		{"foo/bar/gee./toto", "foo/bar/gee.%/toto"},
		{"example.com@rpl:linux", "example.com@rpl%3Alinux"},
		{"what?*", "what%3F%2A"},
	}
	for _, test := range tests {
		t.Run(test[0], func(t *testing.T) {
			in := test[0]
			actual := Escape(in)
			assert.Equal(t, test[1], string(actual))
			assert.Equal(t, strings.ReplaceAll(in, "\\", "/"), actual.URL())
		})
	}
}

func TestJoin(t *testing.T) {
	assert.Equal(t, filepath.Join("cache", "example.com", "x%3Ay"), Join("cache", "example.com/x:y"))
}
