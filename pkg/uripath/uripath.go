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

// Package uripath maps URLs and labels to relative paths that are valid
// on every filesystem, for cache directories keyed by them.
package uripath

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// Path is a '/' separated path. Every segment is a valid file name:
// characters that some filesystems reject are %-escaped, and segments
// that are empty, end in a dot or are reserved device names get a
// trailing '%'.
type Path string

var reserved = map[string]bool{
	"CON": true, "PRN": true, "AUX": true, "NUL": true,
	"COM1": true, "COM2": true, "COM3": true, "COM4": true, "COM5": true,
	"COM6": true, "COM7": true, "COM8": true, "COM9": true,
	"LPT1": true, "LPT2": true, "LPT3": true, "LPT4": true, "LPT5": true,
	"LPT6": true, "LPT7": true, "LPT8": true, "LPT9": true,
}

func needsEscape(c byte) bool {
	switch c {
	case '%', ':', '+', '*', '?', '"', '<', '>', '|':
		return true
	}
	return c < 0x20
}

func escapeSegment(seg string) string {
	var sb strings.Builder
	for i := 0; i < len(seg); i++ {
		if c := seg[i]; needsEscape(c) {
			fmt.Fprintf(&sb, "%%%02X", c)
		} else {
			sb.WriteByte(c)
		}
	}
	out := sb.String()
	base := strings.ToUpper(out)
	if i := strings.IndexByte(base, '.'); i >= 0 {
		base = base[:i]
	}
	if out == "" || strings.HasSuffix(out, ".") || strings.HasSuffix(out, " ") || reserved[base] {
		out += "%"
	}
	return out
}

// Escape converts a URL, label or file path. Backslashes are treated
// as separators.
func Escape(s string) Path {
	segs := strings.Split(strings.ReplaceAll(s, "\\", "/"), "/")
	for i, seg := range segs {
		segs[i] = escapeSegment(seg)
	}
	return Path(strings.Join(segs, "/"))
}

// URL undoes Escape, except that backslashes stay slashes.
func (p Path) URL() string {
	segs := strings.Split(string(p), "/")
	for i, seg := range segs {
		// Escapes are three characters long, so a trailing '%' is always
		// a marker.
		if strings.HasSuffix(seg, "%") {
			seg = seg[:len(seg)-1]
		}
		if u, err := url.PathUnescape(seg); err == nil {
			seg = u
		}
		segs[i] = seg
	}
	return strings.Join(segs, "/")
}

func (p Path) FilePath() string {
	return filepath.FromSlash(string(p))
}

// Join returns the directory below base for key.
func Join(base, key string) string {
	return filepath.Join(base, Escape(key).FilePath())
}
