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

// Package patch creates and applies unified diffs of config files.
package patch

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/pmezard/go-difflib/difflib"
)

const noNewline = "\\ No newline at end of file\n"

// Context is the number of context lines around each hunk.
const Context = 3

// Lines splits data into lines that keep their trailing newline.
func Lines(data []byte) []string {
	if len(data) == 0 {
		return nil
	}
	lines := strings.SplitAfter(string(data), "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// Join concatenates lines as produced by Lines.
func Join(lines []string) []byte {
	var buf bytes.Buffer
	for _, l := range lines {
		buf.WriteString(l)
	}
	return buf.Bytes()
}

// UseDiff reports whether the transition from old to new can be sent as
// a diff. Diffs lose a missing trailing newline, and two empty files
// have nothing to diff.
func UseDiff(old, new []byte) bool {
	if len(old) == 0 && len(new) == 0 {
		return false
	}
	endsOK := func(b []byte) bool { return len(b) == 0 || b[len(b)-1] == '\n' }
	return endsOK(old) && endsOK(new)
}

// Diff returns the hunks that turn old into new, without the file
// header lines.
func Diff(old, new []string) ([]string, error) {
	var buf bytes.Buffer
	err := difflib.WriteUnifiedDiff(&buf, difflib.UnifiedDiff{
		A:        old,
		B:        new,
		FromFile: "old",
		ToFile:   "new",
		Context:  Context,
	})
	if err != nil {
		return nil, err
	}
	lines := Lines(buf.Bytes())
	if len(lines) < 2 {
		return nil, nil
	}
	var result []string
	for _, l := range lines[2:] {
		if !strings.HasSuffix(l, "\n") {
			result = append(result, l+"\n", noNewline)
			continue
		}
		result = append(result, l)
	}
	return result, nil
}

// DiffBytes is Diff on whole file contents.
func DiffBytes(old, new []byte) ([]byte, error) {
	lines, err := Diff(Lines(old), Lines(new))
	if err != nil {
		return nil, err
	}
	return Join(lines), nil
}

// Hunk is one "@@" section of a unified diff.
type Hunk struct {
	FromStart int
	FromLen   int
	ToStart   int
	ToLen     int
	Lines     []string

	contextCount int
}

func (h *Hunk) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "@@ -%d,%d +%d,%d @@\n", h.FromStart+1, h.FromLen, h.ToStart+1, h.ToLen)
	for _, l := range h.Lines {
		sb.WriteString(l)
		if !strings.HasSuffix(l, "\n") {
			sb.WriteString("\n" + noNewline)
		}
	}
	return sb.String()
}

func parseRange(str string, prefix byte) (start, length int, err error) {
	if len(str) < 2 || str[0] != prefix {
		return 0, 0, errors.Errorf("bad hunk range '%s'", str)
	}
	parts := strings.SplitN(str[1:], ",", 2)
	start, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, errors.Wrapf(err, "bad hunk range '%s'", str)
	}
	length = 1
	if len(parts) == 2 {
		if length, err = strconv.Atoi(parts[1]); err != nil {
			return 0, 0, errors.Wrapf(err, "bad hunk range '%s'", str)
		}
	}
	// An empty range names the line after which to insert.
	if length > 0 {
		start--
	}
	return start, length, nil
}

// Parse splits a unified diff (without file headers) into hunks.
func Parse(diff []string) ([]*Hunk, error) {
	var hunks []*Hunk
	for i := 0; i < len(diff); {
		fields := strings.Fields(diff[i])
		if len(fields) < 4 || fields[0] != "@@" || fields[3] != "@@" {
			return nil, errors.Errorf("bad hunk header '%s'", strings.TrimSpace(diff[i]))
		}
		h := &Hunk{}
		var err error
		if h.FromStart, h.FromLen, err = parseRange(fields[1], '-'); err != nil {
			return nil, err
		}
		if h.ToStart, h.ToLen, err = parseRange(fields[2], '+'); err != nil {
			return nil, err
		}
		fromCount, toCount := 0, 0
		for i++; i < len(diff) && !strings.HasPrefix(diff[i], "@"); i++ {
			line := diff[i]
			switch {
			case line == noNewline:
				if len(h.Lines) == 0 {
					return nil, errors.New("bad hunk: dangling newline marker")
				}
				last := h.Lines[len(h.Lines)-1]
				h.Lines[len(h.Lines)-1] = strings.TrimSuffix(last, "\n")
				continue
			case strings.HasPrefix(line, " "):
				fromCount++
				toCount++
				h.contextCount++
			case strings.HasPrefix(line, "-"):
				fromCount++
			case strings.HasPrefix(line, "+"):
				toCount++
			default:
				return nil, errors.Errorf("bad hunk line '%s'", strings.TrimSpace(line))
			}
			h.Lines = append(h.Lines, line)
		}
		if fromCount != h.FromLen || toCount != h.ToLen {
			return nil, errors.Errorf("bad hunk: line counts don't match header %s", strings.Join(fields[:4], " "))
		}
		hunks = append(hunks, h)
	}
	return hunks, nil
}

// apply returns the lines resulting from the hunk at src[at:].
func (h *Hunk) apply(src []string, at int) []string {
	var result []string
	from := at
	for _, line := range h.Lines {
		switch line[0] {
		case ' ':
			if from >= len(src) {
				continue
			}
			result = append(result, src[from])
			from++
		case '+':
			result = append(result, line[1:])
		case '-':
			from++
		}
	}
	return result
}

// conflicts counts the lines of the hunk that don't match src at the
// given position. It returns -1 if the hunk is already applied there.
func (h *Hunk) conflicts(src []string, at int) int {
	count := 0
	pos := at
	for _, line := range h.Lines {
		switch line[0] {
		case ' ':
			if pos >= len(src) || pos < 0 || src[pos] != line[1:] {
				count++
			}
			pos++
		case '-':
			// Removed lines must match exactly.
			if pos >= len(src) || pos < 0 || src[pos] != line[1:] {
				count = len(h.Lines)
			}
			pos++
		}
	}
	if count == 0 {
		return 0
	}
	pos = at
	for _, line := range h.Lines {
		if line[0] == '-' {
			continue
		}
		if pos < 0 || pos >= len(src) || src[pos] != line[1:] {
			return count
		}
		pos++
	}
	return -1
}

// Apply patches old with diff. Hunks that don't apply within the fuzz
// allowed by their context are returned as rejected; the result then
// only contains the hunks that applied.
func Apply(old []string, diff []string) ([]string, []*Hunk, error) {
	hunks, err := Parse(diff)
	if err != nil {
		return nil, nil, err
	}
	var result []string
	var rejected []*Hunk
	from, offset := 0, 0
	for _, h := range hunks {
		start := h.FromStart + offset
		best, bestOffset := h.conflicts(old, start), 0
		for i := 1; best > 0; i++ {
			tried := false
			if start-i >= 0 {
				tried = true
				if c := h.conflicts(old, start-i); c < best {
					best, bestOffset = c, -i
				}
				if best == 0 {
					break
				}
			}
			if start+i <= len(old)-h.FromLen {
				tried = true
				if c := h.conflicts(old, start+i); c < best {
					best, bestOffset = c, i
				}
			}
			if !tried {
				break
			}
		}
		if best == -1 {
			continue
		}
		if best > 0 && h.contextCount-best < 2 {
			rejected = append(rejected, h)
			continue
		}
		offset += bestOffset
		start += bestOffset
		for ; from < start && from < len(old); from++ {
			result = append(result, old[from])
		}
		result = append(result, h.apply(old, start)...)
		from += h.FromLen
	}
	for ; from < len(old); from++ {
		result = append(result, old[from])
	}
	return result, rejected, nil
}

// ApplyBytes patches whole file contents and fails on any rejected hunk.
func ApplyBytes(old, diff []byte) ([]byte, error) {
	result, rejected, err := Apply(Lines(old), Lines(diff))
	if err != nil {
		return nil, err
	}
	if len(rejected) > 0 {
		return nil, &RejectedError{Hunks: rejected}
	}
	return Join(result), nil
}

// Reverse turns a diff from old to new into one from new to old.
func Reverse(diff []string) []string {
	result := make([]string, 0, len(diff))
	for _, line := range diff {
		switch {
		case strings.HasPrefix(line, "+"):
			result = append(result, "-"+line[1:])
		case strings.HasPrefix(line, "-"):
			result = append(result, "+"+line[1:])
		case strings.HasPrefix(line, "@"):
			f := strings.Fields(line)
			if len(f) < 4 {
				result = append(result, line)
				continue
			}
			result = append(result, strings.Join([]string{f[0], "-" + f[2][1:], "+" + f[1][1:], f[3]}, " ")+"\n")
		default:
			result = append(result, line)
		}
	}
	return result
}

// RejectedError reports hunks that could not be applied.
type RejectedError struct {
	Hunks []*Hunk
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%d hunk(s) could not be applied", len(e.Hunks))
}

// WriteRejects writes rejected hunks in unified diff format.
func WriteRejects(w io.Writer, hunks []*Hunk, oldName, newName string) error {
	if _, err := fmt.Fprintf(w, "--- %s\n+++ %s\n", oldName, newName); err != nil {
		return err
	}
	for _, h := range hunks {
		if _, err := io.WriteString(w, h.String()); err != nil {
			return err
		}
	}
	return nil
}
