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

package commands

import (
	"fmt"
	"io"
	"sync"

	"github.com/alessio/shellescape"
	"github.com/toitlang/trove/pkg/files"
)

// scriptJournal records the privileged operations of an unprivileged
// install as a shell script that can be replayed as root.
type scriptJournal struct {
	mu  sync.Mutex
	w   io.Writer
	err error
}

var _ files.Journal = (*scriptJournal)(nil)

func newScriptJournal(w io.Writer) *scriptJournal {
	j := &scriptJournal{w: w}
	_, j.err = fmt.Fprint(w, "#!/bin/sh\nset -e\n")
	return j
}

func (j *scriptJournal) line(args ...string) {
	if j.err != nil {
		return
	}
	_, j.err = fmt.Fprintln(j.w, shellescape.QuoteCommand(args))
}

func (j *scriptJournal) Lchown(root, target, owner, group string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.line("chown", "-h", owner+":"+group, target)
	return j.err
}

func (j *scriptJournal) Mknod(root, target string, kind files.Kind, major, minor uint32, perms uint16, owner, group string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	typ := "b"
	if kind == files.KindChar {
		typ = "c"
	}
	j.line("mknod", "-m", fmt.Sprintf("%04o", perms), target, typ, fmt.Sprint(major), fmt.Sprint(minor))
	j.line("chown", owner+":"+group, target)
	return j.err
}
