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
	"fmt"

	"github.com/toitlang/trove/pkg/deps"
	"github.com/toitlang/trove/pkg/files"
	"github.com/toitlang/trove/pkg/versions"
)

// Job describes the transition of one trove: a new install when the old
// version is zero, an erase when the new version is zero.
type Job struct {
	Name       string
	OldVersion versions.Version
	OldFlavor  *deps.Set
	NewVersion versions.Version
	NewFlavor  *deps.Set
	Absolute   bool
}

// InstallJob creates a job that installs tup from scratch.
func InstallJob(tup Tuple, absolute bool) Job {
	return Job{Name: tup.Name, NewVersion: tup.Version, NewFlavor: tup.flavor(), Absolute: absolute}
}

// UpdateJob creates a relative job from old to new.
func UpdateJob(old, new Tuple) Job {
	return Job{Name: new.Name, OldVersion: old.Version, OldFlavor: old.flavor(),
		NewVersion: new.Version, NewFlavor: new.flavor()}
}

// EraseJob creates a job that removes tup.
func EraseJob(tup Tuple) Job {
	return Job{Name: tup.Name, OldVersion: tup.Version, OldFlavor: tup.flavor()}
}

func (j Job) IsErase() bool { return j.NewVersion.IsZero() }
func (j Job) IsNew() bool   { return j.OldVersion.IsZero() }

func (j Job) OldTuple() Tuple { return NewTuple(j.Name, j.OldVersion, j.OldFlavor) }
func (j Job) NewTuple() Tuple { return NewTuple(j.Name, j.NewVersion, j.NewFlavor) }

// Key identifies the job in maps.
func (j Job) Key() string {
	old, new := "", ""
	if !j.IsNew() {
		old = j.OldTuple().Key()
	}
	if !j.IsErase() {
		new = j.NewTuple().Key()
	}
	return fmt.Sprintf("%s|%s|%s|%t", j.Name, old, new, j.Absolute)
}

func (j Job) String() string {
	switch {
	case j.IsErase():
		return "-" + j.OldTuple().String()
	case j.IsNew():
		return "+" + j.NewTuple().String()
	}
	return fmt.Sprintf("%s--%s", j.OldTuple(), j.NewTuple())
}

// FileNeeded names a file whose stream (and maybe contents) must be part
// of a change set. OldFileID is zero for new files.
type FileNeeded struct {
	PathID     files.PathID
	OldFileID  files.FileID
	OldVersion versions.Version
	NewFileID  files.FileID
	NewVersion versions.Version
}
