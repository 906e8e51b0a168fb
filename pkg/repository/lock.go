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

package repository

import (
	"context"
	"path/filepath"
	"time"

	"github.com/alexflint/go-filemutex"
	"github.com/pkg/errors"
)

// withCommitLock runs f while holding the commit lock. Commits of one
// process are always serialized; with WithSerializedCommits a lock file
// also serializes them against other processes sharing the directory.
func (r *Repository) withCommitLock(ctx context.Context, f func() error) error {
	r.commitMu.Lock()
	defer r.commitMu.Unlock()
	if !r.opts.serialize {
		return f()
	}

	m, err := filemutex.New(filepath.Join(r.dir, lockFile))
	if err != nil {
		return errors.Wrap(err, "creating commit lock")
	}

	locked := make(chan struct{})
	ctx, cancel := context.WithTimeout(ctx, lockDeadline)
	defer cancel()

	// If the deadline passes right after the lock is taken the goroutine
	// gives it back, and the caller reports the timeout.
	go func() {
		m.Lock()
		select {
		case <-ctx.Done():
			m.Unlock()
		default:
			close(locked)
		}
	}()
	select {
	case <-locked:
		defer m.Unlock()
		return f()
	case <-ctx.Done():
		return errors.Errorf("timed out waiting for the commit lock after %s", lockDeadline.Round(time.Second))
	}
}
