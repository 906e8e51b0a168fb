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

package files

import (
	"io"
	"net"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/renameio"
	"github.com/pkg/errors"
	"github.com/toitlang/trove/pkg/digest"
	"github.com/toitlang/trove/pkg/errs"
	"golang.org/x/sys/unix"
)

// Journal records operations that need privileges, so that an
// unprivileged restore can be replayed later.
type Journal interface {
	Lchown(root, target, owner, group string) error
	Mknod(root, target string, kind Kind, major, minor uint32, perms uint16, owner, group string) error
}

// RestoreOptions configures Restore.
type RestoreOptions struct {
	Journal Journal
	// Verify checks the sha1 of the written contents.
	Verify bool
	// SkipMtime leaves the mtime alone.
	SkipMtime bool
}

// Restore places the file at target. contents is only used for regular
// files; a nil reader restores just the metadata.
func (f *File) Restore(contents io.Reader, root, target string, opts RestoreOptions) error {
	var err error
	switch f.Kind {
	case KindRegular:
		err = f.restoreRegular(contents, target, opts)
	case KindDirectory:
		if fi, statErr := os.Stat(target); statErr != nil || !fi.IsDir() {
			err = os.MkdirAll(target, 0755)
		}
	case KindSymlink:
		if err = prepareTarget(target); err == nil {
			err = os.Symlink(f.Target.Get(), target)
		}
		// Utime follows symlinks.
		opts.SkipMtime = true
	case KindSocket:
		if err = prepareTarget(target); err == nil {
			err = makeSocket(target)
		}
	case KindFifo:
		if err = prepareTarget(target); err == nil {
			err = unix.Mkfifo(target, 0600)
		}
	case KindBlock, KindChar:
		return f.restoreDevice(root, target, opts)
	case KindMissing:
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "restoring %s", target)
	}
	return f.restoreMetadata(root, target, opts)
}

func prepareTarget(target string) error {
	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		return err
	}
	return os.MkdirAll(filepath.Dir(target), 0755)
}

func makeSocket(target string) error {
	l, err := net.ListenUnix("unix", &net.UnixAddr{Name: target, Net: "unix"})
	if err != nil {
		return err
	}
	l.SetUnlinkOnClose(false)
	return l.Close()
}

func (f *File) restoreRegular(contents io.Reader, target string, opts RestoreOptions) error {
	if contents == nil {
		return nil
	}
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	t, err := renameio.TempFile(dir, target)
	if err != nil {
		return err
	}
	defer t.Cleanup()

	h := digest.New()
	if _, err := io.Copy(io.MultiWriter(t, h), contents); err != nil {
		return err
	}
	if opts.Verify {
		if actual := digest.FromHash(h); actual != f.Sha1() {
			return &errs.ContentIntegrityError{Expected: f.Sha1().String(), Actual: actual.String()}
		}
	}
	if fi, err := os.Lstat(target); err == nil && fi.IsDir() {
		if err := os.Remove(target); err != nil {
			return err
		}
	}
	return t.CloseAtomicallyReplace()
}

func (f *File) restoreDevice(root, target string, opts RestoreOptions) error {
	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		return err
	}
	if opts.Journal == nil && os.Getuid() != 0 {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	major, minor := f.Device.Major.Get(), f.Device.Minor.Get()
	if opts.Journal != nil {
		return opts.Journal.Mknod(root, target, f.Kind, major, minor,
			f.Inode.Perms.Get(), f.Inode.Owner.Get(), f.Inode.Group.Get())
	}
	mode := uint32(unix.S_IFBLK)
	if f.Kind == KindChar {
		mode = unix.S_IFCHR
	}
	if err := unix.Mknod(target, mode, int(unix.Mkdev(major, minor))); err != nil {
		return errors.Wrapf(err, "mknod %s", target)
	}
	return f.restoreMetadata(root, target, opts)
}

func (f *File) restoreMetadata(root, target string, opts RestoreOptions) error {
	if err := f.setPermissions(root, target, opts.Journal); err != nil {
		return err
	}
	if opts.SkipMtime || !f.Inode.Mtime.IsSet() {
		return nil
	}
	mtime := time.Unix(int64(f.Inode.Mtime.Get()), 0)
	return os.Chtimes(target, mtime, mtime)
}

func (f *File) chmod(target string, mask uint16) error {
	// chmod follows symlinks.
	if f.Kind == KindSymlink || !f.Inode.Perms.IsSet() {
		return nil
	}
	mode := f.Inode.Perms.Get() &^ mask
	return os.Chmod(target, fileMode(mode))
}

func fileMode(perms uint16) os.FileMode {
	mode := os.FileMode(perms & 0777)
	if perms&04000 != 0 {
		mode |= os.ModeSetuid
	}
	if perms&02000 != 0 {
		mode |= os.ModeSetgid
	}
	if perms&01000 != 0 {
		mode |= os.ModeSticky
	}
	return mode
}

// setPermissions chowns before it chmods; chown clears setuid bits.
func (f *File) setPermissions(root, target string, journal Journal) error {
	owner, group := f.Inode.Owner.Get(), f.Inode.Group.Get()
	if journal != nil {
		if err := journal.Lchown(root, target, owner, group); err != nil {
			return err
		}
		return f.chmod(target, 0)
	}

	uid, gid := 0, 0
	uidKnown, gidKnown := true, true
	if owner != "" {
		id, err := users.lookupName(root, owner)
		uid, uidKnown = id, err == nil
	}
	if group != "" {
		id, err := groups.lookupName(root, group)
		gid, gidKnown = id, err == nil
	}

	var mask uint16
	if os.Getuid() == 0 {
		if !uidKnown || !gidKnown {
			return errors.Errorf("can't map owner %s:%s of %s", owner, group, target)
		}
		if err := os.Lchown(target, uid, gid); err != nil {
			return errors.Wrapf(err, "chown %s", target)
		}
	} else {
		// Never make a file setuid or setgid for the wrong user.
		if !uidKnown || uid != os.Getuid() {
			mask |= 04000
		}
		if !gidKnown || gid != os.Getgid() {
			mask |= 02000
		}
	}
	return f.chmod(target, mask)
}

// Remove deletes the file at target.
func (f *File) Remove(target string) error {
	if f.Kind == KindDirectory {
		return &errs.NotImplemented{What: "removing directories"}
	}
	err := os.Remove(target)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// FromFilesystem builds a file object from whatever is at path.
func FromFilesystem(path string, pathID PathID) (*File, error) {
	fi, err := os.Lstat(path)
	if err != nil {
		return nil, err
	}
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return nil, errors.Errorf("no stat information for %s", path)
	}

	var f *File
	switch mode := fi.Mode(); {
	case mode.IsRegular():
		f = New(KindRegular, pathID)
	case mode&os.ModeSymlink != 0:
		f = New(KindSymlink, pathID)
		target, err := os.Readlink(path)
		if err != nil {
			return nil, err
		}
		f.Target.Set(target)
	case mode.IsDir():
		f = New(KindDirectory, pathID)
	case mode&os.ModeSocket != 0:
		f = New(KindSocket, pathID)
	case mode&os.ModeNamedPipe != 0:
		f = New(KindFifo, pathID)
	case mode&os.ModeDevice != 0:
		f = New(KindBlock, pathID)
		if mode&os.ModeCharDevice != 0 {
			f.Kind = KindChar
		}
		f.Device.Major.Set(unix.Major(uint64(st.Rdev)))
		f.Device.Minor.Set(unix.Minor(uint64(st.Rdev)))
	default:
		return nil, errors.Errorf("unsupported file type for %s", path)
	}

	owner, err := users.lookupID(int(st.Uid))
	if err != nil {
		return nil, errors.Wrapf(err, "mapping uid %d of %s", st.Uid, path)
	}
	group, err := groups.lookupID(int(st.Gid))
	if err != nil {
		return nil, errors.Wrapf(err, "mapping gid %d of %s", st.Gid, path)
	}
	f.Inode.Set(uint16(st.Mode&07777), uint32(fi.ModTime().Unix()), owner, group)
	f.Flags.Set(0)

	if f.Kind == KindRegular {
		r, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer r.Close()
		sum, size, err := digest.SumReader(r)
		if err != nil {
			return nil, err
		}
		f.Contents.Size.Set(uint64(size))
		f.Contents.Sha1.SetSha1(sum)
	}
	return f, nil
}
