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

package datastore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/renameio"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/toitlang/trove/pkg/digest"
	"golang.org/x/sys/unix"
)

type fileStoreOptions struct {
	layout Layout
	addLog string
	log    logrus.FieldLogger
}

// Option configures NewFileStore.
type Option interface {
	applyOption(*fileStoreOptions)
}

// WithLayout sets the directory layout. The default is TwoLevel.
func WithLayout(l Layout) Option {
	return layoutOption(l)
}

type layoutOption Layout

func (l layoutOption) applyOption(o *fileStoreOptions) { o.layout = Layout(l) }

// WithAddLog appends the path of every newly added file to the given log
// file.
func WithAddLog(path string) Option {
	return addLogOption(path)
}

type addLogOption string

func (p addLogOption) applyOption(o *fileStoreOptions) { o.addLog = string(p) }

// WithLogger sets the logger for diagnostics.
func WithLogger(log logrus.FieldLogger) Option {
	return loggerOption{log}
}

type loggerOption struct{ log logrus.FieldLogger }

func (l loggerOption) applyOption(o *fileStoreOptions) { o.log = l.log }

// FileStore keeps every blob in its own gzipped file.
type FileStore struct {
	top     string
	options fileStoreOptions

	logMu sync.Mutex
}

var _ Store = (*FileStore)(nil)

// NewFileStore opens the store rooted at top, which must be a directory.
func NewFileStore(top string, options ...Option) (*FileStore, error) {
	s := &FileStore{top: top}
	for _, option := range options {
		option.applyOption(&s.options)
	}
	if s.options.log == nil {
		s.options.log = logrus.StandardLogger()
	}
	info, err := os.Stat(top)
	if err != nil {
		return nil, errors.Wrap(err, "opening content store")
	}
	if !info.IsDir() {
		return nil, errors.Errorf("content store path is not a directory: %s", top)
	}
	return s, nil
}

// Top returns the directory of the store.
func (s *FileStore) Top() string { return s.top }

func (s *FileStore) HashToPath(sha1 digest.Sha1) (string, error) {
	return filepath.Join(append([]string{s.top}, s.options.layout.relPath(sha1)...)...), nil
}

func (s *FileStore) path(sha1 digest.Sha1) string {
	p, _ := s.HashToPath(sha1)
	return p
}

func (s *FileStore) HasFile(sha1 digest.Sha1) (bool, error) {
	_, err := os.Stat(s.path(sha1))
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}

var (
	umaskOnce sync.Once
	umask     int
)

// currentUmask reads the process umask once. Reading it requires setting
// it, which isn't safe to repeat while other goroutines create files.
func currentUmask() int {
	umaskOnce.Do(func() {
		umask = unix.Umask(0)
		unix.Umask(umask)
	})
	return umask
}

func (s *FileStore) AddFile(r io.Reader, sha1 digest.Sha1, precompressed bool) error {
	path := s.path(sha1)
	if _, err := os.Stat(path); err == nil {
		// Contents are addressed by their hash, so an existing file
		// already holds them.
		_, err := io.Copy(io.Discard, r)
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrap(err, "creating content store directory")
	}
	t, err := renameio.TempFile(dir, path)
	if err != nil {
		return err
	}
	defer t.Cleanup()

	if err := compressVerified(t, r, sha1, precompressed); err != nil {
		return err
	}
	if err := t.Chmod(os.FileMode(0666 &^ currentUmask())); err != nil {
		return err
	}
	if err := t.CloseAtomicallyReplace(); err != nil {
		return err
	}
	s.options.log.WithField("sha1", sha1.String()).Debug("added contents")
	return s.logAdded(path)
}

func (s *FileStore) logAdded(path string) error {
	if s.options.addLog == "" {
		return nil
	}
	s.logMu.Lock()
	defer s.logMu.Unlock()
	f, err := os.OpenFile(s.options.addLog, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return errors.Wrap(err, "opening add log")
	}
	_, err = fmt.Fprintln(f, path)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

// AddFileReference only checks that the contents exist; file stores
// don't count references.
func (s *FileStore) AddFileReference(sha1 digest.Sha1) error {
	ok, err := s.HasFile(sha1)
	if err != nil {
		return err
	}
	if !ok {
		return contentsMissing(sha1)
	}
	return nil
}

func (s *FileStore) OpenRawFile(sha1 digest.Sha1) (io.ReadCloser, error) {
	f, err := os.Open(s.path(sha1))
	if os.IsNotExist(err) {
		return nil, contentsMissing(sha1)
	}
	return f, err
}

func (s *FileStore) OpenFile(sha1 digest.Sha1) (io.ReadCloser, error) {
	raw, err := s.OpenRawFile(sha1)
	if err != nil {
		return nil, err
	}
	return gunzip(raw)
}

// RemoveFile deletes the contents and, if it became empty, the directory
// that held them.
func (s *FileStore) RemoveFile(sha1 digest.Sha1) error {
	path := s.path(sha1)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			s.options.log.WithField("sha1", sha1.String()).Warn("removing contents that are already gone")
			return nil
		}
		return err
	}
	for dir := filepath.Dir(path); dir != s.top && len(dir) > len(s.top); dir = filepath.Dir(dir) {
		// Fails when other files are left.
		if os.Remove(dir) != nil {
			break
		}
	}
	return nil
}
