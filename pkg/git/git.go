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

// Package git fetches changeset channels: git repositories whose tree
// holds .ccs files that can be used as an update source.
package git

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/ssh"
	"github.com/pkg/errors"
)

type Options struct {
	URL string
	// Branch to track. The remote HEAD is used when empty.
	Branch string
	// Hash pins the checkout to a commit.
	Hash    string
	Depth   int
	SSHPath string
}

// normalizeURL adds a https scheme to host-relative URLs. Local paths
// are kept.
func normalizeURL(u string) string {
	if filepath.IsAbs(u) || strings.Contains(u, "://") {
		return u
	}
	return "https://" + u
}

func sshURL(str string) (string, error) {
	u, err := url.Parse(str)
	if err != nil {
		return "", errors.Wrapf(err, "invalid URL '%s'", str)
	}
	return "ssh://git@" + u.Host + ":" + strings.TrimSuffix(u.Path, ".git") + ".git", nil
}

func authFor(sshPath string) (transport.AuthMethod, error) {
	if sshPath == "" {
		return nil, nil
	}
	return ssh.NewPublicKeysFromFile("git", sshPath, "")
}

// Clone clones the channel into dir and returns the checked out hash.
func Clone(ctx context.Context, dir string, options Options) (string, error) {
	cloneOptions := &gogit.CloneOptions{
		URL:          normalizeURL(options.URL),
		SingleBranch: options.Branch != "",
		Depth:        options.Depth,
	}
	if options.Branch != "" {
		cloneOptions.ReferenceName = plumbing.NewBranchReferenceName(options.Branch)
	}
	auth, err := authFor(options.SSHPath)
	if err != nil {
		return "", err
	}
	if auth != nil {
		if cloneOptions.URL, err = sshURL(cloneOptions.URL); err != nil {
			return "", err
		}
		cloneOptions.Auth = auth
	}

	repository, err := gogit.PlainCloneContext(ctx, dir, false, cloneOptions)
	if err == transport.ErrAuthenticationRequired && auth == nil {
		// Anonymous ssh, for hosts that refuse anonymous https.
		if u, urlErr := sshURL(cloneOptions.URL); urlErr == nil {
			cloneOptions.URL = u
			repository, err = gogit.PlainCloneContext(ctx, dir, false, cloneOptions)
		}
	}
	if err != nil {
		os.RemoveAll(dir)
		return "", errors.Wrapf(err, "failed to clone channel '%s'", options.URL)
	}
	if options.Hash != "" {
		if err := checkout(repository, options.Hash); err != nil {
			return "", err
		}
	}
	return head(repository)
}

func checkout(repository *gogit.Repository, hash string) error {
	w, err := repository.Worktree()
	if err != nil {
		return err
	}
	return w.Checkout(&gogit.CheckoutOptions{Hash: plumbing.NewHash(hash)})
}

func head(repository *gogit.Repository) (string, error) {
	ref, err := repository.Head()
	if err != nil {
		return "", err
	}
	return ref.Hash().String(), nil
}

// Pull fast-forwards the checkout in dir and returns the new head.
func Pull(ctx context.Context, dir string, options Options) (string, error) {
	repository, err := gogit.PlainOpen(dir)
	if err != nil {
		return "", err
	}
	wt, err := repository.Worktree()
	if err != nil {
		return "", err
	}
	auth, err := authFor(options.SSHPath)
	if err != nil {
		return "", err
	}
	pullOptions := &gogit.PullOptions{Force: true, Auth: auth}
	if options.Branch != "" {
		pullOptions.ReferenceName = plumbing.NewBranchReferenceName(options.Branch)
		pullOptions.SingleBranch = true
	}
	err = wt.PullContext(ctx, pullOptions)
	if err != nil && err != gogit.NoErrAlreadyUpToDate {
		return "", errors.Wrapf(err, "failed to update channel in '%s'", dir)
	}
	if options.Hash != "" {
		if err := checkout(repository, options.Hash); err != nil {
			return "", err
		}
	}
	return head(repository)
}

// Sync clones the channel into dir, or pulls when dir already holds a
// checkout.
func Sync(ctx context.Context, dir string, options Options) (string, error) {
	if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
		return Pull(ctx, dir, options)
	}
	if err := os.MkdirAll(filepath.Dir(dir), 0755); err != nil {
		return "", err
	}
	return Clone(ctx, dir, options)
}

// ChangeSetFiles lists the .ccs files of a checkout, sorted by path.
func ChangeSetFiles(dir string) ([]string, error) {
	var result []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && d.Name() == ".git" {
			return filepath.SkipDir
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), ".ccs") {
			result = append(result, path)
		}
		return nil
	})
	return result, err
}
