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

package config

import (
	"os"
	"path/filepath"
)

const (
	channelsSubDir  = "channels"
	contentsSubDir  = "contents"
	changesetSubDir = "changesets"
	// UserConfigDirEnv if set, will be the directory the user config will be loaded from.
	UserConfigDirEnv = "TROVE_USER_CONFIG_DIR"
	// CacheDirEnv overrides the cache directory.
	CacheDirEnv = "TROVE_CACHE_DIR"
	// ConfigFileEnv names a config file to use instead of the user config.
	ConfigFileEnv = "TROVE_CONFIG_FILE"
	// RootEnv overrides the install root.
	RootEnv = "TROVE_ROOT"
)

func EnsureDirectory(dir string, err error) (string, error) {
	if err != nil {
		return dir, err
	}
	return dir, os.MkdirAll(dir, 0755)
}

func CachePath() (string, error) {
	if path, ok := os.LookupEnv(CacheDirEnv); ok && path != "" {
		return path, nil
	}
	homedir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homedir, ".cache", "trove"), nil
}

func cachePathFor(cacheDir string, subDir string) (string, error) {
	if cacheDir == "" {
		var err error
		if cacheDir, err = CachePath(); err != nil {
			return "", err
		}
	}
	return filepath.Join(cacheDir, subDir), nil
}

// ChannelsPath is where channel checkouts live.
func ChannelsPath(cacheDir string) (string, error) {
	return cachePathFor(cacheDir, channelsSubDir)
}

// ContentsPath is the local content store for downloaded file contents.
func ContentsPath(cacheDir string) (string, error) {
	return cachePathFor(cacheDir, contentsSubDir)
}

// ChangeSetsPath holds changesets fetched during an update.
func ChangeSetsPath(cacheDir string) (string, error) {
	return cachePathFor(cacheDir, changesetSubDir)
}

// Root returns the install root, "/" unless overridden.
func Root() string {
	if root, ok := os.LookupEnv(RootEnv); ok && root != "" {
		return root
	}
	return "/"
}
