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
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserConfigFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(ConfigFileEnv, "")
	t.Setenv(UserConfigDirEnv, dir)
	path, ok := UserConfigFile()
	require.True(t, ok)
	assert.Equal(t, filepath.Join(dir, "config.yaml"), path)

	t.Setenv(ConfigFileEnv, "/etc/trove.yaml")
	path, ok = UserConfigFile()
	require.True(t, ok)
	assert.Equal(t, "/etc/trove.yaml", path)
}

func TestCachePaths(t *testing.T) {
	t.Setenv(CacheDirEnv, "/tmp/trove-cache")
	p, err := ChannelsPath("")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/tmp/trove-cache", "channels"), p)

	p, err = ContentsPath("/other")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/other", "contents"), p)

	t.Setenv(RootEnv, "")
	assert.Equal(t, "/", Root())
	t.Setenv(RootEnv, "/mnt/img")
	assert.Equal(t, "/mnt/img", Root())
}
