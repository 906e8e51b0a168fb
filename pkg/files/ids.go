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
	"bufio"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// idCache maps user or group names to ids below a root. Roots other than
// "/" are resolved through their own etc/passwd or etc/group.
type idCache struct {
	file string

	mu     sync.Mutex
	byRoot map[string]map[string]int
}

var (
	users  = &idCache{file: "passwd"}
	groups = &idCache{file: "group"}
)

func (c *idCache) load(root string) map[string]int {
	m := map[string]int{"root": 0}
	f, err := os.Open(filepath.Join(root, "etc", c.file))
	if err != nil {
		return m
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		parts := strings.Split(scanner.Text(), ":")
		if len(parts) < 3 {
			continue
		}
		if id, err := strconv.Atoi(parts[2]); err == nil {
			m[parts[0]] = id
		}
	}
	return m
}

func (c *idCache) lookupName(root, name string) (int, error) {
	if root == "" {
		root = "/"
	}
	c.mu.Lock()
	if c.byRoot == nil {
		c.byRoot = map[string]map[string]int{}
	}
	m, ok := c.byRoot[root]
	if !ok {
		m = c.load(root)
		c.byRoot[root] = m
	}
	id, found := m[name]
	c.mu.Unlock()
	if found {
		return id, nil
	}
	if root == "/" {
		var str string
		if c.file == "passwd" {
			u, err := user.Lookup(name)
			if err != nil {
				return 0, errors.Wrapf(err, "unknown user '%s'", name)
			}
			str = u.Uid
		} else {
			g, err := user.LookupGroup(name)
			if err != nil {
				return 0, errors.Wrapf(err, "unknown group '%s'", name)
			}
			str = g.Gid
		}
		return strconv.Atoi(str)
	}
	// Unknown names below another root map to root.
	return 0, nil
}

func (c *idCache) lookupID(id int) (string, error) {
	str := strconv.Itoa(id)
	if c.file == "passwd" {
		u, err := user.LookupId(str)
		if err != nil {
			return "", err
		}
		return u.Username, nil
	}
	g, err := user.LookupGroupId(str)
	if err != nil {
		return "", err
	}
	return g.Name, nil
}
