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

package netserver

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// Config is the YAML configuration of a repository server or proxy.
type Config struct {
	// Name identifies the server in Via headers.
	Name   string `yaml:"name"`
	Listen string `yaml:"listen"`

	// Repository is the directory of the served repository. Empty for a
	// pure proxy.
	Repository         string   `yaml:"repository"`
	AuthoritativeHosts []string `yaml:"authoritative_hosts"`
	RequireSignatures  bool     `yaml:"require_signatures"`
	TrustThreshold     int      `yaml:"trust_threshold"`
	// SpoolDir holds change sets waiting to be downloaded or committed.
	SpoolDir string `yaml:"spool_dir"`
	// ClientVersions is a version constraint on the protocol of clients,
	// for example ">= 60".
	ClientVersions string `yaml:"client_versions"`

	Auth  *AuthConfig  `yaml:"auth"`
	Proxy *ProxyConfig `yaml:"proxy"`
}

// AuthConfig enables access control.
type AuthConfig struct {
	// DB is the user database. Defaults to auth.db in the repository.
	DB string `yaml:"db"`
	// Admin is created on startup if it doesn't exist.
	Admin *UserConfig `yaml:"admin"`
	// Anonymous grants read access to every trove to clients without
	// credentials.
	Anonymous bool `yaml:"anonymous"`
}

type UserConfig struct {
	Name     string `yaml:"name"`
	Password string `yaml:"password"`
}

// ProxyConfig makes the server forward requests carrying a proxy target.
type ProxyConfig struct {
	// Strategies maps host filters to proxy targets, tried in order.
	Strategies []ProxyStrategy `yaml:"strategies"`
	// ContentsCache caches file contents fetched through the proxy.
	ContentsCache string `yaml:"contents_cache"`
	// CAFile verifies upstream servers.
	CAFile string `yaml:"ca_file"`
}

type ProxyStrategy struct {
	Filter  string   `yaml:"filter"`
	Targets []string `yaml:"targets"`
}

// LoadConfig reads a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading server configuration")
	}
	return ParseConfig(data)
}

func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "parsing server configuration")
	}
	if cfg.Name == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "trove"
		}
		cfg.Name = host
	}
	if cfg.Listen == "" {
		cfg.Listen = ":8000"
	}
	if cfg.Repository == "" && cfg.Proxy == nil {
		return nil, errors.New("server configuration needs a repository or a proxy section")
	}
	return &cfg, nil
}
