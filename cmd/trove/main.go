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

package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/toitlang/trove/commands"
	"github.com/toitlang/trove/config"
	"github.com/toitlang/trove/config/store"
)

func getTrimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func main() {
	cfgFile := getTrimmedEnv(config.ConfigFileEnv)
	cacheDir := getTrimmedEnv(config.CacheDirEnv)

	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetLevel(logrus.WarnLevel)
	if lvl := getTrimmedEnv("TROVE_LOG_LEVEL"); lvl != "" {
		if l, err := logrus.ParseLevel(lvl); err == nil {
			log.SetLevel(l)
		}
	}

	configStore := store.NewViper(cacheDir)
	cobra.OnInitialize(func() {
		if cfgFile == "" {
			cfgFile, _ = config.UserConfigFile()
		}
		if err := configStore.Init(cfgFile); err != nil {
			log.WithError(err).Debug("no configuration file loaded")
		}
	})

	rootCmd, err := commands.Trove(commands.DefaultRunWrapper, configStore, nil, log)
	if err != nil {
		if e, ok := err.(commands.WithSilent); !ok || !e.Silent() {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
