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

package store

import (
	"context"

	"github.com/spf13/viper"
	"github.com/toitlang/trove/commands"
	"github.com/toitlang/trove/config"
)

type Viper struct {
	cacheDir string
}

func NewViper(cacheDir string) *Viper {
	return &Viper{
		cacheDir: cacheDir,
	}
}

const (
	configKeyDB                = "trove.db"
	configKeyRoot              = "trove.root"
	configKeyRepositoryMap     = "trove.repository-map"
	configKeyInstallLabelPath  = "trove.install-label-path"
	configKeyFlavor            = "trove.flavor"
	configKeyFlavorPreferences = "trove.flavor-preferences"
	configKeyProxies           = "trove.proxies"
	configKeyEntitlements      = "trove.entitlements"
	configKeyUsers             = "trove.users"
	configKeyCAFile            = "trove.ca-file"
	configKeyTrustThreshold    = "trove.trust-threshold"
	configKeyRetries           = "trove.retries"
	configKeyChannels          = "trove.channels"
)

func (vc *Viper) Init(cfgFile string) error {
	viper.SetConfigFile(cfgFile)
	return viper.ReadInConfig()
}

func (vc *Viper) Load(ctx context.Context) (*commands.Config, error) {
	result := commands.Config{
		CachePath: vc.cacheDir,
	}
	if result.CachePath == "" {
		var err error
		if result.CachePath, err = config.CachePath(); err != nil {
			return nil, err
		}
	}

	result.Root = config.Root()
	if viper.IsSet(configKeyRoot) {
		result.Root = viper.GetString(configKeyRoot)
	}
	result.DBPath = viper.GetString(configKeyDB)
	result.RepositoryMap = viper.GetStringMapString(configKeyRepositoryMap)
	result.InstallLabelPath = viper.GetStringSlice(configKeyInstallLabelPath)
	result.Flavor = viper.GetString(configKeyFlavor)
	result.FlavorPreferences = viper.GetStringSlice(configKeyFlavorPreferences)
	result.CAFile = viper.GetString(configKeyCAFile)
	result.TrustThreshold = viper.GetInt(configKeyTrustThreshold)
	result.Retries = viper.GetInt(configKeyRetries)

	for key, target := range map[string]interface{}{
		configKeyProxies:      &result.Proxies,
		configKeyEntitlements: &result.Entitlements,
		configKeyUsers:        &result.Users,
	} {
		if !viper.IsSet(key) {
			continue
		}
		if err := viper.UnmarshalKey(key, target); err != nil {
			return nil, err
		}
	}

	if viper.IsSet(configKeyChannels) {
		err := viper.UnmarshalKey(configKeyChannels, &result.Channels)
		if err != nil {
			return nil, err
		}
		if result.Channels == nil {
			// Viper seems to just ignore empty lists.
			result.Channels = commands.ChannelConfigs{}
		}
	}

	return &result, nil
}

// Store only writes the settings the commands modify.
func (vc *Viper) Store(ctx context.Context, cfg *commands.Config) error {
	if cfg.Channels != nil {
		viper.Set(configKeyChannels, cfg.Channels)
	}
	return viper.WriteConfig()
}
