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

package commands

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type ConfigStore interface {
	Load(ctx context.Context) (*Config, error)
	Store(ctx context.Context, cfg *Config) error
}

type ProxyConfig struct {
	Filter  string   `mapstructure:"filter" yaml:"filter"`
	Targets []string `mapstructure:"targets" yaml:"targets"`
}

type EntitlementConfig struct {
	Host  string `mapstructure:"host" yaml:"host"`
	Class string `mapstructure:"class" yaml:"class"`
	Key   string `mapstructure:"key" yaml:"key"`
}

type UserConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	User     string `mapstructure:"user" yaml:"user"`
	Password string `mapstructure:"password" yaml:"password"`
}

type ChannelConfig struct {
	Name   string `mapstructure:"name" yaml:"name"`
	URL    string `mapstructure:"url" yaml:"url"`
	Branch string `mapstructure:"branch" yaml:"branch"`
}

type ChannelConfigs []ChannelConfig

func (c ChannelConfigs) find(name string) (int, bool) {
	for i, ch := range c {
		if ch.Name == name {
			return i, true
		}
	}
	return -1, false
}

type Config struct {
	CachePath string
	// DBPath is the local database. Relative paths are below Root.
	DBPath string
	Root   string

	// RepositoryMap maps repository hosts to the URL serving them.
	// Hosts that aren't mapped are served at https://<host>/conary.
	RepositoryMap     map[string]string
	InstallLabelPath  []string
	Flavor            string
	FlavorPreferences []string
	Proxies           []ProxyConfig
	Entitlements      []EntitlementConfig
	Users             []UserConfig
	CAFile            string
	TrustThreshold    int
	Retries           int

	// Channels must be `nil` if they are not set in the configuration.
	// Viper changes empty lists to `nil` so it's important to check for
	// that case.
	Channels ChannelConfigs
}

type CobraCommand func(cmd *cobra.Command, args []string)
type CobraErrorCommand func(cmd *cobra.Command, args []string) error
type Run func(CobraErrorCommand) CobraCommand

// WithSilent is implemented by errors that were already shown to the
// user.
type WithSilent interface {
	Silent() bool
}

// WithExitCode is implemented by errors that carry a process exit code.
type WithExitCode interface {
	ExitCode() int
}

type exitError struct {
	code int
}

func (e *exitError) ExitCode() int {
	return e.code
}

func (e *exitError) Silent() bool {
	return true
}

func (e *exitError) Error() string {
	return fmt.Sprintf("ExitError - exit code: %d", e.code)
}

func newExitError(code int) *exitError {
	return &exitError{
		code: code,
	}
}

type troveHandler struct {
	cfg      *Config
	cfgStore ConfigStore
	ui       UI
	log      logrus.FieldLogger
}

func (h *troveHandler) saveConfigs(ctx context.Context) error {
	return h.cfgStore.Store(ctx, h.cfg)
}

// Trove builds the command tree.
func Trove(run Run, configStore ConfigStore, ui UI, log logrus.FieldLogger) (*cobra.Command, error) {
	if ui == nil {
		ui = FmtUI
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	handler := &troveHandler{
		cfgStore: configStore,
		ui:       ui,
		log:      log,
	}

	// 1. Loads the config before invoking the command.
	// 2. Intercepts any error and checks if it is an already-reported error.
	//    If it is, replaces it with a silent error.
	//    Otherwise reports it and returns a silent error too.
	// 3. Wraps the call into the given 'run' function.
	errorCfgRun := func(f CobraErrorCommand) CobraCommand {
		return run(func(cmd *cobra.Command, args []string) error {
			if handler.cfg == nil {
				cfg, err := handler.cfgStore.Load(cmd.Context())
				if err != nil {
					return err
				}
				handler.cfg = cfg
			}
			if err := handler.applyFlags(cmd); err != nil {
				return err
			}

			err := f(cmd, args)
			if err == nil {
				return nil
			}
			if !IsErrAlreadyReported(err) {
				handler.log.WithError(err).Debug("command failed")
				handler.ui.ReportError("%s", ErrorMessage(err))
			}
			return newExitError(1)
		})
	}

	cmd := &cobra.Command{
		Use:              "trove",
		Short:            "Manage content-addressed troves and change sets",
		TraverseChildren: true,
		SilenceUsage:     true,
	}
	cmd.PersistentFlags().String("root", "", "install root (default \"/\")")
	cmd.PersistentFlags().String("db", "", "local database path, relative to the root")
	cmd.PersistentFlags().StringSlice("install-label", nil, "override the install label path")
	cmd.PersistentFlags().String("flavor", "", "override the system flavor")
	cmd.PersistentFlags().StringToString("repository-map", nil, "map repository hosts to URLs (host=url)")

	handler.addServeCommands(cmd, errorCfgRun)
	handler.addQueryCommands(cmd, errorCfgRun)
	handler.addChangeSetCommands(cmd, errorCfgRun)
	handler.addUpdateCommands(cmd, errorCfgRun)
	handler.addChannelCommands(cmd, errorCfgRun)
	return cmd, nil
}

// applyFlags lets the persistent flags override the configuration.
func (h *troveHandler) applyFlags(cmd *cobra.Command) error {
	flags := cmd.Flags()
	root, err := flags.GetString("root")
	if err != nil {
		return err
	}
	if root != "" {
		h.cfg.Root = root
	}
	db, err := flags.GetString("db")
	if err != nil {
		return err
	}
	if db != "" {
		h.cfg.DBPath = db
	}
	labels, err := flags.GetStringSlice("install-label")
	if err != nil {
		return err
	}
	if len(labels) > 0 {
		h.cfg.InstallLabelPath = labels
	}
	flavor, err := flags.GetString("flavor")
	if err != nil {
		return err
	}
	if flavor != "" {
		h.cfg.Flavor = flavor
	}
	repoMap, err := flags.GetStringToString("repository-map")
	if err != nil {
		return err
	}
	if len(repoMap) > 0 {
		if h.cfg.RepositoryMap == nil {
			h.cfg.RepositoryMap = map[string]string{}
		}
		for host, u := range repoMap {
			h.cfg.RepositoryMap[host] = u
		}
	}
	return nil
}

// DefaultRunWrapper runs the command and exits with the error's exit
// code.
func DefaultRunWrapper(f CobraErrorCommand) CobraCommand {
	return func(cmd *cobra.Command, args []string) {
		if err := f(cmd, args); err != nil {
			if s, ok := err.(WithSilent); !ok || !s.Silent() {
				fmt.Fprintln(cmd.ErrOrStderr(), "Error:", err)
			}
			code := 1
			if e, ok := err.(WithExitCode); ok {
				code = e.ExitCode()
			}
			exit(code)
		}
	}
}
