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
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/toitlang/trove/config"
	"github.com/toitlang/trove/pkg/git"
	"github.com/toitlang/trove/pkg/uripath"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func (h *troveHandler) addChannelCommands(cmd *cobra.Command, errorCfgRun func(CobraErrorCommand) CobraCommand) {
	channelCmd := &cobra.Command{
		Use:   "channel",
		Short: "Manages change set channels",
		Long: `Manages change set channels.

A channel is a git repository of change set files. Synchronized channels
are searched by 'update' before the repositories of the install label
path.`,
	}
	cmd.AddCommand(channelCmd)

	addCmd := &cobra.Command{
		Use:   "add <name> <URL>",
		Short: "Adds a channel",
		Long: `Adds a channel and synchronizes it.

The 'name' of the channel must not be used yet. The 'URL' is a git URL
or a local path.`,
		Example: `  trove channel add stable github.com/example/trove-stable`,
		Run:     errorCfgRun(h.channelAdd),
		Args:    cobra.ExactArgs(2),
	}
	addCmd.Flags().String("branch", "", "track this branch instead of the default one")
	addCmd.Flags().Bool("no-sync", false, "don't synchronize the channel now")
	channelCmd.AddCommand(addCmd)

	channelCmd.AddCommand(&cobra.Command{
		Use:   "remove <name>",
		Short: "Removes a channel",
		Run:   errorCfgRun(h.channelRemove),
		Args:  cobra.ExactArgs(1),
	})

	channelCmd.AddCommand(&cobra.Command{
		Use:   "sync [<name>...]",
		Short: "Synchronizes channels",
		Long: `Synchronizes channels.

If no argument is given, synchronizes all channels.`,
		Run:  errorCfgRun(h.channelSync),
		Args: cobra.ArbitraryArgs,
	})

	channelCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Lists channels",
		Run:   errorCfgRun(h.channelList),
		Args:  cobra.NoArgs,
	})
}

// channelDir is the checkout of a channel in the cache.
func (h *troveHandler) channelDir(ch ChannelConfig) (string, error) {
	dir, err := config.ChannelsPath(h.cfg.CachePath)
	if err != nil {
		return "", err
	}
	key := ch.URL
	if ch.Branch != "" {
		key += "@" + ch.Branch
	}
	return uripath.Join(dir, key), nil
}

func channelFiles(dir string) ([]string, error) {
	return git.ChangeSetFiles(dir)
}

func (h *troveHandler) syncChannel(cmd *cobra.Command, ch ChannelConfig) error {
	dir, err := h.channelDir(ch)
	if err != nil {
		return err
	}
	hash, err := git.Sync(cmd.Context(), dir, git.Options{URL: ch.URL, Branch: ch.Branch})
	if err != nil {
		return err
	}
	h.log.WithField("channel", ch.Name).WithField("hash", hash).Debug("synchronized channel")
	return nil
}

func (h *troveHandler) addChannel(ch ChannelConfig) error {
	if _, ok := h.cfg.Channels.find(ch.Name); ok {
		return status.Errorf(codes.AlreadyExists, "channel '%s' already exists", ch.Name)
	}
	h.cfg.Channels = append(h.cfg.Channels, ch)
	return nil
}

func (h *troveHandler) channelAdd(cmd *cobra.Command, args []string) error {
	branch, err := cmd.Flags().GetString("branch")
	if err != nil {
		return err
	}
	noSync, err := cmd.Flags().GetBool("no-sync")
	if err != nil {
		return err
	}
	ch := ChannelConfig{Name: args[0], URL: args[1], Branch: branch}
	if err := h.addChannel(ch); err != nil {
		if IsAlreadyExistsError(err) {
			h.ui.Suggest("trove", "channel", "sync", ch.Name)
			return h.ui.ReportError("%s", ErrorMessage(err))
		}
		return err
	}
	if !noSync {
		if err := h.syncChannel(cmd, ch); err != nil {
			return h.ui.ReportError("Channel '%s' not added: %v", ch.Name, err)
		}
	}
	return h.saveConfigs(cmd.Context())
}

func (h *troveHandler) channelRemove(cmd *cobra.Command, args []string) error {
	i, ok := h.cfg.Channels.find(args[0])
	if !ok {
		return h.ui.ReportError("Channel '%s' not found", args[0])
	}
	ch := h.cfg.Channels[i]
	h.cfg.Channels = append(h.cfg.Channels[:i:i], h.cfg.Channels[i+1:]...)
	if err := h.saveConfigs(cmd.Context()); err != nil {
		return err
	}
	dir, err := h.channelDir(ch)
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

func (h *troveHandler) channelSync(cmd *cobra.Command, args []string) error {
	var channels ChannelConfigs
	if len(args) == 0 {
		channels = h.cfg.Channels
	}
	for _, name := range args {
		i, ok := h.cfg.Channels.find(name)
		if !ok {
			return h.ui.ReportError("Channel '%s' not found", name)
		}
		channels = append(channels, h.cfg.Channels[i])
	}
	var errs []error
	for _, ch := range channels {
		if err := h.syncChannel(cmd, ch); err != nil {
			errs = append(errs, h.ui.ReportError("Failed to synchronize channel '%s': %v", ch.Name, err))
		}
	}
	return FirstError(errs...)
}

func (h *troveHandler) channelList(cmd *cobra.Command, args []string) error {
	for _, ch := range h.cfg.Channels {
		line := fmt.Sprintf("%s: %s", ch.Name, ch.URL)
		if ch.Branch != "" {
			line += " (" + ch.Branch + ")"
		}
		fmt.Fprintln(cmd.OutOrStdout(), line)
	}
	return nil
}
