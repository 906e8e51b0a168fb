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
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/toitlang/trove/pkg/changeset"
	"github.com/toitlang/trove/pkg/netclient"
	"github.com/toitlang/trove/pkg/trove"
	"github.com/toitlang/trove/pkg/trovesource"
)

func (h *troveHandler) addChangeSetCommands(cmd *cobra.Command, errorCfgRun func(CobraErrorCommand) CobraCommand) {
	showCmd := &cobra.Command{
		Use:   "showcs <file.ccs>",
		Short: "Shows the contents of a change set file",
		Long: `Shows the troves and files of a change set file.

With '--diff' the change set is rendered like 'git diff'. Old versions of
files come from the local database.`,
		Run:  errorCfgRun(h.showChangeSet),
		Args: cobra.ExactArgs(1),
	}
	showCmd.Flags().Bool("diff", false, "render the change set as a git diff")
	cmd.AddCommand(showCmd)

	csCmd := &cobra.Command{
		Use:   "cs",
		Short: "Creates change sets from local files",
	}
	cmd.AddCommand(csCmd)

	createCmd := &cobra.Command{
		Use:   "create <manifest.yaml> <out.ccs>",
		Short: "Builds a trove from local files and writes its change set",
		Long: `Builds a trove from the files a manifest lists.

The manifest is a YAML file:

  name: foo:runtime
  version: /example.com@rpl:linux/1.0-1-1
  flavor: "is: x86_64"
  provides: "trove: foo:runtime"
  files:
    - path: /usr/bin/foo
      source: build/foo
      perms: "0755"
    - path: /etc/foo.conf
      source: foo.conf
      config: true

Sources are relative to the manifest. The change set is absolute and
carries all contents, so it can be committed to a repository.`,
		Run:  errorCfgRun(h.createChangeSet),
		Args: cobra.ExactArgs(2),
	}
	csCmd.AddCommand(createCmd)

	fetchCmd := &cobra.Command{
		Use:   "changeset <spec>... <out.ccs>",
		Short: "Fetches troves from the repositories into a change set file",
		Long: `Finds the given troves on the install label path and writes a
change set for them.

With '--relative', troves of which another version is installed are
written relative to the installed version.`,
		Run:  errorCfgRun(h.fetchChangeSet),
		Args: cobra.MinimumNArgs(2),
	}
	fetchCmd.Flags().Bool("relative", false, "write changes relative to installed troves")
	fetchCmd.Flags().Bool("no-recurse", false, "leave out included troves")
	cmd.AddCommand(fetchCmd)

	commitCmd := &cobra.Command{
		Use:   "commit <file.ccs>",
		Short: "Commits a change set file to its repository",
		Long: `Uploads a change set file to the repository that owns the label of
its troves, and commits it there.`,
		Run:  errorCfgRun(h.commitChangeSet),
		Args: cobra.ExactArgs(1),
	}
	commitCmd.Flags().String("host", "", "commit to the repository of this host")
	commitCmd.Flags().Bool("mirror", false, "commit troves as another repository accepted them")
	cmd.AddCommand(commitCmd)

	rdiffCmd := &cobra.Command{
		Use:   "rdiff <name> <old-version> <new-version>",
		Short: "Shows the differences between two versions of a trove",
		Run:   errorCfgRun(h.rdiff),
		Args:  cobra.ExactArgs(3),
	}
	cmd.AddCommand(rdiffCmd)
}

func (h *troveHandler) showChangeSet(cmd *cobra.Command, args []string) error {
	diff, err := cmd.Flags().GetBool("diff")
	if err != nil {
		return err
	}
	cs, err := changeset.ReadFile(args[0], h.readOptions())
	if err != nil {
		return err
	}
	defer cs.Close()
	if !diff {
		return cs.Format(cmd.OutOrStdout())
	}
	db, err := h.openDB()
	if err != nil {
		return err
	}
	defer db.Close()
	return changeset.GitDiff(cmd.Context(), cmd.OutOrStdout(), cs, db)
}

func (h *troveHandler) createChangeSet(cmd *cobra.Command, args []string) error {
	manifestPath, out := args[0], args[1]
	m, err := LoadManifest(manifestPath)
	if err != nil {
		return err
	}
	trv, src, err := m.Build(filepath.Dir(manifestPath), time.Now())
	if err != nil {
		return err
	}
	cs, err := src.changeSet(cmd.Context(), trv)
	if err != nil {
		return err
	}
	defer cs.Close()
	if err := cs.WriteFile(out, changeset.VersionLatest); err != nil {
		return errors.Wrapf(err, "writing '%s'", out)
	}
	h.ui.ReportInfo("Wrote %s to %s", trv.Tuple(), out)
	h.ui.Suggest("trove", "commit", out)
	return nil
}

func (h *troveHandler) fetchChangeSet(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	relative, err := cmd.Flags().GetBool("relative")
	if err != nil {
		return err
	}
	noRecurse, err := cmd.Flags().GetBool("no-recurse")
	if err != nil {
		return err
	}
	out := args[len(args)-1]
	specs, err := parseSpecs(args[:len(args)-1])
	if err != nil {
		return err
	}

	tr, err := h.transport()
	if err != nil {
		return err
	}
	labels, err := h.labelPath()
	if err != nil {
		return err
	}
	stack, _, err := h.remoteSource(tr, labels)
	if err != nil {
		return err
	}

	var affinity trovesource.Source
	var jobs []trove.Job
	if relative {
		db, err := h.openDB()
		if err != nil {
			return err
		}
		defer db.Close()
		affinity = db
		opts, err := h.findOptions(affinity)
		if err != nil {
			return err
		}
		tups, err := findInOrder(ctx, stack, specs, opts)
		if err != nil {
			return err
		}
		if jobs, err = updateJobs(ctx, db, tups); err != nil {
			return err
		}
	} else {
		opts, err := h.findOptions(nil)
		if err != nil {
			return err
		}
		tups, err := findInOrder(ctx, stack, specs, opts)
		if err != nil {
			return err
		}
		for _, tup := range tups {
			jobs = append(jobs, trove.InstallJob(tup, true))
		}
	}
	if len(jobs) == 0 {
		h.ui.ReportInfo("Nothing to fetch")
		return nil
	}

	cs, remainder, err := stack.CreateChangeSet(ctx, jobs, changeset.BuildOptions{
		Recurse:          !noRecurse,
		WithFiles:        true,
		WithFileContents: true,
		Log:              h.log,
	})
	if err != nil {
		return err
	}
	defer cs.Close()
	if len(remainder) > 0 {
		return h.ui.ReportError("no repository could build %s", remainder[0])
	}
	if err := cs.WriteFile(out, changeset.VersionLatest); err != nil {
		return errors.Wrapf(err, "writing '%s'", out)
	}
	for _, j := range jobs {
		h.ui.ReportInfo("%s", j)
	}
	return nil
}

func (h *troveHandler) commitChangeSet(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	host, err := cmd.Flags().GetString("host")
	if err != nil {
		return err
	}
	mirror, err := cmd.Flags().GetBool("mirror")
	if err != nil {
		return err
	}
	cs, err := changeset.ReadFile(args[0], h.readOptions())
	if err != nil {
		return err
	}
	defer cs.Close()
	if cs.IsEmpty() {
		return h.ui.ReportError("change set '%s' is empty", args[0])
	}
	if cs.IsLocal() {
		return h.ui.ReportError("change set '%s' has troves on the local label and can't be committed", args[0])
	}
	if host == "" {
		hosts := map[string]bool{}
		for _, tcs := range cs.NewTroves() {
			if tcs.IsRemoved() {
				continue
			}
			host = tcs.NewVersion().TrailingLabel().Host
			hosts[host] = true
		}
		if len(hosts) != 1 {
			return h.ui.ReportError("change set '%s' spans %d repositories; use --host", args[0], len(hosts))
		}
	}
	tr, err := h.transport()
	if err != nil {
		return err
	}
	c, err := h.clientFor(map[string]*netclient.Client{}, tr, host)
	if err != nil {
		return err
	}
	tups, err := c.CommitChangeSet(ctx, cs, mirror)
	if err != nil {
		return err
	}
	for _, tup := range tups {
		fmt.Fprintln(cmd.OutOrStdout(), tup.String())
	}
	return nil
}

func (h *troveHandler) rdiff(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	tr, err := h.transport()
	if err != nil {
		return err
	}
	labels, err := h.labelPath()
	if err != nil {
		return err
	}
	stack, clients, err := h.remoteSource(tr, labels)
	if err != nil {
		return err
	}
	opts, err := h.findOptions(nil)
	if err != nil {
		return err
	}
	oldSpec := trovesource.Spec{Name: args[0], Version: args[1]}
	newSpec := trovesource.Spec{Name: args[0], Version: args[2]}
	results, err := trovesource.FindTroves(ctx, stack, []trovesource.Spec{oldSpec, newSpec}, opts)
	if err != nil {
		return err
	}
	olds, news := results[oldSpec], results[newSpec]
	if len(olds) != 1 || len(news) != 1 {
		return h.ui.ReportError("%s and %s must each match one trove", oldSpec, newSpec)
	}
	c, err := h.clientFor(clients, tr, news[0].Version.TrailingLabel().Host)
	if err != nil {
		return err
	}
	cs, remainder, err := c.CreateChangeSet(ctx, []trove.Job{trove.UpdateJob(olds[0], news[0])}, changeset.BuildOptions{
		WithFiles:        true,
		WithFileContents: true,
		Log:              h.log,
	})
	if err != nil {
		return err
	}
	defer cs.Close()
	if len(remainder) > 0 {
		return h.ui.ReportError("%s can't build %s", c.URL(), remainder[0])
	}
	return changeset.GitDiff(ctx, cmd.OutOrStdout(), cs, c)
}
