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
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/toitlang/trove/pkg/changeset"
	"github.com/toitlang/trove/pkg/digest"
	"github.com/toitlang/trove/pkg/files"
	"github.com/toitlang/trove/pkg/repository"
	"github.com/toitlang/trove/pkg/trove"
	"github.com/toitlang/trove/pkg/trovesource"
	"github.com/toitlang/trove/pkg/versions"
)

func (h *troveHandler) addUpdateCommands(cmd *cobra.Command, errorCfgRun func(CobraErrorCommand) CobraCommand) {
	updateCmd := &cobra.Command{
		Use:   "update <spec>...",
		Short: "Installs, updates or erases troves",
		Long: `Installs or updates the given troves.

Troves are searched in the synchronized channels and then on the install
label path. A trove of which another version is installed is updated in
place. Specs prefixed with '-' erase the installed troves they match;
they must follow a '--' so they aren't taken for flags.

Change set files given as arguments (ending in '.ccs') are installed
directly.

When not running as root, ownership changes and device nodes can't be
applied. Use '--journal' to record them as a script that can be run
later as root.`,
		Example: `  # Install or update foo.
  trove update foo

  # Update foo and erase bar.
  trove update foo -- -bar

  # Install a local change set.
  trove update ./foo.ccs`,
		Run:     errorCfgRun(h.update),
		Args:    cobra.MinimumNArgs(1),
		Aliases: []string{"install"},
	}
	updateCmd.Flags().Bool("test", false, "show what would be done without doing it")
	updateCmd.Flags().String("journal", "", "record privileged operations in this script")
	updateCmd.Flags().Bool("no-channels", false, "don't search the synchronized channels")
	cmd.AddCommand(updateCmd)

	eraseCmd := &cobra.Command{
		Use:   "erase <spec>...",
		Short: "Erases installed troves",
		Run:   errorCfgRun(h.erase),
		Args:  cobra.MinimumNArgs(1),
	}
	eraseCmd.Flags().Bool("test", false, "show what would be done without doing it")
	cmd.AddCommand(eraseCmd)

	verifyCmd := &cobra.Command{
		Use:   "verify [<spec>...]",
		Short: "Compares installed files with the filesystem",
		Long: `Compares the files of installed troves with what is on disk.

Without a spec every installed trove is verified. Changes are shown as a
git diff. When not running as root, differences in ownership are
ignored.`,
		Run:  errorCfgRun(h.verify),
		Args: cobra.ArbitraryArgs,
	}
	cmd.AddCommand(verifyCmd)
}

// updateJobs turns found troves into jobs against what db has
// installed. Troves that are installed already are skipped.
func updateJobs(ctx context.Context, db trovesource.Source, tups []trove.Tuple) ([]trove.Job, error) {
	var jobs []trove.Job
	for _, tup := range tups {
		installed, err := db.TroveVersionList(ctx, tup.Name)
		if err != nil {
			return nil, err
		}
		var same, onBranch []trove.Tuple
		for _, have := range installed {
			switch {
			case have.Equal(tup):
				same = append(same, have)
			case have.Version.OnBranch(tup.Version.Branch()):
				onBranch = append(onBranch, have)
			}
		}
		switch {
		case len(same) > 0:
			continue
		case len(onBranch) > 0:
			trove.SortTuples(onBranch)
			jobs = append(jobs, trove.UpdateJob(onBranch[len(onBranch)-1], tup))
		case len(installed) == 1:
			jobs = append(jobs, trove.UpdateJob(installed[0], tup))
		default:
			jobs = append(jobs, trove.InstallJob(tup, false))
		}
	}
	return jobs, nil
}

// channelSource indexes the change set files of every synchronized
// channel. It returns nil when there is none.
func (h *troveHandler) channelSource(ctx context.Context, db trovesource.Source) (*trovesource.ChangesetFiles, error) {
	var paths []string
	for _, ch := range h.cfg.Channels {
		dir, err := h.channelDir(ch)
		if err != nil {
			return nil, err
		}
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			h.ui.ReportWarning("channel '%s' isn't synchronized", ch.Name)
			continue
		}
		found, err := channelFiles(dir)
		if err != nil {
			return nil, err
		}
		paths = append(paths, found...)
	}
	src, _, err := h.changeSetFiles(ctx, db, paths)
	return src, err
}

// changeSetFiles indexes the change set files at paths. It also returns
// the primary troves of the files, or all their troves when a file has
// no primaries.
func (h *troveHandler) changeSetFiles(ctx context.Context, db trovesource.Source, paths []string) (*trovesource.ChangesetFiles, []trove.Tuple, error) {
	if len(paths) == 0 {
		return nil, nil, nil
	}
	src := trovesource.NewChangesetFiles(db, trovesource.StoreDeps(), trovesource.WithCSFilesLogger(h.log))
	var tups []trove.Tuple
	for _, p := range paths {
		cs, err := src.AddChangeSetFile(ctx, p, h.readOptions())
		if err != nil {
			src.Close()
			return nil, nil, errors.Wrapf(err, "reading '%s'", p)
		}
		primary := cs.Primary()
		if len(primary) == 0 {
			for _, tcs := range cs.NewTroves() {
				primary = append(primary, tcs.NewTuple())
			}
		}
		tups = append(tups, primary...)
	}
	return src, tups, nil
}

func (h *troveHandler) update(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	dryRun, err := cmd.Flags().GetBool("test")
	if err != nil {
		return err
	}
	journalPath, err := cmd.Flags().GetString("journal")
	if err != nil {
		return err
	}
	noChannels, err := cmd.Flags().GetBool("no-channels")
	if err != nil {
		return err
	}

	var installArgs, eraseArgs, csFiles []string
	for _, a := range args {
		switch {
		case strings.HasPrefix(a, "-"):
			eraseArgs = append(eraseArgs, a[1:])
		case strings.HasSuffix(a, ".ccs"):
			csFiles = append(csFiles, a)
		default:
			installArgs = append(installArgs, a)
		}
	}

	var dbOpts []repository.Option
	if journalPath != "" && !dryRun {
		f, err := os.Create(journalPath)
		if err != nil {
			return err
		}
		defer f.Close()
		journal := newScriptJournal(f)
		dbOpts = append(dbOpts, repository.WithJournal(journal))
		defer func() {
			if journal.err != nil {
				h.ui.ReportWarning("journal '%s' is incomplete: %v", journalPath, journal.err)
			}
		}()
	}
	db, err := h.openDB(dbOpts...)
	if err != nil {
		return err
	}
	defer db.Close()

	var sources []trovesource.Source
	local, tups, err := h.changeSetFiles(ctx, db, csFiles)
	if err != nil {
		return err
	}
	if local != nil {
		defer local.Close()
		sources = append(sources, local)
	}
	if !noChannels {
		channels, err := h.channelSource(ctx, db)
		if err != nil {
			return err
		}
		if channels != nil {
			defer channels.Close()
			sources = append(sources, channels)
		}
	}

	if len(installArgs) > 0 {
		tr, err := h.transport()
		if err != nil {
			return err
		}
		labels, err := h.labelPath()
		if err != nil {
			return err
		}
		remote, _, err := h.remoteSource(tr, labels)
		if err != nil {
			return err
		}
		sources = append(sources, remote)
		specs, err := parseSpecs(installArgs)
		if err != nil {
			return err
		}
		opts, err := h.findOptions(db)
		if err != nil {
			return err
		}
		found, err := findInOrder(ctx, trovesource.NewStack(sources...), specs, opts)
		if err != nil {
			return err
		}
		tups = append(tups, found...)
	}

	jobs, err := updateJobs(ctx, db, tups)
	if err != nil {
		return err
	}
	erase, err := h.installedMatches(ctx, db, eraseArgs)
	if err != nil {
		return err
	}
	for _, tup := range erase {
		jobs = append(jobs, trove.EraseJob(tup))
	}
	if len(jobs) == 0 {
		h.ui.ReportInfo("Nothing to do")
		return nil
	}
	for _, j := range jobs {
		fmt.Fprintln(cmd.OutOrStdout(), j.String())
	}
	if dryRun {
		return nil
	}

	var build []trove.Job
	for _, j := range jobs {
		if !j.IsErase() {
			build = append(build, j)
		}
	}
	if len(build) > 0 {
		cs, err := h.buildUpdate(ctx, trovesource.NewStack(sources...), build)
		if err != nil {
			return err
		}
		defer cs.Close()
		result, err := db.Commit(ctx, cs, repository.CommitOptions{
			Callback: &repository.CommitCallback{
				Restoring: func(done, total int) {
					h.log.WithField("done", done).WithField("total", total).Debug("restoring contents")
				},
			},
		})
		if err != nil {
			return err
		}
		h.log.WithField("commit", result.ID).WithField("contents", result.Contents).Info("installed troves")
	}
	for _, tup := range erase {
		if err := db.EraseTrove(ctx, tup); err != nil {
			return err
		}
	}
	return nil
}

// buildUpdate builds the change set for jobs. Relative jobs no source
// can build are retried as absolute ones.
func (h *troveHandler) buildUpdate(ctx context.Context, src trovesource.Source, jobs []trove.Job) (*changeset.ChangeSet, error) {
	opts := changeset.BuildOptions{
		Recurse:          true,
		WithFiles:        true,
		WithFileContents: true,
		Log:              h.log,
	}
	cs, remainder, err := src.CreateChangeSet(ctx, jobs, opts)
	if err != nil {
		return nil, err
	}
	if len(remainder) > 0 {
		for i := range remainder {
			remainder[i].Absolute = true
		}
		var more *changeset.ChangeSet
		more, remainder, err = src.CreateChangeSet(ctx, remainder, opts)
		if err == nil {
			err = cs.Merge(more, changeset.MergeOptions{})
		}
		if err != nil {
			cs.Close()
			return nil, err
		}
	}
	if len(remainder) > 0 {
		cs.Close()
		return nil, h.ui.ReportError("no source can build %s", remainder[0])
	}
	return cs, nil
}

// installedMatches resolves specs against the database.
func (h *troveHandler) installedMatches(ctx context.Context, db *repository.Repository, args []string) ([]trove.Tuple, error) {
	if len(args) == 0 {
		return nil, nil
	}
	specs, err := parseSpecs(args)
	if err != nil {
		return nil, err
	}
	return findInOrder(ctx, db, specs, trovesource.FindOptions{Log: h.log})
}

func (h *troveHandler) erase(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	dryRun, err := cmd.Flags().GetBool("test")
	if err != nil {
		return err
	}
	db, err := h.openDB()
	if err != nil {
		return err
	}
	defer db.Close()
	tups, err := h.installedMatches(ctx, db, args)
	if err != nil {
		return err
	}
	for _, tup := range tups {
		fmt.Fprintln(cmd.OutOrStdout(), trove.EraseJob(tup).String())
		if dryRun {
			continue
		}
		if err := db.EraseTrove(ctx, tup); err != nil {
			return err
		}
	}
	return nil
}

// verifySource serves the installed troves from the database and their
// on-disk state from the filesystem.
type verifySource struct {
	db       *repository.Repository
	local    map[string]*trove.Trove
	files    map[files.FileID]*files.File
	contents map[digest.Sha1]string
}

func (s *verifySource) GetTrove(ctx context.Context, tup trove.Tuple) (*trove.Trove, error) {
	if trv, ok := s.local[tup.Key()]; ok {
		return trv.Copy(), nil
	}
	return s.db.GetTrove(ctx, tup)
}

func (s *verifySource) GetFile(ctx context.Context, pathID files.PathID, fileID files.FileID) (*files.File, error) {
	if f, ok := s.files[fileID]; ok {
		f = f.Copy()
		f.PathID = pathID
		return f, nil
	}
	return s.db.GetFile(ctx, pathID, fileID)
}

func (s *verifySource) GetContents(ctx context.Context, sha1 digest.Sha1) (changeset.Contents, error) {
	if path, ok := s.contents[sha1]; ok {
		return changeset.FromFile(path), nil
	}
	return s.db.GetContents(ctx, sha1)
}

// localState returns a copy of installed that references the files as
// they are on disk, shadowed onto the local label. Changed reports the
// changed fields by path.
func (s *verifySource) localState(ctx context.Context, root string, installed *trove.Trove, ignoreOwner bool) (*trove.Trove, map[string][]string, error) {
	local := installed.Copy()
	v := installed.Version().CreateShadow(versions.LocalLabel)
	local.SetVersion(v)
	changed := map[string][]string{}
	for _, ref := range installed.Files() {
		stored, err := s.db.GetFile(ctx, ref.PathID, ref.FileID)
		if err != nil {
			return nil, nil, err
		}
		path := filepath.Join(root, ref.Path)
		disk, err := files.FromFilesystem(path, ref.PathID)
		if os.IsNotExist(errors.Cause(err)) {
			local.RemoveFile(ref.PathID)
			changed[ref.Path] = []string{"missing"}
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		disk.Flags.Set(stored.Flags.Get())
		if ignoreOwner {
			disk.Inode.Owner.Set(stored.Inode.Owner.Get())
			disk.Inode.Group.Set(stored.Inode.Group.Get())
		}
		if stored.Equal(disk) {
			continue
		}
		fields, err := files.FieldsChanged(stored.Diff(disk))
		if err != nil {
			return nil, nil, err
		}
		changed[ref.Path] = fields
		s.files[disk.FileID()] = disk
		if disk.HasContents() {
			s.contents[disk.Sha1()] = path
		}
		if err := local.UpdateFile(ref.PathID, "", v, disk.FileID()); err != nil {
			return nil, nil, err
		}
	}
	local.ComputeDigests()
	s.local[local.Tuple().Key()] = local
	return local, changed, nil
}

func (h *troveHandler) verify(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	db, err := h.openDB()
	if err != nil {
		return err
	}
	defer db.Close()
	var tups []trove.Tuple
	if len(args) == 0 {
		tups, err = db.AllTroves(ctx)
	} else {
		tups, err = h.installedMatches(ctx, db, args)
	}
	if err != nil {
		return err
	}

	src := &verifySource{
		db:       db,
		local:    map[string]*trove.Trove{},
		files:    map[files.FileID]*files.File{},
		contents: map[digest.Sha1]string{},
	}
	var jobs []trove.Job
	modified := 0
	for _, tup := range tups {
		installed, err := db.GetTrove(ctx, tup)
		if err != nil {
			return err
		}
		if !installed.HasFiles() {
			continue
		}
		local, changed, err := src.localState(ctx, h.root(), installed, os.Getuid() != 0)
		if err != nil {
			return err
		}
		if len(changed) == 0 {
			continue
		}
		for path, fields := range changed {
			h.log.WithField("trove", tup.Name).WithField("path", path).WithField("changed", fields).Debug("modified file")
		}
		modified += len(changed)
		jobs = append(jobs, trove.UpdateJob(tup, local.Tuple()))
	}
	if len(jobs) == 0 {
		return nil
	}
	cs, _, err := changeset.Build(ctx, src, jobs, changeset.BuildOptions{
		WithFiles:        true,
		WithFileContents: true,
		Log:              h.log,
	})
	if err != nil {
		return err
	}
	defer cs.Close()
	if err := changeset.GitDiff(ctx, cmd.OutOrStdout(), cs, src); err != nil {
		return err
	}
	return h.ui.ReportError("%d file(s) differ from the installed troves", modified)
}
