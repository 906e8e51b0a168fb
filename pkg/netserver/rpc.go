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
	"context"
	"os"

	"github.com/pkg/errors"
	"github.com/toitlang/trove/pkg/changeset"
	"github.com/toitlang/trove/pkg/errs"
	"github.com/toitlang/trove/pkg/netclient"
	"github.com/toitlang/trove/pkg/repository"
	"github.com/toitlang/trove/pkg/trove"
	"github.com/toitlang/trove/pkg/trovesource"
	"github.com/toitlang/trove/pkg/versions"
	"github.com/vmihailenco/msgpack/v5"
)

type call struct {
	id       *Identity
	protocol int
	body     []byte
}

func (c *call) decode(v interface{}) error {
	if err := msgpack.Unmarshal(c.body, v); err != nil {
		return errs.Parsef("malformed arguments: %v", err)
	}
	return nil
}

type method struct {
	fn    func(ctx context.Context, c *call) (interface{}, error)
	admin bool
}

func (s *Server) rpcMethods() map[string]method {
	m := map[string]method{
		netclient.MethodCheckVersion:           {fn: s.checkVersion},
		netclient.MethodHasTroves:              {fn: s.hasTroves},
		netclient.MethodGetTroves:              {fn: s.getTroves},
		netclient.MethodGetTroveVersionList:    {fn: s.getTroveVersionList},
		netclient.MethodFindTroves:             {fn: s.findTroves},
		netclient.MethodGetDepsForTroveList:    {fn: s.getDepsForTroveList},
		netclient.MethodGetTroveInfo:           {fn: s.getTroveInfo},
		netclient.MethodResolveDependencies:    {fn: s.resolveDependencies},
		netclient.MethodGetFileContents:        {fn: s.getFileContents},
		netclient.MethodGetFileVersions:        {fn: s.getFileVersions},
		netclient.MethodGetChangeSet:           {fn: s.getChangeSet},
		netclient.MethodPrepareChangeSet:       {fn: s.prepareChangeSet},
		netclient.MethodCommitChangeSet:        {fn: s.commitChangeSet},
		netclient.MethodGetTroveVersionsByPath: {fn: s.getTroveVersionsByPath},
		netclient.MethodAddUser:                {fn: s.addUser, admin: true},
		netclient.MethodDeleteUserByName:       {fn: s.deleteUser, admin: true},
		netclient.MethodAddRole:                {fn: s.addRole, admin: true},
		netclient.MethodAddAcl:                 {fn: s.addAcl, admin: true},
		netclient.MethodAddEntitlementClass:    {fn: s.addEntitlementClass, admin: true},
		netclient.MethodAddEntitlementKeys:     {fn: s.addEntitlementKeys, admin: true},
	}
	for _, name := range []string{
		netclient.MethodGetTroveLeavesByLabel,
		netclient.MethodGetTroveLatestByLabel,
		netclient.MethodGetTroveVersionsByLabel,
		netclient.MethodGetTroveLeavesByBranch,
		netclient.MethodGetTroveVersionsByBranch,
		netclient.MethodGetTroveVersionFlavors,
	} {
		name := name
		m[name] = method{fn: func(ctx context.Context, c *call) (interface{}, error) {
			return s.search(ctx, c, name)
		}}
	}
	return m
}

func (s *Server) checkVersion(ctx context.Context, c *call) (interface{}, error) {
	return s.ServerVersions(), nil
}

func (c *call) tuples(ws []netclient.Tuple) ([]trove.Tuple, error) {
	tups, err := netclient.TuplesFromWire(ws)
	if err != nil {
		return nil, errs.Parsef("malformed trove: %v", err)
	}
	return tups, nil
}

func (s *Server) hasTroves(ctx context.Context, c *call) (interface{}, error) {
	var args netclient.TuplesArgs
	if err := c.decode(&args); err != nil {
		return nil, err
	}
	tups, err := c.tuples(args.Tuples)
	if err != nil {
		return nil, err
	}
	found, err := s.repo.HasTroves(ctx, tups)
	if err != nil {
		return nil, err
	}
	for i, t := range tups {
		found[i] = found[i] && c.id.CanRead(t)
	}
	return found, nil
}

// readableTroves fetches troves, leaving nil for the missing and the
// unreadable ones.
func (s *Server) readableTroves(ctx context.Context, c *call, ws []netclient.Tuple) ([]trove.Tuple, []*trove.Trove, error) {
	tups, err := c.tuples(ws)
	if err != nil {
		return nil, nil, err
	}
	ts, err := s.repo.GetTroves(ctx, tups, true)
	if err != nil {
		return nil, nil, err
	}
	for i, t := range tups {
		if !c.id.CanRead(t) {
			ts[i] = nil
		}
	}
	return tups, ts, nil
}

func (s *Server) getTroves(ctx context.Context, c *call) (interface{}, error) {
	var args netclient.TuplesArgs
	if err := c.decode(&args); err != nil {
		return nil, err
	}
	_, ts, err := s.readableTroves(ctx, c, args.Tuples)
	if err != nil {
		return nil, err
	}
	result := make([][]byte, len(ts))
	for i, t := range ts {
		if t == nil {
			continue
		}
		if !args.WithFiles && t.HasFiles() {
			t = t.Copy()
			for _, ref := range t.Files() {
				t.RemoveFile(ref.PathID)
			}
		}
		result[i] = t.Freeze()
	}
	return result, nil
}

func (s *Server) getTroveVersionList(ctx context.Context, c *call) (interface{}, error) {
	var args netclient.NameArgs
	if err := c.decode(&args); err != nil {
		return nil, err
	}
	tups, err := s.repo.TroveVersionList(ctx, args.Name)
	if err != nil {
		return nil, err
	}
	return netclient.TuplesToWire(c.id.filterReadable(tups)), nil
}

func (c *call) filterMatches(m map[string][]trove.Tuple) map[string][]netclient.Tuple {
	for name, tups := range m {
		if tups = c.id.filterReadable(tups); len(tups) == 0 {
			delete(m, name)
		} else {
			m[name] = tups
		}
	}
	return netclient.MatchesToWire(m)
}

func (s *Server) search(ctx context.Context, c *call, name string) (interface{}, error) {
	var args netclient.SearchArgs
	if err := c.decode(&args); err != nil {
		return nil, err
	}
	f, _ := netclient.SearchFilter(name, &args)
	prefs, err := netclient.ThawSets(args.Preferences)
	if err != nil {
		return nil, errs.Parsef("malformed flavor preference: %v", err)
	}
	f.Preferences = prefs
	q, err := netclient.QueryFromWire(args.Query)
	if err != nil {
		return nil, errs.Parsef("malformed query: %v", err)
	}
	m, err := s.repo.Search(ctx, q, f)
	if err != nil {
		return nil, err
	}
	return c.filterMatches(m), nil
}

func (s *Server) findTroves(ctx context.Context, c *call) (interface{}, error) {
	var args netclient.FindArgs
	if err := c.decode(&args); err != nil {
		return nil, err
	}
	opts := trovesource.FindOptions{
		AcrossLabels:  args.AcrossLabels,
		AcrossFlavors: args.AcrossFlavors,
		AllowMissing:  args.AllowMissing,
		AllVersions:   args.AllVersions,
		AllFlavors:    args.AllFlavors,
		Log:           s.log,
	}
	var err error
	if opts.LabelPath, err = netclient.ParseLabels(args.LabelPath); err != nil {
		return nil, err
	}
	if opts.DefaultFlavors, err = netclient.ThawSets(args.DefaultFlavors); err != nil {
		return nil, errs.Parsef("malformed flavor: %v", err)
	}
	if opts.FlavorPreferences, err = netclient.ThawSets(args.Preferences); err != nil {
		return nil, errs.Parsef("malformed flavor preference: %v", err)
	}
	specs := make([]trovesource.Spec, len(args.Specs))
	for i, str := range args.Specs {
		if specs[i], err = trovesource.ParseSpec(str); err != nil {
			return nil, err
		}
	}
	results, err := trovesource.FindTroves(ctx, s.repo, specs, opts)
	if err != nil {
		return nil, err
	}
	wire := map[string][]netclient.Tuple{}
	for spec, tups := range results {
		tups = c.id.filterReadable(tups)
		if len(tups) == 0 && !opts.AllowMissing {
			return nil, &errs.TroveNotFound{Msg: "trove " + spec.String() + " not found"}
		}
		wire[spec.String()] = netclient.TuplesToWire(tups)
	}
	return wire, nil
}

func (s *Server) getDepsForTroveList(ctx context.Context, c *call) (interface{}, error) {
	var args netclient.TuplesArgs
	if err := c.decode(&args); err != nil {
		return nil, err
	}
	tups, ts, err := s.readableTroves(ctx, c, args.Tuples)
	if err != nil {
		return nil, err
	}
	result := make([]netclient.TroveDeps, len(ts))
	for i, t := range ts {
		if t == nil {
			return nil, &errs.TroveMissing{Name: tups[i].Name, Version: tups[i].Version.String(), Flavor: tups[i].Flavor.String()}
		}
		result[i] = netclient.TroveDeps{Provides: t.Provides().Freeze(), Requires: t.Requires().Freeze()}
	}
	return result, nil
}

func (s *Server) getTroveInfo(ctx context.Context, c *call) (interface{}, error) {
	var args netclient.TroveInfoArgs
	if err := c.decode(&args); err != nil {
		return nil, err
	}
	_, ts, err := s.readableTroves(ctx, c, args.Tuples)
	if err != nil {
		return nil, err
	}
	result := make([][]byte, len(ts))
	for i, t := range ts {
		if t == nil {
			continue
		}
		field, ok := netclient.InfoField(&t.Info, args.Tag)
		if !ok {
			return nil, errs.Parsef("unknown trove info tag %d", args.Tag)
		}
		result[i] = append([]byte{}, field.Stream.Freeze(nil)...)
	}
	return result, nil
}

func (s *Server) resolveDependencies(ctx context.Context, c *call) (interface{}, error) {
	var args netclient.ResolveArgs
	if err := c.decode(&args); err != nil {
		return nil, err
	}
	var label versions.Label
	if args.Label != "" {
		var err error
		if label, err = versions.ParseLabel(args.Label); err != nil {
			return nil, err
		}
	}
	sets, err := netclient.ThawSets(args.DepSets)
	if err != nil {
		return nil, errs.Parsef("malformed dependency: %v", err)
	}
	found, err := s.repo.ResolveDependencies(ctx, label, sets, args.LeavesOnly)
	if err != nil {
		return nil, err
	}
	result := make([][][]netclient.Tuple, len(found))
	for i, perSet := range found {
		result[i] = make([][]netclient.Tuple, len(perSet))
		for j, tups := range perSet {
			result[i][j] = netclient.TuplesToWire(c.id.filterReadable(tups))
		}
	}
	return result, nil
}

func (c *call) fileRequests(ws []netclient.FileRequest) ([]trovesource.FileRequest, error) {
	reqs, err := netclient.FileRequestsFromWire(ws)
	if err != nil {
		return nil, errs.Parsef("malformed file request: %v", err)
	}
	return reqs, nil
}

func (s *Server) getFileContents(ctx context.Context, c *call) (interface{}, error) {
	var args netclient.FilesArgs
	if err := c.decode(&args); err != nil {
		return nil, err
	}
	reqs, err := c.fileRequests(args.Files)
	if err != nil {
		return nil, err
	}
	fs, err := s.repo.FileVersions(ctx, reqs)
	if err != nil {
		return nil, err
	}
	result := make([]string, len(fs))
	for i, f := range fs {
		if f == nil {
			return nil, &errs.FileStreamMissing{FileID: reqs[i].FileID.String()}
		}
		if !f.HasContents() {
			return nil, errors.Errorf("%s file %s has no contents", f.Kind, reqs[i].PathID)
		}
		ok, err := s.repo.Store().HasFile(f.Sha1())
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, &errs.FileContentsMissing{Sha1: f.Sha1().String()}
		}
		result[i] = netclient.ContentsPath[1:] + f.Sha1().String()
	}
	return result, nil
}

func (s *Server) getFileVersions(ctx context.Context, c *call) (interface{}, error) {
	var args netclient.FilesArgs
	if err := c.decode(&args); err != nil {
		return nil, err
	}
	reqs, err := c.fileRequests(args.Files)
	if err != nil {
		return nil, err
	}
	fs, err := s.repo.FileVersions(ctx, reqs)
	if err != nil {
		return nil, err
	}
	result := make([][]byte, len(fs))
	for i, f := range fs {
		if f != nil {
			result[i] = f.Freeze(nil)
		}
	}
	return result, nil
}

func (s *Server) getChangeSet(ctx context.Context, c *call) (interface{}, error) {
	var args netclient.ChangeSetArgs
	if err := c.decode(&args); err != nil {
		return nil, err
	}
	jobs, err := netclient.JobsFromWire(args.Jobs)
	if err != nil {
		return nil, errs.Parsef("malformed job: %v", err)
	}
	for _, j := range jobs {
		if !j.IsErase() && !c.id.CanRead(j.NewTuple()) {
			return nil, &errs.InsufficientPermission{Msg: "no access to " + j.NewTuple().String()}
		}
	}
	cs, remainder, err := s.repo.CreateChangeSet(ctx, jobs, changeset.BuildOptions{
		Recurse:                args.Recurse,
		WithFiles:              args.WithFiles,
		WithFileContents:       args.WithFileContents,
		ExcludeCapsuleContents: args.ExcludeCapsuleContents,
		Mirror:                 args.Mirror,
		Log:                    s.log,
	})
	if err != nil {
		return nil, err
	}
	defer cs.Close()
	f, err := os.CreateTemp(s.spool, "cs-*.ccs")
	if err != nil {
		return nil, err
	}
	err = cs.Write(f, changeset.NativeVersion(c.protocol))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(f.Name())
		return nil, err
	}
	id := s.spoolChangeSet(f.Name())
	return netclient.ChangeSetResult{
		URL:       netclient.ChangeSetPath[1:] + id,
		Remainder: netclient.JobsToWire(remainder),
	}, nil
}

func (s *Server) prepareChangeSet(ctx context.Context, c *call) (interface{}, error) {
	id := s.prepareUpload()
	return netclient.UploadResult{ID: id, URL: netclient.UploadPath[1:] + id}, nil
}

func (s *Server) commitChangeSet(ctx context.Context, c *call) (interface{}, error) {
	var args netclient.CommitArgs
	if err := c.decode(&args); err != nil {
		return nil, err
	}
	if args.Mirror && !c.id.IsAdmin() {
		return nil, &errs.InsufficientPermission{Msg: "mirror commits need an administrator"}
	}
	path, err := s.takeUpload(args.UploadID)
	if err != nil {
		return nil, err
	}
	defer os.Remove(path)
	cs, err := changeset.ReadFile(path, changeset.ReadOptions{TempDir: s.spool})
	if err != nil {
		return nil, &errs.CommitError{Msg: err.Error()}
	}
	defer cs.Close()
	for _, tcs := range cs.NewTroves() {
		if tup := tcs.NewTuple(); !c.id.CanWrite(tup) {
			return nil, &errs.InsufficientPermission{Msg: "no write access to " + tup.String()}
		}
	}
	for _, tup := range cs.OldTroves() {
		if !c.id.CanRemove(tup) {
			return nil, &errs.InsufficientPermission{Msg: "no remove access to " + tup.String()}
		}
	}
	res, err := s.repo.Commit(ctx, cs, repository.CommitOptions{Mirror: args.Mirror})
	if err != nil {
		return nil, err
	}
	return netclient.TuplesToWire(append(res.Troves, res.Erased...)), nil
}

func (s *Server) getTroveVersionsByPath(ctx context.Context, c *call) (interface{}, error) {
	var args netclient.PathArgs
	if err := c.decode(&args); err != nil {
		return nil, err
	}
	labels, err := netclient.ParseLabels(args.LabelPath)
	if err != nil {
		return nil, err
	}
	m, err := s.repo.TrovesByPath(ctx, args.Paths, labels)
	if err != nil {
		return nil, err
	}
	result := map[string][]netclient.Tuple{}
	for path, tups := range m {
		result[path] = netclient.TuplesToWire(c.id.filterReadable(tups))
	}
	return result, nil
}

func (s *Server) requireAuth() (*Auth, error) {
	if s.opts.auth == nil {
		return nil, &errs.NotImplemented{What: "user management without an auth database"}
	}
	return s.opts.auth, nil
}

func (s *Server) addUser(ctx context.Context, c *call) (interface{}, error) {
	var args netclient.UserArgs
	if err := c.decode(&args); err != nil {
		return nil, err
	}
	auth, err := s.requireAuth()
	if err != nil {
		return nil, err
	}
	return nil, auth.AddUser(args.User, args.Password, args.Roles)
}

func (s *Server) deleteUser(ctx context.Context, c *call) (interface{}, error) {
	var args netclient.UserArgs
	if err := c.decode(&args); err != nil {
		return nil, err
	}
	auth, err := s.requireAuth()
	if err != nil {
		return nil, err
	}
	return nil, auth.DeleteUser(args.User)
}

func (s *Server) addRole(ctx context.Context, c *call) (interface{}, error) {
	var args netclient.RoleArgs
	if err := c.decode(&args); err != nil {
		return nil, err
	}
	auth, err := s.requireAuth()
	if err != nil {
		return nil, err
	}
	return nil, auth.AddRole(args.Role, args.Admin)
}

func (s *Server) addAcl(ctx context.Context, c *call) (interface{}, error) {
	var args netclient.AclArgs
	if err := c.decode(&args); err != nil {
		return nil, err
	}
	auth, err := s.requireAuth()
	if err != nil {
		return nil, err
	}
	return nil, auth.AddAcl(args.Role, Acl{
		TroveGlob: args.TroveGlob,
		LabelGlob: args.LabelGlob,
		Write:     args.Write,
		Remove:    args.Remove,
	})
}

func (s *Server) addEntitlementClass(ctx context.Context, c *call) (interface{}, error) {
	var args netclient.EntitlementClassArgs
	if err := c.decode(&args); err != nil {
		return nil, err
	}
	auth, err := s.requireAuth()
	if err != nil {
		return nil, err
	}
	return nil, auth.AddEntitlementClass(args.Class, args.Role)
}

func (s *Server) addEntitlementKeys(ctx context.Context, c *call) (interface{}, error) {
	var args netclient.EntitlementKeysArgs
	if err := c.decode(&args); err != nil {
		return nil, err
	}
	auth, err := s.requireAuth()
	if err != nil {
		return nil, err
	}
	return nil, auth.AddEntitlementKeys(args.Class, args.Keys)
}
