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

package netclient

import (
	"github.com/pkg/errors"
	"github.com/toitlang/trove/pkg/deps"
	"github.com/toitlang/trove/pkg/digest"
	"github.com/toitlang/trove/pkg/files"
	"github.com/toitlang/trove/pkg/trove"
	"github.com/toitlang/trove/pkg/trovesource"
	"github.com/toitlang/trove/pkg/versions"
	"github.com/vmihailenco/msgpack/v5"
)

// Protocol versions this client speaks.
const (
	ProtocolMin = 36
	ProtocolMax = 72
)

// RPC method names.
const (
	MethodCheckVersion             = "checkVersion"
	MethodHasTroves                = "hasTroves"
	MethodGetTroves                = "getTroves"
	MethodGetTroveVersionList      = "getTroveVersionList"
	MethodGetTroveLeavesByLabel    = "getTroveLeavesByLabel"
	MethodGetTroveLatestByLabel    = "getTroveLatestByLabel"
	MethodGetTroveVersionsByLabel  = "getTroveVersionsByLabel"
	MethodGetTroveLeavesByBranch   = "getTroveLeavesByBranch"
	MethodGetTroveVersionsByBranch = "getTroveVersionsByBranch"
	MethodGetTroveVersionFlavors   = "getTroveVersionFlavors"
	MethodFindTroves               = "findTroves"
	MethodGetDepsForTroveList      = "getDepsForTroveList"
	MethodGetTroveInfo             = "getTroveInfo"
	MethodResolveDependencies      = "resolveDependencies"
	MethodGetFileContents          = "getFileContents"
	MethodGetFileVersions          = "getFileVersions"
	MethodGetChangeSet             = "getChangeSet"
	MethodPrepareChangeSet         = "prepareChangeSet"
	MethodCommitChangeSet          = "commitChangeSet"
	MethodGetTroveVersionsByPath   = "getTroveVersionsByPath"
	MethodAddUser                  = "addUser"
	MethodDeleteUserByName         = "deleteUserByName"
	MethodAddRole                  = "addRole"
	MethodAddAcl                   = "addAcl"
	MethodAddEntitlementClass      = "addEntitlementClass"
	MethodAddEntitlementKeys       = "addEntitlementKeys"
)

// Paths below the repository URL.
const (
	RPCPath       = "/rpc/"
	ChangeSetPath = "/changeset/"
	UploadPath    = "/upload/"
	ContentsPath  = "/contents/"
)

// ContentType of RPC bodies.
const ContentType = "application/x-msgpack"

// Reply is the body of every RPC response. Exactly one of Result and
// Error is set.
type Reply struct {
	Result msgpack.RawMessage `msgpack:"result,omitempty"`
	Error  *ReplyError        `msgpack:"error,omitempty"`
}

// ReplyError carries an error class of pkg/errs.
type ReplyError struct {
	Class   string `msgpack:"class"`
	Message string `msgpack:"message"`
}

// Tuple is the wire form of a trove tuple. Versions and flavors are
// frozen.
type Tuple struct {
	Name    string `msgpack:"n"`
	Version string `msgpack:"v"`
	Flavor  string `msgpack:"f"`
}

func TupleToWire(t trove.Tuple) Tuple {
	w := Tuple{Name: t.Name, Version: t.Version.Freeze()}
	if t.Flavor != nil {
		w.Flavor = t.Flavor.Freeze()
	}
	return w
}

func TuplesToWire(tups []trove.Tuple) []Tuple {
	result := make([]Tuple, len(tups))
	for i, t := range tups {
		result[i] = TupleToWire(t)
	}
	return result
}

func (w Tuple) Tuple() (trove.Tuple, error) {
	v, err := versions.Thaw(w.Version)
	if err != nil {
		return trove.Tuple{}, err
	}
	f, err := thawFlavor(w.Flavor)
	if err != nil {
		return trove.Tuple{}, err
	}
	return trove.NewTuple(w.Name, v, f), nil
}

func TuplesFromWire(ws []Tuple) ([]trove.Tuple, error) {
	result := make([]trove.Tuple, len(ws))
	for i, w := range ws {
		t, err := w.Tuple()
		if err != nil {
			return nil, err
		}
		result[i] = t
	}
	return result, nil
}

func thawFlavor(frz string) (*deps.Set, error) {
	if frz == "" {
		return deps.New(), nil
	}
	return deps.Thaw(frz)
}

func freezeSets(sets []*deps.Set) []string {
	result := make([]string, len(sets))
	for i, s := range sets {
		if s != nil {
			result[i] = s.Freeze()
		}
	}
	return result
}

// ThawSets thaws frozen flavors or dependency sets.
func ThawSets(frz []string) ([]*deps.Set, error) {
	result := make([]*deps.Set, len(frz))
	for i, s := range frz {
		set, err := thawFlavor(s)
		if err != nil {
			return nil, err
		}
		result[i] = set
	}
	return result, nil
}

// Job is the wire form of a trove job.
type Job struct {
	Name       string `msgpack:"n"`
	OldVersion string `msgpack:"ov,omitempty"`
	OldFlavor  string `msgpack:"of,omitempty"`
	NewVersion string `msgpack:"nv,omitempty"`
	NewFlavor  string `msgpack:"nf,omitempty"`
	Absolute   bool   `msgpack:"abs"`
}

func JobToWire(j trove.Job) Job {
	w := Job{Name: j.Name, Absolute: j.Absolute}
	if !j.OldVersion.IsZero() {
		w.OldVersion = j.OldVersion.Freeze()
		if j.OldFlavor != nil {
			w.OldFlavor = j.OldFlavor.Freeze()
		}
	}
	if !j.NewVersion.IsZero() {
		w.NewVersion = j.NewVersion.Freeze()
		if j.NewFlavor != nil {
			w.NewFlavor = j.NewFlavor.Freeze()
		}
	}
	return w
}

func JobsToWire(jobs []trove.Job) []Job {
	result := make([]Job, len(jobs))
	for i, j := range jobs {
		result[i] = JobToWire(j)
	}
	return result
}

func (w Job) Job() (trove.Job, error) {
	j := trove.Job{Name: w.Name, Absolute: w.Absolute}
	var err error
	if w.OldVersion != "" {
		if j.OldVersion, err = versions.Thaw(w.OldVersion); err != nil {
			return j, err
		}
		if j.OldFlavor, err = thawFlavor(w.OldFlavor); err != nil {
			return j, err
		}
	}
	if w.NewVersion != "" {
		if j.NewVersion, err = versions.Thaw(w.NewVersion); err != nil {
			return j, err
		}
		if j.NewFlavor, err = thawFlavor(w.NewFlavor); err != nil {
			return j, err
		}
	}
	return j, nil
}

func JobsFromWire(ws []Job) ([]trove.Job, error) {
	result := make([]trove.Job, len(ws))
	for i, w := range ws {
		j, err := w.Job()
		if err != nil {
			return nil, err
		}
		result[i] = j
	}
	return result, nil
}

// FileRequest is the wire form of trovesource.FileRequest.
type FileRequest struct {
	PathID  string `msgpack:"p"`
	FileID  string `msgpack:"f"`
	Version string `msgpack:"v"`
}

func FileRequestsToWire(reqs []trovesource.FileRequest) []FileRequest {
	result := make([]FileRequest, len(reqs))
	for i, r := range reqs {
		result[i] = FileRequest{PathID: r.PathID.String(), FileID: r.FileID.String()}
		if !r.Version.IsZero() {
			result[i].Version = r.Version.Freeze()
		}
	}
	return result
}

func FileRequestsFromWire(ws []FileRequest) ([]trovesource.FileRequest, error) {
	result := make([]trovesource.FileRequest, len(ws))
	for i, w := range ws {
		pathID, err := files.ParsePathID(w.PathID)
		if err != nil {
			return nil, err
		}
		fileID, err := digest.ParseHex(w.FileID)
		if err != nil {
			return nil, err
		}
		result[i] = trovesource.FileRequest{PathID: pathID, FileID: fileID}
		if w.Version != "" {
			if result[i].Version, err = versions.Thaw(w.Version); err != nil {
				return nil, err
			}
		}
	}
	return result, nil
}

// Request is the wire form of trovesource.Request.
type Request struct {
	Label   string   `msgpack:"l,omitempty"`
	Version string   `msgpack:"v,omitempty"`
	Flavors []string `msgpack:"f,omitempty"`
}

// SearchArgs are the arguments of the getTrove*By* methods.
type SearchArgs struct {
	Query       map[string][]Request `msgpack:"query"`
	Flavors     int                  `msgpack:"flavors"`
	Preferences []string             `msgpack:"prefs,omitempty"`
}

// SearchMethod returns the method answering queries with filter f.
func SearchMethod(f trovesource.Filter) string {
	switch f.Kind {
	case trovesource.ByLabel:
		switch f.Versions {
		case trovesource.Leaves:
			return MethodGetTroveLeavesByLabel
		case trovesource.Latest:
			return MethodGetTroveLatestByLabel
		}
		return MethodGetTroveVersionsByLabel
	case trovesource.ByBranch:
		if f.Versions == trovesource.AllVersions {
			return MethodGetTroveVersionsByBranch
		}
		return MethodGetTroveLeavesByBranch
	}
	return MethodGetTroveVersionFlavors
}

// SearchFilter is the inverse of SearchMethod. The flavor axis comes
// from the arguments.
func SearchFilter(method string, args *SearchArgs) (trovesource.Filter, bool) {
	var f trovesource.Filter
	switch method {
	case MethodGetTroveLeavesByLabel:
		f.Kind, f.Versions = trovesource.ByLabel, trovesource.Leaves
	case MethodGetTroveLatestByLabel:
		f.Kind, f.Versions = trovesource.ByLabel, trovesource.Latest
	case MethodGetTroveVersionsByLabel:
		f.Kind, f.Versions = trovesource.ByLabel, trovesource.AllVersions
	case MethodGetTroveLeavesByBranch:
		f.Kind, f.Versions = trovesource.ByBranch, trovesource.Leaves
	case MethodGetTroveVersionsByBranch:
		f.Kind, f.Versions = trovesource.ByBranch, trovesource.AllVersions
	case MethodGetTroveVersionFlavors:
		f.Kind, f.Versions = trovesource.ByVersion, trovesource.AllVersions
	default:
		return f, false
	}
	f.Flavors = trovesource.FlavorFilter(args.Flavors)
	return f, true
}

// QueryToWire freezes a query.
func QueryToWire(q trovesource.Query) map[string][]Request {
	result := make(map[string][]Request, len(q))
	for name, reqs := range q {
		ws := make([]Request, len(reqs))
		for i, r := range reqs {
			if !r.Label.IsZero() {
				ws[i].Label = r.Label.String()
			}
			if !r.Version.IsZero() {
				ws[i].Version = r.Version.Freeze()
			}
			if r.Flavors != nil {
				ws[i].Flavors = freezeSets(r.Flavors)
			}
		}
		result[name] = ws
	}
	return result
}

// QueryFromWire thaws a query.
func QueryFromWire(ws map[string][]Request) (trovesource.Query, error) {
	q := trovesource.Query{}
	for name, reqs := range ws {
		q[name] = make([]trovesource.Request, 0, len(reqs))
		for _, w := range reqs {
			var r trovesource.Request
			var err error
			if w.Label != "" {
				if r.Label, err = versions.ParseLabel(w.Label); err != nil {
					return nil, err
				}
			}
			if w.Version != "" {
				if r.Version, err = versions.Thaw(w.Version); err != nil {
					return nil, err
				}
			}
			if w.Flavors != nil {
				if r.Flavors, err = ThawSets(w.Flavors); err != nil {
					return nil, err
				}
			}
			q[name] = append(q[name], r)
		}
	}
	return q, nil
}

// MatchesToWire freezes search results.
func MatchesToWire(m map[string][]trove.Tuple) map[string][]Tuple {
	result := make(map[string][]Tuple, len(m))
	for name, tups := range m {
		result[name] = TuplesToWire(tups)
	}
	return result
}

func matchesFromWire(ws map[string][]Tuple) (map[string][]trove.Tuple, error) {
	result := make(map[string][]trove.Tuple, len(ws))
	for name, w := range ws {
		tups, err := TuplesFromWire(w)
		if err != nil {
			return nil, err
		}
		result[name] = tups
	}
	return result, nil
}

// ParseLabels parses a label path.
func ParseLabels(strs []string) ([]versions.Label, error) {
	result := make([]versions.Label, len(strs))
	for i, s := range strs {
		l, err := versions.ParseLabel(s)
		if err != nil {
			return nil, errors.Wrapf(err, "label '%s'", s)
		}
		result[i] = l
	}
	return result, nil
}

func labelsToWire(labels []versions.Label) []string {
	result := make([]string, len(labels))
	for i, l := range labels {
		result[i] = l.String()
	}
	return result
}

// Arguments and results of the remaining methods.
type (
	TuplesArgs struct {
		Tuples    []Tuple `msgpack:"tuples"`
		WithFiles bool    `msgpack:"withFiles,omitempty"`
	}
	NameArgs struct {
		Name string `msgpack:"name"`
	}
	FindArgs struct {
		Specs          []string `msgpack:"specs"`
		LabelPath      []string `msgpack:"labelPath,omitempty"`
		DefaultFlavors []string `msgpack:"flavors,omitempty"`
		Preferences    []string `msgpack:"prefs,omitempty"`
		AcrossLabels   bool     `msgpack:"acrossLabels,omitempty"`
		AcrossFlavors  bool     `msgpack:"acrossFlavors,omitempty"`
		AllowMissing   bool     `msgpack:"allowMissing,omitempty"`
		AllVersions    bool     `msgpack:"allVersions,omitempty"`
		AllFlavors     bool     `msgpack:"allFlavors,omitempty"`
	}
	TroveDeps struct {
		Provides string `msgpack:"provides"`
		Requires string `msgpack:"requires"`
	}
	TroveInfoArgs struct {
		Tag    byte    `msgpack:"tag"`
		Tuples []Tuple `msgpack:"tuples"`
	}
	ResolveArgs struct {
		Label      string   `msgpack:"label,omitempty"`
		DepSets    []string `msgpack:"deps"`
		LeavesOnly bool     `msgpack:"leavesOnly"`
	}
	FilesArgs struct {
		Files []FileRequest `msgpack:"files"`
	}
	ChangeSetArgs struct {
		Jobs                   []Job `msgpack:"jobs"`
		Recurse                bool  `msgpack:"recurse"`
		WithFiles              bool  `msgpack:"withFiles"`
		WithFileContents       bool  `msgpack:"withFileContents"`
		ExcludeCapsuleContents bool  `msgpack:"excludeCapsuleContents"`
		Mirror                 bool  `msgpack:"mirror"`
	}
	ChangeSetResult struct {
		URL       string `msgpack:"url"`
		Remainder []Job  `msgpack:"remainder,omitempty"`
	}
	UploadResult struct {
		ID  string `msgpack:"id"`
		URL string `msgpack:"url"`
	}
	CommitArgs struct {
		UploadID string `msgpack:"id"`
		Mirror   bool   `msgpack:"mirror,omitempty"`
	}
	PathArgs struct {
		Paths     []string `msgpack:"paths"`
		LabelPath []string `msgpack:"labelPath,omitempty"`
	}
	UserArgs struct {
		User     string   `msgpack:"user"`
		Password string   `msgpack:"password,omitempty"`
		Roles    []string `msgpack:"roles,omitempty"`
	}
	RoleArgs struct {
		Role  string `msgpack:"role"`
		Admin bool   `msgpack:"admin,omitempty"`
	}
	AclArgs struct {
		Role      string `msgpack:"role"`
		TroveGlob string `msgpack:"trove"`
		LabelGlob string `msgpack:"label"`
		Write     bool   `msgpack:"write,omitempty"`
		Remove    bool   `msgpack:"remove,omitempty"`
	}
	EntitlementClassArgs struct {
		Class string `msgpack:"class"`
		Role  string `msgpack:"role"`
	}
	EntitlementKeysArgs struct {
		Class string   `msgpack:"class"`
		Keys  []string `msgpack:"keys"`
	}
)
