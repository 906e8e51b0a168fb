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
	"bytes"
	"context"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/toitlang/trove/pkg/changeset"
	"github.com/toitlang/trove/pkg/deps"
	"github.com/toitlang/trove/pkg/digest"
	"github.com/toitlang/trove/pkg/errs"
	"github.com/toitlang/trove/pkg/files"
	"github.com/toitlang/trove/pkg/streams"
	"github.com/toitlang/trove/pkg/transport"
	"github.com/toitlang/trove/pkg/trove"
	"github.com/toitlang/trove/pkg/trovesource"
	"github.com/toitlang/trove/pkg/versions"
	"github.com/vmihailenco/msgpack/v5"
)

// Client is a network repository. It speaks the RPC protocol over a
// transport.Client and negotiates the protocol version on first use.
type Client struct {
	base string
	tr   *transport.Client
	opts options
	log  logrus.FieldLogger

	mu       sync.Mutex
	protocol int
}

var _ trovesource.Source = (*Client)(nil)

type options struct {
	serverName string
	log        logrus.FieldLogger
}

type Option interface {
	applyOption(o *options)
}

type serverNameOption string

func (s serverNameOption) applyOption(o *options) { o.serverName = string(s) }

// WithServerName sends the repository name to proxies that serve more
// than one repository.
func WithServerName(name string) Option { return serverNameOption(name) }

type loggerOption struct{ log logrus.FieldLogger }

func (l loggerOption) applyOption(o *options) { o.log = l.log }

func WithLogger(log logrus.FieldLogger) Option { return loggerOption{log} }

// New creates a client for the repository at base, for example
// "https://repo.example.com/conary".
func New(base string, tr *transport.Client, opts ...Option) (*Client, error) {
	var o options
	for _, opt := range opts {
		opt.applyOption(&o)
	}
	if o.log == nil {
		o.log = logrus.StandardLogger()
	}
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		return nil, errors.Errorf("repository url '%s' must be http or https", base)
	}
	return &Client{
		base: strings.TrimSuffix(base, "/"),
		tr:   tr,
		opts: o,
		log:  o.log.WithField("repository", base),
	}, nil
}

// URL returns the base URL of the repository.
func (c *Client) URL() string { return c.base }

// ServerInfo is the result of CheckVersion.
type ServerInfo struct {
	// Versions are the protocol versions the server speaks.
	Versions []int
	// Protocol is the version the client uses from now on.
	Protocol int
	// Via lists the proxies the request passed, nearest first.
	Via []string
}

// CheckVersion asks the server for its protocol versions and picks the
// newest one both sides speak.
func (c *Client) CheckVersion(ctx context.Context) (*ServerInfo, error) {
	var vers []int
	hdr, err := c.rawCall(ctx, MethodCheckVersion, ProtocolMax, struct{}{}, &vers)
	if err != nil {
		return nil, err
	}
	best := 0
	for _, v := range vers {
		if v >= ProtocolMin && v <= ProtocolMax && v > best {
			best = v
		}
	}
	if best == 0 {
		return nil, &errs.OpenError{
			URL: c.base,
			Err: errors.Errorf("server protocol versions %v are not supported, this client speaks %d to %d", vers, ProtocolMin, ProtocolMax),
		}
	}
	c.mu.Lock()
	c.protocol = best
	c.mu.Unlock()
	return &ServerInfo{Versions: vers, Protocol: best, Via: ParseVia(hdr.Values(transport.HeaderVia))}, nil
}

// ParseVia splits Via header values into their entries.
func ParseVia(values []string) []string {
	var result []string
	for _, v := range values {
		for _, entry := range strings.Split(v, ",") {
			if entry = strings.TrimSpace(entry); entry != "" {
				result = append(result, entry)
			}
		}
	}
	return result
}

// Protocol returns the negotiated protocol version, negotiating it if
// needed.
func (c *Client) Protocol(ctx context.Context) (int, error) {
	c.mu.Lock()
	p := c.protocol
	c.mu.Unlock()
	if p != 0 {
		return p, nil
	}
	info, err := c.CheckVersion(ctx)
	if err != nil {
		return 0, err
	}
	return info.Protocol, nil
}

func (c *Client) call(ctx context.Context, method string, args, result interface{}) error {
	p, err := c.Protocol(ctx)
	if err != nil {
		return err
	}
	_, err = c.rawCall(ctx, method, p, args, result)
	return err
}

func (c *Client) newRequest(method, path string, body []byte, protocol int) (*transport.Request, error) {
	req, err := transport.NewRequest(method, c.base+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set(transport.HeaderVersion, strconv.Itoa(protocol))
	if c.opts.serverName != "" {
		req.Header.Set(transport.HeaderServerName, c.opts.serverName)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	resp, err := c.tr.Do(ctx, req)
	if err != nil {
		var respErr *errs.ResponseError
		if errors.As(err, &respErr) {
			switch respErr.Status {
			case http.StatusUnauthorized, http.StatusForbidden:
				return nil, &errs.InsufficientPermission{Msg: respErr.Error()}
			case http.StatusInternalServerError:
				return nil, &errs.InternalServerError{Msg: respErr.Error()}
			}
		}
		return nil, err
	}
	return resp, nil
}

func (c *Client) rawCall(ctx context.Context, method string, protocol int, args, result interface{}) (http.Header, error) {
	body, err := msgpack.Marshal(args)
	if err != nil {
		return nil, errors.Wrapf(err, "encoding arguments of %s", method)
	}
	req, err := c.newRequest(http.MethodPost, RPCPath+method, body, protocol)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", ContentType)
	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var reply Reply
	if err := msgpack.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return nil, errors.Wrapf(err, "decoding reply of %s", method)
	}
	if reply.Error != nil {
		c.log.WithField("method", method).WithField("class", reply.Error.Class).Debug(reply.Error.Message)
		return nil, errs.FromClass(reply.Error.Class, reply.Error.Message)
	}
	if result != nil {
		if err := msgpack.Unmarshal(reply.Result, result); err != nil {
			return nil, errors.Wrapf(err, "decoding result of %s", method)
		}
	}
	return resp.Header, nil
}

func (c *Client) Mode() trovesource.Mode { return trovesource.AsRepository }

func (c *Client) HasTroves(ctx context.Context, tups []trove.Tuple) ([]bool, error) {
	var result []bool
	if err := c.call(ctx, MethodHasTroves, TuplesArgs{Tuples: TuplesToWire(tups)}, &result); err != nil {
		return nil, err
	}
	if len(result) != len(tups) {
		return nil, errors.Errorf("%s returned %d results for %d troves", MethodHasTroves, len(result), len(tups))
	}
	return result, nil
}

func (c *Client) GetTroves(ctx context.Context, tups []trove.Tuple, withFiles bool) ([]*trove.Trove, error) {
	var frozen [][]byte
	args := TuplesArgs{Tuples: TuplesToWire(tups), WithFiles: withFiles}
	if err := c.call(ctx, MethodGetTroves, args, &frozen); err != nil {
		return nil, err
	}
	if len(frozen) != len(tups) {
		return nil, errors.Errorf("%s returned %d results for %d troves", MethodGetTroves, len(frozen), len(tups))
	}
	result := make([]*trove.Trove, len(tups))
	for i, frz := range frozen {
		if len(frz) == 0 {
			continue
		}
		t, err := trove.Thaw(frz)
		if err != nil {
			return nil, errors.Wrapf(err, "trove %s", tups[i])
		}
		result[i] = t
	}
	return result, nil
}

// GetTrove returns a trove or *errs.TroveMissing.
func (c *Client) GetTrove(ctx context.Context, tup trove.Tuple) (*trove.Trove, error) {
	ts, err := c.GetTroves(ctx, []trove.Tuple{tup}, true)
	if err != nil {
		return nil, err
	}
	if ts[0] == nil {
		return nil, &errs.TroveMissing{Name: tup.Name, Version: tup.Version.String(), Flavor: tup.Flavor.String()}
	}
	return ts[0], nil
}

func (c *Client) TroveVersionList(ctx context.Context, name string) ([]trove.Tuple, error) {
	var ws []Tuple
	if err := c.call(ctx, MethodGetTroveVersionList, NameArgs{Name: name}, &ws); err != nil {
		return nil, err
	}
	return TuplesFromWire(ws)
}

func (c *Client) Search(ctx context.Context, q trovesource.Query, f trovesource.Filter) (trovesource.Matches, error) {
	args := SearchArgs{
		Query:       QueryToWire(q),
		Flavors:     int(f.Flavors),
		Preferences: freezeSets(f.Preferences),
	}
	var ws map[string][]Tuple
	if err := c.call(ctx, SearchMethod(f), args, &ws); err != nil {
		return nil, err
	}
	m, err := matchesFromWire(ws)
	if err != nil {
		return nil, err
	}
	return trovesource.Matches(m), nil
}

func (c *Client) FileVersions(ctx context.Context, reqs []trovesource.FileRequest) ([]*files.File, error) {
	var frozen [][]byte
	if err := c.call(ctx, MethodGetFileVersions, FilesArgs{Files: FileRequestsToWire(reqs)}, &frozen); err != nil {
		return nil, err
	}
	if len(frozen) != len(reqs) {
		return nil, errors.Errorf("%s returned %d results for %d files", MethodGetFileVersions, len(frozen), len(reqs))
	}
	result := make([]*files.File, len(reqs))
	for i, frz := range frozen {
		if len(frz) == 0 {
			continue
		}
		f, err := files.Thaw(frz, reqs[i].PathID)
		if err != nil {
			return nil, err
		}
		result[i] = f
	}
	return result, nil
}

// GetFile returns a file stream or *errs.FileStreamMissing.
func (c *Client) GetFile(ctx context.Context, pathID files.PathID, fileID files.FileID) (*files.File, error) {
	fs, err := c.FileVersions(ctx, []trovesource.FileRequest{{PathID: pathID, FileID: fileID}})
	if err != nil {
		return nil, err
	}
	if fs[0] == nil {
		return nil, &errs.FileStreamMissing{FileID: fileID.String()}
	}
	return fs[0], nil
}

func (c *Client) ResolveDependencies(ctx context.Context, label versions.Label, depSets []*deps.Set, leavesOnly bool) ([][][]trove.Tuple, error) {
	args := ResolveArgs{DepSets: freezeSets(depSets), LeavesOnly: leavesOnly}
	if !label.IsZero() {
		args.Label = label.String()
	}
	var ws [][][]Tuple
	if err := c.call(ctx, MethodResolveDependencies, args, &ws); err != nil {
		return nil, err
	}
	result := make([][][]trove.Tuple, len(ws))
	for i, perSet := range ws {
		result[i] = make([][]trove.Tuple, len(perSet))
		for j, perDep := range perSet {
			tups, err := TuplesFromWire(perDep)
			if err != nil {
				return nil, err
			}
			result[i][j] = tups
		}
	}
	return result, nil
}

func (c *Client) TrovesByPath(ctx context.Context, paths []string, labelPath []versions.Label) (map[string][]trove.Tuple, error) {
	var ws map[string][]Tuple
	args := PathArgs{Paths: paths, LabelPath: labelsToWire(labelPath)}
	if err := c.call(ctx, MethodGetTroveVersionsByPath, args, &ws); err != nil {
		return nil, err
	}
	return matchesFromWire(ws)
}

// CreateChangeSet asks the server for a change set and streams it. The
// returned change set reads from the connection until it is closed.
func (c *Client) CreateChangeSet(ctx context.Context, jobs []trove.Job, opts changeset.BuildOptions) (*changeset.ChangeSet, []trove.Job, error) {
	args := ChangeSetArgs{
		Jobs:                   JobsToWire(jobs),
		Recurse:                opts.Recurse,
		WithFiles:              opts.WithFiles,
		WithFileContents:       opts.WithFileContents,
		ExcludeCapsuleContents: opts.ExcludeCapsuleContents,
		Mirror:                 opts.Mirror,
	}
	var res ChangeSetResult
	if err := c.call(ctx, MethodGetChangeSet, args, &res); err != nil {
		return nil, nil, err
	}
	remainder, err := JobsFromWire(res.Remainder)
	if err != nil {
		return nil, nil, err
	}
	p, err := c.Protocol(ctx)
	if err != nil {
		return nil, nil, err
	}
	req, err := c.newRequest(http.MethodGet, "/"+strings.TrimPrefix(res.URL, "/"), nil, p)
	if err != nil {
		return nil, nil, err
	}
	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	cs, err := changeset.Read(resp.Body, changeset.ReadOptions{})
	if err != nil {
		resp.Body.Close()
		return nil, nil, errors.Wrapf(err, "reading change set from %s", c.base)
	}
	return cs, remainder, nil
}

// GetContents returns contents by sha1 from the server's content URL.
func (c *Client) GetContents(ctx context.Context, sha1 digest.Sha1) (changeset.Contents, error) {
	return c.contents(ctx, ContentsPath+sha1.String()), nil
}

func (c *Client) contents(ctx context.Context, path string) changeset.Contents {
	return changeset.ContentsFunc(func() (io.ReadCloser, error) {
		p, err := c.Protocol(ctx)
		if err != nil {
			return nil, err
		}
		req, err := c.newRequest(http.MethodGet, "/"+strings.TrimPrefix(path, "/"), nil, p)
		if err != nil {
			return nil, err
		}
		resp, err := c.do(ctx, req)
		if err != nil {
			var respErr *errs.ResponseError
			if errors.As(err, &respErr) && respErr.Status == http.StatusNotFound {
				return nil, &errs.FileContentsMissing{Sha1: path[strings.LastIndex(path, "/")+1:]}
			}
			return nil, err
		}
		return resp.Body, nil
	})
}

// GetFileContents returns the contents of regular files. They are
// fetched when opened.
func (c *Client) GetFileContents(ctx context.Context, reqs []trovesource.FileRequest) ([]changeset.Contents, error) {
	var paths []string
	if err := c.call(ctx, MethodGetFileContents, FilesArgs{Files: FileRequestsToWire(reqs)}, &paths); err != nil {
		return nil, err
	}
	if len(paths) != len(reqs) {
		return nil, errors.Errorf("%s returned %d results for %d files", MethodGetFileContents, len(paths), len(reqs))
	}
	result := make([]changeset.Contents, len(paths))
	for i, p := range paths {
		result[i] = c.contents(ctx, p)
	}
	return result, nil
}

// FindTroves runs trove spec resolution on the server.
func (c *Client) FindTroves(ctx context.Context, specs []trovesource.Spec, opts trovesource.FindOptions) (trovesource.Results, error) {
	args := FindArgs{
		LabelPath:      labelsToWire(opts.LabelPath),
		DefaultFlavors: freezeSets(opts.DefaultFlavors),
		Preferences:    freezeSets(opts.FlavorPreferences),
		AcrossLabels:   opts.AcrossLabels,
		AcrossFlavors:  opts.AcrossFlavors,
		AllowMissing:   opts.AllowMissing,
		AllVersions:    opts.AllVersions,
		AllFlavors:     opts.AllFlavors,
	}
	bySpec := map[string]trovesource.Spec{}
	for _, s := range specs {
		args.Specs = append(args.Specs, s.String())
		bySpec[s.String()] = s
	}
	var ws map[string][]Tuple
	if err := c.call(ctx, MethodFindTroves, args, &ws); err != nil {
		return nil, err
	}
	result := trovesource.Results{}
	for str, w := range ws {
		spec, ok := bySpec[str]
		if !ok {
			return nil, errors.Errorf("%s returned unknown spec '%s'", MethodFindTroves, str)
		}
		tups, err := TuplesFromWire(w)
		if err != nil {
			return nil, err
		}
		result[spec] = tups
	}
	return result, nil
}

// GetDepsForTroveList returns what each trove provides and requires.
func (c *Client) GetDepsForTroveList(ctx context.Context, tups []trove.Tuple) (provides, requires []*deps.Set, err error) {
	var ws []TroveDeps
	if err := c.call(ctx, MethodGetDepsForTroveList, TuplesArgs{Tuples: TuplesToWire(tups)}, &ws); err != nil {
		return nil, nil, err
	}
	provides = make([]*deps.Set, len(ws))
	requires = make([]*deps.Set, len(ws))
	for i, w := range ws {
		if provides[i], err = thawFlavor(w.Provides); err != nil {
			return nil, nil, err
		}
		if requires[i], err = thawFlavor(w.Requires); err != nil {
			return nil, nil, err
		}
	}
	return provides, requires, nil
}

// GetTroveInfo fetches a single trove info field of each trove. The
// returned infos only have that field set; missing troves give nil.
func (c *Client) GetTroveInfo(ctx context.Context, tag byte, tups []trove.Tuple) ([]*trove.Info, error) {
	var frozen [][]byte
	args := TroveInfoArgs{Tag: tag, Tuples: TuplesToWire(tups)}
	if err := c.call(ctx, MethodGetTroveInfo, args, &frozen); err != nil {
		return nil, err
	}
	result := make([]*trove.Info, len(frozen))
	for i, frz := range frozen {
		if frz == nil {
			continue
		}
		info := &trove.Info{}
		field, ok := InfoField(info, tag)
		if !ok {
			return nil, errors.Errorf("unknown trove info tag %d", tag)
		}
		if err := field.Stream.Thaw(frz); err != nil {
			return nil, errors.Wrapf(err, "trove info %s of %s", field.Name, tups[i])
		}
		result[i] = info
	}
	return result, nil
}

// InfoField finds the field of info with the given tag.
func InfoField(info *trove.Info, tag byte) (streams.Field, bool) {
	for _, f := range info.Fields() {
		if f.Tag == tag {
			return f, true
		}
	}
	return streams.Field{}, false
}

// CommitChangeSet uploads cs in the native format of the negotiated
// protocol and commits it. It returns the troves committed.
func (c *Client) CommitChangeSet(ctx context.Context, cs *changeset.ChangeSet, mirror bool) ([]trove.Tuple, error) {
	p, err := c.Protocol(ctx)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := cs.Write(&buf, changeset.NativeVersion(p)); err != nil {
		return nil, err
	}
	var upload UploadResult
	if err := c.call(ctx, MethodPrepareChangeSet, struct{}{}, &upload); err != nil {
		return nil, err
	}
	req, err := c.newRequest(http.MethodPut, "/"+strings.TrimPrefix(upload.URL, "/"), buf.Bytes(), p)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}
	resp.Body.Close()

	var ws []Tuple
	if err := c.call(ctx, MethodCommitChangeSet, CommitArgs{UploadID: upload.ID, Mirror: mirror}, &ws); err != nil {
		return nil, err
	}
	tups, err := TuplesFromWire(ws)
	if err != nil {
		return nil, err
	}
	sort.Slice(tups, func(i, j int) bool { return tups[i].Less(tups[j]) })
	return tups, nil
}

func (c *Client) AddUser(ctx context.Context, user, password string, roles ...string) error {
	return c.call(ctx, MethodAddUser, UserArgs{User: user, Password: password, Roles: roles}, nil)
}

func (c *Client) DeleteUserByName(ctx context.Context, user string) error {
	return c.call(ctx, MethodDeleteUserByName, UserArgs{User: user}, nil)
}

// AddRole creates a role. Admin roles may call the administrative
// methods.
func (c *Client) AddRole(ctx context.Context, role string, admin bool) error {
	return c.call(ctx, MethodAddRole, RoleArgs{Role: role, Admin: admin}, nil)
}

// AddAcl grants a role access to the troves matching the globs.
func (c *Client) AddAcl(ctx context.Context, acl AclArgs) error {
	return c.call(ctx, MethodAddAcl, acl, nil)
}

func (c *Client) AddEntitlementClass(ctx context.Context, class, role string) error {
	return c.call(ctx, MethodAddEntitlementClass, EntitlementClassArgs{Class: class, Role: role}, nil)
}

func (c *Client) AddEntitlementKeys(ctx context.Context, class string, keys ...string) error {
	return c.call(ctx, MethodAddEntitlementKeys, EntitlementKeysArgs{Class: class, Keys: keys}, nil)
}
