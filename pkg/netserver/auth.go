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
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/gobwas/glob"
	"github.com/pkg/errors"
	"github.com/toitlang/trove/pkg/errs"
	"github.com/toitlang/trove/pkg/set"
	"github.com/toitlang/trove/pkg/transport"
	"github.com/toitlang/trove/pkg/trove"
	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"
	"golang.org/x/crypto/bcrypt"
)

var (
	usersBucket   = []byte("users")
	rolesBucket   = []byte("roles")
	aclsBucket    = []byte("acls")
	classesBucket = []byte("entitlementClasses")
	keysBucket    = []byte("entitlementKeys")
)

// AnonymousUser is the identity of clients without credentials.
const AnonymousUser = "anonymous"

type userRecord struct {
	Hash  []byte   `msgpack:"hash"`
	Roles []string `msgpack:"roles"`
}

type roleRecord struct {
	Admin bool `msgpack:"admin"`
}

// Acl grants a role access to the troves whose name and trailing label
// match the globs. Empty globs match everything.
type Acl struct {
	TroveGlob string `msgpack:"trove"`
	LabelGlob string `msgpack:"label"`
	Write     bool   `msgpack:"write"`
	Remove    bool   `msgpack:"remove"`
}

type compiledAcl struct {
	Acl
	trove glob.Glob
	label glob.Glob
}

func compileGlob(pattern string) (glob.Glob, error) {
	if pattern == "" {
		pattern = "*"
	}
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid pattern '%s'", pattern)
	}
	return g, nil
}

func (a Acl) compile() (*compiledAcl, error) {
	tg, err := compileGlob(a.TroveGlob)
	if err != nil {
		return nil, err
	}
	lg, err := compileGlob(a.LabelGlob)
	if err != nil {
		return nil, err
	}
	return &compiledAcl{Acl: a, trove: tg, label: lg}, nil
}

func (a *compiledAcl) matches(tup trove.Tuple) bool {
	return a.trove.Match(tup.Name) && a.label.Match(tup.Version.TrailingLabel().String())
}

// Auth is the user, role and entitlement database of a server.
type Auth struct {
	db        *bbolt.DB
	anonymous bool
}

// OpenAuth opens or creates the database at path. With anonymous set,
// clients without credentials may read every trove.
func OpenAuth(path string, anonymous bool) (*Auth, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 10 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "opening user database %s", path)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{usersBucket, rolesBucket, aclsBucket, classesBucket, keysBucket} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "creating user database buckets")
	}
	return &Auth{db: db, anonymous: anonymous}, nil
}

func (a *Auth) Close() error { return a.db.Close() }

func put(b *bbolt.Bucket, key string, v interface{}) error {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}

func get(b *bbolt.Bucket, key string, v interface{}) (bool, error) {
	data := b.Get([]byte(key))
	if data == nil {
		return false, nil
	}
	return true, msgpack.Unmarshal(data, v)
}

func keyDigest(class, key string) string {
	sum := sha256.Sum256([]byte(key))
	return class + "\x00" + hex.EncodeToString(sum[:])
}

// AddRole creates a role. Admin roles may call the administrative
// methods.
func (a *Auth) AddRole(name string, admin bool) error {
	return a.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(rolesBucket)
		if b.Get([]byte(name)) != nil {
			return errors.Errorf("role '%s' already exists", name)
		}
		return put(b, name, roleRecord{Admin: admin})
	})
}

func requireRole(tx *bbolt.Tx, role string) error {
	if tx.Bucket(rolesBucket).Get([]byte(role)) == nil {
		return errors.Errorf("role '%s' does not exist", role)
	}
	return nil
}

// AddUser creates a user with the given roles.
func (a *Auth) AddUser(name, password string, roles []string) error {
	if name == "" {
		return errors.New("user name is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	return a.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(usersBucket)
		if b.Get([]byte(name)) != nil {
			return errors.Errorf("user '%s' already exists", name)
		}
		for _, r := range roles {
			if err := requireRole(tx, r); err != nil {
				return err
			}
		}
		return put(b, name, userRecord{Hash: hash, Roles: roles})
	})
}

func (a *Auth) DeleteUser(name string) error {
	return a.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(usersBucket)
		if b.Get([]byte(name)) == nil {
			return errors.Errorf("user '%s' does not exist", name)
		}
		return b.Delete([]byte(name))
	})
}

// HasUser reports whether name exists.
func (a *Auth) HasUser(name string) (bool, error) {
	found := false
	err := a.db.View(func(tx *bbolt.Tx) error {
		found = tx.Bucket(usersBucket).Get([]byte(name)) != nil
		return nil
	})
	return found, err
}

func (a *Auth) AddAcl(role string, acl Acl) error {
	if _, err := acl.compile(); err != nil {
		return err
	}
	return a.db.Update(func(tx *bbolt.Tx) error {
		if err := requireRole(tx, role); err != nil {
			return err
		}
		b := tx.Bucket(aclsBucket)
		var acls []Acl
		if _, err := get(b, role, &acls); err != nil {
			return err
		}
		return put(b, role, append(acls, acl))
	})
}

// AddEntitlementClass creates an entitlement class whose keys grant
// role.
func (a *Auth) AddEntitlementClass(class, role string) error {
	return a.db.Update(func(tx *bbolt.Tx) error {
		if err := requireRole(tx, role); err != nil {
			return err
		}
		b := tx.Bucket(classesBucket)
		if b.Get([]byte(class)) != nil {
			return errors.Errorf("entitlement class '%s' already exists", class)
		}
		return b.Put([]byte(class), []byte(role))
	})
}

// AddEntitlementKeys adds keys to class. Only digests of the keys are
// stored.
func (a *Auth) AddEntitlementKeys(class string, keys []string) error {
	return a.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(classesBucket).Get([]byte(class)) == nil {
			return errors.Errorf("entitlement class '%s' does not exist", class)
		}
		b := tx.Bucket(keysBucket)
		for _, k := range keys {
			if err := b.Put([]byte(keyDigest(class, k)), []byte{1}); err != nil {
				return err
			}
		}
		return nil
	})
}

// Identity is an authenticated caller. A nil identity may do anything.
type Identity struct {
	User  string
	Roles []string
	Admin bool

	readAll bool
	acls    []*compiledAcl
}

// Identify authenticates a caller. Wrong passwords fail; unknown
// entitlements are ignored.
func (a *Auth) Identify(user, password string, hasUser bool, ents []transport.Entitlement) (*Identity, error) {
	id := &Identity{}
	var roles set.Set[string]
	err := a.db.View(func(tx *bbolt.Tx) error {
		if hasUser {
			var rec userRecord
			found, err := get(tx.Bucket(usersBucket), user, &rec)
			if err != nil {
				return err
			}
			if !found || bcrypt.CompareHashAndPassword(rec.Hash, []byte(password)) != nil {
				return &errs.InsufficientPermission{Msg: "bad user name or password"}
			}
			id.User = user
			roles.Add(rec.Roles...)
		}
		for _, e := range ents {
			role := tx.Bucket(classesBucket).Get([]byte(e.Class))
			if role == nil || tx.Bucket(keysBucket).Get([]byte(keyDigest(e.Class, e.Key))) == nil {
				continue
			}
			roles.Add(string(role))
		}
		for _, r := range set.Sorted(roles) {
			id.Roles = append(id.Roles, r)
			var role roleRecord
			if _, err := get(tx.Bucket(rolesBucket), r, &role); err != nil {
				return err
			}
			id.Admin = id.Admin || role.Admin
			var acls []Acl
			if _, err := get(tx.Bucket(aclsBucket), r, &acls); err != nil {
				return err
			}
			for _, acl := range acls {
				c, err := acl.compile()
				if err != nil {
					return err
				}
				id.acls = append(id.acls, c)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if id.User == "" && len(id.Roles) == 0 {
		if !a.anonymous {
			return nil, &errs.InsufficientPermission{Msg: "authentication required"}
		}
		id.User = AnonymousUser
		id.readAll = true
	}
	return id, nil
}

func (id *Identity) allowed(tup trove.Tuple, need func(*compiledAcl) bool) bool {
	if id == nil {
		return true
	}
	for _, acl := range id.acls {
		if acl.matches(tup) && need(acl) {
			return true
		}
	}
	return false
}

func (id *Identity) CanRead(tup trove.Tuple) bool {
	if id != nil && id.readAll {
		return true
	}
	return id.allowed(tup, func(*compiledAcl) bool { return true })
}

func (id *Identity) CanWrite(tup trove.Tuple) bool {
	return id.allowed(tup, func(a *compiledAcl) bool { return a.Write })
}

func (id *Identity) CanRemove(tup trove.Tuple) bool {
	return id.allowed(tup, func(a *compiledAcl) bool { return a.Remove })
}

func (id *Identity) IsAdmin() bool { return id == nil || id.Admin }

// filterReadable drops the tuples the caller may not see.
func (id *Identity) filterReadable(tups []trove.Tuple) []trove.Tuple {
	if id == nil || id.readAll {
		return tups
	}
	var result []trove.Tuple
	for _, t := range tups {
		if id.CanRead(t) {
			result = append(result, t)
		}
	}
	return result
}

// Bootstrap creates the admin role and user of cfg if they don't exist.
func (a *Auth) Bootstrap(admin *UserConfig) error {
	if admin == nil {
		return nil
	}
	exists, err := a.HasUser(admin.Name)
	if err != nil || exists {
		return err
	}
	var hasRole bool
	a.db.View(func(tx *bbolt.Tx) error {
		hasRole = tx.Bucket(rolesBucket).Get([]byte("admin")) != nil
		return nil
	})
	if !hasRole {
		if err := a.AddRole("admin", true); err != nil {
			return err
		}
		if err := a.AddAcl("admin", Acl{Write: true, Remove: true}); err != nil {
			return err
		}
	}
	return a.AddUser(admin.Name, admin.Password, []string{"admin"})
}
