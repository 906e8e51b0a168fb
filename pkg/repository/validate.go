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

package repository

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/toitlang/trove/pkg/errs"
	"github.com/toitlang/trove/pkg/trove"
)

const sourceSuffix = ":source"

// ValidTroveName checks that name only uses letters, digits and
// "+-.:@_", and has at most one nonempty component part.
func ValidTroveName(name string) bool {
	if name == "" {
		return false
	}
	for _, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case strings.ContainsRune("+-.:@_", c):
		default:
			return false
		}
	}
	parts := strings.Split(name, ":")
	if len(parts) > 2 || parts[0] == "" {
		return false
	}
	return len(parts) == 1 || parts[1] != ""
}

func (r *Repository) validateTuple(tx *indexTx, tup trove.Tuple) error {
	if !ValidTroveName(tup.Name) {
		return &errs.InvalidTroveName{Name: tup.Name}
	}
	if !r.opts.database && tup.Version.IsOnLocalHost() {
		return &errs.CommitError{Msg: fmt.Sprintf("can't commit %s on the local host to a repository", tup.Name)}
	}
	if tx.hasTrove(tup) {
		return &errs.CommitError{Msg: fmt.Sprintf("version %s of %s is already present", tup.Version, tup.Name)}
	}
	return nil
}

// sourceNames tracks the source names of the troves of one commit, keyed
// by package name and version.
type sourceNames map[string]string

func sourceKey(t *trove.Trove) string {
	return trove.PackageName(t.Name()) + "=" + t.Version().String()
}

// checkSourceName makes sure that every trove built from a source names a
// :source trove, and that all troves of a package version agree on it.
func (r *Repository) checkSourceName(tx *indexTx, t *trove.Trove, seen sourceNames) error {
	name, sn := t.Name(), t.SourceName()
	if sn == "" || strings.HasSuffix(name, sourceSuffix) {
		return nil
	}
	if !strings.HasSuffix(sn, sourceSuffix) {
		return &errs.InvalidSourceNameError{Name: name, SourceName: sn,
			Msg: fmt.Sprintf("source name %s of %s does not name a source trove", sn, name)}
	}
	mismatch := func(other string) error {
		return &errs.InvalidSourceNameError{Name: name, SourceName: sn,
			Msg: fmt.Sprintf("%s=%s uses source %s, other troves of that version use %s",
				name, t.Version(), sn, other)}
	}

	key := sourceKey(t)
	if other, ok := seen[key]; ok {
		if other != sn {
			return mismatch(other)
		}
		return nil
	}

	pkg := trove.PackageName(name)
	version := t.Version().String()
	err := tx.forEach([]byte(pkg), func(rec *troveRecord) error {
		if rec.Name != pkg && !strings.HasPrefix(rec.Name, pkg+":") {
			return nil
		}
		tup, err := rec.tuple()
		if err != nil || tup.Version.String() != version {
			return err
		}
		existing, err := rec.trove()
		if err != nil {
			return err
		}
		if other := existing.SourceName(); other != "" && other != sn {
			return mismatch(other)
		}
		return nil
	})
	if err != nil {
		return err
	}
	seen[key] = sn
	return nil
}

// checkSignatures applies the signature policy to a trove about to be
// committed.
func (r *Repository) checkSignatures(t *trove.Trove, log logrus.FieldLogger) error {
	sigs := t.Info.Sigs.Digital()
	if len(sigs) == 0 {
		if r.opts.requireSigs {
			return &errs.TroveChecksumMissing{Name: t.Name(), Version: t.Version().String(), Flavor: t.Flavor().String()}
		}
		return nil
	}
	keys := r.opts.keys
	if keys == nil {
		if !r.opts.requireSigs {
			return nil
		}
		return &errs.CommitError{Msg: "signatures are required but no keys are available"}
	}
	threshold := trove.TrustUntrusted
	if r.opts.requireSigs {
		threshold = r.opts.trustThreshold
	}
	_, missing, err := t.VerifyDigitalSignatures(threshold, keys)
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		log.WithField("trove", t.String()).Warnf("signed by unknown keys %s", strings.Join(missing, ", "))
	}
	return nil
}
