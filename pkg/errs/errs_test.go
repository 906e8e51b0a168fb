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

package errs

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestWireRoundTrip(t *testing.T) {
	tests := []error{
		&InsufficientPermission{Msg: "no access to foo"},
		&InternalServerError{Msg: "boom"},
		&TroveNotFound{Msg: "trove foo not found"},
		&FileStreamMissing{FileID: "0123"},
		&FileContentsMissing{Sha1: "abcd"},
		&CommitError{Msg: "foo already present"},
		&NotImplemented{What: "method frobnicate"},
		&ParseError{Msg: "malformed query"},
		&InvalidClientVersion{Msg: "protocol 10 is not supported"},
	}
	for _, err := range tests {
		var c Classed
		require.True(t, errors.As(err, &c))
		t.Run(c.Class(), func(t *testing.T) {
			got := FromClass(c.Class(), WireMessage(err))
			assert.Equal(t, err, got)
			assert.Equal(t, c.Class(), ClassOf(got))
		})
	}
}

func TestUnknownClass(t *testing.T) {
	err := FromClass("SomethingNew", "details")
	var ise *InternalServerError
	require.True(t, errors.As(err, &ise))
	assert.Contains(t, ise.Msg, "SomethingNew")
}

func TestClassThroughWrapping(t *testing.T) {
	err := errors.Wrap(fmt.Errorf("ctx: %w", &FileContentsMissing{Sha1: "ab"}), "fetching")
	assert.True(t, IsFileContentsMissing(err))
	assert.Equal(t, "FileContentsMissing", ClassOf(err))
	assert.Equal(t, "", ClassOf(errors.New("plain")))
	assert.False(t, IsTroveMissing(err))
}

func TestRetriable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"request", &RequestError{URL: "http://x", Err: errors.New("refused")}, true},
		{"unavailable", &ResponseError{URL: "http://x", Status: 503}, true},
		{"bad gateway", &ResponseError{URL: "http://x", Status: 502}, true},
		{"forbidden", &ResponseError{URL: "http://x", Status: 403}, false},
		{"other", &CommitError{Msg: "no"}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Retriable(errors.Wrap(tc.err, "wrapped")))
		})
	}
}

func TestGRPCStatus(t *testing.T) {
	s, ok := status.FromError(&InvalidClientVersion{Msg: "old"})
	require.True(t, ok)
	assert.Equal(t, codes.FailedPrecondition, s.Code())
	s, ok = status.FromError(&OpenError{URL: "http://x"})
	require.True(t, ok)
	assert.Equal(t, codes.Unavailable, s.Code())
}
