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

package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/toitlang/trove/pkg/errs"
)

func (c *Client) newBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.initialBackoff
	b.MaxInterval = c.opts.maxBackoff
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// classify maps an error of the HTTP client. Certificate failures are
// final; everything else happened before a response arrived and may be
// retried.
func classify(u string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var unknownAuthority x509.UnknownAuthorityError
	var hostname x509.HostnameError
	var invalid x509.CertificateInvalidError
	var verification *tls.CertificateVerificationError
	if errors.As(err, &unknownAuthority) || errors.As(err, &hostname) ||
		errors.As(err, &invalid) || errors.As(err, &verification) {
		return &errs.OpenError{URL: u, Err: err}
	}
	return &errs.RequestError{URL: u, Err: err}
}
