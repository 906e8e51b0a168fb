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

// Package errs contains the error types shared by the trove packages.
//
// Every error carries a class name (used on the wire) and maps to a
// grpc status code, so that callers can classify any error with
// `status.Code(err)`.
package errs

import (
	"fmt"

	"github.com/pkg/errors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Classed is implemented by all errors of this package.
type Classed interface {
	error
	Class() string
}

// OpenError signals that a repository could not be reached.
type OpenError struct {
	URL string
	Err error
}

func (e *OpenError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("error opening %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("error opening %s", e.URL)
}
func (e *OpenError) Unwrap() error              { return e.Err }
func (e *OpenError) Class() string              { return "OpenError" }
func (e *OpenError) GRPCStatus() *status.Status { return status.New(codes.Unavailable, e.Error()) }

// InsufficientPermission is returned when the server refuses an operation.
type InsufficientPermission struct {
	Msg string
}

func (e *InsufficientPermission) Error() string {
	if e.Msg == "" {
		return "insufficient permission"
	}
	return "insufficient permission: " + e.Msg
}
func (e *InsufficientPermission) Class() string { return "InsufficientPermission" }
func (e *InsufficientPermission) GRPCStatus() *status.Status {
	return status.New(codes.PermissionDenied, e.Error())
}

// InternalServerError is a remote 500. It is never retried.
type InternalServerError struct {
	Msg string
}

func (e *InternalServerError) Error() string { return "internal server error: " + e.Msg }
func (e *InternalServerError) Class() string { return "InternalServerError" }
func (e *InternalServerError) GRPCStatus() *status.Status {
	return status.New(codes.Internal, e.Error())
}

// TroveMissing is returned when a (name, version[, flavor]) is absent
// from the consulted source.
type TroveMissing struct {
	Name    string
	Version string
	Flavor  string
}

func (e *TroveMissing) Error() string {
	switch {
	case e.Version == "":
		return fmt.Sprintf("trove %s does not exist", e.Name)
	case e.Flavor == "":
		return fmt.Sprintf("version %s of %s does not exist", e.Version, e.Name)
	}
	return fmt.Sprintf("version %s of %s[%s] does not exist", e.Version, e.Name, e.Flavor)
}
func (e *TroveMissing) Class() string              { return "TroveMissing" }
func (e *TroveMissing) GRPCStatus() *status.Status { return status.New(codes.NotFound, e.Error()) }

// TroveNotFound is returned by findTroves when a spec can't be satisfied.
type TroveNotFound struct {
	Msg string
}

func (e *TroveNotFound) Error() string              { return e.Msg }
func (e *TroveNotFound) Class() string              { return "TroveNotFound" }
func (e *TroveNotFound) GRPCStatus() *status.Status { return status.New(codes.NotFound, e.Error()) }

// TroveIntegrityError is returned when a digest or embedded fileId doesn't
// match the computed one.
type TroveIntegrityError struct {
	Name    string
	Version string
	Flavor  string
	Msg     string
}

func (e *TroveIntegrityError) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = "trove digest mismatch"
	}
	if e.Name == "" {
		return "trove integrity error: " + msg
	}
	return fmt.Sprintf("trove integrity error for %s=%s[%s]: %s", e.Name, e.Version, e.Flavor, msg)
}
func (e *TroveIntegrityError) Class() string { return "TroveIntegrityError" }
func (e *TroveIntegrityError) GRPCStatus() *status.Status {
	return status.New(codes.DataLoss, e.Error())
}

// TroveSchemaError is returned when a trove declares a schema version
// newer than this implementation understands.
type TroveSchemaError struct {
	Name    string
	Version int
	Max     int
}

func (e *TroveSchemaError) Error() string {
	return fmt.Sprintf("trove %s uses schema version %d, newer than supported version %d", e.Name, e.Version, e.Max)
}
func (e *TroveSchemaError) Class() string { return "TroveSchemaError" }
func (e *TroveSchemaError) GRPCStatus() *status.Status {
	return status.New(codes.FailedPrecondition, e.Error())
}

// TroveChecksumMissing is returned when signatures are required and absent.
type TroveChecksumMissing struct {
	Name    string
	Version string
	Flavor  string
}

func (e *TroveChecksumMissing) Error() string {
	return fmt.Sprintf("trove %s=%s[%s] is missing a required signature", e.Name, e.Version, e.Flavor)
}
func (e *TroveChecksumMissing) Class() string { return "TroveChecksumMissing" }
func (e *TroveChecksumMissing) GRPCStatus() *status.Status {
	return status.New(codes.FailedPrecondition, e.Error())
}

// IntegrityError is a sha1 mismatch of file contents.
type IntegrityError struct {
	Expected string
	Actual   string
}

func (e *IntegrityError) Error() string {
	if e.Expected == "" {
		return "content integrity error"
	}
	return fmt.Sprintf("content integrity error: expected sha1 %s, got %s", e.Expected, e.Actual)
}
func (e *IntegrityError) Class() string              { return "IntegrityError" }
func (e *IntegrityError) GRPCStatus() *status.Status { return status.New(codes.DataLoss, e.Error()) }

// ContentIntegrityError is the name used by file restore for IntegrityError.
type ContentIntegrityError = IntegrityError

// FileStreamMissing is a dangling reference to a file stream.
type FileStreamMissing struct {
	FileID string
}

func (e *FileStreamMissing) Error() string { return "file stream missing for fileId " + e.FileID }
func (e *FileStreamMissing) Class() string { return "FileStreamMissing" }
func (e *FileStreamMissing) GRPCStatus() *status.Status {
	return status.New(codes.NotFound, e.Error())
}

// FileContentsMissing is a dangling reference to file contents.
type FileContentsMissing struct {
	Sha1   string
	PathID string
}

func (e *FileContentsMissing) Error() string {
	if e.Sha1 == "" {
		return "file contents missing for pathId " + e.PathID
	}
	return "file contents missing for sha1 " + e.Sha1
}
func (e *FileContentsMissing) Class() string { return "FileContentsMissing" }
func (e *FileContentsMissing) GRPCStatus() *status.Status {
	return status.New(codes.NotFound, e.Error())
}

// PathIdsConflictError is returned when writing an old container version
// would collapse distinct (pathId, fileId) pairs.
type PathIdsConflictError struct {
	PathID string
}

func (e *PathIdsConflictError) Error() string {
	return "change set can not be written in the requested format: pathId " + e.PathID + " is used by more than one file"
}
func (e *PathIdsConflictError) Class() string { return "PathIdsConflictError" }
func (e *PathIdsConflictError) GRPCStatus() *status.Status {
	return status.New(codes.FailedPrecondition, e.Error())
}

// InvalidSourceNameError signals an inconsistent source name on commit.
type InvalidSourceNameError struct {
	Name       string
	SourceName string
	Msg        string
}

func (e *InvalidSourceNameError) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	return fmt.Sprintf("trove %s has invalid source name %q", e.Name, e.SourceName)
}
func (e *InvalidSourceNameError) Class() string { return "InvalidSourceNameError" }
func (e *InvalidSourceNameError) GRPCStatus() *status.Status {
	return status.New(codes.InvalidArgument, e.Error())
}

// InvalidTroveName signals a trove name outside the safe character set.
type InvalidTroveName struct {
	Name string
}

func (e *InvalidTroveName) Error() string { return fmt.Sprintf("invalid trove name %q", e.Name) }
func (e *InvalidTroveName) Class() string { return "InvalidTroveName" }
func (e *InvalidTroveName) GRPCStatus() *status.Status {
	return status.New(codes.InvalidArgument, e.Error())
}

// CommitError is a generic unrecoverable commit failure.
type CommitError struct {
	Msg string
}

func (e *CommitError) Error() string              { return "commit failed: " + e.Msg }
func (e *CommitError) Class() string              { return "CommitError" }
func (e *CommitError) GRPCStatus() *status.Status { return status.New(codes.Aborted, e.Error()) }

// BadRecipeNameError is reserved for the build collaborator.
type BadRecipeNameError struct {
	Name string
}

func (e *BadRecipeNameError) Error() string { return fmt.Sprintf("bad recipe name %q", e.Name) }
func (e *BadRecipeNameError) Class() string { return "BadRecipeNameError" }
func (e *BadRecipeNameError) GRPCStatus() *status.Status {
	return status.New(codes.InvalidArgument, e.Error())
}

// AbortError is returned when the caller requested cancellation.
type AbortError struct{}

func (e *AbortError) Error() string              { return "operation aborted" }
func (e *AbortError) Class() string              { return "AbortError" }
func (e *AbortError) GRPCStatus() *status.Status { return status.New(codes.Canceled, e.Error()) }

// RequestError means the request could not be sent. It is safe to retry.
type RequestError struct {
	URL string
	Err error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("error sending request to %s: %v", e.URL, e.Err)
}
func (e *RequestError) Unwrap() error { return e.Err }
func (e *RequestError) Class() string { return "RequestError" }
func (e *RequestError) GRPCStatus() *status.Status {
	return status.New(codes.Unavailable, e.Error())
}

// ResponseError means the server replied with an error status.
type ResponseError struct {
	URL    string
	Proxy  string
	Status int
	Reason string
}

func (e *ResponseError) Error() string {
	via := ""
	if e.Proxy != "" {
		via = " via proxy " + e.Proxy
	}
	return fmt.Sprintf("server error %d (%s) from %s%s", e.Status, e.Reason, e.URL, via)
}
func (e *ResponseError) Class() string { return "ResponseError" }
func (e *ResponseError) GRPCStatus() *status.Status {
	if e.Status == 403 || e.Status == 401 {
		return status.New(codes.PermissionDenied, e.Error())
	}
	return status.New(codes.Unavailable, e.Error())
}

// InvalidClientVersion is returned by servers that don't speak the
// protocol version of the client.
type InvalidClientVersion struct {
	Msg string
}

func (e *InvalidClientVersion) Error() string { return "invalid client version: " + e.Msg }
func (e *InvalidClientVersion) Class() string { return "InvalidClientVersion" }
func (e *InvalidClientVersion) GRPCStatus() *status.Status {
	return status.New(codes.FailedPrecondition, e.Error())
}

// DigitalSignatureVerificationError is returned by the signing collaborator.
type DigitalSignatureVerificationError struct {
	Fingerprint string
	Msg         string
}

func (e *DigitalSignatureVerificationError) Error() string {
	if e.Fingerprint == "" {
		return "signature verification failed: " + e.Msg
	}
	return fmt.Sprintf("signature verification failed for key %s: %s", e.Fingerprint, e.Msg)
}
func (e *DigitalSignatureVerificationError) Class() string {
	return "DigitalSignatureVerificationError"
}
func (e *DigitalSignatureVerificationError) GRPCStatus() *status.Status {
	return status.New(codes.Unauthenticated, e.Error())
}

// KeyNotFound is returned when a signing key is unknown.
type KeyNotFound struct {
	Fingerprint string
}

func (e *KeyNotFound) Error() string              { return "key not found: " + e.Fingerprint }
func (e *KeyNotFound) Class() string              { return "KeyNotFound" }
func (e *KeyNotFound) GRPCStatus() *status.Status { return status.New(codes.NotFound, e.Error()) }

// ParseError is returned for malformed versions, flavors or dependencies.
type ParseError struct {
	Msg string
}

func (e *ParseError) Error() string { return e.Msg }
func (e *ParseError) Class() string { return "ParseError" }
func (e *ParseError) GRPCStatus() *status.Status {
	return status.New(codes.InvalidArgument, e.Error())
}

// NotImplemented signals that a source lacks a capability.
type NotImplemented struct {
	What string
}

func (e *NotImplemented) Error() string { return e.What + " is not implemented" }
func (e *NotImplemented) Class() string { return "NotImplemented" }
func (e *NotImplemented) GRPCStatus() *status.Status {
	return status.New(codes.Unimplemented, e.Error())
}

// Parsef creates a ParseError.
func Parsef(format string, a ...interface{}) error {
	return &ParseError{Msg: fmt.Sprintf(format, a...)}
}

// FromClass reconstructs an error received over the wire.
func FromClass(class string, msg string) error {
	switch class {
	case "OpenError":
		return &OpenError{URL: msg}
	case "InsufficientPermission":
		return &InsufficientPermission{Msg: msg}
	case "InternalServerError":
		return &InternalServerError{Msg: msg}
	case "TroveMissing":
		return &TroveMissing{Name: msg}
	case "TroveNotFound":
		return &TroveNotFound{Msg: msg}
	case "TroveIntegrityError":
		return &TroveIntegrityError{Msg: msg}
	case "TroveSchemaError":
		return &TroveSchemaError{Name: msg}
	case "TroveChecksumMissing":
		return &TroveChecksumMissing{Name: msg}
	case "IntegrityError":
		return &IntegrityError{}
	case "FileStreamMissing":
		return &FileStreamMissing{FileID: msg}
	case "FileContentsMissing":
		return &FileContentsMissing{Sha1: msg}
	case "PathIdsConflictError":
		return &PathIdsConflictError{PathID: msg}
	case "InvalidSourceNameError":
		return &InvalidSourceNameError{Msg: msg}
	case "InvalidTroveName":
		return &InvalidTroveName{Name: msg}
	case "CommitError":
		return &CommitError{Msg: msg}
	case "DigitalSignatureVerificationError":
		return &DigitalSignatureVerificationError{Msg: msg}
	case "KeyNotFound":
		return &KeyNotFound{Fingerprint: msg}
	case "NotImplemented":
		return &NotImplemented{What: msg}
	case "ParseError":
		return &ParseError{Msg: msg}
	case "InvalidClientVersion":
		return &InvalidClientVersion{Msg: msg}
	}
	return &InternalServerError{Msg: class + ": " + msg}
}

// WireMessage returns the message FromClass needs to rebuild err.
func WireMessage(err error) string {
	switch e := err.(type) {
	case *OpenError:
		return e.URL
	case *InsufficientPermission:
		return e.Msg
	case *InternalServerError:
		return e.Msg
	case *TroveMissing:
		return e.Name
	case *TroveSchemaError:
		return e.Name
	case *TroveNotFound:
		return e.Msg
	case *FileStreamMissing:
		return e.FileID
	case *FileContentsMissing:
		return e.Sha1
	case *PathIdsConflictError:
		return e.PathID
	case *InvalidTroveName:
		return e.Name
	case *CommitError:
		return e.Msg
	case *KeyNotFound:
		return e.Fingerprint
	case *NotImplemented:
		return e.What
	case *ParseError:
		return e.Msg
	case *InvalidClientVersion:
		return e.Msg
	}
	return err.Error()
}

// ClassOf returns the wire class of err, or "" if err isn't classed.
func ClassOf(err error) string {
	var c Classed
	if errors.As(err, &c) {
		return c.Class()
	}
	return ""
}

func IsTroveMissing(err error) bool {
	var e *TroveMissing
	return errors.As(err, &e)
}

func IsTroveNotFound(err error) bool {
	var e *TroveNotFound
	return errors.As(err, &e)
}

func IsOpenError(err error) bool {
	var e *OpenError
	return errors.As(err, &e)
}

func IsNotImplemented(err error) bool {
	var e *NotImplemented
	return errors.As(err, &e)
}

func IsFileContentsMissing(err error) bool {
	var e *FileContentsMissing
	return errors.As(err, &e)
}

func IsAbort(err error) bool {
	var e *AbortError
	return errors.As(err, &e)
}

func IsIntegrity(err error) bool {
	var e *IntegrityError
	return errors.As(err, &e)
}

// IsExpectedCommitFailure returns true for the signature and integrity
// errors a commit reports without a stack trace.
func IsExpectedCommitFailure(err error) bool {
	switch ClassOf(err) {
	case "DigitalSignatureVerificationError", "KeyNotFound", "TroveChecksumMissing",
		"IntegrityError", "TroveIntegrityError":
		return true
	}
	return false
}

// Retriable returns whether a transport error may be retried.
func Retriable(err error) bool {
	var re *RequestError
	if errors.As(err, &re) {
		return true
	}
	var resp *ResponseError
	if errors.As(err, &resp) {
		return resp.Status == 502 || resp.Status == 503
	}
	return false
}
