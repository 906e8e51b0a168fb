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
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/alessio/shellescape"
)

// UI allows the commands to interact with the user.
//
// Commands report user-facing errors (like unknown troves) through this
// interface. If an action wasn't successful, the command reports the
// error and then returns ErrAlreadyReported, which tells the caller that
// no further information needs to be printed.
type UI interface {
	// ReportError signals an error to the user.
	// The format string is compatible with fmt.Printf.
	// Returns ErrAlreadyReported.
	ReportError(format string, a ...interface{}) error

	// ReportWarning signals a warning to the user.
	ReportWarning(format string, a ...interface{})

	// ReportInfo reports interesting information.
	ReportInfo(format string, a ...interface{})

	// Suggest proposes a follow-up command.
	Suggest(args ...string)
}

// fmtUI prints messages using `fmt` primitives.
type fmtUI struct {
	out io.Writer
	err io.Writer
}

func (ui fmtUI) ReportError(format string, a ...interface{}) error {
	fmt.Fprintf(ui.err, "Error: "+format+"\n", a...)
	return ErrAlreadyReported
}

func (ui fmtUI) ReportWarning(format string, a ...interface{}) {
	fmt.Fprintf(ui.err, "Warning: "+format+"\n", a...)
}

func (ui fmtUI) ReportInfo(format string, a ...interface{}) {
	fmt.Fprintf(ui.out, format+"\n", a...)
}

func (ui fmtUI) Suggest(args ...string) {
	fmt.Fprintf(ui.out, "Run '%s' to continue.\n", shellescape.QuoteCommand(args))
}

// nullUI implements a UI that does nothing.
type nullUI struct{}

func (ui nullUI) ReportError(format string, a ...interface{}) error {
	return ErrAlreadyReported
}

func (ui nullUI) ReportWarning(format string, a ...interface{}) {
}

func (ui nullUI) ReportInfo(format string, a ...interface{}) {
}

func (ui nullUI) Suggest(args ...string) {
}

var (
	// ErrAlreadyReported signals that an error has been reported, and
	// that no further action needs to be taken.
	// In case the error gets printed anyway, it has a sensible message.
	ErrAlreadyReported = errors.New("trove error")

	// FmtUI writes information to stdout and problems to stderr.
	FmtUI UI = fmtUI{out: os.Stdout, err: os.Stderr}

	// NullUI drops everything.
	NullUI UI = nullUI{}
)

// NewWriterUI reports to the given writers.
func NewWriterUI(out, err io.Writer) UI {
	return fmtUI{out: out, err: err}
}

// IsErrAlreadyReported returns whether 'e' is the ErrAlreadyReported error.
func IsErrAlreadyReported(e error) bool {
	return errors.Is(e, ErrAlreadyReported)
}
