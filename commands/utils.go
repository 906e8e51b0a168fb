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
	"os"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var exit = os.Exit

func FirstError(errors ...error) error {
	for _, err := range errors {
		if err != nil {
			return err
		}
	}
	return nil
}

// ErrorMessage returns the message of err without the status prefix.
func ErrorMessage(err error) string {
	return status.Convert(err).Message()
}

func IsAlreadyExistsError(err error) bool {
	return status.Code(err) == codes.AlreadyExists
}
