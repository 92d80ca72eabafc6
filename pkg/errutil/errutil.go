// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Starstraw Contributors

// Package errutil provides helpers for working with coded errors.
package errutil

import "github.com/samber/oops"

// HasCode reports whether err carries the given oops code.
func HasCode(err error, code string) bool {
	oopsErr, ok := oops.AsOops(err)
	return ok && oopsErr.Code() == code
}
