// Copyright 2025 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package msnp

import (
	"errors"
)

// ErrNotHandled is returned by handlers that do not recognize a command's
// verb. The session logs the command and drops it; returning any other
// error from a handler is treated as a dispatch failure.
var ErrNotHandled = errors.New("msnp: no handler for command")

// A Handler responds to commands that the session itself does not consume
// (switchboard rings, publish notifications, and any application defined
// extensions).
type Handler interface {
	HandleCommand(cmd Command) error
}

// The HandlerFunc type is an adapter to allow the use of ordinary
// functions as command handlers. If f is a function with the appropriate
// signature, HandlerFunc(f) is a Handler that calls f.
type HandlerFunc func(cmd Command) error

// HandleCommand calls f(cmd).
func (f HandlerFunc) HandleCommand(cmd Command) error {
	return f(cmd)
}
