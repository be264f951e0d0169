// Copyright 2025 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package mux implements a command multiplexer.
package mux // import "mellium.im/msnp/mux"

import (
	"mellium.im/msnp"
)

// ServeMux is a command multiplexer. It matches the verb of each command
// against a list of registered patterns and calls the handler registered
// for that verb. Commands with no registered handler result in
// msnp.ErrNotHandled, which the session logs and drops.
type ServeMux struct {
	patterns map[string]msnp.Handler
}

// New allocates and returns a new ServeMux.
func New(opt ...Option) *ServeMux {
	m := &ServeMux{}
	for _, o := range opt {
		o(m)
	}
	return m
}

// Handler returns the handler to use for the given verb. If no handler is
// registered, ok is false and a handler that returns msnp.ErrNotHandled is
// returned (h is always non-nil).
func (m *ServeMux) Handler(verb string) (h msnp.Handler, ok bool) {
	h = m.patterns[verb]
	if h != nil {
		return h, true
	}
	return msnp.HandlerFunc(func(msnp.Command) error {
		return msnp.ErrNotHandled
	}), false
}

// HandleCommand dispatches the command to the handler registered for its
// verb.
func (m *ServeMux) HandleCommand(cmd msnp.Command) error {
	h, _ := m.Handler(cmd.Verb)
	return h.HandleCommand(cmd)
}

// Option configures a ServeMux.
type Option func(m *ServeMux)

// Handle returns an option that registers a handler for the given verb.
// If a handler already exists for the verb when the option is applied, the
// option panics.
func Handle(verb string, h msnp.Handler) Option {
	return func(m *ServeMux) {
		if h == nil {
			panic("mux: nil handler")
		}
		if _, ok := m.patterns[verb]; ok {
			panic("mux: multiple registrations for " + verb)
		}
		if m.patterns == nil {
			m.patterns = make(map[string]msnp.Handler)
		}
		m.patterns[verb] = h
	}
}

// HandleFunc returns an option that registers a handler function for the
// given verb.
func HandleFunc(verb string, h msnp.HandlerFunc) Option {
	return Handle(verb, h)
}
