// Copyright 2025 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package mux_test

import (
	"errors"
	"testing"

	"mellium.im/msnp"
	"mellium.im/msnp/mux"
)

func TestDispatch(t *testing.T) {
	var rang bool
	m := mux.New(
		mux.HandleFunc("RNG", func(cmd msnp.Command) error {
			rang = true
			return nil
		}),
	)
	if err := m.HandleCommand(msnp.NewCommand("RNG", 0, "12345")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !rang {
		t.Error("registered handler was not called")
	}
	if err := m.HandleCommand(msnp.NewCommand("XFR", 1)); !errors.Is(err, msnp.ErrNotHandled) {
		t.Errorf("expected %v for unregistered verb, got %v", msnp.ErrNotHandled, err)
	}
}

func TestHandlerLookup(t *testing.T) {
	m := mux.New(mux.HandleFunc("PUT", func(msnp.Command) error { return nil }))
	if _, ok := m.Handler("PUT"); !ok {
		t.Error("expected registered handler to be found")
	}
	h, ok := m.Handler("DEL")
	if ok {
		t.Error("expected unregistered verb to report not found")
	}
	if h == nil {
		t.Fatal("fallback handler must not be nil")
	}
	if err := h.HandleCommand(msnp.NewCommand("DEL", 0)); !errors.Is(err, msnp.ErrNotHandled) {
		t.Errorf("fallback handler returned %v, want %v", err, msnp.ErrNotHandled)
	}
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected a panic on duplicate registration")
		}
	}()
	mux.New(
		mux.HandleFunc("RNG", func(msnp.Command) error { return nil }),
		mux.HandleFunc("RNG", func(msnp.Command) error { return nil }),
	)
}
