// Copyright 2025 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package msnp implements the client side of the MSNP instant messaging
// protocol.
//
// The Session type is the heart of the package: it holds a single
// connection to a notification server, drives the sign-in handshake, and
// dispatches inbound commands. Presence and the contact roster live on
// the session; per-conversation messaging is handled by the switchboard
// package over its own connections, and directory synchronization by the
// abook package.
//
// Be advised: This API is still unstable and is subject to change.
package msnp // import "mellium.im/msnp"
