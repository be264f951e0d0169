// Copyright 2025 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package abook implements directory synchronization for the contact
// list.
//
// The remote directory comprises two related resources: the membership
// list (per-contact list bitsets: allow, block, reverse, pending) and the
// address book (contact metadata: names, groups, the owner's profile).
// The Service merges a locally cached snapshot of both with the server's
// state, fetching only deltas when a last-change timestamp is known and
// falling back to a full synchronization otherwise, then announces the
// resulting forward list to the notification server in size-capped
// chunks.
//
// Raw server responses are appended to a durable deltas log before they
// are folded into the snapshot, so a crash mid-merge never loses server
// data: on the next load the snapshot is reconstructed by replaying the
// log. The snapshot itself is checkpointed once per successful
// synchronization, after which the log is truncated.
package abook // import "mellium.im/msnp/abook"
