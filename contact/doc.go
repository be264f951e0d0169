// Copyright 2025 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package contact implements the contact roster: contacts, their
// list-membership and capability bitsets, groups, and the process-wide
// list that owns them.
package contact // import "mellium.im/msnp/contact"
