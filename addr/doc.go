// Copyright 2025 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package addr implements account addresses for the messaging network.
//
// An address is an email-style identifier ("user@example.net") paired with
// a network type that distinguishes regular accounts from phone numbers,
// group chat identities, and federated email identities. Parsing performs
// the same normalization as localpart/domainpart handling in XMPP
// addresses: PRECIS UsernameCaseMapped for the localpart and IDNA for the
// domainpart.
package addr // import "mellium.im/msnp/addr"
