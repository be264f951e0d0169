// Copyright 2025 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package addr

import (
	"errors"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/idna"
	"golang.org/x/text/secure/precis"
)

// Errors returned while parsing or constructing addresses.
var (
	ErrEmpty       = errors.New("addr: address must not be empty")
	ErrInvalidUTF8 = errors.New("addr: address contains invalid UTF-8")
	ErrNoDomain    = errors.New("addr: address has no domainpart")
)

// Type distinguishes the network a contact belongs to.
// A contact is identified by its account string and its type; the same
// account string may appear once per type.
type Type int

const (
	// None is the zero value of Type and is not a valid network.
	None Type = 0

	// Messenger is a regular account on the instant messaging network.
	Messenger Type = 1

	// Phone is a mobile phone number reachable by SMS bridging.
	// Phone accounts have no domainpart.
	Phone Type = 4

	// Group is a server-side multiparty (group chat) identity.
	Group Type = 9

	// Email is a federated identity on a bridged email network.
	Email Type = 32
)

// Address is a parsed account address comprising a localpart and a
// domainpart ("user@example.net") plus the network type.
// Addresses are immutable after construction and are comparable with ==,
// which makes them usable as map keys.
type Address struct {
	local  string
	domain string
	typ    Type
}

// Parse constructs a Messenger address from its string representation.
// The localpart is case mapped and normalized using the PRECIS
// UsernameCaseMapped profile and the domainpart is normalized using IDNA,
// giving comparison of two addresses the greatest chance of succeeding.
func Parse(s string) (Address, error) {
	return ParseType(s, Messenger)
}

// MustParse is like Parse but panics if the address cannot be parsed.
// It simplifies safe initialization of addresses from known-good constant
// strings.
func MustParse(s string) Address {
	a, err := Parse(s)
	if err != nil {
		panic(`addr: Parse(` + s + `): ` + err.Error())
	}
	return a
}

// ParseType constructs an address of the given network type.
// Phone addresses have no domainpart and skip domain normalization
// entirely; every other type requires exactly one "@".
func ParseType(s string, t Type) (Address, error) {
	if s == "" {
		return Address{}, ErrEmpty
	}
	if !utf8.ValidString(s) {
		return Address{}, ErrInvalidUTF8
	}

	if t == Phone {
		return Address{local: s, typ: t}, nil
	}

	idx := strings.IndexByte(s, '@')
	if idx < 1 || idx == len(s)-1 {
		return Address{}, ErrNoDomain
	}
	local, domain := s[:idx], s[idx+1:]

	local, err := precis.UsernameCaseMapped.String(local)
	if err != nil {
		return Address{}, err
	}
	domain, err = idna.Lookup.ToUnicode(domain)
	if err != nil {
		return Address{}, err
	}

	return Address{local: local, domain: domain, typ: t}, nil
}

// Localpart returns the part of the address before the "@" (or the full
// phone number for Phone addresses).
func (a Address) Localpart() string {
	return a.local
}

// Domainpart returns the part of the address after the "@".
// It is empty for Phone addresses.
func (a Address) Domainpart() string {
	return a.domain
}

// Type returns the network type of the address.
func (a Address) Type() Type {
	return a.typ
}

// WithType returns a copy of the address with a new network type.
// This elides re-validation of the account string.
func (a Address) WithType(t Type) Address {
	a.typ = t
	return a
}

// Zero reports whether the address is the zero value.
func (a Address) Zero() bool {
	return a == Address{}
}

// String returns the account string of the address without the type.
func (a Address) String() string {
	if a.domain == "" {
		return a.local
	}
	return a.local + "@" + a.domain
}

// Equal reports whether the two addresses name the same account on the
// same network.
func (a Address) Equal(b Address) bool {
	return a == b
}

// Network satisfies the net.Addr interface by returning the name of the
// network.
func (Address) Network() string {
	return "msnp"
}
