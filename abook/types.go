// Copyright 2025 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package abook

import (
	"encoding/xml"
	"errors"
	"time"

	"github.com/google/uuid"

	"mellium.im/msnp/addr"
	"mellium.im/msnp/cache"
	"mellium.im/msnp/contact"
)

// SchemaVersion tags persisted records. Records with any other version are
// discarded and a full synchronization is forced.
const SchemaVersion = 3

// Record names used with the cache store.
const (
	SnapshotRecord = "addressbook"
	DeltasRecord   = "deltas"
)

// ErrSchemaVersion is returned while loading a cached record whose schema
// version does not match SchemaVersion.
var ErrSchemaVersion = errors.New("abook: cached record has a different schema version")

var zeroUUID uuid.UUID

// ContactInfo is the locally cached directory state of one contact.
type ContactInfo struct {
	Account     string        `xml:"account,attr"`
	Type        addr.Type     `xml:"type,attr"`
	Lists       contact.Lists `xml:"lists,attr"`
	DisplayName string        `xml:"name,attr,omitempty"`
	GUID        uuid.UUID     `xml:"guid,attr,omitempty"`
	Messenger   bool          `xml:"messenger,attr,omitempty"`
	ListsChange time.Time     `xml:"lists-changed,attr,omitempty"`
	MetaChange  time.Time     `xml:"meta-changed,attr,omitempty"`
	Groups      []string      `xml:"group"`
}

// Key returns the contact's composite lookup key.
func (ci *ContactInfo) Key() contact.Key {
	return contact.Key{Account: ci.Account, Type: ci.Type}
}

// Address reconstructs the contact's account address. It elides
// re-normalization; cached accounts were normalized when first parsed.
func (ci *ContactInfo) Address() (addr.Address, error) {
	return addr.ParseType(ci.Account, ci.Type)
}

// An AddressBook is the merged local snapshot of membership and address
// book server state. It is not safe for concurrent use; the Service
// serializes access to it.
type AddressBook struct {
	MembershipLastChange time.Time
	LastChange           time.Time
	DynamicItemChange    time.Time
	Owner                OwnerSettings
	Profile              RoamingProfile
	Contacts             map[contact.Key]*ContactInfo
	Groups               map[string]GroupEntry
}

// NewAddressBook creates an empty snapshot with zero timestamps, which
// forces full (non-delta) requests against both services.
func NewAddressBook() *AddressBook {
	return &AddressBook{
		Contacts: make(map[contact.Key]*ContactInfo),
		Groups:   make(map[string]GroupEntry),
	}
}

// info returns the cached record for the given account, creating it on
// first reference.
func (b *AddressBook) info(account string, typ addr.Type) *ContactInfo {
	k := contact.Key{Account: account, Type: typ}
	ci, ok := b.Contacts[k]
	if !ok {
		ci = &ContactInfo{Account: account, Type: typ}
		b.Contacts[k] = ci
	}
	return ci
}

// ContactValues returns all cached contact records.
func (b *AddressBook) ContactValues() []*ContactInfo {
	out := make([]*ContactInfo, 0, len(b.Contacts))
	for _, ci := range b.Contacts {
		out = append(out, ci)
	}
	return out
}

// Deltas is the append-only log of membership and address book responses
// not yet folded into a persisted snapshot. The snapshot plus the ordered
// fold of the log always equals the current server-confirmed state, which
// is what makes the log safe to replay after a crash.
type Deltas struct {
	Memberships []MembershipList
	Books       []AddressBookDelta
}

// Empty reports whether the log holds no responses.
func (d *Deltas) Empty() bool {
	return len(d.Memberships) == 0 && len(d.Books) == 0
}

// Truncate empties the log. It is called immediately after a successful
// merge and snapshot checkpoint.
func (d *Deltas) Truncate() {
	d.Memberships = nil
	d.Books = nil
}

// Serialized forms. The wrapper elements carry the schema version so that
// a record body can be sanity checked even outside the store's version
// column.

type bookXML struct {
	XMLName              xml.Name       `xml:"addressbook"`
	Version              int            `xml:"version,attr"`
	MembershipLastChange time.Time      `xml:"membership-changed,attr,omitempty"`
	LastChange           time.Time      `xml:"changed,attr,omitempty"`
	DynamicItemChange    time.Time      `xml:"dynamic-changed,attr,omitempty"`
	Owner                OwnerSettings  `xml:"owner"`
	Profile              RoamingProfile `xml:"profile"`
	Contacts             []*ContactInfo `xml:"contact"`
	Groups               []GroupEntry   `xml:"group"`
}

type deltasXML struct {
	XMLName     xml.Name           `xml:"deltas"`
	Version     int                `xml:"version,attr"`
	Memberships []MembershipList   `xml:"membership"`
	Books       []AddressBookDelta `xml:"ab"`
}

func encodeBook(b *AddressBook) (cache.Record, error) {
	x := bookXML{
		Version:              SchemaVersion,
		MembershipLastChange: b.MembershipLastChange,
		LastChange:           b.LastChange,
		DynamicItemChange:    b.DynamicItemChange,
		Owner:                b.Owner,
		Profile:              b.Profile,
		Groups:               make([]GroupEntry, 0, len(b.Groups)),
	}
	for _, ci := range b.Contacts {
		x.Contacts = append(x.Contacts, ci)
	}
	for _, g := range b.Groups {
		x.Groups = append(x.Groups, g)
	}
	body, err := xml.Marshal(x)
	if err != nil {
		return cache.Record{}, err
	}
	return cache.Record{Version: SchemaVersion, Body: body}, nil
}

func decodeBook(rec cache.Record) (*AddressBook, error) {
	if rec.Version != SchemaVersion {
		return nil, ErrSchemaVersion
	}
	var x bookXML
	if err := xml.Unmarshal(rec.Body, &x); err != nil {
		return nil, err
	}
	if x.Version != SchemaVersion {
		return nil, ErrSchemaVersion
	}
	b := NewAddressBook()
	b.MembershipLastChange = x.MembershipLastChange
	b.LastChange = x.LastChange
	b.DynamicItemChange = x.DynamicItemChange
	b.Owner = x.Owner
	b.Profile = x.Profile
	for _, ci := range x.Contacts {
		b.Contacts[ci.Key()] = ci
	}
	for _, g := range x.Groups {
		b.Groups[g.GUID] = g
	}
	return b, nil
}

func encodeDeltas(d *Deltas) (cache.Record, error) {
	body, err := xml.Marshal(deltasXML{
		Version:     SchemaVersion,
		Memberships: d.Memberships,
		Books:       d.Books,
	})
	if err != nil {
		return cache.Record{}, err
	}
	return cache.Record{Version: SchemaVersion, Body: body}, nil
}

func decodeDeltas(rec cache.Record) (*Deltas, error) {
	if rec.Version != SchemaVersion {
		return nil, ErrSchemaVersion
	}
	var x deltasXML
	if err := xml.Unmarshal(rec.Body, &x); err != nil {
		return nil, err
	}
	if x.Version != SchemaVersion {
		return nil, ErrSchemaVersion
	}
	return &Deltas{Memberships: x.Memberships, Books: x.Books}, nil
}
