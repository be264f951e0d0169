// Copyright 2025 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package abook

import (
	"context"
	"encoding/xml"
	"errors"
	"time"

	"github.com/google/uuid"

	"mellium.im/msnp/addr"
)

// ErrNoAddressBook is returned by directory clients when the remote
// address book does not exist for the local identity yet. The Service
// reacts by creating the address book and restarting synchronization.
var ErrNoAddressBook = errors.New("abook: address book does not exist for this identity")

// Scenario tags a directory request with the user action that caused it.
// The remote service uses it for partner tracking; the client treats it as
// opaque.
type Scenario string

// Scenarios used by the Service.
const (
	ScenarioInitial      Scenario = "Initial"
	ScenarioTimer        Scenario = "Timer"
	ScenarioContactSave  Scenario = "ContactSave"
	ScenarioBlockUnblock Scenario = "BlockUnblock"
	ScenarioGroupSave    Scenario = "GroupSave"
	ScenarioRoaming      Scenario = "RoamingIdentityChanged"
)

// A Request is the envelope sent with every directory call.
//
// CacheKey is an opaque value the server may return on any response; it
// must be remembered and replayed on the next call to the same service.
// The Service tracks one key per remote service and fills this in.
type Request struct {
	Scenario   Scenario
	DeltasOnly bool
	LastChange time.Time
	Ticket     string
	CacheKey   string
}

// Membership roles reported by the membership service. The Forward list is
// not a membership role; it is derived from address book entries.
const (
	RoleAllow   = "Allow"
	RoleBlock   = "Block"
	RoleReverse = "Reverse"
	RolePending = "Pending"
)

// A Member is one entry of a membership role list.
type Member struct {
	Account     string    `xml:"account,attr"`
	Type        addr.Type `xml:"type,attr"`
	Deleted     bool      `xml:"deleted,attr,omitempty"`
	LastChanged time.Time `xml:"changed,attr,omitempty"`
}

// RoleMembers is all reported members of one membership role.
type RoleMembers struct {
	Role    string   `xml:"role,attr"`
	Members []Member `xml:"member"`
}

// A MembershipList is the (possibly delta-only) response of the membership
// service.
type MembershipList struct {
	XMLName    xml.Name      `xml:"membership"`
	CacheKey   string        `xml:"cache-key,attr,omitempty"`
	LastChange time.Time     `xml:"last-change,attr,omitempty"`
	Roles      []RoleMembers `xml:"list"`
}

// A ContactEntry is one address book contact record.
type ContactEntry struct {
	GUID        uuid.UUID `xml:"guid,attr"`
	Account     string    `xml:"account,attr"`
	Type        addr.Type `xml:"type,attr"`
	DisplayName string    `xml:"name,attr,omitempty"`
	Messenger   bool      `xml:"messenger,attr,omitempty"`
	Deleted     bool      `xml:"deleted,attr,omitempty"`
	LastChanged time.Time `xml:"changed,attr,omitempty"`
	Groups      []string  `xml:"group"`
}

// A GroupEntry is one address book group record.
type GroupEntry struct {
	GUID    string `xml:"guid,attr"`
	Name    string `xml:"name,attr"`
	Deleted bool   `xml:"deleted,attr,omitempty"`
}

// OwnerSettings carries the owner's profile record from the address book:
// privacy mode ("AL" allows unlisted contacts, "BL" blocks them),
// notification preference, and the display name to roam.
type OwnerSettings struct {
	DisplayName string    `xml:"name,attr,omitempty"`
	Privacy     string    `xml:"privacy,attr,omitempty"`
	Notify      bool      `xml:"notify,attr,omitempty"`
	Roaming     bool      `xml:"roaming,attr,omitempty"`
	LastChanged time.Time `xml:"changed,attr,omitempty"`
}

// An AddressBookDelta is the (possibly delta-only) response of the address
// book service.
type AddressBookDelta struct {
	XMLName           xml.Name       `xml:"ab"`
	CacheKey          string         `xml:"cache-key,attr,omitempty"`
	LastChange        time.Time      `xml:"last-change,attr,omitempty"`
	DynamicItemChange time.Time      `xml:"dynamic-change,attr,omitempty"`
	Contacts          []ContactEntry `xml:"contact"`
	Groups            []GroupEntry   `xml:"group"`
	Owner             *OwnerSettings `xml:"owner"`
}

// A RoamingProfile is the owner's roamed presence record held by the
// storage service: display name, status message, and photo location.
type RoamingProfile struct {
	DisplayName     string    `xml:"name,attr,omitempty"`
	PersonalMessage string    `xml:"message,attr,omitempty"`
	PhotoURL        string    `xml:"photo,attr,omitempty"`
	LastChanged     time.Time `xml:"changed,attr,omitempty"`
}

// A Client performs calls against the membership and address book
// services. Implementations handle serialization and transport (the
// production services speak SOAP); the Service only requires that each
// call block until a typed response or error is available and that
// dependent calls made in sequence are observed by the remote service in
// that order.
type Client interface {
	FindMembership(ctx context.Context, req Request) (*MembershipList, error)
	FindAddressBook(ctx context.Context, req Request) (*AddressBookDelta, error)
	CreateAddressBook(ctx context.Context, req Request) error

	AddMember(ctx context.Context, req Request, role string, m Member) error
	DeleteMember(ctx context.Context, req Request, role string, m Member) error

	CreateContact(ctx context.Context, req Request, account string, typ addr.Type) (*ContactEntry, error)
	DeleteContact(ctx context.Context, req Request, id uuid.UUID) error
	UpdateContact(ctx context.Context, req Request, entry ContactEntry) error

	CreateGroup(ctx context.Context, req Request, name string) (*GroupEntry, error)
	DeleteGroup(ctx context.Context, req Request, id string) error
	RenameGroup(ctx context.Context, req Request, id, name string) error
	AddToGroup(ctx context.Context, req Request, groupID string, contactID uuid.UUID) error
	RemoveFromGroup(ctx context.Context, req Request, groupID string, contactID uuid.UUID) error
}

// A StorageClient fetches the owner's roamed profile from the storage
// service.
type StorageClient interface {
	Profile(ctx context.Context, req Request) (*RoamingProfile, error)
}
