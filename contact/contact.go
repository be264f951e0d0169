// Copyright 2025 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package contact

import (
	"sync"

	"github.com/google/uuid"

	"mellium.im/msnp/addr"
)

// Lists is the list-membership bitset of a contact. A contact may be a
// member of several lists at once; Pending and Reverse in particular
// usually accompany one of the others.
type Lists uint8

const (
	// Forward is the list of contacts the owner wants to see presence
	// for. It is the list announced to the server at sign-in.
	Forward Lists = 1 << iota

	// Allow is the list of contacts permitted to see the owner's
	// presence.
	Allow

	// Block is the list of contacts denied the owner's presence and
	// messages.
	Block

	// Reverse is the list of remote parties that have the owner on
	// their own forward list.
	Reverse

	// Pending is the list of remote parties waiting for the owner to
	// accept them.
	Pending
)

// Has reports whether every list in mask is set.
func (l Lists) Has(mask Lists) bool {
	return l&mask == mask
}

// Status is a contact's presence status. The constant values are the wire
// spellings used by presence commands.
type Status string

// Presence statuses understood by the notification server.
const (
	StatusOffline    Status = "FLN"
	StatusOnline     Status = "NLN"
	StatusBusy       Status = "BSY"
	StatusIdle       Status = "IDL"
	StatusBeRightBck Status = "BRB"
	StatusAway       Status = "AWY"
	StatusOnPhone    Status = "PHN"
	StatusOutToLunch Status = "LUN"
	StatusHidden     Status = "HDN"
)

// Capabilities is the first generation client capability bitset exchanged
// in presence commands.
type Capabilities uint32

// CapabilitiesEx is the presence-extension capability bitset introduced by
// later protocol versions. It travels alongside Capabilities, separated by
// a colon on the wire.
type CapabilitiesEx uint32

// An Endpoint is one signed-in device of a contact. Contacts signed in
// from several places have one endpoint per place, keyed by the endpoint
// GUID.
type Endpoint struct {
	ID     uuid.UUID
	Name   string
	Caps   Capabilities
	CapsEx CapabilitiesEx
}

// A Contact is a single entry in the contact list, identified by its
// account address (account string plus network type). Contacts are created
// by the List on first reference and must not be constructed directly.
//
// All methods are safe for concurrent use; the contact's own mutex guards
// every mutable field, so no two goroutines can concurrently mutate the
// same contact's list membership.
type Contact struct {
	address addr.Address

	mu          sync.Mutex
	displayName string
	personalMsg string
	status      Status
	caps        Capabilities
	capsEx      CapabilitiesEx
	lists       Lists
	guid        uuid.UUID
	groups      map[string]struct{}
	endpoints   map[uuid.UUID]Endpoint
	removed     bool
}

func newContact(a addr.Address) *Contact {
	return &Contact{
		address: a,
		status:  StatusOffline,
		groups:  make(map[string]struct{}),
	}
}

// Address returns the contact's account address. It never changes after
// the contact is created.
func (c *Contact) Address() addr.Address {
	return c.address
}

// DisplayName returns the contact's display name, falling back to the
// account string if none has been learned yet.
func (c *Contact) DisplayName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.displayName == "" {
		return c.address.String()
	}
	return c.displayName
}

// SetDisplayName updates the contact's display name.
func (c *Contact) SetDisplayName(name string) {
	c.mu.Lock()
	c.displayName = name
	c.mu.Unlock()
}

// PersonalMessage returns the contact's published status message.
func (c *Contact) PersonalMessage() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.personalMsg
}

// SetPersonalMessage updates the contact's published status message.
func (c *Contact) SetPersonalMessage(msg string) {
	c.mu.Lock()
	c.personalMsg = msg
	c.mu.Unlock()
}

// Status returns the contact's presence status.
func (c *Contact) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// SetStatus updates the contact's presence status and returns the previous
// value.
func (c *Contact) SetStatus(s Status) Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.status
	c.status = s
	return prev
}

// Capabilities returns both generations of the contact's capability
// bitsets.
func (c *Contact) Capabilities() (Capabilities, CapabilitiesEx) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.caps, c.capsEx
}

// SetCapabilities updates both generations of the contact's capability
// bitsets.
func (c *Contact) SetCapabilities(caps Capabilities, ex CapabilitiesEx) {
	c.mu.Lock()
	c.caps, c.capsEx = caps, ex
	c.mu.Unlock()
}

// Lists returns the contact's list-membership bitset.
func (c *Contact) Lists() Lists {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lists
}

// AddToList sets the given list bits.
func (c *Contact) AddToList(mask Lists) {
	c.mu.Lock()
	c.lists |= mask
	c.mu.Unlock()
}

// RemoveFromList clears the given list bits.
func (c *Contact) RemoveFromList(mask Lists) {
	c.mu.Lock()
	c.lists &^= mask
	c.mu.Unlock()
}

// SetLists replaces the contact's entire list-membership bitset, for use
// by directory synchronization.
func (c *Contact) SetLists(l Lists) {
	c.mu.Lock()
	c.lists = l
	c.mu.Unlock()
}

// GUID returns the opaque identifier correlating the contact to its
// remote directory entry, or the nil UUID if the contact has none yet.
func (c *Contact) GUID() uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.guid
}

// SetGUID binds the contact to its remote directory entry.
func (c *Contact) SetGUID(id uuid.UUID) {
	c.mu.Lock()
	c.guid = id
	c.mu.Unlock()
}

// Groups returns the GUIDs of the groups the contact belongs to.
func (c *Contact) Groups() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.groups))
	for id := range c.groups {
		out = append(out, id)
	}
	return out
}

// InGroup reports whether the contact belongs to the group with the given
// GUID.
func (c *Contact) InGroup(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.groups[id]
	return ok
}

// AddGroup records membership in the group with the given GUID.
func (c *Contact) AddGroup(id string) {
	c.mu.Lock()
	c.groups[id] = struct{}{}
	c.mu.Unlock()
}

// RemoveGroup removes membership in the group with the given GUID.
func (c *Contact) RemoveGroup(id string) {
	c.mu.Lock()
	delete(c.groups, id)
	c.mu.Unlock()
}

// SetEndpoint records one signed-in device of the contact.
func (c *Contact) SetEndpoint(ep Endpoint) {
	c.mu.Lock()
	if c.endpoints == nil {
		c.endpoints = make(map[uuid.UUID]Endpoint)
	}
	c.endpoints[ep.ID] = ep
	c.mu.Unlock()
}

// RemoveEndpoint forgets a signed-out device of the contact.
func (c *Contact) RemoveEndpoint(id uuid.UUID) {
	c.mu.Lock()
	delete(c.endpoints, id)
	c.mu.Unlock()
}

// Endpoints returns the contact's signed-in devices.
func (c *Contact) Endpoints() []Endpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Endpoint, 0, len(c.endpoints))
	for _, ep := range c.endpoints {
		out = append(out, ep)
	}
	return out
}

// Removed reports whether the contact has been removed from all relevant
// lists. Contacts are never hard-deleted from the List.
func (c *Contact) Removed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removed
}

// SetRemoved marks the contact as removed from all relevant lists.
func (c *Contact) SetRemoved(removed bool) {
	c.mu.Lock()
	c.removed = removed
	c.mu.Unlock()
}
