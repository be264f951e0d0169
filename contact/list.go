// Copyright 2025 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package contact

import (
	"errors"
	"sync"

	"mellium.im/msnp/addr"
)

// ErrOwnerSet is returned when attempting to replace the owner of a list
// that already has one.
var ErrOwnerSet = errors.New("contact: list already has an owner")

// Key is the composite lookup key of a contact: the account string plus
// the network type.
type Key struct {
	Account string
	Type    addr.Type
}

// KeyOf returns the lookup key for an address.
func KeyOf(a addr.Address) Key {
	return Key{Account: a.String(), Type: a.Type()}
}

// A List owns every contact known to a session, keyed by account and
// network type, plus the distinguished owner contact representing the
// local identity. Exactly one owner exists per list; all other entries are
// remote parties.
//
// The zero value is not usable; create lists with NewList. All methods are
// safe for concurrent use.
type List struct {
	mu       sync.Mutex
	contacts map[Key]*Contact
	groups   map[string]*Group
	owner    *Contact
}

// NewList creates an empty contact list.
func NewList() *List {
	return &List{
		contacts: make(map[Key]*Contact),
		groups:   make(map[string]*Group),
	}
}

// SetOwner creates the owner contact for the given address. Setting the
// owner is idempotent for the same address; setting a different owner on a
// list that already has one returns ErrOwnerSet.
func (l *List) SetOwner(a addr.Address) (*Contact, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owner != nil {
		if l.owner.Address() == a {
			return l.owner, nil
		}
		return nil, ErrOwnerSet
	}
	l.owner = newContact(a)
	return l.owner, nil
}

// Owner returns the owner contact, or nil if none has been set.
func (l *List) Owner() *Contact {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.owner
}

// Get returns the contact for the given address, creating it on first
// reference. The owner is returned directly if the address names it.
func (l *List) Get(a addr.Address) *Contact {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owner != nil && l.owner.Address() == a {
		return l.owner
	}
	k := KeyOf(a)
	c, ok := l.contacts[k]
	if !ok {
		c = newContact(a)
		l.contacts[k] = c
	}
	return c
}

// Lookup returns the contact for the given key without creating it.
func (l *List) Lookup(k Key) (*Contact, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.contacts[k]
	return c, ok
}

// Contacts returns a snapshot of all remote contacts in the list.
func (l *List) Contacts() []*Contact {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Contact, 0, len(l.contacts))
	for _, c := range l.contacts {
		out = append(out, c)
	}
	return out
}

// Len returns the number of remote contacts in the list.
func (l *List) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.contacts)
}

// AddGroup registers a group by GUID. If a group with the same GUID
// already exists its name is updated and the existing group is returned.
func (l *List) AddGroup(id, name string) *Group {
	l.mu.Lock()
	defer l.mu.Unlock()
	if g, ok := l.groups[id]; ok {
		g.SetName(name)
		return g
	}
	g := &Group{id: id, name: name}
	l.groups[id] = g
	return g
}

// RemoveGroup forgets a group and clears membership in it from every
// contact.
func (l *List) RemoveGroup(id string) {
	l.mu.Lock()
	delete(l.groups, id)
	contacts := make([]*Contact, 0, len(l.contacts))
	for _, c := range l.contacts {
		contacts = append(contacts, c)
	}
	l.mu.Unlock()

	for _, c := range contacts {
		c.RemoveGroup(id)
	}
}

// Group returns the group with the given GUID.
func (l *List) Group(id string) (*Group, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	g, ok := l.groups[id]
	return g, ok
}

// Groups returns a snapshot of all known groups.
func (l *List) Groups() []*Group {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Group, 0, len(l.groups))
	for _, g := range l.groups {
		out = append(out, g)
	}
	return out
}

// Reset empties the list: all contacts, all groups, and the owner are
// forgotten. It is called during session teardown and is safe to call
// repeatedly.
func (l *List) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.contacts = make(map[Key]*Contact)
	l.groups = make(map[string]*Group)
	l.owner = nil
}
