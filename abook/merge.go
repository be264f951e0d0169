// Copyright 2025 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package abook

import (
	"time"

	"mellium.im/msnp/contact"
)

// roleBits maps membership roles onto list bits.
var roleBits = map[string]contact.Lists{
	RoleAllow:   contact.Allow,
	RoleBlock:   contact.Block,
	RoleReverse: contact.Reverse,
	RolePending: contact.Pending,
}

func maxTime(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

// ApplyMembership folds a membership response into the snapshot. Merging
// is guarded by per-member change timestamps so that replaying responses
// in any order yields the same derived list membership: an update is
// skipped only if a strictly newer update for the same member has already
// been applied.
func (b *AddressBook) ApplyMembership(ml *MembershipList) {
	for _, role := range ml.Roles {
		bit, ok := roleBits[role.Role]
		if !ok {
			continue
		}
		for _, m := range role.Members {
			ci := b.info(m.Account, m.Type)
			if !m.LastChanged.IsZero() && m.LastChanged.Before(ci.ListsChange) {
				continue
			}
			if m.Deleted {
				ci.Lists &^= bit
			} else {
				ci.Lists |= bit
			}
			ci.ListsChange = maxTime(ci.ListsChange, m.LastChanged)
		}
	}
	b.MembershipLastChange = maxTime(b.MembershipLastChange, ml.LastChange)
}

// ApplyAddressBook folds an address book response into the snapshot.
// Deleted contacts are marked removed from the forward list but never
// hard-deleted; deleted groups are forgotten and stripped from every
// contact's group set.
func (b *AddressBook) ApplyAddressBook(ab *AddressBookDelta) {
	for _, g := range ab.Groups {
		if g.Deleted {
			delete(b.Groups, g.GUID)
			for _, ci := range b.Contacts {
				ci.Groups = removeString(ci.Groups, g.GUID)
			}
			continue
		}
		b.Groups[g.GUID] = GroupEntry{GUID: g.GUID, Name: g.Name}
	}

	for _, entry := range ab.Contacts {
		ci := b.info(entry.Account, entry.Type)
		if !entry.LastChanged.IsZero() && entry.LastChanged.Before(ci.MetaChange) {
			continue
		}
		if entry.Deleted {
			ci.Lists &^= contact.Forward
			ci.Messenger = false
			ci.MetaChange = maxTime(ci.MetaChange, entry.LastChanged)
			continue
		}
		ci.GUID = entry.GUID
		if entry.DisplayName != "" {
			ci.DisplayName = entry.DisplayName
		}
		ci.Messenger = entry.Messenger
		if entry.Messenger {
			ci.Lists |= contact.Forward
		}
		ci.Groups = append([]string(nil), entry.Groups...)
		ci.MetaChange = maxTime(ci.MetaChange, entry.LastChanged)
	}

	if ab.Owner != nil {
		b.Owner = *ab.Owner
	}
	b.LastChange = maxTime(b.LastChange, ab.LastChange)
	b.DynamicItemChange = maxTime(b.DynamicItemChange, ab.DynamicItemChange)
}

// Apply folds every logged response into the snapshot in arrival order.
func (b *AddressBook) Apply(d *Deltas) {
	for i := range d.Memberships {
		b.ApplyMembership(&d.Memberships[i])
	}
	for i := range d.Books {
		b.ApplyAddressBook(&d.Books[i])
	}
}

func removeString(ss []string, s string) []string {
	out := ss[:0]
	for _, v := range ss {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
