// Copyright 2025 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package abook_test

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"mellium.im/msnp/abook"
	"mellium.im/msnp/addr"
	"mellium.im/msnp/contact"
)

var (
	t1 = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	t2 = t1.Add(time.Hour)
)

func key(account string) contact.Key {
	return contact.Key{Account: account, Type: addr.Messenger}
}

// TestMembershipMergeCommutative verifies that folding a set of
// timestamped membership responses yields the same derived list bits
// regardless of arrival order.
func TestMembershipMergeCommutative(t *testing.T) {
	a := abook.MembershipList{
		LastChange: t1,
		Roles: []abook.RoleMembers{
			{Role: abook.RoleAllow, Members: []abook.Member{
				{Account: "a@example.net", Type: addr.Messenger, LastChanged: t1},
			}},
			{Role: abook.RoleBlock, Members: []abook.Member{
				{Account: "b@example.net", Type: addr.Messenger, LastChanged: t1},
			}},
		},
	}
	b := abook.MembershipList{
		LastChange: t2,
		Roles: []abook.RoleMembers{
			{Role: abook.RoleAllow, Members: []abook.Member{
				{Account: "a@example.net", Type: addr.Messenger, Deleted: true, LastChanged: t2},
			}},
			{Role: abook.RolePending, Members: []abook.Member{
				{Account: "c@example.net", Type: addr.Messenger, LastChanged: t1},
			}},
		},
	}

	forward := abook.NewAddressBook()
	forward.ApplyMembership(&a)
	forward.ApplyMembership(&b)

	backward := abook.NewAddressBook()
	backward.ApplyMembership(&b)
	backward.ApplyMembership(&a)

	for _, account := range []string{"a@example.net", "b@example.net", "c@example.net"} {
		fw, bw := forward.Contacts[key(account)], backward.Contacts[key(account)]
		if fw == nil || bw == nil {
			t.Fatalf("missing contact %s after merge", account)
		}
		if fw.Lists != bw.Lists {
			t.Errorf("order-sensitive merge for %s: forward=%v, backward=%v", account, fw.Lists, bw.Lists)
		}
	}

	got := forward.Contacts[key("a@example.net")].Lists
	if got.Has(contact.Allow) {
		t.Errorf("allow bit survived a newer delete: %v", got)
	}
	if !forward.Contacts[key("b@example.net")].Lists.Has(contact.Block) {
		t.Error("block bit missing for b@example.net")
	}
	if !forward.Contacts[key("c@example.net")].Lists.Has(contact.Pending) {
		t.Error("pending bit missing for c@example.net")
	}
	if !forward.MembershipLastChange.Equal(t2) {
		t.Errorf("wrong membership change time: %v", forward.MembershipLastChange)
	}
}

func TestAddressBookMerge(t *testing.T) {
	id := uuid.New()
	book := abook.NewAddressBook()
	book.ApplyAddressBook(&abook.AddressBookDelta{
		LastChange: t1,
		Contacts: []abook.ContactEntry{{
			GUID:        id,
			Account:     "a@example.net",
			Type:        addr.Messenger,
			DisplayName: "A",
			Messenger:   true,
			LastChanged: t1,
			Groups:      []string{"g1"},
		}},
		Groups: []abook.GroupEntry{{GUID: "g1", Name: "Friends"}},
	})

	ci := book.Contacts[key("a@example.net")]
	if ci == nil {
		t.Fatal("contact missing after merge")
	}
	if !ci.Lists.Has(contact.Forward) {
		t.Error("messenger contact missing forward bit")
	}
	if ci.GUID != id || ci.DisplayName != "A" {
		t.Errorf("metadata not merged: %+v", ci)
	}

	// A deleted group disappears and is stripped from every contact.
	book.ApplyAddressBook(&abook.AddressBookDelta{
		LastChange: t2,
		Groups:     []abook.GroupEntry{{GUID: "g1", Deleted: true}},
	})
	if _, ok := book.Groups["g1"]; ok {
		t.Error("deleted group still present")
	}
	if len(ci.Groups) != 0 {
		t.Errorf("group membership not stripped: %v", ci.Groups)
	}

	// A deleted contact is marked removed from the forward list, never
	// hard-deleted.
	book.ApplyAddressBook(&abook.AddressBookDelta{
		LastChange: t2,
		Contacts: []abook.ContactEntry{{
			Account:     "a@example.net",
			Type:        addr.Messenger,
			Deleted:     true,
			LastChanged: t2,
		}},
	})
	ci = book.Contacts[key("a@example.net")]
	if ci == nil {
		t.Fatal("deleted contact was hard-deleted")
	}
	if ci.Lists.Has(contact.Forward) || ci.Messenger {
		t.Errorf("deleted contact still on forward list: %+v", ci)
	}

	// A stale update must not resurrect it.
	book.ApplyAddressBook(&abook.AddressBookDelta{
		Contacts: []abook.ContactEntry{{
			Account:     "a@example.net",
			Type:        addr.Messenger,
			Messenger:   true,
			LastChanged: t1,
		}},
	})
	if book.Contacts[key("a@example.net")].Lists.Has(contact.Forward) {
		t.Error("stale update resurrected a deleted contact")
	}
}
