// Copyright 2025 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package contact_test

import (
	"errors"
	"testing"

	"mellium.im/msnp/addr"
	"mellium.im/msnp/contact"
)

func TestSetOwner(t *testing.T) {
	l := contact.NewList()
	me := addr.MustParse("me@example.net")

	owner, err := l.SetOwner(me)
	if err != nil {
		t.Fatalf("setting owner: %v", err)
	}
	// Setting the same owner again is idempotent.
	again, err := l.SetOwner(me)
	if err != nil {
		t.Fatalf("re-setting owner: %v", err)
	}
	if owner != again {
		t.Error("re-setting the owner returned a different contact")
	}
	if _, err := l.SetOwner(addr.MustParse("other@example.net")); !errors.Is(err, contact.ErrOwnerSet) {
		t.Errorf("expected %v when replacing the owner, got %v", contact.ErrOwnerSet, err)
	}
	if got := l.Get(me); got != owner {
		t.Error("looking up the owner's address did not return the owner")
	}
	if l.Len() != 0 {
		t.Errorf("owner counted as a remote contact: len=%d", l.Len())
	}
}

func TestGetCreatesOnce(t *testing.T) {
	l := contact.NewList()
	a := addr.MustParse("friend@example.net")
	c1 := l.Get(a)
	c2 := l.Get(a)
	if c1 != c2 {
		t.Error("expected repeated lookups to return the same contact")
	}
	if l.Len() != 1 {
		t.Errorf("wrong contact count: %d", l.Len())
	}
	// The same account on a different network is a different contact.
	c3 := l.Get(a.WithType(addr.Email))
	if c3 == c1 {
		t.Error("expected a different contact per network type")
	}
}

func TestRemoveGroupClearsMembership(t *testing.T) {
	l := contact.NewList()
	g := l.AddGroup("guid-1", "Friends")
	if g.Name() != "Friends" {
		t.Errorf("wrong group name: %q", g.Name())
	}

	c := l.Get(addr.MustParse("friend@example.net"))
	c.AddGroup("guid-1")
	if !c.InGroup("guid-1") {
		t.Fatal("contact not in group after AddGroup")
	}

	l.RemoveGroup("guid-1")
	if _, ok := l.Group("guid-1"); ok {
		t.Error("group still present after removal")
	}
	if c.InGroup("guid-1") {
		t.Error("contact still in group after group removal")
	}
}

func TestListBits(t *testing.T) {
	l := contact.NewList()
	c := l.Get(addr.MustParse("friend@example.net"))
	c.AddToList(contact.Forward | contact.Allow)
	if !c.Lists().Has(contact.Forward) || !c.Lists().Has(contact.Allow) {
		t.Error("list bits not set")
	}
	c.RemoveFromList(contact.Allow)
	if c.Lists().Has(contact.Allow) {
		t.Error("allow bit still set after removal")
	}
	if !c.Lists().Has(contact.Forward) {
		t.Error("forward bit lost while clearing allow")
	}
}

func TestReset(t *testing.T) {
	l := contact.NewList()
	if _, err := l.SetOwner(addr.MustParse("me@example.net")); err != nil {
		t.Fatalf("setting owner: %v", err)
	}
	l.Get(addr.MustParse("friend@example.net"))
	l.AddGroup("guid-1", "Friends")

	l.Reset()
	if l.Owner() != nil {
		t.Error("owner survived reset")
	}
	if l.Len() != 0 {
		t.Error("contacts survived reset")
	}
	if len(l.Groups()) != 0 {
		t.Error("groups survived reset")
	}
	// Reset twice is safe.
	l.Reset()
}
