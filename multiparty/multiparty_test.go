// Copyright 2025 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package multiparty_test

import (
	"context"
	"testing"
	"time"

	"mellium.im/msnp"
	"mellium.im/msnp/abook"
	"mellium.im/msnp/addr"
	"mellium.im/msnp/contact"
	"mellium.im/msnp/internal/msnptest"
	"mellium.im/msnp/multiparty"
	"mellium.im/msnp/mux"
)

type nopSync struct{}

func (nopSync) Synchronize(context.Context, abook.Announcer) error { return nil }
func (nopSync) Persist(context.Context) error                      { return nil }
func (nopSync) Reset()                                             {}

func testSession(t *testing.T) *msnp.Session {
	t.Helper()
	roster := contact.NewList()
	session := msnp.NewSession(msnp.Config{
		Account:      addr.MustParse("me@example.net"),
		Sync:         nopSync{},
		Roster:       roster,
		PingInterval: -1,
	})
	client, server := msnptest.Pipe()
	go func() {
		_ = session.Serve(context.Background(), client)
	}()
	// The session writes VER only after its reply router is ready;
	// reading it here ensures later round trips cannot race startup.
	if _, err := server.ReadCommand(); err != nil {
		t.Fatalf("reading handshake command: %v", err)
	}
	msnptest.Serve(t, server, []msnptest.Step{
		{Expect: "PUT", Reply: []msnp.Command{{
			Verb:    "PUT",
			ID:      msnptest.EchoID,
			Payload: []byte(`<circle id="9:friends123@groups.example.net" n="Friends"></circle>`),
		}}},
	})
	t.Cleanup(func() {
		_ = session.Close(context.Background())
	})
	return session
}

func TestCreate(t *testing.T) {
	session := testSession(t)
	coord := multiparty.NewCoordinator(multiparty.Config{Session: session})
	routes := mux.New(multiparty.HandleCoordinator(coord))

	type created struct {
		g      *multiparty.Group
		remote bool
	}
	events := make(chan created, 1)
	coord.HandleCreated = func(g *multiparty.Group, remote bool) {
		events <- created{g, remote}
	}

	var doneCount int
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	g, err := coord.Create(ctx, "Friends", []addr.Address{addr.MustParse("b@example.net")}, func(*multiparty.Group) {
		doneCount++
	})
	if err != nil {
		t.Fatalf("creating group: %v", err)
	}
	if g.Name() != "Friends" {
		t.Errorf("wrong group name: %q", g.Name())
	}
	if got := g.Address().String(); got != "friends123@groups.example.net" {
		t.Errorf("wrong resolved identity: %q", got)
	}
	if doneCount != 1 {
		t.Errorf("creation callback fired %d times", doneCount)
	}

	select {
	case ev := <-events:
		if ev.remote {
			t.Error("locally created group reported as remote")
		}
		if ev.g != g {
			t.Error("created event names a different group")
		}
	default:
		t.Fatal("created event did not fire")
	}

	// The owner joined its own group.
	members := g.Members()
	if len(members) != 1 || members[0].Account != "me@example.net" {
		t.Errorf("wrong members after creation: %v", members)
	}
	if got, ok := coord.Group(g.Address()); !ok || got != g {
		t.Error("group not registered under its identity")
	}

	// The server re-pushing the same group must not re-raise creation.
	err = routes.HandleCommand(msnp.Command{
		Verb:    "PUT",
		Payload: []byte(`<circle id="9:friends123@groups.example.net" n="Friends"><m a="b@example.net"></m></circle>`),
	})
	if err != nil {
		t.Fatalf("handling publish notification: %v", err)
	}
	select {
	case <-events:
		t.Error("created event fired again for a known group")
	default:
	}
	if got := len(g.Members()); got != 2 {
		t.Errorf("wrong member count after update: %d", got)
	}
}

func TestRemoteCreated(t *testing.T) {
	coord := multiparty.NewCoordinator(multiparty.Config{})
	routes := mux.New(multiparty.HandleCoordinator(coord))

	var remoteGroup *multiparty.Group
	var remoteFlag bool
	coord.HandleCreated = func(g *multiparty.Group, remote bool) {
		remoteGroup, remoteFlag = g, remote
	}

	err := routes.HandleCommand(msnp.Command{
		Verb:    "PUT",
		Payload: []byte(`<circle id="9:party456@groups.example.net" n="Party"><m a="stranger@example.net"></m></circle>`),
	})
	if err != nil {
		t.Fatalf("handling publish notification: %v", err)
	}
	if remoteGroup == nil || !remoteFlag {
		t.Fatalf("expected a remote created event, got group=%v remote=%v", remoteGroup, remoteFlag)
	}
	if remoteGroup.Name() != "Party" {
		t.Errorf("wrong group name: %q", remoteGroup.Name())
	}
	members := remoteGroup.Members()
	if len(members) != 1 || members[0].Account != "stranger@example.net" {
		t.Errorf("wrong members: %v", members)
	}

	// A member deletion shrinks the group without re-raising creation.
	remoteGroup = nil
	err = routes.HandleCommand(msnp.Command{
		Verb:    "PUT",
		Payload: []byte(`<circle id="9:party456@groups.example.net"><m a="stranger@example.net" deleted="true"></m></circle>`),
	})
	if err != nil {
		t.Fatalf("handling member deletion: %v", err)
	}
	if remoteGroup != nil {
		t.Error("created event fired for a member update")
	}
	g, ok := coord.Group(addr.MustParse("party456@groups.example.net").WithType(addr.Group))
	if !ok {
		t.Fatal("group missing after member update")
	}
	if got := len(g.Members()); got != 0 {
		t.Errorf("wrong member count after deletion: %d", got)
	}
}

func TestRemoved(t *testing.T) {
	coord := multiparty.NewCoordinator(multiparty.Config{})
	routes := mux.New(multiparty.HandleCoordinator(coord))
	coord.HandleCreated = func(*multiparty.Group, bool) {}

	err := routes.HandleCommand(msnp.Command{
		Verb:    "PUT",
		Payload: []byte(`<circle id="9:party456@groups.example.net" n="Party"></circle>`),
	})
	if err != nil {
		t.Fatalf("handling publish notification: %v", err)
	}

	var removed *multiparty.Group
	coord.HandleRemoved = func(g *multiparty.Group) { removed = g }
	err = routes.HandleCommand(msnp.Command{
		Verb:    "DEL",
		Payload: []byte(`<circle id="9:party456@groups.example.net"></circle>`),
	})
	if err != nil {
		t.Fatalf("handling delete notification: %v", err)
	}
	if removed == nil {
		t.Fatal("removed event did not fire")
	}
	if _, ok := coord.Group(addr.MustParse("party456@groups.example.net").WithType(addr.Group)); ok {
		t.Error("revoked group still registered")
	}
}

func TestMalformedPublishDropped(t *testing.T) {
	coord := multiparty.NewCoordinator(multiparty.Config{})
	routes := mux.New(multiparty.HandleCoordinator(coord))
	coord.HandleCreated = func(*multiparty.Group, bool) {
		t.Error("created event fired for a malformed notification")
	}

	if err := routes.HandleCommand(msnp.Command{Verb: "PUT", Payload: []byte("not xml")}); err != nil {
		t.Errorf("malformed publish notification not dropped: %v", err)
	}
}
