// Copyright 2025 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package switchboard

import (
	"bytes"
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"mellium.im/msnp"
	"mellium.im/msnp/abook"
	"mellium.im/msnp/addr"
	"mellium.im/msnp/contact"
	"mellium.im/msnp/internal/msnptest"
)

type convEvents struct {
	joins  chan string
	leaves chan string
	msgs   chan Message
	typing chan string
	closed chan struct{}
}

func testConversation(t *testing.T) (*Conversation, *convEvents) {
	t.Helper()
	roster := contact.NewList()
	if _, err := roster.SetOwner(addr.MustParse("me@example.net")); err != nil {
		t.Fatalf("setting owner: %v", err)
	}
	ev := &convEvents{
		joins:  make(chan string, 8),
		leaves: make(chan string, 8),
		msgs:   make(chan Message, 8),
		typing: make(chan string, 8),
		closed: make(chan struct{}, 1),
	}
	conv := &Conversation{
		logger:       zap.NewNop(),
		roster:       roster,
		owner:        addr.MustParse("me@example.net"),
		authHash:     "auth-hash",
		participants: make(map[contact.Key]ParticipantState),
	}
	conv.HandleJoin = func(c *contact.Contact) { ev.joins <- c.Address().String() }
	conv.HandleLeave = func(c *contact.Contact) { ev.leaves <- c.Address().String() }
	conv.HandleMessage = func(c *contact.Contact, m Message) { ev.msgs <- m }
	conv.HandleTyping = func(c *contact.Contact) { ev.typing <- c.Address().String() }
	conv.HandleClosed = func() { ev.closed <- struct{}{} }
	return conv, ev
}

func recvString(t *testing.T, ch chan string, what string) string {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		return ""
	}
}

// TestAutoClose verifies that when the last remote participant leaves a
// two-party conversation the owner leaves too and the conversation
// closes.
func TestAutoClose(t *testing.T) {
	conv, ev := testConversation(t)
	client, server := msnptest.Pipe()
	msnptest.Serve(t, server, []msnptest.Step{
		{Expect: "USR", Reply: []msnp.Command{
			msnp.NewCommand("USR", msnptest.EchoID, "OK", "me@example.net", "Me"),
			msnp.NewCommand("JOI", 0, "a@example.net", "A"),
			msnp.NewCommand("BYE", 0, "a@example.net"),
		}},
	})

	go conv.serve(context.Background(), client)

	if got := recvString(t, ev.joins, "join"); got != "a@example.net" {
		t.Errorf("wrong joined participant: %q", got)
	}
	if got := recvString(t, ev.leaves, "leave"); got != "a@example.net" {
		t.Errorf("wrong departed participant: %q", got)
	}
	select {
	case <-ev.closed:
	case <-time.After(5 * time.Second):
		t.Fatal("conversation did not close after the last participant left")
	}
	if conv.State() != StateClosed {
		t.Errorf("wrong state after close: %v", conv.State())
	}
}

// TestStaysOpenWithRemainingParticipants verifies that one participant
// leaving a three-party conversation does not close it.
func TestStaysOpenWithRemainingParticipants(t *testing.T) {
	conv, ev := testConversation(t)
	client, server := msnptest.Pipe()
	msnptest.Serve(t, server, []msnptest.Step{
		{Expect: "USR", Reply: []msnp.Command{
			msnp.NewCommand("USR", msnptest.EchoID, "OK", "me@example.net", "Me"),
			msnp.NewCommand("JOI", 0, "a@example.net", "A"),
			msnp.NewCommand("JOI", 0, "b@example.net", "B"),
			msnp.NewCommand("BYE", 0, "a@example.net"),
		}},
	})

	go conv.serve(context.Background(), client)

	recvString(t, ev.joins, "first join")
	recvString(t, ev.joins, "second join")
	recvString(t, ev.leaves, "leave")

	select {
	case <-ev.closed:
		t.Fatal("conversation closed with a participant still joined")
	default:
	}
	if st, ok := conv.Participant(addr.MustParse("b@example.net")); !ok || st != ParticipantJoined {
		t.Errorf("wrong remaining participant state: %v, %v", st, ok)
	}

	// The last participant leaving closes it.
	if err := server.WriteCommand(msnp.NewCommand("BYE", 0, "b@example.net")); err != nil {
		t.Fatalf("writing command: %v", err)
	}
	recvString(t, ev.leaves, "final leave")
	select {
	case <-ev.closed:
	case <-time.After(5 * time.Second):
		t.Fatal("conversation did not close after the final participant left")
	}
}

// TestAnswerRing verifies answering a remote ring reports the parties
// already present.
func TestAnswerRing(t *testing.T) {
	conv, ev := testConversation(t)
	conv.remote = true
	conv.sessionID = "11752013"
	client, server := msnptest.Pipe()
	msnptest.Serve(t, server, []msnptest.Step{
		{Expect: "ANS", Reply: []msnp.Command{
			msnp.NewCommand("IRO", msnptest.EchoID, "1", "2", "a@example.net", "A"),
			msnp.NewCommand("IRO", msnptest.EchoID, "2", "2", "b@example.net", "B"),
			msnp.NewCommand("ANS", msnptest.EchoID, "OK"),
		}},
	})

	go conv.serve(context.Background(), client)

	got := map[string]bool{
		recvString(t, ev.joins, "first join"):  true,
		recvString(t, ev.joins, "second join"): true,
	}
	if !got["a@example.net"] || !got["b@example.net"] {
		t.Errorf("wrong initial roster: %v", got)
	}
	if !conv.Remote() {
		t.Error("answered conversation not marked remote")
	}
}

// TestInviteQueued verifies invitations issued before establishment are
// flushed once the identity is accepted.
func TestInviteQueued(t *testing.T) {
	conv, ev := testConversation(t)
	client, server := msnptest.Pipe()
	msnptest.Serve(t, server, []msnptest.Step{
		{Expect: "USR", Reply: []msnp.Command{
			msnp.NewCommand("USR", msnptest.EchoID, "OK", "me@example.net", "Me"),
		}},
		{Expect: "CAL", Reply: []msnp.Command{
			msnp.NewCommand("CAL", msnptest.EchoID, "RINGING", "11752013"),
			msnp.NewCommand("JOI", 0, "b@example.net", "B"),
		}},
	})

	ctx := context.Background()
	if err := conv.Invite(ctx, addr.MustParse("b@example.net")); err != nil {
		t.Fatalf("queueing invitation: %v", err)
	}
	go conv.serve(ctx, client)

	if got := recvString(t, ev.joins, "join"); got != "b@example.net" {
		t.Errorf("wrong joined participant: %q", got)
	}
}

type teardownSync struct{}

func (teardownSync) Synchronize(context.Context, abook.Announcer) error { return nil }
func (teardownSync) Persist(context.Context) error                      { return nil }
func (teardownSync) Reset()                                             {}

// TestSessionTeardownClosesConversations verifies that when the
// notification session ends, here by a server-initiated sign-off, its
// live conversations are closed and deregistered with it.
func TestSessionTeardownClosesConversations(t *testing.T) {
	session := msnp.NewSession(msnp.Config{
		Account:      addr.MustParse("me@example.net"),
		Sync:         teardownSync{},
		Roster:       contact.NewList(),
		PingInterval: -1,
	})
	nsClient, nsServer := msnptest.Pipe()
	msnptest.Serve(t, nsServer, nil)
	done := make(chan error, 1)
	go func() {
		done <- session.Serve(context.Background(), nsClient)
	}()

	m := NewManager(Config{Session: session})
	conv := m.newConversation("", "auth-hash", "", false)
	closed := make(chan struct{}, 1)
	conv.HandleClosed = func() { closed <- struct{}{} }
	m.register("11752013", conv)

	sbClient, sbServer := msnptest.Pipe()
	msnptest.Serve(t, sbServer, nil)
	go conv.serve(context.Background(), sbClient)

	if err := nsServer.WriteCommand(msnp.NewCommand("OUT", 0, "SSD")); err != nil {
		t.Fatalf("writing sign-off: %v", err)
	}
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("session teardown did not close the conversation")
	}
	if got := len(m.Conversations()); got != 0 {
		t.Errorf("conversation still registered after teardown: %d live", got)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned an error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for serve to return")
	}
}

// TestChunkedMessageDelivery verifies a message arriving in several
// chunks is dispatched exactly once, reassembled.
func TestChunkedMessageDelivery(t *testing.T) {
	conv, ev := testConversation(t)
	body := bytes.Repeat([]byte("chunky "), 100)
	chunks := Split(NewText(string(body)), 64)
	if len(chunks) < 2 {
		t.Fatalf("fixture too small: %d chunks", len(chunks))
	}
	replies := []msnp.Command{
		msnp.NewCommand("USR", msnptest.EchoID, "OK", "me@example.net", "Me"),
		msnp.NewCommand("JOI", 0, "a@example.net", "A"),
	}
	for _, chunk := range chunks {
		replies = append(replies, msnp.Command{
			Verb:    "MSG",
			Args:    []string{"a@example.net", "A"},
			Payload: chunk.Encode(),
		})
	}
	// A typing notification after the chunks proves nothing partial was
	// dispatched in between.
	replies = append(replies, msnp.Command{
		Verb:    "MSG",
		Args:    []string{"a@example.net", "A"},
		Payload: NewTyping("a@example.net").Encode(),
	})

	client, server := msnptest.Pipe()
	msnptest.Serve(t, server, []msnptest.Step{{Expect: "USR", Reply: replies}})

	go conv.serve(context.Background(), client)

	recvString(t, ev.joins, "join")
	select {
	case m := <-ev.msgs:
		if !bytes.Equal(m.Body, body) {
			t.Error("reassembled body differs from the original")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the reassembled message")
	}
	if got := recvString(t, ev.typing, "typing notification"); got != "a@example.net" {
		t.Errorf("wrong typing participant: %q", got)
	}
	select {
	case <-ev.msgs:
		t.Error("chunked message dispatched more than once")
	default:
	}
}
