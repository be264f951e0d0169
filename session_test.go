// Copyright 2025 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package msnp_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"mellium.im/msnp"
	"mellium.im/msnp/abook"
	"mellium.im/msnp/addr"
	"mellium.im/msnp/contact"
	"mellium.im/msnp/internal/msnptest"
)

var profilePayload = []byte("MIME-Version: 1.0\r\nContent-Type: text/x-msmsgsprofile; charset=UTF-8\r\n\r\n")

// announceSync is a Synchronizer that announces a fixed set of payloads
// and records teardown calls.
type announceSync struct {
	payloads  [][]byte
	persisted int32
	resets    int32
}

func (f *announceSync) Synchronize(ctx context.Context, ann abook.Announcer) error {
	for _, p := range f.payloads {
		if err := ann.AnnounceList(ctx, p, true); err != nil {
			return err
		}
	}
	return nil
}

func (f *announceSync) Persist(context.Context) error {
	atomic.AddInt32(&f.persisted, 1)
	return nil
}

func (f *announceSync) Reset() {
	atomic.AddInt32(&f.resets, 1)
}

func testConfig(sync msnp.Synchronizer) msnp.Config {
	return msnp.Config{
		Account:      addr.MustParse("me@example.net"),
		Auth:         msnp.StaticAuthenticator(msnp.Ticket{Token: "t=ticket", Secret: []byte("secret")}),
		Sync:         sync,
		Roster:       contact.NewList(),
		PingInterval: -1,
	}
}

func TestSignIn(t *testing.T) {
	client, server := msnptest.Pipe()
	msnptest.Serve(t, server, []msnptest.Step{
		{Expect: "VER", Reply: []msnp.Command{msnp.NewCommand("VER", msnptest.EchoID, "MSNP18")}},
		{Expect: "CVR", Reply: []msnp.Command{msnp.NewCommand("CVR", msnptest.EchoID, "14.0.8117", "14.0.8117", "14.0.8117")}},
		{Expect: "USR", Reply: []msnp.Command{msnp.NewCommand("USR", msnptest.EchoID, "SSO", "S", "MBI_KEY", "nonce")}},
		{Expect: "USR", Reply: []msnp.Command{
			msnp.NewCommand("USR", msnptest.EchoID, "OK", "me@example.net", "1", "0"),
			{Verb: "MSG", Args: []string{"Hotmail", "Hotmail"}, Payload: profilePayload},
		}},
		{Expect: "ADL", Reply: []msnp.Command{msnp.NewCommand("ADL", msnptest.EchoID, "OK")}},
	})

	sync := &announceSync{payloads: [][]byte{
		[]byte(`<ml l="1"><d n="example.net"><c n="friend" l="3" t="1"></c></d></ml>`),
	}}
	s := msnp.NewSession(testConfig(sync))

	signedIn := make(chan struct{})
	verified := make(chan struct{})
	var signedOff int32
	s.HandleSignedIn = func() { close(signedIn) }
	s.HandleOwnerVerified = func(*contact.Contact) { close(verified) }
	s.HandleSignedOff = func(msnp.SignedOffReason) { atomic.AddInt32(&signedOff, 1) }
	s.HandleError = func(err error) { t.Errorf("unexpected session error: %v", err) }

	ctx := context.Background()
	done := make(chan error, 1)
	go func() {
		done <- s.Serve(ctx, client)
	}()

	select {
	case <-verified:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for owner verification")
	}
	select {
	case <-signedIn:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for sign in")
	}
	if st := s.State(); st != msnp.StateSignedIn {
		t.Errorf("wrong state: want=%v, got=%v", msnp.StateSignedIn, st)
	}
	owner := s.Owner()
	if owner == nil || owner.Address().String() != "me@example.net" {
		t.Errorf("wrong owner: %v", owner)
	}

	// Teardown is idempotent: a second close must not double-fire the
	// signed-off event or re-persist the directory.
	if err := s.Close(ctx); err != nil {
		t.Fatalf("closing session: %v", err)
	}
	if err := s.Close(ctx); !errors.Is(err, msnp.ErrSessionClosed) {
		t.Fatalf("expected %v from a second close, got %v", msnp.ErrSessionClosed, err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned an error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for serve to return")
	}
	if n := atomic.LoadInt32(&signedOff); n != 1 {
		t.Errorf("signed-off fired %d times, want 1", n)
	}
	if n := atomic.LoadInt32(&sync.persisted); n != 1 {
		t.Errorf("directory persisted %d times during teardown, want 1", n)
	}
	if n := atomic.LoadInt32(&sync.resets); n != 1 {
		t.Errorf("synchronizer reset %d times, want 1", n)
	}
}

// TestAnnouncementGating verifies that SignedIn waits for every initial
// roster announcement to be acknowledged, not just the last one.
func TestAnnouncementGating(t *testing.T) {
	client, server := msnptest.Pipe()
	sync := &announceSync{payloads: [][]byte{
		[]byte(`<ml l="1"><d n="example.net"><c n="a" l="1" t="1"></c></d></ml>`),
		[]byte(`<ml l="1"><d n="example.net"><c n="b" l="1" t="1"></c></d></ml>`),
	}}
	s := msnp.NewSession(testConfig(sync))
	signedIn := make(chan struct{})
	s.HandleSignedIn = func() { close(signedIn) }

	firstAcked := make(chan struct{})
	release := make(chan struct{})
	go func() {
		var adl []msnp.Command
		for {
			cmd, err := server.ReadCommand()
			if err != nil {
				return
			}
			switch cmd.Verb {
			case "VER":
				_ = server.WriteCommand(msnp.NewCommand("VER", cmd.ID, "MSNP18"))
			case "CVR":
				_ = server.WriteCommand(msnp.NewCommand("CVR", cmd.ID, "14.0.8117"))
			case "USR":
				if cmd.Arg(1) == "I" {
					_ = server.WriteCommand(msnp.NewCommand("USR", cmd.ID, "SSO", "S", "MBI_KEY", "nonce"))
					continue
				}
				_ = server.WriteCommand(msnp.NewCommand("USR", cmd.ID, "OK", "me@example.net", "1", "0"))
				_ = server.WriteCommand(msnp.Command{Verb: "MSG", Args: []string{"Hotmail", "Hotmail"}, Payload: profilePayload})
			case "ADL":
				adl = append(adl, cmd)
				if len(adl) == 2 {
					// Ack the second announcement only, then wait to
					// be released before acking the first.
					_ = server.WriteCommand(msnp.NewCommand("ADL", adl[1].ID, "OK"))
					close(firstAcked)
					<-release
					_ = server.WriteCommand(msnp.NewCommand("ADL", adl[0].ID, "OK"))
				}
			}
		}
	}()
	t.Cleanup(func() {
		_ = server.Close()
	})

	done := make(chan error, 1)
	go func() {
		done <- s.Serve(context.Background(), client)
	}()

	select {
	case <-firstAcked:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for announcements")
	}
	time.Sleep(50 * time.Millisecond)
	select {
	case <-signedIn:
		t.Fatal("signed in with an unacknowledged announcement outstanding")
	default:
	}
	if st := s.State(); st == msnp.StateSignedIn {
		t.Fatal("state is SignedIn with an unacknowledged announcement outstanding")
	}

	close(release)
	select {
	case <-signedIn:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for sign in")
	}
	_ = s.Close(context.Background())
	<-done
}

// TestAnnouncementRejection verifies that an error reply to an initial
// roster announcement surfaces the failure instead of leaving sign-in
// waiting forever for an acknowledgement that will never come.
func TestAnnouncementRejection(t *testing.T) {
	client, server := msnptest.Pipe()
	msnptest.Serve(t, server, []msnptest.Step{
		{Expect: "VER", Reply: []msnp.Command{msnp.NewCommand("VER", msnptest.EchoID, "MSNP18")}},
		{Expect: "CVR", Reply: []msnp.Command{msnp.NewCommand("CVR", msnptest.EchoID, "14.0.8117", "14.0.8117", "14.0.8117")}},
		{Expect: "USR", Reply: []msnp.Command{msnp.NewCommand("USR", msnptest.EchoID, "SSO", "S", "MBI_KEY", "nonce")}},
		{Expect: "USR", Reply: []msnp.Command{
			msnp.NewCommand("USR", msnptest.EchoID, "OK", "me@example.net", "1", "0"),
			{Verb: "MSG", Args: []string{"Hotmail", "Hotmail"}, Payload: profilePayload},
		}},
		{Expect: "ADL", Reply: []msnp.Command{msnp.NewCommand("210", msnptest.EchoID)}},
	})

	sync := &announceSync{payloads: [][]byte{
		[]byte(`<ml l="1"><d n="example.net"><c n="friend" l="3" t="1"></c></d></ml>`),
	}}
	s := msnp.NewSession(testConfig(sync))

	signedIn := make(chan struct{})
	errs := make(chan error, 1)
	serverErrs := make(chan msnp.ServerError, 1)
	s.HandleSignedIn = func() { close(signedIn) }
	s.HandleError = func(err error) {
		select {
		case errs <- err:
		default:
		}
	}
	s.HandleServerError = func(err msnp.ServerError) { serverErrs <- err }

	done := make(chan error, 1)
	go func() {
		done <- s.Serve(context.Background(), client)
	}()

	select {
	case serr := <-serverErrs:
		if serr.Code != msnp.CodeListFull {
			t.Errorf("wrong server error code: want=%v, got=%v", msnp.CodeListFull, serr.Code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the server error")
	}
	select {
	case <-errs:
	case <-time.After(5 * time.Second):
		t.Fatal("rejected announcement did not surface an error")
	}
	select {
	case <-signedIn:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for sign in after the rejected announcement")
	}
	_ = s.Close(context.Background())
	<-done
}

// TestUnknownVerbDropped verifies that unrecognized commands are dropped
// without surfacing an error.
func TestUnknownVerbDropped(t *testing.T) {
	client, server := msnptest.Pipe()
	msnptest.Serve(t, server, []msnptest.Step{
		{Expect: "VER", Reply: []msnp.Command{
			msnp.NewCommand("XYZ", 0, "whatever"),
			msnp.NewCommand("VER", msnptest.EchoID, "MSNP18"),
		}},
	})

	sync := &announceSync{}
	s := msnp.NewSession(testConfig(sync))
	errs := make(chan error, 1)
	s.HandleError = func(err error) { errs <- err }

	done := make(chan error, 1)
	go func() {
		done <- s.Serve(context.Background(), client)
	}()

	select {
	case err := <-errs:
		t.Fatalf("unexpected error for unknown verb: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
	_ = s.Close(context.Background())
	<-done
}
