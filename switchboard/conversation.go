// Copyright 2025 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package switchboard

import (
	"context"
	"errors"
	"io"
	"sync"

	"go.uber.org/zap"

	"mellium.im/msnp"
	"mellium.im/msnp/addr"
	"mellium.im/msnp/contact"
	"mellium.im/msnp/internal/idgen"
)

// State is the lifecycle state of a conversation.
type State int

// Conversation lifecycle states.
const (
	StateRequested State = iota
	StateConnecting
	StateIdentitySent
	StateEstablished
	StateClosed
)

// ParticipantState tracks one remote party's standing in a conversation.
type ParticipantState int

// Participant states.
const (
	ParticipantInvited ParticipantState = iota
	ParticipantJoined
	ParticipantLeft
)

// A Conversation is one switchboard session: a dedicated connection
// carrying messages between the owner and one or more remote parties.
// Conversations are created by a Manager, never directly.
//
// The Handle* callback fields must be set before the conversation
// establishes; the Manager's conversation callback is the intended place.
type Conversation struct {
	logger    *zap.Logger
	dialer    *msnp.Dialer
	roster    *contact.List
	owner     addr.Address
	address   string
	authHash  string
	sessionID string
	remote    bool
	chunkSize int
	ids       idgen.Sequence

	mu           sync.Mutex
	conn         *msnp.Conn
	state        State
	participants map[contact.Key]ParticipantState
	inviteQueue  []addr.Address
	asm          assembler

	// HandleMessage is called with each complete (reassembled) text or
	// data message.
	HandleMessage func(from *contact.Contact, m Message)

	// HandleTyping is called when a participant sends a typing
	// notification.
	HandleTyping func(from *contact.Contact)

	// HandleJoin is called when a participant joins, including the
	// participants already present when answering a ring.
	HandleJoin func(c *contact.Contact)

	// HandleLeave is called when a participant leaves.
	HandleLeave func(c *contact.Contact)

	// HandleClosed is called exactly once when the conversation ends.
	HandleClosed func()

	// HandleError is called for per-conversation failures, including
	// numeric error replies.
	HandleError func(err error)
}

// State returns the conversation's lifecycle state.
func (c *Conversation) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Remote reports whether the conversation was initiated by a remote ring
// rather than a local invite.
func (c *Conversation) Remote() bool {
	return c.remote
}

// Participant returns the state of the given remote party.
func (c *Conversation) Participant(a addr.Address) (ParticipantState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.participants[contact.KeyOf(a)]
	return st, ok
}

// Invite asks a remote party to join. Before the conversation is
// established the invitation is queued and flushed on establishment.
func (c *Conversation) Invite(ctx context.Context, a addr.Address) error {
	c.mu.Lock()
	if c.state != StateEstablished {
		c.inviteQueue = append(c.inviteQueue, a)
		c.mu.Unlock()
		return nil
	}
	c.participants[contact.KeyOf(a)] = ParticipantInvited
	c.mu.Unlock()
	return c.send(msnp.NewCommand("CAL", c.ids.Next(), a.String()))
}

// SendMessage sends a message, splitting it into chunks when it exceeds
// the conversation's payload cap.
func (c *Conversation) SendMessage(ctx context.Context, m Message) error {
	for _, chunk := range Split(m, c.chunkSize) {
		cmd := msnp.Command{Verb: "MSG", ID: c.ids.Next(), Args: []string{"N"}, Payload: chunk.Encode()}
		if err := c.send(cmd); err != nil {
			return err
		}
	}
	return nil
}

// SendText sends a plain text message.
func (c *Conversation) SendText(ctx context.Context, body string) error {
	return c.SendMessage(ctx, NewText(body))
}

// SendTyping sends a typing notification.
func (c *Conversation) SendTyping(ctx context.Context) error {
	return c.SendMessage(ctx, NewTyping(c.owner.String()))
}

// SendNudge sends a nudge.
func (c *Conversation) SendNudge(ctx context.Context) error {
	return c.SendMessage(ctx, NewNudge())
}

// Leave leaves the conversation and closes its connection.
func (c *Conversation) Leave(ctx context.Context) error {
	err := c.send(msnp.NewCommand("OUT", 0))
	c.close()
	return err
}

func (c *Conversation) send(cmd msnp.Command) error {
	c.mu.Lock()
	conn := c.conn
	state := c.state
	c.mu.Unlock()
	if conn == nil || state == StateClosed {
		return msnp.ErrSessionClosed
	}
	c.logger.Debug("send", zap.String("cmd", cmd.String()))
	return conn.WriteCommand(cmd)
}

// start dials the switchboard, sends the identity or answer command, and
// serves the connection until it ends.
func (c *Conversation) start(ctx context.Context) {
	c.mu.Lock()
	c.state = StateConnecting
	c.mu.Unlock()

	conn, err := c.dialer.Dial(ctx, "tcp", c.address)
	if err != nil {
		c.fireError(err)
		c.close()
		return
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.serve(ctx, conn)
}

// serve runs the conversation over an established transport. It is split
// from start so tests can drive a conversation over a pipe.
func (c *Conversation) serve(ctx context.Context, conn *msnp.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	var opener msnp.Command
	if c.remote {
		opener = msnp.NewCommand("ANS", c.ids.Next(), c.owner.String(), c.authHash, c.sessionID)
	} else {
		opener = msnp.NewCommand("USR", c.ids.Next(), c.owner.String(), c.authHash)
	}
	if err := c.send(opener); err != nil {
		c.fireError(err)
		c.close()
		return
	}
	c.mu.Lock()
	c.state = StateIdentitySent
	c.mu.Unlock()

	for {
		cmd, err := conn.ReadCommand()
		if err != nil {
			if !errors.Is(err, io.EOF) && c.State() != StateClosed {
				c.fireError(err)
			}
			c.close()
			return
		}
		c.dispatch(ctx, cmd)
		if c.State() == StateClosed {
			return
		}
	}
}

func (c *Conversation) dispatch(ctx context.Context, cmd msnp.Command) {
	c.logger.Debug("recv", zap.String("cmd", cmd.String()))
	if err := cmd.Err(); err != nil {
		c.fireError(err)
		return
	}
	switch cmd.Verb {
	case "USR", "ANS":
		if cmd.Arg(0) == "OK" {
			c.established(ctx)
		}
	case "IRO":
		// Roster of parties already present when answering a ring:
		// IRO <id> <index> <total> <account> <display>.
		c.joined(cmd.Arg(2))
	case "JOI":
		c.joined(cmd.Arg(0))
	case "BYE":
		c.left(ctx, cmd.Arg(0))
	case "MSG":
		c.message(cmd)
	case "ACK":
		// Delivery acknowledgement.
	case "NAK":
		c.fireError(errors.New("switchboard: message delivery failed"))
	case "OUT":
		c.close()
	default:
		c.logger.Debug("dropping unhandled command", zap.String("verb", cmd.Verb))
	}
}

// established flushes the queued invitations.
func (c *Conversation) established(ctx context.Context) {
	c.mu.Lock()
	c.state = StateEstablished
	queued := c.inviteQueue
	c.inviteQueue = nil
	c.mu.Unlock()
	for _, a := range queued {
		if err := c.Invite(ctx, a); err != nil {
			c.fireError(err)
		}
	}
}

func (c *Conversation) joined(account string) {
	a, err := addr.Parse(account)
	if err != nil {
		c.logger.Debug("skipping unparsable participant", zap.String("account", account))
		return
	}
	c.mu.Lock()
	c.participants[contact.KeyOf(a)] = ParticipantJoined
	c.mu.Unlock()
	if c.HandleJoin != nil {
		c.HandleJoin(c.roster.Get(a))
	}
}

// left marks the participant gone and applies the auto-close rule: when
// no remote participant remains joined, the owner leaves too.
func (c *Conversation) left(ctx context.Context, account string) {
	a, err := addr.Parse(account)
	if err != nil {
		return
	}
	c.mu.Lock()
	c.participants[contact.KeyOf(a)] = ParticipantLeft
	remaining := 0
	for _, st := range c.participants {
		if st == ParticipantJoined {
			remaining++
		}
	}
	c.mu.Unlock()

	if c.HandleLeave != nil {
		c.HandleLeave(c.roster.Get(a))
	}
	if remaining == 0 {
		if err := c.Leave(ctx); err != nil && !errors.Is(err, msnp.ErrSessionClosed) {
			c.fireError(err)
		}
	}
}

func (c *Conversation) message(cmd msnp.Command) {
	m, err := ParseMessage(cmd.Payload)
	if err != nil {
		c.logger.Debug("dropping malformed message", zap.Error(err))
		return
	}
	c.mu.Lock()
	full, done, err := c.asm.add(m)
	c.mu.Unlock()
	if err != nil {
		c.logger.Debug("dropping message with inconsistent chunks", zap.Error(err))
		return
	}
	if !done {
		return
	}

	a, err := addr.Parse(cmd.Arg(0))
	if err != nil {
		c.logger.Debug("dropping message from unparsable sender", zap.String("account", cmd.Arg(0)))
		return
	}
	from := c.roster.Get(a)
	switch full.ContentType() {
	case ContentTyping:
		if c.HandleTyping != nil {
			c.HandleTyping(from)
		}
	default:
		if c.HandleMessage != nil {
			c.HandleMessage(from, full)
		}
	}
}

// close is idempotent and fires HandleClosed exactly once.
func (c *Conversation) close() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			c.logger.Debug("closing switchboard transport", zap.Error(err))
		}
	}
	if c.HandleClosed != nil {
		c.HandleClosed()
	}
}

func (c *Conversation) fireError(err error) {
	c.logger.Warn("conversation error", zap.Error(err))
	if c.HandleError != nil {
		c.HandleError(err)
	}
}
