// Copyright 2025 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package msnp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mellium.im/msnp/abook"
	"mellium.im/msnp/addr"
	"mellium.im/msnp/contact"
	"mellium.im/msnp/internal/idgen"
)

// ErrSessionClosed is returned by operations attempted on a session that
// has been torn down.
var ErrSessionClosed = errors.New("msnp: session is closed")

// defaultPingInterval is used when Config.PingInterval is zero.
const defaultPingInterval = 45 * time.Second

// State is the lifecycle state of a notification session.
type State int

// Session lifecycle states, in the order a successful sign-in passes
// through them.
const (
	StateDisconnected State = iota
	StateVersionNegotiated
	StateClientInfoSent
	StateAuthChallengeSent
	StateAuthCompleted
	StateSignedIn
	StateSignedOff
)

// String satisfies fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateVersionNegotiated:
		return "VersionNegotiated"
	case StateClientInfoSent:
		return "ClientInfoSent"
	case StateAuthChallengeSent:
		return "AuthChallengeSent"
	case StateAuthCompleted:
		return "AuthCompleted"
	case StateSignedIn:
		return "SignedIn"
	case StateSignedOff:
		return "SignedOff"
	}
	return "Unknown"
}

// SignedOffReason distinguishes why a session ended. The non-empty values
// are the wire spellings carried by the server's sign-off command.
type SignedOffReason string

// Sign-off reasons.
const (
	ReasonDisconnected    SignedOffReason = ""
	ReasonOtherEndpoint   SignedOffReason = "OTH"
	ReasonServerGoingDown SignedOffReason = "SSD"
)

// A Synchronizer performs the initial directory synchronization pass and
// persists directory state at teardown. It is implemented by
// abook.Service.
type Synchronizer interface {
	Synchronize(ctx context.Context, ann abook.Announcer) error
	Persist(ctx context.Context) error
	Reset()
}

// A TransferHandler owns in-flight peer-to-peer transfers so the session
// can abort them during teardown.
type TransferHandler interface {
	AbortAll()
}

// Config contains options for creating a notification session.
type Config struct {
	// Address is the notification server to dial. It is only used by
	// Connect; sessions started over an existing transport ignore it.
	Address string

	// Account is the local identity.
	Account addr.Address

	// Dialer is used by Connect. If nil a zero Dialer is used.
	Dialer *Dialer

	// Auth obtains sign-on tickets. It is required.
	Auth Authenticator

	// Sync performs directory synchronization after authentication. It
	// is required.
	Sync Synchronizer

	// Roster is the contact list owned by this session. It is required.
	Roster *contact.List

	// Handler receives commands the session does not consume itself
	// (switchboard rings, publish notifications). If nil such commands
	// are logged and dropped.
	Handler Handler

	// Transfers, if set, is told to abort in-flight transfers during
	// teardown.
	Transfers TransferHandler

	// Challenge is the client identification pair used to answer server
	// challenges.
	Challenge ChallengeKey

	// Versions are the protocol dialects offered during version
	// negotiation, most preferred first. Nil means a reasonable default.
	Versions []string

	// ClientInfo are the client identification arguments sent after
	// version negotiation. Nil means a reasonable default.
	ClientInfo []string

	// Endpoint identifies this signed-in device. The zero UUID means a
	// random one is generated per session.
	Endpoint uuid.UUID

	// PingInterval is the keepalive interval once signed in. Zero means
	// a default; negative disables keepalives.
	PingInterval time.Duration

	// Logger is used for tracing. Nil means no logging.
	Logger *zap.Logger
}

// A Session is a single client connection to a notification server. It
// drives the sign-in handshake, dispatches inbound commands, owns the
// contact roster, and carries directory announcements for its
// Synchronizer.
//
// A Session serves one connection; create a new Session to reconnect.
// The Handle* callback fields must be set before Connect or Serve is
// called and not modified afterwards. All other methods are safe for
// concurrent use.
type Session struct {
	config Config
	logger *zap.Logger
	ids    idgen.Sequence

	mu            sync.Mutex
	conn          *Conn
	state         State
	ticket        Ticket
	replies       map[uint32]chan Command
	adlPending    map[uint32]struct{}
	closers       []func(ctx context.Context)
	ownerVerified bool
	syncDone      bool
	signedIn      bool
	cleared       bool

	// HandleSignedIn is called once when the session reaches SignedIn:
	// after the handshake, directory synchronization, and every initial
	// roster announcement has been acknowledged.
	HandleSignedIn func()

	// HandleSignedOff is called at most once when the session ends.
	HandleSignedOff func(reason SignedOffReason)

	// HandleOwnerVerified is called once when the owner's profile has
	// been received. This precedes SignedIn.
	HandleOwnerVerified func(owner *contact.Contact)

	// HandleAuthError is called when authentication fails. The error
	// matches ErrAuthentication and the session disconnects.
	HandleAuthError func(err error)

	// HandleError is called for any error surfaced while dispatching a
	// command, including handler panics.
	HandleError func(err error)

	// HandleServerError is called for numeric error replies.
	HandleServerError func(err ServerError)

	// HandlePresence is called when a contact's presence changes; prev
	// is the status before the change.
	HandlePresence func(c *contact.Contact, prev contact.Status)

	// HandlePersonalMessage is called when a contact's published status
	// message changes.
	HandlePersonalMessage func(c *contact.Contact)

	// HandleMail is called for mailbox notifications.
	HandleMail func(hdr textproto.MIMEHeader)
}

// NewSession creates a session from the given config. The session does
// nothing until Connect or Serve is called.
func NewSession(config Config) *Session {
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Endpoint == uuid.Nil {
		config.Endpoint = uuid.New()
	}
	return &Session{config: config, logger: logger, state: StateDisconnected}
}

// State returns the session's lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Account returns the local identity the session was configured with.
func (s *Session) Account() addr.Address {
	return s.config.Account
}

// Roster returns the contact list owned by the session.
func (s *Session) Roster() *contact.List {
	return s.config.Roster
}

// Owner returns the owner contact, or nil before authentication
// completes.
func (s *Session) Owner() *contact.Contact {
	return s.config.Roster.Owner()
}

// TicketToken returns the current auth ticket token, for presentation to
// the directory services.
func (s *Session) TicketToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ticket.Token
}

// Connect dials the configured notification server and serves the
// connection until it ends. It returns nil after an orderly sign-off and
// the transport error otherwise.
func (s *Session) Connect(ctx context.Context) error {
	d := s.config.Dialer
	if d == nil {
		d = &Dialer{}
	}
	conn, err := d.Dial(ctx, "tcp", s.config.Address)
	if err != nil {
		return err
	}
	return s.Serve(ctx, conn)
}

// Serve runs the session over an existing transport: it performs the
// sign-in handshake and dispatches inbound commands until the transport
// ends or the session is torn down. It returns nil after an orderly
// sign-off.
func (s *Session) Serve(ctx context.Context, rw io.ReadWriter) error {
	conn, ok := rw.(*Conn)
	if !ok {
		conn = NewConn(rw)
	}
	s.mu.Lock()
	s.conn = conn
	s.replies = make(map[uint32]chan Command)
	s.adlPending = make(map[uint32]struct{})
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := s.send(NewCommand("VER", s.ids.Next(), s.versions()...)); err != nil {
		s.teardown(ctx, ReasonDisconnected)
		return err
	}

	for {
		cmd, err := s.conn.ReadCommand()
		if err != nil {
			cleared := s.isCleared()
			s.teardown(ctx, ReasonDisconnected)
			if cleared {
				// Orderly shutdown: teardown closed the transport
				// out from under the read.
				return nil
			}
			return err
		}
		s.dispatch(ctx, cmd)
		if s.isCleared() {
			return nil
		}
	}
}

// Close signs off and tears the session down. It is safe to call from any
// goroutine, including callbacks.
func (s *Session) Close(ctx context.Context) error {
	err := s.send(NewCommand("OUT", 0))
	s.teardownAndClose(ctx, ReasonDisconnected)
	return err
}

func (s *Session) versions() []string {
	if len(s.config.Versions) != 0 {
		return s.config.Versions
	}
	return []string{"MSNP18", "CVR0"}
}

func (s *Session) clientInfo() []string {
	if len(s.config.ClientInfo) != 0 {
		return s.config.ClientInfo
	}
	return []string{"0x0409", "winnt", "6.1", "i386", "MSNMSGR", "14.0.8117.0416", "msmsgs"}
}

// send writes a command to the wire. It may be called from any goroutine.
func (s *Session) send(cmd Command) error {
	s.mu.Lock()
	conn := s.conn
	cleared := s.cleared
	s.mu.Unlock()
	if conn == nil || cleared {
		return ErrSessionClosed
	}
	s.logger.Debug("send", zap.String("cmd", cmd.String()))
	return conn.WriteCommand(cmd)
}

// Send writes a command to the wire without waiting for a reply.
func (s *Session) Send(cmd Command) error {
	return s.send(cmd)
}

// NextID allocates a transaction id for callers building their own
// commands.
func (s *Session) NextID() uint32 {
	return s.ids.Next()
}

// AddCloser registers a hook run exactly once during teardown, no matter
// which path reaches it. Layers scoped to the session register their
// shutdown here; the conversation manager uses it to leave live
// conversations when the session ends.
func (s *Session) AddCloser(f func(ctx context.Context)) {
	s.mu.Lock()
	s.closers = append(s.closers, f)
	s.mu.Unlock()
}

// RoundTrip sends a command and blocks until the reply carrying the same
// transaction id arrives, the context expires, or the session is torn
// down. Numeric error replies are returned as a ServerError alongside the
// raw reply.
func (s *Session) RoundTrip(ctx context.Context, cmd Command) (Command, error) {
	if cmd.ID == 0 {
		cmd.ID = s.ids.Next()
	}
	ch := make(chan Command, 1)
	s.mu.Lock()
	if s.cleared || s.replies == nil {
		s.mu.Unlock()
		return Command{}, ErrSessionClosed
	}
	s.replies[cmd.ID] = ch
	s.mu.Unlock()

	if err := s.send(cmd); err != nil {
		s.takeReply(cmd.ID)
		return Command{}, err
	}
	select {
	case <-ctx.Done():
		s.takeReply(cmd.ID)
		return Command{}, ctx.Err()
	case reply, ok := <-ch:
		if !ok {
			return Command{}, ErrSessionClosed
		}
		if err := reply.Err(); err != nil {
			return reply, err
		}
		return reply, nil
	}
}

func (s *Session) takeReply(id uint32) chan Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := s.replies[id]
	if ch != nil {
		delete(s.replies, id)
	}
	return ch
}

// AnnounceList sends one roster announcement chunk. Initial announcements
// sent before sign-in have their transaction ids tracked so that SignedIn
// can be gated on their acknowledgement.
func (s *Session) AnnounceList(ctx context.Context, payload []byte, initial bool) error {
	id := s.ids.Next()
	if initial {
		s.mu.Lock()
		if !s.signedIn && s.adlPending != nil {
			s.adlPending[id] = struct{}{}
		}
		s.mu.Unlock()
	}
	return s.send(Command{Verb: "ADL", ID: id, Payload: payload})
}

// RemoveList sends one roster removal payload.
func (s *Session) RemoveList(ctx context.Context, payload []byte) error {
	return s.send(Command{Verb: "RML", ID: s.ids.Next(), Payload: payload})
}

// SetPresence publishes the owner's presence status and capabilities.
func (s *Session) SetPresence(ctx context.Context, status contact.Status, caps contact.Capabilities, ex contact.CapabilitiesEx) error {
	return s.send(NewCommand("CHG", s.ids.Next(), string(status), fmt.Sprintf("%d:%d", caps, ex)))
}

// dispatch routes one inbound command. A panic in any handler is
// recovered and surfaced as an error so that a single bad command cannot
// take the whole connection down with it.
func (s *Session) dispatch(ctx context.Context, cmd Command) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panicked", zap.String("verb", cmd.Verb), zap.Any("panic", r))
			s.fireError(fmt.Errorf("msnp: panic handling %s: %v", cmd.Verb, r))
		}
	}()
	s.logger.Debug("recv", zap.String("cmd", cmd.String()))

	if cmd.ID != 0 {
		if ch := s.takeReply(cmd.ID); ch != nil {
			ch <- cmd
			return
		}
	}
	if err := cmd.Err(); err != nil {
		s.handleServerError(ctx, err.(ServerError))
		return
	}

	var err error
	switch cmd.Verb {
	case "VER":
		err = s.handleVersion(ctx, cmd)
	case "CVR":
		err = s.handleClientInfo(cmd)
	case "USR":
		err = s.handleAuth(ctx, cmd)
	case "MSG":
		err = s.handleMessage(ctx, cmd)
	case "CHL":
		err = s.handleChallenge(cmd)
	case "ADL":
		err = s.handleListAck(ctx, cmd)
	case "RML":
		// Removal acknowledgement; nothing to update.
	case "CHG":
		err = s.handleOwnerPresence(cmd)
	case "ILN":
		err = s.handlePresence(cmd, cmd.Arg(0), cmd.Arg(1), cmd.Arg(2), cmd.Arg(3), cmd.Arg(4))
	case "NLN":
		err = s.handlePresence(cmd, cmd.Arg(0), cmd.Arg(1), cmd.Arg(2), cmd.Arg(3), cmd.Arg(4))
	case "FLN":
		err = s.handleOffline(cmd)
	case "UBX":
		err = s.handlePersonalMessage(cmd)
	case "ADG":
		err = s.handleGroupAdded(cmd)
	case "RMG":
		err = s.handleGroupRemoved(cmd)
	case "REG":
		err = s.handleGroupRenamed(cmd)
	case "QNG":
		// Keepalive pong.
	case "OUT":
		s.teardownAndClose(ctx, SignedOffReason(cmd.Arg(0)))
	default:
		err = ErrNotHandled
		if s.config.Handler != nil {
			err = s.config.Handler.HandleCommand(cmd)
		}
		if errors.Is(err, ErrNotHandled) {
			s.logger.Debug("dropping unhandled command", zap.String("verb", cmd.Verb))
			return
		}
	}
	if err != nil {
		s.logger.Warn("handling command", zap.String("verb", cmd.Verb), zap.Error(err))
		s.fireError(err)
	}
}

func (s *Session) handleVersion(ctx context.Context, cmd Command) error {
	agreed := cmd.Arg(0)
	if agreed == "" || agreed == "0" {
		err := fmt.Errorf("msnp: no common protocol version with server")
		s.teardownAndClose(ctx, ReasonDisconnected)
		return err
	}
	s.setState(StateVersionNegotiated)
	args := append(append([]string(nil), s.clientInfo()...), s.config.Account.String())
	if err := s.send(NewCommand("CVR", s.ids.Next(), args...)); err != nil {
		return err
	}
	s.setState(StateClientInfoSent)
	return nil
}

func (s *Session) handleClientInfo(cmd Command) error {
	if err := s.send(NewCommand("USR", s.ids.Next(), "SSO", "I", s.config.Account.String())); err != nil {
		return err
	}
	s.setState(StateAuthChallengeSent)
	return nil
}

func (s *Session) handleAuth(ctx context.Context, cmd Command) error {
	switch {
	case cmd.Arg(0) == "SSO" && cmd.Arg(1) == "S":
		policy, nonce := cmd.Arg(2), cmd.Arg(3)
		// The ticket exchange happens against an external service and
		// may take a while; don't stall the read loop on it.
		go func() {
			ticket, err := s.config.Auth.Ticket(ctx, policy, nonce)
			if err != nil {
				s.authFailed(ctx, err)
				return
			}
			s.mu.Lock()
			s.ticket = ticket
			s.mu.Unlock()
			reply := NewCommand("USR", s.ids.Next(), "SSO", "S", ticket.Token, secretProof(ticket), "{"+s.config.Endpoint.String()+"}")
			if err := s.send(reply); err != nil {
				s.fireError(err)
			}
		}()
		return nil
	case cmd.Arg(0) == "OK":
		account := cmd.Arg(1)
		a, err := addr.Parse(account)
		if err != nil {
			return fmt.Errorf("msnp: bad account in auth confirmation: %w", err)
		}
		// Idempotent: a second OK for the same account returns the
		// existing owner.
		if _, err := s.config.Roster.SetOwner(a); err != nil {
			return err
		}
		s.setState(StateAuthCompleted)
		return nil
	}
	s.logger.Debug("ignoring auth step", zap.String("cmd", cmd.String()))
	return nil
}

func (s *Session) authFailed(ctx context.Context, cause error) {
	err := fmt.Errorf("%w: %v", ErrAuthentication, cause)
	s.logger.Warn("authentication failed", zap.Error(cause))
	if s.HandleAuthError != nil {
		s.HandleAuthError(err)
	}
	s.fireError(err)
	s.teardownAndClose(ctx, ReasonDisconnected)
}

func (s *Session) handleMessage(ctx context.Context, cmd Command) error {
	tp := textproto.NewReader(bufio.NewReader(bytes.NewReader(cmd.Payload)))
	hdr, err := tp.ReadMIMEHeader()
	if err != nil && !errors.Is(err, io.EOF) {
		// A malformed notification only loses itself.
		s.logger.Debug("dropping malformed notification payload", zap.Error(err))
		return nil
	}
	ct := hdr.Get("Content-Type")
	switch {
	case strings.HasPrefix(ct, "text/x-msmsgsprofile"):
		s.ownerLoaded(ctx)
	case strings.Contains(ct, "emailnotification"):
		if s.HandleMail != nil {
			s.HandleMail(hdr)
		}
	default:
		s.logger.Debug("dropping notification", zap.String("content-type", ct))
	}
	return nil
}

// ownerLoaded runs once when the owner's profile arrives: the owner is
// verified and directory synchronization begins. SignedIn is not raised
// here; it waits for synchronization and announcement acknowledgement.
func (s *Session) ownerLoaded(ctx context.Context) {
	s.mu.Lock()
	if s.ownerVerified {
		s.mu.Unlock()
		return
	}
	s.ownerVerified = true
	s.mu.Unlock()

	if s.HandleOwnerVerified != nil {
		s.HandleOwnerVerified(s.config.Roster.Owner())
	}
	go func() {
		if err := s.config.Sync.Synchronize(ctx, s); err != nil {
			s.fireError(fmt.Errorf("msnp: directory synchronization: %w", err))
			s.teardownAndClose(ctx, ReasonDisconnected)
			return
		}
		s.mu.Lock()
		s.syncDone = true
		s.mu.Unlock()
		s.maybeSignIn(ctx)
	}()
}

func (s *Session) handleChallenge(cmd Command) error {
	answer := s.config.Challenge.answer(cmd.Arg(0))
	return s.send(Command{
		Verb:    "QRY",
		ID:      s.ids.Next(),
		Args:    []string{s.config.Challenge.ID},
		Payload: []byte(answer),
	})
}

func (s *Session) handleListAck(ctx context.Context, cmd Command) error {
	if cmd.ID != 0 && cmd.Arg(0) == "OK" {
		s.mu.Lock()
		delete(s.adlPending, cmd.ID)
		s.mu.Unlock()
		s.maybeSignIn(ctx)
		return nil
	}
	// Unsolicited announcement: a remote party added the owner.
	if len(cmd.Payload) > 0 {
		return s.applyListPayload(cmd.Payload, true)
	}
	return nil
}

// maybeSignIn raises SignedIn once the owner is verified, directory
// synchronization is complete, and every initial announcement has been
// acknowledged.
func (s *Session) maybeSignIn(ctx context.Context) {
	s.mu.Lock()
	ready := s.ownerVerified && s.syncDone && len(s.adlPending) == 0 && !s.signedIn && !s.cleared
	if ready {
		s.signedIn = true
		s.state = StateSignedIn
	}
	s.mu.Unlock()
	if !ready {
		return
	}
	s.logger.Info("signed in", zap.String("account", s.config.Account.String()))
	if s.config.PingInterval >= 0 {
		go s.pingLoop(ctx)
	}
	if s.HandleSignedIn != nil {
		s.HandleSignedIn()
	}
}

func (s *Session) pingLoop(ctx context.Context) {
	interval := s.config.PingInterval
	if interval == 0 {
		interval = defaultPingInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if s.isCleared() {
				return
			}
			if err := s.send(NewCommand("PNG", 0)); err != nil {
				return
			}
		}
	}
}

func (s *Session) handleServerError(ctx context.Context, serr ServerError) {
	s.logger.Warn("server error",
		zap.Int("code", int(serr.Code)),
		zap.Uint32("id", serr.ID),
		zap.String("desc", serr.Code.String()),
	)
	if s.HandleServerError != nil {
		s.HandleServerError(serr)
	}
	if serr.ID != 0 {
		s.mu.Lock()
		_, initial := s.adlPending[serr.ID]
		delete(s.adlPending, serr.ID)
		s.mu.Unlock()
		if initial {
			// A rejected initial announcement must not leave sign-in
			// waiting on an acknowledgement that will never come.
			s.fireError(fmt.Errorf("msnp: initial roster announcement rejected: %w", serr))
			s.maybeSignIn(ctx)
		}
	}
	if serr.Code.Auth() {
		s.authFailed(ctx, serr)
		return
	}
	if serr.Code.Fatal() {
		s.teardownAndClose(ctx, ReasonDisconnected)
	}
}

func (s *Session) fireError(err error) {
	if s.HandleError != nil {
		s.HandleError(err)
	}
}

func (s *Session) isCleared() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cleared
}

// Clear tears down session state: it aborts in-flight transfers, runs the
// teardown hooks registered with AddCloser, invalidates the cached ticket,
// unblocks round-trip waiters, resets the roster and synchronizer, and,
// only if the session had reached SignedIn, persists the directory first. It is idempotent; the return value
// reports whether a signed-off event should fire, so that teardown
// reached from several paths cannot double-fire it.
func (s *Session) Clear(ctx context.Context) bool {
	s.mu.Lock()
	if s.cleared {
		s.mu.Unlock()
		return false
	}
	s.cleared = true
	wasSignedIn := s.signedIn
	s.signedIn = false
	s.syncDone = false
	s.ownerVerified = false
	s.state = StateSignedOff
	s.ticket = Ticket{}
	replies := s.replies
	s.replies = nil
	s.adlPending = nil
	closers := s.closers
	s.closers = nil
	s.mu.Unlock()

	if s.config.Transfers != nil {
		s.config.Transfers.AbortAll()
	}
	for _, f := range closers {
		f(ctx)
	}
	for _, ch := range replies {
		close(ch)
	}
	if wasSignedIn {
		if err := s.config.Sync.Persist(ctx); err != nil {
			s.logger.Warn("persisting directory during teardown", zap.Error(err))
		}
	}
	s.config.Sync.Reset()
	s.config.Roster.Reset()
	return wasSignedIn
}

func (s *Session) teardown(ctx context.Context, reason SignedOffReason) {
	if s.Clear(ctx) && s.HandleSignedOff != nil {
		s.HandleSignedOff(reason)
	}
}

func (s *Session) teardownAndClose(ctx context.Context, reason SignedOffReason) {
	s.teardown(ctx, reason)
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		if err := conn.Close(); err != nil {
			s.logger.Debug("closing transport", zap.Error(err))
		}
	}
}
