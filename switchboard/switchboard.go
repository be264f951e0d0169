// Copyright 2025 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package switchboard implements per-conversation messaging sessions.
//
// A switchboard is a secondary connection, separate from the notification
// session, over which the participants of one conversation exchange
// messages. The Manager creates conversations: locally by requesting a
// referral from the notification session, and remotely by answering ring
// notifications.
package switchboard // import "mellium.im/msnp/switchboard"

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"mellium.im/msnp"
	"mellium.im/msnp/addr"
	"mellium.im/msnp/contact"
	"mellium.im/msnp/mux"
)

// Config contains options for creating a Manager.
type Config struct {
	// Session is the notification session used for referrals. It is
	// required.
	Session *msnp.Session

	// Dialer dials switchboard addresses. If nil a zero dialer is used.
	Dialer *msnp.Dialer

	// ChunkSize caps one message payload's body. Zero means
	// DefaultChunkSize.
	ChunkSize int

	// Logger is used for tracing. Nil means no logging.
	Logger *zap.Logger
}

// A Manager owns every conversation of one notification session.
type Manager struct {
	session   *msnp.Session
	dialer    *msnp.Dialer
	chunkSize int
	logger    *zap.Logger

	mu    sync.Mutex
	convs map[string]*Conversation

	// HandleConversation is called for each new conversation before its
	// connection is started, so that callbacks can be attached without
	// racing inbound traffic. The remote flag distinguishes answered
	// rings from locally created conversations.
	HandleConversation func(c *Conversation, remote bool)
}

// NewManager creates a conversation manager.
func NewManager(config Config) *Manager {
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	dialer := config.Dialer
	if dialer == nil {
		dialer = &msnp.Dialer{}
	}
	m := &Manager{
		session:   config.Session,
		dialer:    dialer,
		chunkSize: config.ChunkSize,
		logger:    logger,
		convs:     make(map[string]*Conversation),
	}
	// Conversations are scoped to the notification session: when it ends,
	// for any reason, they must end with it.
	m.session.AddCloser(m.CloseAll)
	return m
}

// HandleManager returns a mux option that routes ring notifications to
// the manager.
func HandleManager(m *Manager) mux.Option {
	return mux.HandleFunc("RNG", m.handleRing)
}

func (m *Manager) newConversation(address, authHash, sessionID string, remote bool) *Conversation {
	return &Conversation{
		logger:       m.logger,
		dialer:       m.dialer,
		roster:       m.session.Roster(),
		owner:        m.session.Account(),
		address:      address,
		authHash:     authHash,
		sessionID:    sessionID,
		remote:       remote,
		chunkSize:    m.chunkSize,
		state:        StateRequested,
		participants: make(map[contact.Key]ParticipantState),
	}
}

// Create requests a new switchboard from the notification server, opens a
// conversation on it, and queues an invitation for each given party. The
// manager's conversation callback runs before the connection is started.
func (m *Manager) Create(ctx context.Context, invitees ...addr.Address) (*Conversation, error) {
	reply, err := m.session.RoundTrip(ctx, msnp.NewCommand("XFR", 0, "SB"))
	if err != nil {
		return nil, fmt.Errorf("switchboard: requesting referral: %w", err)
	}
	// XFR <id> SB <address> CKI <auth-hash>
	address, authHash := reply.Arg(1), reply.Arg(3)
	if address == "" || authHash == "" {
		return nil, fmt.Errorf("switchboard: malformed referral: %s", reply)
	}

	conv := m.newConversation(address, authHash, "", false)
	conv.inviteQueue = append(conv.inviteQueue, invitees...)
	if m.HandleConversation != nil {
		m.HandleConversation(conv, false)
	}
	m.register(address, conv)
	go conv.start(ctx)
	return conv, nil
}

// handleRing answers a remote-initiated conversation:
// RNG <session-id> <address> CKI <auth-hash> <caller> <caller-name>.
func (m *Manager) handleRing(cmd msnp.Command) error {
	sessionID, address, authHash := cmd.Arg(0), cmd.Arg(1), cmd.Arg(3)
	if sessionID == "" || address == "" || authHash == "" {
		m.logger.Debug("dropping malformed ring", zap.String("cmd", cmd.String()))
		return nil
	}
	conv := m.newConversation(address, authHash, sessionID, true)
	if m.HandleConversation != nil {
		m.HandleConversation(conv, true)
	}
	m.register(sessionID, conv)
	// The conversation outlives the notification command that announced
	// it.
	go conv.start(context.Background())
	return nil
}

func (m *Manager) register(key string, conv *Conversation) {
	m.mu.Lock()
	m.convs[key] = conv
	m.mu.Unlock()
	closed := conv.HandleClosed
	conv.HandleClosed = func() {
		m.mu.Lock()
		delete(m.convs, key)
		m.mu.Unlock()
		if closed != nil {
			closed()
		}
	}
}

// Conversations returns a snapshot of the live conversations.
func (m *Manager) Conversations() []*Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Conversation, 0, len(m.convs))
	for _, c := range m.convs {
		out = append(out, c)
	}
	return out
}

// CloseAll leaves every live conversation. NewManager registers it as a
// session teardown hook, so it runs whenever the session ends; it may
// also be called directly.
func (m *Manager) CloseAll(ctx context.Context) {
	for _, c := range m.Conversations() {
		if err := c.Leave(ctx); err != nil {
			m.logger.Debug("leaving conversation during teardown", zap.Error(err))
		}
	}
}
