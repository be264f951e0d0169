// Copyright 2025 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package abook

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"mellium.im/msnp/cache"
	"mellium.im/msnp/contact"
)

// Errors returned by the Service.
var (
	ErrSyncInProgress   = errors.New("abook: synchronization already in progress or complete")
	ErrNotSynchronized  = errors.New("abook: address book has not been synchronized")
	ErrNoRemoteIdentity = errors.New("abook: contact has no remote directory identity")
)

// loadAttempts bounds cache load retries. A corrupt or version-mismatched
// cache is wiped and reloaded exactly once; if the second attempt also
// fails the error propagates instead of looping.
const loadAttempts = 2

// An Announcer carries roster announcements onto the wire. It is
// implemented by the notification session, which tracks the transaction
// id of every initial announcement so that sign-in can be gated on their
// acknowledgement.
type Announcer interface {
	AnnounceList(ctx context.Context, payload []byte, initial bool) error
	RemoveList(ctx context.Context, payload []byte) error
}

// Config contains options for creating a Service.
type Config struct {
	// Client performs membership and address book calls. It is required.
	Client Client

	// Storage fetches the owner's roamed profile. If nil the profile
	// step is skipped.
	Storage StorageClient

	// Store persists the snapshot and deltas log between sessions. If
	// nil an in-memory store is used and every session performs a full
	// synchronization.
	Store cache.Store

	// Roster is the contact list the merged directory state is
	// projected onto. It is required.
	Roster *contact.List

	// Ticket supplies the current auth ticket token for directory
	// requests.
	Ticket func() string

	// ChunkLimit caps the serialized size of one roster announcement.
	// Zero means DefaultChunkLimit.
	ChunkLimit int

	// StepDelay is an optional pause between dependent directory
	// mutations, for remote services with eventual-consistency windows
	// between their list and contact stores. Zero means no delay.
	StepDelay time.Duration

	// Logger is used for tracing. Nil means no logging.
	Logger *zap.Logger
}

// A Service synchronizes the local contact list with the remote
// directory and applies contact and group mutations to it.
//
// All exported methods are safe for concurrent use, but at most one
// synchronization pass runs per Service lifetime; Reset must be called
// before a Service can be reused for a new session.
type Service struct {
	config Config
	logger *zap.Logger

	mu           sync.Mutex
	synchronized bool
	inflight     bool
	ann          Announcer
	book         *AddressBook
	deltas       *Deltas

	// Opaque per-service cache keys echoed by the servers; replayed on
	// every subsequent call to the same service.
	membershipKey string
	abKey         string
	storageKey    string

	// HandleSynchronized is called once after the initial
	// synchronization pass has merged, persisted, and announced the
	// contact list.
	HandleSynchronized func()

	// HandleOperationFailed is called whenever a directory mutation
	// fails. Local state is left untouched on failure.
	HandleOperationFailed func(op string, err error)
}

// New creates a directory synchronization service.
func New(config Config) *Service {
	if config.Store == nil {
		config.Store = &cache.Memory{}
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{config: config, logger: logger}
}

// Synchronized reports whether the initial synchronization pass has
// completed.
func (s *Service) Synchronized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.synchronized
}

// owner returns the cache owner key for the local identity.
func (s *Service) owner() string {
	if o := s.config.Roster.Owner(); o != nil {
		return o.Address().String()
	}
	return ""
}

func (s *Service) request(scenario Scenario, lastChange time.Time, key string) Request {
	req := Request{
		Scenario:   scenario,
		DeltasOnly: !lastChange.IsZero(),
		LastChange: lastChange,
		CacheKey:   key,
	}
	if s.config.Ticket != nil {
		req.Ticket = s.config.Ticket()
	}
	return req
}

// Synchronize performs the initial synchronization pass: load the cached
// snapshot and deltas log, fold the log, fetch membership and address
// book changes (delta-only when possible), merge, persist, and announce
// the resulting contact list through ann in size-capped chunks.
//
// Synchronize is meaningful at most once per session; concurrent or
// repeated calls return ErrSyncInProgress.
func (s *Service) Synchronize(ctx context.Context, ann Announcer) error {
	s.mu.Lock()
	if s.synchronized || s.inflight {
		s.mu.Unlock()
		return ErrSyncInProgress
	}
	s.inflight = true
	s.ann = ann
	s.mu.Unlock()

	err := s.run(ctx, false)

	s.mu.Lock()
	s.inflight = false
	if err == nil {
		s.synchronized = true
	}
	s.mu.Unlock()

	if err == nil && s.HandleSynchronized != nil {
		s.HandleSynchronized()
	}
	return err
}

// run is one full synchronization attempt. retriedCreate guards the
// create-address-book restart so a persistently missing address book
// cannot recurse forever.
func (s *Service) run(ctx context.Context, retriedCreate bool) error {
	book, deltas, err := s.load(ctx)
	if err != nil {
		return err
	}

	// The log is the durable source of truth for anything fetched since
	// the last checkpoint; replay it before asking for more deltas.
	book.Apply(deltas)

	ml, err := s.config.Client.FindMembership(ctx, s.request(ScenarioInitial, book.MembershipLastChange, s.key(&s.membershipKey)))
	if errors.Is(err, ErrNoAddressBook) {
		if retriedCreate {
			return err
		}
		s.logger.Info("no remote address book, creating one")
		if err := s.config.Client.CreateAddressBook(ctx, s.request(ScenarioInitial, time.Time{}, "")); err != nil {
			return fmt.Errorf("abook: create address book: %w", err)
		}
		return s.run(ctx, true)
	}
	if err != nil {
		return fmt.Errorf("abook: find membership: %w", err)
	}
	s.remember(&s.membershipKey, ml.CacheKey)
	book.ApplyMembership(ml)
	deltas.Memberships = append(deltas.Memberships, *ml)
	if err := s.saveDeltas(ctx, deltas); err != nil {
		return err
	}

	ab, err := s.config.Client.FindAddressBook(ctx, s.request(ScenarioInitial, book.LastChange, s.key(&s.abKey)))
	if err != nil {
		return fmt.Errorf("abook: find address book: %w", err)
	}
	s.remember(&s.abKey, ab.CacheKey)
	book.ApplyAddressBook(ab)
	deltas.Books = append(deltas.Books, *ab)
	if err := s.saveDeltas(ctx, deltas); err != nil {
		return err
	}

	if s.config.Storage != nil {
		prof, err := s.config.Storage.Profile(ctx, s.request(ScenarioRoaming, book.DynamicItemChange, s.key(&s.storageKey)))
		if err != nil {
			return fmt.Errorf("abook: fetch roaming profile: %w", err)
		}
		book.Profile = *prof
	}

	s.populateRoster(book)

	// Checkpoint the snapshot, then truncate the log it supersedes.
	if err := s.saveBook(ctx, book); err != nil {
		return err
	}
	deltas.Truncate()
	if err := s.saveDeltas(ctx, deltas); err != nil {
		return err
	}

	chunks, err := ConstructLists(book.ContactValues(), true, s.config.ChunkLimit)
	if err != nil {
		return err
	}
	for _, chunk := range chunks {
		if err := s.ann.AnnounceList(ctx, chunk, true); err != nil {
			return fmt.Errorf("abook: announce list: %w", err)
		}
	}

	s.mu.Lock()
	s.book, s.deltas = book, deltas
	s.mu.Unlock()
	s.logger.Info("directory synchronized",
		zap.Int("contacts", len(book.Contacts)),
		zap.Int("groups", len(book.Groups)),
		zap.Int("chunks", len(chunks)),
	)
	return nil
}

// load reads the cached snapshot and deltas log. A missing record yields
// fresh empty state (forcing a full synchronization); a corrupt or
// version-mismatched record wipes the cache and retries, bounded by
// loadAttempts.
func (s *Service) load(ctx context.Context) (*AddressBook, *Deltas, error) {
	owner := s.owner()
	var lastErr error
	for attempt := 1; attempt <= loadAttempts; attempt++ {
		book, deltas, err := s.loadOnce(ctx, owner)
		if err == nil {
			return book, deltas, nil
		}
		lastErr = err
		s.logger.Warn("discarding directory cache", zap.Int("attempt", attempt), zap.Error(err))
		if err := s.config.Store.Delete(ctx, owner, SnapshotRecord); err != nil {
			s.logger.Warn("deleting snapshot record", zap.Error(err))
		}
		if err := s.config.Store.Delete(ctx, owner, DeltasRecord); err != nil {
			s.logger.Warn("deleting deltas record", zap.Error(err))
		}
	}
	return nil, nil, lastErr
}

func (s *Service) loadOnce(ctx context.Context, owner string) (*AddressBook, *Deltas, error) {
	book := NewAddressBook()
	rec, err := s.config.Store.Load(ctx, owner, SnapshotRecord)
	switch {
	case errors.Is(err, cache.ErrNotFound):
	case err != nil:
		return nil, nil, err
	default:
		book, err = decodeBook(rec)
		if err != nil {
			return nil, nil, err
		}
	}

	deltas := &Deltas{}
	rec, err = s.config.Store.Load(ctx, owner, DeltasRecord)
	switch {
	case errors.Is(err, cache.ErrNotFound):
	case err != nil:
		return nil, nil, err
	default:
		deltas, err = decodeDeltas(rec)
		if err != nil {
			return nil, nil, err
		}
	}
	return book, deltas, nil
}

func (s *Service) saveDeltas(ctx context.Context, deltas *Deltas) error {
	rec, err := encodeDeltas(deltas)
	if err != nil {
		return fmt.Errorf("abook: encode deltas: %w", err)
	}
	if err := s.config.Store.Save(ctx, s.owner(), DeltasRecord, rec); err != nil {
		return fmt.Errorf("abook: persist deltas: %w", err)
	}
	return nil
}

func (s *Service) saveBook(ctx context.Context, book *AddressBook) error {
	rec, err := encodeBook(book)
	if err != nil {
		return fmt.Errorf("abook: encode snapshot: %w", err)
	}
	if err := s.config.Store.Save(ctx, s.owner(), SnapshotRecord, rec); err != nil {
		return fmt.Errorf("abook: persist snapshot: %w", err)
	}
	return nil
}

// populateRoster projects the merged snapshot onto the live contact list
// and applies the owner's directory settings.
func (s *Service) populateRoster(book *AddressBook) {
	roster := s.config.Roster
	for _, g := range book.Groups {
		roster.AddGroup(g.GUID, g.Name)
	}
	for _, ci := range book.Contacts {
		a, err := ci.Address()
		if err != nil {
			s.logger.Warn("skipping contact with unparsable account", zap.String("account", ci.Account), zap.Error(err))
			continue
		}
		c := roster.Get(a)
		c.SetLists(ci.Lists)
		if ci.DisplayName != "" {
			c.SetDisplayName(ci.DisplayName)
		}
		if ci.GUID != zeroUUID {
			c.SetGUID(ci.GUID)
		}
		for _, id := range ci.Groups {
			c.AddGroup(id)
		}
	}
	if owner := roster.Owner(); owner != nil {
		if book.Profile.DisplayName != "" {
			owner.SetDisplayName(book.Profile.DisplayName)
		} else if book.Owner.DisplayName != "" {
			owner.SetDisplayName(book.Owner.DisplayName)
		}
		if book.Profile.PersonalMessage != "" {
			owner.SetPersonalMessage(book.Profile.PersonalMessage)
		}
	}
}

// Persist checkpoints the snapshot and deltas log. The session calls it
// during teardown so that state learned after the last checkpoint is not
// lost; it is a no-op before the initial synchronization completes.
func (s *Service) Persist(ctx context.Context) error {
	s.mu.Lock()
	book, deltas, ok := s.book, s.deltas, s.synchronized
	s.mu.Unlock()
	if !ok || book == nil {
		return nil
	}
	if err := s.saveBook(ctx, book); err != nil {
		return err
	}
	if deltas != nil {
		return s.saveDeltas(ctx, deltas)
	}
	return nil
}

// Reset returns the Service to its unsynchronized state so it can be
// reused for a new session. In-memory directory state is dropped; the
// durable cache is kept.
func (s *Service) Reset() {
	s.mu.Lock()
	s.synchronized = false
	s.inflight = false
	s.ann = nil
	s.book = nil
	s.deltas = nil
	s.mu.Unlock()
}

func (s *Service) key(k *string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *k
}

func (s *Service) remember(k *string, v string) {
	if v == "" {
		return
	}
	s.mu.Lock()
	*k = v
	s.mu.Unlock()
}
