// Copyright 2025 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package abook

import (
	"context"
	"time"

	"go.uber.org/zap"

	"mellium.im/msnp/addr"
	"mellium.im/msnp/contact"
)

// Directory mutations. Each operation issues its remote calls in order,
// waiting for each to complete before the next, and mutates local state
// only after every call has been confirmed. On failure the error is
// reported through HandleOperationFailed and local state is left exactly
// as it was.

// step pauses between dependent remote mutations when a StepDelay is
// configured. The remote list and contact stores are only eventually
// consistent with one another; the delay keeps them from observing
// membership changes for a contact that does not exist yet.
func (s *Service) step(ctx context.Context) error {
	if s.config.StepDelay <= 0 {
		return nil
	}
	t := time.NewTimer(s.config.StepDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *Service) fail(op string, err error) error {
	s.logger.Warn("directory operation failed", zap.String("op", op), zap.Error(err))
	if s.HandleOperationFailed != nil {
		s.HandleOperationFailed(op, err)
	}
	return err
}

// ready returns the announcer, or ErrNotSynchronized if the initial
// synchronization pass has not completed. Mutations against an
// unsynchronized directory are programmer misuse and fail synchronously
// rather than through the failure event.
func (s *Service) ready() (Announcer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.synchronized || s.ann == nil {
		return nil, ErrNotSynchronized
	}
	return s.ann, nil
}

// announceOne serializes a single contact's announcement payload.
func announceOne(ci *ContactInfo) ([]byte, error) {
	chunks, err := ConstructLists([]*ContactInfo{ci}, false, 0)
	if err != nil {
		return nil, err
	}
	return chunks[0], nil
}

// AddContact creates the contact in the remote address book, allows it,
// announces it, and records it locally.
func (s *Service) AddContact(ctx context.Context, a addr.Address) (*contact.Contact, error) {
	ann, err := s.ready()
	if err != nil {
		return nil, err
	}

	entry, err := s.config.Client.CreateContact(ctx, s.request(ScenarioContactSave, time.Time{}, s.key(&s.abKey)), a.String(), a.Type())
	if err != nil {
		return nil, s.fail("AddContact", err)
	}
	if err := s.step(ctx); err != nil {
		return nil, s.fail("AddContact", err)
	}
	m := Member{Account: a.String(), Type: a.Type()}
	if err := s.config.Client.AddMember(ctx, s.request(ScenarioContactSave, time.Time{}, s.key(&s.membershipKey)), RoleAllow, m); err != nil {
		return nil, s.fail("AddContact", err)
	}

	s.mu.Lock()
	ci := s.book.info(a.String(), a.Type())
	ci.GUID = entry.GUID
	ci.Lists |= contact.Forward | contact.Allow
	ci.Messenger = true
	if entry.DisplayName != "" {
		ci.DisplayName = entry.DisplayName
	}
	payload, perr := announceOne(ci)
	s.mu.Unlock()

	c := s.config.Roster.Get(a)
	c.SetGUID(entry.GUID)
	c.AddToList(contact.Forward | contact.Allow)
	c.SetRemoved(false)

	if perr == nil {
		if err := ann.AnnounceList(ctx, payload, false); err != nil {
			s.logger.Warn("announcing added contact", zap.Error(err))
		}
	}
	return c, nil
}

// RemoveContact deletes the contact from the remote address book and
// marks it removed locally. The contact must have a remote directory
// identity.
func (s *Service) RemoveContact(ctx context.Context, c *contact.Contact) error {
	ann, err := s.ready()
	if err != nil {
		return err
	}
	id := c.GUID()
	if id == zeroUUID {
		return ErrNoRemoteIdentity
	}

	if err := s.config.Client.DeleteContact(ctx, s.request(ScenarioContactSave, time.Time{}, s.key(&s.abKey)), id); err != nil {
		return s.fail("RemoveContact", err)
	}

	a := c.Address()
	s.mu.Lock()
	ci := s.book.info(a.String(), a.Type())
	removal := *ci
	removal.Lists = contact.Forward
	payload, perr := announceOne(&removal)
	ci.Lists &^= contact.Forward
	ci.Messenger = false
	s.mu.Unlock()

	c.RemoveFromList(contact.Forward)
	c.SetRemoved(true)

	if perr == nil {
		if err := ann.RemoveList(ctx, payload); err != nil {
			s.logger.Warn("announcing removed contact", zap.Error(err))
		}
	}
	return nil
}

// BlockContact moves the contact from the allow list to the block list.
// The two membership mutations are ordered; the remote service must never
// observe a contact on both lists.
func (s *Service) BlockContact(ctx context.Context, c *contact.Contact) error {
	ann, err := s.ready()
	if err != nil {
		return err
	}
	if c.Lists().Has(contact.Block) {
		return nil
	}
	a := c.Address()
	m := Member{Account: a.String(), Type: a.Type()}

	if c.Lists().Has(contact.Allow) {
		if err := s.config.Client.DeleteMember(ctx, s.request(ScenarioBlockUnblock, time.Time{}, s.key(&s.membershipKey)), RoleAllow, m); err != nil {
			return s.fail("BlockContact", err)
		}
		if err := s.step(ctx); err != nil {
			return s.fail("BlockContact", err)
		}
	}
	if err := s.config.Client.AddMember(ctx, s.request(ScenarioBlockUnblock, time.Time{}, s.key(&s.membershipKey)), RoleBlock, m); err != nil {
		return s.fail("BlockContact", err)
	}

	s.mu.Lock()
	ci := s.book.info(a.String(), a.Type())
	ci.Lists = (ci.Lists &^ contact.Allow) | contact.Block
	allowed := *ci
	allowed.Lists = contact.Allow
	removePayload, rerr := announceOne(&allowed)
	blocked := *ci
	blocked.Lists = contact.Block
	addPayload, aerr := announceOne(&blocked)
	s.mu.Unlock()

	c.RemoveFromList(contact.Allow)
	c.AddToList(contact.Block)

	if rerr == nil {
		if err := ann.RemoveList(ctx, removePayload); err != nil {
			s.logger.Warn("announcing unallowed contact", zap.Error(err))
		}
	}
	if aerr == nil {
		if err := ann.AnnounceList(ctx, addPayload, false); err != nil {
			s.logger.Warn("announcing blocked contact", zap.Error(err))
		}
	}
	return nil
}

// UnblockContact moves the contact from the block list back to the allow
// list.
func (s *Service) UnblockContact(ctx context.Context, c *contact.Contact) error {
	ann, err := s.ready()
	if err != nil {
		return err
	}
	if !c.Lists().Has(contact.Block) {
		return nil
	}
	a := c.Address()
	m := Member{Account: a.String(), Type: a.Type()}

	if err := s.config.Client.DeleteMember(ctx, s.request(ScenarioBlockUnblock, time.Time{}, s.key(&s.membershipKey)), RoleBlock, m); err != nil {
		return s.fail("UnblockContact", err)
	}
	if err := s.step(ctx); err != nil {
		return s.fail("UnblockContact", err)
	}
	if err := s.config.Client.AddMember(ctx, s.request(ScenarioBlockUnblock, time.Time{}, s.key(&s.membershipKey)), RoleAllow, m); err != nil {
		return s.fail("UnblockContact", err)
	}

	s.mu.Lock()
	ci := s.book.info(a.String(), a.Type())
	ci.Lists = (ci.Lists &^ contact.Block) | contact.Allow
	blocked := *ci
	blocked.Lists = contact.Block
	removePayload, rerr := announceOne(&blocked)
	allowed := *ci
	allowed.Lists = contact.Allow
	addPayload, aerr := announceOne(&allowed)
	s.mu.Unlock()

	c.RemoveFromList(contact.Block)
	c.AddToList(contact.Allow)

	if rerr == nil {
		if err := ann.RemoveList(ctx, removePayload); err != nil {
			s.logger.Warn("announcing unblocked contact", zap.Error(err))
		}
	}
	if aerr == nil {
		if err := ann.AnnounceList(ctx, addPayload, false); err != nil {
			s.logger.Warn("announcing allowed contact", zap.Error(err))
		}
	}
	return nil
}

// AddGroup creates a group in the remote address book and registers it
// locally.
func (s *Service) AddGroup(ctx context.Context, name string) (*contact.Group, error) {
	if _, err := s.ready(); err != nil {
		return nil, err
	}
	entry, err := s.config.Client.CreateGroup(ctx, s.request(ScenarioGroupSave, time.Time{}, s.key(&s.abKey)), name)
	if err != nil {
		return nil, s.fail("AddGroup", err)
	}

	s.mu.Lock()
	s.book.Groups[entry.GUID] = *entry
	s.mu.Unlock()
	return s.config.Roster.AddGroup(entry.GUID, entry.Name), nil
}

// RemoveGroup deletes a group from the remote address book and forgets it
// locally, clearing membership from every contact.
func (s *Service) RemoveGroup(ctx context.Context, g *contact.Group) error {
	if _, err := s.ready(); err != nil {
		return err
	}
	if err := s.config.Client.DeleteGroup(ctx, s.request(ScenarioGroupSave, time.Time{}, s.key(&s.abKey)), g.ID()); err != nil {
		return s.fail("RemoveGroup", err)
	}

	s.mu.Lock()
	delete(s.book.Groups, g.ID())
	for _, ci := range s.book.Contacts {
		ci.Groups = removeString(ci.Groups, g.ID())
	}
	s.mu.Unlock()
	s.config.Roster.RemoveGroup(g.ID())
	return nil
}

// RenameGroup renames a group remotely, then locally.
func (s *Service) RenameGroup(ctx context.Context, g *contact.Group, name string) error {
	if _, err := s.ready(); err != nil {
		return err
	}
	if err := s.config.Client.RenameGroup(ctx, s.request(ScenarioGroupSave, time.Time{}, s.key(&s.abKey)), g.ID(), name); err != nil {
		return s.fail("RenameGroup", err)
	}

	s.mu.Lock()
	entry := s.book.Groups[g.ID()]
	entry.GUID = g.ID()
	entry.Name = name
	s.book.Groups[g.ID()] = entry
	s.mu.Unlock()
	g.SetName(name)
	return nil
}

// AddToGroup records the contact's membership in the group remotely, then
// locally. The contact must have a remote directory identity.
func (s *Service) AddToGroup(ctx context.Context, c *contact.Contact, g *contact.Group) error {
	if _, err := s.ready(); err != nil {
		return err
	}
	id := c.GUID()
	if id == zeroUUID {
		return ErrNoRemoteIdentity
	}
	if err := s.config.Client.AddToGroup(ctx, s.request(ScenarioGroupSave, time.Time{}, s.key(&s.abKey)), g.ID(), id); err != nil {
		return s.fail("AddToGroup", err)
	}

	a := c.Address()
	s.mu.Lock()
	ci := s.book.info(a.String(), a.Type())
	ci.Groups = append(removeString(ci.Groups, g.ID()), g.ID())
	s.mu.Unlock()
	c.AddGroup(g.ID())
	return nil
}

// RemoveFromGroup clears the contact's membership in the group remotely,
// then locally.
func (s *Service) RemoveFromGroup(ctx context.Context, c *contact.Contact, g *contact.Group) error {
	if _, err := s.ready(); err != nil {
		return err
	}
	id := c.GUID()
	if id == zeroUUID {
		return ErrNoRemoteIdentity
	}
	if err := s.config.Client.RemoveFromGroup(ctx, s.request(ScenarioGroupSave, time.Time{}, s.key(&s.abKey)), g.ID(), id); err != nil {
		return s.fail("RemoveFromGroup", err)
	}

	a := c.Address()
	s.mu.Lock()
	ci := s.book.info(a.String(), a.Type())
	ci.Groups = removeString(ci.Groups, g.ID())
	s.mu.Unlock()
	c.RemoveGroup(g.ID())
	return nil
}
