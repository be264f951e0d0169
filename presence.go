// Copyright 2025 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package msnp

import (
	"encoding/xml"
	"strconv"
	"strings"

	"mellium.im/msnp/addr"
	"mellium.im/msnp/contact"
)

// parseWireAddress parses an account as it appears in presence commands:
// either a bare account string or one prefixed with the numeric network
// type and a colon ("1:user@example.net").
func parseWireAddress(account string) (addr.Address, error) {
	if idx := strings.IndexByte(account, ':'); idx > 0 {
		if n, err := strconv.Atoi(account[:idx]); err == nil {
			return addr.ParseType(account[idx+1:], addr.Type(n))
		}
	}
	return addr.Parse(account)
}

// parseCapabilities parses the "caps:capsEx" argument of presence
// commands. The extension half is absent in older dialects.
func parseCapabilities(arg string) (contact.Capabilities, contact.CapabilitiesEx) {
	first, second, _ := strings.Cut(arg, ":")
	caps, _ := strconv.ParseUint(first, 10, 32)
	ex, _ := strconv.ParseUint(second, 10, 32)
	return contact.Capabilities(caps), contact.CapabilitiesEx(ex)
}

// handlePresence updates a contact from an online-presence command,
// solicited (initial presence) or pushed.
func (s *Session) handlePresence(cmd Command, status, account, typ, display, caps string) error {
	a, err := parseWireAddress(typeJoin(typ, account))
	if err != nil {
		return err
	}
	c := s.config.Roster.Get(a)
	prev := c.SetStatus(contact.Status(status))
	if display != "" {
		if name, err := decodeDisplayName(display); err == nil {
			c.SetDisplayName(name)
		}
	}
	if caps != "" {
		c.SetCapabilities(parseCapabilities(caps))
	}
	if s.HandlePresence != nil {
		s.HandlePresence(c, prev)
	}
	return nil
}

// handleOwnerPresence applies a presence-change confirmation to the
// owner.
func (s *Session) handleOwnerPresence(cmd Command) error {
	owner := s.config.Roster.Owner()
	if owner == nil {
		return nil
	}
	prev := owner.SetStatus(contact.Status(cmd.Arg(0)))
	if arg := cmd.Arg(1); arg != "" {
		owner.SetCapabilities(parseCapabilities(arg))
	}
	if s.HandlePresence != nil {
		s.HandlePresence(owner, prev)
	}
	return nil
}

func (s *Session) handleOffline(cmd Command) error {
	a, err := parseWireAddress(typeJoin(cmd.Arg(1), cmd.Arg(0)))
	if err != nil {
		return err
	}
	c := s.config.Roster.Get(a)
	prev := c.SetStatus(contact.StatusOffline)
	if s.HandlePresence != nil {
		s.HandlePresence(c, prev)
	}
	return nil
}

// personalStatus is the payload of a personal-message push.
type personalStatus struct {
	XMLName xml.Name `xml:"Data"`
	Message string   `xml:"PSM"`
	Media   string   `xml:"CurrentMedia"`
}

func (s *Session) handlePersonalMessage(cmd Command) error {
	a, err := parseWireAddress(typeJoin(cmd.Arg(1), cmd.Arg(0)))
	if err != nil {
		return err
	}
	var data personalStatus
	if len(cmd.Payload) > 0 {
		if err := xml.Unmarshal(cmd.Payload, &data); err != nil {
			s.logger.Debug("dropping malformed personal message payload")
			return nil
		}
	}
	c := s.config.Roster.Get(a)
	c.SetPersonalMessage(data.Message)
	if s.HandlePersonalMessage != nil {
		s.HandlePersonalMessage(c)
	}
	return nil
}

// typeJoin rebuilds the "type:account" form when the network type arrives
// as a separate argument.
func typeJoin(typ, account string) string {
	if typ == "" || strings.IndexByte(account, ':') > 0 {
		return account
	}
	if _, err := strconv.Atoi(typ); err != nil {
		return account
	}
	return typ + ":" + account
}

// decodeDisplayName undoes the URL-style escaping applied to display
// names on the wire.
func decodeDisplayName(s string) (string, error) {
	if !strings.ContainsRune(s, '%') {
		return s, nil
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && i+2 < len(s) {
			if n, err := strconv.ParseUint(s[i+1:i+3], 16, 8); err == nil {
				b.WriteByte(byte(n))
				i += 2
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String(), nil
}
