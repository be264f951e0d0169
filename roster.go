// Copyright 2025 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package msnp

import (
	"encoding/xml"

	"go.uber.org/zap"

	"mellium.im/msnp/addr"
	"mellium.im/msnp/contact"
)

// Wire form of roster announcement payloads: contacts grouped in domain
// containers, with phone contacts in a flat container of their own.
type listPayload struct {
	XMLName xml.Name     `xml:"ml"`
	Domains []listDomain `xml:"d"`
	Phones  []listEntry  `xml:"t>c"`
}

type listDomain struct {
	Name    string      `xml:"n,attr"`
	Entries []listEntry `xml:"c"`
}

type listEntry struct {
	Name  string `xml:"n,attr"`
	Lists int    `xml:"l,attr"`
	Type  int    `xml:"t,attr"`
}

// applyListPayload folds a server-pushed roster announcement into the
// roster: remote parties adding (or removing) the owner arrive this way.
func (s *Session) applyListPayload(payload []byte, add bool) error {
	var ml listPayload
	if err := xml.Unmarshal(payload, &ml); err != nil {
		s.logger.Debug("dropping malformed roster payload", zap.Error(err))
		return nil
	}
	apply := func(account string, typ addr.Type, bits contact.Lists) {
		a, err := addr.ParseType(account, typ)
		if err != nil {
			s.logger.Debug("skipping unparsable roster entry", zap.String("account", account), zap.Error(err))
			return
		}
		c := s.config.Roster.Get(a)
		if add {
			c.AddToList(bits)
		} else {
			c.RemoveFromList(bits)
		}
	}
	for _, d := range ml.Domains {
		for _, e := range d.Entries {
			typ := addr.Type(e.Type)
			if typ == addr.None {
				typ = addr.Messenger
			}
			apply(e.Name+"@"+d.Name, typ, contact.Lists(e.Lists))
		}
	}
	for _, e := range ml.Phones {
		apply(e.Name, addr.Phone, contact.Lists(e.Lists))
	}
	return nil
}

func (s *Session) handleGroupAdded(cmd Command) error {
	name, err := decodeDisplayName(cmd.Arg(0))
	if err != nil {
		name = cmd.Arg(0)
	}
	s.config.Roster.AddGroup(cmd.Arg(1), name)
	return nil
}

func (s *Session) handleGroupRemoved(cmd Command) error {
	s.config.Roster.RemoveGroup(cmd.Arg(0))
	return nil
}

func (s *Session) handleGroupRenamed(cmd Command) error {
	g, ok := s.config.Roster.Group(cmd.Arg(0))
	if !ok {
		return nil
	}
	name, err := decodeDisplayName(cmd.Arg(1))
	if err != nil {
		name = cmd.Arg(1)
	}
	g.SetName(name)
	return nil
}
