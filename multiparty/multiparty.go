// Copyright 2025 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package multiparty implements group conversations layered on the
// publish sub-protocol of the notification session.
//
// Creating a group is a round trip: a publish command carrying the
// desired group is sent, and the server's reply names the resolved group
// identity, at which point the owner is joined and queued invitations are
// sent. Groups created by remote parties arrive as unsolicited publish
// notifications naming an identity the client does not know yet.
package multiparty // import "mellium.im/msnp/multiparty"

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
	"mellium.im/xmlstream"

	"mellium.im/msnp"
	"mellium.im/msnp/addr"
	"mellium.im/msnp/contact"
	"mellium.im/msnp/mux"
)

// A Group is one multi-party conversation. A locally created group has
// the zero identity until the server's reply resolves it.
type Group struct {
	mu       sync.Mutex
	name     string
	address  addr.Address
	invitees []addr.Address
	members  map[contact.Key]struct{}

	// The creation callback fires exactly once even when the server
	// retries the reply payload.
	once sync.Once
	done func(*Group)
}

// Name returns the group's display name.
func (g *Group) Name() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.name
}

// Address returns the group's resolved identity, or the zero Address for
// a group the server has not confirmed yet.
func (g *Group) Address() addr.Address {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.address
}

// Members returns the accounts currently in the group.
func (g *Group) Members() []contact.Key {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]contact.Key, 0, len(g.members))
	for k := range g.members {
		out = append(out, k)
	}
	return out
}

func (g *Group) fireCreated() {
	g.once.Do(func() {
		if g.done != nil {
			done := g.done
			g.done = nil
			done(g)
		}
	})
}

// Config contains options for creating a Coordinator.
type Config struct {
	// Session is the notification session the publish commands travel
	// over. It is required.
	Session *msnp.Session

	// Logger is used for tracing. Nil means no logging.
	Logger *zap.Logger
}

// A Coordinator owns every multi-party group of one notification
// session.
type Coordinator struct {
	session *msnp.Session
	logger  *zap.Logger

	mu     sync.Mutex
	groups map[contact.Key]*Group

	// HandleCreated is called for every group confirmed by the server.
	// The remote flag marks groups created by a remote party, for which
	// no local creation callback exists.
	HandleCreated func(g *Group, remote bool)

	// HandleRemoved is called when the server revokes a group.
	HandleRemoved func(g *Group)
}

// NewCoordinator creates a multi-party coordinator.
func NewCoordinator(config Config) *Coordinator {
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		session: config.Session,
		logger:  logger,
		groups:  make(map[contact.Key]*Group),
	}
}

// HandleCoordinator returns a mux option that routes publish and delete
// notifications to the coordinator.
func HandleCoordinator(c *Coordinator) mux.Option {
	return func(m *mux.ServeMux) {
		mux.HandleFunc("PUT", c.handlePublish)(m)
		mux.HandleFunc("DEL", c.handleDelete)(m)
	}
}

// Group returns the group with the given identity.
func (c *Coordinator) Group(a addr.Address) (*Group, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.groups[contact.KeyOf(a)]
	return g, ok
}

// Create creates a group with the given name, inviting each given party
// once the server confirms the group. The done callback fires exactly
// once, when the group's identity has been resolved.
func (c *Coordinator) Create(ctx context.Context, name string, invitees []addr.Address, done func(*Group)) (*Group, error) {
	g := &Group{
		name:     name,
		invitees: append([]addr.Address(nil), invitees...),
		members:  make(map[contact.Key]struct{}),
		done:     done,
	}
	payload, err := renderCircle([]xml.Attr{{Name: xml.Name{Local: "n"}, Value: name}}, nil)
	if err != nil {
		return nil, err
	}

	reply, err := c.session.RoundTrip(ctx, msnp.Command{Verb: "PUT", ID: c.session.NextID(), Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("multiparty: creating group: %w", err)
	}

	circle, err := parseCircle(reply.Payload)
	if err != nil {
		return nil, fmt.Errorf("multiparty: malformed creation reply: %w", err)
	}
	a, err := parseGroupAccount(circle.ID)
	if err != nil {
		return nil, fmt.Errorf("multiparty: bad group identity %q: %w", circle.ID, err)
	}

	c.bind(ctx, g, a)
	if c.HandleCreated != nil {
		c.HandleCreated(g, false)
	}
	g.fireCreated()
	return g, nil
}

// bind attaches the resolved identity to the group, joins the owner, and
// sends the queued invitations.
func (c *Coordinator) bind(ctx context.Context, g *Group, a addr.Address) {
	owner := c.session.Account()
	g.mu.Lock()
	g.address = a
	g.members[contact.KeyOf(owner)] = struct{}{}
	invitees := g.invitees
	g.invitees = nil
	g.mu.Unlock()

	c.mu.Lock()
	c.groups[contact.KeyOf(a)] = g
	c.mu.Unlock()

	if err := c.publishMember(a, owner); err != nil {
		c.logger.Warn("joining own group", zap.Error(err))
	}
	for _, invitee := range invitees {
		if err := c.publishInvite(a, invitee); err != nil {
			c.logger.Warn("inviting to group", zap.String("account", invitee.String()), zap.Error(err))
		}
	}
}

func (c *Coordinator) publishMember(group, member addr.Address) error {
	payload, err := renderCircle(
		[]xml.Attr{{Name: xml.Name{Local: "id"}, Value: wireAccount(group)}},
		memberTokens(member.String(), false),
	)
	if err != nil {
		return err
	}
	return c.session.Send(msnp.Command{Verb: "PUT", ID: c.session.NextID(), Payload: payload})
}

func (c *Coordinator) publishInvite(group, invitee addr.Address) error {
	payload, err := renderCircle(
		[]xml.Attr{{Name: xml.Name{Local: "id"}, Value: wireAccount(group)}},
		xmlstream.Wrap(nil, xml.StartElement{
			Name: xml.Name{Local: "invite"},
			Attr: []xml.Attr{{Name: xml.Name{Local: "a"}, Value: invitee.String()}},
		}),
	)
	if err != nil {
		return err
	}
	return c.session.Send(msnp.Command{Verb: "PUT", ID: c.session.NextID(), Payload: payload})
}

// handlePublish folds an unsolicited publish notification into the group
// table. A notification naming an unknown identity is a group created by
// a remote party: one is synthesized on the fly and the created event is
// raised with the remote flag set.
func (c *Coordinator) handlePublish(cmd msnp.Command) error {
	circle, err := parseCircle(cmd.Payload)
	if err != nil {
		c.logger.Debug("dropping malformed publish notification", zap.Error(err))
		return nil
	}
	if circle.ID == "" {
		return msnp.ErrNotHandled
	}
	a, err := parseGroupAccount(circle.ID)
	if err != nil {
		c.logger.Debug("dropping publish with bad identity", zap.String("id", circle.ID))
		return nil
	}

	c.mu.Lock()
	g, known := c.groups[contact.KeyOf(a)]
	if !known {
		g = &Group{
			name:    circle.Name,
			address: a,
			members: make(map[contact.Key]struct{}),
		}
		c.groups[contact.KeyOf(a)] = g
	}
	c.mu.Unlock()

	g.mu.Lock()
	if circle.Name != "" {
		g.name = circle.Name
	}
	for _, m := range circle.Members {
		ma, err := addr.Parse(m.Account)
		if err != nil {
			continue
		}
		if m.Deleted {
			delete(g.members, contact.KeyOf(ma))
		} else {
			g.members[contact.KeyOf(ma)] = struct{}{}
		}
	}
	g.mu.Unlock()

	if !known && c.HandleCreated != nil {
		c.HandleCreated(g, true)
	}
	return nil
}

// handleDelete removes a revoked group.
func (c *Coordinator) handleDelete(cmd msnp.Command) error {
	circle, err := parseCircle(cmd.Payload)
	if err != nil || circle.ID == "" {
		return nil
	}
	a, err := parseGroupAccount(circle.ID)
	if err != nil {
		return nil
	}
	c.mu.Lock()
	g, ok := c.groups[contact.KeyOf(a)]
	delete(c.groups, contact.KeyOf(a))
	c.mu.Unlock()
	if ok && c.HandleRemoved != nil {
		c.HandleRemoved(g)
	}
	return nil
}

// Wire form of publish payloads.
type circleXML struct {
	XMLName xml.Name       `xml:"circle"`
	ID      string         `xml:"id,attr"`
	Name    string         `xml:"n,attr"`
	Members []circleMember `xml:"m"`
}

type circleMember struct {
	Account string `xml:"a,attr"`
	Deleted bool   `xml:"deleted,attr"`
}

func parseCircle(payload []byte) (circleXML, error) {
	var c circleXML
	err := xml.Unmarshal(payload, &c)
	return c, err
}

func memberTokens(account string, deleted bool) xml.TokenReader {
	attrs := []xml.Attr{{Name: xml.Name{Local: "a"}, Value: account}}
	if deleted {
		attrs = append(attrs, xml.Attr{Name: xml.Name{Local: "deleted"}, Value: "true"})
	}
	return xmlstream.Wrap(nil, xml.StartElement{Name: xml.Name{Local: "m"}, Attr: attrs})
}

func renderCircle(attrs []xml.Attr, inner xml.TokenReader) ([]byte, error) {
	var buf bytes.Buffer
	e := xml.NewEncoder(&buf)
	r := xmlstream.Wrap(inner, xml.StartElement{Name: xml.Name{Local: "circle"}, Attr: attrs})
	if _, err := xmlstream.Copy(e, r); err != nil {
		return nil, err
	}
	if err := e.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// wireAccount renders an address with its numeric network type prefix.
func wireAccount(a addr.Address) string {
	return strconv.Itoa(int(a.Type())) + ":" + a.String()
}

// parseGroupAccount parses a group identity of the form
// "9:guid@example.net".
func parseGroupAccount(id string) (addr.Address, error) {
	if prefix, rest, ok := strings.Cut(id, ":"); ok {
		if n, err := strconv.Atoi(prefix); err == nil {
			return addr.ParseType(rest, addr.Type(n))
		}
	}
	return addr.ParseType(id, addr.Group)
}
