// Copyright 2025 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"mellium.im/msnp/abook"
	"mellium.im/msnp/addr"
)

// directoryClient speaks a plain XML-over-HTTP rendition of the
// membership, address book, and storage services. Each call POSTs a
// request document to the service URL with the request envelope carried
// in headers; the response body is the typed response document.
type directoryClient struct {
	http        *http.Client
	membership  string
	addressBook string
	storage     string
}

func newDirectoryClient(membership, addressBook, storage string) *directoryClient {
	return &directoryClient{
		http:        &http.Client{Timeout: 30 * time.Second},
		membership:  membership,
		addressBook: addressBook,
		storage:     storage,
	}
}

func (c *directoryClient) call(ctx context.Context, url, action string, req abook.Request, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := xml.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return err
	}
	hreq.Header.Set("Content-Type", "application/xml")
	hreq.Header.Set("X-Action", action)
	hreq.Header.Set("X-Scenario", string(req.Scenario))
	if req.DeltasOnly {
		hreq.Header.Set("X-Deltas-Only", "true")
		hreq.Header.Set("X-Last-Change", req.LastChange.Format(time.RFC3339))
	}
	if req.Ticket != "" {
		hreq.Header.Set("Authorization", "Bearer "+req.Ticket)
	}
	if req.CacheKey != "" {
		hreq.Header.Set("X-Cache-Key", req.CacheKey)
	}

	resp, err := c.http.Do(hreq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return abook.ErrNoAddressBook
	case resp.StatusCode >= 400:
		return fmt.Errorf("directory: %s returned %s", action, resp.Status)
	}
	if out != nil {
		if err := xml.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("directory: decoding %s response: %w", action, err)
		}
	}
	return nil
}

func (c *directoryClient) FindMembership(ctx context.Context, req abook.Request) (*abook.MembershipList, error) {
	var ml abook.MembershipList
	if err := c.call(ctx, c.membership, "FindMembership", req, nil, &ml); err != nil {
		return nil, err
	}
	return &ml, nil
}

func (c *directoryClient) FindAddressBook(ctx context.Context, req abook.Request) (*abook.AddressBookDelta, error) {
	var ab abook.AddressBookDelta
	if err := c.call(ctx, c.addressBook, "ABFindAll", req, nil, &ab); err != nil {
		return nil, err
	}
	return &ab, nil
}

func (c *directoryClient) CreateAddressBook(ctx context.Context, req abook.Request) error {
	return c.call(ctx, c.addressBook, "ABAdd", req, nil, nil)
}

func (c *directoryClient) AddMember(ctx context.Context, req abook.Request, role string, m abook.Member) error {
	body := struct {
		XMLName xml.Name `xml:"add-member"`
		Role    string   `xml:"role,attr"`
		abook.Member
	}{Role: role, Member: m}
	return c.call(ctx, c.membership, "AddMember", req, body, nil)
}

func (c *directoryClient) DeleteMember(ctx context.Context, req abook.Request, role string, m abook.Member) error {
	body := struct {
		XMLName xml.Name `xml:"delete-member"`
		Role    string   `xml:"role,attr"`
		abook.Member
	}{Role: role, Member: m}
	return c.call(ctx, c.membership, "DeleteMember", req, body, nil)
}

func (c *directoryClient) CreateContact(ctx context.Context, req abook.Request, account string, typ addr.Type) (*abook.ContactEntry, error) {
	body := struct {
		XMLName xml.Name  `xml:"create-contact"`
		Account string    `xml:"account,attr"`
		Type    addr.Type `xml:"type,attr"`
	}{Account: account, Type: typ}
	var entry abook.ContactEntry
	if err := c.call(ctx, c.addressBook, "ABContactAdd", req, body, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (c *directoryClient) DeleteContact(ctx context.Context, req abook.Request, id uuid.UUID) error {
	body := struct {
		XMLName xml.Name  `xml:"delete-contact"`
		GUID    uuid.UUID `xml:"guid,attr"`
	}{GUID: id}
	return c.call(ctx, c.addressBook, "ABContactDelete", req, body, nil)
}

func (c *directoryClient) UpdateContact(ctx context.Context, req abook.Request, entry abook.ContactEntry) error {
	return c.call(ctx, c.addressBook, "ABContactUpdate", req, entry, nil)
}

func (c *directoryClient) CreateGroup(ctx context.Context, req abook.Request, name string) (*abook.GroupEntry, error) {
	body := struct {
		XMLName xml.Name `xml:"create-group"`
		Name    string   `xml:"name,attr"`
	}{Name: name}
	var entry abook.GroupEntry
	if err := c.call(ctx, c.addressBook, "ABGroupAdd", req, body, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (c *directoryClient) DeleteGroup(ctx context.Context, req abook.Request, id string) error {
	body := struct {
		XMLName xml.Name `xml:"delete-group"`
		GUID    string   `xml:"guid,attr"`
	}{GUID: id}
	return c.call(ctx, c.addressBook, "ABGroupDelete", req, body, nil)
}

func (c *directoryClient) RenameGroup(ctx context.Context, req abook.Request, id, name string) error {
	body := struct {
		XMLName xml.Name `xml:"rename-group"`
		GUID    string   `xml:"guid,attr"`
		Name    string   `xml:"name,attr"`
	}{GUID: id, Name: name}
	return c.call(ctx, c.addressBook, "ABGroupUpdate", req, body, nil)
}

func (c *directoryClient) AddToGroup(ctx context.Context, req abook.Request, groupID string, contactID uuid.UUID) error {
	body := struct {
		XMLName xml.Name  `xml:"add-to-group"`
		Group   string    `xml:"group,attr"`
		Contact uuid.UUID `xml:"contact,attr"`
	}{Group: groupID, Contact: contactID}
	return c.call(ctx, c.addressBook, "ABGroupContactAdd", req, body, nil)
}

func (c *directoryClient) RemoveFromGroup(ctx context.Context, req abook.Request, groupID string, contactID uuid.UUID) error {
	body := struct {
		XMLName xml.Name  `xml:"remove-from-group"`
		Group   string    `xml:"group,attr"`
		Contact uuid.UUID `xml:"contact,attr"`
	}{Group: groupID, Contact: contactID}
	return c.call(ctx, c.addressBook, "ABGroupContactDelete", req, body, nil)
}

func (c *directoryClient) Profile(ctx context.Context, req abook.Request) (*abook.RoamingProfile, error) {
	var prof abook.RoamingProfile
	if err := c.call(ctx, c.storage, "GetProfile", req, nil, &prof); err != nil {
		return nil, err
	}
	return &prof, nil
}
