// Copyright 2025 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package abook

import (
	"bytes"
	"encoding/xml"
	"errors"
	"sort"
	"strconv"
	"strings"

	"mellium.im/xmlstream"

	"mellium.im/msnp/contact"
)

// DefaultChunkLimit is the default cap on the serialized size of a single
// roster announcement payload. The wire protocol bounds a single command
// payload; the exact safe value is a property of the server, so it is
// configurable.
const DefaultChunkLimit = 7300

// ErrEntryTooLarge is returned when a single contact entry cannot fit in
// one chunk even on its own.
var ErrEntryTooLarge = errors.New("abook: contact entry exceeds the chunk limit")

// announceBits are the list bits carried in roster announcements.
const announceBits = contact.Forward | contact.Allow | contact.Block

// ConstructLists serializes the given contacts into one or more roster
// announcement payloads, each no larger than limit bytes (limit <= 0 uses
// DefaultChunkLimit).
//
// Contacts are ordered by domain, case-insensitively, with phone contacts
// (no "@" in the account) first, so output is deterministic for a given
// input set. Contacts sharing a domain are grouped under one domain
// container per chunk; phone contacts go into a flat container of their
// own. When the running serialized size would exceed the limit the chunk
// is sealed and a new one is opened. Every input contact appears in
// exactly one chunk.
func ConstructLists(contacts []*ContactInfo, initial bool, limit int) ([][]byte, error) {
	if limit <= 0 {
		limit = DefaultChunkLimit
	}

	sorted := append([]*ContactInfo(nil), contacts...)
	sort.SliceStable(sorted, func(i, j int) bool {
		di, dj := strings.ToLower(domainOf(sorted[i])), strings.ToLower(domainOf(sorted[j]))
		if di != dj {
			return di < dj
		}
		li, lj := strings.ToLower(localOf(sorted[i])), strings.ToLower(localOf(sorted[j]))
		if li != lj {
			return li < lj
		}
		return sorted[i].Type < sorted[j].Type
	})

	var mlAttrs []xml.Attr
	if initial {
		mlAttrs = append(mlAttrs, xml.Attr{Name: xml.Name{Local: "l"}, Value: "1"})
	}
	mlOpen, mlClose, err := element("ml", mlAttrs)
	if err != nil {
		return nil, err
	}
	base := len(mlOpen) + len(mlClose)

	var (
		chunks    [][]byte
		cur       bytes.Buffer
		size      = base
		curDomain string
		curClose  []byte
		hasItem   bool
	)
	seal := func() {
		if !hasItem {
			return
		}
		if curClose != nil {
			cur.Write(curClose)
		}
		chunk := make([]byte, 0, len(mlOpen)+cur.Len()+len(mlClose))
		chunk = append(chunk, mlOpen...)
		chunk = append(chunk, cur.Bytes()...)
		chunk = append(chunk, mlClose...)
		chunks = append(chunks, chunk)
		cur.Reset()
		size = base
		curClose = nil
		hasItem = false
	}

	for _, ci := range sorted {
		item, err := renderContact(ci)
		if err != nil {
			return nil, err
		}
		open, closeTag, err := containerFor(ci)
		if err != nil {
			return nil, err
		}

		domain := strings.ToLower(domainOf(ci))
		fullNeed := len(item) + len(open) + len(closeTag)
		if fullNeed+base > limit {
			return nil, ErrEntryTooLarge
		}
		need := fullNeed
		sameContainer := hasItem && curClose != nil && domain == curDomain
		if sameContainer {
			need = len(item)
		}

		if size+need > limit {
			seal()
			sameContainer = false
		}
		if !sameContainer {
			if curClose != nil {
				cur.Write(curClose)
			}
			cur.Write(open)
			curClose = closeTag
			curDomain = domain
			size += len(open) + len(closeTag)
		}
		cur.Write(item)
		size += len(item)
		hasItem = true
	}
	seal()

	return chunks, nil
}

// domainOf returns the domain part of the cached account, or "" for phone
// style accounts with no "@".
func domainOf(ci *ContactInfo) string {
	if idx := strings.LastIndexByte(ci.Account, '@'); idx >= 0 {
		return ci.Account[idx+1:]
	}
	return ""
}

func localOf(ci *ContactInfo) string {
	if idx := strings.LastIndexByte(ci.Account, '@'); idx >= 0 {
		return ci.Account[:idx]
	}
	return ci.Account
}

// containerFor renders the open and close tags of the container the
// contact belongs in: a named domain container, or the flat phone
// container for accounts with no domain.
func containerFor(ci *ContactInfo) (open, closeTag []byte, err error) {
	if domain := domainOf(ci); domain != "" {
		return element("d", []xml.Attr{{Name: xml.Name{Local: "n"}, Value: domain}})
	}
	return element("t", nil)
}

// element renders an empty element and splits it into its open and close
// tags so containers can be assembled around separately rendered
// children.
func element(name string, attrs []xml.Attr) (open, closeTag []byte, err error) {
	var buf bytes.Buffer
	e := xml.NewEncoder(&buf)
	start := xml.StartElement{Name: xml.Name{Local: name}, Attr: attrs}
	if err := e.EncodeToken(start); err != nil {
		return nil, nil, err
	}
	if err := e.EncodeToken(start.End()); err != nil {
		return nil, nil, err
	}
	if err := e.Flush(); err != nil {
		return nil, nil, err
	}
	closeTag = []byte("</" + name + ">")
	b := buf.Bytes()
	open = append([]byte(nil), b[:len(b)-len(closeTag)]...)
	return open, closeTag, nil
}

// contactTokens returns the token stream of a single announcement entry.
func contactTokens(ci *ContactInfo) xml.TokenReader {
	attrs := []xml.Attr{
		{Name: xml.Name{Local: "n"}, Value: localOf(ci)},
		{Name: xml.Name{Local: "l"}, Value: strconv.Itoa(int(ci.Lists & announceBits))},
	}
	if domainOf(ci) != "" {
		attrs = append(attrs, xml.Attr{Name: xml.Name{Local: "t"}, Value: strconv.Itoa(int(ci.Type))})
	}
	return xmlstream.Wrap(nil, xml.StartElement{Name: xml.Name{Local: "c"}, Attr: attrs})
}

func renderContact(ci *ContactInfo) ([]byte, error) {
	var buf bytes.Buffer
	e := xml.NewEncoder(&buf)
	if _, err := xmlstream.Copy(e, contactTokens(ci)); err != nil {
		return nil, err
	}
	if err := e.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
