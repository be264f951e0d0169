// Copyright 2025 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package switchboard

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"strconv"

	"github.com/google/uuid"
)

// Content types used in conversation message payloads.
const (
	ContentText   = "text/plain"
	ContentTyping = "text/x-msmsgscontrol"
	ContentNudge  = "text/x-msnmsgr-datacast"
)

// Headers used for multi-chunk message reassembly. A message larger than
// the per-command payload limit is split into numbered chunks sharing one
// correlation id: the first chunk carries the full header block plus the
// declared chunk count, subsequent chunks carry only the id and their
// index.
const (
	headerMessageID = "Message-Id"
	headerChunks    = "Chunks"
	headerChunk     = "Chunk"
)

// DefaultChunkSize is the default cap on one message payload's body.
const DefaultChunkSize = 1202

// Errors surfaced while parsing or reassembling messages.
var (
	ErrBadChunk = errors.New("switchboard: inconsistent chunk header")
)

// A Message is one conversation payload: a MIME-style header block and a
// body, separated by a blank line.
type Message struct {
	Header textproto.MIMEHeader
	Body   []byte
}

// NewText builds a plain text message.
func NewText(body string) Message {
	return Message{
		Header: textproto.MIMEHeader{
			"Mime-Version": {"1.0"},
			"Content-Type": {ContentText + "; charset=UTF-8"},
		},
		Body: []byte(body),
	}
}

// NewTyping builds a typing notification from the given account.
func NewTyping(account string) Message {
	return Message{
		Header: textproto.MIMEHeader{
			"Mime-Version": {"1.0"},
			"Content-Type": {ContentTyping},
			"Typinguser":   {account},
		},
	}
}

// NewNudge builds a nudge.
func NewNudge() Message {
	return Message{
		Header: textproto.MIMEHeader{
			"Mime-Version": {"1.0"},
			"Content-Type": {ContentNudge},
		},
		Body: []byte("ID: 1\r\n\r\n"),
	}
}

// ContentType returns the message's content type without parameters.
func (m Message) ContentType() string {
	ct := m.Header.Get("Content-Type")
	for i := 0; i < len(ct); i++ {
		if ct[i] == ';' {
			return ct[:i]
		}
	}
	return ct
}

// Encode renders the message in wire form.
func (m Message) Encode() []byte {
	var buf bytes.Buffer
	for k, vs := range m.Header {
		for _, v := range vs {
			buf.WriteString(k)
			buf.WriteString(": ")
			buf.WriteString(v)
			buf.WriteString("\r\n")
		}
	}
	buf.WriteString("\r\n")
	buf.Write(m.Body)
	return buf.Bytes()
}

// ParseMessage parses a message payload.
func ParseMessage(payload []byte) (Message, error) {
	tp := textproto.NewReader(bufio.NewReader(bytes.NewReader(payload)))
	hdr, err := tp.ReadMIMEHeader()
	if err != nil && !errors.Is(err, io.EOF) {
		return Message{}, fmt.Errorf("switchboard: parsing message header: %w", err)
	}
	body, err := io.ReadAll(tp.R)
	if err != nil {
		return Message{}, err
	}
	return Message{Header: hdr, Body: body}, nil
}

// Split breaks a message into chunks whose bodies are no larger than
// limit bytes (limit <= 0 uses DefaultChunkSize). Messages that fit are
// returned unchanged in a single-element slice.
func Split(m Message, limit int) []Message {
	if limit <= 0 {
		limit = DefaultChunkSize
	}
	if len(m.Body) <= limit {
		return []Message{m}
	}
	total := (len(m.Body) + limit - 1) / limit
	id := uuid.NewString()

	out := make([]Message, 0, total)
	for i := 0; i < total; i++ {
		start := i * limit
		end := start + limit
		if end > len(m.Body) {
			end = len(m.Body)
		}
		var hdr textproto.MIMEHeader
		if i == 0 {
			hdr = make(textproto.MIMEHeader, len(m.Header)+2)
			for k, vs := range m.Header {
				hdr[k] = append([]string(nil), vs...)
			}
			hdr.Set(headerMessageID, id)
			hdr.Set(headerChunks, strconv.Itoa(total))
		} else {
			hdr = textproto.MIMEHeader{}
			hdr.Set(headerMessageID, id)
			hdr.Set(headerChunk, strconv.Itoa(i))
		}
		out = append(out, Message{Header: hdr, Body: m.Body[start:end]})
	}
	return out
}

// An assembler buffers chunked messages until the final chunk arrives.
// Any header inconsistency drops the affected message only.
type assembler struct {
	pending map[string]*partial
}

type partial struct {
	header textproto.MIMEHeader
	total  int
	next   int
	buf    bytes.Buffer
}

// add feeds one inbound message to the assembler. It returns the
// reassembled message and true once complete; chunks of an incomplete
// message return false with a nil error, and inconsistent chunks return
// ErrBadChunk after discarding the pending message.
func (a *assembler) add(m Message) (Message, bool, error) {
	id := m.Header.Get(headerMessageID)
	if id == "" {
		return m, true, nil
	}

	if chunks := m.Header.Get(headerChunks); chunks != "" {
		total, err := strconv.Atoi(chunks)
		if err != nil || total < 1 {
			return Message{}, false, ErrBadChunk
		}
		if total == 1 {
			return m, true, nil
		}
		if a.pending == nil {
			a.pending = make(map[string]*partial)
		}
		p := &partial{header: m.Header, total: total, next: 1}
		p.buf.Write(m.Body)
		a.pending[id] = p
		return Message{}, false, nil
	}

	idx, err := strconv.Atoi(m.Header.Get(headerChunk))
	p := a.pending[id]
	if err != nil || p == nil || idx != p.next {
		delete(a.pending, id)
		return Message{}, false, ErrBadChunk
	}
	p.buf.Write(m.Body)
	p.next++
	if p.next < p.total {
		return Message{}, false, nil
	}
	delete(a.pending, id)
	hdr := p.header
	hdr.Del(headerMessageID)
	hdr.Del(headerChunks)
	return Message{Header: hdr, Body: p.buf.Bytes()}, true, nil
}
