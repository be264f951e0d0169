// Copyright 2025 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package msnp

import (
	"errors"
	"strconv"
	"strings"
)

// Errors returned while parsing or formatting commands.
var (
	ErrEmptyCommand   = errors.New("msnp: empty command line")
	ErrBadPayloadSize = errors.New("msnp: payload command has a malformed size argument")
	ErrLongLine       = errors.New("msnp: command line exceeds the maximum length")
)

// MaxLineLen is the maximum length of a single command line including the
// trailing CRLF. Lines longer than this are a protocol violation.
const MaxLineLen = 1664

// payloadVerbs is the set of verbs that carry a binary payload. The last
// argument of a payload command is the payload length in bytes; the
// payload follows the CRLF.
var payloadVerbs = map[string]bool{
	"MSG": true,
	"UBX": true,
	"ADL": true,
	"RML": true,
	"PUT": true,
	"DEL": true,
	"QRY": true,
	"NOT": true,
}

// A Command is the unit of wire exchange: a verb, a transaction id, an
// ordered argument list, and an optional binary payload. An ID of 0 in the
// transaction-id position is the sentinel marking unsolicited commands
// pushed by the server. Commands are immutable once parsed or built.
type Command struct {
	Verb    string
	ID      uint32
	Args    []string
	Payload []byte
}

// NewCommand builds a command with the given verb, transaction id, and
// arguments.
func NewCommand(verb string, id uint32, args ...string) Command {
	return Command{Verb: verb, ID: id, Args: args}
}

// HasPayload reports whether the command's verb carries a binary payload.
func (c Command) HasPayload() bool {
	return payloadVerbs[c.Verb]
}

// Arg returns the i'th argument, or the empty string if there are not
// enough arguments. It exists so that handlers do not need to bounds-check
// commands arriving off the wire.
func (c Command) Arg(i int) string {
	if i < 0 || i >= len(c.Args) {
		return ""
	}
	return c.Args[i]
}

// Err returns the command as a ServerError if the verb is a numeric error
// reply, or nil otherwise.
func (c Command) Err() error {
	if len(c.Verb) != 3 {
		return nil
	}
	n, err := strconv.Atoi(c.Verb)
	if err != nil {
		return nil
	}
	return ServerError{Code: Code(n), ID: c.ID}
}

// appendLine appends the wire form of the command line (not including the
// payload) to b.
func (c Command) appendLine(b []byte) []byte {
	b = append(b, c.Verb...)
	if c.ID != 0 {
		b = append(b, ' ')
		b = strconv.AppendUint(b, uint64(c.ID), 10)
	}
	for _, a := range c.Args {
		b = append(b, ' ')
		b = append(b, a...)
	}
	if c.HasPayload() {
		b = append(b, ' ')
		b = strconv.AppendInt(b, int64(len(c.Payload)), 10)
	}
	b = append(b, '\r', '\n')
	return b
}

// String returns the command line in wire form without the trailing CRLF
// or payload. It is intended for logging.
func (c Command) String() string {
	b := c.appendLine(nil)
	return string(b[:len(b)-2])
}

// parseCommand parses a single command line (without the trailing CRLF and
// without any payload). Whether a payload must be read off the wire
// afterwards is reported by the returned command's HasPayload method; for
// payload commands the size argument is returned separately and removed
// from Args.
func parseCommand(line string) (cmd Command, size int, err error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return cmd, 0, ErrEmptyCommand
	}
	cmd.Verb = fields[0]
	rest := fields[1:]

	// The transaction-id position is only a transaction id if it is
	// numeric; presence pushes such as "NLN NLN user@example.net …" have
	// none and keep the 0 sentinel.
	if len(rest) > 0 {
		if id, err := strconv.ParseUint(rest[0], 10, 32); err == nil {
			cmd.ID = uint32(id)
			rest = rest[1:]
		}
	}

	// Payload verbs end in a size argument. Acknowledgements reuse the
	// same verbs without a payload ("ADL 1 OK"), so a non-numeric final
	// argument means there is nothing further to read.
	if cmd.HasPayload() && len(rest) > 0 {
		if n, err := strconv.Atoi(rest[len(rest)-1]); err == nil {
			if n < 0 {
				return cmd, 0, ErrBadPayloadSize
			}
			size = n
			rest = rest[:len(rest)-1]
		}
	}

	if len(rest) > 0 {
		cmd.Args = rest
	}
	return cmd, size, nil
}
