// Copyright 2025 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package msnp

import (
	"bytes"
	"errors"
	"net"
	"reflect"
	"strconv"
	"testing"
)

var parseTests = [...]struct {
	line string
	cmd  Command
	size int
	err  error
}{
	0: {
		line: "VER 1 MSNP18 CVR0",
		cmd:  Command{Verb: "VER", ID: 1, Args: []string{"MSNP18", "CVR0"}},
	},
	1: {
		// No transaction id: the second token is not numeric, so the
		// unsolicited sentinel is kept.
		line: "NLN NLN 1:friend@example.net Friend 1342177280:0",
		cmd:  Command{Verb: "NLN", Args: []string{"NLN", "1:friend@example.net", "Friend", "1342177280:0"}},
	},
	2: {
		line: "ADL 2 25",
		cmd:  Command{Verb: "ADL", ID: 2},
		size: 25,
	},
	3: {
		// Acknowledgement of a payload verb carries no payload.
		line: "ADL 3 OK",
		cmd:  Command{Verb: "ADL", ID: 3, Args: []string{"OK"}},
	},
	4: {
		line: "MSG Hotmail Hotmail 10",
		cmd:  Command{Verb: "MSG", Args: []string{"Hotmail", "Hotmail"}},
		size: 10,
	},
	5: {
		line: "OUT OTH",
		cmd:  Command{Verb: "OUT", Args: []string{"OTH"}},
	},
	6: {
		line: "",
		err:  ErrEmptyCommand,
	},
	7: {
		line: "PUT 5 -3",
		err:  ErrBadPayloadSize,
	},
}

func TestParseCommand(t *testing.T) {
	for i, tc := range parseTests {
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			cmd, size, err := parseCommand(tc.line)
			if !errors.Is(err, tc.err) {
				t.Fatalf("unexpected error: want=%v, got=%v", tc.err, err)
			}
			if tc.err != nil {
				return
			}
			if !reflect.DeepEqual(cmd, tc.cmd) {
				t.Errorf("wrong command: want=%+v, got=%+v", tc.cmd, cmd)
			}
			if size != tc.size {
				t.Errorf("wrong payload size: want=%d, got=%d", tc.size, size)
			}
		})
	}
}

var lineTests = [...]struct {
	cmd  Command
	line string
}{
	0: {
		cmd:  NewCommand("USR", 2, "SSO", "I", "me@example.net"),
		line: "USR 2 SSO I me@example.net",
	},
	1: {
		cmd:  NewCommand("PNG", 0),
		line: "PNG",
	},
	2: {
		cmd:  Command{Verb: "ADL", ID: 4, Payload: []byte("12345")},
		line: "ADL 4 5",
	},
}

func TestCommandLine(t *testing.T) {
	for i, tc := range lineTests {
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			if s := tc.cmd.String(); s != tc.line {
				t.Errorf("wrong line: want=%q, got=%q", tc.line, s)
			}
		})
	}
}

func TestCommandErr(t *testing.T) {
	cmd := Command{Verb: "911", ID: 7}
	var serr ServerError
	if err := cmd.Err(); !errors.As(err, &serr) {
		t.Fatalf("expected a server error, got %v", err)
	} else if serr.Code != CodeAuthFailed || serr.ID != 7 {
		t.Errorf("wrong server error: %+v", serr)
	}
	if err := NewCommand("VER", 1).Err(); err != nil {
		t.Errorf("expected no error for a non-numeric verb, got %v", err)
	}
}

func TestReadCommandLongLine(t *testing.T) {
	// A terminated line over the limit is rejected.
	conn := NewConn(bytes.NewBuffer(append(bytes.Repeat([]byte("x"), MaxLineLen), '\r', '\n')))
	if _, err := conn.ReadCommand(); !errors.Is(err, ErrLongLine) {
		t.Fatalf("expected %v for a long terminated line, got %v", ErrLongLine, err)
	}

	// So is a stream that never sends the terminator: the read must fail
	// once the limit is crossed rather than buffer the line indefinitely.
	conn = NewConn(bytes.NewBuffer(bytes.Repeat([]byte("x"), MaxLineLen*8)))
	if _, err := conn.ReadCommand(); !errors.Is(err, ErrLongLine) {
		t.Fatalf("expected %v for an unterminated line, got %v", ErrLongLine, err)
	}
}

func TestConnRoundTrip(t *testing.T) {
	c1, c2 := net.Pipe()
	client, server := NewConn(c1), NewConn(c2)

	want := Command{Verb: "MSG", ID: 9, Args: []string{"N"}, Payload: []byte("MIME-Version: 1.0\r\n\r\nhello")}
	errs := make(chan error, 1)
	go func() {
		errs <- client.WriteCommand(want)
	}()
	got, err := server.ReadCommand()
	if err != nil {
		t.Fatalf("reading command: %v", err)
	}
	if err := <-errs; err != nil {
		t.Fatalf("writing command: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("wrong command: want=%+v, got=%+v", want, got)
	}
}
