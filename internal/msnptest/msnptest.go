// Copyright 2025 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package msnptest provides utilities for testing commands and sessions
// against a scripted in-memory server.
package msnptest

import (
	"net"
	"testing"

	"mellium.im/msnp"
)

// EchoID, used as the transaction id of a scripted reply, is replaced
// with the id of the client command that matched the step's expectation.
const EchoID = ^uint32(0)

// A Step is one exchange of a server script: wait for a client command
// with the expected verb (skipping others), then push the replies. An
// empty Expect pushes the replies without waiting.
type Step struct {
	Expect string
	Reply  []msnp.Command
}

// Pipe returns the two ends of an in-memory command transport.
func Pipe() (client, server *msnp.Conn) {
	c, s := net.Pipe()
	return msnp.NewConn(c), msnp.NewConn(s)
}

// Serve runs a scripted server over conn in a background goroutine. After
// the script is exhausted the server keeps draining client commands until
// the transport closes, so that client writes never block on the pipe.
func Serve(t *testing.T, conn *msnp.Conn, script []Step) {
	t.Helper()
	go func() {
		for _, step := range script {
			var id uint32
			if step.Expect != "" {
				for {
					cmd, err := conn.ReadCommand()
					if err != nil {
						return
					}
					if cmd.Verb == step.Expect {
						id = cmd.ID
						break
					}
				}
			}
			for _, reply := range step.Reply {
				if reply.ID == EchoID {
					reply.ID = id
				}
				if err := conn.WriteCommand(reply); err != nil {
					return
				}
			}
		}
		for {
			if _, err := conn.ReadCommand(); err != nil {
				return
			}
		}
	}()
	t.Cleanup(func() {
		_ = conn.Close()
	})
}
