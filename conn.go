// Copyright 2025 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package msnp

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync"
)

// A Conn frames a byte stream into commands: CRLF-terminated lines with an
// optional binary payload whose length is carried as the final argument of
// the line. Reads must come from a single goroutine; writes are serialized
// internally and may come from any goroutine.
type Conn struct {
	rwc io.ReadWriter
	br  *bufio.Reader

	wmu sync.Mutex
	bw  *bufio.Writer
}

// NewConn creates a command-framed connection from any io.ReadWriter.
func NewConn(rwc io.ReadWriter) *Conn {
	return &Conn{
		rwc: rwc,
		br:  bufio.NewReader(rwc),
		bw:  bufio.NewWriter(rwc),
	}
}

// ReadCommand reads the next command off the wire, including its payload
// if the verb carries one.
func (c *Conn) ReadCommand() (Command, error) {
	line, err := c.readLine()
	if err != nil {
		return Command{}, err
	}
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}

	cmd, size, err := parseCommand(line)
	if err != nil {
		return Command{}, err
	}
	if size > 0 {
		cmd.Payload = make([]byte, size)
		if _, err := io.ReadFull(c.br, cmd.Payload); err != nil {
			return Command{}, err
		}
	}
	return cmd, nil
}

// readLine reads one CRLF-terminated line, accumulating at most MaxLineLen
// bytes. The length is enforced as fragments arrive, so a peer that never
// sends the terminator cannot grow the line without bound.
func (c *Conn) readLine() (string, error) {
	var line []byte
	for {
		frag, err := c.br.ReadSlice('\n')
		if err != nil && !errors.Is(err, bufio.ErrBufferFull) {
			return "", err
		}
		if len(line)+len(frag) > MaxLineLen {
			return "", ErrLongLine
		}
		line = append(line, frag...)
		if err == nil {
			return string(line), nil
		}
	}
}

// Read reads bytes from the connection through the same buffer used for
// command framing.
func (c *Conn) Read(p []byte) (int, error) {
	return c.br.Read(p)
}

// Write writes bytes to the connection and flushes them. Writes are
// serialized with WriteCommand.
func (c *Conn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	n, err := c.bw.Write(p)
	if err != nil {
		return n, err
	}
	return n, c.bw.Flush()
}

// WriteCommand writes a command, and its payload if any, to the wire and
// flushes it.
func (c *Conn) WriteCommand(cmd Command) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if _, err := c.bw.Write(cmd.appendLine(nil)); err != nil {
		return err
	}
	if cmd.HasPayload() && len(cmd.Payload) > 0 {
		if _, err := c.bw.Write(cmd.Payload); err != nil {
			return err
		}
	}
	return c.bw.Flush()
}

// Close closes the underlying transport if it supports closing.
// Any blocked Read or Write operations will be unblocked and return
// errors.
func (c *Conn) Close() error {
	if closer, ok := c.rwc.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// LocalAddr returns the local network address of the underlying transport,
// or nil if it is not a net.Conn.
func (c *Conn) LocalAddr() net.Addr {
	if conn, ok := c.rwc.(net.Conn); ok {
		return conn.LocalAddr()
	}
	return nil
}

// RemoteAddr returns the remote network address of the underlying
// transport, or nil if it is not a net.Conn.
func (c *Conn) RemoteAddr() net.Addr {
	if conn, ok := c.rwc.(net.Conn); ok {
		return conn.RemoteAddr()
	}
	return nil
}
