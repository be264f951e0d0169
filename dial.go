// Copyright 2025 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package msnp

import (
	"context"
	"crypto/tls"
	"net"
)

// Dial connects to the address on the named network with the default
// dialer and wraps the connection in command framing.
//
// For more information see the Dialer type.
func Dial(ctx context.Context, network, address string) (*Conn, error) {
	var d Dialer
	return d.Dial(ctx, network, address)
}

// A Dialer contains options for connecting to notification and
// switchboard servers.
//
// The zero value for each field is equivalent to dialing without that
// option. Dialing with the zero value of Dialer is equivalent to calling
// the Dial function.
type Dialer struct {
	net.Dialer

	// TLSConfig enables implicit TLS on the connection when set.
	// Switchboard referrals received over a TLS control connection
	// normally reuse the same config.
	TLSConfig *tls.Config
}

// Dial connects to the address on the named network.
//
// If the context expires before the connection is complete, an error is
// returned. Once successfully connected, any expiration of the context
// will not affect the connection.
//
// Network may be any of the network types supported by net.Dial, but you
// most likely want to use one of the tcp connection types ("tcp", "tcp4",
// or "tcp6").
func (d *Dialer) Dial(ctx context.Context, network, address string) (*Conn, error) {
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	if d.TLSConfig != nil {
		tlsConn := tls.Client(conn, d.TLSConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, err
		}
		return NewConn(tlsConn), nil
	}
	return NewConn(conn), nil
}
