// Copyright 2025 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package msnp

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"errors"
)

// ErrAuthentication is wrapped by all authentication failures surfaced by
// the session, so that callers can match them with errors.Is.
var ErrAuthentication = errors.New("msnp: authentication failed")

// A Ticket is the result of a single sign-on exchange: a signed bearer
// token presented to the notification server, and the binary secret used
// to answer the server's nonce.
type Ticket struct {
	Token  string
	Secret []byte
}

// Zero reports whether the ticket is the zero value.
func (t Ticket) Zero() bool {
	return t.Token == "" && t.Secret == nil
}

// An Authenticator obtains sign-on tickets from an external single sign-on
// service. Implementations are given the policy identifier and nonce
// announced by the server and must block until a ticket is available, the
// exchange fails, or the context is canceled. The wire cryptography of the
// ticket exchange itself lives behind this interface.
type Authenticator interface {
	Ticket(ctx context.Context, policy, nonce string) (Ticket, error)
}

// StaticAuthenticator returns an Authenticator that always yields the same
// ticket. It is useful for tests and for deployments where tickets are
// provisioned out of band.
func StaticAuthenticator(t Ticket) Authenticator {
	return staticAuth{t: t}
}

type staticAuth struct {
	t Ticket
}

func (a staticAuth) Ticket(context.Context, string, string) (Ticket, error) {
	return a.t, nil
}

// secretProof encodes the ticket secret for the final step of the USR
// exchange.
func secretProof(t Ticket) string {
	return base64.StdEncoding.EncodeToString(t.Secret)
}

// ChallengeKey is the client identification pair used to answer server
// CHL challenges.
type ChallengeKey struct {
	ID  string
	Key string
}

// answer computes the QRY digest for a server challenge string.
func (k ChallengeKey) answer(challenge string) string {
	sum := md5.Sum([]byte(challenge + k.Key))
	return hex.EncodeToString(sum[:])
}
