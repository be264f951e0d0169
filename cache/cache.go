// Copyright 2025 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package cache stores the local directory state between sessions.
//
// The directory synchronization engine keeps two named records per local
// identity: the address book snapshot and the deltas log. Each record is
// tagged with a schema version that the engine checks on load, so a store
// never needs to understand record contents; it only provides durable
// named blobs.
package cache // import "mellium.im/msnp/cache"

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Load when no record with the given owner and
// name exists.
var ErrNotFound = errors.New("cache: record not found")

// A Record is one versioned named blob.
type Record struct {
	Version  int
	Body     []byte
	Modified time.Time
}

// A Store persists named records keyed by the local identity. Stores must
// be safe for concurrent use; the synchronization engine guarantees at
// most one in-flight writer per record but loads may race with writes from
// a prior crashed run, which is why records carry a schema version.
type Store interface {
	Load(ctx context.Context, owner, name string) (Record, error)
	Save(ctx context.Context, owner, name string, rec Record) error
	Delete(ctx context.Context, owner, name string) error
}
