// Copyright 2025 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package cache

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-memory Store for tests and for deployments that do not
// want durable caching (every session then performs a full
// synchronization). The zero value is ready to use.
type Memory struct {
	mu sync.Mutex
	m  map[[2]string]Record
}

// Load implements Store.
func (s *Memory) Load(_ context.Context, owner, name string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.m[[2]string{owner, name}]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

// Save implements Store.
func (s *Memory) Save(_ context.Context, owner, name string, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.Modified.IsZero() {
		rec.Modified = time.Now()
	}
	if s.m == nil {
		s.m = make(map[[2]string]Record)
	}
	s.m[[2]string{owner, name}] = rec
	return nil
}

// Delete implements Store.
func (s *Memory) Delete(_ context.Context, owner, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, [2]string{owner, name})
	return nil
}
