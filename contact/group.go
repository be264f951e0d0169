// Copyright 2025 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package contact

import (
	"sync"
)

// A Group is a user-defined label for organizing contacts. Groups are
// created and removed only by explicit directory operations, never
// implicitly; membership is recorded on each contact as a set of group
// GUIDs.
type Group struct {
	id string

	mu   sync.Mutex
	name string
}

// ID returns the group's GUID. It never changes after the group is
// created.
func (g *Group) ID() string {
	return g.id
}

// Name returns the group's display label.
func (g *Group) Name() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.name
}

// SetName updates the group's display label.
func (g *Group) SetName(name string) {
	g.mu.Lock()
	g.name = name
	g.mu.Unlock()
}
