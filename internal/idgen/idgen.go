// Copyright 2025 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package idgen allocates command transaction ids.
package idgen

import (
	"sync/atomic"
)

// Sequence allocates monotonically increasing transaction ids.
// Ids start at 1; 0 is reserved as the sentinel for unsolicited commands.
// The zero value is ready to use and safe for concurrent use.
type Sequence struct {
	last uint32
}

// Next returns the next transaction id in the sequence.
func (s *Sequence) Next() uint32 {
	return atomic.AddUint32(&s.last, 1)
}
