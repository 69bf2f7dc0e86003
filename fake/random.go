// File: fake/random.go
// Package fake provides controllable implementations of the api collaborator
// interfaces for tests and development.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package fake

import "sync"

// Random is a deterministic api.RandomSource: every Fill writes an
// incrementing byte pattern, so nonces and mask keys are reproducible.
type Random struct {
	mu   sync.Mutex
	next byte
}

// NewRandom creates a deterministic source whose first byte is seed+1.
func NewRandom(seed byte) *Random { return &Random{next: seed} }

// Fill implements api.RandomSource.
func (r *Random) Fill(p []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range p {
		r.next++
		p[i] = r.next
	}
	return nil
}
