// Copyright 2022 The Axle Bus Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package bus

import (
	"fmt"

	"github.com/jacobsa/syncutil"
)

// pendingPool buffers messages whose destination had no live service (or one
// with delivery disabled) at send time. Bounded FIFO; entries leave on late
// registration of their destination or on an explicit flush.
type pendingPool struct {
	mu syncutil.InvariantMutex

	// GUARDED_BY(mu)
	entries []*message
}

func (p *pendingPool) init() {
	p.mu = syncutil.NewInvariantMutex(p.checkInvariants)
}

// LOCKS_REQUIRED(p.mu)
func (p *pendingPool) checkInvariants() {
	if len(p.entries) > PendingPoolMax {
		panic(fmt.Sprintf("Pending pool over capacity: %d", len(p.entries)))
	}
}

// LOCKS_EXCLUDED(p.mu)
func (p *pendingPool) enqueue(m *message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.entries) == PendingPoolMax {
		return ErrPoolFull
	}

	p.entries = append(p.entries, m)
	return nil
}

// Hand every entry addressed to name to deliver, preserving FIFO order.
// Called when a service registers, under the registry lock, so a concurrent
// later send cannot overtake the drained backlog.
//
// LOCKS_EXCLUDED(p.mu)
func (p *pendingPool) drainFor(name string, deliver func(*message)) int {
	p.mu.Lock()

	var matched []*message
	kept := p.entries[:0]
	for _, m := range p.entries {
		if m.dest == name {
			matched = append(matched, m)
			continue
		}

		kept = append(kept, m)
	}

	p.entries = kept
	p.mu.Unlock()

	for _, m := range matched {
		deliver(m)
	}

	return len(matched)
}

// Remove every entry with the given (source, dest) pair, handing each to
// free.
//
// LOCKS_EXCLUDED(p.mu)
func (p *pendingPool) flush(source string, dest string, free func(*message)) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	removed := 0
	kept := p.entries[:0]
	for _, m := range p.entries {
		if m.source == source && m.dest == dest {
			free(m)
			removed++
			continue
		}

		kept = append(kept, m)
	}

	p.entries = kept
	return removed
}

// LOCKS_EXCLUDED(p.mu)
func (p *pendingPool) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
