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
	"github.com/axleos/bus/internal/buffer"
	"github.com/axleos/bus/sched"
)

// Received is a message materialized in the caller's delivery pool. The
// payload aliases the pool: it is valid only until the next receive on the
// same service, which overwrites it.
type Received struct {
	Source  string
	Dest    string
	Payload []byte
}

// ReceiveAny blocks until any message is available for the calling process's
// service, then delivers it.
func (b *Bus) ReceiveAny(t *sched.Task) (Received, error) {
	return b.receive(t, nil, nil)
}

// ReceiveFrom blocks until a message from one of the named sources is
// available, then delivers it. Messages from other sources stay queued.
func (b *Bus) ReceiveFrom(t *sched.Task, sources ...string) (Received, error) {
	return b.receive(t, sources, nil)
}

// ReceiveEvent blocks until a message from source whose leading u32 equals
// event is available, then delivers it. Both predicates must hold.
func (b *Bus) ReceiveEvent(t *sched.Task, source string, event uint32) (Received, error) {
	return b.receive(t, []string{source}, &event)
}

// The receive loop: select a matching message under the service lock, or
// release the lock and suspend. Releasing before blocking is safe because a
// sender holds this same lock while waking, so a wake racing with the
// suspension is latched and the block returns immediately.
func (b *Bus) receive(
	t *sched.Task,
	sources []string,
	event *uint32) (Received, error) {
	s := b.ServiceOfTask(t)
	if s == nil {
		return Received{}, ErrNotRegistered
	}

	for {
		s.mu.Lock()
		m := s.selectMessage(sources, event)
		if m != nil {
			r := s.deliver(m)
			s.mu.Unlock()
			return r, nil
		}

		s.mu.Unlock()

		if err := t.Block(sched.AwaitMessage); err != nil {
			return Received{}, err
		}
	}
}

// Materialize a message at the base of the service's delivery pool and
// recycle the kernel copy. The previous delivery is overwritten; at most one
// message occupies the pool at a time.
//
// LOCKS_REQUIRED(s.mu)
func (s *Service) deliver(m *message) Received {
	n := buffer.Encode(s.deliveryPool, m.source, m.dest, m.payload)

	r := Received{
		Source:  m.source,
		Dest:    m.dest,
		Payload: s.deliveryPool[buffer.HeaderSize:n],
	}

	s.bus.freeMessage(m)
	return r
}

// HasMessage returns whether a receive would currently complete without
// blocking.
func (b *Bus) HasMessage(t *sched.Task) bool {
	s := b.ServiceOfTask(t)
	if s == nil {
		return false
	}

	return s.InboxLen() != 0
}

// HasMessageFrom returns whether a receive filtered to the given source
// would currently complete without blocking.
func (b *Bus) HasMessageFrom(t *sched.Task, source string) bool {
	s := b.ServiceOfTask(t)
	if s == nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.inbox {
		if m.source == source {
			return true
		}
	}

	return false
}
