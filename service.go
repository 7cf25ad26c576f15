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

	"github.com/axleos/bus/internal/buffer"
	"github.com/axleos/bus/sched"
	"github.com/axleos/bus/vas"
	"github.com/jacobsa/syncutil"
)

// A shared-memory region set up between two services. Each side holds a
// record; localBase is the base in the owning service's space, remoteBase
// the base in the peer's.
type sharedRegion struct {
	remote     string
	localBase  uint64
	remoteBase uint64
	size       uint64
	phys       uint64
}

// Service is a named endpoint owned by exactly one process. Created by
// Register, destroyed when the owning process is torn down, never renamed.
type Service struct {
	bus *Bus

	/////////////////////////
	// Constant data
	/////////////////////////

	name  string
	task  *sched.Task
	space *vas.Space

	// The delivery pool: a window at vas.DeliveryPoolBase of the owning
	// process's space holding at most one materialized message, the most
	// recently delivered one.
	deliveryPool     []byte
	deliveryPoolBase uint64

	/////////////////////////
	// Mutable state
	/////////////////////////

	mu syncutil.InvariantMutex

	// The inbox: a FIFO of messages awaiting delivery.
	//
	// GUARDED_BY(mu)
	inbox []*message

	// Whether sends to this name land in the inbox. Unset when the service
	// crashes; messages then detour to the pending pool.
	//
	// GUARDED_BY(mu)
	deliveryEnabled bool

	// Names of services to synthesize a ServiceDied notification to when
	// this service is destroyed. Names, not pointers: a subscriber is
	// resolved only at notification time, so the notification for a
	// subscriber that has since died is parked in the pending pool like any
	// send to an absent name.
	//
	// GUARDED_BY(mu)
	deathSubscribers []string

	// Shared-memory regions established with other services.
	//
	// GUARDED_BY(mu)
	shmemRegions []*sharedRegion
}

// LOCKS_REQUIRED(s.mu)
func (s *Service) checkInvariants() {
	// INVARIANT: every queued message is addressed to this service.
	for _, m := range s.inbox {
		if m.dest != s.name {
			panic(fmt.Sprintf(
				"Message for %q in inbox of %q",
				m.dest,
				s.name))
		}
	}
}

// Name returns the service's registered name.
func (s *Service) Name() string {
	return s.name
}

// Task returns the owning process's task handle.
func (s *Service) Task() *sched.Task {
	return s.task
}

// Space returns the owning process's address space.
func (s *Service) Space() *vas.Space {
	return s.space
}

// InboxLen returns the number of undelivered messages.
//
// LOCKS_EXCLUDED(s.mu)
func (s *Service) InboxLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inbox)
}

// DeliveryEnabled returns whether sends to this service currently land in
// its inbox.
//
// LOCKS_EXCLUDED(s.mu)
func (s *Service) DeliveryEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deliveryEnabled
}

// Append a message to the inbox and wake the owner if it is awaiting one. A
// wake racing with an owner that has checked its inbox but not yet suspended
// is latched by the task, so it is never lost.
//
// LOCKS_EXCLUDED(s.mu)
func (s *Service) append(m *message) {
	s.mu.Lock()

	s.inbox = append(s.inbox, m)

	// If the owner is also sleeping on a deadline, pull it off the sleep list
	// so the sweep doesn't wake it a second time.
	blocked := s.task.BlockedOn()
	if blocked&sched.AwaitMessage != 0 && blocked&sched.AwaitTimestamp != 0 {
		s.bus.sleepers.remove(s)
	}

	s.task.Unblock(sched.AwaitMessage)
	s.mu.Unlock()
}

// Scan the inbox from head to tail for the first message whose source is in
// sources (empty means any) and whose leading u32 matches event (nil means
// any), remove it, and return it. Returns nil if nothing matches.
//
// LOCKS_REQUIRED(s.mu)
func (s *Service) selectMessage(sources []string, event *uint32) *message {
	for i, m := range s.inbox {
		if len(sources) != 0 && !nameInSet(sources, m.source) {
			continue
		}

		if event != nil {
			got, ok := buffer.PeekEvent(m.payload)
			if !ok || got != *event {
				continue
			}
		}

		s.inbox = append(s.inbox[:i], s.inbox[i+1:]...)
		return m
	}

	return nil
}

// Remove every queued message from the given source, handing each to free.
//
// LOCKS_EXCLUDED(s.mu)
func (s *Service) removeMessagesFrom(source string, free func(*message)) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	kept := s.inbox[:0]
	for _, m := range s.inbox {
		if m.source == source {
			free(m)
			removed++
			continue
		}

		kept = append(kept, m)
	}

	s.inbox = kept
	return removed
}

// LOCKS_EXCLUDED(s.mu)
func (s *Service) addDeathSubscriber(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.deathSubscribers {
		if existing == name {
			return
		}
	}

	s.deathSubscribers = append(s.deathSubscribers, name)
}

// LOCKS_EXCLUDED(s.mu)
func (s *Service) addSharedRegion(r *sharedRegion) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shmemRegions = append(s.shmemRegions, r)
}

// Remove and return the shared region with the given local base, or nil.
//
// LOCKS_EXCLUDED(s.mu)
func (s *Service) takeSharedRegion(localBase uint64) *sharedRegion {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, r := range s.shmemRegions {
		if r.localBase == localBase {
			s.shmemRegions = append(s.shmemRegions[:i], s.shmemRegions[i+1:]...)
			return r
		}
	}

	return nil
}

func nameInSet(set []string, name string) bool {
	for _, s := range set {
		if s == name {
			return true
		}
	}

	return false
}
