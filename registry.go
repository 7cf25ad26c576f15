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

	"github.com/axleos/bus/buscore"
	"github.com/axleos/bus/sched"
	"github.com/axleos/bus/vas"
	"github.com/jacobsa/syncutil"
)

// Register creates a service named name owned by the calling process and
// drains any messages already parked for that name into its fresh inbox.
//
// A process may expose exactly one service. Name collisions are refused
// rather than killing the caller; the registry is left untouched.
//
// LOCKS_EXCLUDED(b.mu)
func (b *Bus) Register(t *sched.Task, name string) (*Service, error) {
	if name == "" || len(name) >= MaxServiceNameLen {
		return nil, ErrNameTooLong
	}

	if name == buscore.CoreServiceName {
		return nil, ErrAlreadyRegistered
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.serviceOfTaskLocked(t) != nil {
		return nil, ErrAlreadyRegistered
	}

	if b.serviceWithNameLocked(name) != nil {
		return nil, ErrAlreadyRegistered
	}

	// Create the message delivery pool in the process's address space.
	space := vas.NewSpace(b.phys)
	poolBase, _, err := space.AllocRange(vas.DeliveryPoolBase, deliveryPoolSize, true)
	if err != nil {
		return nil, fmt.Errorf("allocating delivery pool: %w", err)
	}

	pool, err := space.Slice(poolBase, deliveryPoolSize)
	if err != nil {
		return nil, fmt.Errorf("delivery pool: %w", err)
	}

	s := &Service{
		bus:              b,
		name:             name,
		task:             t,
		space:            space,
		deliveryPool:     pool,
		deliveryPoolBase: poolBase,
		deliveryEnabled:  true,
	}
	s.mu = syncutil.NewInvariantMutex(s.checkInvariants)

	// Rewrite the task's name to match the service name.
	t.SetName(name)

	b.services = append(b.services, s)

	// Deliver any messages sent to this name before it existed. Still under
	// the registry lock: a send racing with registration cannot jump ahead of
	// the drained backlog.
	if n := b.pending.drainFor(name, s.append); n != 0 {
		b.debugLog(1, "Delivered %d pending messages to new service %q", n, name)
	}

	b.debugLog(1, "Registered %q (task %d)", name, t.ID())

	return s, nil
}

// ServiceWithName returns the service registered under name, or nil.
//
// LOCKS_EXCLUDED(b.mu)
func (b *Bus) ServiceWithName(name string) *Service {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.serviceWithNameLocked(name)
}

// ServiceOfTask returns the service owned by the given task, or nil.
//
// LOCKS_EXCLUDED(b.mu)
func (b *Bus) ServiceOfTask(t *sched.Task) *Service {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.serviceOfTaskLocked(t)
}

// ServiceIsActive returns whether a service with the given name is
// currently registered.
//
// LOCKS_EXCLUDED(b.mu)
func (b *Bus) ServiceIsActive(name string) bool {
	return b.ServiceWithName(name) != nil
}

// LOCKS_REQUIRED(b.mu)
func (b *Bus) serviceWithNameLocked(name string) *Service {
	for _, s := range b.services {
		if s.name == name {
			return s
		}
	}

	return nil
}

// LOCKS_REQUIRED(b.mu)
func (b *Bus) serviceOfTaskLocked(t *sched.Task) *Service {
	for _, s := range b.services {
		if s.task == t {
			return s
		}
	}

	return nil
}

// DisableDelivery flips the named service into the delivery-disabled state:
// it stays registered, but subsequent sends to it detour to the pending
// pool. Used when a service has crashed but not yet been torn down.
//
// LOCKS_EXCLUDED(b.mu)
func (b *Bus) DisableDelivery(name string) {
	s := b.ServiceWithName(name)
	if s == nil {
		return
	}

	b.debugLog(1, "Disabling delivery to %q", name)

	s.mu.Lock()
	s.deliveryEnabled = false
	s.mu.Unlock()
}

// Teardown destroys the service owned by the given task, if any: removes it
// from the registry, frees undelivered messages, releases its shared-memory
// regions, tears down its address space, and resumes the task from any
// block. The synthesized ServiceDied notifications are sent after the
// registry lock is released to avoid reentering the send path under it.
//
// LOCKS_EXCLUDED(b.mu)
func (b *Bus) Teardown(t *sched.Task) {
	b.mu.Lock()

	s := b.serviceOfTaskLocked(t)
	if s == nil {
		b.mu.Unlock()
		return
	}

	for i, other := range b.services {
		if other == s {
			b.services = append(b.services[:i], b.services[i+1:]...)
			break
		}
	}

	// Free undelivered messages and detach the mutable state.
	s.mu.Lock()
	s.deliveryEnabled = false
	inbox := s.inbox
	s.inbox = nil
	subscribers := s.deathSubscribers
	s.deathSubscribers = nil
	regions := s.shmemRegions
	s.shmemRegions = nil
	s.mu.Unlock()

	for _, m := range inbox {
		b.debugLog(1, "Freeing undelivered message (%s -> %s)", m.source, m.dest)
		b.freeMessage(m)
	}

	// Release shared-memory regions from both sides.
	for _, r := range regions {
		b.releaseSharedRegionLocked(s, r)
	}

	b.mu.Unlock()

	b.sleepers.remove(s)
	s.space.Teardown()
	t.Cancel()

	// Inform subscribers that this service is now dead. The subscriber list
	// holds names; the notification for anyone already dead takes the
	// ordinary send path and is parked in the pending pool.
	for _, name := range subscribers {
		b.debugLog(1, "Informing %q of the death of %q", name, s.name)

		notif := &buscore.ServiceDiedNotification{DeadService: s.name}
		b.sendFromCore(name, notif.Marshal())
	}
}

// Unmap a shared region from this service's space and from its peer's, then
// free the physical backing.
//
// LOCKS_REQUIRED(b.mu)
func (b *Bus) releaseSharedRegionLocked(s *Service, r *sharedRegion) {
	s.space.FreeRange(r.localBase, r.size)

	if peer := b.serviceWithNameLocked(r.remote); peer != nil {
		peer.takeSharedRegion(r.remoteBase)
		peer.space.FreeRange(r.remoteBase, r.size)
	}

	b.phys.Free(r.phys)
}
