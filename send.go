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
	"github.com/axleos/bus/buscore"
	"github.com/axleos/bus/sched"
)

// SendStatus reports where a successful send left the message.
type SendStatus int

const (
	// Delivered: appended to a live inbox, or consumed by the kernel as a
	// core command.
	Delivered SendStatus = iota

	// Queued: parked in the pending pool until the destination registers.
	Queued
)

// Send routes a payload to the named destination service on behalf of the
// calling process. The source name stamped on the message is taken from the
// caller's service record, never from the caller.
//
// Send never blocks on the recipient: it either appends to the recipient's
// inbox, parks the message in the pending pool, or — for the reserved kernel
// name — dispatches a core command in the caller's context. The sleep family
// of core commands blocks the caller by design; nothing else does.
//
// LOCKS_EXCLUDED(b.mu)
func (b *Bus) Send(t *sched.Task, dest string, payload []byte) (SendStatus, error) {
	s := b.ServiceOfTask(t)
	if s == nil {
		return 0, ErrNotRegistered
	}

	return b.sendFromName(s.name, dest, payload)
}

// Send a message reported as originating from the kernel itself. Used for
// core-command responses and synthesized notifications.
func (b *Bus) sendFromCore(dest string, payload []byte) (SendStatus, error) {
	return b.sendFromName(buscore.CoreServiceName, dest, payload)
}

func (b *Bus) sendFromName(
	source string,
	dest string,
	payload []byte) (SendStatus, error) {
	if len(payload) > MaxMessageBytes {
		return 0, ErrTooLarge
	}

	if dest == "" || len(dest) >= MaxServiceNameLen {
		return 0, ErrNameTooLong
	}

	// Messages to the kernel are not enqueued; they trigger a command.
	if dest == buscore.CoreServiceName {
		b.handleCoreCommand(source, payload)
		return Delivered, nil
	}

	m := b.newMessage(source, dest, payload)

	dst := b.ServiceWithName(dest)
	if dst == nil || !dst.DeliveryEnabled() {
		if err := b.pending.enqueue(m); err != nil {
			b.freeMessage(m)
			return 0, err
		}

		b.debugLog(1, "Queued message %q -> %q (pool size %d)", source, dest, b.pending.len())
		return Queued, nil
	}

	dst.append(m)
	return Delivered, nil
}
