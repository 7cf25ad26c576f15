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
	"time"

	"github.com/axleos/bus/sched"
	"github.com/jacobsa/syncutil"
	"golang.org/x/net/context"
)

// A service sleeping on a deadline, via the SleepMs or SleepMsOrMessage core
// commands. Consumed when the service wakes.
type sleepRecord struct {
	service  *Service
	deadline time.Time

	// Whether a message arrival also ends the sleep.
	wakeOnMessage bool
}

// sleepList is the process-wide set of sleeping services, swept by the
// periodic tick. Its lock is innermost: it may be acquired while holding a
// service lock, never the reverse.
type sleepList struct {
	mu syncutil.InvariantMutex

	// GUARDED_BY(mu)
	records []*sleepRecord
}

func (l *sleepList) init() {
	l.mu = syncutil.NewInvariantMutex(l.checkInvariants)
}

// LOCKS_REQUIRED(l.mu)
func (l *sleepList) checkInvariants() {
	seen := make(map[*Service]struct{})
	for _, r := range l.records {
		if _, ok := seen[r.service]; ok {
			panic("Service in sleep list twice: " + r.service.name)
		}

		seen[r.service] = struct{}{}
	}
}

// LOCKS_EXCLUDED(l.mu)
func (l *sleepList) insert(s *Service, deadline time.Time, wakeOnMessage bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.records = append(l.records, &sleepRecord{
		service:       s,
		deadline:      deadline,
		wakeOnMessage: wakeOnMessage,
	})
}

// LOCKS_EXCLUDED(l.mu)
func (l *sleepList) remove(s *Service) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, r := range l.records {
		if r.service == s {
			l.records = append(l.records[:i], l.records[i+1:]...)
			return true
		}
	}

	return false
}

// Remove and return every record whose deadline has passed.
//
// LOCKS_EXCLUDED(l.mu)
func (l *sleepList) takeExpired(now time.Time) []*sleepRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	var expired []*sleepRecord
	kept := l.records[:0]
	for _, r := range l.records {
		if !r.deadline.After(now) {
			expired = append(expired, r)
			continue
		}

		kept = append(kept, r)
	}

	l.records = kept
	return expired
}

// Park the calling service in the sleep list and suspend it until the
// deadline passes — or, for the or-message variant, until a message arrives,
// whichever is first. Runs in the caller's context from the core-command
// dispatcher; no bus lock is held across the block.
func (b *Bus) sleepService(s *Service, ms uint32, wakeOnMessage bool) {
	deadline := b.clock.Now().Add(time.Duration(ms) * time.Millisecond)
	b.sleepers.insert(s, deadline, wakeOnMessage)

	mask := sched.AwaitTimestamp
	if wakeOnMessage {
		mask |= sched.AwaitMessage
	}

	s.task.Block(mask)

	// A message wake leaves the record behind if it raced the suspension;
	// drop it rather than letting the sweep deliver a second, stale wake.
	b.sleepers.remove(s)
}

// WakeSleepingServices sweeps the sleep list, waking every service whose
// deadline has passed. Idempotent; called from the platform timer tick or
// ServeTicks.
func (b *Bus) WakeSleepingServices() {
	now := b.clock.Now()

	for _, r := range b.sleepers.takeExpired(now) {
		b.debugLog(1, "Waking %q at %v", r.service.name, now)
		r.service.task.Unblock(sched.AwaitTimestamp)
	}
}

// ServeTicks runs the wake sweep every interval until ctx is cancelled,
// returning ctx's error. The platform runs one of these per bus.
func (b *Bus) ServeTicks(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-ticker.C:
			b.WakeSleepingServices()
		}
	}
}
