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

// Package bustesting provides scaffolding for tests that drive a bus with
// multiple cooperating processes.
package bustesting

import (
	"time"

	"github.com/axleos/bus"
	"github.com/axleos/bus/sched"
	"github.com/jacobsa/timeutil"
	"golang.org/x/net/context"
	"golang.org/x/sync/errgroup"
)

// Harness owns a bus with a simulated clock and a set of processes run as
// goroutines. Use it as an embedded field in your test fixture, calling its
// SetUp method from your SetUp method (after filling in Config, if desired)
// and its TearDown from yours. Drive it with the package-level functions
// below; its only methods are the two lifecycle hooks, so that test runners
// reflecting on the fixture see nothing else.
type Harness struct {
	// The configuration the bus is created with. May be filled in before
	// SetUp; the clock is forced to Clock below.
	Config bus.Config

	// The bus under test.
	Bus *bus.Bus

	// A simulated clock with a fixed initial time, wired as the bus's clock.
	// Advance it and call Bus.WakeSleepingServices to fire sleep deadlines.
	Clock timeutil.SimulatedClock

	group *errgroup.Group
}

func (h *Harness) SetUp() {
	h.Clock.SetTime(time.Date(2022, 4, 10, 17, 32, 0, 0, time.Local))
	h.Config.Clock = &h.Clock
	h.Bus = bus.New(&h.Config)
	h.group = new(errgroup.Group)
}

// TearDown waits for every spawned process to return, panicking on the first
// error any of them reported.
func (h *Harness) TearDown() {
	if err := Join(h, context.Background()); err != nil {
		panic(err)
	}
}

// Spawn starts a process running fn on a fresh task. The task is torn down
// on the bus when fn returns, firing death notifications exactly as a real
// process exit would.
func Spawn(h *Harness, name string, fn func(t *sched.Task) error) *sched.Task {
	t := sched.NewTask(name)

	h.group.Go(func() error {
		defer h.Bus.Teardown(t)
		return fn(t)
	})

	return t
}

// Join waits for every process spawned on the harness to return and reports
// the first error, or gives up when ctx is cancelled.
func Join(h *Harness, ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- h.group.Wait() }()

	select {
	case err := <-done:
		return err

	case <-ctx.Done():
		return ctx.Err()
	}
}

// AwaitBlocked spins until the task is suspended on every reason in mask.
// Panics if that doesn't happen within a generous timeout.
func AwaitBlocked(t *sched.Task, mask sched.Reason) {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if t.BlockedOn()&mask == mask {
			return
		}

		time.Sleep(time.Millisecond)
	}

	panic("AwaitBlocked: task never suspended")
}

// AwaitRegistered spins until name is registered on the bus. Panics if that
// doesn't happen within a generous timeout.
func AwaitRegistered(b *bus.Bus, name string) {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if b.ServiceIsActive(name) {
			return
		}

		time.Sleep(time.Millisecond)
	}

	panic("AwaitRegistered: service never appeared")
}
