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

package bus_test

import (
	"bytes"
	"fmt"
	"time"

	"golang.org/x/net/context"

	"github.com/axleos/bus/bustesting"
	"github.com/axleos/bus/busutil"
	"github.com/axleos/bus/sched"
	. "github.com/jacobsa/ogletest"
)

////////////////////////////////////////////////////////////////////////
// Boilerplate
////////////////////////////////////////////////////////////////////////

type SleepTest struct {
	bustesting.Harness
}

func init() { RegisterTestSuite(&SleepTest{}) }

func (t *SleepTest) SetUp(ti *TestInfo) {
	t.Harness.SetUp()
}

func (t *SleepTest) TearDown() {
	t.Harness.TearDown()
}

////////////////////////////////////////////////////////////////////////
// Tests
////////////////////////////////////////////////////////////////////////

func (t *SleepTest) SleepWakesOnlyAtTheDeadline() {
	var wokeAt time.Time

	task := bustesting.Spawn(&t.Harness, "sleeper", func(task *sched.Task) error {
		if _, err := t.Bus.Register(task, "com.test.sleeper"); err != nil {
			return err
		}

		if err := busutil.SleepMs(t.Bus, task, 1000); err != nil {
			return err
		}

		wokeAt = t.Clock.Now()
		return nil
	})

	bustesting.AwaitBlocked(task, sched.AwaitTimestamp)
	start := t.Clock.Now()

	// A sweep short of the deadline must not wake the sleeper.
	t.Clock.AdvanceTime(999 * time.Millisecond)
	t.Bus.WakeSleepingServices()
	time.Sleep(10 * time.Millisecond)
	AssertNe(0, task.BlockedOn()&sched.AwaitTimestamp)

	t.Clock.AdvanceTime(2 * time.Millisecond)
	t.Bus.WakeSleepingServices()

	AssertEq(nil, bustesting.Join(&t.Harness, context.Background()))
	ExpectFalse(wokeAt.Before(start.Add(time.Second)))
}

func (t *SleepTest) SweepIsIdempotent() {
	task := bustesting.Spawn(&t.Harness, "sleeper", func(task *sched.Task) error {
		if _, err := t.Bus.Register(task, "com.test.sleeper"); err != nil {
			return err
		}

		return busutil.SleepMs(t.Bus, task, 100)
	})

	bustesting.AwaitBlocked(task, sched.AwaitTimestamp)
	t.Clock.AdvanceTime(time.Second)

	t.Bus.WakeSleepingServices()
	t.Bus.WakeSleepingServices()
	t.Bus.WakeSleepingServices()

	AssertEq(nil, bustesting.Join(&t.Harness, context.Background()))
}

func (t *SleepTest) SleepOrMessageWokenEarlyByAMessage() {
	payload := []byte{0x99, 0x00, 0x00, 0x00}

	task := bustesting.Spawn(&t.Harness, "sleeper", func(task *sched.Task) error {
		if _, err := t.Bus.Register(task, "com.test.sleeper"); err != nil {
			return err
		}

		if err := busutil.SleepMsOrMessage(t.Bus, task, 1000); err != nil {
			return err
		}

		// The message that ended the sleep is waiting for us.
		r, err := t.Bus.ReceiveAny(task)
		if err != nil {
			return err
		}

		if !bytes.Equal(payload, r.Payload) {
			return fmt.Errorf("payload % x", r.Payload)
		}

		return nil
	})

	bustesting.AwaitBlocked(task, sched.AwaitTimestamp|sched.AwaitMessage)

	// Never advance the clock: only the message can wake it.
	sender := sched.NewTask("sender")
	_, err := t.Bus.Register(sender, "com.test.sender")
	AssertEq(nil, err)

	_, err = t.Bus.Send(sender, "com.test.sleeper", payload)
	AssertEq(nil, err)

	AssertEq(nil, bustesting.Join(&t.Harness, context.Background()))
}

func (t *SleepTest) SleepOrMessageStillWakesAtTheDeadline() {
	task := bustesting.Spawn(&t.Harness, "sleeper", func(task *sched.Task) error {
		if _, err := t.Bus.Register(task, "com.test.sleeper"); err != nil {
			return err
		}

		return busutil.SleepMsOrMessage(t.Bus, task, 500)
	})

	bustesting.AwaitBlocked(task, sched.AwaitTimestamp|sched.AwaitMessage)

	t.Clock.AdvanceTime(501 * time.Millisecond)
	t.Bus.WakeSleepingServices()

	AssertEq(nil, bustesting.Join(&t.Harness, context.Background()))
}

func (t *SleepTest) ServeTicksDrivesTheSweep() {
	task := bustesting.Spawn(&t.Harness, "sleeper", func(task *sched.Task) error {
		if _, err := t.Bus.Register(task, "com.test.sleeper"); err != nil {
			return err
		}

		return busutil.SleepMs(t.Bus, task, 100)
	})

	bustesting.AwaitBlocked(task, sched.AwaitTimestamp)
	t.Clock.AdvanceTime(time.Second)

	// Let the tick loop discover the expired deadline on its own.
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- t.Bus.ServeTicks(ctx, time.Millisecond) }()

	AssertEq(nil, bustesting.Join(&t.Harness, context.Background()))

	cancel()
	ExpectEq(context.Canceled, <-served)
}

func (t *SleepTest) ReceiveBlocksUntilAMessageArrives() {
	task := bustesting.Spawn(&t.Harness, "receiver", func(task *sched.Task) error {
		if _, err := t.Bus.Register(task, "com.test.b"); err != nil {
			return err
		}

		r, err := t.Bus.ReceiveAny(task)
		if err != nil {
			return err
		}

		if r.Source != "com.test.a" {
			return fmt.Errorf("source %q", r.Source)
		}

		return nil
	})

	bustesting.AwaitRegistered(t.Bus, "com.test.b")

	// The send may race the receiver's suspension; the wake is latched either
	// way.
	sender := sched.NewTask("sender")
	_, err := t.Bus.Register(sender, "com.test.a")
	AssertEq(nil, err)

	_, err = t.Bus.Send(sender, "com.test.b", []byte{1})
	AssertEq(nil, err)

	AssertEq(nil, bustesting.Join(&t.Harness, context.Background()))
	_ = task
}

func (t *SleepTest) TeardownCancelsABlockedReceive() {
	task := bustesting.Spawn(&t.Harness, "receiver", func(task *sched.Task) error {
		if _, err := t.Bus.Register(task, "com.test.b"); err != nil {
			return err
		}

		// No message ever arrives; the surrounding teardown resumes us.
		if _, err := t.Bus.ReceiveAny(task); err != sched.ErrTaskCancelled {
			return fmt.Errorf("ReceiveAny: %v", err)
		}

		return nil
	})

	bustesting.AwaitBlocked(task, sched.AwaitMessage)
	t.Bus.Teardown(task)

	AssertEq(nil, bustesting.Join(&t.Harness, context.Background()))
}
