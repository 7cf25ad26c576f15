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

package pingpong_test

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/axleos/bus/buscore"
	"github.com/axleos/bus/bustesting"
	"github.com/axleos/bus/busutil"
	"github.com/axleos/bus/samples/pingpong"
	"github.com/axleos/bus/sched"
	. "github.com/jacobsa/ogletest"
)

func TestPingPong(t *testing.T) { RunTests(t) }

////////////////////////////////////////////////////////////////////////
// Boilerplate
////////////////////////////////////////////////////////////////////////

type PingPongTest struct {
	bustesting.Harness

	server     pingpong.Server
	serverTask *sched.Task
}

func init() { RegisterTestSuite(&PingPongTest{}) }

func (t *PingPongTest) SetUp(ti *TestInfo) {
	t.Harness.SetUp()

	t.server.Bus = t.Bus
	t.serverTask = bustesting.Spawn(&t.Harness, "pong", t.server.Run)
	bustesting.AwaitRegistered(t.Bus, pingpong.ServerName)
}

func (t *PingPongTest) TearDown() {
	t.Bus.Teardown(t.serverTask)
	t.Harness.TearDown()
}

////////////////////////////////////////////////////////////////////////
// Tests
////////////////////////////////////////////////////////////////////////

func (t *PingPongTest) EchoRoundTrip() {
	client := sched.NewTask("client")
	_, err := t.Bus.Register(client, "com.test.client")
	AssertEq(nil, err)

	payload := []byte{0x01, 0x02, 0x03}
	echoed, err := pingpong.Ping(t.Bus, client, payload)
	AssertEq(nil, err)
	ExpectTrue(bytes.Equal(payload, echoed))
}

func (t *PingPongTest) EchoesComeBackInOrder() {
	client := sched.NewTask("client")
	_, err := t.Bus.Register(client, "com.test.client")
	AssertEq(nil, err)

	for i := byte(0); i < 10; i++ {
		echoed, err := pingpong.Ping(t.Bus, client, []byte{i})
		AssertEq(nil, err)
		AssertEq(1, len(echoed))
		ExpectEq(i, echoed[0])
	}
}

func (t *PingPongTest) ConcurrentClientsGetTheirOwnEchoes() {
	const clients = 4

	// Every client must finish before TearDown takes the server away.
	done := make(chan error, clients)

	for i := 0; i < clients; i++ {
		payload := []byte{byte(0x10 + i)}
		name := fmt.Sprintf("com.test.client%d", i)

		bustesting.Spawn(&t.Harness, name, func(task *sched.Task) error {
			err := func() error {
				if _, err := t.Bus.Register(task, name); err != nil {
					return err
				}

				echoed, err := pingpong.Ping(t.Bus, task, payload)
				if err != nil {
					return err
				}

				if !bytes.Equal(payload, echoed) {
					return fmt.Errorf("%s: echoed % x", name, echoed)
				}

				return nil
			}()

			done <- err
			return err
		})
	}

	for i := 0; i < clients; i++ {
		ExpectEq(nil, <-done)
	}
}

func (t *PingPongTest) QueryShowsTheServer() {
	client := sched.NewTask("client")
	_, err := t.Bus.Register(client, "com.test.client")
	AssertEq(nil, err)

	exists, err := busutil.QueryService(t.Bus, client, pingpong.ServerName)
	AssertEq(nil, err)
	ExpectTrue(exists)
}

func (t *PingPongTest) ClientHearsAboutServerDeath() {
	client := sched.NewTask("client")
	_, err := t.Bus.Register(client, "com.test.client")
	AssertEq(nil, err)

	AssertEq(nil, busutil.NotifyOnDeath(t.Bus, client, pingpong.ServerName))

	t.Bus.Teardown(t.serverTask)

	r, err := t.Bus.ReceiveFrom(client, buscore.CoreServiceName)
	AssertEq(nil, err)

	notif, err := buscore.ParseServiceDiedNotification(r.Payload)
	AssertEq(nil, err)
	ExpectEq(pingpong.ServerName, notif.DeadService)
}
