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

// Package pingpong contains a toy echo service used to exercise the bus end
// to end: a server that bounces every payload back to its sender, and a
// client call that round-trips one.
package pingpong

import (
	"github.com/axleos/bus"
	"github.com/axleos/bus/sched"
)

// ServerName is the name the echo service registers under.
const ServerName = "com.example.pong"

// Server echoes every message it receives back to the sender, unchanged.
type Server struct {
	Bus *bus.Bus
}

// Run registers the echo service and serves until the owning process is torn
// down.
func (s *Server) Run(t *sched.Task) error {
	if _, err := s.Bus.Register(t, ServerName); err != nil {
		return err
	}

	for {
		r, err := s.Bus.ReceiveAny(t)
		if err == sched.ErrTaskCancelled {
			return nil
		}
		if err != nil {
			return err
		}

		// The delivery pool is overwritten by our next receive; the reply
		// needs its own copy.
		reply := append([]byte(nil), r.Payload...)

		if _, err := s.Bus.Send(t, r.Source, reply); err != nil {
			return err
		}
	}
}

// Ping sends payload to the echo service and waits for it to come back.
func Ping(b *bus.Bus, t *sched.Task, payload []byte) ([]byte, error) {
	if _, err := b.Send(t, ServerName, payload); err != nil {
		return nil, err
	}

	r, err := b.ReceiveFrom(t, ServerName)
	if err != nil {
		return nil, err
	}

	return append([]byte(nil), r.Payload...), nil
}
