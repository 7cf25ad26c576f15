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

// Package bus implements the kernel message bus that every user-mode service
// of the system communicates through: named endpoints exchanging bounded,
// length-prefixed binary datagrams with FIFO delivery per sender→recipient
// pair.
//
// The primary elements of interest are:
//
//   - Bus, which owns the service registry, the pending pool for messages to
//     not-yet-registered names, the sleeping-services set, and the dispatch
//     of core commands addressed to the reserved kernel name.
//
//   - Register / Send / ReceiveAny and friends, the syscall-shaped surface a
//     process calls with its sched.Task handle.
//
//   - The buscore package, which defines the typed bodies of core commands,
//     and the busutil package, which wraps them in convenience calls.
//
// Each process is represented by a sched.Task; the bus never spawns tasks
// itself. All of its code runs in the context of callers and of the periodic
// WakeSleepingServices tick.
package bus
