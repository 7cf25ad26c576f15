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

import "errors"

var (
	// ErrNameTooLong is returned by Register for an empty name or one that
	// doesn't fit in a header field with its terminator.
	ErrNameTooLong = errors.New("bus: service name too long")

	// ErrAlreadyRegistered is returned by Register when the calling process
	// already owns a service, or when the name is taken or reserved.
	ErrAlreadyRegistered = errors.New("bus: service already registered")

	// ErrNotRegistered is returned by operations that require the calling
	// process to have registered a service first.
	ErrNotRegistered = errors.New("bus: task has no registered service")

	// ErrTooLarge is returned by Send for payloads over MaxMessageBytes.
	ErrTooLarge = errors.New("bus: message exceeds maximum size")

	// ErrPoolFull is returned by Send when the destination has no live
	// service and the pending pool is at capacity.
	ErrPoolFull = errors.New("bus: pending pool full")

	// ErrPermissionDenied reports a restricted core command from an
	// unprivileged caller.
	ErrPermissionDenied = errors.New("bus: permission denied")

	// ErrOutOfMemory reports a failed physical or virtual allocation inside a
	// core command.
	ErrOutOfMemory = errors.New("bus: out of memory")
)
