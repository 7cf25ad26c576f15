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

// Package busutil wraps the raw send/receive surface of the bus package in
// typed calls, one per core command: marshal the request, await the tagged
// response from the kernel, unmarshal it.
//
// The helpers assume the caller is not concurrently receiving other traffic
// from the kernel name; a death notification arriving in the middle of a
// call would be consumed by it. Services that mix core calls with kernel
// notifications should drive the raw surface themselves.
package busutil

import (
	"fmt"

	"github.com/axleos/bus"
	"github.com/axleos/bus/buscore"
	"github.com/axleos/bus/sched"
)

// CoreError is a core command failure reported by the kernel.
type CoreError struct {
	Request buscore.Tag
	Status  buscore.Status
}

func (e *CoreError) Error() string {
	switch e.Status {
	case buscore.StatusPermissionDenied:
		return fmt.Sprintf("core command %d: permission denied", e.Request)
	case buscore.StatusOutOfMemory:
		return fmt.Sprintf("core command %d: out of memory", e.Request)
	default:
		return fmt.Sprintf("core command %d: bad request", e.Request)
	}
}

// Send a core command and await the next message from the kernel. A
// CoreError response is surfaced as a *CoreError, whatever request tag it
// carries; any other message whose tag differs from tag is a protocol
// violation.
func roundTrip(
	b *bus.Bus,
	t *sched.Task,
	request []byte,
	tag buscore.Tag) ([]byte, error) {
	if _, err := b.Send(t, buscore.CoreServiceName, request); err != nil {
		return nil, err
	}

	r, err := b.ReceiveFrom(t, buscore.CoreServiceName)
	if err != nil {
		return nil, err
	}

	got, ok := buscore.PeekTag(r.Payload)
	if !ok {
		return nil, fmt.Errorf("untagged response to core command %d", tag)
	}

	if got == buscore.OpCoreError {
		ce, err := buscore.ParseCoreErrorResponse(r.Payload)
		if err != nil {
			return nil, err
		}

		return nil, &CoreError{Request: ce.Request, Status: ce.Status}
	}

	if got != tag {
		return nil, fmt.Errorf(
			"response tag %d to core command %d",
			got,
			tag)
	}

	return r.Payload, nil
}

// CopyServices returns a snapshot of the registry.
func CopyServices(b *bus.Bus, t *sched.Task) ([]buscore.ServiceDescription, error) {
	req := &buscore.CopyServicesRequest{}
	p, err := roundTrip(b, t, req.Marshal(), buscore.OpCopyServices)
	if err != nil {
		return nil, err
	}

	resp, err := buscore.ParseCopyServicesResponse(p)
	if err != nil {
		return nil, err
	}

	return resp.Services, nil
}

// SystemProfile returns the kernel's memory accounting.
func SystemProfile(b *bus.Bus, t *sched.Task) (*buscore.SystemProfileResponse, error) {
	req := &buscore.SystemProfileRequest{}
	p, err := roundTrip(b, t, req.Marshal(), buscore.OpSystemProfile)
	if err != nil {
		return nil, err
	}

	return buscore.ParseSystemProfileResponse(p)
}

// QueryService asks whether name is currently registered.
func QueryService(b *bus.Bus, t *sched.Task, name string) (bool, error) {
	req := &buscore.QueryServiceRequest{Name: name}
	p, err := roundTrip(b, t, req.Marshal(), buscore.OpQueryService)
	if err != nil {
		return false, err
	}

	resp, err := buscore.ParseQueryServiceResponse(p)
	if err != nil {
		return false, err
	}

	return resp.Exists, nil
}

// SleepMs suspends the caller for at least ms milliseconds. The send itself
// blocks; there is no response message.
func SleepMs(b *bus.Bus, t *sched.Task, ms uint32) error {
	req := &buscore.SleepMsRequest{Ms: ms}
	_, err := b.Send(t, buscore.CoreServiceName, req.Marshal())
	return err
}

// SleepMsOrMessage is SleepMs, except a message arrival also ends the sleep.
func SleepMsOrMessage(b *bus.Bus, t *sched.Task, ms uint32) error {
	req := &buscore.SleepMsOrMessageRequest{Ms: ms}
	_, err := b.Send(t, buscore.CoreServiceName, req.Marshal())
	return err
}

// NotifyOnDeath subscribes the caller to target's death. No response; a
// request naming an absent service is silently dropped.
func NotifyOnDeath(b *bus.Bus, t *sched.Task, target string) error {
	req := &buscore.NotifyOnDeathRequest{RemoteService: target}
	_, err := b.Send(t, buscore.CoreServiceName, req.Marshal())
	return err
}

// FlushMessages discards every undelivered message from the caller to
// target. No response.
func FlushMessages(b *bus.Bus, t *sched.Task, target string) error {
	req := &buscore.FlushMessagesRequest{RemoteService: target}
	_, err := b.Send(t, buscore.CoreServiceName, req.Marshal())
	return err
}

// CreateSharedMemory sets up a shared region between the caller and peer,
// returning the virtual bases on both sides.
func CreateSharedMemory(
	b *bus.Bus,
	t *sched.Task,
	peer string,
	size uint32) (*buscore.SharedMemoryCreateResponse, error) {
	req := &buscore.SharedMemoryCreateRequest{
		RemoteService: peer,
		Size:          size,
	}

	p, err := roundTrip(b, t, req.Marshal(), buscore.OpCreateSharedMemory)
	if err != nil {
		return nil, err
	}

	return buscore.ParseSharedMemoryCreateResponse(p)
}

// DestroySharedMemory tears down a region previously set up with
// CreateSharedMemory.
func DestroySharedMemory(
	b *bus.Bus,
	t *sched.Task,
	peer string,
	size uint32,
	localBase uint64,
	remoteBase uint64) error {
	req := &buscore.SharedMemoryDestroyRequest{
		RemoteService: peer,
		Size:          size,
		LocalBase:     localBase,
		RemoteBase:    remoteBase,
	}

	_, err := roundTrip(b, t, req.Marshal(), buscore.OpSharedMemoryDestroy)
	return err
}

// MapPhysical maps a specific physical range into the caller's space.
func MapPhysical(
	b *bus.Bus,
	t *sched.Task,
	physBase uint64,
	size uint64) (virtBase uint64, err error) {
	req := &buscore.MapPhysicalRequest{
		PhysBase: physBase,
		Size:     size,
	}

	p, err := roundTrip(b, t, req.Marshal(), buscore.OpMapPhysical)
	if err != nil {
		return 0, err
	}

	resp, err := buscore.ParseMapPhysicalResponse(p)
	if err != nil {
		return 0, err
	}

	return resp.VirtBase, nil
}

// AllocPhysical allocates contiguous physical memory mapped into the
// caller's space.
func AllocPhysical(
	b *bus.Bus,
	t *sched.Task,
	size uint64) (*buscore.AllocPhysicalResponse, error) {
	req := &buscore.AllocPhysicalRequest{Size: size}
	p, err := roundTrip(b, t, req.Marshal(), buscore.OpAllocPhysical)
	if err != nil {
		return nil, err
	}

	return buscore.ParseAllocPhysicalResponse(p)
}

// FreePhysical releases a range obtained with AllocPhysical.
func FreePhysical(b *bus.Bus, t *sched.Task, virtBase uint64, size uint64) error {
	req := &buscore.FreePhysicalRequest{
		VirtBase: virtBase,
		Size:     size,
	}

	_, err := roundTrip(b, t, req.Marshal(), buscore.OpFreePhysical)
	return err
}

// MapFramebuffer maps the platform framebuffer into the caller's space.
// Restricted to the window manager.
func MapFramebuffer(b *bus.Bus, t *sched.Task) (*buscore.MapFramebufferResponse, error) {
	req := &buscore.MapFramebufferRequest{}
	p, err := roundTrip(b, t, req.Marshal(), buscore.OpMapFramebuffer)
	if err != nil {
		return nil, err
	}

	return buscore.ParseMapFramebufferResponse(p)
}

// MapInitrd maps the boot ramdisk into the caller's space. Restricted to the
// file server.
func MapInitrd(b *bus.Bus, t *sched.Task) (*buscore.MapInitrdResponse, error) {
	req := &buscore.MapInitrdRequest{}
	p, err := roundTrip(b, t, req.Marshal(), buscore.OpMapInitrd)
	if err != nil {
		return nil, err
	}

	return buscore.ParseMapInitrdResponse(p)
}

// ExecBuffer spawns a new process from a program image held by the caller,
// returning the child's pid. With supervised set, the caller receives
// SupervisedProcessEvent messages for the child.
func ExecBuffer(
	b *bus.Bus,
	t *sched.Task,
	name string,
	image []byte,
	supervised bool) (pid uint64, err error) {
	req := &buscore.ExecBufferRequest{
		Name:       name,
		Supervised: supervised,
		Image:      image,
	}

	p, err := roundTrip(b, t, req.Marshal(), buscore.OpExecBuffer)
	if err != nil {
		return 0, err
	}

	resp, err := buscore.ParseExecBufferResponse(p)
	if err != nil {
		return 0, err
	}

	return resp.Pid, nil
}
