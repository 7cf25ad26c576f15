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

// Package buscore defines the typed bodies of core commands: messages
// addressed to the reserved kernel service that are dispatched on their
// leading event tag instead of being enqueued. See the documentation for the
// bus package for more.
package buscore

// CoreServiceName is the reserved name of the kernel itself. Messages sent to
// it are core commands; messages received from it are responses and
// kernel-synthesized notifications.
const CoreServiceName = "axle.core"

// Service names privileged to invoke restricted core commands.
const (
	// The window manager; may map the framebuffer.
	AWMServiceName = "com.example.awm"

	// The file server; may map the initrd and exec buffers.
	FileServerServiceName = "com.example.fs"

	// The dynamic linker and the disk driver; may exec buffers.
	LinkerServiceName = "com.example.linker"
	IDEServiceName    = "com.example.ide"
)

// Tag is the leading little-endian u32 of every core-command request and
// response body.
type Tag uint32

const (
	OpCopyServices           Tag = 200
	OpMapFramebuffer         Tag = 201
	OpSleepMs                Tag = 202
	OpMapInitrd              Tag = 203
	OpExecBuffer             Tag = 204
	OpSharedMemoryDestroy    Tag = 205
	OpSystemProfile          Tag = 206
	OpSleepMsOrMessage       Tag = 207
	OpNotifyOnDeath          Tag = 208
	OpFlushMessages          Tag = 209
	OpCreateSharedMemory     Tag = 210
	OpQueryService           Tag = 211
	OpMapPhysical            Tag = 212
	OpAllocPhysical          Tag = 213
	OpFreePhysical           Tag = 214
	OpSupervisedProcessEvent Tag = 215
	OpCoreError              Tag = 216
)

// OpServiceDied shares its tag with OpNotifyOnDeath: the request registers
// the subscription, the notification announces the death.
const OpServiceDied = OpNotifyOnDeath

// Status distinguishes the failure modes reported in a CoreErrorResponse.
type Status uint32

const (
	StatusBadRequest Status = iota + 1
	StatusPermissionDenied
	StatusOutOfMemory
)

////////////////////////////////////////////////////////////////////////
// Introspection
////////////////////////////////////////////////////////////////////////

// Ask the kernel for a snapshot of the registry. The response lists every
// live service with its unread inbox length.
type CopyServicesRequest struct {
}

// One registry entry in a CopyServicesResponse.
type ServiceDescription struct {
	Name               string
	UnreadMessageCount uint32
}

type CopyServicesResponse struct {
	Services []ServiceDescription
}

// Ask the kernel how much memory it has handed out. Useful for leak hunting
// from a monitor service.
type SystemProfileRequest struct {
}

type SystemProfileResponse struct {
	// Bytes of physical memory allocated on behalf of services.
	PhysAllocated uint64

	// Bytes currently held by the kernel heap.
	KernelHeapAllocated uint64
}

// Ask whether a named service is currently registered.
type QueryServiceRequest struct {
	Name string
}

type QueryServiceResponse struct {
	Name   string
	Exists bool
}

////////////////////////////////////////////////////////////////////////
// Sleep
////////////////////////////////////////////////////////////////////////

// Put the calling service to sleep for at least Ms milliseconds. No response
// is sent; the send itself does not return until the deadline passes.
type SleepMsRequest struct {
	Ms uint32
}

// As SleepMsRequest, but the sleep also ends early if a message arrives for
// the caller.
type SleepMsOrMessageRequest struct {
	Ms uint32
}

////////////////////////////////////////////////////////////////////////
// Death notifications
////////////////////////////////////////////////////////////////////////

// Register the caller to be told when RemoteService is destroyed. One-shot:
// the subscription is discarded once it fires. A request naming an absent
// service is dropped.
type NotifyOnDeathRequest struct {
	RemoteService string
}

// Sent from the kernel to each subscriber when a service dies.
type ServiceDiedNotification struct {
	DeadService string
}

////////////////////////////////////////////////////////////////////////
// Queue management
////////////////////////////////////////////////////////////////////////

// Discard every message the caller has sent to RemoteService that has not
// yet been delivered, whether parked in that service's inbox or in the
// pending pool.
type FlushMessagesRequest struct {
	RemoteService string
}

////////////////////////////////////////////////////////////////////////
// Memory
////////////////////////////////////////////////////////////////////////

// Set up a shared-memory region between the caller and RemoteService: the
// same physical pages mapped into both address spaces.
type SharedMemoryCreateRequest struct {
	RemoteService string
	Size          uint32
}

type SharedMemoryCreateResponse struct {
	LocalBase  uint64
	RemoteBase uint64
}

// Tear down a region previously set up with SharedMemoryCreateRequest,
// unmapping it from both address spaces before the physical backing is
// released.
type SharedMemoryDestroyRequest struct {
	RemoteService string
	Size          uint32
	LocalBase     uint64
	RemoteBase    uint64
}

type SharedMemoryDestroyResponse struct {
}

// Map a specific physical range into the caller's address space. Driver use:
// MMIO windows whose location the hardware dictates.
type MapPhysicalRequest struct {
	PhysBase uint64
	Size     uint64
}

type MapPhysicalResponse struct {
	VirtBase uint64
}

// Allocate contiguous physical memory, mapped into the caller's address
// space. Driver use: DMA buffers that can live anywhere, whose physical
// address is then handed to the hardware.
type AllocPhysicalRequest struct {
	Size uint64
}

type AllocPhysicalResponse struct {
	PhysBase uint64
	VirtBase uint64
}

// Release a range obtained with AllocPhysicalRequest.
type FreePhysicalRequest struct {
	VirtBase uint64
	Size     uint64
}

type FreePhysicalResponse struct {
}

////////////////////////////////////////////////////////////////////////
// Platform handoff
////////////////////////////////////////////////////////////////////////

// Map the boot framebuffer into the caller's address space, user-readable
// and -writable. Restricted to the window manager.
type MapFramebufferRequest struct {
}

type MapFramebufferResponse struct {
	Type              uint32
	Address           uint64
	Width             uint32
	Height            uint32
	BitsPerPixel      uint32
	BytesPerPixel     uint32
	PixelsPerScanline uint32
	Size              uint64
}

// Map the boot ramdisk into the caller's address space. Restricted to the
// file server.
type MapInitrdRequest struct {
}

type MapInitrdResponse struct {
	Start uint64
	End   uint64
	Size  uint64
}

////////////////////////////////////////////////////////////////////////
// Process lifecycle
////////////////////////////////////////////////////////////////////////

// Spawn a new process from a program image the caller holds in memory.
// Restricted to the file server, the linker, and the disk driver. If
// Supervised is set, the caller becomes the child's supervisor and receives
// SupervisedProcessEvent messages for it.
type ExecBufferRequest struct {
	Name       string
	Supervised bool
	Image      []byte
}

type ExecBufferResponse struct {
	Pid uint64
}

// SupervisedEventKind discriminates the payload of a SupervisedProcessEvent.
type SupervisedEventKind uint32

const (
	SupervisedProcessCreate SupervisedEventKind = iota
	SupervisedProcessStart
	SupervisedProcessExit
	SupervisedProcessWrite
)

// SupervisedWriteCap bounds the data carried by a process-write event.
const SupervisedWriteCap = 128

// Sent from the kernel to a supervisor when one of its supervised children
// is created, starts executing, exits, or writes output. Never accepted in
// the other direction.
type SupervisedProcessEvent struct {
	Kind SupervisedEventKind
	Pid  uint64

	// EntryPoint for SupervisedProcessStart; StatusCode for
	// SupervisedProcessExit; zero otherwise.
	EntryPoint uint64
	StatusCode uint64

	// Data for SupervisedProcessWrite, at most SupervisedWriteCap bytes.
	Data []byte
}

////////////////////////////////////////////////////////////////////////
// Errors
////////////////////////////////////////////////////////////////////////

// Sent from the kernel when a core command fails recoverably: a restricted
// command from an unprivileged caller, a malformed body, or an allocation
// failure.
type CoreErrorResponse struct {
	Request Tag
	Status  Status
}
