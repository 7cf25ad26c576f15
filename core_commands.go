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
	"runtime"

	"github.com/axleos/bus/buscore"
	"github.com/axleos/bus/vas"
)

// Dispatch a message addressed to the reserved kernel name. Runs in the
// caller's context; responses are sent from the kernel name back to the
// caller through the ordinary append path. No bus lock is held on entry, so
// the sleep family may suspend the caller.
func (b *Bus) handleCoreCommand(source string, payload []byte) {
	tag, ok := buscore.PeekTag(payload)
	if !ok {
		b.reportError("Core command from %q with no event tag", source)
		return
	}

	b.debugLog(1, "<- %d from %q", tag, source)

	switch tag {
	case buscore.OpCopyServices:
		b.coreCopyServices(source)

	case buscore.OpMapFramebuffer:
		b.coreMapFramebuffer(source)

	case buscore.OpSleepMs:
		if req, err := buscore.ParseSleepMsRequest(payload); err == nil {
			b.coreSleep(source, req.Ms, false)
		} else {
			b.respondError(source, tag, buscore.StatusBadRequest)
		}

	case buscore.OpSleepMsOrMessage:
		if req, err := buscore.ParseSleepMsOrMessageRequest(payload); err == nil {
			b.coreSleep(source, req.Ms, true)
		} else {
			b.respondError(source, tag, buscore.StatusBadRequest)
		}

	case buscore.OpMapInitrd:
		b.coreMapInitrd(source)

	case buscore.OpExecBuffer:
		b.coreExecBuffer(source, payload)

	case buscore.OpSharedMemoryDestroy:
		b.coreSharedMemoryDestroy(source, payload)

	case buscore.OpSystemProfile:
		b.coreSystemProfile(source)

	case buscore.OpNotifyOnDeath:
		b.coreNotifyOnDeath(source, payload)

	case buscore.OpFlushMessages:
		b.coreFlushMessages(source, payload)

	case buscore.OpCreateSharedMemory:
		b.coreCreateSharedMemory(source, payload)

	case buscore.OpQueryService:
		b.coreQueryService(source, payload)

	case buscore.OpMapPhysical:
		b.coreMapPhysical(source, payload)

	case buscore.OpAllocPhysical:
		b.coreAllocPhysical(source, payload)

	case buscore.OpFreePhysical:
		b.coreFreePhysical(source, payload)

	case buscore.OpSupervisedProcessEvent:
		// Kernel to supervisor direction only.
		b.respondError(source, tag, buscore.StatusPermissionDenied)

	default:
		b.reportError("Unknown core command %d from %q", tag, source)
		b.respondError(source, tag, buscore.StatusBadRequest)
	}
}

func (b *Bus) respondError(source string, req buscore.Tag, status buscore.Status) {
	resp := &buscore.CoreErrorResponse{
		Request: req,
		Status:  status,
	}
	b.sendFromCore(source, resp.Marshal())
}

////////////////////////////////////////////////////////////////////////
// Introspection
////////////////////////////////////////////////////////////////////////

// LOCKS_EXCLUDED(b.mu)
func (b *Bus) coreCopyServices(source string) {
	b.mu.Lock()
	resp := &buscore.CopyServicesResponse{}
	for _, s := range b.services {
		resp.Services = append(resp.Services, buscore.ServiceDescription{
			Name:               s.name,
			UnreadMessageCount: uint32(s.InboxLen()),
		})
	}
	b.mu.Unlock()

	b.sendFromCore(source, resp.Marshal())
}

func (b *Bus) coreSystemProfile(source string) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	resp := &buscore.SystemProfileResponse{
		PhysAllocated:       b.phys.AllocatedBytes(),
		KernelHeapAllocated: ms.HeapAlloc,
	}
	b.sendFromCore(source, resp.Marshal())
}

func (b *Bus) coreQueryService(source string, payload []byte) {
	req, err := buscore.ParseQueryServiceRequest(payload)
	if err != nil {
		b.respondError(source, buscore.OpQueryService, buscore.StatusBadRequest)
		return
	}

	resp := &buscore.QueryServiceResponse{
		Name:   req.Name,
		Exists: b.ServiceIsActive(req.Name),
	}
	b.sendFromCore(source, resp.Marshal())
}

////////////////////////////////////////////////////////////////////////
// Sleep
////////////////////////////////////////////////////////////////////////

func (b *Bus) coreSleep(source string, ms uint32, wakeOnMessage bool) {
	s := b.ServiceWithName(source)
	if s == nil {
		return
	}

	b.sleepService(s, ms, wakeOnMessage)
}

////////////////////////////////////////////////////////////////////////
// Death notifications and queue management
////////////////////////////////////////////////////////////////////////

func (b *Bus) coreNotifyOnDeath(source string, payload []byte) {
	req, err := buscore.ParseNotifyOnDeathRequest(payload)
	if err != nil {
		b.respondError(source, buscore.OpNotifyOnDeath, buscore.StatusBadRequest)
		return
	}

	target := b.ServiceWithName(req.RemoteService)
	if target == nil {
		b.debugLog(1,
			"Dropping request to notify %q on the death of absent %q",
			source,
			req.RemoteService)
		return
	}

	target.addDeathSubscriber(source)
}

func (b *Bus) coreFlushMessages(source string, payload []byte) {
	req, err := buscore.ParseFlushMessagesRequest(payload)
	if err != nil {
		b.respondError(source, buscore.OpFlushMessages, buscore.StatusBadRequest)
		return
	}

	if target := b.ServiceWithName(req.RemoteService); target != nil {
		n := target.removeMessagesFrom(source, b.freeMessage)
		b.debugLog(1,
			"Flushed %d messages %q -> %q from the inbox",
			n,
			source,
			req.RemoteService)
	}

	n := b.pending.flush(source, req.RemoteService, b.freeMessage)
	b.debugLog(1,
		"Flushed %d messages %q -> %q from the pending pool",
		n,
		source,
		req.RemoteService)
}

////////////////////////////////////////////////////////////////////////
// Memory
////////////////////////////////////////////////////////////////////////

func (b *Bus) coreCreateSharedMemory(source string, payload []byte) {
	req, err := buscore.ParseSharedMemoryCreateRequest(payload)
	if err != nil {
		b.respondError(source, buscore.OpCreateSharedMemory, buscore.StatusBadRequest)
		return
	}

	local := b.ServiceWithName(source)
	remote := b.ServiceWithName(req.RemoteService)
	if local == nil || remote == nil {
		b.respondError(source, buscore.OpCreateSharedMemory, buscore.StatusBadRequest)
		return
	}

	size := uint64(req.Size)

	localBase, phys, err := local.space.AllocRange(vas.SharedMemoryBase, size, true)
	if err != nil {
		b.respondError(source, buscore.OpCreateSharedMemory, buscore.StatusOutOfMemory)
		return
	}

	remoteBase, err := remote.space.CopyPhysMapping(
		local.space,
		localBase,
		size,
		vas.SharedMemoryBase,
		true)
	if err != nil {
		local.space.FreeRange(localBase, size)
		b.phys.Free(phys)
		b.respondError(source, buscore.OpCreateSharedMemory, buscore.StatusOutOfMemory)
		return
	}

	b.debugLog(1,
		"Shared memory [%q <-> %q]: local 0x%x remote 0x%x size 0x%x",
		local.name,
		remote.name,
		localBase,
		remoteBase,
		size)

	size = b.phys.RoundUp(size)
	local.addSharedRegion(&sharedRegion{
		remote:     remote.name,
		localBase:  localBase,
		remoteBase: remoteBase,
		size:       size,
		phys:       phys,
	})
	remote.addSharedRegion(&sharedRegion{
		remote:     local.name,
		localBase:  remoteBase,
		remoteBase: localBase,
		size:       size,
		phys:       phys,
	})

	resp := &buscore.SharedMemoryCreateResponse{
		LocalBase:  localBase,
		RemoteBase: remoteBase,
	}
	b.sendFromCore(source, resp.Marshal())
}

func (b *Bus) coreSharedMemoryDestroy(source string, payload []byte) {
	req, err := buscore.ParseSharedMemoryDestroyRequest(payload)
	if err != nil {
		b.respondError(source, buscore.OpSharedMemoryDestroy, buscore.StatusBadRequest)
		return
	}

	local := b.ServiceWithName(source)
	if local == nil {
		return
	}

	r := local.takeSharedRegion(req.LocalBase)
	if r == nil || r.remote != req.RemoteService {
		b.respondError(source, buscore.OpSharedMemoryDestroy, buscore.StatusBadRequest)
		return
	}

	// Unmap both sides before the backing is released.
	local.space.FreeRange(r.localBase, r.size)

	if peer := b.ServiceWithName(r.remote); peer != nil {
		peer.takeSharedRegion(r.remoteBase)
		peer.space.FreeRange(r.remoteBase, r.size)
	}

	b.phys.Free(r.phys)

	resp := &buscore.SharedMemoryDestroyResponse{}
	b.sendFromCore(source, resp.Marshal())
}

func (b *Bus) coreMapPhysical(source string, payload []byte) {
	req, err := buscore.ParseMapPhysicalRequest(payload)
	if err != nil {
		b.respondError(source, buscore.OpMapPhysical, buscore.StatusBadRequest)
		return
	}

	s := b.ServiceWithName(source)
	if s == nil {
		return
	}

	virtBase, err := s.space.MapRange(vas.HighWindowBase, req.Size, req.PhysBase, true)
	if err != nil {
		b.respondError(source, buscore.OpMapPhysical, buscore.StatusOutOfMemory)
		return
	}

	b.debugLog(1,
		"%q mapped physical [0x%x, +0x%x) at 0x%x",
		source,
		req.PhysBase,
		req.Size,
		virtBase)

	resp := &buscore.MapPhysicalResponse{VirtBase: virtBase}
	b.sendFromCore(source, resp.Marshal())
}

func (b *Bus) coreAllocPhysical(source string, payload []byte) {
	req, err := buscore.ParseAllocPhysicalRequest(payload)
	if err != nil {
		b.respondError(source, buscore.OpAllocPhysical, buscore.StatusBadRequest)
		return
	}

	s := b.ServiceWithName(source)
	if s == nil {
		return
	}

	virtBase, phys, err := s.space.AllocRange(vas.HighWindowBase, req.Size, true)
	if err != nil {
		b.respondError(source, buscore.OpAllocPhysical, buscore.StatusOutOfMemory)
		return
	}

	b.debugLog(1,
		"%q allocated physical 0x%x, mapped at 0x%x (+0x%x)",
		source,
		phys,
		virtBase,
		req.Size)

	resp := &buscore.AllocPhysicalResponse{
		PhysBase: phys,
		VirtBase: virtBase,
	}
	b.sendFromCore(source, resp.Marshal())
}

func (b *Bus) coreFreePhysical(source string, payload []byte) {
	req, err := buscore.ParseFreePhysicalRequest(payload)
	if err != nil {
		b.respondError(source, buscore.OpFreePhysical, buscore.StatusBadRequest)
		return
	}

	s := b.ServiceWithName(source)
	if s == nil {
		return
	}

	phys, err := s.space.FreeRange(req.VirtBase, req.Size)
	if err != nil {
		b.respondError(source, buscore.OpFreePhysical, buscore.StatusBadRequest)
		return
	}

	b.phys.Free(phys)

	resp := &buscore.FreePhysicalResponse{}
	b.sendFromCore(source, resp.Marshal())
}

////////////////////////////////////////////////////////////////////////
// Platform handoff
////////////////////////////////////////////////////////////////////////

func (b *Bus) coreMapFramebuffer(source string) {
	// Only the window manager may take the framebuffer.
	if source != buscore.AWMServiceName {
		b.respondError(source, buscore.OpMapFramebuffer, buscore.StatusPermissionDenied)
		return
	}

	fb := b.cfg.Framebuffer
	s := b.ServiceWithName(source)
	if fb == nil || s == nil {
		b.respondError(source, buscore.OpMapFramebuffer, buscore.StatusBadRequest)
		return
	}

	virtBase, err := s.space.MapRange(vas.HighWindowBase, fb.Size, fb.PhysBase, true)
	if err != nil {
		b.respondError(source, buscore.OpMapFramebuffer, buscore.StatusOutOfMemory)
		return
	}

	b.debugLog(1, "Mapped framebuffer for %q at 0x%x", source, virtBase)

	resp := &buscore.MapFramebufferResponse{
		Type:              fb.Type,
		Address:           virtBase,
		Width:             fb.Width,
		Height:            fb.Height,
		BitsPerPixel:      fb.BitsPerPixel,
		BytesPerPixel:     fb.BytesPerPixel,
		PixelsPerScanline: fb.PixelsPerScanline,
		Size:              fb.Size,
	}
	b.sendFromCore(source, resp.Marshal())
}

func (b *Bus) coreMapInitrd(source string) {
	// Only the file server may take the ramdisk.
	if source != buscore.FileServerServiceName {
		b.respondError(source, buscore.OpMapInitrd, buscore.StatusPermissionDenied)
		return
	}

	rd := b.cfg.Initrd
	s := b.ServiceWithName(source)
	if rd == nil || s == nil {
		b.respondError(source, buscore.OpMapInitrd, buscore.StatusBadRequest)
		return
	}

	virtBase, err := s.space.MapRange(vas.HighWindowBase, rd.Size, rd.PhysBase, true)
	if err != nil {
		b.respondError(source, buscore.OpMapInitrd, buscore.StatusOutOfMemory)
		return
	}

	b.debugLog(1, "Mapped initrd for %q at 0x%x", source, virtBase)

	resp := &buscore.MapInitrdResponse{
		Start: virtBase,
		End:   virtBase + rd.Size,
		Size:  rd.Size,
	}
	b.sendFromCore(source, resp.Marshal())
}

////////////////////////////////////////////////////////////////////////
// Process lifecycle
////////////////////////////////////////////////////////////////////////

func (b *Bus) coreExecBuffer(source string, payload []byte) {
	// Heavily restricted: only services that already hold program images.
	allowed := source == buscore.FileServerServiceName ||
		source == buscore.LinkerServiceName ||
		source == buscore.IDEServiceName
	if !allowed {
		b.respondError(source, buscore.OpExecBuffer, buscore.StatusPermissionDenied)
		return
	}

	req, err := buscore.ParseExecBufferRequest(payload)
	if err != nil {
		b.respondError(source, buscore.OpExecBuffer, buscore.StatusBadRequest)
		return
	}

	if b.cfg.Loader == nil {
		b.respondError(source, buscore.OpExecBuffer, buscore.StatusBadRequest)
		return
	}

	// Copy the image out of the caller's buffer before anything else touches
	// it.
	image := append([]byte(nil), req.Image...)

	supervisor := ""
	if req.Supervised {
		supervisor = source
	}

	pid, err := b.cfg.Loader.SpawnProgram(req.Name, image, supervisor)
	if err != nil {
		b.reportError("SpawnProgram(%q): %v", req.Name, err)
		b.respondError(source, buscore.OpExecBuffer, buscore.StatusOutOfMemory)
		return
	}

	b.debugLog(1, "%q spawned %q as pid %d", source, req.Name, pid)

	resp := &buscore.ExecBufferResponse{Pid: pid}
	b.sendFromCore(source, resp.Marshal())

	// The create event follows the response in the supervisor's inbox.
	if supervisor != "" {
		b.InformSupervisorProcessCreate(supervisor, pid)
	}
}

// The platform loader calls the methods below as a supervised child is
// created, starts executing, writes output, and exits. Each sends a typed
// event from the kernel name to the supervising service; an empty supervisor
// name is a no-op.

func (b *Bus) InformSupervisorProcessCreate(supervisor string, pid uint64) {
	b.informSupervisor(supervisor, &buscore.SupervisedProcessEvent{
		Kind: buscore.SupervisedProcessCreate,
		Pid:  pid,
	})
}

func (b *Bus) InformSupervisorProcessStart(supervisor string, pid uint64, entryPoint uint64) {
	b.informSupervisor(supervisor, &buscore.SupervisedProcessEvent{
		Kind:       buscore.SupervisedProcessStart,
		Pid:        pid,
		EntryPoint: entryPoint,
	})
}

func (b *Bus) InformSupervisorProcessExit(supervisor string, pid uint64, statusCode uint64) {
	b.informSupervisor(supervisor, &buscore.SupervisedProcessEvent{
		Kind:       buscore.SupervisedProcessExit,
		Pid:        pid,
		StatusCode: statusCode,
	})
}

func (b *Bus) InformSupervisorProcessWrite(supervisor string, pid uint64, data []byte) {
	if len(data) > buscore.SupervisedWriteCap {
		data = data[:buscore.SupervisedWriteCap]
	}

	b.informSupervisor(supervisor, &buscore.SupervisedProcessEvent{
		Kind: buscore.SupervisedProcessWrite,
		Pid:  pid,
		Data: data,
	})
}

func (b *Bus) informSupervisor(supervisor string, event *buscore.SupervisedProcessEvent) {
	if supervisor == "" {
		return
	}

	b.sendFromCore(supervisor, event.Marshal())
}
