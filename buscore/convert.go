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

package buscore

import (
	"encoding/binary"
	"fmt"

	"github.com/axleos/bus/internal/buffer"
)

// PeekTag reads the leading event tag of a core-command body.
func PeekTag(payload []byte) (Tag, bool) {
	event, ok := buffer.PeekEvent(payload)
	return Tag(event), ok
}

////////////////////////////////////////////////////////////////////////
// Wire helpers
////////////////////////////////////////////////////////////////////////

// An appender for the fixed little-endian layouts below.
type encoder struct {
	b []byte
}

func newEncoder(tag Tag, extra int) *encoder {
	e := &encoder{b: make([]byte, 0, 4+extra)}
	e.u32(uint32(tag))
	return e
}

func (e *encoder) u32(v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	e.b = append(e.b, tmp[:]...)
}

func (e *encoder) u64(v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	e.b = append(e.b, tmp[:]...)
}

func (e *encoder) name(s string) {
	// Overlong names are truncated the way strncpy into a fixed field would.
	if len(s) >= buffer.MaxServiceNameLen {
		s = s[:buffer.MaxServiceNameLen-1]
	}

	var field [buffer.MaxServiceNameLen]byte
	buffer.PutName(field[:], s)
	e.b = append(e.b, field[:]...)
}

func (e *encoder) bytes(p []byte) {
	e.b = append(e.b, p...)
}

func (e *encoder) boolean(v bool) {
	if v {
		e.u32(1)
	} else {
		e.u32(0)
	}
}

// A cursor over a received body. The first error sticks; callers check err
// once at the end.
type decoder struct {
	b   []byte
	off int
	err error
}

func newDecoder(payload []byte, want Tag) *decoder {
	d := &decoder{b: payload}
	if got := Tag(d.u32()); d.err == nil && got != want {
		d.err = fmt.Errorf("event tag %d, want %d", got, want)
	}
	return d
}

func (d *decoder) fail(n int) {
	if d.err == nil {
		d.err = fmt.Errorf(
			"truncated body: %d bytes at offset %d, need %d",
			len(d.b)-d.off,
			d.off,
			n)
	}
}

func (d *decoder) u32() uint32 {
	if d.err != nil {
		return 0
	}
	if d.off+4 > len(d.b) {
		d.fail(4)
		return 0
	}

	v := binary.LittleEndian.Uint32(d.b[d.off:])
	d.off += 4
	return v
}

func (d *decoder) u64() uint64 {
	if d.err != nil {
		return 0
	}
	if d.off+8 > len(d.b) {
		d.fail(8)
		return 0
	}

	v := binary.LittleEndian.Uint64(d.b[d.off:])
	d.off += 8
	return v
}

func (d *decoder) name() string {
	if d.err != nil {
		return ""
	}
	if d.off+buffer.MaxServiceNameLen > len(d.b) {
		d.fail(buffer.MaxServiceNameLen)
		return ""
	}

	s := buffer.Name(d.b[d.off:])
	d.off += buffer.MaxServiceNameLen
	return s
}

func (d *decoder) bytes(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || d.off+n > len(d.b) {
		d.fail(n)
		return nil
	}

	p := d.b[d.off : d.off+n]
	d.off += n
	return p
}

func (d *decoder) boolean() bool {
	return d.u32() != 0
}

////////////////////////////////////////////////////////////////////////
// Introspection
////////////////////////////////////////////////////////////////////////

func (r *CopyServicesRequest) Marshal() []byte {
	return newEncoder(OpCopyServices, 0).b
}

func ParseCopyServicesRequest(p []byte) (*CopyServicesRequest, error) {
	d := newDecoder(p, OpCopyServices)
	return &CopyServicesRequest{}, d.err
}

func (r *CopyServicesResponse) Marshal() []byte {
	e := newEncoder(OpCopyServices, 4+len(r.Services)*(buffer.MaxServiceNameLen+4))
	e.u32(uint32(len(r.Services)))
	for _, s := range r.Services {
		e.name(s.Name)
		e.u32(s.UnreadMessageCount)
	}
	return e.b
}

func ParseCopyServicesResponse(p []byte) (*CopyServicesResponse, error) {
	d := newDecoder(p, OpCopyServices)
	n := d.u32()

	r := &CopyServicesResponse{}
	for i := uint32(0); i < n && d.err == nil; i++ {
		r.Services = append(r.Services, ServiceDescription{
			Name:               d.name(),
			UnreadMessageCount: d.u32(),
		})
	}

	return r, d.err
}

func (r *SystemProfileRequest) Marshal() []byte {
	return newEncoder(OpSystemProfile, 0).b
}

func ParseSystemProfileRequest(p []byte) (*SystemProfileRequest, error) {
	d := newDecoder(p, OpSystemProfile)
	return &SystemProfileRequest{}, d.err
}

func (r *SystemProfileResponse) Marshal() []byte {
	e := newEncoder(OpSystemProfile, 16)
	e.u64(r.PhysAllocated)
	e.u64(r.KernelHeapAllocated)
	return e.b
}

func ParseSystemProfileResponse(p []byte) (*SystemProfileResponse, error) {
	d := newDecoder(p, OpSystemProfile)
	r := &SystemProfileResponse{
		PhysAllocated:       d.u64(),
		KernelHeapAllocated: d.u64(),
	}
	return r, d.err
}

func (r *QueryServiceRequest) Marshal() []byte {
	e := newEncoder(OpQueryService, buffer.MaxServiceNameLen)
	e.name(r.Name)
	return e.b
}

func ParseQueryServiceRequest(p []byte) (*QueryServiceRequest, error) {
	d := newDecoder(p, OpQueryService)
	r := &QueryServiceRequest{Name: d.name()}
	return r, d.err
}

func (r *QueryServiceResponse) Marshal() []byte {
	e := newEncoder(OpQueryService, buffer.MaxServiceNameLen+4)
	e.name(r.Name)
	e.boolean(r.Exists)
	return e.b
}

func ParseQueryServiceResponse(p []byte) (*QueryServiceResponse, error) {
	d := newDecoder(p, OpQueryService)
	r := &QueryServiceResponse{
		Name:   d.name(),
		Exists: d.boolean(),
	}
	return r, d.err
}

////////////////////////////////////////////////////////////////////////
// Sleep
////////////////////////////////////////////////////////////////////////

func (r *SleepMsRequest) Marshal() []byte {
	e := newEncoder(OpSleepMs, 4)
	e.u32(r.Ms)
	return e.b
}

func ParseSleepMsRequest(p []byte) (*SleepMsRequest, error) {
	d := newDecoder(p, OpSleepMs)
	r := &SleepMsRequest{Ms: d.u32()}
	return r, d.err
}

func (r *SleepMsOrMessageRequest) Marshal() []byte {
	e := newEncoder(OpSleepMsOrMessage, 4)
	e.u32(r.Ms)
	return e.b
}

func ParseSleepMsOrMessageRequest(p []byte) (*SleepMsOrMessageRequest, error) {
	d := newDecoder(p, OpSleepMsOrMessage)
	r := &SleepMsOrMessageRequest{Ms: d.u32()}
	return r, d.err
}

////////////////////////////////////////////////////////////////////////
// Death notifications
////////////////////////////////////////////////////////////////////////

func (r *NotifyOnDeathRequest) Marshal() []byte {
	e := newEncoder(OpNotifyOnDeath, buffer.MaxServiceNameLen)
	e.name(r.RemoteService)
	return e.b
}

func ParseNotifyOnDeathRequest(p []byte) (*NotifyOnDeathRequest, error) {
	d := newDecoder(p, OpNotifyOnDeath)
	r := &NotifyOnDeathRequest{RemoteService: d.name()}
	return r, d.err
}

func (r *ServiceDiedNotification) Marshal() []byte {
	e := newEncoder(OpServiceDied, buffer.MaxServiceNameLen)
	e.name(r.DeadService)
	return e.b
}

func ParseServiceDiedNotification(p []byte) (*ServiceDiedNotification, error) {
	d := newDecoder(p, OpServiceDied)
	r := &ServiceDiedNotification{DeadService: d.name()}
	return r, d.err
}

////////////////////////////////////////////////////////////////////////
// Queue management
////////////////////////////////////////////////////////////////////////

func (r *FlushMessagesRequest) Marshal() []byte {
	e := newEncoder(OpFlushMessages, buffer.MaxServiceNameLen)
	e.name(r.RemoteService)
	return e.b
}

func ParseFlushMessagesRequest(p []byte) (*FlushMessagesRequest, error) {
	d := newDecoder(p, OpFlushMessages)
	r := &FlushMessagesRequest{RemoteService: d.name()}
	return r, d.err
}

////////////////////////////////////////////////////////////////////////
// Memory
////////////////////////////////////////////////////////////////////////

func (r *SharedMemoryCreateRequest) Marshal() []byte {
	e := newEncoder(OpCreateSharedMemory, buffer.MaxServiceNameLen+4)
	e.name(r.RemoteService)
	e.u32(r.Size)
	return e.b
}

func ParseSharedMemoryCreateRequest(p []byte) (*SharedMemoryCreateRequest, error) {
	d := newDecoder(p, OpCreateSharedMemory)
	r := &SharedMemoryCreateRequest{
		RemoteService: d.name(),
		Size:          d.u32(),
	}
	return r, d.err
}

func (r *SharedMemoryCreateResponse) Marshal() []byte {
	e := newEncoder(OpCreateSharedMemory, 16)
	e.u64(r.LocalBase)
	e.u64(r.RemoteBase)
	return e.b
}

func ParseSharedMemoryCreateResponse(p []byte) (*SharedMemoryCreateResponse, error) {
	d := newDecoder(p, OpCreateSharedMemory)
	r := &SharedMemoryCreateResponse{
		LocalBase:  d.u64(),
		RemoteBase: d.u64(),
	}
	return r, d.err
}

func (r *SharedMemoryDestroyRequest) Marshal() []byte {
	e := newEncoder(OpSharedMemoryDestroy, buffer.MaxServiceNameLen+20)
	e.name(r.RemoteService)
	e.u32(r.Size)
	e.u64(r.LocalBase)
	e.u64(r.RemoteBase)
	return e.b
}

func ParseSharedMemoryDestroyRequest(p []byte) (*SharedMemoryDestroyRequest, error) {
	d := newDecoder(p, OpSharedMemoryDestroy)
	r := &SharedMemoryDestroyRequest{
		RemoteService: d.name(),
		Size:          d.u32(),
		LocalBase:     d.u64(),
		RemoteBase:    d.u64(),
	}
	return r, d.err
}

func (r *SharedMemoryDestroyResponse) Marshal() []byte {
	return newEncoder(OpSharedMemoryDestroy, 0).b
}

func ParseSharedMemoryDestroyResponse(p []byte) (*SharedMemoryDestroyResponse, error) {
	d := newDecoder(p, OpSharedMemoryDestroy)
	return &SharedMemoryDestroyResponse{}, d.err
}

func (r *MapPhysicalRequest) Marshal() []byte {
	e := newEncoder(OpMapPhysical, 16)
	e.u64(r.PhysBase)
	e.u64(r.Size)
	return e.b
}

func ParseMapPhysicalRequest(p []byte) (*MapPhysicalRequest, error) {
	d := newDecoder(p, OpMapPhysical)
	r := &MapPhysicalRequest{
		PhysBase: d.u64(),
		Size:     d.u64(),
	}
	return r, d.err
}

func (r *MapPhysicalResponse) Marshal() []byte {
	e := newEncoder(OpMapPhysical, 8)
	e.u64(r.VirtBase)
	return e.b
}

func ParseMapPhysicalResponse(p []byte) (*MapPhysicalResponse, error) {
	d := newDecoder(p, OpMapPhysical)
	r := &MapPhysicalResponse{VirtBase: d.u64()}
	return r, d.err
}

func (r *AllocPhysicalRequest) Marshal() []byte {
	e := newEncoder(OpAllocPhysical, 8)
	e.u64(r.Size)
	return e.b
}

func ParseAllocPhysicalRequest(p []byte) (*AllocPhysicalRequest, error) {
	d := newDecoder(p, OpAllocPhysical)
	r := &AllocPhysicalRequest{Size: d.u64()}
	return r, d.err
}

func (r *AllocPhysicalResponse) Marshal() []byte {
	e := newEncoder(OpAllocPhysical, 16)
	e.u64(r.PhysBase)
	e.u64(r.VirtBase)
	return e.b
}

func ParseAllocPhysicalResponse(p []byte) (*AllocPhysicalResponse, error) {
	d := newDecoder(p, OpAllocPhysical)
	r := &AllocPhysicalResponse{
		PhysBase: d.u64(),
		VirtBase: d.u64(),
	}
	return r, d.err
}

func (r *FreePhysicalRequest) Marshal() []byte {
	e := newEncoder(OpFreePhysical, 16)
	e.u64(r.VirtBase)
	e.u64(r.Size)
	return e.b
}

func ParseFreePhysicalRequest(p []byte) (*FreePhysicalRequest, error) {
	d := newDecoder(p, OpFreePhysical)
	r := &FreePhysicalRequest{
		VirtBase: d.u64(),
		Size:     d.u64(),
	}
	return r, d.err
}

func (r *FreePhysicalResponse) Marshal() []byte {
	return newEncoder(OpFreePhysical, 0).b
}

func ParseFreePhysicalResponse(p []byte) (*FreePhysicalResponse, error) {
	d := newDecoder(p, OpFreePhysical)
	return &FreePhysicalResponse{}, d.err
}

////////////////////////////////////////////////////////////////////////
// Platform handoff
////////////////////////////////////////////////////////////////////////

func (r *MapFramebufferRequest) Marshal() []byte {
	return newEncoder(OpMapFramebuffer, 0).b
}

func ParseMapFramebufferRequest(p []byte) (*MapFramebufferRequest, error) {
	d := newDecoder(p, OpMapFramebuffer)
	return &MapFramebufferRequest{}, d.err
}

func (r *MapFramebufferResponse) Marshal() []byte {
	e := newEncoder(OpMapFramebuffer, 40)
	e.u32(r.Type)
	e.u64(r.Address)
	e.u32(r.Width)
	e.u32(r.Height)
	e.u32(r.BitsPerPixel)
	e.u32(r.BytesPerPixel)
	e.u32(r.PixelsPerScanline)
	e.u64(r.Size)
	return e.b
}

func ParseMapFramebufferResponse(p []byte) (*MapFramebufferResponse, error) {
	d := newDecoder(p, OpMapFramebuffer)
	r := &MapFramebufferResponse{
		Type:              d.u32(),
		Address:           d.u64(),
		Width:             d.u32(),
		Height:            d.u32(),
		BitsPerPixel:      d.u32(),
		BytesPerPixel:     d.u32(),
		PixelsPerScanline: d.u32(),
		Size:              d.u64(),
	}
	return r, d.err
}

func (r *MapInitrdRequest) Marshal() []byte {
	return newEncoder(OpMapInitrd, 0).b
}

func ParseMapInitrdRequest(p []byte) (*MapInitrdRequest, error) {
	d := newDecoder(p, OpMapInitrd)
	return &MapInitrdRequest{}, d.err
}

func (r *MapInitrdResponse) Marshal() []byte {
	e := newEncoder(OpMapInitrd, 24)
	e.u64(r.Start)
	e.u64(r.End)
	e.u64(r.Size)
	return e.b
}

func ParseMapInitrdResponse(p []byte) (*MapInitrdResponse, error) {
	d := newDecoder(p, OpMapInitrd)
	r := &MapInitrdResponse{
		Start: d.u64(),
		End:   d.u64(),
		Size:  d.u64(),
	}
	return r, d.err
}

////////////////////////////////////////////////////////////////////////
// Process lifecycle
////////////////////////////////////////////////////////////////////////

func (r *ExecBufferRequest) Marshal() []byte {
	e := newEncoder(OpExecBuffer, buffer.MaxServiceNameLen+8+len(r.Image))
	e.name(r.Name)
	e.boolean(r.Supervised)
	e.u32(uint32(len(r.Image)))
	e.bytes(r.Image)
	return e.b
}

func ParseExecBufferRequest(p []byte) (*ExecBufferRequest, error) {
	d := newDecoder(p, OpExecBuffer)
	r := &ExecBufferRequest{
		Name:       d.name(),
		Supervised: d.boolean(),
	}
	r.Image = d.bytes(int(d.u32()))
	return r, d.err
}

func (r *ExecBufferResponse) Marshal() []byte {
	e := newEncoder(OpExecBuffer, 8)
	e.u64(r.Pid)
	return e.b
}

func ParseExecBufferResponse(p []byte) (*ExecBufferResponse, error) {
	d := newDecoder(p, OpExecBuffer)
	r := &ExecBufferResponse{Pid: d.u64()}
	return r, d.err
}

func (r *SupervisedProcessEvent) Marshal() []byte {
	if len(r.Data) > SupervisedWriteCap {
		panic(fmt.Sprintf("SupervisedProcessEvent: %d-byte data", len(r.Data)))
	}

	e := newEncoder(OpSupervisedProcessEvent, 32+SupervisedWriteCap)
	e.u32(uint32(r.Kind))
	e.u64(r.Pid)
	e.u64(r.EntryPoint)
	e.u64(r.StatusCode)
	e.u32(uint32(len(r.Data)))

	var data [SupervisedWriteCap]byte
	copy(data[:], r.Data)
	e.bytes(data[:])

	return e.b
}

func ParseSupervisedProcessEvent(p []byte) (*SupervisedProcessEvent, error) {
	d := newDecoder(p, OpSupervisedProcessEvent)
	r := &SupervisedProcessEvent{
		Kind:       SupervisedEventKind(d.u32()),
		Pid:        d.u64(),
		EntryPoint: d.u64(),
		StatusCode: d.u64(),
	}

	n := d.u32()
	data := d.bytes(SupervisedWriteCap)
	if d.err == nil {
		if n > SupervisedWriteCap {
			d.err = fmt.Errorf("data length %d exceeds cap", n)
		} else {
			r.Data = append([]byte(nil), data[:n]...)
		}
	}

	return r, d.err
}

////////////////////////////////////////////////////////////////////////
// Errors
////////////////////////////////////////////////////////////////////////

func (r *CoreErrorResponse) Marshal() []byte {
	e := newEncoder(OpCoreError, 8)
	e.u32(uint32(r.Request))
	e.u32(uint32(r.Status))
	return e.b
}

func ParseCoreErrorResponse(p []byte) (*CoreErrorResponse, error) {
	d := newDecoder(p, OpCoreError)
	r := &CoreErrorResponse{
		Request: Tag(d.u32()),
		Status:  Status(d.u32()),
	}
	return r, d.err
}
