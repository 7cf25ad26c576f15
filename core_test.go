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
	"fmt"

	"github.com/axleos/bus"
	"github.com/axleos/bus/buscore"
	"github.com/axleos/bus/bustesting"
	"github.com/axleos/bus/busutil"
	"github.com/axleos/bus/sched"
	"github.com/kylelemons/godebug/pretty"

	. "github.com/jacobsa/ogletest"
)

////////////////////////////////////////////////////////////////////////
// Boilerplate
////////////////////////////////////////////////////////////////////////

// A loader recording spawn requests.
type fakeLoader struct {
	names       []string
	supervisors []string
	nextPid     uint64
	err         error
}

func (l *fakeLoader) SpawnProgram(
	name string,
	image []byte,
	supervisor string) (uint64, error) {
	if l.err != nil {
		return 0, l.err
	}

	l.names = append(l.names, name)
	l.supervisors = append(l.supervisors, supervisor)
	l.nextPid++
	return l.nextPid, nil
}

type CoreTest struct {
	bustesting.Harness
	loader fakeLoader
}

func init() { RegisterTestSuite(&CoreTest{}) }

func (t *CoreTest) SetUp(ti *TestInfo) {
	t.Config.Framebuffer = &bus.FramebufferInfo{
		PhysBase:          0xfd000000,
		Type:              1,
		Width:             1920,
		Height:            1080,
		BitsPerPixel:      32,
		BytesPerPixel:     4,
		PixelsPerScanline: 1920,
		Size:              1920 * 1080 * 4,
	}

	t.Config.Initrd = &bus.InitrdInfo{
		PhysBase: 0x20000000,
		Size:     4 * 1024 * 1024,
	}

	t.Config.Loader = &t.loader
	t.Harness.SetUp()
}

func (t *CoreTest) TearDown() {
	t.Harness.TearDown()
}

func (t *CoreTest) register(name string) *sched.Task {
	task := sched.NewTask(name)
	_, err := t.Bus.Register(task, name)
	AssertEq(nil, err)

	return task
}

func expectCoreError(err error, status buscore.Status) {
	ce, ok := err.(*busutil.CoreError)
	if !ok {
		AddFailure("error %v is not a CoreError", err)
		return
	}

	ExpectEq(status, ce.Status)
}

////////////////////////////////////////////////////////////////////////
// Introspection
////////////////////////////////////////////////////////////////////////

func (t *CoreTest) CopyServicesSnapshotsTheRegistry() {
	a := t.register("com.test.a")
	b := t.register("com.test.b")

	// Give b a backlog of two.
	_, err := t.Bus.Send(a, "com.test.b", []byte{1})
	AssertEq(nil, err)
	_, err = t.Bus.Send(a, "com.test.b", []byte{2})
	AssertEq(nil, err)

	services, err := busutil.CopyServices(t.Bus, a)
	AssertEq(nil, err)

	expected := []buscore.ServiceDescription{
		{Name: "com.test.a", UnreadMessageCount: 0},
		{Name: "com.test.b", UnreadMessageCount: 2},
	}

	if diff := pretty.Compare(expected, services); diff != "" {
		AddFailure("registry snapshot diff: %s", diff)
	}

	_ = b
}

func (t *CoreTest) QueryService() {
	a := t.register("com.test.a")
	t.register("com.test.b")

	exists, err := busutil.QueryService(t.Bus, a, "com.test.b")
	AssertEq(nil, err)
	ExpectTrue(exists)

	exists, err = busutil.QueryService(t.Bus, a, "com.test.absent")
	AssertEq(nil, err)
	ExpectFalse(exists)
}

func (t *CoreTest) SystemProfileReportsUsage() {
	a := t.register("com.test.a")

	profile, err := busutil.SystemProfile(t.Bus, a)
	AssertEq(nil, err)

	// At minimum, a's delivery pool is on the books.
	ExpectGt(profile.PhysAllocated, 0)
	ExpectGt(profile.KernelHeapAllocated, 0)
}

func (t *CoreTest) UnknownCommandYieldsBadRequest() {
	a := t.register("com.test.a")

	_, err := t.Bus.Send(
		a,
		buscore.CoreServiceName,
		[]byte{0xe7, 0x03, 0x00, 0x00}) // 999
	AssertEq(nil, err)

	r, err := t.Bus.ReceiveFrom(a, buscore.CoreServiceName)
	AssertEq(nil, err)

	ce, err := buscore.ParseCoreErrorResponse(r.Payload)
	AssertEq(nil, err)
	ExpectEq(buscore.Tag(999), ce.Request)
	ExpectEq(buscore.StatusBadRequest, ce.Status)
}

////////////////////////////////////////////////////////////////////////
// Shared memory
////////////////////////////////////////////////////////////////////////

func (t *CoreTest) SharedMemoryIsVisibleOnBothSides() {
	a := t.register("com.test.a")
	t.register("com.test.b")

	resp, err := busutil.CreateSharedMemory(t.Bus, a, "com.test.b", 4096)
	AssertEq(nil, err)

	local, err := t.Bus.ServiceWithName("com.test.a").Space().Slice(resp.LocalBase, 4096)
	AssertEq(nil, err)

	remote, err := t.Bus.ServiceWithName("com.test.b").Space().Slice(resp.RemoteBase, 4096)
	AssertEq(nil, err)

	local[0] = 0x5a
	ExpectEq(0x5a, remote[0])
}

func (t *CoreTest) SharedMemoryWithAbsentPeer() {
	a := t.register("com.test.a")

	_, err := busutil.CreateSharedMemory(t.Bus, a, "com.test.absent", 4096)
	expectCoreError(err, buscore.StatusBadRequest)
}

func (t *CoreTest) SharedMemoryDestroyUnmapsBothSides() {
	a := t.register("com.test.a")
	t.register("com.test.b")

	resp, err := busutil.CreateSharedMemory(t.Bus, a, "com.test.b", 4096)
	AssertEq(nil, err)

	err = busutil.DestroySharedMemory(
		t.Bus,
		a,
		"com.test.b",
		4096,
		resp.LocalBase,
		resp.RemoteBase)
	AssertEq(nil, err)

	_, err = t.Bus.ServiceWithName("com.test.a").Space().Slice(resp.LocalBase, 4096)
	ExpectNe(nil, err)

	_, err = t.Bus.ServiceWithName("com.test.b").Space().Slice(resp.RemoteBase, 4096)
	ExpectNe(nil, err)
}

func (t *CoreTest) SharedMemoryReleasedWhenCreatorDies() {
	a := t.register("com.test.a")
	t.register("com.test.b")

	resp, err := busutil.CreateSharedMemory(t.Bus, a, "com.test.b", 4096)
	AssertEq(nil, err)

	// Tearing down the creator releases the region from both spaces.
	t.Bus.Teardown(a)

	_, err = t.Bus.ServiceWithName("com.test.b").Space().Slice(resp.RemoteBase, 4096)
	ExpectNe(nil, err)
}

////////////////////////////////////////////////////////////////////////
// Physical ranges
////////////////////////////////////////////////////////////////////////

func (t *CoreTest) MapPhysicalLandsInTheHighWindow() {
	a := t.register("com.test.a")

	virt, err := busutil.MapPhysical(t.Bus, a, 0xfebc0000, 8192)
	AssertEq(nil, err)
	ExpectGe(virt, uint64(0x7d0000000000))

	mem, err := t.Bus.ServiceWithName("com.test.a").Space().Slice(virt, 8192)
	AssertEq(nil, err)
	mem[0] = 1
}

func (t *CoreTest) AllocThenFreePhysical() {
	a := t.register("com.test.a")

	resp, err := busutil.AllocPhysical(t.Bus, a, 16384)
	AssertEq(nil, err)
	ExpectNe(0, resp.PhysBase)

	mem, err := t.Bus.ServiceWithName("com.test.a").Space().Slice(resp.VirtBase, 16384)
	AssertEq(nil, err)
	mem[16383] = 0xff

	AssertEq(nil, busutil.FreePhysical(t.Bus, a, resp.VirtBase, 16384))

	_, err = t.Bus.ServiceWithName("com.test.a").Space().Slice(resp.VirtBase, 16384)
	ExpectNe(nil, err)

	// Freeing again is an error, not a crash.
	err = busutil.FreePhysical(t.Bus, a, resp.VirtBase, 16384)
	expectCoreError(err, buscore.StatusBadRequest)
}

////////////////////////////////////////////////////////////////////////
// Platform handoff
////////////////////////////////////////////////////////////////////////

func (t *CoreTest) MapFramebufferForTheWindowManager() {
	awm := t.register(buscore.AWMServiceName)

	fb, err := busutil.MapFramebuffer(t.Bus, awm)
	AssertEq(nil, err)

	expected := &buscore.MapFramebufferResponse{
		Type:              1,
		Address:           fb.Address,
		Width:             1920,
		Height:            1080,
		BitsPerPixel:      32,
		BytesPerPixel:     4,
		PixelsPerScanline: 1920,
		Size:              1920 * 1080 * 4,
	}

	if diff := pretty.Compare(expected, fb); diff != "" {
		AddFailure("framebuffer diff: %s", diff)
	}

	// The mapping is usable.
	mem, err := t.Bus.ServiceWithName(buscore.AWMServiceName).Space().Slice(
		fb.Address,
		fb.Size)
	AssertEq(nil, err)
	mem[0] = 0xff
}

func (t *CoreTest) MapFramebufferDeniedToOthers() {
	a := t.register("com.test.a")

	_, err := busutil.MapFramebuffer(t.Bus, a)
	expectCoreError(err, buscore.StatusPermissionDenied)
}

func (t *CoreTest) MapInitrdForTheFileServer() {
	fs := t.register(buscore.FileServerServiceName)

	rd, err := busutil.MapInitrd(t.Bus, fs)
	AssertEq(nil, err)
	ExpectEq(4*1024*1024, rd.Size)
	ExpectEq(rd.Start+rd.Size, rd.End)
}

func (t *CoreTest) MapInitrdDeniedToOthers() {
	a := t.register("com.test.a")

	_, err := busutil.MapInitrd(t.Bus, a)
	expectCoreError(err, buscore.StatusPermissionDenied)
}

////////////////////////////////////////////////////////////////////////
// Process lifecycle
////////////////////////////////////////////////////////////////////////

func (t *CoreTest) ExecBufferSpawnsThroughTheLoader() {
	fs := t.register(buscore.FileServerServiceName)

	pid, err := busutil.ExecBuffer(t.Bus, fs, "paintbrush", []byte{0x7f, 'E', 'L', 'F'}, false)
	AssertEq(nil, err)
	ExpectEq(1, pid)

	AssertEq(1, len(t.loader.names))
	ExpectEq("paintbrush", t.loader.names[0])
	ExpectEq("", t.loader.supervisors[0])
}

func (t *CoreTest) ExecBufferDeniedToOthers() {
	a := t.register("com.test.a")

	_, err := busutil.ExecBuffer(t.Bus, a, "nope", []byte{1}, false)
	expectCoreError(err, buscore.StatusPermissionDenied)
}

func (t *CoreTest) ExecBufferSpawnFailure() {
	fs := t.register(buscore.FileServerServiceName)
	t.loader.err = fmt.Errorf("no frames left")

	_, err := busutil.ExecBuffer(t.Bus, fs, "paintbrush", []byte{1}, false)
	expectCoreError(err, buscore.StatusOutOfMemory)
}

func (t *CoreTest) SupervisedSpawnDeliversLifecycleEvents() {
	fs := t.register(buscore.FileServerServiceName)

	pid, err := busutil.ExecBuffer(t.Bus, fs, "paintbrush", []byte{1}, true)
	AssertEq(nil, err)
	ExpectEq(buscore.FileServerServiceName, t.loader.supervisors[0])

	// The create event was queued behind the response.
	r, err := t.Bus.ReceiveFrom(fs, buscore.CoreServiceName)
	AssertEq(nil, err)

	ev, err := buscore.ParseSupervisedProcessEvent(r.Payload)
	AssertEq(nil, err)
	ExpectEq(buscore.SupervisedProcessCreate, ev.Kind)
	ExpectEq(pid, ev.Pid)

	// The platform loader reports the rest of the lifecycle.
	t.Bus.InformSupervisorProcessStart(buscore.FileServerServiceName, pid, 0x80000000)
	t.Bus.InformSupervisorProcessWrite(buscore.FileServerServiceName, pid, []byte("hello"))
	t.Bus.InformSupervisorProcessExit(buscore.FileServerServiceName, pid, 3)

	r, err = t.Bus.ReceiveAny(fs)
	AssertEq(nil, err)
	ev, err = buscore.ParseSupervisedProcessEvent(r.Payload)
	AssertEq(nil, err)
	ExpectEq(buscore.SupervisedProcessStart, ev.Kind)
	ExpectEq(0x80000000, ev.EntryPoint)

	r, err = t.Bus.ReceiveAny(fs)
	AssertEq(nil, err)
	ev, err = buscore.ParseSupervisedProcessEvent(r.Payload)
	AssertEq(nil, err)
	ExpectEq(buscore.SupervisedProcessWrite, ev.Kind)
	ExpectEq("hello", string(ev.Data))

	r, err = t.Bus.ReceiveAny(fs)
	AssertEq(nil, err)
	ev, err = buscore.ParseSupervisedProcessEvent(r.Payload)
	AssertEq(nil, err)
	ExpectEq(buscore.SupervisedProcessExit, ev.Kind)
	ExpectEq(3, ev.StatusCode)
}

func (t *CoreTest) SupervisedEventFromUserSpaceIsRejected() {
	a := t.register("com.test.a")

	event := &buscore.SupervisedProcessEvent{
		Kind: buscore.SupervisedProcessExit,
		Pid:  1,
	}

	_, err := t.Bus.Send(a, buscore.CoreServiceName, event.Marshal())
	AssertEq(nil, err)

	r, err := t.Bus.ReceiveFrom(a, buscore.CoreServiceName)
	AssertEq(nil, err)

	ce, err := buscore.ParseCoreErrorResponse(r.Payload)
	AssertEq(nil, err)
	ExpectEq(buscore.StatusPermissionDenied, ce.Status)
}
