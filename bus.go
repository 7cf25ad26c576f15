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
	"fmt"
	"log"
	"path"
	"runtime"
	"sync"
	"unsafe"

	"github.com/axleos/bus/internal/buffer"
	"github.com/axleos/bus/internal/freelist"
	"github.com/axleos/bus/vas"
	"github.com/jacobsa/syncutil"
	"github.com/jacobsa/timeutil"
)

const (
	// MaxMessageBytes is the largest payload Send accepts.
	MaxMessageBytes = buffer.MaxMessageSize

	// MaxServiceNameLen is the size of a name field, including the NUL
	// terminator.
	MaxServiceNameLen = buffer.MaxServiceNameLen

	// PendingPoolMax is the capacity of the pool buffering messages to
	// not-yet-registered destinations.
	PendingPoolMax = 512

	// Each service's delivery pool is sized well past the largest message
	// plus its header, so overflow is impossible.
	deliveryPoolSize = 64 * 1024 * 1024
)

// FramebufferInfo describes the platform framebuffer handed to the window
// manager by the MapFramebuffer core command.
type FramebufferInfo struct {
	PhysBase          uint64
	Type              uint32
	Width             uint32
	Height            uint32
	BitsPerPixel      uint32
	BytesPerPixel     uint32
	PixelsPerScanline uint32
	Size              uint64
}

// InitrdInfo describes the boot ramdisk handed to the file server by the
// MapInitrd core command.
type InitrdInfo struct {
	PhysBase uint64
	Size     uint64
}

// ProgramLoader spawns processes on behalf of the ExecBuffer core command.
// The image slice is owned by the callee. supervisor is the name of the
// service to receive lifecycle events for the child, or empty.
//
// Implementations call the Bus's InformSupervisor methods as the child
// starts, writes, and exits.
type ProgramLoader interface {
	SpawnProgram(name string, image []byte, supervisor string) (pid uint64, err error)
}

// Config carries the platform dependencies of a Bus.
type Config struct {
	// Loggers for debug chatter and for errors. The debug logger defaults to
	// the one gated by --bus.debug; a nil error logger is silent.
	DebugLogger *log.Logger
	ErrorLogger *log.Logger

	// The clock sleep deadlines are measured against. Defaults to the real
	// clock.
	Clock timeutil.Clock

	// The physical memory allocator backing delivery pools, shared memory,
	// and the physical-range core commands. Defaults to a fresh allocator.
	Phys *vas.PhysAllocator

	// Platform resources surfaced by core commands. A nil field disables the
	// corresponding command.
	Framebuffer *FramebufferInfo
	Initrd      *InitrdInfo
	Loader      ProgramLoader
}

// Bus is the kernel message bus. Create one with New; all methods are safe
// for concurrent use by any number of process tasks.
type Bus struct {
	cfg   Config
	clock timeutil.Clock
	phys  *vas.PhysAllocator

	debugLogger *log.Logger
	errorLogger *log.Logger

	// The registry lock: guards the service list and both lookup directions.
	// Acquired before any pending-pool, per-service, or sleep-list lock.
	mu syncutil.InvariantMutex

	// All live services.
	//
	// GUARDED_BY(mu)
	services []*Service

	// Messages whose destination had no live service at send time.
	pending pendingPool

	// Services currently sleeping on a deadline.
	sleepers sleepList

	// Freelist recycling kernel message structs, serviced by newMessage and
	// freeMessage below.
	freelistMu sync.Mutex
	messages   freelist.Freelist // GUARDED_BY(freelistMu)
}

// New creates an empty bus.
func New(cfg *Config) *Bus {
	b := &Bus{
		cfg:         *cfg,
		clock:       cfg.Clock,
		phys:        cfg.Phys,
		debugLogger: cfg.DebugLogger,
		errorLogger: cfg.ErrorLogger,
	}

	if b.clock == nil {
		b.clock = timeutil.RealClock()
	}

	if b.phys == nil {
		b.phys = vas.NewPhysAllocator()
	}

	if b.debugLogger == nil {
		b.debugLogger = getLogger()
	}

	b.mu = syncutil.NewInvariantMutex(b.checkInvariants)
	b.pending.init()
	b.sleepers.init()

	return b
}

// LOCKS_REQUIRED(b.mu)
func (b *Bus) checkInvariants() {
	// INVARIANT: at most one service per name, and per task.
	byName := make(map[string]struct{})
	byTask := make(map[uint64]struct{})
	for _, s := range b.services {
		if _, ok := byName[s.name]; ok {
			panic(fmt.Sprintf("Duplicate service name: %q", s.name))
		}

		if _, ok := byTask[s.task.ID()]; ok {
			panic(fmt.Sprintf("Duplicate service task: %d", s.task.ID()))
		}

		byName[s.name] = struct{}{}
		byTask[s.task.ID()] = struct{}{}
	}
}

// Clock returns the clock the bus measures sleep deadlines against.
func (b *Bus) Clock() timeutil.Clock {
	return b.clock
}

// Log information about bus activity. calldepth is the depth to use when
// recovering file:line information with runtime.Caller.
func (b *Bus) debugLog(
	calldepth int,
	format string,
	v ...interface{}) {
	if b.debugLogger == nil {
		return
	}

	// Get file:line info.
	var file string
	var line int
	var ok bool

	_, file, line, ok = runtime.Caller(calldepth)
	if !ok {
		file = "???"
	}

	fileLine := fmt.Sprintf("%v:%v", path.Base(file), line)

	// Format the actual message to be printed.
	msg := fmt.Sprintf(
		"%24s] %v",
		fileLine,
		fmt.Sprintf(format, v...))

	// Print it.
	b.debugLogger.Println(msg)
}

func (b *Bus) reportError(format string, v ...interface{}) {
	if b.errorLogger == nil {
		return
	}

	b.errorLogger.Printf(format, v...)
}

////////////////////////////////////////////////////////////////////////
// Message freelist
////////////////////////////////////////////////////////////////////////

// A message in kernel space: an immutable (source, dest, payload) triple
// parked in an inbox or the pending pool until it is materialized in the
// recipient's delivery pool.
type message struct {
	source  string
	dest    string
	payload []byte
}

// LOCKS_EXCLUDED(b.freelistMu)
func (b *Bus) newMessage(source string, dest string, payload []byte) *message {
	b.freelistMu.Lock()
	m := (*message)(b.messages.Get())
	b.freelistMu.Unlock()

	if m == nil {
		m = new(message)
	}

	m.source = source
	m.dest = dest
	m.payload = append(m.payload[:0], payload...)

	return m
}

// LOCKS_EXCLUDED(b.freelistMu)
func (b *Bus) freeMessage(m *message) {
	m.source = ""
	m.dest = ""

	b.freelistMu.Lock()
	b.messages.Put(unsafe.Pointer(m))
	b.freelistMu.Unlock()
}
