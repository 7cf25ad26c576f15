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

package vas

import (
	"fmt"

	"github.com/jacobsa/syncutil"
	"golang.org/x/sys/unix"
)

// A frame of physical memory known to the allocator.
type frame struct {
	data []byte

	// Whether the backing pages were mapped by the allocator (as opposed to
	// registered as fixed device memory) and should be munmapped on Free.
	owned bool
}

// PhysAllocator hands out contiguous ranges of simulated physical memory,
// backed by anonymous pages. Device ranges (framebuffer, initrd, MMIO) are
// registered at fixed addresses; everything else is carved from a synthetic
// address counter.
type PhysAllocator struct {
	pageSize uint64

	mu syncutil.InvariantMutex

	// Base address for the next dynamic allocation.
	//
	// GUARDED_BY(mu)
	next uint64

	// All live frames, keyed by physical base address.
	//
	// GUARDED_BY(mu)
	frames map[uint64]*frame

	// Total bytes currently allocated, fixed registrations excluded.
	//
	// GUARDED_BY(mu)
	allocated uint64
}

// NewPhysAllocator creates an empty allocator.
func NewPhysAllocator() *PhysAllocator {
	a := &PhysAllocator{
		pageSize: uint64(unix.Getpagesize()),
		next:     0x100000,
		frames:   make(map[uint64]*frame),
	}
	a.mu = syncutil.NewInvariantMutex(a.checkInvariants)

	return a
}

// LOCKS_REQUIRED(a.mu)
func (a *PhysAllocator) checkInvariants() {
	for base, f := range a.frames {
		if base%a.pageSize != 0 {
			panic(fmt.Sprintf("Unaligned frame base: 0x%x", base))
		}

		if uint64(len(f.data))%a.pageSize != 0 {
			panic(fmt.Sprintf("Unaligned frame size: %d", len(f.data)))
		}
	}
}

// PageSize returns the platform page size.
func (a *PhysAllocator) PageSize() uint64 {
	return a.pageSize
}

// RoundUp rounds size up to a whole number of pages.
func (a *PhysAllocator) RoundUp(size uint64) uint64 {
	return (size + a.pageSize - 1) &^ (a.pageSize - 1)
}

// AllocContiguous allocates a page-rounded contiguous physical range of at
// least size bytes and returns its base address.
//
// LOCKS_EXCLUDED(a.mu)
func (a *PhysAllocator) AllocContiguous(size uint64) (uint64, error) {
	if size == 0 {
		return 0, fmt.Errorf("AllocContiguous: zero size")
	}

	size = a.RoundUp(size)

	data, err := unix.Mmap(
		-1,
		0,
		int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return 0, fmt.Errorf("mmap %d bytes: %w", size, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	base := a.next
	a.next += size
	a.frames[base] = &frame{data: data, owned: true}
	a.allocated += size

	return base, nil
}

// RegisterFixed registers a device range (e.g. the framebuffer or initrd) at
// a fixed physical base. The data slice is the range's backing store.
//
// LOCKS_EXCLUDED(a.mu)
func (a *PhysAllocator) RegisterFixed(base uint64, data []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.frames[base]; ok {
		panic(fmt.Sprintf("RegisterFixed: frame at 0x%x exists", base))
	}

	a.frames[base] = &frame{data: data}
}

// Backing returns the backing store for the frame registered at exactly base.
//
// LOCKS_EXCLUDED(a.mu)
func (a *PhysAllocator) Backing(base uint64) ([]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	f, ok := a.frames[base]
	if !ok {
		return nil, false
	}

	return f.data, true
}

// Ensure returns the backing store for base, registering a zeroed range of
// the given size if none exists. Drivers map device ranges the kernel has
// never otherwise heard of; this models those pages springing into existence.
//
// LOCKS_EXCLUDED(a.mu)
func (a *PhysAllocator) Ensure(base uint64, size uint64) ([]byte, error) {
	a.mu.Lock()
	if f, ok := a.frames[base]; ok {
		a.mu.Unlock()
		if uint64(len(f.data)) < size {
			return nil, fmt.Errorf(
				"Ensure: frame at 0x%x is %d bytes, need %d",
				base,
				len(f.data),
				size)
		}

		return f.data, nil
	}
	a.mu.Unlock()

	data, err := unix.Mmap(
		-1,
		0,
		int(a.RoundUp(size)),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mmap %d bytes: %w", size, err)
	}

	a.mu.Lock()
	a.frames[base] = &frame{data: data}
	a.mu.Unlock()

	return data, nil
}

// Free releases the frame at base. Fixed registrations are forgotten but not
// unmapped; allocator-owned pages are returned to the OS.
//
// LOCKS_EXCLUDED(a.mu)
func (a *PhysAllocator) Free(base uint64) error {
	a.mu.Lock()
	f, ok := a.frames[base]
	if !ok {
		a.mu.Unlock()
		return fmt.Errorf("Free: no frame at 0x%x", base)
	}

	delete(a.frames, base)
	if f.owned {
		a.allocated -= uint64(len(f.data))
	}
	a.mu.Unlock()

	if f.owned {
		if err := unix.Munmap(f.data); err != nil {
			return fmt.Errorf("munmap: %w", err)
		}
	}

	return nil
}

// AllocatedBytes returns the total dynamically allocated physical memory.
//
// LOCKS_EXCLUDED(a.mu)
func (a *PhysAllocator) AllocatedBytes() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocated
}
