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

// Package vas models per-process virtual address spaces for the bus: mapping
// physical ranges at well-known windows, allocating fresh physically-backed
// ranges, and aliasing one space's physical pages into another. The bus
// consumes this interface; it does not implement paging itself.
package vas

import (
	"fmt"

	"github.com/jacobsa/syncutil"
)

// Virtual address windows, identical in every address space.
const (
	// DeliveryPoolBase is where each service's message delivery pool lives.
	DeliveryPoolBase uint64 = 0x7f8000000000

	// SharedMemoryBase is the preferred window for shared-memory regions set
	// up between two services.
	SharedMemoryBase uint64 = 0x7f0000000000

	// HighWindowBase is the designated window for driver mappings of physical
	// ranges, and the fallback placement region on address conflicts.
	HighWindowBase uint64 = 0x7d0000000000
)

// Mapping describes one mapped range within a Space.
type Mapping struct {
	Base uint64
	Size uint64
	Phys uint64

	// Whether user mode may access the range.
	User bool

	// Whether the physical backing was allocated for this mapping (AllocRange)
	// rather than shared or fixed, and so is freed on Teardown.
	Owned bool

	data []byte
}

// Space is one process's virtual address space.
type Space struct {
	phys *PhysAllocator

	mu syncutil.InvariantMutex

	// Live mappings, in no particular order.
	//
	// GUARDED_BY(mu)
	mappings []*Mapping
}

// NewSpace creates an empty address space drawing physical memory from the
// supplied allocator.
func NewSpace(phys *PhysAllocator) *Space {
	s := &Space{phys: phys}
	s.mu = syncutil.NewInvariantMutex(s.checkInvariants)

	return s
}

// LOCKS_REQUIRED(s.mu)
func (s *Space) checkInvariants() {
	for i, m := range s.mappings {
		if m.Size == 0 {
			panic(fmt.Sprintf("Empty mapping at 0x%x", m.Base))
		}

		for _, n := range s.mappings[:i] {
			if m.Base < n.Base+n.Size && n.Base < m.Base+m.Size {
				panic(fmt.Sprintf(
					"Overlapping mappings: [0x%x, +0x%x) and [0x%x, +0x%x)",
					m.Base, m.Size,
					n.Base, n.Size))
			}
		}
	}
}

// LOCKS_REQUIRED(s.mu)
func (s *Space) overlappingLocked(base uint64, size uint64) *Mapping {
	for _, m := range s.mappings {
		if base < m.Base+m.Size && m.Base < base+size {
			return m
		}
	}

	return nil
}

// Choose a base for a new mapping of the given size. The hint is honored if
// the range is free; otherwise an alternate base is chosen in the high
// window.
//
// LOCKS_REQUIRED(s.mu)
func (s *Space) placeLocked(hint uint64, size uint64) uint64 {
	if hint != 0 && s.overlappingLocked(hint, size) == nil {
		return hint
	}

	candidate := HighWindowBase
	for {
		m := s.overlappingLocked(candidate, size)
		if m == nil {
			return candidate
		}

		candidate = s.phys.RoundUp(m.Base + m.Size)
	}
}

// LOCKS_REQUIRED(s.mu)
func (s *Space) insertLocked(m *Mapping) {
	s.mappings = append(s.mappings, m)
}

// MapRange maps the physical range [phys, phys+size) into the space at hint,
// or at an alternate base on conflict. Unknown physical bases are treated as
// device memory and given fresh zeroed backing. Returns the chosen virtual
// base.
//
// LOCKS_EXCLUDED(s.mu)
func (s *Space) MapRange(
	hint uint64,
	size uint64,
	phys uint64,
	user bool) (uint64, error) {
	size = s.phys.RoundUp(size)

	data, err := s.phys.Ensure(phys, size)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	base := s.placeLocked(hint, size)
	s.insertLocked(&Mapping{
		Base: base,
		Size: size,
		Phys: phys,
		User: user,
		data: data[:size],
	})

	return base, nil
}

// AllocRange allocates a fresh physically-backed range of at least size bytes
// and maps it at hint (or an alternate base on conflict). The physical
// backing is owned by this mapping and freed on Teardown.
//
// LOCKS_EXCLUDED(s.mu)
func (s *Space) AllocRange(
	hint uint64,
	size uint64,
	user bool) (base uint64, phys uint64, err error) {
	size = s.phys.RoundUp(size)

	phys, err = s.phys.AllocContiguous(size)
	if err != nil {
		return
	}

	data, _ := s.phys.Backing(phys)

	s.mu.Lock()
	defer s.mu.Unlock()

	base = s.placeLocked(hint, size)
	s.insertLocked(&Mapping{
		Base:  base,
		Size:  size,
		Phys:  phys,
		User:  user,
		Owned: true,
		data:  data,
	})

	return
}

// CopyPhysMapping aliases the physical pages behind [srcBase, srcBase+size)
// in src into this space at hint (or an alternate base on conflict),
// propagating the user-access bit. Returns the virtual base in this space.
//
// LOCKS_EXCLUDED(s.mu, src.mu)
func (s *Space) CopyPhysMapping(
	src *Space,
	srcBase uint64,
	size uint64,
	hint uint64,
	user bool) (uint64, error) {
	src.mu.Lock()
	m := src.overlappingLocked(srcBase, 1)
	if m == nil || srcBase != m.Base || s.phys.RoundUp(size) != m.Size {
		src.mu.Unlock()
		return 0, fmt.Errorf(
			"CopyPhysMapping: no mapping of 0x%x bytes at 0x%x",
			size,
			srcBase)
	}

	phys := m.Phys
	data := m.data
	src.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	base := s.placeLocked(hint, uint64(len(data)))
	s.insertLocked(&Mapping{
		Base: base,
		Size: uint64(len(data)),
		Phys: phys,
		User: user,
		data: data,
	})

	return base, nil
}

// FreeRange removes the mapping at exactly [base, base+size), returning the
// physical base it pointed at. The physical backing is not freed; callers
// that own it free it through the allocator once every aliasing space has
// unmapped.
//
// LOCKS_EXCLUDED(s.mu)
func (s *Space) FreeRange(base uint64, size uint64) (uint64, error) {
	size = s.phys.RoundUp(size)

	s.mu.Lock()
	defer s.mu.Unlock()

	for i, m := range s.mappings {
		if m.Base == base && m.Size == size {
			s.mappings = append(s.mappings[:i], s.mappings[i+1:]...)
			return m.Phys, nil
		}
	}

	return 0, fmt.Errorf("FreeRange: no mapping [0x%x, +0x%x)", base, size)
}

// Slice returns the memory behind [base, base+size), which must lie within a
// single mapping. This is the module's stand-in for a user pointer.
//
// LOCKS_EXCLUDED(s.mu)
func (s *Space) Slice(base uint64, size uint64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.mappings {
		if base >= m.Base && base+size <= m.Base+m.Size {
			off := base - m.Base
			return m.data[off : off+size : off+size], nil
		}
	}

	return nil, fmt.Errorf("Slice: [0x%x, +0x%x) not mapped", base, size)
}

// Mappings returns a snapshot of the space's live mappings.
//
// LOCKS_EXCLUDED(s.mu)
func (s *Space) Mappings() []Mapping {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Mapping, 0, len(s.mappings))
	for _, m := range s.mappings {
		out = append(out, *m)
	}

	return out
}

// Teardown unmaps everything and frees the physical backing of mappings that
// own it. Called when the owning process dies.
//
// LOCKS_EXCLUDED(s.mu)
func (s *Space) Teardown() {
	s.mu.Lock()
	mappings := s.mappings
	s.mappings = nil
	s.mu.Unlock()

	for _, m := range mappings {
		if m.Owned {
			s.phys.Free(m.Phys)
		}
	}
}
