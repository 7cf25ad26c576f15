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

// Package buffer defines the on-wire layout of bus messages as they appear in
// a service's delivery pool, and helpers for encoding into and decoding out
// of such a region.
package buffer

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// MaxServiceNameLen is the size of each name field in a message header,
	// including the NUL terminator.
	MaxServiceNameLen = 64

	// HeaderSize is the size of the fixed header preceding every payload in a
	// delivery pool: two NUL-padded name fields followed by a little-endian
	// payload length.
	HeaderSize = 2*MaxServiceNameLen + 4

	// MaxMessageSize is the maximum payload size accepted by the bus.
	MaxMessageSize = 16 * 1024 * 1024
)

// Header field offsets.
const (
	sourceOffset = 0
	destOffset   = MaxServiceNameLen
	lenOffset    = 2 * MaxServiceNameLen
)

// PutName writes name into the MaxServiceNameLen-sized field at dst,
// NUL-padding the remainder. It panics if the field is too small or the name
// doesn't fit with its terminator; callers validate name lengths at the
// syscall boundary.
func PutName(dst []byte, name string) {
	if len(dst) < MaxServiceNameLen {
		panic(fmt.Sprintf("PutName: field of %d bytes", len(dst)))
	}

	if len(name) >= MaxServiceNameLen {
		panic(fmt.Sprintf("PutName: name of %d bytes", len(name)))
	}

	n := copy(dst, name)
	for i := n; i < MaxServiceNameLen; i++ {
		dst[i] = 0
	}
}

// Name reads a NUL-padded name field starting at b.
func Name(b []byte) string {
	if len(b) > MaxServiceNameLen {
		b = b[:MaxServiceNameLen]
	}

	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}

	return string(b)
}

// Encode writes a complete (header + payload) message into dst, returning the
// total number of bytes written. dst must be at least HeaderSize+len(payload)
// bytes; delivery pools are sized so that a maximum message always fits.
func Encode(dst []byte, source string, dest string, payload []byte) int {
	total := HeaderSize + len(payload)
	if len(dst) < total {
		panic(fmt.Sprintf(
			"Encode: %d-byte message into %d-byte region",
			total,
			len(dst)))
	}

	PutName(dst[sourceOffset:], source)
	PutName(dst[destOffset:], dest)
	binary.LittleEndian.PutUint32(dst[lenOffset:], uint32(len(payload)))
	copy(dst[HeaderSize:], payload)

	return total
}

// Decode reads a message previously written with Encode. The returned payload
// aliases b.
func Decode(b []byte) (source string, dest string, payload []byte, err error) {
	if len(b) < HeaderSize {
		err = errors.New("Decode: truncated header")
		return
	}

	source = Name(b[sourceOffset:])
	dest = Name(b[destOffset:])

	l := binary.LittleEndian.Uint32(b[lenOffset:])
	if uint64(HeaderSize)+uint64(l) > uint64(len(b)) {
		err = fmt.Errorf("Decode: %d-byte payload in %d-byte region", l, len(b))
		return
	}

	payload = b[HeaderSize : HeaderSize+int(l)]
	return
}

// PeekEvent returns the leading little-endian u32 of a payload, used as the
// event tag by receive filters and core-command dispatch.
func PeekEvent(payload []byte) (event uint32, ok bool) {
	if len(payload) < 4 {
		return
	}

	return binary.LittleEndian.Uint32(payload), true
}
