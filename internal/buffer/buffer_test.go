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

package buffer

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"
)

func TestPutNamePadsWithNULs(t *testing.T) {
	field := make([]byte, MaxServiceNameLen)
	for i := range field {
		field[i] = 0xff
	}

	PutName(field, "com.example.net")

	if got := Name(field); got != "com.example.net" {
		t.Fatalf("Name = %q", got)
	}

	for i := len("com.example.net"); i < MaxServiceNameLen; i++ {
		if field[i] != 0 {
			t.Fatalf("non-NUL padding at offset %d", i)
		}
	}
}

func TestEncodeLayout(t *testing.T) {
	region := make([]byte, HeaderSize+16)
	payload := []byte{0xde, 0xad, 0xbe, 0xef}

	n := Encode(region, "com.test.a", "com.test.b", payload)
	if want := HeaderSize + len(payload); n != want {
		t.Fatalf("Encode returned %d, want %d", n, want)
	}

	// Source at offset 0, dest at 64, length at 128, payload at 132.
	if got := Name(region[0:]); got != "com.test.a" {
		t.Errorf("source = %q", got)
	}

	if got := Name(region[64:]); got != "com.test.b" {
		t.Errorf("dest = %q", got)
	}

	if got := binary.LittleEndian.Uint32(region[128:]); got != 4 {
		t.Errorf("length = %d", got)
	}

	if !bytes.Equal(region[132:136], payload) {
		t.Errorf("payload = % x", region[132:136])
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	region := make([]byte, HeaderSize+64)
	payload := []byte("taco")
	Encode(region, "com.test.a", "com.test.b", payload)

	source, dest, got, err := Decode(region)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if source != "com.test.a" || dest != "com.test.b" {
		t.Errorf("names = %q, %q", source, dest)
	}

	if !bytes.Equal(got, payload) {
		t.Errorf("payload = %q", got)
	}

	// The payload must alias the region.
	region[HeaderSize] = 'T'
	if got[0] != 'T' {
		t.Errorf("payload does not alias the region")
	}
}

func TestDecodeTruncatedHeader(t *testing.T) {
	if _, _, _, err := Decode(make([]byte, HeaderSize-1)); err == nil {
		t.Fatalf("expected an error")
	}
}

func TestDecodeLengthPastRegion(t *testing.T) {
	region := make([]byte, HeaderSize+4)
	Encode(region, "a", "b", []byte{1, 2, 3, 4})
	binary.LittleEndian.PutUint32(region[128:], 5)

	if _, _, _, err := Decode(region); err == nil {
		t.Fatalf("expected an error")
	}
}

func TestPutNameRejectsOverlongName(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected a panic")
		}
	}()

	PutName(make([]byte, MaxServiceNameLen), strings.Repeat("x", MaxServiceNameLen))
}

func TestPeekEvent(t *testing.T) {
	if _, ok := PeekEvent([]byte{1, 2, 3}); ok {
		t.Errorf("short payload should have no event")
	}

	event, ok := PeekEvent([]byte{0x0a, 0x00, 0x00, 0x00, 0xff})
	if !ok || event != 10 {
		t.Errorf("event = %d, ok = %v", event, ok)
	}
}
