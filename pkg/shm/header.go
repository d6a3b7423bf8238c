/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package shm

import (
	"encoding/binary"
	"fmt"
)

const (
	// HeaderMagic opens every headered segment.
	HeaderMagic   uint32 = 0x53686d50
	HeaderVersion uint32 = 1
)

// Header is stored at the start of every headered segment. The pool-wide
// fields are only meaningful in the segment flagged SegFirst.
type Header struct {
	Magic   uint32
	Version uint32
	Self    Descriptor
	Next    Descriptor

	MapBase      uint64
	MapLength    uint64
	PhysBase     uint64
	VirtBase     uint64
	AddressSpace uint64
}

// HeaderSize is the on-segment footprint of a header.
var HeaderSize = uint64(alignTo(binary.Size(Header{}), 64))

func alignTo(n, a int) int {
	return (n + a - 1) / a * a
}

// First reports whether h is the root of a pool.
func (h *Header) First() bool {
	return h.Self.Flags&SegFirst != 0
}

func (h *Header) setPool(r *Reservation) {
	h.MapBase = r.Base
	h.MapLength = r.Length()
	h.PhysBase = r.PhysBase()
	h.VirtBase = r.VirtBase()
	h.AddressSpace = r.AddressSpace
}

// MarshalBinary encodes h in its little-endian on-segment form.
func (h *Header) MarshalBinary() ([]byte, error) {
	b := make([]byte, HeaderSize)
	if _, err := binary.Encode(b, binary.LittleEndian, h); err != nil {
		return nil, fmt.Errorf("encode header: %w", err)
	}
	return b, nil
}

// UnmarshalBinary decodes and validates a header.
func (h *Header) UnmarshalBinary(b []byte) error {
	if uint64(len(b)) < HeaderSize {
		return fmt.Errorf("short header (%d bytes): %w", len(b), ErrBadMagic)
	}
	if _, err := binary.Decode(b, binary.LittleEndian, h); err != nil {
		return fmt.Errorf("decode header: %w: %w", ErrBadMagic, err)
	}
	if h.Magic != HeaderMagic {
		return fmt.Errorf("magic %#x: %w", h.Magic, ErrBadMagic)
	}
	if h.Version != HeaderVersion {
		return fmt.Errorf("header version %d: %w", h.Version, ErrBadMagic)
	}
	return nil
}

// validateRoot checks the pool-wide fields of a first segment.
func (h *Header) validateRoot() error {
	if !h.First() {
		return fmt.Errorf("%v: %w", h.Self, ErrNotFirst)
	}
	if h.MapLength != 2*h.AddressSpace || h.PhysBase != h.MapBase || h.VirtBase != h.MapBase+h.AddressSpace {
		return fmt.Errorf("map %#x+%#x phys=%#x virt=%#x: %w",
			h.MapBase, h.MapLength, h.PhysBase, h.VirtBase, ErrMapMismatch)
	}
	if h.MapBase%largePageSize() != 0 || h.AddressSpace%largePageSize() != 0 || h.AddressSpace == 0 {
		return fmt.Errorf("map %#x+%#x not aligned: %w", h.MapBase, h.MapLength, ErrMapMismatch)
	}
	return nil
}
