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

// Package shm contains the platform layer for the shared memory pool:
// address-space reservation, fixed-address mappings, System-V segments and
// page prefaulting.
package shm

import (
	"errors"
	"unsafe"
)

// LargePageSize is the alignment used for address-space reservations.
const LargePageSize = 2 << 20

var (
	// ErrAddressInUse is returned when a fixed reservation overlaps an existing mapping.
	ErrAddressInUse = errors.New("requested address range is already mapped")
	// ErrNoVirtualMemory is returned when the kernel refuses to hand out address space.
	ErrNoVirtualMemory = errors.New("out of virtual address space")
	// ErrAlignment is returned when an aligned reservation cannot be trimmed.
	ErrAlignment = errors.New("cannot align reservation")
	// ErrPrefault is returned when a page of a mapping cannot be populated.
	ErrPrefault = errors.New("cannot prefault mapping")
	// ErrNotSupported is returned on platforms without the required primitives.
	ErrNotSupported = errors.New("shared memory pool not supported on this platform")
)

// MappedRegion represents a memory-mapped shared region.
type MappedRegion struct {
	Addr uintptr
	Len  uintptr
	// Fixed is set when the region was placed at a caller-owned address
	// inside a reservation; unmapping must then restore the placeholder.
	Fixed bool
	// SysV marks regions attached with shmat.
	SysV bool
}

// MapOptions defines options for mapping a backing store.
type MapOptions struct {
	Fd     int
	Offset int64
	Size   uintptr
	// Addr is the desired address, zero lets the kernel choose.
	Addr     uintptr
	Prefault bool
}

// Region describes one physical memory range exported by a physmem device.
type Region struct {
	PAddr  uint64
	Length uint64
}

// Bytes returns a slice view of n bytes at addr.
func Bytes(addr, n uintptr) []byte {
	if addr == 0 || n == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
}

// AlignUp rounds n up to a multiple of a (a power of two).
func AlignUp(n, a uintptr) uintptr {
	return (n + a - 1) &^ (a - 1)
}

// AlignDown rounds n down to a multiple of a (a power of two).
func AlignDown(n, a uintptr) uintptr {
	return n &^ (a - 1)
}

func unsafePointer(b []byte) unsafe.Pointer {
	return unsafe.Pointer(unsafe.SliceData(b))
}
