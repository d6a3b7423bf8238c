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
	"fmt"
	"sync"

	"github.com/shirou/gopsutil/v3/host"

	internalshm "github.com/srediag/shmem/internal/shm"
)

const (
	maxAddressSpace   = 1 << 40
	guestAddressSpace = 64 << 30
	fallbackPhysBits  = 39
)

func pageSize() uintptr { return internalshm.PageSize() }

func largePageSize() uint64 { return internalshm.LargePageSize }

// Reservation is the address range backing a pool: a physical half at Base
// followed by a virtual half of the same size.
type Reservation struct {
	Base         uint64
	AddressSpace uint64

	// bytes of each half still owned by this process
	physHeld uint64
	virtHeld uint64
}

// PhysBase returns the start of the physical half.
func (r *Reservation) PhysBase() uint64 { return r.Base }

// VirtBase returns the start of the virtual half.
func (r *Reservation) VirtBase() uint64 { return r.Base + r.AddressSpace }

// Length returns the full reserved length.
func (r *Reservation) Length() uint64 { return 2 * r.AddressSpace }

func (r *Reservation) String() string {
	return fmt.Sprintf("reservation[%#x+%#x phys=%s virt=%s]", r.Base, r.Length(),
		FormatSize(r.physHeld), FormatSize(r.virtHeld))
}

// Contains reports whether [addr, addr+n) lies in the virtual half.
func (r *Reservation) Contains(addr, n uint64) bool {
	return addr >= r.VirtBase() && addr+n <= r.VirtBase()+r.AddressSpace && addr+n >= addr
}

// process wide attach state
var proc struct {
	mu   sync.Mutex
	res  *Reservation
	pool *Pool
}

// DefaultAddressSpace derives the per-half address space size from the
// physical address width of the host, capped at 1 TiB and reduced when
// running as a virtualization guest.
func DefaultAddressSpace() uint64 {
	bits, _, err := internalshm.AddressBits()
	if err != nil || bits <= 0 {
		internalLogger.debugf("address bits unavailable, assuming %d: %v", fallbackPhysBits, err)
		bits = fallbackPhysBits
	}
	size := uint64(maxAddressSpace)
	if bits < 40 {
		size = 1 << bits
	}
	if _, role, err := host.Virtualization(); err == nil && role == "guest" {
		size = min(size, guestAddressSpace)
	}
	return size
}

// Reserve claims 2*size bytes of inaccessible address space at base, or at
// a kernel chosen large-page aligned address when base is zero. The result
// is recorded for the process: asking again for the identical base and size
// returns the recorded reservation.
func Reserve(size, base, padding uint64) (*Reservation, error) {
	proc.mu.Lock()
	defer proc.mu.Unlock()
	res, _, err := reserveLocked(size, base, padding)
	return res, err
}

// ReleaseReservation returns the recorded reservation to the OS. It fails
// while a pool is attached.
func ReleaseReservation() error {
	proc.mu.Lock()
	defer proc.mu.Unlock()
	if proc.pool != nil {
		return fmt.Errorf("release reservation: %w", ErrAlreadyAttached)
	}
	return releaseLocked()
}

// reserveLocked reports whether it created the reservation.
func reserveLocked(size, base, padding uint64) (*Reservation, bool, error) {
	if size == 0 || size%largePageSize() != 0 {
		return nil, false, fmt.Errorf("reserve %#x: %w", size, ErrInvalidConfig)
	}
	if base%largePageSize() != 0 {
		return nil, false, fmt.Errorf("reserve at %#x: %w", base, ErrAlignment)
	}
	if r := proc.res; r != nil {
		if (base == 0 || r.Base == base) && r.AddressSpace == size {
			if err := r.regrow(); err != nil {
				return nil, false, err
			}
			return r, false, nil
		}
		return nil, false, fmt.Errorf("reserve %#x+%#x, have %#x+%#x: %w",
			base, 2*size, r.Base, r.Length(), ErrMapMismatch)
	}
	var (
		addr uintptr
		err  error
	)
	if base != 0 {
		addr, err = internalshm.Reserve(uintptr(base), uintptr(2*size))
	} else {
		addr, err = internalshm.ReserveAligned(uintptr(2*size), internalshm.LargePageSize, uintptr(padding))
	}
	if err != nil {
		return nil, false, platformErr("reserve", err)
	}
	r := &Reservation{Base: uint64(addr), AddressSpace: size, physHeld: size, virtHeld: size}
	proc.res = r
	internalLogger.debugf("reserved %v", r)
	return r, true, nil
}

// regrow takes back previously trimmed tails.
func (r *Reservation) regrow() error {
	if err := r.extend(r.PhysBase(), &r.physHeld, r.AddressSpace); err != nil {
		return err
	}
	return r.extend(r.VirtBase(), &r.virtHeld, r.AddressSpace)
}

// ensureVirt makes sure the first n bytes of the virtual half are held.
func (r *Reservation) ensureVirt(n uint64) error {
	return r.extend(r.VirtBase(), &r.virtHeld, n)
}

// ensurePhys makes sure the first n bytes of the physical half are held.
func (r *Reservation) ensurePhys(n uint64) error {
	return r.extend(r.PhysBase(), &r.physHeld, n)
}

func (r *Reservation) extend(half uint64, held *uint64, n uint64) error {
	n = min(alignLarge(n), r.AddressSpace)
	if n <= *held {
		return nil
	}
	if _, err := internalshm.Reserve(uintptr(half+*held), uintptr(n-*held)); err != nil {
		return platformErr("re-reserve", err)
	}
	*held = n
	return nil
}

// trim returns the tails of both halves beyond the used byte counts.
func (r *Reservation) trim(physUsed, virtUsed uint64) error {
	var err error
	keepFirst(&err, r.shrink(r.PhysBase(), &r.physHeld, physUsed))
	keepFirst(&err, r.shrink(r.VirtBase(), &r.virtHeld, virtUsed))
	if err == nil {
		internalLogger.debugf("trimmed to %v", r)
	}
	return err
}

func (r *Reservation) shrink(half uint64, held *uint64, used uint64) error {
	used = alignLarge(used)
	if used >= *held {
		return nil
	}
	if err := internalshm.Release(uintptr(half+used), uintptr(*held-used)); err != nil {
		return fmt.Errorf("trim: %w: %w", ErrAlignment, err)
	}
	*held = used
	return nil
}

func (r *Reservation) release() error {
	var err error
	keepFirst(&err, r.shrink(r.PhysBase(), &r.physHeld, 0))
	keepFirst(&err, r.shrink(r.VirtBase(), &r.virtHeld, 0))
	return err
}

func releaseLocked() error {
	r := proc.res
	if r == nil {
		return nil
	}
	proc.res = nil
	err := r.release()
	internalLogger.debugf("released reservation at %#x: %v", r.Base, err)
	return err
}

func alignLarge(n uint64) uint64 {
	return uint64(internalshm.AlignUp(uintptr(n), internalshm.LargePageSize))
}

func alignPage(n uint64) uint64 {
	return uint64(internalshm.AlignUp(uintptr(n), pageSize()))
}
