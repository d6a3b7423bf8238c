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

//go:build linux

package shm

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	reserveFlags = unix.MAP_PRIVATE | unix.MAP_ANONYMOUS | unix.MAP_NORESERVE

	// MaxDeviceRegions bounds the region list returned by a physmem device.
	MaxDeviceRegions = 64
)

var pageSize = uintptr(unix.Getpagesize())

// PageSize returns the system page size.
func PageSize() uintptr {
	return pageSize
}

// Reserve claims n bytes of inaccessible, unbacked address space. A non-zero
// addr must be free: existing mappings are never replaced.
func Reserve(addr, n uintptr) (uintptr, error) {
	flags := reserveFlags
	if addr != 0 {
		flags |= unix.MAP_FIXED_NOREPLACE
	}
	p, err := unix.MmapPtr(-1, 0, unsafe.Pointer(addr), n, unix.PROT_NONE, flags)
	if err != nil {
		switch {
		case addr != 0 && errors.Is(err, unix.EEXIST):
			return 0, ErrAddressInUse
		case errors.Is(err, unix.ENOMEM):
			return 0, ErrNoVirtualMemory
		}
		return 0, fmt.Errorf("mmap reserve %#x+%#x: %w", addr, n, err)
	}
	got := uintptr(p)
	if addr != 0 && got != addr {
		// pre-4.17 kernels treat MAP_FIXED_NOREPLACE as a hint
		_ = unix.MunmapPtr(p, n)
		return 0, ErrAddressInUse
	}
	return got, nil
}

// ReserveAligned reserves n bytes aligned to align at a kernel chosen
// address. padding bytes are claimed first and released afterwards so the
// reservation does not land at the very top of the address space.
func ReserveAligned(n, align, padding uintptr) (addr uintptr, err error) {
	if padding > 0 {
		pad, perr := Reserve(0, padding)
		if perr == nil {
			defer func() {
				if rerr := Release(pad, padding); rerr != nil && err == nil {
					err = fmt.Errorf("release padding: %w", rerr)
				}
			}()
		}
	}
	base, err := Reserve(0, n+align)
	if err != nil {
		return 0, err
	}
	aligned := AlignUp(base, align)
	if front := aligned - base; front > 0 {
		if err := Release(base, front); err != nil {
			return 0, fmt.Errorf("%w: front trim: %v", ErrAlignment, err)
		}
	}
	if back := base + n + align - (aligned + n); back > 0 {
		if err := Release(aligned+n, back); err != nil {
			return 0, fmt.Errorf("%w: back trim: %v", ErrAlignment, err)
		}
	}
	return aligned, nil
}

// Release returns n bytes at addr to the kernel.
func Release(addr, n uintptr) error {
	if n == 0 {
		return nil
	}
	if err := unix.MunmapPtr(unsafe.Pointer(addr), n); err != nil {
		return fmt.Errorf("munmap %#x+%#x: %w", addr, n, err)
	}
	return nil
}

// Placeholder puts an inaccessible reservation back over [addr, addr+n).
func Placeholder(addr, n uintptr) error {
	p, err := unix.MmapPtr(-1, 0, unsafe.Pointer(addr), n, unix.PROT_NONE, reserveFlags|unix.MAP_FIXED)
	if err != nil {
		return fmt.Errorf("mmap placeholder %#x+%#x: %w", addr, n, err)
	}
	if uintptr(p) != addr {
		return fmt.Errorf("mmap placeholder %#x: kernel returned %#x", addr, uintptr(p))
	}
	return nil
}

// MapRegion maps a shared backing store. A non-zero opts.Addr replaces the
// placeholder at that address; on failure after mapping the placeholder is
// restored, for kernel chosen addresses the mapping is simply removed.
func MapRegion(opts MapOptions) (*MappedRegion, error) {
	flags := unix.MAP_SHARED
	if opts.Addr != 0 {
		flags |= unix.MAP_FIXED
	}
	p, err := unix.MmapPtr(opts.Fd, opts.Offset, unsafe.Pointer(opts.Addr), opts.Size, unix.PROT_READ|unix.PROT_WRITE, flags)
	if err != nil {
		if errors.Is(err, unix.ENOMEM) {
			return nil, ErrNoVirtualMemory
		}
		return nil, fmt.Errorf("mmap: %w", err)
	}
	region := &MappedRegion{Addr: uintptr(p), Len: opts.Size, Fixed: opts.Addr != 0}
	if opts.Prefault {
		if err := Prefault(region.Addr, region.Len); err != nil {
			_ = UnmapRegion(region)
			return nil, err
		}
	}
	return region, nil
}

// UnmapRegion removes a mapping made by MapRegion or AttachSysV.
func UnmapRegion(region *MappedRegion) error {
	if region == nil || region.Addr == 0 {
		return nil
	}
	var err error
	if region.SysV {
		err = unix.SysvShmDetach(Bytes(region.Addr, region.Len))
		if err != nil {
			err = fmt.Errorf("shmdt: %w", err)
		}
	} else if !region.Fixed {
		err = Release(region.Addr, region.Len)
	}
	if region.Fixed {
		if perr := Placeholder(region.Addr, region.Len); perr != nil && err == nil {
			err = perr
		}
	}
	region.Addr = 0
	return err
}

// DeviceRegions asks a physmem device for its physical region list.
func DeviceRegions(fd int, req uint) ([]Region, error) {
	var arg struct {
		Count   uint32
		_       uint32
		Regions [MaxDeviceRegions]Region
	}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), uintptr(unsafe.Pointer(&arg)))
	if errno != 0 {
		return nil, fmt.Errorf("ioctl regions: %w", errno)
	}
	n := min(int(arg.Count), MaxDeviceRegions)
	out := make([]Region, n)
	copy(out, arg.Regions[:n])
	return out, nil
}

// DeviceGeneration derives a value that changes whenever the device node is
// recreated. ctime is left out since writes through a mapping update it.
func DeviceGeneration(fd int) (uint64, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return 0, fmt.Errorf("fstat: %w", err)
	}
	return st.Ino<<20 ^ uint64(st.Rdev) ^ uint64(st.Dev)<<40, nil
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EBUSY)
}
