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

//go:build !linux

package shm

import "os"

// MaxDeviceRegions bounds the region list returned by a physmem device.
const MaxDeviceRegions = 64

// PageSize returns the system page size.
func PageSize() uintptr { return uintptr(os.Getpagesize()) }

func Reserve(addr, n uintptr) (uintptr, error) { return 0, ErrNotSupported }

func ReserveAligned(n, align, padding uintptr) (uintptr, error) { return 0, ErrNotSupported }

func Release(addr, n uintptr) error { return ErrNotSupported }

func Placeholder(addr, n uintptr) error { return ErrNotSupported }

func MapRegion(opts MapOptions) (*MappedRegion, error) { return nil, ErrNotSupported }

func UnmapRegion(region *MappedRegion) error { return ErrNotSupported }

func Prefault(addr, n uintptr) error { return ErrNotSupported }

func DeviceRegions(fd int, req uint) ([]Region, error) { return nil, ErrNotSupported }

func DeviceGeneration(fd int) (uint64, error) { return 0, ErrNotSupported }

func IsTransient(err error) bool { return false }

func CreateSysV(size uintptr) (int, error) { return -1, ErrNotSupported }

func AttachSysV(id int, addr uintptr, prefault bool) (*MappedRegion, error) {
	return nil, ErrNotSupported
}

func SysVSize(id int) (uintptr, error) { return 0, ErrNotSupported }

func RemoveSysV(id int) error { return ErrNotSupported }

func AddressBits() (phys, virt int, err error) { return 0, 0, ErrNotSupported }
