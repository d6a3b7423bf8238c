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
	"fmt"

	"golang.org/x/sys/unix"
)

// shmRemap lets shmat replace an existing mapping at the target address.
const shmRemap = 0o40000

// CreateSysV creates a private System-V segment of size bytes.
func CreateSysV(size uintptr) (int, error) {
	id, err := unix.SysvShmGet(unix.IPC_PRIVATE, int(size), unix.IPC_CREAT|unix.IPC_EXCL|0o600)
	if err != nil {
		return -1, fmt.Errorf("shmget: %w", err)
	}
	return id, nil
}

// AttachSysV attaches segment id. A non-zero addr replaces the placeholder
// at that address.
func AttachSysV(id int, addr uintptr, prefault bool) (*MappedRegion, error) {
	flag := 0
	if addr != 0 {
		flag = shmRemap
	}
	b, err := unix.SysvShmAttach(id, addr, flag)
	if err != nil {
		return nil, fmt.Errorf("shmat %d: %w", id, err)
	}
	region := &MappedRegion{Addr: uintptr(unsafePointer(b)), Len: uintptr(len(b)), Fixed: addr != 0, SysV: true}
	if addr != 0 && region.Addr != addr {
		_ = unix.SysvShmDetach(b)
		region.Addr = 0
		return nil, fmt.Errorf("shmat %d: landed at %#x, want %#x", id, uintptr(unsafePointer(b)), addr)
	}
	if prefault {
		if err := Prefault(region.Addr, region.Len); err != nil {
			_ = UnmapRegion(region)
			return nil, err
		}
	}
	return region, nil
}

// SysVSize returns the size of segment id.
func SysVSize(id int) (uintptr, error) {
	var desc unix.SysvShmDesc
	if _, err := unix.SysvShmCtl(id, unix.IPC_STAT, &desc); err != nil {
		return 0, fmt.Errorf("shmctl stat %d: %w", id, err)
	}
	return uintptr(desc.Segsz), nil
}

// RemoveSysV marks segment id for destruction.
func RemoveSysV(id int) error {
	if _, err := unix.SysvShmCtl(id, unix.IPC_RMID, nil); err != nil {
		return fmt.Errorf("shmctl rmid %d: %w", id, err)
	}
	return nil
}
