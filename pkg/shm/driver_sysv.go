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
	"context"
	"fmt"

	internalshm "github.com/srediag/shmem/internal/shm"
)

// sysvDriver backs segments with System-V shared memory.
type sysvDriver struct{}

func (sysvDriver) Init(ctx context.Context, spec *BackingSpec, geom Geometry) ([]Descriptor, error) {
	if spec.Size == 0 {
		return nil, fmt.Errorf("sysv: zero size: %w", ErrInvalidConfig)
	}
	size := alignPage(spec.Size)
	if size > geom.AddressSpace {
		return nil, fmt.Errorf("sysv: %s exceeds address space: %w", FormatSize(size), ErrSegmentTooLarge)
	}
	id, err := retryTransient("shmget", func() (int, error) {
		return internalshm.CreateSysV(uintptr(size))
	})
	if err != nil {
		return nil, platformErr("sysv create", err)
	}
	spec.SysVID = id
	d := Descriptor{
		Type:   TypeSysV,
		Flags:  segmentFlags(spec),
		Length: size,
		PAddr:  spec.paddr,
		SysVID: int64(id),
	}
	internalLogger.debugf("created %v", d)
	return []Descriptor{d}, nil
}

func (sysvDriver) Locate(spec *BackingSpec, geom Geometry) (Descriptor, error) {
	size, err := internalshm.SysVSize(spec.SysVID)
	if err != nil {
		return Descriptor{}, platformErr("sysv locate", err)
	}
	return Descriptor{Type: TypeSysV, Length: uint64(size), SysVID: int64(spec.SysVID)}, nil
}

func (sysvDriver) Attach(desc *Descriptor, phys, virt uintptr) (*Mapping, error) {
	m := &Mapping{Desc: *desc}
	r, err := internalshm.AttachSysV(int(desc.SysVID), virt, desc.Flags&SegPrefault != 0)
	if err != nil {
		return nil, platformErr(fmt.Sprintf("attach %v", *desc), err)
	}
	m.regions = append(m.regions, r)
	m.Virt = r.Addr
	if uint64(r.Len) < desc.Length {
		_ = m.unmap()
		return nil, fmt.Errorf("%v: segment has %#x bytes: %w", *desc, r.Len, ErrChainBroken)
	}
	if phys != 0 {
		r, err := internalshm.AttachSysV(int(desc.SysVID), phys, false)
		if err != nil {
			_ = m.unmap()
			return nil, platformErr(fmt.Sprintf("attach %v at %#x", *desc, phys), err)
		}
		m.regions = append(m.regions, r)
		m.Phys = r.Addr
	}
	return m, nil
}

func (sysvDriver) Detach(m *Mapping) error {
	return m.unmap()
}

func (drv sysvDriver) ReadHeader(desc *Descriptor) ([]byte, error) {
	r, err := internalshm.AttachSysV(int(desc.SysVID), 0, false)
	if err != nil {
		return nil, platformErr("sysv read header", err)
	}
	defer internalshm.UnmapRegion(r)
	if uint64(r.Len) < HeaderSize {
		return nil, fmt.Errorf("sysv %d: %w", desc.SysVID, ErrBadMagic)
	}
	b := make([]byte, HeaderSize)
	copy(b, internalshm.Bytes(r.Addr, r.Len))
	return b, nil
}

func (sysvDriver) Remove(desc *Descriptor) error {
	if err := internalshm.RemoveSysV(int(desc.SysVID)); err != nil {
		return platformErr("sysv remove", err)
	}
	return nil
}
