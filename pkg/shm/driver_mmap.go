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
	"os"

	internalshm "github.com/srediag/shmem/internal/shm"
)

// mmapDriver maps an existing file or device by path. It backs the file
// and device drivers and cannot create storage itself.
type mmapDriver struct{}

func (mmapDriver) Init(ctx context.Context, spec *BackingSpec, geom Geometry) ([]Descriptor, error) {
	return nil, fmt.Errorf("init mmap segment: %w", ErrNotImplemented)
}

func (mmapDriver) Locate(spec *BackingSpec, geom Geometry) (Descriptor, error) {
	return Descriptor{}, fmt.Errorf("locate mmap segment: %w", ErrNotImplemented)
}

func (mmapDriver) Attach(desc *Descriptor, phys, virt uintptr) (*Mapping, error) {
	f, err := openRetry(desc.PathString(), os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return mapFd(int(f.Fd()), desc, phys, virt)
}

func (mmapDriver) Detach(m *Mapping) error {
	return m.unmap()
}

func (mmapDriver) ReadHeader(desc *Descriptor) ([]byte, error) {
	return readHeaderAt(desc.PathString(), desc.Offset)
}

func (mmapDriver) Remove(desc *Descriptor) error {
	return nil
}

// mapFd maps desc from fd. On failure every region mapped so far is undone,
// which restores the placeholder for fixed targets.
func mapFd(fd int, desc *Descriptor, phys, virt uintptr) (*Mapping, error) {
	m := &Mapping{Desc: *desc}
	r, err := internalshm.MapRegion(internalshm.MapOptions{
		Fd:       fd,
		Offset:   int64(desc.Offset),
		Size:     uintptr(desc.Length),
		Addr:     virt,
		Prefault: desc.Flags&SegPrefault != 0,
	})
	if err != nil {
		return nil, platformErr(fmt.Sprintf("map %v at %#x", *desc, virt), err)
	}
	m.regions = append(m.regions, r)
	m.Virt = r.Addr
	if phys != 0 {
		r, err := internalshm.MapRegion(internalshm.MapOptions{
			Fd:     fd,
			Offset: int64(desc.Offset),
			Size:   uintptr(desc.Length),
			Addr:   phys,
		})
		if err != nil {
			_ = m.unmap()
			return nil, platformErr(fmt.Sprintf("map %v at %#x", *desc, phys), err)
		}
		m.regions = append(m.regions, r)
		m.Phys = r.Addr
	}
	return m, nil
}
