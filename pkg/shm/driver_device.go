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
	"io"
	"os"

	internalshm "github.com/srediag/shmem/internal/shm"
)

// PhysRegion is one physical memory range exported by a physmem device.
type PhysRegion struct {
	PAddr  uint64
	Length uint64
}

// RegionQuerier lists the physical regions behind a device.
type RegionQuerier interface {
	Regions(f *os.File) ([]PhysRegion, error)
}

type ioctlQuerier struct {
	req uint
}

func (q ioctlQuerier) Regions(f *os.File) ([]PhysRegion, error) {
	rs, err := retryTransient("query "+f.Name(), func() ([]internalshm.Region, error) {
		return internalshm.DeviceRegions(int(f.Fd()), q.req)
	})
	if err != nil {
		return nil, err
	}
	out := make([]PhysRegion, len(rs))
	for i, r := range rs {
		out[i] = PhysRegion{PAddr: r.PAddr, Length: r.Length}
	}
	return out, nil
}

// deviceDriver expands a physmem device into one segment per usable region.
// The mapping offset of a region is its physical address.
type deviceDriver struct {
	mmapDriver
}

func (deviceDriver) describe(spec *BackingSpec, geom Geometry) ([]Descriptor, error) {
	f, err := openRetry(spec.Path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open device: %w", err)
	}
	defer f.Close()
	gen, err := internalshm.DeviceGeneration(int(f.Fd()))
	if err != nil {
		return nil, platformErr("device "+spec.Path, err)
	}
	q := spec.Querier
	if q == nil {
		q = ioctlQuerier{req: geom.PhysmemRequest}
	}
	regions, err := q.Regions(f)
	if err != nil {
		return nil, fmt.Errorf("device %s regions: %w: %w", spec.Path, ErrBackingStore, err)
	}
	page := uint64(pageSize())
	var out []Descriptor
	for _, r := range regions {
		length := uint64(internalshm.AlignDown(uintptr(r.Length), pageSize()))
		switch {
		case length < HeaderSize:
			internalLogger.tracef("device %s: region %#x+%#x below header size, skipped", spec.Path, r.PAddr, r.Length)
			continue
		case r.PAddr == 0 || r.PAddr%page != 0:
			internalLogger.tracef("device %s: region %#x+%#x unusable address, skipped", spec.Path, r.PAddr, r.Length)
			continue
		case r.PAddr+length > geom.AddressSpace || r.PAddr+length < r.PAddr:
			internalLogger.tracef("device %s: region %#x+%#x beyond address space %#x, skipped",
				spec.Path, r.PAddr, r.Length, geom.AddressSpace)
			continue
		}
		d := Descriptor{
			Type:       TypeDevice,
			Flags:      segmentFlags(spec),
			Length:     length,
			PAddr:      r.PAddr,
			Offset:     r.PAddr,
			Generation: gen,
		}
		if err := d.setPath(spec.Path); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("device %s: %w", spec.Path, ErrNoSegments)
	}
	return out, nil
}

func (drv deviceDriver) Init(ctx context.Context, spec *BackingSpec, geom Geometry) ([]Descriptor, error) {
	out, err := drv.describe(spec, geom)
	if err != nil {
		return nil, err
	}
	internalLogger.debugf("device %s: %d segments", spec.Path, len(out))
	return out, nil
}

// Locate returns the first usable region that holds a pool root. A caller
// that does not know the pool's address space filters with a wider one, so
// regions the creator skipped may come first.
func (drv deviceDriver) Locate(spec *BackingSpec, geom Geometry) (Descriptor, error) {
	out, err := drv.describe(spec, geom)
	if err != nil {
		return Descriptor{}, err
	}
	var first error
	for i := range out {
		err := rootAt(drv, &out[i])
		if err == nil {
			return out[i], nil
		}
		internalLogger.tracef("device %s: region %#x: %v", spec.Path, out[i].PAddr, err)
		keepFirst(&first, err)
	}
	return Descriptor{}, fmt.Errorf("device %s: no pool root in %d regions: %w", spec.Path, len(out), first)
}

func rootAt(drv Driver, d *Descriptor) error {
	raw, err := drv.ReadHeader(d)
	if err != nil {
		return err
	}
	var h Header
	if err := h.UnmarshalBinary(raw); err != nil {
		return err
	}
	if h.Self.PAddr != d.PAddr || h.Self.Offset != d.Offset {
		return fmt.Errorf("header describes %v: %w", h.Self, ErrChainBroken)
	}
	return h.validateRoot()
}

func (deviceDriver) Attach(desc *Descriptor, phys, virt uintptr) (*Mapping, error) {
	return attachDevice(desc, phys, virt)
}

func attachDevice(desc *Descriptor, phys, virt uintptr) (*Mapping, error) {
	f, err := openRetry(desc.PathString(), os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	gen, err := internalshm.DeviceGeneration(int(f.Fd()))
	if err != nil {
		return nil, platformErr("device "+desc.PathString(), err)
	}
	if gen != desc.Generation {
		return nil, fmt.Errorf("%s: generation %#x, recorded %#x: %w", desc.PathString(), gen, desc.Generation, ErrDeviceChanged)
	}
	return mapFd(int(f.Fd()), desc, phys, virt)
}

// virtDeviceDriver maps a whole device as one segment without a physical
// address.
type virtDeviceDriver struct {
	mmapDriver
}

func (virtDeviceDriver) Init(ctx context.Context, spec *BackingSpec, geom Geometry) ([]Descriptor, error) {
	f, err := openRetry(spec.Path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open device: %w", err)
	}
	defer f.Close()
	gen, err := internalshm.DeviceGeneration(int(f.Fd()))
	if err != nil {
		return nil, platformErr("device "+spec.Path, err)
	}
	size := spec.Size
	if size == 0 {
		end, err := f.Seek(0, io.SeekEnd)
		if err != nil {
			return nil, fmt.Errorf("size of %s: %w: %w", spec.Path, ErrBackingStore, err)
		}
		if uint64(end) <= spec.Offset {
			return nil, fmt.Errorf("device %s: offset %#x past end: %w", spec.Path, spec.Offset, ErrNoSegments)
		}
		size = uint64(end) - spec.Offset
	}
	size = uint64(internalshm.AlignDown(uintptr(size), pageSize()))
	if size < HeaderSize {
		return nil, fmt.Errorf("device %s: %w", spec.Path, ErrNoSegments)
	}
	if size > geom.AddressSpace {
		return nil, fmt.Errorf("device %s: %s exceeds address space: %w", spec.Path, FormatSize(size), ErrSegmentTooLarge)
	}
	d := Descriptor{
		Type:       TypeVirtDevice,
		Flags:      segmentFlags(spec),
		Length:     size,
		Offset:     spec.Offset,
		Generation: gen,
	}
	if err := d.setPath(spec.Path); err != nil {
		return nil, err
	}
	return []Descriptor{d}, nil
}

func (virtDeviceDriver) Locate(spec *BackingSpec, geom Geometry) (Descriptor, error) {
	d := Descriptor{Type: TypeVirtDevice, Offset: spec.Offset}
	if err := d.setPath(spec.Path); err != nil {
		return d, err
	}
	return d, nil
}

// Attach never aliases into the physical half.
func (virtDeviceDriver) Attach(desc *Descriptor, phys, virt uintptr) (*Mapping, error) {
	return attachDevice(desc, 0, virt)
}
