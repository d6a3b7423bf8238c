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

	"go.opentelemetry.io/otel/attribute"
)

// PrototypeInit creates a new pool from cfg.Backing. It builds the segment
// chain from the last backing store to the first, finalizes the first
// segment's pool-wide fields and writes the admin structure through a
// temporary mapping. The address-space reservation stays recorded so the
// creating process can Attach to the identical layout. System-V ids created
// here are stored back into cfg.Backing.
func PrototypeInit(ctx context.Context, cfg *Config) (descs []Descriptor, err error) {
	if err := VerifyConfig(cfg); err != nil {
		return nil, err
	}
	tel := newTelemetry(cfg)
	ctx, span := tel.start(ctx, "shmem.PrototypeInit", attribute.Int("backing", len(cfg.Backing)))
	defer func() { tel.end(span, err) }()

	proc.mu.Lock()
	defer proc.mu.Unlock()
	if proc.pool != nil {
		return nil, fmt.Errorf("prototype init: %w", ErrAlreadyAttached)
	}
	size := cfg.AddressSpace
	if size == 0 {
		size = DefaultAddressSpace()
	}
	res, created, err := reserveLocked(size, cfg.BaseAddress, cfg.Padding)
	if err != nil {
		return nil, err
	}
	var made []Descriptor
	defer func() {
		if err == nil {
			return
		}
		removeSegments(made)
		if created {
			_ = releaseLocked()
		}
	}()

	specs := append([]BackingSpec(nil), cfg.Backing...)
	for i := range specs {
		specs[i].Prefault = specs[i].Prefault || cfg.Flags&FlagPrefault != 0
	}
	assignPhys(specs, cfg.SimulatedPhysBase)
	geom := Geometry{AddressSpace: size, PhysmemRequest: cfg.PhysmemRequest}

	var (
		next     Descriptor
		rootNext Descriptor
	)
	for i := len(specs) - 1; i >= 0; i-- {
		drv, err := driverForSpec(&specs[i])
		if err != nil {
			return nil, err
		}
		ds, err := drv.Init(ctx, &specs[i], geom)
		if err != nil {
			return nil, fmt.Errorf("backing %d (%v): %w", i, specs[i], err)
		}
		made = append(made, ds...)
		if i == 0 {
			ds[0].Flags |= SegFirst
		}
		for j := len(ds) - 1; j >= 0; j-- {
			switch {
			case ds[j].Flags&SegNoHeader != 0:
				if !next.IsNull() {
					return nil, fmt.Errorf("%v: header-less segment must end the chain: %w", ds[j], ErrInvalidConfig)
				}
			case i == 0 && j == 0:
				rootNext = next
			default:
				if err := writeHeader(drv, &Header{Magic: HeaderMagic, Version: HeaderVersion, Self: ds[j], Next: next}); err != nil {
					return nil, err
				}
			}
			next = ds[j]
		}
		descs = append(ds, descs...)
	}

	var virt uint64
	for _, d := range descs {
		virt += alignPage(d.Length)
	}
	if virt > size {
		return nil, fmt.Errorf("segments need %s of %s address space: %w", FormatSize(virt), FormatSize(size), ErrSegmentTooLarge)
	}
	if err := initRoot(cfg, res, descs[0], rootNext); err != nil {
		return nil, err
	}
	for i := range cfg.Backing {
		cfg.Backing[i].SysVID = specs[i].SysVID
	}
	internalLogger.infof("created pool of %d segments, %s at %#x", len(descs), FormatSize(virt), res.VirtBase())
	return descs, nil
}

// assignPhys gives file and sysv specs consecutive simulated physical
// addresses starting at base.
func assignPhys(specs []BackingSpec, base uint64) {
	if base == 0 {
		return
	}
	for i := range specs {
		s := &specs[i]
		if s.Kind != BackingFile && s.Kind != BackingSysV {
			continue
		}
		s.paddr = base
		base += alignPage(s.Size)
	}
}

// initRoot rewrites the first header with the pool-wide fields and lays out
// the admin structure and allocator state behind it.
func initRoot(cfg *Config, res *Reservation, first, next Descriptor) error {
	if first.Length < rootReserve {
		return fmt.Errorf("first segment %s, need %s: %w", FormatSize(first.Length), FormatSize(rootReserve), ErrInvalidConfig)
	}
	drv, err := driverFor(first.Type)
	if err != nil {
		return err
	}
	pseudo := first
	pseudo.Flags &^= SegPrefault
	m, err := drv.Attach(&pseudo, 0, 0)
	if err != nil {
		return err
	}
	h := Header{Magic: HeaderMagic, Version: HeaderVersion, Self: first, Next: next}
	h.setPool(res)
	b, err := h.MarshalBinary()
	if err != nil {
		_ = drv.Detach(m)
		return err
	}
	copy(m.Bytes(), b)
	initAllocState(stateAt(m.Virt+uintptr(allocStateOffset)), res.VirtBase(), first.Length)
	adminAt(m.Virt+uintptr(adminOffset)).init(cfg, res.VirtBase()+allocStateOffset)
	return drv.Detach(m)
}

func removeSegments(ds []Descriptor) {
	for i := range ds {
		drv, err := driverFor(ds[i].Type)
		if err != nil {
			continue
		}
		if err := drv.Remove(&ds[i]); err != nil {
			internalLogger.warnf("remove %v: %v", ds[i], err)
		}
	}
}
