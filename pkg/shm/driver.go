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
	"time"

	"github.com/cenkalti/backoff/v4"

	internalshm "github.com/srediag/shmem/internal/shm"
)

const transientRetries = 5

// Geometry carries pool-wide parameters a driver needs to describe segments.
type Geometry struct {
	AddressSpace   uint64
	PhysmemRequest uint
}

// Driver creates, maps and removes one kind of backing segment.
type Driver interface {
	// Init creates the backing store for spec and describes the segments
	// it expands to, in chain order.
	Init(ctx context.Context, spec *BackingSpec, geom Geometry) ([]Descriptor, error)
	// Locate describes the first segment of an existing backing store.
	Locate(spec *BackingSpec, geom Geometry) (Descriptor, error)
	// Attach maps desc at virt, and additionally at phys when phys is not
	// zero. A zero virt lets the kernel pick the address.
	Attach(desc *Descriptor, phys, virt uintptr) (*Mapping, error)
	Detach(m *Mapping) error
	ReadHeader(desc *Descriptor) ([]byte, error)
	Remove(desc *Descriptor) error
}

// Mapping is one attached segment.
type Mapping struct {
	Desc Descriptor
	Virt uintptr
	// Phys is the alias in the physical half, 0 if none.
	Phys    uintptr
	regions []*internalshm.MappedRegion
}

// Bytes returns the whole segment through its virtual address.
func (m *Mapping) Bytes() []byte {
	return internalshm.Bytes(m.Virt, uintptr(m.Desc.Length))
}

func (m *Mapping) unmap() error {
	var err error
	for i := len(m.regions) - 1; i >= 0; i-- {
		keepFirst(&err, internalshm.UnmapRegion(m.regions[i]))
	}
	m.regions = nil
	if err != nil {
		return fmt.Errorf("unmap %v: %w: %w", m.Desc, ErrBackingStore, err)
	}
	return nil
}

var drivers = map[SegmentType]Driver{
	TypeFile:       fileDriver{},
	TypeDevice:     deviceDriver{},
	TypeVirtDevice: virtDeviceDriver{},
	TypeSysV:       sysvDriver{},
	TypeMmap:       mmapDriver{},
}

func driverFor(t SegmentType) (Driver, error) {
	if d, ok := drivers[t]; ok {
		return d, nil
	}
	return nil, fmt.Errorf("segment type %v: %w", t, ErrUnsupportedType)
}

func (k BackingKind) segmentType() SegmentType {
	switch k {
	case BackingFile:
		return TypeFile
	case BackingDevice:
		return TypeDevice
	case BackingVirtDevice:
		return TypeVirtDevice
	case BackingSysV:
		return TypeSysV
	}
	return TypeNull
}

func driverForSpec(spec *BackingSpec) (Driver, error) {
	return driverFor(spec.Kind.segmentType())
}

// retryTransient runs fn until it succeeds, fails with a non-transient
// errno or runs out of retries.
func retryTransient[T any](op string, fn func() (T, error)) (T, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = time.Millisecond
	eb.MaxInterval = 50 * time.Millisecond
	return backoff.RetryWithData(func() (T, error) {
		v, err := fn()
		if err == nil {
			return v, nil
		}
		if !internalshm.IsTransient(err) {
			return v, backoff.Permanent(err)
		}
		internalLogger.tracef("%s: %v, retrying", op, err)
		return v, err
	}, backoff.WithMaxRetries(eb, transientRetries))
}

func openRetry(path string, flag int, perm os.FileMode) (*os.File, error) {
	f, err := retryTransient("open "+path, func() (*os.File, error) {
		return os.OpenFile(path, flag, perm)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBackingStore, err)
	}
	return f, nil
}

// writeHeader stores h at the start of its own segment through a temporary
// mapping at a kernel chosen address.
func writeHeader(drv Driver, h *Header) error {
	b, err := h.MarshalBinary()
	if err != nil {
		return err
	}
	d := h.Self
	d.Flags &^= SegPrefault
	m, err := drv.Attach(&d, 0, 0)
	if err != nil {
		return err
	}
	copy(m.Bytes(), b)
	return drv.Detach(m)
}

func readHeaderAt(path string, off uint64) ([]byte, error) {
	f, err := openRetry(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	b := make([]byte, HeaderSize)
	if _, err := f.ReadAt(b, int64(off)); err != nil {
		return nil, fmt.Errorf("read header %s@%#x: %w: %w", path, off, ErrBadMagic, err)
	}
	return b, nil
}

func segmentFlags(spec *BackingSpec) SegmentFlags {
	var f SegmentFlags
	if spec.NoHeader {
		f |= SegNoHeader
	}
	if spec.Prefault {
		f |= SegPrefault
	}
	return f
}
