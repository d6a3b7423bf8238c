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
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/v3/disk"
)

// fileDriver creates a fresh backing file and maps it like any other file.
type fileDriver struct {
	mmapDriver
}

func (fileDriver) Init(ctx context.Context, spec *BackingSpec, geom Geometry) ([]Descriptor, error) {
	if spec.Size == 0 {
		return nil, fmt.Errorf("file %s: zero size: %w", spec.Path, ErrInvalidConfig)
	}
	size := alignPage(spec.Size)
	if size > geom.AddressSpace {
		return nil, fmt.Errorf("file %s: %s exceeds address space %s: %w",
			spec.Path, FormatSize(size), FormatSize(geom.AddressSpace), ErrSegmentTooLarge)
	}
	if !canCreate(size, spec.Path) {
		return nil, fmt.Errorf("file %s: %s: %w", spec.Path, FormatSize(size), ErrNoSpace)
	}
	d := Descriptor{
		Type:   TypeFile,
		Flags:  segmentFlags(spec),
		Length: size,
		PAddr:  spec.paddr,
		Offset: spec.Offset,
	}
	if err := d.setPath(spec.Path); err != nil {
		return nil, err
	}
	f, err := openRetry(spec.Path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", spec.Path, err)
	}
	defer f.Close()
	if err := f.Truncate(int64(spec.Offset + size)); err != nil {
		_ = os.Remove(spec.Path)
		return nil, fmt.Errorf("truncate %s: %w: %w", spec.Path, ErrBackingStore, err)
	}
	internalLogger.debugf("created %v", d)
	return []Descriptor{d}, nil
}

func (fileDriver) Locate(spec *BackingSpec, geom Geometry) (Descriptor, error) {
	d := Descriptor{Type: TypeFile, Offset: spec.Offset}
	if err := d.setPath(spec.Path); err != nil {
		return d, err
	}
	return d, nil
}

func (fileDriver) Remove(desc *Descriptor) error {
	if err := os.Remove(desc.PathString()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w: %w", desc.PathString(), ErrBackingStore, err)
	}
	return nil
}

// canCreate reports whether the filesystem holding path has size bytes free.
// Filesystems that cannot be queried are given the benefit of the doubt.
func canCreate(size uint64, path string) bool {
	stat, err := disk.Usage(filepath.Dir(path))
	if err != nil {
		internalLogger.debugf("disk usage of %s: %v", path, err)
		return true
	}
	return stat.Free >= size
}
