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
	"os"
	"path/filepath"
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/suite"
)

type PlatformTestSuite struct {
	suite.Suite
}

func (s *PlatformTestSuite) TestReserveAlignedAndFixedAgain() {
	const size = 64 << 20
	base, err := ReserveAligned(size, LargePageSize, 1<<30)
	s.Require().NoError(err)
	s.Equal(uintptr(0), base%LargePageSize)

	// the range is taken, a fixed reservation must refuse it
	_, err = Reserve(base, size)
	s.ErrorIs(err, ErrAddressInUse)

	s.Require().NoError(Release(base, size))
	again, err := Reserve(base, size)
	s.Require().NoError(err)
	s.Equal(base, again)
	s.Require().NoError(Release(again, size))
}

func (s *PlatformTestSuite) TestMapRegionFixedRestoresPlaceholder() {
	size := 4 * PageSize()
	path := filepath.Join(s.T().TempDir(), "segment")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	s.Require().NoError(err)
	defer f.Close()
	s.Require().NoError(f.Truncate(int64(size)))

	base, err := Reserve(0, size)
	s.Require().NoError(err)
	defer func() { _ = Release(base, size) }()

	region, err := MapRegion(MapOptions{Fd: int(f.Fd()), Size: size, Addr: base, Prefault: true})
	s.Require().NoError(err)
	s.Equal(base, region.Addr)
	s.True(region.Fixed)

	b := Bytes(region.Addr, region.Len)
	copy(b, "segment payload")
	s.Require().NoError(UnmapRegion(region))

	onDisk := make([]byte, len("segment payload"))
	_, err = f.ReadAt(onDisk, 0)
	s.Require().NoError(err)
	s.Equal("segment payload", string(onDisk))

	// the placeholder is back, so a fixed reservation still fails
	_, err = Reserve(base, size)
	s.ErrorIs(err, ErrAddressInUse)
}

func (s *PlatformTestSuite) TestPrefaultLargeRange() {
	size := uintptr(3*prefaultChunk + PageSize())
	path := filepath.Join(s.T().TempDir(), "prefault")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	s.Require().NoError(err)
	defer f.Close()
	s.Require().NoError(f.Truncate(int64(size)))

	region, err := MapRegion(MapOptions{Fd: int(f.Fd()), Size: size})
	s.Require().NoError(err)
	s.NoError(Prefault(region.Addr, region.Len))
	s.NoError(UnmapRegion(region))
}

func (s *PlatformTestSuite) TestAtomicsOnMapping() {
	size := PageSize()
	path := filepath.Join(s.T().TempDir(), "atomics")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	s.Require().NoError(err)
	defer f.Close()
	s.Require().NoError(f.Truncate(int64(size)))
	region, err := MapRegion(MapOptions{Fd: int(f.Fd()), Size: size})
	s.Require().NoError(err)
	defer func() { _ = UnmapRegion(region) }()

	word := unsafe.Pointer(region.Addr)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for k := 0; k < 1000; k++ {
				AtomicAddUint64(word, 1)
			}
		}()
	}
	wg.Wait()
	s.Equal(uint64(8000), AtomicLoadUint64(word))
	s.True(AtomicCompareAndSwapUint64(word, 8000, 1))
	s.False(AtomicCompareAndSwapUint64(word, 8000, 2))
}

func (s *PlatformTestSuite) TestAddressBits() {
	phys, virt, err := AddressBits()
	if err != nil {
		s.T().Skipf("address sizes not available: %v", err)
	}
	s.Greater(phys, 0)
	s.GreaterOrEqual(virt, 32)
}

func TestPlatformTestSuite(t *testing.T) {
	suite.Run(t, new(PlatformTestSuite))
}
