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
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyConfig(t *testing.T) {
	valid := func() *Config {
		c := DefaultConfig()
		c.Backing = []BackingSpec{{Kind: BackingFile, Path: "/tmp/pool", Size: 16 << 20}}
		return c
	}
	assert.NoError(t, VerifyConfig(valid()))
	assert.ErrorIs(t, VerifyConfig(nil), ErrInvalidConfig)

	cases := []struct {
		name   string
		modify func(*Config)
		want   error
	}{
		{"no backing", func(c *Config) { c.Backing = nil }, ErrInvalidConfig},
		{"empty path", func(c *Config) { c.Backing[0].Path = "" }, ErrInvalidConfig},
		{"long path", func(c *Config) { c.Backing[0].Path = "/" + strings.Repeat("p", PathMax) }, ErrInvalidConfig},
		{"unknown kind", func(c *Config) { c.Backing[0].Kind = 9 }, ErrUnsupportedType},
		{"unaligned offset", func(c *Config) { c.Backing[0].Offset = 100 }, ErrInvalidConfig},
		{"headerless first", func(c *Config) { c.Backing[0].NoHeader = true }, ErrInvalidConfig},
		{"headerless middle", func(c *Config) {
			c.Backing[0].NoHeader = false
			c.Backing = append(c.Backing,
				BackingSpec{Kind: BackingSysV, Size: 4 << 20, NoHeader: true},
				BackingSpec{Kind: BackingSysV, Size: 4 << 20})
		}, ErrInvalidConfig},
		{"address space", func(c *Config) { c.AddressSpace = 3 << 20 }, ErrInvalidConfig},
		{"base address", func(c *Config) { c.BaseAddress = 0x1000 }, ErrAlignment},
		{"phys base", func(c *Config) { c.SimulatedPhysBase = 100 }, ErrInvalidConfig},
		{"arena cycle", func(c *Config) {
			c.Arenas[ArenaRootGlobal].Parent = ArenaRootThread
		}, ErrInvalidConfig},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := valid()
			tc.modify(c)
			assert.ErrorIs(t, VerifyConfig(c), tc.want)
		})
	}

	c := valid()
	c.Backing = append(c.Backing, BackingSpec{Kind: BackingSysV, Size: 4 << 20, NoHeader: true})
	assert.NoError(t, VerifyConfig(c))
}

func TestSetOption(t *testing.T) {
	c := DefaultConfig()
	require.NoError(t, c.SetOption("file", "/dev/shm/pool:16M"))
	require.NoError(t, c.SetOption("device", "/dev/physmem0"))
	require.NoError(t, c.SetOption("virt_device", "/dev/uio0"))
	require.NoError(t, c.SetOption("sysv", "0x400000"))
	require.NoError(t, c.SetOption("phys_base", "2M"))
	require.NoError(t, c.SetOption("address_space", "64G"))
	require.NoError(t, c.SetOption("base_address", "0x7f0000000000"))
	require.NoError(t, c.SetOption("padding", "0"))
	require.NoError(t, c.SetOption("socket_dir", "/run/shmem"))
	require.NoError(t, c.SetOption("arena", "cache_thread.grow_bytes=1M"))
	require.NoError(t, c.SetOption("poison", ""))
	require.NoError(t, c.SetOption("local_alloc", "true"))
	require.NoError(t, c.SetOption("local_alloc", "false"))
	require.NoError(t, c.SetOption("retain_address_space", "1"))

	require.Len(t, c.Backing, 4)
	assert.Equal(t, BackingSpec{Kind: BackingFile, Path: "/dev/shm/pool", Size: 16 << 20}, c.Backing[0])
	assert.Equal(t, BackingDevice, c.Backing[1].Kind)
	assert.Equal(t, BackingVirtDevice, c.Backing[2].Kind)
	assert.Equal(t, uint64(4<<20), c.Backing[3].Size)
	assert.Equal(t, uint64(2<<20), c.SimulatedPhysBase)
	assert.Equal(t, uint64(64<<30), c.AddressSpace)
	assert.Equal(t, uint64(0x7f0000000000), c.BaseAddress)
	assert.Zero(t, c.Padding)
	assert.Equal(t, "/run/shmem", c.SocketDir)
	assert.Equal(t, uint64(1<<20), c.Arenas[ArenaCacheThread].GrowBytes)
	assert.Equal(t, FlagPoisonFree|FlagRetainAddressSpace, c.Flags)
	assert.Equal(t, "poison|retain_address_space", c.Flags.String())
	assert.NoError(t, VerifyConfig(c))

	assert.ErrorIs(t, c.SetOption("nonsense", "1"), ErrInvalidConfig)
	assert.ErrorIs(t, c.SetOption("poison", "maybe"), ErrParse)
	assert.ErrorIs(t, c.SetOption("file", "/no/size"), ErrParse)
	assert.ErrorIs(t, c.SetOption("padding", "12Q"), ErrParse)

	cp := c.Clone()
	cp.Backing[0].Path = "/elsewhere"
	assert.Equal(t, "/dev/shm/pool", c.Backing[0].Path)
}

func TestParseBackingSpec(t *testing.T) {
	b, err := ParseBackingSpec("/dev/shm/a:b:2G")
	require.NoError(t, err)
	assert.Equal(t, "/dev/shm/a:b", b.Path)
	assert.Equal(t, uint64(2<<30), b.Size)
	assert.Equal(t, "/dev/shm/a:b:2G", b.String())

	for _, s := range []string{"", "pool", ":4M", "pool:"} {
		_, err := ParseBackingSpec(s)
		assert.ErrorIs(t, err, ErrParse, s)
	}
	assert.Equal(t, "sysv:12:4M", BackingSpec{Kind: BackingSysV, SysVID: 12, Size: 4 << 20}.String())
	assert.Equal(t, "device:/dev/physmem0", BackingSpec{Kind: BackingDevice, Path: "/dev/physmem0"}.String())
}

func TestParseSize(t *testing.T) {
	for in, want := range map[string]uint64{
		"4096":   4096,
		"0x1000": 4096,
		"16M":    16 << 20,
		"2g":     2 << 30,
		"1TiB":   1 << 40,
		"512kb":  512 << 10,
		" 3k ":   3 << 10,
	} {
		got, err := ParseSize(in)
		if assert.NoError(t, err, in) {
			assert.Equal(t, want, got, in)
		}
	}
	for _, in := range []string{"", "M", "12X", "0xzz", "-1", "16384P"} {
		_, err := ParseSize(in)
		assert.ErrorIs(t, err, ErrParse, in)
	}
	assert.Equal(t, "16M", FormatSize(16<<20))
	assert.Equal(t, "1G", FormatSize(1<<30))
	assert.Equal(t, "1536K", FormatSize(1536<<10))
	assert.Equal(t, "100", FormatSize(100))
	assert.Equal(t, "0", FormatSize(0))
}

func TestArenas(t *testing.T) {
	s := DefaultArenas()
	require.NoError(t, s.Validate())
	assert.Equal(t, ArenaRootGlobal, s.Root(ArenaRootThread))
	assert.Equal(t, ArenaCacheGlobal, s.Root(ArenaCacheThread))
	assert.Equal(t, ArenaFlashGlobal, s.Root(ArenaFlashGlobal))
	assert.Equal(t, ArenaHeap, s.Root(ArenaHeap))

	for i := 1; i < NumArenas; i++ {
		a := ArenaID(i)
		got, ok := LookupArena(a.String())
		assert.True(t, ok)
		assert.Equal(t, a, got)
	}
	_, ok := LookupArena("nursery")
	assert.False(t, ok)
	assert.Equal(t, "arena(9)", ArenaID(9).String())
	assert.False(t, ArenaID(NumArenas).Valid())

	require.NoError(t, s.Override("flash_global.used_limit=1G"))
	require.NoError(t, s.Override("root_thread.shrink_objs=10"))
	require.NoError(t, s.Override("cache_global.flags=0x3"))
	assert.Equal(t, uint64(1<<30), s[ArenaFlashGlobal].UsedLimit)
	assert.Equal(t, uint64(10), s[ArenaRootThread].ShrinkObjects)
	assert.Equal(t, uint64(3), s[ArenaCacheGlobal].Flags)

	assert.ErrorIs(t, s.Override("root_thread"), ErrParse)
	assert.ErrorIs(t, s.Override("root_thread=4"), ErrParse)
	assert.ErrorIs(t, s.Override("heap.grow_bytes=4"), ErrInvalidConfig)
	assert.ErrorIs(t, s.Override("root_thread.color=4"), ErrInvalidConfig)
	assert.ErrorIs(t, s.Override("root_thread.grow_bytes=lots"), ErrParse)

	bad := DefaultArenas()
	bad[ArenaRootThread].Parent = ArenaRootThread
	assert.ErrorIs(t, bad.Validate(), ErrInvalidConfig)
	bad = DefaultArenas()
	bad[ArenaCacheThread].Parent = ArenaRootThread
	assert.ErrorIs(t, bad.Validate(), ErrInvalidConfig)
	bad = DefaultArenas()
	bad[ArenaHeap].Parent = ArenaRootGlobal
	assert.ErrorIs(t, bad.Validate(), ErrInvalidConfig)
}

func TestPtr(t *testing.T) {
	for _, p := range []Ptr{Null, 1, 0x7f0012345678, ^Ptr(0)} {
		got, err := ParsePtr(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}
	for in, want := range map[string]Ptr{"null": Null, "(null)": Null, "0X10": 16, "4096": 4096} {
		got, err := ParsePtr(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParsePtr("0xnope")
	assert.ErrorIs(t, err, ErrParse)

	assert.Equal(t, Null, Null.Add(8))
	assert.Equal(t, Ptr(0x18), Ptr(0x10).Add(8))
	assert.Equal(t, -1, Ptr(1).Cmp(2))
	assert.Equal(t, 0, Ptr(2).Cmp(2))
	assert.Equal(t, 1, Ptr(3).Cmp(2))

	b, err := json.Marshal(map[string]Ptr{"head": 0xbeef})
	require.NoError(t, err)
	assert.JSONEq(t, `{"head":"0xbeef"}`, string(b))
	var m map[string]Ptr
	require.NoError(t, json.Unmarshal(b, &m))
	assert.Equal(t, Ptr(0xbeef), m["head"])

	s, err := ParseShared[record]("0x1000")
	require.NoError(t, err)
	assert.True(t, s.Eq(SharedFrom[record](0x1000)))
	assert.Equal(t, "0x1000", s.String())
	assert.Equal(t, -1, SharedFrom[record](0x10).Cmp(s))
	assert.True(t, Shared[record]{}.IsNull())
}

func TestHeaderDecode(t *testing.T) {
	assert.Equal(t, uint64(0), HeaderSize%64)
	assert.GreaterOrEqual(t, HeaderSize, uint64(2*DescriptorSize+8+5*8))

	h := Header{Magic: HeaderMagic, Version: HeaderVersion}
	h.Self.Type = TypeFile
	h.Self.Flags = SegFirst
	h.Self.Length = 4 << 20
	require.NoError(t, h.Self.setPath("/dev/shm/pool"))
	h.setPool(&Reservation{Base: 1 << 40, AddressSpace: 1 << 30})
	b, err := h.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, b, int(HeaderSize))
	assert.Equal(t, []byte{0x50, 0x6d, 0x68, 0x53}, b[:4], "magic is little endian")

	var got Header
	require.NoError(t, got.UnmarshalBinary(b))
	assert.NoError(t, got.validateRoot())
	assert.Equal(t, "/dev/shm/pool", got.Self.PathString())

	cases := map[string]func([]byte) []byte{
		"short":   func(b []byte) []byte { return b[:HeaderSize-1] },
		"magic":   func(b []byte) []byte { b[0] ^= 0xff; return b },
		"version": func(b []byte) []byte { b[4] = 7; return b },
	}
	for name, mangle := range cases {
		var h Header
		err := h.UnmarshalBinary(mangle(append([]byte(nil), b...)))
		assert.ErrorIs(t, err, ErrBadMagic, name)
	}

	notFirst := h
	notFirst.Self.Flags = 0
	assert.ErrorIs(t, notFirst.validateRoot(), ErrNotFirst)
	moved := h
	moved.VirtBase += 4096
	assert.ErrorIs(t, moved.validateRoot(), ErrMapMismatch)
}

func TestErrorCodes(t *testing.T) {
	err := fmt.Errorf("attach: %w", ErrAlreadyAttached)
	assert.Equal(t, -30, Code(err))
	assert.Equal(t, ClassProtocol, ClassOf(err))
	assert.Equal(t, 0, Code(nil))
	assert.Equal(t, -1000, Code(errors.New("other")))
	assert.Equal(t, ClassNone, ClassOf(errors.New("other")))
	assert.Equal(t, "exhaustion", ClassExhaustion.String())

	seen := map[int]*Error{}
	for _, e := range []*Error{
		ErrAddressUnavailable, ErrOutOfVirtualMemory, ErrAlignment, ErrNotSupported, ErrBackingStore,
		ErrSegmentTooLarge, ErrNoSegments, ErrBadMagic, ErrNotFirst, ErrAdminBadMagic, ErrMapMismatch,
		ErrUnsupportedType, ErrNotImplemented, ErrDeviceChanged, ErrChainBroken, ErrCorruptAllocator,
		ErrOutOfMemory, ErrLimitExceeded, ErrNoSpace, ErrProcessesFull, ErrAlreadyAttached,
		ErrNotAttached, ErrStillReferenced, ErrDoubleFree, ErrInvalidPointer, ErrNotReferenced,
		ErrAlreadySet, ErrDetached, ErrInvalidConfig, ErrInvalidPointee, ErrParse,
	} {
		assert.Less(t, e.Code, 0)
		assert.Nil(t, seen[e.Code], "code %d reused", e.Code)
		seen[e.Code] = e
	}
}
