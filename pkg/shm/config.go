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
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// BackingKind selects the driver for a backing store.
type BackingKind int

const (
	BackingFile BackingKind = iota
	BackingDevice
	BackingVirtDevice
	BackingSysV
)

var backingKindNames = [...]string{"file", "device", "virt_device", "sysv"}

func (k BackingKind) String() string {
	if int(k) < len(backingKindNames) {
		return backingKindNames[k]
	}
	return "backing(" + strconv.Itoa(int(k)) + ")"
}

// BackingSpec describes one backing store handed to PrototypeInit or Attach.
// Only the first spec is consulted by Attach; the rest of the pool is found
// by following the segment chain.
type BackingSpec struct {
	Kind BackingKind
	// Path of the file or device.
	Path string
	// Size in bytes, required for file and sysv backing.
	Size uint64
	// Offset into the file.
	Offset uint64
	// SysVID identifies an existing System-V segment when attaching.
	SysVID int
	// NoHeader marks a header-less tail segment that only extends the
	// virtual range. Allowed only for the last spec.
	NoHeader bool
	Prefault bool
	// Querier overrides the physmem region query of device backing.
	Querier RegionQuerier

	// simulated physical address assigned at creation
	paddr uint64
}

func (b BackingSpec) String() string {
	switch b.Kind {
	case BackingSysV:
		return fmt.Sprintf("sysv:%d:%s", b.SysVID, FormatSize(b.Size))
	case BackingFile:
		return b.Path + ":" + FormatSize(b.Size)
	}
	return b.Kind.String() + ":" + b.Path
}

// ParseBackingSpec parses a file backing argument of the form "path:size".
func ParseBackingSpec(s string) (BackingSpec, error) {
	i := strings.LastIndexByte(s, ':')
	if i <= 0 || i == len(s)-1 {
		return BackingSpec{}, fmt.Errorf("backing %q: want path:size: %w", s, ErrParse)
	}
	size, err := ParseSize(s[i+1:])
	if err != nil {
		return BackingSpec{}, err
	}
	return BackingSpec{Kind: BackingFile, Path: s[:i], Size: size}, nil
}

// ConfigFlags are pool-wide toggles recorded in the admin structure.
type ConfigFlags uint64

const (
	FlagPoisonFree ConfigFlags = 1 << iota
	FlagReplaceMalloc
	FlagLocalAlloc
	FlagPthreadLocking
	FlagRetainAddressSpace
	FlagDebugChecks
	FlagPrefault
)

var configFlagNames = []struct {
	flag ConfigFlags
	name string
}{
	{FlagPoisonFree, "poison"},
	{FlagReplaceMalloc, "replace_malloc"},
	{FlagLocalAlloc, "local_alloc"},
	{FlagPthreadLocking, "pthread"},
	{FlagRetainAddressSpace, "retain_address_space"},
	{FlagDebugChecks, "debug_checks"},
	{FlagPrefault, "prefault"},
}

func (f ConfigFlags) String() string {
	var parts []string
	for _, n := range configFlagNames {
		if f&n.flag != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Config holds pool creation and attach parameters.
type Config struct {
	Backing []BackingSpec

	// AddressSpace is the size of each half of the reservation. Zero picks
	// DefaultAddressSpace at creation and the recorded value on attach.
	AddressSpace uint64
	// BaseAddress fixes the reservation base. Zero lets the creator
	// negotiate it with the kernel.
	BaseAddress uint64
	// SimulatedPhysBase gives file and sysv segments fake physical
	// addresses starting at this value.
	SimulatedPhysBase uint64
	// Padding is claimed before a kernel chosen reservation.
	Padding uint64

	Flags ConfigFlags

	// SocketDir is where the per-process reconnect socket address points.
	SocketDir string
	// PhysmemRequest is the ioctl used to query physmem devices.
	PhysmemRequest uint

	Arenas ArenaSet

	Meter  metric.Meter
	Tracer trace.Tracer
}

const (
	defaultPadding        = 64 << 30
	defaultPhysmemRequest = 0x80087001
)

// DefaultConfig returns the default config.
func DefaultConfig() *Config {
	c := &Config{
		Padding:        defaultPadding,
		SocketDir:      os.TempDir(),
		PhysmemRequest: defaultPhysmemRequest,
		Arenas:         DefaultArenas(),
	}
	if debugMode {
		c.Flags |= FlagDebugChecks
	}
	return c
}

// VerifyConfig is used to verify the sanity of configuration
func VerifyConfig(config *Config) error {
	if config == nil {
		return fmt.Errorf("nil config: %w", ErrInvalidConfig)
	}
	if len(config.Backing) == 0 {
		return fmt.Errorf("no backing store: %w", ErrInvalidConfig)
	}
	page := uint64(pageSize())
	for i, b := range config.Backing {
		switch b.Kind {
		case BackingFile, BackingDevice, BackingVirtDevice:
			if b.Path == "" {
				return fmt.Errorf("backing %d: empty path: %w", i, ErrInvalidConfig)
			}
			if len(b.Path) >= PathMax {
				return fmt.Errorf("backing %d: path longer than %d: %w", i, PathMax-1, ErrInvalidConfig)
			}
		case BackingSysV:
		default:
			return fmt.Errorf("backing %d: %w", i, ErrUnsupportedType)
		}
		if b.Offset%page != 0 {
			return fmt.Errorf("backing %d: offset %#x not page aligned: %w", i, b.Offset, ErrInvalidConfig)
		}
		if b.NoHeader && i != len(config.Backing)-1 {
			return fmt.Errorf("backing %d: header-less segment must be last: %w", i, ErrInvalidConfig)
		}
		if b.NoHeader && i == 0 {
			return fmt.Errorf("first segment needs a header: %w", ErrInvalidConfig)
		}
	}
	if config.AddressSpace != 0 && config.AddressSpace%largePageSize() != 0 {
		return fmt.Errorf("address space %#x not a multiple of %#x: %w", config.AddressSpace, largePageSize(), ErrInvalidConfig)
	}
	if config.BaseAddress%largePageSize() != 0 {
		return fmt.Errorf("base address %#x not aligned: %w", config.BaseAddress, ErrAlignment)
	}
	if config.SimulatedPhysBase%page != 0 {
		return fmt.Errorf("simulated physical base %#x not page aligned: %w", config.SimulatedPhysBase, ErrInvalidConfig)
	}
	return config.Arenas.Validate()
}

// SetOption applies one named option from the external command line layer.
func (c *Config) SetOption(name, value string) error {
	switch name {
	case "file":
		spec, err := ParseBackingSpec(value)
		if err != nil {
			return err
		}
		c.Backing = append(c.Backing, spec)
	case "device":
		c.Backing = append(c.Backing, BackingSpec{Kind: BackingDevice, Path: value})
	case "virt_device":
		c.Backing = append(c.Backing, BackingSpec{Kind: BackingVirtDevice, Path: value})
	case "sysv":
		size, err := ParseSize(value)
		if err != nil {
			return err
		}
		c.Backing = append(c.Backing, BackingSpec{Kind: BackingSysV, Size: size})
	case "phys_base":
		return c.setSize(&c.SimulatedPhysBase, value)
	case "address_space":
		return c.setSize(&c.AddressSpace, value)
	case "base_address":
		return c.setSize(&c.BaseAddress, value)
	case "padding":
		return c.setSize(&c.Padding, value)
	case "arena":
		return c.Arenas.Override(value)
	case "socket_dir":
		c.SocketDir = value
	default:
		for _, n := range configFlagNames {
			if n.name != name {
				continue
			}
			on := true
			if value != "" {
				v, err := strconv.ParseBool(value)
				if err != nil {
					return fmt.Errorf("option %s=%q: %w: %v", name, value, ErrParse, err)
				}
				on = v
			}
			if on {
				c.Flags |= n.flag
			} else {
				c.Flags &^= n.flag
			}
			return nil
		}
		return fmt.Errorf("unknown option %q: %w", name, ErrInvalidConfig)
	}
	return nil
}

func (c *Config) setSize(dst *uint64, value string) error {
	v, err := ParseSize(value)
	if err != nil {
		return err
	}
	*dst = v
	return nil
}

// Clone returns a copy that does not share the backing list.
func (c *Config) Clone() *Config {
	cp := *c
	cp.Backing = append([]BackingSpec(nil), c.Backing...)
	return &cp
}
