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
	"bytes"
	"encoding/binary"
	"fmt"
	"strconv"
)

// SegmentType identifies the driver that owns a segment.
type SegmentType uint32

const (
	// TypeNull terminates a segment chain.
	TypeNull SegmentType = iota
	TypeFile
	TypeDevice
	TypeVirtDevice
	TypeSysV
	TypeMmap
)

var segmentTypeNames = [...]string{"null", "file", "device", "virt_device", "sysv", "mmap"}

func (t SegmentType) String() string {
	if int(t) < len(segmentTypeNames) {
		return segmentTypeNames[t]
	}
	return "type(" + strconv.Itoa(int(t)) + ")"
}

// SegmentFlags are per-segment descriptor flags.
type SegmentFlags uint32

const (
	// SegFirst marks the root segment carrying the pool-wide fields.
	SegFirst SegmentFlags = 1 << iota
	// SegNoHeader marks a segment that only extends the virtual range.
	SegNoHeader
	SegPrefault
)

func (f SegmentFlags) String() string {
	var b bytes.Buffer
	for i, n := range []string{"first", "noheader", "prefault"} {
		if f&(1<<i) == 0 {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('|')
		}
		b.WriteString(n)
	}
	if b.Len() == 0 {
		return "-"
	}
	return b.String()
}

// PathMax bounds the path stored in a descriptor, terminator included.
const PathMax = 256

// Descriptor identifies one backing segment. Its binary form is part of the
// on-segment header and must not change.
type Descriptor struct {
	Type   SegmentType
	Flags  SegmentFlags
	Length uint64
	// PAddr is the physical address of the segment, 0 when unknown.
	PAddr      uint64
	Offset     uint64
	Generation uint64
	SysVID     int64
	Path       [PathMax]byte
}

// DescriptorSize is the encoded size of a Descriptor.
var DescriptorSize = binary.Size(Descriptor{})

// IsNull reports whether d terminates a chain.
func (d *Descriptor) IsNull() bool { return d.Type == TypeNull }

// HeaderLen returns the bytes at the start of the segment taken by its header.
func (d *Descriptor) HeaderLen() uint64 {
	if d.Flags&SegNoHeader != 0 {
		return 0
	}
	return HeaderSize
}

// PathString returns the stored path.
func (d *Descriptor) PathString() string {
	if i := bytes.IndexByte(d.Path[:], 0); i >= 0 {
		return string(d.Path[:i])
	}
	return string(d.Path[:])
}

func (d *Descriptor) setPath(p string) error {
	if len(p) >= PathMax {
		return fmt.Errorf("path %q: longer than %d: %w", p, PathMax-1, ErrInvalidConfig)
	}
	d.Path = [PathMax]byte{}
	copy(d.Path[:], p)
	return nil
}

func (d Descriptor) String() string {
	if d.IsNull() {
		return "null"
	}
	s := fmt.Sprintf("%v len=%s paddr=%#x flags=%v", d.Type, FormatSize(d.Length), d.PAddr, d.Flags)
	switch d.Type {
	case TypeSysV:
		s += " id=" + strconv.FormatInt(d.SysVID, 10)
	case TypeFile, TypeDevice, TypeVirtDevice, TypeMmap:
		s += fmt.Sprintf(" path=%s off=%#x", d.PathString(), d.Offset)
		if d.Generation != 0 {
			s += fmt.Sprintf(" gen=%#x", d.Generation)
		}
	}
	return s
}
