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
	"github.com/Workiva/go-datastructures/augmentedtree"
)

// Segment is one entry of the process-local attached-segment table.
type Segment struct {
	Type SegmentType
	// Phys is the local address of the physical half alias, 0 if none.
	Phys      uint64
	Virt      uint64
	HeaderLen uint64
	Length    uint64
	PAddr     uint64
	Desc      Descriptor
}

// Contains reports whether [addr, addr+n) lies inside s.
func (s *Segment) Contains(addr, n uint64) bool {
	return addr >= s.Virt && addr+n >= addr && addr+n <= s.Virt+s.Length
}

// segTable is immutable once published; attaching more segments publishes
// a copy.
type segTable struct {
	segs []Segment
	tree augmentedtree.Tree
	// offset of the next segment in the virtual half
	virtEnd uint64
	// highest physical address covered
	physEnd uint64
}

type segInterval struct {
	low, high int64
	id        uint64
}

func (i segInterval) LowAtDimension(uint64) int64  { return i.low }
func (i segInterval) HighAtDimension(uint64) int64 { return i.high }
func (i segInterval) ID() uint64                   { return i.id }

// OverlapsAtDimension treats intervals as half open.
func (i segInterval) OverlapsAtDimension(o augmentedtree.Interval, d uint64) bool {
	return i.low < o.HighAtDimension(d) && o.LowAtDimension(d) < i.high
}

func newSegTable() *segTable {
	return &segTable{
		segs: []Segment{{Type: TypeNull}},
		tree: augmentedtree.New(1),
	}
}

// with returns a copy of t with s appended.
func (t *segTable) with(s Segment) *segTable {
	n := &segTable{
		segs:    append(append(make([]Segment, 0, len(t.segs)+1), t.segs...), s),
		tree:    augmentedtree.New(1),
		virtEnd: t.virtEnd + alignPage(s.Length),
		physEnd: t.physEnd,
	}
	if s.PAddr != 0 {
		n.physEnd = max(n.physEnd, s.PAddr+alignPage(s.Length))
	}
	for i := 1; i < len(n.segs); i++ {
		n.tree.Add(n.segs[i].interval(uint64(i)))
	}
	return n
}

func (s *Segment) interval(id uint64) segInterval {
	return segInterval{low: int64(s.Virt), high: int64(s.Virt + s.Length), id: id}
}

// lookup returns the index of the segment holding [addr, addr+n).
func (t *segTable) lookup(addr, n uint64) (int, bool) {
	if addr == 0 {
		return 0, false
	}
	for _, iv := range t.tree.Query(segInterval{low: int64(addr), high: int64(addr + 1)}) {
		i := int(iv.ID())
		if t.segs[i].Contains(addr, n) {
			return i, true
		}
	}
	return 0, false
}

func (t *segTable) last() *Segment {
	return &t.segs[len(t.segs)-1]
}
