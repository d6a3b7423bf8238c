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

	"github.com/valyala/bytebufferpool"
)

// Stats is a snapshot of allocation counters.
type Stats struct {
	LiveObjects uint64
	// LiveBytes counts requested bytes of live objects.
	LiveBytes uint64
	// UsedBytes includes block headers and size class rounding.
	UsedBytes   uint64
	TotalAllocs uint64
	TotalFrees  uint64
	ArenaBytes  [NumArenas]uint64
	// StolenBytes were left unusable at segment ends.
	StolenBytes uint64
	Segments    int
}

// Stats returns the current allocation counters.
func (p *Pool) Stats() (Stats, error) {
	if p.detached.Load() {
		return Stats{}, ErrDetached
	}
	s := p.alloc.Stats()
	s.Segments = len(p.table().segs) - 1
	return s, nil
}

func (s Stats) String() string {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	fmt.Fprintf(buf, "objects=%d bytes=%d used=%d allocs=%d frees=%d stolen=%d segments=%d",
		s.LiveObjects, s.LiveBytes, s.UsedBytes, s.TotalAllocs, s.TotalFrees, s.StolenBytes, s.Segments)
	for i, n := range s.ArenaBytes {
		if n != 0 {
			fmt.Fprintf(buf, " %v=%d", ArenaID(i), n)
		}
	}
	return buf.String()
}
