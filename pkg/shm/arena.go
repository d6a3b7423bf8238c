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
	"strconv"
	"strings"
)

// ArenaID names one node of the fixed arena forest.
type ArenaID uint16

const (
	// ArenaHeap is the synthetic root every other arena draws from.
	ArenaHeap ArenaID = iota
	ArenaRootGlobal
	ArenaRootThread
	ArenaCacheGlobal
	ArenaCacheThread
	ArenaFlashGlobal
	ArenaFlashThread

	NumArenas = int(iota)
)

// DefaultArena serves allocations that do not name an arena.
const DefaultArena = ArenaRootThread

var arenaNames = [NumArenas]string{
	"heap",
	"root_global",
	"root_thread",
	"cache_global",
	"cache_thread",
	"flash_global",
	"flash_thread",
}

func (a ArenaID) String() string {
	if int(a) < NumArenas {
		return arenaNames[a]
	}
	return "arena(" + strconv.Itoa(int(a)) + ")"
}

// Valid reports whether a names an arena.
func (a ArenaID) Valid() bool { return int(a) < NumArenas }

// LookupArena maps a name to its ArenaID.
func LookupArena(name string) (ArenaID, bool) {
	for i, n := range arenaNames {
		if n == name {
			return ArenaID(i), true
		}
	}
	return 0, false
}

// Scope tells whether an arena is shared by the process or per thread.
type Scope uint32

const (
	ScopeGlobal Scope = iota
	ScopeThread
)

func (s Scope) String() string {
	if s == ScopeThread {
		return "thread"
	}
	return "global"
}

// ArenaConfig is the policy of one arena.
type ArenaConfig struct {
	Scope  Scope
	Parent ArenaID
	Flags  uint64
	// objects and bytes requested from the parent on exhaustion
	GrowObjects uint64
	GrowBytes   uint64
	// free object and byte thresholds that return half the free objects
	ShrinkObjects uint64
	ShrinkBytes   uint64
	// UsedLimit caps used bytes, zero for no limit. Only enforced on
	// arenas whose parent is the heap.
	UsedLimit uint64
}

// ArenaSet is the configuration of the whole forest, indexed by ArenaID.
type ArenaSet [NumArenas]ArenaConfig

// DefaultArenas returns the built-in arena forest.
func DefaultArenas() ArenaSet {
	global := func() ArenaConfig {
		return ArenaConfig{
			Scope:         ScopeGlobal,
			Parent:        ArenaHeap,
			GrowObjects:   256,
			GrowBytes:     4 << 20,
			ShrinkObjects: 4096,
			ShrinkBytes:   64 << 20,
		}
	}
	thread := func(parent ArenaID) ArenaConfig {
		return ArenaConfig{
			Scope:         ScopeThread,
			Parent:        parent,
			GrowObjects:   32,
			GrowBytes:     256 << 10,
			ShrinkObjects: 512,
			ShrinkBytes:   4 << 20,
		}
	}
	var s ArenaSet
	s[ArenaHeap] = ArenaConfig{Scope: ScopeGlobal, Parent: ArenaHeap}
	s[ArenaRootGlobal] = global()
	s[ArenaRootThread] = thread(ArenaRootGlobal)
	s[ArenaCacheGlobal] = global()
	s[ArenaCacheThread] = thread(ArenaCacheGlobal)
	s[ArenaFlashGlobal] = global()
	s[ArenaFlashThread] = thread(ArenaFlashGlobal)
	return s
}

// Validate checks the forest shape: every arena but the heap has a distinct
// parent, thread arenas hang off global ones and every chain ends at the heap.
func (s *ArenaSet) Validate() error {
	if s[ArenaHeap].Parent != ArenaHeap {
		return fmt.Errorf("heap arena has parent %v: %w", s[ArenaHeap].Parent, ErrInvalidConfig)
	}
	for i := 1; i < NumArenas; i++ {
		a := ArenaID(i)
		c := &s[i]
		if !c.Parent.Valid() || c.Parent == a {
			return fmt.Errorf("arena %v: bad parent %v: %w", a, c.Parent, ErrInvalidConfig)
		}
		if c.Scope == ScopeThread && s[c.Parent].Scope != ScopeGlobal {
			return fmt.Errorf("arena %v: thread arena under %v arena %v: %w", a, s[c.Parent].Scope, c.Parent, ErrInvalidConfig)
		}
		if c.Scope != ScopeGlobal && c.Scope != ScopeThread {
			return fmt.Errorf("arena %v: scope %d: %w", a, c.Scope, ErrInvalidConfig)
		}
		steps := 0
		for p := a; p != ArenaHeap; p = s[p].Parent {
			if steps++; steps > NumArenas {
				return fmt.Errorf("arena %v: parent cycle: %w", a, ErrInvalidConfig)
			}
		}
	}
	return nil
}

// Root returns the heap child a descends from. The heap is its own root.
func (s *ArenaSet) Root(a ArenaID) ArenaID {
	for steps := 0; a != ArenaHeap && s[a].Parent != ArenaHeap && steps <= NumArenas; steps++ {
		a = s[a].Parent
	}
	return a
}

// Override applies one "arena.param=value" setting.
func (s *ArenaSet) Override(arg string) error {
	key, value, ok := strings.Cut(arg, "=")
	if !ok {
		return fmt.Errorf("arena override %q: want name.param=value: %w", arg, ErrParse)
	}
	name, param, ok := strings.Cut(key, ".")
	if !ok {
		return fmt.Errorf("arena override %q: want name.param=value: %w", arg, ErrParse)
	}
	a, ok := LookupArena(name)
	if !ok || a == ArenaHeap {
		return fmt.Errorf("arena override %q: unknown arena %q: %w", arg, name, ErrInvalidConfig)
	}
	c := &s[a]
	var dst *uint64
	switch param {
	case "grow_objs":
		dst = &c.GrowObjects
	case "grow_bytes":
		dst = &c.GrowBytes
	case "shrink_objs":
		dst = &c.ShrinkObjects
	case "shrink_bytes":
		dst = &c.ShrinkBytes
	case "used_limit":
		dst = &c.UsedLimit
	case "flags":
		v, err := strconv.ParseUint(value, 0, 64)
		if err != nil {
			return fmt.Errorf("arena override %q: %w: %v", arg, ErrParse, err)
		}
		c.Flags = v
		return nil
	default:
		return fmt.Errorf("arena override %q: unknown parameter %q: %w", arg, param, ErrInvalidConfig)
	}
	v, err := ParseSize(value)
	if err != nil {
		return fmt.Errorf("arena override %q: %w", arg, err)
	}
	*dst = v
	return nil
}
