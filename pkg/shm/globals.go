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

	internalshm "github.com/srediag/shmem/internal/shm"
)

// GlobalID names a slot of the admin global value table.
type GlobalID uint32

const (
	GlobalRoot GlobalID = iota
	GlobalAgent
	GlobalMessaging
	GlobalScheduler
	GlobalCache
	GlobalStats
	GlobalTest

	numNamedGlobals = int(iota)
)

var globalNames = [numNamedGlobals]string{
	"root",
	"agent",
	"messaging",
	"scheduler",
	"cache",
	"stats",
	"test",
}

func (id GlobalID) String() string {
	if int(id) < numNamedGlobals {
		return globalNames[id]
	}
	return "global" + strconv.Itoa(int(id))
}

// LookupGlobal maps a slot name, or "globalN", to its GlobalID.
func LookupGlobal(name string) (GlobalID, bool) {
	for i, n := range globalNames {
		if n == name {
			return GlobalID(i), true
		}
	}
	if s, ok := strings.CutPrefix(name, "global"); ok {
		if n, err := strconv.Atoi(s); err == nil && n >= 0 && n < NumGlobals {
			return GlobalID(n), true
		}
	}
	return 0, false
}

func (p *Pool) globalSlot(id GlobalID) (*Admin, error) {
	if int(id) >= NumGlobals {
		return nil, fmt.Errorf("global %d: %w", id, ErrInvalidConfig)
	}
	if p.detached.Load() {
		return nil, ErrDetached
	}
	return p.admin, nil
}

// GlobalGet returns the value of a global slot, 0 when unset.
func (p *Pool) GlobalGet(id GlobalID) (uint64, error) {
	a, err := p.globalSlot(id)
	if err != nil {
		return 0, err
	}
	return internalshm.AtomicLoadUint64(a.global(id)), nil
}

// GlobalSet stores v into an unset slot. Only the first writer succeeds,
// later ones get ErrAlreadySet.
func (p *Pool) GlobalSet(id GlobalID, v uint64) error {
	a, err := p.globalSlot(id)
	if err != nil {
		return err
	}
	if !internalshm.AtomicCompareAndSwapUint64(a.global(id), 0, v) {
		return fmt.Errorf("global %v: %w", id, ErrAlreadySet)
	}
	return nil
}

// GlobalReset replaces the value of a slot and returns the previous one.
func (p *Pool) GlobalReset(id GlobalID, v uint64) (uint64, error) {
	a, err := p.globalSlot(id)
	if err != nil {
		return 0, err
	}
	addr := a.global(id)
	for {
		old := internalshm.AtomicLoadUint64(addr)
		if internalshm.AtomicCompareAndSwapUint64(addr, old, v) {
			return old, nil
		}
	}
}
