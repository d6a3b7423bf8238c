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
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
	"unsafe"

	internalshm "github.com/srediag/shmem/internal/shm"
)

// SocketPathMax is the room for a reconnect socket address, sized like
// sockaddr_un.sun_path.
const SocketPathMax = 108

// ProcState is the lifecycle state of a process record.
type ProcState uint32

const (
	ProcFree ProcState = iota
	ProcAttached
	ProcDetaching
)

func (s ProcState) String() string {
	switch s {
	case ProcFree:
		return "free"
	case ProcAttached:
		return "attached"
	case ProcDetaching:
		return "detaching"
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

// ProcessRecord is one slot of the admin process table. It only carries the
// addressing a controller needs to reach an attached process.
type ProcessRecord struct {
	PID      uint64
	State    ProcState
	_        uint32
	Attached int64
	Socket   [SocketPathMax]byte
	_        [4]byte
}

// ProcessInfo is a copy of a live process record.
type ProcessInfo struct {
	PID      int
	State    ProcState
	Attached time.Time
	Socket   string
}

// SocketPath returns the reconnect socket address of pid under dir.
func SocketPath(dir string, pid int) string {
	return filepath.Join(dir, "shmem."+strconv.Itoa(pid)+".sock")
}

// claimProcess takes a free slot for pid.
func (a *Admin) claimProcess(pid int, socket string) (int, error) {
	if len(socket) >= SocketPathMax {
		return -1, fmt.Errorf("socket path %q too long: %w", socket, ErrInvalidConfig)
	}
	for i := range a.Processes {
		r := &a.Processes[i]
		if !internalshm.AtomicCompareAndSwapUint64(unsafe.Pointer(&r.PID), 0, uint64(pid)) {
			continue
		}
		r.Socket = [SocketPathMax]byte{}
		copy(r.Socket[:], socket)
		r.Attached = time.Now().UnixNano()
		internalshm.AtomicStoreUint32(unsafe.Pointer(&r.State), uint32(ProcAttached))
		return i, nil
	}
	return -1, fmt.Errorf("pid %d: %w", pid, ErrProcessesFull)
}

func (a *Admin) releaseProcess(slot, pid int) {
	if slot < 0 || slot >= MaxProcesses {
		return
	}
	r := &a.Processes[slot]
	internalshm.AtomicStoreUint32(unsafe.Pointer(&r.State), uint32(ProcDetaching))
	r.Socket = [SocketPathMax]byte{}
	r.Attached = 0
	internalshm.AtomicStoreUint32(unsafe.Pointer(&r.State), uint32(ProcFree))
	internalshm.AtomicCompareAndSwapUint64(unsafe.Pointer(&r.PID), uint64(pid), 0)
}

func (r *ProcessRecord) info() ProcessInfo {
	sock := r.Socket[:]
	if i := bytes.IndexByte(sock, 0); i >= 0 {
		sock = sock[:i]
	}
	return ProcessInfo{
		PID:      int(r.PID),
		State:    r.State,
		Attached: time.Unix(0, r.Attached),
		Socket:   string(sock),
	}
}

// Processes lists the attached processes recorded in the pool.
func (p *Pool) Processes() ([]ProcessInfo, error) {
	if p.detached.Load() {
		return nil, ErrDetached
	}
	var out []ProcessInfo
	for i := range p.admin.Processes {
		r := &p.admin.Processes[i]
		if internalshm.AtomicLoadUint64(unsafe.Pointer(&r.PID)) == 0 {
			continue
		}
		out = append(out, r.info())
	}
	return out, nil
}

func currentPID() int { return os.Getpid() }
