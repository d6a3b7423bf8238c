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
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"

	"github.com/panjf2000/ants/v2"
	"golang.org/x/sys/unix"
)

// prefaultChunk is the unit of work handed to one prefault worker.
const prefaultChunk = 8 << 20

// Prefault populates every page of [addr, addr+n) for writing. Large ranges
// are split into chunks and populated concurrently.
func Prefault(addr, n uintptr) error {
	if n <= prefaultChunk {
		return prefaultRange(addr, n)
	}
	pool, err := ants.NewPool(runtime.GOMAXPROCS(0))
	if err != nil {
		return fmt.Errorf("prefault pool: %w", err)
	}
	defer pool.Release()

	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	fail := func(err error) {
		once.Do(func() { firstErr = err })
	}
	for off := uintptr(0); off < n; off += prefaultChunk {
		start, length := addr+off, min(prefaultChunk, n-off)
		wg.Add(1)
		if err := pool.Submit(func() {
			defer wg.Done()
			if err := prefaultRange(start, length); err != nil {
				fail(err)
			}
		}); err != nil {
			wg.Done()
			fail(fmt.Errorf("prefault submit: %w", err))
		}
	}
	wg.Wait()
	return firstErr
}

func prefaultRange(addr, n uintptr) error {
	b := Bytes(addr, n)
	err := unix.Madvise(b, unix.MADV_POPULATE_WRITE)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, unix.ENOMEM), errors.Is(err, unix.EFAULT), errors.Is(err, unix.EHWPOISON):
		return fmt.Errorf("%w: %#x+%#x: %v", ErrPrefault, addr, n, err)
	case errors.Is(err, unix.EINVAL):
		// MADV_POPULATE_WRITE needs 5.14
		return touchPages(b)
	}
	return fmt.Errorf("madvise populate %#x: %w", addr, err)
}

func touchPages(b []byte) (err error) {
	old := debug.SetPanicOnFault(true)
	defer func() {
		debug.SetPanicOnFault(old)
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPrefault, r)
		}
	}()
	step := int(pageSize)
	for i := 0; i < len(b); i += step {
		v := b[i]
		b[i] = v
	}
	return nil
}
