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
	"sync/atomic"
	"unsafe"
)

// AtomicLoadUint64 loads a uint64 from shared memory atomically.
func AtomicLoadUint64(addr unsafe.Pointer) uint64 {
	return atomic.LoadUint64((*uint64)(addr))
}

// AtomicStoreUint64 stores a uint64 to shared memory atomically.
func AtomicStoreUint64(addr unsafe.Pointer, val uint64) {
	atomic.StoreUint64((*uint64)(addr), val)
}

// AtomicAddUint64 adds delta to a uint64 in shared memory and returns the new value.
func AtomicAddUint64(addr unsafe.Pointer, delta uint64) uint64 {
	return atomic.AddUint64((*uint64)(addr), delta)
}

// AtomicCompareAndSwapUint64 atomically compares and swaps a uint64 in shared memory.
func AtomicCompareAndSwapUint64(addr unsafe.Pointer, old, new uint64) bool {
	return atomic.CompareAndSwapUint64((*uint64)(addr), old, new)
}

// AtomicCompareAndSwapUint32 atomically compares and swaps a uint32 in shared memory.
func AtomicCompareAndSwapUint32(addr unsafe.Pointer, old, new uint32) bool {
	return atomic.CompareAndSwapUint32((*uint32)(addr), old, new)
}

// AtomicStoreUint32 stores a uint32 to shared memory atomically.
func AtomicStoreUint32(addr unsafe.Pointer, val uint32) {
	atomic.StoreUint32((*uint32)(addr), val)
}
