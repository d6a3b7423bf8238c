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
	"hash/fnv"
	"reflect"
	"unsafe"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// Shared is a typed shared pointer to one T or an array of T.
type Shared[T any] struct {
	ptr Ptr
}

// SharedFrom types an untyped pointer.
func SharedFrom[T any](p Ptr) Shared[T] { return Shared[T]{ptr: p} }

func (s Shared[T]) Ptr() Ptr { return s.ptr }

func (s Shared[T]) IsNull() bool { return s.ptr.IsNull() }

func (s Shared[T]) Eq(o Shared[T]) bool { return s.ptr == o.ptr }

func (s Shared[T]) Cmp(o Shared[T]) int { return s.ptr.Cmp(o.ptr) }

func (s Shared[T]) String() string { return s.ptr.String() }

// ParseShared parses the String form of a typed pointer.
func ParseShared[T any](str string) (Shared[T], error) {
	p, err := ParsePtr(str)
	return Shared[T]{ptr: p}, err
}

type allocOptions struct {
	arena ArenaID
	flags AllocFlags
}

// AllocOption tunes a typed allocation.
type AllocOption func(*allocOptions)

// WithArena picks the arena to allocate from.
func WithArena(a ArenaID) AllocOption {
	return func(o *allocOptions) { o.arena = a }
}

// WithPhysical requests memory with a known physical address.
func WithPhysical() AllocOption {
	return func(o *allocOptions) { o.flags |= AllocPhysical }
}

func buildAllocOptions(opts []AllocOption) allocOptions {
	o := allocOptions{arena: DefaultArena}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Alloc allocates one zeroed T.
func Alloc[T any](p *Pool, opts ...AllocOption) (Shared[T], error) {
	return ArrayAlloc[T](p, 1, opts...)
}

// ArrayAlloc allocates n consecutive zeroed T.
func ArrayAlloc[T any](p *Pool, n int, opts ...AllocOption) (Shared[T], error) {
	size, err := pointeeSize[T]()
	if err != nil {
		return Shared[T]{}, err
	}
	if n <= 0 {
		return Shared[T]{}, fmt.Errorf("array of %d: %w", n, ErrInvalidConfig)
	}
	total := size * uint64(n)
	if size != 0 && total/size != uint64(n) {
		return Shared[T]{}, fmt.Errorf("array of %d: size overflow: %w", n, ErrInvalidConfig)
	}
	o := buildAllocOptions(opts)
	ptr, err := p.Alloc(total, o.arena, o.flags)
	return Shared[T]{ptr: ptr}, err
}

// Free releases the object. Freeing null is a no-op.
func (s Shared[T]) Free(p *Pool) error { return p.Free(s.ptr) }

// ArrayFree releases an array from ArrayAlloc.
func (s Shared[T]) ArrayFree(p *Pool) error { return p.Free(s.ptr) }

// RWRef resolves s for reading and writing. Every reference must be
// paired with RWRelease.
func (s Shared[T]) RWRef(p *Pool) (*T, error) {
	v, err := s.ref(p, 1, true)
	return (*T)(v), err
}

// RRef resolves s for reading. Every reference must be paired with
// RRelease.
func (s Shared[T]) RRef(p *Pool) (*T, error) {
	v, err := s.ref(p, 1, false)
	return (*T)(v), err
}

// ArrayRWRef resolves n elements of an array for reading and writing.
func (s Shared[T]) ArrayRWRef(p *Pool, n int) ([]T, error) {
	if n <= 0 {
		return nil, fmt.Errorf("array ref of %d: %w", n, ErrInvalidConfig)
	}
	v, err := s.ref(p, n, true)
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*T)(v), n), nil
}

func (s Shared[T]) RWRelease(p *Pool) error { return p.release(s.ptr, true) }

func (s Shared[T]) RRelease(p *Pool) error { return p.release(s.ptr, false) }

func (s Shared[T]) ref(p *Pool, n int, rw bool) (unsafe.Pointer, error) {
	size, err := pointeeSize[T]()
	if err != nil {
		return nil, err
	}
	return p.ref(s.ptr, size*uint64(n), rw)
}

// Var is a shared pointer to a variable size blob that starts with a T.
type Var[T any] struct {
	ptr Ptr
}

// VarFrom types an untyped pointer to a blob.
func VarFrom[T any](p Ptr) Var[T] { return Var[T]{ptr: p} }

// ParseVar parses the String form of a blob pointer.
func ParseVar[T any](str string) (Var[T], error) {
	p, err := ParsePtr(str)
	return Var[T]{ptr: p}, err
}

func (v Var[T]) Ptr() Ptr { return v.ptr }

func (v Var[T]) IsNull() bool { return v.ptr.IsNull() }

func (v Var[T]) Eq(o Var[T]) bool { return v.ptr == o.ptr }

func (v Var[T]) Cmp(o Var[T]) int { return v.ptr.Cmp(o.ptr) }

func (v Var[T]) String() string { return v.ptr.String() }

// VarAlloc allocates a zeroed blob of size bytes starting with a T.
func VarAlloc[T any](p *Pool, size uint64, opts ...AllocOption) (Var[T], error) {
	prefix, err := pointeeSize[T]()
	if err != nil {
		return Var[T]{}, err
	}
	if size < prefix {
		return Var[T]{}, fmt.Errorf("var alloc of %d bytes below %d: %w", size, prefix, ErrInvalidConfig)
	}
	o := buildAllocOptions(opts)
	ptr, err := p.Alloc(size, o.arena, o.flags)
	return Var[T]{ptr: ptr}, err
}

// Free releases the blob. Freeing null is a no-op.
func (v Var[T]) Free(p *Pool) error { return p.Free(v.ptr) }

// Size returns the size the blob was allocated with.
func (v Var[T]) Size(p *Pool) (uint64, error) {
	if v.IsNull() {
		return 0, fmt.Errorf("size of null: %w", ErrInvalidPointer)
	}
	return p.alloc.Size(v.ptr)
}

// RWRef resolves the T prefix for reading and writing.
func (v Var[T]) RWRef(p *Pool) (*T, error) {
	size, err := pointeeSize[T]()
	if err != nil {
		return nil, err
	}
	r, err := p.ref(v.ptr, size, true)
	return (*T)(r), err
}

// RRef resolves the T prefix for reading.
func (v Var[T]) RRef(p *Pool) (*T, error) {
	size, err := pointeeSize[T]()
	if err != nil {
		return nil, err
	}
	r, err := p.ref(v.ptr, size, false)
	return (*T)(r), err
}

// Bytes resolves the whole blob for reading and writing. It holds a
// read-write reference.
func (v Var[T]) Bytes(p *Pool) ([]byte, error) {
	n, err := v.Size(p)
	if err != nil {
		return nil, err
	}
	r, err := p.ref(v.ptr, n, true)
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*byte)(r), n), nil
}

func (v Var[T]) RWRelease(p *Pool) error { return p.release(v.ptr, true) }

func (v Var[T]) RRelease(p *Pool) error { return p.release(v.ptr, false) }

type refCount struct {
	rw, r int64
}

func (rc *refCount) live() bool { return rc.rw > 0 || rc.r > 0 }

func (p *Pool) ref(ptr Ptr, n uint64, rw bool) (unsafe.Pointer, error) {
	v, err := p.Resolve(ptr, n)
	if err != nil {
		return nil, err
	}
	p.retain(ptr, rw)
	return v, nil
}

// retain counts a reference when debug checks are on.
func (p *Pool) retain(ptr Ptr, rw bool) {
	if !p.debug() {
		return
	}
	p.refs.Upsert(ptr, nil, func(exist bool, rc, _ *refCount) *refCount {
		if !exist {
			rc = &refCount{}
		}
		if rw {
			rc.rw++
		} else {
			rc.r++
		}
		return rc
	})
}

func (p *Pool) release(ptr Ptr, rw bool) error {
	if ptr.IsNull() {
		return fmt.Errorf("release null: %w", ErrInvalidPointer)
	}
	if !p.debug() {
		return nil
	}
	var err error
	p.refs.RemoveCb(ptr, func(_ Ptr, rc *refCount, exist bool) bool {
		if !exist {
			err = fmt.Errorf("release %v: %w", ptr, ErrNotReferenced)
			return false
		}
		n := &rc.r
		if rw {
			n = &rc.rw
		}
		if *n == 0 {
			err = fmt.Errorf("release %v: %w", ptr, ErrNotReferenced)
			return false
		}
		*n--
		return !rc.live()
	})
	return err
}

func (p *Pool) referenced(ptr Ptr) bool {
	var live bool
	p.refs.RemoveCb(ptr, func(_ Ptr, rc *refCount, exist bool) bool {
		live = exist && rc.live()
		return false
	})
	return live
}

// liveRefs counts pointers with outstanding references.
func (p *Pool) liveRefs() int {
	n := 0
	p.refs.IterCb(func(_ Ptr, rc *refCount) {
		if rc.live() {
			n++
		}
	})
	return n
}

var pointeeCache = cmap.NewWithCustomShardingFunction[reflect.Type, error](func(t reflect.Type) uint32 {
	h := fnv.New32a()
	h.Write([]byte(t.String()))
	return h.Sum32()
})

// pointeeSize returns the size of T, rejecting types that hold Go pointers
// since those cannot be shared between processes.
func pointeeSize[T any]() (uint64, error) {
	t := reflect.TypeFor[T]()
	err, ok := pointeeCache.Get(t)
	if !ok {
		err = checkPointee(t)
		pointeeCache.Set(t, err)
	}
	if err != nil {
		return 0, err
	}
	return uint64(t.Size()), nil
}

func checkPointee(t reflect.Type) error {
	switch t.Kind() {
	case reflect.Bool, reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128:
		return nil
	case reflect.Array:
		return checkPointee(t.Elem())
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			if err := checkPointee(t.Field(i).Type); err != nil {
				return fmt.Errorf("%v.%s: %w", t, t.Field(i).Name, err)
			}
		}
		return nil
	}
	return fmt.Errorf("%v holds a %v: %w", t, t.Kind(), ErrInvalidPointee)
}
