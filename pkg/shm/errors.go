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
	"errors"
	"fmt"

	internalshm "github.com/srediag/shmem/internal/shm"
)

// Class groups errors by how a caller is expected to react to them.
type Class int

const (
	ClassNone Class = iota
	// ClassEnvironment covers address-space and backing-store failures.
	ClassEnvironment
	// ClassCorruption covers bad magic, layout mismatches and unknown segment types.
	ClassCorruption
	// ClassExhaustion covers allocation failures and exceeded limits.
	ClassExhaustion
	// ClassProtocol covers calls made in the wrong attach state.
	ClassProtocol
	// ClassInvalid covers malformed arguments and configuration.
	ClassInvalid
)

var classNames = [...]string{"none", "environment", "corruption", "exhaustion", "protocol", "invalid"}

func (c Class) String() string {
	if int(c) < len(classNames) {
		return classNames[c]
	}
	return fmt.Sprintf("class(%d)", int(c))
}

// Error is a coded pool error. All sentinel errors of this package are
// *Error values; wrapped errors keep their code reachable via errors.As.
type Error struct {
	Code  int
	Class Class
	msg   string
}

func (e *Error) Error() string {
	return e.msg
}

func newError(code int, class Class, msg string) *Error {
	return &Error{Code: code, Class: class, msg: msg}
}

var (
	ErrAddressUnavailable = newError(-1, ClassEnvironment, "address range unavailable")
	ErrOutOfVirtualMemory = newError(-2, ClassEnvironment, "out of virtual memory")
	ErrAlignment          = newError(-3, ClassEnvironment, "reservation alignment impossible")
	ErrNotSupported       = newError(-4, ClassEnvironment, "not supported on this platform")
	ErrBackingStore       = newError(-5, ClassEnvironment, "backing store failure")
	ErrSegmentTooLarge    = newError(-6, ClassEnvironment, "segment does not fit the address space")
	ErrNoSegments         = newError(-7, ClassEnvironment, "no usable segments")

	ErrBadMagic         = newError(-10, ClassCorruption, "bad segment header magic")
	ErrNotFirst         = newError(-11, ClassCorruption, "segment is not the first segment of a pool")
	ErrAdminBadMagic    = newError(-12, ClassCorruption, "bad admin magic")
	ErrMapMismatch      = newError(-13, ClassCorruption, "pool map base/length mismatch")
	ErrUnsupportedType  = newError(-14, ClassCorruption, "unsupported segment type")
	ErrNotImplemented   = newError(-15, ClassCorruption, "not implemented")
	ErrDeviceChanged    = newError(-16, ClassCorruption, "backing device changed")
	ErrChainBroken      = newError(-17, ClassCorruption, "segment chain broken")
	ErrCorruptAllocator = newError(-18, ClassCorruption, "allocator state corrupt")

	ErrOutOfMemory    = newError(-20, ClassExhaustion, "out of shared memory")
	ErrLimitExceeded  = newError(-21, ClassExhaustion, "arena used-byte limit exceeded")
	ErrNoSpace        = newError(-22, ClassExhaustion, "not enough space for backing store")
	ErrProcessesFull  = newError(-23, ClassExhaustion, "process table full")

	ErrAlreadyAttached = newError(-30, ClassProtocol, "already attached")
	ErrNotAttached     = newError(-31, ClassProtocol, "not attached")
	ErrStillReferenced = newError(-32, ClassProtocol, "pointer still referenced")
	ErrDoubleFree      = newError(-33, ClassProtocol, "double free")
	ErrInvalidPointer  = newError(-34, ClassProtocol, "invalid shared pointer")
	ErrNotReferenced   = newError(-35, ClassProtocol, "release without reference")
	ErrAlreadySet      = newError(-36, ClassProtocol, "global value already set")
	ErrDetached        = newError(-37, ClassProtocol, "pool detached")

	ErrInvalidConfig  = newError(-40, ClassInvalid, "invalid configuration")
	ErrInvalidPointee = newError(-41, ClassInvalid, "pointee type cannot live in shared memory")
	ErrParse          = newError(-42, ClassInvalid, "parse error")
)

// Code returns the negative code carried by err, 0 for nil and -1000 for
// errors that did not originate in this package.
func Code(err error) int {
	if err == nil {
		return 0
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return -1000
}

// ClassOf returns the class of err.
func ClassOf(err error) Class {
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	return ClassNone
}

// platformErr converts a platform layer error into the pool taxonomy.
func platformErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var sentinel *Error
	switch {
	case errors.As(err, &sentinel):
		return fmt.Errorf("%s: %w", op, err)
	case errors.Is(err, internalshm.ErrAddressInUse):
		sentinel = ErrAddressUnavailable
	case errors.Is(err, internalshm.ErrNoVirtualMemory):
		sentinel = ErrOutOfVirtualMemory
	case errors.Is(err, internalshm.ErrAlignment):
		sentinel = ErrAlignment
	case errors.Is(err, internalshm.ErrPrefault):
		sentinel = ErrOutOfMemory
	case errors.Is(err, internalshm.ErrNotSupported):
		sentinel = ErrNotSupported
	default:
		sentinel = ErrBackingStore
	}
	return fmt.Errorf("%s: %w: %w", op, sentinel, err)
}

// keepFirst records e in *err unless an earlier error is already there.
func keepFirst(err *error, e error) {
	if *err == nil && e != nil {
		*err = e
	}
}
