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

// Ptr is a shared pointer: an address in the virtual half of the pool,
// identical in every attached process. The zero value is null.
type Ptr uint64

// Null is the null shared pointer.
const Null Ptr = 0

func (p Ptr) IsNull() bool { return p == 0 }

func (p Ptr) Eq(o Ptr) bool { return p == o }

// Cmp orders pointers by address.
func (p Ptr) Cmp(o Ptr) int {
	switch {
	case p < o:
		return -1
	case p > o:
		return 1
	}
	return 0
}

// Add offsets p by n bytes. Null stays null.
func (p Ptr) Add(n uint64) Ptr {
	if p.IsNull() {
		return p
	}
	return p + Ptr(n)
}

func (p Ptr) String() string {
	return "0x" + strconv.FormatUint(uint64(p), 16)
}

func (p Ptr) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Ptr) UnmarshalText(b []byte) error {
	v, err := ParsePtr(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// ParsePtr parses the String form of a pointer. It also accepts decimal
// values and "null".
func ParsePtr(s string) (Ptr, error) {
	t := strings.TrimSpace(s)
	if t == "null" || t == "(null)" {
		return Null, nil
	}
	base := 10
	if r, ok := strings.CutPrefix(t, "0x"); ok {
		t, base = r, 16
	} else if r, ok := strings.CutPrefix(t, "0X"); ok {
		t, base = r, 16
	}
	v, err := strconv.ParseUint(t, base, 64)
	if err != nil {
		return Null, fmt.Errorf("pointer %q: %w: %v", s, ErrParse, err)
	}
	return Ptr(v), nil
}
