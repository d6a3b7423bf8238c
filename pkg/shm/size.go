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
	"math/bits"
	"strconv"
	"strings"
)

var sizeSuffixes = map[string]uint{
	"":  0,
	"k": 10,
	"m": 20,
	"g": 30,
	"t": 40,
	"p": 50,
}

// ParseSize parses a byte count with an optional binary suffix: "4096",
// "0x1000", "16M", "2g", "1TiB", "512kb".
func ParseSize(s string) (uint64, error) {
	t := strings.ToLower(strings.TrimSpace(s))
	if t == "" {
		return 0, fmt.Errorf("size %q: %w", s, ErrParse)
	}
	if strings.HasPrefix(t, "0x") {
		v, err := strconv.ParseUint(t[2:], 16, 64)
		if err != nil {
			return 0, fmt.Errorf("size %q: %w: %v", s, ErrParse, err)
		}
		return v, nil
	}
	t = strings.TrimSuffix(t, "ib")
	t = strings.TrimSuffix(t, "b")
	i := len(t)
	for i > 0 && (t[i-1] < '0' || t[i-1] > '9') {
		i--
	}
	shift, ok := sizeSuffixes[t[i:]]
	if !ok {
		return 0, fmt.Errorf("size %q: unknown suffix: %w", s, ErrParse)
	}
	v, err := strconv.ParseUint(t[:i], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("size %q: %w: %v", s, ErrParse, err)
	}
	if shift > 0 && bits.LeadingZeros64(v) < int(shift) {
		return 0, fmt.Errorf("size %q: overflow: %w", s, ErrParse)
	}
	return v << shift, nil
}

// FormatSize renders n with the largest exact binary suffix.
func FormatSize(n uint64) string {
	for _, u := range []struct {
		shift  uint
		suffix string
	}{{40, "T"}, {30, "G"}, {20, "M"}, {10, "K"}} {
		if n != 0 && n&(1<<u.shift-1) == 0 {
			return strconv.FormatUint(n>>u.shift, 10) + u.suffix
		}
	}
	return strconv.FormatUint(n, 10)
}
