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
	"bufio"
	"fmt"
	"os"
	"strings"
)

// AddressBits reports the physical and virtual address widths of the CPU.
func AddressBits() (phys, virt int, err error) {
	f, err := os.Open("/proc/cpuinfo")
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		key, val, ok := strings.Cut(sc.Text(), ":")
		if !ok || strings.TrimSpace(key) != "address sizes" {
			continue
		}
		// "46 bits physical, 48 bits virtual"
		if _, err := fmt.Sscanf(strings.TrimSpace(val), "%d bits physical, %d bits virtual", &phys, &virt); err != nil {
			return 0, 0, fmt.Errorf("parse address sizes %q: %w", val, err)
		}
		return phys, virt, nil
	}
	if err := sc.Err(); err != nil {
		return 0, 0, err
	}
	return 0, 0, fmt.Errorf("address sizes not reported")
}
