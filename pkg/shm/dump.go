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
	"io"

	"github.com/valyala/bytebufferpool"
)

// DumpChain writes a readable listing of the pool rooted at cfg.Backing[0].
func DumpChain(w io.Writer, cfg *Config) error {
	c, err := ReadChain(cfg)
	if c == nil {
		return err
	}
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	c.format(buf)
	if _, werr := w.Write(buf.B); werr != nil && err == nil {
		err = werr
	}
	return err
}

func (c *Chain) format(w io.Writer) {
	r := &c.Root
	fmt.Fprintf(w, "pool map=%#x+%#x phys=%#x virt=%#x space=%s\n",
		r.MapBase, r.MapLength, r.PhysBase, r.VirtBase, FormatSize(r.AddressSpace))
	var off uint64
	for i, d := range c.Segments {
		fmt.Fprintf(w, "%3d virt=%#x %v\n", i+1, r.VirtBase+off, d)
		off += alignPage(d.Length)
	}
}

func (c *Chain) String() string {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	c.format(buf)
	return buf.String()
}
