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
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	internalshm "github.com/srediag/shmem/internal/shm"
)

// locateAddressSpace is used to filter device regions before the pool's own
// address space is known.
const locateAddressSpace = 1 << 47

// Attach maps the pool rooted at cfg.Backing[0] into this process. The rest
// of the chain is found through the segment headers. Only one pool can be
// attached per process; on failure nothing stays mapped.
func Attach(ctx context.Context, cfg *Config) (pool *Pool, err error) {
	if cfg == nil || len(cfg.Backing) == 0 {
		return nil, fmt.Errorf("attach: no backing store: %w", ErrInvalidConfig)
	}
	tel := newTelemetry(cfg)
	_, span := tel.start(ctx, "shmem.Attach", attribute.String("backing", cfg.Backing[0].String()))
	defer func() { tel.end(span, err) }()

	proc.mu.Lock()
	defer proc.mu.Unlock()
	if proc.pool != nil {
		return nil, fmt.Errorf("attach: %w", ErrAlreadyAttached)
	}
	root, err := readRoot(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.BaseAddress != 0 && cfg.BaseAddress != root.MapBase {
		return nil, fmt.Errorf("pool at %#x, configured %#x: %w", root.MapBase, cfg.BaseAddress, ErrMapMismatch)
	}
	if cfg.AddressSpace != 0 && cfg.AddressSpace != root.AddressSpace {
		return nil, fmt.Errorf("pool address space %#x, configured %#x: %w", root.AddressSpace, cfg.AddressSpace, ErrMapMismatch)
	}
	res, created, err := reserveLocked(root.AddressSpace, root.MapBase, 0)
	if err != nil {
		return nil, err
	}
	p := newPool(cfg, res, tel)
	p.root = *root
	defer func() {
		if err == nil {
			return
		}
		p.mu.Lock()
		_ = p.unmapLocked()
		p.mu.Unlock()
		if created {
			_ = releaseLocked()
		}
	}()

	p.mu.Lock()
	err = p.mapChainLocked(root.Self)
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}

	first, _ := p.segment(1)
	admin := adminAt(uintptr(first.Virt + adminOffset))
	if err := admin.validate(); err != nil {
		return nil, err
	}
	p.admin = admin
	p.flags = ConfigFlags(admin.Flags) | cfg.Flags
	p.arenas = admin.arenas()
	if p.flags&FlagLocalAlloc != 0 {
		p.alloc = newLocalAllocator(&p.arenas, res.AddressSpace)
	} else if p.alloc, err = newSharedAllocator(p, Ptr(admin.AllocRoot)); err != nil {
		return nil, err
	}
	if p.slot, err = admin.claimProcess(p.pid, SocketPath(cfg.SocketDir, p.pid)); err != nil {
		return nil, err
	}
	if p.flags&FlagRetainAddressSpace == 0 {
		t := p.table()
		if err := res.trim(t.physEnd, t.virtEnd); err != nil {
			admin.releaseProcess(p.slot, p.pid)
			return nil, err
		}
	}
	proc.pool = p
	internalLogger.infof("attached %d segments at %#x, flags %v", len(p.table().segs)-1, res.VirtBase(), p.flags)
	return p, nil
}

// readRoot reads and validates the first header of the pool.
func readRoot(cfg *Config) (*Header, error) {
	spec := cfg.Backing[0]
	drv, err := driverForSpec(&spec)
	if err != nil {
		return nil, err
	}
	geom := Geometry{AddressSpace: cfg.AddressSpace, PhysmemRequest: cfg.PhysmemRequest}
	if geom.AddressSpace == 0 {
		geom.AddressSpace = locateAddressSpace
	}
	first, err := drv.Locate(&spec, geom)
	if err != nil {
		return nil, err
	}
	raw, err := drv.ReadHeader(&first)
	if err != nil {
		return nil, err
	}
	h := new(Header)
	if err := h.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("%v: %w", spec, err)
	}
	if err := h.validateRoot(); err != nil {
		return nil, fmt.Errorf("%v: %w", spec, err)
	}
	return h, nil
}

// mapChainLocked maps desc and everything chained after it.
func (p *Pool) mapChainLocked(desc Descriptor) error {
	for !desc.IsNull() {
		next, err := p.mapSegmentLocked(desc)
		if err != nil {
			return err
		}
		desc = next
	}
	return nil
}

// mapSegmentLocked maps desc at the end of the virtual half, and at its
// physical address in the physical half when it has one. It returns the
// descriptor chained after it.
func (p *Pool) mapSegmentLocked(desc Descriptor) (Descriptor, error) {
	var next Descriptor
	t := p.table()
	res := p.res
	length := alignPage(desc.Length)
	off := t.virtEnd
	if off+length > res.AddressSpace {
		return next, fmt.Errorf("%v at virtual offset %#x: %w", desc, off, ErrSegmentTooLarge)
	}
	if err := res.ensureVirt(off + length); err != nil {
		return next, err
	}
	var phys uintptr
	if desc.PAddr != 0 && desc.PAddr+length <= res.AddressSpace {
		if err := res.ensurePhys(desc.PAddr + length); err != nil {
			return next, err
		}
		phys = uintptr(res.PhysBase() + desc.PAddr)
	}
	drv, err := driverFor(desc.Type)
	if err != nil {
		return next, err
	}
	at := desc
	if (p.cfg.Flags|p.flags)&FlagPrefault != 0 {
		at.Flags |= SegPrefault
	}
	m, err := drv.Attach(&at, phys, uintptr(res.VirtBase()+off))
	if err != nil {
		return next, err
	}
	if desc.Flags&SegNoHeader == 0 {
		var h Header
		err := h.UnmarshalBinary(m.Bytes())
		if err == nil && h.Self != desc {
			err = fmt.Errorf("header describes %v, chain has %v: %w", h.Self, desc, ErrChainBroken)
		}
		if err != nil {
			_ = drv.Detach(m)
			return next, err
		}
		next = h.Next
	}
	p.maps = append(p.maps, m)
	p.segs.Store(t.with(Segment{
		Type:      desc.Type,
		Phys:      uint64(m.Phys),
		Virt:      uint64(m.Virt),
		HeaderLen: desc.HeaderLen(),
		Length:    desc.Length,
		PAddr:     desc.PAddr,
		Desc:      desc,
	}))
	internalLogger.debugf("mapped segment %d: %v at %#x", len(t.segs), desc, m.Virt)
	return next, nil
}

// unmapLocked unmaps every segment, last first. The table keeps only the
// null entry afterwards.
func (p *Pool) unmapLocked() error {
	var err error
	for i := len(p.maps) - 1; i >= 0; i-- {
		m := p.maps[i]
		drv, derr := driverFor(m.Desc.Type)
		if derr != nil {
			keepFirst(&err, derr)
			continue
		}
		keepFirst(&err, drv.Detach(m))
	}
	p.maps = nil
	p.segs.Store(newSegTable())
	return err
}

// unmapAfterLocked drops the mappings made since t was published and
// publishes t again.
func (p *Pool) unmapAfterLocked(t *segTable) error {
	n := len(t.segs) - 1
	var err error
	for i := len(p.maps) - 1; i >= n; i-- {
		m := p.maps[i]
		drv, derr := driverFor(m.Desc.Type)
		if derr != nil {
			keepFirst(&err, derr)
			continue
		}
		keepFirst(&err, drv.Detach(m))
	}
	p.maps = p.maps[:n]
	p.segs.Store(t)
	if p.flags&FlagRetainAddressSpace == 0 {
		keepFirst(&err, p.res.trim(t.physEnd, t.virtEnd))
	}
	return err
}

func linkTail(tail []byte, h *Header, next Descriptor) error {
	h.Next = next
	b, err := h.MarshalBinary()
	if err != nil {
		return err
	}
	copy(tail, b)
	return nil
}

// Refresh maps segments another process appended to the chain.
func (p *Pool) Refresh() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refreshLocked()
}

func (p *Pool) refreshLocked() error {
	if p.detached.Load() {
		return ErrDetached
	}
	last := p.table().last()
	if last.HeaderLen == 0 {
		return nil
	}
	var h Header
	if err := h.UnmarshalBinary(internalshm.Bytes(uintptr(last.Virt), uintptr(HeaderSize))); err != nil {
		return err
	}
	if h.Next.IsNull() {
		return nil
	}
	internalLogger.debugf("chain grew past %v", last.Desc)
	return p.mapChainLocked(h.Next)
}

// Grow appends the segments of a new backing store to the chain and maps
// them. Other processes pick them up with Refresh.
func (p *Pool) Grow(ctx context.Context, spec BackingSpec) (descs []Descriptor, err error) {
	_, span := p.tel.start(ctx, "shmem.Grow", attribute.String("backing", spec.String()))
	defer func() { p.tel.end(span, err) }()

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.refreshLocked(); err != nil {
		return nil, err
	}
	t := p.table()
	last := t.last()
	if last.HeaderLen == 0 {
		return nil, fmt.Errorf("grow after header-less %v: %w", last.Desc, ErrInvalidConfig)
	}
	if p.cfg.SimulatedPhysBase != 0 && (spec.Kind == BackingFile || spec.Kind == BackingSysV) {
		spec.paddr = p.cfg.SimulatedPhysBase + t.virtEnd
	}
	if p.flags&FlagPrefault != 0 {
		spec.Prefault = true
	}
	drv, err := driverForSpec(&spec)
	if err != nil {
		return nil, err
	}
	ds, err := drv.Init(ctx, &spec, Geometry{AddressSpace: p.res.AddressSpace, PhysmemRequest: p.cfg.PhysmemRequest})
	if err != nil {
		return nil, err
	}
	var next Descriptor
	for j := len(ds) - 1; j >= 0; j-- {
		if ds[j].Flags&SegNoHeader != 0 {
			if !next.IsNull() {
				err = fmt.Errorf("%v: header-less segment must end the chain: %w", ds[j], ErrInvalidConfig)
			}
		} else {
			err = writeHeader(drv, &Header{Magic: HeaderMagic, Version: HeaderVersion, Self: ds[j], Next: next})
		}
		if err != nil {
			removeSegments(ds)
			return nil, err
		}
		next = ds[j]
	}

	need := t.virtEnd
	for _, d := range ds {
		need += alignPage(d.Length)
	}
	if need > p.res.AddressSpace {
		removeSegments(ds)
		return nil, fmt.Errorf("grow to %s of %s address space: %w", FormatSize(need), FormatSize(p.res.AddressSpace), ErrSegmentTooLarge)
	}

	// link the new chain behind the current tail
	tail := internalshm.Bytes(uintptr(last.Virt), uintptr(HeaderSize))
	var h Header
	if err := h.UnmarshalBinary(tail); err != nil {
		removeSegments(ds)
		return nil, err
	}
	old := h.Next
	if err := linkTail(tail, &h, ds[0]); err != nil {
		removeSegments(ds)
		return nil, err
	}
	if err := p.mapChainLocked(ds[0]); err != nil {
		keepFirst(&err, linkTail(tail, &h, old))
		keepFirst(&err, p.unmapAfterLocked(t))
		removeSegments(ds)
		return nil, err
	}
	internalLogger.infof("grew pool by %d segments", len(ds))
	return ds, nil
}

// Detach unmaps the pool and releases the address-space reservation, or
// keeps it recorded when the pool retains its address space. The allocator
// is closed first. With debug checks, outstanding references refuse the
// detach.
func (p *Pool) Detach(ctx context.Context) (err error) {
	_, span := p.tel.start(ctx, "shmem.Detach")
	defer func() { p.tel.end(span, err) }()

	proc.mu.Lock()
	defer proc.mu.Unlock()
	if proc.pool != p || p.detached.Load() {
		return fmt.Errorf("detach: %w", ErrNotAttached)
	}
	if p.debug() {
		if n := p.liveRefs(); n > 0 {
			return fmt.Errorf("detach with %d referenced pointers: %w", n, ErrStillReferenced)
		}
	}
	keepFirst(&err, p.alloc.Close())
	p.detached.Store(true)

	p.mu.Lock()
	p.admin.releaseProcess(p.slot, p.pid)
	keepFirst(&err, p.unmapLocked())
	p.mu.Unlock()

	if p.flags&FlagRetainAddressSpace == 0 {
		keepFirst(&err, releaseLocked())
	}
	proc.pool = nil
	internalLogger.infof("detached from pool at %#x", p.res.VirtBase())
	return err
}

// Chain is the segment chain of a pool as read from its headers.
type Chain struct {
	Root     Header
	Segments []Descriptor
}

// ReadChain follows the header chain from cfg.Backing[0] without attaching.
func ReadChain(cfg *Config) (*Chain, error) {
	if cfg == nil || len(cfg.Backing) == 0 {
		return nil, fmt.Errorf("read chain: no backing store: %w", ErrInvalidConfig)
	}
	root, err := readRoot(cfg)
	if err != nil {
		return nil, err
	}
	c := &Chain{Root: *root, Segments: []Descriptor{root.Self}}
	next := root.Next
	for !next.IsNull() {
		if len(c.Segments) > maxChainLength {
			return c, fmt.Errorf("chain longer than %d: %w", maxChainLength, ErrChainBroken)
		}
		c.Segments = append(c.Segments, next)
		if next.Flags&SegNoHeader != 0 {
			break
		}
		drv, err := driverFor(next.Type)
		if err != nil {
			return c, err
		}
		raw, err := drv.ReadHeader(&next)
		if err != nil {
			return c, err
		}
		var h Header
		if err := h.UnmarshalBinary(raw); err != nil {
			return c, err
		}
		if h.Self != next {
			return c, fmt.Errorf("header describes %v, chain has %v: %w", h.Self, next, ErrChainBroken)
		}
		next = h.Next
	}
	return c, nil
}

const maxChainLength = 4096

// Destroy removes every backing store of the pool rooted at cfg.Backing[0]
// and drops a leftover reservation. The pool must not be attached.
func Destroy(ctx context.Context, cfg *Config) error {
	proc.mu.Lock()
	defer proc.mu.Unlock()
	if proc.pool != nil {
		return fmt.Errorf("destroy: %w", ErrAlreadyAttached)
	}
	c, err := ReadChain(cfg)
	if c != nil {
		for i := len(c.Segments) - 1; i >= 0; i-- {
			d := c.Segments[i]
			drv, derr := driverFor(d.Type)
			if derr != nil {
				keepFirst(&err, derr)
				continue
			}
			keepFirst(&err, drv.Remove(&d))
		}
	}
	keepFirst(&err, releaseLocked())
	return err
}
