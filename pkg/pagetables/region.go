// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pagetables

import (
	"errors"

	"github.com/kcore-os/pagetable/pkg/hostarch"
)

// PhysGetter returns the physical address backing the chunk that starts at
// vaddr.
type PhysGetter func(vaddr hostarch.Addr) hostarch.PhysAddr

// Linear returns a PhysGetter for a region whose start vstart is backed by
// pstart, with the rest following contiguously.
func Linear(vstart hostarch.Addr, pstart hostarch.PhysAddr) PhysGetter {
	return func(vaddr hostarch.Addr) hostarch.PhysAddr {
		return pstart + hostarch.PhysAddr(vaddr-vstart)
	}
}

// checkRegion validates the start and size of a region operation. A region
// may end exactly at the top of the address space but not wrap past it.
func (m *Mut) checkRegion(vaddr hostarch.Addr, size uint64) error {
	if !vaddr.IsPageAligned() || size%hostarch.PageSize != 0 {
		return ErrNotAligned
	}
	if end, ok := vaddr.AddLength(size); !ok && end != 0 {
		return ErrInvalidAddress
	}
	return nil
}

// advance returns the start of the page after the size-sized page containing
// vaddr, and the remaining length. done is true if the region is consumed.
func advance(vaddr hostarch.Addr, rem uint64, size PageSize) (next hostarch.Addr, left uint64, done bool) {
	next = size.AlignDownAddr(vaddr) + hostarch.Addr(size)
	step := uint64(next - vaddr)
	if step >= rem {
		return next, 0, true
	}
	return next, rem - step, false
}

// MapRegion maps size bytes at vaddr, asking physAt for the backing of each
// chunk. With allowHuge, each chunk uses the largest page size to which both
// the virtual and the physical address are aligned and that fits in what is
// left of the region.
//
// MapRegion stops at the first error. Chunks mapped before it stay mapped.
func (m *Mut) MapRegion(vaddr hostarch.Addr, physAt PhysGetter, size uint64, flags Flags, allowHuge bool) error {
	m.checkLive()
	if err := m.checkRegion(vaddr, size); err != nil {
		return err
	}
	for size > 0 {
		paddr := physAt(vaddr)
		chunk := Size4K
		if allowHuge {
			for _, s := range hugeSizes {
				if s.IsAligned(vaddr) && s.IsAlignedPhys(paddr) && size >= uint64(s) {
					chunk = s
					break
				}
			}
		}
		if err := m.Map(vaddr, paddr, chunk, flags); err != nil {
			return err
		}
		vaddr += hostarch.Addr(chunk)
		size -= uint64(chunk)
	}
	return nil
}

// UnmapRegion unmaps size bytes at vaddr. Each step advances past the whole
// page that was unmapped, so a huge page overlapping the region is removed
// entirely.
//
// A hole in the region stops the walk with ErrNotMapped; pages before it
// stay unmapped.
func (m *Mut) UnmapRegion(vaddr hostarch.Addr, size uint64) error {
	m.checkLive()
	if err := m.checkRegion(vaddr, size); err != nil {
		return err
	}
	for size > 0 {
		_, _, chunk, err := m.Unmap(vaddr)
		if err != nil {
			return err
		}
		var done bool
		if vaddr, size, done = advance(vaddr, size, chunk); done {
			break
		}
	}
	return nil
}

// ProtectRegion changes the flags of every mapping in size bytes at vaddr.
// Holes are skipped one base page at a time.
func (m *Mut) ProtectRegion(vaddr hostarch.Addr, size uint64, flags Flags) error {
	m.checkLive()
	if err := m.checkRegion(vaddr, size); err != nil {
		return err
	}
	for size > 0 {
		chunk, err := m.Protect(vaddr, flags)
		if errors.Is(err, ErrNotMapped) {
			chunk = Size4K
		} else if err != nil {
			return err
		}
		var done bool
		if vaddr, size, done = advance(vaddr, size, chunk); done {
			break
		}
	}
	return nil
}
