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
	"github.com/kcore-os/pagetable/pkg/hostarch"
)

// Mut is the mutation handle of a PageTables, obtained from Modify.
//
// Mutations are applied to memory immediately, in call order. The matching
// TLB invalidations are batched and issued by Finish or Done; a caller that
// needs an invalidation to be visible before continuing must call Finish.
type Mut struct {
	p            *PageTables
	pendingFlush flushState
	done         bool
}

// Query is PageTables.Query on the table being modified.
func (m *Mut) Query(vaddr hostarch.Addr) (hostarch.PhysAddr, Flags, PageSize, error) {
	m.checkLive()
	return m.p.Query(vaddr)
}

// Map maps the page of the given size at vaddr to paddr. paddr is rounded
// down to the page size; vaddr must be aligned to it.
//
// Intermediate tables are allocated as needed. If vaddr is already mapped,
// at any size, Map fails with ErrAlreadyMapped and changes nothing.
//
// Flags that the architecture cannot express as an accessible page, such as
// none at all, produce a non-present entry that still holds paddr. It counts
// as mapped for Map, Remap and Unmap. When that entry encodes as all zeroes
// (paddr 0), there is nothing to install and Map leaves the table as it was.
func (m *Mut) Map(vaddr hostarch.Addr, paddr hostarch.PhysAddr, size PageSize, flags Flags) error {
	m.checkLive()
	p := m.p
	if !p.meta.VaddrIsValid(vaddr) {
		return ErrInvalidAddress
	}
	if !size.IsAligned(vaddr) {
		return ErrNotAligned
	}
	e, err := m.lookupOrCreate(vaddr, size)
	if err != nil {
		return err
	}
	if !e.IsUnused() {
		return ErrAlreadyMapped
	}
	ne := p.codec.NewPage(size.AlignDown(paddr), flags, size.IsHuge())
	if ne.IsUnused() {
		return nil
	}
	*e = ne
	m.flush(vaddr)
	return nil
}

// Remap replaces the address and flags of the existing mapping covering
// vaddr, keeping its page size. paddr is rounded down to that size.
func (m *Mut) Remap(vaddr hostarch.Addr, paddr hostarch.PhysAddr, flags Flags) (PageSize, error) {
	m.checkLive()
	p := m.p
	e, size, err := m.lookup(vaddr)
	if err != nil {
		return 0, err
	}
	if e.IsUnused() {
		return 0, ErrNotMapped
	}
	*e = p.codec.SetFlags(p.codec.SetAddress(*e, size.AlignDown(paddr)), flags, size.IsHuge())
	m.flush(vaddr)
	return size, nil
}

// Protect replaces the flags of the present mapping covering vaddr.
func (m *Mut) Protect(vaddr hostarch.Addr, flags Flags) (PageSize, error) {
	m.checkLive()
	p := m.p
	e, size, err := m.lookup(vaddr)
	if err != nil {
		return 0, err
	}
	if !p.codec.IsPresent(*e) {
		return 0, ErrNotMapped
	}
	*e = p.codec.SetFlags(*e, flags, size.IsHuge())
	m.flush(vaddr)
	return size, nil
}

// Unmap removes the mapping covering vaddr and returns what it mapped.
//
// Unmapping an address with no mapping returns ErrNotMapped and changes
// nothing, so a second Unmap of the same address is a well-defined error.
// Intermediate tables are kept until Release.
func (m *Mut) Unmap(vaddr hostarch.Addr) (hostarch.PhysAddr, Flags, PageSize, error) {
	m.checkLive()
	p := m.p
	e, size, err := m.lookup(vaddr)
	if err != nil {
		return 0, 0, 0, err
	}
	if e.IsUnused() {
		return 0, 0, 0, ErrNotMapped
	}
	paddr, flags := p.codec.Address(*e), p.codec.Flags(*e)
	e.Clear()
	m.flush(vaddr)
	return paddr, flags, size, nil
}

// Finish issues every pending TLB invalidation. The Mut stays usable.
func (m *Mut) Finish() {
	m.checkLive()
	if m.pendingFlush.pending() {
		m.pendingFlush.apply(m.p.meta)
	}
}

// Done finishes the Mut and ends the mutation session. Calling Done more
// than once is allowed.
func (m *Mut) Done() {
	if m.done {
		return
	}
	m.Finish()
	m.done = true
	m.p.mut = nil
}

func (m *Mut) checkLive() {
	if m.done {
		panic("pagetables: use of Mut after Done")
	}
}

// lookup is PageTables.lookup with address validation.
func (m *Mut) lookup(vaddr hostarch.Addr) (*PTE, PageSize, error) {
	if !m.p.meta.VaddrIsValid(vaddr) {
		return nil, 0, ErrInvalidAddress
	}
	return m.p.lookup(vaddr)
}

// lookupOrCreate walks to the entry for vaddr at the level of size,
// allocating missing intermediate tables.
func (m *Mut) lookupOrCreate(vaddr hostarch.Addr, size PageSize) (*PTE, error) {
	p := m.p
	target := size.level()
	table := p.tableAt(p.rootPhysical)
	for level := p.levels - 1; level > target; level-- {
		i := index(vaddr, level)
		e := &table[i]
		switch {
		case e.IsUnused():
			paddr, err := p.allocTable()
			if err != nil {
				return nil, err
			}
			*e = p.codec.NewTable(paddr)
			if level == p.levels-1 {
				// A fresh table in a borrowed, unused slot belongs to p.
				p.borrowed.Remove(uint32(i))
			}
		case !p.isTable(*e):
			return nil, ErrMappedToHugePage
		}
		table = p.tableAt(p.codec.Address(*e))
	}
	return &table[index(vaddr, target)], nil
}
