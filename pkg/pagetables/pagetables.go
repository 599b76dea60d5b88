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

// Package pagetables provides a generic implementation of hierarchical page
// tables, shared by every supported architecture.
//
// A PageTables owns its root frame and every table frame reachable from it,
// except for top-level slots borrowed from another table with Mut.CopyFrom.
// Frames holding mapped pages are never owned: they are only mapped and
// unmapped.
//
// The table takes no locks. Callers serialize mutation: at most one Mut may be
// live per table, and Query must not run concurrently with a live Mut.
package pagetables

import (
	"fmt"

	"github.com/kcore-os/pagetable/pkg/bitmap"
	"github.com/kcore-os/pagetable/pkg/hostarch"
	"github.com/kcore-os/pagetable/pkg/log"
)

const (
	pteShift       = hostarch.PageShift
	entryShift     = 9
	entriesPerPage = 1 << entryShift
)

// index returns the index into a table at level for vaddr. Level 0 is the
// leaf level.
func index(vaddr hostarch.Addr, level int) int {
	return int(uint64(vaddr)>>(pteShift+entryShift*level)) & (entriesPerPage - 1)
}

// PageTables is a set of page tables.
type PageTables struct {
	meta    MetaData
	codec   Codec
	handler Handler

	// levels is cached from meta.
	levels int

	// rootPhysical is the physical address of the root table.
	rootPhysical hostarch.PhysAddr

	// borrowed holds the root indices whose subtrees belong to another
	// table. They are skipped by Release.
	borrowed bitmap.Bitmap

	// mut is the live mutation handle, if any.
	mut *Mut

	// released is set by Release.
	released bool
}

// New returns new PageTables with an empty root table.
func New(meta MetaData, codec Codec, handler Handler) (*PageTables, error) {
	levels := meta.Levels()
	if levels < 3 || levels > 4 {
		panic(fmt.Sprintf("pagetables: unsupported level count %d", levels))
	}
	p := &PageTables{
		meta:     meta,
		codec:    codec,
		handler:  handler,
		levels:   levels,
		borrowed: bitmap.New(entriesPerPage),
	}
	root, err := p.allocTable()
	if err != nil {
		return nil, err
	}
	p.rootPhysical = root
	return p, nil
}

// RootPhysical returns the physical address of the root table, for loading
// into the translation base register.
func (p *PageTables) RootPhysical() hostarch.PhysAddr {
	return p.rootPhysical
}

// MetaData returns the paging scheme of p.
func (p *PageTables) MetaData() MetaData {
	return p.meta
}

// Query returns the physical address, flags and page size that translate
// vaddr. The returned address includes vaddr's offset into the page.
func (p *PageTables) Query(vaddr hostarch.Addr) (hostarch.PhysAddr, Flags, PageSize, error) {
	p.checkLive()
	if !p.meta.VaddrIsValid(vaddr) {
		return 0, 0, 0, ErrInvalidAddress
	}
	e, size, err := p.lookup(vaddr)
	if err != nil {
		return 0, 0, 0, err
	}
	if !p.codec.IsPresent(*e) {
		return 0, 0, 0, ErrNotMapped
	}
	paddr := p.codec.Address(*e) + hostarch.PhysAddr(size.AlignOffset(vaddr))
	return paddr, p.codec.Flags(*e), size, nil
}

// Modify returns the handle through which p is mutated. The handle must be
// ended with Mut.Done before Modify is called again.
func (p *PageTables) Modify() *Mut {
	p.checkLive()
	if p.mut != nil {
		panic("pagetables: Modify called while another Mut is live")
	}
	p.mut = &Mut{p: p}
	return p.mut
}

// Update runs fn with a fresh Mut and ends it afterwards, issuing every
// pending TLB invalidation even if fn fails.
func (p *PageTables) Update(fn func(m *Mut) error) error {
	m := p.Modify()
	defer m.Done()
	return fn(m)
}

// Release frees every table frame owned by p, including the root. Borrowed
// subtrees are left to their owner. p must not be used afterwards.
func (p *PageTables) Release() {
	p.checkLive()
	if p.mut != nil {
		panic("pagetables: Release called while a Mut is live")
	}
	root := p.tableAt(p.rootPhysical)
	for i := range root {
		if p.borrowed.Contains(uint32(i)) {
			continue
		}
		if p.isTable(root[i]) {
			p.freeTree(p.codec.Address(root[i]), p.levels-2)
		}
	}
	p.handler.DeallocFrame(p.rootPhysical)
	p.released = true
}

// Borrowed returns the root indices currently borrowed from other tables.
func (p *PageTables) Borrowed() []uint32 {
	return p.borrowed.ToSlice()
}

func (p *PageTables) checkLive() {
	if p.released {
		panic("pagetables: use after Release")
	}
}

// isTable returns true if e, found above the leaf level, points to a child
// table. Tables are always installed present; anything else that is not
// unused is a page.
func (p *PageTables) isTable(e PTE) bool {
	return p.codec.IsPresent(e) && !p.codec.IsHuge(e)
}

// allocTable allocates and zeroes a table frame.
func (p *PageTables) allocTable() (hostarch.PhysAddr, error) {
	paddr, ok := p.handler.AllocFrame()
	if !ok {
		if log.IsLogging(log.Debug) {
			log.Debugf("pagetables: frame allocation failed")
		}
		return 0, ErrNoMemory
	}
	*p.tableAt(paddr) = PTEs{}
	return paddr, nil
}

// freeTree frees the table at paddr, of the given level, and every table
// below it.
func (p *PageTables) freeTree(paddr hostarch.PhysAddr, level int) {
	if level > 0 {
		for _, e := range p.tableAt(paddr) {
			if p.isTable(e) {
				p.freeTree(p.codec.Address(e), level-1)
			}
		}
	}
	p.handler.DeallocFrame(paddr)
}

// lookup walks to the entry mapping vaddr, at whatever level holds it. It
// never allocates.
func (p *PageTables) lookup(vaddr hostarch.Addr) (*PTE, PageSize, error) {
	table := p.tableAt(p.rootPhysical)
	for level := p.levels - 1; ; level-- {
		e := &table[index(vaddr, level)]
		if level == 0 {
			return e, Size4K, nil
		}
		if !p.isTable(*e) {
			if e.IsUnused() || level > maxPageLevel {
				return nil, 0, ErrNotMapped
			}
			return e, sizeAt(level), nil
		}
		table = p.tableAt(p.codec.Address(*e))
	}
}
