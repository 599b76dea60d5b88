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

package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/kcore-os/pagetable/pkg/cleanup"
	"github.com/kcore-os/pagetable/pkg/hostarch"
	"github.com/kcore-os/pagetable/pkg/log"
	"github.com/kcore-os/pagetable/pkg/pagetables"
	"github.com/kcore-os/pagetable/pkg/physmem"
	"github.com/kcore-os/pagetable/ptctl/config"
)

// Run is a contiguous stretch of same-sized pages with equal flags and
// contiguous physical addresses.
type Run struct {
	VAddr    hostarch.Addr     `json:"vaddr"`
	PAddr    hostarch.PhysAddr `json:"paddr"`
	Length   uint64            `json:"length"`
	Flags    string            `json:"flags"`
	PageSize string            `json:"page_size"`
	Pages    int               `json:"pages"`
	size     pagetables.PageSize
	flags    pagetables.Flags
}

func (r *Run) end() hostarch.Addr {
	return r.VAddr + hostarch.Addr(r.Length)
}

// extends returns true if a page at vaddr can be appended to r.
func (r *Run) extends(vaddr hostarch.Addr, paddr hostarch.PhysAddr, flags pagetables.Flags, size pagetables.PageSize) bool {
	return r.size == size && r.flags == flags &&
		r.end() == vaddr &&
		r.PAddr+hostarch.PhysAddr(r.Length) == paddr
}

// TableDump is the final state of one table.
type TableDump struct {
	Name     string   `json:"name"`
	ASID     uint16   `json:"asid"`
	Root     string   `json:"root"`
	Base     string   `json:"base"`
	Borrowed []uint32 `json:"borrowed,omitempty"`
	Runs     []Run    `json:"runs"`
}

// Result is the outcome of one scenario.
type Result struct {
	File   string        `json:"file"`
	Arch   string        `json:"arch"`
	Ops    int           `json:"ops"`
	Tables []TableDump   `json:"tables"`
	Frames physmem.Stats `json:"frames"`
}

// dumpTable coalesces the mappings of p into runs.
func dumpTable(a arch, name string, asid uint16, p *pagetables.PageTables) TableDump {
	d := TableDump{
		Name:     name,
		ASID:     asid,
		Root:     p.RootPhysical().String(),
		Base:     fmt.Sprintf("%s=%#x", a.baseName, a.base(p.RootPhysical(), asid)),
		Borrowed: p.Borrowed(),
	}
	for _, ar := range halves(a.meta.Levels()) {
		p.Walk(ar, func(vaddr hostarch.Addr, paddr hostarch.PhysAddr, flags pagetables.Flags, size pagetables.PageSize) bool {
			if n := len(d.Runs); n > 0 && d.Runs[n-1].extends(vaddr, paddr, flags, size) {
				d.Runs[n-1].Length += uint64(size)
				d.Runs[n-1].Pages++
				return true
			}
			d.Runs = append(d.Runs, Run{
				VAddr:    vaddr,
				PAddr:    paddr,
				Length:   uint64(size),
				Flags:    flags.String(),
				PageSize: size.String(),
				Pages:    1,
				size:     size,
				flags:    flags,
			})
			return true
		})
	}
	return d
}

// scenario is the state of one replay.
type scenario struct {
	arch   arch
	alloc  *physmem.Allocator
	asids  *pagetables.ASIDs
	tables map[string]*pagetables.PageTables
	order  []string
}

// table returns the table called name, creating it on first use.
func (s *scenario) table(name string) (*pagetables.PageTables, error) {
	if p, ok := s.tables[name]; ok {
		if p == nil {
			return nil, fmt.Errorf("table %q was released", name)
		}
		return p, nil
	}
	p, err := s.arch.newTables(s.alloc, nil)
	if err != nil {
		return nil, fmt.Errorf("creating table %q: %w", name, err)
	}
	s.tables[name] = p
	s.order = append(s.order, name)
	if _, flush := s.asids.Assign(p); flush {
		log.Debugf("table %q: ASID reused, flushing", name)
	}
	return p, nil
}

// drop releases the table called name.
func (s *scenario) drop(name string, p *pagetables.PageTables) {
	s.asids.Drop(p)
	p.Release()
	s.tables[name] = nil
}

// release releases every live table.
func (s *scenario) release() {
	for _, name := range s.order {
		if p := s.tables[name]; p != nil {
			s.drop(name, p)
		}
	}
}

// mapRegion maps op's region. If op is atomic, a failure unmaps the chunks
// that were mapped before it.
func mapRegion(m *pagetables.Mut, op *config.Op) error {
	start := op.VAddrOf()
	linear := pagetables.Linear(start, op.PAddrOf())
	if !op.Atomic {
		return m.MapRegion(start, linear, uint64(op.Size), pagetables.Flags(op.Flags), op.Huge)
	}

	// MapRegion asks for the backing of each chunk just before mapping it,
	// so everything below the last request is mapped.
	last := start
	physAt := func(vaddr hostarch.Addr) hostarch.PhysAddr {
		last = vaddr
		return linear(vaddr)
	}
	cu := cleanup.Make(func() {
		if last == start {
			return
		}
		if err := m.UnmapRegion(start, uint64(last-start)); err != nil {
			log.Warningf("rolling back region at %v: %v", start, err)
		}
	})
	defer cu.Clean()
	if err := m.MapRegion(start, physAt, uint64(op.Size), pagetables.Flags(op.Flags), op.Huge); err != nil {
		return err
	}
	cu.Release()
	return nil
}

// checkCopyRange returns an error for a copy_from range that CopyFrom would
// reject as a caller bug.
func checkCopyRange(meta pagetables.MetaData, start hostarch.Addr, size uint64) error {
	if size == 0 {
		return nil
	}
	end, ok := start.AddLength(size - 1)
	if !ok || !meta.VaddrIsValid(start) || !meta.VaddrIsValid(end) {
		return fmt.Errorf("copy_from of %#x bytes at %v: %w", size, start, pagetables.ErrInvalidAddress)
	}
	return nil
}

// apply runs one operation.
func (s *scenario) apply(op *config.Op) error {
	p, err := s.table(op.Table)
	if err != nil {
		return err
	}
	if op.Kind == config.KindRelease {
		s.drop(op.Table, p)
		return nil
	}
	var src *pagetables.PageTables
	if op.Kind == config.KindCopyFrom {
		if src, err = s.table(op.From); err != nil {
			return err
		}
	}
	vaddr, flags := op.VAddrOf(), pagetables.Flags(op.Flags)
	return p.Update(func(m *pagetables.Mut) error {
		switch op.Kind {
		case config.KindMap:
			size, err := op.Size.PageSize()
			if err != nil {
				return err
			}
			return m.Map(vaddr, op.PAddrOf(), size, flags)
		case config.KindRemap:
			_, err := m.Remap(vaddr, op.PAddrOf(), flags)
			return err
		case config.KindProtect:
			_, err := m.Protect(vaddr, flags)
			return err
		case config.KindUnmap:
			_, _, _, err := m.Unmap(vaddr)
			return err
		case config.KindQuery:
			paddr, flags, size, err := m.Query(vaddr)
			if err == nil && log.IsLogging(log.Debug) {
				log.Debugf("query %v in %q: %v %v %v", vaddr, op.Table, paddr, flags, size)
			}
			return err
		case config.KindMapRegion:
			return mapRegion(m, op)
		case config.KindUnmapRegion:
			return m.UnmapRegion(vaddr, uint64(op.Size))
		case config.KindProtectRegion:
			return m.ProtectRegion(vaddr, uint64(op.Size), flags)
		case config.KindCopyFrom:
			if err := checkCopyRange(s.arch.meta, vaddr, uint64(op.Size)); err != nil {
				return err
			}
			m.CopyFrom(src, vaddr, uint64(op.Size))
			return nil
		}
		return fmt.Errorf("unknown kind %q", op.Kind)
	})
}

// replay runs sc and returns the final state of its tables.
func replay(ctx context.Context, name string, sc *config.Scenario) (*Result, error) {
	a, err := lookupArch(sc.Arch)
	if err != nil {
		return nil, err
	}
	s := &scenario{
		arch:   a,
		alloc:  physmem.New(physmem.Options{FrameLimit: sc.FrameLimit, Poison: true}),
		asids:  pagetables.NewASIDs(1, a.maxASID, a.maxASID),
		tables: make(map[string]*pagetables.PageTables),
	}
	cu := cleanup.Make(func() {
		if err := s.alloc.Close(); err != nil {
			log.Warningf("%s: %v", name, err)
		}
	})
	defer cu.Clean()
	cu.Add(s.release)

	for i := range sc.Ops {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		op := &sc.Ops[i]
		err := s.apply(op)
		want := op.ExpectedError()
		switch {
		case want == nil && err != nil:
			return nil, fmt.Errorf("op %d (%s %v on %q): %w", i, op.Kind, op.VAddrOf(), op.Table, err)
		case want != nil && !errors.Is(err, want):
			return nil, fmt.Errorf("op %d (%s %v on %q): got error %v, want %v", i, op.Kind, op.VAddrOf(), op.Table, err, want)
		}
		if log.IsLogging(log.Debug) {
			log.Debugf("%s: op %d %s %v on %q: %v", name, i, op.Kind, op.VAddrOf(), op.Table, err)
		}
	}

	res := &Result{
		File: name,
		Arch: a.name,
		Ops:  len(sc.Ops),
	}
	for _, tname := range s.order {
		if p := s.tables[tname]; p != nil {
			asid, _ := s.asids.Assign(p)
			res.Tables = append(res.Tables, dumpTable(a, tname, asid, p))
		}
	}
	res.Frames = s.alloc.Stats()
	return res, nil
}
