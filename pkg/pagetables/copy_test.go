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

package pagetables_test

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/kcore-os/pagetable/pkg/hostarch"
	"github.com/kcore-os/pagetable/pkg/pagetables"
	"github.com/kcore-os/pagetable/pkg/pagetables/riscv"
	"github.com/kcore-os/pagetable/pkg/physmem"
)

// slot is the size covered by one x86 root entry.
const slot = 1 << 39

func mustUpdate(t *testing.T, p *pagetables.PageTables, fn func(m *pagetables.Mut) error) {
	t.Helper()
	if err := p.Update(fn); err != nil {
		t.Fatalf("Update: %v", err)
	}
}

func TestCopyFromShares(t *testing.T) {
	a := newAllocator(t, physmem.Options{})
	src, _ := newTables(t, a)
	mustUpdate(t, src, func(m *pagetables.Mut) error {
		if err := m.Map(slot+0x1000, 0x1000, pagetables.Size4K, rw); err != nil {
			return err
		}
		return m.Map(2*slot, 0x20_0000, pagetables.Size2M, rw)
	})

	dst, _ := newTables(t, a)
	dst.Update(func(m *pagetables.Mut) error {
		m.CopyFrom(src, slot, 2*slot)
		return nil
	})
	if diff := cmp.Diff([]uint32{1, 2}, dst.Borrowed()); diff != "" {
		t.Errorf("Borrowed mismatch (-want +got):\n%s", diff)
	}
	want := collect(src, lowerHalf)
	if diff := cmp.Diff(want, collect(dst, lowerHalf)); diff != "" {
		t.Errorf("shared mappings mismatch (-want +got):\n%s", diff)
	}

	// Changes below the root are visible through both tables.
	mustUpdate(t, src, func(m *pagetables.Mut) error {
		return m.Map(slot+0x2000, 0x2000, pagetables.Size4K, rw)
	})
	if _, _, _, err := dst.Query(slot + 0x2000); err != nil {
		t.Errorf("dst.Query of mapping added through src: %v", err)
	}

	before := a.Outstanding()
	dst.Release()
	if got, want := a.Outstanding(), before-1; got != want {
		t.Errorf("Outstanding after releasing borrower = %d, want %d", got, want)
	}
	// Freed frames are poisoned, so this fails if src's tables were freed.
	want = []mapping{
		{slot + 0x1000, 0x1000, rw, pagetables.Size4K},
		{slot + 0x2000, 0x2000, rw, pagetables.Size4K},
		{2 * slot, 0x20_0000, rw, pagetables.Size2M},
	}
	if diff := cmp.Diff(want, collect(src, lowerHalf)); diff != "" {
		t.Errorf("src mappings after borrower release (-want +got):\n%s", diff)
	}
	src.Release()
	if got := a.Outstanding(); got != 0 {
		t.Errorf("Outstanding = %d, want 0", got)
	}
}

func TestCopyFromReplacesOwned(t *testing.T) {
	a := newAllocator(t, physmem.Options{})
	src, _ := newTables(t, a)
	defer src.Release()
	dst, tlb := newTables(t, a)
	defer dst.Release()

	mustUpdate(t, dst, func(m *pagetables.Mut) error {
		return m.Map(slot, 0x1000, pagetables.Size4K, rw)
	})
	tlb.reset()
	before := a.Outstanding()
	dst.Update(func(m *pagetables.Mut) error {
		m.CopyFrom(src, slot, slot)
		return nil
	})
	// Levels 2, 1 and 0 of dst's old subtree are gone.
	if got, want := a.Outstanding(), before-3; got != want {
		t.Errorf("Outstanding = %d, want %d", got, want)
	}
	if tlb.full != 1 || len(tlb.addrs) != 0 {
		t.Errorf("got %d full flushes and %v, want one full flush", tlb.full, tlb.addrs)
	}
	if _, _, _, err := dst.Query(slot); !errors.Is(err, pagetables.ErrNotMapped) {
		t.Errorf("Query of replaced mapping = %v, want %v", err, pagetables.ErrNotMapped)
	}
}

func TestCopyFromClaimsEmptySlot(t *testing.T) {
	a := newAllocator(t, physmem.Options{})
	src, _ := newTables(t, a)
	defer src.Release()
	dst, tlb := newTables(t, a)

	dst.Update(func(m *pagetables.Mut) error {
		m.CopyFrom(src, 3*slot, slot)
		return nil
	})
	if tlb.full != 0 {
		t.Errorf("copying empty slots flushed")
	}
	if diff := cmp.Diff([]uint32{3}, dst.Borrowed()); diff != "" {
		t.Errorf("Borrowed mismatch (-want +got):\n%s", diff)
	}
	mustUpdate(t, dst, func(m *pagetables.Mut) error {
		return m.Map(3*slot, 0, pagetables.Size4K, rw)
	})
	if diff := cmp.Diff([]uint32{}, dst.Borrowed(), cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("Borrowed after claim mismatch (-want +got):\n%s", diff)
	}
	if _, _, _, err := src.Query(3 * slot); !errors.Is(err, pagetables.ErrNotMapped) {
		t.Errorf("src sees mapping made in claimed slot: %v", err)
	}
	dst.Release()
	if got := a.Outstanding(); got != 1 {
		t.Errorf("Outstanding = %d, want only src's root", got)
	}
}

func TestCopyFromEmptyRange(t *testing.T) {
	a := newAllocator(t, physmem.Options{})
	src, _ := newTables(t, a)
	defer src.Release()
	dst, _ := newTables(t, a)
	defer dst.Release()
	dst.Update(func(m *pagetables.Mut) error {
		m.CopyFrom(src, slot, 0)
		return nil
	})
	if got := dst.Borrowed(); len(got) != 0 {
		t.Errorf("Borrowed = %v, want none", got)
	}
}

func TestCopyFromDepthMismatchPanics(t *testing.T) {
	a := newAllocator(t, physmem.Options{})
	src, err := riscv.New(riscv.Sv39, a, nil)
	if err != nil {
		t.Fatalf("riscv.New: %v", err)
	}
	defer src.Release()
	dst, _ := newTables(t, a)
	defer dst.Release()
	m := dst.Modify()
	defer m.Done()
	defer func() {
		if recover() == nil {
			t.Errorf("CopyFrom between different depths did not panic")
		}
	}()
	m.CopyFrom(src, 0, slot)
}

func TestCopyFromOwnerReleasedFirst(t *testing.T) {
	a := newAllocator(t, physmem.Options{})
	src, _ := newTables(t, a)
	mustUpdate(t, src, func(m *pagetables.Mut) error {
		return m.Map(slot+0x1000, 0x1000, pagetables.Size4K, rw)
	})
	dst, _ := newTables(t, a)
	defer dst.Release()
	dst.Update(func(m *pagetables.Mut) error {
		m.CopyFrom(src, slot, slot)
		return nil
	})
	if paddr, _, _, err := dst.Query(slot + 0x1000); err != nil || paddr != 0x1000 {
		t.Fatalf("dst.Query before release = (%v, %v), want (0x1000, nil)", paddr, err)
	}

	// The borrower is left pointing at freed, poisoned frames.
	src.Release()
	if got := a.Outstanding(); got != 1 {
		t.Errorf("Outstanding = %d, want only dst's root", got)
	}
	paddr, flags, size, err := dst.Query(slot + 0x1000)
	if err == nil && paddr == 0x1000 && flags == rw && size == pagetables.Size4K {
		t.Errorf("dst still reports the mapping of the released owner")
	}
}

func TestCopyFromRejectsInvalidRanges(t *testing.T) {
	a := newAllocator(t, physmem.Options{})
	src, _ := newTables(t, a)
	defer src.Release()
	dst, _ := newTables(t, a)
	defer dst.Release()

	for _, tc := range []struct {
		name  string
		from  *pagetables.PageTables
		start hostarch.Addr
		size  uint64
	}{
		{"into itself", dst, slot, slot},
		{"wraps", src, 0xffff_ffff_ffff_f000, 0x2000},
		{"non-canonical start", src, 0x8000_0000_0000, slot},
		{"non-canonical end", src, 0x7fff_ffff_f000, 0x2000},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m := dst.Modify()
			defer m.Done()
			defer func() {
				if recover() == nil {
					t.Errorf("CopyFrom(%v, %#x) did not panic", tc.start, tc.size)
				}
			}()
			m.CopyFrom(tc.from, tc.start, tc.size)
		})
	}
	if got := dst.Borrowed(); len(got) != 0 {
		t.Errorf("Borrowed = %v, want none", got)
	}

	// A range may end exactly at the top of the address space.
	dst.Update(func(m *pagetables.Mut) error {
		m.CopyFrom(src, 0xffff_8000_0000_0000, 1<<47)
		return nil
	})
	if got := len(dst.Borrowed()); got != 256 {
		t.Errorf("got %d borrowed slots, want the 256 of the upper half", got)
	}
}
