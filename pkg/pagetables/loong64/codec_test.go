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

package loong64

import (
	"testing"

	"github.com/kcore-os/pagetable/pkg/hostarch"
	"github.com/kcore-os/pagetable/pkg/pagetables"
)

// canonical returns the flags that survive an encode/decode round trip.
func canonical(f pagetables.Flags) pagetables.Flags {
	if f&pagetables.FlagDevice != 0 {
		f &^= pagetables.FlagUncached
	}
	return f
}

func TestFlagsRoundTrip(t *testing.T) {
	var c Codec
	for f := pagetables.Flags(0); f <= pagetables.AllFlags; f++ {
		for _, huge := range []bool{false, true} {
			e := c.NewPage(0x4000_0000, f, huge)
			if got, want := c.Flags(e), canonical(f); got != want {
				t.Errorf("Flags(NewPage(%v, huge=%t)) = %v, want %v", f, huge, got, want)
			}
			if canonical(f) == 0 {
				continue
			}
			if got := c.Address(e); got != 0x4000_0000 {
				t.Errorf("Address(NewPage(%v)) = %v, want 0x40000000", f, got)
			}
			if !c.IsPresent(e) {
				t.Errorf("NewPage(%v) not present", f)
			}
			if got := c.IsHuge(e); got != huge {
				t.Errorf("IsHuge(NewPage(%v, huge=%t)) = %t", f, huge, got)
			}
			// SetFlags must be equivalent to building the entry afresh.
			if got, want := c.SetFlags(c.NewPage(0x4000_0000, pagetables.FlagRead, huge), f, huge), e; got != want {
				t.Errorf("SetFlags(%v, huge=%t) = %#x, want %#x", f, huge, got, want)
			}
		}
	}
}

func TestAddress(t *testing.T) {
	var c Codec
	for _, paddr := range []hostarch.PhysAddr{0, 0x1000, 0x1234_5678_9000, 0xffff_ffff_e000} {
		e := c.NewPage(paddr, pagetables.FlagRead|pagetables.FlagWrite, false)
		if got := c.Address(e); got != paddr {
			t.Errorf("Address(NewPage(%v)) = %v", paddr, got)
		}
		moved := c.SetAddress(e, paddr+0x1000)
		if got := c.Address(moved); got != paddr+0x1000 {
			t.Errorf("Address(SetAddress(%v)) = %v, want %v", paddr+0x1000, got, paddr+0x1000)
		}
		if c.Flags(moved) != c.Flags(e) {
			t.Errorf("SetAddress changed flags: %v -> %v", c.Flags(e), c.Flags(moved))
		}
		if table := c.NewTable(paddr); c.Address(table) != paddr || !c.IsPresent(table) || c.IsHuge(table) {
			t.Errorf("NewTable(%v) = %#x: want a present, non-huge entry", paddr, table)
		}
	}
}

func TestAddressMasksHighBits(t *testing.T) {
	var c Codec
	const paddr = 1<<48 | 0x3000
	e := c.NewPage(paddr, pagetables.FlagRead|pagetables.FlagWrite, false)
	if got := c.Address(e); got != 0x3000 {
		t.Errorf("Address(NewPage(%#x)) = %v, want 0x3000", uint64(paddr), got)
	}
	moved := c.SetAddress(e, paddr+0x1000)
	if got := c.Address(moved); got != 0x4000 {
		t.Errorf("Address(SetAddress(%#x)) = %v, want 0x4000", uint64(paddr+0x1000), got)
	}
	if c.Flags(moved) != c.Flags(e) {
		t.Errorf("SetAddress changed flags: %v -> %v", c.Flags(e), c.Flags(moved))
	}
}

func TestPageWalkControl(t *testing.T) {
	// PTbase, PTwidth, Dir1 base and width, Dir2 base and width.
	fields := []uint64{PWCL & 0x1f, PWCL >> 5 & 0x1f, PWCL >> 10 & 0x1f, PWCL >> 15 & 0x1f, PWCL >> 20 & 0x1f, PWCL >> 25 & 0x1f}
	want := []uint64{12, 9, 21, 9, 30, 9}
	for i := range want {
		if fields[i] != want[i] {
			t.Errorf("PWCL field %d = %d, want %d", i, fields[i], want[i])
		}
	}
	if base, width := uint64(PWCH&0x3f), uint64(PWCH>>6&0x3f); base != 39 || width != 9 {
		t.Errorf("PWCH = (%d, %d), want (39, 9)", base, width)
	}
}
