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

package arm64

import (
	"testing"

	"github.com/kcore-os/pagetable/pkg/hostarch"
	"github.com/kcore-os/pagetable/pkg/pagetables"
)

// canonical returns the flags that survive an encode/decode round trip.
func canonical(f pagetables.Flags) pagetables.Flags {
	if f == 0 {
		return 0
	}
	f |= pagetables.FlagRead
	if f&pagetables.FlagDevice != 0 {
		f |= pagetables.FlagUncached
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

func TestMAIR(t *testing.T) {
	for _, tc := range []struct {
		attr MemoryAttr
		want uint64
	}{
		{AttrDevice, 0x00},
		{AttrNormal, 0xff},
		{AttrNormalNC, 0x44},
	} {
		if got := uint64(MAIRValue) >> (8 * uint64(tc.attr)) & 0xff; got != tc.want {
			t.Errorf("MAIR slot %d = %#x, want %#x", tc.attr, got, tc.want)
		}
	}
}

func TestTTBR(t *testing.T) {
	if got, want := TTBR(0x4000_1000, 0x12), uint64(0x0012_0000_4000_1000); got != want {
		t.Errorf("TTBR = %#x, want %#x", got, want)
	}
	if got, want := TTBR(0x1000, 0x1ff), uint64(0x00ff_0000_0000_1000); got != want {
		t.Errorf("TTBR with wide ASID = %#x, want %#x", got, want)
	}
}

func TestMemoryAttributes(t *testing.T) {
	var c Codec
	for _, tc := range []struct {
		flags pagetables.Flags
		want  MemoryAttr
	}{
		{pagetables.FlagRead, AttrNormal},
		{pagetables.FlagRead | pagetables.FlagUncached, AttrNormalNC},
		{pagetables.FlagRead | pagetables.FlagDevice, AttrDevice},
		{pagetables.FlagRead | pagetables.FlagDevice | pagetables.FlagUncached, AttrDevice},
	} {
		e := c.NewPage(0, tc.flags, false)
		if got := MemoryAttr((e & attrMask) >> attrShift); got != tc.want {
			t.Errorf("attribute of %v = %d, want %d", tc.flags, got, tc.want)
		}
	}
}
