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

// Package loong64 provides the LoongArch64 four-level paging scheme.
package loong64

import (
	"github.com/kcore-os/pagetable/pkg/hostarch"
	"github.com/kcore-os/pagetable/pkg/pagetables"
)

// Entry bits.
const (
	valid        = 1 << 0
	dirty        = 1 << 1
	plvLow       = 1 << 2
	plvHigh      = 1 << 3
	matLow       = 1 << 4
	matHigh      = 1 << 5
	globalHuge   = 1 << 6
	physical     = 1 << 7
	writable     = 1 << 8
	global       = 1 << 12
	noRead       = 1 << 61
	noExecute    = 1 << 62
	restrictPriv = 1 << 63

	addrMask = 0x0000_ffff_ffff_f000
)

// Address space parameters.
const (
	levels    = 4
	paMaxBits = 48
	vaMaxBits = 48
)

// Page walk controller layout for 4K pages and four levels.
const (
	// PWCL describes the PTE, directory 1 and directory 2 levels.
	PWCL = 12 | 9<<5 | 21<<10 | 9<<15 | 30<<20 | 9<<25

	// PWCH describes the directory 3 level.
	PWCH = 39 | 9<<6
)

// MaxASID is the largest value of the 10-bit ASID field.
const MaxASID = 0x3ff

// MetaData is the LoongArch64 pagetables.MetaData.
type MetaData struct {
	// TLB receives invalidations. If nil, they are dropped.
	TLB pagetables.TLB
}

// Levels implements pagetables.MetaData.Levels.
func (MetaData) Levels() int { return levels }

// PAMaxBits implements pagetables.MetaData.PAMaxBits.
func (MetaData) PAMaxBits() int { return paMaxBits }

// VAMaxBits implements pagetables.MetaData.VAMaxBits.
func (MetaData) VAMaxBits() int { return vaMaxBits }

// VaddrIsValid implements pagetables.MetaData.VaddrIsValid.
func (MetaData) VaddrIsValid(vaddr hostarch.Addr) bool {
	return pagetables.CanonicalAddr(vaddr, vaMaxBits)
}

// FlushTLB implements pagetables.MetaData.FlushTLB.
func (m MetaData) FlushTLB(vaddr hostarch.Addr) {
	if m.TLB != nil {
		m.TLB.Invalidate(vaddr)
	}
}

// FlushTLBAll implements pagetables.MetaData.FlushTLBAll.
func (m MetaData) FlushTLBAll() {
	if m.TLB != nil {
		m.TLB.InvalidateAll()
	}
}

// Codec is the LoongArch64 pagetables.Codec.
type Codec struct{}

func hwFlags(f pagetables.Flags, huge bool) uint64 {
	if f == 0 {
		return 0
	}
	bits := uint64(valid | physical)
	if f&pagetables.FlagRead == 0 {
		bits |= noRead
	}
	if f&pagetables.FlagWrite != 0 {
		bits |= writable | dirty
	}
	if f&pagetables.FlagExecute == 0 {
		bits |= noExecute
	}
	if f&pagetables.FlagUser != 0 {
		bits |= plvLow | plvHigh
	}
	switch {
	case f&pagetables.FlagDevice != 0:
		// Strongly-ordered uncached: MAT = 0.
	case f&pagetables.FlagUncached != 0:
		bits |= matHigh
	default:
		bits |= matLow
	}
	if huge {
		bits |= globalHuge
	}
	return bits
}

// NewPage implements pagetables.Codec.NewPage.
func (Codec) NewPage(paddr hostarch.PhysAddr, flags pagetables.Flags, huge bool) pagetables.PTE {
	return pagetables.PTE(uint64(paddr)&addrMask | hwFlags(flags, huge))
}

// NewTable implements pagetables.Codec.NewTable.
func (Codec) NewTable(paddr hostarch.PhysAddr) pagetables.PTE {
	return pagetables.PTE(uint64(paddr)&addrMask | valid)
}

// Address implements pagetables.Codec.Address.
func (Codec) Address(e pagetables.PTE) hostarch.PhysAddr {
	return hostarch.PhysAddr(uint64(e) & addrMask)
}

// Flags implements pagetables.Codec.Flags.
func (Codec) Flags(e pagetables.PTE) pagetables.Flags {
	if e&valid == 0 {
		return 0
	}
	var f pagetables.Flags
	if e&noRead == 0 {
		f |= pagetables.FlagRead
	}
	if e&writable != 0 {
		f |= pagetables.FlagWrite
	}
	if e&noExecute == 0 {
		f |= pagetables.FlagExecute
	}
	if e&plvHigh != 0 {
		f |= pagetables.FlagUser
	}
	switch {
	case e&(matLow|matHigh) == 0:
		f |= pagetables.FlagDevice
	case e&matHigh != 0:
		f |= pagetables.FlagUncached
	}
	return f
}

// SetAddress implements pagetables.Codec.SetAddress.
func (Codec) SetAddress(e pagetables.PTE, paddr hostarch.PhysAddr) pagetables.PTE {
	return e&^addrMask | pagetables.PTE(uint64(paddr)&addrMask)
}

// SetFlags implements pagetables.Codec.SetFlags.
func (Codec) SetFlags(e pagetables.PTE, flags pagetables.Flags, huge bool) pagetables.PTE {
	return e&addrMask | pagetables.PTE(hwFlags(flags, huge))
}

// IsPresent implements pagetables.Codec.IsPresent.
func (Codec) IsPresent(e pagetables.PTE) bool {
	return e&valid != 0
}

// IsHuge implements pagetables.Codec.IsHuge.
func (Codec) IsHuge(e pagetables.PTE) bool {
	return e&valid != 0 && e&globalHuge != 0
}

// New returns empty LoongArch64 page tables. tlb may be nil.
func New(h pagetables.Handler, tlb pagetables.TLB) (*pagetables.PageTables, error) {
	return pagetables.New(MetaData{TLB: tlb}, Codec{}, h)
}
