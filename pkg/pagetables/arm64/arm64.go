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

// Package arm64 provides the AArch64 4K-granule, four-level paging scheme.
package arm64

import (
	"github.com/kcore-os/pagetable/pkg/hostarch"
	"github.com/kcore-os/pagetable/pkg/pagetables"
)

// Descriptor bits.
const (
	valid     = 1 << 0
	nonBlock  = 1 << 1
	attrShift = 2
	attrMask  = 0x7 << attrShift
	apEL0     = 1 << 6
	apRO      = 1 << 7
	inner     = 1 << 8
	shareable = 1 << 9
	af        = 1 << 10
	ng        = 1 << 11
	pxn       = 1 << 53
	uxn       = 1 << 54

	addrMask = 0x0000_ffff_ffff_f000
)

// MemoryAttr is an index into MAIR_ELx.
type MemoryAttr uint64

// Memory attribute indices.
const (
	AttrDevice MemoryAttr = iota
	AttrNormal
	AttrNormalNC
)

// MAIRValue is the MAIR_ELx value matching the attribute indices.
const MAIRValue = 0x00 | 0xff<<8 | 0x44<<16

// Address space parameters.
const (
	levels    = 4
	paMaxBits = 48
	vaMaxBits = 48

	ttbrASIDOffset = 48
	ttbrASIDMask   = 0xff
)

// MaxASID is the largest ASID with 8-bit ASIDs, which every implementation
// supports.
const MaxASID = ttbrASIDMask

// TTBR returns the TTBRx_EL1 value for the given root table and ASID.
func TTBR(root hostarch.PhysAddr, asid uint16) uint64 {
	return uint64(root)&addrMask | (uint64(asid)&ttbrASIDMask)<<ttbrASIDOffset
}

// MetaData is the AArch64 pagetables.MetaData.
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
//
// TTBR0 covers addresses with the top 16 bits clear, TTBR1 those with the
// top 16 bits set.
func (MetaData) VaddrIsValid(vaddr hostarch.Addr) bool {
	top := uint64(vaddr) >> vaMaxBits
	return top == 0 || top == 0xffff
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

// Codec is the AArch64 pagetables.Codec.
type Codec struct{}

func attrFor(f pagetables.Flags) MemoryAttr {
	switch {
	case f&pagetables.FlagDevice != 0:
		return AttrDevice
	case f&pagetables.FlagUncached != 0:
		return AttrNormalNC
	default:
		return AttrNormal
	}
}

func hwFlags(f pagetables.Flags, huge bool) uint64 {
	if f == 0 {
		return 0
	}
	bits := uint64(valid | af | nonBlock)
	if huge {
		bits &^= nonBlock
	}
	if f&pagetables.FlagWrite == 0 {
		bits |= apRO
	}
	if f&pagetables.FlagExecute == 0 {
		bits |= uxn | pxn
	}
	if f&pagetables.FlagUser != 0 {
		bits |= apEL0
	}
	attr := attrFor(f)
	bits |= uint64(attr) << attrShift
	if attr != AttrDevice {
		bits |= inner | shareable
	}
	return bits
}

// NewPage implements pagetables.Codec.NewPage.
func (Codec) NewPage(paddr hostarch.PhysAddr, flags pagetables.Flags, huge bool) pagetables.PTE {
	return pagetables.PTE(uint64(paddr)&addrMask | hwFlags(flags, huge))
}

// NewTable implements pagetables.Codec.NewTable.
func (Codec) NewTable(paddr hostarch.PhysAddr) pagetables.PTE {
	return pagetables.PTE(uint64(paddr)&addrMask | valid | nonBlock)
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
	f := pagetables.FlagRead
	if e&apRO == 0 {
		f |= pagetables.FlagWrite
	}
	if e&uxn == 0 {
		f |= pagetables.FlagExecute
	}
	if e&apEL0 != 0 {
		f |= pagetables.FlagUser
	}
	switch MemoryAttr((e & attrMask) >> attrShift) {
	case AttrDevice:
		f |= pagetables.FlagDevice | pagetables.FlagUncached
	case AttrNormalNC:
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
//
// A valid descriptor without the table bit is a block. At the last level the
// same bit marks a page, which the table never asks about.
func (Codec) IsHuge(e pagetables.PTE) bool {
	return e&valid != 0 && e&nonBlock == 0
}

// New returns empty AArch64 page tables. tlb may be nil.
func New(h pagetables.Handler, tlb pagetables.TLB) (*pagetables.PageTables, error) {
	return pagetables.New(MetaData{TLB: tlb}, Codec{}, h)
}
