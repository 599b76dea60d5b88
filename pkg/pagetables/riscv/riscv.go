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

// Package riscv provides the RISC-V Sv39 and Sv48 paging schemes.
package riscv

import (
	"github.com/kcore-os/pagetable/pkg/hostarch"
	"github.com/kcore-os/pagetable/pkg/pagetables"
)

// Entry bits.
const (
	valid    = 1 << 0
	read     = 1 << 1
	write    = 1 << 2
	execute  = 1 << 3
	user     = 1 << 4
	global   = 1 << 5
	accessed = 1 << 6
	dirty    = 1 << 7

	leafMask = read | write | execute

	// The PPN is stored at bit 10; physical addresses are shifted right by 2.
	ppnShift = 2
	addrMask = (1 << 54) - (1 << 10)
)

const paMaxBits = 56

// Mode is a translation mode, as written to satp.MODE.
type Mode uint64

// Supported modes.
const (
	Sv39 Mode = 8
	Sv48 Mode = 9
)

const (
	satpModeShift = 60
	satpASIDShift = 44
	satpASIDMask  = 0xffff
)

// MaxASID is the largest ASID with the widest ASIDLEN. Hardware may
// implement fewer bits.
const MaxASID = satpASIDMask

// SATP returns the satp value for the given mode, root table and ASID.
func SATP(mode Mode, root hostarch.PhysAddr, asid uint16) uint64 {
	return uint64(mode)<<satpModeShift |
		(uint64(asid)&satpASIDMask)<<satpASIDShift |
		uint64(root)>>hostarch.PageShift
}

// MetaData is the RISC-V pagetables.MetaData for one mode.
type MetaData struct {
	// Mode selects Sv39 or Sv48.
	Mode Mode

	// TLB receives invalidations. If nil, they are dropped.
	TLB pagetables.TLB
}

// Levels implements pagetables.MetaData.Levels.
func (m MetaData) Levels() int {
	switch m.Mode {
	case Sv39:
		return 3
	case Sv48:
		return 4
	}
	panic("riscv: unknown mode")
}

// PAMaxBits implements pagetables.MetaData.PAMaxBits.
func (MetaData) PAMaxBits() int { return paMaxBits }

// VAMaxBits implements pagetables.MetaData.VAMaxBits.
func (m MetaData) VAMaxBits() int {
	return hostarch.PageShift + 9*m.Levels()
}

// VaddrIsValid implements pagetables.MetaData.VaddrIsValid.
func (m MetaData) VaddrIsValid(vaddr hostarch.Addr) bool {
	return pagetables.CanonicalAddr(vaddr, m.VAMaxBits())
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

// Codec is the RISC-V pagetables.Codec. The encoding is shared by Sv39 and
// Sv48.
type Codec struct{}

// hwFlags encodes f. An entry is a leaf iff one of R, W or X is set, so
// flags without any of them encode as an invalid entry.
func hwFlags(f pagetables.Flags) uint64 {
	var bits uint64
	if f&pagetables.FlagRead != 0 {
		bits |= read
	}
	if f&pagetables.FlagWrite != 0 {
		bits |= write
	}
	if f&pagetables.FlagExecute != 0 {
		bits |= execute
	}
	if bits == 0 {
		return 0
	}
	bits |= valid | accessed | dirty
	if f&pagetables.FlagUser != 0 {
		bits |= user
	}
	return bits
}

func encodeAddr(paddr hostarch.PhysAddr) uint64 {
	return (uint64(paddr) >> ppnShift) & addrMask
}

// NewPage implements pagetables.Codec.NewPage. Huge pages need no marker:
// any leaf above level 0 is one.
func (Codec) NewPage(paddr hostarch.PhysAddr, flags pagetables.Flags, _ bool) pagetables.PTE {
	return pagetables.PTE(encodeAddr(paddr) | hwFlags(flags))
}

// NewTable implements pagetables.Codec.NewTable.
func (Codec) NewTable(paddr hostarch.PhysAddr) pagetables.PTE {
	return pagetables.PTE(encodeAddr(paddr) | valid)
}

// Address implements pagetables.Codec.Address.
func (Codec) Address(e pagetables.PTE) hostarch.PhysAddr {
	return hostarch.PhysAddr((uint64(e) & addrMask) << ppnShift)
}

// Flags implements pagetables.Codec.Flags.
func (Codec) Flags(e pagetables.PTE) pagetables.Flags {
	if e&valid == 0 {
		return 0
	}
	var f pagetables.Flags
	if e&read != 0 {
		f |= pagetables.FlagRead
	}
	if e&write != 0 {
		f |= pagetables.FlagWrite
	}
	if e&execute != 0 {
		f |= pagetables.FlagExecute
	}
	if e&user != 0 {
		f |= pagetables.FlagUser
	}
	return f
}

// SetAddress implements pagetables.Codec.SetAddress.
func (Codec) SetAddress(e pagetables.PTE, paddr hostarch.PhysAddr) pagetables.PTE {
	return e&^addrMask | pagetables.PTE(encodeAddr(paddr))
}

// SetFlags implements pagetables.Codec.SetFlags.
func (Codec) SetFlags(e pagetables.PTE, flags pagetables.Flags, _ bool) pagetables.PTE {
	return e&addrMask | pagetables.PTE(hwFlags(flags))
}

// IsPresent implements pagetables.Codec.IsPresent.
func (Codec) IsPresent(e pagetables.PTE) bool {
	return e&valid != 0
}

// IsHuge implements pagetables.Codec.IsHuge.
func (Codec) IsHuge(e pagetables.PTE) bool {
	return e&valid != 0 && e&leafMask != 0
}

// New returns empty page tables for mode. tlb may be nil.
func New(mode Mode, h pagetables.Handler, tlb pagetables.TLB) (*pagetables.PageTables, error) {
	return pagetables.New(MetaData{Mode: mode, TLB: tlb}, Codec{}, h)
}
