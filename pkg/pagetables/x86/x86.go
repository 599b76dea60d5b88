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

// Package x86 provides the x86-64 four-level paging scheme.
package x86

import (
	"github.com/kcore-os/pagetable/pkg/hostarch"
	"github.com/kcore-os/pagetable/pkg/pagetables"
)

// Entry bits.
const (
	present      = 1 << 0
	writable     = 1 << 1
	user         = 1 << 2
	writeThrough = 1 << 3
	noCache      = 1 << 4
	accessed     = 1 << 5
	dirty        = 1 << 6
	pageSize     = 1 << 7
	global       = 1 << 8
	executeDis   = 1 << 63

	addrMask = 0x000f_ffff_ffff_f000
)

// Address space parameters.
const (
	levels    = 4
	paMaxBits = 52
	vaMaxBits = 48
)

// CR3 control bits.
const (
	noFlushBit = 0x8000000000000000
	pcidMask   = 0xfff
)

// MaxPCID is the largest PCID.
const MaxPCID = pcidMask

// CR3 returns the CR3 value for the given root table and PCID.
//
// If noFlush is set, loading the value keeps the cached translations tagged
// with pcid.
func CR3(root hostarch.PhysAddr, pcid uint16, noFlush bool) uint64 {
	v := uint64(root)&addrMask | uint64(pcid)&pcidMask
	if noFlush {
		v |= noFlushBit
	}
	return v
}

// MetaData is the x86-64 pagetables.MetaData.
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

// Codec is the x86-64 pagetables.Codec.
type Codec struct{}

func hwFlags(f pagetables.Flags, huge bool) uint64 {
	if f == 0 {
		return 0
	}
	bits := uint64(present)
	if f&pagetables.FlagWrite != 0 {
		bits |= writable
	}
	if f&pagetables.FlagExecute == 0 {
		bits |= executeDis
	}
	if f&pagetables.FlagUser != 0 {
		bits |= user
	}
	if f&(pagetables.FlagDevice|pagetables.FlagUncached) != 0 {
		bits |= noCache | writeThrough
	}
	if huge {
		bits |= pageSize
	}
	return bits
}

// NewPage implements pagetables.Codec.NewPage.
func (Codec) NewPage(paddr hostarch.PhysAddr, flags pagetables.Flags, huge bool) pagetables.PTE {
	return pagetables.PTE(uint64(paddr)&addrMask | hwFlags(flags, huge))
}

// NewTable implements pagetables.Codec.NewTable.
//
// Intermediate entries are as permissive as possible; the leaf decides.
func (Codec) NewTable(paddr hostarch.PhysAddr) pagetables.PTE {
	return pagetables.PTE(uint64(paddr)&addrMask | present | writable | user)
}

// Address implements pagetables.Codec.Address.
func (Codec) Address(e pagetables.PTE) hostarch.PhysAddr {
	return hostarch.PhysAddr(uint64(e) & addrMask)
}

// Flags implements pagetables.Codec.Flags.
func (Codec) Flags(e pagetables.PTE) pagetables.Flags {
	if e&present == 0 {
		return 0
	}
	f := pagetables.FlagRead
	if e&writable != 0 {
		f |= pagetables.FlagWrite
	}
	if e&executeDis == 0 {
		f |= pagetables.FlagExecute
	}
	if e&user != 0 {
		f |= pagetables.FlagUser
	}
	if e&noCache != 0 {
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
	return e&present != 0
}

// IsHuge implements pagetables.Codec.IsHuge.
func (Codec) IsHuge(e pagetables.PTE) bool {
	return e&pageSize != 0
}

// New returns empty x86-64 page tables. tlb may be nil.
func New(h pagetables.Handler, tlb pagetables.TLB) (*pagetables.PageTables, error) {
	return pagetables.New(MetaData{TLB: tlb}, Codec{}, h)
}
