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
	"errors"

	"github.com/kcore-os/pagetable/pkg/hostarch"
)

// Errors returned by table operations.
//
// Errors are returned unwrapped so that the fault path does not allocate;
// compare with errors.Is.
var (
	// ErrNoMemory is returned when the Handler could not supply a frame for
	// a new table.
	ErrNoMemory = errors.New("no memory for page table")

	// ErrNotMapped is returned when an operation requires a mapping and
	// there is none.
	ErrNotMapped = errors.New("address not mapped")

	// ErrAlreadyMapped is returned by Map when the target is occupied.
	ErrAlreadyMapped = errors.New("address already mapped")

	// ErrMappedToHugePage is returned by Map when the walk needs a table
	// but finds a huge page covering the address. It also matches
	// ErrAlreadyMapped.
	ErrMappedToHugePage error = &coveredError{msg: "address covered by a huge page", is: ErrAlreadyMapped}

	// ErrNotAligned is returned for a start address or size that is not
	// aligned to the page size in use.
	ErrNotAligned = errors.New("address or size not aligned")

	// ErrInvalidAddress is returned for a virtual address rejected by
	// MetaData.VaddrIsValid.
	ErrInvalidAddress = errors.New("invalid virtual address")
)

type coveredError struct {
	msg string
	is  error
}

// Error implements error.Error.
func (e *coveredError) Error() string { return e.msg }

// Is supports errors.Is.
func (e *coveredError) Is(target error) bool { return target == e.is }

// Flags are architecture-neutral page permissions and attributes.
type Flags uint8

const (
	// FlagRead allows reads.
	FlagRead Flags = 1 << iota

	// FlagWrite allows writes.
	FlagWrite

	// FlagExecute allows instruction fetch.
	FlagExecute

	// FlagUser allows access from user mode.
	FlagUser

	// FlagDevice marks device memory (strongly ordered, uncached).
	FlagDevice

	// FlagUncached marks normal memory that must not be cached.
	FlagUncached
)

// AllFlags is the set of all defined flags.
const AllFlags = FlagRead | FlagWrite | FlagExecute | FlagUser | FlagDevice | FlagUncached

// Contains returns true if all of other's bits are set in f.
func (f Flags) Contains(other Flags) bool {
	return f&other == other
}

// String implements fmt.Stringer.String. Flags print as "rwxudc", with '-'
// in place of absent flags.
func (f Flags) String() string {
	const names = "rwxudc"
	var buf [len(names)]byte
	for i := range buf {
		if f&(1<<i) != 0 {
			buf[i] = names[i]
		} else {
			buf[i] = '-'
		}
	}
	return string(buf[:])
}

// PageSize is the size of the memory mapped by one entry.
type PageSize uint64

// Supported page sizes.
const (
	Size4K PageSize = hostarch.PageSize
	Size2M PageSize = hostarch.HugePageSize
	Size1G PageSize = hostarch.GiantPageSize
)

// hugeSizes lists the huge sizes in the order region mapping tries them.
var hugeSizes = [...]PageSize{Size1G, Size2M}

// IsHuge returns true if s is larger than the base page size.
func (s PageSize) IsHuge() bool {
	return s != Size4K
}

// IsAligned returns true if v is aligned to s.
func (s PageSize) IsAligned(v hostarch.Addr) bool {
	return uint64(v)&(uint64(s)-1) == 0
}

// IsAlignedPhys returns true if p is aligned to s.
func (s PageSize) IsAlignedPhys(p hostarch.PhysAddr) bool {
	return uint64(p)&(uint64(s)-1) == 0
}

// AlignDown rounds p down to a multiple of s.
func (s PageSize) AlignDown(p hostarch.PhysAddr) hostarch.PhysAddr {
	return p &^ hostarch.PhysAddr(s-1)
}

// AlignDownAddr rounds v down to a multiple of s.
func (s PageSize) AlignDownAddr(v hostarch.Addr) hostarch.Addr {
	return v &^ hostarch.Addr(s-1)
}

// AlignOffset returns the offset of v into its s-sized page.
func (s PageSize) AlignOffset(v hostarch.Addr) uint64 {
	return uint64(v) & (uint64(s) - 1)
}

// String implements fmt.Stringer.String.
func (s PageSize) String() string {
	switch s {
	case Size4K:
		return "4K"
	case Size2M:
		return "2M"
	case Size1G:
		return "1G"
	default:
		return "invalid"
	}
}

// level returns the table level whose entries map pages of size s.
func (s PageSize) level() int {
	switch s {
	case Size4K:
		return 0
	case Size2M:
		return 1
	case Size1G:
		return 2
	default:
		panic("pagetables: invalid page size")
	}
}

// sizeAt returns the page size mapped by an entry at level.
func sizeAt(level int) PageSize {
	return PageSize(1) << (pteShift + entryShift*level)
}

// maxPageLevel is the highest level at which an entry may map a page.
const maxPageLevel = 2

// PTE is a raw, architecture-encoded page table entry. The all-zero value is
// the unused entry on every supported architecture.
type PTE uint64

// IsUnused returns true if the entry is all zero.
func (p PTE) IsUnused() bool {
	return p == 0
}

// Clear resets the entry to unused.
func (p *PTE) Clear() {
	*p = 0
}

// PTEs is a collection of entries, filling exactly one frame.
type PTEs [entriesPerPage]PTE

// Codec translates between logical mappings and an architecture's entry bits.
//
// Implementations must round-trip (address, flags, huge) for every value the
// table passes them, modulo lossy flag combinations documented by the
// architecture.
type Codec interface {
	// NewPage encodes a page mapping.
	NewPage(paddr hostarch.PhysAddr, flags Flags, huge bool) PTE

	// NewTable encodes a pointer to a child table.
	NewTable(paddr hostarch.PhysAddr) PTE

	// Address returns the physical address held by e.
	Address(e PTE) hostarch.PhysAddr

	// Flags returns the flags of a page entry.
	Flags(e PTE) Flags

	// SetAddress returns e with its address replaced.
	SetAddress(e PTE, paddr hostarch.PhysAddr) PTE

	// SetFlags returns e with its flags replaced, keeping the address.
	SetFlags(e PTE, flags Flags, huge bool) PTE

	// IsPresent returns true if the hardware will use e for translation.
	IsPresent(e PTE) bool

	// IsHuge returns true if e maps a page directly above the leaf level.
	IsHuge(e PTE) bool
}

// MetaData describes an architecture's paging scheme.
type MetaData interface {
	// Levels is the number of table levels, 3 or 4.
	Levels() int

	// PAMaxBits is the width of a physical address.
	PAMaxBits() int

	// VAMaxBits is the width of a virtual address.
	VAMaxBits() int

	// VaddrIsValid returns true if vaddr is in the canonical range.
	VaddrIsValid(vaddr hostarch.Addr) bool

	// FlushTLB invalidates the translation for one address.
	FlushTLB(vaddr hostarch.Addr)

	// FlushTLBAll invalidates all translations.
	FlushTLBAll()
}

// Handler supplies frames for tables and access to their contents.
//
// Note that handlers may be called concurrently by different tables.
type Handler interface {
	// AllocFrame returns a base-page sized frame. ok is false under memory
	// pressure.
	AllocFrame() (paddr hostarch.PhysAddr, ok bool)

	// DeallocFrame returns a frame obtained from AllocFrame.
	DeallocFrame(paddr hostarch.PhysAddr)

	// PhysToVirt returns the address at which the frame's bytes can be
	// accessed.
	PhysToVirt(paddr hostarch.PhysAddr) hostarch.Addr
}

// TLB issues translation invalidations on the local CPU. Architectures call
// it from MetaData.FlushTLB and MetaData.FlushTLBAll.
type TLB interface {
	// Invalidate drops the translation for vaddr.
	Invalidate(vaddr hostarch.Addr)

	// InvalidateAll drops all translations.
	InvalidateAll()
}

// CanonicalAddr returns true if vaddr is sign-extended from bit vaBits-1.
func CanonicalAddr(vaddr hostarch.Addr, vaBits int) bool {
	top := uint64(vaddr) >> (vaBits - 1)
	return top == 0 || top == (^uint64(0))>>(vaBits-1)
}
