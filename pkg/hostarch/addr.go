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

package hostarch

import "fmt"

// Addr represents a virtual address.
type Addr uintptr

// String implements fmt.Stringer.String.
func (v Addr) String() string {
	return fmt.Sprintf("%#x", uintptr(v))
}

// IsPageAligned returns true if v is aligned to a page boundary.
func (v Addr) IsPageAligned() bool {
	return v&(PageSize-1) == 0
}

// AddLength adds the given length to start and returns the result. ok is true
// iff adding the length did not overflow the range of Addr.
//
// Note: This function is usually used to get the end of an address range
// defined by its start address and length. Since the resulting end is
// exclusive, end == 0 is technically valid, and corresponds to a range that
// extends to the end of the address space, but ok will be false. This isn't
// expected to ever come up in practice.
func (v Addr) AddLength(length uint64) (end Addr, ok bool) {
	end = v + Addr(length)
	// The second half of the following check is needed in case uintptr is
	// smaller than 64 bits.
	ok = end >= v && length <= uint64(^Addr(0))
	return
}

// PhysAddr represents a physical address.
//
// Physical addresses are never dereferenced directly; they are translated to
// a virtual address by whoever owns the physical memory window.
type PhysAddr uintptr

// String implements fmt.Stringer.String.
func (p PhysAddr) String() string {
	return fmt.Sprintf("%#x", uintptr(p))
}

// IsPageAligned returns true if p is aligned to a frame boundary.
func (p PhysAddr) IsPageAligned() bool {
	return p&(PageSize-1) == 0
}

// AddrRange is a range of virtual addresses [Start, End).
type AddrRange struct {
	Start Addr
	End   Addr
}

// WellFormed returns true if ar.Start <= ar.End.
func (ar AddrRange) WellFormed() bool {
	return ar.Start <= ar.End
}

// Length returns the length of the range.
func (ar AddrRange) Length() Addr {
	return ar.End - ar.Start
}

// String implements fmt.Stringer.String.
func (ar AddrRange) String() string {
	return fmt.Sprintf("[%#x, %#x)", uintptr(ar.Start), uintptr(ar.End))
}
