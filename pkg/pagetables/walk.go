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
	"github.com/kcore-os/pagetable/pkg/hostarch"
)

// WalkFunc is called by Walk for each present page. Returning false stops
// the walk.
type WalkFunc func(vaddr hostarch.Addr, paddr hostarch.PhysAddr, flags Flags, size PageSize) bool

// Walk calls fn for every present mapping that overlaps ar, in ascending
// address order. A huge page is reported once, at its start.
//
// The walk is clipped to the half of the root table holding ar.Start: the
// lower half is reported below the split and the upper half at addresses
// with every bit above the split set. Each root slot is therefore visited
// by at most one of the two halves.
func (p *PageTables) Walk(ar hostarch.AddrRange, fn WalkFunc) {
	p.checkLive()
	if ar.Length() == 0 || !ar.WellFormed() {
		return
	}
	rootLevel := p.levels - 1
	spanBits := uint(pteShift + entryShift*p.levels)
	halfMask := hostarch.Addr(1)<<(spanBits-1) - 1
	last := ar.End - 1
	if limit := ar.Start | halfMask; last > limit {
		last = limit
	}
	base := ar.Start &^ (hostarch.Addr(1)<<spanBits - 1)
	p.walk(p.tableAt(p.rootPhysical), rootLevel, base, ar.Start, last, fn)
}

// walk visits table, of the given level and covering addresses from base,
// restricted to [first, last].
func (p *PageTables) walk(table *PTEs, level int, base, first, last hostarch.Addr, fn WalkFunc) bool {
	shift := uint(pteShift + entryShift*level)
	span := hostarch.Addr(1) << shift
	end := index(last, level)
	for i := index(first, level); i <= end; i++ {
		e := table[i]
		vaddr := base + hostarch.Addr(i)<<shift
		switch {
		case level > 0 && p.isTable(e):
			lo, hi := vaddr, vaddr+span-1
			if lo < first {
				lo = first
			}
			if hi > last {
				hi = last
			}
			if !p.walk(p.tableAt(p.codec.Address(e)), level-1, vaddr, lo, hi, fn) {
				return false
			}
		case level <= maxPageLevel && p.codec.IsPresent(e):
			if !fn(vaddr, p.codec.Address(e), p.codec.Flags(e), sizeAt(level)) {
				return false
			}
		}
	}
	return true
}
