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
	"github.com/kcore-os/pagetable/pkg/sync"
)

// ASIDs is a simple address space identifier database (PCIDs on x86).
//
// Identifiers are handed out from a fixed pool. When the pool is empty the
// oldest assignment is evicted.
type ASIDs struct {
	mu sync.Mutex

	// cache are the assigned page tables.
	//
	// +checklocks:mu
	cache map[*PageTables]uint16

	// order holds the assigned page tables, oldest first.
	//
	// +checklocks:mu
	order []*PageTables

	// avail are available identifiers.
	//
	// +checklocks:mu
	avail []uint16
}

// NewASIDs returns a new database assigning identifiers in [start,
// start+size).
//
// start is typically one, as identifier zero is reserved for global
// mappings or flushed on every switch. Nil is returned iff the range exceeds
// limit, the largest identifier the hardware supports.
func NewASIDs(start, size, limit uint16) *ASIDs {
	if size == 0 || uint32(start)+uint32(size)-1 > uint32(limit) {
		return nil
	}
	a := &ASIDs{
		cache: make(map[*PageTables]uint16),
	}
	for id := uint32(start) + uint32(size); id > uint32(start); id-- {
		a.avail = append(a.avail, uint16(id-1))
	}
	return a
}

// Assign assigns an identifier to p.
//
// If the identifier was previously used by other tables, flush is true and
// the caller must invalidate translations tagged with it before use.
func (a *ASIDs) Assign(p *PageTables) (asid uint16, flush bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if asid, ok := a.cache[p]; ok {
		return asid, false
	}

	if n := len(a.avail); n > 0 {
		asid = a.avail[n-1]
		a.avail = a.avail[:n-1]
		a.cache[p] = asid
		a.order = append(a.order, p)
		// It may have been used before it was dropped.
		return asid, true
	}

	// Evict the oldest assignment. Those tables get a new identifier the
	// next time they are assigned.
	old := a.order[0]
	a.order = append(a.order[1:], p)
	asid = a.cache[old]
	delete(a.cache, old)
	a.cache[p] = asid
	return asid, true
}

// Drop releases the identifier of p, if any.
func (a *ASIDs) Drop(p *PageTables) {
	a.mu.Lock()
	defer a.mu.Unlock()
	asid, ok := a.cache[p]
	if !ok {
		return
	}
	delete(a.cache, p)
	for i, q := range a.order {
		if q == p {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}
	a.avail = append(a.avail, asid)
}
