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
	"fmt"

	"github.com/kcore-os/pagetable/pkg/hostarch"
	"github.com/kcore-os/pagetable/pkg/log"
)

// CopyFrom makes the root slots of p covering [start, start+size) share the
// subtrees of other.
//
// Subtrees that p owned in those slots are freed first. The slots are then
// marked borrowed: Release skips them, and other stays responsible for the
// shared frames. other must outlive every use of the borrowed range through
// p. Growing a borrowed subtree through p mutates other's tables.
//
// Copying a table into itself, a range that wraps past the top of the
// address space, or one whose first or last address is invalid is a caller
// bug and panics.
func (m *Mut) CopyFrom(other *PageTables, start hostarch.Addr, size uint64) {
	m.checkLive()
	other.checkLive()
	p := m.p
	if other == p {
		panic("pagetables: CopyFrom of a table into itself")
	}
	if size == 0 {
		return
	}
	if other.levels != p.levels {
		panic("pagetables: CopyFrom between tables of different depth")
	}
	end, ok := start.AddLength(size - 1)
	if !ok {
		panic(fmt.Sprintf("pagetables: CopyFrom range at %v of size %#x overflows", start, size))
	}
	if !p.meta.VaddrIsValid(start) || !p.meta.VaddrIsValid(end) {
		panic(fmt.Sprintf("pagetables: CopyFrom of invalid range [%v, %v]", start, end))
	}
	rootLevel := p.levels - 1
	first := index(start, rootLevel)
	last := index(end, rootLevel)
	src := other.tableAt(other.rootPhysical)
	dst := p.tableAt(p.rootPhysical)
	replaced := false
	for i := first; i <= last; i++ {
		e := &dst[i]
		wasBorrowed := p.borrowed.TestAndAdd(uint32(i))
		if !wasBorrowed && p.isTable(*e) {
			if log.IsLogging(log.Debug) {
				log.Debugf("pagetables: root slot %d replaced by shared subtree, freeing owned tables", i)
			}
			p.freeTree(p.codec.Address(*e), rootLevel-1)
		}
		if p.codec.IsPresent(*e) {
			replaced = true
		}
		*e = src[i]
	}
	if replaced {
		m.pendingFlush.setFull()
	}
}
