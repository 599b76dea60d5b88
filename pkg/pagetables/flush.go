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
	"github.com/kcore-os/pagetable/pkg/log"
)

// flushThreshold is the number of single-address invalidations recorded
// before falling back to a full flush.
const flushThreshold = 16

// flushState records the invalidations owed by a Mut.
//
// It moves from empty, to a list of at most flushThreshold addresses, to
// full. Full is sticky until apply.
type flushState struct {
	full  bool
	n     int
	addrs [flushThreshold]hostarch.Addr
}

// add records vaddr. It returns true if this call moved the state to full.
func (f *flushState) add(vaddr hostarch.Addr) bool {
	if f.full {
		return false
	}
	if f.n == flushThreshold {
		f.setFull()
		return true
	}
	f.addrs[f.n] = vaddr
	f.n++
	return false
}

func (f *flushState) setFull() {
	f.full = true
	f.n = 0
}

// pending returns true if any invalidation is owed.
func (f *flushState) pending() bool {
	return f.full || f.n > 0
}

// apply issues the owed invalidations and resets the state.
func (f *flushState) apply(meta MetaData) {
	if f.full {
		meta.FlushTLBAll()
	} else {
		for _, vaddr := range f.addrs[:f.n] {
			meta.FlushTLB(vaddr)
		}
	}
	*f = flushState{}
}

// flush records that the translation for vaddr changed.
func (m *Mut) flush(vaddr hostarch.Addr) {
	if m.pendingFlush.add(vaddr) && log.IsLogging(log.Debug) {
		log.Debugf("pagetables: more than %d invalidations pending, falling back to a full flush", flushThreshold)
	}
}
