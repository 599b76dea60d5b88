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
	"unsafe"

	"github.com/kcore-os/pagetable/pkg/hostarch"
)

// tableAt returns the table stored in the frame at paddr.
//
// The Handler guarantees that PhysToVirt returns an address that stays valid
// while the frame is allocated and that is not managed by the Go heap.
func (p *PageTables) tableAt(paddr hostarch.PhysAddr) *PTEs {
	return (*PTEs)(unsafe.Pointer(uintptr(p.handler.PhysToVirt(paddr))))
}
