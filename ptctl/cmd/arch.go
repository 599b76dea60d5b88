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

package cmd

import (
	"fmt"
	"sort"

	"github.com/kcore-os/pagetable/pkg/hostarch"
	"github.com/kcore-os/pagetable/pkg/pagetables"
	"github.com/kcore-os/pagetable/pkg/pagetables/arm64"
	"github.com/kcore-os/pagetable/pkg/pagetables/loong64"
	"github.com/kcore-os/pagetable/pkg/pagetables/riscv"
	"github.com/kcore-os/pagetable/pkg/pagetables/x86"
)

// arch describes one paging scheme.
type arch struct {
	name        string
	description string
	meta        pagetables.MetaData

	// newTables builds empty tables. tlb may be nil.
	newTables func(h pagetables.Handler, tlb pagetables.TLB) (*pagetables.PageTables, error)

	// maxASID is the largest address space identifier.
	maxASID uint16

	// baseName and base give the translation-base register for a root and
	// address space identifier.
	baseName string
	base     func(root hostarch.PhysAddr, asid uint16) uint64
}

func riscvNew(mode riscv.Mode) func(pagetables.Handler, pagetables.TLB) (*pagetables.PageTables, error) {
	return func(h pagetables.Handler, tlb pagetables.TLB) (*pagetables.PageTables, error) {
		return riscv.New(mode, h, tlb)
	}
}

func riscvBase(mode riscv.Mode) func(hostarch.PhysAddr, uint16) uint64 {
	return func(root hostarch.PhysAddr, asid uint16) uint64 {
		return riscv.SATP(mode, root, asid)
	}
}

var archs = map[string]arch{
	"x86": {
		name:        "x86",
		description: "x86-64, 4-level",
		meta:        x86.MetaData{},
		newTables:   x86.New,
		maxASID:     x86.MaxPCID,
		baseName:    "CR3",
		base: func(root hostarch.PhysAddr, pcid uint16) uint64 {
			return x86.CR3(root, pcid, false)
		},
	},
	"arm64": {
		name:        "arm64",
		description: "AArch64, 4K granule, 4-level",
		meta:        arm64.MetaData{},
		newTables:   arm64.New,
		maxASID:     arm64.MaxASID,
		baseName:    "TTBR",
		base:        arm64.TTBR,
	},
	"riscv-sv39": {
		name:        "riscv-sv39",
		description: "RISC-V Sv39, 3-level",
		meta:        riscv.MetaData{Mode: riscv.Sv39},
		newTables:   riscvNew(riscv.Sv39),
		maxASID:     riscv.MaxASID,
		baseName:    "SATP",
		base:        riscvBase(riscv.Sv39),
	},
	"riscv-sv48": {
		name:        "riscv-sv48",
		description: "RISC-V Sv48, 4-level",
		meta:        riscv.MetaData{Mode: riscv.Sv48},
		newTables:   riscvNew(riscv.Sv48),
		maxASID:     riscv.MaxASID,
		baseName:    "SATP",
		base:        riscvBase(riscv.Sv48),
	},
	"loong64": {
		name:        "loong64",
		description: "LoongArch64, 4-level",
		meta:        loong64.MetaData{},
		newTables:   loong64.New,
		maxASID:     loong64.MaxASID,
		baseName:    "PGD",
		// The ASID lives in its own register.
		base: func(root hostarch.PhysAddr, _ uint16) uint64 {
			return uint64(root)
		},
	},
}

// lookupArch returns the scheme called name.
func lookupArch(name string) (arch, error) {
	a, ok := archs[name]
	if !ok {
		return arch{}, fmt.Errorf("unknown arch %q, want one of %v", name, archNames())
	}
	return a, nil
}

// archNames returns the scheme names, sorted.
func archNames() []string {
	names := make([]string, 0, len(archs))
	for name := range archs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// halves returns the canonical lower and upper halves of the address space
// of a table with the given number of levels. Each covers half of the root
// slots.
func halves(levels int) []hostarch.AddrRange {
	split := uint(hostarch.PageShift + 9*levels - 1)
	return []hostarch.AddrRange{
		{Start: 0, End: hostarch.Addr(1) << split},
		{Start: ^hostarch.Addr(0) << split, End: ^hostarch.Addr(0)},
	}
}
