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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/kcore-os/pagetable/pkg/hostarch"
	"github.com/kcore-os/pagetable/pkg/pagetables"
	"github.com/kcore-os/pagetable/pkg/physmem"
	"github.com/kcore-os/pagetable/ptctl/config"
)

func mustParse(t *testing.T, text string) *config.Scenario {
	t.Helper()
	sc, err := config.Parse(text)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return sc
}

var ignoreRunInternals = cmpopts.IgnoreUnexported(Run{})

func TestReplayCoalescesRuns(t *testing.T) {
	for _, name := range archNames() {
		t.Run(name, func(t *testing.T) {
			sc := mustParse(t, `
arch = "`+name+`"

[[ops]]
kind = "map_region"
vaddr = "0x200000"
paddr = "0x400000"
size = "6M"
flags = "rw"
huge = true

[[ops]]
kind = "map_region"
vaddr = "0x800000"
paddr = "0xa00000"
size = "8K"
flags = "rw"

[[ops]]
kind = "protect"
vaddr = "0x801000"
flags = "r"
`)
			res, err := replay(context.Background(), "test", sc)
			if err != nil {
				t.Fatalf("replay: %v", err)
			}
			want := []Run{
				{VAddr: 0x20_0000, PAddr: 0x40_0000, Length: 6 << 20, Flags: "rw----", PageSize: "2M", Pages: 3},
				{VAddr: 0x80_0000, PAddr: 0xa0_0000, Length: 0x1000, Flags: "rw----", PageSize: "4K", Pages: 1},
				{VAddr: 0x80_1000, PAddr: 0xa0_1000, Length: 0x1000, Flags: "r-----", PageSize: "4K", Pages: 1},
			}
			if len(res.Tables) != 1 {
				t.Fatalf("got %d tables, want 1", len(res.Tables))
			}
			if diff := cmp.Diff(want, res.Tables[0].Runs, ignoreRunInternals); diff != "" {
				t.Errorf("runs mismatch (-want +got):\n%s", diff)
			}
			if res.Frames.Outstanding == 0 || res.Frames.Frees != 0 {
				t.Errorf("unexpected frame stats %+v", res.Frames)
			}
		})
	}
}

func TestReplayReportsEachMappingOnce(t *testing.T) {
	for _, name := range []string{"x86", "arm64", "loong64", "riscv-sv48"} {
		t.Run(name, func(t *testing.T) {
			sc := mustParse(t, `
arch = "`+name+`"

[[ops]]
kind = "map"
vaddr = "0x1000"
paddr = "0x1000"
size = "4K"
flags = "rw"

[[ops]]
kind = "map"
vaddr = "0xffff800000000000"
paddr = "0x2000"
size = "4K"
flags = "rw"
`)
			res, err := replay(context.Background(), "test", sc)
			if err != nil {
				t.Fatalf("replay: %v", err)
			}
			want := []Run{
				{VAddr: 0x1000, PAddr: 0x1000, Length: 0x1000, Flags: "rw----", PageSize: "4K", Pages: 1},
				{VAddr: 0xffff_8000_0000_0000, PAddr: 0x2000, Length: 0x1000, Flags: "rw----", PageSize: "4K", Pages: 1},
			}
			if diff := cmp.Diff(want, res.Tables[0].Runs, ignoreRunInternals); diff != "" {
				t.Errorf("runs mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestReplayExpectations(t *testing.T) {
	sc := mustParse(t, `
arch = "x86"

[[ops]]
kind = "unmap"
vaddr = "0x1000"
`)
	_, err := replay(context.Background(), "test", sc)
	if !errors.Is(err, pagetables.ErrNotMapped) {
		t.Errorf("replay = %v, want %v", err, pagetables.ErrNotMapped)
	}

	sc = mustParse(t, `
arch = "x86"

[[ops]]
kind = "map"
vaddr = "0x1000"
size = "4K"
flags = "r"
expect = "not_aligned"
`)
	if _, err := replay(context.Background(), "test", sc); err == nil || !strings.Contains(err.Error(), "want "+pagetables.ErrNotAligned.Error()) {
		t.Errorf("replay of unmet expectation = %v, want a mismatch error", err)
	}

	sc = mustParse(t, `arch = "pdp11"`)
	if _, err := replay(context.Background(), "test", sc); err == nil {
		t.Errorf("replay with unknown arch succeeded")
	}
}

func TestReplayRejectsInvalidCopy(t *testing.T) {
	for _, tc := range []struct {
		name  string
		vaddr string
		size  string
	}{
		{"non-canonical", "0x800000000000", "512G"},
		{"wraps", "0xfffffffffffff000", "8K"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			sc := mustParse(t, `
arch = "x86"

[[ops]]
table = "user"
kind = "copy_from"
from = "kernel"
vaddr = "`+tc.vaddr+`"
size = "`+tc.size+`"
`)
			res, err := replay(context.Background(), "test", sc)
			if !errors.Is(err, pagetables.ErrInvalidAddress) {
				t.Errorf("replay = (%+v, %v), want %v", res, err, pagetables.ErrInvalidAddress)
			}
		})
	}
}

func TestReplayReleaseAndReuse(t *testing.T) {
	sc := mustParse(t, `
arch = "arm64"

[[ops]]
table = "a"
kind = "map"
vaddr = "0x1000"
size = "4K"
flags = "rw"

[[ops]]
table = "a"
kind = "release"

[[ops]]
table = "a"
kind = "query"
vaddr = "0x1000"
`)
	if _, err := replay(context.Background(), "test", sc); err == nil || !strings.Contains(err.Error(), "released") {
		t.Errorf("replay using released table = %v, want error", err)
	}
}

func TestReplayFiles(t *testing.T) {
	r := &Replay{format: "text", jobs: 2}
	results, err := r.run(context.Background(), []string{"testdata/kernel.toml", "testdata/pressure.yaml"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	kernel := results[0]
	if got, want := len(kernel.Tables), 2; got != want {
		t.Fatalf("kernel.toml: got %d tables, want %d", got, want)
	}
	kernelRuns := []Run{
		{VAddr: 0xffff_8000_0000_0000, PAddr: 0, Length: 1 << 30, Flags: "rw----", PageSize: "1G", Pages: 1},
		{VAddr: 0xffff_ffff_8000_0000, PAddr: 0x20_0000, Length: 4 << 20, Flags: "r-x---", PageSize: "2M", Pages: 2},
	}
	if diff := cmp.Diff(kernelRuns, kernel.Tables[0].Runs, ignoreRunInternals); diff != "" {
		t.Errorf("kernel runs mismatch (-want +got):\n%s", diff)
	}
	userRuns := append([]Run{
		{VAddr: 0x40_0000, PAddr: 0x1000_0000, Length: 16 << 10, Flags: "r-xu--", PageSize: "4K", Pages: 4},
	}, kernelRuns...)
	if diff := cmp.Diff(userRuns, kernel.Tables[1].Runs, ignoreRunInternals); diff != "" {
		t.Errorf("user runs mismatch (-want +got):\n%s", diff)
	}
	if kernel.Tables[0].ASID != 1 || kernel.Tables[1].ASID != 2 {
		t.Errorf("ASIDs = %d, %d, want 1, 2", kernel.Tables[0].ASID, kernel.Tables[1].ASID)
	}
	if got := len(kernel.Tables[1].Borrowed); got != 256 {
		t.Errorf("user table borrows %d slots, want 256", got)
	}
	wantFrames := physmem.Stats{Outstanding: 8, Allocs: 8, Chunks: 1}
	if diff := cmp.Diff(wantFrames, kernel.Frames); diff != "" {
		t.Errorf("kernel.toml frames mismatch (-want +got):\n%s", diff)
	}

	pressure := results[1]
	if len(pressure.Tables) != 1 || len(pressure.Tables[0].Runs) != 0 {
		t.Errorf("pressure.yaml left mappings: %+v", pressure.Tables)
	}
	if pressure.Frames.Failed != 1 {
		t.Errorf("pressure.yaml: %d refused allocations, want 1", pressure.Frames.Failed)
	}

	var buf bytes.Buffer
	if err := writeResults(&buf, "text", results); err != nil {
		t.Fatalf("writeResults: %v", err)
	}
	for _, want := range []string{
		"testdata/kernel.toml: x86, 5 ops",
		`table "user"`,
		"0xffff800000000000-0xffff800040000000 -> 0x0 rw---- 1G x1",
		"frames: 8 outstanding",
	} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("text output missing %q:\n%s", want, buf.String())
		}
	}

	buf.Reset()
	if err := writeResults(&buf, "json", results); err != nil {
		t.Fatalf("writeResults: %v", err)
	}
	var decoded []Result
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("json output does not decode: %v", err)
	}
	if len(decoded) != 2 || decoded[0].Arch != "x86" || decoded[1].Arch != "riscv-sv39" {
		t.Errorf("decoded results = %+v", decoded)
	}
}

func TestReplayFailureCancels(t *testing.T) {
	r := &Replay{jobs: 1}
	if _, err := r.run(context.Background(), []string{"testdata/kernel.toml", "testdata/missing.toml"}); err == nil {
		t.Errorf("run with a missing file succeeded")
	}
}

func TestHalves(t *testing.T) {
	want := []hostarch.AddrRange{
		{Start: 0, End: 1 << 38},
		{Start: 0xffff_ffc0_0000_0000, End: 0xffff_ffff_ffff_ffff},
	}
	if diff := cmp.Diff(want, halves(3)); diff != "" {
		t.Errorf("halves(3) mismatch (-want +got):\n%s", diff)
	}
	want = []hostarch.AddrRange{
		{Start: 0, End: 1 << 47},
		{Start: 0xffff_8000_0000_0000, End: 0xffff_ffff_ffff_ffff},
	}
	if diff := cmp.Diff(want, halves(4)); diff != "" {
		t.Errorf("halves(4) mismatch (-want +got):\n%s", diff)
	}
}

func TestArchsDescribe(t *testing.T) {
	var infos []ArchInfo
	for _, name := range archNames() {
		infos = append(infos, describe(archs[name]))
	}
	var buf bytes.Buffer
	if err := writeArchTable(&buf, infos); err != nil {
		t.Fatalf("writeArchTable: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if got, want := len(lines), len(archs)+1; got != want {
		t.Fatalf("got %d lines, want %d:\n%s", got, want, buf.String())
	}
	for _, info := range infos {
		if info.Name == "riscv-sv39" && (info.Levels != 3 || info.VABits != 39) {
			t.Errorf("riscv-sv39 = %+v", info)
		}
	}
}
