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

// Package physmem provides a frame allocator backed by anonymous host
// mappings, for driving page tables outside a kernel.
//
// Frames are carved out of mmap'd chunks that the Go runtime does not manage,
// so the physical address of a frame can be the host address of its bytes.
// PhysToVirt is the identity.
package physmem

import (
	"fmt"
	"time"

	"github.com/google/btree"
	"golang.org/x/sys/unix"

	"github.com/kcore-os/pagetable/pkg/bitmap"
	"github.com/kcore-os/pagetable/pkg/hostarch"
	"github.com/kcore-os/pagetable/pkg/log"
	"github.com/kcore-os/pagetable/pkg/sync"
)

// DefaultChunkFrames is the number of frames mapped at once when the
// allocator grows.
const DefaultChunkFrames = 512

// PoisonByte fills freed frames when Options.Poison is set.
const PoisonByte = 0xa5

// Options configure an Allocator.
type Options struct {
	// FrameLimit caps the number of outstanding frames. Zero means no
	// limit.
	FrameLimit uint64

	// ChunkFrames is the growth increment in frames. Zero means
	// DefaultChunkFrames.
	ChunkFrames int

	// Poison fills freed frames with PoisonByte, so that a table still
	// reading a freed frame sees garbage instead of stale entries.
	Poison bool
}

// Stats are allocator counters.
type Stats struct {
	// Outstanding is the number of frames allocated and not yet freed.
	Outstanding uint64

	// Allocs is the number of successful allocations.
	Allocs uint64

	// Frees is the number of frees.
	Frees uint64

	// Failed is the number of allocations refused by FrameLimit or a
	// failed mmap.
	Failed uint64

	// Chunks is the number of mapped chunks.
	Chunks int
}

// chunk is one host mapping.
type chunk struct {
	base uintptr
	mem  []byte

	// used has a bit set for every allocated frame.
	used bitmap.Bitmap
}

func (c *chunk) frames() uint32 {
	return uint32(len(c.mem) >> hostarch.PageShift)
}

func (c *chunk) contains(addr uintptr) bool {
	return addr >= c.base && addr < c.base+uintptr(len(c.mem))
}

func chunkLess(a, b *chunk) bool {
	return a.base < b.base
}

// Allocator hands out page-sized frames. It implements pagetables.Handler
// and is safe for concurrent use.
type Allocator struct {
	opts Options

	// limitLog reports hitting FrameLimit.
	limitLog log.Logger

	mu sync.Mutex

	// chunks is indexed by base address.
	//
	// +checklocks:mu
	chunks *btree.BTreeG[*chunk]

	// +checklocks:mu
	stats Stats

	// +checklocks:mu
	closed bool
}

// New returns an empty Allocator.
func New(opts Options) *Allocator {
	if opts.ChunkFrames <= 0 {
		opts.ChunkFrames = DefaultChunkFrames
	}
	return &Allocator{
		opts:     opts,
		limitLog: log.BasicRateLimitedLogger(time.Second),
		chunks:   btree.NewG(2, chunkLess),
	}
}

// grow maps a new chunk.
//
// Preconditions: a.mu is locked.
func (a *Allocator) grow() (*chunk, error) {
	size := a.opts.ChunkFrames << hostarch.PageShift
	mem, err := unix.Mmap(-1,
		0,
		size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("failed to mmap %d frames: %w", a.opts.ChunkFrames, err)
	}
	c := &chunk{
		base: sliceBase(mem),
		mem:  mem,
		used: bitmap.New(uint32(a.opts.ChunkFrames)),
	}
	a.chunks.ReplaceOrInsert(c)
	a.stats.Chunks++
	log.Debugf("physmem: mapped chunk of %d frames at %#x", a.opts.ChunkFrames, c.base)
	return c, nil
}

// AllocFrame implements pagetables.Handler.AllocFrame. The frame is zeroed.
func (a *Allocator) AllocFrame() (hostarch.PhysAddr, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		panic("physmem: AllocFrame after Close")
	}
	if a.opts.FrameLimit != 0 && a.stats.Outstanding >= a.opts.FrameLimit {
		a.stats.Failed++
		a.limitLog.Warningf("physmem: frame limit %d reached", a.opts.FrameLimit)
		return 0, false
	}

	var (
		found *chunk
		index uint32
	)
	a.chunks.Ascend(func(c *chunk) bool {
		if c.used.Count() == c.frames() {
			return true
		}
		i, ok := c.used.FirstZero(0)
		if !ok || i >= c.frames() {
			return true
		}
		found, index = c, i
		return false
	})
	if found == nil {
		c, err := a.grow()
		if err != nil {
			a.stats.Failed++
			log.Warningf("physmem: %v", err)
			return 0, false
		}
		found, index = c, 0
	}

	found.used.Add(index)
	frame := found.mem[uintptr(index)<<hostarch.PageShift:][:hostarch.PageSize]
	clear(frame)
	a.stats.Outstanding++
	a.stats.Allocs++
	return hostarch.PhysAddr(found.base + uintptr(index)<<hostarch.PageShift), true
}

// lookup returns the chunk holding paddr and the frame index in it. It
// panics if paddr is not a frame of a.
//
// Preconditions: a.mu is locked.
func (a *Allocator) lookup(paddr hostarch.PhysAddr) (*chunk, uint32) {
	addr := uintptr(paddr)
	if !paddr.IsPageAligned() {
		panic(fmt.Sprintf("physmem: unaligned frame %v", paddr))
	}
	var found *chunk
	a.chunks.DescendLessOrEqual(&chunk{base: addr}, func(c *chunk) bool {
		found = c
		return false
	})
	if found == nil || !found.contains(addr) {
		panic(fmt.Sprintf("physmem: %v is not an allocated frame", paddr))
	}
	return found, uint32((addr - found.base) >> hostarch.PageShift)
}

// DeallocFrame implements pagetables.Handler.DeallocFrame. Freeing a frame
// twice panics.
func (a *Allocator) DeallocFrame(paddr hostarch.PhysAddr) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, i := a.lookup(paddr)
	if !c.used.Contains(i) {
		panic(fmt.Sprintf("physmem: double free of %v", paddr))
	}
	c.used.Remove(i)
	if a.opts.Poison {
		frame := c.mem[uintptr(i)<<hostarch.PageShift:][:hostarch.PageSize]
		for j := range frame {
			frame[j] = PoisonByte
		}
	}
	a.stats.Outstanding--
	a.stats.Frees++
}

// PhysToVirt implements pagetables.Handler.PhysToVirt.
func (a *Allocator) PhysToVirt(paddr hostarch.PhysAddr) hostarch.Addr {
	return hostarch.Addr(paddr)
}

// Stats returns a snapshot of the counters.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// Outstanding returns the number of frames currently allocated.
func (a *Allocator) Outstanding() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats.Outstanding
}

// Close unmaps every chunk. Frames still allocated become invalid; tables
// using them must not be touched afterwards.
func (a *Allocator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	if a.stats.Outstanding != 0 {
		log.Warningf("physmem: closing with %d frames outstanding", a.stats.Outstanding)
	}
	var firstErr error
	a.chunks.Ascend(func(c *chunk) bool {
		if err := unix.Munmap(c.mem); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to munmap chunk at %#x: %w", c.base, err)
		}
		return true
	})
	a.chunks.Clear(false)
	return firstErr
}
