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

// Package bitmap provides a fixed-size set of small integers.
//
// It tracks page table root slots and frame usage within an allocator chunk.
package bitmap

import "math/bits"

// Bitmap is a set of integers in [0, Len()).
//
// Bitmap is not thread-safe.
type Bitmap struct {
	// ones is the number of set bits.
	ones uint32

	words []uint64
}

// New returns an empty Bitmap able to hold [0, size).
func New(size uint32) Bitmap {
	return Bitmap{words: make([]uint64, (size+63)/64)}
}

// Len returns the capacity of b, rounded up to a multiple of 64.
func (b *Bitmap) Len() uint32 {
	return uint32(len(b.words)) * 64
}

// Count returns the number of set bits.
func (b *Bitmap) Count() uint32 {
	return b.ones
}

// FirstZero returns the first unset bit at or after start.
func (b *Bitmap) FirstZero(start uint32) (uint32, bool) {
	i := int(start / 64)
	if i >= len(b.words) {
		return 0, false
	}
	w := b.words[i] | (1<<(start%64) - 1)
	for {
		if w != ^uint64(0) {
			return uint32(i*64 + bits.TrailingZeros64(^w)), true
		}
		if i++; i == len(b.words) {
			return 0, false
		}
		w = b.words[i]
	}
}

// Add sets bit i. It panics if i is out of range.
func (b *Bitmap) Add(i uint32) {
	w, mask := &b.words[i/64], uint64(1)<<(i%64)
	if *w&mask == 0 {
		*w |= mask
		b.ones++
	}
}

// Remove clears bit i. Out of range bits are ignored.
func (b *Bitmap) Remove(i uint32) {
	if int(i/64) >= len(b.words) {
		return
	}
	w, mask := &b.words[i/64], uint64(1)<<(i%64)
	if *w&mask != 0 {
		*w &^= mask
		b.ones--
	}
}

// Contains reports whether bit i is set.
func (b *Bitmap) Contains(i uint32) bool {
	if int(i/64) >= len(b.words) {
		return false
	}
	return b.words[i/64]&(1<<(i%64)) != 0
}

// TestAndAdd sets bit i and reports whether it was already set.
func (b *Bitmap) TestAndAdd(i uint32) bool {
	if b.Contains(i) {
		return true
	}
	b.Add(i)
	return false
}

// ToSlice returns the set bits in ascending order.
func (b *Bitmap) ToSlice() []uint32 {
	out := make([]uint32, 0, b.ones)
	for i, w := range b.words {
		for w != 0 {
			out = append(out, uint32(i*64+bits.TrailingZeros64(w)))
			w &= w - 1
		}
	}
	return out
}
