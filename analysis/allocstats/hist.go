// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package allocstats

import (
	"math/bits"
	"sort"
)

// SizeHist counts allocations by exact size. Small sizes are kept
// in a dense array, the rest in a map.
type SizeHist struct {
	small [4 << 10]uint64
	large map[uint64]uint64
}

func NewSizeHist() *SizeHist {
	return &SizeHist{
		large: make(map[uint64]uint64),
	}
}

func (s *SizeHist) Add(size uint64) {
	if size < uint64(len(s.small)) {
		s.small[size]++
		return
	}
	s.large[size]++
}

// ForEach calls f for every size with a non-zero count, in
// increasing order of size.
func (s *SizeHist) ForEach(f func(size, count uint64)) {
	for i, c := range s.small {
		if c != 0 {
			f(uint64(i), c)
		}
	}
	sizes := make([]uint64, 0, len(s.large))
	for size := range s.large {
		sizes = append(sizes, size)
	}
	sort.Slice(sizes, func(i, j int) bool { return sizes[i] < sizes[j] })
	for _, size := range sizes {
		f(size, s.large[size])
	}
}

// Log2Hist is a histogram with power-of-two bins: bin 0 holds 0,
// and bin i > 0 holds values in [2^(i-1), 2^i).
type Log2Hist struct {
	bins []uint64
}

func (h *Log2Hist) AddN(v, n uint64) {
	i := bits.Len64(v)
	if i >= len(h.bins) {
		h.bins = append(h.bins, make([]uint64, i-len(h.bins)+1)...)
	}
	h.bins[i] += n
}

func (h *Log2Hist) Add(v uint64) {
	h.AddN(v, 1)
}

// Snapshot returns a copy of the bins.
func (h *Log2Hist) Snapshot() []uint64 {
	out := make([]uint64, len(h.bins))
	copy(out, h.bins)
	return out
}

// BinLow returns the smallest value that falls into bin i.
func BinLow(i int) uint64 {
	if i == 0 {
		return 0
	}
	return 1 << (i - 1)
}
