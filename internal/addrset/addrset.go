// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package addrset provides a compact set of 64-bit addresses.
package addrset

const (
	chunkBits = 16
	chunkMask = 1<<chunkBits - 1
)

// chunk is a bitmap with one bit per byte address in a
// 64 KiB-aligned region.
type chunk [(1 << chunkBits) / 64]uint64

// Set is a set of addresses laid out for efficient memory use
// and access. Addresses are grouped by their upper 48 bits, and
// each group is a bitmap, so clustered addresses such as heap
// blocks share storage.
//
// The zero value is an empty set.
type Set struct {
	chunks map[uint64]*chunk
	n      int
}

func split(addr uint64) (key uint64, word int, mask uint64) {
	i := addr & chunkMask
	return addr >> chunkBits, int(i / 64), 1 << (i % 64)
}

// Add adds addr to the set.
//
// Returns true on success. That is, if the address
// was not already present in the set.
func (s *Set) Add(addr uint64) bool {
	if s.chunks == nil {
		s.chunks = make(map[uint64]*chunk)
	}
	key, w, mask := split(addr)
	c := s.chunks[key]
	if c == nil {
		c = new(chunk)
		s.chunks[key] = c
	}
	if c[w]&mask != 0 {
		return false
	}
	c[w] |= mask
	s.n++
	return true
}

// Remove removes addr from the set.
//
// Returns true on success. That is, if the address
// was present in the set.
func (s *Set) Remove(addr uint64) bool {
	key, w, mask := split(addr)
	c := s.chunks[key]
	if c == nil || c[w]&mask == 0 {
		return false
	}
	c[w] &^= mask
	s.n--
	if c.empty() {
		delete(s.chunks, key)
	}
	return true
}

// Contains reports whether addr is in the set.
func (s *Set) Contains(addr uint64) bool {
	key, w, mask := split(addr)
	c := s.chunks[key]
	return c != nil && c[w]&mask != 0
}

// Len returns the number of addresses in the set.
func (s *Set) Len() int { return s.n }

// Reset empties the set.
func (s *Set) Reset() {
	clear(s.chunks)
	s.n = 0
}

func (c *chunk) empty() bool {
	for _, w := range c {
		if w != 0 {
			return false
		}
	}
	return true
}
