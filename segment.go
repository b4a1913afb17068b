// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package leaktrace

import (
	"github.com/pkg/errors"
)

// ErrDuplicateAllocation is returned when two Allocation entries
// visible from the same segment share an ID.
var ErrDuplicateAllocation = errors.New("duplicate allocation id")

// ErrDuplicateImage is returned when one file lists two images with
// the same id.
var ErrDuplicateImage = errors.New("duplicate image id")

// ImageInfo describes a loaded executable or library image.
// Relative addresses in entries are relative to StartAddress.
type ImageInfo struct {
	ID           int32  `msgpack:"id"`
	Name         string `msgpack:"name"`
	StartAddress uint64 `msgpack:"start"`
	EndAddress   uint64 `msgpack:"end"`

	// Interesting marks images whose code is under analysis,
	// as opposed to system libraries.
	Interesting bool `msgpack:"interesting"`
}

// table is the lookup state common to prefixes and segments.
type table struct {
	entries     []Entry
	allocations map[int32]*Allocation
	images      map[int32]*ImageInfo
}

func newTable(entries []Entry, images []ImageInfo, seen func(int32) bool) (table, error) {
	t := table{
		entries:     entries,
		allocations: make(map[int32]*Allocation),
		images:      make(map[int32]*ImageInfo, len(images)),
	}
	for i, ent := range entries {
		a, ok := ent.(*Allocation)
		if !ok {
			continue
		}
		if _, dup := t.allocations[a.ID]; dup || seen(a.ID) {
			return table{}, errors.Wrapf(ErrDuplicateAllocation, "entry %d: allocation #%d", i, a.ID)
		}
		t.allocations[a.ID] = a
	}
	for i := range images {
		img := images[i]
		if _, dup := t.images[img.ID]; dup {
			return table{}, errors.Wrapf(ErrDuplicateImage, "image %d (%s)", img.ID, img.Name)
		}
		t.images[img.ID] = &img
	}
	return t, nil
}

// Entries returns the entries in execution order.
// The returned slice must not be modified.
func (t *table) Entries() []Entry { return t.entries }

// Len returns the number of entries.
func (t *table) Len() int { return len(t.entries) }

// Allocation returns the allocation with the given ID recorded
// directly in this table.
func (t *table) Allocation(id int32) (*Allocation, bool) {
	a, ok := t.allocations[id]
	return a, ok
}

// Image returns the metadata of the image with the given ID
// recorded directly in this table.
func (t *table) Image(id int32) (*ImageInfo, bool) {
	img, ok := t.images[id]
	return img, ok
}

// Images returns the number of images recorded directly in this table.
func (t *table) Images() int { return len(t.images) }

// Prefix is the shared preamble of a run: entries recorded before
// any test-case-specific code executes, along with the image table
// of the whole run.
//
// A Prefix is immutable once constructed and may be read from many
// goroutines without synchronization. It never has a prefix of
// its own.
type Prefix struct {
	table
}

// NewPrefix builds a Prefix and its indexes.
func NewPrefix(entries []Entry, images []ImageInfo) (*Prefix, error) {
	t, err := newTable(entries, images, func(int32) bool { return false })
	if err != nil {
		return nil, err
	}
	return &Prefix{t}, nil
}

// Segment is the test-case-specific part of a trace.
type Segment struct {
	table
	prefix *Prefix
}

// NewSegment builds a Segment on top of an optional prefix.
// Allocation IDs must be unique across the segment and its prefix.
func NewSegment(prefix *Prefix, entries []Entry, images []ImageInfo) (*Segment, error) {
	seen := func(id int32) bool {
		if prefix == nil {
			return false
		}
		_, ok := prefix.allocations[id]
		return ok
	}
	t, err := newTable(entries, images, seen)
	if err != nil {
		return nil, err
	}
	return &Segment{table: t, prefix: prefix}, nil
}

// Prefix returns the shared prefix, or nil.
func (s *Segment) Prefix() *Prefix { return s.prefix }

// LookupAllocation resolves an allocation ID against the segment
// first and the prefix second.
func (s *Segment) LookupAllocation(id int32) (*Allocation, bool) {
	if a, ok := s.allocations[id]; ok {
		return a, true
	}
	if s.prefix != nil {
		return s.prefix.Allocation(id)
	}
	return nil, false
}

// LookupImage resolves an image ID against the segment first and
// the prefix second.
func (s *Segment) LookupImage(id int32) (*ImageInfo, bool) {
	if img, ok := s.images[id]; ok {
		return img, true
	}
	if s.prefix != nil {
		return s.prefix.Image(id)
	}
	return nil, false
}
