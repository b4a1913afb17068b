// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package leaktrace

import "fmt"

// EntryKind indicates what kind of trace entry is captured
// and returned. The numeric value is the tag byte on the wire.
type EntryKind uint8

const (
	EntryBad               EntryKind = iota
	EntryAllocation                  // Heap allocation.
	EntryFree                        // Heap free.
	EntryBranch                      // Call, return or jump.
	EntryHeapMemoryAccess            // Access into a heap allocation.
	EntryStackMemoryAccess           // Access relative to the stack.
	EntryImageMemoryAccess           // Access into a loaded image.
)

// String returns the name of the entry kind.
func (k EntryKind) String() string {
	switch k {
	case EntryAllocation:
		return "Allocation"
	case EntryFree:
		return "Free"
	case EntryBranch:
		return "Branch"
	case EntryHeapMemoryAccess:
		return "HeapMemoryAccess"
	case EntryStackMemoryAccess:
		return "StackMemoryAccess"
	case EntryImageMemoryAccess:
		return "ImageMemoryAccess"
	}
	return fmt.Sprintf("EntryKind(%d)", uint8(k))
}

// Entry is a single recorded trace event.
//
// The set of implementations is closed: it is exactly the
// variant types declared in this package, and consumers are
// expected to switch over them exhaustively.
type Entry interface {
	// Kind returns the fixed tag of the variant.
	Kind() EntryKind

	encode(e *Encoder)
}

// Allocation records a heap allocation.
type Allocation struct {
	// ID is the allocation handle later referenced by
	// Free and HeapMemoryAccess entries.
	ID int32

	// Address is the absolute base address of the block.
	Address uint64

	// Size is the size of the block in bytes.
	Size uint64
}

// Free records the release of the allocation with the given ID.
type Free struct {
	ID int32
}

// BranchType classifies a control-flow transfer.
type BranchType uint8

const (
	BranchJump BranchType = iota
	BranchCall
	BranchReturn
)

// String returns the name of the branch type.
func (t BranchType) String() string {
	switch t {
	case BranchJump:
		return "Jump"
	case BranchCall:
		return "Call"
	case BranchReturn:
		return "Return"
	}
	return fmt.Sprintf("BranchType(%d)", uint8(t))
}

// Branch records a control-flow transfer between two
// image-relative locations.
type Branch struct {
	SourceImageID int32
	SourceRelAddr uint32
	DestImageID   int32
	DestRelAddr   uint32
	Type          BranchType

	// Taken reports whether a conditional jump was taken.
	// Only meaningful when Type == BranchJump.
	Taken bool
}

// HeapMemoryAccess records an access into a heap allocation.
type HeapMemoryAccess struct {
	InstructionImageID int32
	InstructionRelAddr uint32

	// AllocationBlockID is the ID of the Allocation the
	// accessed address falls into.
	AllocationBlockID int32

	// MemoryRelAddr is the offset of the access relative to
	// the allocation's base address.
	MemoryRelAddr uint32
	IsWrite       bool
}

// StackMemoryAccess records an access relative to the stack.
// The frame base is not tracked.
type StackMemoryAccess struct {
	InstructionImageID int32
	InstructionRelAddr uint32
	MemoryRelAddr      uint32
	IsWrite            bool
}

// ImageMemoryAccess records an access into the static memory
// of a loaded image.
type ImageMemoryAccess struct {
	IsWrite            bool
	InstructionImageID int32
	InstructionRelAddr uint32
	MemoryImageID      int32
	MemoryRelAddr      uint32
}

func (*Allocation) Kind() EntryKind        { return EntryAllocation }
func (*Free) Kind() EntryKind              { return EntryFree }
func (*Branch) Kind() EntryKind            { return EntryBranch }
func (*HeapMemoryAccess) Kind() EntryKind  { return EntryHeapMemoryAccess }
func (*StackMemoryAccess) Kind() EntryKind { return EntryStackMemoryAccess }
func (*ImageMemoryAccess) Kind() EntryKind { return EntryImageMemoryAccess }

func (a *Allocation) String() string {
	return fmt.Sprintf("alloc #%d @ 0x%x (%d bytes)", a.ID, a.Address, a.Size)
}

func (f *Free) String() string {
	return fmt.Sprintf("free #%d", f.ID)
}

func (b *Branch) String() string {
	s := fmt.Sprintf("%s %d:%x -> %d:%x", b.Type, b.SourceImageID, b.SourceRelAddr, b.DestImageID, b.DestRelAddr)
	if b.Type == BranchJump && !b.Taken {
		s += " (not taken)"
	}
	return s
}

func (h *HeapMemoryAccess) String() string {
	return fmt.Sprintf("%s %d:%x heap #%d+%x", accessVerb(h.IsWrite), h.InstructionImageID, h.InstructionRelAddr, h.AllocationBlockID, h.MemoryRelAddr)
}

func (s *StackMemoryAccess) String() string {
	return fmt.Sprintf("%s %d:%x stack $+%x", accessVerb(s.IsWrite), s.InstructionImageID, s.InstructionRelAddr, s.MemoryRelAddr)
}

func (i *ImageMemoryAccess) String() string {
	return fmt.Sprintf("%s %d:%x image %d:%x", accessVerb(i.IsWrite), i.InstructionImageID, i.InstructionRelAddr, i.MemoryImageID, i.MemoryRelAddr)
}

func accessVerb(write bool) string {
	if write {
		return "write"
	}
	return "read"
}
