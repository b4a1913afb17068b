// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package leaktrace

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// Sizes of the payload of each entry variant, not including
// the leading tag byte.
const (
	allocationSize        = 4 + 8 + 8
	freeSize              = 4
	branchSize            = 4 + 4 + 4 + 4 + 1 + 1
	heapMemoryAccessSize  = 4 + 4 + 4 + 4 + 1
	stackMemoryAccessSize = 4 + 4 + 4 + 1
	imageMemoryAccessSize = 1 + 4 + 4 + 4 + 4

	// MaxEntrySize is the largest encoded size of any entry,
	// tag included.
	MaxEntrySize = 1 + allocationSize

	// MinEntrySize is the smallest encoded size of any entry.
	MinEntrySize = 1 + freeSize
)

var (
	// ErrTruncated indicates the input ended in the middle of a record.
	ErrTruncated = errors.New("truncated record")

	// ErrUnknownTag indicates a tag byte outside the closed set of entry kinds.
	ErrUnknownTag = errors.New("unknown entry tag")

	// ErrBadBool indicates a boolean field that is neither 0 nor 1.
	ErrBadBool = errors.New("malformed boolean")

	// ErrBadBranchType indicates an unknown branch type byte.
	ErrBadBranchType = errors.New("unknown branch type")

	// ErrTrailingData indicates bytes after the last announced entry.
	ErrTrailingData = errors.New("trailing data")
)

// FormatError describes malformed binary trace data. It is fatal
// for the trace that contains it.
type FormatError struct {
	// Offset is the byte offset of the start of the offending record.
	Offset int

	// Kind is the kind of the record being decoded, or EntryBad
	// if the tag itself could not be decoded.
	Kind EntryKind

	Err error
}

func (e *FormatError) Error() string {
	if e.Kind == EntryBad {
		return fmt.Sprintf("trace format: offset %d: %v", e.Offset, e.Err)
	}
	return fmt.Sprintf("trace format: offset %d: %s: %v", e.Offset, e.Kind, e.Err)
}

func (e *FormatError) Unwrap() error { return e.Err }

// Decoder is a sequential, forward-only cursor over encoded
// trace data.
//
// Primitive reads record the first failure; once a read has
// failed every following read returns the zero value and Err
// reports the failure.
type Decoder struct {
	buf []byte
	off int
	err error
}

// NewDecoder returns a Decoder reading from buf.
func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf}
}

// Offset returns the number of bytes consumed so far.
func (d *Decoder) Offset() int { return d.off }

// Remaining returns the number of unread bytes.
func (d *Decoder) Remaining() int { return len(d.buf) - d.off }

// Err returns the first error encountered by a primitive read.
func (d *Decoder) Err() error { return d.err }

func (d *Decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if len(d.buf)-d.off < n {
		d.err = ErrTruncated
		return nil
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b
}

// Uint8 reads a single byte.
func (d *Decoder) Uint8() uint8 {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

// Bool reads a one-byte boolean. Values other than 0 and 1
// are rejected so that re-encoding reproduces the input.
func (d *Decoder) Bool() bool {
	b := d.take(1)
	if b == nil {
		return false
	}
	switch b[0] {
	case 0:
		return false
	case 1:
		return true
	}
	d.err = ErrBadBool
	return false
}

// Uint16 reads a little-endian unsigned 16-bit integer.
func (d *Decoder) Uint16() uint16 {
	b := d.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

// Int32 reads a little-endian signed 32-bit integer.
func (d *Decoder) Int32() int32 {
	return int32(d.Uint32())
}

// Uint32 reads a little-endian unsigned 32-bit integer.
func (d *Decoder) Uint32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

// Uint64 reads a little-endian unsigned 64-bit integer.
func (d *Decoder) Uint64() uint64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

// Next decodes the next tagged entry. It returns io.EOF if the
// input is exhausted at a record boundary, and a *FormatError
// if the record is truncated or malformed.
func (d *Decoder) Next() (Entry, error) {
	if d.err != nil {
		return nil, d.err
	}
	if d.Remaining() == 0 {
		return nil, io.EOF
	}
	start := d.off
	kind := EntryKind(d.Uint8())

	var e Entry
	switch kind {
	case EntryAllocation:
		e = &Allocation{
			ID:      d.Int32(),
			Address: d.Uint64(),
			Size:    d.Uint64(),
		}
	case EntryFree:
		e = &Free{ID: d.Int32()}
	case EntryBranch:
		b := &Branch{
			SourceImageID: d.Int32(),
			SourceRelAddr: d.Uint32(),
			DestImageID:   d.Int32(),
			DestRelAddr:   d.Uint32(),
			Type:          BranchType(d.Uint8()),
			Taken:         d.Bool(),
		}
		if d.err == nil && b.Type > BranchReturn {
			d.err = ErrBadBranchType
		}
		e = b
	case EntryHeapMemoryAccess:
		e = &HeapMemoryAccess{
			InstructionImageID: d.Int32(),
			InstructionRelAddr: d.Uint32(),
			AllocationBlockID:  d.Int32(),
			MemoryRelAddr:      d.Uint32(),
			IsWrite:            d.Bool(),
		}
	case EntryStackMemoryAccess:
		e = &StackMemoryAccess{
			InstructionImageID: d.Int32(),
			InstructionRelAddr: d.Uint32(),
			MemoryRelAddr:      d.Uint32(),
			IsWrite:            d.Bool(),
		}
	case EntryImageMemoryAccess:
		e = &ImageMemoryAccess{
			IsWrite:            d.Bool(),
			InstructionImageID: d.Int32(),
			InstructionRelAddr: d.Uint32(),
			MemoryImageID:      d.Int32(),
			MemoryRelAddr:      d.Uint32(),
		}
	default:
		d.err = &FormatError{Offset: start, Err: errors.Wrapf(ErrUnknownTag, "tag %d", uint8(kind))}
		return nil, d.err
	}
	if d.err != nil {
		d.err = &FormatError{Offset: start, Kind: kind, Err: d.err}
		return nil, d.err
	}
	return e, nil
}

// Encoder serializes entries into an in-memory buffer using the
// same field order and widths as Decoder.
type Encoder struct {
	buf []byte
}

// NewEncoder returns an Encoder that appends to buf.
func NewEncoder(buf []byte) *Encoder {
	return &Encoder{buf: buf}
}

// Bytes returns the encoded data.
func (e *Encoder) Bytes() []byte { return e.buf }

// Len returns the number of encoded bytes.
func (e *Encoder) Len() int { return len(e.buf) }

// Reset discards the encoded data, retaining the buffer.
func (e *Encoder) Reset() { e.buf = e.buf[:0] }

func (e *Encoder) Uint8(v uint8) { e.buf = append(e.buf, v) }

func (e *Encoder) Bool(v bool) {
	if v {
		e.buf = append(e.buf, 1)
	} else {
		e.buf = append(e.buf, 0)
	}
}

func (e *Encoder) Uint16(v uint16) { e.buf = binary.LittleEndian.AppendUint16(e.buf, v) }
func (e *Encoder) Int32(v int32)   { e.Uint32(uint32(v)) }
func (e *Encoder) Uint32(v uint32) { e.buf = binary.LittleEndian.AppendUint32(e.buf, v) }
func (e *Encoder) Uint64(v uint64) { e.buf = binary.LittleEndian.AppendUint64(e.buf, v) }

// Encode appends the tag and payload of ent.
func (e *Encoder) Encode(ent Entry) {
	e.Uint8(uint8(ent.Kind()))
	ent.encode(e)
}

func (a *Allocation) encode(e *Encoder) {
	e.Int32(a.ID)
	e.Uint64(a.Address)
	e.Uint64(a.Size)
}

func (f *Free) encode(e *Encoder) {
	e.Int32(f.ID)
}

func (b *Branch) encode(e *Encoder) {
	e.Int32(b.SourceImageID)
	e.Uint32(b.SourceRelAddr)
	e.Int32(b.DestImageID)
	e.Uint32(b.DestRelAddr)
	e.Uint8(uint8(b.Type))
	e.Bool(b.Taken)
}

func (h *HeapMemoryAccess) encode(e *Encoder) {
	e.Int32(h.InstructionImageID)
	e.Uint32(h.InstructionRelAddr)
	e.Int32(h.AllocationBlockID)
	e.Uint32(h.MemoryRelAddr)
	e.Bool(h.IsWrite)
}

func (s *StackMemoryAccess) encode(e *Encoder) {
	e.Int32(s.InstructionImageID)
	e.Uint32(s.InstructionRelAddr)
	e.Uint32(s.MemoryRelAddr)
	e.Bool(s.IsWrite)
}

func (i *ImageMemoryAccess) encode(e *Encoder) {
	e.Bool(i.IsWrite)
	e.Int32(i.InstructionImageID)
	e.Uint32(i.InstructionRelAddr)
	e.Int32(i.MemoryImageID)
	e.Uint32(i.MemoryRelAddr)
}

// MarshalEntry returns the encoding of a single entry.
func MarshalEntry(ent Entry) []byte {
	e := NewEncoder(make([]byte, 0, MaxEntrySize))
	e.Encode(ent)
	return e.Bytes()
}

// UnmarshalEntry decodes a single entry from the start of buf and
// returns it along with the number of bytes consumed.
func UnmarshalEntry(buf []byte) (Entry, int, error) {
	d := NewDecoder(buf)
	ent, err := d.Next()
	if err == io.EOF {
		return nil, 0, &FormatError{Err: ErrTruncated}
	}
	if err != nil {
		return nil, 0, err
	}
	return ent, d.Offset(), nil
}
