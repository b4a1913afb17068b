// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package leaktrace

import (
	"io"

	"github.com/pkg/errors"
)

const batchSize = 32 << 10

// Source is a trace file source.
type Source interface {
	io.ReaderAt

	// Len returns the size of the trace file in bytes.
	Len() int
}

// Parser streams the entries of a trace file without holding
// the whole file in memory.
type Parser struct {
	src    Source
	header *Header

	// off is the file offset of the next byte to read into buf.
	off int64

	// buf[pos:n] holds read but not yet decoded bytes, which
	// start at file offset off-(n-pos).
	buf    []byte
	pos, n int

	read uint64
	err  error
}

// NewParser reads the trace file header from r and returns a
// Parser positioned at the first entry.
func NewParser(r Source) (*Parser, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}
	return &Parser{
		src:    r,
		header: h,
		off:    h.dataOffset,
		buf:    make([]byte, batchSize),
	}, nil
}

// Header returns the parsed file header.
func (p *Parser) Header() *Header { return p.header }

// refill moves the undecoded tail to the front of the buffer and
// reads as much of the remaining file as fits behind it.
func (p *Parser) refill() error {
	p.n = copy(p.buf, p.buf[p.pos:p.n])
	p.pos = 0
	want := int64(len(p.buf) - p.n)
	if left := int64(p.src.Len()) - p.off; left < want {
		want = left
	}
	if want <= 0 {
		return nil
	}
	m, err := p.src.ReadAt(p.buf[p.n:p.n+int(want)], p.off)
	if int64(m) != want {
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return errors.Wrapf(err, "reading trace at offset %d", p.off)
	}
	p.n += m
	p.off += int64(m)
	return nil
}

// Next returns the next entry in the trace, or io.EOF once the
// number of entries announced in the header has been read.
func (p *Parser) Next() (Entry, error) {
	if p.err != nil {
		return nil, p.err
	}
	if p.read == p.header.Count {
		return nil, io.EOF
	}
	if p.n-p.pos < MaxEntrySize && p.off < int64(p.src.Len()) {
		if err := p.refill(); err != nil {
			p.err = err
			return nil, err
		}
	}
	base := int(p.off) - (p.n - p.pos)
	d := NewDecoder(p.buf[p.pos:p.n])
	ent, err := d.Next()
	if err == io.EOF {
		err = &FormatError{Err: errors.Wrapf(ErrTruncated, "expected %d entries, found %d", p.header.Count, p.read)}
	}
	if err != nil {
		var fe *FormatError
		if errors.As(err, &fe) {
			fe.Offset += base
		}
		p.err = err
		return nil, err
	}
	p.pos += d.Offset()
	p.read++
	return ent, nil
}

// Trailing returns the number of bytes in the file that follow the
// last entry read so far. Once Next has returned io.EOF, a non-zero
// value means the file holds more data than its header announces.
func (p *Parser) Trailing() int64 {
	return int64(p.n-p.pos) + int64(p.src.Len()) - p.off
}

// Progress returns a float64 value between 0 and 1 indicating the
// approximate progress of parsing through the file.
func (p *Parser) Progress() float64 {
	if p.header.Count == 0 {
		return 1
	}
	return float64(p.read) / float64(p.header.Count)
}
