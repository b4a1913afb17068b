// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package leaktrace

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"

	"fortio.org/safecast"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/exp/mmap"
)

// Trace file layout:
//
//	magic    [8]byte "LKTRACE\x00"
//	version  uint16
//	kind     uint8
//	metaLen  uint32
//	meta     [metaLen]byte, msgpack-encoded fileMeta
//	count    uint64
//	entries  count tagged entries
//
// All integers are little-endian.
const (
	fileMagic        = "LKTRACE\x00"
	supportedVersion = uint16(1)
	fixedHeaderSize  = len(fileMagic) + 2 + 1 + 4

	// maxMetaSize bounds the metadata block so that a corrupt
	// length cannot trigger a huge allocation.
	maxMetaSize = 64 << 20
)

// FileKind distinguishes prefix files from per-test-case trace files.
type FileKind uint8

const (
	FilePrefix FileKind = iota
	FileTrace
)

func (k FileKind) String() string {
	switch k {
	case FilePrefix:
		return "prefix"
	case FileTrace:
		return "trace"
	}
	return "unknown"
}

type fileMeta struct {
	Images []ImageInfo `msgpack:"images"`
}

// Header is the decoded header of a trace file.
type Header struct {
	Version uint16
	Kind    FileKind
	Images  []ImageInfo

	// Count is the number of entries following the header.
	Count uint64

	dataOffset int64
}

// ReadHeader decodes the header at the start of r.
func ReadHeader(r Source) (*Header, error) {
	var fixed [fixedHeaderSize]byte
	if r.Len() < fixedHeaderSize {
		return nil, &FormatError{Err: errors.Wrap(ErrTruncated, "file header")}
	}
	if _, err := r.ReadAt(fixed[:], 0); err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "reading file header")
	}
	if string(fixed[:len(fileMagic)]) != fileMagic {
		return nil, &FormatError{Err: errors.New("bad magic: not a trace file")}
	}
	d := NewDecoder(fixed[len(fileMagic):])
	h := &Header{}
	h.Version = d.Uint16()
	h.Kind = FileKind(d.Uint8())
	metaLen := d.Uint32()
	if h.Version != supportedVersion {
		return nil, errors.Errorf("unsupported trace file version %d", h.Version)
	}
	if h.Kind != FilePrefix && h.Kind != FileTrace {
		return nil, &FormatError{Offset: len(fileMagic) + 2, Err: errors.Errorf("unknown file kind %d", h.Kind)}
	}
	if metaLen > maxMetaSize || int64(fixedHeaderSize)+int64(metaLen)+8 > int64(r.Len()) {
		return nil, &FormatError{Offset: fixedHeaderSize, Err: errors.Wrap(ErrTruncated, "file metadata")}
	}

	rest := make([]byte, int(metaLen)+8)
	if _, err := r.ReadAt(rest, int64(fixedHeaderSize)); err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "reading file metadata")
	}
	var meta fileMeta
	if err := msgpack.Unmarshal(rest[:metaLen], &meta); err != nil {
		return nil, &FormatError{Offset: fixedHeaderSize, Err: errors.Wrap(err, "decoding file metadata")}
	}
	h.Images = meta.Images
	h.Count = binary.LittleEndian.Uint64(rest[metaLen:])
	h.dataOffset = int64(fixedHeaderSize) + int64(len(rest))
	return h, nil
}

// WriteFile writes a complete trace file to w.
func WriteFile(w io.Writer, kind FileKind, images []ImageInfo, entries []Entry) error {
	meta, err := msgpack.Marshal(&fileMeta{Images: images})
	if err != nil {
		return errors.Wrap(err, "encoding file metadata")
	}
	metaLen, err := safecast.Conv[uint32](len(meta))
	if err != nil {
		return errors.Wrap(err, "file metadata too large")
	}

	bw := bufio.NewWriter(w)
	e := NewEncoder(make([]byte, 0, batchSize))
	e.buf = append(e.buf, fileMagic...)
	e.Uint16(supportedVersion)
	e.Uint8(uint8(kind))
	e.Uint32(metaLen)
	e.buf = append(e.buf, meta...)
	e.Uint64(uint64(len(entries)))
	for _, ent := range entries {
		e.Encode(ent)
		if e.Len() >= batchSize {
			if _, err := bw.Write(e.Bytes()); err != nil {
				return errors.Wrap(err, "writing trace")
			}
			e.Reset()
		}
	}
	if _, err := bw.Write(e.Bytes()); err != nil {
		return errors.Wrap(err, "writing trace")
	}
	return errors.Wrap(bw.Flush(), "writing trace")
}

// CreateFile writes a trace file at path, replacing any existing file.
func CreateFile(path string, kind FileKind, images []ImageInfo, entries []Entry) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "creating trace file")
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	return WriteFile(f, kind, images, entries)
}

func readEntries(r Source, want FileKind) (*Header, []Entry, error) {
	p, err := NewParser(r)
	if err != nil {
		return nil, nil, err
	}
	h := p.Header()
	if h.Kind != want {
		return nil, nil, errors.Errorf("expected %s file, found %s file", want, h.Kind)
	}
	// The count comes from untrusted input; don't let it size the
	// allocation beyond what the file could possibly hold.
	capacity, err := safecast.Conv[int](h.Count)
	if limit := r.Len() / MinEntrySize; err != nil || capacity > limit {
		capacity = limit
	}
	entries := make([]Entry, 0, capacity)
	for {
		ent, err := p.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, err
		}
		entries = append(entries, ent)
	}
	if n := p.Trailing(); n != 0 {
		return nil, nil, &FormatError{
			Offset: r.Len() - int(n),
			Err:    errors.Wrapf(ErrTrailingData, "%d bytes after entry %d", n, h.Count),
		}
	}
	return h, entries, nil
}

// ReadPrefix decodes a prefix file.
func ReadPrefix(r Source) (*Prefix, error) {
	h, entries, err := readEntries(r, FilePrefix)
	if err != nil {
		return nil, err
	}
	return NewPrefix(entries, h.Images)
}

// ReadSegment decodes a trace file on top of an optional prefix.
func ReadSegment(r Source, prefix *Prefix) (*Segment, error) {
	h, entries, err := readEntries(r, FileTrace)
	if err != nil {
		return nil, err
	}
	return NewSegment(prefix, entries, h.Images)
}

// OpenPrefix maps and decodes the prefix file at path.
func OpenPrefix(path string) (*Prefix, error) {
	r, err := mmap.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to map prefix")
	}
	defer r.Close()
	p, err := ReadPrefix(r)
	return p, errors.Wrap(err, path)
}

// OpenSegment maps and decodes the trace file at path.
func OpenSegment(path string, prefix *Prefix) (*Segment, error) {
	r, err := mmap.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to map trace")
	}
	defer r.Close()
	s, err := ReadSegment(r, prefix)
	return s, errors.Wrap(err, path)
}
