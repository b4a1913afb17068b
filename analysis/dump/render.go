// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dump

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/mknyszek/leaktrace"
)

// cancelCheckPeriod is the number of entries rendered between two
// checks of the context.
const cancelCheckPeriod = 1024

// IndexWidth returns the number of digits used for the index column
// of a rendering of total entries, that is ceil(log10(total)).
func IndexWidth(total int) int {
	w := 0
	for p := 1; p < total; p *= 10 {
		w++
	}
	return w
}

// Render writes the human-readable form of seg to w, reconstructing
// call nesting and resolving allocation and image references.
// If includePrefix is set, the prefix's entries are rendered first.
//
// Unresolvable references are logged as warnings and rendering
// continues; only write failures and cancellation are returned.
func Render(ctx context.Context, w io.Writer, seg *leaktrace.Segment, includePrefix bool, logger *zap.Logger) error {
	var entries []leaktrace.Entry
	if p := seg.Prefix(); includePrefix && p != nil {
		entries = make([]leaktrace.Entry, 0, p.Len()+seg.Len())
		entries = append(entries, p.Entries()...)
		entries = append(entries, seg.Entries()...)
	} else {
		entries = seg.Entries()
	}

	bw := bufio.NewWriter(w)
	r := &renderer{
		w:      bw,
		seg:    seg,
		log:    logger,
		width:  IndexWidth(len(entries)),
		warned: make(map[int32]bool),
	}
	for i, ent := range entries {
		if i%cancelCheckPeriod == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		r.entry(i, ent)
	}
	if len(r.calls) > 0 {
		logger.Debug("trace ends with open calls", zap.Int("open", len(r.calls)), zap.String("innermost", r.calls[len(r.calls)-1]))
	}
	return bw.Flush()
}

type renderer struct {
	w     *bufio.Writer
	seg   *leaktrace.Segment
	log   *zap.Logger
	width int

	// calls holds the description of every open call, innermost last.
	calls []string
	depth int

	// warned records images already reported as unknown.
	warned map[int32]bool
}

func (r *renderer) line(i int, text string) {
	fmt.Fprintf(r.w, "[%*d] ", r.width, i)
	for d := 0; d < r.depth; d++ {
		r.w.WriteString("  ")
	}
	r.w.WriteString(text)
	r.w.WriteByte('\n')
}

func (r *renderer) warn(i int, msg string, fields ...zap.Field) {
	fields = append(fields, zap.Int("index", i))
	if len(r.calls) > 0 {
		fields = append(fields, zap.String("call", r.calls[len(r.calls)-1]))
	}
	r.log.Warn(msg, fields...)
}

// imageName resolves an image ID. Image IDs are assigned once per run
// and the prefix carries the run's image table, so it is consulted
// even for entries recorded after the prefix.
func (r *renderer) imageName(i int, id int32) string {
	var (
		img *leaktrace.ImageInfo
		ok  bool
	)
	if p := r.seg.Prefix(); p != nil {
		img, ok = p.Image(id)
	} else {
		img, ok = r.seg.Image(id)
	}
	if ok {
		return img.Name
	}
	if !r.warned[id] {
		r.warned[id] = true
		r.warn(i, "unknown image", zap.Int32("image", id))
	}
	return fmt.Sprintf("?%d", id)
}

func (r *renderer) location(i int, image int32, rel uint32) string {
	return fmt.Sprintf("%s:%08x", r.imageName(i, image), rel)
}

func accessLabel(write bool) string {
	if write {
		return "MemoryWrite"
	}
	return "MemoryRead"
}

func (r *renderer) entry(i int, ent leaktrace.Entry) {
	switch e := ent.(type) {
	case *leaktrace.Allocation:
		r.line(i, fmt.Sprintf("Alloc: #%d, %016x...%016x, %d bytes", e.ID, e.Address, e.Address+e.Size, e.Size))

	case *leaktrace.Free:
		a, ok := r.seg.LookupAllocation(e.ID)
		if !ok {
			r.warn(i, "free of unknown allocation", zap.Int32("id", e.ID))
			return
		}
		r.line(i, fmt.Sprintf("Free: #%d, %016x", e.ID, a.Address))

	case *leaktrace.Branch:
		src := r.location(i, e.SourceImageID, e.SourceRelAddr)
		dst := r.location(i, e.DestImageID, e.DestRelAddr)
		switch e.Type {
		case leaktrace.BranchCall:
			text := "Call: " + src + " -> " + dst
			r.line(i, text)
			r.calls = append(r.calls, text)
			r.depth++
		case leaktrace.BranchReturn:
			if len(r.calls) > 0 {
				r.calls = r.calls[:len(r.calls)-1]
			}
			if r.depth == 0 {
				r.warn(i, "return without matching call", zap.String("return", src+" -> "+dst))
			} else {
				r.depth--
			}
			r.line(i, "Return: "+src+" -> "+dst)
		default:
			taken := "taken"
			if !e.Taken {
				taken = "not taken"
			}
			r.line(i, "Jump: "+src+" -> "+dst+", "+taken)
		}

	case *leaktrace.HeapMemoryAccess:
		instr := r.location(i, e.InstructionImageID, e.InstructionRelAddr)
		a, ok := r.seg.LookupAllocation(e.AllocationBlockID)
		if !ok {
			r.warn(i, "heap access to unknown allocation", zap.Int32("id", e.AllocationBlockID), zap.String("instruction", instr))
			return
		}
		r.line(i, fmt.Sprintf("%s: %s, [#%d+%08x (%016x)]", accessLabel(e.IsWrite), instr, e.AllocationBlockID, e.MemoryRelAddr, a.Address+uint64(e.MemoryRelAddr)))

	case *leaktrace.StackMemoryAccess:
		instr := r.location(i, e.InstructionImageID, e.InstructionRelAddr)
		r.line(i, fmt.Sprintf("%s: %s, [$+%08x]", accessLabel(e.IsWrite), instr, e.MemoryRelAddr))

	case *leaktrace.ImageMemoryAccess:
		instr := r.location(i, e.InstructionImageID, e.InstructionRelAddr)
		mem := r.location(i, e.MemoryImageID, e.MemoryRelAddr)
		r.line(i, fmt.Sprintf("%s: %s, [%s]", accessLabel(e.IsWrite), instr, mem))

	default:
		panic(fmt.Sprintf("dump: unexpected entry type %T", ent))
	}
}

