// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package check sanity-checks traces and collects some statistics
// about them.
package check

import (
	"context"
	"fmt"

	"github.com/mknyszek/leaktrace"
	"github.com/mknyszek/leaktrace/internal/addrset"
)

// IssueKind classifies a problem found in a trace.
type IssueKind uint8

const (
	// IssueReuseWithoutFree is an allocation over an address that
	// is still live.
	IssueReuseWithoutFree IssueKind = iota

	// IssueDoubleFree is a free of an allocation that was already freed.
	IssueDoubleFree

	// IssueUnknownFree is a free of an ID no allocation carries.
	IssueUnknownFree

	// IssueReturnUnderflow is a return with no open call.
	IssueReturnUnderflow

	// IssueUnknownImage is a reference to an image missing from the
	// image table. It is reported once per image.
	IssueUnknownImage

	// IssueUnresolvedBlock is a heap access to an unknown allocation.
	IssueUnresolvedBlock

	// IssueAccessAfterFree is a heap access to a freed allocation.
	IssueAccessAfterFree
)

func (k IssueKind) String() string {
	switch k {
	case IssueReuseWithoutFree:
		return "reuse-without-free"
	case IssueDoubleFree:
		return "double-free"
	case IssueUnknownFree:
		return "unknown-free"
	case IssueReturnUnderflow:
		return "return-underflow"
	case IssueUnknownImage:
		return "unknown-image"
	case IssueUnresolvedBlock:
		return "unresolved-block"
	case IssueAccessAfterFree:
		return "access-after-free"
	}
	return "unknown"
}

// Issue is a single problem found in a trace.
type Issue struct {
	// Index is the position of the offending entry, counted the
	// same way the dump stage counts it.
	Index  int
	Kind   IssueKind
	Detail string
}

func (i Issue) String() string {
	return fmt.Sprintf("[%d] %s: %s", i.Index, i.Kind, i.Detail)
}

// Result summarizes one checked trace.
type Result struct {
	Entries  int
	Allocs   int
	Frees    int
	Calls    int
	Returns  int
	Jumps    int
	Accesses int
	MaxDepth int

	// Live is the number of allocations never freed.
	Live int

	// Issues holds at most the configured maximum number of issues,
	// in trace order. IssueCount counts all of them.
	Issues     []Issue
	IssueCount int
}

// Truncated reports whether issues were dropped from Issues.
func (r *Result) Truncated() bool { return r.IssueCount > len(r.Issues) }

// Options controls a check.
type Options struct {
	// IncludePrefix reports issues found in the prefix too.
	// The prefix is always replayed to establish the set of live
	// allocations.
	IncludePrefix bool

	// MaxIssues bounds the number of issues retained.
	MaxIssues int
}

// DefaultMaxIssues is the default bound on retained issues.
const DefaultMaxIssues = 20

type checker struct {
	seg  *leaktrace.Segment
	opts Options
	res  *Result

	report bool
	live   map[int32]*leaktrace.Allocation
	freed  map[int32]bool
	addrs  addrset.Set
	// dups counts, per address, live allocations beyond the first.
	dups   map[uint64]int
	depth  int
	images map[int32]bool
}

// Check replays seg, after its prefix, and reports inconsistencies.
func Check(ctx context.Context, seg *leaktrace.Segment, opts Options) (*Result, error) {
	if opts.MaxIssues <= 0 {
		opts.MaxIssues = DefaultMaxIssues
	}
	c := &checker{
		seg:    seg,
		opts:   opts,
		res:    new(Result),
		live:   make(map[int32]*leaktrace.Allocation),
		freed:  make(map[int32]bool),
		dups:   make(map[uint64]int),
		images: make(map[int32]bool),
	}
	idx := 0
	run := func(entries []leaktrace.Entry, report bool) error {
		c.report = report
		for _, ent := range entries {
			if idx%1024 == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}
			c.entry(idx, ent)
			idx++
		}
		return nil
	}
	if p := seg.Prefix(); p != nil {
		if err := run(p.Entries(), opts.IncludePrefix); err != nil {
			return nil, err
		}
		if !opts.IncludePrefix {
			idx = 0
		}
	}
	if err := run(seg.Entries(), true); err != nil {
		return nil, err
	}
	c.res.Live = len(c.live)
	return c.res, nil
}

func (c *checker) issue(i int, kind IssueKind, format string, args ...any) {
	if !c.report {
		return
	}
	c.res.IssueCount++
	if len(c.res.Issues) < c.opts.MaxIssues {
		c.res.Issues = append(c.res.Issues, Issue{Index: i, Kind: kind, Detail: fmt.Sprintf(format, args...)})
	}
}

func (c *checker) image(i int, id int32) {
	if !c.report || c.images[id] {
		return
	}
	c.images[id] = true
	if _, ok := c.seg.LookupImage(id); !ok {
		c.issue(i, IssueUnknownImage, "image %d", id)
	}
}

func (c *checker) count(n *int) {
	if c.report {
		*n++
	}
}

func (c *checker) entry(i int, ent leaktrace.Entry) {
	c.count(&c.res.Entries)
	switch e := ent.(type) {
	case *leaktrace.Allocation:
		c.count(&c.res.Allocs)
		if !c.addrs.Add(e.Address) {
			c.dups[e.Address]++
			c.issue(i, IssueReuseWithoutFree, "allocation #%d over live address %#x", e.ID, e.Address)
		}
		c.live[e.ID] = e
		delete(c.freed, e.ID)

	case *leaktrace.Free:
		c.count(&c.res.Frees)
		a, ok := c.live[e.ID]
		switch {
		case ok:
			if n := c.dups[a.Address]; n > 1 {
				c.dups[a.Address] = n - 1
			} else if n == 1 {
				delete(c.dups, a.Address)
			} else {
				c.addrs.Remove(a.Address)
			}
			delete(c.live, e.ID)
			c.freed[e.ID] = true
		case c.freed[e.ID]:
			c.issue(i, IssueDoubleFree, "allocation #%d", e.ID)
		default:
			c.issue(i, IssueUnknownFree, "allocation #%d", e.ID)
		}

	case *leaktrace.Branch:
		c.image(i, e.SourceImageID)
		c.image(i, e.DestImageID)
		switch e.Type {
		case leaktrace.BranchCall:
			c.count(&c.res.Calls)
			c.depth++
			if c.report && c.depth > c.res.MaxDepth {
				c.res.MaxDepth = c.depth
			}
		case leaktrace.BranchReturn:
			c.count(&c.res.Returns)
			if c.depth == 0 {
				c.issue(i, IssueReturnUnderflow, "return to %d:%08x", e.DestImageID, e.DestRelAddr)
			} else {
				c.depth--
			}
		default:
			c.count(&c.res.Jumps)
		}

	case *leaktrace.HeapMemoryAccess:
		c.count(&c.res.Accesses)
		c.image(i, e.InstructionImageID)
		switch {
		case c.live[e.AllocationBlockID] != nil:
		case c.freed[e.AllocationBlockID]:
			c.issue(i, IssueAccessAfterFree, "%s of allocation #%d at offset %#x", verb(e.IsWrite), e.AllocationBlockID, e.MemoryRelAddr)
		default:
			c.issue(i, IssueUnresolvedBlock, "%s of allocation #%d", verb(e.IsWrite), e.AllocationBlockID)
		}

	case *leaktrace.StackMemoryAccess:
		c.count(&c.res.Accesses)
		c.image(i, e.InstructionImageID)

	case *leaktrace.ImageMemoryAccess:
		c.count(&c.res.Accesses)
		c.image(i, e.InstructionImageID)
		c.image(i, e.MemoryImageID)
	}
}

func verb(write bool) string {
	if write {
		return "write"
	}
	return "read"
}
