// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package allocstats accumulates allocation size and lifetime
// distributions across all traces of a run.
package allocstats

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/mknyszek/leaktrace"
	"github.com/mknyszek/leaktrace/analysis"
)

// Name is the registry name of the stage.
const Name = "alloc-stats"

// Description is the registry description of the stage.
const Description = "accumulate allocation size and lifetime distributions"

// Stage builds the distributions. Lifetimes are measured in trace
// entries between an Allocation and its Free.
type Stage struct {
	outputFile    string
	includePrefix bool
	logger        *zap.Logger

	traces     int
	allocs     uint64
	frees      uint64
	live       uint64
	unmatched  uint64
	totalBytes uint64
	sizes      *SizeHist
	lifetimes  Log2Hist
}

// New validates opts.
func New(env analysis.Env, opts analysis.Options) (analysis.Stage, error) {
	out, err := opts.RequiredString("output-file")
	if err != nil {
		return nil, err
	}
	includePrefix, err := opts.BoolOr("include-prefix", false)
	if err != nil {
		return nil, err
	}
	logger := env.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Stage{
		outputFile:    out,
		includePrefix: includePrefix,
		logger:        logger,
		sizes:         NewSizeHist(),
	}, nil
}

func (s *Stage) SupportsParallelism() bool { return false }

func (s *Stage) AddTrace(ctx context.Context, e *leaktrace.Entity) error {
	seg := e.Segment()
	if seg == nil {
		return errors.Errorf("entity %d has no trace segment", e.ID())
	}
	entries := seg.Entries()
	if p := seg.Prefix(); s.includePrefix && p != nil {
		entries = append(append(make([]leaktrace.Entry, 0, p.Len()+seg.Len()), p.Entries()...), entries...)
	}

	// Index at which each live allocation was made.
	born := make(map[int32]uint64)
	for i, ent := range entries {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		switch ent := ent.(type) {
		case *leaktrace.Allocation:
			s.allocs++
			s.totalBytes += ent.Size
			s.sizes.Add(ent.Size)
			born[ent.ID] = uint64(i)
		case *leaktrace.Free:
			at, ok := born[ent.ID]
			if !ok {
				s.unmatched++
				continue
			}
			s.frees++
			s.lifetimes.Add(uint64(i) - at)
			delete(born, ent.ID)
		}
	}
	s.live += uint64(len(born))
	s.traces++
	return nil
}

// Finish writes the distributions.
func (s *Stage) Finish(ctx context.Context) (err error) {
	if s.unmatched != 0 {
		s.logger.Warn("frees without a matching allocation", zap.Uint64("count", s.unmatched))
	}
	f, err := os.Create(s.outputFile)
	if err != nil {
		return errors.Wrap(err, "creating distribution file")
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = errors.Wrap(cerr, "closing distribution file")
		}
	}()
	w := bufio.NewWriter(f)
	s.write(w)
	if err := w.Flush(); err != nil {
		return errors.Wrap(err, "writing distribution file")
	}
	s.logger.Info("allocation distributions written",
		zap.String("file", s.outputFile),
		zap.Int("traces", s.traces),
		zap.Uint64("allocations", s.allocs))
	return nil
}

func (s *Stage) write(w io.Writer) {
	fmt.Fprintf(w, "# Traces: %d\n", s.traces)
	fmt.Fprintf(w, "# Allocations: %d\n", s.allocs)
	fmt.Fprintf(w, "# Frees: %d\n", s.frees)
	fmt.Fprintf(w, "# Live: %d\n", s.live)
	fmt.Fprintf(w, "# UnmatchedFrees: %d\n", s.unmatched)
	fmt.Fprintf(w, "# TotalBytes: %d (%s)\n", s.totalBytes, humanize.IBytes(s.totalBytes))
	fmt.Fprintf(w, "Size,Count\n")
	s.sizes.ForEach(func(size, count uint64) {
		fmt.Fprintf(w, "%d,%d\n", size, count)
	})
	fmt.Fprintf(w, "\nLifetime,Count\n")
	for i, c := range s.lifetimes.Snapshot() {
		fmt.Fprintf(w, "%d,%d\n", BinLow(i), c)
	}
}
