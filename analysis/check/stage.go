// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package check

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/mknyszek/leaktrace"
	"github.com/mknyszek/leaktrace/analysis"
)

// Name is the registry name of the stage.
const Name = "check"

// Description is the registry description of the stage.
const Description = "sanity-check traces and report inconsistencies"

// Stage checks every entity and writes a report when the run ends.
type Stage struct {
	opts       Options
	outputFile string
	logger     *zap.Logger

	// results is in entity emission order; AddTrace calls never
	// overlap.
	results []entityResult
}

type entityResult struct {
	id    uint64
	trace string
	*Result
}

// New validates opts.
func New(env analysis.Env, opts analysis.Options) (analysis.Stage, error) {
	out, err := opts.StringOr("output-file", "")
	if err != nil {
		return nil, err
	}
	includePrefix, err := opts.BoolOr("include-prefix", false)
	if err != nil {
		return nil, err
	}
	maxIssues, err := opts.IntOr("max-issues", DefaultMaxIssues)
	if err != nil {
		return nil, err
	}
	if maxIssues <= 0 {
		return nil, &analysis.ConfigurationError{Stage: opts.Stage(), Option: "max-issues", Reason: "must be positive"}
	}
	logger := env.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Stage{
		opts:       Options{IncludePrefix: includePrefix, MaxIssues: maxIssues},
		outputFile: out,
		logger:     logger,
	}, nil
}

func (s *Stage) SupportsParallelism() bool { return false }

func (s *Stage) AddTrace(ctx context.Context, e *leaktrace.Entity) error {
	seg := e.Segment()
	if seg == nil {
		return errors.Errorf("entity %d has no trace segment", e.ID())
	}
	res, err := Check(ctx, seg, s.opts)
	if err != nil {
		return err
	}
	trace := e.PreprocessedTracePath()
	if trace == "" {
		trace = e.RawTracePath()
	}
	s.results = append(s.results, entityResult{id: e.ID(), trace: trace, Result: res})
	if res.IssueCount != 0 {
		s.logger.Warn("trace has issues",
			zap.Uint64("entity", e.ID()),
			zap.Int("issues", res.IssueCount),
			zap.Stringer("first", res.Issues[0]))
	}
	return nil
}

// Finish logs a summary and writes the report, if one is configured.
func (s *Stage) Finish(ctx context.Context) (err error) {
	var issues, bad int
	for _, r := range s.results {
		issues += r.IssueCount
		if r.IssueCount != 0 {
			bad++
		}
	}
	s.logger.Info("check complete",
		zap.Int("traces", len(s.results)),
		zap.Int("traces-with-issues", bad),
		zap.Int("issues", issues))
	if s.outputFile == "" {
		return nil
	}
	f, err := os.Create(s.outputFile)
	if err != nil {
		return errors.Wrap(err, "creating report")
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = errors.Wrap(cerr, "closing report")
		}
	}()
	return errors.Wrap(s.writeReport(f), "writing report")
}

func (s *Stage) writeReport(w io.Writer) error {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Entity", "Trace", "Entries", "Allocs", "Frees", "Live", "Max depth", "Issues"})
	table.SetAutoFormatHeaders(false)
	table.SetBorder(false)
	for _, r := range s.results {
		table.Append([]string{
			strconv.FormatUint(r.id, 10),
			r.trace,
			strconv.Itoa(r.Entries),
			strconv.Itoa(r.Allocs),
			strconv.Itoa(r.Frees),
			strconv.Itoa(r.Live),
			strconv.Itoa(r.MaxDepth),
			strconv.Itoa(r.IssueCount),
		})
	}
	table.Render()

	for _, r := range s.results {
		if r.IssueCount == 0 {
			continue
		}
		if _, err := fmt.Fprintf(w, "\nentity %d (%s): %d issues\n", r.id, r.trace, r.IssueCount); err != nil {
			return err
		}
		WriteIssues(w, r.Result)
	}
	return nil
}

// WriteIssues writes the retained issues of r, one per line.
func WriteIssues(w io.Writer, r *Result) {
	for _, is := range r.Issues {
		fmt.Fprintf(w, "  %s\n", is)
	}
	if r.Truncated() {
		fmt.Fprintf(w, "  ... %d more\n", r.IssueCount-len(r.Issues))
	}
}
