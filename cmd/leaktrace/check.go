// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/exp/mmap"

	"github.com/mknyszek/leaktrace"
	"github.com/mknyszek/leaktrace/analysis/check"
	"github.com/mknyszek/leaktrace/analysis/dump"
	"github.com/mknyszek/leaktrace/cmd/internal/spinner"
	"github.com/mknyszek/leaktrace/internal/logging"
)

var checkCmd = &cobra.Command{
	Use:   "check [flags] <trace-file>",
	Short: "Sanity-check a trace file and print some statistics",
	Args:  cobra.ExactArgs(1),
	RunE:  runCheck,
}

func init() {
	checkCmd.Flags().String("prefix", "", "prefix file the trace was recorded after")
	checkCmd.Flags().Bool("print", false, "print the rendered trace")
	checkCmd.Flags().Int("max-issues", check.DefaultMaxIssues, "maximum number of issues to list")
}

func runCheck(cmd *cobra.Command, args []string) (err error) {
	prefixPath, _ := cmd.Flags().GetString("prefix")
	printFlag, _ := cmd.Flags().GetBool("print")
	maxIssues, _ := cmd.Flags().GetInt("max-issues")
	level, _ := cmd.Flags().GetString("log-level")

	logger, closeLog, err := logging.New(logging.Config{Level: level})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := closeLog(); err == nil {
			err = cerr
		}
	}()

	var prefix *leaktrace.Prefix
	if prefixPath != "" {
		prefix, err = leaktrace.OpenPrefix(prefixPath)
		if err != nil {
			return err
		}
	}
	seg, err := parseTrace(cmd, args[0], prefix)
	if err != nil {
		return err
	}

	if printFlag {
		if err := dump.Render(cmd.Context(), os.Stdout, seg, false, logger.Named("dump")); err != nil {
			return err
		}
	}

	res, err := check.Check(cmd.Context(), seg, check.Options{MaxIssues: maxIssues})
	if err != nil {
		return err
	}
	if res.IssueCount != 0 {
		fmt.Fprintf(os.Stderr, "%s found %d issues in trace:\n", warnLabel("warning:"), res.IssueCount)
		check.WriteIssues(os.Stderr, res)
	}
	fmt.Printf("Entries:  %s\n", humanize.Comma(int64(res.Entries)))
	fmt.Printf("Allocs:   %s\n", humanize.Comma(int64(res.Allocs)))
	fmt.Printf("Frees:    %s\n", humanize.Comma(int64(res.Frees)))
	fmt.Printf("Live:     %s\n", humanize.Comma(int64(res.Live)))
	fmt.Printf("Calls:    %s (max depth %d)\n", humanize.Comma(int64(res.Calls)), res.MaxDepth)
	fmt.Printf("Accesses: %s\n", humanize.Comma(int64(res.Accesses)))
	if res.IssueCount != 0 {
		return errors.Errorf("%d issues", res.IssueCount)
	}
	return nil
}

// parseTrace streams the trace at path, showing progress on a
// terminal.
func parseTrace(cmd *cobra.Command, path string, prefix *leaktrace.Prefix) (*leaktrace.Segment, error) {
	r, err := mmap.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to map trace")
	}
	defer r.Close()
	p, err := leaktrace.NewParser(r)
	if err != nil {
		return nil, errors.Wrap(err, "creating parser")
	}
	if p.Header().Kind != leaktrace.FileTrace {
		return nil, errors.Errorf("%s is a %s file, not a trace", path, p.Header().Kind)
	}

	var pMu sync.Mutex
	if showProgress(cmd) {
		sp := spinner.New(func() float64 {
			pMu.Lock()
			defer pMu.Unlock()
			return p.Progress()
		}, spinner.Format("Parsing... %.1f%%"))
		sp.Start()
		defer sp.Stop()
	}

	// The header count is untrusted; bound it by what the file can hold.
	capacity := p.Header().Count
	if limit := uint64(r.Len() / leaktrace.MinEntrySize); capacity > limit {
		capacity = limit
	}
	entries := make([]leaktrace.Entry, 0, capacity)
	for {
		pMu.Lock()
		ent, err := p.Next()
		pMu.Unlock()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "parsing entries")
		}
		entries = append(entries, ent)
	}
	if n := p.Trailing(); n != 0 {
		return nil, errors.Wrapf(leaktrace.ErrTrailingData, "%s: %d bytes after the last entry", path, n)
	}
	return leaktrace.NewSegment(prefix, entries, p.Header().Images)
}
