// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package dump implements the reference analysis stage, which writes
// a human-readable rendering of every trace it receives.
package dump

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/mknyszek/leaktrace"
	"github.com/mknyszek/leaktrace/analysis"
)

// Name is the registry name of the stage.
const Name = "dump"

const (
	optOutputDirectory = "output-directory"
	optIncludePrefix   = "include-prefix"
)

// Description is the registry description of the stage.
const Description = "write a human-readable rendering of each trace"

// Stage renders each entity into its own text file.
type Stage struct {
	dir           string
	includePrefix bool
	logger        *zap.Logger
}

// New validates opts and creates the output directory.
func New(env analysis.Env, opts analysis.Options) (analysis.Stage, error) {
	dir, err := opts.RequiredString(optOutputDirectory)
	if err != nil {
		return nil, err
	}
	includePrefix, err := opts.BoolOr(optIncludePrefix, false)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating output directory %s", dir)
	}
	logger := env.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Stage{dir: dir, includePrefix: includePrefix, logger: logger}, nil
}

func (s *Stage) SupportsParallelism() bool { return true }

// OutputPath returns the file an entity is rendered to.
func (s *Stage) OutputPath(e *leaktrace.Entity) string {
	src := e.PreprocessedTracePath()
	if src == "" {
		src = e.RawTracePath()
	}
	if src == "" {
		return filepath.Join(s.dir, fmt.Sprintf("dump_%d.txt", e.ID()))
	}
	return filepath.Join(s.dir, filepath.Base(src)+".txt")
}

// AddTrace renders e. A partially written file is removed if
// rendering fails.
func (s *Stage) AddTrace(ctx context.Context, e *leaktrace.Entity) (err error) {
	seg := e.Segment()
	if seg == nil {
		return errors.Errorf("entity %d has no trace segment", e.ID())
	}
	path := s.OutputPath(e)
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "creating output file")
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = errors.Wrap(cerr, "closing output file")
		}
		if err != nil {
			os.Remove(path)
		}
	}()

	log := s.logger.With(zap.Uint64("entity", e.ID()), zap.String("output", path))
	if err := Render(ctx, f, seg, s.includePrefix, log); err != nil {
		return errors.Wrapf(err, "rendering %s", path)
	}
	log.Debug("trace rendered", zap.Int("entries", seg.Len()))
	return nil
}

// Finish does nothing; every file is complete when AddTrace returns.
func (s *Stage) Finish(ctx context.Context) error { return nil }
