// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package passthrough provides a stage that accepts every entity
// and does nothing with it. It is useful for measuring the cost of
// loading traces.
package passthrough

import (
	"context"

	"go.uber.org/atomic"

	"github.com/mknyszek/leaktrace"
	"github.com/mknyszek/leaktrace/analysis"
)

const (
	Name        = "passthrough"
	Description = "accept every trace and do nothing"
)

type Stage struct {
	seen atomic.Uint64
}

func New(env analysis.Env, opts analysis.Options) (analysis.Stage, error) {
	return new(Stage), nil
}

func (s *Stage) SupportsParallelism() bool { return true }

func (s *Stage) AddTrace(ctx context.Context, e *leaktrace.Entity) error {
	s.seen.Inc()
	return nil
}

func (s *Stage) Finish(ctx context.Context) error { return nil }

// Seen returns the number of entities received.
func (s *Stage) Seen() uint64 { return s.seen.Load() }
