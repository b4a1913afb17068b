// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package analysis defines the contract between the pipeline and
// its pluggable analysis stages.
package analysis

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mknyszek/leaktrace"
)

// Stage describes a pipeline step that consumes trace entities.
//
// A Stage is constructed once by its Factory from validated
// configuration and does not change configuration afterwards.
type Stage interface {
	// SupportsParallelism reports whether AddTrace may be called
	// concurrently for different entities. If false, AddTrace is
	// called in upstream emission order and calls never overlap.
	SupportsParallelism() bool

	// AddTrace consumes one entity.
	AddTrace(ctx context.Context, e *leaktrace.Entity) error

	// Finish is called exactly once, after the last AddTrace call
	// has returned. It must succeed if no entity was processed.
	Finish(ctx context.Context) error
}

// Env carries the process-level collaborators handed to a stage
// at construction.
type Env struct {
	// Logger is the stage's log sink. It is safe for concurrent use.
	Logger *zap.Logger
}

// Factory validates options and constructs a stage. It is the
// stage's initialization step: a returned error aborts the run
// before any entity is processed.
type Factory func(env Env, opts Options) (Stage, error)

// ConfigurationError reports a missing or malformed stage option.
type ConfigurationError struct {
	Stage  string
	Option string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Option == "" {
		return fmt.Sprintf("stage %s: %s", e.Stage, e.Reason)
	}
	return fmt.Sprintf("stage %s: option %q: %s", e.Stage, e.Option, e.Reason)
}
