// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package analysis

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/mknyszek/leaktrace"
)

var (
	// ErrInvalidState is returned when an Instance method is called
	// out of lifecycle order.
	ErrInvalidState = errors.New("invalid stage state")

	// ErrOverlappingAddTrace is returned when AddTrace is called on a
	// sequential stage while another AddTrace call is in progress.
	ErrOverlappingAddTrace = errors.New("overlapping AddTrace on sequential stage")
)

// State is the lifecycle state of an Instance.
type State uint8

const (
	StateUninitialized State = iota
	StateInitialized
	StateProcessing
	StateFinished
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateProcessing:
		return "processing"
	case StateFinished:
		return "finished"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Instance is a configured stage together with its lifecycle.
//
// It enforces Uninitialized → Initialized → Processing → Finished,
// with Failed as the terminal state of a failed Init, and rejects
// overlapping AddTrace calls on stages that do not support
// parallelism.
type Instance struct {
	desc Descriptor

	mu    sync.Mutex
	state State
	stage Stage

	inflight  atomic.Int32
	processed atomic.Uint64
}

func newInstance(d Descriptor) *Instance {
	return &Instance{desc: d}
}

// Name returns the registered name of the stage.
func (in *Instance) Name() string { return in.desc.Name }

// State returns the current lifecycle state.
func (in *Instance) State() State {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.state
}

// Processed returns the number of AddTrace calls that succeeded.
func (in *Instance) Processed() uint64 { return in.processed.Load() }

// Init constructs the stage from opts.
func (in *Instance) Init(env Env, opts Options) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.state != StateUninitialized {
		return errors.Wrapf(ErrInvalidState, "stage %s: init in state %s", in.desc.Name, in.state)
	}
	if env.Logger != nil {
		env.Logger = env.Logger.Named(in.desc.Name)
	}
	s, err := in.desc.Factory(env, opts)
	if err != nil {
		in.state = StateFailed
		return err
	}
	in.stage = s
	in.state = StateInitialized
	return nil
}

// SupportsParallelism reports the stage's declared parallelism.
// It must only be called after a successful Init.
func (in *Instance) SupportsParallelism() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.stage != nil && in.stage.SupportsParallelism()
}

// AddTrace hands e to the stage.
func (in *Instance) AddTrace(ctx context.Context, e *leaktrace.Entity) error {
	in.mu.Lock()
	switch in.state {
	case StateInitialized:
		in.state = StateProcessing
	case StateProcessing:
	default:
		st := in.state
		in.mu.Unlock()
		return errors.Wrapf(ErrInvalidState, "stage %s: AddTrace in state %s", in.desc.Name, st)
	}
	s := in.stage
	// The count is raised under mu so that Finish, which checks it
	// under mu, never observes a call that has passed the state check
	// but not yet registered itself.
	if in.inflight.Inc() > 1 && !s.SupportsParallelism() {
		in.inflight.Dec()
		in.mu.Unlock()
		return errors.Wrapf(ErrOverlappingAddTrace, "stage %s: entity %d", in.desc.Name, e.ID())
	}
	in.mu.Unlock()
	defer in.inflight.Dec()

	if err := s.AddTrace(ctx, e); err != nil {
		return errors.Wrapf(err, "stage %s: entity %d", in.desc.Name, e.ID())
	}
	in.processed.Inc()
	return nil
}

// Finish completes the stage. It must be called once, after every
// AddTrace call has returned; otherwise it fails with ErrInvalidState
// and leaves the state unchanged, so it may be retried.
func (in *Instance) Finish(ctx context.Context) error {
	in.mu.Lock()
	switch in.state {
	case StateInitialized, StateProcessing:
	default:
		st := in.state
		in.mu.Unlock()
		return errors.Wrapf(ErrInvalidState, "stage %s: Finish in state %s", in.desc.Name, st)
	}
	if n := in.inflight.Load(); n != 0 {
		in.mu.Unlock()
		return errors.Wrapf(ErrInvalidState, "stage %s: Finish with %d AddTrace calls in progress", in.desc.Name, n)
	}
	in.state = StateFinished
	s := in.stage
	in.mu.Unlock()

	return errors.Wrapf(s.Finish(ctx), "stage %s: finish", in.desc.Name)
}
