// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package analysis

import (
	"context"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mknyszek/leaktrace"
)

type fakeStage struct {
	parallel bool
	block    chan struct{}
	entered  chan struct{}

	mu       sync.Mutex
	ids      []uint64
	finished int
}

func (s *fakeStage) SupportsParallelism() bool { return s.parallel }

func (s *fakeStage) AddTrace(ctx context.Context, e *leaktrace.Entity) error {
	if s.entered != nil {
		s.entered <- struct{}{}
	}
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	s.ids = append(s.ids, e.ID())
	s.mu.Unlock()
	return nil
}

func (s *fakeStage) Finish(ctx context.Context) error {
	s.mu.Lock()
	s.finished++
	s.mu.Unlock()
	return nil
}

func registryWith(s *fakeStage) *Registry {
	r := NewRegistry()
	r.Register("fake", "test stage", func(env Env, opts Options) (Stage, error) {
		if _, err := opts.RequiredString("required"); err != nil {
			return nil, err
		}
		return s, nil
	})
	return r
}

func goodOptions() Options {
	return NewOptions("fake", map[string]any{"required": "yes"})
}

func TestInstanceLifecycle(t *testing.T) {
	ctx := context.Background()
	s := &fakeStage{parallel: true}
	in, err := registryWith(s).New("fake")
	require.NoError(t, err)
	assert.Equal(t, StateUninitialized, in.State())

	var ids leaktrace.EntityIDs
	err = in.AddTrace(ctx, leaktrace.NewEntity(&ids, ""))
	assert.True(t, errors.Is(err, ErrInvalidState))

	require.NoError(t, in.Init(Env{Logger: zap.NewNop()}, goodOptions()))
	assert.Equal(t, StateInitialized, in.State())
	assert.True(t, errors.Is(in.Init(Env{}, goodOptions()), ErrInvalidState))

	require.NoError(t, in.AddTrace(ctx, leaktrace.NewEntity(&ids, "")))
	require.NoError(t, in.AddTrace(ctx, leaktrace.NewEntity(&ids, "")))
	assert.Equal(t, StateProcessing, in.State())
	assert.Equal(t, uint64(2), in.Processed())

	require.NoError(t, in.Finish(ctx))
	assert.Equal(t, StateFinished, in.State())
	assert.Equal(t, 1, s.finished)

	assert.True(t, errors.Is(in.Finish(ctx), ErrInvalidState))
	assert.True(t, errors.Is(in.AddTrace(ctx, leaktrace.NewEntity(&ids, "")), ErrInvalidState))
	assert.Equal(t, 1, s.finished)
}

func TestInstanceFinishWithoutEntities(t *testing.T) {
	s := &fakeStage{}
	in, err := registryWith(s).New("fake")
	require.NoError(t, err)
	require.NoError(t, in.Init(Env{}, goodOptions()))
	require.NoError(t, in.Finish(context.Background()))
	assert.Equal(t, 1, s.finished)
}

func TestInstanceInitFailure(t *testing.T) {
	in, err := registryWith(&fakeStage{}).New("fake")
	require.NoError(t, err)

	err = in.Init(Env{}, NewOptions("fake", nil))
	var ce *ConfigurationError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "required", ce.Option)
	assert.Equal(t, StateFailed, in.State())

	var ids leaktrace.EntityIDs
	assert.True(t, errors.Is(in.AddTrace(context.Background(), leaktrace.NewEntity(&ids, "")), ErrInvalidState))
	assert.True(t, errors.Is(in.Finish(context.Background()), ErrInvalidState))
	assert.True(t, errors.Is(in.Init(Env{}, goodOptions()), ErrInvalidState))
}

func TestInstanceRejectsOverlapOnSequentialStage(t *testing.T) {
	ctx := context.Background()
	s := &fakeStage{block: make(chan struct{}), entered: make(chan struct{}, 1)}
	in, err := registryWith(s).New("fake")
	require.NoError(t, err)
	require.NoError(t, in.Init(Env{}, goodOptions()))

	var ids leaktrace.EntityIDs
	first := leaktrace.NewEntity(&ids, "")
	done := make(chan error)
	go func() { done <- in.AddTrace(ctx, first) }()
	<-s.entered

	err = in.AddTrace(ctx, leaktrace.NewEntity(&ids, ""))
	assert.True(t, errors.Is(err, ErrOverlappingAddTrace))

	close(s.block)
	require.NoError(t, <-done)
	assert.Equal(t, []uint64{first.ID()}, s.ids)
	assert.Equal(t, uint64(1), in.Processed())
}

func TestInstanceAllowsOverlapOnParallelStage(t *testing.T) {
	ctx := context.Background()
	s := &fakeStage{parallel: true, block: make(chan struct{}), entered: make(chan struct{}, 2)}
	in, err := registryWith(s).New("fake")
	require.NoError(t, err)
	require.NoError(t, in.Init(Env{}, goodOptions()))

	var ids leaktrace.EntityIDs
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		e := leaktrace.NewEntity(&ids, "")
		go func() { errs <- in.AddTrace(ctx, e) }()
	}
	<-s.entered
	<-s.entered
	close(s.block)
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)
	assert.Len(t, s.ids, 2)
}

func TestInstanceFinishWhileAddTraceInProgress(t *testing.T) {
	ctx := context.Background()
	s := &fakeStage{parallel: true, block: make(chan struct{}), entered: make(chan struct{}, 1)}
	in, err := registryWith(s).New("fake")
	require.NoError(t, err)
	require.NoError(t, in.Init(Env{}, goodOptions()))

	var ids leaktrace.EntityIDs
	done := make(chan error)
	go func() { done <- in.AddTrace(ctx, leaktrace.NewEntity(&ids, "")) }()
	<-s.entered

	err = in.Finish(ctx)
	assert.True(t, errors.Is(err, ErrInvalidState))
	assert.Equal(t, StateProcessing, in.State())

	close(s.block)
	require.NoError(t, <-done)

	// The rejected Finish left the instance usable.
	require.NoError(t, in.Finish(ctx))
	assert.Equal(t, StateFinished, in.State())
	assert.Equal(t, 1, s.finished)
	assert.Equal(t, uint64(1), in.Processed())
}

func TestRegistry(t *testing.T) {
	r := registryWith(&fakeStage{})
	r.Register("another", "second stage", func(Env, Options) (Stage, error) { return &fakeStage{}, nil })

	ds := r.Descriptors()
	require.Len(t, ds, 2)
	assert.Equal(t, "another", ds[0].Name)
	assert.Equal(t, "fake", ds[1].Name)

	_, err := r.New("missing")
	assert.ErrorContains(t, err, "another, fake")

	assert.Panics(t, func() {
		r.Register("fake", "", func(Env, Options) (Stage, error) { return nil, nil })
	})
}

func TestOptions(t *testing.T) {
	o := NewOptions("dump", map[string]any{
		"output-directory": "out",
		"include-prefix":   true,
		"as-string":        "false",
		"bogus-bool":       "perhaps",
		"nested":           map[string]any{"a": 1},
		"empty":            "  ",
	})
	assert.Equal(t, "dump", o.Stage())
	assert.Equal(t, []string{"as-string", "bogus-bool", "empty", "include-prefix", "nested", "output-directory"}, o.Keys())

	s, err := o.RequiredString("output-directory")
	require.NoError(t, err)
	assert.Equal(t, "out", s)

	b, err := o.BoolOr("include-prefix", false)
	require.NoError(t, err)
	assert.True(t, b)

	b, err = o.BoolOr("as-string", true)
	require.NoError(t, err)
	assert.False(t, b)

	b, err = o.BoolOr("absent", true)
	require.NoError(t, err)
	assert.True(t, b)

	_, err = o.BoolOr("bogus-bool", false)
	var ce *ConfigurationError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "bogus-bool", ce.Option)

	_, err = o.RequiredString("nested")
	assert.Error(t, err)
	_, err = o.RequiredString("empty")
	assert.Error(t, err)
	_, err = o.RequiredString("absent")
	assert.Error(t, err)

	s, err = o.StringOr("absent", "fallback")
	require.NoError(t, err)
	assert.Equal(t, "fallback", s)

	n, err := o.IntOr("absent", 20)
	require.NoError(t, err)
	assert.Equal(t, 20, n)
	n, err = NewOptions("check", map[string]any{"max-issues": "7"}).IntOr("max-issues", 20)
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	_, err = o.IntOr("bogus-bool", 0)
	assert.Error(t, err)
}
