// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package pipeline feeds trace entities from a source through the
// configured analysis stages.
package pipeline

import (
	"context"
	"runtime"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mknyszek/leaktrace"
	"github.com/mknyszek/leaktrace/analysis"
)

// Build instantiates and initializes the stages named by cfg, in
// order. Any failure aborts the run before an entity is processed.
func Build(reg *analysis.Registry, cfg AnalysisConfig, env analysis.Env) ([]*analysis.Instance, error) {
	stages := make([]*analysis.Instance, 0, len(cfg.Modules))
	for i, m := range cfg.Modules {
		in, err := reg.New(m.Module)
		if err != nil {
			return nil, errors.Wrapf(err, "analysis.modules[%d]", i)
		}
		if err := in.Init(env, analysis.NewOptions(m.Module, m.Options)); err != nil {
			return nil, errors.Wrapf(err, "analysis.modules[%d]: initializing", i)
		}
		stages = append(stages, in)
	}
	return stages, nil
}

// Driver runs entities through stages.
//
// Every stage sees every successfully loaded entity. Parallel stages
// are called from a bounded worker pool; each sequential stage is
// called from a goroutine of its own, in emission order. Traces are
// loaded concurrently but emitted in order.
type Driver struct {
	stages      []*analysis.Instance
	logger      *zap.Logger
	parallelism int
	stats       *Stats

	mu   sync.Mutex
	errs *multierror.Error
}

// NewDriver returns a driver for initialized stages. A parallelism
// of zero or less means GOMAXPROCS.
func NewDriver(stages []*analysis.Instance, logger *zap.Logger, parallelism int) *Driver {
	if parallelism <= 0 {
		parallelism = runtime.GOMAXPROCS(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Driver{
		stages:      stages,
		logger:      logger,
		parallelism: parallelism,
		stats:       NewStats(),
	}
	for _, in := range stages {
		d.stats.RegisterStage(in.Name())
	}
	return d
}

// Stats returns the live counters of the driver.
func (d *Driver) Stats() *Stats { return d.stats }

func (d *Driver) fail(err error) {
	d.mu.Lock()
	d.errs = multierror.Append(d.errs, err)
	d.mu.Unlock()
}

type loaded struct {
	entity *leaktrace.Entity
	err    error
}

// Run processes every entity of src and then finishes every stage.
//
// Entities that fail to load or that a stage rejects do not stop
// the run; their errors are collected and returned together once
// all stages have finished. Cancelling ctx stops the run without
// finishing the stages.
func (d *Driver) Run(ctx context.Context, src Source) error {
	n := src.Len()
	d.stats.Total.Store(uint64(n))
	d.logger.Info("pipeline starting",
		zap.Int("entities", n),
		zap.Int("stages", len(d.stages)),
		zap.Int("parallelism", d.parallelism))

	g, gctx := errgroup.WithContext(ctx)

	var (
		par []*analysis.Instance
		seq []chan *leaktrace.Entity
	)
	for _, in := range d.stages {
		if in.SupportsParallelism() {
			par = append(par, in)
			continue
		}
		ch := make(chan *leaktrace.Entity, d.parallelism)
		seq = append(seq, ch)
		in := in
		g.Go(func() error {
			for e := range ch {
				d.addTrace(gctx, in, e)
			}
			return nil
		})
	}

	// At most parallelism traces are loaded but not yet emitted.
	// Emitted traces are held only by the pool, which blocks emission
	// at parallelism tasks, and by the buffers of the sequential
	// stages; an entity is released once every stage has consumed it.
	futures := make([]chan loaded, n)
	for i := range futures {
		futures[i] = make(chan loaded, 1)
	}
	window := make(chan struct{}, d.parallelism)
	g.Go(func() error {
		for i := 0; i < n; i++ {
			select {
			case window <- struct{}{}:
			case <-gctx.Done():
				return nil
			}
			i := i
			g.Go(func() error {
				e, err := src.Load(gctx, i)
				futures[i] <- loaded{entity: e, err: err}
				return nil
			})
		}
		return nil
	})

	var pool errgroup.Group
	pool.SetLimit(d.parallelism)
emit:
	for i := 0; i < n; i++ {
		var l loaded
		select {
		case l = <-futures[i]:
		case <-gctx.Done():
			break emit
		}
		<-window
		if l.err != nil {
			if gctx.Err() != nil {
				break emit
			}
			d.stats.LoadFailures.Inc()
			d.logger.Error("failed to load trace", zap.Int("index", i), zap.Error(l.err))
			d.fail(l.err)
			continue
		}
		e := l.entity
		d.stats.Loaded.Inc()
		d.stats.Entries.Add(uint64(e.Segment().Len()))
		for _, in := range par {
			in := in
			pool.Go(func() error {
				d.addTrace(gctx, in, e)
				return nil
			})
		}
		for _, ch := range seq {
			select {
			case ch <- e:
			case <-gctx.Done():
				break emit
			}
		}
		d.stats.Dispatched.Inc()
	}
	for _, ch := range seq {
		close(ch)
	}
	pool.Wait()
	g.Wait()

	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "pipeline cancelled")
	}
	for _, in := range d.stages {
		if err := in.Finish(ctx); err != nil {
			d.logger.Error("stage failed to finish", zap.String("stage", in.Name()), zap.Error(err))
			d.fail(err)
		}
	}
	d.logger.Info("pipeline finished",
		zap.Uint64("loaded", d.stats.Loaded.Load()),
		zap.Uint64("load-failures", d.stats.LoadFailures.Load()),
		zap.Uint64("stage-failures", d.stats.StageFailures.Load()))

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.errs.ErrorOrNil()
}

func (d *Driver) addTrace(ctx context.Context, in *analysis.Instance, e *leaktrace.Entity) {
	if err := in.AddTrace(ctx, e); err != nil {
		d.stats.StageFailures.Inc()
		d.logger.Error("stage failed", zap.String("stage", in.Name()), zap.Uint64("entity", e.ID()), zap.Error(err))
		d.fail(err)
		return
	}
	d.stats.addStage(in.Name())
}
