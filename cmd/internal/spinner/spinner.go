// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package spinner prints a periodically refreshed progress line.
package spinner

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Option is a configuration option for the spinner.
type Option func(cfg *spinnerCfg)

// Format returns a new configuration option for the
// spinner, using the given format string for the spinner.
//
// The string must have exactly one verb in it to support
// a float64 value which is a percent completion.
func Format(ft string) Option {
	return func(cfg *spinnerCfg) {
		cfg.format = ft
	}
}

// Period returns a new configuration option that sets
// the period between screen updates for the spinner.
func Period(p time.Duration) Option {
	return func(cfg *spinnerCfg) {
		cfg.period = p
	}
}

// Output sets the writer the spinner draws on. The default is
// standard output.
func Output(w io.Writer) Option {
	return func(cfg *spinnerCfg) {
		cfg.out = w
	}
}

type spinnerCfg struct {
	period time.Duration
	format string
	out    io.Writer
}

// Spinner samples progress and redraws a single line until stopped.
type Spinner struct {
	cfg    spinnerCfg
	sample func() float64

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// New returns a spinner that uses the function sample to sample
// progress; sample should return a float64 value between 0 and 1
// representing a degree of progress.
//
// The default period between updates is 1 second.
func New(sample func() float64, options ...Option) *Spinner {
	cfg := spinnerCfg{
		period: time.Second,
		format: "Progress: %.1f%%",
		out:    os.Stdout,
	}
	for _, opt := range options {
		opt(&cfg)
	}
	return &Spinner{cfg: cfg, sample: sample}
}

// Start starts drawing. It panics if the spinner is already running.
func (s *Spinner) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		panic("tried to start spinner twice")
	}
	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop(s.stop, s.done)
}

func (s *Spinner) loop(stop, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(s.cfg.period)
	defer t.Stop()
	for {
		fmt.Fprintf(s.cfg.out, s.cfg.format+"\r", s.sample()*100)
		select {
		case <-stop:
			// Draw the final state so the line is accurate once
			// the spinner is gone.
			fmt.Fprintf(s.cfg.out, s.cfg.format+"\n", s.sample()*100)
			return
		case <-t.C:
		}
	}
}

// Stop stops the spinner and waits for its last update.
//
// If the spinner is not running, it does nothing.
func (s *Spinner) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	stop, done := s.stop, s.done
	s.mu.Unlock()

	close(stop)
	<-done
}
