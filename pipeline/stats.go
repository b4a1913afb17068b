// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pipeline

import (
	"sort"
	"sync"

	"go.uber.org/atomic"
)

// Stats are the counters of a pipeline run. They are updated
// concurrently by the driver and may be sampled at any time.
type Stats struct {
	// Total is the number of entities the source announced.
	Total atomic.Uint64

	// Loaded is the number of entities whose traces were decoded.
	Loaded atomic.Uint64

	// LoadFailures is the number of entities that could not be loaded.
	LoadFailures atomic.Uint64

	// Entries is the number of trace entries loaded, prefix excluded.
	Entries atomic.Uint64

	// Dispatched is the number of entities handed to every stage.
	Dispatched atomic.Uint64

	// StageFailures is the number of failed AddTrace calls.
	StageFailures atomic.Uint64

	mu    sync.Mutex
	stage map[string]*atomic.Uint64
}

// NewStats creates a new valid Stats object.
func NewStats() *Stats {
	return &Stats{stage: make(map[string]*atomic.Uint64)}
}

// RegisterStage registers a per-stage counter of processed entities.
//
// This operation is idempotent.
func (s *Stats) RegisterStage(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.stage[name]; !ok {
		s.stage[name] = new(atomic.Uint64)
	}
}

func (s *Stats) addStage(name string) {
	s.mu.Lock()
	c, ok := s.stage[name]
	s.mu.Unlock()
	if !ok {
		panic("pipeline: stage " + name + " not registered")
	}
	c.Inc()
}

// Stages returns the registered stage names in sorted order.
func (s *Stats) Stages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.stage))
	for name := range s.stage {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stage returns the number of entities stage name processed.
// Returns 0 if the stage is not registered.
func (s *Stats) Stage(name string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.stage[name]; ok {
		return c.Load()
	}
	return 0
}

// Progress returns the fraction of entities dispatched or failed,
// between 0 and 1.
func (s *Stats) Progress() float64 {
	total := s.Total.Load()
	if total == 0 {
		return 1
	}
	return float64(s.Dispatched.Load()+s.LoadFailures.Load()) / float64(total)
}
