// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package leaktrace

import (
	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

// ErrFieldAlreadySet is returned when a write-once Entity field
// is written a second time.
var ErrFieldAlreadySet = errors.New("entity field already set")

// EntityIDs hands out entity IDs for a single run.
// IDs start at 0 and increase by one per entity.
type EntityIDs struct {
	next atomic.Uint64
}

// Next returns a fresh ID.
func (ids *EntityIDs) Next() uint64 {
	return ids.next.Inc() - 1
}

// Entity is one unit of pipeline work and corresponds to a
// single test case.
//
// Fields are populated as the entity moves through the pipeline
// and are never overwritten once set. An entity is handed to the
// analysis stages only after it is fully populated; from then on
// it is read-only and may be shared between goroutines.
type Entity struct {
	id                    uint64
	testcasePath          string
	rawTracePath          string
	preprocessedTracePath string
	segment               *Segment
}

// NewEntity returns an entity with a fresh ID from ids.
func NewEntity(ids *EntityIDs, testcasePath string) *Entity {
	return &Entity{
		id:           ids.Next(),
		testcasePath: testcasePath,
	}
}

// NewEntityWithID returns an entity carrying id, which the caller
// must have obtained from the run's EntityIDs.
func NewEntityWithID(id uint64, testcasePath string) *Entity {
	return &Entity{
		id:           id,
		testcasePath: testcasePath,
	}
}

// ID returns the entity's unique ID.
func (e *Entity) ID() uint64 { return e.id }

// TestcasePath returns the path of the test case input file.
func (e *Entity) TestcasePath() string { return e.testcasePath }

// RawTracePath returns the path of the raw trace, or "".
func (e *Entity) RawTracePath() string { return e.rawTracePath }

// PreprocessedTracePath returns the path of the preprocessed trace, or "".
func (e *Entity) PreprocessedTracePath() string { return e.preprocessedTracePath }

// Segment returns the entity's own trace segment, or nil.
func (e *Entity) Segment() *Segment { return e.segment }

func setOnce(dst *string, v, name string) error {
	if *dst != "" {
		return errors.Wrap(ErrFieldAlreadySet, name)
	}
	*dst = v
	return nil
}

// SetRawTracePath sets the raw trace path.
func (e *Entity) SetRawTracePath(path string) error {
	return setOnce(&e.rawTracePath, path, "raw trace path")
}

// SetPreprocessedTracePath sets the preprocessed trace path.
func (e *Entity) SetPreprocessedTracePath(path string) error {
	return setOnce(&e.preprocessedTracePath, path, "preprocessed trace path")
}

// SetSegment hands ownership of s to the entity.
func (e *Entity) SetSegment(s *Segment) error {
	if e.segment != nil {
		return errors.Wrap(ErrFieldAlreadySet, "segment")
	}
	e.segment = s
	return nil
}
