// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"

	"github.com/mknyszek/leaktrace"
)

// Source produces the entities of a run. Entities are numbered
// 0..Len()-1 in emission order; Load may be called concurrently for
// different indexes.
type Source interface {
	Len() int
	Load(ctx context.Context, i int) (*leaktrace.Entity, error)
}

// LoadError reports an entity whose trace could not be loaded.
type LoadError struct {
	Entity uint64
	Path   string
	Err    error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("entity %d: loading %s: %v", e.Entity, e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// FileSource loads a shared prefix once and one trace file per
// entity. It keeps only trace paths and reserved IDs; each Load
// builds a new entity, so a segment is reachable only while the
// pipeline holds the entity that carries it.
type FileSource struct {
	prefix *leaktrace.Prefix
	paths  []string
	ids    []uint64
}

// NewFileSource opens the prefix named by cfg and lists the trace
// files, in lexical order. Entity IDs follow that order.
func NewFileSource(cfg InputConfig) (*FileSource, error) {
	pattern := cfg.Pattern
	if pattern == "" {
		pattern = DefaultPattern
	}
	fi, err := os.Stat(cfg.Traces)
	if err != nil {
		return nil, errors.Wrap(err, "trace directory")
	}
	if !fi.IsDir() {
		return nil, errors.Errorf("trace directory %s is not a directory", cfg.Traces)
	}
	paths, err := filepath.Glob(filepath.Join(cfg.Traces, pattern))
	if err != nil {
		return nil, errors.Wrap(err, "listing traces")
	}
	sort.Strings(paths)

	s := new(FileSource)
	if cfg.Prefix != "" {
		s.prefix, err = leaktrace.OpenPrefix(cfg.Prefix)
		if err != nil {
			return nil, err
		}
	}
	var ids leaktrace.EntityIDs
	for _, path := range paths {
		if cfg.Prefix != "" && path == filepath.Clean(cfg.Prefix) {
			continue
		}
		s.paths = append(s.paths, path)
		s.ids = append(s.ids, ids.Next())
	}
	return s, nil
}

// Prefix returns the shared prefix, or nil.
func (s *FileSource) Prefix() *leaktrace.Prefix { return s.prefix }

func (s *FileSource) Len() int { return len(s.paths) }

// Load decodes the trace of entity i into a new entity. Loading the
// same index twice yields two entities with the same ID.
func (s *FileSource) Load(ctx context.Context, i int) (*leaktrace.Entity, error) {
	id, path := s.ids[i], s.paths[i]
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e := leaktrace.NewEntityWithID(id, path)
	err := e.SetRawTracePath(path)
	if err == nil {
		var seg *leaktrace.Segment
		if seg, err = leaktrace.OpenSegment(path, s.prefix); err == nil {
			err = e.SetSegment(seg)
		}
	}
	if err != nil {
		return nil, &LoadError{Entity: id, Path: path, Err: err}
	}
	return e, nil
}
