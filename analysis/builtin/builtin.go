// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package builtin assembles the registry of stages shipped with
// leaktrace.
package builtin

import (
	"github.com/mknyszek/leaktrace/analysis"
	"github.com/mknyszek/leaktrace/analysis/allocstats"
	"github.com/mknyszek/leaktrace/analysis/check"
	"github.com/mknyszek/leaktrace/analysis/dump"
	"github.com/mknyszek/leaktrace/analysis/passthrough"
)

// Registry returns a registry holding every built-in stage.
func Registry() *analysis.Registry {
	r := analysis.NewRegistry()
	r.Register(dump.Name, dump.Description, dump.New)
	r.Register(check.Name, check.Description, check.New)
	r.Register(allocstats.Name, allocstats.Description, allocstats.New)
	r.Register(passthrough.Name, passthrough.Description, passthrough.New)
	return r
}
