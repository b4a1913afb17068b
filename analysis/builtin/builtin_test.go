// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package builtin

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mknyszek/leaktrace"
	"github.com/mknyszek/leaktrace/analysis"
)

func TestRegistry(t *testing.T) {
	r := Registry()
	var names []string
	for _, d := range r.Descriptors() {
		names = append(names, d.Name)
		assert.NotEmpty(t, d.Description)
	}
	assert.Equal(t, []string{"alloc-stats", "check", "dump", "passthrough"}, names)
}

func TestPassthrough(t *testing.T) {
	ctx := context.Background()
	in, err := Registry().New("passthrough")
	require.NoError(t, err)
	require.NoError(t, in.Init(analysis.Env{}, analysis.NewOptions("passthrough", nil)))
	assert.True(t, in.SupportsParallelism())

	var ids leaktrace.EntityIDs
	for i := 0; i < 3; i++ {
		require.NoError(t, in.AddTrace(ctx, leaktrace.NewEntity(&ids, "")))
	}
	require.NoError(t, in.Finish(ctx))
	assert.Equal(t, uint64(3), in.Processed())
	assert.Equal(t, analysis.StateFinished, in.State())
}
