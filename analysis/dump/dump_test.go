// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dump

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mknyszek/leaktrace"
	"github.com/mknyszek/leaktrace/analysis"
)

var images = []leaktrace.ImageInfo{
	{ID: 0, Name: "main"},
	{ID: 1, Name: "libc.so"},
}

func testPrefix(t *testing.T, entries ...leaktrace.Entry) *leaktrace.Prefix {
	t.Helper()
	p, err := leaktrace.NewPrefix(entries, images)
	require.NoError(t, err)
	return p
}

func testSegment(t *testing.T, prefix *leaktrace.Prefix, entries ...leaktrace.Entry) *leaktrace.Segment {
	t.Helper()
	s, err := leaktrace.NewSegment(prefix, entries, nil)
	require.NoError(t, err)
	return s
}

func render(t *testing.T, seg *leaktrace.Segment, includePrefix bool) (string, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	var buf bytes.Buffer
	require.NoError(t, Render(context.Background(), &buf, seg, includePrefix, zap.New(core)))
	return buf.String(), logs
}

func warnings(logs *observer.ObservedLogs) int {
	return logs.FilterLevelExact(zapcore.WarnLevel).Len()
}

func lines(s string) []string {
	return strings.Split(strings.TrimSuffix(s, "\n"), "\n")
}

// depth returns the indentation level of a rendered line.
func depth(line string) int {
	rest := line[strings.Index(line, "] ")+2:]
	return (len(rest) - len(strings.TrimLeft(rest, " "))) / 2
}

func TestIndexWidth(t *testing.T) {
	for _, tc := range []struct{ total, want int }{
		{0, 0}, {1, 0}, {2, 1}, {9, 1}, {10, 1}, {11, 2}, {100, 2}, {101, 3}, {1000, 3}, {1001, 4},
	} {
		assert.Equal(t, tc.want, IndexWidth(tc.total), "total %d", tc.total)
	}
}

func TestRenderAllocFree(t *testing.T) {
	seg := testSegment(t, testPrefix(t),
		&leaktrace.Allocation{ID: 1, Address: 0x1000, Size: 0x20},
		&leaktrace.Free{ID: 1},
	)
	out, logs := render(t, seg, false)
	assert.Equal(t, "[0] Alloc: #1, 0000000000001000...0000000000001020, 32 bytes\n"+
		"[1] Free: #1, 0000000000001000\n", out)
	assert.Zero(t, warnings(logs))
}

func TestRenderSingleEntry(t *testing.T) {
	seg := testSegment(t, nil, &leaktrace.Allocation{ID: 3, Address: 0x10, Size: 1})
	out, _ := render(t, seg, false)
	assert.Equal(t, "[0] Alloc: #3, 0000000000000010...0000000000000011, 1 bytes\n", out)
}

func TestRenderCallDepth(t *testing.T) {
	seg := testSegment(t, testPrefix(t),
		&leaktrace.Branch{SourceImageID: 0, SourceRelAddr: 0x10, DestImageID: 1, DestRelAddr: 0x100, Type: leaktrace.BranchCall},
		&leaktrace.Branch{SourceImageID: 1, SourceRelAddr: 0x104, DestImageID: 1, DestRelAddr: 0x200, Type: leaktrace.BranchCall},
		&leaktrace.Branch{SourceImageID: 1, SourceRelAddr: 0x208, DestImageID: 1, DestRelAddr: 0x108, Type: leaktrace.BranchReturn},
		&leaktrace.Branch{SourceImageID: 1, SourceRelAddr: 0x10c, DestImageID: 0, DestRelAddr: 0x14, Type: leaktrace.BranchReturn},
	)
	out, logs := render(t, seg, false)
	got := lines(out)
	require.Len(t, got, 4)
	var depths []int
	for _, l := range got {
		depths = append(depths, depth(l))
	}
	assert.Equal(t, []int{0, 1, 1, 0}, depths)
	assert.Equal(t, "[0] Call: main:00000010 -> libc.so:00000100", got[0])
	assert.Equal(t, "[3] Return: libc.so:0000010c -> main:00000014", got[3])
	assert.Zero(t, warnings(logs))
}

func TestRenderUnmatchedReturn(t *testing.T) {
	seg := testSegment(t, testPrefix(t),
		&leaktrace.Branch{SourceImageID: 0, SourceRelAddr: 1, DestImageID: 0, DestRelAddr: 2, Type: leaktrace.BranchReturn},
		&leaktrace.Branch{SourceImageID: 0, SourceRelAddr: 3, DestImageID: 0, DestRelAddr: 4, Type: leaktrace.BranchJump, Taken: true},
	)
	out, logs := render(t, seg, false)
	assert.Equal(t, "[0] Return: main:00000001 -> main:00000002\n"+
		"[1] Jump: main:00000003 -> main:00000004, taken\n", out)
	assert.Equal(t, 1, warnings(logs))
}

func TestRenderUnmatchedFree(t *testing.T) {
	seg := testSegment(t, testPrefix(t),
		&leaktrace.Free{ID: 42},
		&leaktrace.Allocation{ID: 1, Address: 0x2000, Size: 8},
		&leaktrace.HeapMemoryAccess{InstructionImageID: 0, InstructionRelAddr: 0x50, AllocationBlockID: 1, MemoryRelAddr: 4, IsWrite: true},
	)
	out, logs := render(t, seg, false)
	assert.NotContains(t, out, "Free:")
	assert.Equal(t, "[1] Alloc: #1, 0000000000002000...0000000000002008, 8 bytes\n"+
		"[2] MemoryWrite: main:00000050, [#1+00000004 (0000000000002004)]\n", out)
	assert.Equal(t, 1, warnings(logs))
}

func TestRenderAccesses(t *testing.T) {
	prefix := testPrefix(t, &leaktrace.Allocation{ID: 7, Address: 0x8000, Size: 0x40})
	seg := testSegment(t, prefix,
		&leaktrace.HeapMemoryAccess{InstructionImageID: 0, InstructionRelAddr: 0x1, AllocationBlockID: 7, MemoryRelAddr: 0x10},
		&leaktrace.HeapMemoryAccess{InstructionImageID: 0, InstructionRelAddr: 0x2, AllocationBlockID: 8},
		&leaktrace.StackMemoryAccess{InstructionImageID: 1, InstructionRelAddr: 0x3, MemoryRelAddr: 0x30, IsWrite: true},
		&leaktrace.ImageMemoryAccess{InstructionImageID: 0, InstructionRelAddr: 0x4, MemoryImageID: 1, MemoryRelAddr: 0x99},
		&leaktrace.ImageMemoryAccess{IsWrite: true, InstructionImageID: 0, InstructionRelAddr: 0x5, MemoryImageID: 5, MemoryRelAddr: 0x9a},
		&leaktrace.Branch{SourceImageID: 5, DestImageID: 0, Type: leaktrace.BranchJump},
	)
	out, logs := render(t, seg, false)
	assert.Equal(t, []string{
		"[0] MemoryRead: main:00000001, [#7+00000010 (0000000000008010)]",
		"[2] MemoryWrite: libc.so:00000003, [$+00000030]",
		"[3] MemoryRead: main:00000004, [libc.so:00000099]",
		"[4] MemoryWrite: main:00000005, [?5:0000009a]",
		"[5] Jump: ?5:00000000 -> main:00000000, not taken",
	}, lines(out))
	// One for the missing block, one for image 5 which is reported once.
	assert.Equal(t, 2, warnings(logs))
}

func TestRenderIncludePrefix(t *testing.T) {
	prefix := testPrefix(t, &leaktrace.Allocation{ID: 1, Address: 0x1000, Size: 0x10})
	seg := testSegment(t, prefix, &leaktrace.Free{ID: 1})

	out, _ := render(t, seg, false)
	assert.Equal(t, "[0] Free: #1, 0000000000001000\n", out)

	out, _ = render(t, seg, true)
	assert.Equal(t, "[0] Alloc: #1, 0000000000001000...0000000000001010, 16 bytes\n"+
		"[1] Free: #1, 0000000000001000\n", out)
}

func TestRenderCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	seg := testSegment(t, nil, &leaktrace.Free{ID: 1})
	err := Render(ctx, &bytes.Buffer{}, seg, false, zap.NewNop())
	assert.ErrorIs(t, err, context.Canceled)
}

func newStage(t *testing.T, opts map[string]any) *Stage {
	t.Helper()
	s, err := New(analysis.Env{Logger: zap.NewNop()}, analysis.NewOptions(Name, opts))
	require.NoError(t, err)
	return s.(*Stage)
}

func TestStageConfig(t *testing.T) {
	_, err := New(analysis.Env{}, analysis.NewOptions(Name, nil))
	var ce *analysis.ConfigurationError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "output-directory", ce.Option)

	_, err = New(analysis.Env{}, analysis.NewOptions(Name, map[string]any{
		"output-directory": t.TempDir(),
		"include-prefix":   "sometimes",
	}))
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "include-prefix", ce.Option)

	dir := filepath.Join(t.TempDir(), "a", "b")
	s := newStage(t, map[string]any{"output-directory": dir, "include-prefix": "true"})
	assert.DirExists(t, dir)
	assert.True(t, s.includePrefix)
	assert.True(t, s.SupportsParallelism())
	assert.NoError(t, s.Finish(context.Background()))
}

func TestStageOutputPath(t *testing.T) {
	dir := t.TempDir()
	s := newStage(t, map[string]any{"output-directory": dir})
	var ids leaktrace.EntityIDs

	e := leaktrace.NewEntity(&ids, "")
	assert.Equal(t, filepath.Join(dir, "dump_0.txt"), s.OutputPath(e))

	e = leaktrace.NewEntity(&ids, "")
	require.NoError(t, e.SetRawTracePath("/raw/t1.trace"))
	assert.Equal(t, filepath.Join(dir, "t1.trace.txt"), s.OutputPath(e))
	require.NoError(t, e.SetPreprocessedTracePath("/pre/p1.trace"))
	assert.Equal(t, filepath.Join(dir, "p1.trace.txt"), s.OutputPath(e))
}

func TestStageIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newStage(t, map[string]any{"output-directory": t.TempDir(), "include-prefix": true})
	prefix := testPrefix(t, &leaktrace.Allocation{ID: 1, Address: 0x1000, Size: 0x20})

	var ids leaktrace.EntityIDs
	e := leaktrace.NewEntity(&ids, "case0")
	require.NoError(t, e.SetRawTracePath("t0.trace"))
	require.NoError(t, e.SetSegment(testSegment(t, prefix,
		&leaktrace.Branch{SourceImageID: 0, DestImageID: 1, Type: leaktrace.BranchCall},
		&leaktrace.Free{ID: 1},
	)))

	require.NoError(t, s.AddTrace(ctx, e))
	first, err := os.ReadFile(s.OutputPath(e))
	require.NoError(t, err)
	require.NoError(t, s.AddTrace(ctx, e))
	second, err := os.ReadFile(s.OutputPath(e))
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, "[0] Alloc: #1, 0000000000001000...0000000000001020, 32 bytes\n"+
		"[1] Call: main:00000000 -> libc.so:00000000\n"+
		"[2]   Free: #1, 0000000000001000\n", string(first))
}

func TestStageRemovesFileOnFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := newStage(t, map[string]any{"output-directory": t.TempDir()})
	var ids leaktrace.EntityIDs
	e := leaktrace.NewEntity(&ids, "")
	require.NoError(t, e.SetSegment(testSegment(t, nil, &leaktrace.Free{ID: 1})))

	assert.Error(t, s.AddTrace(ctx, e))
	assert.NoFileExists(t, s.OutputPath(e))

	assert.Error(t, s.AddTrace(context.Background(), leaktrace.NewEntity(&ids, "")), "entity without segment")
}
