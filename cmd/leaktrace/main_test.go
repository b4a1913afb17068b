// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mknyszek/leaktrace"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestColorMode(t *testing.T) {
	defer func(old bool) { color.NoColor = old }(color.NoColor)
	require.NoError(t, applyColorMode("on"))
	assert.False(t, color.NoColor)
	require.NoError(t, applyColorMode("off"))
	assert.True(t, color.NoColor)
	assert.Error(t, applyColorMode("sometimes"))
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "leaktrace ")
}

func TestRunPipeline(t *testing.T) {
	dir := t.TempDir()
	traces := filepath.Join(dir, "traces")
	require.NoError(t, os.Mkdir(traces, 0o755))
	images := []leaktrace.ImageInfo{{ID: 0, Name: "main"}}
	require.NoError(t, leaktrace.CreateFile(filepath.Join(dir, "prefix.trace"), leaktrace.FilePrefix, images,
		[]leaktrace.Entry{&leaktrace.Allocation{ID: 1, Address: 0x1000, Size: 0x20}}))
	require.NoError(t, leaktrace.CreateFile(filepath.Join(traces, "t0.trace"), leaktrace.FileTrace, nil,
		[]leaktrace.Entry{&leaktrace.Free{ID: 1}}))

	cfg := filepath.Join(dir, "pipeline.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte(`
input:
  prefix: prefix.trace
  traces: traces
analysis:
  modules:
    - module: dump
      module-options:
        output-directory: `+filepath.Join(dir, "out")+`
        include-prefix: true
    - module: alloc-stats
      module-options:
        output-file: `+filepath.Join(dir, "allocs.csv")+`
`), 0o644))

	_, err := execute(t, "run", "--quiet", "--color", "off", "--log-level", "error", cfg)
	require.NoError(t, err)

	b, err := os.ReadFile(filepath.Join(dir, "out", "t0.trace.txt"))
	require.NoError(t, err)
	assert.Equal(t, "[0] Alloc: #1, 0000000000001000...0000000000001020, 32 bytes\n"+
		"[1] Free: #1, 0000000000001000\n", string(b))
	assert.FileExists(t, filepath.Join(dir, "allocs.csv"))
}

func TestCheckCommand(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.trace")
	require.NoError(t, leaktrace.CreateFile(good, leaktrace.FileTrace, nil, []leaktrace.Entry{
		&leaktrace.Allocation{ID: 1, Address: 0x1000, Size: 8},
		&leaktrace.Free{ID: 1},
	}))
	_, err := execute(t, "check", "--quiet", "--color", "off", good)
	assert.NoError(t, err)

	bad := filepath.Join(dir, "bad.trace")
	require.NoError(t, leaktrace.CreateFile(bad, leaktrace.FileTrace, nil, []leaktrace.Entry{&leaktrace.Free{ID: 9}}))
	_, err = execute(t, "check", "--quiet", "--color", "off", bad)
	assert.ErrorContains(t, err, "1 issues")

	_, err = execute(t, "check", "--quiet", "--color", "off", filepath.Join(dir, "missing.trace"))
	assert.Error(t, err)

	b, err := os.ReadFile(good)
	require.NoError(t, err)
	padded := filepath.Join(dir, "padded.trace")
	require.NoError(t, os.WriteFile(padded, append(b, 0xff, 0xff, 0xff), 0o644))
	_, err = execute(t, "check", "--quiet", "--color", "off", padded)
	assert.ErrorIs(t, err, leaktrace.ErrTrailingData)
}
