// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mknyszek/leaktrace/analysis"
	"github.com/mknyszek/leaktrace/analysis/builtin"
	"github.com/mknyszek/leaktrace/cmd/internal/spinner"
	"github.com/mknyszek/leaktrace/internal/logging"
	"github.com/mknyszek/leaktrace/pipeline"
)

var runCmd = &cobra.Command{
	Use:   "run <config>",
	Short: "Run the analysis pipeline described by a YAML or TOML file",
	Args:  cobra.ExactArgs(1),
	RunE:  runPipeline,
}

func init() {
	runCmd.Flags().Int("parallelism", -1, "override general.parallelism (0 means GOMAXPROCS)")
	runCmd.Flags().String("log-file", "", "override general.logger.file")
}

func runPipeline(cmd *cobra.Command, args []string) (err error) {
	cfg, err := pipeline.LoadConfig(args[0])
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("log-level") {
		cfg.General.Logger.LogLevel, _ = cmd.Flags().GetString("log-level")
	}
	if cmd.Flags().Changed("log-file") {
		cfg.General.Logger.File, _ = cmd.Flags().GetString("log-file")
	}
	if cmd.Flags().Changed("parallelism") {
		cfg.General.Parallelism, _ = cmd.Flags().GetInt("parallelism")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, closeLog, err := logging.New(logging.Config{
		Level: cfg.General.Logger.LogLevel,
		File:  cfg.General.Logger.File,
	})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := closeLog(); err == nil {
			err = cerr
		}
	}()

	stages, err := pipeline.Build(builtin.Registry(), cfg.Analysis, analysis.Env{Logger: logger})
	if err != nil {
		return err
	}
	src, err := pipeline.NewFileSource(cfg.Input)
	if err != nil {
		return err
	}
	if src.Prefix() != nil {
		logger.Info("loaded prefix", zap.String("path", cfg.Input.Prefix), zap.Int("entries", src.Prefix().Len()))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	d := pipeline.NewDriver(stages, logger, cfg.General.Parallelism)
	var sp *spinner.Spinner
	if showProgress(cmd) {
		sp = spinner.New(d.Stats().Progress, spinner.Format("Processing... %.1f%%"))
		sp.Start()
	}
	start := time.Now()
	runErr := d.Run(ctx, src)
	if sp != nil {
		sp.Stop()
	}
	printSummary(d.Stats(), time.Since(start))
	return runErr
}

func printSummary(st *pipeline.Stats, elapsed time.Duration) {
	status := okLabel("ok")
	if st.LoadFailures.Load()+st.StageFailures.Load() != 0 {
		status = warnLabel("with failures")
	}
	fmt.Printf("Pipeline finished %s in %s\n", status, elapsed.Round(time.Millisecond))
	fmt.Printf("Traces:  %s loaded, %s failed\n", humanize.Comma(int64(st.Loaded.Load())), humanize.Comma(int64(st.LoadFailures.Load())))
	fmt.Printf("Entries: %s\n", humanize.Comma(int64(st.Entries.Load())))
	for _, name := range st.Stages() {
		fmt.Printf("  %-16s %s\n", name, humanize.Comma(int64(st.Stage(name))))
	}
}
