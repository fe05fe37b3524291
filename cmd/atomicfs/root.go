// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/AleutianAI/atomicfs/pkg/atomicops"
	"github.com/AleutianAI/atomicfs/pkg/config"
	"github.com/AleutianAI/atomicfs/pkg/fileops"
	"github.com/AleutianAI/atomicfs/pkg/fileops/audit"
	"github.com/AleutianAI/atomicfs/pkg/logging"
	"github.com/AleutianAI/atomicfs/pkg/telemetry"
	"github.com/AleutianAI/atomicfs/pkg/ux"
	"github.com/spf13/cobra"
)

// envConfig names the config file when --config is not given.
const envConfig = "ATOMICFS_CONFIG"

// app is the state shared by every subcommand of one invocation.
type app struct {
	stdin          io.Reader
	stdout, stderr io.Writer

	configPath string
	logLevel   string
	batch      string
	machine    bool
	noBackup   bool

	cfg      config.Config
	logger   *logging.Logger
	shutdown func(context.Context) error
	ops      *atomicops.Operations
	printer  *ux.Printer
}

// run executes one invocation and returns the process exit code.
func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	a := &app{stdin: stdin, stdout: stdout, stderr: stderr}
	root := a.rootCmd()
	root.SetArgs(args)
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	err = errors.Join(err, a.close())
	if err != nil {
		if a.printer == nil {
			a.printer = ux.NewPrinter(stdout, stderr, a.machine)
		}
		a.printer.Error(err)
		return 1
	}
	return 0
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "atomicfs",
		Short: "Crash-safe file writes, merges and transactions",
		Long: `atomicfs mutates files so that readers only ever see the old content or the
complete new content. Every mutation is staged in a temp file, verified,
backed up and renamed into place, and every attempt is recorded in an audit
log.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd.Context())
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "config file (default $"+envConfig+" or ~/.atomicfs/atomicfs.yaml)")
	flags.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.StringVar(&a.batch, "batch", "", "tag audit records with this batch label")
	flags.BoolVar(&a.machine, "machine", false, "plain tab-separated output for scripts")
	flags.BoolVar(&a.noBackup, "no-backup", false, "do not keep .backup copies of overwritten files")

	root.AddCommand(
		a.writeCmd(),
		a.updateCmd("update-json", fileops.FormatJSON),
		a.updateCmd("update-yaml", fileops.FormatYAML),
		a.copyCmd(),
		a.moveCmd(),
		a.deleteCmd(),
		a.rotateCmd(),
		a.checksumCmd(),
		a.mergeCmd(),
		a.watchMergeCmd(),
		a.applyCmd(),
		a.cleanupCmd(),
		a.auditCmd(),
	)
	return root
}

func (a *app) setup(ctx context.Context) error {
	a.printer = ux.NewPrinter(a.stdout, a.stderr, a.machine)

	path := a.configPath
	if path == "" {
		path = os.Getenv(envConfig)
	}
	cfg, err := config.Load(ctx, path)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	if a.noBackup {
		cfg.Write.Backup = false
	}
	a.cfg = cfg

	lc := cfg.Logging("atomicfs")
	lc.Output = a.stderr
	a.logger, err = logging.New(lc)
	if err != nil {
		return err
	}
	a.logger.Install()

	a.shutdown, err = telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}

	a.ops, err = atomicops.New(cfg.Operations())
	if err != nil {
		return err
	}
	audit.SetDefault(a.ops.Trail())
	slog.Debug("atomicfs ready", "audit_log", cfg.Operations().AuditLog, "audit_db", cfg.Audit.DB)
	return nil
}

func (a *app) close() error {
	var errs []error
	if a.ops != nil {
		audit.SetDefault(nil)
		errs = append(errs, a.ops.Close())
		a.ops = nil
	}
	if a.shutdown != nil {
		errs = append(errs, a.shutdown(context.Background()))
		a.shutdown = nil
	}
	if a.logger != nil {
		errs = append(errs, a.logger.Close())
		a.logger = nil
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	return nil
}

// batchCtx returns ctx tagged with --batch when given.
func (a *app) batchCtx(ctx context.Context) context.Context {
	if a.batch != "" {
		return audit.WithBatch(ctx, a.batch)
	}
	return ctx
}
