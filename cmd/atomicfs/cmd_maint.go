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
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/AleutianAI/atomicfs/pkg/atomicops"
	"github.com/AleutianAI/atomicfs/pkg/fileops"
	"github.com/AleutianAI/atomicfs/pkg/fileops/audit"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func (a *app) cleanupCmd() *cobra.Command {
	var maxAge time.Duration
	var includeDeleted bool
	cmd := &cobra.Command{
		Use:   "cleanup-backups <dir>",
		Short: "Remove *.backup files older than --max-age",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var opts []atomicops.CleanupOption
			if includeDeleted {
				opts = append(opts, atomicops.IncludeDeleted())
			}
			n, err := a.ops.CleanupBackups(a.batchCtx(cmd.Context()), args[0], maxAge, opts...)
			if err != nil {
				return err
			}
			a.printer.Success("removed %d backups older than %s from %s", n, maxAge, args[0])
			return nil
		},
	}
	cmd.Flags().DurationVar(&maxAge, "max-age", 7*24*time.Hour, "minimum age of a backup to remove")
	cmd.Flags().BoolVar(&includeDeleted, "include-deleted", false, "also remove *.deleted_backup files")
	return cmd
}

func (a *app) auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the audit log",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "summary",
		Short: "Print totals by status and kind",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			a.printer.Summary(a.ops.Summary())
			return nil
		},
	})

	var f audit.Filter
	var kind, status string
	var last int
	list := &cobra.Command{
		Use:   "list",
		Short: "List audit records, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			f.Kind = audit.Kind(kind)
			f.Status = audit.Status(status)
			recs := a.ops.Trail().Operations(f)
			if last > 0 && len(recs) > last {
				recs = recs[len(recs)-last:]
			}
			a.printer.Records(recs)
			return nil
		},
	}
	list.Flags().StringVar(&kind, "kind", "", "only this kind (write, copy, move, delete, update, merge, rotate, cleanup, transaction)")
	list.Flags().StringVar(&status, "status", "", "only this status (started, completed, failed)")
	list.Flags().StringVar(&f.Batch, "filter-batch", "", "only records tagged with this batch label")
	list.Flags().StringVar(&f.Path, "path", "", "only records for this path")
	list.Flags().IntVar(&last, "last", 0, "only the newest N records")
	cmd.AddCommand(list)
	return cmd
}

// printValue prints v in the format implied by path, JSON by default.
func printValue(w io.Writer, path string, v any) error {
	if f, err := fileops.FormatFromPath(path); err == nil && f == fileops.FormatYAML {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("encoding yaml: %w", err)
		}
		return enc.Close()
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func ctxLogger(ctx context.Context) *slog.Logger {
	return fileops.LoggerWithTrace(ctx, slog.Default().With("component", "cli"))
}
