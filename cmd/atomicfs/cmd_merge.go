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
	"net"
	"net/http"
	"time"

	"github.com/AleutianAI/atomicfs/pkg/atomicops"
	"github.com/AleutianAI/atomicfs/pkg/telemetry"
	"github.com/AleutianAI/atomicfs/pkg/ux"
	"github.com/spf13/cobra"
)

func (a *app) mergeCmd() *cobra.Command {
	var strategy string
	var show bool
	cmd := &cobra.Command{
		Use:   "merge <dest> <source>...",
		Short: "Merge JSON/YAML sources in order and atomically write dest",
		Long: `Later sources override earlier ones key by key. With the deep strategy nested
mappings are merged recursively; lists and scalars are replaced whole.
Missing sources are skipped.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := atomicops.ParseStrategy(strategy)
			if err != nil {
				return err
			}
			merged, err := a.ops.ConfigMerge(a.batchCtx(cmd.Context()), args[1:], args[0], s)
			if err != nil {
				return err
			}
			a.printer.FileStatus(args[0], ux.IconSuccess, fmt.Sprintf("%d sources, %d top-level keys", len(args)-1, len(merged)))
			if show {
				return printValue(a.stdout, args[0], merged)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&strategy, "strategy", "deep", "deep or shallow")
	cmd.Flags().BoolVar(&show, "show", false, "print the merged document")
	return cmd
}

func (a *app) watchMergeCmd() *cobra.Command {
	var strategy string
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "watch-merge <dest> <source>...",
		Short: "Merge once, then re-merge whenever a source changes",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := atomicops.ParseStrategy(strategy)
			if err != nil {
				return err
			}
			ctx := a.batchCtx(cmd.Context())

			if metricsAddr != "" {
				stop, err := serveMetrics(ctx, metricsAddr)
				if err != nil {
					return err
				}
				defer stop()
			}

			dest := args[0]
			return a.ops.WatchMerge(ctx, args[1:], dest, s, func(merged map[string]any, err error) {
				if err != nil {
					a.printer.Error(err)
					return
				}
				a.printer.FileStatus(dest, ux.IconSuccess, fmt.Sprintf("merged at %s", time.Now().Format(time.TimeOnly)))
			})
		},
	}
	cmd.Flags().StringVar(&strategy, "strategy", "deep", "deep or shallow")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9090")
	return cmd
}

// serveMetrics serves /metrics until the returned stop is called.
func serveMetrics(ctx context.Context, addr string) (func(), error) {
	handler := telemetry.MetricsHandler()
	if handler == nil {
		return nil, errors.New("--metrics-addr needs telemetry.metric_exporter: prometheus")
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			ctxLogger(ctx).Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	ctxLogger(ctx).Info("serving metrics", "addr", ln.Addr().String())

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}, nil
}
