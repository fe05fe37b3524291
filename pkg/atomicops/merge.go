// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package atomicops

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/AleutianAI/atomicfs/pkg/fileops"
	"github.com/AleutianAI/atomicfs/pkg/fileops/audit"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("atomicfs.atomicops")

// Strategy selects how ConfigMerge combines sources.
type Strategy int

const (
	// StrategyDeep merges nested mappings key by key. Later sources win per
	// key; keys only present in earlier sources survive. Values that are not
	// mappings (lists included) are replaced whole.
	StrategyDeep Strategy = iota

	// StrategyShallow replaces top-level keys whole.
	StrategyShallow
)

// String returns the strategy name.
func (s Strategy) String() string {
	switch s {
	case StrategyDeep:
		return "deep"
	case StrategyShallow:
		return "shallow"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// ParseStrategy parses "deep" or "shallow".
func ParseStrategy(name string) (Strategy, error) {
	switch name {
	case "", "deep":
		return StrategyDeep, nil
	case "shallow":
		return StrategyShallow, nil
	}
	return 0, fmt.Errorf("unknown merge strategy %q", name)
}

// ConfigMerge merges structured sources in order and atomically writes the
// result to dest.
//
// # Description
//
// Each source is decoded by extension (.json, .yaml, .yml). Missing sources
// contribute nothing. dest is written in the format of its own extension,
// so JSON and YAML sources can be merged into either.
//
// # Outputs
//
//   - map[string]any: The merged document.
//   - error: Non-nil if a source cannot be decoded or the write fails; dest
//     is untouched in that case.
//
// # Example
//
//	merged, err := ops.ConfigMerge(ctx, []string{"base.yaml", "prod.json"}, "app.yaml", atomicops.StrategyDeep)
func (o *Operations) ConfigMerge(ctx context.Context, sources []string, dest string, strategy Strategy, opts ...fileops.Option) (map[string]any, error) {
	ctx, span := tracer.Start(ctx, "atomicops.config_merge",
		trace.WithAttributes(
			attribute.Int("merge.sources", len(sources)),
			attribute.String("merge.dest", dest),
			attribute.String("merge.strategy", strategy.String()),
		),
	)
	defer span.End()

	merged, err := o.configMerge(ctx, sources, dest, strategy, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetStatus(codes.Ok, "")
	return merged, nil
}

func (o *Operations) configMerge(ctx context.Context, sources []string, dest string, strategy Strategy, opts []fileops.Option) (map[string]any, error) {
	destFormat, err := fileops.FormatFromPath(dest)
	if err != nil {
		return nil, err
	}

	merged := map[string]any{}
	for _, src := range sources {
		data, _, err := o.manager.ReadStructured(src)
		if err != nil {
			o.trail.LogOperation(ctx, audit.KindMerge, dest, map[string]any{"source": src, "error": err.Error()}, audit.StatusFailed)
			return nil, fmt.Errorf("merge source %s: %w", src, err)
		}
		switch strategy {
		case StrategyShallow:
			for k, v := range data {
				merged[k] = v
			}
		default:
			merged = DeepMerge(merged, data)
		}
	}

	release, err := o.crossLock(ctx, "config merge", dest)
	if err != nil {
		return nil, err
	}
	defer release()

	opts = append([]fileops.Option{fileops.WithOperationKind(audit.KindMerge)}, opts...)
	err = o.manager.WriteFile(ctx, fileops.Payload{Path: dest, Format: destFormat, Data: merged}, opts...)
	if err != nil {
		return nil, err
	}
	o.logger.Debug("config merged",
		"dest", dest,
		"sources", len(sources),
		"strategy", strategy.String())
	return merged, nil
}

// DeepMerge returns a new mapping with src merged over dst. Neither input
// is modified, and nested mappings in the result are never shared with src.
func DeepMerge(dst, src map[string]any) map[string]any {
	out := make(map[string]any, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		srcMap, srcIsMap := v.(map[string]any)
		dstMap, dstIsMap := out[k].(map[string]any)
		switch {
		case srcIsMap && dstIsMap:
			out[k] = DeepMerge(dstMap, srcMap)
		case srcIsMap:
			out[k] = DeepMerge(nil, srcMap)
		default:
			out[k] = v
		}
	}
	return out
}

// isSource reports whether name is one of sources.
func isSource(sources []string, name string) bool {
	name = filepath.Clean(name)
	for _, s := range sources {
		if filepath.Clean(s) == name {
			return true
		}
	}
	return false
}
