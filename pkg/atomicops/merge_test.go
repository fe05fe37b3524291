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
	"path/filepath"
	"testing"

	"github.com/AleutianAI/atomicfs/pkg/fileops/audit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigMerge_Deep(t *testing.T) {
	dir := t.TempDir()
	a, b := filepath.Join(dir, "a.json"), filepath.Join(dir, "b.json")
	dest := filepath.Join(dir, "merged.json")
	writeFile(t, a, `{"app":{"name":"x","debug":true}}`)
	writeFile(t, b, `{"app":{"version":"2.0","debug":false}}`)
	ops := newOps(t, DefaultConfig())

	merged, err := ops.ConfigMerge(context.Background(), []string{a, b}, dest, StrategyDeep)
	require.NoError(t, err)

	want := map[string]any{"app": map[string]any{"name": "x", "debug": false, "version": "2.0"}}
	assert.Equal(t, want, merged)
	assert.JSONEq(t, `{"app":{"name":"x","debug":false,"version":"2.0"}}`, readFile(t, dest))

	recs := ops.Trail().Operations(audit.Filter{Kind: audit.KindMerge})
	require.Len(t, recs, 1)
	assert.Equal(t, audit.StatusCompleted, recs[0].Status)
}

func TestConfigMerge_Deterministic(t *testing.T) {
	dir := t.TempDir()
	a, b := filepath.Join(dir, "a.json"), filepath.Join(dir, "b.json")
	writeFile(t, a, `{"x":{"y":1,"z":[1,2]},"keep":"a"}`)
	writeFile(t, b, `{"x":{"z":[3]},"keep":"b"}`)
	ops := newOps(t, DefaultConfig())
	ctx := context.Background()

	first, err := ops.ConfigMerge(ctx, []string{a, b}, filepath.Join(dir, "one.json"), StrategyDeep)
	require.NoError(t, err)
	second, err := ops.ConfigMerge(ctx, []string{a, b}, filepath.Join(dir, "two.json"), StrategyDeep)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, readFile(t, filepath.Join(dir, "one.json")), readFile(t, filepath.Join(dir, "two.json")))
	// lists are replaced, not concatenated
	assert.Equal(t, []any{float64(3)}, first["x"].(map[string]any)["z"])
	assert.Equal(t, float64(1), first["x"].(map[string]any)["y"])
}

func TestConfigMerge_MixedFormats(t *testing.T) {
	dir := t.TempDir()
	base, override := filepath.Join(dir, "base.yaml"), filepath.Join(dir, "prod.json")
	dest := filepath.Join(dir, "app.yml")
	writeFile(t, base, "server:\n  host: localhost\n  tls: false\n")
	writeFile(t, override, `{"server":{"tls":true}}`)
	ops := newOps(t, DefaultConfig())

	_, err := ops.ConfigMerge(context.Background(), []string{base, override}, dest, StrategyDeep)
	require.NoError(t, err)

	got, err := ops.Manager().ReadYAML(dest)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"server": map[string]any{"host": "localhost", "tls": true}}, got)
}

func TestConfigMerge_Shallow(t *testing.T) {
	dir := t.TempDir()
	a, b := filepath.Join(dir, "a.json"), filepath.Join(dir, "b.json")
	writeFile(t, a, `{"app":{"name":"x","debug":true},"other":1}`)
	writeFile(t, b, `{"app":{"debug":false}}`)
	ops := newOps(t, DefaultConfig())

	merged, err := ops.ConfigMerge(context.Background(), []string{a, b}, filepath.Join(dir, "m.json"), StrategyShallow)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"app": map[string]any{"debug": false}, "other": float64(1)}, merged)
}

func TestConfigMerge_MissingSourceSkipped(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.json")
	writeFile(t, a, `{"k":"v"}`)
	ops := newOps(t, DefaultConfig())

	merged, err := ops.ConfigMerge(context.Background(), []string{a, filepath.Join(dir, "absent.json")}, filepath.Join(dir, "m.json"), StrategyDeep)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"k": "v"}, merged)
}

func TestConfigMerge_BadSourceLeavesDest(t *testing.T) {
	dir := t.TempDir()
	a, bad := filepath.Join(dir, "a.json"), filepath.Join(dir, "bad.json")
	dest := filepath.Join(dir, "m.json")
	writeFile(t, a, `{"k":"v"}`)
	writeFile(t, bad, `{not json`)
	writeFile(t, dest, `{"old":true}`)
	ops := newOps(t, DefaultConfig())

	_, err := ops.ConfigMerge(context.Background(), []string{a, bad}, dest, StrategyDeep)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad.json")
	assert.Equal(t, `{"old":true}`, readFile(t, dest))
	assert.Equal(t, 1, ops.Summary().FailedOperations)
}

func TestConfigMerge_UnknownDestFormat(t *testing.T) {
	dir := t.TempDir()
	ops := newOps(t, DefaultConfig())
	_, err := ops.ConfigMerge(context.Background(), nil, filepath.Join(dir, "out.txt"), StrategyDeep)
	assert.Error(t, err)
}

func TestDeepMerge_DoesNotMutateInputs(t *testing.T) {
	dst := map[string]any{"a": map[string]any{"x": 1}}
	src := map[string]any{"a": map[string]any{"y": 2}, "b": map[string]any{"z": 3}}

	out := DeepMerge(dst, src)
	assert.Equal(t, map[string]any{"a": map[string]any{"x": 1, "y": 2}, "b": map[string]any{"z": 3}}, out)
	assert.Equal(t, map[string]any{"a": map[string]any{"x": 1}}, dst)

	out["b"].(map[string]any)["z"] = 99
	assert.Equal(t, 3, src["b"].(map[string]any)["z"])
}

func TestDeepMerge_MapReplacesScalar(t *testing.T) {
	out := DeepMerge(map[string]any{"a": 1}, map[string]any{"a": map[string]any{"b": 2}})
	assert.Equal(t, map[string]any{"a": map[string]any{"b": 2}}, out)

	out = DeepMerge(map[string]any{"a": map[string]any{"b": 2}}, map[string]any{"a": "flat"})
	assert.Equal(t, map[string]any{"a": "flat"}, out)
}

func TestParseStrategy(t *testing.T) {
	for name, want := range map[string]Strategy{"": StrategyDeep, "deep": StrategyDeep, "shallow": StrategyShallow} {
		got, err := ParseStrategy(name)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseStrategy("weird")
	assert.Error(t, err)
	assert.Equal(t, "strategy(7)", Strategy(7).String())
}
