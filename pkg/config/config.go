// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the atomicfs CLI configuration file.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/AleutianAI/atomicfs/pkg/atomicops"
	"github.com/AleutianAI/atomicfs/pkg/fileops"
	"github.com/AleutianAI/atomicfs/pkg/logging"
	"github.com/AleutianAI/atomicfs/pkg/telemetry"
	"gopkg.in/yaml.v3"
)

// Environment variables that override the file.
const (
	EnvAuditLog = "ATOMICFS_AUDIT_LOG"
	EnvLogLevel = "ATOMICFS_LOG_LEVEL"
)

// Config is the contents of atomicfs.yaml.
type Config struct {
	Log       LogConfig        `yaml:"log"`
	Audit     AuditConfig      `yaml:"audit"`
	Write     WriteConfig      `yaml:"write"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `yaml:"level"`
	Dir   string `yaml:"dir,omitempty"`
	JSON  bool   `yaml:"json"`
}

// AuditConfig selects where audit records are kept. With neither set,
// records live only for the duration of one command.
type AuditConfig struct {
	Log string `yaml:"log,omitempty"`
	DB  string `yaml:"db,omitempty"`
}

// WriteConfig holds the defaults for every mutation.
type WriteConfig struct {
	Backup                bool          `yaml:"backup"`
	Verify                bool          `yaml:"verify"`
	SortKeys              bool          `yaml:"sort_keys"`
	CrossProcessLocks     bool          `yaml:"cross_process_locks"`
	Parallelism           int           `yaml:"parallelism"`
	IncludeDeletedBackups bool          `yaml:"include_deleted_backups"`
	MergeDebounce         time.Duration `yaml:"merge_debounce"`
	MaxMergeRate          float64       `yaml:"max_merge_rate,omitempty"`
}

// DefaultConfig returns the configuration written on first run.
func DefaultConfig() Config {
	ops := atomicops.DefaultConfig()
	return Config{
		Log: LogConfig{Level: "info"},
		Audit: AuditConfig{
			Log: "~/.atomicfs/audit.jsonl",
		},
		Write: WriteConfig{
			Backup:            ops.Backup,
			Verify:            ops.Verify,
			CrossProcessLocks: true,
			Parallelism:       ops.Parallelism,
			MergeDebounce:     ops.MergeDebounce,
		},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// DefaultPath returns ~/.atomicfs/atomicfs.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".atomicfs", "atomicfs.yaml"), nil
}

// Load reads the configuration at path, creating it with defaults on first
// run, then applies environment overrides. An empty path means
// DefaultPath. Keys missing from the file keep their defaults.
func Load(ctx context.Context, path string) (Config, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return Config{}, err
		}
		path = p
	}

	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := createDefault(ctx, path, cfg); err != nil {
			return Config{}, err
		}
	case err != nil:
		return Config{}, fmt.Errorf("failed to read the config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// createDefault writes cfg to path through the atomic writer, so a crash
// never leaves a truncated config behind.
func createDefault(ctx context.Context, path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	return fileops.WriteFile(ctx, path, fileops.Payload{Path: path, Format: fileops.FormatYAML, Data: cfg}, fileops.WithBackup(false))
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvAuditLog); v != "" {
		c.Audit.Log = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.Write.Parallelism < 0 {
		return fmt.Errorf("write.parallelism must not be negative, got %d", c.Write.Parallelism)
	}
	if c.Write.MaxMergeRate < 0 {
		return fmt.Errorf("write.max_merge_rate must not be negative, got %g", c.Write.MaxMergeRate)
	}
	if c.Write.MergeDebounce < 0 {
		return fmt.Errorf("write.merge_debounce must not be negative, got %s", c.Write.MergeDebounce)
	}
	return nil
}

// Logging returns the logging configuration for service.
func (c Config) Logging(service string) logging.Config {
	level, _ := logging.ParseLevel(c.Log.Level)
	return logging.Config{
		Level:   level,
		LogDir:  c.Log.Dir,
		Service: service,
		JSON:    c.Log.JSON,
	}
}

// Operations returns the facade configuration, with ~ expanded in audit
// paths.
func (c Config) Operations() atomicops.Config {
	return atomicops.Config{
		Backup:                c.Write.Backup,
		Verify:                c.Write.Verify,
		SortKeys:              c.Write.SortKeys,
		AuditLog:              logging.ExpandHome(c.Audit.Log),
		AuditDB:               logging.ExpandHome(c.Audit.DB),
		CrossProcessLocks:     c.Write.CrossProcessLocks,
		Parallelism:           c.Write.Parallelism,
		IncludeDeletedBackups: c.Write.IncludeDeletedBackups,
		MergeDebounce:         c.Write.MergeDebounce,
		MaxMergeRate:          c.Write.MaxMergeRate,
	}
}
