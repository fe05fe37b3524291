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
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/AleutianAI/atomicfs/pkg/fileops"
	"github.com/AleutianAI/atomicfs/pkg/fileops/schema"
	"github.com/AleutianAI/atomicfs/pkg/ux"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func (a *app) writeCmd() *cobra.Command {
	var (
		format     string
		data       string
		from       string
		schemaPath string
		progress   bool
	)
	cmd := &cobra.Command{
		Use:   "write <path>",
		Short: "Atomically write content from --data, --from or stdin",
		Long: `Writes content to path through a temp file and an atomic rename. JSON and
YAML input is parsed first, so it can be checked against --schema and is
re-emitted in canonical form.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			f, err := resolveFormat(format, path)
			if err != nil {
				return err
			}
			raw, err := a.readInput(cmd.Flags().Changed("data"), data, from)
			if err != nil {
				return err
			}
			payload, err := decodeInput(f, raw)
			if err != nil {
				return err
			}

			var opts []fileops.Option
			if schemaPath != "" {
				s, err := schema.FromFile(schemaPath)
				if err != nil {
					return err
				}
				opts = append(opts, fileops.WithSchema(s))
			}
			if progress {
				opts = append(opts, fileops.WithProgress(a.stderr))
			}

			ctx := a.batchCtx(cmd.Context())
			if err := a.ops.Write(ctx, fileops.Payload{Path: path, Format: f, Data: payload}, opts...); err != nil {
				return err
			}
			a.printer.FileStatus(path, ux.IconSuccess, sizeOf(a, path))
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "", "text, json, yaml or binary (default: from extension, else text)")
	cmd.Flags().StringVar(&data, "data", "", "content to write")
	cmd.Flags().StringVar(&from, "from", "", "read content from this file")
	cmd.Flags().StringVar(&schemaPath, "schema", "", "JSON Schema file the content must satisfy")
	cmd.Flags().BoolVar(&progress, "progress", false, "show write progress")
	return cmd
}

func (a *app) updateCmd(name string, format fileops.Format) *cobra.Command {
	var sets []string
	var unsets []string
	cmd := &cobra.Command{
		Use:   name + " <path>",
		Short: fmt.Sprintf("Atomically set or remove keys in a %s file", strings.ToUpper(format.String())),
		Example: fmt.Sprintf(`  atomicfs %s settings --set app.debug=false --set app.tags='["a","b"]'
  atomicfs %s settings --unset app.legacy`, name, name),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(sets) == 0 && len(unsets) == 0 {
				return fmt.Errorf("nothing to do: pass --set or --unset")
			}
			assignments := make([]assignment, 0, len(sets))
			for _, s := range sets {
				as, err := parseAssignment(s)
				if err != nil {
					return err
				}
				assignments = append(assignments, as)
			}
			fn := func(cur map[string]any) (map[string]any, error) {
				for _, as := range assignments {
					if err := setPath(cur, as.path, as.value); err != nil {
						return nil, err
					}
				}
				for _, key := range unsets {
					unsetPath(cur, strings.Split(key, "."))
				}
				return cur, nil
			}

			path := args[0]
			ctx := a.batchCtx(cmd.Context())
			var err error
			if format == fileops.FormatJSON {
				err = a.ops.JSONUpdate(ctx, path, fn)
			} else {
				err = a.ops.YAMLUpdate(ctx, path, fn)
			}
			if err != nil {
				return err
			}
			a.printer.FileStatus(path, ux.IconSuccess, fmt.Sprintf("%d set, %d unset", len(sets), len(unsets)))
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&sets, "set", nil, "dotted.key=value; value is parsed as JSON when it can be")
	cmd.Flags().StringArrayVar(&unsets, "unset", nil, "dotted.key to remove")
	return cmd
}

func (a *app) copyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "copy <src> <dst>",
		Short: "Copy a file atomically",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.ops.Copy(a.batchCtx(cmd.Context()), args[0], args[1]); err != nil {
				return err
			}
			a.printer.FileStatus(args[1], ux.IconSuccess, sizeOf(a, args[1]))
			return nil
		},
	}
}

func (a *app) moveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "move <src> <dst>",
		Short: "Move a file, removing the source only after the destination is in place",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.ops.Move(a.batchCtx(cmd.Context()), args[0], args[1]); err != nil {
				return err
			}
			a.printer.FileStatus(args[0], ux.IconArrow, args[1])
			return nil
		},
	}
}

func (a *app) deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <path>",
		Short: "Delete a file, keeping <path>.deleted_backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.ops.Delete(a.batchCtx(cmd.Context()), args[0]); err != nil {
				return err
			}
			a.printer.FileStatus(args[0], ux.IconSuccess, "backup at "+fileops.DeletedBackupPath(args[0]))
			return nil
		},
	}
}

func (a *app) rotateCmd() *cobra.Command {
	var maxFiles int
	cmd := &cobra.Command{
		Use:   "rotate <path>",
		Short: "Shift path to path.1, path.1 to path.2 and so on",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.ops.Rotate(a.batchCtx(cmd.Context()), args[0], maxFiles); err != nil {
				return err
			}
			a.printer.FileStatus(args[0], ux.IconArrow, fileops.RotatedPath(args[0], 1))
			return nil
		},
	}
	cmd.Flags().IntVar(&maxFiles, "max", 5, "number of rotated files to keep")
	return cmd
}

func (a *app) checksumCmd() *cobra.Command {
	var expect string
	cmd := &cobra.Command{
		Use:   "checksum <path>",
		Short: "Print or verify the SHA-256 of a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fsys := a.ops.Manager().Fs()
			if expect != "" {
				if err := fileops.VerifyFile(fsys, args[0], expect); err != nil {
					return err
				}
				a.printer.FileStatus(args[0], ux.IconSuccess, "verified")
				return nil
			}
			sum, err := fileops.ChecksumFile(fsys, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "%s  %s\n", sum, args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&expect, "verify", "", "expected hex digest")
	return cmd
}

// readInput returns --data if it was given, the --from file, or stdin.
func (a *app) readInput(hasData bool, data, from string) ([]byte, error) {
	switch {
	case hasData && from != "":
		return nil, fmt.Errorf("--data and --from are mutually exclusive")
	case hasData:
		return []byte(data), nil
	case from != "":
		b, err := os.ReadFile(from)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", from, err)
		}
		return b, nil
	default:
		b, err := io.ReadAll(a.stdin)
		if err != nil {
			return nil, fmt.Errorf("reading stdin: %w", err)
		}
		return b, nil
	}
}

func resolveFormat(name, path string) (fileops.Format, error) {
	if name != "" {
		return fileops.ParseFormat(name)
	}
	if f, err := fileops.FormatFromPath(path); err == nil {
		return f, nil
	}
	return fileops.FormatText, nil
}

// decodeInput parses structured input so the writer can validate and
// re-encode it.
func decodeInput(f fileops.Format, raw []byte) (any, error) {
	switch f {
	case fileops.FormatJSON:
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("input is not valid JSON: %w", err)
		}
		return v, nil
	case fileops.FormatYAML:
		var v any
		if err := yaml.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("input is not valid YAML: %w", err)
		}
		return v, nil
	case fileops.FormatBinary:
		return raw, nil
	default:
		return string(raw), nil
	}
}

func sizeOf(a *app, path string) string {
	info, err := a.ops.Manager().Fs().Stat(path)
	if err != nil {
		return ""
	}
	return humanize.Bytes(uint64(info.Size()))
}

type assignment struct {
	path  []string
	value any
}

func parseAssignment(s string) (assignment, error) {
	key, raw, ok := strings.Cut(s, "=")
	if !ok || key == "" {
		return assignment{}, fmt.Errorf("invalid --set %q: want key=value", s)
	}
	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		value = raw
	}
	return assignment{path: strings.Split(key, "."), value: value}, nil
}

// setPath assigns value at the dotted path, creating intermediate mappings.
func setPath(m map[string]any, path []string, value any) error {
	for i, key := range path[:len(path)-1] {
		next, ok := m[key]
		if !ok || next == nil {
			child := map[string]any{}
			m[key] = child
			m = child
			continue
		}
		child, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("%s is a %T, not a mapping", strings.Join(path[:i+1], "."), next)
		}
		m = child
	}
	m[path[len(path)-1]] = value
	return nil
}

func unsetPath(m map[string]any, path []string) {
	for _, key := range path[:len(path)-1] {
		child, ok := m[key].(map[string]any)
		if !ok {
			return
		}
		m = child
	}
	delete(m, path[len(path)-1])
}
