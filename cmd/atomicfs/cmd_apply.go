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
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/AleutianAI/atomicfs/pkg/fileops"
	"github.com/AleutianAI/atomicfs/pkg/fileops/schema"
	"github.com/AleutianAI/atomicfs/pkg/ux"
	"github.com/AleutianAI/atomicfs/pkg/validation"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// plan is a transaction described in YAML. Relative paths are resolved
// against the plan file's directory and may not leave it.
//
//	operations:
//	  - op: write
//	    path: app.json
//	    format: json
//	    data: {name: svc}
//	  - op: copy
//	    src: app.json
//	    dst: app.json.release
//	  - op: delete
//	    path: stale.yaml
type plan struct {
	Operations []planOp `yaml:"operations"`
}

type planOp struct {
	Op     string `yaml:"op"`
	Path   string `yaml:"path"`
	Src    string `yaml:"src"`
	Dst    string `yaml:"dst"`
	Format string `yaml:"format"`
	Data   any    `yaml:"data"`
	Schema string `yaml:"schema"`
}

func loadPlan(path string) (*plan, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plan: %w", err)
	}
	var p plan
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("parsing plan %s: %w", path, err)
	}
	if len(p.Operations) == 0 {
		return nil, fmt.Errorf("plan %s has no operations", path)
	}
	base := filepath.Dir(path)
	for i := range p.Operations {
		op := &p.Operations[i]
		for _, field := range []*string{&op.Path, &op.Src, &op.Dst, &op.Schema} {
			if *field == "" {
				continue
			}
			resolved, err := validation.ResolveWithin(base, *field)
			if err != nil {
				return nil, fmt.Errorf("plan %s: operation %d: %w", path, i+1, err)
			}
			*field = resolved
		}
	}
	return &p, nil
}

// stage adds op to tx.
func (op planOp) stage(tx *fileops.Transaction) error {
	switch op.Op {
	case "write":
		f, err := resolveFormat(op.Format, op.Path)
		if err != nil {
			return err
		}
		data := op.Data
		if f == fileops.FormatText || f == fileops.FormatBinary {
			s, ok := data.(string)
			if !ok && data != nil {
				return fmt.Errorf("write %s: %s data must be a string", op.Path, f)
			}
			data = s
		}
		if op.Schema == "" {
			return tx.AddWrite(op.Path, data, f)
		}
		s, err := schema.FromFile(op.Schema)
		if err != nil {
			return err
		}
		return tx.AddWriteWithSchema(op.Path, data, f, s)
	case "copy":
		return tx.AddCopy(op.Src, op.Dst)
	case "move":
		return tx.AddMove(op.Src, op.Dst)
	case "delete":
		return tx.AddDelete(op.Path)
	case "":
		return errors.New("operation without op")
	default:
		return fmt.Errorf("unknown op %q", op.Op)
	}
}

func (a *app) applyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "apply <plan.yaml>",
		Short: "Apply a plan of writes, copies, moves and deletes as one transaction",
		Long: `Every operation in the plan is staged first, then applied in order. If any
operation fails, the ones already applied are reversed and nothing changes.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := loadPlan(args[0])
			if err != nil {
				return err
			}
			out, err := a.ops.Transaction(a.batchCtx(cmd.Context()), func(tx *fileops.Transaction) error {
				for i, op := range p.Operations {
					if err := op.stage(tx); err != nil {
						return fmt.Errorf("operation %d: %w", i+1, err)
					}
				}
				return nil
			})
			if err != nil {
				if out != nil {
					for _, r := range out.Reversed {
						a.printer.FileStatus(r, ux.IconWarning, "reversed")
					}
				}
				return err
			}
			for _, applied := range out.Applied {
				a.printer.FileStatus(applied, ux.IconSuccess, "")
			}
			a.printer.Success("transaction %s committed (%d operations)", out.TxID, len(out.Applied))
			return nil
		},
	}
}
