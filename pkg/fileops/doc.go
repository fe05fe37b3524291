// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package fileops performs all-or-nothing file mutations.
//
// Every write goes through a hidden temp file in the destination directory
// that is fsynced and then renamed over the destination, so readers observe
// either the old content or the complete new content, never a mix.
//
// # Components
//
//   - Writer: a scoped write of one file (Open, WithWriter, WriteFile)
//   - Manager: JSON and YAML read-modify-write, safe copy and move, delete
//     with backup, rotation
//   - Transaction: several writes, copies, moves and deletes applied in
//     order and rolled back together on failure
//   - RecoveryManager: the LIFO stack of recovery points behind rollback
//   - ChecksumBytes, ChecksumFile, VerifyFile: SHA-256 integrity checks
//
// Operations are recorded in an audit.Trail when one is configured with
// WithAudit. Schemas from the schema subpackage gate structured payloads
// before anything touches disk.
//
// # Errors
//
// Failures are reported as one of three types:
//
//   - *ValidationError: the payload failed its schema (errors.Is ErrValidation)
//   - *IntegrityError: the staged bytes did not match the payload digest
//     (errors.Is ErrIntegrity)
//   - *AtomicWriteError: everything else, including transaction rollbacks
//     (errors.Is ErrRolledBack)
//
// # Backups
//
// With WithBackup(true) an existing destination is copied to <path>.backup
// before it is replaced. Deletes always copy to <path>.deleted_backup. Both
// are kept after commit and after rollback until removed by the caller.
//
// # Concurrency
//
// Writers on distinct paths are independent. Writers or transactions on the
// same path are not serialized unless a lock.PathLocker is supplied with
// WithLocker; the last rename wins.
//
// # Usage
//
//	m := fileops.NewManager(fileops.WithBackup(true), fileops.WithAudit(trail))
//	err := m.UpdateJSON(ctx, "settings.json", func(cur map[string]any) (map[string]any, error) {
//	    cur["theme"] = "dark"
//	    return cur, nil
//	})
//
//	outcome, err := fileops.WithTransaction(ctx, func(tx *fileops.Transaction) error {
//	    if err := tx.AddWrite("a.json", a, fileops.FormatJSON); err != nil {
//	        return err
//	    }
//	    return tx.AddDelete("stale.json")
//	})
package fileops
