// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package fileops

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

const (
	// BackupSuffix is appended to a path to name its pre-overwrite backup.
	BackupSuffix = ".backup"

	// DeletedBackupSuffix is appended to a path to name its pre-delete backup.
	DeletedBackupSuffix = ".deleted_backup"

	tempSuffix     = ".tmp"
	rollbackSuffix = ".rollback"
)

// BackupPath returns the single-slot backup location for path.
func BackupPath(path string) string { return path + BackupSuffix }

// DeletedBackupPath returns the backup location used before path is deleted.
func DeletedBackupPath(path string) string { return path + DeletedBackupSuffix }

func uniqueToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// tempName returns a hidden sibling of dest: ".<base>.<token>.tmp".
func tempName(dest string) string {
	dir, base := filepath.Split(dest)
	return filepath.Join(dir, "."+base+"."+uniqueToken()+tempSuffix)
}

// rollbackName returns the internal rollback copy for dest in transaction txID.
func rollbackName(dest, txID string) string {
	dir, base := filepath.Split(dest)
	return filepath.Join(dir, "."+base+"."+txID+rollbackSuffix)
}

// IsTempArtifact reports whether name looks like a staging file left by
// this package.
func IsTempArtifact(name string) bool {
	base := filepath.Base(name)
	return strings.HasPrefix(base, ".") &&
		(strings.HasSuffix(base, tempSuffix) || strings.HasSuffix(base, rollbackSuffix))
}

func statIfExists(fsys afero.Fs, path string) (os.FileInfo, error) {
	info, err := fsys.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return info, err
}

func removeQuiet(fsys afero.Fs, path string) error {
	if path == "" {
		return nil
	}
	if err := fsys.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// syncDir fsyncs dir so a completed rename survives a crash. Filesystems
// that cannot sync directories report an error the caller may ignore.
func syncDir(fsys afero.Fs, dir string) error {
	d, err := fsys.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

type stageOpts struct {
	perm     os.FileMode
	sync     bool
	progress io.Writer
	chunk    int
}

// writeTemp writes data to a fresh temp sibling of dest and returns its
// name. The temp file is removed if any step fails.
func writeTemp(fsys afero.Fs, dest string, data []byte, so stageOpts) (tmp string, err error) {
	tmp = tempName(dest)
	f, err := fsys.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, so.perm)
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	defer func() {
		if err != nil {
			f.Close()
			_ = removeQuiet(fsys, tmp)
			tmp = ""
		}
	}()

	chunk := so.chunk
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	prog := newProgress(so.progress, filepath.Base(dest), int64(len(data)))
	for off := 0; off < len(data); off += chunk {
		end := min(off+chunk, len(data))
		n, werr := f.Write(data[off:end])
		prog.add(n)
		if werr != nil {
			return tmp, fmt.Errorf("writing temp file: %w", werr)
		}
	}
	prog.finish()

	if so.sync {
		if err = f.Sync(); err != nil {
			return tmp, fmt.Errorf("syncing temp file: %w", err)
		}
	}
	if err = f.Close(); err != nil {
		return tmp, fmt.Errorf("closing temp file: %w", err)
	}
	// OpenFile is subject to umask
	if err = fsys.Chmod(tmp, so.perm); err != nil {
		return tmp, fmt.Errorf("setting temp file mode: %w", err)
	}
	return tmp, nil
}

// stageCopy copies src into a fresh temp sibling of dest and returns the
// temp name, the SHA-256 of the bytes read, and the size.
//
// Sources larger than threshold are streamed through a chunk-sized buffer
// and ctx is checked between chunks; smaller ones are read whole.
func stageCopy(ctx context.Context, fsys afero.Fs, src, dest string, threshold int64, so stageOpts) (tmp, digest string, size int64, err error) {
	info, err := fsys.Stat(src)
	if err != nil {
		return "", "", 0, fmt.Errorf("stat source: %w", err)
	}
	if info.IsDir() {
		return "", "", 0, fmt.Errorf("source %s is a directory", src)
	}
	if so.perm == 0 {
		so.perm = info.Mode().Perm()
	}

	if info.Size() <= threshold {
		data, err := afero.ReadFile(fsys, src)
		if err != nil {
			return "", "", 0, fmt.Errorf("reading source: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return "", "", 0, err
		}
		tmp, err := writeTemp(fsys, dest, data, so)
		if err != nil {
			return "", "", 0, err
		}
		return tmp, ChecksumBytes(data), int64(len(data)), nil
	}

	in, err := fsys.Open(src)
	if err != nil {
		return "", "", 0, fmt.Errorf("opening source: %w", err)
	}
	defer in.Close()

	tmp = tempName(dest)
	out, err := fsys.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, so.perm)
	if err != nil {
		return "", "", 0, fmt.Errorf("creating temp file: %w", err)
	}
	defer func() {
		if err != nil {
			out.Close()
			_ = removeQuiet(fsys, tmp)
			tmp = ""
		}
	}()

	chunk := so.chunk
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	buf := make([]byte, chunk)
	h := sha256.New()
	prog := newProgress(so.progress, filepath.Base(dest), info.Size())
	for {
		if err = ctx.Err(); err != nil {
			return tmp, "", 0, err
		}
		n, rerr := in.Read(buf)
		if n > 0 {
			if _, err = out.Write(buf[:n]); err != nil {
				return tmp, "", 0, fmt.Errorf("writing temp file: %w", err)
			}
			h.Write(buf[:n])
			size += int64(n)
			prog.add(n)
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			err = fmt.Errorf("reading source: %w", rerr)
			return tmp, "", 0, err
		}
	}
	prog.finish()

	if so.sync {
		if err = out.Sync(); err != nil {
			return tmp, "", 0, fmt.Errorf("syncing temp file: %w", err)
		}
	}
	if err = out.Close(); err != nil {
		return tmp, "", 0, fmt.Errorf("closing temp file: %w", err)
	}
	if err = fsys.Chmod(tmp, so.perm); err != nil {
		return tmp, "", 0, fmt.Errorf("setting temp file mode: %w", err)
	}
	return tmp, hex.EncodeToString(h.Sum(nil)), size, nil
}

// copyAtomic publishes a copy of src at dst via temp file and rename. Used
// for backups, which must be complete on disk before the original changes.
func copyAtomic(ctx context.Context, fsys afero.Fs, src, dst string, threshold int64, so stageOpts) error {
	tmp, _, _, err := stageCopy(ctx, fsys, src, dst, threshold, so)
	if err != nil {
		return err
	}
	if err := fsys.Rename(tmp, dst); err != nil {
		_ = removeQuiet(fsys, tmp)
		return fmt.Errorf("publishing %s: %w", dst, err)
	}
	if so.sync {
		_ = syncDir(fsys, filepath.Dir(dst))
	}
	return nil
}
