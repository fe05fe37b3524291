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
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/spf13/afero"
)

// ChecksumAlgorithm names the digest used for integrity verification.
const ChecksumAlgorithm = "sha256"

// ChecksumBytes returns the hex SHA-256 digest of data.
func ChecksumBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ChecksumFile streams path through SHA-256 and returns the hex digest.
func ChecksumFile(fsys afero.Fs, path string) (string, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s for checksum: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("reading %s for checksum: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyFile recomputes the digest of path and compares it with expected.
//
// # Outputs
//
//   - error: *IntegrityError on mismatch, a wrapped I/O error if the file
//     cannot be read, nil otherwise.
func VerifyFile(fsys afero.Fs, path, expected string) error {
	actual, err := ChecksumFile(fsys, path)
	if err != nil {
		return err
	}
	if actual != expected {
		return &IntegrityError{Path: path, Expected: expected, Actual: actual}
	}
	return nil
}
