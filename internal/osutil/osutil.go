// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

// Package osutil provides convenience functions for working with the local filesystem.
package osutil

import (
	"errors"
	"os"
	"syscall"
)

// Read reads from f into p, retrying reads interrupted by a signal.
// EINTR and EAGAIN are transparently retried; any other error is
// returned to the caller.
func Read(f *os.File, p []byte) (int, error) {
	for {
		n, err := f.Read(p)
		if err != nil && (errors.Is(err, syscall.EINTR) || errors.Is(err, syscall.EAGAIN)) {
			continue
		}
		return n, err
	}
}

// FileSize returns the size of the file at path, or 0 if it cannot be
// statted.
func FileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// CloseAndRename closes f and renames it from tmp to dst.
// On any failure tmp is removed and dst is left untouched.
func CloseAndRename(f *os.File, tmp, dst string) error {
	err := f.Close()
	if err == nil {
		err = os.Rename(tmp, dst)
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
