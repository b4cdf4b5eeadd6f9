// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package icefarm

import (
	"os"
	"strings"
)

// AbsFilename canonicalises a possibly-relative path into the absolute,
// "."- and ".."-free form used as a scheduler fingerprint.
//
// The rewrite is purely textual: "/.." becomes "/", "/./" becomes "/",
// and "//" becomes "/", repeatedly until none applies. The result is a
// stable identifier for scheduling, not necessarily a path resolving to
// the same inode as the input. AbsFilename is idempotent.
func AbsFilename(file string) string {
	if file == "" {
		return file
	}
	if file[0] != '/' {
		cwd, err := os.Getwd()
		if err == nil {
			file = cwd + "/" + file
		}
	}
	file = rewriteAll(file, "/..", "/")
	file = rewriteAll(file, "/./", "/")
	file = rewriteAll(file, "//", "/")
	return file
}

func rewriteAll(s, old, new string) string {
	for {
		idx := strings.Index(s, old)
		if idx < 0 {
			return s
		}
		s = s[:idx] + new + s[idx+len(old):]
	}
}
