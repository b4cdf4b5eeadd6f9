// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

// Package filesum computes content digests of files on disk.
//
// The digest is used only to compare replica build outputs
// byte-for-byte on the local machine. It is not a security primitive.
package filesum

import (
	"crypto/md5"
	"encoding/hex"
	"io"
	"os"
)

const chunkSize = 40000

// MD5File returns the lowercase hex MD5 digest of the file's contents.
// It returns the empty string if the file cannot be opened or read;
// callers treat empty digests as never equal to anything.
func MD5File(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	h := md5.New()
	buf := make([]byte, chunkSize)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return ""
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}
