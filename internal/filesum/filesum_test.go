// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package filesum

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestMD5File(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name string
		data []byte
		want string
	}{
		{
			name: "empty",
			data: nil,
			want: "d41d8cd98f00b204e9800998ecf8427e",
		},
		{
			name: "hello",
			data: []byte("hello world\n"),
			want: "6f5902ac237024bdd0c176cb93063dc4",
		},
		{
			name: "multichunk",
			data: bytes.Repeat([]byte{0xab}, chunkSize*2+17),
			want: "0feac6f3559c736c7e5abe2ecab1ddfd",
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			path := filepath.Join(dir, test.name)
			if err := os.WriteFile(path, test.data, 0o666); err != nil {
				t.Fatal(err)
			}
			if got := MD5File(path); got != test.want {
				t.Errorf("MD5File(%q) = %q; want %q", path, got, test.want)
			}
		})
	}
}

func TestMD5FileMissing(t *testing.T) {
	if got := MD5File(filepath.Join(t.TempDir(), "nonexistent")); got != "" {
		t.Errorf("MD5File on missing file = %q; want empty", got)
	}
}

func TestMD5FileLength(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	if err := os.WriteFile(path, []byte("x"), 0o666); err != nil {
		t.Fatal(err)
	}
	if got := MD5File(path); len(got) != 32 {
		t.Errorf("digest %q has length %d; want 32", got, len(got))
	}
}
