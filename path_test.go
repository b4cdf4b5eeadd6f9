// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package icefarm

import (
	"os"
	"testing"
)

func TestAbsFilename(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"", ""},
		{"/src/foo.c", "/src/foo.c"},
		{"/src//foo.c", "/src/foo.c"},
		{"/src/./foo.c", "/src/foo.c"},
		{"/src/../foo.c", "/src/foo.c"},
		{"/a/b/../../c.c", "/a/b/c.c"},
		{"/a/.//b.c", "/a/b.c"},
		{"////x.c", "/x.c"},
	}
	for _, test := range tests {
		if got := AbsFilename(test.path); got != test.want {
			t.Errorf("AbsFilename(%q) = %q; want %q", test.path, got, test.want)
		}
	}
}

func TestAbsFilenameRelative(t *testing.T) {
	cwd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	got := AbsFilename("foo.c")
	if want := cwd + "/foo.c"; got != want {
		t.Errorf("AbsFilename(foo.c) = %q; want %q", got, want)
	}
}

func TestAbsFilenameIdempotent(t *testing.T) {
	paths := []string{
		"/src/foo.c",
		"/a/b/../c//./d.c",
		"relative/path.c",
		"/trailing/..",
	}
	for _, path := range paths {
		once := AbsFilename(path)
		if twice := AbsFilename(once); twice != once {
			t.Errorf("AbsFilename(AbsFilename(%q)) = %q; want %q", path, twice, once)
		}
	}
}
