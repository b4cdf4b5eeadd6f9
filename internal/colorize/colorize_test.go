// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package colorize

import (
	"bytes"
	"strings"
	"testing"
)

func TestWritePassesPlainLinesThrough(t *testing.T) {
	var buf bytes.Buffer
	const text = "compiling foo.c\nall fine here\n"
	if err := Write(&buf, text); err != nil {
		t.Fatal(err)
	}
	if got := buf.String(); got != text {
		t.Errorf("Write = %q; want unchanged %q", got, text)
	}
}

func TestWriteKeepsDiagnosticText(t *testing.T) {
	var buf bytes.Buffer
	const text = "foo.c:3:1: error: expected ';'\nfoo.c:9:2: warning: unused variable\nfoo.c:12:8: note: declared here\n"
	if err := Write(&buf, text); err != nil {
		t.Fatal(err)
	}
	got := buf.String()
	for _, line := range []string{
		"foo.c:3:1: error: expected ';'",
		"foo.c:9:2: warning: unused variable",
		"foo.c:12:8: note: declared here",
	} {
		if !strings.Contains(got, line) {
			t.Errorf("output %q lost diagnostic line %q", got, line)
		}
	}
	if gotLines, wantLines := strings.Count(got, "\n"), strings.Count(text, "\n"); gotLines != wantLines {
		t.Errorf("output has %d lines; want %d", gotLines, wantLines)
	}
}

func TestWriteNoTrailingNewline(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, "partial line"); err != nil {
		t.Fatal(err)
	}
	if got := buf.String(); strings.HasSuffix(got, "\n") {
		t.Errorf("Write added a trailing newline: %q", got)
	}
}
