// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

// Package colorize highlights compiler diagnostics by severity.
package colorize

import (
	"io"
	"os"
	"strings"

	"github.com/muesli/termenv"
	"golang.org/x/term"
)

// Wanted reports whether diagnostics written to f should be colourized.
func Wanted(f *os.File) bool {
	if os.Getenv("TERM") == "dumb" {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

// Write writes compiler diagnostics to w one line at a time,
// colouring lines that carry an error, warning, or note marker.
// Lines without a marker pass through unchanged.
func Write(w io.Writer, text string) error {
	out := termenv.NewOutput(w)
	for len(text) > 0 {
		line, rest := text, ""
		newline := ""
		if i := strings.IndexByte(text, '\n'); i >= 0 {
			line, rest = text[:i], text[i+1:]
			newline = "\n"
		}
		text = rest
		styled := line
		switch {
		case strings.Contains(line, "error:") || strings.Contains(line, "undefined reference"):
			styled = out.String(line).Foreground(termenv.ANSIRed).String()
		case strings.Contains(line, "warning:"):
			styled = out.String(line).Foreground(termenv.ANSIYellow).String()
		case strings.Contains(line, "note:"):
			styled = out.String(line).Foreground(termenv.ANSICyan).String()
		}
		if _, err := io.WriteString(w, styled+newline); err != nil {
			return err
		}
	}
	return nil
}
