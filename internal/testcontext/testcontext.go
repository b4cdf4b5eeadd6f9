// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

// Package testcontext builds contexts for tests that log through the
// test's own logger and respect its deadline.
package testcontext

import (
	"context"
	"testing"
	"time"

	"zombiezen.com/go/log/testlog"
)

// New returns a context that associates the test logger with the test
// and obeys the test's deadline if present.
func New(tb testing.TB) (context.Context, context.CancelFunc) {
	ctx := context.Background()
	cancel := context.CancelFunc(func() {})
	if d, ok := deadline(tb); ok {
		ctx, cancel = context.WithDeadline(ctx, d)
	}
	return testlog.WithTB(ctx, tb), cancel
}

func deadline(tb testing.TB) (time.Time, bool) {
	d, ok := tb.(interface {
		Deadline() (time.Time, bool)
	})
	if !ok {
		return time.Time{}, false
	}
	return d.Deadline()
}
