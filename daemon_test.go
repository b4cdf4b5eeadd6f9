// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package icefarm

import (
	"testing"

	"zb.256lights.llc/icefarm/internal/testcontext"
	"zb.256lights.llc/icefarm/internal/wire"
)

func TestGetServer(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	d := newTestDaemon(t, func(ch *wire.Channel) {
		ch.Send(&wire.UseCS{
			Hostname:     "farmhost",
			Port:         10246,
			JobID:        9,
			HostPlatform: "x86_64",
			GotEnv:       true,
			MatchedJobID: 4,
		})
	})
	usecs, err := d.GetServer(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if usecs.Hostname != "farmhost" || usecs.JobID != 9 || !usecs.GotEnv {
		t.Errorf("GetServer = %+v", usecs)
	}
}

func TestGetServerWrongTag(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	d := newTestDaemon(t, func(ch *wire.Channel) {
		ch.Send(&wire.StatusText{Text: "not an assignment"})
	})
	_, err := d.GetServer(ctx)
	if err == nil {
		t.Fatal("GetServer accepted a non-UseCS reply")
	}
	if code, ok := CodeFromError(err); !ok || code != ErrExpectedUseCS {
		t.Errorf("CodeFromError(%v) = %d, %t; want %d, true", err, code, ok, ErrExpectedUseCS)
	}
}

func TestGetServerChannelDown(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	d := newTestDaemon(t, func(ch *wire.Channel) {
		// Close without replying.
	})
	_, err := d.GetServer(ctx)
	if code, ok := CodeFromError(err); !ok || code != ErrExpectedUseCS {
		t.Errorf("CodeFromError(%v) = %d, %t; want %d, true", err, code, ok, ErrExpectedUseCS)
	}
}
