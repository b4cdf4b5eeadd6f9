// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package icefarm

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"zombiezen.com/go/log"

	"zb.256lights.llc/icefarm/internal/wire"
)

// schedulerReplyTimeout bounds the wait for a UseCS assignment.
const schedulerReplyTimeout = 4 * time.Minute

// daemonConnectTimeout bounds connection establishment to the local
// daemon.
const daemonConnectTimeout = 10 * time.Second

// A Daemon is the client's connection to the co-located daemon that
// brokers the scheduler. The channel is shared between assignment
// requests and completion reports; only one operation is in flight on
// it at a time.
type Daemon struct {
	mu sync.Mutex
	ch *wire.Channel
}

// OpenDaemon connects to the local daemon at addr (host:port).
func OpenDaemon(ctx context.Context, addr string) (*Daemon, error) {
	d := &net.Dialer{Timeout: daemonConnectTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connect to local daemon: %w", err)
	}
	ch, err := wire.NewChannel(conn, "localhost")
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("connect to local daemon: %w", err)
	}
	return NewDaemon(ch), nil
}

// NewDaemon wraps an established channel to the local daemon.
func NewDaemon(ch *wire.Channel) *Daemon {
	return &Daemon{ch: ch}
}

// Close closes the daemon channel.
func (d *Daemon) Close() error {
	return d.ch.Close()
}

// AskForCS submits an assignment request to the scheduler through the
// daemon. The daemon answers with one UseCS per requested replica,
// retrieved with [Daemon.GetServer].
func (d *Daemon) AskForCS(ctx context.Context, req *wire.GetCS) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.ch.Send(req); err != nil {
		log.Warnf(ctx, "asked for CS: %v", err)
		return Errorf(ErrAskForCS, "asked for CS: %v", err)
	}
	return nil
}

// GetServer awaits one compile server assignment.
// Any reply other than UseCS, and any timeout, is fatal.
func (d *Daemon) GetServer(ctx context.Context) (*wire.UseCS, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	msg, err := d.ch.Read(schedulerReplyTimeout)
	if err != nil {
		log.Warnf(ctx, "replied not with use_cs: %v", err)
		return nil, Errorf(ErrExpectedUseCS, "expected use_cs reply: %v", err)
	}
	usecs, ok := msg.(*wire.UseCS)
	if !ok {
		log.Warnf(ctx, "replied not with use_cs but %v", msg.Tag())
		return nil, Errorf(ErrExpectedUseCS, "expected use_cs reply, but got %v", msg.Tag())
	}
	return usecs, nil
}

// SendCompileFile posts the job descriptor to the daemon.
// Used on the loopback path so the daemon can account for the build.
func (d *Daemon) SendCompileFile(ctx context.Context, job *CompileJob) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.ch.Send(job.wireMessage()); err != nil {
		log.Infof(ctx, "write of job failed: %v", err)
		return Errorf(ErrLocalDaemonWrite, "write of job failed: %v", err)
	}
	return nil
}

// JobDone reports completion statistics so the daemon can proxy them
// to the scheduler.
func (d *Daemon) JobDone(ctx context.Context, msg *wire.JobDone) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ch.Send(msg)
}

// BlacklistHostEnv marks host as permanently unable to run the given
// environment so the scheduler never assigns the pair again.
func (d *Daemon) BlacklistHostEnv(ctx context.Context, platform, version, host string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ch.Send(&wire.BlacklistHostEnv{
		Platform: platform,
		Version:  version,
		Hostname: host,
	})
}
