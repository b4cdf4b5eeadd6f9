// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package icefarm

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"zb.256lights.llc/icefarm/internal/wire"
)

const testTimeout = 5 * time.Second

// newTestDaemon wires a [Daemon] to a scripted peer running in its own
// goroutine.
func newTestDaemon(t *testing.T, script func(ch *wire.Channel)) *Daemon {
	t.Helper()
	cc, sc := net.Pipe()
	go func() {
		ch, err := wire.NewChannel(sc, "client")
		if err != nil {
			t.Errorf("daemon handshake: %v", err)
			return
		}
		defer ch.Close()
		script(ch)
	}()
	ch, err := wire.NewChannel(cc, "localhost")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ch.Close() })
	return NewDaemon(ch)
}

// dialScripted returns a DialChannel hook that connects each hostname
// to its scripted remote.
func dialScripted(t *testing.T, scripts map[string]func(ch *wire.Channel)) func(context.Context, string, uint16, time.Duration) (*wire.Channel, error) {
	return func(ctx context.Context, host string, port uint16, timeout time.Duration) (*wire.Channel, error) {
		script, ok := scripts[host]
		if !ok {
			return nil, fmt.Errorf("unexpected dial to %s:%d", host, port)
		}
		cc, sc := net.Pipe()
		go func() {
			ch, err := wire.NewChannel(sc, "client")
			if err != nil {
				t.Errorf("remote %s handshake: %v", host, err)
				return
			}
			defer ch.Close()
			script(ch)
		}()
		return wire.NewChannel(cc, host)
	}
}

// readStream consumes FileChunk messages up to the trailing End and
// returns the reassembled bytes.
func readStream(t *testing.T, ch *wire.Channel) []byte {
	t.Helper()
	var buf bytes.Buffer
	for {
		msg, err := ch.Read(testTimeout)
		if err != nil {
			t.Errorf("reading stream: %v", err)
			return buf.Bytes()
		}
		switch msg := msg.(type) {
		case *wire.End:
			return buf.Bytes()
		case *wire.FileChunk:
			buf.Write(msg.Data)
		default:
			t.Errorf("reading stream: unexpected %v", msg.Tag())
			return buf.Bytes()
		}
	}
}

// sendStream sends data as a chunked byte stream followed by End.
func sendStream(t *testing.T, ch *wire.Channel, data []byte) {
	t.Helper()
	if len(data) > 0 {
		if err := ch.Send(&wire.FileChunk{Data: data}); err != nil {
			t.Errorf("sending stream: %v", err)
			return
		}
	}
	if err := ch.Send(new(wire.End)); err != nil {
		t.Errorf("sending stream end: %v", err)
	}
}

// serveCompile scripts the remote side of a normal compile: it expects
// CompileFile plus the source stream, replies with result, and on
// success streams the object (and optional dwo sidecar).
func serveCompile(t *testing.T, ch *wire.Channel, result *wire.CompileResult, object, dwo []byte) *wire.CompileFile {
	t.Helper()
	msg, err := ch.Read(testTimeout)
	if err != nil {
		t.Errorf("expecting CompileFile: %v", err)
		return nil
	}
	cf, ok := msg.(*wire.CompileFile)
	if !ok {
		t.Errorf("expecting CompileFile, got %v", msg.Tag())
		return nil
	}
	readStream(t, ch)
	if err := ch.Send(result); err != nil {
		t.Errorf("sending result: %v", err)
		return cf
	}
	if result.Status == 0 {
		sendStream(t, ch, object)
		if result.HaveDWOFile {
			sendStream(t, ch, dwo)
		}
	}
	return cf
}

type fakeProcess struct {
	exit int
}

func (p fakeProcess) Signal(os.Signal) error { return nil }
func (p fakeProcess) Wait() (int, error)     { return p.exit, nil }

// fakePreprocessor writes fixed bytes into the destination and exits
// with the configured code.
type fakePreprocessor struct {
	data []byte
	exit int
}

func (p *fakePreprocessor) Start(ctx context.Context, job *CompileJob, dst *os.File) (Process, error) {
	if p.exit == 0 {
		dst.Write(p.data)
	}
	dst.Close()
	return fakeProcess{p.exit}, nil
}

type fakeLocalBuilder struct {
	exit int

	mu      sync.Mutex
	calls   int
	lastJob *CompileJob
}

func (b *fakeLocalBuilder) Build(ctx context.Context, job *CompileJob) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	b.lastJob = job.Clone()
	return b.exit, nil
}

// testEnvs is a one-platform catalog. The archive path does not need
// to exist unless the scenario ships the environment.
func testEnvs(archive string) Environments {
	return Environments{{Platform: "x86_64", Version: archive}}
}

func testJob(dir string) *CompileJob {
	return &CompileJob{
		InputFile:      "/src/foo.c",
		OutputFile:     filepath.Join(dir, "out.o"),
		TargetPlatform: "x86_64",
		Language:       LanguageC,
	}
}

// singleUseCS scripts a daemon that answers one GetCS with one UseCS
// and then runs rest (which may be nil).
func singleUseCS(t *testing.T, usecs *wire.UseCS, check func(*wire.GetCS), rest func(ch *wire.Channel)) func(ch *wire.Channel) {
	return func(ch *wire.Channel) {
		msg, err := ch.Read(testTimeout)
		if err != nil {
			t.Errorf("daemon expecting GetCS: %v", err)
			return
		}
		getcs, ok := msg.(*wire.GetCS)
		if !ok {
			t.Errorf("daemon expecting GetCS, got %v", msg.Tag())
			return
		}
		if check != nil {
			check(getcs)
		}
		if err := ch.Send(usecs); err != nil {
			t.Errorf("daemon sending UseCS: %v", err)
			return
		}
		if rest != nil {
			rest(ch)
		}
	}
}
