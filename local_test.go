// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package icefarm

import (
	"os"
	"testing"

	"zb.256lights.llc/icefarm/internal/testcontext"
	"zb.256lights.llc/icefarm/internal/wire"
)

func TestLoopbackAssignmentBuildsLocally(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	dir := t.TempDir()
	job := testJob(dir)
	if err := os.WriteFile(job.OutputFile, []byte("locally built object"), 0o666); err != nil {
		t.Fatal(err)
	}

	jobCh := make(chan *wire.CompileFile, 1)
	doneCh := make(chan *wire.JobDone, 1)
	builder := &fakeLocalBuilder{exit: 3}

	c := &Client{
		Daemon: newTestDaemon(t, singleUseCS(t, &wire.UseCS{
			Hostname: "127.0.0.1",
			Port:     0,
			JobID:    7,
		}, nil, func(ch *wire.Channel) {
			msg, err := ch.Read(testTimeout)
			if err != nil {
				t.Errorf("daemon expecting CompileFile: %v", err)
				return
			}
			cf, ok := msg.(*wire.CompileFile)
			if !ok {
				t.Errorf("daemon expecting CompileFile, got %v", msg.Tag())
				return
			}
			jobCh <- cf
			msg, err = ch.Read(testTimeout)
			if err != nil {
				t.Errorf("daemon expecting JobDone: %v", err)
				return
			}
			jd, ok := msg.(*wire.JobDone)
			if !ok {
				t.Errorf("daemon expecting JobDone, got %v", msg.Tag())
				return
			}
			doneCh <- jd
		})),
		Preprocessor: &fakePreprocessor{data: []byte("src")},
		LocalBuilder: builder,
		DialChannel: dialScripted(t, map[string]func(*wire.Channel){
			// No hosts: dialing anything is a test failure.
		}),
	}

	status, err := c.BuildRemote(ctx, job, testEnvs("/envs/gcc-13.tar.gz"))
	if err != nil {
		t.Fatal(err)
	}
	if status != 3 {
		t.Errorf("BuildRemote = %d; want the local build's exit code 3", status)
	}
	if builder.calls != 1 {
		t.Errorf("local builder ran %d times; want 1", builder.calls)
	}

	cf := <-jobCh
	if cf.JobID != 7 {
		t.Errorf("CompileFile.JobID = %d; want 7", cf.JobID)
	}
	if want := "__client"; cf.EnvironmentVersion != want {
		t.Errorf("CompileFile.EnvironmentVersion = %q; want %q", cf.EnvironmentVersion, want)
	}

	jd := <-doneCh
	if jd.JobID != 7 {
		t.Errorf("JobDone.JobID = %d; want 7", jd.JobID)
	}
	if jd.From != wire.FromSubmitter {
		t.Errorf("JobDone.From = %d; want FromSubmitter", jd.From)
	}
	if jd.ExitCode != 3 {
		t.Errorf("JobDone.ExitCode = %d; want 3", jd.ExitCode)
	}
	if want := uint64(len("locally built object")); jd.OutUncompressed != want {
		t.Errorf("JobDone.OutUncompressed = %d; want %d", jd.OutUncompressed, want)
	}
}

func TestLoopbackOverridePortGoesRemote(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	t.Setenv("ICECC_TEST_REMOTEBUILD", "1")
	dir := t.TempDir()
	job := testJob(dir)

	builder := &fakeLocalBuilder{}
	c := &Client{
		Daemon: newTestDaemon(t, singleUseCS(t, &wire.UseCS{
			Hostname:     "127.0.0.1",
			Port:         10246,
			HostPlatform: "x86_64",
			GotEnv:       true,
		}, nil, nil)),
		Preprocessor: &fakePreprocessor{data: []byte("src")},
		LocalBuilder: builder,
		DialChannel: dialScripted(t, map[string]func(*wire.Channel){
			"127.0.0.1": func(ch *wire.Channel) {
				serveCompile(t, ch, &wire.CompileResult{Status: 0}, []byte("remote object"), nil)
			},
		}),
	}

	status, err := c.BuildRemote(ctx, job, testEnvs("/envs/gcc-13.tar.gz"))
	if err != nil {
		t.Fatal(err)
	}
	if status != 0 {
		t.Errorf("BuildRemote = %d; want 0", status)
	}
	if builder.calls != 0 {
		t.Errorf("local builder ran %d times; want 0 (test mode forces the remote path)", builder.calls)
	}
	got, err := os.ReadFile(job.OutputFile)
	if err != nil {
		t.Fatal(err)
	}
	if want := "remote object"; string(got) != want {
		t.Errorf("output = %q; want %q", got, want)
	}
}
