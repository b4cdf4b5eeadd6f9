// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"zb.256lights.llc/icefarm"
)

// toolchain adapts a real compiler binary to the driver's external
// collaborator interfaces: it preprocesses source for remote dispatch
// and runs full local builds for loopback and fallback.
type toolchain struct {
	compiler string
}

// Start implements [icefarm.Preprocessor].
func (tc *toolchain) Start(ctx context.Context, job *icefarm.CompileJob, dst *os.File) (icefarm.Process, error) {
	args := []string{"-E"}
	args = append(args, job.RestFlags...)
	args = append(args, job.InputFile)
	cmd := exec.CommandContext(ctx, tc.compiler, args...)
	cmd.Stdout = dst
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		dst.Close()
		return nil, err
	}
	dst.Close()
	return process{cmd}, nil
}

// Build implements [icefarm.LocalBuilder].
func (tc *toolchain) Build(ctx context.Context, job *icefarm.CompileJob) (int, error) {
	args := append([]string{}, job.RemoteFlags...)
	args = append(args, job.RestFlags...)
	args = append(args, "-c", job.InputFile)
	if job.OutputFile != "" {
		args = append(args, "-o", job.OutputFile)
	}
	cmd := exec.CommandContext(ctx, tc.compiler, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	err := cmd.Run()
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode(), nil
	}
	if err != nil {
		return 0, err
	}
	return 0, nil
}

func (tc *toolchain) isClang(*icefarm.CompileJob) bool {
	return strings.Contains(tc.compiler, "clang")
}

// outputNeedsWorkaround reports compilers that interleave diagnostics
// with the object stream when run remotely. None of the toolchains
// this wrapper drives do.
func (tc *toolchain) outputNeedsWorkaround(*icefarm.CompileJob) bool {
	return false
}

// process wraps a started command as an [icefarm.Process].
type process struct {
	cmd *exec.Cmd
}

func (p process) Signal(sig os.Signal) error {
	return p.cmd.Process.Signal(sig)
}

func (p process) Wait() (int, error) {
	err := p.cmd.Wait()
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode(), nil
	}
	if err != nil {
		return 0, err
	}
	return 0, nil
}

func hasSuffix(s, suffix string) bool {
	return strings.HasSuffix(s, suffix)
}

func defaultOutputFile(input string) string {
	base := input
	if dot := strings.LastIndexByte(base, '.'); dot >= 0 {
		base = base[:dot]
	}
	return base + ".o"
}

func hostPlatform() string {
	switch runtime.GOARCH {
	case "amd64":
		return "x86_64"
	case "386":
		return "i386"
	case "arm64":
		return "aarch64"
	default:
		return runtime.GOARCH
	}
}
