// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package icefarm

import (
	"context"
	"os"
	"slices"
	"strings"

	"zb.256lights.llc/icefarm/internal/wire"
)

// Language identifies the source language of a compile job as it is
// announced to the scheduler and the remote.
type Language string

// Languages understood by the farm.
const (
	LanguageC      Language = "C"
	LanguageCXX    Language = "C++"
	LanguageObjC   Language = "ObjC"
	LanguageCustom Language = "<custom>"
)

// A CompileJob is one compiler invocation to be dispatched.
// Its lifetime spans one call to [Client.BuildRemote]; the driver fills
// in ID and EnvironmentVersion once a host is assigned.
type CompileJob struct {
	ID uint32

	InputFile      string
	OutputFile     string
	TargetPlatform string
	Language       Language

	// RemoteFlags travel to the remote compiler, RestFlags are the
	// remainder of the command line, and ArgumentFlags is the opaque
	// bitmask the argument parser computed for the scheduler.
	RemoteFlags   []string
	RestFlags     []string
	ArgumentFlags uint32

	// Streaming means preprocessed source arrives on standard input
	// and the object is written to standard output.
	Streaming bool

	// DwarfFission means the compiler emits a .dwo debug sidecar next
	// to the object and both must be transferred.
	DwarfFission bool

	EnvironmentVersion string
}

// Clone returns a deep copy of the job.
func (j *CompileJob) Clone() *CompileJob {
	c := *j
	c.RemoteFlags = slices.Clone(j.RemoteFlags)
	c.RestFlags = slices.Clone(j.RestFlags)
	return &c
}

// DWOFile returns the path of the job's split-debug sidecar, derived
// from the output path by replacing its extension with ".dwo".
func (j *CompileJob) DWOFile() string {
	out := j.OutputFile
	if dot := strings.LastIndexByte(out, '.'); dot >= 0 {
		out = out[:dot]
	}
	return out + ".dwo"
}

// wireMessage converts the job to its wire representation.
func (j *CompileJob) wireMessage() *wire.CompileFile {
	return &wire.CompileFile{
		JobID:              j.ID,
		Language:           string(j.Language),
		RemoteFlags:        slices.Clone(j.RemoteFlags),
		RestFlags:          slices.Clone(j.RestFlags),
		EnvironmentVersion: j.EnvironmentVersion,
		TargetPlatform:     j.TargetPlatform,
		InputFile:          j.InputFile,
		OutputFile:         j.OutputFile,
		DwarfFission:       j.DwarfFission,
	}
}

// A Preprocessor runs the compiler front end to produce the
// preprocessed source byte stream for a job.
type Preprocessor interface {
	// Start launches the preprocessor writing into dst (a pipe write
	// end or a temporary file) and returns a handle for the running
	// process. Start takes ownership of dst and closes it in the
	// parent once the child holds it.
	Start(ctx context.Context, job *CompileJob, dst *os.File) (Process, error)
}

// A Process is a running subprocess owned by the driver.
type Process interface {
	// Signal delivers sig to the process.
	Signal(sig os.Signal) error
	// Wait blocks until the process exits and returns its exit code.
	// Wait retries waits interrupted by signals.
	Wait() (int, error)
}

// A LocalBuilder runs a compile job on the local machine.
// It is used for loopback assignments and as the wrapper's fallback
// after a recoverable remote failure.
type LocalBuilder interface {
	Build(ctx context.Context, job *CompileJob) (int, error)
}
