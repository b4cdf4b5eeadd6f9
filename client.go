// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package icefarm

import (
	"context"
	"math/rand"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"zombiezen.com/go/log"

	"zb.256lights.llc/icefarm/internal/wire"
)

// replicaCount is the number of concurrent builds run for a job that
// is sampled into the reproducibility check.
const replicaCount = 3

// A Client dispatches compile jobs to the build farm through the local
// daemon. The zero value is not usable; Daemon, Preprocessor, and
// LocalBuilder must be set.
type Client struct {
	Daemon       *Daemon
	Preprocessor Preprocessor
	LocalBuilder LocalBuilder

	// DialChannel opens a channel to an assigned compile server.
	// If nil, [wire.Dial] is used.
	DialChannel func(ctx context.Context, host string, port uint16, timeout time.Duration) (*wire.Channel, error)

	// OutputNeedsWorkaround reports that the job's compiler mishandles
	// remote stdout/stderr and the job must be rebuilt locally when the
	// remote produced output. Nil means no workaround is ever needed.
	OutputNeedsWorkaround func(*CompileJob) bool

	// CompilerIsClang reports that the job's compiler is clang, which
	// excludes the job from replication sampling. Nil means not clang.
	CompilerIsClang func(*CompileJob) bool

	// Stdin, Stdout, and Stderr default to the process's own streams.
	// Streaming jobs read preprocessed source from Stdin and write the
	// object to Stdout; diagnostics go to Stdout/Stderr.
	Stdin  *os.File
	Stdout *os.File
	Stderr *os.File

	// PreferredHost is an opaque hint forwarded to the scheduler.
	PreferredHost string

	// RequireVerify refuses remotes that cannot run the environment
	// verification handshake.
	RequireVerify bool

	// ReplicationPermille is the per-mille fraction of eligible jobs
	// compiled on several hosts concurrently and cross-checked.
	ReplicationPermille int

	rngOnce sync.Once
	rng     *rand.Rand

	idOnce   sync.Once
	clientID string

	mu         sync.Mutex
	lastRemote string
}

// BuildRemote dispatches one compile job. rawEnvs is the catalog parsed
// from the user's environment declaration, still carrying archive
// paths.
//
// On success the remote compiler's exit code is returned. A recoverable
// error (see [IsRecoverable]) tells the caller to rebuild locally; any
// other error is fatal and numbered (see [CodeFromError]).
func (c *Client) BuildRemote(ctx context.Context, job *CompileJob, rawEnvs Environments) (int, error) {
	torepeat := 1
	if c.ReplicationPermille > 0 && !job.Streaming && !c.compilerIsClang(job) &&
		c.intn(1000) < c.ReplicationPermille {
		torepeat = replicaCount
	}
	log.Debugf(ctx, "%s compiled %d times on %s", job.InputFile, torepeat, job.TargetPlatform)

	envs, versionMap, versionfileMap := rawEnvs.RipOutPaths()
	if len(envs) == 0 {
		log.Errorf(ctx, "$ICECC_VERSION needs to point to .tar files")
		return 0, Errorf(ErrNoEnvironments, "$ICECC_VERSION needs to point to .tar files")
	}

	if torepeat == 1 {
		return c.buildSingle(ctx, job, envs, versionMap, versionfileMap)
	}
	return c.buildReplicated(ctx, job, envs, versionMap, versionfileMap)
}

func (c *Client) buildSingle(ctx context.Context, job *CompileJob, envs Environments, versionMap, versionfileMap map[string]string) (int, error) {
	// The single-build fingerprint folds the flags in so the scheduler
	// can tell apart compiles of the same file with different options.
	var fingerprint strings.Builder
	for _, flag := range job.RemoteFlags {
		fingerprint.WriteString("/" + flag)
	}
	for _, flag := range job.RestFlags {
		fingerprint.WriteString("/" + flag)
	}
	fingerprint.WriteString(AbsFilename(job.InputFile))

	err := c.Daemon.AskForCS(ctx, &wire.GetCS{
		Environments:  envs.wireEntries(),
		Filename:      fingerprint.String(),
		Language:      string(job.Language),
		Count:         1,
		Target:        job.TargetPlatform,
		ArgFlags:      job.ArgumentFlags,
		PreferredHost: c.PreferredHost,
		MinProtocol:   c.minimalRemoteVersion(),
		ClientID:      c.id(),
	})
	if err != nil {
		return 0, err
	}
	usecs, err := c.Daemon.GetServer(ctx)
	if err != nil {
		return 0, err
	}
	if done, ret, err := c.maybeBuildLocal(ctx, usecs, job); done || err != nil {
		return ret, err
	}
	return c.buildRemoteInt(ctx, job, usecs,
		versionMap[usecs.HostPlatform], versionfileMap[usecs.HostPlatform],
		"", true)
}

// minimalRemoteVersion returns the oldest remote protocol acceptable
// for this client's policy. Requiring verification raises the floor to
// the first version that speaks the VerifyEnv handshake.
func (c *Client) minimalRemoteVersion() uint32 {
	v := uint32(wire.MinProtocolVersion)
	if c.RequireVerify {
		v = max(v, wire.EnvVerifyProtocol)
	}
	return v
}

// LastRemoteHost returns the most recently assigned remote hostname,
// for diagnostics on crash paths.
func (c *Client) LastRemoteHost() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRemote
}

func (c *Client) setLastRemote(host string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastRemote = host
}

// intn draws from a PRNG seeded once per client from time and pid.
// Replication sampling and seed injection are not security sensitive.
func (c *Client) intn(n int) int {
	c.rngOnce.Do(func() {
		c.rng = rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(os.Getpid())))
	})
	return c.rng.Intn(n)
}

// id returns the invocation's correlation id sent with scheduler
// requests.
func (c *Client) id() string {
	c.idOnce.Do(func() {
		c.clientID = uuid.NewString()
	})
	return c.clientID
}

func (c *Client) compilerIsClang(job *CompileJob) bool {
	return c.CompilerIsClang != nil && c.CompilerIsClang(job)
}

func (c *Client) outputNeedsWorkaround(job *CompileJob) bool {
	return c.OutputNeedsWorkaround != nil && c.OutputNeedsWorkaround(job)
}

func (c *Client) stdin() *os.File {
	if c.Stdin != nil {
		return c.Stdin
	}
	return os.Stdin
}

func (c *Client) stdout() *os.File {
	if c.Stdout != nil {
		return c.Stdout
	}
	return os.Stdout
}

func (c *Client) stderr() *os.File {
	if c.Stderr != nil {
		return c.Stderr
	}
	return os.Stderr
}

func (c *Client) dial(ctx context.Context, host string, port uint16) (*wire.Channel, error) {
	if c.DialChannel != nil {
		return c.DialChannel(ctx, host, port, connectTimeout)
	}
	return wire.Dial(ctx, host, port, connectTimeout)
}
