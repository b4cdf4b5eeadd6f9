// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package icefarm

import (
	"context"
	"os"
	"time"

	"golang.org/x/sys/unix"
	"zombiezen.com/go/log"

	"zb.256lights.llc/icefarm/internal/osutil"
	"zb.256lights.llc/icefarm/internal/wire"
)

// loopbackEnvironmentVersion marks a loopback build in the job
// descriptor posted to the local daemon.
const loopbackEnvironmentVersion = "__client"

// maybeBuildLocal handles assignments that point back at the local
// machine. When the assigned hostname is the loopback address, the job
// runs through the local builder and the daemon is handed a JobDone
// with resource statistics so it can play scheduler proxy for us. The
// ICECC_TEST_REMOTEBUILD escape hatch (with a non-zero port override)
// forces such assignments down the real remote path instead.
//
// done reports whether the job was handled here.
func (c *Client) maybeBuildLocal(ctx context.Context, usecs *wire.UseCS, job *CompileJob) (done bool, exit int, err error) {
	c.setLastRemote(usecs.Hostname)

	if usecs.Hostname != "127.0.0.1" {
		return false, 0, nil
	}
	if os.Getenv("ICECC_TEST_REMOTEBUILD") != "" && usecs.Port != 0 {
		return false, 0, nil
	}
	log.Debugf(ctx, "building myself, but telling localhost")

	job.ID = usecs.JobID
	job.EnvironmentVersion = loopbackEnvironmentVersion
	if err := c.Daemon.SendCompileFile(ctx, job); err != nil {
		return false, 0, err
	}

	var before, after unix.Rusage
	unix.Getrusage(unix.RUSAGE_CHILDREN, &before)
	begin := time.Now()

	exit, err = c.LocalBuilder.Build(ctx, job)
	if err != nil {
		return true, exit, err
	}

	elapsed := time.Since(begin)
	unix.Getrusage(unix.RUSAGE_CHILDREN, &after)

	msg := &wire.JobDone{
		JobID:    usecs.JobID,
		ExitCode: int32(exit),
		From:     wire.FromSubmitter,
		RealMsec: uint32(elapsed.Milliseconds()),
		UserMsec: deltaMsec(after.Utime, before.Utime),
		SysMsec:  deltaMsec(after.Stime, before.Stime),
		PageFaults: uint32((after.Majflt - before.Majflt) +
			(after.Minflt - before.Minflt) +
			(after.Nswap - before.Nswap)),
	}
	msg.OutUncompressed = uint64(osutil.FileSize(job.OutputFile)) +
		uint64(osutil.FileSize(job.DWOFile()))

	if msg.UserMsec > 50 && msg.OutUncompressed > 1024 {
		log.Debugf(ctx, "speed=%f", float64(msg.OutUncompressed)/float64(msg.UserMsec))
	}

	if err := c.Daemon.JobDone(ctx, msg); err != nil {
		log.Warnf(ctx, "reporting job done to local daemon: %v", err)
	}
	return true, exit, nil
}

func deltaMsec(after, before unix.Timeval) uint32 {
	d := (after.Sec-before.Sec)*1000 + (after.Usec-before.Usec)/1000
	if d < 0 {
		return 0
	}
	return uint32(d)
}
