// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package icefarm

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/sync/errgroup"
	"zombiezen.com/go/log"

	"zb.256lights.llc/icefarm/internal/filesum"
	"zb.256lights.llc/icefarm/internal/wire"
)

// replicaMiscExit is the sentinel exit code of a replica that never
// produced a real result. Such replicas are free to fail for
// miscellaneous reasons and are skipped during reconciliation.
const replicaMiscExit = 42

// buildReplicated compiles one job on several hosts concurrently off a
// shared preprocessed file and verifies the outputs agree. A
// divergence preserves the slot-0 object and the preprocessed source
// as ".caught" sidecars for post-mortem analysis.
func (c *Client) buildReplicated(ctx context.Context, job *CompileJob, envs Environments, versionMap, versionfileMap map[string]string) (int, error) {
	preprocF, err := os.CreateTemp("", "icecc*.ix")
	if err != nil {
		return 0, Errorf(ErrTempCreate, "unable to create temporary preprocessed file: %v", err)
	}
	preproc := preprocF.Name()
	defer os.Remove(preproc)

	proc, err := c.Preprocessor.Start(ctx, job, preprocF)
	if err != nil {
		return 0, Errorf(ErrPreprocessFork, "unable to start preprocessor: %v", err)
	}
	status, err := proc.Wait()
	if err != nil {
		return 0, Errorf(ErrPreprocessFork, "wait for preprocessor: %v", err)
	}
	if status != 0 {
		return status, nil
	}

	// All replicas get the same seed so compiler features that inject
	// random tokens still produce bit-identical objects.
	job.RemoteFlags = append(job.RemoteFlags, fmt.Sprintf("-frandom-seed=%d", c.intn(1<<30)))

	err = c.Daemon.AskForCS(ctx, &wire.GetCS{
		Environments:  envs.wireEntries(),
		Filename:      AbsFilename(job.InputFile),
		Language:      string(job.Language),
		Count:         replicaCount,
		Target:        job.TargetPlatform,
		ArgFlags:      job.ArgumentFlags,
		PreferredHost: c.PreferredHost,
		MinProtocol:   c.minimalRemoteVersion(),
		ClientID:      c.id(),
	})
	if err != nil {
		return 0, err
	}

	n := replicaCount
	jobs := make([]*CompileJob, n)
	umsgs := make([]*wire.UseCS, n)
	removeReplicaOutputs := func(from int) {
		for i := from; i < n && jobs[i] != nil; i++ {
			removeOutputs(jobs[i])
		}
	}

	for i := 0; i < n; i++ {
		jobs[i] = job.Clone()
		if i > 0 {
			tmp, err := os.CreateTemp("", "icecc*.o")
			if err != nil {
				removeReplicaOutputs(1)
				return 0, Errorf(ErrTempCreate, "unable to create temporary output file: %v", err)
			}
			tmp.Close()
			jobs[i].OutputFile = tmp.Name()
		}
		umsgs[i], err = c.Daemon.GetServer(ctx)
		if err != nil {
			removeReplicaOutputs(1)
			return 0, err
		}
		c.setLastRemote(umsgs[i].Hostname)
		log.Debugf(ctx, "got_server_for_job %s", umsgs[i].Hostname)
	}

	exitCodes := make([]int, n)
	for i := range exitCodes {
		exitCodes[i] = replicaMiscExit
	}

	// One worker per replica. Each owns its own channel and output
	// path; only slot 0 emits user-facing diagnostics. A worker that
	// fails with any error is the misc-error case: the first failure
	// cancels the group and reconciliation is skipped.
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			done, ret, err := c.maybeBuildLocal(gctx, umsgs[i], jobs[i])
			if err == nil && !done {
				ret, err = c.buildRemoteInt(gctx, jobs[i], umsgs[i],
					versionMap[umsgs[i].HostPlatform], versionfileMap[umsgs[i].HostPlatform],
					preproc, i == 0)
			}
			if err != nil {
				log.Infof(gctx, "replica build on %s failed: %v", umsgs[i].Hostname, err)
				return err
			}
			exitCodes[i] = ret
			return nil
		})
	}
	miscError := g.Wait() != nil

	if miscError {
		removeOutputs(jobs[0])
		removeReplicaOutputs(1)
		return 0, Errorf(ErrMiscReplication, "misc error")
	}

	firstMD5 := filesum.MD5File(jobs[0].OutputFile)
	final := exitCodes[0]
	caught := false
	for i := 1; i < n; i++ {
		if exitCodes[0] == 0 && !caught && exitCodes[i] != replicaMiscExit {
			if exitCodes[i] != 0 {
				log.Errorf(ctx, "%s compiled with exit code %d and %s compiled with exit code %d - aborting!",
					umsgs[i].Hostname, exitCodes[i], umsgs[0].Hostname, exitCodes[0])
				removeOutputs(jobs[0])
				final = -1
				caught = true
			} else if otherMD5 := filesum.MD5File(jobs[i].OutputFile); otherMD5 != firstMD5 {
				log.Errorf(ctx, "%s compiled %s with md5 sum %s (%s) and %s compiled with md5 sum %s - aborting!",
					umsgs[i].Hostname, jobs[0].OutputFile, otherMD5, jobs[i].OutputFile,
					umsgs[0].Hostname, firstMD5)
				os.Rename(jobs[0].OutputFile, jobs[0].OutputFile+".caught")
				os.Rename(preproc, preproc+".caught")
				if jobs[0].DwarfFission {
					os.Rename(jobs[0].DWOFile(), jobs[0].DWOFile()+".caught")
				}
				final = -1
				caught = true
			}
		}
		// Replica outputs are removed unconditionally, including when
		// slot 0 failed.
		removeOutputs(jobs[i])
	}
	return final, nil
}

func removeOutputs(job *CompileJob) {
	os.Remove(job.OutputFile)
	if job.DwarfFission {
		os.Remove(job.DWOFile())
	}
}
