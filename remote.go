// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package icefarm

import (
	"context"
	"io"
	"os"
	"syscall"
	"time"

	"zombiezen.com/go/log"
	"zombiezen.com/go/xcontext"

	"zb.256lights.llc/icefarm/internal/colorize"
	"zb.256lights.llc/icefarm/internal/osutil"
	"zb.256lights.llc/icefarm/internal/wire"
)

const (
	// connectTimeout bounds connection establishment to a compile
	// server.
	connectTimeout = 10 * time.Second

	// verifyTimeout bounds the wait for a VerifyEnvResult.
	verifyTimeout = 60 * time.Second

	// chunkTimeout bounds each message read while receiving a file.
	chunkTimeout = 40 * time.Second

	// resultTimeout bounds the wait for the CompileResult.
	resultTimeout = 12 * time.Minute

	// failurePollTimeout is spent looking for a StatusText that
	// explains why the remote tore the connection down, before a send
	// failure is raised.
	failurePollTimeout = 2 * time.Second
)

// sourceBufferSize is the streaming buffer; one FileChunk is emitted
// every time it fills.
const sourceBufferSize = 100000

// checkForFailure converts a StatusText from the peer into the fatal
// remote-status error, logging the text.
func checkForFailure(ctx context.Context, msg wire.Message, ch *wire.Channel) error {
	if st, ok := msg.(*wire.StatusText); ok {
		log.Errorf(ctx, "Remote status (compiled on %s): %s", ch.Name(), st.Text)
		return Errorf(ErrRemoteStatus, "remote status (compiled on %s): %s", ch.Name(), st.Text)
	}
	return nil
}

// writeSource streams src to the channel in bounded chunks.
// src is closed before writeSource returns, on every path. The caller
// emits the trailing End.
func writeSource(ctx context.Context, src *os.File, ch *wire.Channel) error {
	buf := make([]byte, sourceBufferSize)
	offset := 0
	uncompressed, compressed := 0, 0

	for {
		n, err := osutil.Read(src, buf[offset:])
		eof := err == io.EOF
		if err != nil && !eof {
			log.Errorf(ctx, "reading source: %v", err)
			src.Close()
			return Errorf(ErrSourceRead, "error reading local cpp file: %v", err)
		}
		offset += n

		if eof || offset == len(buf) {
			if offset > 0 {
				chunk := &wire.FileChunk{Data: buf[:offset]}
				if err := ch.Send(chunk); err != nil {
					// The remote may have torn the connection down for
					// a reason it already told us about.
					if msg, rerr := ch.Read(failurePollTimeout); rerr == nil {
						if ferr := checkForFailure(ctx, msg, ch); ferr != nil {
							src.Close()
							return ferr
						}
					}
					log.Errorf(ctx, "write of source chunk to host %s: %v", ch.Name(), err)
					src.Close()
					return Errorf(ErrSourceWrite, "write to host %s failed: %v", ch.Name(), err)
				}
				uncompressed += len(chunk.Data)
				compressed += chunk.CompressedLen
				offset = 0
			}
			if eof {
				break
			}
		}
	}

	if compressed > 0 {
		log.Debugf(ctx, "sent %d bytes (%d%%)", compressed, compressed*100/uncompressed)
	}
	src.Close()
	return nil
}

// receiveToWriter receives one chunked byte stream into w,
// terminating on End.
func receiveToWriter(ctx context.Context, w io.Writer, ch *wire.Channel) error {
	uncompressed, compressed := 0, 0
	for {
		msg, err := ch.Read(chunkTimeout)
		if err != nil {
			return Errorf(ErrNetworkReceive, "receiving from %s (network failure?): %v", ch.Name(), err)
		}
		if err := checkForFailure(ctx, msg, ch); err != nil {
			return err
		}
		switch msg := msg.(type) {
		case *wire.End:
			if uncompressed > 0 {
				log.Debugf(ctx, "got %d bytes (%d%%)", compressed, compressed*100/uncompressed)
			}
			return nil
		case *wire.FileChunk:
			compressed += msg.CompressedLen
			uncompressed += len(msg.Data)
			if _, err := w.Write(msg.Data); err != nil {
				return Errorf(ErrObjectWrite, "error writing file: %v", err)
			}
		default:
			return Errorf(ErrUnexpectedReceive, "unexpected message %v while receiving file", msg.Tag())
		}
	}
}

// receiveFile receives one chunked byte stream, publishing it at
// outputFile only once fully written. The write goes to a sibling
// temp file that is renamed on success and unlinked on any failure,
// so outputFile is never a truncated in-progress write.
func receiveFile(ctx context.Context, outputFile string, ch *wire.Channel) error {
	tmp := outputFile + "_icetmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o666)
	if err != nil {
		log.Errorf(ctx, "can't create %s: %v", tmp, err)
		return Errorf(ErrTempCreate, "can't create %s: %v", tmp, err)
	}
	if err := receiveToWriter(ctx, f, ch); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := osutil.CloseAndRename(f, tmp, outputFile); err != nil {
		return Errorf(ErrTempCloseRename, "error closing temp file: %v", err)
	}
	return nil
}

// transferEnvironment ships the environment archive to the remote and,
// when the remote is new enough, verifies it landed usable.
func (c *Client) transferEnvironment(ctx context.Context, ch *wire.Channel, job *CompileJob, versionFile string) error {
	log.Debugf(ctx, "transferring environment %s (%s) to %s", job.EnvironmentVersion, job.TargetPlatform, ch.Name())
	if _, err := os.Stat(versionFile); err != nil {
		log.Errorf(ctx, "error stat'ing version file: %v", err)
		return Errorf(ErrStatVersionFile, "unable to stat version file: %v", err)
	}
	if err := ch.Send(&wire.EnvTransfer{Platform: job.TargetPlatform, Version: job.EnvironmentVersion}); err != nil {
		return Errorf(ErrSendEnv, "send environment to remote failed: %v", err)
	}
	f, err := os.Open(versionFile)
	if err != nil {
		return Errorf(ErrOpenVersionFile, "unable to open version file:\n\t%s: %v", versionFile, err)
	}
	if err := writeSource(ctx, f, ch); err != nil {
		return err
	}
	if err := ch.Send(&wire.End{}); err != nil {
		log.Errorf(ctx, "write of environment failed")
		return Errorf(ErrSendEnvEnd, "write environment to remote failed: %v", err)
	}

	if ch.Protocol() >= wire.EnvVerifyProtocol {
		if err := ch.Send(&wire.VerifyEnv{Platform: job.TargetPlatform, Version: job.EnvironmentVersion}); err != nil {
			return Errorf(ErrSendVerify, "error sending environment: %v", err)
		}
		msg, err := ch.Read(verifyTimeout)
		if err != nil {
			return Errorf(ErrVerifyProtocol, "error verifying environment on remote: %v", err)
		}
		result, ok := msg.(*wire.VerifyEnvResult)
		if !ok {
			return Errorf(ErrVerifyProtocol, "error verifying environment on remote: got %v", msg.Tag())
		}
		if !result.OK {
			// The remote can't handle the environment at all (e.g.
			// kernel too old); mark it as never to be used again for
			// this environment.
			log.Infof(ctx, "Host %s did not successfully verify environment.", ch.Name())
			if err := c.Daemon.BlacklistHostEnv(ctx, job.TargetPlatform, job.EnvironmentVersion, ch.Name()); err != nil {
				log.Warnf(ctx, "blacklisting %s: %v", ch.Name(), err)
			}
			return Errorf(ErrEnvironmentUnusable, "remote %s unable to handle environment", ch.Name())
		}
		log.Debugf(ctx, "Verified host %s for environment %s (%s)", ch.Name(), job.EnvironmentVersion, job.TargetPlatform)
	}
	return nil
}

// buildRemoteInt runs one compile job against one assigned host.
// emit controls whether remote stdout/stderr are written to the user;
// in replication mode only slot 0 emits.
func (c *Client) buildRemoteInt(ctx context.Context, job *CompileJob, usecs *wire.UseCS, version, versionFile, preprocFile string, emit bool) (status int, err error) {
	job.ID = usecs.JobID
	job.EnvironmentVersion = version // hoping on the scheduler's wisdom
	log.Debugf(ctx, "Have to use host %s:%d - Job ID: %d - env: %s - has env: %t - match j: %d",
		usecs.Hostname, usecs.Port, job.ID, usecs.HostPlatform, usecs.GotEnv, usecs.MatchedJobID)

	ch, err := c.dial(ctx, usecs.Hostname, usecs.Port)
	if err != nil {
		log.Errorf(ctx, "no server found behind given hostname %s:%d", usecs.Hostname, usecs.Port)
		return 0, Errorf(ErrNoServer, "no server found at %s: %v", usecs.Hostname, err)
	}
	defer func() {
		if err != nil {
			drainPendingStatus(ctx, ch)
		}
		ch.Close()
	}()

	if !usecs.GotEnv {
		if err := c.transferEnvironment(ctx, ch, job, versionFile); err != nil {
			return 0, err
		}
	}
	if ch.Protocol() < wire.EnvVerifyProtocol && c.RequireVerify {
		log.Warnf(ctx, "Host %s cannot be verified.", ch.Name())
		return 0, Errorf(ErrCannotVerify, "environment on %s cannot be verified", ch.Name())
	}

	if err := ch.Send(job.wireMessage()); err != nil {
		log.Infof(ctx, "write of job failed")
		return 0, Errorf(ErrSendCompileFile, "error sending file to remote: %v", err)
	}

	switch {
	case job.Streaming:
		if err := writeSource(ctx, c.stdin(), ch); err != nil {
			return 0, err
		}
	case preprocFile == "":
		pr, pw, perr := os.Pipe()
		if perr != nil {
			return 0, Errorf(ErrCPPFork, "unable to create preprocessor pipe: %v", perr)
		}
		proc, perr := c.Preprocessor.Start(ctx, job, pw)
		if perr != nil {
			pr.Close()
			pw.Close()
			return 0, Errorf(ErrCPPFork, "unable to start preprocessor: %v", perr)
		}
		if err := writeSource(ctx, pr, ch); err != nil {
			proc.Signal(syscall.SIGTERM)
			proc.Wait()
			return 0, err
		}
		cppStatus, werr := proc.Wait()
		if werr != nil {
			return 0, Errorf(ErrCPPFork, "wait for preprocessor: %v", werr)
		}
		if cppStatus != 0 {
			// A failing preprocessor is the user's compile error, not
			// a remote failure.
			return cppStatus, nil
		}
	default:
		f, oerr := os.Open(preprocFile)
		if oerr != nil {
			return 0, Errorf(ErrOpenPreprocessed, "unable to open preprocessed file: %v", oerr)
		}
		if err := writeSource(ctx, f, ch); err != nil {
			return 0, err
		}
	}

	if err := ch.Send(&wire.End{}); err != nil {
		log.Infof(ctx, "write of end failed")
		return 0, Errorf(ErrSendEnd, "failed to send file to remote: %v", err)
	}

	msg, rerr := ch.Read(resultTimeout)
	if rerr != nil {
		return 0, Errorf(ErrResultTimeout, "error reading message from remote: %v", rerr)
	}
	if ferr := checkForFailure(ctx, msg, ch); ferr != nil {
		return 0, ferr
	}
	crmsg, ok := msg.(*wire.CompileResult)
	if !ok {
		log.Warnf(ctx, "waited for compile result, but got %v", msg.Tag())
		return 0, Errorf(ErrUnexpectedResult, "did not get compile response message")
	}
	status = int(crmsg.Status)

	if status != 0 && crmsg.OutOfMemory {
		log.Infof(ctx, "the server ran out of memory, recompiling locally")
		return 0, Recoverablef(ErrRemoteOutOfMemory, "the server ran out of memory, recompiling locally")
	}

	if emit {
		if (crmsg.Stdout != "" || crmsg.Stderr != "") && c.outputNeedsWorkaround(job) {
			log.Infof(ctx, "command needs stdout/stderr workaround, recompiling locally")
			return 0, Recoverablef(ErrOutputWorkaround, "command needs stdout/stderr workaround, recompiling locally")
		}
		io.WriteString(c.stdout(), crmsg.Stdout)
		if colorize.Wanted(c.stderr()) {
			colorize.Write(c.stderr(), crmsg.Stderr)
		} else {
			io.WriteString(c.stderr(), crmsg.Stderr)
		}
		if status != 0 && (crmsg.Stdout != "" || crmsg.Stderr != "") {
			log.Errorf(ctx, "Compiled on %s", usecs.Hostname)
		}
	}

	if status == 0 {
		if job.Streaming {
			if err := receiveToWriter(ctx, c.stdout(), ch); err != nil {
				return 0, err
			}
		} else {
			if err := receiveFile(ctx, job.OutputFile, ch); err != nil {
				return 0, err
			}
			if crmsg.HaveDWOFile {
				if err := receiveFile(ctx, job.DWOFile(), ch); err != nil {
					return 0, err
				}
			}
		}
	}
	return status, nil
}

// drainPendingStatus pulls any queued StatusText messages off the
// channel before it is closed on an error path, so late remote
// diagnostics reach the log. The context is detached: the drain still
// runs when the request context is already cancelled.
func drainPendingStatus(ctx context.Context, ch *wire.Channel) {
	ctx = xcontext.Detach(ctx)
	for {
		msg, err := ch.Read(0)
		if err != nil {
			return
		}
		if st, ok := msg.(*wire.StatusText); ok {
			log.Errorf(ctx, "Remote status (compiled on %s): %s", ch.Name(), st.Text)
		}
	}
}
