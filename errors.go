// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package icefarm

import (
	"errors"
	"fmt"
)

// ErrorCode is the stable number attached to a fatal protocol or
// network failure. Users grep these numbers out of build logs, so the
// values are an external contract and must not be renumbered.
type ErrorCode int

// Fatal error codes.
const (
	ErrExpectedUseCS     ErrorCode = 1
	ErrNoServer          ErrorCode = 2
	ErrStatVersionFile   ErrorCode = 4
	ErrOpenVersionFile   ErrorCode = 5
	ErrSendEnv           ErrorCode = 6
	ErrSendEnvEnd        ErrorCode = 8
	ErrSendCompileFile   ErrorCode = 9
	ErrPreprocessFork    ErrorCode = 10
	ErrOpenPreprocessed  ErrorCode = 11
	ErrSendEnd           ErrorCode = 12
	ErrUnexpectedResult  ErrorCode = 13
	ErrResultTimeout     ErrorCode = 14
	ErrSourceWrite       ErrorCode = 15
	ErrSourceRead        ErrorCode = 16
	ErrCPPFork           ErrorCode = 18
	ErrNetworkReceive    ErrorCode = 19
	ErrUnexpectedReceive ErrorCode = 20
	ErrObjectWrite       ErrorCode = 21
	ErrSendVerify        ErrorCode = 22
	ErrRemoteStatus      ErrorCode = 23
	ErrAskForCS          ErrorCode = 24
	ErrVerifyProtocol    ErrorCode = 25
	ErrCannotVerify      ErrorCode = 26
	ErrMiscReplication   ErrorCode = 27
	ErrLocalDaemonWrite  ErrorCode = 29
	ErrTempCloseRename   ErrorCode = 30
	ErrTempCreate        ErrorCode = 31

	// ErrNoEnvironments shares its number with ErrSendVerify: the
	// numbering predates this client and both uses are load-bearing in
	// log-scraping tools.
	ErrNoEnvironments ErrorCode = 22

	// ErrEnvironmentUnusable is raised after the remote fails the
	// environment verification handshake and the host has been
	// blacklisted with the local daemon.
	ErrEnvironmentUnusable ErrorCode = 24
)

// Recoverable error codes. A recoverable error tells the wrapper to
// rebuild on the local machine instead of failing the build.
const (
	ErrRemoteOutOfMemory ErrorCode = 101
	ErrOutputWorkaround  ErrorCode = 102
)

type codeError struct {
	code        ErrorCode
	recoverable bool
	err         error
}

// Error returns a new fatal error carrying the given code.
// Error panics if it is given a nil error.
func Error(code ErrorCode, err error) error {
	if err == nil {
		panic("icefarm.Error called with nil error")
	}
	return &codeError{code: code, err: err}
}

// Errorf is [Error] with formatting.
func Errorf(code ErrorCode, format string, args ...any) error {
	return &codeError{code: code, err: fmt.Errorf(format, args...)}
}

// Recoverablef returns a new recoverable error carrying the given
// code. The caller is expected to retry the build locally.
func Recoverablef(code ErrorCode, format string, args ...any) error {
	return &codeError{code: code, recoverable: true, err: fmt.Errorf(format, args...)}
}

// CodeFromError returns the error's [ErrorCode], if one has been
// assigned using [Error], [Errorf], or [Recoverablef].
func CodeFromError(err error) (_ ErrorCode, ok bool) {
	if e := (*codeError)(nil); errors.As(err, &e) {
		return e.code, true
	}
	return 0, false
}

// IsRecoverable reports whether err tells the caller to rebuild
// locally rather than fail the build.
func IsRecoverable(err error) bool {
	if e := (*codeError)(nil); errors.As(err, &e) {
		return e.recoverable
	}
	return false
}

func (e *codeError) Error() string {
	return fmt.Sprintf("error %d: %v", e.code, e.err)
}

func (e *codeError) Unwrap() error {
	return e.err
}
