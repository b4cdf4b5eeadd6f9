// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

// Package wire implements the framed message protocol spoken between the
// build client, the local daemon, and remote compile servers.
//
// Every message on a channel is a frame of the form
// [tag:1][length:4 BE][body]. Control message bodies are CBOR-encoded;
// file chunk bodies carry a 4-byte uncompressed length followed by a
// zstd frame. A channel is strictly ordered and carries at most one
// in-flight outbound message at a time.
package wire

import "fmt"

// Tag identifies the kind of a framed message.
// Tags are protocol constants: changing them breaks wire compatibility.
type Tag uint8

const (
	// TagHello is exchanged once per direction when a channel is
	// established and carries the sender's protocol version.
	TagHello Tag = 0x01

	// TagGetCS asks the local daemon for a compile server assignment.
	TagGetCS Tag = 0x10
	// TagUseCS is the daemon's assignment reply.
	TagUseCS Tag = 0x11
	// TagCompileFile announces a compile job to a remote (or, for
	// loopback builds, to the local daemon).
	TagCompileFile Tag = 0x12
	// TagFileChunk carries a slice of a byte stream (preprocessed
	// source, an environment archive, or an object file).
	TagFileChunk Tag = 0x13
	// TagEnd terminates a chunked byte stream.
	TagEnd Tag = 0x14
	// TagCompileResult reports the remote compiler's outcome.
	TagCompileResult Tag = 0x15
	// TagEnvTransfer announces an environment archive upload.
	TagEnvTransfer Tag = 0x16
	// TagVerifyEnv asks a remote to verify an installed environment.
	TagVerifyEnv Tag = 0x17
	// TagVerifyEnvResult is the remote's verification verdict.
	TagVerifyEnvResult Tag = 0x18
	// TagBlacklistHostEnv tells the local daemon to stop assigning a
	// host for an environment.
	TagBlacklistHostEnv Tag = 0x19
	// TagJobDone reports completion statistics to the local daemon.
	TagJobDone Tag = 0x1a
	// TagStatusText carries free-form diagnostic text from the peer.
	TagStatusText Tag = 0x1b
)

// String returns the wire name of the tag.
func (t Tag) String() string {
	switch t {
	case TagHello:
		return "Hello"
	case TagGetCS:
		return "GetCS"
	case TagUseCS:
		return "UseCS"
	case TagCompileFile:
		return "CompileFile"
	case TagFileChunk:
		return "FileChunk"
	case TagEnd:
		return "End"
	case TagCompileResult:
		return "CompileResult"
	case TagEnvTransfer:
		return "EnvTransfer"
	case TagVerifyEnv:
		return "VerifyEnv"
	case TagVerifyEnvResult:
		return "VerifyEnvResult"
	case TagBlacklistHostEnv:
		return "BlacklistHostEnv"
	case TagJobDone:
		return "JobDone"
	case TagStatusText:
		return "StatusText"
	default:
		return fmt.Sprintf("Tag(0x%02x)", uint8(t))
	}
}

// Protocol versions.
const (
	// ProtocolVersion is the version this client speaks.
	ProtocolVersion = 34

	// MinProtocolVersion is the oldest remote protocol the client will
	// talk to at all.
	MinProtocolVersion = 21

	// EnvVerifyProtocol is the first protocol version that supports the
	// VerifyEnv handshake after an environment transfer.
	EnvVerifyProtocol = 31
)
