// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package wire

// Message is a decoded protocol message.
// The concrete types in this package are the closed set of messages
// a channel can carry.
type Message interface {
	// Tag returns the frame tag the message travels under.
	Tag() Tag
}

// Hello is the channel handshake message.
type Hello struct {
	Protocol uint32 `cbor:"protocol"`
}

// Tag implements [Message].
func (*Hello) Tag() Tag { return TagHello }

// EnvironmentEntry is one (platform, version) pair of the environment
// catalog as it travels in a [GetCS].
type EnvironmentEntry struct {
	Platform string `cbor:"platform"`
	Version  string `cbor:"version"`
}

// GetCS asks the scheduler (through the local daemon) for count compile
// server assignments.
type GetCS struct {
	Environments  []EnvironmentEntry `cbor:"envs"`
	Filename      string             `cbor:"filename"`
	Language      string             `cbor:"lang"`
	Count         uint32             `cbor:"count"`
	Target        string             `cbor:"target"`
	ArgFlags      uint32             `cbor:"arg_flags"`
	PreferredHost string             `cbor:"preferred_host,omitempty"`
	MinProtocol   uint32             `cbor:"min_proto"`
	// ClientID correlates this invocation's scheduler requests in
	// cross-host logs. Diagnostic only.
	ClientID string `cbor:"client_id,omitempty"`
}

// Tag implements [Message].
func (*GetCS) Tag() Tag { return TagGetCS }

// UseCS is the scheduler's assignment of a compile server.
type UseCS struct {
	Hostname     string `cbor:"hostname"`
	Port         uint16 `cbor:"port"`
	JobID        uint32 `cbor:"job_id"`
	HostPlatform string `cbor:"host_platform"`
	// GotEnv reports that the assigned host already has the job's
	// environment installed.
	GotEnv bool `cbor:"got_env"`
	// MatchedJobID is diagnostic only.
	MatchedJobID uint32 `cbor:"matched_job_id"`
}

// Tag implements [Message].
func (*UseCS) Tag() Tag { return TagUseCS }

// CompileFile announces a compile job.
// The receiver expects zero or more [FileChunk] messages followed by an
// [End] before it replies with a [CompileResult].
type CompileFile struct {
	JobID              uint32   `cbor:"job_id"`
	Language           string   `cbor:"lang"`
	RemoteFlags        []string `cbor:"remote_flags"`
	RestFlags          []string `cbor:"rest_flags"`
	EnvironmentVersion string   `cbor:"env_version"`
	TargetPlatform     string   `cbor:"target"`
	InputFile          string   `cbor:"input_file"`
	OutputFile         string   `cbor:"output_file"`
	DwarfFission       bool     `cbor:"dwarf_fission"`
}

// Tag implements [Message].
func (*CompileFile) Tag() Tag { return TagCompileFile }

// FileChunk carries a slice of a chunked byte stream.
// Data is always the uncompressed payload; the wire representation is
// zstd-compressed and CompressedLen records its on-wire size after a
// round trip through a channel.
type FileChunk struct {
	Data          []byte
	CompressedLen int
}

// Tag implements [Message].
func (*FileChunk) Tag() Tag { return TagFileChunk }

// End terminates a chunked byte stream.
type End struct{}

// Tag implements [Message].
func (*End) Tag() Tag { return TagEnd }

// CompileResult reports the outcome of a remote compilation.
type CompileResult struct {
	Status int32  `cbor:"status"`
	Stdout string `cbor:"out"`
	Stderr string `cbor:"err"`
	// OutOfMemory reports that the remote killed the compiler for
	// memory pressure; the client should rebuild locally.
	OutOfMemory bool `cbor:"oom"`
	// HaveDWOFile announces a split-debug sidecar following the object.
	HaveDWOFile bool `cbor:"have_dwo"`
}

// Tag implements [Message].
func (*CompileResult) Tag() Tag { return TagCompileResult }

// EnvTransfer announces an environment archive upload.
type EnvTransfer struct {
	Platform string `cbor:"platform"`
	Version  string `cbor:"version"`
}

// Tag implements [Message].
func (*EnvTransfer) Tag() Tag { return TagEnvTransfer }

// VerifyEnv asks the remote to verify that a previously transferred
// environment is usable.
type VerifyEnv struct {
	Platform string `cbor:"platform"`
	Version  string `cbor:"version"`
}

// Tag implements [Message].
func (*VerifyEnv) Tag() Tag { return TagVerifyEnv }

// VerifyEnvResult is the remote's answer to a [VerifyEnv].
type VerifyEnvResult struct {
	OK bool `cbor:"ok"`
}

// Tag implements [Message].
func (*VerifyEnvResult) Tag() Tag { return TagVerifyEnvResult }

// BlacklistHostEnv tells the local daemon that a host can never run a
// given environment and must not be assigned it again.
type BlacklistHostEnv struct {
	Platform string `cbor:"platform"`
	Version  string `cbor:"version"`
	Hostname string `cbor:"hostname"`
}

// Tag implements [Message].
func (*BlacklistHostEnv) Tag() Tag { return TagBlacklistHostEnv }

// JobDoneFrom distinguishes who reports a completed job.
type JobDoneFrom uint8

// Values for [JobDone.From].
const (
	FromServer    JobDoneFrom = 0
	FromSubmitter JobDoneFrom = 1
)

// JobDone reports completion statistics for a job so the local daemon
// can forward them to the scheduler.
type JobDone struct {
	JobID    uint32      `cbor:"job_id"`
	ExitCode int32       `cbor:"exit_code"`
	From     JobDoneFrom `cbor:"from"`

	RealMsec        uint32 `cbor:"real_msec"`
	UserMsec        uint32 `cbor:"user_msec"`
	SysMsec         uint32 `cbor:"sys_msec"`
	PageFaults      uint32 `cbor:"pfaults"`
	OutUncompressed uint64 `cbor:"out_uncompressed"`
}

// Tag implements [Message].
func (*JobDone) Tag() Tag { return TagJobDone }

// StatusText carries free-form diagnostic text from the peer.
// It may arrive at any point of a conversation.
type StatusText struct {
	Text string `cbor:"text"`
}

// Tag implements [Message].
func (*StatusText) Tag() Tag { return TagStatusText }
