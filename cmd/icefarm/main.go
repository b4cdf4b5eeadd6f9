// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"

	"github.com/spf13/cobra"
	"zombiezen.com/go/bass/sigterm"
	"zombiezen.com/go/log"

	"zb.256lights.llc/icefarm"
	"zb.256lights.llc/icefarm/internal/clientconfig"
)

type globalConfig struct {
	configPath string
	daemonAddr string
}

func main() {
	rootCommand := &cobra.Command{
		Use:           "icefarm [options] INPUT",
		Short:         "remote compile driver",
		SilenceErrors: true,
		SilenceUsage:  true,
		Args:          cobra.ExactArgs(1),
	}

	g := &globalConfig{
		configPath: clientconfig.DefaultPath(),
	}
	rootCommand.PersistentFlags().StringVar(&g.configPath, "config", g.configPath, "`path` to client config file")
	rootCommand.PersistentFlags().StringVar(&g.daemonAddr, "daemon", "", "local daemon `addr`ess (host:port)")
	showDebug := rootCommand.PersistentFlags().Bool("debug", false, "show debugging output")

	opts := new(buildOptions)
	rootCommand.Flags().StringVarP(&opts.output, "output", "o", "", "object `file` to write")
	rootCommand.Flags().StringVar(&opts.platform, "platform", hostPlatform(), "target `platform`")
	rootCommand.Flags().StringVar(&opts.language, "language", "", "source `lang`uage (C, C++, ObjC); inferred from the input suffix if empty")
	rootCommand.Flags().StringVar(&opts.compiler, "compiler", "gcc", "compiler `binary` driving preprocessing and local fallback")
	rootCommand.Flags().StringArrayVar(&opts.remoteFlags, "remote-flag", nil, "compiler `flag` forwarded to the remote (repeatable)")
	rootCommand.Flags().StringArrayVar(&opts.restFlags, "rest-flag", nil, "compiler `flag` of the remaining command line (repeatable)")
	rootCommand.Flags().Uint32Var(&opts.argFlags, "arg-flags", 0, "argument-parser `flags` forwarded to the scheduler")
	rootCommand.Flags().BoolVar(&opts.streaming, "stream", false, "read preprocessed source from stdin, write the object to stdout")
	rootCommand.Flags().BoolVar(&opts.splitDwarf, "split-dwarf", false, "expect a .dwo debug sidecar beside the object")
	rootCommand.Flags().IntVar(&opts.permille, "permille", -1, "per-mille fraction of jobs compiled on several hosts and compared (-1 uses the config file)")
	rootCommand.Flags().BoolVar(&opts.requireVerified, "require-verified", false, "refuse hosts that cannot verify environments")

	rootCommand.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		initLogging(*showDebug)
		return nil
	}
	exitCode := 0
	rootCommand.RunE = func(cmd *cobra.Command, args []string) error {
		opts.input = args[0]
		var err error
		exitCode, err = runBuild(cmd.Context(), g, opts)
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), sigterm.Signals()...)
	err := rootCommand.ExecuteContext(ctx)
	cancel()
	if err != nil {
		initLogging(*showDebug)
		log.Errorf(context.Background(), "%v", err)
		os.Exit(1)
	}
	os.Exit(exitCode)
}

type buildOptions struct {
	input           string
	output          string
	platform        string
	language        string
	compiler        string
	remoteFlags     []string
	restFlags       []string
	argFlags        uint32
	streaming       bool
	splitDwarf      bool
	permille        int
	requireVerified bool
}

func runBuild(ctx context.Context, g *globalConfig, opts *buildOptions) (int, error) {
	cfg, err := clientconfig.Load(g.configPath)
	if err != nil {
		return 0, err
	}
	if g.daemonAddr != "" {
		cfg.DaemonAddr = g.daemonAddr
	}
	if opts.permille >= 0 {
		cfg.ReplicationPermille = opts.permille
	}
	if opts.requireVerified {
		cfg.RequireVerify = true
	}
	if cfg.EnvironmentsSpec == "" {
		return 0, errors.New("ICECC_VERSION is not set and no environments are configured")
	}

	job := &icefarm.CompileJob{
		InputFile:      opts.input,
		OutputFile:     opts.output,
		TargetPlatform: opts.platform,
		Language:       jobLanguage(opts),
		RemoteFlags:    opts.remoteFlags,
		RestFlags:      opts.restFlags,
		ArgumentFlags:  opts.argFlags,
		Streaming:      opts.streaming,
		DwarfFission:   opts.splitDwarf,
	}
	if job.OutputFile == "" && !job.Streaming {
		job.OutputFile = defaultOutputFile(job.InputFile)
	}

	envs := icefarm.ParseEnvironments(ctx, cfg.EnvironmentsSpec, job.TargetPlatform, "")

	daemon, err := icefarm.OpenDaemon(ctx, cfg.DaemonAddr)
	if err != nil {
		return 0, err
	}
	defer daemon.Close()

	tc := &toolchain{compiler: opts.compiler}
	client := &icefarm.Client{
		Daemon:                daemon,
		Preprocessor:          tc,
		LocalBuilder:          tc,
		CompilerIsClang:       tc.isClang,
		OutputNeedsWorkaround: tc.outputNeedsWorkaround,
		PreferredHost:         cfg.PreferredHost,
		RequireVerify:         cfg.RequireVerify,
		ReplicationPermille:   cfg.ReplicationPermille,
	}

	status, err := client.BuildRemote(ctx, job, envs)
	if icefarm.IsRecoverable(err) {
		log.Infof(ctx, "falling back to local build: %v", err)
		return tc.Build(ctx, job)
	}
	if err != nil {
		if host := client.LastRemoteHost(); host != "" {
			return 0, fmt.Errorf("building on %s: %w", host, err)
		}
		return 0, err
	}
	return status, nil
}

func jobLanguage(opts *buildOptions) icefarm.Language {
	switch opts.language {
	case "C":
		return icefarm.LanguageC
	case "C++":
		return icefarm.LanguageCXX
	case "ObjC":
		return icefarm.LanguageObjC
	case "":
		return inferLanguage(opts.input)
	default:
		return icefarm.LanguageCustom
	}
}

func inferLanguage(input string) icefarm.Language {
	switch {
	case hasSuffix(input, ".c"):
		return icefarm.LanguageC
	case hasSuffix(input, ".cc"), hasSuffix(input, ".cpp"), hasSuffix(input, ".cxx"), hasSuffix(input, ".C"):
		return icefarm.LanguageCXX
	case hasSuffix(input, ".m"), hasSuffix(input, ".mm"):
		return icefarm.LanguageObjC
	default:
		return icefarm.LanguageCustom
	}
}

var initLogOnce sync.Once

func initLogging(showDebug bool) {
	initLogOnce.Do(func() {
		minLogLevel := log.Info
		if showDebug {
			minLogLevel = log.Debug
		}
		log.SetDefault(&log.LevelFilter{
			Min:    minLogLevel,
			Output: log.New(os.Stderr, "icefarm: ", log.StdFlags, nil),
		})
	})
}
