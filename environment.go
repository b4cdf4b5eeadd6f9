// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package icefarm

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
	"zombiezen.com/go/log"

	"zb.256lights.llc/icefarm/internal/wire"
)

// minEnvironmentSize is the smallest archive accepted as a compile
// environment. Anything below this is a stub or a truncated upload.
const minEnvironmentSize = 500

// An Environment names a shippable compile environment for one
// platform. Before [Environments.RipOutPaths], Version is the archive
// path on disk; afterwards it is the stable version identifier
// exchanged over the wire.
type Environment struct {
	Platform string
	Version  string
}

// Environments is the catalog of environments the client may ship.
// A platform appears at most once.
type Environments []Environment

// archiveSuffixes are the recognized environment archive suffixes,
// checked in order.
var archiveSuffixes = []string{".tar.bz2", ".tar.gz", ".tar", ".tgz"}

// ParseEnvironments parses a user-declared environment string of the
// form "plat:archive[=prefix],..." into a catalog.
//
// Items without a platform default to targetPlatform. If any item in
// raw carries an "=prefix" tag, the string is in tagged mode: untagged
// items are discarded when prefix is non-empty, and tagged items are
// kept only when their tag equals prefix. Entries that are not
// readable regular files of at least 500 bytes are rejected with a
// logged error. The first accepted entry per platform wins.
func ParseEnvironments(ctx context.Context, raw, targetPlatform, prefix string) Environments {
	var envs Environments
	tagged := strings.Contains(raw, "=")

	for _, item := range strings.Split(raw, ",") {
		if item == "" {
			continue
		}
		platform := targetPlatform
		version := item
		if colon := strings.IndexByte(item, ':'); colon >= 0 {
			platform = item[:colon]
			version = item[colon+1:]
		}
		if tagged {
			if eq := strings.IndexByte(version, '='); eq >= 0 {
				if version[eq+1:] != prefix {
					continue
				}
				version = version[:eq]
			} else if prefix != "" {
				continue
			}
		}
		if hasPlatform(envs, platform) {
			log.Errorf(ctx, "there are two environments for platform %s - ignoring %s", platform, version)
			continue
		}
		if unix.Access(version, unix.R_OK) != nil {
			log.Errorf(ctx, "$ICECC_VERSION has to point to an existing file to be installed %s", version)
			continue
		}
		info, err := os.Lstat(version)
		if err != nil || !info.Mode().IsRegular() || info.Size() < minEnvironmentSize {
			log.Errorf(ctx, "$ICECC_VERSION has to point to an existing file to be installed %s", version)
			continue
		}
		envs = append(envs, Environment{Platform: platform, Version: version})
	}
	return envs
}

func hasPlatform(envs Environments, platform string) bool {
	for _, e := range envs {
		if e.Platform == platform {
			return true
		}
	}
	return false
}

// RipOutPaths strips the archive suffix from every entry, returning
// the filtered catalog plus two parallel maps keyed by platform:
// versionMap holds the suffix-free version identifiers and
// versionfileMap the absolute archive paths. Entries whose path ends
// in no recognized suffix are silently dropped.
func (envs Environments) RipOutPaths() (Environments, map[string]string, map[string]string) {
	versionMap := make(map[string]string)
	versionfileMap := make(map[string]string)
	var out Environments

	for _, e := range envs {
		for _, suffix := range archiveSuffixes {
			if stripped, ok := strings.CutSuffix(e.Version, suffix); ok && stripped != "" {
				versionfile := e.Version
				if abs, err := filepath.Abs(versionfile); err == nil {
					versionfile = abs
				}
				versionfileMap[e.Platform] = versionfile
				version := filepath.Base(stripped)
				versionMap[e.Platform] = version
				out = append(out, Environment{Platform: e.Platform, Version: version})
				break
			}
		}
	}
	return out, versionMap, versionfileMap
}

// wireEntries converts the catalog to its wire representation.
func (envs Environments) wireEntries() []wire.EnvironmentEntry {
	entries := make([]wire.EnvironmentEntry, 0, len(envs))
	for _, e := range envs {
		entries = append(entries, wire.EnvironmentEntry{Platform: e.Platform, Version: e.Version})
	}
	return entries
}
