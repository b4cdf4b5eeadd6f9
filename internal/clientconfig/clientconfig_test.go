// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package clientconfig

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ICECC_VERSION", "")
	t.Setenv("ICECC_PREFERRED_HOST", "")
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if want := "127.0.0.1:10245"; cfg.DaemonAddr != want {
		t.Errorf("DaemonAddr = %q; want %q", cfg.DaemonAddr, want)
	}
	if cfg.ReplicationPermille != 0 {
		t.Errorf("ReplicationPermille = %d; want 0", cfg.ReplicationPermille)
	}
}

func TestLoadFile(t *testing.T) {
	t.Setenv("ICECC_VERSION", "")
	t.Setenv("ICECC_PREFERRED_HOST", "")
	path := filepath.Join(t.TempDir(), "config.yaml")
	const doc = `daemon_addr: "10.0.0.2:10245"
environments: "x86_64:/envs/gcc-13.tar.gz"
preferred_host: bighost
require_verified: true
replication_permille: 10
`
	if err := os.WriteFile(path, []byte(doc), 0o666); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DaemonAddr != "10.0.0.2:10245" {
		t.Errorf("DaemonAddr = %q", cfg.DaemonAddr)
	}
	if cfg.EnvironmentsSpec != "x86_64:/envs/gcc-13.tar.gz" {
		t.Errorf("EnvironmentsSpec = %q", cfg.EnvironmentsSpec)
	}
	if cfg.PreferredHost != "bighost" {
		t.Errorf("PreferredHost = %q", cfg.PreferredHost)
	}
	if !cfg.RequireVerify {
		t.Error("RequireVerify = false")
	}
	if cfg.ReplicationPermille != 10 {
		t.Errorf("ReplicationPermille = %d", cfg.ReplicationPermille)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("ICECC_VERSION", "")
	t.Setenv("ICECC_PREFERRED_HOST", "")
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err != nil {
		t.Errorf("Load on a missing optional file: %v", err)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	const doc = `environments: "x86_64:/envs/old.tar.gz"
preferred_host: slowhost
`
	if err := os.WriteFile(path, []byte(doc), 0o666); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ICECC_VERSION", "x86_64:/envs/new.tar.gz")
	t.Setenv("ICECC_PREFERRED_HOST", "fasthost")
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if want := "x86_64:/envs/new.tar.gz"; cfg.EnvironmentsSpec != want {
		t.Errorf("EnvironmentsSpec = %q; want env override %q", cfg.EnvironmentsSpec, want)
	}
	if want := "fasthost"; cfg.PreferredHost != want {
		t.Errorf("PreferredHost = %q; want env override %q", cfg.PreferredHost, want)
	}
}
