// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"strings"
	"testing"
)

func TestLoad_ReadsResticEnvironment(t *testing.T) {
	t.Setenv("RESTIC_REPOSITORY", "  sftp:backup:/srv/restic  ")
	t.Setenv("RESTIC_PASSWORD_FILE", "/etc/restic/password")

	cfg := Load()
	if cfg.Repository != "sftp:backup:/srv/restic" {
		t.Errorf("repository = %q", cfg.Repository)
	}
	if cfg.PasswordFile != "/etc/restic/password" {
		t.Errorf("password file = %q", cfg.PasswordFile)
	}
	if cfg.Jobs != DefaultJobs {
		t.Errorf("jobs = %d, want default %d", cfg.Jobs, DefaultJobs)
	}
	if cfg.Binary != DefaultBinary {
		t.Errorf("binary = %q", cfg.Binary)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{
			name: "repository set",
			cfg:  Config{Repository: "/srv/restic", Jobs: 4},
		},
		{
			name: "repository file set",
			cfg:  Config{RepositoryFile: "/etc/restic/repo", Jobs: 1},
		},
		{
			name:    "no repository",
			cfg:     Config{Jobs: 4},
			wantErr: "no repository",
		},
		{
			name:    "zero jobs",
			cfg:     Config{Repository: "/srv/restic"},
			wantErr: "jobs",
		},
		{
			name:    "non-interactive without password source",
			cfg:     Config{Repository: "/srv/restic", Jobs: 4, NonInteractive: true},
			wantErr: "password source",
		},
		{
			name: "non-interactive with password file",
			cfg: Config{
				Repository:     "/srv/restic",
				Jobs:           4,
				NonInteractive: true,
				PasswordFile:   "/etc/restic/password",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("validate = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_CapsVerbosity(t *testing.T) {
	cfg := Config{Repository: "/srv/restic", Jobs: 1, Verbosity: 9}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Verbosity != MaxVerbosity {
		t.Errorf("verbosity = %d, want capped at %d", cfg.Verbosity, MaxVerbosity)
	}
}

func TestLocation(t *testing.T) {
	cfg := Config{Repository: "/srv/restic"}
	if got := cfg.Location(); got != "/srv/restic" {
		t.Errorf("location = %q", got)
	}

	cfg = Config{RepositoryFile: "/etc/restic/repo"}
	if got := cfg.Location(); got != "file:/etc/restic/repo" {
		t.Errorf("location = %q", got)
	}
}
