// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

// Package config holds the run configuration assembled from flags and the
// RESTIC_* environment. It is a plain value passed into the core; nothing
// here is global.
package config

import (
	"errors"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Defaults for operator-tunable settings.
const (
	DefaultJobs   = 4
	MaxVerbosity  = 2
	DefaultBinary = "restic"
)

// Config captures one invocation's settings.
type Config struct {
	// Repository settings, same precedence restic itself uses: explicit
	// flags override the inherited RESTIC_* environment.
	Repository      string
	RepositoryFile  string
	PasswordFile    string
	PasswordCommand string

	// NonInteractive disables anything that would prompt the operator.
	NonInteractive bool

	// HasPassword records whether RESTIC_PASSWORD is already present in
	// the environment; the value itself is never read or stored here.
	HasPassword bool

	// Verbosity is 0..MaxVerbosity; each -v raises it.
	Verbosity int

	// Jobs bounds ingestion concurrency.
	Jobs int

	// Binary is the restic executable to invoke.
	Binary string
}

// Load builds the environment-derived baseline. A .env file is honored
// best-effort so local development doesn't need a manual `source`.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		Repository:      strings.TrimSpace(os.Getenv("RESTIC_REPOSITORY")),
		RepositoryFile:  strings.TrimSpace(os.Getenv("RESTIC_REPOSITORY_FILE")),
		PasswordFile:    strings.TrimSpace(os.Getenv("RESTIC_PASSWORD_FILE")),
		PasswordCommand: strings.TrimSpace(os.Getenv("RESTIC_PASSWORD_COMMAND")),
		HasPassword:     os.Getenv("RESTIC_PASSWORD") != "",
		Jobs:            DefaultJobs,
		Binary:          DefaultBinary,
	}
}

// Validate fails fast on settings that would only produce confusing
// errors later.
func (c *Config) Validate() error {
	if c.Repository == "" && c.RepositoryFile == "" {
		return errors.New("no repository specified: use --repository, --repository-file, or the RESTIC_REPOSITORY environment")
	}
	if c.Jobs < 1 {
		return errors.New("jobs must be at least 1")
	}
	if c.NonInteractive && !c.HasPassword && c.PasswordFile == "" && c.PasswordCommand == "" {
		return errors.New("non-interactive mode needs a password source: --password-file, --password-command, or RESTIC_PASSWORD")
	}
	if c.Verbosity > MaxVerbosity {
		c.Verbosity = MaxVerbosity
	}
	return nil
}

// Location describes the repository for cache naming when its id cannot be
// queried: whatever the operator configured, verbatim.
func (c *Config) Location() string {
	if c.Repository != "" {
		return c.Repository
	}
	return "file:" + c.RepositoryFile
}
