// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

// Package restic drives the restic binary as a read-only collaborator: it
// lists snapshots, streams one snapshot's file listing, and queries the
// repository id. The repository itself is never mutated.
//
// The package exposes exactly the two capabilities the sync engine needs
// (list snapshots, stream entries) plus repository identification; process
// plumbing stays in here.
package restic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// terminateGrace is how long a signaled subprocess gets to exit before it
// is killed.
const terminateGrace = 5 * time.Second

// maxLineBytes bounds one ls record line. Paths are capped well below this
// by every filesystem restic supports.
const maxLineBytes = 1 << 20

// Tool invokes the restic binary. The zero value is not usable; call New.
type Tool struct {
	binary          string
	repository      string
	repositoryFile  string
	passwordFile    string
	passwordCommand string
	log             *zap.Logger
}

// Option configures the tool.
type Option func(*Tool)

// WithBinary overrides the restic executable name or path.
func WithBinary(path string) Option {
	return func(t *Tool) {
		t.binary = path
	}
}

// WithRepository sets the repository location (mirrored to the subprocess
// as RESTIC_REPOSITORY).
func WithRepository(repo string) Option {
	return func(t *Tool) {
		t.repository = repo
	}
}

// WithRepositoryFile sets the file the repository location is read from.
func WithRepositoryFile(path string) Option {
	return func(t *Tool) {
		t.repositoryFile = path
	}
}

// WithPasswordFile sets the repository password file.
func WithPasswordFile(path string) Option {
	return func(t *Tool) {
		t.passwordFile = path
	}
}

// WithPasswordCommand sets the command restic runs to obtain the password.
func WithPasswordCommand(command string) Option {
	return func(t *Tool) {
		t.passwordCommand = command
	}
}

// WithLogger sets the logger for subprocess lifecycle messages.
func WithLogger(log *zap.Logger) Option {
	return func(t *Tool) {
		t.log = log
	}
}

// New returns a tool handle. Repository and password settings that are not
// configured here fall through to the RESTIC_* variables already in the
// environment.
func New(opts ...Option) *Tool {
	t := &Tool{
		binary: "restic",
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// ExitError is returned when restic exits nonzero. Stderr carries the
// subprocess's diagnostics verbatim.
type ExitError struct {
	Args   []string
	Stderr string
	err    error
}

func (e *ExitError) Error() string {
	msg := "restic " + strings.Join(e.Args, " ") + ": " + e.err.Error()
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

func (e *ExitError) Unwrap() error {
	return e.err
}

// environ mirrors the configured repository and password settings into the
// subprocess environment on top of the inherited one. Explicit settings
// win over inherited RESTIC_* values.
func (t *Tool) environ() []string {
	env := os.Environ()
	if t.repository != "" {
		env = append(env, "RESTIC_REPOSITORY="+t.repository)
	}
	if t.repositoryFile != "" {
		env = append(env, "RESTIC_REPOSITORY_FILE="+t.repositoryFile)
	}
	if t.passwordFile != "" {
		env = append(env, "RESTIC_PASSWORD_FILE="+t.passwordFile)
	}
	if t.passwordCommand != "" {
		env = append(env, "RESTIC_PASSWORD_COMMAND="+t.passwordCommand)
	}
	return env
}

// command builds an exec.Cmd with cancellation wired up: on context cancel
// the subprocess is signaled with SIGTERM and killed after a short grace
// period.
func (t *Tool) command(ctx context.Context, stderr *bytes.Buffer, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, t.binary, args...)
	cmd.Env = t.environ()
	cmd.Stderr = stderr
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = terminateGrace
	return cmd
}

// Snapshots lists all snapshots in the repository.
func (t *Tool) Snapshots(ctx context.Context) ([]Snapshot, error) {
	args := []string{"--json", "--no-lock", "snapshots"}
	stderr := &bytes.Buffer{}
	cmd := t.command(ctx, stderr, args...)

	t.log.Debug("running restic", zap.Strings("args", args))
	out, err := cmd.Output()
	if err != nil {
		return nil, &ExitError{Args: args, Stderr: stderr.String(), err: err}
	}

	snapshots, err := parseSnapshots(bytes.NewReader(out))
	if err != nil {
		return nil, errors.Wrap(err, "parse snapshot list")
	}
	return snapshots, nil
}

// parseSnapshots decodes the JSON array emitted by `snapshots --json`.
// Unknown fields are ignored; a missing or empty array is an empty
// repository, not an error.
func parseSnapshots(r io.Reader) ([]Snapshot, error) {
	var snapshots []Snapshot
	dec := json.NewDecoder(r)
	if err := dec.Decode(&snapshots); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, err
	}
	return snapshots, nil
}

// StreamEntries runs `ls --json` for one snapshot and calls fn for every
// file and directory record, in stream order. Records of other kinds and
// the leading snapshot header are skipped. A nonzero exit after the stream
// ends is still an error.
//
// If fn returns an error, streaming stops, the subprocess is terminated,
// and that error is returned unwrapped.
func (t *Tool) StreamEntries(ctx context.Context, snapshotID string, fn func(Node) error) error {
	args := []string{"--json", "--no-lock", "ls", snapshotID}
	stderr := &bytes.Buffer{}

	// A child context so a callback error can tear the subprocess down
	// without waiting for it to drain.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := t.command(ctx, stderr, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &ExitError{Args: args, err: err}
	}

	t.log.Debug("running restic", zap.Strings("args", args))
	if err := cmd.Start(); err != nil {
		return &ExitError{Args: args, Stderr: stderr.String(), err: err}
	}

	scanErr := scanNodes(stdout, fn)
	if scanErr != nil {
		// Unblock Wait; the subprocess has no reader left.
		cancel()
	}

	waitErr := cmd.Wait()
	switch {
	case scanErr != nil:
		return scanErr
	case ctx.Err() != nil:
		return ctx.Err()
	case waitErr != nil:
		return &ExitError{Args: args, Stderr: stderr.String(), err: waitErr}
	}
	return nil
}

// scanNodes parses the line-oriented ls stream. The parser is tolerant:
// lines that are not JSON objects, records without a file/dir type, and
// unknown fields are all skipped silently.
func scanNodes(r io.Reader, fn func(Node) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] != '{' {
			continue
		}

		var node Node
		if err := json.Unmarshal(line, &node); err != nil {
			return errors.Wrapf(err, "malformed ls record %q", truncate(line, 120))
		}
		if node.Type != nodeTypeFile && node.Type != nodeTypeDir {
			continue
		}
		if node.Path == "" {
			continue
		}
		if err := fn(node); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrap(err, "read ls stream")
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// RepositoryID queries the repository's stable identifier from its config.
func (t *Tool) RepositoryID(ctx context.Context) (string, error) {
	args := []string{"--json", "--no-lock", "cat", "config"}
	stderr := &bytes.Buffer{}
	cmd := t.command(ctx, stderr, args...)

	out, err := cmd.Output()
	if err != nil {
		return "", &ExitError{Args: args, Stderr: stderr.String(), err: err}
	}

	var cfg repoConfig
	if err := json.Unmarshal(bytes.TrimSpace(out), &cfg); err != nil {
		return "", errors.Wrap(err, "parse repository config")
	}
	if cfg.ID == "" {
		return "", errors.New("repository config has no id")
	}
	return cfg.ID, nil
}
