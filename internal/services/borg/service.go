// Package borg builds and runs borg command lines.
package borg

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/fgeck/goborg-homelab/internal/models"
	"github.com/juju/clock"
	"github.com/juju/utils/v4"
	"github.com/rs/zerolog"
)

// ArchiveTimeFormat is the timestamp part of archive names.
const ArchiveTimeFormat = "2006-01-02_15:04:05"

// Service defines the interface for borg operations.
type Service interface {
	CreateCommand(cfg models.BorgConfig, include, exclude []string) string
	RunShell(ctx context.Context, command string) (int, error)
	Exec(ctx context.Context, cfg models.BorgConfig, subcommand string, args ...string) (int, error)
}

// ShellExecutor allows mocking shell execution in tests.
type ShellExecutor interface {
	RunShell(ctx context.Context, command string) (int, error)
}

// DefaultExecutor runs commands through /bin/sh with the process' stdio attached.
type DefaultExecutor struct{}

// RunShell runs command and returns its exit code. The error is only set
// when the shell itself could not be run.
func (e *DefaultExecutor) RunShell(ctx context.Context, command string) (int, error) {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	err := cmd.Run()
	if err == nil {
		return 0, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

// Impl implements the Service interface.
type Impl struct {
	executor ShellExecutor
	clock    clock.Clock
	hostname func() string
	logger   zerolog.Logger
}

// New creates a new borg service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		executor: &DefaultExecutor{},
		clock:    clock.WallClock,
		hostname: FQDN,
		logger:   logger,
	}
}

// NewWithDeps creates a new borg service with custom dependencies (for testing).
func NewWithDeps(logger zerolog.Logger, executor ShellExecutor, clk clock.Clock, hostname func() string) *Impl {
	return &Impl{
		executor: executor,
		clock:    clk,
		hostname: hostname,
		logger:   logger,
	}
}

// CreateCommand returns the borg create command line for the given sets,
// naming the archive after this host and the current local time.
func (s *Impl) CreateCommand(cfg models.BorgConfig, include, exclude []string) string {
	archive := ArchiveName(s.hostname(), s.clock.Now().In(time.Local))

	s.logger.Debug().
		Str("archive", archive).
		Int("include", len(include)).
		Int("exclude", len(exclude)).
		Str("command", createArgs(cfg, archive, include, exclude)).
		Msg("generated backup command")

	return CreateCommand(cfg, archive, include, exclude)
}

// CreateCommand builds a borg create command line.
func CreateCommand(cfg models.BorgConfig, archive string, include, exclude []string) string {
	return joinNonEmpty(EnvAssignments(cfg.EnvVars), createArgs(cfg, archive, include, exclude))
}

func createArgs(cfg models.BorgConfig, archive string, include, exclude []string) string {
	parts := []string{
		"borg", "create",
		cfg.Args,
		"--exclude-caches",
		"--compression", utils.ShQuote(cfg.Compression),
		utils.ShQuote(cfg.Repository + "::" + archive),
	}

	for _, path := range include {
		parts = append(parts, utils.ShQuote(path))
	}
	for _, path := range exclude {
		parts = append(parts, "--exclude", utils.ShQuote(path))
	}

	return joinNonEmpty(parts...)
}

// RunShell runs an opaque command line and returns its exit code.
func (s *Impl) RunShell(ctx context.Context, command string) (int, error) {
	return s.executor.RunShell(ctx, command)
}

// Exec runs an arbitrary borg subcommand against the configured repository.
func (s *Impl) Exec(ctx context.Context, cfg models.BorgConfig, subcommand string, args ...string) (int, error) {
	if subcommand == "" {
		return -1, fmt.Errorf("borg subcommand is required")
	}

	parts := []string{"borg", utils.ShQuote(subcommand), utils.ShQuote(cfg.Repository)}
	for _, arg := range args {
		parts = append(parts, utils.ShQuote(arg))
	}
	command := joinNonEmpty(parts...)

	s.logger.Debug().Str("command", command).Msg("executing borg command")

	code, err := s.executor.RunShell(ctx, joinNonEmpty(EnvAssignments(cfg.EnvVars), command))
	if err != nil {
		return code, fmt.Errorf("failed to run borg %s: %w", subcommand, err)
	}
	return code, nil
}

// EnvAssignments renders env as shell variable assignments, sorted by name.
func EnvAssignments(env map[string]string) string {
	names := make([]string, 0, len(env))
	for name := range env {
		names = append(names, name)
	}
	sort.Strings(names)

	assignments := make([]string, len(names))
	for i, name := range names {
		assignments[i] = name + "=" + utils.ShQuote(env[name])
	}
	return strings.Join(assignments, " ")
}

// ArchiveName returns <host>__<timestamp>.
func ArchiveName(host string, t time.Time) string {
	return host + "__" + t.Format(ArchiveTimeFormat)
}

// FQDN returns the fully qualified name of this host, falling back to the
// plain hostname when reverse lookup yields nothing better.
func FQDN() string {
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}

	addrs, err := net.LookupHost(host)
	if err != nil || len(addrs) == 0 {
		return host
	}

	names, err := net.LookupAddr(addrs[0])
	if err != nil {
		return host
	}
	for _, name := range names {
		name = strings.TrimSuffix(name, ".")
		if strings.Contains(name, ".") {
			return name
		}
	}
	return host
}

func joinNonEmpty(parts ...string) string {
	var kept []string
	for _, part := range parts {
		if part != "" {
			kept = append(kept, part)
		}
	}
	return strings.Join(kept, " ")
}
