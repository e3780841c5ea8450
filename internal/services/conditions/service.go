// Package conditions decides whether a backup attempt may start.
package conditions

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/fgeck/goborg-homelab/internal/models"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

// PowerSupplyDir is where the kernel exposes the battery state.
const PowerSupplyDir = "/sys/class/power_supply/battery"

// StatusCharging is the battery status reported while on AC power.
const StatusCharging = "Charging"

// tracerouteQueries is the number of probes sent per hop.
const tracerouteQueries = 2

// repositoryHost matches [user@]host.domain:path repositories.
var repositoryHost = regexp.MustCompile(`(?i)^(\w+@)?(([A-Z0-9-]+\.)+[A-Z0-9-]+):.*$`)

// Service defines the interface for run condition checks.
type Service interface {
	Evaluate(ctx context.Context, cfg models.Config) (models.Decision, error)
}

// Resolver allows mocking DNS lookups in tests.
type Resolver interface {
	LookupIP(ctx context.Context, network, host string) ([]net.IP, error)
}

// CommandExecutor allows mocking exec.Command in tests.
type CommandExecutor interface {
	Execute(ctx context.Context, name string, args ...string) ([]byte, error)
}

// DefaultExecutor is the default command executor using os/exec.
type DefaultExecutor struct{}

// Execute runs a command and returns its standard output.
func (e *DefaultExecutor) Execute(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.Output()
}

// ResolutionError is returned when the repository host cannot be resolved.
type ResolutionError struct {
	Host string
	Err  error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("could not resolve %s: %v", e.Host, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// Impl implements the Service interface.
type Impl struct {
	fs             afero.Fs
	resolver       Resolver
	executor       CommandExecutor
	logger         zerolog.Logger
	powerSupplyDir string
}

// New creates a new conditions service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		fs:             afero.NewOsFs(),
		resolver:       net.DefaultResolver,
		executor:       &DefaultExecutor{},
		logger:         logger,
		powerSupplyDir: PowerSupplyDir,
	}
}

// NewWithDeps creates a new conditions service with custom dependencies (for testing).
func NewWithDeps(logger zerolog.Logger, fsys afero.Fs, resolver Resolver, executor CommandExecutor) *Impl {
	return &Impl{
		fs:             fsys,
		resolver:       resolver,
		executor:       executor,
		logger:         logger,
		powerSupplyDir: PowerSupplyDir,
	}
}

// Evaluate runs the checks in order and returns the first denial.
func (s *Impl) Evaluate(ctx context.Context, cfg models.Config) (models.Decision, error) {
	s.logger.Debug().Msg("checking run conditions")

	decision, err := s.checkBattery(cfg.Backup.RunConditions.Battery)
	if err != nil || !decision.Permitted {
		return decision, err
	}

	return s.checkNetwork(ctx, cfg.Borg.Repository, cfg.Backup.RunConditions.Network)
}

// checkBattery denies runs below the minimum charge. Being on AC power
// only changes the reason, a low battery is denied either way.
func (s *Impl) checkBattery(cond models.BatteryCondition) (models.Decision, error) {
	if cond.MinPercent <= 0 {
		s.logger.Debug().Msg("battery check disabled")
		return models.Permit(), nil
	}

	capacityFile := filepath.Join(s.powerSupplyDir, "capacity")
	raw, err := afero.ReadFile(s.fs, capacityFile)
	if errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn().Str("file", capacityFile).Msg("no battery found, skipping check")
		return models.Permit(), nil
	}
	if err != nil {
		return models.Decision{}, fmt.Errorf("failed to read battery capacity: %w", err)
	}

	capacity, err := strconv.Atoi(firstLine(raw))
	if err != nil {
		return models.Decision{}, fmt.Errorf("failed to parse battery capacity %q: %w", firstLine(raw), err)
	}

	if capacity >= cond.MinPercent {
		s.logger.Debug().Int("capacity", capacity).Int("min", cond.MinPercent).Msg("battery ok")
		return models.Permit(), nil
	}

	reason := fmt.Sprintf("Battery-charge too low (%d < %d)", capacity, cond.MinPercent)

	if cond.OrACConnected {
		status := s.batteryStatus()
		if status != StatusCharging {
			s.logger.Debug().Str("status", status).Msg("battery not charging")
			reason += " and not charging"
		}
	}

	return models.Deny(reason), nil
}

func (s *Impl) batteryStatus() string {
	raw, err := afero.ReadFile(s.fs, filepath.Join(s.powerSupplyDir, "status"))
	if err != nil {
		s.logger.Debug().Err(err).Msg("could not read battery status")
		return "Unknown"
	}
	return firstLine(raw)
}

// checkNetwork denies runs when the repository host is not reached
// within the configured number of hops.
func (s *Impl) checkNetwork(ctx context.Context, repository string, cond models.NetworkCondition) (models.Decision, error) {
	if cond.MaxHops <= 0 {
		s.logger.Debug().Msg("network hop check disabled")
		return models.Permit(), nil
	}

	host := HostFromRepository(repository)
	if host == "" {
		s.logger.Debug().Str("repository", repository).Msg("repository has no hostname, skipping network check")
		return models.Permit(), nil
	}

	ip, err := s.resolve(ctx, host)
	if err != nil {
		return models.Deny(err.Error()), nil
	}

	s.logger.Debug().
		Str("ip", ip).
		Int("max_hops", cond.MaxHops).
		Msg("running traceroute")

	output, err := s.executor.Execute(ctx, "traceroute", "-n",
		"-m", strconv.Itoa(cond.MaxHops),
		"-q", strconv.Itoa(tracerouteQueries),
		ip)
	if err != nil && len(output) == 0 {
		return models.Deny(fmt.Sprintf("traceroute to %s failed: %v", ip, err)), nil
	}

	lastHop := LastHop(string(output))
	s.logger.Debug().Str("last_hop", lastHop).Msg("traceroute finished")

	if lastHop != ip {
		return models.Deny(fmt.Sprintf("Could not reach server in <= %d hops", cond.MaxHops)), nil
	}

	return models.Permit(), nil
}

func (s *Impl) resolve(ctx context.Context, host string) (string, error) {
	s.logger.Debug().Str("host", host).Msg("resolving hostname")

	ips, err := s.resolver.LookupIP(ctx, "ip4", host)
	if err != nil {
		return "", &ResolutionError{Host: host, Err: err}
	}
	if len(ips) == 0 {
		return "", &ResolutionError{Host: host, Err: errors.New("no IPv4 address")}
	}

	ip := ips[0].String()
	s.logger.Debug().Str("host", host).Str("ip", ip).Msg("hostname resolved")
	return ip, nil
}

// HostFromRepository returns the hostname of a remote repository, or ""
// for local repositories.
func HostFromRepository(repository string) string {
	match := repositoryHost.FindStringSubmatch(repository)
	if match == nil {
		return ""
	}
	return match[2]
}

// LastHop returns the address of the final hop in traceroute -n output.
// The output ends with a newline, so the final hop is the second-to-last line.
func LastHop(output string) string {
	lines := strings.Split(output, "\n")
	if len(lines) < 2 {
		return ""
	}

	fields := strings.Fields(lines[len(lines)-2])
	if len(fields) < 2 {
		return ""
	}
	return fields[1]
}

func firstLine(raw []byte) string {
	line, _, _ := strings.Cut(string(raw), "\n")
	return strings.TrimSpace(line)
}
