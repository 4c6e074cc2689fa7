package core

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/shipyard/internal/events"
	"github.com/edvin/shipyard/internal/model"
)

// minEngineMajor is the oldest container engine major version the dashboard
// will manage.
const minEngineMajor = 20

var supportedOSIDs = map[string]bool{
	"ubuntu": true, "debian": true, "raspbian": true,
	"centos": true, "fedora": true, "rhel": true,
	"almalinux": true, "rocky": true, "arch": true,
}

// CommandRunner is the slice of the remote executor the validator needs.
type CommandRunner interface {
	RunInstant(ctx context.Context, server *model.Server, command string, timeout time.Duration) (string, error)
}

// Validator walks a server through the linear validation pipeline:
// connection, OS support, engine presence, engine version. Each step
// persists its outcome immediately; a terminal failure leaves the state at
// the step that failed. Engine absence triggers a bounded automatic install
// before giving up.
type Validator struct {
	logger             zerolog.Logger
	runner             CommandRunner
	servers            *ServerService
	bus                events.Bus
	maxInstallAttempts int
}

func NewValidator(logger zerolog.Logger, runner CommandRunner, servers *ServerService, bus events.Bus) *Validator {
	return &Validator{
		logger:             logger.With().Str("component", "server-validator").Logger(),
		runner:             runner,
		servers:            servers,
		bus:                bus,
		maxInstallAttempts: 3,
	}
}

// Validate runs the full pipeline. The returned error reflects the first
// failing step; the server record carries the details either way.
func (v *Validator) Validate(ctx context.Context, server *model.Server) error {
	server.ValidationState = model.ValidationUnvalidated
	server.Functional = false
	server.Usable = false

	if err := v.checkConnection(ctx, server); err != nil {
		return v.fail(ctx, server, err)
	}
	if err := v.checkOS(ctx, server); err != nil {
		return v.fail(ctx, server, err)
	}
	if err := v.checkEngine(ctx, server); err != nil {
		return v.fail(ctx, server, err)
	}
	if err := v.checkEngineVersion(ctx, server); err != nil {
		return v.fail(ctx, server, err)
	}

	server.ValidationState = model.ValidationReady
	server.Functional = true
	server.Usable = true
	v.appendLog(server, "server is ready")
	if err := v.servers.UpdateValidation(ctx, server); err != nil {
		return err
	}
	v.bus.Publish(events.ServerValidated{ServerID: server.ID, State: server.ValidationState})
	return nil
}

func (v *Validator) checkConnection(ctx context.Context, server *model.Server) error {
	out, err := v.runner.RunInstant(ctx, server, "uname -a", 20*time.Second)
	if err != nil {
		server.Reachable = false
		return fmt.Errorf("connection check failed: %w", err)
	}
	server.Reachable = true
	v.appendLog(server, "connection ok: "+firstLine(out))
	return v.advance(ctx, server, model.ValidationConnectionChecked)
}

func (v *Validator) checkOS(ctx context.Context, server *model.Server) error {
	out, err := v.runner.RunInstant(ctx, server, "cat /etc/os-release", 20*time.Second)
	if err != nil {
		return fmt.Errorf("os check failed: %w", err)
	}
	id := osID(out)
	if !supportedOSIDs[id] {
		return fmt.Errorf("unsupported operating system %q", id)
	}
	v.appendLog(server, "os ok: "+id)
	return v.advance(ctx, server, model.ValidationOSChecked)
}

func (v *Validator) checkEngine(ctx context.Context, server *model.Server) error {
	for attempt := 0; ; attempt++ {
		if _, err := v.runner.RunInstant(ctx, server, "docker --version", 20*time.Second); err == nil {
			v.appendLog(server, "container engine present")
			return v.advance(ctx, server, model.ValidationEngineChecked)
		}
		if attempt >= v.maxInstallAttempts {
			return fmt.Errorf("container engine missing after %d install attempts; install it manually", v.maxInstallAttempts)
		}
		v.appendLog(server, fmt.Sprintf("container engine missing, install attempt %d of %d", attempt+1, v.maxInstallAttempts))
		v.logger.Info().Str("server", server.ID).Int("attempt", attempt+1).Msg("installing container engine")
		if _, err := v.runner.RunInstant(ctx, server, "curl -fsSL https://get.docker.com | sh", 10*time.Minute); err != nil {
			v.appendLog(server, "engine install failed: "+err.Error())
		}
	}
}

func (v *Validator) checkEngineVersion(ctx context.Context, server *model.Server) error {
	out, err := v.runner.RunInstant(ctx, server, "docker version --format '{{.Server.Version}}'", 20*time.Second)
	if err != nil {
		return fmt.Errorf("engine version check failed: %w", err)
	}
	major := majorVersion(out)
	if major < minEngineMajor {
		return fmt.Errorf("container engine version %s is too old (need >= %d)", strings.TrimSpace(out), minEngineMajor)
	}
	v.appendLog(server, "engine version ok: "+strings.TrimSpace(out))
	return v.advance(ctx, server, model.ValidationEngineVersionChecked)
}

func (v *Validator) advance(ctx context.Context, server *model.Server, state string) error {
	server.ValidationState = state
	return v.servers.UpdateValidation(ctx, server)
}

func (v *Validator) fail(ctx context.Context, server *model.Server, cause error) error {
	server.ValidationState = model.ValidationFailed
	v.appendLog(server, cause.Error())
	if err := v.servers.UpdateValidation(ctx, server); err != nil {
		v.logger.Error().Err(err).Str("server", server.ID).Msg("failed to persist validation failure")
	}
	v.bus.Publish(events.ServerValidated{ServerID: server.ID, State: model.ValidationFailed})
	return cause
}

func (v *Validator) appendLog(server *model.Server, line string) {
	stamped := time.Now().UTC().Format(time.RFC3339) + " " + line
	if server.ValidationLog == nil || *server.ValidationLog == "" {
		server.ValidationLog = &stamped
		return
	}
	joined := *server.ValidationLog + "\n" + stamped
	server.ValidationLog = &joined
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}

// osID extracts the ID= field from /etc/os-release content.
func osID(osRelease string) string {
	for _, line := range strings.Split(osRelease, "\n") {
		if value, ok := strings.CutPrefix(strings.TrimSpace(line), "ID="); ok {
			return strings.Trim(value, `"`)
		}
	}
	return ""
}

func majorVersion(version string) int {
	version = strings.TrimSpace(version)
	if idx := strings.IndexByte(version, '.'); idx >= 0 {
		version = version[:idx]
	}
	n, err := strconv.Atoi(version)
	if err != nil {
		return 0
	}
	return n
}
