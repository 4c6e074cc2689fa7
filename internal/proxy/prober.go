package proxy

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/edvin/shipyard/internal/model"
)

var portConflicts = promauto.NewCounter(prometheus.CounterOpts{
	Name: "shipyard_proxy_port_conflicts_total",
	Help: "Port conflicts detected before proxy startup",
})

// Probe result tags returned by the remote probe script.
const (
	tagProxyUsingPort = "proxy_using_port"
	tagPortFree       = "port_free"
	tagPortConflict   = "port_conflict"
)

// CommandRunner runs a one-shot command on a server. Satisfied by
// remote.Executor.
type CommandRunner interface {
	RunInstant(ctx context.Context, server *model.Server, command string, timeout time.Duration) (string, error)
}

// Prober determines whether candidate ports on a server are already bound
// by something other than the managed proxy. Probes run concurrently, one
// per port, since proxy startup must not pay N sequential SSH round-trips.
//
// The prober is availability-biased: a failure of the diagnostic machinery
// itself never reports a conflict, only a warning — a broken diagnostic
// must not permanently block proxy startup.
type Prober struct {
	logger       zerolog.Logger
	runner       CommandRunner
	probeTimeout time.Duration
}

// NewProber creates a prober with the standard 10s per-probe timeout.
func NewProber(logger zerolog.Logger, runner CommandRunner) *Prober {
	return &Prober{
		logger:       logger.With().Str("component", "port-prober").Logger(),
		runner:       runner,
		probeTimeout: 10 * time.Second,
	}
}

// CheckConflicts probes each port and returns port -> conflict. A true
// value blocks startup unless the caller is interactive, in which case it
// becomes a user-facing error instead of a silent skip.
func (p *Prober) CheckConflicts(ctx context.Context, server *model.Server, ports []string, ownedContainer string) (map[string]bool, error) {
	results := make(map[string]bool, len(ports))
	if len(ports) == 0 {
		return results, nil
	}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(len(ports))

	for _, port := range ports {
		g.Go(func() error {
			conflict := p.probe(gctx, server, port, ownedContainer)
			mu.Lock()
			results[port] = conflict
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for port, conflict := range results {
		if conflict {
			portConflicts.Inc()
			p.logger.Warn().Str("server", server.ID).Str("port", port).Msg("port conflict detected")
		}
	}
	return results, nil
}

// probe runs the primary remote script for one port. Failures are isolated
// per port and degrade through the fallback chain.
func (p *Prober) probe(ctx context.Context, server *model.Server, port, ownedContainer string) bool {
	out, err := p.runner.RunInstant(ctx, server, probeScript(port, ownedContainer), p.probeTimeout)
	if err != nil {
		p.logger.Warn().Err(err).Str("port", port).Msg("primary port probe failed, falling back")
		return p.fallbackProbe(ctx, server, port, ownedContainer)
	}
	return p.classify(port, out)
}

func (p *Prober) classify(port, output string) bool {
	output = strings.TrimSpace(output)
	switch {
	case strings.HasPrefix(output, tagProxyUsingPort):
		return false
	case strings.HasPrefix(output, tagPortFree):
		return false
	case strings.HasPrefix(output, tagPortConflict):
		detail := strings.TrimPrefix(output, tagPortConflict)
		detail = strings.TrimPrefix(detail, "|")
		if isDualStackPair(port, detail) {
			p.logger.Debug().Str("port", port).Msg("conflict reclassified as dual-stack listener pair")
			return false
		}
		return true
	default:
		// Unrecognized probe output. Assume no conflict rather than
		// blocking startup on a diagnostic oddity.
		p.logger.Warn().Str("port", port).Str("output", output).Msg("unrecognized probe output, assuming port is free")
		return false
	}
}

// fallbackProbe is the sequential degradation chain: tool cascade without
// the container shortcut, then a raw TCP connect, then assume free.
func (p *Prober) fallbackProbe(ctx context.Context, server *model.Server, port, ownedContainer string) bool {
	out, err := p.runner.RunInstant(ctx, server, listenerCascade(port), p.probeTimeout)
	if err == nil {
		return p.classifyListeners(port, ownedContainer, out)
	}

	out, err = p.runner.RunInstant(ctx, server, rawConnectProbe(port), p.probeTimeout)
	if err == nil {
		return strings.TrimSpace(out) == "open"
	}

	p.logger.Warn().Err(err).Str("server", server.ID).Str("port", port).
		Msg("all port probes failed, assuming no conflict")
	return false
}

// classifyListeners applies the listener heuristics client-side to raw
// ss/netstat output: nothing listening is free; up to two listeners that
// mention the managed runtime or proxy are the proxy transitioning; a
// dual-stack wildcard pair is one logical listener, not a collision.
func (p *Prober) classifyListeners(port, ownedContainer, raw string) bool {
	lines := nonEmptyLines(raw)
	if len(lines) == 0 {
		return false
	}
	if len(lines) <= 2 {
		lower := strings.ToLower(raw)
		if strings.Contains(lower, "docker") || (ownedContainer != "" && strings.Contains(lower, strings.ToLower(ownedContainer))) {
			return false
		}
		if isDualStackPair(port, raw) {
			return false
		}
	}
	return true
}

// isDualStackPair reports whether the listener detail is the same host
// stack listening twice (IPv4 and IPv6 wildcard on the same port) rather
// than two competing processes. Known limitation: exactly two unrelated
// SO_REUSEPORT listeners on the v4 and v6 wildcards would be misclassified
// as dual-stack; the threshold is deliberate and load-bearing.
func isDualStackPair(port, detail string) bool {
	lines := nonEmptyLines(detail)
	if len(lines) == 0 || len(lines) > 2 {
		return false
	}
	v4 := regexp.MustCompile(`(0\.0\.0\.0|\*):` + regexp.QuoteMeta(port) + `\b`)
	v6 := regexp.MustCompile(`(:::|\[::\]:)` + regexp.QuoteMeta(port) + `\b`)
	return v4.MatchString(detail) && v6.MatchString(detail)
}

func nonEmptyLines(s string) []string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// probeScript builds the shell script run remotely for one port. Decision
// order: the managed proxy owning the port short-circuits, then the best
// available listener tool (ss, netstat, nc as last resort) counts matching
// listeners.
func probeScript(port, ownedContainer string) string {
	return fmt.Sprintf(`
cid=$(docker ps --filter 'name=^%[2]s$' --format '{{.ID}}' 2>/dev/null | head -n1)
if [ -n "$cid" ] && docker port "$cid" 2>/dev/null | grep -q ':%[1]s$'; then
  echo %[3]s
  exit 0
fi
if command -v ss >/dev/null 2>&1; then
  listeners=$(ss -Htlnp 2>/dev/null | grep -E ':%[1]s([[:space:]]|$)')
elif command -v netstat >/dev/null 2>&1; then
  listeners=$(netstat -tlnp 2>/dev/null | grep -E ':%[1]s([[:space:]]|$)')
else
  if nc -z -w 2 127.0.0.1 %[1]s >/dev/null 2>&1; then
    echo '%[5]s|nc connect succeeded on 127.0.0.1:%[1]s'
  else
    echo %[4]s
  fi
  exit 0
fi
count=$(printf '%%s' "$listeners" | grep -c .)
if [ "$count" -eq 0 ]; then
  echo %[4]s
  exit 0
fi
if [ "$count" -le 2 ] && printf '%%s' "$listeners" | grep -qiE 'docker|%[2]s'; then
  echo %[4]s
  exit 0
fi
printf '%[5]s|%%s' "$listeners"
`, port, ownedContainer, tagProxyUsingPort, tagPortFree, tagPortConflict)
}

// listenerCascade is the fallback listing command without the container
// shortcut; classification happens client-side.
func listenerCascade(port string) string {
	return fmt.Sprintf(`if command -v ss >/dev/null 2>&1; then ss -Htlnp 2>/dev/null | grep -E ':%[1]s([[:space:]]|$)' || true; elif command -v netstat >/dev/null 2>&1; then netstat -tlnp 2>/dev/null | grep -E ':%[1]s([[:space:]]|$)' || true; else exit 127; fi`, port)
}

func rawConnectProbe(port string) string {
	return fmt.Sprintf(`if nc -z -w 2 127.0.0.1 %[1]s >/dev/null 2>&1; then echo open; else echo closed; fi`, port)
}
