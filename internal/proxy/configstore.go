package proxy

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/shipyard/internal/model"
	"github.com/edvin/shipyard/internal/platform"
)

// Well-known per-server location of the proxy configuration document.
const (
	ProxyConfigDir  = "/data/shipyard/proxy"
	ProxyConfigPath = ProxyConfigDir + "/docker-compose.yml"
)

// Store persists proxy settings. Satisfied by core.ServerService.
type Store interface {
	SaveProxySettings(ctx context.Context, settings *model.ProxySettings) error
	ClearProxySettings(ctx context.Context, serverID string) error
}

// ConfigStore reads and writes the proxy configuration document on the
// remote host. The control plane never stores the content itself, only the
// fingerprint of what was last written.
type ConfigStore struct {
	logger zerolog.Logger
	runner CommandRunner
	store  Store

	// dashboard caches whether the proxy's built-in dashboard responded
	// last time we looked. Best-effort annotation, not authoritative.
	mu        sync.Mutex
	dashboard map[string]bool
}

// NewConfigStore creates a config store executing through runner and
// persisting fingerprints through store.
func NewConfigStore(logger zerolog.Logger, runner CommandRunner, store Store) *ConfigStore {
	return &ConfigStore{
		logger:    logger.With().Str("component", "proxy-config").Logger(),
		runner:    runner,
		store:     store,
		dashboard: make(map[string]bool),
	}
}

// Load returns the configuration document from the remote host, or a
// freshly synthesized default when the document is absent, empty, or
// forceRegenerate is set. As a side effect it refreshes the cached
// dashboard reachability annotation.
func (s *ConfigStore) Load(ctx context.Context, server *model.Server, forceRegenerate bool) (string, error) {
	defer s.refreshDashboard(ctx, server)

	if !forceRegenerate {
		cmd := fmt.Sprintf("mkdir -p %s && cat %s 2>/dev/null || true", ProxyConfigDir, ProxyConfigPath)
		out, err := s.runner.RunInstant(ctx, server, cmd, 30*time.Second)
		if err != nil {
			s.logger.Warn().Err(err).Str("server", server.ID).Msg("failed to read proxy configuration, generating default")
		} else if strings.TrimSpace(out) != "" {
			return out, nil
		}
	}

	proxyType := model.ProxyTypeTraefik
	if server.Proxy != nil && server.Proxy.Type != "" {
		proxyType = server.Proxy.Type
	}
	generated := strings.TrimSpace(defaultConfiguration(proxyType))
	if generated == "" {
		return "", &ConfigurationError{Message: fmt.Sprintf("no configuration could be generated for proxy type %q on server %s", proxyType, server.ID)}
	}
	return generated, nil
}

// Save writes the document to the remote path and records its fingerprint
// as last_saved_settings. The content travels base64-encoded so shell
// metacharacters survive the trip. Save never validates proxy syntax; that
// is the proxy's own concern at start time.
func (s *ConfigStore) Save(ctx context.Context, server *model.Server, content string) error {
	encoded := base64.StdEncoding.EncodeToString([]byte(content))
	// Written under a temp name first so a dropped connection cannot leave
	// a truncated document for the proxy to choke on.
	tmp := platform.NewName(ProxyConfigPath + ".")
	cmd := fmt.Sprintf("mkdir -p %s && echo '%s' | base64 -d > %s && mv -f %s %s",
		ProxyConfigDir, encoded, tmp, tmp, ProxyConfigPath)
	if _, err := s.runner.RunInstant(ctx, server, cmd, 60*time.Second); err != nil {
		return fmt.Errorf("write proxy configuration on server %s: %w", server.ID, err)
	}

	if server.Proxy != nil {
		server.Proxy.LastSavedSettings = Fingerprint(content)
		if err := s.store.SaveProxySettings(ctx, server.Proxy); err != nil {
			return fmt.Errorf("persist proxy settings fingerprint: %w", err)
		}
	}
	return nil
}

// Fingerprint returns the content hash used for drift detection.
func Fingerprint(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// DashboardAvailable reports the cached dashboard reachability annotation
// for a server, if one was recorded.
func (s *ConfigStore) DashboardAvailable(serverID string) (bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.dashboard[serverID]
	return v, ok
}

// InvalidateDashboard drops the cached annotation, e.g. after a stop.
func (s *ConfigStore) InvalidateDashboard(serverID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.dashboard, serverID)
}

func (s *ConfigStore) refreshDashboard(ctx context.Context, server *model.Server) {
	if server.Proxy == nil || !server.Proxy.ShouldRun() {
		return
	}
	endpoint := "http://127.0.0.1:8080/api/version"
	if server.Proxy.Type == model.ProxyTypeCaddy {
		endpoint = "http://127.0.0.1:2019/config/"
	}
	cmd := fmt.Sprintf(`curl -s -o /dev/null -m 3 -w '%%{http_code}' %s 2>/dev/null || echo 000`, endpoint)
	out, err := s.runner.RunInstant(ctx, server, cmd, 10*time.Second)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.dashboard[server.ID] = strings.HasPrefix(strings.TrimSpace(out), "2")
	s.mu.Unlock()
}

// defaultConfiguration synthesizes the stock compose document for a proxy
// type. Custom and none yield nothing: there is no managed document for a
// proxy the operator runs themselves.
func defaultConfiguration(proxyType string) string {
	switch proxyType {
	case model.ProxyTypeTraefik:
		return `networks:
  shipyard:
    external: true
services:
  traefik:
    container_name: shipyard-proxy
    image: traefik:v3.1
    restart: unless-stopped
    networks:
      - shipyard
    ports:
      - "80:80"
      - "443:443"
      - "8080:8080"
    volumes:
      - /var/run/docker.sock:/var/run/docker.sock:ro
      - /data/shipyard/proxy:/traefik
    command:
      - --ping=true
      - --api.dashboard=true
      - --api.insecure=false
      - --entrypoints.http.address=:80
      - --entrypoints.https.address=:443
      - --providers.docker=true
      - --providers.docker.exposedbydefault=false
      - --providers.file.directory=/traefik/dynamic/
      - --providers.file.watch=true
`
	case model.ProxyTypeCaddy:
		return `networks:
  shipyard:
    external: true
services:
  caddy:
    container_name: shipyard-proxy
    image: lucaslorentz/caddy-docker-proxy:2.8-alpine
    restart: unless-stopped
    networks:
      - shipyard
    ports:
      - "80:80"
      - "443:443"
    environment:
      - CADDY_DOCKER_POLLING_INTERVAL=5s
    volumes:
      - /var/run/docker.sock:/var/run/docker.sock:ro
      - /data/shipyard/proxy/caddy:/data
`
	default:
		return ""
	}
}
