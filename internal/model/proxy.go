package model

import "time"

// Proxy types selectable per server.
const (
	ProxyTypeNone    = "none"
	ProxyTypeTraefik = "traefik"
	ProxyTypeCaddy   = "caddy"
	ProxyTypeCustom  = "custom"
)

// Proxy container lifecycle statuses. Transitions are owned by the
// reconciler: created -> starting -> running, running -> stopping -> exited,
// exited -> starting -> running. "restarting" is stop-then-start composed
// above the state machine, not a primitive transition.
const (
	ProxyStatusCreated    = "created"
	ProxyStatusStarting   = "starting"
	ProxyStatusRunning    = "running"
	ProxyStatusRestarting = "restarting"
	ProxyStatusStopping   = "stopping"
	ProxyStatusExited     = "exited"
	ProxyStatusRemoving   = "removing"
)

// ProxySettings is the per-server proxy record (1:1 with Server).
type ProxySettings struct {
	ServerID        string    `json:"server_id" db:"server_id"`
	Type            string    `json:"type" db:"proxy_type"`
	Status          string    `json:"status" db:"status"`
	ForceStop       bool      `json:"force_stop" db:"force_stop"`
	RedirectEnabled bool      `json:"redirect_enabled" db:"redirect_enabled"`
	RedirectURL     *string   `json:"redirect_url,omitempty" db:"redirect_url"`
	// LastSavedSettings is the content fingerprint of the configuration
	// document last written to the remote host.
	LastSavedSettings string `json:"last_saved_settings" db:"last_saved_settings"`
	// LastAppliedSettings is the fingerprint of what is actually running,
	// used for drift detection.
	LastAppliedSettings string    `json:"last_applied_settings" db:"last_applied_settings"`
	CreatedAt           time.Time `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time `json:"updated_at" db:"updated_at"`
}

// ShouldRun reports whether a managed proxy container is expected on the
// server. Custom means the operator runs their own proxy; none means no
// proxy at all.
func (p *ProxySettings) ShouldRun() bool {
	return p.Type == ProxyTypeTraefik || p.Type == ProxyTypeCaddy
}

// ContainerName returns the well-known name of the managed proxy container
// for the given server. Swarm deployments use a service-style name.
func ProxyContainerName(server *Server) string {
	if server.IsSwarm() {
		return "shipyard-proxy_traefik"
	}
	return "shipyard-proxy"
}

// DefaultProxyPorts are always probed before starting the proxy, in
// addition to any ports declared in the proxy's own configuration.
var DefaultProxyPorts = []string{"80", "443"}
