package model

import (
	"strconv"
	"time"
)

// Validation pipeline states for a server, in order. A server only becomes
// eligible for proxy reconciliation once it reaches ValidationReady (build
// servers skip the proxy-specific checks).
const (
	ValidationUnvalidated          = "unvalidated"
	ValidationConnectionChecked    = "connection_checked"
	ValidationOSChecked            = "os_checked"
	ValidationEngineChecked        = "engine_checked"
	ValidationEngineVersionChecked = "engine_version_checked"
	ValidationReady                = "ready"
	ValidationFailed               = "failed"
)

type Server struct {
	ID             string     `json:"id" db:"id"`
	TeamID         string     `json:"team_id" db:"team_id"`
	Name           string     `json:"name" db:"name"`
	IP             string     `json:"ip" db:"ip"`
	Port           int        `json:"port" db:"port"`
	User           string     `json:"user" db:"ssh_user"`
	PrivateKeyID   string     `json:"private_key_id" db:"private_key_id"`
	IsBuildServer  bool       `json:"is_build_server" db:"is_build_server"`
	IsSwarmManager bool       `json:"is_swarm_manager" db:"is_swarm_manager"`
	IsSwarmWorker  bool       `json:"is_swarm_worker" db:"is_swarm_worker"`
	IsLocalhost    bool       `json:"is_localhost" db:"is_localhost"`
	NonRoot        bool       `json:"non_root" db:"non_root"`
	// CloudflareTunnel means the server is reached exclusively through a
	// managed tunnel and exposes no local ports for the proxy.
	CloudflareTunnel bool       `json:"cloudflare_tunnel" db:"cloudflare_tunnel"`
	Functional       bool       `json:"functional" db:"functional"`
	Reachable        bool       `json:"reachable" db:"reachable"`
	Usable           bool       `json:"usable" db:"usable"`
	ValidationState  string     `json:"validation_state" db:"validation_state"`
	ValidationLog    *string    `json:"validation_log,omitempty" db:"validation_log"`
	DeletedAt        *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at" db:"updated_at"`

	Proxy *ProxySettings `json:"proxy,omitempty" db:"-"`
}

// Address returns the host:port the SSH transport should dial.
func (s *Server) Address() string {
	port := s.Port
	if port == 0 {
		port = 22
	}
	return s.IP + ":" + strconv.Itoa(port)
}

// IsSwarm reports whether the server participates in a swarm in any role.
func (s *Server) IsSwarm() bool {
	return s.IsSwarmManager || s.IsSwarmWorker
}
