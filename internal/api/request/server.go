package request

// CreateServer registers a server to be managed over SSH.
type CreateServer struct {
	TeamID           string `json:"team_id" validate:"required"`
	Name             string `json:"name" validate:"required,slug"`
	IP               string `json:"ip" validate:"required"`
	Port             int    `json:"port" validate:"omitempty,min=1,max=65535"`
	User             string `json:"user" validate:"required"`
	PrivateKeyID     string `json:"private_key_id" validate:"required"`
	IsBuildServer    bool   `json:"is_build_server"`
	IsSwarmManager   bool   `json:"is_swarm_manager"`
	IsSwarmWorker    bool   `json:"is_swarm_worker"`
	IsLocalhost      bool   `json:"is_localhost"`
	NonRoot          bool   `json:"non_root"`
	CloudflareTunnel bool   `json:"cloudflare_tunnel"`
}

// UpdateServer edits a server's connection settings. Omitted pointers keep
// the stored value.
type UpdateServer struct {
	Name             *string `json:"name" validate:"omitempty,slug"`
	IP               *string `json:"ip"`
	Port             *int    `json:"port" validate:"omitempty,min=1,max=65535"`
	User             *string `json:"user"`
	PrivateKeyID     *string `json:"private_key_id"`
	IsBuildServer    *bool   `json:"is_build_server"`
	IsSwarmManager   *bool   `json:"is_swarm_manager"`
	IsSwarmWorker    *bool   `json:"is_swarm_worker"`
	NonRoot          *bool   `json:"non_root"`
	CloudflareTunnel *bool   `json:"cloudflare_tunnel"`
}

// ExecuteCommands runs an ad-hoc command batch on a server.
type ExecuteCommands struct {
	Commands []string `json:"commands" validate:"required,min=1,dive,required"`
}
