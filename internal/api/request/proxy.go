package request

// UpdateProxySettings edits a server's proxy assignment.
type UpdateProxySettings struct {
	Type            *string `json:"type" validate:"omitempty,oneof=none traefik caddy custom"`
	ForceStop       *bool   `json:"force_stop"`
	RedirectEnabled *bool   `json:"redirect_enabled"`
	RedirectURL     *string `json:"redirect_url" validate:"omitempty,url"`
}

// StartProxy triggers a proxy start operation.
type StartProxy struct {
	// Force starts the proxy even when port conflict probes report the
	// proxy ports taken.
	Force bool `json:"force"`
}

// StopProxy triggers a proxy stop operation.
type StopProxy struct {
	ForceStop      bool `json:"force_stop"`
	TimeoutSeconds int  `json:"timeout_seconds" validate:"omitempty,min=1,max=600"`
}

// SaveProxyConfig replaces the proxy's configuration document on the server.
type SaveProxyConfig struct {
	Content string `json:"content" validate:"required"`
}
