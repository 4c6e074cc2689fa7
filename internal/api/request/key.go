package request

// CreatePrivateKey uploads an SSH private key for reaching servers.
type CreatePrivateKey struct {
	TeamID     string `json:"team_id" validate:"required"`
	Name       string `json:"name" validate:"required,min=1,max=255"`
	PrivateKey string `json:"private_key" validate:"required"`
}

// CreateAPIKey issues a new API key. The raw key is returned once.
type CreateAPIKey struct {
	Name string `json:"name" validate:"required,min=1,max=255"`
}
