package model

import "time"

// PrivateKey is an SSH private key used to reach managed servers. The key
// material never leaves the API in responses; only the fingerprint does.
type PrivateKey struct {
	ID          string    `json:"id"`
	TeamID      string    `json:"team_id"`
	Name        string    `json:"name"`
	Fingerprint string    `json:"fingerprint"`
	PrivateKey  string    `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
