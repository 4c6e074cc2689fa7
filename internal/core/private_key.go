package core

import (
	"context"
	"fmt"

	"golang.org/x/crypto/ssh"

	"github.com/edvin/shipyard/internal/model"
	"github.com/edvin/shipyard/internal/platform"
)

// PrivateKeyService manages SSH private keys against the core database.
// It also serves key material to the SSH transport.
type PrivateKeyService struct {
	db DB
}

// NewPrivateKeyService creates a new PrivateKeyService.
func NewPrivateKeyService(db DB) *PrivateKeyService {
	return &PrivateKeyService{db: db}
}

// Create validates and inserts a new private key. The fingerprint is derived
// from the key material so duplicates are easy to spot.
func (s *PrivateKeyService) Create(ctx context.Context, teamID, name, keyPEM string) (*model.PrivateKey, error) {
	signer, err := ssh.ParsePrivateKey([]byte(keyPEM))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	key := &model.PrivateKey{
		ID:          platform.NewID(),
		TeamID:      teamID,
		Name:        name,
		Fingerprint: ssh.FingerprintSHA256(signer.PublicKey()),
		PrivateKey:  keyPEM,
	}

	err = s.db.QueryRow(ctx,
		`INSERT INTO private_keys (id, team_id, name, fingerprint, private_key, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, now(), now())
		 RETURNING created_at, updated_at`,
		key.ID, key.TeamID, key.Name, key.Fingerprint, key.PrivateKey,
	).Scan(&key.CreatedAt, &key.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert private key: %w", err)
	}
	return key, nil
}

// GetByID retrieves a private key by its ID, key material included.
func (s *PrivateKeyService) GetByID(ctx context.Context, id string) (*model.PrivateKey, error) {
	var k model.PrivateKey
	err := s.db.QueryRow(ctx,
		`SELECT id, team_id, name, fingerprint, private_key, created_at, updated_at
		 FROM private_keys WHERE id = $1`, id,
	).Scan(&k.ID, &k.TeamID, &k.Name, &k.Fingerprint, &k.PrivateKey, &k.CreatedAt, &k.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("get private key %s: %w", id, err)
	}
	return &k, nil
}

// ListByTeam retrieves private keys for a team, without key material.
func (s *PrivateKeyService) ListByTeam(ctx context.Context, teamID string) ([]model.PrivateKey, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, team_id, name, fingerprint, created_at, updated_at
		 FROM private_keys WHERE team_id = $1 ORDER BY created_at`, teamID,
	)
	if err != nil {
		return nil, fmt.Errorf("list private keys for team %s: %w", teamID, err)
	}
	defer rows.Close()

	var keys []model.PrivateKey
	for rows.Next() {
		var k model.PrivateKey
		if err := rows.Scan(&k.ID, &k.TeamID, &k.Name, &k.Fingerprint, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan private key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate private keys: %w", err)
	}
	return keys, nil
}

// Delete removes a private key. It fails while any server still references
// the key, via the foreign key constraint.
func (s *PrivateKeyService) Delete(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, "DELETE FROM private_keys WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete private key %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("private key %s not found", id)
	}
	return nil
}

// PrivateKey returns the raw PEM for a key ID. Satisfies the SSH transport's
// key loader contract.
func (s *PrivateKeyService) PrivateKey(ctx context.Context, keyID string) ([]byte, error) {
	var pem string
	err := s.db.QueryRow(ctx, "SELECT private_key FROM private_keys WHERE id = $1", keyID).Scan(&pem)
	if err != nil {
		return nil, fmt.Errorf("load private key %s: %w", keyID, err)
	}
	return []byte(pem), nil
}
