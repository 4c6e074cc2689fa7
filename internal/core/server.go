package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/edvin/shipyard/internal/model"
)

// ServerService persists servers and their proxy settings. Every proxy
// status transition is written immediately so a crash mid-operation leaves
// observable state.
type ServerService struct {
	db DB
}

func NewServerService(db DB) *ServerService {
	return &ServerService{db: db}
}

const serverColumns = `id, team_id, name, ip, port, ssh_user, private_key_id,
	is_build_server, is_swarm_manager, is_swarm_worker, is_localhost, non_root,
	cloudflare_tunnel, functional, reachable, usable, validation_state,
	validation_log, deleted_at, created_at, updated_at`

func (s *ServerService) Create(ctx context.Context, server *model.Server) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO servers (`+serverColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`,
		server.ID, server.TeamID, server.Name, server.IP, server.Port, server.User, server.PrivateKeyID,
		server.IsBuildServer, server.IsSwarmManager, server.IsSwarmWorker, server.IsLocalhost, server.NonRoot,
		server.CloudflareTunnel, server.Functional, server.Reachable, server.Usable, server.ValidationState,
		server.ValidationLog, server.DeletedAt, server.CreatedAt, server.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	_, err = s.db.Exec(ctx,
		`INSERT INTO server_proxies (server_id, proxy_type, status, force_stop, redirect_enabled, created_at, updated_at)
		 VALUES ($1, $2, $3, false, false, $4, $4)`,
		server.ID, model.ProxyTypeNone, model.ProxyStatusCreated, server.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create proxy settings: %w", err)
	}
	server.Proxy = &model.ProxySettings{
		ServerID:  server.ID,
		Type:      model.ProxyTypeNone,
		Status:    model.ProxyStatusCreated,
		CreatedAt: server.CreatedAt,
		UpdatedAt: server.CreatedAt,
	}
	return nil
}

func (s *ServerService) GetByID(ctx context.Context, id string) (*model.Server, error) {
	var srv model.Server
	err := s.db.QueryRow(ctx,
		`SELECT `+serverColumns+` FROM servers WHERE id = $1 AND deleted_at IS NULL`, id,
	).Scan(&srv.ID, &srv.TeamID, &srv.Name, &srv.IP, &srv.Port, &srv.User, &srv.PrivateKeyID,
		&srv.IsBuildServer, &srv.IsSwarmManager, &srv.IsSwarmWorker, &srv.IsLocalhost, &srv.NonRoot,
		&srv.CloudflareTunnel, &srv.Functional, &srv.Reachable, &srv.Usable, &srv.ValidationState,
		&srv.ValidationLog, &srv.DeletedAt, &srv.CreatedAt, &srv.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("get server %s: %w", id, err)
	}

	proxy, err := s.loadProxySettings(ctx, id)
	if err != nil {
		return nil, err
	}
	srv.Proxy = proxy
	return &srv, nil
}

func (s *ServerService) List(ctx context.Context, teamID string) ([]model.Server, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+serverColumns+` FROM servers WHERE team_id = $1 AND deleted_at IS NULL ORDER BY created_at`, teamID)
	if err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}
	defer rows.Close()

	var servers []model.Server
	for rows.Next() {
		var srv model.Server
		if err := rows.Scan(&srv.ID, &srv.TeamID, &srv.Name, &srv.IP, &srv.Port, &srv.User, &srv.PrivateKeyID,
			&srv.IsBuildServer, &srv.IsSwarmManager, &srv.IsSwarmWorker, &srv.IsLocalhost, &srv.NonRoot,
			&srv.CloudflareTunnel, &srv.Functional, &srv.Reachable, &srv.Usable, &srv.ValidationState,
			&srv.ValidationLog, &srv.DeletedAt, &srv.CreatedAt, &srv.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan server: %w", err)
		}
		servers = append(servers, srv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate servers: %w", err)
	}
	return servers, nil
}

// ListProxyCandidates returns the IDs of servers eligible for background
// proxy reconciliation: functional, not deleted, a managed proxy type
// assigned and not pinned down by force_stop.
func (s *ServerService) ListProxyCandidates(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx,
		`SELECT s.id FROM servers s
		 JOIN server_proxies p ON p.server_id = s.id
		 WHERE s.functional AND s.deleted_at IS NULL AND NOT s.is_build_server
		   AND p.proxy_type IN ($1, $2) AND NOT p.force_stop
		 ORDER BY s.created_at`,
		model.ProxyTypeTraefik, model.ProxyTypeCaddy)
	if err != nil {
		return nil, fmt.Errorf("list proxy candidates: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan proxy candidate: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate proxy candidates: %w", err)
	}
	return ids, nil
}

// Update persists the operator-editable connection fields. Changing any of
// them invalidates previous validation results, so callers are expected to
// re-validate afterwards.
func (s *ServerService) Update(ctx context.Context, server *model.Server) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE servers SET name = $2, ip = $3, port = $4, ssh_user = $5, private_key_id = $6,
		 is_build_server = $7, is_swarm_manager = $8, is_swarm_worker = $9, non_root = $10,
		 cloudflare_tunnel = $11, updated_at = now()
		 WHERE id = $1 AND deleted_at IS NULL`,
		server.ID, server.Name, server.IP, server.Port, server.User, server.PrivateKeyID,
		server.IsBuildServer, server.IsSwarmManager, server.IsSwarmWorker, server.NonRoot,
		server.CloudflareTunnel)
	if err != nil {
		return fmt.Errorf("update server %s: %w", server.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("server %s not found", server.ID)
	}
	return nil
}

// SoftDelete marks the server deleted without removing the row; resources
// may still reference it.
func (s *ServerService) SoftDelete(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE servers SET deleted_at = now(), updated_at = now() WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("soft-delete server %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("server %s not found", id)
	}
	return nil
}

// UpdateValidation persists the validation pipeline outcome and derived
// capability flags.
func (s *ServerService) UpdateValidation(ctx context.Context, server *model.Server) error {
	_, err := s.db.Exec(ctx,
		`UPDATE servers SET validation_state = $2, validation_log = $3, functional = $4,
		 reachable = $5, usable = $6, updated_at = now() WHERE id = $1`,
		server.ID, server.ValidationState, server.ValidationLog,
		server.Functional, server.Reachable, server.Usable)
	if err != nil {
		return fmt.Errorf("update server validation %s: %w", server.ID, err)
	}
	return nil
}

func (s *ServerService) loadProxySettings(ctx context.Context, serverID string) (*model.ProxySettings, error) {
	var p model.ProxySettings
	err := s.db.QueryRow(ctx,
		`SELECT server_id, proxy_type, status, force_stop, redirect_enabled, redirect_url,
		 last_saved_settings, last_applied_settings, created_at, updated_at
		 FROM server_proxies WHERE server_id = $1`, serverID,
	).Scan(&p.ServerID, &p.Type, &p.Status, &p.ForceStop, &p.RedirectEnabled, &p.RedirectURL,
		&p.LastSavedSettings, &p.LastAppliedSettings, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load proxy settings for server %s: %w", serverID, err)
	}
	return &p, nil
}

// SaveProxySettings upserts the proxy record. Satisfies proxy.Store.
func (s *ServerService) SaveProxySettings(ctx context.Context, settings *model.ProxySettings) error {
	settings.UpdatedAt = time.Now()
	_, err := s.db.Exec(ctx,
		`INSERT INTO server_proxies (server_id, proxy_type, status, force_stop, redirect_enabled, redirect_url,
		 last_saved_settings, last_applied_settings, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), $9)
		 ON CONFLICT (server_id) DO UPDATE SET
		   proxy_type = EXCLUDED.proxy_type,
		   status = EXCLUDED.status,
		   force_stop = EXCLUDED.force_stop,
		   redirect_enabled = EXCLUDED.redirect_enabled,
		   redirect_url = EXCLUDED.redirect_url,
		   last_saved_settings = EXCLUDED.last_saved_settings,
		   last_applied_settings = EXCLUDED.last_applied_settings,
		   updated_at = EXCLUDED.updated_at`,
		settings.ServerID, settings.Type, settings.Status, settings.ForceStop,
		settings.RedirectEnabled, settings.RedirectURL,
		settings.LastSavedSettings, settings.LastAppliedSettings, settings.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save proxy settings for server %s: %w", settings.ServerID, err)
	}
	return nil
}

// ClearProxySettings resets a server's proxy assignment to none, e.g. when
// a server becomes a build server. Satisfies proxy.Store.
func (s *ServerService) ClearProxySettings(ctx context.Context, serverID string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE server_proxies SET proxy_type = $2, status = $3, force_stop = false,
		 last_saved_settings = '', last_applied_settings = '', updated_at = now()
		 WHERE server_id = $1`,
		serverID, model.ProxyTypeNone, model.ProxyStatusExited)
	if err != nil {
		return fmt.Errorf("clear proxy settings for server %s: %w", serverID, err)
	}
	return nil
}
