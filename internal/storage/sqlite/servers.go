package sqlite

import (
	"context"
	"fmt"
	"strings"

	apperrors "github.com/DoyleJ11/arena-backend/internal/platform/errors"
	"github.com/DoyleJ11/arena-backend/internal/registry"
)

// ServerStore implements registry.Store on the servers table.
type ServerStore struct {
	store *Store
}

var _ registry.Store = (*ServerStore)(nil)

// Servers exposes the server directory.
func (s *Store) Servers() *ServerStore {
	return &ServerStore{store: s}
}

func (s *ServerStore) Register(ctx context.Context, server registry.Server) error {
	if err := s.store.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(server.ID) == "" || strings.TrimSpace(server.RaftAddr) == "" || strings.TrimSpace(server.APIAddr) == "" {
		return apperrors.New(apperrors.CodeInvalidCommand, "server id and addresses are required")
	}
	heartbeat := max(server.LastHeartbeatMs, server.RegisteredAtMs)
	_, err := s.store.sqlDB.ExecContext(ctx,
		`INSERT INTO servers (server_id, raft_addr, api_addr, http_addr, registered_at, last_heartbeat_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(server_id) DO UPDATE SET
    raft_addr = excluded.raft_addr,
    api_addr = excluded.api_addr,
    http_addr = excluded.http_addr,
    registered_at = excluded.registered_at,
    last_heartbeat_at = excluded.last_heartbeat_at`,
		server.ID, server.RaftAddr, server.APIAddr, server.HTTPAddr, server.RegisteredAtMs, heartbeat,
	)
	if err != nil {
		return fmt.Errorf("register server %s: %w", server.ID, err)
	}
	return nil
}

func (s *ServerStore) Heartbeat(ctx context.Context, serverID string, atMs int64) error {
	if err := s.store.ready(ctx); err != nil {
		return err
	}
	res, err := s.store.sqlDB.ExecContext(ctx,
		`UPDATE servers SET last_heartbeat_at = MAX(last_heartbeat_at, ?) WHERE server_id = ?`,
		atMs, serverID,
	)
	if err != nil {
		return fmt.Errorf("heartbeat server %s: %w", serverID, err)
	}
	return requireRow(res, serverID)
}

func (s *ServerStore) Remove(ctx context.Context, serverID string) error {
	if err := s.store.ready(ctx); err != nil {
		return err
	}
	res, err := s.store.sqlDB.ExecContext(ctx, `DELETE FROM servers WHERE server_id = ?`, serverID)
	if err != nil {
		return fmt.Errorf("remove server %s: %w", serverID, err)
	}
	return requireRow(res, serverID)
}

func (s *ServerStore) List(ctx context.Context) ([]registry.Server, error) {
	if err := s.store.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.store.sqlDB.QueryContext(ctx,
		`SELECT server_id, raft_addr, api_addr, http_addr, registered_at, last_heartbeat_at
FROM servers ORDER BY server_id`)
	if err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}
	defer rows.Close()

	var out []registry.Server
	for rows.Next() {
		var srv registry.Server
		if err := rows.Scan(&srv.ID, &srv.RaftAddr, &srv.APIAddr, &srv.HTTPAddr, &srv.RegisteredAtMs, &srv.LastHeartbeatMs); err != nil {
			return nil, fmt.Errorf("scan server: %w", err)
		}
		out = append(out, srv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate servers: %w", err)
	}
	return out, nil
}

type rowsAffected interface {
	RowsAffected() (int64, error)
}

func requireRow(res rowsAffected, serverID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return apperrors.WithMetadata(apperrors.CodeUnknownServer, "server "+serverID+" not registered", map[string]string{"server_id": serverID})
	}
	return nil
}
