// Package registry persists the directory of arena servers outside the
// replicated log, so a restarting node can find peers to join.
package registry

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"sync"

	apperrors "github.com/DoyleJ11/arena-backend/internal/platform/errors"
	"github.com/DoyleJ11/arena-backend/internal/statemachine"
)

// Server is one directory entry.
type Server = statemachine.ServerRegistration

// Store is the server directory capability. Register replaces an existing
// entry with the same id.
type Store interface {
	Register(ctx context.Context, server Server) error
	Heartbeat(ctx context.Context, serverID string, atMs int64) error
	Remove(ctx context.Context, serverID string) error
	List(ctx context.Context) ([]Server, error)
}

// Live filters servers whose last heartbeat is within ttlMs of nowMs.
func Live(servers []Server, nowMs, ttlMs int64) []Server {
	out := make([]Server, 0, len(servers))
	for _, s := range servers {
		if nowMs-s.LastHeartbeatMs <= ttlMs {
			out = append(out, s)
		}
	}
	return out
}

func validate(server Server) error {
	if strings.TrimSpace(server.ID) == "" {
		return apperrors.New(apperrors.CodeInvalidCommand, "server id is required")
	}
	if strings.TrimSpace(server.RaftAddr) == "" || strings.TrimSpace(server.APIAddr) == "" {
		return apperrors.New(apperrors.CodeInvalidCommand, "server addresses are required")
	}
	return nil
}

// MemoryStore keeps the directory in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	servers map[string]Server
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{servers: map[string]Server{}}
}

func (m *MemoryStore) Register(ctx context.Context, server Server) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validate(server); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if server.LastHeartbeatMs < server.RegisteredAtMs {
		server.LastHeartbeatMs = server.RegisteredAtMs
	}
	m.servers[server.ID] = server
	return nil
}

func (m *MemoryStore) Heartbeat(ctx context.Context, serverID string, atMs int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.servers[serverID]
	if !ok {
		return unknownServer(serverID)
	}
	if atMs > s.LastHeartbeatMs {
		s.LastHeartbeatMs = atMs
	}
	m.servers[serverID] = s
	return nil
}

func (m *MemoryStore) Remove(ctx context.Context, serverID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.servers[serverID]; !ok {
		return unknownServer(serverID)
	}
	delete(m.servers, serverID)
	return nil
}

func (m *MemoryStore) List(ctx context.Context) ([]Server, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Server, 0, len(m.servers))
	for _, s := range m.servers {
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b Server) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func unknownServer(id string) error {
	return apperrors.WithMetadata(apperrors.CodeUnknownServer, "server "+id+" not registered", map[string]string{"server_id": id})
}
