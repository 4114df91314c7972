package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	apperrors "github.com/DoyleJ11/arena-backend/internal/platform/errors"
	"github.com/DoyleJ11/arena-backend/internal/replay"
)

// ReplayCatalog implements replay.Catalog on the replays table.
type ReplayCatalog struct {
	store *Store
}

var _ replay.Catalog = (*ReplayCatalog)(nil)

// Replays exposes the replay catalog.
func (s *Store) Replays() *ReplayCatalog {
	return &ReplayCatalog{store: s}
}

// Index records meta. A game is indexed at most once.
func (c *ReplayCatalog) Index(ctx context.Context, meta replay.Metadata) error {
	if err := c.store.ready(ctx); err != nil {
		return err
	}
	if meta.GameID == "" {
		return apperrors.New(apperrors.CodeInvalidCommand, "game id is required")
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal replay metadata: %w", err)
	}
	_, err = c.store.sqlDB.ExecContext(ctx,
		`INSERT INTO replays (game_id, metadata_json, game_kind, started_at, ended_at, final_tick, event_count)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		meta.GameID, string(raw), string(meta.Type.Kind), meta.StartedAtMs, meta.EndedAtMs, int64(meta.FinalTick), meta.EventCount,
	)
	if isConstraintViolation(err) {
		return apperrors.WithMetadata(apperrors.CodeAlreadyExists, "replay already indexed", map[string]string{"game_id": meta.GameID})
	}
	if err != nil {
		return fmt.Errorf("index replay %s: %w", meta.GameID, err)
	}
	return nil
}

// List orders by end time, newest first. A non-positive limit means all.
func (c *ReplayCatalog) List(ctx context.Context, limit, offset int) ([]replay.Metadata, error) {
	if err := c.store.ready(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := c.store.sqlDB.QueryContext(ctx,
		`SELECT metadata_json FROM replays ORDER BY ended_at DESC, game_id LIMIT ? OFFSET ?`,
		limit, max(offset, 0),
	)
	if err != nil {
		return nil, fmt.Errorf("list replays: %w", err)
	}
	defer rows.Close()

	out := []replay.Metadata{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan replay: %w", err)
		}
		meta, err := decodeMetadata(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, meta)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate replays: %w", err)
	}
	return out, nil
}

func (c *ReplayCatalog) Get(ctx context.Context, gameID string) (replay.Metadata, error) {
	if err := c.store.ready(ctx); err != nil {
		return replay.Metadata{}, err
	}
	var raw string
	err := c.store.sqlDB.QueryRowContext(ctx, `SELECT metadata_json FROM replays WHERE game_id = ?`, gameID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return replay.Metadata{}, apperrors.WithMetadata(apperrors.CodeReplayNotFound, "replay "+gameID+" not found", map[string]string{"game_id": gameID})
	}
	if err != nil {
		return replay.Metadata{}, fmt.Errorf("get replay %s: %w", gameID, err)
	}
	return decodeMetadata(raw)
}

func decodeMetadata(raw string) (replay.Metadata, error) {
	var meta replay.Metadata
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return replay.Metadata{}, fmt.Errorf("decode replay metadata: %w", err)
	}
	return meta, nil
}
