package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/raft"
)

// errKeyNotFound matches the text raft expects from a StableStore miss.
var errKeyNotFound = errors.New("not found")

// RaftStore implements raft.LogStore and raft.StableStore on the raft_logs
// and raft_stable tables.
type RaftStore struct {
	store *Store
}

var (
	_ raft.LogStore    = (*RaftStore)(nil)
	_ raft.StableStore = (*RaftStore)(nil)
)

// Raft exposes the raft log and stable store.
func (s *Store) Raft() *RaftStore {
	return &RaftStore{store: s}
}

func (r *RaftStore) db() (*sql.DB, error) {
	if err := r.store.ready(context.Background()); err != nil {
		return nil, err
	}
	return r.store.sqlDB, nil
}

func (r *RaftStore) FirstIndex() (uint64, error) {
	return r.boundIndex(`SELECT COALESCE(MIN(log_index), 0) FROM raft_logs`)
}

func (r *RaftStore) LastIndex() (uint64, error) {
	return r.boundIndex(`SELECT COALESCE(MAX(log_index), 0) FROM raft_logs`)
}

func (r *RaftStore) boundIndex(query string) (uint64, error) {
	db, err := r.db()
	if err != nil {
		return 0, err
	}
	var idx int64
	if err := db.QueryRow(query).Scan(&idx); err != nil {
		return 0, fmt.Errorf("read log bound: %w", err)
	}
	return uint64(idx), nil
}

func (r *RaftStore) GetLog(index uint64, log *raft.Log) error {
	db, err := r.db()
	if err != nil {
		return err
	}
	var (
		term, logType, appendedAt int64
		data, extensions          []byte
	)
	err = db.QueryRow(
		`SELECT term, log_type, data, extensions, appended_at FROM raft_logs WHERE log_index = ?`,
		int64(index),
	).Scan(&term, &logType, &data, &extensions, &appendedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return raft.ErrLogNotFound
	}
	if err != nil {
		return fmt.Errorf("get log %d: %w", index, err)
	}
	log.Index = index
	log.Term = uint64(term)
	log.Type = raft.LogType(logType)
	log.Data = data
	log.Extensions = extensions
	log.AppendedAt = time.Time{}
	if appendedAt != 0 {
		log.AppendedAt = time.Unix(0, appendedAt).UTC()
	}
	return nil
}

func (r *RaftStore) StoreLog(log *raft.Log) error {
	return r.StoreLogs([]*raft.Log{log})
}

// StoreLogs writes logs in one transaction, replacing entries at the same
// index.
func (r *RaftStore) StoreLogs(logs []*raft.Log) error {
	db, err := r.db()
	if err != nil {
		return err
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin store logs: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT INTO raft_logs (log_index, term, log_type, data, extensions, appended_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(log_index) DO UPDATE SET
    term = excluded.term,
    log_type = excluded.log_type,
    data = excluded.data,
    extensions = excluded.extensions,
    appended_at = excluded.appended_at`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare store logs: %w", err)
	}
	defer stmt.Close()
	for _, log := range logs {
		var appendedAt int64
		if !log.AppendedAt.IsZero() {
			appendedAt = log.AppendedAt.UnixNano()
		}
		if _, err := stmt.Exec(int64(log.Index), int64(log.Term), int64(log.Type), log.Data, log.Extensions, appendedAt); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("store log %d: %w", log.Index, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit store logs: %w", err)
	}
	return nil
}

// DeleteRange removes logs in [min, max].
func (r *RaftStore) DeleteRange(min, max uint64) error {
	db, err := r.db()
	if err != nil {
		return err
	}
	if _, err := db.Exec(`DELETE FROM raft_logs WHERE log_index >= ? AND log_index <= ?`, int64(min), int64(max)); err != nil {
		return fmt.Errorf("delete logs %d-%d: %w", min, max, err)
	}
	return nil
}

func (r *RaftStore) Set(key []byte, val []byte) error {
	db, err := r.db()
	if err != nil {
		return err
	}
	if val == nil {
		val = []byte{}
	}
	if _, err := db.Exec(
		`INSERT INTO raft_stable (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, val,
	); err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	return nil
}

func (r *RaftStore) Get(key []byte) ([]byte, error) {
	db, err := r.db()
	if err != nil {
		return nil, err
	}
	var val []byte
	err = db.QueryRow(`SELECT value FROM raft_stable WHERE key = ?`, key).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %q: %w", key, err)
	}
	return val, nil
}

func (r *RaftStore) SetUint64(key []byte, val uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], val)
	return r.Set(key, buf[:])
}

func (r *RaftStore) GetUint64(key []byte) (uint64, error) {
	val, err := r.Get(key)
	if err != nil {
		return 0, err
	}
	if len(val) != 8 {
		return 0, fmt.Errorf("value for %q is %d bytes, want 8", key, len(val))
	}
	return binary.BigEndian.Uint64(val), nil
}
