package replay

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	apperrors "github.com/DoyleJ11/arena-backend/internal/platform/errors"
)

// Store persists whole recordings.
type Store interface {
	Save(ctx context.Context, data *Data) error
	Load(ctx context.Context, gameID string) (*Data, error)
}

// Catalog indexes recording metadata for listing.
type Catalog interface {
	Index(ctx context.Context, meta Metadata) error
	List(ctx context.Context, limit, offset int) ([]Metadata, error)
	Get(ctx context.Context, gameID string) (Metadata, error)
}

const fileSuffix = ".ndjson.gz"

// FileStore keeps one gzip NDJSON file per game in a directory.
type FileStore struct {
	dir string
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("replay dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create replay dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Path is the file holding gameID's recording.
func (f *FileStore) Path(gameID string) string {
	return filepath.Join(f.dir, gameID+fileSuffix)
}

// Save writes to a temp file and renames it into place.
func (f *FileStore) Save(ctx context.Context, data *Data) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validGameID(data.Metadata.GameID); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(f.dir, data.Metadata.GameID+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp replay: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := Encode(tmp, data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync replay: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close replay: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.Path(data.Metadata.GameID)); err != nil {
		return fmt.Errorf("publish replay: %w", err)
	}
	return nil
}

func (f *FileStore) Load(ctx context.Context, gameID string) (*Data, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validGameID(gameID); err != nil {
		return nil, err
	}
	file, err := os.Open(f.Path(gameID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, notFound(gameID)
		}
		return nil, fmt.Errorf("open replay: %w", err)
	}
	defer file.Close()
	return Decode(file)
}

func validGameID(id string) error {
	if strings.TrimSpace(id) == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return apperrors.WithMetadata(apperrors.CodeInvalidCommand, "invalid game id", map[string]string{"game_id": id})
	}
	return nil
}

func notFound(gameID string) error {
	return apperrors.WithMetadata(apperrors.CodeReplayNotFound, "replay "+gameID+" not found", map[string]string{"game_id": gameID})
}

// MemoryStore keeps encoded recordings in memory and doubles as a Catalog.
type MemoryStore struct {
	mu    sync.RWMutex
	files map[string][]byte
	meta  map[string]Metadata
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{files: map[string][]byte{}, meta: map[string]Metadata{}}
}

func (m *MemoryStore) Save(ctx context.Context, data *Data) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validGameID(data.Metadata.GameID); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := Encode(&buf, data); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[data.Metadata.GameID] = buf.Bytes()
	return nil
}

func (m *MemoryStore) Load(ctx context.Context, gameID string) (*Data, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	raw, ok := m.files[gameID]
	m.mu.RUnlock()
	if !ok {
		return nil, notFound(gameID)
	}
	return Decode(bytes.NewReader(raw))
}

func (m *MemoryStore) Index(ctx context.Context, meta Metadata) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.meta[meta.GameID] = meta
	return nil
}

// List orders by end time, newest first, then game id.
func (m *MemoryStore) List(ctx context.Context, limit, offset int) ([]Metadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	out := make([]Metadata, 0, len(m.meta))
	for _, meta := range m.meta {
		out = append(out, meta)
	}
	m.mu.RUnlock()
	slices.SortFunc(out, func(a, b Metadata) int {
		if c := cmp.Compare(b.EndedAtMs, a.EndedAtMs); c != 0 {
			return c
		}
		return cmp.Compare(a.GameID, b.GameID)
	})
	return Page(out, limit, offset), nil
}

func (m *MemoryStore) Get(ctx context.Context, gameID string) (Metadata, error) {
	if err := ctx.Err(); err != nil {
		return Metadata{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	meta, ok := m.meta[gameID]
	if !ok {
		return Metadata{}, notFound(gameID)
	}
	return meta, nil
}

// Page applies limit and offset to items. A non-positive limit means all.
func Page[T any](items []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
