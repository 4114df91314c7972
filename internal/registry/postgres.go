package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// serverRow is the gorm model for the arena_servers table.
type serverRow struct {
	ID              string `gorm:"primaryKey;column:id"`
	RaftAddr        string `gorm:"column:raft_addr;not null"`
	APIAddr         string `gorm:"column:api_addr;not null"`
	HTTPAddr        string `gorm:"column:http_addr"`
	RegisteredAtMs  int64  `gorm:"column:registered_at_ms;not null"`
	LastHeartbeatMs int64  `gorm:"column:last_heartbeat_ms;not null;index"`
}

func (serverRow) TableName() string { return "arena_servers" }

func toRow(s Server) serverRow {
	return serverRow{
		ID:              s.ID,
		RaftAddr:        s.RaftAddr,
		APIAddr:         s.APIAddr,
		HTTPAddr:        s.HTTPAddr,
		RegisteredAtMs:  s.RegisteredAtMs,
		LastHeartbeatMs: max(s.LastHeartbeatMs, s.RegisteredAtMs),
	}
}

func (r serverRow) server() Server {
	return Server{
		ID:              r.ID,
		RaftAddr:        r.RaftAddr,
		APIAddr:         r.APIAddr,
		HTTPAddr:        r.HTTPAddr,
		RegisteredAtMs:  r.RegisteredAtMs,
		LastHeartbeatMs: r.LastHeartbeatMs,
	}
}

// PostgresStore keeps the directory in Postgres through gorm.
type PostgresStore struct {
	db *gorm.DB
}

// OpenPostgres connects with dsn and migrates the servers table.
func OpenPostgres(dsn string, config *gorm.Config) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	if config == nil {
		config = &gorm.Config{}
	}
	db, err := gorm.Open(postgres.Open(dsn), config)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if !config.DryRun {
		if err := db.AutoMigrate(&serverRow{}); err != nil {
			return nil, fmt.Errorf("migrate servers: %w", err)
		}
	}
	return &PostgresStore{db: db}, nil
}

// Close releases the underlying connection pool.
func (p *PostgresStore) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (p *PostgresStore) Register(ctx context.Context, server Server) error {
	if err := validate(server); err != nil {
		return err
	}
	row := toRow(server)
	return p.db.WithContext(ctx).Clauses(upsertServer()).Create(&row).Error
}

func upsertServer() clause.OnConflict {
	return clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"raft_addr", "api_addr", "http_addr", "registered_at_ms", "last_heartbeat_ms"}),
	}
}

func (p *PostgresStore) Heartbeat(ctx context.Context, serverID string, atMs int64) error {
	res := p.db.WithContext(ctx).
		Model(&serverRow{}).
		Where("id = ? AND last_heartbeat_ms < ?", serverID, atMs).
		Update("last_heartbeat_ms", atMs)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	var row serverRow
	if err := p.db.WithContext(ctx).Take(&row, "id = ?", serverID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return unknownServer(serverID)
		}
		return err
	}
	return nil
}

func (p *PostgresStore) Remove(ctx context.Context, serverID string) error {
	res := p.db.WithContext(ctx).Delete(&serverRow{}, "id = ?", serverID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return unknownServer(serverID)
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context) ([]Server, error) {
	var rows []serverRow
	if err := p.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Server, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.server())
	}
	return out, nil
}
