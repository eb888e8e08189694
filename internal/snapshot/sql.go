package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	sqlTableName        = "campaignsync_snapshots"
	sqlOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// sqlDialect holds what differs between the SQL backends.
type sqlDialect struct {
	driver      string
	createTable string
	selectOne   string
	upsert      string
}

var postgresDialect = sqlDialect{
	driver: "postgres",
	createTable: `
		CREATE TABLE IF NOT EXISTS %s (
			campaign_id TEXT PRIMARY KEY,
			snapshot TEXT NOT NULL,
			saved_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	selectOne: "SELECT snapshot FROM %s WHERE campaign_id = $1",
	upsert: `
		INSERT INTO %s (campaign_id, snapshot, saved_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (campaign_id)
		DO UPDATE SET snapshot = EXCLUDED.snapshot, saved_at = EXCLUDED.saved_at`,
}

var sqliteDialect = sqlDialect{
	driver: "sqlite",
	createTable: `
		CREATE TABLE IF NOT EXISTS %s (
			campaign_id TEXT PRIMARY KEY,
			snapshot TEXT NOT NULL,
			saved_at TEXT NOT NULL
		)`,
	selectOne: "SELECT snapshot FROM %s WHERE campaign_id = ?",
	upsert: `
		INSERT INTO %s (campaign_id, snapshot, saved_at)
		VALUES (?, ?, ?)
		ON CONFLICT (campaign_id)
		DO UPDATE SET snapshot = excluded.snapshot, saved_at = excluded.saved_at`,
}

// SQLStore keeps one row per campaign; the snapshot column holds the
// JSON-encoded Snapshot. The table is created on first use; a failed
// open is retried by the next call.
type SQLStore struct {
	dsn       string
	dialect   sqlDialect
	tableName string
	openDB    sqlOpenFunc

	initMu sync.Mutex
	db     *sql.DB
}

func NewPostgresStore(dsn string) (*SQLStore, error) {
	return newSQLStore(postgresDialect, dsn)
}

// NewSQLiteStore opens (or creates) the database file at path.
func NewSQLiteStore(path string) (*SQLStore, error) {
	return newSQLStore(sqliteDialect, path)
}

func newSQLStore(dialect sqlDialect, dsn string) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &SQLStore{
		dsn:       dsn,
		dialect:   dialect,
		tableName: sqlTableName,
		openDB:    sql.Open,
	}, nil
}

func (s *SQLStore) Load(ctx context.Context, campaignID string) (*Snapshot, error) {
	db, err := s.ensureReady(ctx)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(s.dialect.selectOne, quoteIdentifier(s.tableName))
	var payload string
	err = db.QueryRowContext(ctx, query, campaignID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(payload), &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *SQLStore) Save(ctx context.Context, snap Snapshot) error {
	if strings.TrimSpace(snap.CampaignID) == "" {
		return ErrInvalidInput
	}
	db, err := s.ensureReady(ctx)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(s.dialect.upsert, quoteIdentifier(s.tableName))
	_, err = db.ExecContext(ctx, query, snap.CampaignID, string(payload), snap.SavedAt.UTC().Format(time.RFC3339Nano))
	return err
}

func (s *SQLStore) Close() error {
	if s == nil {
		return nil
	}
	s.initMu.Lock()
	defer s.initMu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLStore) ensureReady(ctx context.Context) (*sql.DB, error) {
	if s == nil {
		return nil, ErrInvalidInput
	}
	s.initMu.Lock()
	defer s.initMu.Unlock()
	if s.db != nil {
		return s.db, nil
	}
	db, err := s.openDB(s.dialect.driver, s.dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(s.dialect.createTable, quoteIdentifier(s.tableName))
	if _, err := db.ExecContext(ctx, query); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.db = db
	return db, nil
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
