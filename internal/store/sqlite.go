package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// SQLiteStore keeps all documents in a single documents table. Atomicity
// comes from SQLite's transactional upsert rather than file renames.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating when needed) the database at path and runs
// pending migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set migration dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate sqlite store: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, instanceID, kind string, v any) (bool, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM documents WHERE instance_id = ? AND kind = ?`,
		instanceID, kind,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read document %s/%s: %w", instanceID, kind, err)
	}

	if err := json.Unmarshal(payload, v); err != nil {
		return false, fmt.Errorf("decode document %s/%s: %w", instanceID, kind, err)
	}
	return true, nil
}

// Save implements Store.
func (s *SQLiteStore) Save(ctx context.Context, instanceID, kind string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode document %s/%s: %w", instanceID, kind, err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO documents (instance_id, kind, payload, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (instance_id, kind) DO UPDATE SET
		   payload = excluded.payload,
		   updated_at = excluded.updated_at`,
		instanceID, kind, payload, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("write document %s/%s: %w", instanceID, kind, err)
	}
	return nil
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context, instanceID, kind string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM documents WHERE instance_id = ? AND kind = ?`,
		instanceID, kind,
	)
	if err != nil {
		return fmt.Errorf("delete document %s/%s: %w", instanceID, kind, err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
