// Package state persists orchestrator records (tasks, workers,
// workspaces, planner state) across restarts. Records are stored as
// JSON payloads in a single keyed table so the schema never needs to
// chase the domain types.
package state

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/randalmurphal/boardflow/internal/state/driver"
)

//go:embed schema/*.sql
var schemaFS embed.FS

// Record kinds. Each domain package owns the payload shape of its kind.
const (
	KindTask      = "task"
	KindWorker    = "worker"
	KindWorkspace = "workspace"
	KindPlanner   = "planner"
)

// PlannerStateKey is the singleton key under KindPlanner.
const PlannerStateKey = "state"

// Store is the durable record store.
type Store struct {
	drv driver.Driver
}

// Open connects to the backing database and applies migrations.
func Open(ctx context.Context, dialect driver.Dialect, dsn string) (*Store, error) {
	drv, err := driver.New(dialect)
	if err != nil {
		return nil, err
	}
	if err := drv.Open(dsn); err != nil {
		return nil, err
	}
	if err := drv.Migrate(ctx, schemaFS); err != nil {
		_ = drv.Close()
		return nil, fmt.Errorf("migrate state schema: %w", err)
	}
	return &Store{drv: drv}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.drv.Close()
}

// Put upserts a record, JSON-encoding v as the payload.
func (s *Store) Put(ctx context.Context, kind, key string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", kind, key, err)
	}

	p := s.drv.Placeholder
	query := fmt.Sprintf(`
		INSERT INTO records (kind, key, payload, updated_at)
		VALUES (%s, %s, %s, %s)
		ON CONFLICT (kind, key) DO UPDATE SET
			payload = excluded.payload,
			updated_at = excluded.updated_at`,
		p(1), p(2), p(3), p(4))

	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := s.drv.Exec(ctx, query, kind, key, string(payload), now); err != nil {
		return fmt.Errorf("put %s/%s: %w", kind, key, err)
	}
	return nil
}

// Get loads a record into out. Returns false when the record does not
// exist.
func (s *Store) Get(ctx context.Context, kind, key string, out any) (bool, error) {
	p := s.drv.Placeholder
	query := fmt.Sprintf("SELECT payload FROM records WHERE kind = %s AND key = %s", p(1), p(2))

	var payload string
	err := s.drv.QueryRow(ctx, query, kind, key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s/%s: %w", kind, key, err)
	}
	if err := json.Unmarshal([]byte(payload), out); err != nil {
		return false, fmt.Errorf("decode %s/%s: %w", kind, key, err)
	}
	return true, nil
}

// List streams every record of a kind to each, ordered by key.
func (s *Store) List(ctx context.Context, kind string, each func(key string, payload []byte) error) error {
	p := s.drv.Placeholder
	query := fmt.Sprintf("SELECT key, payload FROM records WHERE kind = %s ORDER BY key", p(1))

	rows, err := s.drv.Query(ctx, query, kind)
	if err != nil {
		return fmt.Errorf("list %s: %w", kind, err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var key, payload string
		if err := rows.Scan(&key, &payload); err != nil {
			return fmt.Errorf("scan %s record: %w", kind, err)
		}
		if err := each(key, []byte(payload)); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Delete removes a record. Deleting a missing record is not an error.
func (s *Store) Delete(ctx context.Context, kind, key string) error {
	p := s.drv.Placeholder
	query := fmt.Sprintf("DELETE FROM records WHERE kind = %s AND key = %s", p(1), p(2))
	if _, err := s.drv.Exec(ctx, query, kind, key); err != nil {
		return fmt.Errorf("delete %s/%s: %w", kind, key, err)
	}
	return nil
}

// ListInto decodes every record of a kind into a slice of T.
func ListInto[T any](ctx context.Context, s *Store, kind string) ([]T, error) {
	var out []T
	err := s.List(ctx, kind, func(key string, payload []byte) error {
		var v T
		if err := json.Unmarshal(payload, &v); err != nil {
			return fmt.Errorf("decode %s/%s: %w", kind, key, err)
		}
		out = append(out, v)
		return nil
	})
	return out, err
}
