package db

import (
	"context"
	"database/sql"
	"errors"

	"github.com/markdave123-py/drivesync/internal/core"
)

// KVStore implements core.KVStore on the kv_store table, for deployments
// where several instances share pipeline state.
type KVStore struct {
	db *sql.DB
}

var _ core.KVStore = (*KVStore)(nil)

func NewKVStore(c *DatabaseClient) *KVStore {
	return &KVStore{db: c.db}
}

// Close is a no-op; the pool belongs to DatabaseClient.
func (s *KVStore) Close() error { return nil }

func (s *KVStore) Get(ctx context.Context, key string) ([]byte, error) {
	var v []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE key = $1`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	return v, err
}

func (s *KVStore) Put(ctx context.Context, key string, value []byte) error {
	const q = `
		INSERT INTO kv_store (key, value, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()
	`
	_, err := s.db.ExecContext(ctx, q, key, value)
	return err
}

func (s *KVStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv_store WHERE key = $1`, key)
	return err
}

func (s *KVStore) Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM kv_store WHERE starts_with(key, $1) ORDER BY key`, prefix)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			k string
			v []byte
		)
		if err := rows.Scan(&k, &v); err != nil {
			return err
		}
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *KVStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM kv_store WHERE starts_with(key, $1)`, prefix)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
