package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLite keeps documents in the kv table created by the embedded migrations.
type SQLite struct {
	DB  *sql.DB
	Now func() time.Time
}

func NewSQLite(db *sql.DB) *SQLite {
	return &SQLite{DB: db}
}

func (s *SQLite) now() string {
	if s.Now != nil {
		return s.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

func (s *SQLite) Get(ctx context.Context, key string) (Record, error) {
	var rec Record
	var value string
	err := s.DB.QueryRowContext(ctx, `SELECT value, version FROM kv WHERE key=?`, key).Scan(&value, &rec.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get %s: %w", key, err)
	}
	rec.Value = []byte(value)
	return rec, nil
}

func (s *SQLite) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO kv(key, value, version, updated_at) VALUES (?,?,1,?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value, version=kv.version+1, updated_at=excluded.updated_at`,
		key, string(value), s.now())
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (s *SQLite) CompareAndSwap(ctx context.Context, key string, version int64, value []byte) error {
	var (
		res sql.Result
		err error
	)
	if version == 0 {
		res, err = s.DB.ExecContext(ctx, `INSERT INTO kv(key, value, version, updated_at) VALUES (?,?,1,?) ON CONFLICT(key) DO NOTHING`,
			key, string(value), s.now())
	} else {
		res, err = s.DB.ExecContext(ctx, `UPDATE kv SET value=?, version=version+1, updated_at=? WHERE key=? AND version=?`,
			string(value), s.now(), key, version)
	}
	if err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

func (s *SQLite) Delete(ctx context.Context, key string) error {
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM kv WHERE key=?`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Close is a no-op; the connection belongs to the caller.
func (s *SQLite) Close() error { return nil }
