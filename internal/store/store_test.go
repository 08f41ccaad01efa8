package store_test

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitetrack/internal/db"
	"sitetrack/internal/migrate"
	"sitetrack/internal/store"
)

func newSQLite(t *testing.T) store.Store {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return store.NewSQLite(conn)
}

func exerciseStore(t *testing.T, s store.Store) {
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.Put(ctx, "doc", []byte(`{"a":1}`)))
	rec, err := s.Get(ctx, "doc")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(rec.Value))
	assert.Equal(t, int64(1), rec.Version)

	// stale version is rejected
	require.NoError(t, s.CompareAndSwap(ctx, "doc", rec.Version, []byte(`{"a":2}`)))
	err = s.CompareAndSwap(ctx, "doc", rec.Version, []byte(`{"a":3}`))
	assert.ErrorIs(t, err, store.ErrConflict)

	// version 0 means create-only
	err = s.CompareAndSwap(ctx, "doc", 0, []byte(`{}`))
	assert.ErrorIs(t, err, store.ErrConflict)
	require.NoError(t, s.CompareAndSwap(ctx, "fresh", 0, []byte(`[]`)))

	require.NoError(t, s.Delete(ctx, "doc"))
	_, err = s.Get(ctx, "doc")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSQLiteStore(t *testing.T) {
	exerciseStore(t, newSQLite(t))
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("SITETRACK_TEST_REDIS")
	if addr == "" {
		t.Skip("SITETRACK_TEST_REDIS not set")
	}
	s := store.NewRedis(store.RedisConfig{Addr: addr, Prefix: "sitetrack-test:" + t.Name() + ":"})
	defer s.Close()
	require.NoError(t, s.Ping(context.Background()))
	for _, k := range []string{"doc", "fresh", "counter"} {
		_ = s.Delete(context.Background(), k)
	}
	exerciseStore(t, s)
}

func TestUpdateRetriesOnConflict(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "counter", []byte("1")))

	calls := 0
	err := store.Update(ctx, s, "counter", func(cur []byte) ([]byte, error) {
		calls++
		if calls == 1 {
			// a concurrent writer sneaks in between read and swap
			require.NoError(t, s.Put(ctx, "counter", []byte("5")))
		}
		return append(cur, '0'), nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	rec, err := s.Get(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, "50", string(rec.Value))
}

func TestUpdateAbortsOnCallbackError(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()
	boom := errors.New("boom")
	err := store.Update(ctx, s, "k", func(cur []byte) ([]byte, error) {
		assert.Nil(t, cur)
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
