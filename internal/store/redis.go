package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// Redis stores each document as a hash {value, version} under Prefix+key.
// Compare-and-swap uses WATCH/MULTI so concurrent writers are detected.
type Redis struct {
	Client *redis.Client
	Prefix string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

func NewRedis(cfg RedisConfig) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "sitetrack:"
	}
	return &Redis{Client: client, Prefix: prefix}
}

func (s *Redis) key(k string) string { return s.Prefix + k }

// Ping verifies connectivity.
func (s *Redis) Ping(ctx context.Context) error {
	return s.Client.Ping(ctx).Err()
}

func (s *Redis) Get(ctx context.Context, key string) (Record, error) {
	return s.read(ctx, s.Client, key)
}

type hashReader interface {
	HMGet(ctx context.Context, key string, fields ...string) *redis.SliceCmd
}

func (s *Redis) read(ctx context.Context, c hashReader, key string) (Record, error) {
	vals, err := c.HMGet(ctx, s.key(key), "value", "version").Result()
	if err != nil {
		return Record{}, fmt.Errorf("get %s: %w", key, err)
	}
	if len(vals) != 2 || vals[0] == nil {
		return Record{}, ErrNotFound
	}
	value, _ := vals[0].(string)
	rawVersion, _ := vals[1].(string)
	version, err := strconv.ParseInt(rawVersion, 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("get %s: bad version %q", key, rawVersion)
	}
	return Record{Value: []byte(value), Version: version}, nil
}

func (s *Redis) Put(ctx context.Context, key string, value []byte) error {
	k := s.key(key)
	_, err := s.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, k, "value", string(value))
		pipe.HIncrBy(ctx, k, "version", 1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (s *Redis) CompareAndSwap(ctx context.Context, key string, version int64, value []byte) error {
	k := s.key(key)
	err := s.Client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := s.read(ctx, tx, key)
		switch {
		case errors.Is(err, ErrNotFound):
			if version != 0 {
				return ErrConflict
			}
		case err != nil:
			return err
		case cur.Version != version:
			return ErrConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, k, "value", string(value), "version", version+1)
			return nil
		})
		return err
	}, k)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrConflict
	}
	return err
}

func (s *Redis) Delete(ctx context.Context, key string) error {
	if err := s.Client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (s *Redis) Close() error {
	return s.Client.Close()
}
