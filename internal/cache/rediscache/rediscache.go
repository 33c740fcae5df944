// Package rediscache is a distributed cache.Store on Redis.
//
// Each key is a hash with the JSON entry in field "v" and its creation time in
// unix microseconds in field "c". Writes go through a script that refuses to
// replace a newer entry, so concurrent writers converge on the latest one.
package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"marketarbiter/internal/cache"
)

const DefaultPrefix = "marketarbiter:"

var setIfNewer = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'c')
if cur and tonumber(cur) > tonumber(ARGV[2]) then
	return 0
end
redis.call('HSET', KEYS[1], 'v', ARGV[1], 'c', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

type Store struct {
	rdb    redis.UniversalClient
	prefix string
}

// New wraps an existing client. An empty prefix uses DefaultPrefix.
func New(rdb redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{rdb: rdb, prefix: prefix}
}

// Dial connects to addr and checks the connection with PING.
func Dial(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return rdb, nil
}

func (s *Store) key(k string) string { return s.prefix + k }

func (s *Store) Get(ctx context.Context, key string) (cache.Entry, error) {
	raw, err := s.rdb.HGet(ctx, s.key(key), "v").Bytes()
	if errors.Is(err, redis.Nil) {
		return cache.Entry{}, cache.ErrMiss
	}
	if err != nil {
		return cache.Entry{}, fmt.Errorf("redis get %s: %w", key, err)
	}
	var e cache.Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return cache.Entry{}, fmt.Errorf("decode entry %s: %w", key, err)
	}
	return e, nil
}

func (s *Store) Set(ctx context.Context, e cache.Entry, retention time.Duration) error {
	if retention <= 0 {
		return nil
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode entry %s: %w", e.Key, err)
	}
	ms := retention.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	err = setIfNewer.Run(ctx, s.rdb, []string{s.key(e.Key)}, raw, e.CreatedAt.UnixMicro(), ms).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis set %s: %w", e.Key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}
