package lock

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "davlock:"

// RedisStore 基于 Redis 的锁持久化后端，键随锁一起过期
type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisStore 创建 Redis 后端并检查连通性
func NewRedisStore(ctx context.Context, client *redis.Client, prefix string) (*RedisStore, error) {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisStore{client: client, prefix: prefix, now: time.Now}, nil
}

func (s *RedisStore) key(token string) string {
	return s.prefix + token
}

// Load 扫描前缀下的所有锁
func (s *RedisStore) Load(ctx context.Context) ([]*ActiveLock, error) {
	var locks []*ActiveLock
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		raw, err := s.client.Get(ctx, iter.Val()).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get lock %s: %w", iter.Val(), err)
		}
		var l ActiveLock
		if err := json.Unmarshal(raw, &l); err != nil {
			return nil, fmt.Errorf("decode lock %s: %w", iter.Val(), err)
		}
		locks = append(locks, &l)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan locks: %w", err)
	}
	return locks, nil
}

// Save 保存锁，过期时间与锁一致
func (s *RedisStore) Save(ctx context.Context, l *ActiveLock) error {
	raw, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("encode lock: %w", err)
	}
	ttl := time.Duration(0)
	if remaining := l.Remaining(s.now()); remaining != Infinite {
		ttl = remaining
		if ttl <= 0 {
			return s.Delete(ctx, l.Token)
		}
	}
	if err := s.client.Set(ctx, s.key(l.Token), raw, ttl).Err(); err != nil {
		return fmt.Errorf("save lock: %w", err)
	}
	return nil
}

// Delete 删除锁
func (s *RedisStore) Delete(ctx context.Context, token string) error {
	if err := s.client.Del(ctx, s.key(token)).Err(); err != nil {
		return fmt.Errorf("delete lock: %w", err)
	}
	return nil
}

// Close 关闭客户端
func (s *RedisStore) Close() error {
	return s.client.Close()
}
