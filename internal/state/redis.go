package state

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Redis is the networked Adapter for clustered deployments. Each room maps
// to one set; members are connection IDs.
type Redis struct {
	client    *redis.Client
	keyPrefix string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// KeyPrefix namespaces the membership sets inside a shared Redis.
	// Defaults to "roomcast:members:".
	KeyPrefix string
}

func NewRedis(cfg RedisConfig) *Redis {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "roomcast:members:"
	}
	return &Redis{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		keyPrefix: prefix,
	}
}

func (r *Redis) key(namespace, room string) string {
	return r.keyPrefix + namespace + ":" + room
}

func (r *Redis) AddMember(ctx context.Context, namespace, room, connID string) error {
	if err := r.client.SAdd(ctx, r.key(namespace, room), connID).Err(); err != nil {
		return fmt.Errorf("add member %s to %s:%s: %w", connID, namespace, room, err)
	}
	return nil
}

func (r *Redis) RemoveMember(ctx context.Context, namespace, room, connID string) error {
	if err := r.client.SRem(ctx, r.key(namespace, room), connID).Err(); err != nil {
		return fmt.Errorf("remove member %s from %s:%s: %w", connID, namespace, room, err)
	}
	return nil
}

func (r *Redis) ListMembers(ctx context.Context, namespace, room string) ([]string, error) {
	members, err := r.client.SMembers(ctx, r.key(namespace, room)).Result()
	if err != nil {
		return nil, fmt.Errorf("list members of %s:%s: %w", namespace, room, err)
	}
	return members, nil
}

func (r *Redis) CountMembers(ctx context.Context, namespace, room string) (int64, error) {
	count, err := r.client.SCard(ctx, r.key(namespace, room)).Result()
	if err != nil {
		return 0, fmt.Errorf("count members of %s:%s: %w", namespace, room, err)
	}
	return count, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
