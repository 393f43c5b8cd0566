package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"

	"codeground/internal/merr"
	"codeground/internal/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// SessionCache keeps the latest snapshot of each session in Redis so a
// session can be restored after its grace window or a relay restart.
type SessionCache interface {
	Set(ctx context.Context, snap *model.Snapshot) error
	Get(ctx context.Context, id string) (*model.Snapshot, error)
	Delete(ctx context.Context, id string) error
}

type sessionCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewSessionCache creates a new session cache. A zero ttl keeps entries forever.
func NewSessionCache(client *redis.Client, ttl time.Duration) SessionCache {
	return &sessionCache{
		client: client,
		ttl:    ttl,
	}
}

func (c *sessionCache) key(id string) string {
	return fmt.Sprintf("session:%s:snapshot", id)
}

func (c *sessionCache) Set(ctx context.Context, snap *model.Snapshot) error {
	// Membership is live state only.
	stored := *snap
	stored.Participants = nil
	data, err := json.Marshal(&stored)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.key(snap.ID), data, c.ttl).Err()
}

// Get returns nil, nil when nothing is cached for id.
func (c *sessionCache) Get(ctx context.Context, id string) (*model.Snapshot, error) {
	data, err := c.client.Get(ctx, c.key(id)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snap model.Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, errors.Wrapf(err, "decode cached snapshot %q", id)
	}
	return &snap, nil
}

func (c *sessionCache) Delete(ctx context.Context, id string) error {
	return c.client.Del(ctx, c.key(id)).Err()
}

// Connect creates a client for addr and pings it.
func Connect(ctx context.Context, addr, password string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, merr.WrapErrPersistenceUnavailable(err, "ping redis "+addr)
	}
	return rdb, nil
}
