package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/majorcontext/origin/internal/attest"
)

// RedisOpts configures a Redis-backed registry.
type RedisOpts struct {
	Addr      string
	Password  string
	DB        int
	Namespace string
	Timeout   time.Duration
}

// redisClient is the subset of *redis.Client the registry uses.
type redisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Close() error
}

// Redis is a Store keeping one JSON-encoded DeviceIdentity per key
// {namespace}:device:{DeviceID(public key)}.
type Redis struct {
	rdb      redisClient
	nsPrefix string
	timeout  time.Duration
}

// NewRedis connects a registry to the Redis server in o.
func NewRedis(o RedisOpts) *Redis {
	timeout := o.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         o.Addr,
		Password:     o.Password,
		DB:           o.DB,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	})
	return newRedis(rdb, o.Namespace, timeout)
}

func newRedis(rdb redisClient, namespace string, timeout time.Duration) *Redis {
	ns := strings.TrimSpace(namespace)
	if ns == "" {
		ns = "origin"
	}
	return &Redis{rdb: rdb, nsPrefix: ns, timeout: timeout}
}

// Key returns the Redis key holding the identity for pub.
func (r *Redis) Key(pub []byte) string {
	return fmt.Sprintf("%s:device:%s", r.nsPrefix, DeviceID(pub))
}

// Lookup reads and decodes the identity stored for pub.
func (r *Redis) Lookup(ctx context.Context, pub []byte) (*attest.DeviceIdentity, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	k := r.Key(pub)
	val, err := r.rdb.Get(ctx, k).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s from redis: %w", k, err)
	}

	var id attest.DeviceIdentity
	if err := json.Unmarshal(val, &id); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", k, err)
	}
	return &id, nil
}

// IsRegistered reports whether pub has a non-revoked identity.
func (r *Redis) IsRegistered(ctx context.Context, pub []byte) (bool, error) {
	return isRegistered(ctx, pub, r.Lookup)
}

// Register writes id with SETNX, so an identity already anchored for the
// device is never replaced.
func (r *Redis) Register(ctx context.Context, id attest.DeviceIdentity) error {
	if len(id.DevicePublicKey) == 0 {
		return fmt.Errorf("registering device: empty public key")
	}
	data, err := json.Marshal(id)
	if err != nil {
		return fmt.Errorf("marshaling identity: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	k := r.Key(id.DevicePublicKey)
	ok, err := r.rdb.SetNX(ctx, k, data, 0).Result()
	if err != nil {
		return fmt.Errorf("writing %s to redis: %w", k, err)
	}
	if !ok {
		return ErrDeviceAlreadyExists
	}
	return nil
}

// Revoke rewrites the identity for pub with its revoked flag set. Revoking a
// revoked device is a no-op.
func (r *Redis) Revoke(ctx context.Context, pub []byte) error {
	id, err := r.Lookup(ctx, pub)
	if err != nil {
		return err
	}
	if id.Revoked {
		return nil
	}
	id.Revoked = true
	data, err := json.Marshal(id)
	if err != nil {
		return fmt.Errorf("marshaling identity: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	k := r.Key(pub)
	if err := r.rdb.Set(ctx, k, data, 0).Err(); err != nil {
		return fmt.Errorf("writing %s to redis: %w", k, err)
	}
	return nil
}

// Close closes the Redis connection.
func (r *Redis) Close() error {
	return r.rdb.Close()
}
