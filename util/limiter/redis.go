// Copyright (c) Warpgen Authors
// SPDX-License-Identifier: BSD-3-Clause

package limiter

import (
	_ "embed"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

//go:embed window.lua
var windowScript string

// Redis is a distributed sliding-window Limiter backed by a Redis
// sorted set per identity. The purge/count/append cycle runs inside a
// Lua script, so it is atomic across replicas of this process.
type Redis struct {
	client *redis.Client
	prefix string
	script *redis.Script
}

// RedisOption configures a Redis limiter.
type RedisOption func(*Redis)

// WithPrefix overrides the default "warpgen:rl:" key prefix.
func WithPrefix(prefix string) RedisOption {
	return func(r *Redis) { r.prefix = prefix }
}

// NewRedis returns a Limiter backed by client. It pings the server so
// misconfiguration is caught at startup rather than on first request.
func NewRedis(client *redis.Client, opts ...RedisOption) (*Redis, error) {
	r := &Redis{
		client: client,
		prefix: "warpgen:rl:",
		script: redis.NewScript(windowScript),
	}
	for _, opt := range opts {
		opt(r)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("limiter: redis ping: %w", err)
	}
	return r, nil
}

// Admit implements Limiter.
func (r *Redis) Admit(ctx context.Context, id Identity, lim Limit) (Decision, error) {
	key := r.prefix + string(id.Class) + ":" + id.Key
	res, err := r.script.Run(ctx, r.client,
		[]string{key},
		time.Now().UnixMilli(),
		lim.Window.Milliseconds(),
		lim.Max,
		uuid.NewString(),
	).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("limiter: redis eval: %w", err)
	}

	vals, ok := res.([]any)
	if !ok || len(vals) != 2 {
		return Decision{}, errors.New("limiter: unexpected script reply")
	}
	allowed, _ := vals[0].(int64)
	remaining, _ := vals[1].(int64)
	if allowed != 1 {
		return Decision{Allowed: false, RetryAfter: lim.Window}, nil
	}
	return Decision{Allowed: true, Remaining: int(remaining)}, nil
}
