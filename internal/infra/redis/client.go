// Package redis connects the shared in-flight call counter store.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/acme/lead-call-orchestrator/internal/config"
)

const pingTimeout = 2 * time.Second

// Client is the Redis connection used by the call limiter.
type Client struct {
	rdb *redis.Client
}

// NewClient dials Redis and fails fast when it is unreachable.
// clientName shows up in CLIENT LIST so operators can tell processes apart.
func NewClient(ctx context.Context, cfg config.RedisConfig, clientName string) (*Client, error) {
	if cfg.Address == "" {
		return nil, errors.New("redis: address is required")
	}

	c := &Client{rdb: redis.NewClient(options(cfg, clientName))}
	if err := c.Ping(ctx); err != nil {
		_ = c.rdb.Close()
		return nil, err
	}
	return c, nil
}

func options(cfg config.RedisConfig, clientName string) *redis.Options {
	return &redis.Options{
		Addr:         cfg.Address,
		ClientName:   clientName,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
	}
}

// Ping checks the connection, bounded by a short timeout.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping %s: %w", c.rdb.Options().Addr, err)
	}
	return nil
}

// Close closes the connection pool.
func (c *Client) Close() error {
	if c.rdb == nil {
		return nil
	}
	return c.rdb.Close()
}

// Redis exposes the go-redis client for scripts.
func (c *Client) Redis() *redis.Client {
	return c.rdb
}
