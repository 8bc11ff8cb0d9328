// Package redis owns connection setup for the durable store. Every pipeline
// component talks to Redis through a go-redis client created here; consumers
// that issue blocking reads get dedicated single-connection clients from
// Client.Dedicated so that interrupting them never disturbs the shared pool.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

type Client struct {
	rdb    *redis.Client
	config *Config
}

type Config struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

func (c *Config) applyDefaults() {
	if c.Address == "" {
		c.Address = "localhost:6379"
	}
	if c.PoolSize == 0 {
		c.PoolSize = 10
	}
}

// Options converts the configuration into go-redis options.
func (c *Config) Options() *redis.Options {
	return &redis.Options{
		Addr:     c.Address,
		Password: c.Password,
		DB:       c.DB,
		PoolSize: c.PoolSize,
	}
}

func NewClient(config *Config) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("redis config is required")
	}
	config.applyDefaults()

	rdb := redis.NewClient(config.Options())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Client{
		rdb:    rdb,
		config: config,
	}, nil
}

// Redis returns the shared go-redis client.
func (c *Client) Redis() *redis.Client {
	return c.rdb
}

// Dedicated opens a new single-connection client against the same server.
// Blocking stream reads run on these so that closing one aborts the read.
func (c *Client) Dedicated() *redis.Client {
	opts := c.config.Options()
	opts.PoolSize = 1
	opts.MinIdleConns = 0
	return redis.NewClient(opts)
}

// Factory returns Dedicated as a function value, the shape queue consumers expect.
func (c *Client) Factory() func() *redis.Client {
	return c.Dedicated
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

func (c *Client) Health() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.rdb.Ping(ctx).Err()
}
