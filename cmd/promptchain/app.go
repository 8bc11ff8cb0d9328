package main

import (
	"fmt"

	"promptchain/internal/common/logging"
	"promptchain/internal/config"
	"promptchain/internal/pipeline"
	redisclient "promptchain/internal/redis"
)

// app holds what every command needs: settings, a logger and the store.
type app struct {
	cfg    *config.Config
	logger logging.Logger
	client *redisclient.Client
	store  *pipeline.Store
}

func newApp() (*app, error) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if err := logging.InitGlobalLogger(cfg.LogLevel, cfg.LogFile); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger := logging.GetGlobalLogger()

	client, err := redisclient.NewClient(&redisclient.Config{
		Address:  cfg.RedisAddress,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		PoolSize: cfg.RedisPoolSize,
	})
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:    cfg,
		logger: logger,
		client: client,
		store:  pipeline.NewStore(client, cfg.ItemsStream, logger),
	}, nil
}

func (a *app) Close() {
	logging.MustSync()
	_ = a.client.Close()
}
