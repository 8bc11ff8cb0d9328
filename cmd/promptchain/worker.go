package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"promptchain/internal/api"
	"promptchain/internal/circuitbreaker"
	"promptchain/internal/common/logging"
	"promptchain/internal/processor"
	"promptchain/internal/provider"
	"promptchain/internal/queue"
	"promptchain/internal/resolver"
	"promptchain/internal/server"
	"promptchain/internal/watcher"
)

const shutdownTimeout = 30 * time.Second

func newWorkerCmd() *cobra.Command {
	var noHTTP bool

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Process pipeline items and resolve requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()
			return runWorker(cmd.Context(), a, !noHTTP)
		},
	}

	cmd.Flags().BoolVar(&noHTTP, "no-http", false, "Do not serve the HTTP API")
	return cmd
}

func runWorker(ctx context.Context, a *app, serveHTTP bool) error {
	cfg := a.cfg
	if err := cfg.ValidateProvider(); err != nil {
		return err
	}

	openAI, err := provider.NewOpenAI(provider.OpenAIConfig{
		APIKey:  cfg.OpenAIAPIKey,
		BaseURL: cfg.OpenAIBaseURL,
		Model:   cfg.OpenAIModel,
	}, a.logger)
	if err != nil {
		return err
	}
	breaker := circuitbreaker.New("openai", circuitbreaker.Config{
		MaxFailures:           cfg.ProviderBreakerFailures,
		Timeout:               cfg.ProviderBreakerTimeout,
		MaxConcurrentRequests: 1,
	}, a.logger)
	var llm provider.Provider = provider.NewBreaker(openAI, breaker)
	if cfg.ProviderRateLimit > 0 {
		llm = provider.NewRateLimited(llm, cfg.ProviderRateLimit, cfg.ProviderRateBurst)
	}

	rdb := a.client.Redis()
	proc := processor.New(a.store, rdb, processor.Config{
		ItemsStream:    cfg.ItemsStream,
		RequestsStream: cfg.RequestsStream,
	}, a.logger)
	res := resolver.New(a.store, rdb, llm, resolver.Config{ItemsStream: cfg.ItemsStream}, a.logger)

	consumer := func(stream, group string) *queue.Consumer {
		return queue.NewConsumer(rdb, a.client.Factory(), queue.Config{
			Stream:    stream,
			Group:     group,
			Consumer:  cfg.ConsumerName,
			BatchSize: cfg.ConsumerBatchSize,
			Block:     cfg.ConsumerBlock,
			ClaimIdle: cfg.ConsumerClaimIdle,
		}, a.logger)
	}
	watchers := []*watcher.Watcher{
		watcher.NewItemsWatcher(consumer(cfg.ItemsStream, cfg.ItemsGroup), proc, cfg.WorkerConcurrency, a.logger),
		watcher.NewRequestsWatcher(consumer(cfg.RequestsStream, cfg.RequestsGroup), res, cfg.WorkerConcurrency, a.logger),
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var srv *server.Server
	var serveErrs <-chan error
	if serveHTTP {
		router := api.NewRouter(api.New(a.store, res, a.client, a.logger))
		srv = server.New(router, ":"+cfg.HTTPPort)
		if err := srv.Start(); err != nil {
			return err
		}
		serveErrs = srv.Errors()
		a.logger.Info("HTTP server started", logging.String("addr", srv.Addr()))
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range watchers {
		w := w
		g.Go(func() error { return w.Run(gctx) })
	}

	select {
	case <-gctx.Done():
	case err, ok := <-serveErrs:
		if ok {
			a.logger.Error("HTTP server failed", err)
		}
		stop()
	}

	a.logger.Info("Shutting down worker")
	for _, w := range watchers {
		w.Abort()
	}
	err = g.Wait()

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if serr := srv.Shutdown(shutdownCtx); serr != nil {
			a.logger.Error("HTTP server forced to shutdown", serr)
		}
	}

	if err != nil {
		return err
	}
	a.logger.Info("Worker exited", logging.Int("pid", os.Getpid()))
	return nil
}
