// Package watcher binds queue consumers to the item processor and the request
// resolver.
package watcher

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"promptchain/internal/common/errors"
	"promptchain/internal/common/logging"
	"promptchain/internal/processor"
	"promptchain/internal/queue"
	"promptchain/internal/resolver"
)

// Handler processes one message. Returning nil acknowledges it.
type Handler interface {
	Handle(ctx context.Context, msg queue.Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg queue.Message) error

func (f HandlerFunc) Handle(ctx context.Context, msg queue.Message) error {
	return f(ctx, msg)
}

// Watcher pulls messages from a consumer and handles them with bounded
// concurrency. Messages whose handler fails with a retryable error stay
// pending for redelivery; the rest are acknowledged.
type Watcher struct {
	name        string
	consumer    *queue.Consumer
	handler     Handler
	concurrency int
	logger      logging.Logger

	mu   sync.Mutex
	done chan struct{}
}

// New creates a watcher running at most concurrency handlers at once.
func New(name string, consumer *queue.Consumer, handler Handler, concurrency int, logger logging.Logger) *Watcher {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Watcher{
		name:        name,
		consumer:    consumer,
		handler:     handler,
		concurrency: concurrency,
		logger:      logging.OrGlobal(logger).WithFields(logging.String("watcher", name)),
	}
}

// NewItemsWatcher feeds item-ready messages to p.
func NewItemsWatcher(consumer *queue.Consumer, p *processor.Processor, concurrency int, logger logging.Logger) *Watcher {
	return New("items", consumer, p, concurrency, logger)
}

// NewRequestsWatcher feeds request-ready messages to r.
func NewRequestsWatcher(consumer *queue.Consumer, r *resolver.Resolver, concurrency int, logger logging.Logger) *Watcher {
	return New("requests", consumer, r, concurrency, logger)
}

// Name returns the watcher name.
func (w *Watcher) Name() string {
	return w.name
}

// Run consumes until ctx is done or Abort is called, then waits for handlers
// in flight.
func (w *Watcher) Run(ctx context.Context) error {
	messages, err := w.consumer.Watch(ctx)
	if err != nil {
		return err
	}

	done := make(chan struct{})
	w.mu.Lock()
	w.done = done
	w.mu.Unlock()
	defer close(done)

	w.logger.Info("Watcher started", logging.Int("concurrency", w.concurrency))

	var g errgroup.Group
	g.SetLimit(w.concurrency)

	for msg := range messages {
		msg := msg
		g.Go(func() error {
			w.handle(ctx, msg)
			return nil
		})
	}

	_ = g.Wait()
	w.logger.Info("Watcher stopped")
	return nil
}

func (w *Watcher) handle(ctx context.Context, msg queue.Message) {
	if err := w.handler.Handle(ctx, msg); err != nil {
		if errors.IsRetryable(err) {
			w.consumer.Release(msg.ID)
			w.logger.Warn("Message left pending",
				logging.String("message_id", msg.ID),
				logging.Err(err),
			)
			return
		}
		w.logger.Warn("Dropping message that cannot succeed",
			logging.String("message_id", msg.ID),
			logging.Err(err),
		)
	}
	if err := w.consumer.Ack(context.WithoutCancel(ctx), msg.ID); err != nil {
		w.logger.Error("Failed to acknowledge message", err, logging.String("message_id", msg.ID))
	}
}

// Abort stops the consumer, interrupting a blocking read, and waits until Run
// has returned.
func (w *Watcher) Abort() {
	w.consumer.Stop()
	w.consumer.Wait()

	w.mu.Lock()
	done := w.done
	w.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Destroy aborts the watcher and removes its consumer from the group.
func (w *Watcher) Destroy(ctx context.Context) error {
	w.Abort()
	if err := w.consumer.Destroy(ctx); err != nil {
		return err
	}
	return w.consumer.Close()
}
