package pipeline

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"promptchain/internal/common/errors"
	"promptchain/internal/common/logging"
	"promptchain/internal/queue"
)

// Item is a read view over one node of a loaded pipeline and its runtime
// state.
type Item struct {
	pipeline *Pipeline
	node     *Node
	store    *Store
}

func (i *Item) ID() string              { return i.node.ID }
func (i *Item) PipelineID() string      { return i.pipeline.ID }
func (i *Item) Node() *Node             { return i.node }
func (i *Item) Request() *RequestConfig { return i.node.Request }
func (i *Item) IsBegin() bool           { return i.node.IsBegin }
func (i *Item) IsEnd() bool             { return i.node.IsEnd }
func (i *Item) StreamKey() string       { return Keys.Stream(i.node.ID) }
func (i *Item) Pipeline() *Pipeline     { return i.pipeline }

// Content returns the text accumulated so far.
func (i *Item) Content(ctx context.Context) (string, error) {
	s, err := i.store.rdb.Get(ctx, Keys.Content(i.node.ID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", errors.ConnectionError("failed to read item content", err).WithContext("item_id", i.node.ID)
	}
	return s, nil
}

// Done reports whether the node finished.
func (i *Item) Done(ctx context.Context) (bool, error) {
	s, err := i.store.rdb.Get(ctx, Keys.Done(i.node.ID)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, errors.ConnectionError("failed to read item state", err).WithContext("item_id", i.node.ID)
	}
	return s == "1", nil
}

// Watch replays the node's event stream from its start and follows it,
// calling handler for each event in order, until an end event was handled,
// handler fails, or timeout elapses. A timeout returns
// context.DeadlineExceeded. The watch uses a consumer group of its own, which
// is destroyed on return.
func (i *Item) Watch(ctx context.Context, timeout time.Duration, handler func(queue.Event) error) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	group := "watch-" + uuid.NewString()
	consumer := queue.NewConsumer(i.store.rdb, i.store.client.Factory(), queue.Config{
		Stream:   i.StreamKey(),
		Group:    group,
		Consumer: group,
		StartID:  queue.StartBeginning,
		Block:    time.Second,
	}, i.store.logger)

	messages, err := consumer.Watch(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = consumer.Close()
		if err := consumer.DestroyGroup(context.Background()); err != nil {
			i.store.logger.Warn("Failed to remove watch group",
				logging.String("group", group),
				logging.Err(err),
			)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-messages:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return errors.ConnectionError("item watch ended unexpectedly", nil)
			}
			ev, err := queue.ParseEvent(m)
			if err != nil {
				return err
			}
			if err := handler(ev); err != nil {
				return err
			}
			if ev.Kind == queue.EventEnd {
				return nil
			}
		}
	}
}
