// Package processor handles item-ready messages: it runs the begin and end
// bookkeeping of a pipeline and dispatches the request of every ordinary node
// whose predecessors have finished.
package processor

import (
	"context"
	"encoding/json"

	"github.com/go-redis/redis/v8"

	"promptchain/internal/common/errors"
	"promptchain/internal/common/logging"
	"promptchain/internal/metrics"
	"promptchain/internal/pipeline"
	"promptchain/internal/queue"
)

// Config names the streams the processor writes to.
type Config struct {
	ItemsStream    string
	RequestsStream string
}

// Processor is the item-ready state machine.
type Processor struct {
	store  *pipeline.Store
	rdb    *redis.Client
	config Config
	logger logging.Logger
}

// New creates a processor.
func New(store *pipeline.Store, rdb *redis.Client, config Config, logger logging.Logger) *Processor {
	return &Processor{
		store:  store,
		rdb:    rdb,
		config: config,
		logger: logging.OrGlobal(logger),
	}
}

// Handle processes one item-ready message. A nil error means the message can
// be acknowledged. Messages naming a pipeline or item that no longer exists
// are logged and dropped.
func (p *Processor) Handle(ctx context.Context, msg queue.Message) error {
	var ready queue.ItemReady
	if err := msg.Decode(&ready); err != nil {
		p.logger.Warn("Dropping malformed item message",
			logging.String("message_id", msg.ID),
			logging.Err(err),
		)
		return nil
	}

	ctx = logging.ContextWithPipeline(ctx, ready.PipelineID, ready.ItemID)
	logger := p.logger.WithContext(ctx)

	pl, err := p.store.Load(ctx, ready.PipelineID)
	if errors.IsType(err, errors.ErrTypeNotFound) {
		logger.Warn("Pipeline not found, dropping item message", logging.String("message_id", msg.ID))
		return nil
	}
	if err != nil {
		return err
	}

	node, err := pl.Node(ready.ItemID)
	if err != nil {
		logger.Warn("Item not found, dropping item message", logging.String("message_id", msg.ID))
		return nil
	}

	switch {
	case node.IsBegin:
		err = p.begin(ctx, pl, node)
	case node.IsEnd:
		err = p.end(ctx, pl, node)
	default:
		err = p.dispatch(ctx, pl, node, logger)
	}
	if err != nil {
		return err
	}

	metrics.ItemProcessed(node.Role())
	return nil
}

// begin fans out to every successor and records begin as finished.
func (p *Processor) begin(ctx context.Context, pl *pipeline.Pipeline, node *pipeline.Node) error {
	_, err := p.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, next := range node.NextIDs {
			args, err := queue.Envelope(p.config.ItemsStream, queue.ItemReady{PipelineID: pl.ID, ItemID: next})
			if err != nil {
				return err
			}
			pipe.XAdd(ctx, args)
		}
		p.finish(ctx, pipe, node.ID)
		return nil
	})
	if err != nil {
		return errors.ConnectionError("failed to start pipeline items", err).WithContext("pipeline_id", pl.ID)
	}

	p.logger.WithContext(ctx).Info("Pipeline begun", logging.Strings("successors", node.NextIDs))
	return nil
}

func (p *Processor) end(ctx context.Context, pl *pipeline.Pipeline, node *pipeline.Node) error {
	_, err := p.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		p.finish(ctx, pipe, node.ID)
		return nil
	})
	if err != nil {
		return errors.ConnectionError("failed to end pipeline", err).WithContext("pipeline_id", pl.ID)
	}

	p.logger.WithContext(ctx).Info("Pipeline reached its end")
	return nil
}

// finish queues the writes that mark a synthetic node finished: empty content,
// done, and a begin/end event pair.
func (p *Processor) finish(ctx context.Context, pipe redis.Pipeliner, id string) {
	pipe.Set(ctx, pipeline.Keys.Content(id), "", 0)
	pipe.Set(ctx, pipeline.Keys.Done(id), 1, 0)
	pipe.XAdd(ctx, queue.EventArgs(pipeline.Keys.Stream(id), queue.EventBegin, ""))
	pipe.XAdd(ctx, queue.EventArgs(pipeline.Keys.Stream(id), queue.EventEnd, ""))
}

// dispatch resets the node and publishes its request. The dispatched key is
// watched so a redelivered message, or two workers racing on the same
// message, publish the request at most once.
func (p *Processor) dispatch(ctx context.Context, pl *pipeline.Pipeline, node *pipeline.Node, logger logging.Logger) error {
	request, err := json.Marshal(node.Request)
	if err != nil {
		return errors.InternalError("failed to encode request", err)
	}
	args, err := queue.Envelope(p.config.RequestsStream, queue.RequestReady{
		PipelineID: pl.ID,
		ItemID:     node.ID,
		Request:    request,
	})
	if err != nil {
		return err
	}

	dispatchedKey := pipeline.Keys.Dispatched(node.ID)
	duplicate := false

	err = p.rdb.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, dispatchedKey).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			duplicate = true
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, pipeline.Keys.Content(node.ID), "", 0)
			pipe.Set(ctx, pipeline.Keys.Done(node.ID), 0, 0)
			pipe.Set(ctx, dispatchedKey, 1, 0)
			pipe.XAdd(ctx, args)
			return nil
		})
		return err
	}, dispatchedKey)

	if err == redis.TxFailedErr {
		duplicate = true
		err = nil
	}
	if err != nil {
		return errors.ConnectionError("failed to dispatch request", err).WithContext("item_id", node.ID)
	}

	if duplicate {
		metrics.DuplicateDispatch()
		logger.Info("Request already dispatched, ignoring redelivery")
		return nil
	}

	logger.Info("Request dispatched",
		logging.String("alias", node.Request.Alias),
		logging.String("kind", string(node.Request.Kind)),
	)
	return nil
}
