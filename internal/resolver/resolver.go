// Package resolver executes node requests: it hydrates a request against the
// content of the nodes it references, runs it against the completion
// provider, records the output on the node, and counts the node as finished
// towards each successor's join.
package resolver

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"time"

	"github.com/go-redis/redis/v8"

	"promptchain/internal/common/errors"
	"promptchain/internal/common/logging"
	"promptchain/internal/metrics"
	"promptchain/internal/pipeline"
	"promptchain/internal/provider"
	"promptchain/internal/queue"
	"promptchain/internal/transform"
)

// Config names the stream ready successors are published to.
type Config struct {
	ItemsStream string
}

// Resolver handles request-ready messages.
type Resolver struct {
	store    *pipeline.Store
	rdb      *redis.Client
	provider provider.Provider
	config   Config
	logger   logging.Logger
}

// New creates a resolver.
func New(store *pipeline.Store, rdb *redis.Client, p provider.Provider, config Config, logger logging.Logger) *Resolver {
	return &Resolver{
		store:    store,
		rdb:      rdb,
		provider: p,
		config:   config,
		logger:   logging.OrGlobal(logger),
	}
}

// Handle executes one request-ready message. A nil error means the message can
// be acknowledged. Provider and hydration failures are returned so that the
// message stays pending and is redelivered; a retry resets the node's content
// first.
func (r *Resolver) Handle(ctx context.Context, msg queue.Message) error {
	var ready queue.RequestReady
	if err := msg.Decode(&ready); err != nil {
		r.logger.Warn("Dropping malformed request message",
			logging.String("message_id", msg.ID),
			logging.Err(err),
		)
		return nil
	}

	ctx = logging.ContextWithPipeline(ctx, ready.PipelineID, ready.ItemID)
	logger := r.logger.WithContext(ctx)

	pl, node, err := r.locate(ctx, ready.PipelineID, ready.ItemID)
	if errors.IsType(err, errors.ErrTypeNotFound) {
		logger.Warn("Pipeline item not found, dropping request message", logging.String("message_id", msg.ID))
		return nil
	}
	if err != nil {
		return err
	}
	if node.Request == nil {
		logger.Warn("Item has no request, dropping request message", logging.String("message_id", msg.ID))
		return nil
	}

	req := node.Request
	if len(ready.Request) > 0 {
		var carried pipeline.RequestConfig
		if err := json.Unmarshal(ready.Request, &carried); err != nil {
			logger.Warn("Request message carries a malformed request, using the stored one", logging.Err(err))
		} else {
			req = &carried
		}
	}

	start := time.Now()
	if err := r.resolve(ctx, pl, node, req); err != nil {
		metrics.RequestResolved(string(req.Kind), metrics.StatusFailure, time.Since(start))
		logger.Error("Request failed, leaving it for redelivery", err,
			logging.String("alias", req.Alias),
			logging.String("kind", string(req.Kind)),
		)
		return err
	}
	metrics.RequestResolved(string(req.Kind), metrics.StatusSuccess, time.Since(start))

	logger.Info("Request resolved",
		logging.String("alias", req.Alias),
		logging.Bool("auto_confirm", req.AutoConfirm),
		logging.Duration("elapsed", time.Since(start)),
	)
	return nil
}

func (r *Resolver) locate(ctx context.Context, pipelineID, itemID string) (*pipeline.Pipeline, *pipeline.Node, error) {
	pl, err := r.store.Load(ctx, pipelineID)
	if err != nil {
		return nil, nil, err
	}
	node, err := pl.Node(itemID)
	if err != nil {
		return nil, nil, err
	}
	return pl, node, nil
}

func (r *Resolver) resolve(ctx context.Context, pl *pipeline.Pipeline, node *pipeline.Node, req *pipeline.RequestConfig) error {
	hydrated, err := r.hydrate(ctx, pl, node, req)
	if err != nil {
		return err
	}

	if err := r.reset(ctx, node.ID); err != nil {
		return err
	}

	switch req.Kind {
	case pipeline.KindStream:
		err = r.stream(ctx, node.ID, hydrated)
	case pipeline.KindFunction:
		var call *provider.FunctionCall
		call, err = r.provider.CreateFunctionCall(ctx, hydrated)
		if err == nil {
			err = r.append(ctx, node.ID, string(call.Arguments))
		}
	case pipeline.KindMessage, "":
		var text string
		text, err = r.provider.CreateResponse(ctx, hydrated)
		if err == nil {
			err = r.append(ctx, node.ID, text)
		}
	default:
		return errors.ValidationError(fmt.Sprintf("unknown request kind %q", req.Kind), nil)
	}
	if err != nil {
		return err
	}

	if err := r.finish(ctx, node.ID); err != nil {
		return err
	}
	if !req.AutoConfirm {
		r.logger.WithContext(ctx).Info("Item finished, waiting for confirmation")
		return nil
	}
	return r.join(ctx, pl, node)
}

// hydrate resolves the request's system message and messages against the
// content of exactly the nodes they reference, fetched in one round trip.
func (r *Resolver) hydrate(ctx context.Context, pl *pipeline.Pipeline, node *pipeline.Node, req *pipeline.RequestConfig) (provider.Request, error) {
	refs := transform.FindRequiredReferences(req.Values()...)
	aliases := pl.AliasIndex()

	seen := make(map[string]bool)
	var ids []string
	add := func(id string) {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for _, ord := range refs.Ordinals {
		if ord >= len(node.PrevIDs) {
			return provider.Request{}, errors.HydrationError(
				fmt.Sprintf("predecessor %d out of range, item has %d", ord, len(node.PrevIDs)), nil)
		}
		add(node.PrevIDs[ord])
	}
	for _, alias := range refs.Aliases {
		id, ok := aliases[alias]
		if !ok {
			return provider.Request{}, errors.HydrationError(fmt.Sprintf("unknown alias %q", alias), nil)
		}
		add(id)
	}

	contents, err := r.store.Contents(ctx, ids)
	if err != nil {
		return provider.Request{}, err
	}
	scope := transform.Scope{PrevIDs: node.PrevIDs, AliasToID: aliases, Content: contents}

	out := provider.Request{
		FunctionName: req.FunctionName,
		Functions:    req.Functions,
		Config:       req.Config,
	}
	if req.SystemMessage != nil {
		text, err := hydrateText(scope, req.SystemMessage, true)
		if err != nil {
			return provider.Request{}, err
		}
		out.SystemMessage = text
	}
	for _, m := range req.Messages {
		text, err := hydrateText(scope, m.Content, m.Role != provider.RoleFunction)
		if err != nil {
			return provider.Request{}, err
		}
		out.Messages = append(out.Messages, provider.Message{Role: m.Role, Content: text, Name: m.Name})
	}
	return out, nil
}

// hydrateText renders v as message text. Only string values are normalised;
// structured payloads keep their exact JSON text.
func hydrateText(scope transform.Scope, v *transform.Value, normalize bool) (string, error) {
	text, err := transform.HydrateString(scope, v)
	if err != nil {
		return "", err
	}
	if normalize && v.Type == transform.TypeString {
		text = normalizeText(text)
	}
	return text, nil
}

// reset clears output of an earlier attempt and announces the new one.
func (r *Resolver) reset(ctx context.Context, id string) error {
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, pipeline.Keys.Content(id), "", 0)
		pipe.Set(ctx, pipeline.Keys.Done(id), 0, 0)
		pipe.XAdd(ctx, queue.EventArgs(pipeline.Keys.Stream(id), queue.EventBegin, ""))
		return nil
	})
	if err != nil {
		return errors.ConnectionError("failed to reset item", err).WithContext("item_id", id)
	}
	return nil
}

// append adds text to the node's content and publishes it as one event.
func (r *Resolver) append(ctx context.Context, id, text string) error {
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Append(ctx, pipeline.Keys.Content(id), text)
		pipe.XAdd(ctx, queue.EventArgs(pipeline.Keys.Stream(id), queue.EventContent, text))
		return nil
	})
	if err != nil {
		return errors.ConnectionError("failed to append item content", err).WithContext("item_id", id)
	}
	return nil
}

// stream appends deltas in arrival order. A stream that fails part way
// through keeps what it delivered and the node still finishes.
func (r *Resolver) stream(ctx context.Context, id string, req provider.Request) error {
	s, err := r.provider.CreateStream(ctx, req)
	if err != nil {
		return err
	}
	defer s.Close()

	for {
		delta, err := s.Recv()
		if stderrors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			r.logger.WithContext(ctx).Warn("Stream interrupted, finishing with partial content", logging.Err(err))
			return nil
		}
		if err := r.append(ctx, id, delta); err != nil {
			return err
		}
		metrics.StreamDelta()
	}
}

func (r *Resolver) finish(ctx context.Context, id string) error {
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, pipeline.Keys.Done(id), 1, 0)
		pipe.XAdd(ctx, queue.EventArgs(pipeline.Keys.Stream(id), queue.EventEnd, ""))
		return nil
	})
	if err != nil {
		return errors.ConnectionError("failed to finish item", err).WithContext("item_id", id)
	}
	return nil
}

// join counts node as finished for each successor, publishing the successors
// it was the last outstanding predecessor of.
func (r *Resolver) join(ctx context.Context, pl *pipeline.Pipeline, node *pipeline.Node) error {
	logger := r.logger.WithContext(ctx)
	for _, next := range node.NextIDs {
		result, err := queue.Join(ctx, r.rdb, queue.JoinKeys{
			Confirmed: pipeline.Keys.Confirmed(next),
			Pending:   pipeline.Keys.Pending(next),
			Stream:    r.config.ItemsStream,
		}, node.ID, queue.ItemReady{PipelineID: pl.ID, ItemID: next})
		if err != nil {
			return err
		}

		switch {
		case result.Duplicate():
			logger.Debug("Already counted towards successor", logging.String("successor", next))
		case result.Triggered():
			metrics.JoinTriggered()
			logger.Info("Successor ready", logging.String("successor", next))
		default:
			logger.Debug("Successor still waiting",
				logging.String("successor", next),
				logging.Int64("remaining", result.Remaining),
			)
		}
	}
	return nil
}

// Confirm performs the join step of a finished node whose request has
// autoConfirm disabled. Confirming twice is harmless.
func (r *Resolver) Confirm(ctx context.Context, pipelineID, itemID string) error {
	pl, node, err := r.locate(ctx, pipelineID, itemID)
	if err != nil {
		return err
	}
	if node.IsBegin || node.IsEnd {
		return errors.ValidationError("only request items can be confirmed", nil).WithContext("item_id", itemID)
	}

	item, err := r.store.Item(pl, itemID)
	if err != nil {
		return err
	}
	done, err := item.Done(ctx)
	if err != nil {
		return err
	}
	if !done {
		return errors.ValidationError("item has not finished", nil).WithContext("item_id", itemID)
	}

	ctx = logging.ContextWithPipeline(ctx, pipelineID, itemID)
	r.logger.WithContext(ctx).Info("Item confirmed")
	return r.join(ctx, pl, node)
}
