package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	gocache "github.com/patrickmn/go-cache"

	"promptchain/internal/common/errors"
	"promptchain/internal/common/logging"
	"promptchain/internal/queue"
	redisclient "promptchain/internal/redis"
)

// snapshotTTL is how long a decoded snapshot is kept in memory.
const snapshotTTL = 10 * time.Minute

// Store persists pipelines and their per-node runtime state.
type Store struct {
	client      *redisclient.Client
	rdb         *redis.Client
	itemsStream string
	logger      logging.Logger

	// snapshots holds decoded pipelines by id. Snapshots never change once
	// saved, so an entry is valid for as long as the record exists.
	snapshots *gocache.Cache
}

// NewStore creates a store publishing ready messages to itemsStream.
func NewStore(client *redisclient.Client, itemsStream string, logger logging.Logger) *Store {
	return &Store{
		client:      client,
		rdb:         client.Redis(),
		itemsStream: itemsStream,
		logger:      logging.OrGlobal(logger),
		snapshots:   gocache.New(snapshotTTL, 2*snapshotTTL),
	}
}

// Save writes the snapshot and initialises every node's content, done flag
// and join counter in one transaction.
func (s *Store) Save(ctx context.Context, p *Pipeline) error {
	data, err := p.Marshal()
	if err != nil {
		return err
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, Keys.Record(p.ID), data, 0)
		for id, n := range p.Items {
			pipe.Set(ctx, Keys.Content(id), "", 0)
			pipe.Set(ctx, Keys.Done(id), 0, 0)
			pipe.Set(ctx, Keys.Pending(id), len(n.PrevIDs), 0)
			pipe.Del(ctx, Keys.Confirmed(id), Keys.Dispatched(id), Keys.Stream(id))
		}
		return nil
	})
	if err != nil {
		return errors.ConnectionError("failed to save pipeline", err).WithContext("pipeline_id", p.ID)
	}
	s.snapshots.SetDefault(p.ID, p)

	s.logger.Info("Pipeline saved",
		logging.String("pipeline_id", p.ID),
		logging.Int("items", len(p.Items)),
	)
	return nil
}

// Load reads a snapshot. A missing pipeline is a NotFound error. The record
// is read on every call so that a pipeline deleted by another process is
// never served from memory; only decoding is skipped for cached snapshots.
func (s *Store) Load(ctx context.Context, pipelineID string) (*Pipeline, error) {
	data, err := s.rdb.Get(ctx, Keys.Record(pipelineID)).Bytes()
	if err == redis.Nil {
		s.snapshots.Delete(pipelineID)
		return nil, errors.NotFoundError("pipeline").WithContext("pipeline_id", pipelineID)
	}
	if err != nil {
		return nil, errors.ConnectionError("failed to load pipeline", err).WithContext("pipeline_id", pipelineID)
	}

	if cached, ok := s.snapshots.Get(pipelineID); ok {
		return cached.(*Pipeline), nil
	}
	p, err := Unmarshal(data)
	if err != nil {
		return nil, err
	}
	s.snapshots.SetDefault(pipelineID, p)
	return p, nil
}

// Delete removes the snapshot and every per-node key.
func (s *Store) Delete(ctx context.Context, pipelineID string) error {
	p, err := s.Load(ctx, pipelineID)
	if err != nil {
		return err
	}

	keys := []string{Keys.Record(pipelineID)}
	for id := range p.Items {
		keys = append(keys, Keys.Node(id)...)
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return errors.ConnectionError("failed to delete pipeline", err).WithContext("pipeline_id", pipelineID)
	}

	s.snapshots.Delete(pipelineID)
	s.logger.Info("Pipeline deleted", logging.String("pipeline_id", pipelineID))
	return nil
}

// Start publishes the begin node's ready message.
func (s *Store) Start(ctx context.Context, p *Pipeline) error {
	args, err := queue.Envelope(s.itemsStream, queue.ItemReady{PipelineID: p.ID, ItemID: p.BeginID})
	if err != nil {
		return err
	}
	if err := s.rdb.XAdd(ctx, args).Err(); err != nil {
		return errors.ConnectionError("failed to start pipeline", err).WithContext("pipeline_id", p.ID)
	}

	s.logger.Info("Pipeline started", logging.String("pipeline_id", p.ID))
	return nil
}

// Contents fetches the content of ids in one round trip. Missing keys read
// as "".
func (s *Store) Contents(ctx context.Context, ids []string) (map[string]string, error) {
	out := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = Keys.Content(id)
	}
	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, errors.ConnectionError("failed to read item contents", err)
	}

	for i, v := range values {
		switch t := v.(type) {
		case nil:
			out[ids[i]] = ""
		case string:
			out[ids[i]] = t
		default:
			out[ids[i]] = fmt.Sprint(t)
		}
	}
	return out, nil
}

// Item returns a view over one node of p.
func (s *Store) Item(p *Pipeline, itemID string) (*Item, error) {
	n, err := p.Node(itemID)
	if err != nil {
		return nil, err
	}
	return &Item{pipeline: p, node: n, store: s}, nil
}
