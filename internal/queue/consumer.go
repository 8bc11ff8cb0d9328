package queue

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v8"

	"promptchain/internal/common/errors"
	"promptchain/internal/common/logging"
)

// Start positions for a newly created group.
const (
	StartNew       = "$"
	StartBeginning = "0"
)

// Config identifies one member of a consumer group.
type Config struct {
	Stream   string
	Group    string
	Consumer string

	// StartID positions a group created by Watch. Existing groups keep their cursor.
	StartID string
	// BatchSize caps the entries returned by one read.
	BatchSize int64
	// Block is the poll timeout of one blocking read.
	Block time.Duration
	// ClaimIdle redelivers entries left unacknowledged for longer than this,
	// whether another member or this one holds them. Entries this member is
	// still handling are skipped. Zero disables reclaiming.
	ClaimIdle time.Duration
}

func (c *Config) applyDefaults() {
	if c.StartID == "" {
		c.StartID = StartBeginning
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.Block <= 0 {
		c.Block = 5 * time.Second
	}
}

// Consumer pulls entries of one stream as one member of a consumer group.
//
// Blocking reads run on a dedicated connection obtained from the factory.
// Stop swaps that connection for a fresh one and closes the old one, which is
// the only way to interrupt a read that is already waiting on the server.
// Acks and group management go through the shared client.
type Consumer struct {
	config  Config
	rdb     redis.Cmdable
	factory func() *redis.Client
	logger  logging.Logger

	mu      sync.Mutex
	conn    *redis.Client
	stop    chan struct{}
	done    chan struct{}
	stopped atomic.Bool

	// inflight holds ids delivered by this member and not yet acked or released.
	inflight sync.Map
}

// NewConsumer creates a consumer. rdb serves acks and group commands and
// factory supplies connections for blocking reads.
func NewConsumer(rdb redis.Cmdable, factory func() *redis.Client, config Config, logger logging.Logger) *Consumer {
	config.applyDefaults()
	done := make(chan struct{})
	close(done)
	return &Consumer{
		config:  config,
		rdb:     rdb,
		factory: factory,
		logger: logging.OrGlobal(logger).WithFields(
			logging.String("stream", config.Stream),
			logging.String("group", config.Group),
			logging.String("consumer", config.Consumer),
		),
		done: done,
	}
}

// Config returns the consumer's configuration with defaults applied.
func (c *Consumer) Config() Config {
	return c.config
}

// EnsureGroup creates the group, and the stream if missing. An existing group
// is left untouched.
func (c *Consumer) EnsureGroup(ctx context.Context) error {
	err := c.rdb.XGroupCreateMkStream(ctx, c.config.Stream, c.config.Group, c.config.StartID).Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return errors.ConnectionError("failed to create consumer group", err)
	}
	return nil
}

// Watch starts the pull loop and returns the channel it delivers entries on.
// Entries this member already holds from a previous run are delivered first.
// The channel is closed when the loop exits, after Stop or when ctx is done.
// Watch may be called again once the previous loop has exited.
func (c *Consumer) Watch(ctx context.Context) (<-chan Message, error) {
	c.mu.Lock()
	select {
	case <-c.done:
	default:
		c.mu.Unlock()
		return nil, errors.InternalError("consumer is already watching", nil)
	}
	c.mu.Unlock()

	if err := c.EnsureGroup(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.stopped.Store(false)
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	if c.conn == nil {
		c.conn = c.factory()
	}
	stop, done := c.stop, c.done
	c.mu.Unlock()

	out := make(chan Message)
	go func() {
		select {
		case <-ctx.Done():
			c.Stop()
		case <-done:
		}
	}()
	go c.loop(ctx, out, stop, done)

	c.logger.Info("Consumer started")
	return out, nil
}

func (c *Consumer) loop(ctx context.Context, out chan<- Message, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer close(out)

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = 100 * time.Millisecond
	retry.MaxInterval = 5 * time.Second
	retry.MaxElapsedTime = 0

	deliver := func(messages []Message) bool {
		for _, m := range messages {
			c.inflight.Store(m.ID, struct{}{})
			select {
			case out <- m:
			case <-stop:
				c.inflight.Delete(m.ID)
				return false
			}
		}
		return true
	}

	pendingFrom := StartBeginning
	lastClaim := time.Time{}

	for !c.stopped.Load() {
		var (
			messages []Message
			err      error
		)

		switch {
		case pendingFrom != "":
			messages, err = c.read(ctx, pendingFrom, 0)
			if err == nil {
				if len(messages) == 0 {
					pendingFrom = ""
				} else {
					pendingFrom = messages[len(messages)-1].ID
				}
			}
		case c.config.ClaimIdle > 0 && time.Since(lastClaim) >= c.config.ClaimIdle:
			messages, err = c.claim(ctx)
			lastClaim = time.Now()
		default:
			messages, err = c.read(ctx, ">", c.config.Block)
		}

		if err != nil {
			if c.stopped.Load() {
				return
			}
			c.logger.Warn("Stream read failed, reconnecting", logging.Err(err))
			c.swap()

			select {
			case <-time.After(retry.NextBackOff()):
			case <-stop:
				return
			}
			continue
		}
		retry.Reset()

		if !deliver(messages) {
			return
		}
	}
}

// read issues one XREADGROUP. A zero block reads without blocking, which is
// how own pending entries are recovered.
func (c *Consumer) read(ctx context.Context, id string, block time.Duration) ([]Message, error) {
	args := &redis.XReadGroupArgs{
		Group:    c.config.Group,
		Consumer: c.config.Consumer,
		Streams:  []string{c.config.Stream, id},
		Count:    c.config.BatchSize,
		Block:    block,
	}
	if block == 0 {
		args.Block = -1
	}

	streams, err := c.current().XReadGroup(ctx, args).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []Message
	for _, s := range streams {
		out = append(out, fromXMessages(s.Messages)...)
	}
	return out, nil
}

// claim takes over entries left idle for longer than ClaimIdle: those of
// members that went away and those this member released after a failed
// attempt. XPENDING and XCLAIM are used rather than XAUTOCLAIM, whose reply
// shape differs between server versions.
func (c *Consumer) claim(ctx context.Context) ([]Message, error) {
	var ids []string
	start, count := "-", c.config.BatchSize+1
	for int64(len(ids)) < c.config.BatchSize {
		pending, err := c.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: c.config.Stream,
			Group:  c.config.Group,
			Start:  start,
			End:    "+",
			Count:  count,
		}).Result()
		if err != nil {
			return nil, err
		}

		// Pages overlap by one entry since the start bound is inclusive.
		fresh := 0
		for _, p := range pending {
			if p.ID == start {
				continue
			}
			fresh++
			if p.Idle < c.config.ClaimIdle {
				continue
			}
			if p.Consumer == c.config.Consumer && c.InFlight(p.ID) {
				continue
			}
			ids = append(ids, p.ID)
		}
		if fresh == 0 || int64(len(pending)) < count {
			break
		}
		start = pending[len(pending)-1].ID
	}
	if len(ids) == 0 {
		return nil, nil
	}

	messages, err := c.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   c.config.Stream,
		Group:    c.config.Group,
		Consumer: c.config.Consumer,
		MinIdle:  c.config.ClaimIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(messages) > 0 {
		c.logger.Info("Reclaimed idle entries", logging.Int("count", len(messages)))
	}
	return fromXMessages(messages), nil
}

func (c *Consumer) current() *redis.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// swap replaces the read connection and closes the old one. Errors from the
// abandoned connection are of no interest.
func (c *Consumer) swap() {
	c.mu.Lock()
	old := c.conn
	c.conn = c.factory()
	c.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
}

// Ack acknowledges one entry.
func (c *Consumer) Ack(ctx context.Context, id string) error {
	if err := c.rdb.XAck(ctx, c.config.Stream, c.config.Group, id).Err(); err != nil {
		return errors.ConnectionError("failed to acknowledge message", err).WithContext("message_id", id)
	}
	c.inflight.Delete(id)
	return nil
}

// Release leaves an entry pending after a failed attempt. Once it has been
// idle for ClaimIdle the claim pass delivers it again.
func (c *Consumer) Release(id string) {
	c.inflight.Delete(id)
}

// InFlight reports whether id was delivered by this member and is neither
// acked nor released.
func (c *Consumer) InFlight(id string) bool {
	_, ok := c.inflight.Load(id)
	return ok
}

// Stop ends the pull loop, interrupting a read in flight. It does not wait;
// use Wait for that.
func (c *Consumer) Stop() {
	c.mu.Lock()
	if c.stopped.Swap(true) {
		c.mu.Unlock()
		return
	}
	if c.stop != nil {
		close(c.stop)
	}
	c.mu.Unlock()

	c.swap()
}

// Wait blocks until the pull loop has exited.
func (c *Consumer) Wait() {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	<-done
}

// Destroy removes this member from the group so it no longer holds entries.
// The group itself is kept.
func (c *Consumer) Destroy(ctx context.Context) error {
	err := c.rdb.XGroupDelConsumer(ctx, c.config.Stream, c.config.Group, c.config.Consumer).Err()
	if err != nil {
		return errors.ConnectionError("failed to remove consumer", err)
	}
	return nil
}

// DestroyGroup removes the whole group. Used for short-lived watcher groups.
func (c *Consumer) DestroyGroup(ctx context.Context) error {
	if err := c.rdb.XGroupDestroy(ctx, c.config.Stream, c.config.Group).Err(); err != nil {
		return errors.ConnectionError("failed to destroy consumer group", err)
	}
	return nil
}

// Close stops the loop, waits for it and releases the read connection.
func (c *Consumer) Close() error {
	c.Stop()
	c.Wait()

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}
