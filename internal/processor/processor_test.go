package processor

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"promptchain/internal/common/logging"
	"promptchain/internal/pipeline"
	"promptchain/internal/queue"
	"promptchain/internal/testutil"
)

type harness struct {
	rdb       *redis.Client
	store     *pipeline.Store
	processor *Processor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	_, client := testutil.NewRedis(t)
	store := pipeline.NewStore(client, "items", logging.Nop())
	return &harness{
		rdb:   client.Redis(),
		store: store,
		processor: New(store, client.Redis(), Config{
			ItemsStream:    "items",
			RequestsStream: "requests",
		}, logging.Nop()),
	}
}

func (h *harness) compile(t *testing.T, g pipeline.Graph) *pipeline.Pipeline {
	t.Helper()
	p, err := pipeline.Compile(g)
	require.NoError(t, err)
	require.NoError(t, h.store.Save(context.Background(), p))
	return p
}

func (h *harness) handle(t *testing.T, pipelineID, itemID string) {
	t.Helper()
	args, err := queue.Envelope("items", queue.ItemReady{PipelineID: pipelineID, ItemID: itemID})
	require.NoError(t, err)
	msg := queue.Message{ID: "1-0", Values: args.Values.(map[string]interface{})}
	require.NoError(t, h.processor.Handle(context.Background(), msg))
}

func (h *harness) entries(t *testing.T, stream string) []queue.Message {
	t.Helper()
	xs, err := h.rdb.XRange(context.Background(), stream, "-", "+").Result()
	require.NoError(t, err)
	out := make([]queue.Message, len(xs))
	for i, x := range xs {
		out[i] = queue.Message{ID: x.ID, Values: x.Values}
	}
	return out
}

func (h *harness) events(t *testing.T, id string) []queue.EventKind {
	t.Helper()
	var kinds []queue.EventKind
	for _, m := range h.entries(t, pipeline.Keys.Stream(id)) {
		ev, err := queue.ParseEvent(m)
		require.NoError(t, err)
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}

func single(alias string) pipeline.Graph {
	return pipeline.Single(pipeline.RequestSpec{
		Alias:    alias,
		Messages: []pipeline.MessageSpec{{Role: "user", Content: alias}},
	})
}

func aliasID(t *testing.T, p *pipeline.Pipeline, alias string) string {
	t.Helper()
	id, ok := p.AliasIndex()[alias]
	require.True(t, ok)
	return id
}

func TestProcessor_BeginFansOut(t *testing.T) {
	h := newHarness(t)
	p := h.compile(t, pipeline.Parallel(single("a"), single("b")))

	h.handle(t, p.ID, p.BeginID)

	var ready []string
	for _, m := range h.entries(t, "items") {
		var r queue.ItemReady
		require.NoError(t, m.Decode(&r))
		assert.Equal(t, p.ID, r.PipelineID)
		ready = append(ready, r.ItemID)
	}
	assert.ElementsMatch(t, []string{aliasID(t, p, "a"), aliasID(t, p, "b")}, ready)

	done, err := h.rdb.Get(context.Background(), pipeline.Keys.Done(p.BeginID)).Result()
	require.NoError(t, err)
	assert.Equal(t, "1", done)
	assert.Equal(t, []queue.EventKind{queue.EventBegin, queue.EventEnd}, h.events(t, p.BeginID))
}

func TestProcessor_End(t *testing.T) {
	h := newHarness(t)
	p := h.compile(t, single("a"))

	h.handle(t, p.ID, p.EndID)

	done, err := h.rdb.Get(context.Background(), pipeline.Keys.Done(p.EndID)).Result()
	require.NoError(t, err)
	assert.Equal(t, "1", done)
	assert.Equal(t, []queue.EventKind{queue.EventBegin, queue.EventEnd}, h.events(t, p.EndID))
	assert.Empty(t, h.entries(t, "items"))
	assert.Empty(t, h.entries(t, "requests"))
}

func TestProcessor_DispatchesRequest(t *testing.T) {
	h := newHarness(t)
	p := h.compile(t, single("a"))
	id := aliasID(t, p, "a")

	require.NoError(t, h.rdb.Set(context.Background(), pipeline.Keys.Content(id), "stale", 0).Err())
	h.handle(t, p.ID, id)

	requests := h.entries(t, "requests")
	require.Len(t, requests, 1)

	var ready queue.RequestReady
	require.NoError(t, requests[0].Decode(&ready))
	assert.Equal(t, id, ready.ItemID)

	var req pipeline.RequestConfig
	require.NoError(t, json.Unmarshal(ready.Request, &req))
	assert.Equal(t, "a", req.Alias)
	assert.Equal(t, pipeline.KindMessage, req.Kind)

	content, err := h.rdb.Get(context.Background(), pipeline.Keys.Content(id)).Result()
	require.NoError(t, err)
	assert.Equal(t, "", content)
}

func TestProcessor_RedeliveryDoesNotDuplicateRequest(t *testing.T) {
	h := newHarness(t)
	p := h.compile(t, single("a"))
	id := aliasID(t, p, "a")

	h.handle(t, p.ID, id)
	h.handle(t, p.ID, id)
	h.handle(t, p.ID, p.BeginID)
	h.handle(t, p.ID, id)

	assert.Len(t, h.entries(t, "requests"), 1)
}

func TestProcessor_DropsStaleMessages(t *testing.T) {
	h := newHarness(t)
	p := h.compile(t, single("a"))

	h.handle(t, "no-such-pipeline", "x")
	h.handle(t, p.ID, "no-such-item")

	bad := queue.Message{ID: "1-0", Values: map[string]interface{}{queue.PayloadField: "not json"}}
	require.NoError(t, h.processor.Handle(context.Background(), bad))

	assert.Empty(t, h.entries(t, "items"))
	assert.Empty(t, h.entries(t, "requests"))
}
