package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"promptchain/internal/common/errors"
	"promptchain/internal/common/logging"
	"promptchain/internal/pipeline"
	"promptchain/internal/queue"
	redisclient "promptchain/internal/redis"
	"promptchain/internal/testutil"
)

const graphYAML = `
shape: sequence
children:
  - shape: single
    request:
      alias: writer
      messages:
        - role: user
          content: Write a haiku about Go.
  - shape: single
    request:
      alias: critic
      autoConfirm: false
      messages:
        - role: user
          content: "Critique: ${prev:0}"
`

type healthFunc func() error

func (f healthFunc) Health() error { return f() }

type mockConfirmer struct {
	mock.Mock
}

func (m *mockConfirmer) Confirm(ctx context.Context, pipelineID, itemID string) error {
	args := m.Called(ctx, pipelineID, itemID)
	return args.Error(0)
}

type harness struct {
	client    *redisclient.Client
	store     *pipeline.Store
	confirmer *mockConfirmer
	router    http.Handler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	_, client := testutil.NewRedis(t)
	store := pipeline.NewStore(client, "items", logging.Nop())
	confirmer := &mockConfirmer{}
	h := New(store, confirmer, client, logging.Nop())
	return &harness{client: client, store: store, confirmer: confirmer, router: NewRouter(h)}
}

func (h *harness) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

type created struct {
	ID      string            `json:"id"`
	BeginID string            `json:"beginId"`
	EndID   string            `json:"endId"`
	Aliases map[string]string `json:"aliases"`
}

func (h *harness) create(t *testing.T) created {
	t.Helper()
	rec := h.do(http.MethodPost, "/pipelines", graphYAML)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp created
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestHealthCheck(t *testing.T) {
	h := newHarness(t)
	rec := h.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")

	down := NewRouter(New(nil, nil, healthFunc(func() error { return testutil.ErrTestFailure }), logging.Nop()))
	rec = httptest.NewRecorder()
	down.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "unhealthy")
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t)
	rec := h.do(http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreatePipeline(t *testing.T) {
	h := newHarness(t)
	resp := h.create(t)

	assert.NotEmpty(t, resp.ID)
	assert.Contains(t, resp.Aliases, "writer")
	assert.Contains(t, resp.Aliases, "critic")

	p, err := h.store.Load(context.Background(), resp.ID)
	require.NoError(t, err)
	assert.Equal(t, resp.BeginID, p.BeginID)
}

func TestCreatePipeline_Invalid(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodPost, "/pipelines", "shape: sequence\nchildren: []\n")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(http.MethodPost, "/pipelines", "shape: [unclosed")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "error")
}

func TestGetPipelineAndItem(t *testing.T) {
	h := newHarness(t)
	resp := h.create(t)

	rec := h.do(http.MethodGet, "/pipelines/"+resp.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		ID    string         `json:"id"`
		Items []itemResponse `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, resp.ID, body.ID)
	assert.Len(t, body.Items, 4)

	rec = h.do(http.MethodGet, "/pipelines/"+resp.ID+"/items/"+resp.Aliases["critic"], "")
	require.Equal(t, http.StatusOK, rec.Code)

	var item itemResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &item))
	assert.Equal(t, "critic", item.Alias)
	assert.Equal(t, "ordinary", item.Role)
	assert.Equal(t, []string{resp.Aliases["writer"]}, item.PrevIDs)
	assert.False(t, item.Done)
	assert.Empty(t, item.Content)

	rec = h.do(http.MethodGet, "/pipelines/"+resp.ID+"/items/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(http.MethodGet, "/pipelines/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeletePipeline(t *testing.T) {
	h := newHarness(t)
	resp := h.create(t)

	rec := h.do(http.MethodDelete, "/pipelines/"+resp.ID, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = h.do(http.MethodDelete, "/pipelines/"+resp.ID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestConfirmItem(t *testing.T) {
	h := newHarness(t)

	h.confirmer.On("Confirm", mock.Anything, "p1", "i1").Return(nil).Once()
	h.confirmer.On("Confirm", mock.Anything, "p1", "i2").Return(errors.ValidationError("item has not finished", nil)).Once()
	h.confirmer.On("Confirm", mock.Anything, "p1", "i3").Return(errors.ConnectionError("redis down", nil)).Once()

	rec := h.do(http.MethodPost, "/pipelines/p1/items/i1/confirm", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(http.MethodPost, "/pipelines/p1/items/i2/confirm", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(http.MethodPost, "/pipelines/p1/items/i3/confirm", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	h.confirmer.AssertExpectations(t)
}

func TestStreamItemEvents(t *testing.T) {
	h := newHarness(t)
	resp := h.create(t)
	writer := resp.Aliases["writer"]

	p, err := h.store.Load(context.Background(), resp.ID)
	require.NoError(t, err)
	item, err := h.store.Item(p, writer)
	require.NoError(t, err)

	rdb := h.client.Redis()
	ctx := context.Background()
	require.NoError(t, rdb.XAdd(ctx, queue.EventArgs(item.StreamKey(), queue.EventBegin, "")).Err())
	require.NoError(t, rdb.XAdd(ctx, queue.EventArgs(item.StreamKey(), queue.EventContent, "old ")).Err())
	require.NoError(t, rdb.XAdd(ctx, queue.EventArgs(item.StreamKey(), queue.EventContent, "pond")).Err())
	require.NoError(t, rdb.XAdd(ctx, queue.EventArgs(item.StreamKey(), queue.EventEnd, "")).Err())

	rec := h.do(http.MethodGet, "/pipelines/"+resp.ID+"/items/"+writer+"/events?timeout=5s", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Equal(t, 4, strings.Count(body, "\n\n"))
	assert.Contains(t, body, "event: begin\n")
	assert.Contains(t, body, `"content":"old "`)
	assert.Contains(t, body, `"content":"pond"`)
	assert.Contains(t, body, "event: end\n")
	assert.NotContains(t, body, "event: error")
}

func TestStreamItemEvents_Timeout(t *testing.T) {
	h := newHarness(t)
	resp := h.create(t)

	rec := h.do(http.MethodGet, "/pipelines/"+resp.ID+"/items/"+resp.Aliases["writer"]+"/events?timeout=200ms", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "event: error")

	rec = h.do(http.MethodGet, "/pipelines/"+resp.ID+"/items/"+resp.Aliases["writer"]+"/events?timeout=soon", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
