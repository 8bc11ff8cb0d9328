// Package api exposes pipelines over HTTP.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"promptchain/internal/common/errors"
	"promptchain/internal/common/logging"
	"promptchain/internal/pipeline"
	"promptchain/internal/queue"
)

// Confirmer performs the out-of-band confirmation of a finished item.
type Confirmer interface {
	Confirm(ctx context.Context, pipelineID, itemID string) error
}

// HealthChecker reports whether a dependency is reachable.
type HealthChecker interface {
	Health() error
}

// DefaultWatchTimeout bounds an event stream request without a timeout parameter.
const DefaultWatchTimeout = 5 * time.Minute

// maxGraphSize caps the body of a pipeline creation request.
const maxGraphSize = 1 << 20

type Handlers struct {
	store     *pipeline.Store
	confirmer Confirmer
	health    HealthChecker
	logger    logging.Logger
}

func New(store *pipeline.Store, confirmer Confirmer, health HealthChecker, logger logging.Logger) *Handlers {
	return &Handlers{
		store:     store,
		confirmer: confirmer,
		health:    health,
		logger:    logging.OrGlobal(logger),
	}
}

type itemResponse struct {
	ID      string   `json:"id"`
	Alias   string   `json:"alias,omitempty"`
	Role    string   `json:"role"`
	Kind    string   `json:"kind,omitempty"`
	PrevIDs []string `json:"prevIds"`
	NextIDs []string `json:"nextIds"`
	Content string   `json:"content"`
	Done    bool     `json:"done"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps error types to status codes.
func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errors.GetType(err) {
	case errors.ErrTypeNotFound:
		status = http.StatusNotFound
	case errors.ErrTypeConfig, errors.ErrTypeValidation:
		status = http.StatusBadRequest
	case errors.ErrTypeConnection:
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// HealthCheck reports store connectivity.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if err := h.health.Health(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// CreatePipeline compiles the graph in the body (YAML or JSON), saves it and
// starts it.
func (h *Handlers) CreatePipeline(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxGraphSize))
	if err != nil {
		h.writeError(w, errors.ValidationError("failed to read body", err))
		return
	}

	g, err := pipeline.ParseGraph(body)
	if err != nil {
		h.writeError(w, err)
		return
	}
	p, err := pipeline.Compile(g)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.store.Save(r.Context(), p); err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.store.Start(r.Context(), p); err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":      p.ID,
		"beginId": p.BeginID,
		"endId":   p.EndID,
		"aliases": p.AliasIndex(),
	})
}

// GetPipeline returns the pipeline with the live state of every item.
func (h *Handlers) GetPipeline(w http.ResponseWriter, r *http.Request) {
	p, err := h.store.Load(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}

	items := make([]itemResponse, 0, len(p.Items))
	for id := range p.Items {
		resp, err := h.item(r.Context(), p, id)
		if err != nil {
			h.writeError(w, err)
			return
		}
		items = append(items, resp)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":      p.ID,
		"beginId": p.BeginID,
		"endId":   p.EndID,
		"items":   items,
	})
}

// DeletePipeline destroys a pipeline and its runtime state.
func (h *Handlers) DeletePipeline(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetItem returns one item's live state.
func (h *Handlers) GetItem(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	p, err := h.store.Load(r.Context(), vars["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	resp, err := h.item(r.Context(), p, vars["itemId"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// ConfirmItem releases the successors of an item that does not auto-confirm.
func (h *Handlers) ConfirmItem(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := h.confirmer.Confirm(r.Context(), vars["id"], vars["itemId"]); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "confirmed"})
}

// StreamItemEvents relays an item's event stream as server-sent events until
// the item ends or the timeout query parameter elapses.
func (h *Handlers) StreamItemEvents(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	timeout := DefaultWatchTimeout
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			h.writeError(w, errors.ValidationError(fmt.Sprintf("invalid timeout %q", raw), err))
			return
		}
		timeout = d
	}

	p, err := h.store.Load(r.Context(), vars["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	item, err := h.store.Item(p, vars["itemId"])
	if err != nil {
		h.writeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, errors.InternalError("streaming unsupported", nil))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	err = item.Watch(r.Context(), timeout, func(ev queue.Event) error {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", ev.ID, ev.Kind, data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err != nil && r.Context().Err() == nil {
		fmt.Fprintf(w, "event: error\ndata: %q\n\n", err.Error())
		flusher.Flush()
	}
}

func (h *Handlers) item(ctx context.Context, p *pipeline.Pipeline, id string) (itemResponse, error) {
	item, err := h.store.Item(p, id)
	if err != nil {
		return itemResponse{}, err
	}
	content, err := item.Content(ctx)
	if err != nil {
		return itemResponse{}, err
	}
	done, err := item.Done(ctx)
	if err != nil {
		return itemResponse{}, err
	}

	node := item.Node()
	resp := itemResponse{
		ID:      node.ID,
		Role:    node.Role(),
		PrevIDs: node.PrevIDs,
		NextIDs: node.NextIDs,
		Content: content,
		Done:    done,
	}
	if req := node.Request; req != nil {
		resp.Alias = req.Alias
		resp.Kind = string(req.Kind)
	}
	return resp, nil
}
