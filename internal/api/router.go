package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"promptchain/internal/common/logging"
	"promptchain/internal/metrics"
)

// NewRouter wires the HTTP routes.
func NewRouter(h *Handlers) *mux.Router {
	router := mux.NewRouter()
	router.Use(h.logRequests)

	router.HandleFunc("/health", h.HealthCheck).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	pipelines := router.PathPrefix("/pipelines").Subrouter()
	pipelines.HandleFunc("", h.CreatePipeline).Methods(http.MethodPost)
	pipelines.HandleFunc("/{id}", h.GetPipeline).Methods(http.MethodGet)
	pipelines.HandleFunc("/{id}", h.DeletePipeline).Methods(http.MethodDelete)
	pipelines.HandleFunc("/{id}/items/{itemId}", h.GetItem).Methods(http.MethodGet)
	pipelines.HandleFunc("/{id}/items/{itemId}/confirm", h.ConfirmItem).Methods(http.MethodPost)
	pipelines.HandleFunc("/{id}/items/{itemId}/events", h.StreamItemEvents).Methods(http.MethodGet)

	return router
}

func (h *Handlers) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		h.logger.Debug("HTTP request",
			logging.String("method", r.Method),
			logging.String("path", r.URL.Path),
			logging.Duration("elapsed", time.Since(start)),
		)
	})
}
