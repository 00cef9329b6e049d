package monitor

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/atmx/backtester/internal/backtest"
	"github.com/atmx/backtester/internal/metrics"
)

// StatusSource provides the run snapshot served at /api/v1/status.
type StatusSource interface {
	Status() backtest.Status
}

// NewRouter builds the monitoring HTTP surface.
func NewRouter(status StatusSource, hub *Hub) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"backtester"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Request timeouts would cut the upgrade short.
		r.Get("/ws", hub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(10 * time.Second))
			r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, status.Status(), http.StatusOK)
			})
			r.Get("/fills", func(w http.ResponseWriter, req *http.Request) {
				limit := 0
				if s := req.URL.Query().Get("limit"); s != "" {
					n, err := strconv.Atoi(s)
					if err != nil || n < 0 {
						writeError(w, "limit must be a non-negative integer", http.StatusBadRequest)
						return
					}
					limit = n
				}
				writeJSON(w, hub.RecentFills(limit), http.StatusOK)
			})
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, v any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, map[string]string{"error": message}, status)
}
