package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"cashback-engine/internal/observability"
)

// Router mounts the tab endpoints. timeout bounds every request except the
// websocket stream; it must exceed the redirect timeout.
func Router(h *TabHandler, timeout time.Duration) http.Handler {
	r := chi.NewRouter()

	r.Use(observability.Measure)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/v1/tabs/{tab}/ws", h.WebSocket)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(timeout))

		r.Route("/v1/tabs/{tab}", func(r chi.Router) {
			r.Post("/navigation", h.Navigation)
			r.Post("/activate", h.Activate)
			r.Post("/countdown/complete", h.CompleteCountdown)
			r.Post("/countdown/cancel", h.CancelCountdown)
			r.Get("/messages", h.Messages)
			r.Delete("/", h.Closed)
		})
		r.Get("/v1/activation/{domain}", h.Activation)
		r.Get("/v1/preferences", h.GetPreferences)
		r.Put("/v1/preferences", h.PutPreferences)
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", observability.MetricsHandler())
	return r
}
