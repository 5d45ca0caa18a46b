package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// RegisterRoutes registers all admin API routes using chi router
func RegisterRoutes(mux *http.ServeMux, handlers *AdminHandlers) {
	r := chi.NewRouter()

	// Liveness
	r.Get("/healthz", handlers.handleHealth)

	// Exchange browsing
	r.Route("/api/exchanges", func(r chi.Router) {
		r.Get("/", handlers.handleListExchanges)
		r.Get("/{exchange}", handlers.handleExchangeDetail)
		r.Get("/{exchange}/records", handlers.handleExchangeRecords)
	})

	// chi handles everything the mux has no longer pattern for, so
	// /metrics and /debug/pprof registrations keep working
	mux.Handle("/", r)

	log.Info().Msg("Admin endpoints enabled at /api/exchanges/*")
}
