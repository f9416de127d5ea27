package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	custommiddleware "github.com/mmeshcher/earnings-ledger/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(custommiddleware.Logger(h.logger))
	if h.metrics != nil {
		r.Use(h.metrics.Middleware)
		r.Method(http.MethodGet, "/metrics", h.metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		if h.limiter != nil {
			r.Use(h.limiter.Handler)
		}
		r.Use(custommiddleware.GzipMiddleware)

		r.Get("/tiers", h.GetTiers)
		r.Get("/events", h.GetFeed)

		r.Route("/users", func(r chi.Router) {
			r.Post("/", h.CreateUser)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetUser)
				r.Put("/referrer", h.AssignReferrer)
				r.Put("/tier", h.SetTier)
				r.Put("/status", h.SetStatus)
				r.Get("/balance", h.GetBalance)
				r.Get("/events", h.GetUserEvents)
				r.Get("/withdrawals", h.GetWithdrawals)
			})
		})

		r.Route("/missions", func(r chi.Router) {
			r.Post("/assign", h.AssignMission)
			r.Post("/{instanceID}/complete", h.CompleteMission)
		})

		r.Route("/withdrawals", func(r chi.Router) {
			r.Post("/", h.Withdraw)
			r.Get("/{id}", h.GetWithdrawal)
			r.Post("/{id}/reserve", h.ReserveWithdrawal)
			r.Post("/{id}/cancel", h.CancelWithdrawal)
		})

		r.Route("/payouts/{id}", func(r chi.Router) {
			r.Use(h.signature.Middleware)
			r.Post("/settled", h.PayoutSettled)
			r.Post("/failed", h.PayoutFailed)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Get("/settings", h.GetSettings)
			r.Put("/settings", h.UpdateSettings)
			r.Post("/templates", h.CreateTemplate)
			r.Post("/adjustments", h.Adjust)
			r.Post("/users/{id}/reconcile", h.Reconcile)
			r.Delete("/users/{id}/flag", h.ClearFlag)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
