package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	custommiddleware "github.com/tabeeb/credits-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса кредитов.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))
	r.Use(custommiddleware.Metrics)

	r.Get("/ping", h.Ping)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/user", func(r chi.Router) {
		r.Post("/register", h.Register)
		r.Post("/login", h.Login)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Post("/codes/redeem", h.RedeemCode)

			r.Get("/balance", h.GetBalance)
			r.Get("/history", h.GetHistory)

			r.Get("/access", h.CheckAccess)
			r.Post("/purchase", h.Purchase)
			r.Post("/videos/consume", h.ConsumeVideo)
		})
	})

	r.Route("/api/admin", func(r chi.Router) {
		r.Use(h.adminMiddleware.Middleware)

		r.Post("/codes/generate", h.GenerateCodes)
		r.Post("/codes/revoke", h.RevokeCode)
		r.Post("/adjust", h.AdminAdjust)
		r.Get("/report", h.LicenseReport)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
