package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	custommiddleware "github.com/mmeshcher/library-circulation/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))
	r.Use(chimiddleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		// Callback вызывается шлюзом и подтверждается подписью, а не cookie.
		r.Post("/payments/callback", h.PaymentCallback)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Post("/requests", h.CreateRequest)
			r.Get("/requests/{id}", h.GetRequest)
			r.Post("/requests/{id}/approve", h.Approve)
			r.Post("/requests/{id}/reject", h.Reject)
			r.Post("/requests/{id}/return", h.RequestReturn)
			r.Post("/requests/{id}/confirm-return", h.ConfirmReturn)
			r.Get("/requests/{id}/fine", h.GetFine)

			r.Get("/borrowers/{id}/requests", h.ListBorrowerRequests)

			r.Get("/dues", h.ListDues)
			r.Get("/dues/{id}", h.GetDue)
			r.Post("/dues/{id}/remind", h.RemindDue)
			r.Post("/dues/{id}/payments", h.CreatePayment)
			r.Post("/dues/{id}/manual-payment", h.ManualPayment)

			r.Post("/payments/{id}/verify", h.VerifyPayment)
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
