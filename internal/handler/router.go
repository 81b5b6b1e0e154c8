package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	custommiddleware "github.com/mmeshcher/checkout-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware платёжного движка.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Post("/checkout-sessions", h.CreateCheckoutSession)
		r.Post("/payment-events", h.PaymentEvents)

		r.Route("/orders/{orderID}", func(r chi.Router) {
			r.Get("/", h.GetOrder)
			r.Post("/send-confirmation", h.SendConfirmation)
			r.Post("/status", h.AdvanceStatus)
		})

		r.Group(func(r chi.Router) {
			r.Use(h.schedulerAuth.Middleware)

			r.Post("/abandoned-cart-scan", h.AbandonedCartScan)
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
