package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	custommiddleware "github.com/rmartinelli/leadtokens/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса leadtokens.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.Logger(h.logger))
	r.Use(custommiddleware.CORS(h.allowedOrigin))

	r.Route("/api", func(r chi.Router) {
		r.Get("/products", h.GetProducts)

		r.Post("/checkout", h.CreateCheckout)
		r.Post("/checkout/status", h.CheckoutStatus)

		r.Post("/tokens/credit", h.CreditTokens)
		r.Post("/tokens/debit", h.DebitTokens)

		r.Post("/webhook/billing", h.Webhook)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
