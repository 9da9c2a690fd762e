package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	custommiddleware "github.com/mmeshcher/sternosol-system/internal/middleware"
)

// SetupRouter настраивает маршруты API и отдачу загруженных квитанций.
func (h *Handler) SetupRouter(allowedOrigin string) *chi.Mux {
	r := chi.NewRouter()

	corsOptions := cors.Options{
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Stripe-Signature"},
		AllowCredentials: true,
	}
	// Credentialed-ответы с буквальной звёздочкой браузеры отклоняют,
	// поэтому при wildcard отражаем origin запроса.
	if allowedOrigin == "*" {
		corsOptions.AllowOriginFunc = func(r *http.Request, origin string) bool { return true }
	} else {
		corsOptions.AllowedOrigins = []string{allowedOrigin}
	}
	r.Use(cors.Handler(corsOptions))
	r.Use(custommiddleware.Logger(h.logger))
	r.Use(custommiddleware.GzipMiddleware)

	// Вебхук проверяется подписью по сырому телу, cookie не требуется.
	r.Post("/api/webhook", h.Webhook)
	r.Post("/api/inscription", h.Register)
	r.Post("/api/login", h.Login)

	r.Group(func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)

		r.Get("/api/groupes", h.ListGroups)
		r.Get("/api/groupes/{id}", h.GetGroup)
		r.Post("/api/participer", h.Join)
		r.Get("/api/user/group/{userId}", h.GroupForUser)

		r.Post("/api/paiement/upload", h.UploadReceipt)
		r.Get("/api/paiement/status/{userId}/{groupeId}", h.PaymentsByUser)
		r.Get("/api/paiement/next/{userId}/{groupeId}", h.NextPeriod)
		r.Post("/api/create-payment-intent", h.CreatePaymentIntent)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.RequireAdmin)

			r.Post("/api/groupes", h.CreateGroup)
			r.Get("/api/paiement/all", h.AllPayments)
			r.Put("/api/paiement/update-status", h.UpdateStatus)
			r.Post("/api/paiement/payout", h.Payout)
			r.Get("/api/paiement/members/{groupeId}", h.Members)
			r.Get("/api/paiement/eligible/{userId}/{groupeId}", h.Eligible)
			r.Get("/api/paiement/stats", h.Stats)
		})
	})

	fileServer := http.StripPrefix("/uploads/", http.FileServer(http.Dir(h.files.Dir())))
	r.Get("/uploads/*", fileServer.ServeHTTP)

	return r
}
