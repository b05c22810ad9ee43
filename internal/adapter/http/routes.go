package http

import (
	"github.com/go-chi/chi/v5"

	"github.com/product-os/deploynaut/internal/middleware"
)

// MountRoutes registers the webhook endpoint on the given chi router.
// The endpoint sits outside any auth; deliveries are authenticated by
// HMAC signature.
func MountRoutes(r chi.Router, h *Handlers, webhookSecret string) {
	r.With(middleware.WebhookHMAC(webhookSecret)).
		Post("/api/v1/webhooks/github", h.HandleGitHubWebhook)
}
