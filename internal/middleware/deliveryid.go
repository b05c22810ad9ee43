package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/product-os/deploynaut/internal/logger"
)

const deliveryHeader = "X-GitHub-Delivery"

// DeliveryID is HTTP middleware that extracts the webhook delivery ID
// from the request header, generating one for requests that lack it
// (health checks, manual replays). The ID is stored in the context and
// echoed on the response so a delivery can be traced through the logs.
func DeliveryID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(deliveryHeader)
		if id == "" {
			id = uuid.NewString()
		}

		ctx := logger.WithDeliveryID(r.Context(), id)
		w.Header().Set(deliveryHeader, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
