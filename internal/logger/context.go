package logger

import "context"

// contextKey is a private type to prevent collisions with other context keys.
type contextKey struct{}

// deliveryIDKey is the context key for the webhook delivery ID.
var deliveryIDKey = contextKey{}

// WithDeliveryID returns a new context with the given delivery ID stored.
func WithDeliveryID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, deliveryIDKey, id)
}

// DeliveryID extracts the webhook delivery ID from the context.
// Returns an empty string if none is set.
func DeliveryID(ctx context.Context) string {
	id, _ := ctx.Value(deliveryIDKey).(string)
	return id
}
