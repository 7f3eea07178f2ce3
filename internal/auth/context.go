package auth

import "context"

// contextKey is a private type for context keys to avoid collisions.
type contextKey string

// clientIPContextKey is the key for storing the client IP address in context.
const clientIPContextKey contextKey = "client_ip"

// WithClientIP returns a new context that carries the client IP address.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPContextKey, ip)
}

// ClientIPFromContext retrieves the client IP address from the context.
// It returns the IP address and true if present, or empty string and
// false otherwise.
func ClientIPFromContext(ctx context.Context) (string, bool) {
	ip, ok := ctx.Value(clientIPContextKey).(string)
	return ip, ok
}
