package services

import "context"

type contextKey string

const (
	serverKey    contextKey = "server"
	toolKey      contextKey = "tool"
	requestIDKey contextKey = "request_id"
)

// WithServer annotates context with the backend server name.
func WithServer(ctx context.Context, name string) context.Context {
	if name == "" {
		return ctx
	}
	return context.WithValue(ctx, serverKey, name)
}

// ServerFromContext returns the backend server name if present.
func ServerFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(serverKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}

// WithTool annotates context with the tool being invoked.
func WithTool(ctx context.Context, name string) context.Context {
	if name == "" {
		return ctx
	}
	return context.WithValue(ctx, toolKey, name)
}

// ToolFromContext returns the tool name if present.
func ToolFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(toolKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}

// WithRequestID annotates context with a correlation identifier.
func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext extracts the correlation identifier if present.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(requestIDKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}
