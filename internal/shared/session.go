package shared

import (
	"context"

	"github.com/google/uuid"
)

// SessionHeader carries the control-plane session id on the WebSocket upgrade
// request so the daemon can correlate its logs with ours.
const SessionHeader = "X-Orbital-Session"

type sessionIDKey struct{}

// WithSessionID attaches the control-plane session id to the context.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, sessionID)
}

// SessionID extracts session_id from context. Returns "" if absent.
func SessionID(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey{}).(string); ok {
		return v
	}
	return ""
}

// NewSessionID identifies one UI session: one bridge from Start to Stop.
func NewSessionID() string {
	return uuid.NewString()
}
