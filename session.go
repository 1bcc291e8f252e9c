package agentd

import "context"

// Session identifies the user and thread a tool invocation runs on
// behalf of. Tools read it from the context so the registry stays
// stateless and one compiled agent can serve every tenant.
type Session struct {
	UserID   string
	ThreadID string
}

type sessionKey struct{}

// WithSession returns a child context carrying the session.
func WithSession(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// SessionFrom extracts the session from ctx. ok is false when the
// context carries no session, which means the caller is outside a turn.
func SessionFrom(ctx context.Context) (Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(Session)
	return s, ok
}
