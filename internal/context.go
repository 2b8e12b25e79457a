package internal

import "context"

type ctxKey string

const sessionKey ctxKey = "session"

// Session identifies the authenticated caller of a request: the user and the
// jti of the access token presented.
type Session struct {
	UserID  int64
	TokenID string
}

func ContextWithSession(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, sessionKey, s)
}

func SessionFromContext(ctx context.Context) (Session, bool) {
	if ctx == nil {
		return Session{}, false
	}
	s, ok := ctx.Value(sessionKey).(Session)
	return s, ok
}

// UserIDFromContext returns 0 for anonymous requests.
func UserIDFromContext(ctx context.Context) int64 {
	s, _ := SessionFromContext(ctx)
	return s.UserID
}
