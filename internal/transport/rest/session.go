package rest

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

type sessionKey struct{}

// SessionMiddleware identifies the shopper by an anonymous session cookie, minting one when
// the request carries none or an invalid one.
func SessionMiddleware(cookieName string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			sessionID := ""
			if c, err := r.Cookie(cookieName); err == nil {
				if id, err := uuid.Parse(c.Value); err == nil {
					sessionID = id.String()
				}
			}
			if sessionID == "" {
				sessionID = uuid.NewString()
				http.SetCookie(w, &http.Cookie{
					Name:     cookieName,
					Value:    sessionID,
					Path:     "/",
					HttpOnly: true,
					SameSite: http.SameSiteLaxMode,
				})
			}
			next.ServeHTTP(w, r.WithContext(WithSessionID(r.Context(), sessionID)))
		}
		return http.HandlerFunc(fn)
	}
}

func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionKey{}, sessionID)
}

// SessionID returns the session set by SessionMiddleware, or "" outside of it.
func SessionID(ctx context.Context) string {
	id, _ := ctx.Value(sessionKey{}).(string)
	return id
}
