package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"qms/virtual-queue/internal/queue"
	"qms/virtual-queue/internal/store"
)

type authContextKey struct{}

// AuthMiddleware resolves the bearer session into a queue.Caller on the request context.
func AuthMiddleware(sessions SessionStore, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicEndpoint(r) {
			next.ServeHTTP(w, r)
			return
		}
		sessionID := sessionIDFromRequest(r)
		if sessionID == "" {
			writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "missing session")
			return
		}
		session, err := sessions.GetSession(r.Context(), sessionID)
		if err != nil {
			switch {
			case errors.Is(err, store.ErrSessionNotFound):
				writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "invalid session")
			case errors.Is(err, store.ErrTransport):
				writeError(w, requestIDFromRequest(r), http.StatusServiceUnavailable, "store_unavailable", "store unavailable")
			default:
				writeError(w, requestIDFromRequest(r), http.StatusInternalServerError, "internal_error", "internal server error")
			}
			return
		}
		ctx := context.WithValue(r.Context(), authContextKey{}, callerFromSession(session))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func callerFromSession(session store.Session) queue.Caller {
	role := session.Role
	if role == "" {
		role = queue.RoleUser
	}
	return queue.Caller{UserID: session.UserID, Role: role}
}

func callerFromContext(ctx context.Context) (queue.Caller, bool) {
	caller, ok := ctx.Value(authContextKey{}).(queue.Caller)
	if !ok || caller.UserID == "" {
		return queue.Caller{}, false
	}
	return caller, true
}

func sessionIDFromRequest(r *http.Request) string {
	if token := bearerToken(r.Header.Get("Authorization")); token != "" {
		return token
	}
	return strings.TrimSpace(r.Header.Get("X-Session-ID"))
}

func requestIDFromRequest(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Request-ID"))
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.Fields(header)
	if len(parts) != 2 {
		return ""
	}
	if strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return parts[1]
}

func isPublicEndpoint(r *http.Request) bool {
	switch {
	case r.URL.Path == "/healthz", r.URL.Path == "/metrics":
		return true
	case strings.HasPrefix(r.URL.Path, "/realtime/"):
		return true
	default:
		return r.Method == http.MethodOptions
	}
}
