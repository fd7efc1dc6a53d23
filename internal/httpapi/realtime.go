package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"qms/virtual-queue/internal/feed"
	"qms/virtual-queue/internal/queue"
	"qms/virtual-queue/internal/store"

	"github.com/igm/sockjs-go/sockjs"
	"go.uber.org/zap"
)

const (
	closeMissingSession = 4001
	closeInvalidSession = 4002
	closeStoreFailure   = 4003
)

// NewRealtimeHandler serves the change feed over SockJS under /realtime. A connection
// receives nothing until it sends a subscribe message naming a place, a counter or
// its own user channel.
func NewRealtimeHandler(hub *feed.Hub, sessions SessionStore, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return sockjs.NewHandler("/realtime", sockjs.DefaultOptions, func(session sockjs.Session) {
		sessionID := realtimeSessionID(session.Request())
		if sessionID == "" {
			_ = session.Close(closeMissingSession, "missing session")
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		authSession, err := sessions.GetSession(ctx, sessionID)
		cancel()
		if err != nil {
			if errors.Is(err, store.ErrSessionNotFound) {
				_ = session.Close(closeInvalidSession, "invalid session")
			} else {
				logger.Warn("realtime session lookup failed", zap.Error(err))
				_ = session.Close(closeStoreFailure, "session lookup failed")
			}
			return
		}
		caller := callerFromSession(authSession)

		sub := hub.Subscribe(feed.Filter{})
		defer hub.Unsubscribe(sub)
		logger.Debug("realtime connected", zap.String("subscription_id", sub.ID), zap.String("user_id", caller.UserID))

		go func() {
			for change := range sub.C {
				payload, err := feed.Encode(redact(change, caller))
				if err != nil {
					continue
				}
				if err := session.Send(string(payload)); err != nil {
					return
				}
			}
		}()

		for {
			msg, err := session.Recv()
			if err != nil {
				return
			}
			parsed, ok := feed.ParseSubscribe([]byte(msg))
			if !ok {
				continue
			}
			if parsed.Action == feed.ActionUnsubscribe {
				hub.Update(sub, feed.Filter{})
				continue
			}
			filter := feed.Filter{PlaceID: parsed.PlaceID, CounterID: parsed.CounterID}
			if parsed.Self {
				filter.UserID = caller.UserID
			}
			hub.Update(sub, filter)
		}
	})
}

// redact hides other users' ids from place channels unless the caller is staff.
func redact(change store.Change, caller queue.Caller) store.Change {
	if change.UserID == caller.UserID {
		return change
	}
	if caller.Role == queue.RoleStaff || caller.Role == queue.RoleAdmin {
		return change
	}
	change.UserID = ""
	return change
}

func realtimeSessionID(r *http.Request) string {
	if r == nil {
		return ""
	}
	if token := bearerToken(r.Header.Get("Authorization")); token != "" {
		return token
	}
	return strings.TrimSpace(r.URL.Query().Get("session_id"))
}
