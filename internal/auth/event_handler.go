package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/frahmantamala/library-management/internal"
	"github.com/frahmantamala/library-management/internal/core/events"
	"github.com/frahmantamala/library-management/internal/core/metrics"
	"github.com/frahmantamala/library-management/internal/user"
)

const fanOutAttempts = 3

// LogoutFanOutHandler signs a user out everywhere once a logout is committed.
type LogoutFanOutHandler struct {
	users  user.RepositoryAPI
	logger *slog.Logger
	now    func() time.Time
}

func NewLogoutFanOutHandler(users user.RepositoryAPI, logger *slog.Logger) *LogoutFanOutHandler {
	return &LogoutFanOutHandler{users: users, logger: logger, now: time.Now}
}

// HandleUserLoggedOut revokes every refresh token of the user that is still
// valid. Running it again revokes nothing. A concurrent write to the same
// user makes the write fail on a version check; the user is then reloaded
// and retried.
func (h *LogoutFanOutHandler) HandleUserLoggedOut(ctx context.Context, event events.Event) error {
	e, ok := event.(*events.UserLoggedOutEvent)
	if !ok {
		return fmt.Errorf("unexpected event %T for %s", event, events.EventTypeUserLoggedOut)
	}

	var lastErr error
	for attempt := 1; attempt <= fanOutAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		u, err := h.users.GetByID(ctx, e.UserID)
		if err != nil {
			if errors.Is(err, internal.ErrUserNotFound) {
				h.logger.Warn("logout fan-out skipped: user not found", "user_id", e.UserID, "event_id", e.EventID())
				return nil
			}
			return err
		}

		revoked := u.RevokeAllValidRefreshTokens(h.now())
		if revoked == 0 {
			return nil
		}

		err = h.users.Update(ctx, u)
		if err == nil {
			metrics.ObserveRevoked(metrics.ReasonFanOut, revoked)
			h.logger.Info("logout fan-out revoked sessions", "user_id", u.ID, "event_id", e.EventID(), "revoked", revoked)
			return nil
		}
		if !errors.Is(err, internal.ErrTokenAlreadyRevoked) && !errors.Is(err, internal.ErrUserVersionConflict) {
			return err
		}

		lastErr = err
		h.logger.Warn("logout fan-out conflict, retrying", "user_id", u.ID, "event_id", e.EventID(), "attempt", attempt)
	}
	return lastErr
}

// RegisterEventHandlers subscribes the auth handlers on the bus.
func RegisterEventHandlers(bus *events.EventBus, handler *LogoutFanOutHandler) {
	bus.Subscribe(events.EventTypeUserLoggedOut, handler.HandleUserLoggedOut)
}
