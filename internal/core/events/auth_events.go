package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	EventTypeUserLoggedOut = "auth.user_logged_out"
)

// UserLoggedOutEvent is raised after a logout has been committed. Subscribers
// revoke the user's remaining sessions.
type UserLoggedOutEvent struct {
	BaseEvent
	UserID int64 `json:"user_id"`
}

func NewUserLoggedOutEvent(userID int64, at time.Time) *UserLoggedOutEvent {
	return &UserLoggedOutEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      EventTypeUserLoggedOut,
			Timestamp: at,
			Data: map[string]interface{}{
				"user_id": userID,
			},
		},
		UserID: userID,
	}
}

// Decode rebuilds a typed event from its wire form.
func Decode(eventType string, body []byte) (Event, error) {
	switch eventType {
	case EventTypeUserLoggedOut:
		var e UserLoggedOutEvent
		if err := json.Unmarshal(body, &e); err != nil {
			return nil, fmt.Errorf("decode %s: %w", eventType, err)
		}
		if e.UserID <= 0 {
			return nil, fmt.Errorf("decode %s: missing user_id", eventType)
		}
		e.Type = eventType
		return &e, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", eventType)
	}
}
