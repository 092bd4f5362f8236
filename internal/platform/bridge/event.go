package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tinywideclouds/go-platform/pkg/notification/v1"

	"github.com/tinywideclouds/go-push-registration/pkg/push"
)

// ErrInvalidEvent marks events that can never be processed. They are acknowledged, not retried.
var ErrInvalidEvent = errors.New("invalid platform event")

// EventType names a platform callback forwarded by the native shell.
type EventType string

const (
	EventTokenReceived           EventType = "token_received"
	EventRegistrationFailed      EventType = "registration_failed"
	EventAuthorizationDecided    EventType = "authorization_decided"
	EventPermissionChanged       EventType = "permission_changed"
	EventBackendTokenRefreshed   EventType = "backend_token_refreshed"
	EventNotificationWillPresent EventType = "notification_will_present"
	EventNotificationResponse    EventType = "notification_response"
)

// NotificationPayload is the displayable part of a delivered notification.
type NotificationPayload struct {
	ID    string            `json:"id"`
	Title string            `json:"title,omitempty"`
	Body  string            `json:"body,omitempty"`
	Sound string            `json:"sound,omitempty"`
	Data  map[string]string `json:"data,omitempty"`
}

// Event is a platform callback as it travels over HTTP or Pub/Sub.
type Event struct {
	ID             string               `json:"id"`
	Type           EventType            `json:"type"`
	InstallationID string               `json:"installationId,omitempty"`
	Token          string               `json:"token,omitempty"`
	Error          string               `json:"error,omitempty"`
	Granted        *bool                `json:"granted,omitempty"`
	BackendToken   string               `json:"backendToken,omitempty"`
	Notification   *NotificationPayload `json:"notification,omitempty"`
	ActionID       string               `json:"actionId,omitempty"`
	OccurredAt     time.Time            `json:"occurredAt"`
}

// ParseEvent decodes and validates a wire event.
func ParseEvent(data []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return &ev, nil
}

// Validate checks that the fields the event type needs are present.
func (e *Event) Validate() error {
	switch e.Type {
	case EventTokenReceived:
		if _, err := push.ParseDevicePushToken(e.Token); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
	case EventRegistrationFailed:
	case EventAuthorizationDecided, EventPermissionChanged:
		if e.Granted == nil {
			return fmt.Errorf("%w: %s requires granted", ErrInvalidEvent, e.Type)
		}
	case EventBackendTokenRefreshed:
		if e.BackendToken == "" {
			return fmt.Errorf("%w: %s requires backendToken", ErrInvalidEvent, e.Type)
		}
	case EventNotificationWillPresent, EventNotificationResponse:
		if e.Notification == nil {
			return fmt.Errorf("%w: %s requires notification", ErrInvalidEvent, e.Type)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, e.Type)
	}
	return nil
}

// NotificationEvent converts the payload. ReceivedAt falls back to now.
func (e *Event) NotificationEvent(now time.Time) push.NotificationEvent {
	n := e.Notification
	if n == nil {
		n = &NotificationPayload{}
	}
	at := e.OccurredAt
	if at.IsZero() {
		at = now
	}
	return push.NotificationEvent{
		ID: n.ID,
		Content: notification.NotificationContent{
			Title: n.Title,
			Body:  n.Body,
			Sound: n.Sound,
		},
		Data:       n.Data,
		ReceivedAt: at,
	}
}
