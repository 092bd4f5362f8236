package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/pubsub/v2"
)

// CommandType names a request to the native shell.
type CommandType string

const (
	CommandRegisterRemoteNotifications CommandType = "register_remote_notifications"
	CommandRequestAuthorization        CommandType = "request_authorization"
	CommandPresentNotification         CommandType = "present_notification"
	CommandRegistrationNotice          CommandType = "registration_notice"
)

type AuthorizationRequest struct {
	Alert bool `json:"alert"`
	Badge bool `json:"badge"`
	Sound bool `json:"sound"`
}

// Notice is an optional user-visible message about a registration problem.
type Notice struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type Command struct {
	ID             string                `json:"id"`
	Type           CommandType           `json:"type"`
	InstallationID string                `json:"installationId"`
	Authorization  *AuthorizationRequest `json:"authorization,omitempty"`
	EventID        string                `json:"eventId,omitempty"`
	Presentation   []string              `json:"presentation,omitempty"`
	Notice         *Notice               `json:"notice,omitempty"`
	IssuedAt       time.Time             `json:"issuedAt"`
}

// Publisher delivers commands to the native shell.
type Publisher interface {
	Publish(ctx context.Context, cmd Command) error
}

// PubsubPublisher publishes commands to a Pub/Sub topic the shell subscribes to.
type PubsubPublisher struct {
	publisher *pubsub.Publisher
	logger    *slog.Logger
}

func NewPubsubPublisher(client *pubsub.Client, topicID string, logger *slog.Logger) *PubsubPublisher {
	return &PubsubPublisher{
		publisher: client.Publisher(topicID),
		logger:    logger.With("component", "CommandPublisher", "topic", topicID),
	}
}

func (p *PubsubPublisher) Publish(ctx context.Context, cmd Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}

	result := p.publisher.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"type":            string(cmd.Type),
			"installation_id": cmd.InstallationID,
		},
	})
	msgID, err := result.Get(ctx)
	if err != nil {
		return fmt.Errorf("failed to publish %s command: %w", cmd.Type, err)
	}
	p.logger.Debug("Command published", "type", cmd.Type, "command_id", cmd.ID, "msg_id", msgID)
	return nil
}

// Stop flushes pending messages.
func (p *PubsubPublisher) Stop() {
	p.publisher.Stop()
}
