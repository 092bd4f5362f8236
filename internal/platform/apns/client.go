// Package apns binds device tokens directly to the Apple Push Notification Service.
package apns

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/payload"
	"github.com/sideshow/apns2/token"
)

var (
	ErrNoDeviceToken = errors.New("no device token assigned")
	// ErrTokenRejected means APNs will never deliver to the token.
	ErrTokenRejected = errors.New("apns rejected device token")
)

// APNSClient defines the subset of the apns2.Client methods we use.
type APNSClient interface {
	PushWithContext(ctx apns2.Context, n *apns2.Notification) (*apns2.Response, error)
}

// Config holds the credentials required to sign APNs tokens.
type Config struct {
	KeyID    string
	TeamID   string
	BundleID string
	// P8KeyContent is the raw string content of the .p8 file
	P8KeyContent string
	Development  bool
	// Confirm sends a silent background push to check the token before reporting it.
	Confirm bool
}

// Client implements push.MessagingClient for APNs. The backend token is the hex
// device token itself.
type Client struct {
	client  APNSClient
	topic   string
	confirm bool
	logger  *slog.Logger

	mu    sync.Mutex
	token string
}

// NewClient parses the P8 key immediately to fail fast on bad credentials.
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	authKey, err := token.AuthKeyFromBytes([]byte(cfg.P8KeyContent))
	if err != nil {
		return nil, fmt.Errorf("failed to parse APNs P8 key: %w", err)
	}

	tokenSource := &token.Token{
		AuthKey: authKey,
		KeyID:   cfg.KeyID,
		TeamID:  cfg.TeamID,
	}
	client := apns2.NewTokenClient(tokenSource)
	if cfg.Development {
		client = client.Development()
	} else {
		client = client.Production()
	}

	return newClient(client, cfg, logger), nil
}

func newClient(client APNSClient, cfg Config, logger *slog.Logger) *Client {
	return &Client{
		client:  client,
		topic:   cfg.BundleID,
		confirm: cfg.Confirm,
		logger:  logger.With("component", "APNSClient"),
	}
}

func (c *Client) SetDeviceToken(t []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = hex.EncodeToString(t)
}

func (c *Client) ResolveToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	deviceToken := c.token
	c.mu.Unlock()
	if deviceToken == "" {
		return "", ErrNoDeviceToken
	}
	if !c.confirm {
		return deviceToken, nil
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	n := &apns2.Notification{
		DeviceToken: deviceToken,
		Topic:       c.topic,
		PushType:    apns2.PushTypeBackground,
		Priority:    apns2.PriorityLow,
		Payload:     payload.NewPayload().ContentAvailable(),
	}
	res, err := c.client.PushWithContext(ctx, n)
	if err != nil {
		return "", fmt.Errorf("apns transport failed: %w", err)
	}
	if res.Sent() {
		c.logger.Debug("APNs accepted background push", "apns_id", res.ApnsID)
		return deviceToken, nil
	}

	switch res.Reason {
	case apns2.ReasonBadDeviceToken, apns2.ReasonUnregistered, apns2.ReasonDeviceTokenNotForTopic:
		return "", fmt.Errorf("%w: %s", ErrTokenRejected, res.Reason)
	default:
		// The token may be fine while our configuration is not.
		c.logger.Warn("APNs rejected background push", "reason", res.Reason, "status", res.StatusCode)
		return "", fmt.Errorf("apns returned %d: %s", res.StatusCode, res.Reason)
	}
}
