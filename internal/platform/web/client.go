package web

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/tinywideclouds/go-platform/pkg/notification/v1"
)

var (
	ErrNoSubscription    = errors.New("no web push subscription assigned")
	ErrSubscriptionGone  = errors.New("web push subscription expired")
	ErrInvalidSubscription = errors.New("invalid web push subscription")
)

// Config carries the VAPID identity used for confirmation pushes.
type Config struct {
	PublicKey       string
	PrivateKey      string
	SubscriberEmail string
	// Confirm sends an empty, low-urgency push to check the subscription.
	Confirm bool
}

// Client implements push.MessagingClient for browsers. The device token is the
// JSON-encoded subscription; the backend token is its endpoint.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger

	mu  sync.Mutex
	raw []byte
}

func NewClient(cfg Config, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		logger:     logger.With("component", "WebPushClient"),
	}
}

func (c *Client) SetDeviceToken(token []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.raw = append([]byte(nil), token...)
}

func (c *Client) ResolveToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	raw := append([]byte(nil), c.raw...)
	c.mu.Unlock()
	if len(raw) == 0 {
		return "", ErrNoSubscription
	}

	sub, err := parseSubscription(raw)
	if err != nil {
		return "", err
	}
	if c.cfg.Confirm {
		if err := c.send(ctx, sub); err != nil {
			return "", err
		}
	}
	return sub.Endpoint, nil
}

func parseSubscription(raw []byte) (*notification.WebPushSubscription, error) {
	var sub notification.WebPushSubscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSubscription, err)
	}
	u, err := url.Parse(sub.Endpoint)
	if err != nil || u.Scheme != "https" || u.Host == "" {
		return nil, fmt.Errorf("%w: endpoint %q is not an https url", ErrInvalidSubscription, sub.Endpoint)
	}
	// An uncompressed P-256 point and a 16 byte auth secret.
	if len(sub.Keys.P256dh) != 65 || len(sub.Keys.Auth) != 16 {
		return nil, fmt.Errorf("%w: malformed keys", ErrInvalidSubscription)
	}
	return &sub, nil
}

func (c *Client) send(ctx context.Context, sub *notification.WebPushSubscription) error {
	s := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: base64.RawURLEncoding.EncodeToString(sub.Keys.P256dh),
			Auth:   base64.RawURLEncoding.EncodeToString(sub.Keys.Auth),
		},
	}

	resp, err := webpush.SendNotificationWithContext(ctx, nil, s, &webpush.Options{
		Subscriber:      c.cfg.SubscriberEmail,
		VAPIDPublicKey:  c.cfg.PublicKey,
		VAPIDPrivateKey: c.cfg.PrivateKey,
		TTL:             0,
		Urgency:         webpush.UrgencyVeryLow,
		HTTPClient:      c.httpClient,
	})
	if err != nil {
		return fmt.Errorf("web push transport failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated, http.StatusOK:
		return nil
	case http.StatusGone, http.StatusNotFound:
		return ErrSubscriptionGone
	default:
		c.logger.Warn("WebPush rejected confirmation", "status", resp.StatusCode, "endpoint", sub.Endpoint)
		return fmt.Errorf("web push service returned %d", resp.StatusCode)
	}
}
