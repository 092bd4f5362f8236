package fcm

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"firebase.google.com/go/v4/messaging"
)

const (
	// TokenFormatFCM means the device token already is an FCM registration token.
	TokenFormatFCM = "fcm"
	// TokenFormatAPNS means the device token is an APNs token that FCM must import.
	TokenFormatAPNS = "apns"

	DefaultImportURL = "https://iid.googleapis.com/iid/v1:batchImport"
	// MessagingScope is the OAuth scope the import endpoint requires.
	MessagingScope = "https://www.googleapis.com/auth/firebase.messaging"
)

var ErrNoDeviceToken = errors.New("no device token assigned")

// Sender is the subset of the Firebase Messaging API used to confirm a token.
// *messaging.Client satisfies it.
type Sender interface {
	SendDryRun(ctx context.Context, msg *messaging.Message) (string, error)
}

type Config struct {
	TokenFormat string
	BundleID    string
	Sandbox     bool
	// DryRun validates the resolved registration token with a dry-run send.
	DryRun    bool
	ImportURL string
}

// Client binds the device token to Firebase Cloud Messaging.
type Client struct {
	cfg        Config
	sender     Sender
	httpClient *http.Client
	logger     *slog.Logger

	mu    sync.Mutex
	token []byte
}

// NewClient expects httpClient to carry Google credentials for the import endpoint.
// sender may be nil when DryRun is off.
func NewClient(cfg Config, sender Sender, httpClient *http.Client, logger *slog.Logger) *Client {
	if cfg.TokenFormat == "" {
		cfg.TokenFormat = TokenFormatAPNS
	}
	if cfg.ImportURL == "" {
		cfg.ImportURL = DefaultImportURL
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		cfg:        cfg,
		sender:     sender,
		httpClient: httpClient,
		logger:     logger.With("component", "FCMClient", "token_format", cfg.TokenFormat),
	}
}

func (c *Client) SetDeviceToken(token []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = append([]byte(nil), token...)
}

// ResolveToken returns the FCM registration token for the assigned device token.
func (c *Client) ResolveToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	token := append([]byte(nil), c.token...)
	c.mu.Unlock()
	if len(token) == 0 {
		return "", ErrNoDeviceToken
	}

	var regToken string
	switch c.cfg.TokenFormat {
	case TokenFormatFCM:
		regToken = string(token)
	case TokenFormatAPNS:
		imported, err := c.importAPNSToken(ctx, hex.EncodeToString(token))
		if err != nil {
			return "", err
		}
		regToken = imported
	default:
		return "", fmt.Errorf("unsupported token format %q", c.cfg.TokenFormat)
	}

	if c.cfg.DryRun && c.sender != nil {
		if err := c.confirm(ctx, regToken); err != nil {
			return "", err
		}
	}
	return regToken, nil
}

func (c *Client) confirm(ctx context.Context, regToken string) error {
	_, err := c.sender.SendDryRun(ctx, &messaging.Message{
		Token: regToken,
		Data:  map[string]string{"type": "registration_check"},
	})
	if err == nil {
		return nil
	}
	if messaging.IsRegistrationTokenNotRegistered(err) || messaging.IsInvalidArgument(err) {
		c.logger.Warn("FCM rejected registration token", "err", err)
		return fmt.Errorf("registration token rejected by fcm: %w", err)
	}
	return fmt.Errorf("fcm dry run failed: %w", err)
}

type importRequest struct {
	Application string   `json:"application"`
	Sandbox     bool     `json:"sandbox"`
	APNSTokens  []string `json:"apns_tokens"`
}

type importResult struct {
	APNSToken         string `json:"apns_token"`
	Status            string `json:"status"`
	RegistrationToken string `json:"registration_token"`
}

type importResponse struct {
	Results []importResult `json:"results"`
}

func (c *Client) importAPNSToken(ctx context.Context, apnsToken string) (string, error) {
	body, err := json.Marshal(importRequest{
		Application: c.cfg.BundleID,
		Sandbox:     c.cfg.Sandbox,
		APNSTokens:  []string{apnsToken},
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode import request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.ImportURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build import request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("access_token_auth", "true")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("apns token import failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("failed to read import response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("apns token import returned %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
	}

	var out importResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("failed to decode import response: %w", err)
	}
	for _, r := range out.Results {
		if r.APNSToken != apnsToken {
			continue
		}
		if r.Status != "OK" || r.RegistrationToken == "" {
			return "", fmt.Errorf("apns token import status %q", r.Status)
		}
		return r.RegistrationToken, nil
	}
	return "", errors.New("apns token import returned no result for the token")
}
