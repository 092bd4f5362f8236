package web_test

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-platform/pkg/notification/v1"

	"github.com/tinywideclouds/go-push-registration/internal/platform/web"
)

func newSubscription(t *testing.T, endpoint string) []byte {
	t.Helper()
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)
	auth := make([]byte, 16)
	_, err = rand.Read(auth)
	require.NoError(t, err)

	sub := notification.WebPushSubscription{
		Endpoint: endpoint,
		Keys: struct {
			P256dh []byte `json:"p256dh"`
			Auth   []byte `json:"auth"`
		}{P256dh: key.PublicKey().Bytes(), Auth: auth},
	}
	raw, err := json.Marshal(sub)
	require.NoError(t, err)
	return raw
}

func TestClient_ResolveToken(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	mockServer := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/success":
			w.WriteHeader(http.StatusCreated)
		case "/expired":
			w.WriteHeader(http.StatusGone)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer mockServer.Close()

	privateKey, publicKey, err := webpush.GenerateVAPIDKeys()
	require.NoError(t, err)
	vapid := web.Config{
		PublicKey:       publicKey,
		PrivateKey:      privateKey,
		SubscriberEmail: "mailto:test-runner@tinywideclouds.com",
		Confirm:         true,
	}

	t.Run("Valid subscription resolves to its endpoint", func(t *testing.T) {
		client := web.NewClient(web.Config{}, nil, logger)
		client.SetDeviceToken(newSubscription(t, "https://push.example.com/send/abc"))

		endpoint, err := client.ResolveToken(ctx)

		require.NoError(t, err)
		assert.Equal(t, "https://push.example.com/send/abc", endpoint)
	})

	t.Run("Confirmed subscription", func(t *testing.T) {
		client := web.NewClient(vapid, mockServer.Client(), logger)
		client.SetDeviceToken(newSubscription(t, mockServer.URL+"/success"))

		endpoint, err := client.ResolveToken(ctx)

		require.NoError(t, err)
		assert.Equal(t, mockServer.URL+"/success", endpoint)
	})

	t.Run("Expired subscription", func(t *testing.T) {
		client := web.NewClient(vapid, mockServer.Client(), logger)
		client.SetDeviceToken(newSubscription(t, mockServer.URL+"/expired"))

		_, err := client.ResolveToken(ctx)
		assert.ErrorIs(t, err, web.ErrSubscriptionGone)
	})

	t.Run("Push service error", func(t *testing.T) {
		client := web.NewClient(vapid, mockServer.Client(), logger)
		client.SetDeviceToken(newSubscription(t, mockServer.URL+"/error"))

		_, err := client.ResolveToken(ctx)
		assert.ErrorContains(t, err, "500")
	})

	t.Run("Malformed subscriptions are rejected", func(t *testing.T) {
		client := web.NewClient(web.Config{}, nil, logger)

		client.SetDeviceToken([]byte("not json"))
		_, err := client.ResolveToken(ctx)
		assert.Error(t, err)

		client.SetDeviceToken(newSubscription(t, "http://insecure.example.com/send"))
		_, err = client.ResolveToken(ctx)
		assert.ErrorContains(t, err, "https")

		client.SetDeviceToken([]byte(`{"endpoint":"https://push.example.com/x","keys":{"p256dh":"AQID","auth":"AQID"}}`))
		_, err = client.ResolveToken(ctx)
		assert.ErrorContains(t, err, "malformed keys")
	})

	t.Run("No subscription", func(t *testing.T) {
		client := web.NewClient(web.Config{}, nil, logger)
		_, err := client.ResolveToken(ctx)
		assert.ErrorIs(t, err, web.ErrNoSubscription)
	})
}
