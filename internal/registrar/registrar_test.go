package registrar_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/tinywideclouds/go-push-registration/internal/registrar"
	"github.com/tinywideclouds/go-push-registration/pkg/push"
)

type mockTransport struct {
	mock.Mock
}

func (m *mockTransport) RegisterForRemoteNotifications(ctx context.Context) {
	m.Called(ctx)
}

func newRegistrar(t *testing.T) (*registrar.Registrar, *mockTransport) {
	t.Helper()
	transport := new(mockTransport)
	transport.On("RegisterForRemoteNotifications", mock.Anything).Return()
	return registrar.New(transport, slog.New(slog.NewTextHandler(io.Discard, nil))), transport
}

func TestRegistrar_TokenDelivery(t *testing.T) {
	ctx := context.Background()
	t1 := push.NewDevicePushToken([]byte{0xA1, 0xB2})
	t2 := push.NewDevicePushToken([]byte{0xC3, 0xD4})

	t.Run("Ignores tokens before register", func(t *testing.T) {
		r, _ := newRegistrar(t)
		assert.False(t, r.OnTokenReceived(t1))
		assert.True(t, r.Token().IsZero())
	})

	t.Run("Repeated delivery is idempotent", func(t *testing.T) {
		r, transport := newRegistrar(t)
		r.Register(ctx)
		transport.AssertNumberOfCalls(t, "RegisterForRemoteNotifications", 1)

		assert.True(t, r.OnTokenReceived(t1))
		assert.False(t, r.OnTokenReceived(t1))
		assert.False(t, r.OnTokenReceived(push.NewDevicePushToken([]byte{0xA1, 0xB2})))
		assert.Equal(t, "a1b2", r.Token().String())
	})

	t.Run("Different value supersedes", func(t *testing.T) {
		r, _ := newRegistrar(t)
		r.Register(ctx)
		assert.True(t, r.OnTokenReceived(t1))
		assert.True(t, r.OnTokenReceived(t2))
		assert.Equal(t, "c3d4", r.Token().String())
		assert.True(t, r.OnTokenReceived(t1), "flipping back is a new supersession")
	})

	t.Run("Empty token is ignored", func(t *testing.T) {
		r, _ := newRegistrar(t)
		r.Register(ctx)
		assert.False(t, r.OnTokenReceived(push.DevicePushToken{}))
	})
}

func TestRegistrar_FailureDoesNotRetry(t *testing.T) {
	r, transport := newRegistrar(t)
	r.Register(context.Background())

	err := r.OnRegistrationFailed(errors.New("network"))
	assert.ErrorIs(t, err, push.ErrTransportFailure)
	assert.Contains(t, err.Error(), "network")
	assert.Equal(t, 1, r.Failures())
	assert.Equal(t, 1, r.Attempts())
	transport.AssertNumberOfCalls(t, "RegisterForRemoteNotifications", 1)
}

func TestRegistrar_OrderedDelivery(t *testing.T) {
	ctx := context.Background()
	t1 := push.NewDevicePushToken([]byte{0xA1, 0xB2})
	t2 := push.NewDevicePushToken([]byte{0xC3, 0xD4})
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	t.Run("Late redelivery of an older token is dropped", func(t *testing.T) {
		r, _ := newRegistrar(t)
		r.Register(ctx)

		assert.True(t, r.OnTokenReceivedAt(t1, t0))
		assert.True(t, r.OnTokenReceivedAt(t2, t0.Add(time.Second)))
		assert.False(t, r.OnTokenReceivedAt(t1, t0))
		assert.Equal(t, "c3d4", r.Token().String())
	})

	t.Run("Newer delivery still supersedes", func(t *testing.T) {
		r, _ := newRegistrar(t)
		r.Register(ctx)

		assert.True(t, r.OnTokenReceivedAt(t1, t0))
		assert.True(t, r.OnTokenReceivedAt(t2, t0.Add(time.Second)))
		assert.True(t, r.OnTokenReceivedAt(t1, t0.Add(2*time.Second)))
		assert.Equal(t, "a1b2", r.Token().String())
	})

	t.Run("Unstamped delivery is taken in arrival order", func(t *testing.T) {
		r, _ := newRegistrar(t)
		r.Register(ctx)

		assert.True(t, r.OnTokenReceivedAt(t1, t0.Add(time.Second)))
		assert.True(t, r.OnTokenReceived(t2))
		assert.Equal(t, "c3d4", r.Token().String())
	})
}
