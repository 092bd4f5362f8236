// Package registrar acquires the device push token from the platform transport.
package registrar

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinywideclouds/go-push-registration/pkg/push"
)

// Registrar owns the current DevicePushToken until it is handed to the binder.
type Registrar struct {
	transport push.PushTransport
	logger    *slog.Logger

	mu       sync.Mutex
	attempts int
	failures int
	// latest is the issue time of the newest accepted delivery.
	latest time.Time

	token atomic.Pointer[push.DevicePushToken]
}

func New(transport push.PushTransport, logger *slog.Logger) *Registrar {
	return &Registrar{
		transport: transport,
		logger:    logger.With("component", "TokenRegistrar"),
	}
}

// Register asks the transport for a device token. The outcome arrives later
// through OnTokenReceived or OnRegistrationFailed.
func (r *Registrar) Register(ctx context.Context) {
	r.mu.Lock()
	r.attempts++
	attempt := r.attempts
	r.mu.Unlock()

	r.logger.Info("Registering for remote notifications", "attempt", attempt)
	r.transport.RegisterForRemoteNotifications(ctx)
}

// OnTokenReceived publishes token and reports whether it differs from the
// current one. Repeated delivery of the same value is a no-op.
func (r *Registrar) OnTokenReceived(token push.DevicePushToken) bool {
	return r.OnTokenReceivedAt(token, time.Time{})
}

// OnTokenReceivedAt is OnTokenReceived for a delivery stamped with its issue time.
// A delivery issued before the newest accepted one is stale and ignored. A zero
// issuedAt carries no ordering and is taken in arrival order.
func (r *Registrar) OnTokenReceivedAt(token push.DevicePushToken, issuedAt time.Time) bool {
	if token.IsZero() {
		r.logger.Warn("Ignoring empty device token")
		return false
	}
	if r.Attempts() == 0 {
		r.logger.Warn("Ignoring device token delivered before registration", "token", token.String())
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !issuedAt.IsZero() {
		if issuedAt.Before(r.latest) {
			r.logger.Warn("Ignoring stale device token delivery",
				"token", token.String(), "issued_at", issuedAt, "latest", r.latest)
			return false
		}
		r.latest = issuedAt
	}
	if cur := r.token.Load(); cur != nil && cur.Equal(token) {
		r.logger.Debug("Device token redelivered", "token", token.String())
		return false
	}

	superseded := r.token.Load()
	t := token
	r.token.Store(&t)
	if superseded != nil {
		r.logger.Info("Device token superseded", "old", superseded.String(), "new", token.String())
	} else {
		r.logger.Info("Device token received", "token", token.String())
	}
	return true
}

// OnRegistrationFailed ends the current attempt. Nothing is retried.
func (r *Registrar) OnRegistrationFailed(err error) *push.RegistrationError {
	r.mu.Lock()
	r.failures++
	r.mu.Unlock()

	regErr := push.NewTransportFailure("registration for remote notifications failed", err)
	r.logger.Error("Remote notification registration failed", "err", err)
	return regErr
}

// Token returns the current token, or the zero token.
func (r *Registrar) Token() push.DevicePushToken {
	if t := r.token.Load(); t != nil {
		return *t
	}
	return push.DevicePushToken{}
}

func (r *Registrar) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

func (r *Registrar) Failures() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failures
}
