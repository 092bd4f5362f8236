// Package bridge connects the registration pipeline to the native application shell.
// Commands go out through a Publisher; platform callbacks come back as Events.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tinywideclouds/go-push-registration/pkg/push"
)

var (
	ErrNoDelegate          = errors.New("no delegate registered")
	ErrDelegateRegistered  = errors.New("a delegate is already registered")
	errRegistrationUnknown = errors.New("platform reported no reason")
)

const publishTimeout = 30 * time.Second

// LifecycleObserver receives the callbacks that are not part of push.Delegate.
type LifecycleObserver interface {
	OnPermissionChanged(granted bool)
	OnBackendTokenRefresh(token push.BackendToken)
}

type Config struct {
	InstallationID string
	// AutoAuthorization answers consent prompts locally: "granted", "denied" or "" to ask the shell.
	AutoAuthorization string
}

type decision struct {
	granted bool
	err     error
}

// Bridge is the host side of the platform: it implements push.AuthorizationCenter,
// push.PushTransport and push.DelegateRegistry on top of the shell's command channel.
type Bridge struct {
	cfg       Config
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	delegate push.Delegate
	waiters  map[chan decision]struct{}

	wg sync.WaitGroup
}

func New(cfg Config, publisher Publisher, logger *slog.Logger) *Bridge {
	return &Bridge{
		cfg:       cfg,
		publisher: publisher,
		logger:    logger.With("component", "PlatformBridge", "installation_id", cfg.InstallationID),
		now:       time.Now,
		waiters:   make(map[chan decision]struct{}),
	}
}

// RegisterDelegate implements push.DelegateRegistry. Only one delegate is kept.
func (b *Bridge) RegisterDelegate(d push.Delegate) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.delegate != nil {
		return ErrDelegateRegistered
	}
	b.delegate = d
	return nil
}

// RequestAuthorization implements push.AuthorizationCenter. It asks the shell to
// prompt the user and waits for an authorization_decided event.
func (b *Bridge) RequestAuthorization(ctx context.Context, opts push.AuthorizationOptions) (bool, error) {
	switch b.cfg.AutoAuthorization {
	case "granted":
		return true, nil
	case "denied":
		return false, nil
	}

	ch := make(chan decision, 1)
	b.mu.Lock()
	b.waiters[ch] = struct{}{}
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.waiters, ch)
		b.mu.Unlock()
	}()

	err := b.publisher.Publish(ctx, b.command(CommandRequestAuthorization, func(c *Command) {
		c.Authorization = &AuthorizationRequest{Alert: opts.Alert, Badge: opts.Badge, Sound: opts.Sound}
	}))
	if err != nil {
		return false, fmt.Errorf("could not ask the shell for authorization: %w", err)
	}

	select {
	case d := <-ch:
		return d.granted, d.err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// RegisterForRemoteNotifications implements push.PushTransport. The command is
// published in the background; a publish failure is reported as a registration failure.
func (b *Bridge) RegisterForRemoteNotifications(ctx context.Context) {
	cmd := b.command(CommandRegisterRemoteNotifications, nil)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
		defer cancel()
		if err := b.publisher.Publish(pubCtx, cmd); err != nil {
			b.logger.Error("Failed to request remote notification registration", "err", err)
			if d := b.currentDelegate(); d != nil {
				d.OnRegistrationFailed(err)
			}
		}
	}()
}

// Notify forwards a registration problem to the shell as a user-visible notice.
func (b *Bridge) Notify(err *push.RegistrationError) {
	cmd := b.command(CommandRegistrationNotice, func(c *Command) {
		c.Notice = &Notice{Kind: err.Kind.String(), Message: err.Error()}
	})
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if pubErr := b.publisher.Publish(ctx, cmd); pubErr != nil {
			b.logger.Warn("Failed to publish registration notice", "err", pubErr)
		}
	}()
}

// Wait blocks until background publishes have finished.
func (b *Bridge) Wait() {
	b.wg.Wait()
}

// Dispatch routes a platform event to the registered delegate. Events addressed to
// another installation are ignored.
func (b *Bridge) Dispatch(ctx context.Context, ev Event) error {
	if ev.InstallationID != "" && ev.InstallationID != b.cfg.InstallationID {
		b.logger.Debug("Ignoring event for another installation", "event_id", ev.ID, "target", ev.InstallationID)
		return nil
	}
	if err := ev.Validate(); err != nil {
		return err
	}

	logger := b.logger.With("event_id", ev.ID, "type", ev.Type)
	logger.Debug("Dispatching platform event")

	if ev.Type == EventAuthorizationDecided {
		if b.resolveAuthorization(*ev.Granted) {
			return nil
		}
		// Nobody is waiting: the decision came from the shell on its own.
		ev.Type = EventPermissionChanged
	}

	d := b.currentDelegate()
	if d == nil {
		return ErrNoDelegate
	}

	switch ev.Type {
	case EventTokenReceived:
		token, _ := push.ParseDevicePushToken(ev.Token)
		if seq, ok := d.(push.SequencedTokenSink); ok && !ev.OccurredAt.IsZero() {
			seq.OnTokenReceivedAt(token, ev.OccurredAt)
		} else {
			d.OnTokenReceived(token)
		}

	case EventRegistrationFailed:
		var cause error = errRegistrationUnknown
		if ev.Error != "" {
			cause = errors.New(ev.Error)
		}
		d.OnRegistrationFailed(cause)

	case EventPermissionChanged:
		if obs, ok := d.(LifecycleObserver); ok {
			obs.OnPermissionChanged(*ev.Granted)
		}

	case EventBackendTokenRefreshed:
		if obs, ok := d.(LifecycleObserver); ok {
			obs.OnBackendTokenRefresh(push.BackendToken(ev.BackendToken))
		}

	case EventNotificationWillPresent:
		opts := d.WillPresent(ctx, ev.NotificationEvent(b.now()))
		return b.publisher.Publish(ctx, b.command(CommandPresentNotification, func(c *Command) {
			c.EventID = ev.Notification.ID
			c.Presentation = opts.Strings()
		}))

	case EventNotificationResponse:
		actionID := ev.ActionID
		if actionID == "" {
			actionID = push.DefaultActionID
		}
		done := make(chan struct{})
		d.DidReceiveResponse(ctx, push.NotificationResponse{
			Event:    ev.NotificationEvent(b.now()),
			ActionID: actionID,
		}, func() { close(done) })
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *Bridge) resolveAuthorization(granted bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.waiters) == 0 {
		return false
	}
	for ch := range b.waiters {
		ch <- decision{granted: granted}
		delete(b.waiters, ch)
	}
	return true
}

func (b *Bridge) currentDelegate() push.Delegate {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.delegate
}

func (b *Bridge) command(t CommandType, fill func(*Command)) Command {
	cmd := Command{
		ID:             uuid.NewString(),
		Type:           t,
		InstallationID: b.cfg.InstallationID,
		IssuedAt:       b.now(),
	}
	if fill != nil {
		fill(&cmd)
	}
	return cmd
}
