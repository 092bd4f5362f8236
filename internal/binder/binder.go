// Package binder binds device push tokens to the messaging backend.
package binder

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/tinywideclouds/go-push-registration/pkg/push"
)

// Config identifies the installation whose binding is recorded.
type Config struct {
	InstallationID string
	Owner          urn.URN
	Backend        string
	// ResolveBackendToken triggers a best-effort ResolveToken after each fresh bind.
	ResolveBackendToken bool
	ResolveTimeout      time.Duration
}

// ResolveObserver is told about every completed resolution that was not superseded.
type ResolveObserver func(token push.DevicePushToken, backend push.BackendToken, err error)

// Option configures a Binder.
type Option func(*Binder)

// WithStore persists binding records. Without it the binding lives in memory only.
func WithStore(store push.BindingStore) Option {
	return func(b *Binder) { b.store = store }
}

func WithResolveObserver(fn ResolveObserver) Option {
	return func(b *Binder) { b.onResolved = fn }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Binder) { b.now = now }
}

// Binder hands device tokens to the MessagingClient. Binding the current value
// again only re-affirms it; a new value supersedes the old binding completely.
type Binder struct {
	client     push.MessagingClient
	store      push.BindingStore
	cfg        Config
	logger     *slog.Logger
	onResolved ResolveObserver
	now        func() time.Time

	mu    sync.Mutex
	binds int

	bound      atomic.Pointer[push.DevicePushToken]
	backend    atomic.Pointer[push.BackendToken]
	generation atomic.Uint64

	rootCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(client push.MessagingClient, cfg Config, logger *slog.Logger, opts ...Option) *Binder {
	if cfg.ResolveTimeout <= 0 {
		cfg.ResolveTimeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Binder{
		client:  client,
		cfg:     cfg,
		logger:  logger.With("component", "TokenBinder", "installation_id", cfg.InstallationID),
		now:     time.Now,
		rootCtx: ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Bind associates token with the messaging backend. It reports whether the backend
// linkage changed. The only error is a BindingFailure for an absent token.
func (b *Binder) Bind(ctx context.Context, token push.DevicePushToken) (bool, error) {
	if token.IsZero() {
		return false, push.NewBindingFailure("absent device token", nil)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if cur := b.bound.Load(); cur != nil && cur.Equal(token) {
		b.logger.Debug("Device token already bound, re-affirming", "token", token.String())
		b.touch(ctx)
		return false, nil
	}

	b.client.SetDeviceToken(token.Bytes())
	b.binds++
	t := token
	b.bound.Store(&t)
	b.backend.Store(nil)
	gen := b.generation.Add(1)
	b.logger.Info("Device token bound", "token", token.String(), "backend", b.cfg.Backend)

	b.persist(ctx, token)

	if b.cfg.ResolveBackendToken {
		b.wg.Add(1)
		go b.resolve(token, gen)
	}
	return true, nil
}

// RefreshBackendToken records a backend-initiated refresh. Refreshes without a bound
// device token, or repeating the current value, are ignored.
func (b *Binder) RefreshBackendToken(ctx context.Context, token push.BackendToken) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.bound.Load() == nil {
		b.logger.Warn("Ignoring backend token refresh before any device token was bound")
		return false
	}
	if token == "" {
		return false
	}
	if cur := b.backend.Load(); cur != nil && *cur == token {
		return false
	}
	b.backend.Store(&token)
	b.logger.Info("Backend token refreshed", "backend_token_prefix", prefix(string(token)))
	b.persist(ctx, *b.bound.Load())
	return true
}

// Bound returns the currently bound device token, or the zero token.
func (b *Binder) Bound() push.DevicePushToken {
	if t := b.bound.Load(); t != nil {
		return *t
	}
	return push.DevicePushToken{}
}

// BackendToken returns the last resolved or refreshed backend token.
func (b *Binder) BackendToken() push.BackendToken {
	if t := b.backend.Load(); t != nil {
		return *t
	}
	return ""
}

// Binds returns how many times the backend client was handed a token.
func (b *Binder) Binds() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.binds
}

// Close cancels outstanding resolutions and waits for them.
func (b *Binder) Close() {
	b.cancel()
	b.wg.Wait()
}

func (b *Binder) resolve(token push.DevicePushToken, gen uint64) {
	defer b.wg.Done()
	ctx, cancel := context.WithTimeout(b.rootCtx, b.cfg.ResolveTimeout)
	defer cancel()

	resolved, err := b.client.ResolveToken(ctx)

	b.mu.Lock()
	if b.generation.Load() != gen {
		b.mu.Unlock()
		b.logger.Debug("Discarding backend token for superseded device token", "token", token.String())
		return
	}
	if err == nil && resolved != "" {
		bt := push.BackendToken(resolved)
		b.backend.Store(&bt)
		b.persist(ctx, token)
	}
	b.mu.Unlock()

	if err != nil {
		b.logger.Warn("Backend token resolution failed (binding unaffected)", "err", err)
	} else {
		b.logger.Info("Backend token resolved", "backend_token_prefix", prefix(resolved))
	}
	if b.onResolved != nil {
		b.onResolved(token, push.BackendToken(resolved), err)
	}
}

// persist must be called with b.mu held.
func (b *Binder) persist(ctx context.Context, token push.DevicePushToken) {
	if b.store == nil {
		return
	}
	now := b.now()
	rec := push.BindingRecord{
		InstallationID: b.cfg.InstallationID,
		Owner:          b.cfg.Owner,
		Backend:        b.cfg.Backend,
		DeviceToken:    token.String(),
		BackendToken:   string(b.BackendToken()),
		BoundAt:        now,
		AffirmedAt:     now,
	}

	prev, err := b.store.Load(ctx, b.cfg.InstallationID)
	switch {
	case err == nil && prev.DeviceToken == rec.DeviceToken:
		// Same token as a previous launch: keep the original bind time.
		rec.BoundAt = prev.BoundAt
		if rec.BackendToken == "" {
			rec.BackendToken = prev.BackendToken
		}
	case err != nil && !errors.Is(err, push.ErrBindingNotFound):
		b.logger.Warn("Failed to load previous binding record", "err", err)
	}

	if err := b.store.Save(ctx, rec); err != nil {
		b.logger.Warn("Failed to persist binding record", "err", err)
	}
}

func (b *Binder) touch(ctx context.Context) {
	if b.store == nil {
		return
	}
	if err := b.store.Touch(ctx, b.cfg.InstallationID, b.now()); err != nil {
		b.logger.Warn("Failed to re-affirm binding record", "err", err)
	}
}

func prefix(s string) string {
	if len(s) <= 12 {
		return s
	}
	return s[:12] + "..."
}
