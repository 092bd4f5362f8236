package registrationservice_test

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/tinywideclouds/go-push-registration/internal/binder"
	"github.com/tinywideclouds/go-push-registration/pkg/push"
	"github.com/tinywideclouds/go-push-registration/registrationservice"
)

// --- Fakes ---

type fakeCenter struct {
	granted bool
	err     error
	calls   atomic.Int32
}

func (f *fakeCenter) RequestAuthorization(_ context.Context, _ push.AuthorizationOptions) (bool, error) {
	f.calls.Add(1)
	return f.granted, f.err
}

type fakeTransport struct {
	calls      atomic.Int32
	onRegister func()
}

func (f *fakeTransport) RegisterForRemoteNotifications(_ context.Context) {
	f.calls.Add(1)
	if f.onRegister != nil {
		go f.onRegister()
	}
}

type fakeMessaging struct {
	mu       sync.Mutex
	assigned [][]byte
}

func (f *fakeMessaging) SetDeviceToken(token []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assigned = append(f.assigned, token)
}

func (f *fakeMessaging) ResolveToken(_ context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.assigned) == 0 {
		return "", errors.New("no token")
	}
	return "backend-" + hex.EncodeToString(f.assigned[len(f.assigned)-1]), nil
}

func (f *fakeMessaging) Assignments() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.assigned)
}

type recorder struct {
	mu          sync.Mutex
	transitions []string
	diagnostics []*push.RegistrationError
}

func (r *recorder) observe(from, to registrationservice.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, from.String()+"->"+to.String())
}

func (r *recorder) diagnose(err *push.RegistrationError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.diagnostics = append(r.diagnostics, err)
}

func (r *recorder) Transitions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.transitions...)
}

func (r *recorder) Kinds() []push.ErrorKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var kinds []push.ErrorKind
	for _, d := range r.diagnostics {
		kinds = append(kinds, d.Kind)
	}
	return kinds
}

type fakeRegistry struct {
	delegates []push.Delegate
}

func (f *fakeRegistry) RegisterDelegate(d push.Delegate) error {
	f.delegates = append(f.delegates, d)
	return nil
}

// --- Helpers ---

type harness struct {
	coord     *registrationservice.Coordinator
	center    *fakeCenter
	transport *fakeTransport
	messaging *fakeMessaging
	rec       *recorder
	ctx       context.Context
}

func newHarness(t *testing.T, eager bool, granted bool) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &harness{
		center:    &fakeCenter{granted: granted},
		transport: &fakeTransport{},
		messaging: &fakeMessaging{},
		rec:       &recorder{},
	}
	cfg := registrationservice.CoordinatorConfig{
		RegisterEagerly: eager,
		Authorization:   push.DefaultAuthorizationOptions(),
		Binding:         binder.Config{InstallationID: "install-1", Backend: "fcm", ResolveBackendToken: true},
	}
	h.coord = registrationservice.NewCoordinator(cfg, registrationservice.Collaborators{
		Center:    h.center,
		Transport: h.transport,
		Messaging: h.messaging,
	}, logger,
		registrationservice.WithTransitionObserver(h.rec.observe),
		registrationservice.WithDiagnosticSink(h.rec.diagnose),
	)

	ctx, cancel := context.WithCancel(context.Background())
	h.ctx = ctx
	go h.coord.Run(ctx)
	t.Cleanup(func() {
		cancel()
		h.coord.Close()
	})
	return h
}

func (h *harness) barrier(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(h.ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, h.coord.Barrier(ctx))
}

func (h *harness) waitFor(t *testing.T, want registrationservice.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.coord.State() == want
	}, 2*time.Second, 5*time.Millisecond, "state never reached %s (now %s)", want, h.coord.State())
}

var (
	tokenA = push.NewDevicePushToken([]byte{0xde, 0xad, 0xbe, 0xef})
	tokenB = push.NewDevicePushToken([]byte{0x0a, 0x0b, 0x0c})
)

// --- Tests ---

func TestCoordinator_Launch(t *testing.T) {
	t.Run("Eager launch with consent binds the delivered token", func(t *testing.T) {
		h := newHarness(t, true, true)
		h.transport.onRegister = func() { h.coord.OnTokenReceived(tokenA) }

		h.coord.Launch(context.Background())
		h.waitFor(t, registrationservice.StateBound)

		assert.Equal(t, []string{
			"idle->registering",
			"registering->token_held",
			"token_held->bound",
		}, h.rec.Transitions())
		assert.Equal(t, 1, h.messaging.Assignments())
		assert.Equal(t, int32(1), h.transport.calls.Load())

		require.Eventually(t, func() bool {
			snap := h.coord.Snapshot()
			return snap.BackendToken == "backend-deadbeef" && snap.Permission == "granted"
		}, time.Second, 5*time.Millisecond)
		snap := h.coord.Snapshot()
		assert.Equal(t, "deadbeef", snap.DeviceToken)
		assert.Equal(t, "deadbeef", snap.BoundToken)
		assert.Empty(t, h.rec.Kinds())
	})

	t.Run("Gated launch registers only after consent", func(t *testing.T) {
		h := newHarness(t, false, true)
		h.transport.onRegister = func() { h.coord.OnTokenReceived(tokenA) }

		h.coord.Launch(context.Background())
		h.waitFor(t, registrationservice.StateBound)

		assert.Equal(t, []string{
			"idle->requesting",
			"requesting->authorized",
			"authorized->registering",
			"registering->token_held",
			"token_held->bound",
		}, h.rec.Transitions())
	})

	t.Run("Denial with gating never registers", func(t *testing.T) {
		h := newHarness(t, false, false)

		h.coord.Launch(context.Background())
		h.waitFor(t, registrationservice.StateDenied)
		h.barrier(t)

		assert.Equal(t, int32(0), h.transport.calls.Load())
		assert.Equal(t, []push.ErrorKind{push.KindPermissionDenied}, h.rec.Kinds())
		assert.Equal(t, "denied", h.coord.Snapshot().Permission)
		assert.True(t, h.coord.State().Terminal())
	})

	t.Run("Denial with eager registration still registers", func(t *testing.T) {
		h := newHarness(t, true, false)

		h.coord.Launch(context.Background())
		require.Eventually(t, func() bool {
			return len(h.rec.Kinds()) == 1
		}, 2*time.Second, 5*time.Millisecond)

		assert.Equal(t, registrationservice.StateRegistering, h.coord.State())
		assert.Equal(t, int32(1), h.transport.calls.Load())
		assert.Equal(t, push.KindPermissionDenied, h.rec.Kinds()[0])

		h.coord.OnTokenReceived(tokenA)
		h.waitFor(t, registrationservice.StateBound)
	})

	t.Run("Platform error during consent is reported as denial", func(t *testing.T) {
		h := newHarness(t, false, false)
		h.center.err = errors.New("authorization subsystem unavailable")

		h.coord.Launch(context.Background())
		h.waitFor(t, registrationservice.StateDenied)
		h.barrier(t)
		assert.Contains(t, h.coord.Snapshot().LastError, "authorization subsystem unavailable")
	})

	t.Run("Launch runs once per process", func(t *testing.T) {
		h := newHarness(t, true, true)

		h.coord.Launch(context.Background())
		h.coord.Launch(context.Background())
		h.waitFor(t, registrationservice.StateRegistering)
		require.Eventually(t, func() bool { return h.center.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
		h.barrier(t)

		assert.Equal(t, int32(1), h.transport.calls.Load())
	})
}

func TestCoordinator_TokenCallbacks(t *testing.T) {
	t.Run("Redelivered token binds exactly once", func(t *testing.T) {
		h := newHarness(t, true, true)
		h.coord.Launch(context.Background())
		h.waitFor(t, registrationservice.StateRegistering)

		for i := 0; i < 3; i++ {
			h.coord.OnTokenReceived(tokenA)
		}
		h.barrier(t)

		assert.Equal(t, registrationservice.StateBound, h.coord.State())
		assert.Equal(t, 1, h.messaging.Assignments())
		assert.Equal(t, 1, h.coord.Snapshot().Binds)
	})

	t.Run("New token supersedes the bound one", func(t *testing.T) {
		h := newHarness(t, true, true)
		h.coord.Launch(context.Background())
		h.waitFor(t, registrationservice.StateRegistering)

		h.coord.OnTokenReceived(tokenA)
		h.coord.OnTokenReceived(tokenB)
		h.barrier(t)

		assert.Equal(t, registrationservice.StateBound, h.coord.State())
		assert.Equal(t, 2, h.messaging.Assignments())
		assert.Equal(t, "0a0b0c", h.coord.Snapshot().BoundToken)
		assert.Contains(t, h.rec.Transitions(), "bound->token_held")
	})

	t.Run("Stale redelivery does not roll the binding back", func(t *testing.T) {
		h := newHarness(t, true, true)
		h.coord.Launch(context.Background())
		h.waitFor(t, registrationservice.StateRegistering)

		issued := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
		h.coord.OnTokenReceivedAt(tokenA, issued)
		h.coord.OnTokenReceivedAt(tokenB, issued.Add(time.Second))
		h.coord.OnTokenReceivedAt(tokenA, issued)
		h.barrier(t)

		assert.Equal(t, registrationservice.StateBound, h.coord.State())
		assert.Equal(t, "0a0b0c", h.coord.Snapshot().BoundToken)
		assert.Equal(t, "0a0b0c", h.coord.Snapshot().DeviceToken)
		assert.Equal(t, 2, h.messaging.Assignments())
	})

	t.Run("Tokens before launch are dropped", func(t *testing.T) {
		h := newHarness(t, true, true)

		h.coord.OnTokenReceived(tokenA)
		h.barrier(t)

		assert.Equal(t, registrationservice.StateIdle, h.coord.State())
		assert.Equal(t, 0, h.messaging.Assignments())
	})

	t.Run("Registration failure is terminal and not retried", func(t *testing.T) {
		h := newHarness(t, true, true)
		h.coord.Launch(context.Background())
		h.waitFor(t, registrationservice.StateRegistering)

		h.coord.OnRegistrationFailed(errors.New("no network"))
		h.waitFor(t, registrationservice.StateRegistrationFailed)
		h.barrier(t)
		time.Sleep(20 * time.Millisecond)

		assert.Equal(t, int32(1), h.transport.calls.Load())
		assert.Contains(t, h.rec.Kinds(), push.KindTransportFailure)
		assert.Contains(t, h.coord.Snapshot().LastError, "no network")
	})

	t.Run("Late token after failure is still bound", func(t *testing.T) {
		h := newHarness(t, true, true)
		h.coord.Launch(context.Background())
		h.waitFor(t, registrationservice.StateRegistering)

		h.coord.OnRegistrationFailed(errors.New("timeout"))
		h.coord.OnTokenReceived(tokenA)
		h.barrier(t)

		assert.Equal(t, registrationservice.StateBound, h.coord.State())
		assert.Equal(t, 1, h.messaging.Assignments())
		assert.True(t, registrationservice.StateRegistrationFailed.Terminal())
		assert.Equal(t, []string{
			"idle->registering",
			"registering->registration_failed",
			"registration_failed->token_held",
			"token_held->bound",
		}, h.rec.Transitions())
	})

	t.Run("Backend refresh replaces the resolved token", func(t *testing.T) {
		h := newHarness(t, true, true)
		h.coord.Launch(context.Background())
		h.waitFor(t, registrationservice.StateRegistering)
		h.coord.OnTokenReceived(tokenA)
		h.barrier(t)
		require.Eventually(t, func() bool {
			return h.coord.Snapshot().BackendToken != ""
		}, time.Second, 5*time.Millisecond)

		h.coord.OnBackendTokenRefresh("refreshed-token")
		h.barrier(t)

		assert.Equal(t, "refreshed-token", h.coord.Snapshot().BackendToken)
		assert.Equal(t, registrationservice.StateBound, h.coord.State())
	})
}

func TestCoordinator_Presentation(t *testing.T) {
	t.Run("Presentation hooks never change state", func(t *testing.T) {
		h := newHarness(t, false, false)
		h.coord.Launch(context.Background())
		h.waitFor(t, registrationservice.StateDenied)

		opts := h.coord.WillPresent(context.Background(), push.NotificationEvent{ID: "n-1"})
		assert.False(t, opts.IsEmpty())
		assert.Equal(t, push.DefaultPresentationOptions, opts)

		done := make(chan struct{})
		h.coord.DidReceiveResponse(context.Background(), push.NotificationResponse{ActionID: push.DefaultActionID}, func() { close(done) })
		<-done
		h.barrier(t)

		assert.Equal(t, registrationservice.StateDenied, h.coord.State())
	})

	t.Run("Concurrent responses complete exactly once each", func(t *testing.T) {
		h := newHarness(t, true, true)

		var completed atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				h.coord.DidReceiveResponse(context.Background(), push.NotificationResponse{ActionID: push.DefaultActionID}, func() {
					completed.Add(1)
				})
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(20), completed.Load())
	})
}

func TestCoordinator_Permission(t *testing.T) {
	t.Run("Consent granted in settings is recorded without re-entering the pipeline", func(t *testing.T) {
		h := newHarness(t, false, false)
		h.coord.Launch(context.Background())
		h.waitFor(t, registrationservice.StateDenied)

		h.coord.OnPermissionChanged(true)
		h.barrier(t)

		assert.Equal(t, "granted", h.coord.Snapshot().Permission)
		assert.Equal(t, registrationservice.StateDenied, h.coord.State())
		assert.Equal(t, int32(0), h.transport.calls.Load())
	})
}

type runCtxKey struct{}

type ctxStore struct {
	mu   sync.Mutex
	seen []any
}

func (s *ctxStore) note(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, ctx.Value(runCtxKey{}))
}

func (s *ctxStore) values() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]any(nil), s.seen...)
}

func (s *ctxStore) Save(ctx context.Context, _ push.BindingRecord) error {
	s.note(ctx)
	return nil
}

func (s *ctxStore) Load(ctx context.Context, _ string) (*push.BindingRecord, error) {
	s.note(ctx)
	return nil, push.ErrBindingNotFound
}

func (s *ctxStore) Touch(ctx context.Context, _ string, _ time.Time) error {
	s.note(ctx)
	return nil
}

func (s *ctxStore) ListByOwner(ctx context.Context, _ urn.URN) ([]push.BindingRecord, error) {
	return nil, nil
}

func TestCoordinator_RunContext(t *testing.T) {
	t.Run("Bind queued before Run uses the run context", func(t *testing.T) {
		logger := slog.New(slog.NewTextHandler(io.Discard, nil))
		store := &ctxStore{}
		coord := registrationservice.NewCoordinator(registrationservice.CoordinatorConfig{
			RegisterEagerly: true,
			Authorization:   push.DefaultAuthorizationOptions(),
			Binding:         binder.Config{InstallationID: "install-1", Backend: "fcm"},
		}, registrationservice.Collaborators{
			Center:    &fakeCenter{granted: true},
			Transport: &fakeTransport{},
			Messaging: &fakeMessaging{},
			Store:     store,
		}, logger)

		ctx, cancel := context.WithCancel(context.WithValue(context.Background(), runCtxKey{}, "run"))
		t.Cleanup(func() {
			cancel()
			coord.Close()
		})

		// Launch and the first token are queued before the queue starts.
		coord.Launch(ctx)
		coord.OnTokenReceived(tokenA)
		go coord.Run(ctx)

		require.Eventually(t, func() bool {
			return coord.State() == registrationservice.StateBound
		}, 2*time.Second, 5*time.Millisecond)

		seen := store.values()
		require.NotEmpty(t, seen)
		for _, v := range seen {
			assert.Equal(t, "run", v)
		}
	})
}

func TestCoordinator_Attach(t *testing.T) {
	h := newHarness(t, true, true)
	registry := &fakeRegistry{}

	require.NoError(t, h.coord.Attach(registry))
	err := h.coord.Attach(registry)

	assert.ErrorIs(t, err, registrationservice.ErrAlreadyAttached)
	assert.Len(t, registry.delegates, 1)
}
