package registrationservice

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinywideclouds/go-push-registration/internal/binder"
	"github.com/tinywideclouds/go-push-registration/internal/mainqueue"
	"github.com/tinywideclouds/go-push-registration/internal/metrics"
	"github.com/tinywideclouds/go-push-registration/internal/permission"
	"github.com/tinywideclouds/go-push-registration/internal/presenter"
	"github.com/tinywideclouds/go-push-registration/internal/registrar"
	"github.com/tinywideclouds/go-push-registration/pkg/push"
)

// ErrAlreadyAttached is returned by a second Attach.
var ErrAlreadyAttached = errors.New("coordinator is already attached to a delegate registry")

// CoordinatorConfig holds the launch policy and the identity of the binding.
type CoordinatorConfig struct {
	// RegisterEagerly registers at launch without waiting for the permission decision.
	RegisterEagerly bool
	Authorization   push.AuthorizationOptions
	Presentation    push.PresentationOptions
	Binding         binder.Config
}

// Collaborators are the platform handles the coordinator drives.
type Collaborators struct {
	Center    push.AuthorizationCenter
	Transport push.PushTransport
	Messaging push.MessagingClient
	// Store and ResponseHandler are optional.
	Store           push.BindingStore
	ResponseHandler presenter.ResponseHandler
}

// TransitionObserver is called on the main queue after every state change.
type TransitionObserver func(from, to State)

// DiagnosticSink receives every RegistrationError the pipeline surfaces.
type DiagnosticSink func(err *push.RegistrationError)

type CoordinatorOption func(*Coordinator)

func WithTransitionObserver(fn TransitionObserver) CoordinatorOption {
	return func(c *Coordinator) { c.observers = append(c.observers, fn) }
}

func WithDiagnosticSink(fn DiagnosticSink) CoordinatorOption {
	return func(c *Coordinator) { c.diagnostics = append(c.diagnostics, fn) }
}

func WithMetrics(m *metrics.Metrics) CoordinatorOption {
	return func(c *Coordinator) { c.metrics = m }
}

// Coordinator runs the registration pipeline. It is the single delegate the host
// sees: it accepts token callbacks and presentation hooks from any goroutine and
// serializes every state change onto the main queue.
type Coordinator struct {
	cfg    CoordinatorConfig
	logger *slog.Logger
	queue  *mainqueue.Queue

	negotiator *permission.Negotiator
	registrar  *registrar.Registrar
	binder     *binder.Binder
	presenter  *presenter.Presenter

	observers   []TransitionObserver
	diagnostics []DiagnosticSink
	metrics     *metrics.Metrics

	// state is only written on the main queue.
	state     State
	published atomic.Int32
	lastErr   atomic.Pointer[string]
	updatedAt atomic.Pointer[time.Time]
	runCtx    context.Context

	attachOnce sync.Once
	launchOnce sync.Once
}

// NewCoordinator composes the four pipeline components around the collaborators.
func NewCoordinator(cfg CoordinatorConfig, deps Collaborators, logger *slog.Logger, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		cfg:    cfg,
		logger: logger.With("component", "RegistrationCoordinator"),
		queue:  mainqueue.New(logger),
		runCtx: context.Background(),
	}
	for _, opt := range opts {
		opt(c)
	}

	binderOpts := []binder.Option{binder.WithResolveObserver(c.onResolved)}
	if deps.Store != nil {
		binderOpts = append(binderOpts, binder.WithStore(deps.Store))
	}

	c.negotiator = permission.NewNegotiator(deps.Center, logger)
	c.registrar = registrar.New(deps.Transport, logger)
	c.binder = binder.New(deps.Messaging, cfg.Binding, logger, binderOpts...)
	c.presenter = presenter.New(cfg.Presentation, deps.ResponseHandler, logger)
	c.touchUpdated()
	return c
}

// Run processes the main queue until ctx is cancelled. Work queued before Run
// executes under ctx as well, since nothing on the queue runs until here.
func (c *Coordinator) Run(ctx context.Context) {
	c.runCtx = ctx
	c.queue.Run(ctx)
}

// Close cancels outstanding backend token resolutions.
func (c *Coordinator) Close() {
	c.binder.Close()
}

// Barrier waits until every callback submitted so far has been processed.
func (c *Coordinator) Barrier(ctx context.Context) error {
	return c.queue.Barrier(ctx)
}

// Attach registers the coordinator with the host's delegate registry. Only the
// first call has any effect.
func (c *Coordinator) Attach(registry push.DelegateRegistry) error {
	err := ErrAlreadyAttached
	c.attachOnce.Do(func() {
		err = registry.RegisterDelegate(c)
		if err == nil {
			c.logger.Info("Attached to delegate registry")
		}
	})
	return err
}

// Launch starts the pipeline once per process. ctx bounds the permission request.
func (c *Coordinator) Launch(ctx context.Context) {
	c.launchOnce.Do(func() {
		c.queue.Async(func() { c.launch(ctx) })
	})
}

func (c *Coordinator) launch(ctx context.Context) {
	if c.state != StateIdle {
		c.logger.Warn("Launch ignored, pipeline already started", "state", c.state)
		return
	}
	c.logger.Info("Launching registration pipeline", "register_eagerly", c.cfg.RegisterEagerly)

	if c.cfg.RegisterEagerly {
		c.register(ctx)
	} else {
		c.transition(StateRequesting)
	}
	go c.requestAuthorization(ctx)
}

func (c *Coordinator) requestAuthorization(ctx context.Context) {
	st, err := c.negotiator.RequestAuthorization(ctx, c.cfg.Authorization)
	c.queue.Async(func() { c.onAuthorization(ctx, st, err) })
}

func (c *Coordinator) onAuthorization(ctx context.Context, st push.PermissionState, err error) {
	switch st {
	case push.PermissionGranted:
		if c.state == StateRequesting {
			c.transition(StateAuthorized)
			c.register(ctx)
		}
	case push.PermissionDenied:
		c.surface(push.NewPermissionDenied(err))
		if c.state == StateRequesting {
			c.transition(StateDenied)
		}
	default:
		// The request was abandoned without a decision.
		c.logger.Warn("Authorization request ended without a decision", "permission", st, "err", err)
	}
}

func (c *Coordinator) register(ctx context.Context) {
	c.transition(StateRegistering)
	c.registrar.Register(ctx)
}

// OnTokenReceived implements push.TokenCallbackSink.
func (c *Coordinator) OnTokenReceived(token push.DevicePushToken) {
	c.countCallback("token_received")
	c.queue.Async(func() { c.onToken(token, time.Time{}) })
}

// OnTokenReceivedAt implements push.SequencedTokenSink.
func (c *Coordinator) OnTokenReceivedAt(token push.DevicePushToken, issuedAt time.Time) {
	c.countCallback("token_received")
	c.queue.Async(func() { c.onToken(token, issuedAt) })
}

func (c *Coordinator) onToken(token push.DevicePushToken, issuedAt time.Time) {
	if !c.state.acceptsTokens() {
		c.logger.Warn("Dropping device token delivered outside registration", "state", c.state, "token", token.String())
		return
	}
	if c.state == StateRegistrationFailed {
		c.logger.Warn("Device token arrived after registration failure, binding it", "token", token.String())
	}
	if changed := c.registrar.OnTokenReceivedAt(token, issuedAt); changed {
		c.transition(StateTokenHeld)
	} else if !token.Equal(c.registrar.Token()) {
		return
	}

	fresh, err := c.binder.Bind(c.runCtx, token)
	if err != nil {
		var regErr *push.RegistrationError
		if !errors.As(err, &regErr) {
			regErr = push.NewBindingFailure("bind failed", err)
		}
		c.countBind("failed")
		c.surface(regErr)
		return
	}
	if fresh {
		c.countBind("bound")
	} else {
		c.countBind("reaffirmed")
	}
	c.transition(StateBound)
}

// OnRegistrationFailed implements push.TokenCallbackSink.
func (c *Coordinator) OnRegistrationFailed(err error) {
	c.countCallback("registration_failed")
	c.queue.Async(func() { c.onRegistrationFailed(err) })
}

func (c *Coordinator) onRegistrationFailed(err error) {
	if c.state != StateRegistering {
		c.logger.Warn("Ignoring registration failure outside registration", "state", c.state, "err", err)
		return
	}
	c.surface(c.registrar.OnRegistrationFailed(err))
	c.transition(StateRegistrationFailed)
}

// OnPermissionChanged records a consent change made outside the app. It never
// restarts the pipeline; the next launch picks the new decision up.
func (c *Coordinator) OnPermissionChanged(granted bool) {
	c.countCallback("permission_changed")
	if c.negotiator.Observe(granted) {
		c.touchUpdated()
	}
}

// OnBackendTokenRefresh records a token the backend issued on its own.
func (c *Coordinator) OnBackendTokenRefresh(token push.BackendToken) {
	c.countCallback("backend_token_refreshed")
	c.queue.Async(func() {
		if c.binder.RefreshBackendToken(c.runCtx, token) {
			c.touchUpdated()
		}
	})
}

// WillPresent implements push.NotificationPresenter. It never touches the state.
func (c *Coordinator) WillPresent(ctx context.Context, event push.NotificationEvent) push.PresentationOptions {
	c.countCallback("will_present")
	return c.presenter.WillPresent(ctx, event)
}

// DidReceiveResponse implements push.NotificationPresenter.
func (c *Coordinator) DidReceiveResponse(ctx context.Context, resp push.NotificationResponse, complete func()) {
	c.countCallback("did_receive_response")
	c.presenter.DidReceiveResponse(ctx, resp, complete)
}

// State returns the last published state.
func (c *Coordinator) State() State {
	return State(c.published.Load())
}

// Snapshot is safe from any goroutine.
func (c *Coordinator) Snapshot() push.Status {
	s := push.Status{
		State:            c.State().String(),
		Permission:       c.negotiator.State().String(),
		RegisterAttempts: c.registrar.Attempts(),
		Binds:            c.binder.Binds(),
		BackendToken:     c.binder.BackendToken().String(),
	}
	if t := c.registrar.Token(); !t.IsZero() {
		s.DeviceToken = t.String()
	}
	if t := c.binder.Bound(); !t.IsZero() {
		s.BoundToken = t.String()
	}
	if e := c.lastErr.Load(); e != nil {
		s.LastError = *e
	}
	if at := c.updatedAt.Load(); at != nil {
		s.UpdatedAt = *at
	}
	return s
}

func (c *Coordinator) transition(to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	c.published.Store(int32(to))
	c.touchUpdated()
	c.logger.Info("Registration state changed", "from", from, "to", to)
	if c.metrics != nil {
		c.metrics.Transitions.WithLabelValues(from.String(), to.String()).Inc()
	}
	for _, obs := range c.observers {
		obs(from, to)
	}
}

func (c *Coordinator) surface(err *push.RegistrationError) {
	msg := err.Error()
	c.lastErr.Store(&msg)
	c.touchUpdated()
	c.logger.Warn("Registration diagnostic", "kind", err.Kind, "err", msg)
	if c.metrics != nil {
		c.metrics.Errors.WithLabelValues(err.Kind.String()).Inc()
	}
	for _, sink := range c.diagnostics {
		sink(err)
	}
}

func (c *Coordinator) onResolved(_ push.DevicePushToken, _ push.BackendToken, err error) {
	c.touchUpdated()
	if c.metrics == nil {
		return
	}
	if err != nil {
		c.metrics.Resolutions.WithLabelValues("failed").Inc()
	} else {
		c.metrics.Resolutions.WithLabelValues("resolved").Inc()
	}
}

func (c *Coordinator) countCallback(kind string) {
	if c.metrics != nil {
		c.metrics.Callbacks.WithLabelValues(kind).Inc()
	}
}

func (c *Coordinator) countBind(result string) {
	if c.metrics != nil {
		c.metrics.Binds.WithLabelValues(result).Inc()
	}
}

func (c *Coordinator) touchUpdated() {
	now := time.Now()
	c.updatedAt.Store(&now)
}
