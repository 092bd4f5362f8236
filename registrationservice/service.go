package registrationservice

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/microservice"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"

	"github.com/tinywideclouds/go-push-registration/internal/api"
	"github.com/tinywideclouds/go-push-registration/internal/binder"
	"github.com/tinywideclouds/go-push-registration/internal/metrics"
	"github.com/tinywideclouds/go-push-registration/internal/pipeline"
	"github.com/tinywideclouds/go-push-registration/internal/platform/bridge"
	"github.com/tinywideclouds/go-push-registration/pkg/push"
	"github.com/tinywideclouds/go-push-registration/registrationservice/config"
)

const defaultResolveTimeout = 15 * time.Second

// Platform is the host side of the native shell: the permission prompt, the push
// transport, the delegate registry and the inbound event router.
type Platform interface {
	push.AuthorizationCenter
	push.PushTransport
	push.DelegateRegistry
	Dispatch(ctx context.Context, ev bridge.Event) error
	Notify(err *push.RegistrationError)
	Wait()
}

type Wrapper struct {
	*microservice.BaseServer
	coordinator     *Coordinator
	platform        Platform
	pipelineService *messagepipeline.StreamingService[bridge.Event]
	logger          *slog.Logger

	mu        sync.Mutex
	cancelRun context.CancelFunc
}

// CoordinatorConfigFrom maps the service configuration onto the pipeline policy.
func CoordinatorConfigFrom(cfg *config.Config) CoordinatorConfig {
	return CoordinatorConfig{
		RegisterEagerly: cfg.RegisterEagerly,
		Authorization:   cfg.Authorization,
		Presentation:    cfg.Presentation,
		Binding: binder.Config{
			InstallationID:      cfg.InstallationID,
			Owner:               cfg.Owner,
			Backend:             cfg.Backend,
			ResolveBackendToken: cfg.ResolveBackendToken,
			ResolveTimeout:      defaultResolveTimeout,
		},
	}
}

// New assembles the service.
func New(
	cfg *config.Config,
	consumer messagepipeline.MessageConsumer,
	platform Platform,
	messaging push.MessagingClient,
	store push.BindingStore,
	authMiddleware func(http.Handler) http.Handler,
	logger *slog.Logger,
) (*Wrapper, error) {

	// 1. Base Server
	baseServer := microservice.NewBaseServer(logger, cfg.ListenAddr)
	m := metrics.New()

	// 2. Registration pipeline
	coordinator := NewCoordinator(
		CoordinatorConfigFrom(cfg),
		Collaborators{
			Center:    platform,
			Transport: platform,
			Messaging: messaging,
			Store:     store,
		},
		logger,
		WithMetrics(m),
		WithDiagnosticSink(platform.Notify),
	)

	// 3. Platform event ingestion
	streamingService, err := messagepipeline.NewStreamingService(
		messagepipeline.StreamingServiceConfig{NumWorkers: cfg.NumPipelineWorkers},
		consumer,
		pipeline.PlatformEventTransformer,
		pipeline.NewProcessor(platform, logger),
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create streaming service: %w", err)
	}

	// 4. HTTP callbacks and diagnostics
	registrationAPI := api.NewRegistrationAPI(platform, coordinator, coordinator, store, logger)

	mux := baseServer.Mux()
	corsMiddleware := middleware.NewCorsMiddleware(cfg.CorsConfig, logger)

	handle := func(pattern string, handlerFunc http.HandlerFunc) {
		mux.Handle(pattern, corsMiddleware(authMiddleware(handlerFunc)))
	}

	handle("POST /api/v1/events", registrationAPI.PostEvent)
	handle("POST /api/v1/notifications/present", registrationAPI.Present)
	handle("POST /api/v1/notifications/respond", registrationAPI.Respond)
	handle("GET /api/v1/status", registrationAPI.GetStatus)
	handle("GET /api/v1/installations", registrationAPI.ListInstallations)

	mux.Handle("OPTIONS /api/v1/", corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})))
	mux.Handle("GET /metrics", m.Handler())

	return &Wrapper{
		BaseServer:      baseServer,
		coordinator:     coordinator,
		platform:        platform,
		pipelineService: streamingService,
		logger:          logger,
	}, nil
}

// Coordinator exposes the registration pipeline.
func (w *Wrapper) Coordinator() *Coordinator {
	return w.coordinator
}

// Start attaches the pipeline to the platform, launches registration and serves HTTP.
// It blocks until the HTTP server stops.
func (w *Wrapper) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.cancelRun = cancel
	w.mu.Unlock()
	go w.coordinator.Run(runCtx)

	if err := w.coordinator.Attach(w.platform); err != nil {
		cancel()
		return fmt.Errorf("failed to attach registration pipeline: %w", err)
	}
	w.coordinator.Launch(runCtx)

	w.logger.Info("Platform event pipeline starting...")
	if err := w.pipelineService.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("failed to start processing service: %w", err)
	}
	w.SetReady(true)
	w.logger.Info("Service is now ready.")
	return w.BaseServer.Start()
}

func (w *Wrapper) Shutdown(ctx context.Context) error {
	w.logger.Info("Shutting down service components...")
	var finalErr error
	if err := w.pipelineService.Stop(ctx); err != nil {
		w.logger.Error("Processing pipeline shutdown failed.", "err", err)
		finalErr = err
	}
	if err := w.BaseServer.Shutdown(ctx); err != nil {
		w.logger.Error("HTTP server shutdown failed.", "err", err)
		finalErr = err
	}
	w.mu.Lock()
	if w.cancelRun != nil {
		w.cancelRun()
	}
	w.mu.Unlock()
	w.coordinator.Close()
	w.platform.Wait()
	w.logger.Info("Service shutdown complete.", "state", w.coordinator.State())
	return finalErr
}
