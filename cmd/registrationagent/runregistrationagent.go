package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"

	firebase "firebase.google.com/go/v4"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"

	"github.com/tinywideclouds/go-push-registration/internal/platform/apns"
	"github.com/tinywideclouds/go-push-registration/internal/platform/bridge"
	"github.com/tinywideclouds/go-push-registration/internal/platform/fcm"
	"github.com/tinywideclouds/go-push-registration/internal/platform/web"
	"github.com/tinywideclouds/go-push-registration/internal/storage/cache"
	fsStore "github.com/tinywideclouds/go-push-registration/internal/storage/firestore"
	"github.com/tinywideclouds/go-push-registration/pkg/push"

	"github.com/tinywideclouds/go-push-registration/registrationservice"
	"github.com/tinywideclouds/go-push-registration/registrationservice/config"

	"google.golang.org/api/option"
	htransport "google.golang.org/api/transport/http"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"
	"gopkg.in/yaml.v3"
)

//go:embed local.yaml
var configFile []byte

func main() {
	// .env is optional; a missing file is not an error.
	_ = godotenv.Load()

	var logLevel slog.Level
	switch os.Getenv("LOG_LEVEL") {
	case "debug", "DEBUG":
		logLevel = slog.LevelDebug
	case "info", "INFO":
		logLevel = slog.LevelInfo
	case "warn", "WARN":
		logLevel = slog.LevelWarn
	case "error", "ERROR":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	if os.Getenv("LOG_FORMAT") == "text" {
		handler = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      logLevel,
			AddSource:  logLevel == slog.LevelDebug,
			TimeFormat: time.Kitchen,
		})
	}
	logger := slog.New(handler).With("service", "go-push-registration")
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Config Loading ---
	var yamlCfg config.YamlConfig
	if err := yaml.Unmarshal(configFile, &yamlCfg); err != nil {
		logger.Error("Failed to unmarshal embedded yaml config", "err", err)
		os.Exit(1)
	}
	baseCfg, err := config.NewConfigFromYaml(&yamlCfg, logger)
	if err != nil {
		logger.Error("Embedded config is invalid", "err", err)
		os.Exit(1)
	}
	cfg, err := config.UpdateConfigWithEnvOverrides(baseCfg, logger)
	if err != nil {
		logger.Error("Config failed", "err", err)
		os.Exit(1)
	}

	// --- Infrastructure Clients ---
	psClient, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		logger.Error("PubSub client failed", "err", err)
		os.Exit(1)
	}
	defer psClient.Close()

	fsClient, err := firestore.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		logger.Error("Firestore client failed", "err", err)
		os.Exit(1)
	}
	defer fsClient.Close()

	// --- Binding Store (Decorated) ---
	var store push.BindingStore = fsStore.NewBindingStore(fsClient)
	logger.Info("BindingStore initialized", "type", "firestore")

	if cfg.Redis.Enabled {
		logger.Info("Initializing Redis Cache layer...", "addr", cfg.Redis.Addr)
		redisClient, err := cache.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Error("Failed to connect to Redis", "err", err)
			os.Exit(1)
		}
		defer redisClient.Close()
		store = cache.NewCachedBindingStore(store, redisClient, 24*time.Hour)
		logger.Info("BindingStore upgraded", "type", "redis_cached_firestore")
	}

	// --- Auth ---
	identityURL := os.Getenv("IDENTITY_SERVICE_URL")
	if identityURL == "" {
		identityURL = "http://localhost:3000"
	}
	jwksURL, err := middleware.DiscoverAndValidateJWTConfig(identityURL, middleware.RSA256, logger)
	if err != nil {
		logger.Error("Failed to discover JWT config", "identity_url", identityURL, "err", err)
		os.Exit(1)
	}
	authMiddleware, err := middleware.NewJWKSAuthMiddleware(jwksURL, logger)
	if err != nil {
		logger.Error("Failed to create auth middleware", "err", err)
		os.Exit(1)
	}

	// --- Messaging Backend ---
	messaging, err := newMessagingClient(ctx, cfg, logger)
	if err != nil {
		logger.Error("Messaging backend failed", "backend", cfg.Backend, "err", err)
		os.Exit(1)
	}

	// --- Platform Bridge ---
	publisher := bridge.NewPubsubPublisher(psClient, cfg.Bridge.CommandTopicID, logger)
	defer publisher.Stop()
	platform := bridge.New(bridge.Config{
		InstallationID:    cfg.InstallationID,
		AutoAuthorization: cfg.Bridge.AutoAuthorization,
	}, publisher, logger)

	// --- Consumer & Service ---
	consumer, err := newEventConsumer(ctx, cfg, psClient, logger)
	if err != nil {
		logger.Error("Event consumer failed", "err", err)
		os.Exit(1)
	}

	service, err := registrationservice.New(cfg, consumer, platform, messaging, store, authMiddleware, logger)
	if err != nil {
		logger.Error("Service creation failed", "err", err)
		os.Exit(1)
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := service.Shutdown(shutdownCtx); err != nil {
			logger.Error("Graceful shutdown failed", "err", err)
		}
	}()

	logger.Info("Starting registration agent...", "installation_id", cfg.InstallationID, "backend", cfg.Backend)
	if err := service.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Service shutdown with error", "err", err)
		os.Exit(1)
	}
}

func newMessagingClient(ctx context.Context, cfg *config.Config, logger *slog.Logger) (push.MessagingClient, error) {
	switch cfg.Backend {
	case config.BackendAPNS:
		return apns.NewClient(apns.Config{
			KeyID:        cfg.APNS.KeyID,
			TeamID:       cfg.APNS.TeamID,
			BundleID:     cfg.APNS.BundleID,
			P8KeyContent: cfg.APNS.P8KeyContent,
			Development:  cfg.APNS.Development,
			Confirm:      cfg.ResolveBackendToken,
		}, logger)

	case config.BackendWeb:
		if cfg.Vapid.PrivateKey == "" || cfg.Vapid.PublicKey == "" {
			logger.Warn("VAPID keys missing in configuration. Subscriptions cannot be confirmed.")
		}
		return web.NewClient(web.Config{
			PublicKey:       cfg.Vapid.PublicKey,
			PrivateKey:      cfg.Vapid.PrivateKey,
			SubscriberEmail: cfg.Vapid.SubscriberEmail,
			Confirm:         cfg.Vapid.Confirm && cfg.Vapid.PrivateKey != "",
		}, nil, logger), nil

	default:
		fbApp, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Firebase App: %w", err)
		}
		fcmMessaging, err := fbApp.Messaging(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create FCM messaging client: %w", err)
		}
		httpClient, _, err := htransport.NewClient(ctx, option.WithScopes(fcm.MessagingScope))
		if err != nil {
			return nil, fmt.Errorf("failed to create authorized http client: %w", err)
		}
		return fcm.NewClient(fcm.Config{
			TokenFormat: cfg.FCM.TokenFormat,
			BundleID:    cfg.FCM.BundleID,
			Sandbox:     cfg.FCM.Sandbox,
			DryRun:      cfg.FCM.DryRun,
		}, fcmMessaging, httpClient, logger), nil
	}
}

func newEventConsumer(ctx context.Context, cfg *config.Config, psClient *pubsub.Client, logger *slog.Logger) (messagepipeline.MessageConsumer, error) {
	sub := convertPubsub(cfg.ProjectID, cfg.Bridge.EventSubscriptionID, "subscriptions")
	topicID := convertPubsub(cfg.ProjectID, cfg.Bridge.EventTopicID, "topics")

	subConfig := &pubsubpb.Subscription{
		Name:               sub,
		Topic:              topicID,
		AckDeadlineSeconds: 10,
		RetryPolicy: &pubsubpb.RetryPolicy{
			MinimumBackoff: durationpb.New(2 * time.Second),
			MaximumBackoff: durationpb.New(60 * time.Second),
		},
		EnableMessageOrdering: false,
	}
	if cfg.Bridge.SubscriptionDLQTopicID != "" {
		subConfig.DeadLetterPolicy = &pubsubpb.DeadLetterPolicy{
			DeadLetterTopic:     convertPubsub(cfg.ProjectID, cfg.Bridge.SubscriptionDLQTopicID, "topics"),
			MaxDeliveryAttempts: 5,
		}
	}
	logger.Debug("Ensuring subscription exists", "sub", subConfig.Name, "topic", subConfig.Topic)
	_, err := psClient.SubscriptionAdminClient.CreateSubscription(ctx, subConfig)
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			logger.Debug("Subscription already exists, skipping creation", "sub", subConfig.Name)
		} else {
			logger.Error("Failed to create subscription", "sub", subConfig.Name, "err", err)
			return nil, fmt.Errorf("could not create sub: %s", sub)
		}
	}

	consumerCfg := cfg.PubsubConsumerConfig
	if consumerCfg == nil {
		consumerCfg = messagepipeline.NewGooglePubsubConsumerDefaults(subConfig.Name)
	}
	return messagepipeline.NewGooglePubsubConsumer(consumerCfg, psClient, logger)
}

type PS string

func convertPubsub(project, id string, ps PS) string {
	return fmt.Sprintf("projects/%s/%s/%s", project, ps, id)
}
