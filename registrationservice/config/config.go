package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/tinywideclouds/go-push-registration/pkg/push"
)

// Backend kinds the device token can be bound to.
const (
	BackendFCM  = "fcm"
	BackendAPNS = "apns"
	BackendWeb  = "web"
)

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

type FCMConfig struct {
	// TokenFormat is "apns" when the platform hands out APNs tokens that must be
	// imported, or "fcm" when the device token already is a registration token.
	TokenFormat string
	BundleID    string
	Sandbox     bool
	DryRun      bool
}

type APNSConfig struct {
	KeyID        string
	TeamID       string
	BundleID     string
	P8KeyContent string
	Development  bool
}

type VapidConfig struct {
	PublicKey       string
	PrivateKey      string
	SubscriberEmail string
	Confirm         bool
}

// BridgeConfig names the Pub/Sub resources shared with the native shell.
type BridgeConfig struct {
	CommandTopicID         string
	EventTopicID           string
	EventSubscriptionID    string
	SubscriptionDLQTopicID string
	// AutoAuthorization answers consent prompts without the shell: "granted", "denied" or "".
	AutoAuthorization string
}

// Config defines the *single*, authoritative configuration.
type Config struct {
	ProjectID          string
	ListenAddr         string
	InstallationID     string
	Owner              urn.URN
	NumPipelineWorkers int

	RegisterEagerly     bool
	ResolveBackendToken bool
	Authorization       push.AuthorizationOptions
	Presentation        push.PresentationOptions

	Backend string
	FCM     FCMConfig
	APNS    APNSConfig
	Vapid   VapidConfig

	Bridge     BridgeConfig
	CorsConfig middleware.CorsConfig
	Redis      RedisConfig

	PubsubConsumerConfig *messagepipeline.GooglePubsubConsumerConfig
}

// UpdateConfigWithEnvOverrides applies environment variables and final validation.
func UpdateConfigWithEnvOverrides(cfg *Config, logger *slog.Logger) (*Config, error) {
	logger.Debug("Applying environment variable overrides...")

	if val := os.Getenv("PROJECT_ID"); val != "" {
		logger.Debug("Overriding config value", "key", "PROJECT_ID", "source", "env")
		cfg.ProjectID = val
	}
	if val := os.Getenv("PORT"); val != "" {
		logger.Debug("Overriding config value", "key", "PORT", "source", "env")
		cfg.ListenAddr = ":" + val
	}
	if val := os.Getenv("INSTALLATION_ID"); val != "" {
		logger.Debug("Overriding config value", "key", "INSTALLATION_ID", "source", "env")
		cfg.InstallationID = val
	}
	if val := os.Getenv("OWNER_URN"); val != "" {
		owner, err := urn.Parse(val)
		if err != nil {
			return nil, fmt.Errorf("invalid OWNER_URN %q: %w", val, err)
		}
		logger.Debug("Overriding config value", "key", "OWNER_URN", "source", "env")
		cfg.Owner = owner
	}
	if val := os.Getenv("REGISTER_EAGERLY"); val != "" {
		if eager, err := strconv.ParseBool(val); err == nil {
			logger.Debug("Overriding config value", "key", "REGISTER_EAGERLY", "source", "env")
			cfg.RegisterEagerly = eager
		}
	}
	if val := os.Getenv("RESOLVE_BACKEND_TOKEN"); val != "" {
		if resolve, err := strconv.ParseBool(val); err == nil {
			cfg.ResolveBackendToken = resolve
		}
	}
	if val := os.Getenv("PUSH_BACKEND"); val != "" {
		logger.Debug("Overriding config value", "key", "PUSH_BACKEND", "source", "env")
		cfg.Backend = strings.ToLower(val)
	}
	if val := os.Getenv("EVENT_SUBSCRIPTION_ID"); val != "" {
		logger.Debug("Overriding config value", "key", "EVENT_SUBSCRIPTION_ID", "source", "env")
		cfg.Bridge.EventSubscriptionID = val
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(val)
	}
	if val := os.Getenv("COMMAND_TOPIC_ID"); val != "" {
		cfg.Bridge.CommandTopicID = val
	}
	if val := os.Getenv("SUBSCRIPTION_DLQ_TOPIC_ID"); val != "" {
		cfg.Bridge.SubscriptionDLQTopicID = val
	}
	if val := os.Getenv("AUTO_AUTHORIZATION"); val != "" {
		cfg.Bridge.AutoAuthorization = strings.ToLower(val)
	}
	if val := os.Getenv("NUM_PIPELINE_WORKERS"); val != "" {
		if workers, err := strconv.Atoi(val); err == nil && workers > 0 {
			logger.Debug("Overriding config value", "key", "NUM_PIPELINE_WORKERS", "source", "env")
			cfg.NumPipelineWorkers = workers
		}
	}

	// Backend credentials
	if val := os.Getenv("APNS_KEY_ID"); val != "" {
		cfg.APNS.KeyID = val
	}
	if val := os.Getenv("APNS_TEAM_ID"); val != "" {
		cfg.APNS.TeamID = val
	}
	if val := os.Getenv("APNS_P8_KEY"); val != "" {
		cfg.APNS.P8KeyContent = val
	}
	if val := os.Getenv("VAPID_PUBLIC_KEY"); val != "" {
		logger.Debug("Overriding config value", "key", "VAPID_PUBLIC_KEY", "source", "env")
		cfg.Vapid.PublicKey = val
	}
	if val := os.Getenv("VAPID_PRIVATE_KEY"); val != "" {
		logger.Debug("Overriding config value", "key", "VAPID_PRIVATE_KEY", "source", "env")
		cfg.Vapid.PrivateKey = val
	}
	if val := os.Getenv("VAPID_SUB_EMAIL"); val != "" {
		cfg.Vapid.SubscriberEmail = val
	}

	// Redis Overrides
	if val := os.Getenv("REDIS_ADDR"); val != "" {
		cfg.Redis.Addr = val
		cfg.Redis.Enabled = true
	}
	if val := os.Getenv("REDIS_PASSWORD"); val != "" {
		cfg.Redis.Password = val
	}
	if val := os.Getenv("REDIS_DB"); val != "" {
		if db, err := strconv.Atoi(val); err == nil {
			cfg.Redis.DB = db
		}
	}
	if val := os.Getenv("REDIS_ENABLED"); val != "" {
		enabled, _ := strconv.ParseBool(val)
		cfg.Redis.Enabled = enabled
	}

	if corsOrigins := os.Getenv("CORS_ALLOWED_ORIGINS"); corsOrigins != "" {
		logger.Debug("Overriding config value", "key", "CORS_ALLOWED_ORIGINS", "source", "env")
		var cleanOrigins []string
		for _, o := range strings.Split(corsOrigins, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				cleanOrigins = append(cleanOrigins, trimmed)
			}
		}
		cfg.CorsConfig.AllowedOrigins = cleanOrigins
	}

	// Final Validation
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("project_id is required (set via YAML or PROJECT_ID env var)")
	}
	if cfg.InstallationID == "" {
		return nil, fmt.Errorf("installation_id is required (set via YAML or INSTALLATION_ID env var)")
	}
	switch cfg.Backend {
	case "":
		cfg.Backend = BackendFCM
	case BackendFCM, BackendAPNS, BackendWeb:
	default:
		return nil, fmt.Errorf("unsupported push backend %q (want fcm, apns or web)", cfg.Backend)
	}
	switch cfg.Bridge.AutoAuthorization {
	case "", "granted", "denied":
	default:
		return nil, fmt.Errorf("auto_authorization must be granted, denied or empty, got %q", cfg.Bridge.AutoAuthorization)
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.NumPipelineWorkers <= 0 {
		cfg.NumPipelineWorkers = 1
	}
	if cfg.Presentation.IsEmpty() {
		cfg.Presentation = push.DefaultPresentationOptions
	}

	if cfg.PubsubConsumerConfig == nil && cfg.Bridge.EventSubscriptionID != "" {
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(cfg.Bridge.EventSubscriptionID)
	}

	logger.Debug("Configuration finalized and validated successfully")
	return cfg, nil
}
