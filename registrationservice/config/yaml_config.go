package config

import (
	"fmt"
	"log/slog"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/tinywideclouds/go-push-registration/pkg/push"
)

type YamlCorsConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	Role           string   `yaml:"role"`
}

type YamlRedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Enabled  bool   `yaml:"enabled"`
}

type YamlAuthorizationConfig struct {
	Alert bool `yaml:"alert"`
	Badge bool `yaml:"badge"`
	Sound bool `yaml:"sound"`
}

type YamlFCMConfig struct {
	TokenFormat string `yaml:"token_format"`
	BundleID    string `yaml:"bundle_id"`
	Sandbox     bool   `yaml:"sandbox"`
	DryRun      bool   `yaml:"dry_run"`
}

type YamlAPNSConfig struct {
	KeyID       string `yaml:"key_id"`
	TeamID      string `yaml:"team_id"`
	BundleID    string `yaml:"bundle_id"`
	Development bool   `yaml:"development"`
}

type YamlVapidConfig struct {
	PublicKey       string `yaml:"public_key"`
	PrivateKey      string `yaml:"private_key"`
	SubscriberEmail string `yaml:"subscriber_email"`
	Confirm         bool   `yaml:"confirm"`
}

type YamlBridgeConfig struct {
	CommandTopicID         string `yaml:"command_topic_id"`
	EventTopicID           string `yaml:"event_topic_id"`
	EventSubscriptionID    string `yaml:"event_subscription_id"`
	SubscriptionDLQTopicID string `yaml:"subscription_dlq_topic_id"`
	AutoAuthorization      string `yaml:"auto_authorization"`
}

// YamlConfig is the structure that mirrors the raw config.yaml file.
type YamlConfig struct {
	ProjectID      string `yaml:"project_id"`
	ListenAddr     string `yaml:"listen_addr"`
	InstallationID string `yaml:"installation_id"`
	OwnerURN       string `yaml:"owner_urn"`
	// RegisterEagerly is a pointer so that an absent key keeps the eager default.
	RegisterEagerly     *bool                    `yaml:"register_eagerly"`
	ResolveBackendToken bool                     `yaml:"resolve_backend_token"`
	Authorization       *YamlAuthorizationConfig `yaml:"authorization"`
	Presentation        []string                 `yaml:"presentation"`
	Backend             string                   `yaml:"backend"`
	FCMConfig           YamlFCMConfig            `yaml:"fcm"`
	APNSConfig          YamlAPNSConfig           `yaml:"apns"`
	VapidConfig         YamlVapidConfig          `yaml:"vapid"`
	BridgeConfig        YamlBridgeConfig         `yaml:"bridge"`
	CorsConfig          YamlCorsConfig           `yaml:"cors"`
	RedisConfig         YamlRedisConfig          `yaml:"redis"`
	NumPipelineWorkers  int                      `yaml:"num_pipeline_workers"`
}

// NewConfigFromYaml converts the YamlConfig into a clean, base Config struct.
func NewConfigFromYaml(baseCfg *YamlConfig, logger *slog.Logger) (*Config, error) {
	logger.Debug("Mapping YAML config to base config struct")

	presentation, err := push.ParsePresentationOptions(baseCfg.Presentation)
	if err != nil {
		return nil, fmt.Errorf("invalid presentation options: %w", err)
	}

	cfg := &Config{
		ProjectID:           baseCfg.ProjectID,
		ListenAddr:          baseCfg.ListenAddr,
		InstallationID:      baseCfg.InstallationID,
		RegisterEagerly:     true,
		ResolveBackendToken: baseCfg.ResolveBackendToken,
		Authorization:       push.DefaultAuthorizationOptions(),
		Presentation:        presentation,
		Backend:             baseCfg.Backend,
		FCM: FCMConfig{
			TokenFormat: baseCfg.FCMConfig.TokenFormat,
			BundleID:    baseCfg.FCMConfig.BundleID,
			Sandbox:     baseCfg.FCMConfig.Sandbox,
			DryRun:      baseCfg.FCMConfig.DryRun,
		},
		APNS: APNSConfig{
			KeyID:       baseCfg.APNSConfig.KeyID,
			TeamID:      baseCfg.APNSConfig.TeamID,
			BundleID:    baseCfg.APNSConfig.BundleID,
			Development: baseCfg.APNSConfig.Development,
		},
		Vapid: VapidConfig{
			PublicKey:       baseCfg.VapidConfig.PublicKey,
			PrivateKey:      baseCfg.VapidConfig.PrivateKey,
			SubscriberEmail: baseCfg.VapidConfig.SubscriberEmail,
			Confirm:         baseCfg.VapidConfig.Confirm,
		},
		Bridge: BridgeConfig{
			CommandTopicID:         baseCfg.BridgeConfig.CommandTopicID,
			EventTopicID:           baseCfg.BridgeConfig.EventTopicID,
			EventSubscriptionID:    baseCfg.BridgeConfig.EventSubscriptionID,
			SubscriptionDLQTopicID: baseCfg.BridgeConfig.SubscriptionDLQTopicID,
			AutoAuthorization:      baseCfg.BridgeConfig.AutoAuthorization,
		},
		CorsConfig: middleware.CorsConfig{
			AllowedOrigins: baseCfg.CorsConfig.AllowedOrigins,
			Role:           middleware.CorsRole(baseCfg.CorsConfig.Role),
		},
		Redis: RedisConfig{
			Addr:     baseCfg.RedisConfig.Addr,
			Password: baseCfg.RedisConfig.Password,
			DB:       baseCfg.RedisConfig.DB,
			Enabled:  baseCfg.RedisConfig.Enabled,
		},
		NumPipelineWorkers: baseCfg.NumPipelineWorkers,
	}

	if baseCfg.RegisterEagerly != nil {
		cfg.RegisterEagerly = *baseCfg.RegisterEagerly
	}
	if a := baseCfg.Authorization; a != nil {
		cfg.Authorization = push.AuthorizationOptions{Alert: a.Alert, Badge: a.Badge, Sound: a.Sound}
	}
	if baseCfg.OwnerURN != "" {
		owner, err := urn.Parse(baseCfg.OwnerURN)
		if err != nil {
			return nil, fmt.Errorf("invalid owner_urn %q: %w", baseCfg.OwnerURN, err)
		}
		cfg.Owner = owner
	}
	if cfg.Bridge.EventSubscriptionID != "" {
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(cfg.Bridge.EventSubscriptionID)
	}

	logger.Debug("YAML config mapping complete",
		"project_id", cfg.ProjectID,
		"listen_addr", cfg.ListenAddr,
		"installation_id", cfg.InstallationID,
		"backend", cfg.Backend,
		"register_eagerly", cfg.RegisterEagerly,
	)

	return cfg, nil
}
