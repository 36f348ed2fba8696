package config

import (
	"github.com/sirupsen/logrus"

	"siprec-server/pkg/failover"
)

// DomainConfig is the tomcore-specific configuration surface: the
// realtime voice-session core's own knobs, with field names/env keys
// that track spec.md §6's table exactly. It reuses this package's
// getEnv*/getEnvDuration helper family rather than introducing a
// second env-loading idiom.
type DomainConfig struct {
	BackendMode           string
	FallbackTriggerMs     int
	FallbackErrorBurst    int
	FallbackErrorWindowS  int

	BanditStatePath  string
	DeployStatePath  string

	TrafficSplitNew       float64
	TrafficSplitUncertain float64
	BlacklistMinSamples   int
	BlacklistMinReward    float64

	RateLimitMsgsPerSec float64
	MaxFrameBytes       int

	RecordAudio           bool
	RecordConsentAck      bool
	RecordRetentionHours  int
	AllowExternalBackend  bool

	AuthSecretKey string
	AuthIssuer    string

	ListenAddr string
}

// LoadDomainConfig reads spec.md §6's configuration table from the
// environment with one config.go getEnv* call per field and an
// explicit documented default.
func LoadDomainConfig() *DomainConfig {
	return &DomainConfig{
		BackendMode:          getEnv("BACKEND_MODE", "provider_then_local"),
		FallbackTriggerMs:    getEnvInt("FALLBACK_TRIGGER_MS", 800),
		FallbackErrorBurst:   getEnvInt("FALLBACK_ERROR_BURST", 3),
		FallbackErrorWindowS: getEnvInt("FALLBACK_ERROR_WINDOW_S", 60),

		BanditStatePath: getEnv("BANDIT_STATE_PATH", "state/bandit.json"),
		DeployStatePath: getEnv("DEPLOY_STATE_PATH", "state/deploy.json"),

		TrafficSplitNew:       getEnvFloat("TRAFFIC_SPLIT_NEW", 0.10),
		TrafficSplitUncertain: getEnvFloat("TRAFFIC_SPLIT_UNCERTAIN", 0.05),
		BlacklistMinSamples:   getEnvInt("BLACKLIST_MIN_SAMPLES", 20),
		BlacklistMinReward:    getEnvFloat("BLACKLIST_MIN_REWARD", -0.2),

		RateLimitMsgsPerSec: getEnvFloat("RATE_LIMIT_MSGS_PER_SEC", 120),
		MaxFrameBytes:       getEnvInt("MAX_FRAME_BYTES", 65536),

		RecordAudio:          getEnvBool("RECORD_AUDIO", false),
		RecordConsentAck:     getEnvBool("RECORD_CONSENT_ACK", false),
		RecordRetentionHours: getEnvInt("RECORD_RETENTION_HOURS", 24),
		AllowExternalBackend: getEnvBool("ALLOW_EXTERNAL_BACKEND", false),

		AuthSecretKey: getEnv("GATEWAY_AUTH_SECRET", ""),
		AuthIssuer:    getEnv("GATEWAY_AUTH_ISSUER", "tomcore"),

		ListenAddr: getEnv("LISTEN_ADDR", ":8080"),
	}
}

// BackendModeValue maps the configured BackendMode string onto
// failover.BackendMode, defaulting to ModeProviderThenLocal on an
// unrecognized value rather than failing startup over a typo'd env
// var, matching config.go's general tolerance for falling back to
// defaults on bad input (see e.g. getEnvBool's default-on-unknown
// case above).
func (c *DomainConfig) BackendModeValue(logger *logrus.Logger) failover.BackendMode {
	switch failover.BackendMode(c.BackendMode) {
	case failover.ModeProviderOnly, failover.ModeLocalOnly, failover.ModeProviderThenLocal, failover.ModeLocalThenProvider:
		return failover.BackendMode(c.BackendMode)
	default:
		if logger != nil {
			logger.WithField("backend_mode", c.BackendMode).Warn("config: unrecognized BACKEND_MODE, defaulting to provider_then_local")
		}
		return failover.ModeProviderThenLocal
	}
}
