package config

import (
	"os"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"siprec-server/pkg/failover"
)

func clearDomainEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"BACKEND_MODE", "FALLBACK_TRIGGER_MS", "FALLBACK_ERROR_BURST", "FALLBACK_ERROR_WINDOW_S",
		"BANDIT_STATE_PATH", "DEPLOY_STATE_PATH",
		"TRAFFIC_SPLIT_NEW", "TRAFFIC_SPLIT_UNCERTAIN", "BLACKLIST_MIN_SAMPLES", "BLACKLIST_MIN_REWARD",
		"RATE_LIMIT_MSGS_PER_SEC", "MAX_FRAME_BYTES",
		"RECORD_AUDIO", "RECORD_CONSENT_ACK", "RECORD_RETENTION_HOURS", "ALLOW_EXTERNAL_BACKEND",
		"GATEWAY_AUTH_SECRET", "GATEWAY_AUTH_ISSUER", "LISTEN_ADDR",
	}
	for _, k := range keys {
		os.Unsetenv(k)
	}
}

func TestLoadDomainConfigDefaults(t *testing.T) {
	clearDomainEnv(t)

	cfg := LoadDomainConfig()

	assert.Equal(t, "provider_then_local", cfg.BackendMode)
	assert.Equal(t, 800, cfg.FallbackTriggerMs)
	assert.Equal(t, 3, cfg.FallbackErrorBurst)
	assert.Equal(t, 60, cfg.FallbackErrorWindowS)
	assert.Equal(t, "state/bandit.json", cfg.BanditStatePath)
	assert.Equal(t, "state/deploy.json", cfg.DeployStatePath)
	assert.InDelta(t, 0.10, cfg.TrafficSplitNew, 0.0001)
	assert.InDelta(t, 0.05, cfg.TrafficSplitUncertain, 0.0001)
	assert.Equal(t, 20, cfg.BlacklistMinSamples)
	assert.InDelta(t, -0.2, cfg.BlacklistMinReward, 0.0001)
	assert.InDelta(t, 120.0, cfg.RateLimitMsgsPerSec, 0.0001)
	assert.Equal(t, 65536, cfg.MaxFrameBytes)
	assert.False(t, cfg.RecordAudio)
	assert.False(t, cfg.RecordConsentAck)
	assert.Equal(t, 24, cfg.RecordRetentionHours)
	assert.False(t, cfg.AllowExternalBackend)
	assert.Equal(t, "", cfg.AuthSecretKey)
	assert.Equal(t, "tomcore", cfg.AuthIssuer)
	assert.Equal(t, ":8080", cfg.ListenAddr)
}

func TestLoadDomainConfigOverrides(t *testing.T) {
	clearDomainEnv(t)
	os.Setenv("BACKEND_MODE", "local_only")
	os.Setenv("MAX_FRAME_BYTES", "32768")
	os.Setenv("RECORD_AUDIO", "true")
	defer clearDomainEnv(t)

	cfg := LoadDomainConfig()

	assert.Equal(t, "local_only", cfg.BackendMode)
	assert.Equal(t, 32768, cfg.MaxFrameBytes)
	assert.True(t, cfg.RecordAudio)
}

func TestBackendModeValueRecognized(t *testing.T) {
	cfg := &DomainConfig{BackendMode: "local_only"}
	assert.Equal(t, failover.ModeLocalOnly, cfg.BackendModeValue(logrus.New()))
}

func TestBackendModeValueFallsBackOnUnrecognized(t *testing.T) {
	cfg := &DomainConfig{BackendMode: "not_a_real_mode"}
	assert.Equal(t, failover.ModeProviderThenLocal, cfg.BackendModeValue(logrus.New()))
	assert.Equal(t, failover.ModeProviderThenLocal, cfg.BackendModeValue(nil))
}
