package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	registry           *prometheus.Registry
	registryOnce       sync.Once
	domainOnce         sync.Once
	defaultMetricsPath = "/metrics"
	metricsEnabled     = true
)

// Domain-specific series for the realtime voice-session core: which
// backend is active per call, how often failover switches happen, how
// the bandit is being pulled, the shape of observed rewards, and how
// often the deploy gate selects each variant class.
var (
	TomActiveBackend = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tom_active_backend",
			Help: "Active backend per call (1 = provider, 0 = local)",
		},
		[]string{"call_id"},
	)

	TomProviderFailoverTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tom_provider_failover_total",
			Help: "Total number of backend switches performed by the Failover Controller",
		},
		[]string{"from_backend", "to_backend", "reason"},
	)

	TomBanditPullsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tom_bandit_pulls_total",
			Help: "Total number of policy variant selections made by the bandit",
		},
		[]string{"variant_id"},
	)

	TomRewardHistogram = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tom_reward_histogram",
			Help:    "Distribution of computed per-call rewards",
			Buckets: prometheus.LinearBuckets(-1, 0.2, 11),
		},
		[]string{"variant_id"},
	)

	TomDeployGateSelectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tom_deploy_gate_selections_total",
			Help: "Total number of variant selections made by the deploy gate, by class",
		},
		[]string{"class"},
	)

	TomBanditExplorationRate = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tom_bandit_exploration_rate",
			Help: "Mean Beta-distribution variance across all bandit arms",
		},
	)

	TomFrameSendLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tom_frame_send_latency_seconds",
			Help:    "Latency of sending one outbound audio frame to a backend",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 10),
		},
		[]string{"call_id", "stage"},
	)

	TomTurnStageLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tom_turn_stage_latency_seconds",
			Help:    "Per-stage latency (stt/llm/tts) reported by a backend at turn end",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"stage"},
	)
)

// Init creates the Prometheus registry tomcore's metrics register
// against. Grounded on the teacher's pkg/metrics/metrics.go Init,
// trimmed to the registry lifecycle itself: the teacher's RTP/SIP/
// SRTP/AMQP series lived here too, but nothing in this domain's
// components (Gateway, Failover Controller, Bandit, Deploy Gate)
// produces that traffic, so those series were dropped rather than
// carried as dead registrations.
func Init(logger *logrus.Logger) {
	registryOnce.Do(func() {
		if registry == nil {
			registry = prometheus.NewRegistry()
		}
		logger.Info("Prometheus metrics registry initialized")
	})
}

// InitDomain registers the domain series onto the registry Init
// creates. Safe to call before or after Init: it registers lazily
// against whatever registry currently exists, matching the teacher's
// registryOnce guard against double-registration panics.
func InitDomain() {
	domainOnce.Do(func() {
		reg := GetRegistry()
		if reg == nil {
			reg = prometheus.NewRegistry()
			registry = reg
		}
		reg.MustRegister(
			TomActiveBackend,
			TomProviderFailoverTotal,
			TomBanditPullsTotal,
			TomRewardHistogram,
			TomDeployGateSelectionsTotal,
			TomBanditExplorationRate,
			TomFrameSendLatency,
			TomTurnStageLatency,
		)
	})
}

// GetRegistry returns the prometheus registry.
func GetRegistry() *prometheus.Registry {
	return registry
}

// SetMetricsPath sets the HTTP path for the metrics endpoint.
func SetMetricsPath(path string) {
	defaultMetricsPath = path
}

// EnableMetrics enables or disables metrics collection.
func EnableMetrics(enabled bool) {
	metricsEnabled = enabled
}

// IsMetricsEnabled returns whether metrics are enabled.
func IsMetricsEnabled() bool {
	return metricsEnabled
}

// SetMetricsEnabled enables or disables metrics collection.
func SetMetricsEnabled(enabled bool) {
	metricsEnabled = enabled
}

// RegisterHandler registers the metrics HTTP handler.
func RegisterHandler(mux *http.ServeMux) {
	if metricsEnabled {
		handler := promhttp.HandlerFor(
			registry,
			promhttp.HandlerOpts{
				EnableOpenMetrics: true,
				Registry:          registry,
			},
		)
		mux.Handle(defaultMetricsPath, handler)
	}
}
