// Command tomcore runs the realtime voice-session core: the Gateway
// WebSocket transport, the Deploy Gate/Bandit policy selection layer,
// and the Provider/Local backend sessions the Failover Controller
// switches between.
package main

import (
	"context"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"siprec-server/pkg/bandit"
	"siprec-server/pkg/bus"
	"siprec-server/pkg/callfsm"
	"siprec-server/pkg/config"
	"siprec-server/pkg/deploygate"
	"siprec-server/pkg/errors"
	"siprec-server/pkg/failover"
	"siprec-server/pkg/feedback"
	"siprec-server/pkg/gateway"
	"siprec-server/pkg/localsession"
	"siprec-server/pkg/metrics"
	"siprec-server/pkg/providersession"
	"siprec-server/pkg/recorder"
	"siprec-server/pkg/reward"
	"siprec-server/pkg/session"
)

var logger = logrus.New()

func main() {
	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
	})
	logger.SetOutput(os.Stdout)

	if err := godotenv.Load(); err != nil {
		logger.WithError(err).Debug("tomcore: no .env file loaded")
	}

	domainCfg := config.LoadDomainConfig()

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	metrics.Init(logger)
	metrics.InitDomain()

	feedbackStore, err := feedback.New(domainCfg.BanditStatePath + ".feedback.ndjson")
	if err != nil {
		logger.WithError(err).Fatal("tomcore: failed to open feedback store")
	}

	b := bandit.New(rand.New(rand.NewPCG(1, 2)), logger)
	if err := b.Load(domainCfg.BanditStatePath); err != nil {
		logger.WithError(err).Warn("tomcore: no prior bandit state, starting fresh")
	}

	gateCfg := deploygate.DefaultConfig()
	gateCfg.TrafficSplitNew = domainCfg.TrafficSplitNew
	gateCfg.TrafficSplitUncertain = domainCfg.TrafficSplitUncertain
	gateCfg.DeployStatePath = domainCfg.DeployStatePath
	gateCfg.BanditStatePath = domainCfg.BanditStatePath

	gate := deploygate.New(gateCfg, b, rand.New(rand.NewPCG(3, 4)), "base", logger)
	if err := gate.LoadState(); err != nil {
		logger.WithError(err).Warn("tomcore: no prior deploy-gate state, starting fresh")
	}
	registerPolicyCatalog(gate)

	registry := session.NewRegistry(session.DefaultRegistryConfig(), logger)

	auth := gateway.NewAuthenticator(domainCfg.AuthSecretKey, domainCfg.AuthIssuer, logger)

	recCfg := recorder.DefaultConfig()
	recCfg.Enabled = domainCfg.RecordAudio
	recCfg.ConsentAck = domainCfg.RecordConsentAck
	recCfg.AllowExternalBackend = domainCfg.AllowExternalBackend
	recCfg.RetentionHours = domainCfg.RecordRetentionHours

	janitor := recorder.NewJanitor(recCfg.Dir, recCfg.RetentionHours, time.Hour, logger)
	janitor.Run(rootCtx)

	spawner := &backendSpawner{
		domainCfg: domainCfg,
		logger:    logger,
	}

	recorderFactory := gateway.RecorderFactory(func(callID string) (*recorder.Recorder, error) {
		return recorder.New(recCfg, callID, logger)
	})

	gwCfg := gateway.DefaultConfig()
	gwCfg.RateLimitMsgsPerSec = domainCfg.RateLimitMsgsPerSec
	gwCfg.MaxFrameBytes = domainCfg.MaxFrameBytes

	handler := gateway.NewHandler(gwCfg, auth, registry, gate, spawner, feedbackStore, reward.DefaultConfig(), recorderFactory, logger)

	mux := http.NewServeMux()
	mux.Handle("/ws", handler)
	mux.Handle("/admin/status", gateway.NewAdminHandler(gate))
	metrics.RegisterHandler(mux)

	srv := &http.Server{Addr: domainCfg.ListenAddr, Handler: mux}

	go func() {
		logger.WithField("addr", domainCfg.ListenAddr).Info("tomcore: gateway listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("tomcore: gateway server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigChan
	logger.WithField("signal", sig.String()).Info("tomcore: shutting down")

	rootCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("tomcore: gateway shutdown error")
	}
	janitor.Stop()
	auth.Shutdown()
	registry.Shutdown()
	gate.Shutdown()
	if err := b.Save(domainCfg.BanditStatePath); err != nil {
		logger.WithError(err).Error("tomcore: failed to save bandit state")
	}
}

// registerPolicyCatalog seeds the Deploy Gate's variant catalog. In a
// full deployment this would be loaded from a config file or admin
// API; a small fixed catalog is registered here so the bandit has
// something to select between at startup.
func registerPolicyCatalog(gate *deploygate.Gate) {
	gate.AddVariant(bandit.Variant{
		ID:     "base",
		IsBase: true,
		Parameters: bandit.PolicyParameters{
			Greeting:           "Hi, how can I help you today?",
			Tone:               "neutral",
			Length:             "medium",
			InquiryMode:        "single",
			BargeInSensitivity: 0.5,
		},
	})
	gate.AddVariant(bandit.Variant{
		ID: "warm-brief",
		Parameters: bandit.PolicyParameters{
			Greeting:           "Hey there! What can I do for you?",
			Tone:               "warm",
			Length:             "short",
			InquiryMode:        "single",
			BargeInSensitivity: 0.6,
		},
	})
}

// backendSpawner builds a callfsm.SessionFactory bound to one
// connection's Bus, wrapping a failover.Controller composed from
// Provider and/or Local backend factories per the configured
// BACKEND_MODE.
type backendSpawner struct {
	domainCfg *config.DomainConfig
	logger    *logrus.Logger
}

func (s *backendSpawner) ForConnection(b *bus.Bus, profile string) callfsm.SessionFactory {
	mode := s.domainCfg.BackendModeValue(s.logger)

	return callfsm.SessionFactoryFunc(func(ctx context.Context, policy bandit.PolicyParameters) (session.Capability, error) {
		var primaryKind, secondaryKind session.BackendKind
		var primaryFactory, secondaryFactory func(context.Context, bandit.PolicyParameters) (session.Capability, error)

		localFactory := func(context.Context, bandit.PolicyParameters) (session.Capability, error) {
			return localsession.New(b, localsession.NewMockSTT(), localsession.NewMockLLM(), localsession.NewMockTTS(), s.logger), nil
		}
		providerFactory := func(context.Context, bandit.PolicyParameters) (session.Capability, error) {
			return providersession.New(providersession.DefaultConfig(), profile, b, s.logger), nil
		}

		switch mode {
		case failover.ModeLocalOnly:
			primaryKind, primaryFactory = session.BackendLocal, localFactory
		case failover.ModeProviderOnly:
			primaryKind, primaryFactory = session.BackendProvider, providerFactory
		case failover.ModeLocalThenProvider:
			primaryKind, primaryFactory = session.BackendLocal, localFactory
			secondaryKind, secondaryFactory = session.BackendProvider, providerFactory
		default: // provider_then_local
			primaryKind, primaryFactory = session.BackendProvider, providerFactory
			secondaryKind, secondaryFactory = session.BackendLocal, localFactory
		}

		fcfg := failover.DefaultConfig()
		fcfg.Mode = mode
		fcfg.ErrorBurstCount = s.domainCfg.FallbackErrorBurst
		fcfg.ErrorBurstWindow = time.Duration(s.domainCfg.FallbackErrorWindowS) * time.Second
		fcfg.LatencyTriggerMillis = int64(s.domainCfg.FallbackTriggerMs)

		ctrl := failover.NewController(fcfg, profile, primaryKind, primaryFactory, secondaryKind, secondaryFactory, s.logger)
		if err := ctrl.Start(ctx, policy); err != nil {
			return nil, errors.NewBackendUnavailable(string(primaryKind), map[string]interface{}{"error": err.Error()})
		}
		return ctrl, nil
	})
}
