package providersession

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"siprec-server/pkg/bandit"
	"siprec-server/pkg/bus"
	"siprec-server/pkg/errors"
	"siprec-server/pkg/metrics"
	"siprec-server/pkg/session"
)

// Config configures a remote endpoint connection.
type Config struct {
	Endpoint       string
	APIKey         string
	DialTimeout    time.Duration
	WriteTimeout   time.Duration
	ReconnectDelay time.Duration
	MaxReconnects  int
}

// DefaultConfig returns reasonable dial/reconnect tuning grounded on
// the teacher's DeepgramConfig defaults.
func DefaultConfig() Config {
	return Config{
		DialTimeout:    5 * time.Second,
		WriteTimeout:   2 * time.Second,
		ReconnectDelay: time.Second,
		MaxReconnects:  3,
	}
}

// Session implements session.Capability over a persistent
// *websocket.Conn to a remote STT/LLM/TTS endpoint, grounded on the
// teacher's pkg/stt/deepgram_enhanced.go connection-lifecycle pattern
// (createWebSocketConnection/handleMessages/streamAudio), generalized
// from a one-directional STT stream into the spec's duplex Capability.
type Session struct {
	mu sync.Mutex

	cfg    Config
	callID string
	conn   *websocket.Conn
	bus    *bus.Bus

	events chan session.Event

	logger *logrus.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Session for one call against the configured remote
// endpoint. callID is sent in the initial hello message. b is the
// call's shared Audio Frame Bus: remote audio the provider streams
// back is enqueued onto b.Outbound for the Gateway to relay to the
// client, the same contract pkg/localsession.Session honors.
func New(cfg Config, callID string, b *bus.Bus, logger *logrus.Logger) *Session {
	if logger == nil {
		logger = logrus.New()
	}
	return &Session{
		cfg:    cfg,
		callID: callID,
		bus:    b,
		events: make(chan session.Event, 32),
		logger: logger,
		stopCh: make(chan struct{}),
	}
}

// Start dials the remote endpoint, sends hello, and begins the
// inbound-message read loop.
func (s *Session) Start(ctx context.Context, policy bandit.PolicyParameters) error {
	u, err := url.Parse(s.cfg.Endpoint)
	if err != nil {
		return errors.NewInvalidInput("providersession: invalid endpoint").WithField("error", err.Error())
	}

	headers := http.Header{}
	if s.cfg.APIKey != "" {
		headers.Set("Authorization", "Bearer "+s.cfg.APIKey)
	}

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, u.String(), headers)
	if err != nil {
		return errors.NewBackendUnavailable("provider").WithField("error", err.Error())
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	hello, err := marshalHello(s.callID, policy.Tone)
	if err != nil {
		return errors.NewInvalidInput("providersession: hello encode failed").WithField("error", err.Error())
	}
	if err := s.writeText(hello); err != nil {
		return errors.NewBackendUnavailable("provider").WithField("error", err.Error())
	}

	s.wg.Add(1)
	go s.readLoop(ctx)
	return nil
}

// PushFrame encodes and sends one PCM frame over the wire.
func (s *Session) PushFrame(f bus.Frame) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errors.NewBackendUnavailable("provider: no connection")
	}

	start := time.Now()
	msg := encodeAudioFrame(uint32(f.Seq), uint32(f.TSMillis), f.PCM)
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	err := conn.WriteMessage(websocket.BinaryMessage, msg)
	metrics.TomFrameSendLatency.WithLabelValues(s.callID, "provider_frame_send").Observe(time.Since(start).Seconds())
	if err != nil {
		return errors.NewBackendUnavailable("provider: write failed").WithField("error", err.Error())
	}
	return nil
}

// Speak asks the remote endpoint to synthesize and stream back a fixed
// utterance, bypassing its STT/LLM stage. Completion arrives as an
// ordinary "turn_end" control message, handled by handleControlMessage
// exactly like a normal turn's.
func (s *Session) Speak(_ context.Context, text string) error {
	payload, err := marshalSpeak(text)
	if err != nil {
		return errors.NewInvalidInput("providersession: speak encode failed").WithField("error", err.Error())
	}
	if err := s.writeText(payload); err != nil {
		return errors.NewBackendUnavailable("provider").WithField("error", err.Error())
	}
	return nil
}

// HandleSpeakingEnd tells the remote endpoint the caller's utterance is
// complete. It flushes its own STT stage and streams back its turn as
// stt_final/llm_token/turn_end control messages, handled by
// handleControlMessage the same way a Speak-triggered turn is.
func (s *Session) HandleSpeakingEnd(_ context.Context) error {
	payload, err := marshalSpeakingEnd()
	if err != nil {
		return errors.NewInvalidInput("providersession: speaking_end encode failed").WithField("error", err.Error())
	}
	if err := s.writeText(payload); err != nil {
		return errors.NewBackendUnavailable("provider").WithField("error", err.Error())
	}
	return nil
}

func (s *Session) writeText(payload []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errors.NewBackendUnavailable("provider: no connection")
	}
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func (s *Session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		default:
		}

		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn == nil {
			return
		}

		kind, msg, err := conn.ReadMessage()
		if err != nil {
			s.publish(session.Event{Kind: session.EventBackendError, Err: err, At: time.Now()})
			return
		}

		switch kind {
		case websocket.BinaryMessage:
			seq, ts, pcm, decodeErr := decodeAudioFrame(msg)
			if decodeErr != nil {
				s.logger.WithError(decodeErr).Warn("providersession: malformed audio frame")
				continue
			}
			if s.bus != nil {
				s.bus.Outbound.Enqueue(bus.Frame{Seq: uint64(seq), TSMillis: int64(ts), PCM: pcm})
			}
		case websocket.TextMessage:
			s.handleControlMessage(msg)
		}
	}
}

func (s *Session) handleControlMessage(raw []byte) {
	var env controlMessage
	if err := json.Unmarshal(raw, &env); err != nil {
		s.logger.WithError(err).Warn("providersession: malformed control message")
		return
	}

	switch env.Type {
	case "stt_partial":
		var p textPayload
		_ = json.Unmarshal(raw, &p)
		s.publish(session.Event{Kind: session.EventSTTPartial, Text: p.Text, At: time.Now()})
	case "stt_final":
		var p textPayload
		_ = json.Unmarshal(raw, &p)
		s.publish(session.Event{Kind: session.EventSTTFinal, Text: p.Text, At: time.Now()})
	case "llm_token":
		var p textPayload
		_ = json.Unmarshal(raw, &p)
		s.publish(session.Event{Kind: session.EventLLMToken, Text: p.Text, At: time.Now()})
	case "turn_end":
		var p turnEndPayload
		_ = json.Unmarshal(raw, &p)
		s.recordTurnCost(p.DurationsMs)
		s.publish(session.Event{
			Kind:     session.EventTurnEnd,
			At:       time.Now(),
			Metadata: p.DurationsMs,
		})
	case "error":
		var p errorPayload
		_ = json.Unmarshal(raw, &p)
		s.publish(session.Event{Kind: session.EventBackendError, Err: errors.NewBackendUnavailable(p.Code).WithField("message", p.Message), At: time.Now()})
	}
}

// recordTurnCost surfaces per-component provider costs to metrics at
// turn end, matching spec.md §4.7's cost-log requirement.
func (s *Session) recordTurnCost(durationsMs map[string]float64) {
	if durationsMs == nil {
		return
	}
	if v, ok := durationsMs["stt"]; ok {
		metrics.TomTurnStageLatency.WithLabelValues("stt").Observe(v / 1000)
	}
	if v, ok := durationsMs["llm"]; ok {
		metrics.TomTurnStageLatency.WithLabelValues("llm").Observe(v / 1000)
	}
	if v, ok := durationsMs["tts"]; ok {
		metrics.TomTurnStageLatency.WithLabelValues("tts").Observe(v / 1000)
	}
}

func (s *Session) Events() <-chan session.Event { return s.events }

// StopOutput sends a barge_in control message so the remote endpoint
// stops sending further outbound audio for this turn.
func (s *Session) StopOutput() error {
	payload, err := json.Marshal(struct {
		Type string `json:"type"`
	}{Type: "barge_in"})
	if err != nil {
		return err
	}
	return s.writeText(payload)
}

// Close closes the read loop and underlying connection.
func (s *Session) Close() error {
	close(s.stopCh)
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	s.wg.Wait()
	return nil
}

func (s *Session) publish(evt session.Event) {
	select {
	case s.events <- evt:
	default:
		s.logger.Warn("providersession event channel full, dropping event")
	}
}
