package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"siprec-server/pkg/bus"
	"siprec-server/pkg/callfsm"
	"siprec-server/pkg/deploygate"
	"siprec-server/pkg/feedback"
	"siprec-server/pkg/ratelimit"
	"siprec-server/pkg/recorder"
	"siprec-server/pkg/reward"
	"siprec-server/pkg/session"
)

// RecorderFactory opens a Recorder for one call. Returning a Recorder
// built from a disabled Config (Recorder.Capture a no-op) is valid and
// is what a nil RecorderFactory is treated as.
type RecorderFactory func(callID string) (*recorder.Recorder, error)

// Config tunes the transport-level limits spec.md §6 assigns to the
// Gateway.
type Config struct {
	MaxFrameBytes       int
	RateLimitMsgsPerSec float64
	RateLimitBurst      int
	AllowedOrigins      []string
}

// DefaultConfig matches spec.md §6's documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxFrameBytes:       65536,
		RateLimitMsgsPerSec: 120,
		RateLimitBurst:      240,
	}
}

// upgrader is grounded on the teacher's pkg/http/websocket.go
// WebSocketUpgrader; CheckOrigin is wired to the configured allow
// list instead of the teacher's allow-all default.
var newUpgrader = func(cfg Config) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(cfg.AllowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range cfg.AllowedOrigins {
				if origin == allowed {
					return true
				}
			}
			return false
		},
	}
}

// SessionSpawner builds a callfsm.SessionFactory bound to one
// connection's Bus and caller profile. The Gateway owns the Bus and
// the WebSocket relay loops; the returned SessionFactory is handed to
// a fresh callfsm.FSM, which decides when to actually build the
// backend Capability.
type SessionSpawner interface {
	ForConnection(b *bus.Bus, profile string) callfsm.SessionFactory
}

// Handler upgrades incoming HTTP connections to WebSocket, authenticates
// and rate-limits them, and drives one Call FSM per connection.
type Handler struct {
	cfg      Config
	upgrader websocket.Upgrader

	auth     *Authenticator
	limiter  *ratelimit.Limiter
	registry *session.Registry

	deployGate *deploygate.Gate
	spawner    SessionSpawner
	feedback   *feedback.Store
	rewardCfg  reward.Config
	recorder   RecorderFactory

	logger *logrus.Logger
}

// NewHandler builds a Handler wired to its dependencies. spawner
// produces a fresh SessionFactory (Provider/Local/Failover-backed) per
// call, closing over that call's Bus. recorderFactory may be nil, in
// which case no audio is captured to disk.
func NewHandler(cfg Config, auth *Authenticator, registry *session.Registry, gate *deploygate.Gate, spawner SessionSpawner, store *feedback.Store, rewardCfg reward.Config, recorderFactory RecorderFactory, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.New()
	}
	return &Handler{
		cfg:        cfg,
		upgrader:   newUpgrader(cfg),
		auth:       auth,
		limiter:    ratelimit.NewLimiter(cfg.RateLimitMsgsPerSec, cfg.RateLimitBurst, logger),
		registry:   registry,
		deployGate: gate,
		spawner:    spawner,
		feedback:   store,
		rewardCfg:  rewardCfg,
		recorder:   recorderFactory,
		logger:     logger,
	}
}

// ServeHTTP authenticates the request, upgrades it, and drives the
// connection until it closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := tokenFromRequest(r)
	claims, err := h.auth.Authenticate(token)
	if err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write(marshalError("auth", err.Error()))
		return
	}

	if !h.limiter.Allow(claims.Subject) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write(marshalError("rate_limited", "too many connection attempts"))
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("gateway: upgrade failed")
		return
	}
	// Read one byte past MaxFrameBytes so a message one byte over the
	// budget still reaches readLoop and is answered with a typed
	// frame_too_large error; a longer message hits gorilla's own limit,
	// which ends the connection without that error message.
	conn.SetReadLimit(int64(h.cfg.MaxFrameBytes) + 1)

	h.handleConnection(conn, claims)
}

func tokenFromRequest(r *http.Request) string {
	if v := r.URL.Query().Get("token"); v != "" {
		return v
	}
	auth := r.Header.Get("Authorization")
	return strings.TrimPrefix(auth, "Bearer ")
}

// call is the per-connection state driving one call's FSM.
type call struct {
	conn    *websocket.Conn
	bus     *bus.Bus
	fsm     *callfsm.FSM
	rec     *recorder.Recorder
	writeMu sync.Mutex

	callID        string
	tokenCallID   string
	maxFrameBytes int

	logger *logrus.Logger
}

func (h *Handler) handleConnection(conn *websocket.Conn, claims *TokenClaims) {
	callID := claims.CallID
	if callID == "" {
		callID = uuid.NewString()
	}

	b := bus.New()
	factory := h.spawner.ForConnection(b, claims.Subject)

	fsm := callfsm.New(callID, claims.Subject, h.deployGate, factory, h.feedback, h.rewardCfg, h.logger)
	h.registry.Register(session.Descriptor{
		SessionID: callID,
		CallID:    callID,
		CreatedAt: time.Now(),
	})
	defer h.registry.Unregister(callID)

	var rec *recorder.Recorder
	if h.recorder != nil {
		var recErr error
		rec, recErr = h.recorder(callID)
		if recErr != nil {
			h.logger.WithError(recErr).WithField("call_id", callID).Warn("gateway: recorder unavailable, continuing without capture")
		}
	}

	c := &call{
		conn:          conn,
		bus:           b,
		fsm:           fsm,
		rec:           rec,
		logger:        h.logger,
		callID:        callID,
		tokenCallID:   claims.CallID,
		maxFrameBytes: h.cfg.MaxFrameBytes,
	}
	defer conn.Close()
	if rec != nil {
		defer func() {
			if err := rec.Close(); err != nil {
				h.logger.WithError(err).WithField("call_id", callID).Warn("gateway: recorder close failed")
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); c.pumpOutbound(ctx) }()
	go func() { defer wg.Done(); c.readLoop(ctx) }()

	_ = fsm.Handle(ctx, callfsm.EventIncomingCall, nil)
	_ = fsm.Handle(ctx, callfsm.EventCallAnswered, nil)

	wg.Wait()
	_ = fsm.Handle(ctx, callfsm.EventCallEnded, nil)
	_ = fsm.Handle(ctx, callfsm.EventFeedbackReady, nil)
}

func (c *call) readLoop(ctx context.Context) {
	defer func() {
		_ = c.conn.Close()
	}()
	for {
		kind, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}

		switch kind {
		case websocket.BinaryMessage:
			if len(msg) > c.maxFrameBytes {
				c.writeError("frame_too_large", "audio frame exceeds max_frame_bytes")
				return
			}
			seq, ts, pcm, decodeErr := decodeAudioFrame(msg)
			if decodeErr != nil {
				c.writeError("validation", decodeErr.Error())
				continue
			}
			frame := bus.Frame{Seq: uint64(seq), TSMillis: int64(ts), PCM: pcm}
			c.bus.Inbound.Enqueue(frame)
			if c.rec != nil {
				if err := c.rec.Capture(frame); err != nil {
					c.logger.WithError(err).Warn("gateway: recorder capture failed")
				}
			}
		case websocket.TextMessage:
			c.handleTextMessage(ctx, msg)
		}
	}
}

func (c *call) handleTextMessage(ctx context.Context, raw []byte) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		c.writeError("validation", "malformed json")
		return
	}
	switch env.Type {
	case "hello":
		var h helloMessage
		if err := json.Unmarshal(raw, &h); err != nil {
			c.writeError("validation", "malformed hello")
			return
		}
		if h.CallID != "" && h.CallID != c.tokenCallID {
			c.writeError("auth", "call_id does not match token")
			_ = c.conn.Close()
			return
		}
	case "barge_in":
		_ = c.fsm.Handle(ctx, callfsm.EventUserSpeakingStart, nil)
	case "bye":
		_ = c.fsm.Handle(ctx, callfsm.EventCallEnded, nil)
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = c.conn.Close()
	}
}

func (c *call) pumpOutbound(ctx context.Context) {
	ticker := time.NewTicker(bus.FrameDurationMillis * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f, ok := c.bus.Outbound.Dequeue()
			if !ok {
				continue
			}
			if c.rec != nil {
				if err := c.rec.Capture(f); err != nil {
					c.logger.WithError(err).Warn("gateway: recorder capture failed")
				}
			}
			msg := encodeAudioFrame(uint32(f.Seq), uint32(f.TSMillis), f.PCM)
			c.writeMu.Lock()
			err := c.conn.WriteMessage(websocket.BinaryMessage, msg)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *call) writeError(code, message string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.WriteMessage(websocket.TextMessage, marshalError(code, message))
}
