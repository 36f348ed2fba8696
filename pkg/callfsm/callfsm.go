// Package callfsm implements the per-call state machine (C9): policy
// selection at answer, turn routing, barge-in, and orderly close with
// feedback recording — the single logical writer of call state that
// spec.md §5 requires.
package callfsm

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"siprec-server/pkg/bandit"
	"siprec-server/pkg/deploygate"
	"siprec-server/pkg/errors"
	"siprec-server/pkg/feedback"
	"siprec-server/pkg/metrics"
	"siprec-server/pkg/reward"
	"siprec-server/pkg/session"
)

// State is one of the seven Call FSM states of spec.md §4.9.
type State int

const (
	StateIdle State = iota
	StateRinging
	StateAnswered
	StateListening
	StateSpeaking
	StateClosing
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRinging:
		return "RINGING"
	case StateAnswered:
		return "ANSWERED"
	case StateListening:
		return "LISTENING"
	case StateSpeaking:
		return "SPEAKING"
	case StateClosing:
		return "CLOSING"
	case StateEnded:
		return "ENDED"
	default:
		return "UNKNOWN"
	}
}

// Event is one of the transition triggers of spec.md §4.9's table.
type Event string

const (
	EventIncomingCall      Event = "incoming_call"
	EventCallAnswered      Event = "call_answered"
	EventGreetingSpoken    Event = "greeting_spoken"
	EventUserSpeakingStart Event = "user_speaking_start"
	EventUserSpeakingEnd   Event = "user_speaking_end"
	EventFirstAudioEmitted Event = "first_audio_emitted"
	EventTurnEnd           Event = "turn_end"
	EventSessionError      Event = "session_error"
	EventCallEnded         Event = "call_ended"
	EventFeedbackReady     Event = "feedback_ready"
)

// Turn timeouts, per spec.md §4.9.
const (
	SpeakingTimeout       = 30 * time.Second
	SilentListeningTimeout = 10 * time.Second
	BargeInBudget         = 120 * time.Millisecond
)

// SessionFactory builds a session.Capability for a policy — realized
// by the Failover Controller (C8), kept as a narrow local interface so
// the Call FSM does not import that package directly, mirroring the
// teacher's preference for small consumer-defined interfaces over
// importing a concrete type (e.g. `stt.Manager` is referenced through
// narrow interfaces in `sip_handler.go` rather than the concrete
// struct).
type SessionFactory interface {
	NewSession(ctx context.Context, policy bandit.PolicyParameters) (session.Capability, error)
}

// SessionFactoryFunc adapts a plain function to a SessionFactory,
// mirroring the standard library's http.HandlerFunc idiom.
type SessionFactoryFunc func(ctx context.Context, policy bandit.PolicyParameters) (session.Capability, error)

func (f SessionFactoryFunc) NewSession(ctx context.Context, policy bandit.PolicyParameters) (session.Capability, error) {
	return f(ctx, policy)
}

// TurnSignals accumulates the in-flight Call Context signals of
// spec.md §3, gathered incrementally over the call and turned into a
// reward.Signals/feedback.Signals pair at CLOSING.
type TurnSignals struct {
	Resolution   bool
	UserRating   *int
	BargeInCount int
	Repeats      int
	Handover     bool
}

// FSM is one call's state machine. Exactly one exists per call; it
// owns exactly one active Session Descriptor at a time.
type FSM struct {
	mu sync.Mutex

	state        State
	callID       string
	profile      string
	sessionID    string
	variantID    string
	startedAt    time.Time
	userSpeaking bool
	inTurn       bool
	turnStarted  time.Time

	signals TurnSignals

	cap      session.Capability
	capCancel context.CancelFunc
	eventWG  sync.WaitGroup

	deployGate *deploygate.Gate
	factory    SessionFactory
	feedback   *feedback.Store
	rewardCfg  reward.Config
	logger     *logrus.Logger

	timeoutTimer *time.Timer
}

// New constructs an idle FSM for one call.
func New(callID, profile string, gate *deploygate.Gate, factory SessionFactory, store *feedback.Store, rewardCfg reward.Config, logger *logrus.Logger) *FSM {
	if logger == nil {
		logger = logrus.New()
	}
	return &FSM{
		state:      StateIdle,
		callID:     callID,
		profile:    profile,
		deployGate: gate,
		factory:    factory,
		feedback:   store,
		rewardCfg:  rewardCfg,
		logger:     logger,
	}
}

// State returns the current state.
func (f *FSM) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// transition describes one (from,event)->to edge and its action.
type transition struct {
	to     State
	action func(*FSM, context.Context, any) error
}

// transitions is the per-state table, built once, mirroring the
// original RealtimeFSM's self.transitions dict-of-dicts
// (apps/dispatcher/rt_fsm.py) translated to a static Go map.
var transitions map[State]map[Event]transition

// anyStateEvents applies from every non-terminal state, per spec.md
// §4.9's "any" rows.
var anyStateEvents map[Event]transition

// init populates transitions and anyStateEvents via assignment rather
// than var-initializer expressions: the table's action fields are
// method values of *FSM whose bodies (transitively, through Handle)
// refer back to these same tables, which the compiler's package-level
// initialization-order analysis flags as a cycle when expressed as
// direct initializers.
func init() {
	transitions = map[State]map[Event]transition{
		StateIdle: {
			EventIncomingCall: {to: StateRinging, action: (*FSM).onIncomingCall},
		},
		StateRinging: {
			EventCallAnswered: {to: StateAnswered, action: (*FSM).onCallAnswered},
		},
		StateAnswered: {
			EventGreetingSpoken: {to: StateListening, action: nil},
		},
		StateListening: {
			EventUserSpeakingStart: {to: StateListening, action: (*FSM).onUserSpeakingStartWhileListening},
			EventUserSpeakingEnd:   {to: StateSpeaking, action: (*FSM).onUserSpeakingEnd},
		},
		StateSpeaking: {
			EventFirstAudioEmitted: {to: StateSpeaking, action: (*FSM).onFirstAudioEmitted},
			EventTurnEnd:           {to: StateListening, action: (*FSM).onTurnEnd},
			EventUserSpeakingStart: {to: StateListening, action: (*FSM).onBargeIn},
		},
		StateClosing: {
			EventFeedbackReady: {to: StateEnded, action: (*FSM).onFeedbackReady},
		},
	}

	anyStateEvents = map[Event]transition{
		EventSessionError: {to: StateClosing, action: (*FSM).onSessionError},
		EventCallEnded:    {to: StateClosing, action: (*FSM).onCallEnded},
	}
}

// Handle looks up the transition for the FSM's current state and evt,
// executes its action, and advances state. Returns an error (without
// changing state) if no transition applies.
func (f *FSM) Handle(ctx context.Context, evt Event, data any) error {
	f.mu.Lock()
	current := f.state
	f.mu.Unlock()

	if current == StateEnded {
		return errors.NewTerminal("call fsm is in ENDED, no further events accepted").WithField("call_id", f.callID)
	}

	t, ok := transitions[current][evt]
	if !ok {
		t, ok = anyStateEvents[evt]
	}
	if !ok {
		return errors.NewInvalidInput("no transition for event from current state").
			WithField("state", current.String()).
			WithField("event", string(evt))
	}

	if t.action != nil {
		if err := t.action(f, ctx, data); err != nil {
			return err
		}
	}

	f.mu.Lock()
	prev := f.state
	f.state = t.to
	f.mu.Unlock()

	f.logger.WithFields(logrus.Fields{
		"call_id": f.callID,
		"from":    prev.String(),
		"to":      t.to.String(),
		"event":   string(evt),
	}).Debug("call fsm transition")
	return nil
}

func (f *FSM) onIncomingCall(_ context.Context, _ any) error {
	f.mu.Lock()
	f.startedAt = time.Time{}
	f.mu.Unlock()
	return nil
}

// onCallAnswered selects a policy variant via the Deploy Gate exactly
// once per call, per spec.md §9's stated single-call relationship,
// builds the session through the injected SessionFactory (realized by
// the Failover Controller), and starts the greeting turn. The
// ANSWERED->LISTENING edge only fires once that greeting's playback
// completes, reported asynchronously through the session's Events()
// channel and picked up by drainEvents.
func (f *FSM) onCallAnswered(ctx context.Context, _ any) error {
	variantID := f.deployGate.SelectVariant()
	policy, _ := f.deployGate.VariantParameters(variantID)

	sessCtx, cancel := context.WithCancel(ctx)
	sessionCap, err := f.factory.NewSession(sessCtx, policy)
	if err != nil {
		cancel()
		return errors.NewBackendUnavailable("session factory").WithField("error", err.Error())
	}

	f.mu.Lock()
	f.variantID = variantID
	f.startedAt = time.Now()
	f.cap = sessionCap
	f.capCancel = cancel
	f.mu.Unlock()

	f.logger.WithFields(logrus.Fields{
		"call_id":           f.callID,
		"policy_variant_id": variantID,
	}).Info("call answered, policy variant selected")

	if err := sessionCap.Speak(sessCtx, policy.Greeting); err != nil {
		return errors.NewBackendUnavailable("greeting synthesis").WithField("error", err.Error())
	}

	f.eventWG.Add(1)
	go f.drainEvents(sessCtx, sessionCap)
	return nil
}

// drainEvents runs for the lifetime of one call's active Capability,
// translating its Events() stream into FSM transitions. Before the
// greeting has completed, a first EventTurnEnd is read as
// EventGreetingSpoken instead of a turn boundary; every event after
// that maps onto the ordinary in-call transitions. It exits once ctx
// (the session's own, cancelled by beginClose) is done.
func (f *FSM) drainEvents(ctx context.Context, cap session.Capability) {
	defer f.eventWG.Done()
	greetingSpoken := false
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-cap.Events():
			if !ok {
				return
			}
			switch evt.Kind {
			case session.EventTurnEnd:
				if !greetingSpoken {
					greetingSpoken = true
					_ = f.Handle(ctx, EventGreetingSpoken, nil)
					continue
				}
				_ = f.Handle(ctx, EventTurnEnd, evt.Metadata)
			case session.EventSpeakingStart:
				if greetingSpoken {
					_ = f.Handle(ctx, EventFirstAudioEmitted, nil)
				}
			case session.EventUserSpeechStart:
				_ = f.Handle(ctx, EventUserSpeakingStart, nil)
			case session.EventUserSpeechEnd:
				_ = f.Handle(ctx, EventUserSpeakingEnd, nil)
			case session.EventBackendError:
				_ = f.Handle(ctx, EventSessionError, evt.Err)
			}
		}
	}
}

func (f *FSM) onUserSpeakingStartWhileListening(_ context.Context, _ any) error {
	f.mu.Lock()
	f.userSpeaking = true
	f.mu.Unlock()
	return nil
}

// onUserSpeakingEnd hands the caller's finished utterance to the
// active Capability, which asynchronously flushes STT and drives the
// LLM/TTS turn; completion is reported back through Events() and
// picked up by drainEvents.
func (f *FSM) onUserSpeakingEnd(ctx context.Context, _ any) error {
	f.mu.Lock()
	f.userSpeaking = false
	f.inTurn = true
	f.turnStarted = time.Now()
	sessionCap := f.cap
	f.mu.Unlock()

	if sessionCap == nil {
		return nil
	}
	if err := sessionCap.HandleSpeakingEnd(ctx); err != nil {
		return errors.NewBackendUnavailable("turn processing").WithField("error", err.Error())
	}
	return nil
}

func (f *FSM) onFirstAudioEmitted(_ context.Context, _ any) error {
	f.mu.Lock()
	elapsed := time.Since(f.turnStarted)
	f.mu.Unlock()
	f.logger.WithFields(logrus.Fields{
		"call_id":         f.callID,
		"first_audio_lat": elapsed,
	}).Debug("first audio emitted")
	return nil
}

func (f *FSM) onTurnEnd(_ context.Context, _ any) error {
	f.mu.Lock()
	f.inTurn = false
	f.mu.Unlock()
	return nil
}

// onBargeIn asks the active session to stop its output and measures
// how long StopOutput took against the 120ms budget; it does not
// interrupt a slow StopOutput, it only logs the overrun.
func (f *FSM) onBargeIn(_ context.Context, _ any) error {
	f.mu.Lock()
	sessionCap := f.cap
	f.userSpeaking = true
	f.inTurn = false
	f.signals.BargeInCount++
	f.mu.Unlock()

	if sessionCap == nil {
		return nil
	}
	start := time.Now()
	err := sessionCap.StopOutput()
	if elapsed := time.Since(start); elapsed > BargeInBudget {
		f.logger.WithFields(logrus.Fields{
			"call_id": f.callID,
			"elapsed": elapsed,
		}).Warn("barge-in stop-output exceeded budget")
	}
	return err
}

func (f *FSM) onSessionError(ctx context.Context, _ any) error {
	f.mu.Lock()
	f.signals.Handover = true
	f.mu.Unlock()
	f.logger.WithField("call_id", f.callID).Warn("session error, closing call")
	return f.beginClose(ctx)
}

func (f *FSM) onCallEnded(ctx context.Context, _ any) error {
	return f.beginClose(ctx)
}

func (f *FSM) beginClose(_ context.Context) error {
	f.mu.Lock()
	sessionCap := f.cap
	cancel := f.capCancel
	f.mu.Unlock()

	if sessionCap != nil {
		_ = sessionCap.Close()
	}
	if cancel != nil {
		// Not waited on here: beginClose can itself run on the
		// drainEvents goroutine (a backend_error event closing the
		// call), and drainEvents only observes this cancellation on
		// its next loop iteration, after this call returns.
		cancel()
	}
	return nil
}

// onFeedbackReady computes the reward, appends the Feedback Event, and
// updates the Deploy Gate — the terminal action of every call that
// reached ANSWERED, per spec.md Testable Property 1.
func (f *FSM) onFeedbackReady(_ context.Context, _ any) error {
	// beginClose has already cancelled the session context; this only
	// ever runs on the caller's goroutine (never drainEvents itself),
	// so waiting here is safe and guarantees drainEvents has stopped
	// touching FSM state before ENDED is reported.
	f.eventWG.Wait()

	f.mu.Lock()
	variantID := f.variantID
	profile := f.profile
	callID := f.callID
	startedAt := f.startedAt
	signals := f.signals
	f.mu.Unlock()

	if variantID == "" {
		// Call never reached ANSWERED; nothing to score.
		return nil
	}

	duration := time.Since(startedAt).Seconds()
	rs := reward.Signals{
		Resolution:   signals.Resolution,
		UserRating:   signals.UserRating,
		BargeInCount: signals.BargeInCount,
		Repeats:      signals.Repeats,
		Handover:     signals.Handover,
		DurationSec:  duration,
	}
	r := reward.Calculate(f.rewardCfg, rs)
	metrics.TomRewardHistogram.WithLabelValues(variantID).Observe(r)

	if f.feedback != nil {
		hash, profileHash := feedback.Anonymize(callID, profile)
		evt := feedback.Event{
			CallIDHash:      hash,
			TSHour:          feedback.TruncateToHour(time.Now()),
			Profile:         profileHash,
			PolicyVariantID: variantID,
			Signals: feedback.Signals{
				Resolution:   signals.Resolution,
				UserRating:   signals.UserRating,
				BargeInCount: signals.BargeInCount,
				Repeats:      signals.Repeats,
				Handover:     signals.Handover,
				DurationSec:  duration,
			},
		}
		if err := f.feedback.Append(evt); err != nil {
			f.logger.WithError(err).WithField("call_id", callID).Error("failed to append feedback event")
		}
	}

	if f.deployGate != nil {
		f.deployGate.RecordFeedback(variantID, r)
	}

	f.logger.WithFields(logrus.Fields{
		"call_id": callID,
		"variant": variantID,
		"reward":  r,
	}).Info("call closed, feedback recorded")
	return nil
}

// RecordUserRating and RecordRepeat let the Gateway/session layer feed
// in-flight signals (per spec.md's Call Context) ahead of CLOSING.
func (f *FSM) RecordUserRating(rating int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals.UserRating = &rating
}

func (f *FSM) RecordResolution(resolved bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals.Resolution = resolved
}

func (f *FSM) RecordRepeat() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals.Repeats++
}
