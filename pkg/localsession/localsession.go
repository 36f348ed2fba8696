// Package localsession implements the Local STT→LLM→TTS Session
// (C6): a three-stage pipeline running entirely in-process, presented
// to the Call FSM as a session.Capability. STT/LLM/TTS are pluggable;
// the shipped adapters are stubs since real acoustic/language/
// synthesis models are out of scope.
package localsession

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"siprec-server/pkg/audio"
	"siprec-server/pkg/bandit"
	"siprec-server/pkg/bus"
	"siprec-server/pkg/session"
)

// STT consumes inbound PCM frames and produces a final transcript once
// an utterance completes, plus partial-transcript progress.
type STT interface {
	// PushFrame feeds one inbound frame. It returns a partial
	// transcript string when one is available, or "" otherwise.
	PushFrame(f bus.Frame) (partial string, err error)
	// Flush finalizes the current utterance, e.g. on speaking_end.
	Flush() (final string, err error)
}

// LLM turns a final transcript into a token stream.
type LLM interface {
	Generate(ctx context.Context, transcript string, policy bandit.PolicyParameters) (<-chan string, error)
}

// TTS turns a token stream into 20ms PCM frames.
type TTS interface {
	Synthesize(ctx context.Context, tokens <-chan string) (<-chan bus.Frame, error)
}

// Session runs the STT→LLM→TTS pipeline for one call's local backend.
type Session struct {
	mu sync.Mutex

	stt STT
	llm LLM
	tts TTS

	bus    *bus.Bus
	policy bandit.PolicyParameters
	vad    *audio.EventVAD

	events    chan session.Event
	ttsCancel context.CancelFunc
	turnWG    sync.WaitGroup

	logger *logrus.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Session over the given bus and pluggable adapters.
func New(b *bus.Bus, stt STT, llm LLM, tts TTS, logger *logrus.Logger) *Session {
	if logger == nil {
		logger = logrus.New()
	}
	return &Session{
		stt:    stt,
		llm:    llm,
		tts:    tts,
		bus:    b,
		vad:    audio.NewEventVAD(audio.DefaultProcessingConfig()),
		events: make(chan session.Event, 32),
		logger: logger,
		stopCh: make(chan struct{}),
	}
}

// Start records the selected policy and begins the inbound-frame
// consumer loop that drives STT.
func (s *Session) Start(ctx context.Context, policy bandit.PolicyParameters) error {
	s.mu.Lock()
	s.policy = policy
	s.mu.Unlock()

	s.wg.Add(1)
	go s.consumeInbound(ctx)
	return nil
}

// PushFrame enqueues f onto the bus's inbound queue, where
// consumeInbound picks it up like any other frame, since the bus (not
// the caller) owns ordering and backpressure. It exists to satisfy
// session.Capability for callers that push directly rather than
// through the shared bus.
func (s *Session) PushFrame(f bus.Frame) error {
	s.bus.Inbound.Enqueue(f)
	return nil
}

func (s *Session) Events() <-chan session.Event { return s.events }

func (s *Session) consumeInbound(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(bus.FrameDurationMillis * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			f, ok := s.bus.Inbound.Dequeue()
			if !ok {
				continue
			}
			s.vad.Feed(f)
			select {
			case evt := <-s.vad.Events():
				s.publish(evt)
			default:
			}

			partial, err := s.stt.PushFrame(f)
			if err != nil {
				s.publish(session.Event{Kind: session.EventBackendError, Err: err, At: time.Now()})
				continue
			}
			if partial != "" {
				s.publish(session.Event{Kind: session.EventSTTPartial, Text: partial, At: time.Now()})
			}
		}
	}
}

// HandleSpeakingEnd finalizes the current STT utterance and drives one
// turn through LLM and TTS. Callers (typically the Call FSM's
// user_speaking_end handler) invoke this directly rather than waiting
// for a VAD event to arrive through Events(), keeping turn timing
// exact.
func (s *Session) HandleSpeakingEnd(ctx context.Context) error {
	s.vad.Reset()
	final, err := s.stt.Flush()
	if err != nil {
		return err
	}
	if final == "" {
		return nil
	}
	s.publish(session.Event{Kind: session.EventSTTFinal, Text: final, At: time.Now()})

	s.mu.Lock()
	policy := s.policy
	s.mu.Unlock()

	tokens, err := s.llm.Generate(ctx, final, policy)
	if err != nil {
		s.publish(session.Event{Kind: session.EventBackendError, Err: err, At: time.Now()})
		return err
	}

	return s.runTurn(ctx, tokens)
}

// Speak synthesizes and plays a single fixed utterance, bypassing STT
// and LLM entirely. It shares its TTS/outbound plumbing with
// HandleSpeakingEnd's turn pipeline, so its completion is reported
// through Events() exactly like a normal turn's: the Call FSM's
// answered handler treats the first such EventTurnEnd as the greeting
// having been spoken.
func (s *Session) Speak(ctx context.Context, text string) error {
	tokens := make(chan string, 1)
	if text != "" {
		tokens <- text
	}
	close(tokens)
	return s.runTurn(ctx, tokens)
}

func (s *Session) runTurn(ctx context.Context, tokens <-chan string) error {
	ttsCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.ttsCancel = cancel
	s.mu.Unlock()

	frames, err := s.tts.Synthesize(ttsCtx, tokens)
	if err != nil {
		cancel()
		s.publish(session.Event{Kind: session.EventBackendError, Err: err, At: time.Now()})
		return err
	}

	s.publish(session.Event{Kind: session.EventSpeakingStart, At: time.Now()})
	s.turnWG.Add(1)
	go s.pumpOutbound(ttsCtx, frames)
	return nil
}

func (s *Session) pumpOutbound(ctx context.Context, frames <-chan bus.Frame) {
	defer s.turnWG.Done()
	tokenCount := 0
	turnStart := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				s.publish(session.Event{
					Kind: session.EventTurnEnd,
					At:   time.Now(),
					Metadata: map[string]float64{
						"turn_duration_seconds": time.Since(turnStart).Seconds(),
						"token_count":           float64(tokenCount),
					},
				})
				s.publish(session.Event{Kind: session.EventSpeakingEnd, At: time.Now()})
				return
			}
			tokenCount++
			s.bus.Outbound.Enqueue(f)
		}
	}
}

// StopOutput cancels the in-flight TTS goroutine and drains the
// outbound queue to at most two frames (40ms) of already-queued
// audio, per spec.md's barge-in requirement. The caller (Call FSM)
// owns the 120ms wall-clock budget for this call.
func (s *Session) StopOutput() error {
	s.mu.Lock()
	cancel := s.ttsCancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.bus.Outbound.DrainTo(2)
	s.turnWG.Wait()
	return nil
}

// Close stops the inbound consumer loop and any in-flight turn.
func (s *Session) Close() error {
	close(s.stopCh)
	s.mu.Lock()
	cancel := s.ttsCancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.turnWG.Wait()
	return nil
}

func (s *Session) publish(evt session.Event) {
	select {
	case s.events <- evt:
	default:
		s.logger.Warn("localsession event channel full, dropping event")
	}
}
