package session

import (
	"context"
	"time"

	"siprec-server/pkg/bandit"
	"siprec-server/pkg/bus"
)

// BackendKind identifies which kind of Capability is driving a call's
// audio, matching spec.md §3's Session Descriptor.
type BackendKind string

const (
	BackendLocal    BackendKind = "local"
	BackendProvider BackendKind = "provider"
)

// Descriptor is the per-call identity and policy binding, unchanged
// from spec.md §3's Session Descriptor.
type Descriptor struct {
	SessionID       string
	CallID          string
	PolicyVariantID string
	Backend         BackendKind
	CreatedAt       time.Time
}

// EventKind enumerates the kinds of Event a Capability can emit.
type EventKind string

const (
	EventSTTPartial   EventKind = "stt_partial"
	EventSTTFinal     EventKind = "stt_final"
	EventLLMToken     EventKind = "llm_token"
	// EventSpeakingStart/EventSpeakingEnd report the *bot's* TTS
	// output, published by Speak/HandleSpeakingEnd's turn pipeline.
	EventSpeakingStart EventKind = "speaking_start"
	EventSpeakingEnd  EventKind = "speaking_end"
	// EventUserSpeechStart/EventUserSpeechEnd report the *caller's*
	// voice activity, published by the inbound VAD.
	EventUserSpeechStart EventKind = "user_speech_start"
	EventUserSpeechEnd   EventKind = "user_speech_end"
	EventTurnEnd      EventKind = "turn_end"
	EventBackendError EventKind = "backend_error"
)

// Event is the capability-agnostic event a Capability publishes on its
// Events channel. Kind says which of Text (a transcript), Err (a
// backend error) or Metadata (cost and timing figures) is set,
// mirroring the teacher's
// stt.EnhancedStreamingProvider callback payloads translated into a
// pull-based channel instead of a push-based callback.
type Event struct {
	Kind      EventKind
	Text      string
	Err       error
	Metadata  map[string]float64
	At        time.Time
}

// Capability is the interface both the Local Session (C6) and the
// Provider Session (C7) implement, generalizing the teacher's
// stt.EnhancedStreamingProvider interface (Initialize/StreamToText/
// SetCallback/GetActiveConnections/Shutdown) to the capability set the
// Call FSM and Failover Controller need: start with a policy, push
// inbound frames, drain an event stream, cut output short on barge-in,
// and close.
type Capability interface {
	Start(ctx context.Context, policy bandit.PolicyParameters) error
	PushFrame(f bus.Frame) error
	// Speak plays a fixed utterance (the policy's greeting) without
	// going through STT/LLM. Completion is reported asynchronously on
	// Events(), the same way a normal turn is: EventSpeakingStart,
	// then EventTurnEnd once playback drains.
	Speak(ctx context.Context, text string) error
	// HandleSpeakingEnd finalizes the caller's utterance (VAD/STT
	// flush) and drives one turn through LLM and TTS. The Call FSM
	// calls this on its user_speaking_end transition; completion is
	// reported asynchronously on Events(), same as Speak.
	HandleSpeakingEnd(ctx context.Context) error
	Events() <-chan Event
	StopOutput() error
	Close() error
}
