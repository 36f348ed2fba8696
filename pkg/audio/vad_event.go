package audio

import (
	"time"

	"siprec-server/pkg/bus"
	"siprec-server/pkg/session"
)

// speechDebounceFrames/silenceDebounceFrames convert spec.md's
// wall-clock barge-in debounce windows (120ms speech-start, 400ms
// speech-end) into frame counts using the bus's fixed 20ms cadence —
// the teacher's own VoiceActivityDetector tunes holdTime in frames
// (see ProcessingConfig.VADHoldTime), not milliseconds, so this
// wrapper does the conversion once at construction time instead of
// changing the teacher's detector.
const (
	frameDurationMillis  = bus.FrameDurationMillis
	speechDebounceMillis = 120
	silenceDebounceMillis = 400
)

// EventVAD wraps the teacher's energy-threshold VoiceActivityDetector
// (vad.go) as an event source instead of an in-place audio
// transformer: instead of returning shaped/comfort-noise audio, it
// watches the detector's isVoiceActive transitions and emits
// SpeakingStart/SpeakingEnd session.Events once a transition has held
// long enough to clear spec.md's barge-in debounce windows.
type EventVAD struct {
	detector *VoiceActivityDetector

	speechHold   int // consecutive active frames required before SpeakingStart fires
	speechRun    int
	speaking     bool

	events chan session.Event
}

// NewEventVAD builds an EventVAD over a VoiceActivityDetector
// configured with the teacher's own defaults, except VADHoldTime is
// overridden to spec.md's 400ms silence debounce.
func NewEventVAD(cfg ProcessingConfig) *EventVAD {
	cfg.VADHoldTime = silenceDebounceMillis / frameDurationMillis
	return &EventVAD{
		detector:   NewVoiceActivityDetector(cfg),
		speechHold: speechDebounceMillis / frameDurationMillis,
		events:     make(chan session.Event, 16),
	}
}

// Events returns the channel EventVAD publishes SpeakingStart/
// SpeakingEnd transitions on. Never closed by Feed; callers should
// stop reading once the owning session.Capability is closed.
func (v *EventVAD) Events() <-chan session.Event {
	return v.events
}

// Feed processes one inbound frame and updates voice-activity state,
// publishing a transition event if the debounce windows have cleared.
// Non-blocking: if the events channel is full, the event is dropped
// rather than stalling the audio pipeline (mirrors bus.Queue's
// never-block contract).
func (v *EventVAD) Feed(f bus.Frame) {
	if _, err := v.detector.Process(f.PCM); err != nil {
		return
	}

	if v.detector.IsVoiceActive() {
		v.speechRun++
		if !v.speaking && v.speechRun >= v.speechHold {
			v.speaking = true
			v.publish(session.EventUserSpeechStart)
		}
	} else {
		v.speechRun = 0
		if v.speaking {
			v.speaking = false
			v.publish(session.EventUserSpeechEnd)
		}
	}
}

// IsSpeaking reports the debounced speaking state EventVAD has
// published, distinct from the teacher's raw (non-debounced)
// detector.IsVoiceActive().
func (v *EventVAD) IsSpeaking() bool {
	return v.speaking
}

// Reset clears debounce and detector state, used when a session
// resumes listening after TTS output (post barge-in or post turn).
func (v *EventVAD) Reset() {
	v.speechRun = 0
	v.speaking = false
	v.detector.Reset()
}

func (v *EventVAD) publish(kind session.EventKind) {
	select {
	case v.events <- session.Event{Kind: kind, At: time.Now()}:
	default:
	}
}
