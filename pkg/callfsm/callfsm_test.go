package callfsm

import (
	"context"
	"math/rand/v2"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"siprec-server/pkg/bandit"
	"siprec-server/pkg/bus"
	"siprec-server/pkg/deploygate"
	"siprec-server/pkg/feedback"
	"siprec-server/pkg/reward"
	"siprec-server/pkg/session"
)

type fakeCapability struct {
	stopped bool
	closed  bool
}

func (f *fakeCapability) Start(context.Context, bandit.PolicyParameters) error { return nil }
func (f *fakeCapability) PushFrame(bus.Frame) error                            { return nil }
func (f *fakeCapability) Speak(context.Context, string) error                 { return nil }
func (f *fakeCapability) HandleSpeakingEnd(context.Context) error             { return nil }
func (f *fakeCapability) Events() <-chan session.Event                        { return nil }
func (f *fakeCapability) StopOutput() error                                   { f.stopped = true; return nil }
func (f *fakeCapability) Close() error                                        { f.closed = true; return nil }

type fakeFactory struct {
	cap *fakeCapability
}

func (ff *fakeFactory) NewSession(context.Context, bandit.PolicyParameters) (session.Capability, error) {
	return ff.cap, nil
}

func newTestFSM(t *testing.T) (*FSM, *deploygate.Gate, *fakeCapability) {
	t.Helper()
	rng := rand.New(rand.NewPCG(1, 1))
	b := bandit.New(rand.New(rand.NewPCG(2, 2)), nil)
	gate := deploygate.New(deploygate.DefaultConfig(), b, rng, "v0", nil)
	t.Cleanup(gate.Shutdown)

	store, err := feedback.New(filepath.Join(t.TempDir(), "feedback.ndjson"))
	require.NoError(t, err)

	cap := &fakeCapability{}
	fsm := New("call-1", "default", gate, &fakeFactory{cap: cap}, store, reward.DefaultConfig(), nil)
	return fsm, gate, cap
}

func TestHappyPathTransitionsToListening(t *testing.T) {
	fsm, _, _ := newTestFSM(t)
	ctx := context.Background()

	require.NoError(t, fsm.Handle(ctx, EventIncomingCall, nil))
	assert.Equal(t, StateRinging, fsm.State())

	require.NoError(t, fsm.Handle(ctx, EventCallAnswered, nil))
	assert.Equal(t, StateAnswered, fsm.State())

	require.NoError(t, fsm.Handle(ctx, EventGreetingSpoken, nil))
	assert.Equal(t, StateListening, fsm.State())
}

func TestBargeInDuringSpeakingReturnsToListeningAndStopsOutput(t *testing.T) {
	fsm, _, cap := newTestFSM(t)
	ctx := context.Background()

	require.NoError(t, fsm.Handle(ctx, EventIncomingCall, nil))
	require.NoError(t, fsm.Handle(ctx, EventCallAnswered, nil))
	require.NoError(t, fsm.Handle(ctx, EventGreetingSpoken, nil))
	require.NoError(t, fsm.Handle(ctx, EventUserSpeakingEnd, nil))
	assert.Equal(t, StateSpeaking, fsm.State())

	require.NoError(t, fsm.Handle(ctx, EventUserSpeakingStart, nil))
	assert.Equal(t, StateListening, fsm.State())
	assert.True(t, cap.stopped)
	assert.Equal(t, 1, fsm.signals.BargeInCount)
}

func TestCallEndedFromAnyStateGoesToClosing(t *testing.T) {
	fsm, _, cap := newTestFSM(t)
	ctx := context.Background()

	require.NoError(t, fsm.Handle(ctx, EventIncomingCall, nil))
	require.NoError(t, fsm.Handle(ctx, EventCallAnswered, nil))
	require.NoError(t, fsm.Handle(ctx, EventCallEnded, nil))
	assert.Equal(t, StateClosing, fsm.State())
	assert.True(t, cap.closed)
}

func TestFeedbackReadyRecordsAndUpdatesDeployGate(t *testing.T) {
	fsm, gate, _ := newTestFSM(t)
	ctx := context.Background()

	require.NoError(t, fsm.Handle(ctx, EventIncomingCall, nil))
	require.NoError(t, fsm.Handle(ctx, EventCallAnswered, nil))
	fsm.RecordResolution(true)
	require.NoError(t, fsm.Handle(ctx, EventCallEnded, nil))
	require.NoError(t, fsm.Handle(ctx, EventFeedbackReady, nil))
	assert.Equal(t, StateEnded, fsm.State())

	arm := gate.VariantHealth("v0").Arm
	assert.GreaterOrEqual(t, arm.Pulls, 1)
}

func TestEndedIsTerminal(t *testing.T) {
	fsm, _, _ := newTestFSM(t)
	ctx := context.Background()
	require.NoError(t, fsm.Handle(ctx, EventIncomingCall, nil))
	require.NoError(t, fsm.Handle(ctx, EventCallAnswered, nil))
	require.NoError(t, fsm.Handle(ctx, EventCallEnded, nil))
	require.NoError(t, fsm.Handle(ctx, EventFeedbackReady, nil))

	err := fsm.Handle(ctx, EventIncomingCall, nil)
	assert.Error(t, err)
}

func TestUnknownTransitionReturnsError(t *testing.T) {
	fsm, _, _ := newTestFSM(t)
	err := fsm.Handle(context.Background(), EventTurnEnd, nil)
	assert.Error(t, err)
}

// eventCapability is a fakeCapability whose Events() channel is real,
// used to exercise drainEvents instead of driving the FSM's
// transitions directly.
type eventCapability struct {
	fakeCapability
	events chan session.Event
}

func newEventCapability() *eventCapability {
	return &eventCapability{events: make(chan session.Event, 4)}
}

func (e *eventCapability) Events() <-chan session.Event { return e.events }

func TestDrainEventsTranslatesGreetingAndTurnEvents(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 1))
	b := bandit.New(rand.New(rand.NewPCG(2, 2)), nil)
	gate := deploygate.New(deploygate.DefaultConfig(), b, rng, "v0", nil)
	t.Cleanup(gate.Shutdown)
	store, err := feedback.New(filepath.Join(t.TempDir(), "feedback.ndjson"))
	require.NoError(t, err)

	cap := newEventCapability()
	fsm := New("call-1", "default", gate, SessionFactoryFunc(func(context.Context, bandit.PolicyParameters) (session.Capability, error) {
		return cap, nil
	}), store, reward.DefaultConfig(), nil)

	ctx := context.Background()
	require.NoError(t, fsm.Handle(ctx, EventIncomingCall, nil))
	require.NoError(t, fsm.Handle(ctx, EventCallAnswered, nil))
	assert.Equal(t, StateAnswered, fsm.State())

	// The first turn_end from Events() is read as the greeting
	// completing, not an ordinary turn boundary.
	cap.events <- session.Event{Kind: session.EventTurnEnd, At: time.Now()}
	assert.Eventually(t, func() bool {
		return fsm.State() == StateListening
	}, time.Second, time.Millisecond)

	// A caller utterance end reported through Events() (real VAD path,
	// not the client's explicit "barge_in" text message) must also
	// reach the FSM's transition table and start a turn.
	cap.events <- session.Event{Kind: session.EventUserSpeechEnd, At: time.Now()}
	assert.Eventually(t, func() bool {
		return fsm.State() == StateSpeaking
	}, time.Second, time.Millisecond)
}

func TestDrainEventsBackendErrorClosesCall(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 3))
	b := bandit.New(rand.New(rand.NewPCG(4, 4)), nil)
	gate := deploygate.New(deploygate.DefaultConfig(), b, rng, "v0", nil)
	t.Cleanup(gate.Shutdown)
	store, err := feedback.New(filepath.Join(t.TempDir(), "feedback.ndjson"))
	require.NoError(t, err)

	cap := newEventCapability()
	fsm := New("call-2", "default", gate, SessionFactoryFunc(func(context.Context, bandit.PolicyParameters) (session.Capability, error) {
		return cap, nil
	}), store, reward.DefaultConfig(), nil)

	ctx := context.Background()
	require.NoError(t, fsm.Handle(ctx, EventIncomingCall, nil))
	require.NoError(t, fsm.Handle(ctx, EventCallAnswered, nil))

	cap.events <- session.Event{Kind: session.EventBackendError, At: time.Now()}
	assert.Eventually(t, func() bool {
		return fsm.State() == StateClosing
	}, time.Second, time.Millisecond)
	assert.True(t, cap.closed)
}
