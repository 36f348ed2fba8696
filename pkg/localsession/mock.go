package localsession

import (
	"context"
	"fmt"
	"strings"

	"siprec-server/pkg/bandit"
	"siprec-server/pkg/bus"
)

// MockSTT is a stub speech-to-text adapter: it accumulates a frame
// count and returns a canned transcript on Flush, grounded on the
// teacher's pkg/stt/mock.go cycling-canned-string idiom. Real acoustic
// models are out of scope; this exists so the pipeline is fully
// exercisable end to end.
type MockSTT struct {
	frameCount int
	utterance  int
}

var mockTranscripts = []string{
	"I need help resetting my password.",
	"Can you tell me my account balance?",
	"I'd like to speak to a human agent.",
	"That resolved my issue, thank you.",
}

// NewMockSTT returns a MockSTT ready for use.
func NewMockSTT() *MockSTT { return &MockSTT{} }

// PushFrame counts inbound frames and periodically surfaces a partial
// transcript from the current canned utterance.
func (m *MockSTT) PushFrame(f bus.Frame) (string, error) {
	m.frameCount++
	transcript := mockTranscripts[m.utterance%len(mockTranscripts)]
	words := strings.Fields(transcript)
	// Emit a growing partial roughly every 10 frames (200ms).
	if m.frameCount%10 == 0 && m.frameCount/10 <= len(words) {
		return strings.Join(words[:m.frameCount/10], " "), nil
	}
	return "", nil
}

// Flush returns the current canned utterance and advances to the next
// one, resetting the frame counter for the next turn.
func (m *MockSTT) Flush() (string, error) {
	transcript := mockTranscripts[m.utterance%len(mockTranscripts)]
	m.utterance++
	m.frameCount = 0
	return transcript, nil
}

// MockLLM streams back a canned reply, one word per token: the policy
// greeting, "Understood:", then the transcript echoed verbatim (real
// language models are out of scope).
type MockLLM struct{}

// NewMockLLM returns a MockLLM ready for use.
func NewMockLLM() *MockLLM { return &MockLLM{} }

// Generate returns a token channel that yields a canned reply's words
// and closes; the caller drives pacing via TTS, not here.
func (m *MockLLM) Generate(ctx context.Context, transcript string, policy bandit.PolicyParameters) (<-chan string, error) {
	reply := fmt.Sprintf("%s Understood: %s", policy.Greeting, transcript)
	words := strings.Fields(reply)
	out := make(chan string, len(words))
	for _, w := range words {
		out <- w
	}
	close(out)
	return out, nil
}

// MockTTS turns each token into one silent 20ms PCM frame, grounded on
// bus.FrameBytes for the payload size. Real speech synthesis is out of
// scope; this exists to exercise pacing and barge-in behavior.
type MockTTS struct{}

// NewMockTTS returns a MockTTS ready for use.
func NewMockTTS() *MockTTS { return &MockTTS{} }

// Synthesize emits one frame per token on the returned channel, then
// closes it once tokens is drained or ctx is canceled.
func (m *MockTTS) Synthesize(ctx context.Context, tokens <-chan string) (<-chan bus.Frame, error) {
	out := make(chan bus.Frame, 8)
	go func() {
		defer close(out)
		var seq uint64
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-tokens:
				if !ok {
					return
				}
				seq++
				frame := bus.Frame{Seq: seq, PCM: make([]byte, bus.FrameBytes)}
				select {
				case out <- frame:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
