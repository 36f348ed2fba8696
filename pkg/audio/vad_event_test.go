package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"siprec-server/pkg/bus"
	"siprec-server/pkg/session"
)

func loudFrame() bus.Frame {
	pcm := make([]byte, 320)
	for i := 0; i < len(pcm); i += 2 {
		pcm[i] = 0xFF
		pcm[i+1] = 0x7F
	}
	return bus.Frame{PCM: pcm}
}

func silentFrame() bus.Frame {
	return bus.Frame{PCM: make([]byte, 320)}
}

func TestEventVADRequiresSustainedSpeechBeforeSpeakingStart(t *testing.T) {
	v := NewEventVAD(DefaultProcessingConfig())

	for i := 0; i < v.speechHold-1; i++ {
		v.Feed(loudFrame())
		assert.False(t, v.IsSpeaking())
	}

	v.Feed(loudFrame())
	assert.True(t, v.IsSpeaking())

	select {
	case evt := <-v.Events():
		assert.Equal(t, session.EventUserSpeechStart, evt.Kind)
	default:
		t.Fatal("expected a SpeakingStart event")
	}
}

func TestEventVADEmitsSpeakingEndAfterSilenceHold(t *testing.T) {
	v := NewEventVAD(DefaultProcessingConfig())
	for i := 0; i < v.speechHold; i++ {
		v.Feed(loudFrame())
	}
	assert.True(t, v.IsSpeaking())
	drain(v)

	for i := 0; i < v.detector.holdTime+1; i++ {
		v.Feed(silentFrame())
	}
	assert.False(t, v.IsSpeaking())

	var sawEnd bool
	for {
		select {
		case evt := <-v.Events():
			if evt.Kind == session.EventUserSpeechEnd {
				sawEnd = true
			}
			continue
		default:
		}
		break
	}
	assert.True(t, sawEnd)
}

func drain(v *EventVAD) {
	for {
		select {
		case <-v.Events():
			continue
		default:
			return
		}
	}
}
