// Package providersession implements the Provider Session (C7): a
// session.Capability backed by a persistent duplex connection to a
// remote STT/LLM/TTS endpoint, reusing the same wire framing spec.md
// §6 defines for the Gateway's client-facing transport (a 12-byte
// binary audio header plus typed JSON control messages) since the
// spec does not define a distinct provider wire format.
package providersession

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

const (
	wireVersion  = 1
	kindAudio    = 1
	audioHeaderLen = 12
)

// encodeAudioFrame builds the 12-byte header + PCM payload binary
// message: {version:u8, kind:u8, reserved:u16, seq:u32, ts_ms:u32}.
func encodeAudioFrame(seq uint32, tsMillis uint32, pcm []byte) []byte {
	buf := make([]byte, audioHeaderLen+len(pcm))
	buf[0] = wireVersion
	buf[1] = kindAudio
	binary.BigEndian.PutUint16(buf[2:4], 0)
	binary.BigEndian.PutUint32(buf[4:8], seq)
	binary.BigEndian.PutUint32(buf[8:12], tsMillis)
	copy(buf[audioHeaderLen:], pcm)
	return buf
}

// decodeAudioFrame parses a binary audio message back into its
// sequence, timestamp, and PCM payload.
func decodeAudioFrame(msg []byte) (seq uint32, tsMillis uint32, pcm []byte, err error) {
	if len(msg) < audioHeaderLen {
		return 0, 0, nil, fmt.Errorf("providersession: audio frame too short (%d bytes)", len(msg))
	}
	if msg[1] != kindAudio {
		return 0, 0, nil, fmt.Errorf("providersession: unexpected frame kind %d", msg[1])
	}
	seq = binary.BigEndian.Uint32(msg[4:8])
	tsMillis = binary.BigEndian.Uint32(msg[8:12])
	pcm = append([]byte(nil), msg[audioHeaderLen:]...)
	return seq, tsMillis, pcm, nil
}

// controlMessage is the envelope for every non-audio message type
// spec.md §6 enumerates; only Type is read before dispatching to the
// type-specific payload struct.
type controlMessage struct {
	Type string `json:"type"`
}

type helloPayload struct {
	CallID  string `json:"call_id"`
	Profile string `json:"profile"`
}

type textPayload struct {
	Text  string `json:"text"`
	TSMillis int64 `json:"ts_ms"`
}

type turnEndPayload struct {
	TurnID     string             `json:"turn_id"`
	DurationsMs map[string]float64 `json:"durations_ms"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func marshalHello(callID, profile string) ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
		helloPayload
	}{Type: "hello", helloPayload: helloPayload{CallID: callID, Profile: profile}})
}

type speakPayload struct {
	Text string `json:"text"`
}

// marshalSpeak asks the remote endpoint to synthesize and stream back a
// fixed utterance without running its own STT/LLM stage, used for the
// Call FSM's greeting turn.
func marshalSpeak(text string) ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
		speakPayload
	}{Type: "speak", speakPayload: speakPayload{Text: text}})
}

// marshalSpeakingEnd tells the remote endpoint the caller has finished
// their utterance, so it should flush its own STT stage and begin a
// normal LLM/TTS turn.
func marshalSpeakingEnd() ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
	}{Type: "speaking_end"})
}
