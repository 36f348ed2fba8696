package gateway

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

const (
	wireVersion    = 1
	kindAudio      = 1
	audioHeaderLen = 12
)

// decodeAudioFrame parses the 12-byte binary audio header spec.md §6
// defines: {version:u8, kind:u8, reserved:u16, seq:u32, ts_ms:u32}.
func decodeAudioFrame(msg []byte) (seq uint32, tsMillis uint32, pcm []byte, err error) {
	if len(msg) < audioHeaderLen {
		return 0, 0, nil, fmt.Errorf("gateway: audio frame too short (%d bytes)", len(msg))
	}
	if msg[1] != kindAudio {
		return 0, 0, nil, fmt.Errorf("gateway: unexpected frame kind %d", msg[1])
	}
	seq = binary.BigEndian.Uint32(msg[4:8])
	tsMillis = binary.BigEndian.Uint32(msg[8:12])
	pcm = append([]byte(nil), msg[audioHeaderLen:]...)
	return seq, tsMillis, pcm, nil
}

func encodeAudioFrame(seq uint32, tsMillis uint32, pcm []byte) []byte {
	buf := make([]byte, audioHeaderLen+len(pcm))
	buf[0] = wireVersion
	buf[1] = kindAudio
	binary.BigEndian.PutUint32(buf[4:8], seq)
	binary.BigEndian.PutUint32(buf[8:12], tsMillis)
	copy(buf[audioHeaderLen:], pcm)
	return buf
}

type helloMessage struct {
	Type    string `json:"type"`
	CallID  string `json:"call_id"`
	Profile string `json:"profile"`
}

type textEventMessage struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	TSMillis int64 `json:"ts_ms"`
}

type turnEndMessage struct {
	Type        string             `json:"type"`
	TurnID      string             `json:"turn_id"`
	DurationsMs map[string]float64 `json:"durations_ms"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func marshalError(code, message string) []byte {
	b, _ := json.Marshal(errorMessage{Type: "error", Code: code, Message: message})
	return b
}
