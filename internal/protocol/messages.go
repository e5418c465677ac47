package protocol

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/saker-ai/tts-streamer/internal/transport/espai/codec"
)

// Message types exchanged with devices as JSON text frames.
const (
	TypeWSConnected    = "play_audio_ws_conntceed"
	TypeAvailableAudio = "client_available_audio"
	TypeAudioOver      = "client_out_audio_over"
	TypeCTSTime        = "cts_time"

	TypeSTCTime      = "stc_time"
	TypeNetDelay     = "net_delay"
	TypePlayAudio    = "play_audio"
	TypeSessionStart = "session_start"
	TypeSessionStop  = "session_stop"
	TypeError        = "error"
)

// SessionEndText is sent as a bare text frame, not JSON.
const SessionEndText = "session_end"

// DeviceMessage is a command sent from a device to the server.
// The misspelled connect type is what the firmware sends.
type DeviceMessage struct {
	Type           string `json:"type"`
	AvailableAudio *int   `json:"client_available_audio,omitempty"`
	SessionID      string `json:"session_id,omitempty"`
	TTSTaskID      string `json:"tts_task_id,omitempty"`
	STCTime        string `json:"stc_time,omitempty"`
}

// ServerMessage is a command sent from the server to a device.
type ServerMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	TTSTaskID string `json:"tts_task_id,omitempty"`
	STCTime   string `json:"stc_time,omitempty"`
	NetDelay  *int64 `json:"net_delay,omitempty"`
	Message   string `json:"message,omitempty"`
}

// STCTime stamps a latency probe with the current unix milliseconds.
func STCTime(now time.Time) ServerMessage {
	return ServerMessage{Type: TypeSTCTime, STCTime: strconv.FormatInt(now.UnixMilli(), 10)}
}

// NetDelay computes the round trip of an echoed probe and builds the reply.
func NetDelay(stcTime string, now time.Time) (ServerMessage, error) {
	sent, err := strconv.ParseInt(stcTime, 10, 64)
	if err != nil {
		return ServerMessage{}, fmt.Errorf("parse stc_time %q: %w", stcTime, err)
	}
	delay := max(now.UnixMilli()-sent, 0)
	return ServerMessage{Type: TypeNetDelay, NetDelay: &delay}, nil
}

// PlayAudio announces a synthesis task before its audio frames.
func PlayAudio(sessionID string, ttsTaskID string) ServerMessage {
	return ServerMessage{Type: TypePlayAudio, SessionID: sessionID, TTSTaskID: ttsTaskID}
}

// SessionStart tells the device which token its audio frames will carry.
func SessionStart(sessionID string) ServerMessage {
	return ServerMessage{Type: TypeSessionStart, SessionID: sessionID}
}

// SessionStop asks the device to drop the current reply.
func SessionStop() ServerMessage {
	return ServerMessage{Type: TypeSessionStop}
}

// Error wraps a failure for the device.
func Error(message string) ServerMessage {
	return ServerMessage{Type: TypeError, Message: message}
}

// NewTaskID returns a synthesis task id.
func NewTaskID() string {
	return uuid.NewString()
}

// NewSessionID returns a four digit session token that never collides with
// one of the device's reserved tokens.
func NewSessionID() string {
	var raw [8]byte
	for {
		if _, err := rand.Read(raw[:]); err != nil {
			return fallbackSessionID()
		}
		token := fmt.Sprintf("%04d", binary.BigEndian.Uint64(raw[:])%10000)
		if !codec.IsReserved(token) {
			return token
		}
	}
}

func fallbackSessionID() string {
	n := uuid.New().ID()%7000 + 3000
	return strconv.FormatUint(uint64(n), 10)
}
