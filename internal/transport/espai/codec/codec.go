package codec

import (
	"errors"
	"fmt"

	"github.com/saker-ai/tts-streamer/internal/stream"
)

// TokenSize is the width of the session token leading every binary frame.
const TokenSize = 4

// Kind classifies a binary frame by its leading token.
type Kind int

const (
	// KindSessionAudio carries audio for the session named by the token.
	KindSessionAudio Kind = iota
	// KindTone carries the prompt tone.
	KindTone
	// KindConnected carries the "service connected" prompt.
	KindConnected
	// KindToneCache fills the device's tone cache.
	KindToneCache
	// KindGreetingCache fills the wake-up greeting cache.
	KindGreetingCache
	// KindSleepReplyCache fills the sleep reply cache.
	KindSleepReplyCache
	// KindSessionEndAligned marks the reply flushed; the device keeps the dialog open.
	KindSessionEndAligned
	// KindSessionEnd marks the reply flushed and the dialog finished.
	KindSessionEnd
	// KindChunkEnd marks one synthesized segment flushed.
	KindChunkEnd
)

var reservedTokens = map[string]Kind{
	"0000": KindTone,
	"0001": KindConnected,
	"1000": KindToneCache,
	"1001": KindGreetingCache,
	"1002": KindSleepReplyCache,
	"2000": KindSessionEndAligned,
	"2001": KindSessionEnd,
	"2002": KindChunkEnd,
}

var kindNames = map[Kind]string{
	KindSessionAudio:      "session_audio",
	KindTone:              "tone",
	KindConnected:         "connected",
	KindToneCache:         "tone_cache",
	KindGreetingCache:     "greeting_cache",
	KindSleepReplyCache:   "sleep_reply_cache",
	KindSessionEndAligned: "session_end_aligned",
	KindSessionEnd:        "session_end",
	KindChunkEnd:          "chunk_end",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Marker maps boundary kinds to their stream marker.
func (k Kind) Marker() stream.Marker {
	switch k {
	case KindSessionEndAligned:
		return stream.MarkerSessionEndAligned
	case KindSessionEnd:
		return stream.MarkerSessionEnd
	case KindChunkEnd:
		return stream.MarkerChunkEnd
	default:
		return stream.MarkerNone
	}
}

var (
	errFrameTooShort = errors.New("espai frame shorter than session token")
	errTokenSize     = fmt.Errorf("espai session token must be %d bytes", TokenSize)
)

// Frame is a decoded binary message.
type Frame struct {
	Token string
	Body  []byte
	Kind  Kind
}

// IsReserved reports whether token has a fixed meaning on the device.
func IsReserved(token string) bool {
	_, ok := reservedTokens[token]
	return ok
}

// KindOf classifies a session token.
func KindOf(token string) Kind {
	if kind, ok := reservedTokens[token]; ok {
		return kind
	}
	return KindSessionAudio
}

// Pack prefixes body with token.
func Pack(token string, body []byte) ([]byte, error) {
	if len(token) != TokenSize {
		return nil, errTokenSize
	}
	frame := make([]byte, 0, TokenSize+len(body))
	frame = append(frame, token...)
	return append(frame, body...), nil
}

// Decode splits a binary message into token and body. Body aliases frame.
func Decode(frame []byte) (Frame, error) {
	if len(frame) < TokenSize {
		return Frame{}, errFrameTooShort
	}
	token := string(frame[:TokenSize])
	return Frame{
		Token: token,
		Body:  frame[TokenSize:],
		Kind:  KindOf(token),
	}, nil
}
