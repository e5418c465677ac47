package codec

import (
	"testing"

	"github.com/saker-ai/tts-streamer/internal/stream"
)

func TestPackDecodeSessionAudio(t *testing.T) {
	body := []byte{0x01, 0x02, 0x03, 0x04}
	frame, err := Pack("4821", body)
	if err != nil {
		t.Fatalf("Pack returned error: %v", err)
	}
	if len(frame) != 8 {
		t.Fatalf("frame len=%d, want 8", len(frame))
	}

	got, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode returned error: %v", err)
	}
	if got.Token != "4821" || got.Kind != KindSessionAudio {
		t.Fatalf("token=%q kind=%s, want 4821/session_audio", got.Token, got.Kind)
	}
	if string(got.Body) != string(body) {
		t.Fatalf("body=%v, want %v", got.Body, body)
	}
}

func TestPackRejectsBadToken(t *testing.T) {
	for _, token := range []string{"", "123", "12345"} {
		if _, err := Pack(token, nil); err == nil {
			t.Fatalf("Pack(%q) error=nil, want non-nil", token)
		}
	}
}

func TestDecodeBareMarker(t *testing.T) {
	got, err := Decode(stream.MarkerSessionEnd.Bytes())
	if err != nil {
		t.Fatalf("Decode returned error: %v", err)
	}
	if got.Kind != KindSessionEnd || len(got.Body) != 0 {
		t.Fatalf("kind=%s body=%d, want session_end with empty body", got.Kind, len(got.Body))
	}
	if got.Kind.Marker() != stream.MarkerSessionEnd {
		t.Fatalf("marker=%s, want session_end", got.Kind.Marker())
	}
}

func TestKindOfReservedTokens(t *testing.T) {
	cases := map[string]Kind{
		"0000": KindTone,
		"0001": KindConnected,
		"1000": KindToneCache,
		"1001": KindGreetingCache,
		"1002": KindSleepReplyCache,
		"2000": KindSessionEndAligned,
		"2002": KindChunkEnd,
		"7315": KindSessionAudio,
	}
	for token, want := range cases {
		if got := KindOf(token); got != want {
			t.Fatalf("KindOf(%q)=%s, want %s", token, got, want)
		}
		if IsReserved(token) != (want != KindSessionAudio) {
			t.Fatalf("IsReserved(%q) mismatch", token)
		}
	}
	if KindTone.Marker() != stream.MarkerNone {
		t.Fatal("tone kind mapped to a marker")
	}
}

func TestDecodeShortFrame(t *testing.T) {
	if _, err := Decode([]byte("20")); err == nil {
		t.Fatal("Decode error=nil, want non-nil")
	}
}
