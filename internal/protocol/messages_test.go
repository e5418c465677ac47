package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/saker-ai/tts-streamer/internal/transport/espai/codec"
)

func TestNewSessionIDAvoidsReservedTokens(t *testing.T) {
	for i := 0; i < 2000; i++ {
		id := NewSessionID()
		if len(id) != 4 {
			t.Fatalf("session id=%q, want 4 chars", id)
		}
		if codec.IsReserved(id) {
			t.Fatalf("session id=%q is reserved", id)
		}
	}
	if id := fallbackSessionID(); len(id) != 4 || codec.IsReserved(id) {
		t.Fatalf("fallback id=%q", id)
	}
}

func TestNetDelay(t *testing.T) {
	sent := time.UnixMilli(1_700_000_000_000)
	probe := STCTime(sent)
	if probe.Type != TypeSTCTime || probe.STCTime != "1700000000000" {
		t.Fatalf("probe=%+v", probe)
	}

	reply, err := NetDelay(probe.STCTime, sent.Add(42*time.Millisecond))
	if err != nil {
		t.Fatalf("NetDelay error: %v", err)
	}
	if reply.NetDelay == nil || *reply.NetDelay != 42 {
		t.Fatalf("net_delay=%v, want 42", reply.NetDelay)
	}

	if _, err := NetDelay("not-a-time", sent); err == nil {
		t.Fatal("NetDelay error=nil, want non-nil")
	}
}

func TestDeviceMessageDecode(t *testing.T) {
	raw := `{"type":"client_available_audio","client_available_audio":18432}`
	var msg DeviceMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if msg.Type != TypeAvailableAudio || msg.AvailableAudio == nil || *msg.AvailableAudio != 18432 {
		t.Fatalf("msg=%+v", msg)
	}
}

func TestPlayAudioEncode(t *testing.T) {
	data, err := json.Marshal(PlayAudio("4821", "task-1"))
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	want := `{"type":"play_audio","session_id":"4821","tts_task_id":"task-1"}`
	if string(data) != want {
		t.Fatalf("json=%s, want %s", data, want)
	}
}
