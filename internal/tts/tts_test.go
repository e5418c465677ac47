package tts

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/saker-ai/tts-streamer/internal/config"
	"github.com/saker-ai/tts-streamer/internal/registry"
	"github.com/saker-ai/tts-streamer/internal/stream"
	"github.com/saker-ai/tts-streamer/pkg/audio"
)

func collect(t *testing.T, synth Synthesizer, req SynthRequest) []SynthChunk {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	chunks, errs := synth.Synthesize(ctx, req)
	var out []SynthChunk
	for chunk := range chunks {
		out = append(out, chunk)
	}
	if err := <-errs; err != nil {
		t.Fatalf("Synthesize error: %v", err)
	}
	return out
}

func TestToneSynthLength(t *testing.T) {
	synth := NewToneSynth(16000, 1, 100)
	chunks := collect(t, synth, SynthRequest{SessionID: "4821", Text: "hello world"})

	total := 0
	for i, chunk := range chunks {
		if chunk.Sequence != i {
			t.Fatalf("chunk %d sequence=%d", i, chunk.Sequence)
		}
		if chunk.Final != (i == len(chunks)-1) {
			t.Fatalf("chunk %d final=%v", i, chunk.Final)
		}
		total += len(chunk.PCM)
	}
	// 11 runes * 60ms = 660ms of 16 kHz mono PCM16.
	if total != 16000*660/1000*2 {
		t.Fatalf("total bytes=%d, want %d", total, 16000*660/1000*2)
	}
	if len(chunks) != 7 {
		t.Fatalf("chunks=%d, want 7", len(chunks))
	}
}

func TestToneSynthCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	chunks, errs := NewToneSynth(16000, 1, 20).Synthesize(ctx, SynthRequest{Text: "a long enough sentence"})
	<-chunks
	cancel()
	for range chunks {
	}
	if err := <-errs; !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v, want context.Canceled", err)
	}
}

func TestExecSynth(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	script := filepath.Join(t.TempDir(), "synth.sh")
	body := "cat >/dev/null\n" +
		"printf '%s\\n' '{\"pcm_base64\":\"AQACAAMA\"}'\n" +
		"printf '%s\\n' '{\"pcm_base64\":\"BAA=\",\"final\":true}'\n"
	if err := os.WriteFile(script, []byte(body), 0o644); err != nil {
		t.Fatalf("write script: %v", err)
	}
	synth, err := NewExecSynth("sh '"+script+"'", 16000, 1)
	if err != nil {
		t.Fatalf("NewExecSynth error: %v", err)
	}
	chunks := collect(t, synth, SynthRequest{SessionID: "4821", Text: "hi"})
	if len(chunks) != 2 {
		t.Fatalf("chunks=%d, want 2", len(chunks))
	}
	if len(chunks[0].PCM) != 6 || len(chunks[1].PCM) != 2 || !chunks[1].Final {
		t.Fatalf("chunks=%+v", chunks)
	}
	if chunks[0].SampleRate != 16000 || chunks[0].SessionID != "4821" {
		t.Fatalf("chunk meta=%+v", chunks[0])
	}
}

func TestExecSynthCommandQuoting(t *testing.T) {
	synth, err := NewExecSynth(`sh -c 'echo "{\"a\":1}"'`, 16000, 1)
	if err != nil {
		t.Fatalf("NewExecSynth error: %v", err)
	}
	args := synth.(*execSynth).cmd
	if len(args) != 3 {
		t.Fatalf("args=%q, want 3", args)
	}
	// Backslashes inside single quotes do not survive parsing.
	if got := args[2]; got != `echo "{"a":1}"` {
		t.Fatalf("args[2]=%q", got)
	}
}

func TestExecSynthCommandFailure(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	synth, err := NewExecSynth(`sh -c 'echo boom >&2; exit 3'`, 16000, 1)
	if err != nil {
		t.Fatalf("NewExecSynth error: %v", err)
	}
	chunks, errs := synth.Synthesize(context.Background(), SynthRequest{Text: "hi"})
	for range chunks {
	}
	if err := <-errs; err == nil {
		t.Fatal("err=nil, want command failure")
	}
}

func TestNewSynthesizerModes(t *testing.T) {
	if _, err := New(config.TTSConfig{Mode: "tone"}); err != nil {
		t.Fatalf("tone mode error: %v", err)
	}
	if _, err := New(config.TTSConfig{Mode: "exec"}); err == nil {
		t.Fatal("exec mode without command error=nil")
	}
	if _, err := New(config.TTSConfig{Mode: "cloud"}); err == nil {
		t.Fatal("unknown mode error=nil")
	}
}

type frameLog struct {
	mu     sync.Mutex
	frames [][]byte
}

func (f *frameLog) Send(frame []byte, done func(error)) {
	f.mu.Lock()
	f.frames = append(f.frames, append([]byte(nil), frame...))
	f.mu.Unlock()
	done(nil)
}

func (f *frameLog) snapshot() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.frames...)
}

func newTestSender(t *testing.T, transport stream.Transport) *stream.Sender {
	t.Helper()
	reg := registry.NewMemory()
	if err := reg.Register(context.Background(), "dev"); err != nil {
		t.Fatalf("Register error: %v", err)
	}
	return stream.NewSender("dev", transport, reg, stream.Options{PollInterval: time.Millisecond}, nil)
}

func TestSpeakerStreamsReply(t *testing.T) {
	log := &frameLog{}
	sender := newTestSender(t, log)
	speaker := NewSpeaker(NewToneSynth(16000, 1, 100), SpeakerOptions{
		Device: audio.Format{Encoding: audio.EncodingPCM16, SampleRate: 16000, Channels: 1},
	}, nil)

	ended := make(chan struct{})
	done := speaker.Speak(context.Background(), sender, SpeakRequest{
		SessionID: "4821",
		Text:      "hello world",
		Marker:    stream.MarkerSessionEndAligned,
		OnEnd:     func() { close(ended) },
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := done.Wait(ctx); err != nil {
		t.Fatalf("Wait error: %v", err)
	}
	<-ended

	frames := log.snapshot()
	if len(frames) < 3 {
		t.Fatalf("frames=%d, want several", len(frames))
	}
	payload := 0
	for _, frame := range frames[:len(frames)-1] {
		if string(frame[:4]) != "4821" {
			t.Fatalf("frame prefix=%q", frame[:4])
		}
		payload += len(frame) - 4
	}
	if payload != 16000*660/1000*2 {
		t.Fatalf("payload=%d, want %d", payload, 16000*660/1000*2)
	}
	if string(frames[len(frames)-1]) != "2000" {
		t.Fatalf("last frame=%q, want 2000", frames[len(frames)-1])
	}
}

type failingSynth struct{}

func (failingSynth) Synthesize(context.Context, SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	close(chunks)
	errs <- errors.New("engine offline")
	close(errs)
	return chunks, errs
}

func TestSpeakerAbortsOnSynthesisError(t *testing.T) {
	sender := newTestSender(t, &frameLog{})
	reported := make(chan error, 1)
	speaker := NewSpeaker(failingSynth{}, SpeakerOptions{
		Device:  audio.Format{Encoding: audio.EncodingPCM16, SampleRate: 16000, Channels: 1},
		OnError: func(_ string, err error) { reported <- err },
	}, nil)

	done := speaker.Speak(context.Background(), sender, SpeakRequest{SessionID: "4821", Text: "hi"})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := done.Wait(ctx); !errors.Is(err, stream.ErrStopped) {
		t.Fatalf("err=%v, want ErrStopped", err)
	}
	select {
	case err := <-reported:
		if err == nil {
			t.Fatal("reported nil error")
		}
	case <-ctx.Done():
		t.Fatal("error callback not called")
	}
}
