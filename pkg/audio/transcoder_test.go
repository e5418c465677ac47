package audio

import (
	"math"
	"testing"

	"github.com/saker-ai/tts-streamer/pkg/audio/opusx"
)

func sinePCM(rate, channels int, ms int) []byte {
	frames := rate * ms / 1000
	samples := make([]int16, 0, frames*channels)
	for i := 0; i < frames; i++ {
		v := int16(8000 * math.Sin(2*math.Pi*440*float64(i)/float64(rate)))
		for c := 0; c < channels; c++ {
			samples = append(samples, v)
		}
	}
	return AppendInt16LE(nil, samples)
}

func TestTranscoderPassthrough(t *testing.T) {
	format := Format{Encoding: EncodingPCM16, SampleRate: 16000, Channels: 1}
	tc, err := NewTranscoder(format, format, OpusOptions{})
	if err != nil {
		t.Fatalf("NewTranscoder error: %v", err)
	}
	defer tc.Close()

	in := sinePCM(16000, 1, 100)
	out, err := tc.Write(in[:101])
	if err != nil {
		t.Fatalf("Write error: %v", err)
	}
	rest, err := tc.Write(in[101:])
	if err != nil {
		t.Fatalf("Write error: %v", err)
	}
	out = append(out, rest...)
	if len(out) != len(in) {
		t.Fatalf("out len=%d, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Fatalf("byte %d=%d, want %d", i, out[i], in[i])
		}
	}
}

func TestTranscoderDownmix(t *testing.T) {
	tc, err := NewTranscoder(
		Format{SampleRate: 16000, Channels: 2},
		Format{Encoding: EncodingPCM16, SampleRate: 16000, Channels: 1},
		OpusOptions{},
	)
	if err != nil {
		t.Fatalf("NewTranscoder error: %v", err)
	}
	defer tc.Close()

	out, err := tc.Write(AppendInt16LE(nil, []int16{100, 300, -50, -150}))
	if err != nil {
		t.Fatalf("Write error: %v", err)
	}
	got := Int16FromLE(nil, out)
	if len(got) != 2 || got[0] != 200 || got[1] != -100 {
		t.Fatalf("samples=%v, want [200 -100]", got)
	}
}

func TestTranscoderUpmix(t *testing.T) {
	tc, err := NewTranscoder(
		Format{SampleRate: 16000, Channels: 1},
		Format{Encoding: EncodingPCM16, SampleRate: 16000, Channels: 2},
		OpusOptions{},
	)
	if err != nil {
		t.Fatalf("NewTranscoder error: %v", err)
	}
	defer tc.Close()

	out, err := tc.Write(AppendInt16LE(nil, []int16{7, -9}))
	if err != nil {
		t.Fatalf("Write error: %v", err)
	}
	got := Int16FromLE(nil, out)
	want := []int16{7, 7, -9, -9}
	if len(got) != len(want) {
		t.Fatalf("samples=%v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("samples=%v, want %v", got, want)
		}
	}
}

func TestTranscoderResample(t *testing.T) {
	tc, err := NewTranscoder(
		Format{SampleRate: 24000, Channels: 1},
		Format{Encoding: EncodingPCM16, SampleRate: 16000, Channels: 1},
		OpusOptions{},
	)
	if err != nil {
		t.Fatalf("NewTranscoder error: %v", err)
	}
	defer tc.Close()

	out, err := tc.Write(sinePCM(24000, 1, 500))
	if err != nil {
		t.Fatalf("Write error: %v", err)
	}
	tail, err := tc.Flush()
	if err != nil {
		t.Fatalf("Flush error: %v", err)
	}
	samples := (len(out) + len(tail)) / 2
	if samples < 7600 || samples > 8400 {
		t.Fatalf("resampled samples=%d, want about 8000", samples)
	}
}

func TestTranscoderOpusPackets(t *testing.T) {
	out := Format{Encoding: EncodingOpus, SampleRate: 16000, Channels: 1, FrameDuration: 20}
	tc, err := NewTranscoder(Format{SampleRate: 16000, Channels: 1}, out, OpusOptions{Bitrate: 24000, VBR: true})
	if err != nil {
		t.Fatalf("NewTranscoder error: %v", err)
	}
	defer tc.Close()

	data, err := tc.Write(sinePCM(16000, 1, 110))
	if err != nil {
		t.Fatalf("Write error: %v", err)
	}
	tail, err := tc.Flush()
	if err != nil {
		t.Fatalf("Flush error: %v", err)
	}
	data = append(data, tail...)

	packets, rest := SplitOpusPackets(data)
	if len(rest) != 0 {
		t.Fatalf("rest=%d bytes, want 0", len(rest))
	}
	if len(packets) != 6 {
		t.Fatalf("packets=%d, want 6 (5 full + 1 padded)", len(packets))
	}

	dec, err := opusx.NewDecoder(16000, 1)
	if err != nil {
		t.Fatalf("NewDecoder error: %v", err)
	}
	pcm := make([]int16, 320)
	n, err := dec.Decode(packets[2], pcm)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if n != 320 {
		t.Fatalf("decoded samples=%d, want 320", n)
	}
}

func TestSplitOpusPacketsPartial(t *testing.T) {
	data := AppendOpusPacket(nil, []byte{1, 2, 3})
	data = AppendOpusPacket(data, []byte{4, 5})
	packets, rest := SplitOpusPackets(data[:len(data)-1])
	if len(packets) != 1 || len(rest) != 3 {
		t.Fatalf("packets=%d rest=%d, want 1/3", len(packets), len(rest))
	}
}

func TestParseEncoding(t *testing.T) {
	if enc, err := ParseEncoding("pcm"); err != nil || enc != EncodingPCM16 {
		t.Fatalf("enc=%q err=%v", enc, err)
	}
	if _, err := ParseEncoding("mp3"); err == nil {
		t.Fatal("ParseEncoding(mp3) error=nil")
	}
	if _, err := NewTranscoder(Format{SampleRate: 16000, Channels: 1}, Format{Encoding: "mp3", SampleRate: 16000, Channels: 1}, OpusOptions{}); err == nil {
		t.Fatal("NewTranscoder accepted mp3")
	}
}
