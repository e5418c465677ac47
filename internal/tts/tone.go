package tts

import (
	"context"
	"math"
	"unicode/utf8"

	"github.com/saker-ai/tts-streamer/pkg/audio"
)

const (
	toneMsPerRune = 60
	toneMinMs     = 300
	toneMaxMs     = 30_000
)

type toneSynth struct {
	sampleRate int
	channels   int
	chunkMs    int
}

// NewToneSynth returns a synthesizer that renders text as a beep whose length
// follows the text length. It stands in for a real engine in demos and tests.
func NewToneSynth(sampleRate, channels, chunkMs int) Synthesizer {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	if channels <= 0 {
		channels = 1
	}
	if chunkMs <= 0 {
		chunkMs = 300
	}
	return &toneSynth{sampleRate: sampleRate, channels: channels, chunkMs: chunkMs}
}

func (s *toneSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)

		totalMs := min(max(utf8.RuneCountInString(req.Text)*toneMsPerRune, toneMinMs), toneMaxMs)
		totalFrames := s.sampleRate * totalMs / 1000
		chunkFrames := s.sampleRate * s.chunkMs / 1000
		freq := toneFrequency(req.Voice)

		for seq, start := 0, 0; start < totalFrames; seq++ {
			end := min(start+chunkFrames, totalFrames)
			samples := make([]int16, 0, (end-start)*s.channels)
			for i := start; i < end; i++ {
				fade := min(1.0, float64(totalFrames-i)/float64(s.sampleRate/50+1))
				v := int16(6000 * fade * math.Sin(2*math.Pi*freq*float64(i)/float64(s.sampleRate)))
				for c := 0; c < s.channels; c++ {
					samples = append(samples, v)
				}
			}
			chunk := SynthChunk{
				SessionID:  req.SessionID,
				Sequence:   seq,
				SampleRate: s.sampleRate,
				Channels:   s.channels,
				PCM:        audio.AppendInt16LE(nil, samples),
				Final:      end == totalFrames,
			}
			select {
			case chunks <- chunk:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
			start = end
		}
	}()
	return chunks, errs
}

func toneFrequency(voice string) float64 {
	switch voice {
	case "low":
		return 220
	case "high":
		return 880
	default:
		return 440
	}
}
