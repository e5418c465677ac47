package tts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/saker-ai/tts-streamer/internal/stream"
	"github.com/saker-ai/tts-streamer/pkg/audio"
)

// Target is the part of a stream sender a speaker drives.
type Target interface {
	DeviceID() string
	Append(p []byte)
	StartSend(sessionID string, onEnd func()) *stream.Completion
	Cancel(done *stream.Completion) bool
}

// SpeakRequest describes one reply to stream to a device.
type SpeakRequest struct {
	SessionID string
	TTSTaskID string
	Text      string
	Voice     string
	// Marker closes the reply; zero means MarkerSessionEnd.
	Marker stream.Marker
	OnEnd  func()
}

// SpeakerOptions configures NewSpeaker.
type SpeakerOptions struct {
	Device  audio.Format
	Opus    audio.OpusOptions
	Timeout time.Duration
	// OnError is called when synthesis or transcoding aborts a reply.
	OnError func(deviceID string, err error)
}

// Speaker feeds synthesized audio into stream senders.
type Speaker struct {
	synth  Synthesizer
	opts   SpeakerOptions
	logger *zap.Logger
}

// NewSpeaker binds a synthesizer to the device output format.
func NewSpeaker(synth Synthesizer, opts SpeakerOptions, logger *zap.Logger) *Speaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 45 * time.Second
	}
	return &Speaker{synth: synth, opts: opts, logger: logger}
}

// Speak arms target for req and streams synthesis into it in the background.
// ctx bounds synthesis, not playback. The returned completion resolves when
// the device side of the session ends.
func (s *Speaker) Speak(ctx context.Context, target Target, req SpeakRequest) *stream.Completion {
	if req.Marker == stream.MarkerNone {
		req.Marker = stream.MarkerSessionEnd
	}
	done := target.StartSend(req.SessionID, req.OnEnd)
	go s.pump(ctx, target, req, done)
	return done
}

func (s *Speaker) pump(parent context.Context, target Target, req SpeakRequest, done *stream.Completion) {
	ctx, cancel := context.WithTimeout(parent, s.opts.Timeout)
	defer cancel()
	go func() {
		select {
		case <-done.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	start := time.Now()
	produced, err := s.produce(ctx, target, req)
	if err != nil {
		if isDone(done) {
			return
		}
		s.logger.Warn("tts reply aborted",
			zap.String("device_id", target.DeviceID()),
			zap.String("session_id", req.SessionID),
			zap.String("tts_task_id", req.TTSTaskID),
			zap.Error(err),
		)
		if s.opts.OnError != nil {
			s.opts.OnError(target.DeviceID(), err)
		}
		target.Cancel(done)
		return
	}
	if isDone(done) {
		return
	}
	target.Append(req.Marker.Bytes())
	s.logger.Info("tts reply queued",
		zap.String("device_id", target.DeviceID()),
		zap.String("session_id", req.SessionID),
		zap.String("tts_task_id", req.TTSTaskID),
		zap.Int("bytes", produced),
		zap.String("marker", req.Marker.String()),
		zap.Duration("synthesis", time.Since(start)),
	)
}

func (s *Speaker) produce(ctx context.Context, target Target, req SpeakRequest) (int, error) {
	chunks, errs := s.synth.Synthesize(ctx, SynthRequest{SessionID: req.SessionID, Text: req.Text, Voice: req.Voice})

	var tc *audio.Transcoder
	defer func() { tc.Close() }()
	produced := 0
	for chunks != nil || errs != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			if len(chunk.PCM) == 0 {
				continue
			}
			if tc == nil {
				var err error
				tc, err = audio.NewTranscoder(audio.Format{
					Encoding:   audio.EncodingPCM16,
					SampleRate: chunk.SampleRate,
					Channels:   chunk.Channels,
				}, s.opts.Device, s.opts.Opus)
				if err != nil {
					return produced, fmt.Errorf("transcoder: %w", err)
				}
			}
			out, err := tc.Write(chunk.PCM)
			if err != nil {
				return produced, fmt.Errorf("transcode chunk %d: %w", chunk.Sequence, err)
			}
			target.Append(out)
			produced += len(out)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				return produced, fmt.Errorf("synthesize: %w", err)
			}
		case <-ctx.Done():
			return produced, ctx.Err()
		}
	}
	if tc != nil {
		out, err := tc.Flush()
		if err != nil {
			return produced, fmt.Errorf("transcode flush: %w", err)
		}
		target.Append(out)
		produced += len(out)
	}
	if produced == 0 {
		return 0, errors.New("synthesizer produced no audio")
	}
	return produced, nil
}

func isDone(done *stream.Completion) bool {
	select {
	case <-done.Done():
		return true
	default:
		return false
	}
}
