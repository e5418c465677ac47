package audio

import (
	"errors"
	"fmt"
)

// Encodings a device can be configured for.
const (
	EncodingPCM16 = "pcm16"
	EncodingOpus  = "opus"
)

// Format describes a PCM16 source or a device sink.
type Format struct {
	Encoding      string
	SampleRate    int
	Channels      int
	FrameDuration int // ms, opus only
}

func (f Format) validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("sample rate %d must be positive", f.SampleRate)
	}
	if f.Channels < 1 || f.Channels > 2 {
		return fmt.Errorf("channels %d must be 1 or 2", f.Channels)
	}
	return nil
}

// Transcoder turns synthesizer PCM16 into the byte stream a device plays:
// channel conversion, sample rate conversion, then raw PCM16 or
// length-prefixed opus packets.
type Transcoder struct {
	in      Format
	out     Format
	mono    bool
	carry   []byte
	samples []int16
	work    []int16
	pending []int16

	resampler *Resampler
	opus      *OpusEncoder
}

// NewTranscoder validates both formats and prepares the pipeline.
func NewTranscoder(in, out Format, opts OpusOptions) (*Transcoder, error) {
	if err := in.validate(); err != nil {
		return nil, fmt.Errorf("source format: %w", err)
	}
	if err := out.validate(); err != nil {
		return nil, fmt.Errorf("device format: %w", err)
	}
	t := &Transcoder{
		in:   in,
		out:  out,
		mono: in.Channels != out.Channels || in.SampleRate != out.SampleRate,
	}
	if in.SampleRate != out.SampleRate {
		r, err := NewResampler(in.SampleRate, out.SampleRate)
		if err != nil {
			return nil, fmt.Errorf("create resampler: %w", err)
		}
		t.resampler = r
	}
	switch out.Encoding {
	case "", EncodingPCM16:
	case EncodingOpus:
		enc, err := NewOpusEncoder(out.SampleRate, out.Channels, out.FrameDuration, opts)
		if err != nil {
			t.Close()
			return nil, err
		}
		t.opus = enc
	default:
		t.Close()
		return nil, fmt.Errorf("unsupported device encoding %q", out.Encoding)
	}
	return t, nil
}

// Write converts pcm and returns whatever device bytes are ready.
func (t *Transcoder) Write(pcm []byte) ([]byte, error) {
	if len(t.carry) > 0 {
		pcm = append(t.carry, pcm...)
		t.carry = nil
	}
	if len(pcm)%2 == 1 {
		t.carry = []byte{pcm[len(pcm)-1]}
		pcm = pcm[:len(pcm)-1]
	}
	t.samples = Int16FromLE(t.samples, pcm)

	samples := t.samples
	if t.mono {
		t.work = DownmixInto(t.work, samples, t.in.Channels)
		samples = t.work
	}
	if t.resampler != nil {
		if err := t.resampler.Write(samples); err != nil {
			return nil, fmt.Errorf("resample: %w", err)
		}
		t.pending = t.resampler.ReadAll(t.pending)
	} else {
		t.pending = append(t.pending, samples...)
	}
	return t.emit(false)
}

// Flush drains filter state and pads the last opus frame.
func (t *Transcoder) Flush() ([]byte, error) {
	if t.resampler != nil {
		if err := t.resampler.Flush(); err != nil {
			return nil, fmt.Errorf("resample flush: %w", err)
		}
		t.pending = t.resampler.ReadAll(t.pending)
	}
	t.carry = nil
	return t.emit(true)
}

func (t *Transcoder) emit(final bool) ([]byte, error) {
	if len(t.pending) == 0 {
		return nil, nil
	}
	channels := 1
	if !t.mono {
		channels = t.in.Channels
	}

	if t.opus == nil {
		samples := t.pending
		if t.mono && t.out.Channels > 1 {
			t.work = UpmixInto(t.work, t.pending, t.out.Channels)
			samples = t.work
		}
		out := AppendInt16LE(make([]byte, 0, len(samples)*2), samples)
		t.pending = t.pending[:0]
		return out, nil
	}

	frame := t.opus.FrameSamples() / t.out.Channels * channels
	var out []byte
	for len(t.pending) >= frame || (final && len(t.pending) > 0) {
		n := min(frame, len(t.pending))
		samples := t.pending[:n]
		if t.mono && t.out.Channels > 1 {
			t.work = UpmixInto(t.work, samples, t.out.Channels)
			samples = t.work
		}
		packet, err := t.opus.Encode(samples)
		if err != nil {
			return out, err
		}
		out = AppendOpusPacket(out, packet)
		t.pending = t.pending[n:]
	}
	if len(t.pending) == 0 {
		t.pending = nil
	}
	return out, nil
}

// Close releases pooled resampler and encoder state.
func (t *Transcoder) Close() {
	if t == nil {
		return
	}
	if t.resampler != nil {
		t.resampler.Close()
		t.resampler = nil
	}
	if t.opus != nil {
		t.opus.Close()
		t.opus = nil
	}
}

// ErrUnsupportedEncoding is returned by ParseEncoding.
var ErrUnsupportedEncoding = errors.New("unsupported encoding")

// ParseEncoding normalizes a configured encoding name.
func ParseEncoding(name string) (string, error) {
	switch name {
	case "", EncodingPCM16, "pcm":
		return EncodingPCM16, nil
	case EncodingOpus:
		return EncodingOpus, nil
	default:
		return "", fmt.Errorf("%q: %w", name, ErrUnsupportedEncoding)
	}
}
