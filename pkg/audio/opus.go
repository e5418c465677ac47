package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/saker-ai/tts-streamer/pkg/audio/opusx"
)

// OpusPacketHeaderSize is the big-endian length prefix written before each
// packet so packets survive arbitrary chunking of the byte stream.
const OpusPacketHeaderSize = 2

const maxOpusPacket = 4000

// OpusOptions tunes encoders created by NewOpusEncoder.
type OpusOptions struct {
	Bitrate        int    `mapstructure:"bitrate"`
	Complexity     int    `mapstructure:"complexity"`
	VBR            bool   `mapstructure:"vbr"`
	VBRConstraint  bool   `mapstructure:"vbr_constraint"`
	FEC            bool   `mapstructure:"fec"`
	DTX            bool   `mapstructure:"dtx"`
	PacketLossPerc int    `mapstructure:"packet_loss_perc"`
	MaxBandwidth   string `mapstructure:"max_bandwidth"`
}

func (o OpusOptions) apply(enc *opusx.Encoder) error {
	if o.Bitrate > 0 {
		if err := enc.SetBitrate(o.Bitrate); err != nil {
			return fmt.Errorf("set bitrate %d: %w", o.Bitrate, err)
		}
	}
	if o.Complexity > 0 {
		if err := enc.SetComplexity(o.Complexity); err != nil {
			return fmt.Errorf("set complexity %d: %w", o.Complexity, err)
		}
	}
	if err := enc.SetVBR(o.VBR); err != nil {
		return fmt.Errorf("set vbr: %w", err)
	}
	if err := enc.SetVBRConstraint(o.VBRConstraint); err != nil {
		return fmt.Errorf("set vbr constraint: %w", err)
	}
	if err := enc.SetInBandFEC(o.FEC); err != nil {
		return fmt.Errorf("set fec: %w", err)
	}
	if err := enc.SetDTX(o.DTX); err != nil {
		return fmt.Errorf("set dtx: %w", err)
	}
	if o.PacketLossPerc > 0 {
		if err := enc.SetPacketLossPerc(o.PacketLossPerc); err != nil {
			return fmt.Errorf("set packet loss: %w", err)
		}
	}
	if bw, ok := parseOpusBandwidth(o.MaxBandwidth); ok {
		if err := enc.SetMaxBandwidth(bw); err != nil {
			return fmt.Errorf("set max bandwidth: %w", err)
		}
	}
	return nil
}

func parseOpusBandwidth(v string) (opusx.Bandwidth, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "narrowband", "nb":
		return opusx.Narrowband, true
	case "mediumband", "mb":
		return opusx.Mediumband, true
	case "wideband", "wb":
		return opusx.Wideband, true
	case "superwideband", "swb":
		return opusx.SuperWideband, true
	case "fullband", "fb":
		return opusx.Fullband, true
	default:
		return 0, false
	}
}

// OpusBackend names the compiled opus implementation.
func OpusBackend() string {
	return opusx.Backend()
}

type opusKey struct {
	sampleRate int
	channels   int
}

var opusEncoderPools sync.Map

func opusPool(key opusKey) *sync.Pool {
	if pool, ok := opusEncoderPools.Load(key); ok {
		return pool.(*sync.Pool)
	}
	actual, _ := opusEncoderPools.LoadOrStore(key, &sync.Pool{})
	return actual.(*sync.Pool)
}

func acquireRawOpusEncoder(key opusKey) (*opusx.Encoder, error) {
	if v := opusPool(key).Get(); v != nil {
		if enc, ok := v.(*opusx.Encoder); ok && enc != nil {
			return enc, nil
		}
	}
	return opusx.NewEncoder(key.sampleRate, key.channels, opusx.AppVoIP)
}

func releaseRawOpusEncoder(key opusKey, enc *opusx.Encoder) {
	if enc == nil {
		return
	}
	if err := enc.Reset(); err != nil {
		return
	}
	opusPool(key).Put(enc)
}

// OpusEncoder encodes fixed-duration PCM16 frames.
type OpusEncoder struct {
	mu            sync.Mutex
	key           opusKey
	encoder       *opusx.Encoder
	frameDuration int
	frameSamples  int
	scratch       []byte
	padded        []int16
}

// NewOpusEncoder creates an encoder for frames of frameDurationMs.
func NewOpusEncoder(sampleRate, channels, frameDurationMs int, opts OpusOptions) (*OpusEncoder, error) {
	if frameDurationMs <= 0 {
		return nil, errors.New("opus frame duration must be positive")
	}
	key := opusKey{sampleRate: sampleRate, channels: channels}
	enc, err := acquireRawOpusEncoder(key)
	if err != nil {
		return nil, fmt.Errorf("create opus encoder: %w", err)
	}
	if err := opts.apply(enc); err != nil {
		releaseRawOpusEncoder(key, enc)
		return nil, err
	}
	return &OpusEncoder{
		key:           key,
		encoder:       enc,
		frameDuration: frameDurationMs,
		frameSamples:  sampleRate * frameDurationMs / 1000 * channels,
		scratch:       make([]byte, maxOpusPacket),
	}, nil
}

// FrameSamples is the interleaved sample count of one frame.
func (e *OpusEncoder) FrameSamples() int {
	return e.frameSamples
}

// Encode compresses one frame. Short input is zero padded, long input truncated.
func (e *OpusEncoder) Encode(samples []int16) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.encoder == nil {
		return nil, errors.New("opus encoder closed")
	}

	frame := samples
	if len(frame) > e.frameSamples {
		frame = frame[:e.frameSamples]
	} else if len(frame) < e.frameSamples {
		e.padded = resize(e.padded, e.frameSamples)
		n := copy(e.padded, frame)
		clear(e.padded[n:])
		frame = e.padded
	}

	n, err := e.encoder.Encode(frame, e.scratch)
	if err != nil {
		return nil, fmt.Errorf("opus encode: %w", err)
	}
	out := make([]byte, n)
	copy(out, e.scratch[:n])
	return out, nil
}

// Close returns the underlying encoder to its pool.
func (e *OpusEncoder) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	releaseRawOpusEncoder(e.key, e.encoder)
	e.encoder = nil
}

// AppendOpusPacket appends packet with its length prefix.
func AppendOpusPacket(dst []byte, packet []byte) []byte {
	var head [OpusPacketHeaderSize]byte
	binary.BigEndian.PutUint16(head[:], uint16(len(packet)))
	dst = append(dst, head[:]...)
	return append(dst, packet...)
}

// SplitOpusPackets extracts complete length-prefixed packets from data and
// returns the unconsumed tail.
func SplitOpusPackets(data []byte) (packets [][]byte, rest []byte) {
	for len(data) >= OpusPacketHeaderSize {
		size := int(binary.BigEndian.Uint16(data[:OpusPacketHeaderSize]))
		if len(data) < OpusPacketHeaderSize+size {
			break
		}
		packets = append(packets, data[OpusPacketHeaderSize:OpusPacketHeaderSize+size])
		data = data[OpusPacketHeaderSize+size:]
	}
	return packets, data
}
