package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/saker-ai/tts-streamer/internal/stream"
	"github.com/saker-ai/tts-streamer/internal/ws"
	"github.com/saker-ai/tts-streamer/pkg/audio"
)

// DefaultSubject carries AudioChunk messages.
const DefaultSubject = "tts.audio"

// AudioChunk is one slice of synthesized PCM16 published by a producer.
// Target names the device; SessionID groups the chunks of one reply.
type AudioChunk struct {
	SessionID  string `json:"session_id"`
	Target     string `json:"target"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Sequence   int    `json:"sequence"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
	// End names the marker closing this chunk: chunk_end after a segment,
	// session_end or session_end_aligned with Final. Empty means session_end
	// on the final chunk and nothing otherwise. The sender only recognises a
	// marker at the tail of a chunk, so a chunk_end followed by more audio
	// before the next tick reaches the device as audio bytes.
	End string `json:"end,omitempty"`
}

// SessionStatus is published on <subject>.status when a bridged session ends.
type SessionStatus struct {
	SessionID       string    `json:"session_id"`
	Target          string    `json:"target"`
	DeviceSessionID string    `json:"device_session_id"`
	Outcome         string    `json:"outcome"`
	Error           string    `json:"error,omitempty"`
	PayloadBytes    int       `json:"payload_bytes"`
	Timestamp       time.Time `json:"timestamp"`
}

// Devices opens device sessions for the bridge.
type Devices interface {
	Open(ctx context.Context, deviceID string, sessionID string) (ws.Reply, *stream.Sender, error)
}

// BridgeOptions configures NewBridge.
type BridgeOptions struct {
	Subject string
	Device  audio.Format
	Opus    audio.OpusOptions
}

type bridgedStream struct {
	producerSession string
	reply           ws.Reply
	sender          *stream.Sender
	transcoder      *audio.Transcoder
	inFormat        audio.Format
	nextSequence    int
}

// Bridge turns AudioChunk messages into device streams, one per target.
type Bridge struct {
	client  *Client
	devices Devices
	opts    BridgeOptions
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	sub     *nats.Subscription
	streams map[string]*bridgedStream
}

// NewBridge creates a bridge that is not yet subscribed.
func NewBridge(parent context.Context, client *Client, devices Devices, opts BridgeOptions, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Subject == "" {
		opts.Subject = DefaultSubject
	}
	ctx, cancel := context.WithCancel(parent)
	return &Bridge{
		client:  client,
		devices: devices,
		opts:    opts,
		logger:  logger.With(zap.String("component", "bus-bridge")),
		ctx:     ctx,
		cancel:  cancel,
		streams: make(map[string]*bridgedStream),
	}
}

// Start subscribes to the audio subject.
func (b *Bridge) Start() error {
	sub, err := b.client.Conn().Subscribe(b.opts.Subject, b.handleMessage)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", b.opts.Subject, err)
	}
	b.mu.Lock()
	b.sub = sub
	b.mu.Unlock()
	b.logger.Info("bus bridge subscribed", zap.String("subject", b.opts.Subject))
	return nil
}

// Close unsubscribes and releases every open transcoder.
func (b *Bridge) Close() {
	b.mu.Lock()
	sub := b.sub
	b.sub = nil
	b.mu.Unlock()
	if sub != nil {
		_ = sub.Drain()
	}
	b.cancel()
	b.wg.Wait()

	b.mu.Lock()
	for target, st := range b.streams {
		st.transcoder.Close()
		delete(b.streams, target)
	}
	b.mu.Unlock()
}

// StatusSubject is where session outcomes are published.
func (b *Bridge) StatusSubject() string {
	return b.opts.Subject + ".status"
}

func (b *Bridge) handleMessage(msg *nats.Msg) {
	var chunk AudioChunk
	if err := json.Unmarshal(msg.Data, &chunk); err != nil {
		b.logger.Warn("failed to decode audio chunk", zap.Error(err))
		return
	}
	if err := b.HandleChunk(chunk); err != nil {
		b.logger.Warn("audio chunk dropped",
			zap.String("target", chunk.Target),
			zap.String("session_id", chunk.SessionID),
			zap.Int("sequence", chunk.Sequence),
			zap.Error(err),
		)
	}
}

// HandleChunk feeds one chunk into its target's stream, opening a device
// session on the first chunk of a producer session.
func (b *Bridge) HandleChunk(chunk AudioChunk) error {
	if chunk.Target == "" {
		return errors.New("chunk has no target")
	}
	endMarker, err := parseEnd(chunk)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.streams[chunk.Target]
	if st != nil && (st.producerSession != chunk.SessionID || isDone(st.reply.Done)) {
		st.transcoder.Close()
		delete(b.streams, chunk.Target)
		st = nil
	}
	if st == nil {
		st, err = b.openLocked(chunk)
		if err != nil {
			return err
		}
	}

	if chunk.Sequence < st.nextSequence {
		return fmt.Errorf("duplicate sequence %d, expected %d", chunk.Sequence, st.nextSequence)
	}
	if chunk.Sequence > st.nextSequence {
		b.logger.Warn("audio chunk gap",
			zap.String("target", chunk.Target),
			zap.Int("expected", st.nextSequence),
			zap.Int("got", chunk.Sequence),
		)
	}
	st.nextSequence = chunk.Sequence + 1

	if len(chunk.PCM) > 0 {
		if format := chunkFormat(chunk); format != st.inFormat {
			return fmt.Errorf("format changed mid-session from %+v to %+v", st.inFormat, format)
		}
		out, err := st.transcoder.Write(chunk.PCM)
		if err != nil {
			st.sender.Cancel(st.reply.Done)
			return fmt.Errorf("transcode: %w", err)
		}
		st.sender.Append(out)
	}

	if endMarker == stream.MarkerNone {
		return nil
	}
	out, err := st.transcoder.Flush()
	if err != nil {
		st.sender.Cancel(st.reply.Done)
		return fmt.Errorf("transcode flush: %w", err)
	}
	st.sender.Append(out)
	st.sender.Append(endMarker.Bytes())
	if endMarker.Terminal() {
		st.transcoder.Close()
		delete(b.streams, chunk.Target)
	}
	return nil
}

func (b *Bridge) openLocked(chunk AudioChunk) (*bridgedStream, error) {
	format := chunkFormat(chunk)
	tc, err := audio.NewTranscoder(format, b.opts.Device, b.opts.Opus)
	if err != nil {
		return nil, fmt.Errorf("transcoder: %w", err)
	}
	reply, sender, err := b.devices.Open(b.ctx, chunk.Target, "")
	if err != nil {
		tc.Close()
		return nil, err
	}
	st := &bridgedStream{
		producerSession: chunk.SessionID,
		reply:           reply,
		sender:          sender,
		transcoder:      tc,
		inFormat:        format,
	}
	b.streams[chunk.Target] = st
	b.logger.Info("bus session opened",
		zap.String("target", chunk.Target),
		zap.String("session_id", chunk.SessionID),
		zap.String("device_session_id", reply.SessionID),
	)

	b.wg.Add(1)
	go b.watch(chunk, reply)
	return st, nil
}

func (b *Bridge) watch(chunk AudioChunk, reply ws.Reply) {
	defer b.wg.Done()
	select {
	case <-reply.Done.Done():
	case <-b.ctx.Done():
		return
	}
	err := reply.Done.Err()
	status := SessionStatus{
		SessionID:       chunk.SessionID,
		Target:          chunk.Target,
		DeviceSessionID: reply.SessionID,
		Outcome:         string(stream.OutcomeOf(err)),
		PayloadBytes:    reply.Done.Stats().PayloadBytes,
		Timestamp:       time.Now().UTC(),
	}
	if err != nil {
		status.Error = err.Error()
	}
	data, err := json.Marshal(status)
	if err != nil {
		return
	}
	if err := b.client.Conn().Publish(b.StatusSubject(), data); err != nil {
		b.logger.Warn("failed to publish session status", zap.Error(err))
	}
}

func parseEnd(chunk AudioChunk) (stream.Marker, error) {
	if chunk.End == "" {
		if chunk.Final {
			return stream.MarkerSessionEnd, nil
		}
		return stream.MarkerNone, nil
	}
	marker, ok := stream.ParseMarkerName(chunk.End)
	if !ok {
		return stream.MarkerNone, fmt.Errorf("unknown end marker %q", chunk.End)
	}
	if marker.Terminal() != chunk.Final {
		return stream.MarkerNone, fmt.Errorf("end marker %q does not match final=%v", chunk.End, chunk.Final)
	}
	return marker, nil
}

func chunkFormat(chunk AudioChunk) audio.Format {
	rate := chunk.SampleRate
	if rate <= 0 {
		rate = 16000
	}
	channels := chunk.Channels
	if channels <= 0 {
		channels = 1
	}
	return audio.Format{Encoding: audio.EncodingPCM16, SampleRate: rate, Channels: channels}
}

func isDone(done *stream.Completion) bool {
	select {
	case <-done.Done():
		return true
	default:
		return false
	}
}
