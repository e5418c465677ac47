package devicesim

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/saker-ai/tts-streamer/internal/protocol"
	"github.com/saker-ai/tts-streamer/internal/transport/espai/codec"
)

// Device is a simulated speaker.
type Device struct {
	cfg       Config
	logger    *zap.Logger
	callbacks Callbacks

	mu        sync.Mutex
	conn      *websocket.Conn
	closed    bool
	sessionID string
	ttsTaskID string
	buffered  int
	drainedAt time.Time
	stats     Stats

	writeMu sync.Mutex
}

// New creates a device that is not yet connected.
func New(cfg Config, callbacks Callbacks, logger *zap.Logger) *Device {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Device{
		cfg:       normalizeConfig(cfg),
		logger:    logger,
		callbacks: callbacks,
	}
}

// Connect runs the device in the background until ctx ends or Close is called.
func (d *Device) Connect(ctx context.Context) {
	go func() {
		_ = d.Run(ctx)
	}()
}

// Run connects and reconnects with backoff until ctx ends or Close is called.
func (d *Device) Run(ctx context.Context) error {
	delay := time.Second
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.isClosed() {
			return nil
		}
		d.logger.Info("devicesim connecting",
			zap.String("url", d.cfg.URL),
			zap.String("device_id", d.cfg.DeviceID),
		)
		conn, err := d.connectOnce(ctx)
		if err != nil {
			d.reportError(err)
			d.logger.Warn("devicesim connect failed", zap.Error(err))
			if !sleepCtx(ctx, delay) {
				return ctx.Err()
			}
			delay = nextBackoff(delay)
			continue
		}
		delay = time.Second
		if d.callbacks.OnConnected != nil {
			d.callbacks.OnConnected()
		}
		err = d.serve(ctx, conn)
		if d.callbacks.OnDisconnected != nil {
			d.callbacks.OnDisconnected(err)
		}
		if d.isClosed() || ctx.Err() != nil {
			continue
		}
		d.logger.Warn("devicesim connection lost", zap.Error(err))
		if !sleepCtx(ctx, delay) {
			return ctx.Err()
		}
		delay = nextBackoff(delay)
	}
}

// Close disconnects and stops reconnecting.
func (d *Device) Close() {
	d.mu.Lock()
	d.closed = true
	conn := d.conn
	d.conn = nil
	d.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// Stats returns the counters collected so far.
func (d *Device) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// Buffered returns the current playback buffer occupancy.
func (d *Device) Buffered() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.drainLocked(time.Now())
	return d.buffered
}

// SessionID returns the session the device currently accepts audio for.
func (d *Device) SessionID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessionID
}

func (d *Device) connectOnce(ctx context.Context) (*websocket.Conn, error) {
	if d.cfg.URL == "" {
		return nil, errors.New("devicesim url is empty")
	}
	headers := http.Header{}
	headers.Set("Device-Id", d.cfg.DeviceID)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, d.cfg.URL, headers)
	if err != nil {
		return nil, err
	}
	conn.SetPingHandler(func(appData string) error {
		d.writeMu.Lock()
		defer d.writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		_ = conn.Close()
		return nil, errors.New("devicesim closed")
	}
	d.conn = conn
	d.sessionID = ""
	d.ttsTaskID = ""
	d.buffered = 0
	d.drainedAt = time.Now()
	d.mu.Unlock()

	if err := d.sendJSON(conn, protocol.DeviceMessage{Type: protocol.TypeWSConnected}); err != nil {
		_ = conn.Close()
		return nil, err
	}
	d.logger.Info("devicesim connected", zap.String("device_id", d.cfg.DeviceID))
	return conn, nil
}

func (d *Device) serve(ctx context.Context, conn *websocket.Conn) error {
	done := make(chan struct{})
	defer close(done)
	go d.reportLoop(ctx, conn, done)

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	err := d.readLoop(conn)
	d.mu.Lock()
	if d.conn == conn {
		d.conn = nil
	}
	d.mu.Unlock()
	_ = conn.Close()
	return err
}

func (d *Device) reportLoop(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(d.cfg.ReportInterval)
	defer ticker.Stop()
	for {
		if err := d.reportAvailable(conn); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
		}
	}
}

func (d *Device) reportAvailable(conn *websocket.Conn) error {
	d.mu.Lock()
	d.drainLocked(time.Now())
	available := d.buffered
	d.stats.Reports++
	d.mu.Unlock()
	return d.sendJSON(conn, protocol.DeviceMessage{
		Type:           protocol.TypeAvailableAudio,
		AvailableAudio: &available,
	})
}

func (d *Device) readLoop(conn *websocket.Conn) error {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		switch msgType {
		case websocket.TextMessage:
			d.handleTextMessage(conn, data)
		case websocket.BinaryMessage:
			frame, err := codec.Decode(data)
			if err != nil {
				d.reportError(err)
				continue
			}
			d.handleFrame(conn, frame)
		}
	}
}

func (d *Device) handleTextMessage(conn *websocket.Conn, data []byte) {
	if string(data) == protocol.SessionEndText {
		d.mu.Lock()
		d.sessionID = ""
		d.mu.Unlock()
		d.logger.Debug("devicesim session end", zap.String("device_id", d.cfg.DeviceID))
		return
	}
	var msg protocol.ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		d.reportError(err)
		return
	}

	switch msg.Type {
	case protocol.TypeSessionStart:
		d.mu.Lock()
		d.sessionID = msg.SessionID
		d.mu.Unlock()
		if d.callbacks.OnSession != nil {
			d.callbacks.OnSession(msg.SessionID)
		}
	case protocol.TypePlayAudio:
		d.mu.Lock()
		d.ttsTaskID = msg.TTSTaskID
		d.mu.Unlock()
	case protocol.TypeSessionStop:
		d.mu.Lock()
		d.sessionID = ""
		d.buffered = 0
		d.mu.Unlock()
	case protocol.TypeSTCTime:
		_ = d.sendJSON(conn, protocol.DeviceMessage{Type: protocol.TypeCTSTime, STCTime: msg.STCTime})
	case protocol.TypeNetDelay:
		if msg.NetDelay != nil {
			d.logger.Debug("devicesim net delay", zap.Int64("ms", *msg.NetDelay))
		}
	case protocol.TypeError:
		d.reportError(errors.New(msg.Message))
	}
}

func (d *Device) handleFrame(conn *websocket.Conn, frame codec.Frame) {
	d.mu.Lock()
	d.stats.Frames++
	sessionID := d.sessionID
	ttsTaskID := d.ttsTaskID

	switch frame.Kind {
	case codec.KindSessionEndAligned, codec.KindSessionEnd:
		d.stats.Markers++
		d.ttsTaskID = ""
		d.mu.Unlock()
		if d.callbacks.OnMarker != nil {
			d.callbacks.OnMarker(frame.Token)
		}
		// The firmware only acknowledges an aligned end inside a session.
		if frame.Kind == codec.KindSessionEndAligned && sessionID == "" {
			return
		}
		d.acknowledge(conn, frame.Token, ttsTaskID)
		return
	case codec.KindChunkEnd:
		d.stats.ChunkEnds++
		d.ttsTaskID = ""
		d.mu.Unlock()
		if d.callbacks.OnMarker != nil {
			d.callbacks.OnMarker(frame.Token)
		}
		return
	case codec.KindToneCache, codec.KindGreetingCache, codec.KindSleepReplyCache:
		d.stats.CacheBytes += len(frame.Body)
		d.mu.Unlock()
		return
	case codec.KindSessionAudio:
		if frame.Token != sessionID {
			d.stats.DroppedFrames++
			d.mu.Unlock()
			return
		}
	}

	now := time.Now()
	d.drainLocked(now)
	d.buffered += len(frame.Body)
	d.stats.AudioBytes += len(frame.Body)
	d.stats.PeakBuffered = max(d.stats.PeakBuffered, d.buffered)
	if d.cfg.Capacity > 0 && d.buffered > d.cfg.Capacity {
		d.stats.Overflows++
		d.buffered = d.cfg.Capacity
	}
	d.mu.Unlock()

	if d.callbacks.OnAudio != nil {
		d.callbacks.OnAudio(frame.Token, frame.Body)
	}
}

func (d *Device) acknowledge(conn *websocket.Conn, token string, ttsTaskID string) {
	err := d.sendJSON(conn, protocol.DeviceMessage{
		Type:      protocol.TypeAudioOver,
		SessionID: token,
		TTSTaskID: ttsTaskID,
	})
	if err != nil {
		d.reportError(err)
		return
	}
	if d.callbacks.OnPlaybackOver != nil {
		d.callbacks.OnPlaybackOver(token, ttsTaskID)
	}
}

func (d *Device) drainLocked(now time.Time) {
	if d.drainedAt.IsZero() {
		d.drainedAt = now
		return
	}
	elapsed := now.Sub(d.drainedAt)
	drained := int(elapsed.Seconds() * float64(d.cfg.DrainRate))
	if drained <= 0 {
		return
	}
	d.buffered = max(d.buffered-drained, 0)
	d.drainedAt = now
}

func (d *Device) sendJSON(conn *websocket.Conn, msg protocol.DeviceMessage) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteJSON(msg)
}

func (d *Device) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *Device) reportError(err error) {
	if d.callbacks.OnError != nil {
		d.callbacks.OnError(err)
	}
}

func nextBackoff(delay time.Duration) time.Duration {
	if delay >= 30*time.Second {
		return 30 * time.Second
	}
	return delay * 2
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
