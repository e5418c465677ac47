package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/saker-ai/tts-streamer/internal/registry"
)

// Defaults applied to zero Options fields.
const (
	// DefaultMaxChunkSize caps the payload bytes of one frame.
	DefaultMaxChunkSize = 8192
	// DefaultPollInterval spaces ticks while the buffer is empty or the device is absent.
	DefaultPollInterval = 350 * time.Millisecond
	// DefaultGateInterval spaces ticks while the device reports a full playback buffer.
	DefaultGateInterval = 20 * time.Millisecond
	// DefaultMaxIdlePolls is how many empty polls in a row end a session.
	DefaultMaxIdlePolls = 20
	// DefaultSessionToken prefixes frames when StartSend gets an empty session id.
	DefaultSessionToken     = "0000"
	defaultRegistryDeadline = time.Second
)

// Reasons passed to Observer.TickDeferred.
const (
	DeferCongested = "congested"
	DeferAbsent    = "absent"
	DeferStale     = "stale_session"
)

// Transport delivers one binary frame as a single message and calls done
// exactly once when the write finished, possibly before Send returns.
type Transport interface {
	Send(frame []byte, done func(error))
}

// Observer receives sender events. Implementations must not block.
type Observer interface {
	FrameSent(deviceID string, payloadBytes int, marker Marker)
	TickDeferred(deviceID string, reason string)
	SendFailed(deviceID string, err error)
	SessionFinished(deviceID string, outcome Outcome, stats SessionStats)
}

type nopObserver struct{}

func (nopObserver) FrameSent(string, int, Marker)                 {}
func (nopObserver) TickDeferred(string, string)                   {}
func (nopObserver) SendFailed(string, error)                      {}
func (nopObserver) SessionFinished(string, Outcome, SessionStats) {}

// Options tunes a Sender. Zero values take the package defaults.
type Options struct {
	MaxChunkSize      int
	CongestionCeiling int
	PollInterval      time.Duration
	GateInterval      time.Duration
	MaxIdlePolls      int
	DefaultSessionID  string
	RegistryDeadline  time.Duration
	Scheduler         Scheduler
	Observer          Observer
	// OnError receives transport failures, once per failed frame.
	OnError func(err error)
	// OnChunkEnd fires after a CHUNK_END marker frame was written.
	OnChunkEnd func(sessionID string)
}

func (o Options) withDefaults() Options {
	if o.MaxChunkSize <= 0 {
		o.MaxChunkSize = DefaultMaxChunkSize
	}
	if o.CongestionCeiling <= 0 {
		o.CongestionCeiling = DefaultCongestionCeiling
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.GateInterval <= 0 {
		o.GateInterval = DefaultGateInterval
	}
	if o.MaxIdlePolls <= 0 {
		o.MaxIdlePolls = DefaultMaxIdlePolls
	}
	if o.DefaultSessionID == "" {
		o.DefaultSessionID = DefaultSessionToken
	}
	if o.RegistryDeadline <= 0 {
		o.RegistryDeadline = defaultRegistryDeadline
	}
	if o.Scheduler == nil {
		o.Scheduler = ClockScheduler()
	}
	if o.Observer == nil {
		o.Observer = nopObserver{}
	}
	return o
}

// Status is a point-in-time view of a sender.
type Status struct {
	DeviceID     string `json:"device_id"`
	State        State  `json:"state"`
	SessionID    string `json:"session_id,omitempty"`
	Buffered     int    `json:"buffered"`
	IdlePolls    int    `json:"idle_polls"`
	Frames       int    `json:"frames"`
	PayloadBytes int    `json:"payload_bytes"`
}

type session struct {
	id     string
	prefix []byte
	onEnd  func()
	done   *Completion
	idle   int
	stats  SessionStats
}

// Sender paces one device's audio onto its connection. Every tick runs to
// completion, including transport callbacks, before the next is scheduled.
type Sender struct {
	deviceID  string
	transport Transport
	gate      *CongestionGate
	opts      Options
	logger    *zap.Logger
	buffer    *AudioBuffer

	mu      sync.Mutex
	state   State
	gen     uint64
	timer   Timer
	current *session
}

// NewSender creates an idle sender for deviceID.
func NewSender(deviceID string, transport Transport, reader registry.Reader, opts Options, logger *zap.Logger) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.withDefaults()
	return &Sender{
		deviceID:  deviceID,
		transport: transport,
		gate:      NewCongestionGate(reader, opts.CongestionCeiling),
		opts:      opts,
		logger:    logger,
		buffer:    NewAudioBuffer(),
		state:     StateIdle,
	}
}

// DeviceID returns the device this sender serves.
func (s *Sender) DeviceID() string {
	return s.deviceID
}

// Append queues audio bytes. Safe from any goroutine.
func (s *Sender) Append(p []byte) {
	s.buffer.Append(p)
}

// StartSend clears the buffer and arms the loop for sessionID. A session that
// is still running resolves with ErrSuperseded. onEnd runs once, right before
// the returned completion resolves, only when a terminal marker was flushed.
func (s *Sender) StartSend(sessionID string, onEnd func()) *Completion {
	sess := &session{
		id:     sessionID,
		prefix: []byte(s.prefixFor(sessionID)),
		onEnd:  onEnd,
		done:   newCompletion(),
		stats:  SessionStats{SessionID: sessionID, StartedAt: time.Now()},
	}

	s.mu.Lock()
	prev := s.current
	var prevStats SessionStats
	if prev != nil {
		prevStats = prev.stats
	}
	s.cancelLocked()
	dropped := s.buffer.Reset()
	s.current = sess
	s.state = StateArmed
	s.scheduleLocked(s.gen, 0)
	s.mu.Unlock()

	if prev != nil {
		s.finish(prev, ErrSuperseded, prevStats)
	}
	s.logger.Info("stream session armed",
		zap.String("device_id", s.deviceID),
		zap.String("session_id", sessionID),
		zap.Int("dropped_bytes", dropped),
	)
	return sess.done
}

// Stop aborts the current session from any state, clears buffered audio and
// cancels the pending tick. A frame already handed to the transport is not
// recalled. Calling Stop again is a no-op.
func (s *Sender) Stop() {
	s.stop(nil)
}

// Cancel stops the sender only while done belongs to the running session, so
// a producer cannot abort a session that superseded its own.
func (s *Sender) Cancel(done *Completion) bool {
	if done == nil {
		return false
	}
	return s.stop(done)
}

func (s *Sender) stop(only *Completion) bool {
	s.mu.Lock()
	sess := s.current
	if only != nil && (sess == nil || sess.done != only) {
		s.mu.Unlock()
		return false
	}
	var stats SessionStats
	if sess != nil {
		stats = sess.stats
	}
	s.cancelLocked()
	dropped := s.buffer.Reset()
	s.current = nil
	s.state = StateStopped
	s.mu.Unlock()

	if sess == nil {
		return false
	}
	s.logger.Info("stream session stopped",
		zap.String("device_id", s.deviceID),
		zap.String("session_id", sess.id),
		zap.Int("dropped_bytes", dropped),
	)
	s.finish(sess, ErrStopped, stats)
	return true
}

// State returns the current loop state.
func (s *Sender) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns a snapshot for diagnostics.
func (s *Sender) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := Status{
		DeviceID: s.deviceID,
		State:    s.state,
		Buffered: s.buffer.Len(),
	}
	if s.current != nil {
		status.SessionID = s.current.id
		status.IdlePolls = s.current.idle
		status.Frames = s.current.stats.Frames
		status.PayloadBytes = s.current.stats.PayloadBytes
	}
	return status
}

func (s *Sender) tick(gen uint64) {
	s.mu.Lock()
	sess := s.current
	if gen != s.gen || sess == nil {
		s.mu.Unlock()
		return
	}
	s.timer = nil

	if s.buffer.IsEmpty() {
		sess.idle++
		if sess.idle >= s.opts.MaxIdlePolls {
			stats := sess.stats
			s.detachLocked(StateStopped)
			s.mu.Unlock()
			s.logger.Info("stream idle timeout",
				zap.String("device_id", s.deviceID),
				zap.String("session_id", sess.id),
				zap.Int("idle_polls", sess.idle),
			)
			s.finish(sess, ErrIdleTimeout, stats)
			return
		}
		s.state = StatePolling
		s.scheduleLocked(gen, s.opts.PollInterval)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.RegistryDeadline)
	decision, device := s.gate.Check(ctx, s.deviceID)
	cancel()

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	reason := ""
	switch {
	case decision == GateAbsent:
		reason = DeferAbsent
		s.state = StatePolling
		s.scheduleLocked(gen, s.opts.PollInterval)
	case decision == GateCongested:
		reason = DeferCongested
		s.state = StateGated
		s.scheduleLocked(gen, s.opts.GateInterval)
	case staleSession(sess.id, device.SessionID):
		reason = DeferStale
		s.state = StatePolling
		s.scheduleLocked(gen, s.opts.PollInterval)
	}
	if reason != "" {
		s.mu.Unlock()
		s.opts.Observer.TickDeferred(s.deviceID, reason)
		s.logger.Debug("stream tick deferred",
			zap.String("device_id", s.deviceID),
			zap.String("session_id", sess.id),
			zap.String("reason", reason),
			zap.Int("client_available_audio", device.AvailableAudio),
		)
		return
	}

	sess.idle = 0
	chunk := s.buffer.TakeChunk(s.opts.MaxChunkSize)
	s.state = StateSending
	s.mu.Unlock()

	payload, marker, kind := SplitMarker(chunk)
	frame := make([]byte, 0, len(sess.prefix)+len(payload))
	frame = append(frame, sess.prefix...)
	frame = append(frame, payload...)
	s.transport.Send(frame, func(err error) {
		s.afterPayload(gen, sess, len(payload), marker, kind, err)
	})
}

func (s *Sender) afterPayload(gen uint64, sess *session, n int, marker []byte, kind Marker, err error) {
	if err != nil {
		s.reportSendError(sess, err)
	} else {
		s.opts.Observer.FrameSent(s.deviceID, n, MarkerNone)
		s.logger.Debug("stream frame sent",
			zap.String("device_id", s.deviceID),
			zap.String("session_id", sess.id),
			zap.Int("bytes", n),
		)
	}

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	if err == nil {
		sess.stats.Frames++
		sess.stats.PayloadBytes += n
	}
	if kind == MarkerNone {
		s.state = StateArmed
		s.scheduleLocked(gen, s.opts.PollInterval)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	frame := make([]byte, len(marker))
	copy(frame, marker)
	s.transport.Send(frame, func(err error) {
		s.afterMarker(gen, sess, kind, err)
	})
}

func (s *Sender) afterMarker(gen uint64, sess *session, kind Marker, err error) {
	if err != nil {
		s.reportSendError(sess, err)
	} else {
		s.opts.Observer.FrameSent(s.deviceID, 0, kind)
	}

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	if err == nil {
		sess.stats.Frames++
	}
	if !kind.Terminal() {
		sess.stats.ChunkEnds++
		s.state = StateArmed
		s.scheduleLocked(gen, s.opts.PollInterval)
		s.mu.Unlock()
		if s.opts.OnChunkEnd != nil {
			s.opts.OnChunkEnd(sess.id)
		}
		return
	}

	sess.stats.Marker = kind.String()
	stats := sess.stats
	next := StateSessionEnded
	var result error
	if err != nil {
		next = StateStopped
		result = fmt.Errorf("send %s marker: %w", kind, err)
	}
	s.detachLocked(next)
	s.mu.Unlock()

	s.finish(sess, result, stats)
}

// finish is called at most once per session, after it was detached.
func (s *Sender) finish(sess *session, err error, stats SessionStats) {
	stats.EndedAt = time.Now()
	if err == nil && sess.onEnd != nil {
		sess.onEnd()
	}
	if !sess.done.resolve(err, stats) {
		return
	}
	outcome := OutcomeOf(err)
	s.opts.Observer.SessionFinished(s.deviceID, outcome, stats)
	s.logger.Info("stream session finished",
		zap.String("device_id", s.deviceID),
		zap.String("session_id", sess.id),
		zap.String("outcome", string(outcome)),
		zap.Int("frames", stats.Frames),
		zap.Int("payload_bytes", stats.PayloadBytes),
	)
}

func (s *Sender) reportSendError(sess *session, err error) {
	wrapped := fmt.Errorf("send frame to %s: %w", s.deviceID, err)
	s.logger.Warn("stream frame send failed",
		zap.String("device_id", s.deviceID),
		zap.String("session_id", sess.id),
		zap.Error(err),
	)
	s.opts.Observer.SendFailed(s.deviceID, err)
	if s.opts.OnError != nil {
		s.opts.OnError(wrapped)
	}
}

func (s *Sender) scheduleLocked(gen uint64, d time.Duration) {
	s.timer = s.opts.Scheduler.AfterFunc(d, func() {
		s.tick(gen)
	})
}

func (s *Sender) cancelLocked() {
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Sender) detachLocked(state State) {
	s.cancelLocked()
	s.current = nil
	s.state = state
}

func (s *Sender) prefixFor(sessionID string) string {
	if sessionID == "" {
		return s.opts.DefaultSessionID
	}
	return sessionID
}

func staleSession(armed string, current string) bool {
	return armed != "" && current != "" && armed != current
}
