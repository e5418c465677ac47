package ws

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	appconfig "github.com/saker-ai/tts-streamer/internal/config"
	"github.com/saker-ai/tts-streamer/internal/metrics"
	"github.com/saker-ai/tts-streamer/internal/protocol"
	"github.com/saker-ai/tts-streamer/internal/registry"
	"github.com/saker-ai/tts-streamer/internal/storage"
	"github.com/saker-ai/tts-streamer/internal/stream"
	"github.com/saker-ai/tts-streamer/internal/transport/espai/codec"
	"github.com/saker-ai/tts-streamer/internal/tts"
)

var (
	// ErrDeviceNotFound is returned for a device without a live connection.
	ErrDeviceNotFound = errors.New("device not connected")
	// ErrEmptyText is returned when a speak request carries no text.
	ErrEmptyText = errors.New("text is empty")
	// ErrInvalidSession is returned for a session token the firmware cannot carry.
	ErrInvalidSession = errors.New("session id must be 4 bytes and not reserved")
	// ErrNoSpeaker is returned by Speak when no synthesizer is wired.
	ErrNoSpeaker = errors.New("tts speaker not configured")
)

const journalDeadline = 5 * time.Second

// HubOptions wires the collaborators shared by every device connection.
type HubOptions struct {
	Stream   appconfig.StreamConfig
	Profiles map[string]appconfig.DeviceProfile
	Registry registry.Registry
	Speaker  *tts.Speaker
	Journal  *storage.Journal
	Metrics  *metrics.Metrics
	Voice    string
}

// Device is one live device connection and the sender that feeds it.
type Device struct {
	id          string
	conn        *deviceConn
	sender      *stream.Sender
	connectedAt time.Time

	mu        sync.Mutex
	lastError string
}

// ID returns the device id.
func (d *Device) ID() string {
	return d.id
}

// Sender returns the device's stream sender.
func (d *Device) Sender() *stream.Sender {
	return d.sender
}

func (d *Device) setError(err error) {
	d.mu.Lock()
	d.lastError = err.Error()
	d.mu.Unlock()
}

// DeviceInfo is a diagnostic view of one connected device.
type DeviceInfo struct {
	DeviceID       string        `json:"device_id"`
	ConnectedAt    time.Time     `json:"connected_at"`
	AvailableAudio int           `json:"client_available_audio"`
	SessionID      string        `json:"session_id,omitempty"`
	TTSTaskID      string        `json:"tts_task_id,omitempty"`
	Stream         stream.Status `json:"stream"`
	LastError      string        `json:"last_error,omitempty"`
}

// SpeakParams describes one reply requested through the API or the bus.
type SpeakParams struct {
	Text      string
	Voice     string
	SessionID string
	Marker    stream.Marker
}

// Reply identifies a session armed on a device.
type Reply struct {
	DeviceID  string             `json:"device_id"`
	SessionID string             `json:"session_id"`
	TTSTaskID string             `json:"tts_task_id"`
	Done      *stream.Completion `json:"-"`
}

// Hub tracks connected devices by id. A newer connection for the same id
// replaces the older one.
type Hub struct {
	opts   HubOptions
	logger *zap.Logger

	mu      sync.Mutex
	devices map[string]*Device
	tracked sync.WaitGroup
}

// NewHub creates an empty hub. A nil registry falls back to an in-memory one.
func NewHub(opts HubOptions, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Registry == nil {
		opts.Registry = registry.NewMemory()
	}
	return &Hub{
		opts:    opts,
		logger:  logger,
		devices: make(map[string]*Device),
	}
}

// Registry returns the registry devices report their occupancy to.
func (h *Hub) Registry() registry.Registry {
	return h.opts.Registry
}

func (h *Hub) attach(ctx context.Context, conn *deviceConn) (*Device, error) {
	if err := h.opts.Registry.Register(ctx, conn.deviceID); err != nil {
		return nil, fmt.Errorf("register device %s: %w", conn.deviceID, err)
	}
	dev := &Device{id: conn.deviceID, conn: conn, connectedAt: time.Now()}
	dev.sender = stream.NewSender(dev.id, conn, h.opts.Registry, h.senderOptions(dev), h.logger)

	h.mu.Lock()
	prev := h.devices[dev.id]
	h.devices[dev.id] = dev
	h.mu.Unlock()

	if prev != nil {
		h.logger.Info("device connection replaced", zap.String("device_id", dev.id))
		prev.sender.Stop()
		prev.conn.close(websocket.ClosePolicyViolation, "replaced by a newer connection")
	}
	if h.opts.Metrics != nil {
		h.opts.Metrics.DeviceConnected()
	}
	return dev, nil
}

func (h *Hub) detach(dev *Device) {
	h.mu.Lock()
	current := h.devices[dev.id] == dev
	if current {
		delete(h.devices, dev.id)
	}
	h.mu.Unlock()

	dev.sender.Stop()
	if current {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := h.opts.Registry.Remove(ctx, dev.id); err != nil {
			h.logger.Warn("registry remove failed", zap.String("device_id", dev.id), zap.Error(err))
		}
		cancel()
	}
	if h.opts.Metrics != nil {
		h.opts.Metrics.DeviceDisconnected()
	}
}

func (h *Hub) senderOptions(dev *Device) stream.Options {
	cfg := h.opts.Stream
	if profile, ok := h.opts.Profiles[dev.id]; ok {
		cfg = cfg.WithProfile(profile)
	}
	opts := stream.Options{
		MaxChunkSize:      cfg.MaxChunkSize,
		CongestionCeiling: cfg.CongestionCeiling,
		PollInterval:      cfg.PollInterval,
		GateInterval:      cfg.GateInterval,
		MaxIdlePolls:      cfg.MaxIdlePolls,
		DefaultSessionID:  cfg.DefaultSessionID,
		OnError:           dev.setError,
		OnChunkEnd: func(sessionID string) {
			h.logger.Debug("tts chunk flushed",
				zap.String("device_id", dev.id),
				zap.String("session_id", sessionID),
			)
		},
	}
	if h.opts.Metrics != nil {
		opts.Observer = h.opts.Metrics
	}
	return opts
}

// Device returns the live connection for id.
func (h *Hub) Device(id string) (*Device, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	dev, ok := h.devices[id]
	return dev, ok
}

// List returns every connected device ordered by id.
func (h *Hub) List(ctx context.Context) []DeviceInfo {
	h.mu.Lock()
	devices := make([]*Device, 0, len(h.devices))
	for _, dev := range h.devices {
		devices = append(devices, dev)
	}
	h.mu.Unlock()

	sort.Slice(devices, func(i, j int) bool { return devices[i].id < devices[j].id })
	infos := make([]DeviceInfo, 0, len(devices))
	for _, dev := range devices {
		infos = append(infos, h.info(ctx, dev))
	}
	return infos
}

// Info returns the diagnostic view of one device.
func (h *Hub) Info(ctx context.Context, id string) (DeviceInfo, error) {
	dev, ok := h.Device(id)
	if !ok {
		return DeviceInfo{}, ErrDeviceNotFound
	}
	return h.info(ctx, dev), nil
}

func (h *Hub) info(ctx context.Context, dev *Device) DeviceInfo {
	info := DeviceInfo{
		DeviceID:    dev.id,
		ConnectedAt: dev.connectedAt,
		Stream:      dev.sender.Status(),
	}
	if state, ok := h.opts.Registry.Lookup(ctx, dev.id); ok {
		info.AvailableAudio = state.AvailableAudio
		info.SessionID = state.SessionID
		info.TTSTaskID = state.TTSTaskID
	}
	dev.mu.Lock()
	info.LastError = dev.lastError
	dev.mu.Unlock()
	return info
}

// Speak synthesizes params.Text and streams it to deviceID. ctx bounds
// synthesis only; playback is observed through Reply.Done.
func (h *Hub) Speak(ctx context.Context, deviceID string, params SpeakParams) (Reply, error) {
	if strings.TrimSpace(params.Text) == "" {
		return Reply{}, ErrEmptyText
	}
	if h.opts.Speaker == nil {
		return Reply{}, ErrNoSpeaker
	}
	dev, reply, err := h.announce(ctx, deviceID, params.SessionID)
	if err != nil {
		return Reply{}, err
	}
	voice := params.Voice
	if voice == "" {
		voice = h.opts.Voice
	}
	reply.Done = h.opts.Speaker.Speak(ctx, dev.sender, tts.SpeakRequest{
		SessionID: reply.SessionID,
		TTSTaskID: reply.TTSTaskID,
		Text:      params.Text,
		Voice:     voice,
		Marker:    params.Marker,
	})
	h.track(dev, reply)
	return reply, nil
}

// Open announces a new session on deviceID and arms its sender for audio an
// external producer appends.
func (h *Hub) Open(ctx context.Context, deviceID string, sessionID string) (Reply, *stream.Sender, error) {
	dev, reply, err := h.announce(ctx, deviceID, sessionID)
	if err != nil {
		return Reply{}, nil, err
	}
	reply.Done = dev.sender.StartSend(reply.SessionID, nil)
	h.track(dev, reply)
	return reply, dev.sender, nil
}

// Stop aborts whatever deviceID is playing and tells the device to drop it.
func (h *Hub) Stop(ctx context.Context, deviceID string) error {
	dev, ok := h.Device(deviceID)
	if !ok {
		return ErrDeviceNotFound
	}
	dev.sender.Stop()
	if err := h.opts.Registry.SetSession(ctx, dev.id, "", ""); err != nil && !errors.Is(err, registry.ErrNotFound) {
		return fmt.Errorf("clear session: %w", err)
	}
	if err := dev.conn.sendJSON(protocol.SessionStop()); err != nil {
		return err
	}
	return dev.conn.sendText(protocol.SessionEndText)
}

// Close stops every sender and waits for pending journal writes.
func (h *Hub) Close() {
	h.mu.Lock()
	devices := make([]*Device, 0, len(h.devices))
	for _, dev := range h.devices {
		devices = append(devices, dev)
	}
	h.mu.Unlock()
	for _, dev := range devices {
		dev.sender.Stop()
		dev.conn.close(websocket.CloseGoingAway, "server shutting down")
	}
	h.tracked.Wait()
}

func (h *Hub) announce(ctx context.Context, deviceID string, sessionID string) (*Device, Reply, error) {
	dev, ok := h.Device(deviceID)
	if !ok {
		return nil, Reply{}, ErrDeviceNotFound
	}
	if sessionID == "" {
		sessionID = protocol.NewSessionID()
	} else if len(sessionID) != codec.TokenSize || codec.IsReserved(sessionID) {
		return nil, Reply{}, ErrInvalidSession
	}
	reply := Reply{DeviceID: dev.id, SessionID: sessionID, TTSTaskID: protocol.NewTaskID()}

	if err := h.opts.Registry.SetSession(ctx, dev.id, reply.SessionID, reply.TTSTaskID); err != nil {
		return nil, Reply{}, fmt.Errorf("bind session: %w", err)
	}
	if err := dev.conn.sendJSON(protocol.SessionStart(reply.SessionID)); err != nil {
		return nil, Reply{}, fmt.Errorf("announce session: %w", err)
	}
	if err := dev.conn.sendJSON(protocol.PlayAudio(reply.SessionID, reply.TTSTaskID)); err != nil {
		return nil, Reply{}, fmt.Errorf("announce tts task: %w", err)
	}
	h.logger.Info("device session announced",
		zap.String("device_id", dev.id),
		zap.String("session_id", reply.SessionID),
		zap.String("tts_task_id", reply.TTSTaskID),
	)
	return dev, reply, nil
}

func (h *Hub) track(dev *Device, reply Reply) {
	h.tracked.Add(1)
	go func() {
		defer h.tracked.Done()
		<-reply.Done.Done()
		err := reply.Done.Err()
		stats := reply.Done.Stats()
		rec := storage.SessionRecord{
			DeviceID:     dev.id,
			SessionID:    reply.SessionID,
			TTSTaskID:    reply.TTSTaskID,
			Outcome:      string(stream.OutcomeOf(err)),
			Marker:       stats.Marker,
			Frames:       stats.Frames,
			PayloadBytes: stats.PayloadBytes,
			ChunkEnds:    stats.ChunkEnds,
			StartedAt:    stats.StartedAt,
			EndedAt:      stats.EndedAt,
		}
		if err != nil {
			rec.Error = err.Error()
		}
		ctx, cancel := context.WithTimeout(context.Background(), journalDeadline)
		defer cancel()
		if _, err := h.opts.Journal.RecordSession(ctx, rec); err != nil {
			h.logger.Warn("journal session failed",
				zap.String("device_id", dev.id),
				zap.String("session_id", reply.SessionID),
				zap.Error(err),
			)
		}
	}()
}
