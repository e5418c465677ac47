// Package registry tracks live per-device connection state: the playback
// buffer occupancy each device reports and the session it is currently bound to.
package registry

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned when a device is not registered.
	ErrNotFound = errors.New("device not found")
	// ErrInvalidID is returned for an empty device id.
	ErrInvalidID = errors.New("invalid device id")
)

// DeviceState is a snapshot of one connected device.
type DeviceState struct {
	DeviceID       string    `json:"device_id"`
	AvailableAudio int       `json:"client_available_audio"`
	SessionID      string    `json:"session_id,omitempty"`
	TTSTaskID      string    `json:"tts_task_id,omitempty"`
	ConnectedAt    time.Time `json:"connected_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Reader is the read-only view the stream sender consults every tick.
type Reader interface {
	Lookup(ctx context.Context, deviceID string) (DeviceState, bool)
}

// Registry is the full read/write contract used by the connection layer.
type Registry interface {
	Reader
	Register(ctx context.Context, deviceID string) error
	Remove(ctx context.Context, deviceID string) error
	UpdateAvailable(ctx context.Context, deviceID string, available int) error
	SetSession(ctx context.Context, deviceID string, sessionID string, ttsTaskID string) error
	List(ctx context.Context) ([]DeviceState, error)
}

// Memory is an in-process Registry.
type Memory struct {
	mu      sync.Mutex
	devices map[string]*DeviceState
	clock   func() time.Time
}

// NewMemory creates an empty in-memory registry.
func NewMemory() *Memory {
	return &Memory{
		devices: make(map[string]*DeviceState),
		clock:   time.Now,
	}
}

// Register adds the device if absent. Re-registering keeps existing state.
func (m *Memory) Register(_ context.Context, deviceID string) error {
	if strings.TrimSpace(deviceID) == "" {
		return ErrInvalidID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devices[deviceID]; !ok {
		now := m.clock()
		m.devices[deviceID] = &DeviceState{DeviceID: deviceID, ConnectedAt: now, UpdatedAt: now}
	}
	return nil
}

// Remove deletes the device.
func (m *Memory) Remove(_ context.Context, deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.devices, deviceID)
	return nil
}

// Lookup returns a copy of the device state.
func (m *Memory) Lookup(_ context.Context, deviceID string) (DeviceState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.devices[deviceID]
	if !ok {
		return DeviceState{}, false
	}
	return *state, true
}

// UpdateAvailable records the occupancy the device reported.
func (m *Memory) UpdateAvailable(_ context.Context, deviceID string, available int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.devices[deviceID]
	if !ok {
		return ErrNotFound
	}
	state.AvailableAudio = max(available, 0)
	state.UpdatedAt = m.clock()
	return nil
}

// SetSession binds the device to sessionID. An empty id clears the binding.
func (m *Memory) SetSession(_ context.Context, deviceID string, sessionID string, ttsTaskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.devices[deviceID]
	if !ok {
		return ErrNotFound
	}
	state.SessionID = sessionID
	state.TTSTaskID = ttsTaskID
	state.UpdatedAt = m.clock()
	return nil
}

// List returns all devices ordered by id.
func (m *Memory) List(_ context.Context) ([]DeviceState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := make([]DeviceState, 0, len(m.devices))
	for _, state := range m.devices {
		list = append(list, *state)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].DeviceID < list[j].DeviceID
	})
	return list, nil
}
