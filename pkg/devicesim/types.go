package devicesim

import "time"

// Config describes one simulated device.
type Config struct {
	URL      string
	DeviceID string
	// DrainRate is the playback speed in bytes per second.
	DrainRate int
	// ReportInterval is the period of client_available_audio reports.
	ReportInterval time.Duration
	// Capacity is the playback buffer size; writes beyond it count as
	// overflows. Zero disables the check.
	Capacity int
}

// Callbacks receive device events. Every callback is optional.
type Callbacks struct {
	OnConnected    func()
	OnDisconnected func(err error)
	OnSession      func(sessionID string)
	OnAudio        func(sessionID string, body []byte)
	OnMarker       func(token string)
	OnPlaybackOver func(sessionID string, ttsTaskID string)
	OnError        func(err error)
}

// Stats counts what the device received.
type Stats struct {
	Frames        int `json:"frames"`
	AudioBytes    int `json:"audio_bytes"`
	CacheBytes    int `json:"cache_bytes"`
	DroppedFrames int `json:"dropped_frames"`
	Markers       int `json:"markers"`
	ChunkEnds     int `json:"chunk_ends"`
	Overflows     int `json:"overflows"`
	PeakBuffered  int `json:"peak_buffered"`
	Reports       int `json:"reports"`
}

func normalizeConfig(cfg Config) Config {
	if cfg.DrainRate <= 0 {
		// 16 kHz mono PCM16
		cfg.DrainRate = 32000
	}
	if cfg.ReportInterval <= 0 {
		cfg.ReportInterval = 100 * time.Millisecond
	}
	return cfg
}
