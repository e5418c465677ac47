package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

var (
	// ErrInvalidID is returned for record or device ids that fail validation.
	ErrInvalidID = errors.New("invalid id")
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
)

var safeNamePattern = regexp.MustCompile(`^[A-Za-z0-9_\-\.:]+$`)

const defaultListLimit = 50

// SessionRecord is one finished stream session.
type SessionRecord struct {
	ID           string    `json:"id"`
	DeviceID     string    `json:"device_id"`
	SessionID    string    `json:"session_id"`
	TTSTaskID    string    `json:"tts_task_id,omitempty"`
	Outcome      string    `json:"outcome"`
	Marker       string    `json:"marker,omitempty"`
	Frames       int       `json:"frames"`
	PayloadBytes int       `json:"payload_bytes"`
	ChunkEnds    int       `json:"chunk_ends"`
	Error        string    `json:"error,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	EndedAt      time.Time `json:"ended_at"`
}

// PlaybackEvent is a device's report that it finished playing a reply.
type PlaybackEvent struct {
	ID         int64     `json:"id"`
	DeviceID   string    `json:"device_id"`
	SessionID  string    `json:"session_id"`
	TTSTaskID  string    `json:"tts_task_id,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// Journal records session outcomes in SQLite. A Journal opened with an empty
// path accepts writes and discards them.
type Journal struct {
	db     *sql.DB
	logger *zap.Logger
	clock  func() time.Time
}

// Open creates the database file and schema when needed.
func Open(ctx context.Context, path string, logger *zap.Logger) (*Journal, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if path == "" {
		return &Journal{logger: logger, clock: time.Now}, nil
	}

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create journal dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	j := &Journal{db: db, logger: logger, clock: time.Now}
	if err := j.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init journal schema: %w", err)
	}
	logger.Info("session journal opened", zap.String("path", path))
	return j, nil
}

func (j *Journal) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS stream_sessions (
    id TEXT PRIMARY KEY,
    device_id TEXT NOT NULL,
    session_id TEXT NOT NULL,
    tts_task_id TEXT,
    outcome TEXT NOT NULL,
    marker TEXT,
    frames INTEGER NOT NULL,
    payload_bytes INTEGER NOT NULL,
    chunk_ends INTEGER NOT NULL,
    error TEXT,
    started_at INTEGER NOT NULL,
    ended_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_stream_sessions_device ON stream_sessions(device_id, started_at);
CREATE TABLE IF NOT EXISTS playback_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    device_id TEXT NOT NULL,
    session_id TEXT NOT NULL,
    tts_task_id TEXT,
    received_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_playback_events_device ON playback_events(device_id, received_at);
`
	_, err := j.db.ExecContext(ctx, ddl)
	return err
}

// Enabled reports whether records are persisted.
func (j *Journal) Enabled() bool {
	return j != nil && j.db != nil
}

// Close releases the database handle.
func (j *Journal) Close() error {
	if !j.Enabled() {
		return nil
	}
	return j.db.Close()
}

// RecordSession stores rec and returns its id, generating one when empty.
func (j *Journal) RecordSession(ctx context.Context, rec SessionRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if !safeNamePattern.MatchString(rec.DeviceID) {
		return "", fmt.Errorf("device %q: %w", rec.DeviceID, ErrInvalidID)
	}
	if !j.Enabled() {
		return rec.ID, nil
	}
	if rec.EndedAt.IsZero() {
		rec.EndedAt = j.clock()
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = rec.EndedAt
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO stream_sessions(id, device_id, session_id, tts_task_id, outcome, marker, frames, payload_bytes, chunk_ends, error, started_at, ended_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.DeviceID, rec.SessionID, rec.TTSTaskID, rec.Outcome, rec.Marker,
		rec.Frames, rec.PayloadBytes, rec.ChunkEnds, rec.Error,
		rec.StartedAt.UnixMilli(), rec.EndedAt.UnixMilli())
	if err != nil {
		return "", fmt.Errorf("insert session: %w", err)
	}
	return rec.ID, nil
}

// GetSession loads one record by id.
func (j *Journal) GetSession(ctx context.Context, id string) (SessionRecord, error) {
	if _, err := uuid.Parse(id); err != nil {
		return SessionRecord{}, fmt.Errorf("session record %q: %w", id, ErrInvalidID)
	}
	if !j.Enabled() {
		return SessionRecord{}, ErrNotFound
	}
	row := j.db.QueryRowContext(ctx,
		`SELECT id, device_id, session_id, tts_task_id, outcome, marker, frames, payload_bytes, chunk_ends, error, started_at, ended_at
		 FROM stream_sessions WHERE id = ?`, id)
	rec, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRecord{}, ErrNotFound
	}
	return rec, err
}

// ListSessions returns the newest records for deviceID first.
func (j *Journal) ListSessions(ctx context.Context, deviceID string, limit int) ([]SessionRecord, error) {
	if !safeNamePattern.MatchString(deviceID) {
		return nil, fmt.Errorf("device %q: %w", deviceID, ErrInvalidID)
	}
	list := []SessionRecord{}
	if !j.Enabled() {
		return list, nil
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, device_id, session_id, tts_task_id, outcome, marker, frames, payload_bytes, chunk_ends, error, started_at, ended_at
		 FROM stream_sessions WHERE device_id = ? ORDER BY started_at DESC, rowid DESC LIMIT ?`, deviceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, rec)
	}
	return list, rows.Err()
}

// RecordPlaybackOver stores a device playback report.
func (j *Journal) RecordPlaybackOver(ctx context.Context, ev PlaybackEvent) error {
	if !safeNamePattern.MatchString(ev.DeviceID) {
		return fmt.Errorf("device %q: %w", ev.DeviceID, ErrInvalidID)
	}
	if !j.Enabled() {
		return nil
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = j.clock()
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO playback_events(device_id, session_id, tts_task_id, received_at) VALUES(?, ?, ?, ?)`,
		ev.DeviceID, ev.SessionID, ev.TTSTaskID, ev.ReceivedAt.UnixMilli())
	return err
}

// ListPlaybackEvents returns the newest playback reports for deviceID first.
func (j *Journal) ListPlaybackEvents(ctx context.Context, deviceID string, limit int) ([]PlaybackEvent, error) {
	if !safeNamePattern.MatchString(deviceID) {
		return nil, fmt.Errorf("device %q: %w", deviceID, ErrInvalidID)
	}
	events := []PlaybackEvent{}
	if !j.Enabled() {
		return events, nil
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, device_id, session_id, tts_task_id, received_at
		 FROM playback_events WHERE device_id = ? ORDER BY received_at DESC, id DESC LIMIT ?`, deviceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var ev PlaybackEvent
		var taskID sql.NullString
		var received int64
		if err := rows.Scan(&ev.ID, &ev.DeviceID, &ev.SessionID, &taskID, &received); err != nil {
			return nil, err
		}
		ev.TTSTaskID = taskID.String
		ev.ReceivedAt = time.UnixMilli(received)
		events = append(events, ev)
	}
	return events, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (SessionRecord, error) {
	var rec SessionRecord
	var taskID, marker, errText sql.NullString
	var started, ended int64
	err := row.Scan(&rec.ID, &rec.DeviceID, &rec.SessionID, &taskID, &rec.Outcome, &marker,
		&rec.Frames, &rec.PayloadBytes, &rec.ChunkEnds, &errText, &started, &ended)
	if err != nil {
		return SessionRecord{}, err
	}
	rec.TTSTaskID = taskID.String
	rec.Marker = marker.String
	rec.Error = errText.String
	rec.StartedAt = time.UnixMilli(started)
	rec.EndedAt = time.UnixMilli(ended)
	return rec, nil
}
