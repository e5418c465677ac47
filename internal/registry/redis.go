package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	fieldAvailable   = "available"
	fieldSession     = "session_id"
	fieldTTSTask     = "tts_task_id"
	fieldConnectedAt = "connected_at"
	fieldUpdatedAt   = "updated_at"
)

// Redis keeps device state in one hash per device so several server
// instances can share occupancy reports.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
	clock  func() time.Time
}

// RedisOption configures a Redis registry.
type RedisOption func(*Redis)

// WithTTL sets how long a device hash survives without updates. Zero disables expiry.
func WithTTL(ttl time.Duration) RedisOption {
	return func(r *Redis) {
		r.ttl = ttl
	}
}

// WithPrefix sets the key prefix. Default is "tts-streamer".
func WithPrefix(prefix string) RedisOption {
	return func(r *Redis) {
		r.prefix = prefix
	}
}

// NewRedis creates a Redis-backed registry.
func NewRedis(client *redis.Client, opts ...RedisOption) *Redis {
	r := &Redis{
		client: client,
		ttl:    10 * time.Minute,
		prefix: "tts-streamer",
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register creates the device hash and adds it to the device index.
func (r *Redis) Register(ctx context.Context, deviceID string) error {
	if strings.TrimSpace(deviceID) == "" {
		return ErrInvalidID
	}
	now := r.clock().UTC().Format(time.RFC3339Nano)
	key := r.deviceKey(deviceID)

	pipe := r.client.TxPipeline()
	pipe.HSetNX(ctx, key, fieldConnectedAt, now)
	pipe.HSetNX(ctx, key, fieldAvailable, 0)
	pipe.HSet(ctx, key, fieldUpdatedAt, now)
	pipe.SAdd(ctx, r.indexKey(), deviceID)
	r.expire(ctx, pipe, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis register %s: %w", deviceID, err)
	}
	return nil
}

// Remove deletes the device hash and index entry.
func (r *Redis) Remove(ctx context.Context, deviceID string) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.deviceKey(deviceID))
	pipe.SRem(ctx, r.indexKey(), deviceID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis remove %s: %w", deviceID, err)
	}
	return nil
}

// Lookup reads the device hash. Redis errors are reported as absence so the
// sender pauses instead of failing.
func (r *Redis) Lookup(ctx context.Context, deviceID string) (DeviceState, bool) {
	state, err := r.Get(ctx, deviceID)
	if err != nil {
		return DeviceState{}, false
	}
	return state, true
}

// Get reads the device hash, returning ErrNotFound when it does not exist.
func (r *Redis) Get(ctx context.Context, deviceID string) (DeviceState, error) {
	if strings.TrimSpace(deviceID) == "" {
		return DeviceState{}, ErrInvalidID
	}
	values, err := r.client.HGetAll(ctx, r.deviceKey(deviceID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return DeviceState{}, ErrNotFound
		}
		return DeviceState{}, fmt.Errorf("redis lookup %s: %w", deviceID, err)
	}
	if len(values) == 0 {
		return DeviceState{}, ErrNotFound
	}
	return decodeState(deviceID, values), nil
}

// UpdateAvailable records the reported occupancy.
func (r *Redis) UpdateAvailable(ctx context.Context, deviceID string, available int) error {
	return r.update(ctx, deviceID, map[string]any{fieldAvailable: max(available, 0)})
}

// SetSession binds the device to a session.
func (r *Redis) SetSession(ctx context.Context, deviceID string, sessionID string, ttsTaskID string) error {
	return r.update(ctx, deviceID, map[string]any{fieldSession: sessionID, fieldTTSTask: ttsTaskID})
}

// List returns every indexed device that still has a hash.
func (r *Redis) List(ctx context.Context) ([]DeviceState, error) {
	ids, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list devices: %w", err)
	}
	sort.Strings(ids)

	pipe := r.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, r.deviceKey(id))
	}
	if len(ids) > 0 {
		if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("redis list devices: %w", err)
		}
	}

	list := make([]DeviceState, 0, len(ids))
	for i, id := range ids {
		values, err := cmds[i].Result()
		if err != nil || len(values) == 0 {
			continue
		}
		list = append(list, decodeState(id, values))
	}
	return list, nil
}

func (r *Redis) update(ctx context.Context, deviceID string, fields map[string]any) error {
	key := r.deviceKey(deviceID)
	exists, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("redis update %s: %w", deviceID, err)
	}
	if exists == 0 {
		return ErrNotFound
	}
	fields[fieldUpdatedAt] = r.clock().UTC().Format(time.RFC3339Nano)

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	r.expire(ctx, pipe, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis update %s: %w", deviceID, err)
	}
	return nil
}

func (r *Redis) expire(ctx context.Context, pipe redis.Pipeliner, key string) {
	if r.ttl > 0 {
		pipe.Expire(ctx, key, r.ttl)
	}
}

func (r *Redis) deviceKey(deviceID string) string {
	return r.prefix + ":device:" + deviceID
}

func (r *Redis) indexKey() string {
	return r.prefix + ":devices"
}

func decodeState(deviceID string, values map[string]string) DeviceState {
	state := DeviceState{
		DeviceID:  deviceID,
		SessionID: values[fieldSession],
		TTSTaskID: values[fieldTTSTask],
	}
	if raw, ok := values[fieldAvailable]; ok {
		if n, err := strconv.Atoi(raw); err == nil {
			state.AvailableAudio = n
		}
	}
	if ts, err := time.Parse(time.RFC3339Nano, values[fieldConnectedAt]); err == nil {
		state.ConnectedAt = ts
	}
	if ts, err := time.Parse(time.RFC3339Nano, values[fieldUpdatedAt]); err == nil {
		state.UpdatedAt = ts
	}
	return state
}
