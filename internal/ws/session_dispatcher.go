package ws

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/saker-ai/tts-streamer/internal/protocol"
	"github.com/saker-ai/tts-streamer/internal/storage"
)

type incomingHandler func(context.Context, protocol.DeviceMessage)

func (c *client) dispatchIncoming(ctx context.Context, msg protocol.DeviceMessage) {
	handlers := map[string]incomingHandler{
		protocol.TypeWSConnected:    c.onConnected,
		protocol.TypeAvailableAudio: c.onAvailableAudio,
		protocol.TypeAudioOver:      c.onAudioOver,
		protocol.TypeCTSTime:        c.onCTSTime,
	}

	handler, ok := handlers[msg.Type]
	if m := c.hub.opts.Metrics; m != nil {
		label := msg.Type
		if !ok {
			label = "unknown"
		}
		m.DeviceMessage(label)
	}
	if ok {
		handler(ctx, msg)
		return
	}
	c.logger.Debug("ws unknown message type",
		zap.String("device_id", c.dev.id),
		zap.String("type", msg.Type),
	)
}

func (c *client) onConnected(_ context.Context, _ protocol.DeviceMessage) {
	c.logger.Info("device audio channel ready", zap.String("device_id", c.dev.id))
	_ = c.dev.conn.sendJSON(protocol.STCTime(time.Now()))
}

func (c *client) onAvailableAudio(ctx context.Context, msg protocol.DeviceMessage) {
	if msg.AvailableAudio == nil {
		return
	}
	if err := c.hub.opts.Registry.UpdateAvailable(ctx, c.dev.id, *msg.AvailableAudio); err != nil {
		c.logger.Warn("registry update failed", zap.String("device_id", c.dev.id), zap.Error(err))
	}
}

func (c *client) onAudioOver(ctx context.Context, msg protocol.DeviceMessage) {
	c.logger.Info("device playback finished",
		zap.String("device_id", c.dev.id),
		zap.String("session_id", msg.SessionID),
		zap.String("tts_task_id", msg.TTSTaskID),
	)
	err := c.hub.opts.Journal.RecordPlaybackOver(ctx, storage.PlaybackEvent{
		DeviceID:  c.dev.id,
		SessionID: msg.SessionID,
		TTSTaskID: msg.TTSTaskID,
	})
	if err != nil {
		c.logger.Warn("journal playback failed", zap.String("device_id", c.dev.id), zap.Error(err))
	}
}

func (c *client) onCTSTime(_ context.Context, msg protocol.DeviceMessage) {
	reply, err := protocol.NetDelay(msg.STCTime, time.Now())
	if err != nil {
		_ = c.dev.conn.sendJSON(protocol.Error(err.Error()))
		return
	}
	c.logger.Debug("device net delay",
		zap.String("device_id", c.dev.id),
		zap.Int64("net_delay_ms", *reply.NetDelay),
	)
	_ = c.dev.conn.sendJSON(reply)
}

func (c *client) onBinary(data []byte) {
	c.binaryMessages++
	c.binaryBytes += len(data)
	if m := c.hub.opts.Metrics; m != nil {
		m.DeviceMessage("binary")
	}
}
