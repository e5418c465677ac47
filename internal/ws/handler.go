package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	appconfig "github.com/saker-ai/tts-streamer/internal/config"
	"github.com/saker-ai/tts-streamer/internal/protocol"
)

const (
	deviceIDHeader = "Device-Id"
	readLimit      = 1 << 20
)

// Handler upgrades device connections and runs their read loops.
type Handler struct {
	logger       *zap.Logger
	upgrader     websocket.Upgrader
	hub          *Hub
	writeTimeout time.Duration
}

// client is the read side of one device connection.
type client struct {
	dev    *Device
	hub    *Hub
	logger *zap.Logger

	binaryMessages int
	binaryBytes    int
}

// NewHandler creates a device websocket handler backed by hub.
func NewHandler(logger *zap.Logger, cfg appconfig.Config, hub *Hub) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		logger:       logger,
		hub:          hub,
		writeTimeout: cfg.Stream.WriteTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 16 * 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Handle serves one device for the lifetime of its websocket.
func (h *Handler) Handle(w http.ResponseWriter, r *http.Request) {
	deviceID := deviceIDFrom(r)
	if deviceID == "" {
		http.Error(w, "device_id is required", http.StatusBadRequest)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", zap.String("device_id", deviceID), zap.Error(err))
		return
	}
	conn.SetReadLimit(readLimit)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dc := newDeviceConn(conn, deviceID, h.writeTimeout, h.logger)
	defer dc.close(websocket.CloseNormalClosure, "")

	dev, err := h.hub.attach(ctx, dc)
	if err != nil {
		h.logger.Warn("device attach failed", zap.String("device_id", deviceID), zap.Error(err))
		_ = dc.sendJSON(protocol.Error(err.Error()))
		return
	}
	defer h.hub.detach(dev)

	c := &client{dev: dev, hub: h.hub, logger: h.logger}
	h.logger.Info("device connected",
		zap.String("device_id", deviceID),
		zap.String("remote_addr", r.RemoteAddr),
	)

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			h.logger.Debug("ws connection closed", zap.String("device_id", deviceID), zap.Error(err))
			break
		}
		if messageType == websocket.BinaryMessage {
			c.onBinary(data)
			continue
		}
		var msg protocol.DeviceMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = dc.sendJSON(protocol.Error("invalid json"))
			continue
		}
		c.dispatchIncoming(ctx, msg)
	}

	h.logger.Info("device disconnected",
		zap.String("device_id", deviceID),
		zap.Int("binary_messages", c.binaryMessages),
		zap.Int("binary_bytes", c.binaryBytes),
	)
}

func deviceIDFrom(r *http.Request) string {
	if id := strings.TrimSpace(r.URL.Query().Get("device_id")); id != "" {
		return id
	}
	return strings.TrimSpace(r.Header.Get(deviceIDHeader))
}
