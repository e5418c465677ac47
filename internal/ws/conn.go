package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/saker-ai/tts-streamer/internal/protocol"
	"github.com/saker-ai/tts-streamer/internal/stream"
)

// deviceConn serializes every write on one device websocket. Binary frames
// come from the stream sender's timer goroutine while JSON replies come from
// the read loop and the HTTP API.
type deviceConn struct {
	conn         *websocket.Conn
	deviceID     string
	writeTimeout time.Duration
	logger       *zap.Logger

	sendMu sync.Mutex
	closed bool
}

func newDeviceConn(conn *websocket.Conn, deviceID string, writeTimeout time.Duration, logger *zap.Logger) *deviceConn {
	return &deviceConn{
		conn:         conn,
		deviceID:     deviceID,
		writeTimeout: writeTimeout,
		logger:       logger,
	}
}

// Send writes frame as one binary message.
func (c *deviceConn) Send(frame []byte, done func(error)) {
	done(c.write(websocket.BinaryMessage, frame))
}

func (c *deviceConn) sendJSON(msg protocol.ServerMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := c.write(websocket.TextMessage, data); err != nil {
		c.logger.Debug("ws send failed",
			zap.String("device_id", c.deviceID),
			zap.String("type", msg.Type),
			zap.Error(err),
		)
		return err
	}
	return nil
}

func (c *deviceConn) sendText(text string) error {
	return c.write(websocket.TextMessage, []byte(text))
}

func (c *deviceConn) write(messageType int, data []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return websocket.ErrCloseSent
	}
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.conn.WriteMessage(messageType, data)
}

func (c *deviceConn) close(code int, reason string) {
	c.sendMu.Lock()
	if c.closed {
		c.sendMu.Unlock()
		return
	}
	c.closed = true
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(time.Second))
	c.sendMu.Unlock()
	_ = c.conn.Close()
}

var _ stream.Transport = (*deviceConn)(nil)
