package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/saker-ai/tts-streamer/internal/storage"
	"github.com/saker-ai/tts-streamer/internal/stream"
	"github.com/saker-ai/tts-streamer/internal/ws"
)

const maxSpeakWait = 2 * time.Minute

type deviceAPI struct {
	hub     *ws.Hub
	journal *storage.Journal
	logger  *zap.Logger
}

type speakRequest struct {
	Text      string `json:"text"`
	Voice     string `json:"voice"`
	SessionID string `json:"session_id"`
	// End is session_end (default) or session_end_aligned.
	End string `json:"end"`
	// Wait holds the response until the device side of the session ended.
	Wait bool `json:"wait"`
}

type speakResponse struct {
	ws.Reply
	Outcome string               `json:"outcome,omitempty"`
	Error   string               `json:"error,omitempty"`
	Stats   *stream.SessionStats `json:"stats,omitempty"`
}

func (a *deviceAPI) list(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"devices": a.hub.List(c.Request.Context())})
}

func (a *deviceAPI) get(c *gin.Context) {
	info, err := a.hub.Info(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (a *deviceAPI) speak(c *gin.Context) {
	var req speakRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	marker := stream.MarkerSessionEnd
	if req.End != "" {
		parsed, ok := stream.ParseMarkerName(req.End)
		if !ok || !parsed.Terminal() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "end must be session_end or session_end_aligned"})
			return
		}
		marker = parsed
	}

	ctx := context.WithoutCancel(c.Request.Context())
	reply, err := a.hub.Speak(ctx, c.Param("id"), ws.SpeakParams{
		Text:      req.Text,
		Voice:     req.Voice,
		SessionID: req.SessionID,
		Marker:    marker,
	})
	if err != nil {
		a.writeError(c, err)
		return
	}
	if !req.Wait {
		c.JSON(http.StatusAccepted, speakResponse{Reply: reply})
		return
	}

	waitCtx, cancel := context.WithTimeout(c.Request.Context(), maxSpeakWait)
	defer cancel()
	select {
	case <-reply.Done.Done():
	case <-waitCtx.Done():
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "session still running", "session_id": reply.SessionID})
		return
	}
	resp := speakResponse{Reply: reply}
	err = reply.Done.Err()
	stats := reply.Done.Stats()
	resp.Stats = &stats
	resp.Outcome = string(stream.OutcomeOf(err))
	if err != nil {
		resp.Error = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

func (a *deviceAPI) stop(c *gin.Context) {
	if err := a.hub.Stop(c.Request.Context(), c.Param("id")); err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

func (a *deviceAPI) sessions(c *gin.Context) {
	records, err := a.journal.ListSessions(c.Request.Context(), c.Param("id"), queryLimit(c))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": records})
}

func (a *deviceAPI) playback(c *gin.Context) {
	events, err := a.journal.ListPlaybackEvents(c.Request.Context(), c.Param("id"), queryLimit(c))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func queryLimit(c *gin.Context) int {
	limit, err := strconv.Atoi(c.Query("limit"))
	if err != nil || limit <= 0 {
		return 0
	}
	return min(limit, 500)
}

func (a *deviceAPI) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ws.ErrDeviceNotFound), errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ws.ErrEmptyText), errors.Is(err, ws.ErrInvalidSession), errors.Is(err, storage.ErrInvalidID):
		status = http.StatusBadRequest
	case errors.Is(err, ws.ErrNoSpeaker):
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		a.logger.Error("device api request failed",
			zap.String("device_id", c.Param("id")),
			zap.String("path", c.FullPath()),
			zap.Int("status", status),
			zap.Error(err),
		)
	} else {
		a.logger.Debug("device api request rejected",
			zap.String("device_id", c.Param("id")),
			zap.Int("status", status),
			zap.Error(err),
		)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
