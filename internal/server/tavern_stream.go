package server

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/spatial/internal/chat"
	"github.com/MarcoPoloResearchLab/spatial/internal/realtime"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	TavernEventMessage   = "tavern-message"
	tavernEventHeartbeat = "heartbeat"
	tavernSourceBackend  = "spatial-backend"

	tavernHeartbeatInterval = 25 * time.Second
)

// handleTavernStream relays new tavern messages as server-sent events. A heartbeat is sent
// first, once the subscription is in place, and then periodically.
func (h *httpHandler) handleTavernStream(c *gin.Context) {
	ctx := c.Request.Context()
	subscription, err := h.realtime.Subscribe(ctx, chat.DefaultTopic, realtime.SubscribeOptions{
		Changes: []realtime.ChangeFilter{chat.MessageFilter()},
	})
	if err != nil {
		h.logger.Error("failed to open tavern stream", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "stream_unavailable"})
		return
	}
	defer subscription.Close()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	heartbeat := time.NewTicker(tavernHeartbeatInterval)
	defer heartbeat.Stop()

	greeted := false
	c.Stream(func(w io.Writer) bool {
		if !greeted {
			greeted = true
			c.SSEvent(tavernEventHeartbeat, heartbeatPayload())
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-heartbeat.C:
			c.SSEvent(tavernEventHeartbeat, heartbeatPayload())
			return true
		case event, ok := <-subscription.Events():
			if !ok {
				return false
			}
			if event.Kind != realtime.EventRowChange || event.Change == nil {
				return true
			}
			var message chat.Message
			if err := json.Unmarshal(event.Change.New, &message); err != nil {
				h.logger.Warn("dropping undecodable tavern message", zap.Error(err))
				return true
			}
			c.SSEvent(TavernEventMessage, message)
			return true
		}
	})
}

func heartbeatPayload() gin.H {
	return gin.H{
		"source": tavernSourceBackend,
		"ts":     time.Now().UTC().Format(time.RFC3339),
	}
}
