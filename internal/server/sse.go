package server

import (
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/veridianlabs/veriface/internal/login"
)

const streamHeartbeatInterval = 25 * time.Second

type streamEventPayload struct {
	Timestamp     string   `json:"timestamp"`
	Success       bool     `json:"success"`
	FailureReason *string  `json:"failure_reason"`
	Similarity    *float64 `json:"similarity"`
	SourceIP      string   `json:"source_ip"`
}

// handleAttemptStream pushes live login attempts for the authenticated
// identity as server-sent events.
func (h *httpHandler) handleAttemptStream(c *gin.Context) {
	identityID := c.GetString(identityContextKey)

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	var stream <-chan login.AttemptEvent
	if h.dispatcher != nil {
		events, cleanup := h.dispatcher.Subscribe(c.Request.Context(), identityID)
		defer cleanup()
		stream = events
	}

	heartbeat := time.NewTicker(streamHeartbeatInterval)
	defer heartbeat.Stop()

	c.SSEvent("ready", gin.H{"identity_id": identityID})
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case event, open := <-stream:
			if !open {
				return false
			}
			c.SSEvent("login-attempt", streamAttemptPayload(event))
			return true
		case <-heartbeat.C:
			c.SSEvent("heartbeat", gin.H{"at": time.Now().UTC().Format(time.RFC3339)})
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func streamAttemptPayload(event login.AttemptEvent) streamEventPayload {
	payload := streamEventPayload{
		Timestamp:  event.AttemptedAt.UTC().Format(time.RFC3339),
		Success:    event.Success,
		Similarity: event.Similarity,
		SourceIP:   event.SourceIP,
	}
	if event.FailureReason != "" {
		reason := event.FailureReason
		payload.FailureReason = &reason
	}
	return payload
}
