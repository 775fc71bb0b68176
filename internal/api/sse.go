package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"

	"coachchat/internal/auth"
	"coachchat/internal/models"
)

type eventWriter struct {
	w       gin.ResponseWriter
	flusher http.Flusher
}

func (e *eventWriter) send(event string, payload interface{}) error {
	var data []byte
	switch v := payload.(type) {
	case string:
		data = []byte(v)
	default:
		var err error
		data, err = json.Marshal(v)
		if err != nil {
			return err
		}
	}
	if event != "" {
		if _, err := fmt.Fprintf(e.w, "event: %s\n", event); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(e.w, "data: %s\n\n", data); err != nil {
		return err
	}
	e.flusher.Flush()
	return nil
}

// chatMessageStream runs an exchange and streams the reply as server-sent
// events: ack (the stored user turn), stream (each fragment), then done or
// error. Input rejected before the user turn is stored yields only error.
func (h *Handler) chatMessageStream(c *gin.Context) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	requester, _ := auth.AccountIDFromContext(c)
	// Authorize before switching to an event stream so failures keep their status.
	if _, err := h.transcripts.Get(c.Request.Context(), req.ChatID, requester, req.UserID); err != nil {
		writeError(c, err)
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	events := &eventWriter{w: c.Writer, flusher: flusher}

	in := req.exchange(requester)
	in.Accepted = func(turn models.Turn) {
		if err := events.send("ack", gin.H{"message": turn}); err != nil {
			log.Debug("ack not delivered", "chat_id", req.ChatID, "err", err)
		}
	}
	reply, err := h.transcripts.Exchange(c.Request.Context(), in, func(chunk string) error {
		return events.send("stream", gin.H{"content": chunk})
	})
	if err != nil {
		status := statusFor(err)
		log.Warn("stream exchange failed", "chat_id", req.ChatID, "status", status, "err", err)
		_ = events.send("error", gin.H{"status": status, "message": errorMessage(status, err)})
		return
	}
	_ = events.send("done", gin.H{"message": reply})
}
