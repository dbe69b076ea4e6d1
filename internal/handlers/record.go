package handlers

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/websocket/v2"

	"github.com/codebuildervaibhav/scribber/internal/logging"
	"github.com/codebuildervaibhav/scribber/internal/types"
)

// RecordHandler accepts a browser recording over a WebSocket. Binary frames
// carry audio; a short text frame sets the title; "END" stores the
// recording as a new entity.
type RecordHandler struct {
	pipeline Pipeline
	maxSize  int64
}

// NewRecordHandler creates a new recording handler
func NewRecordHandler(pipeline Pipeline, maxSize int64) *RecordHandler {
	return &RecordHandler{pipeline: pipeline, maxSize: maxSize}
}

// RecordReply is the final message of a recording session.
type RecordReply struct {
	Type   string        `json:"type"`
	Entity *types.Entity `json:"entity,omitempty"`
	Error  string        `json:"error,omitempty"`
	Code   string        `json:"code,omitempty"`
}

// Handle processes WebSocket connections
func (h *RecordHandler) Handle(c *websocket.Conn) {
	defer c.Close()

	owner, _ := c.Locals(ownerKey).(string)
	log := logging.WithComponent("record").With().Str("ownerId", owner).Logger()

	var (
		buffer bytes.Buffer
		title  string
	)

	reply := func(r RecordReply) {
		_ = c.SetWriteDeadline(time.Now().Add(writeWait))
		_ = c.WriteJSON(r)
	}

	for {
		messageType, message, err := c.ReadMessage()
		if err != nil {
			log.Debug().Err(err).Msg("Recording connection closed before END")
			return
		}

		if messageType == websocket.TextMessage {
			msg := strings.TrimSpace(string(message))
			if msg == "END" {
				break
			}
			if len(msg) > 0 && len(msg) < 200 {
				title = msg
			}
			continue
		}

		if messageType == websocket.BinaryMessage {
			if h.maxSize > 0 && int64(buffer.Len()+len(message)) > h.maxSize {
				reply(RecordReply{
					Type:  "error",
					Error: fmt.Sprintf("recording exceeds %d bytes", h.maxSize),
					Code:  "ERR_FILE_TOO_LARGE",
				})
				return
			}
			buffer.Write(message)
		}
	}

	if buffer.Len() == 0 {
		reply(RecordReply{Type: "error", Error: "no audio received", Code: "ERR_NO_FILE"})
		return
	}
	if title == "" {
		title = "stream_recording"
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	e, err := h.pipeline.CreateEntity(ctx, owner, title, "recording.webm", &buffer)
	if err != nil {
		_, code := classify(err)
		reply(RecordReply{Type: "error", Entity: e, Error: err.Error(), Code: code})
		return
	}

	log.Info().Str("entityId", e.ID).Int64("sizeBytes", e.SizeBytes).Msg("Recording stored")
	reply(RecordReply{Type: "created", Entity: e})
}
