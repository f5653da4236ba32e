package api

import (
	"encoding/json"
	"fmt"

	"github.com/gin-gonic/gin"

	"github.com/lexaid/lexaid/internal/chat"
)

// sseRelay mirrors the assistant stream to the browser as
// server-sent events while chat.Client owns the message state.
type sseRelay struct {
	w     gin.ResponseWriter
	wrote bool
}

func newSSERelay(w gin.ResponseWriter) *sseRelay {
	return &sseRelay{w: w}
}

func (r *sseRelay) writeFrame(payload any) {
	if !r.wrote {
		header := r.w.Header()
		header.Set("Content-Type", "text/event-stream")
		header.Set("Cache-Control", "no-cache")
		header.Set("Connection", "keep-alive")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(r.w, "data: %s\n\n", data)
	r.w.Flush()
	r.wrote = true
}

func (r *sseRelay) OnChunk(messageID, content string) {
	r.writeFrame(gin.H{"message_id": messageID, "content": content})
}

func (r *sseRelay) OnDone(message chat.Message, conversationID string) {
	done := gin.H{
		"type":       "done",
		"chat_id":    conversationID,
		"message_id": message.ID,
	}
	if len(message.Sources) > 0 {
		done["sources"] = message.Sources
	}
	r.writeFrame(done)

	fmt.Fprint(r.w, "data: [DONE]\n\n")
	r.w.Flush()
}

func (r *sseRelay) OnError(messageID string, err error) {
	r.writeFrame(gin.H{"type": "error", "message_id": messageID, "error": "assistant unavailable"})
}
