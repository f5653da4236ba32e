package api

import (
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/lexaid/lexaid/internal/chat"
)

var chatUpgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type wsAskMessage struct {
	Type      string `json:"type"`
	Question  string `json:"question"`
	MessageID string `json:"message_id"`
}

// wsRelay forwards stream progress over a websocket connection. The
// write mutex keeps relay frames and error frames from interleaving.
type wsRelay struct {
	conn *websocket.Conn
	mu   *sync.Mutex
}

func (r *wsRelay) send(payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_ = r.conn.WriteJSON(payload)
}

func (r *wsRelay) OnChunk(messageID, content string) {
	r.send(gin.H{"type": "chunk", "message_id": messageID, "content": content})
}

func (r *wsRelay) OnDone(message chat.Message, conversationID string) {
	done := gin.H{
		"type":       "done",
		"chat_id":    conversationID,
		"message_id": message.ID,
	}
	if len(message.Sources) > 0 {
		done["sources"] = message.Sources
	}
	r.send(done)
}

func (r *wsRelay) OnError(messageID string, err error) {
	r.send(gin.H{"type": "error", "message_id": messageID, "error": "assistant unavailable"})
}

// handleChatWS answers ask and regenerate requests over a websocket,
// streaming reply chunks back as they arrive.
func (h *Handler) handleChatWS(c *gin.Context) {
	userID := c.GetString("userID")

	client, err := h.hub.ClientFor(c.Request.Context(), userID)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "failed to open chat session", err)
		return
	}

	conn, err := chatUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warnw("chat websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	var writeMu sync.Mutex
	relay := &wsRelay{conn: conn, mu: &writeMu}

	for {
		var msg wsAskMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debugw("chat websocket closed", "error", err)
			}
			return
		}

		switch msg.Type {
		case "ask":
			if _, err := client.Submit(c.Request.Context(), msg.Question, relay); err != nil {
				h.relayWSError(relay, err)
			}
		case "regenerate":
			if _, err := client.Regenerate(c.Request.Context(), msg.MessageID, relay); err != nil {
				h.relayWSError(relay, err)
			}
		default:
			relay.send(gin.H{"type": "error", "error": "unknown message type"})
		}
	}
}

func (h *Handler) relayWSError(relay *wsRelay, err error) {
	switch {
	case errors.Is(err, chat.ErrNothingToSend):
		relay.send(gin.H{"type": "error", "error": "question or files required"})
	case errors.Is(err, chat.ErrSubmitInFlight):
		relay.send(gin.H{"type": "error", "error": "a question is already being answered"})
	case errors.Is(err, chat.ErrAuthRequired):
		relay.send(gin.H{"type": "error", "error": "authentication required"})
	}
}
