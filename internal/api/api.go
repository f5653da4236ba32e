package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lexaid/lexaid/internal/auth"
	"github.com/lexaid/lexaid/internal/chat"
	"github.com/lexaid/lexaid/internal/db"
	"github.com/lexaid/lexaid/internal/reminder"
)

const maxUploadBytes = 20 << 20

type historyStore interface {
	ListTurns(ctx context.Context, conversationID, userID string) ([]db.ArchivedTurn, error)
}

type diaryStore interface {
	CreateEvent(ctx context.Context, event reminder.DiaryEvent) error
	ListEventsForOwner(ctx context.Context, ownerID string) ([]reminder.DiaryEvent, error)
}

type reminderRunner interface {
	Run(ctx context.Context) (int, error)
}

type Handler struct {
	authService  *auth.Service
	hub          *chat.Hub
	history      historyStore
	diary        diaryStore
	runner       reminderRunner
	triggerToken string
	logger       *zap.SugaredLogger
}

func NewHandler(authService *auth.Service, hub *chat.Hub, history historyStore, diary diaryStore, runner reminderRunner, triggerToken string, logger *zap.SugaredLogger) *Handler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Handler{
		authService:  authService,
		hub:          hub,
		history:      history,
		diary:        diary,
		runner:       runner,
		triggerToken: triggerToken,
		logger:       logger,
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	apiGroup := router.Group("/api")

	authGroup := apiGroup.Group("/auth")
	authGroup.POST("/register", h.handleRegister)
	authGroup.POST("/login", h.handleLogin)

	authed := apiGroup.Group("")
	authed.Use(h.requireAuth)

	chatGroup := authed.Group("/chat")
	chatGroup.POST("/ask", h.handleAsk)
	chatGroup.GET("/ws", h.handleChatWS)
	chatGroup.POST("/feedback", h.handleFeedback)
	chatGroup.GET("/history", h.handleHistory)
	chatGroup.GET("/share/:messageId", h.handleShare)

	diaryGroup := authed.Group("/diary")
	diaryGroup.POST("/events", h.handleCreateEvent)
	diaryGroup.GET("/events", h.handleListEvents)

	internalGroup := router.Group("/internal")
	internalGroup.POST("/reminders/run", h.handleRemindersRun)
}

func (h *Handler) requireAuth(c *gin.Context) {
	header := c.GetHeader("Authorization")
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if header == "" || token == header {
		writeError(c, http.StatusUnauthorized, "authentication required", auth.ErrInvalidToken)
		c.Abort()
		return
	}

	claims, err := h.authService.VerifyToken(token)
	if err != nil {
		writeError(c, http.StatusUnauthorized, "authentication required", err)
		c.Abort()
		return
	}

	c.Set("userID", claims.Subject)
	c.Next()
}

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

func (h *Handler) handleRegister(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid payload", err)
		return
	}

	result, err := h.authService.Register(c.Request.Context(), auth.RegisterInput{
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		switch err {
		case auth.ErrUsernameRequired, auth.ErrPasswordTooWeak:
			writeError(c, http.StatusBadRequest, err.Error(), err)
			return
		case auth.ErrUserExists, auth.ErrEmailExists:
			writeError(c, http.StatusConflict, err.Error(), err)
			return
		default:
			writeError(c, http.StatusInternalServerError, "failed to register user", err)
			return
		}
	}

	c.JSON(http.StatusCreated, newAuthResponse(result))
}

func (h *Handler) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid payload", err)
		return
	}

	if req.Identifier == "" || req.Password == "" {
		writeError(c, http.StatusBadRequest, "identifier and password are required", auth.ErrInvalidCredentials)
		return
	}

	result, err := h.authService.Login(c.Request.Context(), auth.LoginInput{
		Identifier: req.Identifier,
		Password:   req.Password,
	})
	if err != nil {
		switch err {
		case auth.ErrInvalidCredentials:
			writeError(c, http.StatusUnauthorized, err.Error(), err)
			return
		default:
			writeError(c, http.StatusInternalServerError, "failed to login", err)
			return
		}
	}

	c.JSON(http.StatusOK, newAuthResponse(result))
}

// handleAsk relays the assistant stream to the browser as
// server-sent events while the chat client assembles message state.
func (h *Handler) handleAsk(c *gin.Context) {
	userID := c.GetString("userID")

	client, err := h.hub.ClientFor(c.Request.Context(), userID)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "failed to open chat session", err)
		return
	}

	question := c.PostForm("question")

	if form, err := c.MultipartForm(); err == nil && form != nil {
		for _, header := range form.File["files"] {
			file, err := header.Open()
			if err != nil {
				writeError(c, http.StatusBadRequest, "failed to read upload", err)
				return
			}
			data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes))
			file.Close()
			if err != nil {
				writeError(c, http.StatusBadRequest, "failed to read upload", err)
				return
			}
			client.AttachFile(header.Filename, data)
		}
	}

	relay := newSSERelay(c.Writer)

	_, err = client.Submit(c.Request.Context(), question, relay)
	if err != nil && !relay.wrote {
		switch {
		case errors.Is(err, chat.ErrAuthRequired):
			writeError(c, http.StatusUnauthorized, "authentication required", err)
		case errors.Is(err, chat.ErrNothingToSend):
			writeError(c, http.StatusBadRequest, "question or files required", err)
		case errors.Is(err, chat.ErrSubmitInFlight):
			writeError(c, http.StatusConflict, "a question is already being answered", err)
		default:
			writeError(c, http.StatusBadGateway, "assistant unavailable", err)
		}
		return
	}
}

type feedbackRequest struct {
	MessageID    string `json:"message_id"`
	FeedbackType string `json:"feedback_type"`
}

func (h *Handler) handleFeedback(c *gin.Context) {
	userID := c.GetString("userID")

	var req feedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid payload", err)
		return
	}

	client, err := h.hub.ClientFor(c.Request.Context(), userID)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "failed to open chat session", err)
		return
	}

	err = client.Feedback(c.Request.Context(), req.MessageID, chat.Feedback(req.FeedbackType))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	case errors.Is(err, chat.ErrUnknownMessage):
		writeError(c, http.StatusNotFound, "unknown message", err)
	case errors.Is(err, chat.ErrNotAssistant), errors.Is(err, chat.ErrFeedbackRequired):
		writeError(c, http.StatusBadRequest, "invalid feedback", err)
	case errors.Is(err, chat.ErrFeedbackRejected):
		writeError(c, http.StatusBadGateway, "feedback was rejected", err)
	default:
		writeError(c, http.StatusInternalServerError, "failed to record feedback", err)
	}
}

func (h *Handler) handleHistory(c *gin.Context) {
	userID := c.GetString("userID")

	conversationID := c.Query("chat_id")
	if conversationID == "" {
		client, err := h.hub.ClientFor(c.Request.Context(), userID)
		if err != nil {
			writeError(c, http.StatusInternalServerError, "failed to open chat session", err)
			return
		}
		conversationID = client.Conversation().ID()
	}
	if conversationID == "" {
		c.JSON(http.StatusOK, gin.H{"chat_id": "", "messages": []any{}})
		return
	}

	turns, err := h.history.ListTurns(c.Request.Context(), conversationID, userID)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "failed to load history", err)
		return
	}

	messages := make([]gin.H, 0, len(turns))
	for _, turn := range turns {
		message := gin.H{
			"message_id": turn.MessageID,
			"role":       turn.Role,
			"content":    turn.Content,
			"created_at": turn.CreatedAt.Format(time.RFC3339),
		}
		if turn.Feedback != "" {
			message["feedback"] = turn.Feedback
		}
		if len(turn.Sources) > 0 {
			sources := make([]gin.H, len(turn.Sources))
			for i, src := range turn.Sources {
				sources[i] = gin.H{"title": src.Title, "url": src.URL}
			}
			message["sources"] = sources
		}
		messages = append(messages, message)
	}

	c.JSON(http.StatusOK, gin.H{"chat_id": conversationID, "messages": messages})
}

func (h *Handler) handleShare(c *gin.Context) {
	userID := c.GetString("userID")

	client, err := h.hub.ClientFor(c.Request.Context(), userID)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "failed to open chat session", err)
		return
	}

	url, err := client.ShareLink(c.Param("messageId"))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"url": url})
	case errors.Is(err, chat.ErrNoConversation):
		writeError(c, http.StatusConflict, "no conversation to share yet", err)
	case errors.Is(err, chat.ErrUnknownMessage):
		writeError(c, http.StatusNotFound, "unknown message", err)
	default:
		writeError(c, http.StatusInternalServerError, "failed to build share link", err)
	}
}

type createEventRequest struct {
	Title       string `json:"title"`
	ScheduledAt string `json:"scheduled_at"`
}

func (h *Handler) handleCreateEvent(c *gin.Context) {
	userID := c.GetString("userID")

	var req createEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid payload", err)
		return
	}

	title := strings.TrimSpace(req.Title)
	if title == "" {
		writeError(c, http.StatusBadRequest, "title is required", errMissingTitle)
		return
	}

	scheduledAt, err := time.Parse(time.RFC3339, req.ScheduledAt)
	if err != nil {
		writeError(c, http.StatusBadRequest, "scheduled_at must be RFC 3339", err)
		return
	}

	event := reminder.DiaryEvent{
		ID:          uuid.NewString(),
		OwnerID:     userID,
		Title:       title,
		ScheduledAt: scheduledAt.UTC(),
		CreatedAt:   time.Now().UTC(),
	}

	if err := h.diary.CreateEvent(c.Request.Context(), event); err != nil {
		writeError(c, http.StatusInternalServerError, "failed to create event", err)
		return
	}

	c.JSON(http.StatusCreated, eventResponse(event))
}

func (h *Handler) handleListEvents(c *gin.Context) {
	userID := c.GetString("userID")

	events, err := h.diary.ListEventsForOwner(c.Request.Context(), userID)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "failed to list events", err)
		return
	}

	out := make([]gin.H, len(events))
	for i, event := range events {
		out[i] = eventResponse(event)
	}

	c.JSON(http.StatusOK, gin.H{"events": out})
}

// handleRemindersRun is the external-scheduler trigger. The response
// shape is for scheduler and operator logs, not end users.
func (h *Handler) handleRemindersRun(c *gin.Context) {
	if h.triggerToken != "" && c.GetHeader("X-Internal-Token") != h.triggerToken {
		writeError(c, http.StatusUnauthorized, "invalid trigger token", errBadTriggerToken)
		return
	}

	notified, err := h.runner.Run(c.Request.Context())
	if err != nil {
		h.logger.Errorw("reminder run failed", "notified", notified, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "notified": notified})
}

var (
	errMissingTitle    = errors.New("title is required")
	errBadTriggerToken = errors.New("trigger token mismatch")
)

func eventResponse(event reminder.DiaryEvent) gin.H {
	return gin.H{
		"id":           event.ID,
		"title":        event.Title,
		"scheduledAt":  event.ScheduledAt.Format(time.RFC3339),
		"reminderSent": event.ReminderSent,
		"createdAt":    event.CreatedAt.Format(time.RFC3339),
	}
}

func newAuthResponse(result *auth.AuthResult) gin.H {
	return gin.H{
		"token":     result.Token,
		"expiresAt": result.ExpiresAt.Format(time.RFC3339),
		"user": gin.H{
			"id":        result.User.ID,
			"username":  result.User.Username,
			"email":     result.User.Email,
			"createdAt": result.User.CreatedAt.Format(time.RFC3339),
			"updatedAt": result.User.UpdatedAt.Format(time.RFC3339),
		},
	}
}

func writeError(c *gin.Context, status int, message string, err error) {
	c.JSON(status, gin.H{
		"error":   message,
		"details": err.Error(),
	})
}
