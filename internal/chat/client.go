package chat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lexaid/lexaid/internal/db"
)

const (
	defaultHTTPTimeout = 5 * time.Minute
	maxFrameSize       = 1024 * 1024

	attachmentLabelPrefix = "Attached files: "

	// errorSuffix is appended to the open assistant message when the
	// stream fails, so the partial reply stays visible with a marker.
	errorSuffix = "\n\n[Error: the assistant response was interrupted. Please try again.]"
)

var (
	ErrAuthRequired     = errors.New("chat: sign in to send a message")
	ErrNothingToSend    = errors.New("chat: question or files required")
	ErrSubmitInFlight   = errors.New("chat: a submit is already in flight")
	ErrNoConversation   = errors.New("chat: no conversation id yet")
	ErrFeedbackRejected = errors.New("chat: feedback was rejected")
)

type httpDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// Attachment is a pending file upload.
type Attachment struct {
	Name string
	Data []byte
}

// Archive persists completed turns and committed feedback. Archive
// failures never affect the in-memory conversation.
type Archive interface {
	AppendTurns(ctx context.Context, turns []db.ArchivedTurn) error
	RecordFeedback(ctx context.Context, messageID, feedback string) error
}

// StreamObserver receives stream progress, used by the HTTP layer to
// relay frames downstream while the client assembles message state.
type StreamObserver interface {
	OnChunk(messageID, content string)
	OnDone(message Message, conversationID string)
	OnError(messageID string, err error)
}

// ClientConfig wires a Client's collaborators.
type ClientConfig struct {
	BaseURL      string
	APIKey       string
	ShareBaseURL string
	UserID       string
	HTTPClient   httpDoer
	Sessions     SessionStore
	Archive      Archive
	Logger       *zap.SugaredLogger
	Notify       func(message string)
	Timeout      time.Duration
}

// Client drives one user's conversation with the assistant endpoint:
// it submits questions, consumes the event stream into ordered
// message state and offers regenerate, feedback and share on
// completed assistant turns.
type Client struct {
	baseURL   string
	apiKey    string
	shareBase string
	http      httpDoer
	logger    *zap.SugaredLogger
	sessions  SessionStore
	archive   Archive
	notify    func(string)
	userID    string

	conv *Conversation

	mu           sync.Mutex
	pendingFiles []Attachment
	inFlight     bool
}

// NewClient builds a client for one user session, loading the last
// conversation id from the session store so follow-up questions keep
// their thread across sessions.
func NewClient(ctx context.Context, cfg ClientConfig) (*Client, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultHTTPTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	notify := cfg.Notify
	if notify == nil {
		notify = func(message string) {
			logger.Warnw("chat notice", "message", message)
		}
	}

	lastID := ""
	if cfg.Sessions != nil && cfg.UserID != "" {
		id, err := cfg.Sessions.LastConversationID(ctx, cfg.UserID)
		if err != nil {
			logger.Warnw("loading last conversation id", "user_id", cfg.UserID, "error", err)
		} else {
			lastID = id
		}
	}

	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:    strings.TrimSpace(cfg.APIKey),
		shareBase: strings.TrimRight(cfg.ShareBaseURL, "/"),
		http:      httpClient,
		logger:    logger,
		sessions:  cfg.Sessions,
		archive:   cfg.Archive,
		notify:    notify,
		userID:    cfg.UserID,
		conv:      NewConversation(lastID),
	}, nil
}

// Conversation exposes the assembled message state.
func (c *Client) Conversation() *Conversation {
	return c.conv
}

// AttachFile queues a file for the next submit. Files stay queued
// until a submit carrying them completes successfully.
func (c *Client) AttachFile(name string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pendingFiles = append(c.pendingFiles, Attachment{Name: name, Data: data})
}

func (c *Client) PendingFileNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	names := make([]string, len(c.pendingFiles))
	for i, f := range c.pendingFiles {
		names[i] = f.Name
	}
	return names
}

// CanSend reports whether the send control should be enabled: an
// authenticated caller, no submit in flight, and something to send.
func (c *Client) CanSend(question string) bool {
	if c.userID == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.inFlight && (strings.TrimSpace(question) != "" || len(c.pendingFiles) > 0)
}

// Submit sends the question plus any queued files and consumes the
// response stream into a new assistant turn. It returns the final
// state of that turn.
func (c *Client) Submit(ctx context.Context, question string, obs StreamObserver) (Message, error) {
	return c.submit(ctx, question, "", obs)
}

// Regenerate re-runs the turn that produced the given assistant
// message, reusing its id so the reply is rewritten in place. It is a
// no-op when the preceding turn is not a user message.
func (c *Client) Regenerate(ctx context.Context, messageID string, obs StreamObserver) (Message, error) {
	msg, ok := c.conv.Message(messageID)
	if !ok || msg.Role != RoleAssistant {
		return msg, nil
	}

	prev, ok := c.conv.PrecedingUser(messageID)
	if !ok {
		return msg, nil
	}

	return c.submit(ctx, prev.Text, messageID, obs)
}

func (c *Client) submit(ctx context.Context, question, regenerateID string, obs StreamObserver) (Message, error) {
	if c.userID == "" {
		c.notify("Please sign in before asking a question.")
		return Message{}, ErrAuthRequired
	}

	c.mu.Lock()
	if c.inFlight {
		c.mu.Unlock()
		return Message{}, ErrSubmitInFlight
	}
	var files []Attachment
	if regenerateID == "" {
		files = append(files, c.pendingFiles...)
	}
	if strings.TrimSpace(question) == "" && len(files) == 0 {
		c.mu.Unlock()
		return Message{}, ErrNothingToSend
	}
	c.inFlight = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.inFlight = false
		c.mu.Unlock()
	}()

	assistantID := regenerateID
	var userTurnID string
	if assistantID == "" {
		userText := question
		names := make([]string, len(files))
		for i, f := range files {
			names[i] = f.Name
		}
		if strings.TrimSpace(question) == "" {
			userText = attachmentLabelPrefix + strings.Join(names, ", ")
		}
		userTurnID = uuid.NewString()
		c.conv.AppendUser(userTurnID, userText, names)
		assistantID = uuid.NewString()
	}
	c.conv.OpenAssistant(assistantID)

	req, err := c.buildAskRequest(ctx, question, files)
	if err != nil {
		return c.fail(assistantID, obs, fmt.Errorf("build ask request: %w", err))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return c.fail(assistantID, obs, fmt.Errorf("call ask endpoint: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return c.fail(assistantID, obs, fmt.Errorf("ask endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))))
	}

	if err := c.readStream(ctx, resp.Body, assistantID, obs); err != nil {
		return c.fail(assistantID, obs, err)
	}

	// The queued files were delivered; only now drop them so a failed
	// submit keeps the user's selection for retry.
	if len(files) > 0 {
		c.mu.Lock()
		c.pendingFiles = c.pendingFiles[len(files):]
		c.mu.Unlock()
	}

	final, _ := c.conv.Message(assistantID)
	c.archiveCompletedTurn(ctx, userTurnID, final)

	if obs != nil {
		obs.OnDone(final, c.conv.ID())
	}

	return final, nil
}

func (c *Client) buildAskRequest(ctx context.Context, question string, files []Attachment) (*http.Request, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	if err := writer.WriteField("question", question); err != nil {
		return nil, err
	}
	if id := c.conv.ID(); id != "" {
		if err := writer.WriteField("chat_id", id); err != nil {
			return nil, err
		}
	}
	if err := writer.WriteField("user_id", c.userID); err != nil {
		return nil, err
	}
	for _, file := range files {
		part, err := writer.CreateFormFile("files", file.Name)
		if err != nil {
			return nil, err
		}
		if _, err := part.Write(file.Data); err != nil {
			return nil, err
		}
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/ask", body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	return req, nil
}

// readStream consumes the event stream line by line. Only "data:"
// lines are inspected; chunks append in arrival order, malformed
// frames are logged and skipped, and a terminal frame (or the
// sentinel) finishes the message.
func (c *Client) readStream(ctx context.Context, body io.Reader, assistantID string, obs StreamObserver) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)

	done := false
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		payload, ok := dataPayload(line)
		if !ok || payload == "" {
			continue
		}

		frame, err := classifyFrame(payload)
		if err != nil {
			c.logger.Warnw("skipping malformed stream frame", "error", err)
			continue
		}

		if frame.Content != "" {
			c.conv.AppendChunk(assistantID, frame.Content)
			if obs != nil {
				obs.OnChunk(assistantID, frame.Content)
			}
		}

		if frame.Kind == FrameDone {
			if c.conv.SetID(frame.ChatID) && c.sessions != nil {
				if err := c.sessions.SaveConversationID(ctx, c.userID, frame.ChatID); err != nil {
					c.logger.Warnw("saving conversation id", "error", err)
				}
			}
			c.conv.Complete(assistantID, frame.Sources)
			done = true
			break
		}
	}

	if err := scanner.Err(); err != nil && !done {
		return fmt.Errorf("read stream: %w", err)
	}

	// A stream that ends without a terminal frame still produced a
	// complete reply; there are just no sources to attach.
	if !done {
		c.conv.Complete(assistantID, nil)
	}

	return nil
}

func (c *Client) fail(assistantID string, obs StreamObserver, err error) (Message, error) {
	c.conv.Fail(assistantID, errorSuffix)
	c.notify("The assistant is unavailable right now. Please try again.")
	c.logger.Warnw("assistant stream failed", "message_id", assistantID, "error", err)
	if obs != nil {
		obs.OnError(assistantID, err)
	}

	msg, _ := c.conv.Message(assistantID)
	return msg, err
}

func (c *Client) archiveCompletedTurn(ctx context.Context, userTurnID string, assistant Message) {
	if c.archive == nil {
		return
	}

	convID := c.conv.ID()
	if convID == "" {
		return
	}

	var turns []db.ArchivedTurn
	if userTurnID != "" {
		if user, ok := c.conv.Message(userTurnID); ok {
			turns = append(turns, archivedTurn(convID, c.userID, user))
		}
	}
	turns = append(turns, archivedTurn(convID, c.userID, assistant))

	if err := c.archive.AppendTurns(ctx, turns); err != nil {
		c.logger.Warnw("archiving conversation turns", "conversation_id", convID, "error", err)
	}
}

func archivedTurn(convID, userID string, msg Message) db.ArchivedTurn {
	turn := db.ArchivedTurn{
		ConversationID: convID,
		UserID:         userID,
		MessageID:      msg.ID,
		Role:           string(msg.Role),
		Content:        msg.Text,
		Feedback:       string(msg.Feedback),
		CreatedAt:      msg.Timestamp,
	}
	for _, src := range msg.Sources {
		turn.Sources = append(turn.Sources, db.ArchivedSource{Title: src.Title, URL: src.URL})
	}
	return turn
}

type feedbackRequest struct {
	ChatID       string `json:"chat_id"`
	MessageID    string `json:"message_id"`
	FeedbackType string `json:"feedback_type"`
}

// Feedback submits like/dislike for an assistant message. Local state
// only changes once the endpoint accepts it. Without a conversation
// id there is nothing to attribute the feedback to, so it is a no-op.
func (c *Client) Feedback(ctx context.Context, messageID string, kind Feedback) error {
	convID := c.conv.ID()
	if convID == "" {
		return nil
	}
	if kind != FeedbackLiked && kind != FeedbackDisliked {
		return ErrFeedbackRequired
	}

	msg, ok := c.conv.Message(messageID)
	if !ok {
		return ErrUnknownMessage
	}
	if msg.Role != RoleAssistant {
		return ErrNotAssistant
	}

	payload, err := json.Marshal(feedbackRequest{
		ChatID:       convID,
		MessageID:    messageID,
		FeedbackType: string(kind),
	})
	if err != nil {
		return fmt.Errorf("marshal feedback payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/feedback", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create feedback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.notify("Could not record your feedback. Please try again.")
		return fmt.Errorf("call feedback endpoint: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.notify("Could not record your feedback. Please try again.")
		return fmt.Errorf("%w: status %d", ErrFeedbackRejected, resp.StatusCode)
	}

	if err := c.conv.SetFeedback(messageID, kind); err != nil {
		return err
	}

	if c.archive != nil {
		if err := c.archive.RecordFeedback(ctx, messageID, string(kind)); err != nil {
			c.logger.Warnw("recording feedback", "message_id", messageID, "error", err)
		}
	}

	return nil
}

// ShareLink builds the shareable URL for the current conversation.
func (c *Client) ShareLink(messageID string) (string, error) {
	convID := c.conv.ID()
	if convID == "" {
		return "", ErrNoConversation
	}
	if _, ok := c.conv.Message(messageID); !ok {
		return "", ErrUnknownMessage
	}

	return c.shareBase + "/chat/" + convID, nil
}
