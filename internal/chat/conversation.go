package chat

import (
	"errors"
	"sync"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Feedback is the per-message feedback state. Once a message has been
// liked or disliked it can only flip between the two.
type Feedback string

const (
	FeedbackNone     Feedback = ""
	FeedbackLiked    Feedback = "like"
	FeedbackDisliked Feedback = "dislike"
)

// Source is one citation attached to a completed assistant message.
type Source struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

var (
	ErrUnknownMessage   = errors.New("chat: unknown message id")
	ErrNotAssistant     = errors.New("chat: message is not an assistant turn")
	ErrFeedbackRequired = errors.New("chat: feedback kind is required")
)

// Message is one turn of a conversation. Assistant text accumulates
// chunk by chunk while Pending is set; Sources are attached exactly
// once when the stream completes.
type Message struct {
	ID              string
	Role            Role
	Text            string
	Timestamp       time.Time
	Sources         []Source
	AttachmentNames []string
	Feedback        Feedback
	Pending         bool
}

// Conversation holds the ordered turns of a chat session plus an id
// index so per-chunk updates do not rescan the turn list. A single
// stream-reading goroutine owns the open assistant message; the mutex
// only guards against readers snapshotting mid-append.
type Conversation struct {
	mu     sync.Mutex
	id     string
	turns  []*Message
	index  map[string]*Message
	openID string
}

func NewConversation(id string) *Conversation {
	return &Conversation{
		id:    id,
		index: make(map[string]*Message),
	}
}

func (c *Conversation) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// SetID records the backend-assigned conversation id. It is captured
// from the first terminal frame and never overwritten afterwards.
func (c *Conversation) SetID(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.id != "" || id == "" {
		return false
	}
	c.id = id
	return true
}

func (c *Conversation) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.turns)
}

// Messages returns a snapshot of the turns in display order.
func (c *Conversation) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Message, len(c.turns))
	for i, m := range c.turns {
		out[i] = *m
	}
	return out
}

func (c *Conversation) Message(id string) (Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.index[id]
	if !ok {
		return Message{}, false
	}
	return *m, true
}

// AppendUser appends a user turn with its text fixed at creation.
func (c *Conversation) AppendUser(id, text string, attachmentNames []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	msg := &Message{
		ID:              id,
		Role:            RoleUser,
		Text:            text,
		Timestamp:       time.Now().UTC(),
		AttachmentNames: attachmentNames,
	}
	c.turns = append(c.turns, msg)
	c.index[id] = msg
}

// OpenAssistant opens the accumulation target for a stream. When the
// id already exists (regeneration) the message text is reset in place
// so no duplicate bubble appears; otherwise a new turn is appended.
// At most one assistant message is open at a time.
func (c *Conversation) OpenAssistant(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.index[id]; ok {
		existing.Text = ""
		existing.Sources = nil
		existing.Pending = true
		c.openID = id
		return
	}

	msg := &Message{
		ID:        id,
		Role:      RoleAssistant,
		Timestamp: time.Now().UTC(),
		Pending:   true,
	}
	c.turns = append(c.turns, msg)
	c.index[id] = msg
	c.openID = id
}

// AppendChunk appends streamed content to the open assistant message
// in arrival order.
func (c *Conversation) AppendChunk(id, content string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if msg, ok := c.index[id]; ok {
		msg.Text += content
	}
}

// Complete closes the open assistant message, attaching sources
// exactly once.
func (c *Conversation) Complete(id string, sources []Source) {
	c.mu.Lock()
	defer c.mu.Unlock()

	msg, ok := c.index[id]
	if !ok {
		return
	}
	if len(sources) > 0 && msg.Sources == nil {
		msg.Sources = sources
	}
	msg.Pending = false
	if c.openID == id {
		c.openID = ""
	}
}

// Fail closes the open assistant message after a transport failure,
// appending a visible error suffix to whatever text already arrived.
func (c *Conversation) Fail(id, suffix string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	msg, ok := c.index[id]
	if !ok {
		return
	}
	msg.Text += suffix
	msg.Pending = false
	if c.openID == id {
		c.openID = ""
	}
}

// SetFeedback applies the monotonic feedback transition: none may
// move to liked or disliked, and the two may flip, but a set value
// never returns to none.
func (c *Conversation) SetFeedback(id string, kind Feedback) error {
	if kind != FeedbackLiked && kind != FeedbackDisliked {
		return ErrFeedbackRequired
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	msg, ok := c.index[id]
	if !ok {
		return ErrUnknownMessage
	}
	if msg.Role != RoleAssistant {
		return ErrNotAssistant
	}
	msg.Feedback = kind
	return nil
}

// PrecedingUser returns the user turn immediately before the given
// assistant message, if there is one. Regeneration resubmits its text.
func (c *Conversation) PrecedingUser(id string) (Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, m := range c.turns {
		if m.ID != id {
			continue
		}
		if i == 0 || c.turns[i-1].Role != RoleUser {
			return Message{}, false
		}
		return *c.turns[i-1], true
	}
	return Message{}, false
}
