package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lexaid/lexaid/internal/auth"
	"github.com/lexaid/lexaid/internal/chat"
	"github.com/lexaid/lexaid/internal/db"
	"github.com/lexaid/lexaid/internal/reminder"
)

type memoryUserStore struct {
	users map[string]auth.User
}

func newMemoryUserStore() *memoryUserStore {
	return &memoryUserStore{users: make(map[string]auth.User)}
}

func (s *memoryUserStore) CreateUser(_ context.Context, user auth.User) error {
	for _, existing := range s.users {
		if strings.EqualFold(existing.Username, user.Username) {
			return auth.ErrUserExists
		}
		if user.Email != "" && strings.EqualFold(existing.Email, user.Email) {
			return auth.ErrEmailExists
		}
	}
	s.users[user.ID] = user
	return nil
}

func (s *memoryUserStore) UserByIdentifier(_ context.Context, identifier string) (*auth.User, error) {
	for _, user := range s.users {
		if strings.EqualFold(user.Username, identifier) || (user.Email != "" && strings.EqualFold(user.Email, identifier)) {
			u := user
			return &u, nil
		}
	}
	return nil, auth.ErrUserNotFound
}

func (s *memoryUserStore) UserByID(_ context.Context, id string) (*auth.User, error) {
	user, ok := s.users[id]
	if !ok {
		return nil, auth.ErrUserNotFound
	}
	u := user
	return &u, nil
}

func (s *memoryUserStore) TouchUser(_ context.Context, id string, updatedAt time.Time) error {
	user, ok := s.users[id]
	if !ok {
		return auth.ErrUserNotFound
	}
	user.UpdatedAt = updatedAt
	s.users[id] = user
	return nil
}

type fakeHistory struct {
	turns []db.ArchivedTurn
	err   error
}

func (h *fakeHistory) ListTurns(_ context.Context, conversationID, userID string) ([]db.ArchivedTurn, error) {
	if h.err != nil {
		return nil, h.err
	}
	var out []db.ArchivedTurn
	for _, turn := range h.turns {
		if turn.ConversationID == conversationID && turn.UserID == userID {
			out = append(out, turn)
		}
	}
	return out, nil
}

type fakeDiary struct {
	events []reminder.DiaryEvent
}

func (d *fakeDiary) CreateEvent(_ context.Context, event reminder.DiaryEvent) error {
	d.events = append(d.events, event)
	return nil
}

func (d *fakeDiary) ListEventsForOwner(_ context.Context, ownerID string) ([]reminder.DiaryEvent, error) {
	var out []reminder.DiaryEvent
	for _, event := range d.events {
		if event.OwnerID == ownerID {
			out = append(out, event)
		}
	}
	return out, nil
}

type fakeRunner struct {
	notified int
	err      error
	calls    int
}

func (r *fakeRunner) Run(_ context.Context) (int, error) {
	r.calls++
	return r.notified, r.err
}

type testEnv struct {
	router  *gin.Engine
	history *fakeHistory
	diary   *fakeDiary
	runner  *fakeRunner
}

// newTestEnv wires a router against an in-memory user store and a
// stub assistant endpoint that streams a fixed reply.
func newTestEnv(t *testing.T, triggerToken string) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	inference := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ask":
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, "data: {\"content\":\"The statute of limitations \"}\n\n")
			fmt.Fprint(w, "data: {\"content\":\"varies by claim.\"}\n\n")
			fmt.Fprint(w, "data: {\"type\":\"done\",\"chat_id\":\"c-history\"}\n\n")
		case "/feedback":
			w.WriteHeader(http.StatusOK)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(inference.Close)

	authService, err := auth.NewService("test-secret", time.Hour, newMemoryUserStore())
	if err != nil {
		t.Fatalf("failed to build auth service: %v", err)
	}

	hub := chat.NewHub(func(ctx context.Context, userID string) (*chat.Client, error) {
		return chat.NewClient(ctx, chat.ClientConfig{
			BaseURL:    inference.URL,
			UserID:     userID,
			HTTPClient: inference.Client(),
		})
	})

	env := &testEnv{
		history: &fakeHistory{},
		diary:   &fakeDiary{},
		runner:  &fakeRunner{notified: 2},
	}

	router := gin.New()
	NewHandler(authService, hub, env.history, env.diary, env.runner, triggerToken, nil).RegisterRoutes(router)
	env.router = router

	return env
}

func (e *testEnv) do(t *testing.T, method, path, token string, body []byte, contentType string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) register(t *testing.T, username string) string {
	t.Helper()

	payload, _ := json.Marshal(gin.H{"username": username, "email": username + "@example.com", "password": "hunter22"})
	rec := e.do(t, http.MethodPost, "/api/auth/register", "", payload, "application/json")
	if rec.Code != http.StatusCreated {
		t.Fatalf("register returned %d: %s", rec.Code, rec.Body.String())
	}

	var out struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("failed to decode register response: %v", err)
	}
	if out.Token == "" {
		t.Fatal("register returned no token")
	}
	return out.Token
}

func askForm(t *testing.T, question string) ([]byte, string) {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	if err := writer.WriteField("question", question); err != nil {
		t.Fatalf("failed to build form: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close form: %v", err)
	}
	return body.Bytes(), writer.FormDataContentType()
}

func TestAuthMiddlewareRejectsMissingOrBadToken(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.do(t, http.MethodGet, "/api/chat/history", "", nil, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/chat/history", "garbage-token", nil, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with bad token, got %d", rec.Code)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	env := newTestEnv(t, "")
	env.register(t, "counsel")

	payload, _ := json.Marshal(gin.H{"identifier": "counsel", "password": "wrong"})
	rec := env.do(t, http.MethodPost, "/api/auth/login", "", payload, "application/json")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestAskStreamsEvents(t *testing.T) {
	env := newTestEnv(t, "")
	token := env.register(t, "counsel")

	body, contentType := askForm(t, "How long is the limitation period?")
	rec := env.do(t, http.MethodPost, "/api/chat/ask", token, body, contentType)

	if rec.Code != http.StatusOK {
		t.Fatalf("ask returned %d: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("unexpected content type: %q", got)
	}

	out := rec.Body.String()
	if !strings.Contains(out, `"content":"The statute of limitations "`) {
		t.Fatalf("missing chunk frame in output: %s", out)
	}
	if !strings.Contains(out, `"type":"done"`) || !strings.Contains(out, `"chat_id":"c-history"`) {
		t.Fatalf("missing done frame in output: %s", out)
	}
	if !strings.HasSuffix(out, "data: [DONE]\n\n") {
		t.Fatalf("missing terminal sentinel: %s", out)
	}
}

func TestAskRejectsEmptySubmission(t *testing.T) {
	env := newTestEnv(t, "")
	token := env.register(t, "counsel")

	body, contentType := askForm(t, "   ")
	rec := env.do(t, http.MethodPost, "/api/chat/ask", token, body, contentType)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty ask, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestFeedbackEndpoint(t *testing.T) {
	env := newTestEnv(t, "")
	token := env.register(t, "counsel")

	body, contentType := askForm(t, "question")
	if rec := env.do(t, http.MethodPost, "/api/chat/ask", token, body, contentType); rec.Code != http.StatusOK {
		t.Fatalf("ask returned %d", rec.Code)
	}

	payload, _ := json.Marshal(gin.H{"message_id": "no-such-message", "feedback_type": "like"})
	rec := env.do(t, http.MethodPost, "/api/chat/feedback", token, payload, "application/json")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown message, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHistoryEndpoint(t *testing.T) {
	env := newTestEnv(t, "")
	token := env.register(t, "counsel")

	// Without a conversation yet the endpoint answers empty instead of
	// failing.
	rec := env.do(t, http.MethodGet, "/api/chat/history", token, nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("history returned %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"messages":[]`) {
		t.Fatalf("expected empty history, got %s", rec.Body.String())
	}

	var userID string
	payload, _ := json.Marshal(gin.H{"identifier": "counsel", "password": "hunter22"})
	loginRec := env.do(t, http.MethodPost, "/api/auth/login", "", payload, "application/json")
	var login struct {
		User struct {
			ID string `json:"id"`
		} `json:"user"`
	}
	if err := json.Unmarshal(loginRec.Body.Bytes(), &login); err != nil {
		t.Fatalf("failed to decode login response: %v", err)
	}
	userID = login.User.ID

	env.history.turns = []db.ArchivedTurn{
		{ConversationID: "c-history", UserID: userID, MessageID: "m-1", Role: "user", Content: "question", CreatedAt: time.Now().UTC()},
		{ConversationID: "c-history", UserID: userID, MessageID: "m-2", Role: "assistant", Content: "answer", Feedback: "like", CreatedAt: time.Now().UTC()},
	}

	rec = env.do(t, http.MethodGet, "/api/chat/history?chat_id=c-history", token, nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("history returned %d: %s", rec.Code, rec.Body.String())
	}
	out := rec.Body.String()
	if !strings.Contains(out, `"chat_id":"c-history"`) || !strings.Contains(out, `"content":"answer"`) {
		t.Fatalf("unexpected history payload: %s", out)
	}
	if !strings.Contains(out, `"feedback":"like"`) {
		t.Fatalf("feedback missing from history payload: %s", out)
	}
}

func TestShareEndpoint(t *testing.T) {
	env := newTestEnv(t, "")
	token := env.register(t, "counsel")

	rec := env.do(t, http.MethodGet, "/api/chat/share/m-1", token, nil, "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 before any conversation, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestDiaryEvents(t *testing.T) {
	env := newTestEnv(t, "")
	token := env.register(t, "counsel")

	payload, _ := json.Marshal(gin.H{"title": "Client hearing", "scheduled_at": "2026-09-01T10:00:00Z"})
	rec := env.do(t, http.MethodPost, "/api/diary/events", token, payload, "application/json")
	if rec.Code != http.StatusCreated {
		t.Fatalf("create event returned %d: %s", rec.Code, rec.Body.String())
	}
	if len(env.diary.events) != 1 || env.diary.events[0].Title != "Client hearing" {
		t.Fatalf("event not stored: %+v", env.diary.events)
	}

	payload, _ = json.Marshal(gin.H{"title": "  ", "scheduled_at": "2026-09-01T10:00:00Z"})
	if rec := env.do(t, http.MethodPost, "/api/diary/events", token, payload, "application/json"); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing title, got %d", rec.Code)
	}

	payload, _ = json.Marshal(gin.H{"title": "Hearing", "scheduled_at": "tomorrow"})
	if rec := env.do(t, http.MethodPost, "/api/diary/events", token, payload, "application/json"); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad timestamp, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/diary/events", token, nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list events returned %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"title":"Client hearing"`) {
		t.Fatalf("event missing from listing: %s", rec.Body.String())
	}
}

func TestRemindersRunTrigger(t *testing.T) {
	env := newTestEnv(t, "secret-token")

	rec := env.do(t, http.MethodPost, "/internal/reminders/run", "", nil, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without trigger token, got %d", rec.Code)
	}
	if env.runner.calls != 0 {
		t.Fatal("runner must not run without a valid token")
	}

	req := httptest.NewRequest(http.MethodPost, "/internal/reminders/run", nil)
	req.Header.Set("X-Internal-Token", "secret-token")
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("trigger returned %d: %s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), `"notified":2`) {
		t.Fatalf("unexpected trigger response: %s", rr.Body.String())
	}
	if env.runner.calls != 1 {
		t.Fatalf("expected exactly one run, got %d", env.runner.calls)
	}
}

func TestRemindersRunReportsFailure(t *testing.T) {
	env := newTestEnv(t, "")
	env.runner.err = errors.New("smtp down")

	rec := env.do(t, http.MethodPost, "/internal/reminders/run", "", nil, "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 on runner failure, got %d: %s", rec.Code, rec.Body.String())
	}
}
