package handlers_test

import (
	"context"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lunahq/quill/internal/handlers"
	"github.com/lunahq/quill/internal/models"
	"github.com/lunahq/quill/internal/session"
)

type mockLLM struct {
	responses []string
	full      string
	err       error
}

type mockStore struct {
	mu            sync.Mutex
	conversations []models.Conversation
	messages      map[string][]models.Message
	err           error
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type mockIdentity struct {
	userID string
}

func testAssistants() []session.Assistant {
	return []session.Assistant{
		{
			ID:           "math",
			Label:        "Math",
			Color:        "#7c3aed",
			SystemPrompt: "You are a math tutor.",
		},
		{
			ID:           "cuisine",
			Label:        "Cuisine",
			Color:        "#dc2626",
			SystemPrompt: "You are a cooking assistant.",
		},
	}
}

func newTestMain(t *testing.T, llm *mockLLM, store *mockStore) *handlers.Main {
	t.Helper()

	main, err := handlers.NewMain(handlers.Config{
		Assistants:     testAssistants(),
		LLM:            llm,
		TitleGenerator: llm,
		Store:          store,
		Identity:       mockIdentity{userID: "user-1"},
	}, discardLogger())
	if err != nil {
		t.Fatalf("NewMain() error = %v", err)
	}
	return main
}

func TestNewMain(t *testing.T) {
	main := newTestMain(t, &mockLLM{}, &mockStore{messages: map[string][]models.Message{}})

	if main.Shutdown(context.Background()) != nil {
		t.Error("Shutdown() should not return error")
	}
}

func TestHandleHome(t *testing.T) {
	store := &mockStore{
		conversations: []models.Conversation{
			{ID: "1", UserID: "user-1", Assistant: "math", Title: "Test Conversation"},
		},
		messages: map[string][]models.Message{
			"1": {{ID: "1", IsUser: true, Text: "Hello"}},
		},
	}
	main := newTestMain(t, &mockLLM{}, store)

	tests := []struct {
		name       string
		url        string
		wantStatus int
		wantBody   string
	}{
		{
			name:       "Home page without conversation",
			url:        "/",
			wantStatus: http.StatusOK,
			wantBody:   "Test Conversation",
		},
		{
			name:       "Home page with conversation",
			url:        "/?conversation_id=1",
			wantStatus: http.StatusOK,
			wantBody:   "Hello",
		},
		{
			name:       "Home page lists assistants",
			url:        "/",
			wantStatus: http.StatusOK,
			wantBody:   "Cuisine",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.url, nil)
			w := httptest.NewRecorder()

			main.HandleHome(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("HandleHome() status = %v, want %v", w.Code, tt.wantStatus)
			}

			if !strings.Contains(w.Body.String(), tt.wantBody) {
				t.Errorf("HandleHome() body = %v, want to contain %v", w.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestHandleChats(t *testing.T) {
	store := &mockStore{
		messages: map[string][]models.Message{},
	}

	tests := []struct {
		name           string
		method         string
		message        string
		assistantID    string
		conversationID string
		wantStatus     int
	}{
		{
			name:       "Invalid method",
			method:     http.MethodGet,
			wantStatus: http.StatusMethodNotAllowed,
		},
		{
			name:        "Empty message",
			method:      http.MethodPost,
			assistantID: "math",
			wantStatus:  http.StatusBadRequest,
		},
		{
			name:        "Unknown assistant",
			method:      http.MethodPost,
			message:     "Hello",
			assistantID: "nope",
			wantStatus:  http.StatusBadRequest,
		},
		{
			name:        "New conversation",
			method:      http.MethodPost,
			message:     "Hello",
			assistantID: "math",
			wantStatus:  http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			llm := &mockLLM{responses: []string{"AI response"}, full: "AI response"}
			main := newTestMain(t, llm, store)

			form := url.Values{}
			form.Set("message", tt.message)
			form.Set("assistant_id", tt.assistantID)
			form.Set("conversation_id", tt.conversationID)
			req := httptest.NewRequest(tt.method, "/chat", strings.NewReader(form.Encode()))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			w := httptest.NewRecorder()

			main.HandleChats(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("HandleChats() status = %v, want %v", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestHandleChatsPersistsReply(t *testing.T) {
	store := &mockStore{
		messages: map[string][]models.Message{},
	}
	llm := &mockLLM{responses: []string{"The answer is 4."}, full: "The answer is 4."}
	main := newTestMain(t, llm, store)

	form := url.Values{}
	form.Set("message", "What is 2+2?")
	form.Set("assistant_id", "math")
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()

	main.HandleChats(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("HandleChats() status = %v, want %v", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), "What is 2+2?") {
		t.Errorf("HandleChats() body should contain the user message, got %v", w.Body.String())
	}

	// The reply completes asynchronously; wait for the store to receive both
	// sides of the turn.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if store.messageCount() >= 2 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("reply was never persisted")
}

func TestHandleStop(t *testing.T) {
	store := &mockStore{messages: map[string][]models.Message{}}
	main := newTestMain(t, &mockLLM{}, store)

	form := url.Values{}
	form.Set("assistant_id", "math")
	req := httptest.NewRequest(http.MethodPost, "/stop", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()

	main.HandleStop(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("HandleStop() status = %v, want %v", w.Code, http.StatusNoContent)
	}
}

func (m *mockLLM) Chat(_ context.Context, _ []models.ChatMessage) iter.Seq2[models.Chunk, error] {
	return func(yield func(models.Chunk, error) bool) {
		if m.err != nil {
			yield(models.Chunk{}, m.err)
			return
		}
		for _, resp := range m.responses {
			if !yield(models.Delta(resp), nil) {
				return
			}
		}
		yield(models.Completed(m.full), nil)
	}
}

func (m *mockLLM) Generate(_ context.Context, _ []models.ChatMessage) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	return m.full, nil
}

func (m mockIdentity) CurrentUserID() string {
	return m.userID
}

func (m *mockStore) messageCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, msgs := range m.messages {
		total += len(msgs)
	}
	return total
}

func (m *mockStore) Conversations(_ context.Context, userID string) ([]models.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	var convs []models.Conversation
	for _, conv := range m.conversations {
		if conv.UserID == userID {
			convs = append(convs, conv)
		}
	}
	return convs, nil
}

func (m *mockStore) AddConversation(_ context.Context, conv models.Conversation) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	m.conversations = append(m.conversations, conv)
	return conv.ID, nil
}

func (m *mockStore) UpdateConversation(_ context.Context, conv models.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := slices.IndexFunc(m.conversations, func(c models.Conversation) bool { return c.ID == conv.ID })
	if idx == -1 {
		return fmt.Errorf("conversation not found")
	}
	m.conversations[idx] = conv
	return m.err
}

func (m *mockStore) Messages(_ context.Context, conversationID string) ([]models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return m.messages[conversationID], nil
}

func (m *mockStore) AppendMessage(_ context.Context, conversationID string, msg models.Message) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	m.messages[conversationID] = append(m.messages[conversationID], msg)
	return msg.ID, nil
}
