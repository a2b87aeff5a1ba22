package handlers

import (
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/tmaxmax/go-sse"

	quill "github.com/lunahq/quill"
	"github.com/lunahq/quill/internal/models"
	"github.com/lunahq/quill/internal/session"
	"github.com/lunahq/quill/internal/transcript"
)

// TitleGenerator produces a short conversation title from the first user
// message.
type TitleGenerator interface {
	Generate(ctx context.Context, messages []models.ChatMessage) (string, error)
}

// Store is the persistence boundary the web surface reads conversations and
// messages through. The session controllers share its AppendMessage side.
type Store interface {
	Conversations(ctx context.Context, userID string) ([]models.Conversation, error)
	AddConversation(ctx context.Context, conv models.Conversation) (string, error)
	UpdateConversation(ctx context.Context, conv models.Conversation) error

	Messages(ctx context.Context, conversationID string) ([]models.Message, error)
	AppendMessage(ctx context.Context, conversationID string, message models.Message) (string, error)
}

// Identity exposes the current user id. The core treats it as an opaque
// value used only to scope conversation ownership.
type Identity interface {
	CurrentUserID() string
}

// Config wires the collaborators of the web surface together. One session
// controller is created per assistant, all sharing the same transport.
type Config struct {
	Assistants []session.Assistant

	LLM            session.LLM
	TitleGenerator TitleGenerator
	TitlePrompt    string

	Store    Store
	Identity Identity
	Searcher session.Searcher
	Memory   session.Memory
}

// Main handles the core chat surface: it owns the SSE server, the HTML
// templates, and one session controller per assistant persona.
type Main struct {
	sseSrv    *sse.Server
	templates *template.Template

	cfg         Config
	controllers map[string]*session.Controller
	order       []session.Assistant

	mu          sync.Mutex
	transcripts map[string]*transcript.Transcript

	logger *slog.Logger
}

const (
	conversationsSSETopic = "conversations"

	errLoggerKey = "err"
)

// SSE event types for real-time updates.
var (
	conversationsSSEType = sse.Type("conversations")
	messagesSSEType      = sse.Type("messages")
	removeSSEType        = sse.Type("remove")
)

func messageIDTopic(messageID string) string {
	return fmt.Sprintf("message-%s", messageID)
}

func conversationTopic(conversationID string) string {
	return fmt.Sprintf("conversation-%s", conversationID)
}

// NewMain parses the embedded templates, configures the SSE server, and
// builds the per-assistant session controllers.
func NewMain(cfg Config, logger *slog.Logger) (*Main, error) {
	tmpl, err := template.ParseFS(
		quill.TemplateFS,
		"templates/layout/*.html",
		"templates/pages/*.html",
		"templates/partials/*.html",
	)
	if err != nil {
		return nil, err
	}

	m := &Main{
		templates:   tmpl,
		cfg:         cfg,
		controllers: make(map[string]*session.Controller),
		order:       cfg.Assistants,
		transcripts: make(map[string]*transcript.Transcript),
		logger:      logger.With(slog.String("module", "handlers")),
	}

	m.sseSrv = &sse.Server{
		OnSession: func(s *sse.Session) (sse.Subscription, bool) {
			topics := []string{sse.DefaultTopic, conversationsSSETopic}

			// Message- and conversation-specific topics are joined on demand.
			if messageID := s.Req.URL.Query().Get("message_id"); messageID != "" {
				topics = append(topics, messageIDTopic(messageID))
			}
			if conversationID := s.Req.URL.Query().Get("conversation_id"); conversationID != "" {
				topics = append(topics, conversationTopic(conversationID))
			}

			return sse.Subscription{
				Client:      s,
				LastEventID: s.LastEventID,
				Topics:      topics,
			}, true
		},
	}

	collab := session.Collaborators{
		Store:     cfg.Store,
		Searcher:  cfg.Searcher,
		Memory:    cfg.Memory,
		OnMessage: m.publishMessage,
		OnRemove:  m.publishRemove,
	}
	for _, assistant := range cfg.Assistants {
		m.controllers[assistant.ID] = session.NewController(assistant, cfg.LLM, collab, logger)
	}

	return m, nil
}

// HandleSSE serves the event stream clients subscribe to for live message
// and conversation updates.
func (m *Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	m.sseSrv.ServeHTTP(w, r)
}

// Shutdown broadcasts a close event and terminates the SSE server, waiting
// up to 5 seconds for clients to disconnect.
func (m *Main) Shutdown(ctx context.Context) error {
	e := &sse.Message{Type: sse.Type("closeChat")}
	// The SSE spec requires data on every event.
	e.AppendData("bye")

	_ = m.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}

// controller returns the session controller for an assistant id.
func (m *Main) controller(assistantID string) (*session.Controller, bool) {
	c, ok := m.controllers[assistantID]
	return c, ok
}

// transcriptFor returns the live transcript for a conversation, loading
// persisted messages on first touch.
func (m *Main) transcriptFor(ctx context.Context, conversationID string) (*transcript.Transcript, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if tr, ok := m.transcripts[conversationID]; ok {
		return tr, nil
	}

	msgs, err := m.cfg.Store.Messages(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	tr := transcript.NewFromMessages(conversationID, msgs)
	m.transcripts[conversationID] = tr
	return tr, nil
}

// publishMessage pushes a message's freshly rendered content to its SSE
// topic. It runs on every typewriter reveal tick, so failures are logged and
// dropped rather than propagated.
func (m *Main) publishMessage(conversationID string, msg models.Message) {
	view, err := viewOf(msg)
	if err != nil {
		m.logger.Error("Failed to render message",
			slog.String("messageID", msg.ID),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	e := sse.Message{Type: messagesSSEType}
	e.AppendData(string(view.Content))
	if err := m.sseSrv.Publish(&e, messageIDTopic(msg.ID)); err != nil {
		m.logger.Error("Failed to publish message",
			slog.String("messageID", msg.ID),
			slog.String(errLoggerKey, err.Error()))
	}

	if !msg.Streaming {
		// Let conversation-level subscribers re-render the closed message
		// with its final state.
		ce := sse.Message{Type: messagesSSEType}
		ce.AppendData(msg.ID)
		_ = m.sseSrv.Publish(&ce, conversationTopic(conversationID))
	}
}

// publishRemove tells subscribers an ephemeral message is gone.
func (m *Main) publishRemove(conversationID, messageID string) {
	e := sse.Message{Type: removeSSEType}
	e.AppendData(messageID)
	if err := m.sseSrv.Publish(&e, conversationTopic(conversationID)); err != nil {
		m.logger.Error("Failed to publish removal",
			slog.String("messageID", messageID),
			slog.String(errLoggerKey, err.Error()))
	}
}
