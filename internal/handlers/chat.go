package handlers

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"

	"github.com/lunahq/quill/internal/models"
	"github.com/lunahq/quill/internal/session"
)

type conversationItem struct {
	ID    string
	Title string

	Active bool
}

type messageView struct {
	ID        string
	IsUser    bool
	Content   template.HTML
	Timestamp string
	Ephemeral bool

	StreamingState string
}

// viewOf renders a message's markdown text to HTML for template use.
func viewOf(msg models.Message) (messageView, error) {
	content, err := models.RenderText(msg.Text)
	if err != nil {
		return messageView{}, fmt.Errorf("failed to render message text: %w", err)
	}

	state := "ended"
	if msg.Streaming {
		state = "loading"
		if msg.Text != "" {
			state = "streaming"
		}
	}

	return messageView{
		ID:             msg.ID,
		IsUser:         msg.IsUser,
		Content:        template.HTML(content),
		Timestamp:      msg.Timestamp,
		Ephemeral:      msg.Ephemeral,
		StreamingState: state,
	}, nil
}

// HandleChats processes chat submissions through HTTP POST requests. It
// accepts a "message" form field alongside an "assistant_id" and an optional
// "conversation_id"; when the conversation id is missing a new conversation
// is created and a title generated asynchronously.
//
// The matching assistant's session controller takes over from there: the
// user message and a streaming placeholder are appended to the conversation,
// and the reply is revealed through Server-Sent Events. For new
// conversations the handler renders the full chatbox template, otherwise the
// individual message partials.
func (m *Main) HandleChats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	text := r.FormValue("message")
	if strings.TrimSpace(text) == "" {
		m.logger.Error("Message is required")
		http.Error(w, "Message is required", http.StatusBadRequest)
		return
	}

	assistantID := r.FormValue("assistant_id")
	ctrl, ok := m.controller(assistantID)
	if !ok {
		m.logger.Error("Unknown assistant", slog.String("assistantID", assistantID))
		http.Error(w, "Unknown assistant", http.StatusBadRequest)
		return
	}

	var err error

	conversationID := r.FormValue("conversation_id")
	// A missing conversation id means the user started a fresh conversation,
	// which changes the template rendered below.
	isNew := false
	if conversationID == "" {
		conversationID, err = m.newConversation(assistantID)
		if err != nil {
			m.logger.Error("Failed to create conversation", slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		isNew = true
	}

	tr, err := m.transcriptFor(r.Context(), conversationID)
	if err != nil {
		m.logger.Error("Failed to load conversation",
			slog.String("conversationID", conversationID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if cur := ctrl.Current(); cur == nil || cur.ConversationID() != conversationID {
		ctrl.Reset(tr)
	}

	userMsgID, aiMsgID, err := ctrl.Submit(text)
	switch {
	case errors.Is(err, session.ErrEmptyMessage):
		http.Error(w, "Message is required", http.StatusBadRequest)
		return
	case errors.Is(err, session.ErrBusy):
		http.Error(w, "A reply is already in progress", http.StatusConflict)
		return
	case err != nil:
		m.logger.Error("Failed to submit message",
			slog.String("conversationID", conversationID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if isNew {
		go m.generateTitle(assistantID, conversationID, text)

		msgs := tr.Messages()
		views := make([]messageView, 0, len(msgs))
		for _, msg := range msgs {
			view, err := viewOf(msg)
			if err != nil {
				m.logger.Error("Failed to render message",
					slog.String("messageID", msg.ID),
					slog.String(errLoggerKey, err.Error()))
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			views = append(views, view)
		}

		data := homePageData{
			CurrentConversationID: conversationID,
			CurrentAssistantID:    assistantID,
			Messages:              views,
		}
		if err := m.templates.ExecuteTemplate(w, "chatbox", data); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	userMsg, _ := tr.Message(userMsgID)
	userView, err := viewOf(userMsg)
	if err != nil {
		m.logger.Error("Failed to render message",
			slog.String("messageID", userMsgID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := m.templates.ExecuteTemplate(w, "user_message", userView); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	aiMsg, _ := tr.Message(aiMsgID)
	aiView, err := viewOf(aiMsg)
	if err != nil {
		m.logger.Error("Failed to render message",
			slog.String("messageID", aiMsgID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := m.templates.ExecuteTemplate(w, "ai_message", aiView); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HandleStop interrupts the in-flight reply of an assistant, if any.
func (m *Main) HandleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	assistantID := r.FormValue("assistant_id")
	ctrl, ok := m.controller(assistantID)
	if !ok {
		http.Error(w, "Unknown assistant", http.StatusBadRequest)
		return
	}

	ctrl.Stop()
	w.WriteHeader(http.StatusNoContent)
}

func (m *Main) newConversation(assistantID string) (string, error) {
	conv := models.Conversation{
		ID:        uuid.New().String(),
		UserID:    m.cfg.Identity.CurrentUserID(),
		Assistant: assistantID,
	}
	convID, err := m.cfg.Store.AddConversation(context.Background(), conv)
	if err != nil {
		return "", fmt.Errorf("failed to add conversation: %w", err)
	}
	conv.ID = convID

	divs, err := m.conversationDivs(conv.ID)
	if err != nil {
		return "", fmt.Errorf("failed to create conversation divs: %w", err)
	}

	msg := sse.Message{
		Type: conversationsSSEType,
	}
	msg.AppendData(divs)

	if err := m.sseSrv.Publish(&msg, conversationsSSETopic); err != nil {
		return "", fmt.Errorf("failed to publish conversations: %w", err)
	}

	return conv.ID, nil
}

func (m *Main) generateTitle(assistantID, conversationID, firstMessage string) {
	prompt := m.cfg.TitlePrompt
	if prompt == "" {
		prompt = "Write a title, at most five words, summarizing the user message. Answer with the title only."
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*30)
	defer cancel()

	title, err := m.cfg.TitleGenerator.Generate(ctx, []models.ChatMessage{
		{Role: models.RoleSystem, Content: prompt},
		{Role: models.RoleUser, Content: firstMessage},
	})
	if err != nil {
		m.logger.Error("Error generating conversation title",
			slog.String("message", firstMessage),
			slog.String(errLoggerKey, err.Error()))
		return
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return
	}

	updated := models.Conversation{
		ID:        conversationID,
		UserID:    m.cfg.Identity.CurrentUserID(),
		Assistant: assistantID,
		Title:     title,
	}
	if err := m.cfg.Store.UpdateConversation(context.Background(), updated); err != nil {
		m.logger.Error("Failed to update conversation title",
			slog.String(errLoggerKey, err.Error()))
		return
	}

	divs, err := m.conversationDivs(conversationID)
	if err != nil {
		m.logger.Error("Failed to generate conversation divs",
			slog.String(errLoggerKey, err.Error()))
		return
	}

	msg := sse.Message{
		Type: conversationsSSEType,
	}
	msg.AppendData(divs)
	if err := m.sseSrv.Publish(&msg, conversationsSSETopic); err != nil {
		m.logger.Error("Failed to publish conversations",
			slog.String(errLoggerKey, err.Error()))
	}
}

func (m *Main) conversationDivs(activeID string) (string, error) {
	convs, err := m.cfg.Store.Conversations(context.Background(), m.cfg.Identity.CurrentUserID())
	if err != nil {
		return "", fmt.Errorf("failed to get conversations: %w", err)
	}

	var sb strings.Builder
	for _, conv := range convs {
		title := conv.Title
		if title == "" {
			title = "New conversation"
		}
		err := m.templates.ExecuteTemplate(&sb, "conversation_title", conversationItem{
			ID:     conv.ID,
			Title:  title,
			Active: conv.ID == activeID,
		})
		if err != nil {
			return "", fmt.Errorf("failed to execute conversation_title template: %w", err)
		}
	}
	return sb.String(), nil
}
